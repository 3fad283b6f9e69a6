package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/sneakersync/sneakersync/internal/utils"
)

const (
	DefaultDBName       = "metadata.db"
	DefaultLogPath      = "sync.log"
	DefaultCopyAttempts = 3
	DefaultCopyBackoff  = 500 * time.Millisecond
	DefaultPolicy       = NewerWins

	machineIDApp = "sneakersync"
)

var (
	ErrNoPCRoot        = errors.New("`pc_root` is required")
	ErrNoUSBRoot       = errors.New("`usb_root` is required")
	ErrInvalidPolicy   = errors.New("invalid conflict policy")
	ErrInvalidAttempts = errors.New("`copy_attempts` must be at least 1")
	ErrNegativeBackoff = errors.New("`copy_backoff` must not be negative")
	ErrInvalidDBName   = errors.New("`db_name` must be a plain file name")
	ErrNoMachineName   = errors.New("machine name could not be determined")
	ErrSinkInReplica   = errors.New("dry run cannot write a log or report inside a replica")
)

// ConflictPolicy decides what Phase 1 does when it would overwrite local
// bytes that differ from the last agreed state.
type ConflictPolicy string

const (
	// NewerWins overwrites local content with the newer removable content.
	NewerWins ConflictPolicy = "newer-wins"
	// KeepBoth keeps the local bytes under a .conflict name before overwriting.
	KeepBoth ConflictPolicy = "keep-both"
)

func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch p := ConflictPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case NewerWins, KeepBoth:
		return p, nil
	case "":
		return DefaultPolicy, nil
	default:
		return "", fmt.Errorf("%w %q (want %s or %s)", ErrInvalidPolicy, s, NewerWins, KeepBoth)
	}
}

type Config struct {
	PCRoot         string         `mapstructure:"pc_root" json:"pc_root"`
	USBRoot        string         `mapstructure:"usb_root" json:"usb_root"`
	DBName         string         `mapstructure:"db_name" json:"db_name"`
	LogPath        string         `mapstructure:"log" json:"log"`
	DryRun         bool           `mapstructure:"dry_run" json:"dry_run"`
	MachineName    string         `mapstructure:"machine_name" json:"machine_name"`
	ConflictPolicy ConflictPolicy `mapstructure:"conflict_policy" json:"conflict_policy"`
	Excludes       []string       `mapstructure:"exclude" json:"exclude,omitempty"`
	CopyAttempts   int            `mapstructure:"copy_attempts" json:"copy_attempts"`
	CopyBackoff    time.Duration  `mapstructure:"copy_backoff" json:"copy_backoff"`
	ReportPath     string         `mapstructure:"report" json:"report,omitempty"`
}

// Validate fills defaults, resolves both roots to absolute paths and rejects
// settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.PCRoot == "" {
		return ErrNoPCRoot
	}
	if c.USBRoot == "" {
		return ErrNoUSBRoot
	}

	var err error
	if c.PCRoot, err = utils.ResolvePath(c.PCRoot); err != nil {
		return fmt.Errorf("pc root: %w", err)
	}
	if c.USBRoot, err = utils.ResolvePath(c.USBRoot); err != nil {
		return fmt.Errorf("usb root: %w", err)
	}

	if c.DBName == "" {
		c.DBName = DefaultDBName
	}
	if strings.ContainsAny(c.DBName, `/\`) || c.DBName == "." || c.DBName == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidDBName, c.DBName)
	}

	if c.ConflictPolicy, err = ParseConflictPolicy(string(c.ConflictPolicy)); err != nil {
		return err
	}

	if c.CopyAttempts == 0 {
		c.CopyAttempts = DefaultCopyAttempts
	}
	if c.CopyAttempts < 1 {
		return ErrInvalidAttempts
	}
	if c.CopyBackoff < 0 {
		return ErrNegativeBackoff
	}

	if c.MachineName == "" {
		c.MachineName = DefaultMachineName()
	}
	if c.MachineName == "" {
		return ErrNoMachineName
	}

	if c.LogPath != "" {
		if c.LogPath, err = utils.ResolvePath(c.LogPath); err != nil {
			return fmt.Errorf("log path: %w", err)
		}
	}
	if c.ReportPath != "" {
		if c.ReportPath, err = utils.ResolvePath(c.ReportPath); err != nil {
			return fmt.Errorf("report path: %w", err)
		}
	}

	if c.DryRun {
		for _, sink := range []string{c.LogPath, c.ReportPath} {
			if sink == "" {
				continue
			}
			if utils.IsWithin(c.PCRoot, sink) || utils.IsWithin(c.USBRoot, sink) {
				return fmt.Errorf("%w: %s", ErrSinkInReplica, sink)
			}
		}
	}

	return nil
}

// DefaultMachineName is the hostname, or a short protected machine id when the
// hostname is unavailable.
func DefaultMachineName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	id, err := machineid.ProtectedID(machineIDApp)
	if err != nil || len(id) < 12 {
		return ""
	}
	return "machine-" + id[:12]
}
