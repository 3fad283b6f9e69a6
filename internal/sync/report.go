package sync

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sneakersync/sneakersync/internal/metastore"
	"github.com/sneakersync/sneakersync/internal/utils"
	"gopkg.in/yaml.v3"
)

type Status string

const (
	StatusApplied Status = "applied"
	StatusPlanned Status = "planned"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Counter keys of the run summary.
const (
	CountNewFromUSB  = "new_from_usb"
	CountMoveLocal   = "move_local"
	CountUpdateLocal = "update_local"
	CountDeleteLocal = "delete_local"
	CountConflicts   = "conflict_local"
	CountCreateUSB   = "create_usb"
	CountModifyUSB   = "modify_usb"
	CountMoveUSB     = "move_usb"
	CountDeleteUSB   = "delete_usb"
)

// Outcome is the result of one Phase 1 action or Phase 3 movement.
type Outcome struct {
	Phase   int    `json:"phase" yaml:"phase"`
	Action  string `json:"action" yaml:"action"`
	Path    string `json:"path" yaml:"path"`
	NewPath string `json:"newPath,omitempty" yaml:"newPath,omitempty"`
	Status  Status `json:"status" yaml:"status"`
	Reason  string `json:"reason,omitempty" yaml:"reason,omitempty"`
	Error   string `json:"error,omitempty" yaml:"error,omitempty"`

	err error
}

func applied(phase int, action, path, newPath string) Outcome {
	return Outcome{Phase: phase, Action: action, Path: path, NewPath: newPath, Status: StatusApplied}
}

func (o Outcome) skipped(reason string) Outcome {
	o.Status, o.Reason = StatusSkipped, reason
	return o
}

func (o Outcome) failed(err error) Outcome {
	o.Status, o.err, o.Error = StatusFailed, err, err.Error()
	return o
}

func (o Outcome) planned() Outcome {
	o.Status = StatusPlanned
	return o
}

// Err returns the failure cause of a Failed outcome.
func (o Outcome) Err() error {
	return o.err
}

// Report is returned by Engine.Run.
type Report struct {
	RunID      string               `json:"runId" yaml:"runId"`
	Machine    string               `json:"machine" yaml:"machine"`
	DryRun     bool                 `json:"dryRun" yaml:"dryRun"`
	StartedAt  time.Time            `json:"startedAt" yaml:"startedAt"`
	FinishedAt time.Time            `json:"finishedAt" yaml:"finishedAt"`
	Replicated []Outcome            `json:"replicated" yaml:"replicated"`
	Detected   []metastore.Movement `json:"detected" yaml:"detected"`
	Applied    []Outcome            `json:"applied" yaml:"applied"`
	Counts     map[string]int       `json:"counts" yaml:"counts"`
	Error      string               `json:"error,omitempty" yaml:"error,omitempty"`
}

func newReport(runID, machine string, dryRun bool, now time.Time) *Report {
	return &Report{
		RunID:     runID,
		Machine:   machine,
		DryRun:    dryRun,
		StartedAt: now,
		Counts:    make(map[string]int),
	}
}

func (r *Report) addReplicated(o Outcome, counter string) {
	r.Replicated = append(r.Replicated, o)
	if counter != "" && (o.Status == StatusApplied || o.Status == StatusPlanned) {
		r.Counts[counter]++
	}
}

func (r *Report) addApplied(o Outcome, counter string) {
	r.Applied = append(r.Applied, o)
	if counter != "" && (o.Status == StatusApplied || o.Status == StatusPlanned) {
		r.Counts[counter]++
	}
}

// Failures returns every failed outcome of both phases.
func (r *Report) Failures() []Outcome {
	var out []Outcome
	for _, o := range append(append([]Outcome(nil), r.Replicated...), r.Applied...) {
		if o.Status == StatusFailed {
			out = append(out, o)
		}
	}
	return out
}

// Count of outcomes with the given status across both phases.
func (r *Report) Count(status Status) int {
	n := 0
	for _, o := range append(append([]Outcome(nil), r.Replicated...), r.Applied...) {
		if o.Status == status {
			n++
		}
	}
	return n
}

// Summary renders the counters as "key: n" lines in a stable order.
func (r *Report) Summary() string {
	keys := make([]string, 0, len(r.Counts))
	for k := range r.Counts {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %d\n", k, r.Counts[k])
	}
	return b.String()
}

// WriteJSON encodes the report.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// Save writes the report to path, creating parent directories. A .yaml or
// .yml extension selects YAML, anything else JSON.
func (r *Report) Save(path string) error {
	if err := utils.EnsureParent(path); err != nil {
		return err
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(r)
	default:
		data, err = json.MarshalIndent(r, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write report %s: %w", path, err)
	}
	return nil
}
