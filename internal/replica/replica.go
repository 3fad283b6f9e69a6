package replica

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/sneakersync/sneakersync/internal/scan"
	"github.com/sneakersync/sneakersync/internal/utils"
)

const (
	localLockFile = "sync.lock"
	stagingSuffix = ".tmp"
	lockSuffix    = ".lock"
)

var (
	ErrRootMissing   = errors.New("replica root does not exist")
	ErrRootsOverlap  = errors.New("replica roots overlap")
	ErrReplicaLocked = errors.New("replica locked by another process")
)

// Layout places the metadata stores and locks of a local (pc) and a
// removable (usb) replica.
type Layout struct {
	PCRoot  string
	USBRoot string
	DBName  string

	// MetaDir is the hidden metadata directory under PCRoot.
	MetaDir        string
	LocalStore     string
	StagingStore   string
	RemovableStore string

	pcLock  *flock.Flock
	usbLock *flock.Flock
}

func New(pcRoot, usbRoot, dbName string) (*Layout, error) {
	if dbName == "" || dbName != filepath.Base(dbName) {
		return nil, fmt.Errorf("invalid db name %q", dbName)
	}

	pc, err := utils.ResolvePath(pcRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve pc root %s: %w", pcRoot, err)
	}
	usb, err := utils.ResolvePath(usbRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve usb root %s: %w", usbRoot, err)
	}

	metaDir := filepath.Join(pc, scan.MetaDirName)
	return &Layout{
		PCRoot:         pc,
		USBRoot:        usb,
		DBName:         dbName,
		MetaDir:        metaDir,
		LocalStore:     filepath.Join(metaDir, dbName),
		StagingStore:   filepath.Join(metaDir, dbName+stagingSuffix),
		RemovableStore: filepath.Join(usb, dbName),
		pcLock:         flock.New(filepath.Join(metaDir, localLockFile)),
		usbLock:        flock.New(filepath.Join(usb, dbName+lockSuffix)),
	}, nil
}

// Check fails with ErrRootMissing unless both roots are existing directories.
func (l *Layout) Check() error {
	for _, root := range []string{l.PCRoot, l.USBRoot} {
		if !utils.DirExists(root) {
			return fmt.Errorf("%w: %s", ErrRootMissing, root)
		}
	}
	if utils.IsWithin(l.PCRoot, l.USBRoot) || utils.IsWithin(l.USBRoot, l.PCRoot) {
		return fmt.Errorf("%w: %s and %s", ErrRootsOverlap, l.PCRoot, l.USBRoot)
	}
	return nil
}

// Lock takes an exclusive lock on both replicas.
func (l *Layout) Lock() error {
	if err := utils.EnsureDir(l.MetaDir); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", l.MetaDir, err)
	}

	if err := tryLock(l.pcLock); err != nil {
		return err
	}
	if err := tryLock(l.usbLock); err != nil {
		if uerr := unlock(l.pcLock); uerr != nil {
			slog.Warn("unlock", "path", l.pcLock.Path(), "error", uerr)
		}
		return err
	}
	return nil
}

// Unlock releases whatever Lock acquired and removes the lock files.
func (l *Layout) Unlock() error {
	return errors.Join(unlock(l.usbLock), unlock(l.pcLock))
}

func tryLock(f *flock.Flock) error {
	locked, err := f.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", f.Path(), err)
	}
	if !locked {
		return fmt.Errorf("%w: %s", ErrReplicaLocked, f.Path())
	}
	return nil
}

func unlock(f *flock.Flock) error {
	// not ours, leave the file alone
	if !f.Locked() {
		return nil
	}
	if err := f.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock %s: %w", f.Path(), err)
	}
	if err := os.Remove(f.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// PCPath maps a stored relative path into the local replica.
func (l *Layout) PCPath(rel string) string {
	return utils.HostPath(l.PCRoot, rel)
}

// USBPath maps a stored relative path into the removable replica.
func (l *Layout) USBPath(rel string) string {
	return utils.HostPath(l.USBRoot, rel)
}

// PCRel returns the stored form of a host path under PCRoot, or false when
// the path lies outside it.
func (l *Layout) PCRel(hostPath string) (string, bool) {
	if !utils.IsWithin(l.PCRoot, hostPath) {
		return "", false
	}
	rel, err := filepath.Rel(l.PCRoot, hostPath)
	if err != nil || rel == "." {
		return "", false
	}
	return utils.NormPath(rel), true
}
