package fsops

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// ErrIsDirectory is returned when an operand is a directory instead of a file.
var ErrIsDirectory = errors.New("is a directory")

// tempMarker tags in-flight copies so scanners can skip them.
const tempMarker = ".sneakersync-tmp-"

// Ops are the filesystem primitives the engine relies on. Every operation
// except Delete creates missing parent directories.
type Ops interface {
	Copy(src, dst string) error
	Move(src, dst string) error
	Delete(path string) error
	EnsureParent(path string) error
}

// FS implements Ops on top of an afero filesystem.
type FS struct {
	fs afero.Fs
}

var _ Ops = (*FS)(nil)

func New(fs afero.Fs) *FS {
	return &FS{fs: fs}
}

// IsTempFile reports whether name looks like an in-flight copy.
func IsTempFile(name string) bool {
	return strings.Contains(filepath.Base(name), tempMarker)
}

func (o *FS) EnsureParent(path string) error {
	if err := o.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent of %s: %w", path, err)
	}
	return nil
}

// Copy copies src to dst through a sibling temp file that is renamed into
// place, so dst is never observed half-written. The source modification time
// and permissions are preserved.
func (o *FS) Copy(src, dst string) (err error) {
	info, err := o.regularFile(src)
	if err != nil {
		return err
	}
	if err := o.notDir(dst); err != nil {
		return err
	}
	if err := o.EnsureParent(dst); err != nil {
		return err
	}

	in, err := o.fs.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	tmp, err := afero.TempFile(o.fs, filepath.Dir(dst), "."+filepath.Base(dst)+tempMarker+"*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", dst, err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			o.fs.Remove(tmpName)
		}
	}()

	if _, err = io.Copy(tmp, in); err != nil {
		tmp.Close()
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err = o.fs.Chmod(tmpName, info.Mode().Perm()); err != nil {
		return fmt.Errorf("chmod %s: %w", tmpName, err)
	}
	if err = o.fs.Chtimes(tmpName, info.ModTime(), info.ModTime()); err != nil {
		return fmt.Errorf("chtimes %s: %w", tmpName, err)
	}
	if err = o.fs.Rename(tmpName, dst); err != nil {
		return fmt.Errorf("rename %s to %s: %w", tmpName, dst, err)
	}
	return nil
}

func (o *FS) Move(src, dst string) error {
	if _, err := o.regularFile(src); err != nil {
		return err
	}
	if err := o.notDir(dst); err != nil {
		return err
	}
	if err := o.EnsureParent(dst); err != nil {
		return err
	}
	if err := o.fs.Rename(src, dst); err != nil {
		return fmt.Errorf("move %s to %s: %w", src, dst, err)
	}
	return nil
}

// Delete removes a file. A missing path is not an error.
func (o *FS) Delete(path string) error {
	info, err := o.fs.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("delete %s: %w", path, ErrIsDirectory)
	}
	if err := o.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

func (o *FS) regularFile(path string) (os.FileInfo, error) {
	info, err := o.fs.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s: %w", path, ErrIsDirectory)
	}
	return info, nil
}

func (o *FS) notDir(path string) error {
	info, err := o.fs.Stat(path)
	if err == nil && info.IsDir() {
		return fmt.Errorf("%s: %w", path, ErrIsDirectory)
	}
	return nil
}
