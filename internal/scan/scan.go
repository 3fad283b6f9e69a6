package scan

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/sneakersync/sneakersync/internal/contenthash"
	"github.com/sneakersync/sneakersync/internal/fsops"
	"github.com/sneakersync/sneakersync/internal/utils"
	"github.com/spf13/afero"
)

// FileMetadata is one scanned regular file. ContentHash stays empty until
// Snapshot.Hash computes it.
type FileMetadata struct {
	RelPath     string
	Size        int64
	ModTime     time.Time
	ContentHash string
}

// Snapshot is the result of one scan with lazily computed hashes.
type Snapshot struct {
	fs     afero.Fs
	root   string
	files  map[string]*FileMetadata
	ignore *IgnoreList
}

// Root returns the scanned directory.
func (s *Snapshot) Root() string {
	return s.root
}

func (s *Snapshot) Len() int {
	return len(s.files)
}

// Paths returns all relative paths, sorted.
func (s *Snapshot) Paths() []string {
	paths := make([]string, 0, len(s.files))
	for p := range s.files {
		paths = append(paths, p)
	}
	slices.Sort(paths)
	return paths
}

// Get returns a copy of the metadata for relPath.
func (s *Snapshot) Get(relPath string) (FileMetadata, bool) {
	m, ok := s.files[relPath]
	if !ok {
		return FileMetadata{}, false
	}
	return *m, true
}

// Ignored reports whether the scan's ignore rules cover relPath.
func (s *Snapshot) Ignored(relPath string) bool {
	return s.ignore != nil && s.ignore.Covers(relPath)
}

// Has reports whether relPath was seen by the scan.
func (s *Snapshot) Has(relPath string) bool {
	_, ok := s.files[relPath]
	return ok
}

// Hash computes and memoises the content hash of relPath. A failed hash is
// not cached.
func (s *Snapshot) Hash(relPath string) (string, error) {
	m, ok := s.files[relPath]
	if !ok {
		return "", fmt.Errorf("hash %s: %w", relPath, os.ErrNotExist)
	}
	if m.ContentHash != "" {
		return m.ContentHash, nil
	}
	h, err := contenthash.File(s.fs, utils.HostPath(s.root, relPath))
	if err != nil {
		return "", err
	}
	m.ContentHash = h
	return h, nil
}

// Scanner walks a replica root.
type Scanner struct {
	fs       afero.Fs
	excludes []string
	names    []string
}

type Option func(*Scanner)

// WithExcludes adds doublestar globs matched against relative paths.
func WithExcludes(patterns ...string) Option {
	return func(s *Scanner) {
		s.excludes = append(s.excludes, patterns...)
	}
}

// WithIgnoredNames skips exact relative paths, e.g. a store file at the root.
func WithIgnoredNames(names ...string) Option {
	return func(s *Scanner) {
		s.names = append(s.names, names...)
	}
}

func NewScanner(fs afero.Fs, opts ...Option) *Scanner {
	s := &Scanner{fs: fs}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IgnoreList compiles the rules a scan of root applies.
func (s *Scanner) IgnoreList(root string) *IgnoreList {
	return LoadIgnoreList(s.fs, root, s.excludes, s.names...)
}

// Scan lists every regular file under root. Directories are skipped, symlinks
// are kept only when they resolve to regular files, and files that vanish
// during the walk are dropped.
func (s *Scanner) Scan(root string) (*Snapshot, error) {
	ignore := s.IgnoreList(root)
	snap := &Snapshot{fs: s.fs, root: root, files: make(map[string]*FileMetadata), ignore: ignore}

	err := afero.Walk(s.fs, root, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			if path != root && os.IsNotExist(walkErr) {
				return nil
			}
			return fmt.Errorf("walk %s: %w", path, walkErr)
		}
		if path == root {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("walk rel path: %w", err)
		}
		rel = utils.NormPath(rel)

		if info.IsDir() {
			if ignore.ShouldIgnore(rel + "/") {
				return filepath.SkipDir
			}
			return nil
		}
		if fsops.IsTempFile(rel) || ignore.ShouldIgnore(rel) {
			return nil
		}

		if info.Mode()&os.ModeSymlink != 0 {
			target, err := s.fs.Stat(path)
			if err != nil || !target.Mode().IsRegular() {
				return nil
			}
			info = target
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		snap.files[rel] = &FileMetadata{
			RelPath: rel,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	return snap, nil
}
