package scan

import (
	"bufio"
	"log/slog"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	gitignore "github.com/sabhiram/go-gitignore"
	"github.com/spf13/afero"
)

// IgnoreFileName is the per-replica ignore file, gitignore syntax.
const IgnoreFileName = ".syncignore"

// MetaDirName holds the local metadata stores; it is never synchronised.
const MetaDirName = ".sync"

var defaultIgnoreLines = []string{
	MetaDirName + "/",
	// OS-specific
	".DS_Store",
	"Thumbs.db",
	"desktop.ini",
}

// IgnoreList decides which relative paths a scan skips.
type IgnoreList struct {
	ignore   *gitignore.GitIgnore
	excludes []string
	names    map[string]struct{}
}

// LoadIgnoreList compiles the default rules, the replica's .syncignore (if
// present), the extra exclude globs and exact root-level names (store files).
func LoadIgnoreList(fs afero.Fs, root string, excludes []string, names ...string) *IgnoreList {
	lines := append([]string{}, defaultIgnoreLines...)

	ignorePath := filepath.Join(root, IgnoreFileName)
	if file, err := fs.Open(ignorePath); err == nil {
		rules := 0
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line != "" && !strings.HasPrefix(line, "#") {
				lines = append(lines, line)
				rules++
			}
		}
		if err := scanner.Err(); err != nil {
			slog.Warn("read ignore file", "path", ignorePath, "error", err)
		} else {
			slog.Debug("loaded ignore file", "path", ignorePath, "rules", rules)
		}
		file.Close()
	}

	valid := make([]string, 0, len(excludes))
	for _, pattern := range excludes {
		if !doublestar.ValidatePattern(pattern) {
			slog.Warn("invalid exclude pattern", "pattern", pattern)
			continue
		}
		valid = append(valid, pattern)
	}

	nameSet := make(map[string]struct{}, len(names))
	for _, n := range names {
		nameSet[n] = struct{}{}
	}

	return &IgnoreList{
		ignore:   gitignore.CompileIgnoreLines(lines...),
		excludes: valid,
		names:    nameSet,
	}
}

// ShouldIgnore takes a POSIX relative path.
func (l *IgnoreList) ShouldIgnore(relPath string) bool {
	if _, ok := l.names[relPath]; ok {
		return true
	}
	if l.ignore.MatchesPath(relPath) {
		return true
	}
	for _, pattern := range l.excludes {
		if ok, _ := doublestar.Match(pattern, relPath); ok {
			return true
		}
	}
	return false
}

// Covers reports whether relPath or one of its parent directories is ignored.
// A scan never returns a covered path, whether or not the file exists.
func (l *IgnoreList) Covers(relPath string) bool {
	if l.ShouldIgnore(relPath) {
		return true
	}
	for dir := path.Dir(relPath); dir != "." && dir != "/"; dir = path.Dir(dir) {
		if l.ShouldIgnore(dir + "/") {
			return true
		}
	}
	return false
}
