package sync

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// conflictMarker tags the local copy kept aside by the keep-both policy.
// e.g. "report.txt" -> "report.conflict.txt"
const conflictMarker = ".conflict"

// rotated markers carry a sortable timestamp: report.conflict.20250712234500.txt
const (
	rotationFormat  = "20060102150405"
	rotationPattern = `\d{14}`
)

var conflictRegex = regexp.MustCompile(fmt.Sprintf(`%s(\.%s)?`, regexp.QuoteMeta(conflictMarker), rotationPattern))

// IsConflictPath reports whether path carries the conflict marker, rotated or not.
func IsConflictPath(path string) bool {
	return conflictRegex.MatchString(filepath.Base(path))
}

// UnmarkedPath strips the conflict marker and any rotation timestamp.
func UnmarkedPath(path string) string {
	dir, base := filepath.Split(path)
	return dir + conflictRegex.ReplaceAllString(base, "")
}

// setConflictMarker renames path to its marked name. An existing marked file
// is first rotated away using now. Returns the marked path.
func setConflictMarker(fs afero.Fs, path string, now time.Time) (string, error) {
	if IsConflictPath(path) {
		return path, nil
	}
	if ok, _ := afero.Exists(fs, path); !ok {
		return "", fmt.Errorf("cannot mark file: source file does not exist: %s", path)
	}

	marked := asMarkedPath(path)
	if ok, _ := afero.Exists(fs, marked); ok {
		rotated := asRotatedPath(marked, now)
		if err := fs.Rename(marked, rotated); err != nil {
			return "", fmt.Errorf("rotate %s to %s: %w", marked, rotated, err)
		}
	}

	if err := fs.Rename(path, marked); err != nil {
		return "", fmt.Errorf("mark %s as %s: %w", path, marked, err)
	}
	return marked, nil
}

func asMarkedPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + conflictMarker + ext
}

func asRotatedPath(path string, t time.Time) string {
	ext := filepath.Ext(path)
	return fmt.Sprintf("%s.%s%s", strings.TrimSuffix(path, ext), t.UTC().Format(rotationFormat), ext)
}
