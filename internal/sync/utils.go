package sync

import (
	"strings"

	"github.com/sneakersync/sneakersync/internal/utils"
)

func absOrSelf(p string) string {
	if abs, err := utils.ResolvePath(p); err == nil {
		return abs
	}
	return p
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
