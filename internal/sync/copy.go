package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sneakersync/sneakersync/internal/contenthash"
	"github.com/sneakersync/sneakersync/internal/replica"
	"github.com/spf13/afero"
)

// verifiedCopy copies src to dst and re-hashes dst until it matches want.
func (r *run) verifiedCopy(ctx context.Context, src, dst, want string) error {
	attempts := max(r.cfg.CopyAttempts, 1)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := r.wait(ctx, r.cfg.CopyBackoff*time.Duration(attempt-1)); err != nil {
				return err
			}
		}

		if err := r.ops.Copy(src, dst); err != nil {
			lastErr = err
			r.log.Warn("copy attempt failed", "src", src, "dst", dst, "attempt", attempt, "error", err)
			continue
		}

		got, err := contenthash.File(r.fs, dst)
		if err != nil {
			lastErr = err
			r.log.Warn("hash copy failed", "dst", dst, "attempt", attempt, "error", err)
			continue
		}
		if got == want {
			return nil
		}
		lastErr = fmt.Errorf("hash mismatch: want %s got %s", want, got)
		r.log.Warn("copy verification mismatch", "dst", dst, "attempt", attempt, "want", want, "got", got)
	}
	return fmt.Errorf("%w: %s after %d attempt(s): %v", ErrCopyVerification, dst, attempts, lastErr)
}

// copyToRemovable pushes a local file whose content must still be want.
func (r *run) copyToRemovable(ctx context.Context, rel, want string) (string, error) {
	src := r.layout.PCPath(rel)
	dst := r.layout.USBPath(rel)

	if current, err := contenthash.File(r.fs, dst); err == nil && current == want {
		return "already on removable", nil
	}

	got, err := contenthash.File(r.fs, src)
	if err != nil {
		return "", err
	}
	if got != want {
		return "", fmt.Errorf("content changed since detection: %s", rel)
	}
	return "", r.verifiedCopy(ctx, src, dst, want)
}

func (r *run) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.clock.After(d):
		return nil
	}
}

// checkSpace warns when root's filesystem cannot hold need more bytes.
func (r *run) checkSpace(root string, need int64) {
	if need <= 0 {
		return
	}
	free, err := replica.FreeSpace(root)
	if err != nil {
		r.log.Debug("free space unknown", "root", root, "error", err)
		return
	}
	if uint64(need) > free {
		r.log.Warn("not enough free space for all copies", "root", root, "need", humanize.Bytes(uint64(need)), "free", humanize.Bytes(free))
	}
}

func fileExists(fs afero.Fs, path string) bool {
	info, err := fs.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
