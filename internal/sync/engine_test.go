package sync

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/jonboulle/clockwork"
	"github.com/sneakersync/sneakersync/internal/config"
	"github.com/sneakersync/sneakersync/internal/contenthash"
	"github.com/sneakersync/sneakersync/internal/fsops"
	"github.com/sneakersync/sneakersync/internal/metastore"
	"github.com/sneakersync/sneakersync/internal/replica"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

// machine is one computer taking part in the sneakernet.
type machine struct {
	t     *testing.T
	name  string
	pc    string
	usb   string
	clock clockwork.FakeClock
}

func newMachine(t *testing.T, name, usb string) *machine {
	t.Helper()
	return &machine{t: t, name: name, pc: t.TempDir(), usb: usb, clock: clockwork.NewFakeClockAt(epoch)}
}

func (m *machine) config(mutate ...func(*config.Config)) *config.Config {
	cfg := &config.Config{
		PCRoot:      m.pc,
		USBRoot:     m.usb,
		MachineName: m.name,
	}
	for _, fn := range mutate {
		fn(cfg)
	}
	return cfg
}

func (m *machine) engine(opts []Option, mutate ...func(*config.Config)) *Engine {
	m.t.Helper()
	e, err := New(m.config(mutate...), append([]Option{WithClock(m.clock)}, opts...)...)
	require.NoError(m.t, err)
	return e
}

func (m *machine) sync(mutate ...func(*config.Config)) *Report {
	m.t.Helper()
	report, err := m.engine(nil, mutate...).Run(context.Background())
	require.NoError(m.t, err)
	require.NotNil(m.t, report)
	m.clock.Advance(time.Minute)
	return report
}

// write creates a file with an explicit modification time.
func (m *machine) write(rel, content string, mtime time.Time) {
	m.t.Helper()
	path := filepath.Join(m.pc, filepath.FromSlash(rel))
	require.NoError(m.t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(m.t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(m.t, os.Chtimes(path, mtime, mtime))
}

func (m *machine) read(rel string) string {
	m.t.Helper()
	data, err := os.ReadFile(filepath.Join(m.pc, filepath.FromSlash(rel)))
	require.NoError(m.t, err)
	return string(data)
}

func (m *machine) exists(rel string) bool {
	_, err := os.Stat(filepath.Join(m.pc, filepath.FromSlash(rel)))
	return err == nil
}

func (m *machine) rename(from, to string) {
	m.t.Helper()
	dst := filepath.Join(m.pc, filepath.FromSlash(to))
	require.NoError(m.t, os.MkdirAll(filepath.Dir(dst), 0o755))
	require.NoError(m.t, os.Rename(filepath.Join(m.pc, filepath.FromSlash(from)), dst))
}

func (m *machine) remove(rel string) {
	m.t.Helper()
	require.NoError(m.t, os.Remove(filepath.Join(m.pc, filepath.FromSlash(rel))))
}

func removableStates(t *testing.T, usb string) []metastore.MasterState {
	t.Helper()
	s, err := metastore.Open(context.Background(), filepath.Join(usb, config.DefaultDBName), metastore.ReadOnly())
	require.NoError(t, err)
	defer s.Close()
	states, err := s.MasterStates(context.Background())
	require.NoError(t, err)
	return states
}

func removableTombstones(t *testing.T, usb string) []metastore.Tombstone {
	t.Helper()
	s, err := metastore.Open(context.Background(), filepath.Join(usb, config.DefaultDBName), metastore.ReadOnly())
	require.NoError(t, err)
	defer s.Close()
	tombs, err := s.Tombstones(context.Background())
	require.NoError(t, err)
	return tombs
}

func readUSB(t *testing.T, usb, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(usb, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

func TestRunPushesToFreshMedium(t *testing.T) {
	usb := t.TempDir()
	a := newMachine(t, "laptop", usb)
	a.write("docs/report.txt", "quarterly numbers", epoch)
	a.write("notes.md", "# notes", epoch)

	report := a.sync()
	assert.Equal(t, 2, report.Counts[CountCreateUSB])
	assert.Empty(t, report.Failures())

	assert.Equal(t, "quarterly numbers", readUSB(t, usb, "docs/report.txt"))
	states := removableStates(t, usb)
	require.Len(t, states, 2)
	assert.Equal(t, "docs/report.txt", states[0].RelPath)
	assert.Equal(t, contenthash.Bytes([]byte("quarterly numbers")), states[0].InitHash)
	assert.Equal(t, "laptop", states[0].MachineName)

	// the queue is drained and the movements archived
	e := a.engine(nil)
	history, err := e.History(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	staging, err := metastore.Open(context.Background(), e.Layout().StagingStore, metastore.ReadOnly())
	require.NoError(t, err)
	defer staging.Close()
	pending, err := staging.PendingMovements(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRunIsIdempotent(t *testing.T) {
	usb := t.TempDir()
	a := newMachine(t, "laptop", usb)
	a.write("a.txt", "alpha", epoch)
	a.write("b/c.txt", "gamma", epoch)
	a.sync()

	report := a.sync()
	assert.Empty(t, report.Counts)
	assert.Empty(t, report.Detected)
	assert.Empty(t, report.Replicated)
	assert.Empty(t, report.Applied)
}

func TestRunBootstrapsSecondMachine(t *testing.T) {
	usb := t.TempDir()
	a := newMachine(t, "laptop", usb)
	a.write("a.txt", "alpha", epoch)
	a.write("deep/dir/b.txt", "beta", epoch)
	a.sync()

	b := newMachine(t, "desktop", usb)
	report := b.sync()
	assert.Equal(t, 2, report.Counts[CountNewFromUSB])
	assert.Empty(t, report.Detected, "bootstrapped files are not pushed back")
	assert.Equal(t, "beta", b.read("deep/dir/b.txt"))

	info, err := os.Stat(filepath.Join(b.pc, "a.txt"))
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(epoch), "copies keep the modification time")

	report = b.sync()
	assert.Empty(t, report.Counts)
}

func TestRunPropagatesChanges(t *testing.T) {
	usb := t.TempDir()
	a := newMachine(t, "laptop", usb)
	a.write("keep.txt", "unchanged", epoch)
	a.write("old-name.txt", "renamed content", epoch)
	a.write("edit.txt", "v1", epoch)
	a.write("drop.txt", "to be deleted", epoch)
	a.sync()

	b := newMachine(t, "desktop", usb)
	b.sync()

	a.rename("old-name.txt", "archive/new-name.txt")
	a.write("edit.txt", "version two", epoch.Add(time.Hour))
	a.remove("drop.txt")

	report := a.sync()
	assert.Equal(t, 1, report.Counts[CountMoveUSB])
	assert.Equal(t, 1, report.Counts[CountModifyUSB])
	assert.Equal(t, 1, report.Counts[CountDeleteUSB])
	assert.Zero(t, report.Counts[CountCreateUSB], "a rename keeps its identity")

	states := removableStates(t, usb)
	require.Len(t, states, 3)
	ids := map[string]string{}
	for _, st := range states {
		ids[st.RelPath] = st.InitHash
	}
	assert.Equal(t, contenthash.Bytes([]byte("renamed content")), ids["archive/new-name.txt"])
	assert.Equal(t, contenthash.Bytes([]byte("v1")), ids["edit.txt"], "identity survives edits")

	dropped := contenthash.Bytes([]byte("to be deleted"))
	tombs := removableTombstones(t, usb)
	require.Len(t, tombs, 1)
	assert.Equal(t, dropped, tombs[0].InitHash)
	assert.Equal(t, dropped, tombs[0].ContentHash)
	assert.Equal(t, "laptop", tombs[0].MachineName)

	report = b.sync()
	assert.Equal(t, 1, report.Counts[CountMoveLocal])
	assert.Equal(t, 1, report.Counts[CountUpdateLocal])
	assert.Equal(t, 1, report.Counts[CountDeleteLocal])
	assert.Empty(t, report.Detected)

	assert.Equal(t, "renamed content", b.read("archive/new-name.txt"))
	assert.False(t, b.exists("old-name.txt"))
	assert.Equal(t, "version two", b.read("edit.txt"))
	assert.False(t, b.exists("drop.txt"))
	assert.Equal(t, "unchanged", b.read("keep.txt"))
}

func TestRunDeletionIsNotResurrected(t *testing.T) {
	usb := t.TempDir()
	a := newMachine(t, "laptop", usb)
	a.write("a.txt", "alpha", epoch)
	a.sync()

	b := newMachine(t, "desktop", usb)
	b.sync()

	a.remove("a.txt")
	a.sync()

	// b has not seen the deletion yet but must not push the file back
	report := b.sync()
	assert.Equal(t, 1, report.Counts[CountDeleteLocal])
	assert.Zero(t, report.Counts[CountCreateUSB])
	assert.False(t, b.exists("a.txt"))
	assert.Empty(t, removableStates(t, usb))

	report = a.sync()
	assert.Empty(t, report.Counts)
	assert.False(t, a.exists("a.txt"))
}

func TestRunModTimeTolerance(t *testing.T) {
	usb := t.TempDir()
	a := newMachine(t, "laptop", usb)
	a.write("a.txt", "alpha", epoch)
	a.sync()

	// touched within tolerance
	a.write("a.txt", "alpha", epoch.Add(time.Second))
	report := a.sync()
	assert.Empty(t, report.Detected)

	// same size, new bytes, outside tolerance
	a.write("a.txt", "alphb", epoch.Add(10*time.Second))
	report = a.sync()
	assert.Equal(t, 1, report.Counts[CountModifyUSB])
}

func TestRunKeepBothConflict(t *testing.T) {
	usb := t.TempDir()
	a := newMachine(t, "laptop", usb)
	a.write("shared.txt", "original", epoch)
	a.sync()

	b := newMachine(t, "desktop", usb)
	b.sync()

	b.write("shared.txt", "desktop edit", epoch.Add(time.Minute))
	a.write("shared.txt", "laptop edit!", epoch.Add(time.Hour))
	a.sync()

	report := b.sync(func(c *config.Config) { c.ConflictPolicy = config.KeepBoth })
	assert.Equal(t, 1, report.Counts[CountConflicts])
	assert.Equal(t, 1, report.Counts[CountUpdateLocal])
	assert.Equal(t, 1, report.Counts[CountCreateUSB], "the conflict copy is pushed as a new file")

	assert.Equal(t, "laptop edit!", b.read("shared.txt"))
	assert.Equal(t, "desktop edit", b.read("shared.conflict.txt"))
	assert.Equal(t, "desktop edit", readUSB(t, usb, "shared.conflict.txt"))
}

func TestRunNewerWinsOverwrites(t *testing.T) {
	usb := t.TempDir()
	a := newMachine(t, "laptop", usb)
	a.write("shared.txt", "original", epoch)
	a.sync()

	b := newMachine(t, "desktop", usb)
	b.sync()

	b.write("shared.txt", "desktop edit", epoch.Add(time.Minute))
	a.write("shared.txt", "laptop edit!", epoch.Add(time.Hour))
	a.sync()

	report := b.sync()
	assert.Zero(t, report.Counts[CountConflicts])
	assert.Equal(t, "laptop edit!", b.read("shared.txt"))
	assert.False(t, b.exists("shared.conflict.txt"))
}

func TestRunLocalDivergenceIsPushed(t *testing.T) {
	usb := t.TempDir()
	a := newMachine(t, "laptop", usb)
	a.write("shared.txt", "original", epoch)
	a.sync()

	b := newMachine(t, "desktop", usb)
	b.sync()

	b.write("shared.txt", "desktop wins", epoch.Add(time.Hour))
	report := b.sync()
	assert.Zero(t, report.Counts[CountUpdateLocal])
	assert.Equal(t, 1, report.Counts[CountModifyUSB])

	report = a.sync()
	assert.Equal(t, 1, report.Counts[CountUpdateLocal])
	assert.Equal(t, "desktop wins", a.read("shared.txt"))
}

func TestRunDryRunChangesNothing(t *testing.T) {
	usb := t.TempDir()
	a := newMachine(t, "laptop", usb)
	a.write("a.txt", "alpha", epoch)

	report := a.sync(func(c *config.Config) { c.DryRun = true })
	assert.True(t, report.DryRun)
	assert.Equal(t, 1, report.Counts[CountCreateUSB])
	require.Len(t, report.Applied, 1)
	assert.Equal(t, StatusPlanned, report.Applied[0].Status)

	entries, err := os.ReadDir(usb)
	require.NoError(t, err)
	assert.Empty(t, entries, "nothing is written to the removable replica")
	assert.NoDirExists(t, filepath.Join(a.pc, ".sync"))
}

func TestRunDryRunSimulatesReplication(t *testing.T) {
	usb := t.TempDir()
	a := newMachine(t, "laptop", usb)
	a.write("old.txt", "moving", epoch)
	a.write("new-upstream.txt", "fresh", epoch)
	a.sync()

	b := newMachine(t, "desktop", usb)
	b.sync()

	a.rename("old.txt", "moved.txt")
	a.write("second.txt", "second", epoch)
	a.sync()

	report := b.sync(func(c *config.Config) { c.DryRun = true })
	assert.Equal(t, 1, report.Counts[CountMoveLocal])
	assert.Equal(t, 1, report.Counts[CountNewFromUSB])
	assert.Empty(t, report.Detected, "planned replication is not mistaken for local changes")

	assert.True(t, b.exists("old.txt"))
	assert.False(t, b.exists("second.txt"))
}

// corruptingOps writes the wrong bytes on every copy.
type corruptingOps struct {
	*fsops.FS
	copies int
}

func (c *corruptingOps) Copy(src, dst string) error {
	c.copies++
	if err := c.FS.EnsureParent(dst); err != nil {
		return err
	}
	return afero.WriteFile(afero.NewOsFs(), dst, []byte("garbage"), 0o644)
}

func TestRunCopyVerificationFails(t *testing.T) {
	usb := t.TempDir()
	a := newMachine(t, "laptop", usb)
	a.write("a.txt", "alpha", epoch)

	ops := &corruptingOps{FS: fsops.New(afero.NewOsFs())}
	e := a.engine([]Option{WithOps(ops)}, func(c *config.Config) { c.CopyAttempts = 2 })

	report, err := e.Run(context.Background())
	require.ErrorIs(t, err, ErrCopyVerification)
	require.NotNil(t, report)
	assert.Equal(t, 2, ops.copies)
	require.Len(t, report.Failures(), 1)
	assert.NotEmpty(t, report.Error)

	assert.Empty(t, removableStates(t, usb), "a failed copy is not recorded")

	// the movement stays queued and goes through once copies work again
	report = a.sync()
	assert.Equal(t, 1, report.Counts[CountCreateUSB])
	assert.Equal(t, "alpha", readUSB(t, usb, "a.txt"))
}

func TestRunCopyBackoffUsesClock(t *testing.T) {
	usb := t.TempDir()
	a := newMachine(t, "laptop", usb)
	a.write("a.txt", "alpha", epoch)

	ops := &corruptingOps{FS: fsops.New(afero.NewOsFs())}
	e := a.engine([]Option{WithOps(ops)}, func(c *config.Config) {
		c.CopyAttempts = 2
		c.CopyBackoff = time.Second
	})

	done := make(chan error, 1)
	go func() {
		_, err := e.Run(context.Background())
		done <- err
	}()

	a.clock.BlockUntil(1)
	select {
	case <-done:
		t.Fatal("run finished before the backoff elapsed")
	default:
	}
	a.clock.Advance(time.Second)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCopyVerification)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish")
	}
}

func TestRunEnvironmentErrors(t *testing.T) {
	t.Run("missing removable root", func(t *testing.T) {
		a := newMachine(t, "laptop", filepath.Join(t.TempDir(), "unplugged"))
		_, err := a.engine(nil).Run(context.Background())
		assert.ErrorIs(t, err, replica.ErrRootMissing)
	})

	t.Run("replica in use", func(t *testing.T) {
		usb := t.TempDir()
		a := newMachine(t, "laptop", usb)
		lock := flock.New(filepath.Join(usb, config.DefaultDBName+".lock"))
		locked, err := lock.TryLock()
		require.NoError(t, err)
		require.True(t, locked)
		defer lock.Unlock()

		_, err = a.engine(nil).Run(context.Background())
		assert.ErrorIs(t, err, replica.ErrReplicaLocked)
	})
}

func TestRunSkipsStoreAndIgnoredFiles(t *testing.T) {
	usb := t.TempDir()
	a := newMachine(t, "laptop", usb)
	a.write("a.txt", "alpha", epoch)
	a.write(".syncignore", "*.tmp\n", epoch)
	a.write("scratch.tmp", "ignored", epoch)
	a.write(config.DefaultDBName, "not a database", epoch)

	report := a.sync()
	paths := map[string]bool{}
	for _, m := range report.Detected {
		paths[m.RelPath] = true
	}
	assert.Equal(t, map[string]bool{"a.txt": true, ".syncignore": true}, paths)
}

// countingOps records how many copies and moves reach the filesystem.
type countingOps struct {
	*fsops.FS
	copies int
	moves  int
}

func (c *countingOps) Copy(src, dst string) error {
	c.copies++
	return c.FS.Copy(src, dst)
}

func (c *countingOps) Move(src, dst string) error {
	c.moves++
	return c.FS.Move(src, dst)
}

func TestRunEndToEndScenario(t *testing.T) {
	ctx := context.Background()
	usb := t.TempDir()
	a := newMachine(t, "laptop", usb)
	v1 := contenthash.Bytes([]byte("v1"))

	syncOnce := func() (*Report, *countingOps) {
		t.Helper()
		ops := &countingOps{FS: fsops.New(afero.NewOsFs())}
		report, err := a.engine([]Option{WithOps(ops)}).Run(ctx)
		require.NoError(t, err)
		a.clock.Advance(time.Minute)
		return report, ops
	}

	a.write("docs/report.txt", "v1", epoch)
	report, ops := syncOnce()
	assert.Equal(t, 1, report.Counts[CountCreateUSB])
	assert.Equal(t, 1, ops.copies)
	assert.Equal(t, "v1", readUSB(t, usb, "docs/report.txt"))
	states := removableStates(t, usb)
	require.Len(t, states, 1)
	assert.Equal(t, "docs/report.txt", states[0].RelPath)
	assert.Equal(t, v1, states[0].InitHash)

	a.rename("docs/report.txt", "docs/final.txt")
	report, ops = syncOnce()
	assert.Equal(t, 1, report.Counts[CountMoveUSB])
	assert.Zero(t, ops.copies, "a rename is not a re-copy")
	assert.Equal(t, 1, ops.moves)
	assert.Equal(t, "v1", readUSB(t, usb, "docs/final.txt"))
	assert.NoFileExists(t, filepath.Join(usb, "docs", "report.txt"))
	states = removableStates(t, usb)
	require.Len(t, states, 1)
	assert.Equal(t, "docs/final.txt", states[0].RelPath)
	assert.Equal(t, v1, states[0].InitHash)

	a.remove("docs/final.txt")
	report, _ = syncOnce()
	assert.Equal(t, 1, report.Counts[CountDeleteUSB])
	assert.NoFileExists(t, filepath.Join(usb, "docs", "final.txt"))
	assert.Empty(t, removableStates(t, usb))
	tombs := removableTombstones(t, usb)
	require.Len(t, tombs, 1)
	assert.Equal(t, v1, tombs[0].InitHash)
	assert.Equal(t, v1, tombs[0].ContentHash)
	assert.True(t, tombs[0].DeletedAt.After(epoch))
}

func TestRunExcludedFileStaysOnRemovable(t *testing.T) {
	usb := t.TempDir()
	a := newMachine(t, "laptop", usb)
	a.write("build.log", "compiler output", epoch)
	a.write("notes.txt", "keep me", epoch)
	a.sync()

	exclude := func(c *config.Config) { c.Excludes = []string{"*.log"} }
	report := a.sync(exclude)
	assert.Empty(t, report.Detected)
	assert.Zero(t, report.Counts[CountDeleteUSB])
	assert.Equal(t, "compiler output", readUSB(t, usb, "build.log"))
	assert.Len(t, removableStates(t, usb), 2)
	assert.Empty(t, removableTombstones(t, usb))

	// a machine excluding the file neither pulls it nor deletes it
	b := newMachine(t, "desktop", usb)
	report = b.sync(exclude)
	assert.Equal(t, 1, report.Counts[CountNewFromUSB])
	assert.Empty(t, report.Detected)
	assert.False(t, b.exists("build.log"))
	assert.Equal(t, "keep me", b.read("notes.txt"))

	var reasons []string
	for _, o := range report.Replicated {
		if o.Status == StatusSkipped {
			reasons = append(reasons, o.Path+": "+o.Reason)
		}
	}
	assert.Equal(t, []string{"build.log: ignored locally"}, reasons)

	report = b.sync(exclude)
	assert.Empty(t, report.Counts)
	assert.Empty(t, report.Detected)
	assert.Len(t, removableStates(t, usb), 2)
	assert.Empty(t, removableTombstones(t, usb))
}

func TestRunLogFileOverTrackedPath(t *testing.T) {
	usb := t.TempDir()
	a := newMachine(t, "laptop", usb)
	a.write("notes.txt", "keep me", epoch)
	a.sync()

	report := a.sync(func(c *config.Config) { c.LogPath = filepath.Join(a.pc, "notes.txt") })
	assert.Empty(t, report.Detected)
	assert.Equal(t, "keep me", readUSB(t, usb, "notes.txt"))
	assert.Len(t, removableStates(t, usb), 1)
}

func TestRunStopsOnCorruptQueue(t *testing.T) {
	ctx := context.Background()
	usb := t.TempDir()
	a := newMachine(t, "laptop", usb)
	a.write("a.txt", "alpha", epoch)
	e := a.engine(nil)

	staging, err := metastore.Open(ctx, e.Layout().StagingStore)
	require.NoError(t, err)
	_, err = staging.ReplacePending(ctx, []metastore.Movement{{
		ID:          "bad-1",
		OpType:      "RENAME",
		InitHash:    "h",
		RelPath:     "a.txt",
		ContentHash: "h",
		LastOpTime:  epoch,
	}})
	require.NoError(t, err)
	require.NoError(t, staging.Close())

	report, err := e.Run(ctx)
	require.ErrorIs(t, err, ErrUnknownOperation)
	require.NotNil(t, report)
	assert.NotEmpty(t, report.Error)
	assert.Empty(t, report.Applied)
	assert.NoFileExists(t, filepath.Join(usb, "a.txt"))

	// the record is still there for inspection
	staging, err = metastore.Open(ctx, e.Layout().StagingStore, metastore.ReadOnly())
	require.NoError(t, err)
	defer staging.Close()
	pending, err := staging.PendingMovements(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "bad-1", pending[0].ID)
}

// openRun prepares a run with every store open, as Run does after locking.
func openRun(t *testing.T, e *Engine) *run {
	t.Helper()
	r := &run{
		Engine: e,
		log:    e.log,
		report: newReport("test", e.cfg.MachineName, false, e.clock.Now()),
	}
	require.NoError(t, r.openStores(context.Background()))
	t.Cleanup(r.closeStores)
	return r
}

func TestApplySkipsArchivedMovement(t *testing.T) {
	ctx := context.Background()
	usb := t.TempDir()
	a := newMachine(t, "laptop", usb)
	a.write("a.txt", "alpha", epoch)
	a.sync()

	e := a.engine(nil)
	history, err := e.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)

	// the movement was recorded but the run stopped before dequeuing it
	r := openRun(t, e)
	_, err = r.staging.ReplacePending(ctx, []metastore.Movement{history[0].Movement})
	require.NoError(t, err)

	require.NoError(t, r.apply(ctx, nil))
	require.Len(t, r.report.Applied, 1)
	assert.Equal(t, StatusSkipped, r.report.Applied[0].Status)
	assert.Equal(t, "already applied", r.report.Applied[0].Reason)
	assert.Empty(t, r.report.Counts)

	pending, err := r.staging.PendingMovements(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	history, err = r.removable.History(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, history, 1, "not archived twice")
	assert.Len(t, removableStates(t, usb), 1)
}
