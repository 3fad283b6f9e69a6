package sync

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/sneakersync/sneakersync/internal/contenthash"
	"github.com/sneakersync/sneakersync/internal/metastore"
	"github.com/sneakersync/sneakersync/internal/scan"
)

// ModTimeTolerance absorbs timestamp rounding between filesystems.
const ModTimeTolerance = 2 * time.Second

// tree is a view of the local replica's files. *scan.Snapshot is one.
type tree interface {
	Paths() []string
	Get(relPath string) (scan.FileMetadata, bool)
	Has(relPath string) bool
	Hash(relPath string) (string, error)
}

// detectChanges compares the local tree with its baseline master state.
// reserved holds identities that new files must not take. Paths matched by
// ignored are out of scope: a baseline entry the rules now cover is neither
// deleted nor treated as the source of a move.
func detectChanges(t tree, baseline []metastore.MasterState, reserved mapset.Set[string], ignored func(string) bool, log *slog.Logger) []Operation {
	if ignored == nil {
		ignored = func(string) bool { return false }
	}

	byPath := make(map[string]metastore.MasterState, len(baseline))
	byContent := make(map[string][]metastore.MasterState)
	used := mapset.NewThreadUnsafeSet[string]()
	for _, st := range baseline {
		byPath[st.RelPath] = st
		byContent[st.ContentHash] = append(byContent[st.ContentHash], st)
		used.Add(st.InitHash)
	}
	if reserved != nil {
		used.Append(reserved.ToSlice()...)
	}

	var (
		ops        []Operation
		claimed    = mapset.NewThreadUnsafeSet[string]()
		hashFailed bool
	)

	for _, rel := range t.Paths() {
		if ignored(rel) {
			continue
		}
		meta, _ := t.Get(rel)

		if st, ok := byPath[rel]; ok {
			if meta.Size == st.SizeBytes && absDuration(meta.ModTime.Sub(st.LastOpTime)) <= ModTimeTolerance {
				continue
			}
			h, err := t.Hash(rel)
			if err != nil {
				log.Warn("hash failed, skipping", "path", rel, "error", err)
				continue
			}
			if h != st.ContentHash {
				ops = append(ops, Modify{InitHash: st.InitHash, RelPath: rel, ContentHash: h, Size: meta.Size, ModTime: meta.ModTime})
			}
			continue
		}

		h, err := t.Hash(rel)
		if err != nil {
			log.Warn("hash failed, deletions are held back this run", "path", rel, "error", err)
			hashFailed = true
			continue
		}

		if src, ok := moveSource(byContent[h], t, claimed, ignored); ok {
			claimed.Add(src.RelPath)
			ops = append(ops, Move{InitHash: src.InitHash, From: src.RelPath, To: rel, ContentHash: h, Size: meta.Size, ModTime: meta.ModTime})
			continue
		}

		id := h
		if used.Contains(id) {
			id = contenthash.Derived(h, rel)
		}
		used.Add(id)
		ops = append(ops, Create{InitHash: id, RelPath: rel, ContentHash: h, Size: meta.Size, ModTime: meta.ModTime})
	}

	if hashFailed {
		return ops
	}

	for _, st := range baseline {
		if t.Has(st.RelPath) || claimed.Contains(st.RelPath) {
			continue
		}
		if ignored(st.RelPath) {
			log.Debug("ignored path kept on removable", "path", st.RelPath)
			continue
		}
		ops = append(ops, Delete{InitHash: st.InitHash, RelPath: st.RelPath, ContentHash: st.ContentHash, Size: st.SizeBytes, LastOpTime: st.LastOpTime})
	}
	return ops
}

// moveSource picks the first candidate whose path is gone, unclaimed and not
// merely hidden by the ignore rules.
func moveSource(candidates []metastore.MasterState, t tree, claimed mapset.Set[string], ignored func(string) bool) (metastore.MasterState, bool) {
	for _, c := range candidates {
		if !t.Has(c.RelPath) && !claimed.Contains(c.RelPath) && !ignored(c.RelPath) {
			return c, true
		}
	}
	return metastore.MasterState{}, false
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func (r *run) detect(ctx context.Context, repl *replication) ([]metastore.Movement, error) {
	snap, err := r.scanner().Scan(r.layout.PCRoot)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", r.layout.PCRoot, err)
	}

	var t tree = snap
	if r.dryRun {
		t = overlayOf(snap, repl.plan)
	}

	ops := detectChanges(t, repl.plan.Projection, repl.reserved, snap.Ignored, r.log)
	detected := make([]metastore.Movement, 0, len(ops))
	for _, op := range ops {
		detected = append(detected, ToMovement(op, uuid.NewString(), r.cfg.MachineName))
	}
	slices.SortFunc(detected, compareMovements)
	r.log.Info("detected changes", "files", snap.Len(), "baseline", len(repl.plan.Projection), "movements", len(detected))

	if !r.dryRun {
		if detected, err = r.staging.ReplacePending(ctx, detected); err != nil {
			return nil, err
		}
	}
	for _, m := range detected {
		r.log.Debug("detected", "op", m.OpType, "path", m.RelPath, "newPath", m.NewRelPath)
	}
	r.report.Detected = detected
	return detected, nil
}

func compareMovements(a, b metastore.Movement) int {
	if c := cmp.Compare(a.RelPath, b.RelPath); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// overlay is the local tree as it would look after a replication plan ran.
// Dry runs detect against it since Phase 1 did not touch the disk.
type overlay struct {
	base    *scan.Snapshot
	files   map[string]scan.FileMetadata
	alias   map[string]string
	removed map[string]bool
}

func overlayOf(base *scan.Snapshot, plan replicationPlan) *overlay {
	o := &overlay{
		base:    base,
		files:   make(map[string]scan.FileMetadata),
		alias:   make(map[string]string),
		removed: make(map[string]bool),
	}
	for _, step := range plan.Steps {
		switch step.Kind {
		case ActionCopy, ActionUpdate:
			o.write(*step.Ref)
		case ActionRenameUpdate:
			o.write(*step.Ref)
			o.remove(step.Sec.RelPath)
		case ActionRename:
			o.rename(step.Sec.RelPath, step.Ref.RelPath)
		case ActionDelete:
			o.remove(step.Sec.RelPath)
		}
	}
	return o
}

func (o *overlay) write(st metastore.MasterState) {
	o.files[st.RelPath] = scan.FileMetadata{RelPath: st.RelPath, Size: st.SizeBytes, ModTime: st.LastOpTime, ContentHash: st.ContentHash}
	delete(o.alias, st.RelPath)
	delete(o.removed, st.RelPath)
}

func (o *overlay) remove(rel string) {
	delete(o.files, rel)
	delete(o.alias, rel)
	o.removed[rel] = true
}

func (o *overlay) rename(from, to string) {
	if !o.Has(from) {
		return
	}
	if meta, ok := o.files[from]; ok {
		meta.RelPath = to
		o.files[to] = meta
		delete(o.alias, to)
	} else if orig, ok := o.alias[from]; ok {
		o.alias[to] = orig
		delete(o.files, to)
	} else {
		o.alias[to] = from
		delete(o.files, to)
	}
	delete(o.removed, to)
	o.remove(from)
}

func (o *overlay) Paths() []string {
	set := mapset.NewThreadUnsafeSet[string]()
	for _, p := range o.base.Paths() {
		if !o.removed[p] {
			set.Add(p)
		}
	}
	for p := range o.files {
		set.Add(p)
	}
	for p := range o.alias {
		set.Add(p)
	}
	paths := set.ToSlice()
	slices.Sort(paths)
	return paths
}

func (o *overlay) Get(rel string) (scan.FileMetadata, bool) {
	if meta, ok := o.files[rel]; ok {
		return meta, true
	}
	if orig, ok := o.alias[rel]; ok {
		meta, ok := o.base.Get(orig)
		meta.RelPath = rel
		return meta, ok
	}
	if o.removed[rel] {
		return scan.FileMetadata{}, false
	}
	return o.base.Get(rel)
}

func (o *overlay) Has(rel string) bool {
	_, ok := o.Get(rel)
	return ok
}

func (o *overlay) Hash(rel string) (string, error) {
	if meta, ok := o.files[rel]; ok {
		return meta.ContentHash, nil
	}
	if orig, ok := o.alias[rel]; ok {
		return o.base.Hash(orig)
	}
	if o.removed[rel] {
		return "", fmt.Errorf("hash %s: %w", rel, os.ErrNotExist)
	}
	return o.base.Hash(rel)
}
