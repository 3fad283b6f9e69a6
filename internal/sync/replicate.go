package sync

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dustin/go-humanize"
	"github.com/sneakersync/sneakersync/internal/config"
	"github.com/sneakersync/sneakersync/internal/contenthash"
	"github.com/sneakersync/sneakersync/internal/metastore"
)

// Phase 1 action kinds.
const (
	ActionCopy         = "copy"
	ActionRename       = "rename"
	ActionUpdate       = "update"
	ActionRenameUpdate = "rename+update"
	ActionDelete       = "delete"
	ActionMarkConflict = "mark-conflict"
)

// replicationStep is one planned change to the local replica. Ref is the
// removable entry, Sec the local store entry; either may be nil.
type replicationStep struct {
	Kind string
	Ref  *metastore.MasterState
	Sec  *metastore.MasterState
}

func (s replicationStep) path() string {
	if s.Ref != nil {
		return s.Ref.RelPath
	}
	return s.Sec.RelPath
}

// replicationPlan is the pure result of comparing the two master states.
type replicationPlan struct {
	Steps []replicationStep
	// Projection is the local master state the local replica will match once
	// the steps are done. It is the Phase 2 baseline.
	Projection []metastore.MasterState
}

// planReplication compares the removable (reference) master state with the
// local (secondary) one. It touches nothing.
func planReplication(ref []metastore.MasterState, tombs []metastore.Tombstone, sec []metastore.MasterState) replicationPlan {
	var plan replicationPlan
	if len(ref) == 0 && len(tombs) == 0 {
		return plan
	}

	// first contact: take everything the removable replica knows
	if len(sec) == 0 {
		for i := range ref {
			plan.Steps = append(plan.Steps, replicationStep{Kind: ActionCopy, Ref: &ref[i]})
			plan.Projection = append(plan.Projection, ref[i])
		}
		return plan
	}

	refIdx := indexByIdentity(ref)
	secIdx := indexByIdentity(sec)
	tombIdx := mapset.NewThreadUnsafeSet[string]()
	for _, t := range tombs {
		tombIdx.Add(t.InitHash)
	}

	ids := mapset.NewThreadUnsafeSet[string]()
	for id := range refIdx {
		ids.Add(id)
	}
	for id := range secIdx {
		ids.Add(id)
	}
	sorted := ids.ToSlice()
	slices.Sort(sorted)

	for _, id := range sorted {
		r, inRef := refIdx[id]
		s, inSec := secIdx[id]

		switch {
		case inRef && !inSec:
			plan.Steps = append(plan.Steps, replicationStep{Kind: ActionCopy, Ref: r})
			plan.Projection = append(plan.Projection, *r)

		case !inRef && inSec:
			// unknown to the removable replica and not deleted there: Phase 2
			// will pick it up as a local creation
			if tombIdx.Contains(id) {
				plan.Steps = append(plan.Steps, replicationStep{Kind: ActionDelete, Sec: s})
			}

		default:
			samePath := r.RelPath == s.RelPath
			sameContent := r.ContentHash == s.ContentHash
			refNewer := r.LastOpTime.After(s.LastOpTime)

			switch {
			case samePath && sameContent:
				plan.Projection = append(plan.Projection, *r)
			case !samePath && (r.LastOpTime.Equal(s.LastOpTime) || sameContent):
				plan.Steps = append(plan.Steps, replicationStep{Kind: ActionRename, Ref: r, Sec: s})
				if sameContent {
					plan.Projection = append(plan.Projection, *r)
				} else {
					moved := *s
					moved.RelPath = r.RelPath
					plan.Projection = append(plan.Projection, moved)
				}
			case refNewer && !sameContent && samePath:
				plan.Steps = append(plan.Steps, replicationStep{Kind: ActionUpdate, Ref: r, Sec: s})
				plan.Projection = append(plan.Projection, *r)
			case refNewer && !sameContent:
				plan.Steps = append(plan.Steps, replicationStep{Kind: ActionRenameUpdate, Ref: r, Sec: s})
				plan.Projection = append(plan.Projection, *r)
			default:
				// local divergence is kept for Phase 2/3 to push outward
				plan.Projection = append(plan.Projection, *s)
			}
		}
	}

	// vacate paths before anything is written to them
	slices.SortFunc(plan.Steps, func(a, b replicationStep) int {
		if c := cmp.Compare(stepOrder[a.Kind], stepOrder[b.Kind]); c != 0 {
			return c
		}
		return strings.Compare(a.path(), b.path())
	})
	slices.SortFunc(plan.Projection, func(a, b metastore.MasterState) int {
		return strings.Compare(a.RelPath, b.RelPath)
	})
	return plan
}

var stepOrder = map[string]int{
	ActionDelete:       0,
	ActionRename:       1,
	ActionRenameUpdate: 2,
	ActionUpdate:       3,
	ActionCopy:         4,
}

// dropIgnored removes the steps that would touch a local path covered by the
// ignore rules, together with their identities' projection entries, so Phase 2
// neither deletes nor recreates them.
func dropIgnored(plan replicationPlan, ignored func(string) bool) (replicationPlan, []replicationStep) {
	var (
		kept    replicationPlan
		skipped []replicationStep
	)
	hidden := mapset.NewThreadUnsafeSet[string]()
	for _, step := range plan.Steps {
		if (step.Ref != nil && ignored(step.Ref.RelPath)) || (step.Sec != nil && ignored(step.Sec.RelPath)) {
			skipped = append(skipped, step)
			if step.Ref != nil {
				hidden.Add(step.Ref.InitHash)
			}
			continue
		}
		kept.Steps = append(kept.Steps, step)
	}
	for _, st := range plan.Projection {
		if !hidden.Contains(st.InitHash) {
			kept.Projection = append(kept.Projection, st)
		}
	}
	return kept, skipped
}

func indexByIdentity(states []metastore.MasterState) map[string]*metastore.MasterState {
	idx := make(map[string]*metastore.MasterState, len(states))
	for i := range states {
		idx[states[i].InitHash] = &states[i]
	}
	return idx
}

// replication is what Phase 1 hands to Phase 2.
type replication struct {
	plan replicationPlan
	// reserved are identities live on the removable replica; new local
	// files must not reuse them.
	reserved mapset.Set[string]
}

func (r *run) replicate(ctx context.Context) (*replication, error) {
	ref, err := masterStatesOf(ctx, r.removable)
	if err != nil {
		return nil, err
	}
	tombs, err := tombstonesOf(ctx, r.removable)
	if err != nil {
		return nil, err
	}
	sec, err := masterStatesOf(ctx, r.local)
	if err != nil {
		return nil, err
	}

	reserved := mapset.NewThreadUnsafeSet[string]()
	for _, st := range ref {
		reserved.Add(st.InitHash)
	}

	plan, skipped := dropIgnored(planReplication(ref, tombs, sec), r.scanner().IgnoreList(r.layout.PCRoot).Covers)
	for _, step := range skipped {
		out := Outcome{Phase: 1, Action: step.Kind, Path: step.path()}
		r.log.Info("replicate skipped, path is ignored locally", "action", step.Kind, "path", out.Path)
		r.report.addReplicated(out.skipped("ignored locally"), "")
	}
	r.log.Info("replication plan", "reference", len(ref), "tombstones", len(tombs), "local", len(sec), "actions", len(plan.Steps))
	if len(ref) == 0 && len(tombs) == 0 {
		r.log.Info("removable replica is empty, nothing to replicate")
	} else if len(sec) == 0 {
		r.log.Info("local store is empty, bootstrapping from removable")
	}

	secByPath := make(map[string]string, len(sec))
	for _, st := range sec {
		secByPath[st.RelPath] = st.ContentHash
	}

	if !r.dryRun {
		var need int64
		for _, step := range plan.Steps {
			if step.Kind == ActionCopy || step.Kind == ActionUpdate || step.Kind == ActionRenameUpdate {
				need += step.Ref.SizeBytes
			}
		}
		r.checkSpace(r.layout.PCRoot, need)
	}

	for _, step := range plan.Steps {
		out := r.replicateStep(ctx, step, secByPath)
		r.report.addReplicated(out, replicationCounter(step.Kind))
	}

	return &replication{plan: plan, reserved: reserved}, nil
}

func replicationCounter(kind string) string {
	switch kind {
	case ActionCopy:
		return CountNewFromUSB
	case ActionRename:
		return CountMoveLocal
	case ActionUpdate, ActionRenameUpdate:
		return CountUpdateLocal
	case ActionDelete:
		return CountDeleteLocal
	case ActionMarkConflict:
		return CountConflicts
	}
	return ""
}

func (r *run) replicateStep(ctx context.Context, step replicationStep, secByPath map[string]string) Outcome {
	out := Outcome{Phase: 1, Action: step.Kind, Path: step.path()}
	if step.Kind == ActionRename || step.Kind == ActionRenameUpdate {
		out.Path, out.NewPath = step.Sec.RelPath, step.Ref.RelPath
	}

	if r.dryRun {
		r.log.Info("would "+step.Kind, "path", out.Path, "newPath", out.NewPath)
		return out.planned()
	}

	var (
		reason string
		err    error
	)
	switch step.Kind {
	case ActionCopy, ActionUpdate:
		reason, err = r.pullFile(ctx, *step.Ref, secByPath)
	case ActionRenameUpdate:
		if reason, err = r.pullFile(ctx, *step.Ref, secByPath); err == nil {
			err = r.removeLocal(step.Sec.RelPath, step.Sec.ContentHash)
		}
	case ActionRename:
		reason, err = r.renameLocal(step.Sec.RelPath, step.Ref.RelPath)
	case ActionDelete:
		err = r.removeLocal(step.Sec.RelPath, step.Sec.ContentHash)
	default:
		err = fmt.Errorf("unknown replication action %q", step.Kind)
	}

	switch {
	case err != nil:
		r.log.Error("replicate", "action", step.Kind, "path", out.Path, "error", err)
		return out.failed(err)
	case reason != "":
		r.log.Debug("replicate skipped", "action", step.Kind, "path", out.Path, "reason", reason)
		return out.skipped(reason)
	default:
		r.log.Info("replicate", "action", step.Kind, "path", out.Path, "newPath", out.NewPath)
		out.Status = StatusApplied
		return out
	}
}

// pullFile copies the removable copy of ref into the local replica.
func (r *run) pullFile(ctx context.Context, ref metastore.MasterState, secByPath map[string]string) (string, error) {
	src := r.layout.USBPath(ref.RelPath)
	dst := r.layout.PCPath(ref.RelPath)

	current, err := r.localHash(dst)
	if err != nil {
		return "", err
	}
	if current == ref.ContentHash {
		return "already up to date", nil
	}
	if current != "" && current != secByPath[ref.RelPath] {
		if err := r.keepLocalChange(dst); err != nil {
			return "", err
		}
	}

	srcHash, err := contenthash.File(r.fs, src)
	if err != nil {
		return "", err
	}
	if srcHash != ref.ContentHash {
		r.log.Warn("removable file differs from its master state", "path", ref.RelPath, "want", ref.ContentHash, "got", srcHash)
	}

	if err := r.verifiedCopy(ctx, src, dst, srcHash); err != nil {
		return "", err
	}
	r.log.Debug("pulled", "path", ref.RelPath, "size", humanize.Bytes(uint64(ref.SizeBytes)))
	return "", nil
}

func (r *run) renameLocal(from, to string) (string, error) {
	src := r.layout.PCPath(from)
	dst := r.layout.PCPath(to)

	srcExists := fileExists(r.fs, src)
	dstExists := fileExists(r.fs, dst)
	switch {
	case !srcExists && dstExists:
		return "already renamed", nil
	case !srcExists:
		return "source missing", nil
	}

	if dstExists && r.cfg.ConflictPolicy == config.KeepBoth {
		srcHash, err := contenthash.File(r.fs, src)
		if err != nil {
			return "", err
		}
		dstHash, err := contenthash.File(r.fs, dst)
		if err != nil {
			return "", err
		}
		if srcHash != dstHash {
			if err := r.keepLocalChange(dst); err != nil {
				return "", err
			}
		}
	}
	return "", r.ops.Move(src, dst)
}

// removeLocal deletes a local file. Under keep-both, bytes that differ from
// the last agreed content are kept under a conflict name instead.
func (r *run) removeLocal(rel, agreedHash string) error {
	path := r.layout.PCPath(rel)
	current, err := r.localHash(path)
	if err != nil {
		return err
	}
	if current == "" {
		return nil
	}
	if current != agreedHash && r.cfg.ConflictPolicy == config.KeepBoth {
		return r.keepLocalChange(path)
	}
	return r.ops.Delete(path)
}

// keepLocalChange renames a diverging local file aside under keep-both. With
// newer-wins it does nothing and the caller overwrites.
func (r *run) keepLocalChange(path string) error {
	if r.cfg.ConflictPolicy != config.KeepBoth {
		r.log.Warn("overwriting local change", "path", path, "policy", r.cfg.ConflictPolicy)
		return nil
	}
	marked, err := setConflictMarker(r.fs, path, r.now())
	if err != nil {
		return err
	}
	rel, _ := r.layout.PCRel(marked)
	r.log.Warn("kept local change as conflict copy", "path", path, "conflict", marked)
	r.report.addReplicated(applied(1, ActionMarkConflict, rel, ""), CountConflicts)
	return nil
}

// localHash returns "" when path does not exist.
func (r *run) localHash(path string) (string, error) {
	h, err := contenthash.File(r.fs, path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	return h, err
}
