package sync

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/sneakersync/sneakersync/internal/metastore"
)

// applyCounter maps an operation tag to its summary counter.
var applyCounter = map[string]string{
	metastore.OpCreate: CountCreateUSB,
	metastore.OpModify: CountModifyUSB,
	metastore.OpMove:   CountMoveUSB,
	metastore.OpDelete: CountDeleteUSB,
}

func (r *run) apply(ctx context.Context, detected []metastore.Movement) error {
	var pending []metastore.Movement
	if r.dryRun {
		pending = slices.Clone(detected)
		slices.SortFunc(pending, compareMovements)
	} else {
		var err error
		if pending, err = r.staging.PendingMovements(ctx); err != nil {
			return err
		}
	}

	if !r.dryRun {
		var need int64
		for _, m := range pending {
			if m.OpType == metastore.OpCreate || m.OpType == metastore.OpModify {
				need += m.SizeBytes
			}
		}
		r.checkSpace(r.layout.USBRoot, need)
	}

	states, err := masterStatesOf(ctx, r.removable)
	if err != nil {
		return err
	}
	known := knownPathsOf(states)

	var verifyErr error
	for _, m := range pending {
		op, err := OperationOf(m)
		if err != nil {
			return err
		}

		out := Outcome{Phase: 3, Action: m.OpType, Path: m.RelPath, NewPath: m.NewRelPath}
		counter := applyCounter[m.OpType]

		if !r.dryRun {
			archived, err := r.removable.IsArchived(ctx, m.ID)
			if err != nil {
				return err
			}
			if archived {
				if err := r.staging.RemovePending(ctx, m.ID); err != nil {
					return err
				}
				r.report.addApplied(out.skipped("already applied"), "")
				continue
			}
		}

		if !CanApply(op, known) {
			r.log.Warn("skipping illegal movement", "movement", describe(op), "id", m.ID)
			r.report.addApplied(out.skipped("not applicable to removable master state"), "")
			continue
		}

		if r.dryRun {
			r.log.Info("would apply", "movement", describe(op), "size", humanize.Bytes(uint64(m.SizeBytes)))
			r.report.addApplied(out.planned(), counter)
			known.advance(op)
			continue
		}

		if err := r.applyOne(ctx, op, m); err != nil {
			r.log.Error("apply", "movement", describe(op), "id", m.ID, "error", err)
			r.report.addApplied(out.failed(err), "")
			if errors.Is(err, ErrCopyVerification) && verifyErr == nil {
				verifyErr = err
			}
			continue
		}

		known.advance(op)
		r.log.Info("applied", "movement", describe(op), "size", humanize.Bytes(uint64(m.SizeBytes)))
		r.report.addApplied(applied(3, m.OpType, m.RelPath, m.NewRelPath), counter)
	}

	if r.dryRun {
		return nil
	}

	if err := r.mirrorLocal(ctx); err != nil {
		return err
	}
	return verifyErr
}

// applyOne performs the filesystem effect of one movement, records it on the
// removable store and drops it from the queue.
func (r *run) applyOne(ctx context.Context, op Operation, m metastore.Movement) error {
	switch o := op.(type) {
	case Create:
		if _, err := r.copyToRemovable(ctx, o.RelPath, o.ContentHash); err != nil {
			return err
		}
	case Modify:
		if _, err := r.copyToRemovable(ctx, o.RelPath, o.ContentHash); err != nil {
			return err
		}
	case Move:
		src, dst := r.layout.USBPath(o.From), r.layout.USBPath(o.To)
		if !(fileExists(r.fs, dst) && !fileExists(r.fs, src)) {
			if err := r.ops.Move(src, dst); err != nil {
				return err
			}
		}
	case Delete:
		if err := r.ops.Delete(r.layout.USBPath(o.RelPath)); err != nil {
			return err
		}
	}

	now := r.now()
	err := r.removable.Update(ctx, func(tx *metastore.Tx) error {
		switch o := op.(type) {
		case Create:
			err := tx.InsertMaster(ctx, metastore.MasterState{
				InitHash:    o.InitHash,
				RelPath:     o.RelPath,
				ContentHash: o.ContentHash,
				SizeBytes:   o.Size,
				LastOpTime:  o.ModTime,
				MachineName: m.MachineName,
			})
			if err != nil {
				return err
			}
			if err := tx.ClearTombstones(ctx, o.InitHash); err != nil {
				return err
			}
		case Modify:
			if err := tx.UpdateContent(ctx, o.RelPath, o.ContentHash, o.Size, o.ModTime, m.MachineName); err != nil {
				return err
			}
		case Move:
			if err := tx.UpdatePath(ctx, o.From, o.To, o.ModTime, m.MachineName); err != nil {
				return err
			}
		case Delete:
			st, err := tx.DeleteMaster(ctx, o.RelPath)
			if err != nil {
				return err
			}
			err = tx.AddTombstone(ctx, metastore.Tombstone{
				InitHash:    st.InitHash,
				ContentHash: st.ContentHash,
				DeletedAt:   now,
				MachineName: m.MachineName,
			})
			if err != nil {
				return err
			}
		}
		return tx.Archive(ctx, m, now)
	})
	if err != nil {
		return fmt.Errorf("record %s: %w", describe(op), err)
	}

	return r.staging.RemovePending(ctx, m.ID)
}

// mirrorLocal makes the local store agree with the removable one.
func (r *run) mirrorLocal(ctx context.Context) error {
	states, err := r.removable.MasterStates(ctx)
	if err != nil {
		return err
	}
	tombs, err := r.removable.Tombstones(ctx)
	if err != nil {
		return err
	}
	if err := r.local.Mirror(ctx, states, tombs); err != nil {
		return fmt.Errorf("mirror local store: %w", err)
	}
	r.log.Debug("local store mirrored", "masters", len(states), "tombstones", len(tombs))
	return nil
}
