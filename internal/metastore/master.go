package metastore

import (
	"context"
	"fmt"
)

const masterColumns = "init_hash, rel_path, content_hash, size_bytes, last_op_time, machine_name"

// MasterStates returns every master state row ordered by path.
func (s *Store) MasterStates(ctx context.Context) ([]MasterState, error) {
	var rows []dbMasterState
	err := s.db.SelectContext(ctx, &rows, "SELECT "+masterColumns+" FROM master_states ORDER BY rel_path")
	if err != nil {
		return nil, fmt.Errorf("query master states: %w", err)
	}

	states := make([]MasterState, 0, len(rows))
	for _, row := range rows {
		st, err := row.decode()
		if err != nil {
			return nil, fmt.Errorf("master state %s: %w", row.RelPath, err)
		}
		states = append(states, st)
	}
	return states, nil
}

// Tombstones returns every tombstone ordered by deletion time.
func (s *Store) Tombstones(ctx context.Context) ([]Tombstone, error) {
	var rows []dbTombstone
	err := s.db.SelectContext(ctx, &rows, "SELECT init_hash, content_hash, deleted_at, machine_name FROM tombstones ORDER BY deleted_at, init_hash")
	if err != nil {
		return nil, fmt.Errorf("query tombstones: %w", err)
	}

	tombs := make([]Tombstone, 0, len(rows))
	for _, row := range rows {
		t, err := row.decode()
		if err != nil {
			return nil, fmt.Errorf("tombstone %s: %w", row.InitHash, err)
		}
		tombs = append(tombs, t)
	}
	return tombs, nil
}

// Mirror replaces the master states and tombstones of s with the given rows
// in a single transaction.
func (s *Store) Mirror(ctx context.Context, states []MasterState, tombstones []Tombstone) error {
	return s.Update(ctx, func(tx *Tx) error {
		if _, err := tx.tx.ExecContext(ctx, "DELETE FROM master_states"); err != nil {
			return fmt.Errorf("clear master states: %w", err)
		}
		if _, err := tx.tx.ExecContext(ctx, "DELETE FROM tombstones"); err != nil {
			return fmt.Errorf("clear tombstones: %w", err)
		}
		for _, st := range states {
			if err := tx.PutMaster(ctx, st); err != nil {
				return err
			}
		}
		for _, t := range tombstones {
			if err := tx.AddTombstone(ctx, t); err != nil {
				return err
			}
		}
		return nil
	})
}
