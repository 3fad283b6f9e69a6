package metastore

import (
	"context"
	"fmt"
)

const movementColumns = "id, op_type, init_hash, rel_path, new_rel_path, content_hash, size_bytes, last_op_time, machine_name"

// PendingMovements returns the queue in deterministic path order.
func (s *Store) PendingMovements(ctx context.Context) ([]Movement, error) {
	var rows []dbMovement
	err := s.db.SelectContext(ctx, &rows, "SELECT "+movementColumns+" FROM movements ORDER BY rel_path, id")
	if err != nil {
		return nil, fmt.Errorf("query pending movements: %w", err)
	}

	movements := make([]Movement, 0, len(rows))
	for _, row := range rows {
		m, err := row.decode()
		if err != nil {
			return nil, fmt.Errorf("movement %s: %w", row.ID, err)
		}
		movements = append(movements, m)
	}
	return movements, nil
}

// ReplacePending swaps the queue for a freshly detected one. A movement that
// matches a queued one by Key keeps the queued id; queued movements that were
// not re-detected are dropped. The stored movements are returned.
func (s *Store) ReplacePending(ctx context.Context, detected []Movement) ([]Movement, error) {
	existing, err := s.PendingMovements(ctx)
	if err != nil {
		return nil, err
	}

	ids := make(map[string]string, len(existing))
	for _, m := range existing {
		ids[m.Key()] = m.ID
	}

	stored := make([]Movement, 0, len(detected))
	err = s.Update(ctx, func(tx *Tx) error {
		if _, err := tx.tx.ExecContext(ctx, "DELETE FROM movements"); err != nil {
			return fmt.Errorf("clear movements: %w", err)
		}
		query := `INSERT INTO movements (` + movementColumns + `)
		          VALUES (:id, :op_type, :init_hash, :rel_path, :new_rel_path, :content_hash, :size_bytes, :last_op_time, :machine_name)`
		for _, m := range detected {
			if id, ok := ids[m.Key()]; ok {
				m.ID = id
				delete(ids, m.Key())
			}
			if _, err := tx.tx.NamedExecContext(ctx, query, toDBMovement(m)); err != nil {
				return fmt.Errorf("queue movement %s %s: %w", m.OpType, m.RelPath, err)
			}
			stored = append(stored, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// RemovePending deletes a movement from the queue. Missing ids are ignored.
func (s *Store) RemovePending(ctx context.Context, id string) error {
	if s.readOnly {
		return ErrReadOnly
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM movements WHERE id = ?", id); err != nil {
		return fmt.Errorf("remove movement %s: %w", id, err)
	}
	return nil
}

// IsArchived reports whether a movement id is already in the history.
func (s *Store) IsArchived(ctx context.Context, id string) (bool, error) {
	var count int
	if err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM movements_history WHERE id = ?", id); err != nil {
		return false, fmt.Errorf("query history for %s: %w", id, err)
	}
	return count > 0, nil
}

// History returns the most recently applied movements first. A limit <= 0
// returns everything.
func (s *Store) History(ctx context.Context, limit int) ([]ArchivedMovement, error) {
	query := "SELECT " + movementColumns + ", applied_time FROM movements_history ORDER BY applied_time DESC, id"
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var rows []dbArchivedMovement
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}

	history := make([]ArchivedMovement, 0, len(rows))
	for _, row := range rows {
		m, err := row.decode()
		if err != nil {
			return nil, fmt.Errorf("archived movement %s: %w", row.ID, err)
		}
		history = append(history, m)
	}
	return history, nil
}
