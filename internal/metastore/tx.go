package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Tx is a write transaction handed out by Store.Update.
type Tx struct {
	tx *sqlx.Tx
}

// PutMaster inserts a master state or replaces the row with the same identity.
func (t *Tx) PutMaster(ctx context.Context, st MasterState) error {
	query := `INSERT INTO master_states (` + masterColumns + `)
	          VALUES (:init_hash, :rel_path, :content_hash, :size_bytes, :last_op_time, :machine_name)
	          ON CONFLICT(init_hash) DO UPDATE SET
	              rel_path = excluded.rel_path,
	              content_hash = excluded.content_hash,
	              size_bytes = excluded.size_bytes,
	              last_op_time = excluded.last_op_time,
	              machine_name = excluded.machine_name`
	if _, err := t.tx.NamedExecContext(ctx, query, toDBMasterState(st)); err != nil {
		return fmt.Errorf("put master state %s: %w", st.RelPath, err)
	}
	return nil
}

// InsertMaster adds a new identity. It fails if the identity or the path is
// already taken.
func (t *Tx) InsertMaster(ctx context.Context, st MasterState) error {
	query := `INSERT INTO master_states (` + masterColumns + `)
	          VALUES (:init_hash, :rel_path, :content_hash, :size_bytes, :last_op_time, :machine_name)`
	if _, err := t.tx.NamedExecContext(ctx, query, toDBMasterState(st)); err != nil {
		return fmt.Errorf("insert master state %s: %w", st.RelPath, err)
	}
	return nil
}

// UpdateContent rewrites content hash, size and clock of the entry at relPath.
func (t *Tx) UpdateContent(ctx context.Context, relPath, contentHash string, size int64, opTime time.Time, machine string) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE master_states SET content_hash = ?, size_bytes = ?, last_op_time = ?, machine_name = ? WHERE rel_path = ?`,
		contentHash, size, formatTime(opTime), machine, relPath)
	if err != nil {
		return fmt.Errorf("update content of %s: %w", relPath, err)
	}
	return expectRow(res, relPath)
}

// UpdatePath moves the entry at oldPath to newPath.
func (t *Tx) UpdatePath(ctx context.Context, oldPath, newPath string, opTime time.Time, machine string) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE master_states SET rel_path = ?, last_op_time = ?, machine_name = ? WHERE rel_path = ?`,
		newPath, formatTime(opTime), machine, oldPath)
	if err != nil {
		return fmt.Errorf("move %s to %s: %w", oldPath, newPath, err)
	}
	return expectRow(res, oldPath)
}

// DeleteMaster removes the entry at relPath and returns it.
func (t *Tx) DeleteMaster(ctx context.Context, relPath string) (MasterState, error) {
	var row dbMasterState
	if err := t.tx.GetContext(ctx, &row, "SELECT "+masterColumns+" FROM master_states WHERE rel_path = ?", relPath); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MasterState{}, fmt.Errorf("%w: master state %s", ErrNotFound, relPath)
		}
		return MasterState{}, fmt.Errorf("query master state %s: %w", relPath, err)
	}
	st, err := row.decode()
	if err != nil {
		return MasterState{}, err
	}
	if _, err := t.tx.ExecContext(ctx, "DELETE FROM master_states WHERE rel_path = ?", relPath); err != nil {
		return MasterState{}, fmt.Errorf("delete master state %s: %w", relPath, err)
	}
	return st, nil
}

// AddTombstone records a deletion.
func (t *Tx) AddTombstone(ctx context.Context, tomb Tombstone) error {
	query := `INSERT INTO tombstones (init_hash, content_hash, deleted_at, machine_name)
	          VALUES (:init_hash, :content_hash, :deleted_at, :machine_name)`
	if _, err := t.tx.NamedExecContext(ctx, query, toDBTombstone(tomb)); err != nil {
		return fmt.Errorf("add tombstone %s: %w", tomb.InitHash, err)
	}
	return nil
}

// ClearTombstones drops tombstones of an identity that became live again.
func (t *Tx) ClearTombstones(ctx context.Context, initHash string) error {
	if _, err := t.tx.ExecContext(ctx, "DELETE FROM tombstones WHERE init_hash = ?", initHash); err != nil {
		return fmt.Errorf("clear tombstones %s: %w", initHash, err)
	}
	return nil
}

// Archive appends a movement to the history.
func (t *Tx) Archive(ctx context.Context, m Movement, appliedAt time.Time) error {
	row := toDBMovement(m)
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO movements_history (`+movementColumns+`, applied_time) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.OpType, row.InitHash, row.RelPath, row.NewRelPath, row.ContentHash,
		row.SizeBytes, row.LastOpTime, row.MachineName, formatTime(appliedAt))
	if err != nil {
		return fmt.Errorf("archive movement %s: %w", m.ID, err)
	}
	return nil
}

type rowsAffected interface {
	RowsAffected() (int64, error)
}

func expectRow(res rowsAffected, relPath string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for %s: %w", relPath, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: master state %s", ErrNotFound, relPath)
	}
	return nil
}
