package metastore

import (
	"database/sql"
	"fmt"
	"time"
)

const timeLayout = time.RFC3339Nano

// Operation tags as stored in the op_type column.
const (
	OpCreate = "CREATE"
	OpModify = "MODIFY"
	OpMove   = "MOVE"
	OpDelete = "DELETE"
)

// MasterState is the last agreed metadata of one logical file.
type MasterState struct {
	InitHash    string    `json:"initHash"`
	RelPath     string    `json:"relPath"`
	ContentHash string    `json:"contentHash"`
	SizeBytes   int64     `json:"sizeBytes"`
	LastOpTime  time.Time `json:"lastOpTime"`
	MachineName string    `json:"machineName"`
}

// Tombstone marks an identity as deliberately deleted.
type Tombstone struct {
	InitHash    string    `json:"initHash"`
	ContentHash string    `json:"contentHash"`
	DeletedAt   time.Time `json:"deletedAt"`
	MachineName string    `json:"machineName"`
}

// Movement is a detected change waiting to be propagated. OpType is kept as
// the raw stored tag so that corrupted records survive a read and can be
// reported by the engine.
type Movement struct {
	ID          string    `json:"id" yaml:"id"`
	OpType      string    `json:"opType" yaml:"opType"`
	InitHash    string    `json:"initHash" yaml:"initHash"`
	RelPath     string    `json:"relPath" yaml:"relPath"`
	NewRelPath  string    `json:"newRelPath,omitempty" yaml:"newRelPath,omitempty"`
	ContentHash string    `json:"contentHash" yaml:"contentHash"`
	SizeBytes   int64     `json:"sizeBytes" yaml:"sizeBytes"`
	LastOpTime  time.Time `json:"lastOpTime" yaml:"lastOpTime"`
	MachineName string    `json:"machineName" yaml:"machineName"`
}

// ArchivedMovement is a movement from movements_history.
type ArchivedMovement struct {
	Movement    `yaml:",inline"`
	AppliedTime time.Time `json:"appliedTime" yaml:"appliedTime"`
}

// Key identifies "the same change" across detection passes, ignoring the id.
func (m Movement) Key() string {
	return fmt.Sprintf("%s|%s|%s|%s|%s", m.OpType, m.InitHash, m.RelPath, m.NewRelPath, m.ContentHash)
}

// dbMasterState is used for scanning rows where time is stored as TEXT.
type dbMasterState struct {
	InitHash    string `db:"init_hash"`
	RelPath     string `db:"rel_path"`
	ContentHash string `db:"content_hash"`
	SizeBytes   int64  `db:"size_bytes"`
	LastOpTime  string `db:"last_op_time"`
	MachineName string `db:"machine_name"`
}

type dbTombstone struct {
	InitHash    string `db:"init_hash"`
	ContentHash string `db:"content_hash"`
	DeletedAt   string `db:"deleted_at"`
	MachineName string `db:"machine_name"`
}

type dbMovement struct {
	ID          string         `db:"id"`
	OpType      string         `db:"op_type"`
	InitHash    string         `db:"init_hash"`
	RelPath     string         `db:"rel_path"`
	NewRelPath  sql.NullString `db:"new_rel_path"`
	ContentHash string         `db:"content_hash"`
	SizeBytes   int64          `db:"size_bytes"`
	LastOpTime  string         `db:"last_op_time"`
	MachineName string         `db:"machine_name"`
}

type dbArchivedMovement struct {
	ID          string         `db:"id"`
	OpType      string         `db:"op_type"`
	InitHash    string         `db:"init_hash"`
	RelPath     string         `db:"rel_path"`
	NewRelPath  sql.NullString `db:"new_rel_path"`
	ContentHash string         `db:"content_hash"`
	SizeBytes   int64          `db:"size_bytes"`
	LastOpTime  string         `db:"last_op_time"`
	MachineName string         `db:"machine_name"`
	AppliedTime string         `db:"applied_time"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(column, value string) (time.Time, error) {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s %q: %w", column, value, err)
	}
	return t, nil
}

func toDBMasterState(s MasterState) dbMasterState {
	return dbMasterState{
		InitHash:    s.InitHash,
		RelPath:     s.RelPath,
		ContentHash: s.ContentHash,
		SizeBytes:   s.SizeBytes,
		LastOpTime:  formatTime(s.LastOpTime),
		MachineName: s.MachineName,
	}
}

func (r dbMasterState) decode() (MasterState, error) {
	t, err := parseTime("last_op_time", r.LastOpTime)
	if err != nil {
		return MasterState{}, err
	}
	return MasterState{
		InitHash:    r.InitHash,
		RelPath:     r.RelPath,
		ContentHash: r.ContentHash,
		SizeBytes:   r.SizeBytes,
		LastOpTime:  t,
		MachineName: r.MachineName,
	}, nil
}

func toDBTombstone(t Tombstone) dbTombstone {
	return dbTombstone{
		InitHash:    t.InitHash,
		ContentHash: t.ContentHash,
		DeletedAt:   formatTime(t.DeletedAt),
		MachineName: t.MachineName,
	}
}

func (r dbTombstone) decode() (Tombstone, error) {
	t, err := parseTime("deleted_at", r.DeletedAt)
	if err != nil {
		return Tombstone{}, err
	}
	return Tombstone{
		InitHash:    r.InitHash,
		ContentHash: r.ContentHash,
		DeletedAt:   t,
		MachineName: r.MachineName,
	}, nil
}

func toDBMovement(m Movement) dbMovement {
	return dbMovement{
		ID:          m.ID,
		OpType:      m.OpType,
		InitHash:    m.InitHash,
		RelPath:     m.RelPath,
		NewRelPath:  sql.NullString{String: m.NewRelPath, Valid: m.NewRelPath != ""},
		ContentHash: m.ContentHash,
		SizeBytes:   m.SizeBytes,
		LastOpTime:  formatTime(m.LastOpTime),
		MachineName: m.MachineName,
	}
}

func (r dbMovement) decode() (Movement, error) {
	t, err := parseTime("last_op_time", r.LastOpTime)
	if err != nil {
		return Movement{}, err
	}
	return Movement{
		ID:          r.ID,
		OpType:      r.OpType,
		InitHash:    r.InitHash,
		RelPath:     r.RelPath,
		NewRelPath:  r.NewRelPath.String,
		ContentHash: r.ContentHash,
		SizeBytes:   r.SizeBytes,
		LastOpTime:  t,
		MachineName: r.MachineName,
	}, nil
}

func (r dbArchivedMovement) decode() (ArchivedMovement, error) {
	m, err := dbMovement{
		ID:          r.ID,
		OpType:      r.OpType,
		InitHash:    r.InitHash,
		RelPath:     r.RelPath,
		NewRelPath:  r.NewRelPath,
		ContentHash: r.ContentHash,
		SizeBytes:   r.SizeBytes,
		LastOpTime:  r.LastOpTime,
		MachineName: r.MachineName,
	}.decode()
	if err != nil {
		return ArchivedMovement{}, err
	}
	applied, err := parseTime("applied_time", r.AppliedTime)
	if err != nil {
		return ArchivedMovement{}, err
	}
	return ArchivedMovement{Movement: m, AppliedTime: applied}, nil
}
