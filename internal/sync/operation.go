package sync

import (
	"errors"
	"fmt"
	"time"

	"github.com/sneakersync/sneakersync/internal/metastore"
)

var ErrUnknownOperation = errors.New("unknown operation")

// Operation is a change that Phase 3 can propagate to the removable replica.
// The variants are Create, Modify, Move and Delete.
type Operation interface {
	// Tag is the op_type stored in the metadata store.
	Tag() string
	// Path is the path the operation reads from on the destination.
	Path() string
	isOperation()
}

// Create introduces a new identity at RelPath.
type Create struct {
	InitHash    string
	RelPath     string
	ContentHash string
	Size        int64
	ModTime     time.Time
}

// Modify replaces the content of an existing path.
type Modify struct {
	InitHash    string
	RelPath     string
	ContentHash string
	Size        int64
	ModTime     time.Time
}

// Move renames an identity without changing its bytes.
type Move struct {
	InitHash    string
	From        string
	To          string
	ContentHash string
	Size        int64
	ModTime     time.Time
}

// Delete removes an identity. LastOpTime is the clock of the deleted entry.
type Delete struct {
	InitHash    string
	RelPath     string
	ContentHash string
	Size        int64
	LastOpTime  time.Time
}

func (Create) Tag() string { return metastore.OpCreate }
func (Modify) Tag() string { return metastore.OpModify }
func (Move) Tag() string   { return metastore.OpMove }
func (Delete) Tag() string { return metastore.OpDelete }

func (o Create) Path() string { return o.RelPath }
func (o Modify) Path() string { return o.RelPath }
func (o Move) Path() string   { return o.From }
func (o Delete) Path() string { return o.RelPath }

func (Create) isOperation() {}
func (Modify) isOperation() {}
func (Move) isOperation()   {}
func (Delete) isOperation() {}

// OperationOf decodes a stored movement. Unknown tags fail with
// ErrUnknownOperation.
func OperationOf(m metastore.Movement) (Operation, error) {
	switch m.OpType {
	case metastore.OpCreate:
		return Create{InitHash: m.InitHash, RelPath: m.RelPath, ContentHash: m.ContentHash, Size: m.SizeBytes, ModTime: m.LastOpTime}, nil
	case metastore.OpModify:
		return Modify{InitHash: m.InitHash, RelPath: m.RelPath, ContentHash: m.ContentHash, Size: m.SizeBytes, ModTime: m.LastOpTime}, nil
	case metastore.OpMove:
		if m.NewRelPath == "" {
			return nil, fmt.Errorf("%w: movement %s is a MOVE without a destination", ErrUnknownOperation, m.ID)
		}
		return Move{InitHash: m.InitHash, From: m.RelPath, To: m.NewRelPath, ContentHash: m.ContentHash, Size: m.SizeBytes, ModTime: m.LastOpTime}, nil
	case metastore.OpDelete:
		return Delete{InitHash: m.InitHash, RelPath: m.RelPath, ContentHash: m.ContentHash, Size: m.SizeBytes, LastOpTime: m.LastOpTime}, nil
	default:
		return nil, fmt.Errorf("%w %q in movement %s", ErrUnknownOperation, m.OpType, m.ID)
	}
}

// ToMovement encodes an operation as a queue record.
func ToMovement(op Operation, id, machine string) metastore.Movement {
	m := metastore.Movement{ID: id, OpType: op.Tag(), MachineName: machine}
	switch o := op.(type) {
	case Create:
		m.InitHash, m.RelPath, m.ContentHash, m.SizeBytes, m.LastOpTime = o.InitHash, o.RelPath, o.ContentHash, o.Size, o.ModTime
	case Modify:
		m.InitHash, m.RelPath, m.ContentHash, m.SizeBytes, m.LastOpTime = o.InitHash, o.RelPath, o.ContentHash, o.Size, o.ModTime
	case Move:
		m.InitHash, m.RelPath, m.NewRelPath, m.ContentHash, m.SizeBytes, m.LastOpTime = o.InitHash, o.From, o.To, o.ContentHash, o.Size, o.ModTime
	case Delete:
		m.InitHash, m.RelPath, m.ContentHash, m.SizeBytes, m.LastOpTime = o.InitHash, o.RelPath, o.ContentHash, o.Size, o.LastOpTime
	}
	return m
}

// describe renders an operation for logs and reports.
func describe(op Operation) string {
	if mv, ok := op.(Move); ok {
		return fmt.Sprintf("%s %s -> %s", mv.Tag(), mv.From, mv.To)
	}
	return fmt.Sprintf("%s %s", op.Tag(), op.Path())
}
