package sync

import (
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sneakersync/sneakersync/internal/metastore"
)

// KnownPaths is the set of paths the destination master state holds.
// CanApply only reads it; the engine advances it after each applied movement.
type KnownPaths struct {
	set mapset.Set[string]
}

func NewKnownPaths(paths ...string) KnownPaths {
	return KnownPaths{set: mapset.NewThreadUnsafeSet(paths...)}
}

func knownPathsOf(states []metastore.MasterState) KnownPaths {
	k := NewKnownPaths()
	for _, st := range states {
		k.set.Add(st.RelPath)
	}
	return k
}

func (k KnownPaths) Contains(relPath string) bool {
	return k.set != nil && k.set.Contains(relPath)
}

func (k KnownPaths) Len() int {
	if k.set == nil {
		return 0
	}
	return k.set.Cardinality()
}

func (k KnownPaths) advance(op Operation) {
	switch o := op.(type) {
	case Create:
		k.set.Add(o.RelPath)
	case Move:
		k.set.Remove(o.From)
		k.set.Add(o.To)
	case Delete:
		k.set.Remove(o.RelPath)
	}
}

// CanApply reports whether op is valid against the destination's current
// paths:
//
//	CREATE  target path is free
//	MODIFY  path exists
//	MOVE    source exists and destination is free
//	DELETE  path exists
//
// Anything else is illegal.
func CanApply(op Operation, known KnownPaths) bool {
	switch o := op.(type) {
	case Create:
		return !known.Contains(o.RelPath)
	case Modify:
		return known.Contains(o.RelPath)
	case Move:
		return known.Contains(o.From) && !known.Contains(o.To)
	case Delete:
		return known.Contains(o.RelPath)
	default:
		return false
	}
}

// CanApplyMovement is CanApply for a stored record; unknown tags are illegal.
func CanApplyMovement(m metastore.Movement, known KnownPaths) bool {
	op, err := OperationOf(m)
	if err != nil {
		return false
	}
	return CanApply(op, known)
}
