package repository

import (
	"blendsync/internal/model"
)

// WriteStatus tags the outcome of a conditional write. Version conflicts are
// data, not errors: the current server row rides along so the caller can hand
// it straight to the resolver.
type WriteStatus int

const (
	WriteAccepted WriteStatus = iota
	WriteVersionConflict
	WriteNotFound
	WriteDuplicate
	WriteTenantViolation
)

func (s WriteStatus) String() string {
	switch s {
	case WriteAccepted:
		return "accepted"
	case WriteVersionConflict:
		return "version_conflict"
	case WriteNotFound:
		return "not_found"
	case WriteDuplicate:
		return "duplicate"
	case WriteTenantViolation:
		return "tenant_violation"
	default:
		return "unknown"
	}
}

// WriteOutcome is the tagged result of a sync write. On WriteAccepted, Row is
// the stored row with its bumped syncVersion; on WriteVersionConflict or
// WriteDuplicate it is the current server row.
type WriteOutcome struct {
	Status WriteStatus
	Row    model.Syncable
}
