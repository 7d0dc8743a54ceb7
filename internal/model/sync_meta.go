package model

import (
	"time"

	"github.com/google/uuid"
)

// SyncMeta carries the bookkeeping every synchronizable row needs.
// SyncVersion starts at 1 and is incremented by the server on every accepted
// write; LastSyncedAt is the server wall-clock instant of that write. Both are
// the compare-and-set witness for conditional updates. Deleted is a soft flag:
// rows are never physically purged by the sync surface.
type SyncMeta struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"_id"`
	StoreID      uuid.UUID `gorm:"type:uuid;not null;index" json:"storeId"`
	SyncVersion  uint64    `gorm:"not null;default:1" json:"syncVersion"`
	LastSyncedAt time.Time `gorm:"not null;index" json:"lastSyncedAt"`
	Deleted      bool      `gorm:"not null;default:false" json:"deleted"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Syncable is implemented by every entity exposed on the sync surface.
type Syncable interface {
	Meta() *SyncMeta
	EntityName() string
}

func (m *SyncMeta) Meta() *SyncMeta { return m }

// NaturalKeyed entities declare a per-tenant uniqueness constraint that the
// server checks on create (duplicate → Conflict, not a second row).
type NaturalKeyed interface {
	// NaturalKey returns the column name and value; ok=false when the entity
	// has no natural key or the value is empty.
	NaturalKey() (column string, value string, ok bool)
}
