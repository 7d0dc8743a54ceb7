package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"blendsync/internal/model"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SyncRepository is the server record store: authoritative, per-tenant,
// compare-and-set on syncVersion. Every query is {id, storeId}-scoped — an id
// that exists under a different tenant reports WriteTenantViolation, never the
// row. Services depend on this interface, not on the concrete GORM
// implementation, enabling clean unit testing via stubs.
type SyncRepository interface {
	Create(ctx context.Context, entity string, storeID uuid.UUID, payload []byte) (WriteOutcome, error)
	Update(ctx context.Context, entity string, storeID, id uuid.UUID, payload []byte, baseVersion uint64) (WriteOutcome, error)
	Delete(ctx context.Context, entity string, storeID, id uuid.UUID, baseVersion uint64) (WriteOutcome, error)
	Get(ctx context.Context, entity string, storeID, id uuid.UUID) (model.Syncable, WriteStatus, error)
	ListModifiedSince(ctx context.Context, entity string, storeID uuid.UUID, since time.Time, limit int) (any, error)

	// ApplyResolved writes a resolver result inside a compare-and-set at the
	// current server version (atVersion).
	ApplyResolved(ctx context.Context, entity string, storeID, id uuid.UUID, merged []byte, atVersion uint64) (WriteOutcome, error)

	// DB exposes the underlying *gorm.DB so services can open transactions.
	DB() *gorm.DB
}

type syncRepo struct{ db *gorm.DB }

func NewSyncRepository(db *gorm.DB) SyncRepository { return &syncRepo{db: db} }

func (r *syncRepo) DB() *gorm.DB { return r.db }

// ErrUnknownEntity rejects entity names outside the registry.
var ErrUnknownEntity = errors.New("unknown entity")

func (r *syncRepo) Create(ctx context.Context, entity string, storeID uuid.UUID, payload []byte) (WriteOutcome, error) {
	desc, ok := model.Lookup(entity)
	if !ok {
		return WriteOutcome{}, fmt.Errorf("%w: %s", ErrUnknownEntity, entity)
	}

	row := desc.New()
	if err := json.Unmarshal(payload, row); err != nil {
		return WriteOutcome{}, err
	}

	var out WriteOutcome
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Natural-key collision within the tenant → Conflict with the current row.
		if nk, ok := row.(model.NaturalKeyed); ok {
			if col, val, has := nk.NaturalKey(); has {
				existing := desc.New()
				err := tx.Where("store_id = ? AND deleted = false AND "+col+" = ?", storeID, val).
					Take(existing).Error
				if err == nil {
					out = WriteOutcome{Status: WriteDuplicate, Row: existing}
					return nil
				}
				if !errors.Is(err, gorm.ErrRecordNotFound) {
					return err
				}
			}
		}

		meta := row.Meta()
		if meta.ID == uuid.Nil {
			meta.ID = uuid.New()
		}
		meta.StoreID = storeID
		meta.SyncVersion = 1
		meta.LastSyncedAt = time.Now().UTC()
		meta.Deleted = false

		if err := tx.Create(row).Error; err != nil {
			return err
		}
		out = WriteOutcome{Status: WriteAccepted, Row: row}
		return nil
	})
	return out, err
}

func (r *syncRepo) Update(ctx context.Context, entity string, storeID, id uuid.UUID, payload []byte, baseVersion uint64) (WriteOutcome, error) {
	return r.conditionalWrite(ctx, entity, storeID, id, baseVersion, func(current model.Syncable) error {
		return json.Unmarshal(payload, current)
	})
}

func (r *syncRepo) Delete(ctx context.Context, entity string, storeID, id uuid.UUID, baseVersion uint64) (WriteOutcome, error) {
	return r.conditionalWrite(ctx, entity, storeID, id, baseVersion, func(current model.Syncable) error {
		current.Meta().Deleted = true
		return nil
	})
}

func (r *syncRepo) ApplyResolved(ctx context.Context, entity string, storeID, id uuid.UUID, merged []byte, atVersion uint64) (WriteOutcome, error) {
	return r.conditionalWrite(ctx, entity, storeID, id, atVersion, func(current model.Syncable) error {
		return json.Unmarshal(merged, current)
	})
}

// conditionalWrite loads the current row tenant-scoped, verifies the base
// version, lets mutate rewrite the typed row, then persists under a
// WHERE sync_version = base guard so a concurrent bump loses cleanly.
func (r *syncRepo) conditionalWrite(ctx context.Context, entity string, storeID, id uuid.UUID, baseVersion uint64, mutate func(model.Syncable) error) (WriteOutcome, error) {
	desc, ok := model.Lookup(entity)
	if !ok {
		return WriteOutcome{}, fmt.Errorf("%w: %s", ErrUnknownEntity, entity)
	}

	var out WriteOutcome
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, status, err := lookupScoped(tx, desc, storeID, id)
		if err != nil {
			return err
		}
		if status != WriteAccepted {
			out = WriteOutcome{Status: status}
			return nil
		}

		meta := current.Meta()
		if baseVersion != meta.SyncVersion {
			out = WriteOutcome{Status: WriteVersionConflict, Row: current}
			return nil
		}

		if err := mutate(current); err != nil {
			return err
		}

		// The payload must not be able to move the row between tenants or
		// rewrite its identity.
		meta = current.Meta()
		meta.ID = id
		meta.StoreID = storeID
		meta.SyncVersion = baseVersion + 1
		meta.LastSyncedAt = time.Now().UTC()

		res := tx.Model(current).
			Where("id = ? AND store_id = ? AND sync_version = ?", id, storeID, baseVersion).
			Select("*").Omit("id", "created_at", clause.Associations).
			Updates(current)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Lost the race inside the window between read and write.
			fresh, _, err := lookupScoped(tx, desc, storeID, id)
			if err != nil {
				return err
			}
			out = WriteOutcome{Status: WriteVersionConflict, Row: fresh}
			return nil
		}
		out = WriteOutcome{Status: WriteAccepted, Row: current}
		return nil
	})
	return out, err
}

// lookupScoped fetches a row by id within the tenant. When the id exists under
// a different tenant the caller gets WriteTenantViolation and no row — the
// hard wall of §4.6.
func lookupScoped(tx *gorm.DB, desc model.Descriptor, storeID, id uuid.UUID) (model.Syncable, WriteStatus, error) {
	row := desc.New()
	q := tx.Where("id = ? AND store_id = ?", id, storeID)
	if desc.Table == "sales" {
		q = q.Preload("Items")
	}
	err := q.Take(row).Error
	if err == nil {
		return row, WriteAccepted, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, 0, err
	}

	var count int64
	if err := tx.Table(desc.Table).Where("id = ?", id).Count(&count).Error; err != nil {
		return nil, 0, err
	}
	if count > 0 {
		return nil, WriteTenantViolation, nil
	}
	return nil, WriteNotFound, nil
}

func (r *syncRepo) Get(ctx context.Context, entity string, storeID, id uuid.UUID) (model.Syncable, WriteStatus, error) {
	desc, ok := model.Lookup(entity)
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrUnknownEntity, entity)
	}
	return lookupScoped(r.db.WithContext(ctx), desc, storeID, id)
}

func (r *syncRepo) ListModifiedSince(ctx context.Context, entity string, storeID uuid.UUID, since time.Time, limit int) (any, error) {
	desc, ok := model.Lookup(entity)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, entity)
	}
	if limit <= 0 {
		limit = 500
	}

	rows := desc.NewSlice()
	q := r.db.WithContext(ctx).
		Where("store_id = ? AND last_synced_at > ?", storeID, since).
		Order("last_synced_at ASC").
		Limit(limit)
	if desc.Table == "sales" {
		q = q.Preload("Items")
	}
	if err := q.Find(rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
