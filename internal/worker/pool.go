package worker

import (
	"context"
	"encoding/json"
	"time"

	"blendsync/internal/model"
	"blendsync/internal/service"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const QueueAudit = "jobs:audit"

// Job is the generic envelope for all async tasks.
type Job struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Dispatcher enqueues async jobs into Redis lists. The worker pool dequeues
// them via BRPOP. It implements service.AuditSink so audit persistence never
// sits on the write path: a slow audit store must not slow a sale.
type Dispatcher struct {
	rdb *redis.Client
}

func NewDispatcher(rdb *redis.Client) *Dispatcher { return &Dispatcher{rdb: rdb} }

var _ service.AuditSink = (*Dispatcher)(nil)

// TenantViolation records an attempt to touch a record outside the caller's
// store. These are the events the security review reads first.
func (d *Dispatcher) TenantViolation(ctx context.Context, p service.Principal, entity string, id uuid.UUID) {
	d.enqueueAudit(ctx, model.AuditEvent{
		Kind:       model.AuditTenantViolation,
		StoreID:    p.StoreID,
		UserID:     p.UserID,
		EntityType: entity,
		EntityID:   id,
		OccurredAt: time.Now().UTC(),
	})
}

// ResolverDecision records every conflict resolution that was not a plain
// server-wins, so divergent histories stay reconstructible.
func (d *Dispatcher) ResolverDecision(ctx context.Context, p service.Principal, entity string, id uuid.UUID, strategy string) {
	d.enqueueAudit(ctx, model.AuditEvent{
		Kind:       model.AuditResolverDecision,
		StoreID:    p.StoreID,
		UserID:     p.UserID,
		EntityType: entity,
		EntityID:   id,
		Strategy:   strategy,
		OccurredAt: time.Now().UTC(),
	})
}

func (d *Dispatcher) enqueueAudit(ctx context.Context, ev model.AuditEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Msg("audit: marshal failed")
		return
	}
	encoded, err := json.Marshal(Job{Type: ev.Kind, Payload: data})
	if err != nil {
		log.Error().Err(err).Msg("audit: marshal failed")
		return
	}
	if err := d.rdb.LPush(ctx, QueueAudit, encoded).Err(); err != nil {
		// Losing an audit row to a Redis outage is acceptable; losing the
		// write it describes is not. Log and move on.
		log.Error().Err(err).Msg("audit: enqueue failed")
	}
}

// StartWorkerPool launches numWorkers goroutines consuming the audit queue.
// Each goroutine blocks on BRPOP — zero CPU when idle.
func StartWorkerPool(ctx context.Context, rdb *redis.Client, db *gorm.DB, numWorkers int) {
	for i := 0; i < numWorkers; i++ {
		go runWorker(ctx, rdb, db, i)
	}
	log.Info().Msgf("worker pool started with %d workers", numWorkers)
}

func runWorker(ctx context.Context, rdb *redis.Client, db *gorm.DB, id int) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Msgf("worker %d shutting down", id)
			return
		default:
			// Blocking pop — waits up to 5s then loops to check ctx
			result, err := rdb.BRPop(ctx, 5*time.Second, QueueAudit).Result()
			if err != nil {
				continue // timeout or context cancelled
			}
			if len(result) < 2 {
				continue
			}
			processJob(ctx, rdb, db, result[0], result[1])
		}
	}
}

func processJob(ctx context.Context, rdb *redis.Client, db *gorm.DB, queue, raw string) {
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		log.Error().Str("queue", queue).Err(err).Msg("failed to unmarshal job")
		return
	}

	var ev model.AuditEvent
	if err := json.Unmarshal(job.Payload, &ev); err != nil {
		SendToDLQ(ctx, rdb, queue, job.Type, job.Payload, "unmarshal: "+err.Error(), 1)
		return
	}
	if err := db.WithContext(ctx).Create(&ev).Error; err != nil {
		SendToDLQ(ctx, rdb, queue, job.Type, job.Payload, "persist: "+err.Error(), 1)
		return
	}

	log.Info().
		Str("kind", ev.Kind).
		Str("store_id", ev.StoreID.String()).
		Str("entity_type", ev.EntityType).
		Str("entity_id", ev.EntityID.String()).
		Msg("audit event persisted")
}
