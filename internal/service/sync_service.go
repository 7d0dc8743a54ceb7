package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"blendsync/internal/dto"
	"blendsync/internal/model"
	"blendsync/internal/repository"
	"blendsync/internal/resolve"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Principal is the authenticated identity every operation runs under. The
// bound StoreID is the tenant wall: no request can read or write outside it.
type Principal struct {
	UserID  uuid.UUID
	StoreID uuid.UUID
}

// AuditSink receives the audit records §7 requires: every tenant violation
// and every resolver decision other than server-wins.
type AuditSink interface {
	TenantViolation(ctx context.Context, p Principal, entity string, id uuid.UUID)
	ResolverDecision(ctx context.Context, p Principal, entity string, id uuid.UUID, strategy string)
}

// ErrValidation marks payloads that violate a domain invariant; handlers map
// it to 400 and clients mark the row invalid without retrying.
var ErrValidation = errors.New("validation")

// SyncService is the server-side write/read surface of the sync core.
type SyncService interface {
	List(ctx context.Context, p Principal, entity string, since time.Time, limit int) (any, error)
	Create(ctx context.Context, p Principal, entity string, payload []byte) (repository.WriteOutcome, error)
	Update(ctx context.Context, p Principal, entity string, id uuid.UUID, payload []byte, baseVersion uint64) (repository.WriteOutcome, error)
	Delete(ctx context.Context, p Principal, entity string, id uuid.UUID, baseVersion uint64) (repository.WriteOutcome, error)
	Snapshot(ctx context.Context, p Principal, entity string, id uuid.UUID) (model.Syncable, repository.WriteStatus, error)
	ResolveConflict(ctx context.Context, p Principal, req dto.ResolveConflictRequest) (repository.WriteOutcome, error)
}

type syncService struct {
	repo      repository.SyncRepository
	customers repository.CustomerRepository
	products  repository.ProductRepository
	audit     AuditSink
}

func NewSyncService(repo repository.SyncRepository, customers repository.CustomerRepository, products repository.ProductRepository, audit AuditSink) SyncService {
	return &syncService{repo: repo, customers: customers, products: products, audit: audit}
}

func (s *syncService) List(ctx context.Context, p Principal, entity string, since time.Time, limit int) (any, error) {
	return s.repo.ListModifiedSince(ctx, entity, p.StoreID, since, limit)
}

func (s *syncService) Create(ctx context.Context, p Principal, entity string, payload []byte) (repository.WriteOutcome, error) {
	if entity == "employees" {
		if err := s.checkPINUnique(ctx, p, payload); err != nil {
			return repository.WriteOutcome{}, err
		}
	}
	payload, err := s.prepare(entity, payload, true)
	if err != nil {
		return repository.WriteOutcome{}, err
	}
	out, err := s.repo.Create(ctx, entity, p.StoreID, payload)
	if err != nil {
		return out, err
	}
	s.afterAccepted(ctx, p, entity, out)
	return out, nil
}

func (s *syncService) Update(ctx context.Context, p Principal, entity string, id uuid.UUID, payload []byte, baseVersion uint64) (repository.WriteOutcome, error) {
	payload, err := s.prepare(entity, payload, false)
	if err != nil {
		return repository.WriteOutcome{}, err
	}
	out, err := s.repo.Update(ctx, entity, p.StoreID, id, payload, baseVersion)
	if err != nil {
		return out, err
	}
	s.observe(ctx, p, entity, id, out)
	s.afterAccepted(ctx, p, entity, out)
	return out, nil
}

func (s *syncService) Delete(ctx context.Context, p Principal, entity string, id uuid.UUID, baseVersion uint64) (repository.WriteOutcome, error) {
	out, err := s.repo.Delete(ctx, entity, p.StoreID, id, baseVersion)
	if err != nil {
		return out, err
	}
	s.observe(ctx, p, entity, id, out)
	s.afterAccepted(ctx, p, entity, out)
	return out, nil
}

func (s *syncService) Snapshot(ctx context.Context, p Principal, entity string, id uuid.UUID) (model.Syncable, repository.WriteStatus, error) {
	row, status, err := s.repo.Get(ctx, entity, p.StoreID, id)
	if status == repository.WriteTenantViolation {
		s.audit.TenantViolation(ctx, p, entity, id)
	}
	return row, status, err
}

// ResolveConflict merges a contested record under the named (or per-entity
// default) strategy and applies the result inside a compare-and-set at the
// current server version.
func (s *syncService) ResolveConflict(ctx context.Context, p Principal, req dto.ResolveConflictRequest) (repository.WriteOutcome, error) {
	desc, ok := model.Lookup(req.EntityType)
	if !ok {
		return repository.WriteOutcome{}, fmt.Errorf("%w: unknown entity %q", ErrValidation, req.EntityType)
	}
	strategy := req.Strategy
	if strategy == "" {
		strategy = desc.DefaultStrategy
	}

	serverRow, status, err := s.repo.Get(ctx, req.EntityType, p.StoreID, req.EntityID)
	if err != nil {
		return repository.WriteOutcome{}, err
	}
	if status == repository.WriteTenantViolation {
		s.audit.TenantViolation(ctx, p, req.EntityType, req.EntityID)
	}
	if status != repository.WriteAccepted {
		return repository.WriteOutcome{Status: status}, nil
	}

	serverDoc, err := resolve.ToDocument(serverRow)
	if err != nil {
		return repository.WriteOutcome{}, err
	}
	clientDoc, err := resolve.DecodeDocument(req.ClientData)
	if err != nil {
		return repository.WriteOutcome{}, fmt.Errorf("%w: clientData: %v", ErrValidation, err)
	}
	var originalDoc resolve.Document
	if len(req.OriginalData) > 0 {
		if originalDoc, err = resolve.DecodeDocument(req.OriginalData); err != nil {
			return repository.WriteOutcome{}, fmt.Errorf("%w: originalData: %v", ErrValidation, err)
		}
	}

	merged, err := resolve.Resolve(strategy, req.EntityType, serverDoc, clientDoc, originalDoc)
	if err != nil {
		return repository.WriteOutcome{}, err
	}

	raw, err := json.Marshal(merged)
	if err != nil {
		return repository.WriteOutcome{}, err
	}
	out, err := s.repo.ApplyResolved(ctx, req.EntityType, p.StoreID, req.EntityID, raw, serverRow.Meta().SyncVersion)
	if err != nil {
		return out, err
	}
	if out.Status == repository.WriteAccepted && strategy != resolve.ServerWins {
		s.audit.ResolverDecision(ctx, p, req.EntityType, req.EntityID, strategy)
	}
	s.afterAccepted(ctx, p, req.EntityType, out)
	return out, nil
}

// observe routes tenant violations from write outcomes into the audit trail.
func (s *syncService) observe(ctx context.Context, p Principal, entity string, id uuid.UUID, out repository.WriteOutcome) {
	if out.Status == repository.WriteTenantViolation {
		s.audit.TenantViolation(ctx, p, entity, id)
	}
}

// afterAccepted reconciles derived fields that span rows. Idempotent by
// construction — recomputing twice converges on the same values.
func (s *syncService) afterAccepted(ctx context.Context, p Principal, entity string, out repository.WriteOutcome) {
	if out.Status != repository.WriteAccepted {
		return
	}
	switch row := out.Row.(type) {
	case *model.Sale:
		if row.CustomerID != nil {
			if err := s.customers.RecomputeAggregates(ctx, p.StoreID, *row.CustomerID); err != nil {
				log.Error().Err(err).Str("sale_id", row.ID.String()).Msg("customer aggregate recompute failed")
			}
		}
	case *model.StockMovement:
		if err := s.products.ReconcileQuantity(ctx, p.StoreID, row.ProductID); err != nil {
			log.Error().Err(err).Str("product_id", row.ProductID.String()).Msg("product quantity reconcile failed")
		}
	}
}
