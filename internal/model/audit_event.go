package model

import (
	"time"

	"github.com/google/uuid"
)

// Audit event kinds. Server-side only — audit rows never sync to devices.
const (
	AuditTenantViolation  = "tenant_violation"
	AuditResolverDecision = "resolver_decision"
)

// AuditEvent is the durable record behind the audit trail: one row per
// cross-tenant access attempt and per non-trivial resolver decision.
type AuditEvent struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	Kind       string    `gorm:"size:32;not null;index" json:"kind"`
	StoreID    uuid.UUID `gorm:"type:uuid;not null;index" json:"storeId"`
	UserID     uuid.UUID `gorm:"type:uuid;not null" json:"userId"`
	EntityType string    `gorm:"size:32;not null" json:"entityType"`
	EntityID   uuid.UUID `gorm:"type:uuid;not null" json:"entityId"`
	Strategy   string    `gorm:"size:32" json:"strategy,omitempty"`
	OccurredAt time.Time `gorm:"not null" json:"occurredAt"`
}

func (AuditEvent) TableName() string { return "audit_events" }
