package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Customer aggregates (TotalOrders, TotalSpent, LastOrderDate) reflect the sum
// of non-voided sales; they are recomputed by the aggregate reconciliation
// phase rather than trusted from any single client.
type Customer struct {
	SyncMeta
	Name          string          `gorm:"index;not null" json:"name"`
	Phone         *string         `json:"phone,omitempty"`
	Email         *string         `json:"email,omitempty"`
	TotalOrders   int             `gorm:"not null;default:0" json:"totalOrders"`
	TotalSpent    decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"totalSpent"`
	LastOrderDate *time.Time      `json:"lastOrderDate,omitempty"`
}

func (Customer) TableName() string  { return "customers" }
func (Customer) EntityName() string { return "customers" }
