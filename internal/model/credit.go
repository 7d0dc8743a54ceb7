package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Credit states.
const (
	CreditPending = "pending"
	CreditPartial = "partial"
	CreditPaid    = "paid"
	CreditOverdue = "overdue"
)

// Credit is an outstanding customer balance created by a credit sale.
// Status "paid" holds exactly when AmountPaid == Amount; "overdue" is derived
// from the due date and never stored ahead of time.
type Credit struct {
	SyncMeta
	CustomerID uuid.UUID       `gorm:"type:uuid;not null;index" json:"customerId"`
	SaleID     uuid.UUID       `gorm:"type:uuid;not null" json:"saleId"`
	Amount     decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"amount"`
	AmountPaid decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"amountPaid"`
	DueDate    time.Time       `gorm:"not null" json:"dueDate"`
	Status     string          `gorm:"type:varchar(20);not null;default:'pending'" json:"status"`
}

func (Credit) TableName() string  { return "credits" }
func (Credit) EntityName() string { return "credits" }

// DeriveStatus computes the status the invariants require at the given instant.
func (c *Credit) DeriveStatus(now time.Time) string {
	switch {
	case c.AmountPaid.GreaterThanOrEqual(c.Amount):
		return CreditPaid
	case now.After(c.DueDate):
		return CreditOverdue
	case c.AmountPaid.IsPositive():
		return CreditPartial
	default:
		return CreditPending
	}
}
