package model

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Sale states.
const (
	SaleCompleted = "completed"
	SaleVoided    = "voided"
	SaleRefunded  = "refunded"
)

// Payment methods.
const (
	PayCash   = "cash"
	PayCard   = "card"
	PayCredit = "credit"
)

// Sale is a completed checkout. Once Status is "completed" the item lines are
// immutable; voiding and refunding only flip Status and restore stock through
// compensating StockMovement rows.
type Sale struct {
	SyncMeta
	Items         []SaleItem      `gorm:"foreignKey:SaleID;constraint:OnDelete:CASCADE" json:"items"`
	Subtotal      decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"subtotal"`
	Discount      decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"discount"`
	Tax           decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"tax"`
	Total         decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"total"`
	PaymentMethod string          `gorm:"type:varchar(20);not null" json:"paymentMethod"`
	Status        string          `gorm:"type:varchar(20);not null;default:'completed'" json:"status"`
	EmployeeID    uuid.UUID       `gorm:"type:uuid;not null" json:"employeeId"`
	CustomerID    *uuid.UUID      `gorm:"type:uuid;index" json:"customerId,omitempty"`
}

// SaleItem is one line of a sale. Price is the unit price at sale time —
// later product price changes do not rewrite history.
type SaleItem struct {
	ID        uuid.UUID       `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	SaleID    uuid.UUID       `gorm:"type:uuid;not null;index" json:"saleId"`
	ProductID uuid.UUID       `gorm:"type:uuid;not null" json:"productId"`
	Qty       int             `gorm:"not null" json:"qty"`
	Price     decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"price"`
}

func (Sale) TableName() string  { return "sales" }
func (Sale) EntityName() string { return "sales" }

func (SaleItem) TableName() string { return "sale_items" }

// TotalConsistent checks total == subtotal − discount + tax.
func (s *Sale) TotalConsistent() bool {
	return s.Total.Equal(s.Subtotal.Sub(s.Discount).Add(s.Tax))
}
