package model

import (
	"github.com/google/uuid"
)

// Stock movement types.
const (
	MovementSale        = "sale"
	MovementAdjustment  = "adjustment"
	MovementRestock     = "restock"
	MovementVoidRestore = "void_restore"
)

// StockMovement is one entry of the append-only stock ledger. Movements are
// never modified or deleted — corrections create inverse entries. Product
// quantity is reconciled from this ledger, not the other way around.
type StockMovement struct {
	SyncMeta
	ProductID   uuid.UUID  `gorm:"type:uuid;not null;index" json:"productId"`
	Type        string     `gorm:"type:varchar(20);not null" json:"type"`
	Qty         int        `gorm:"not null" json:"qty"` // positive = in, negative = out
	QtyBefore   int        `gorm:"not null" json:"qtyBefore"`
	QtyAfter    int        `gorm:"not null" json:"qtyAfter"`
	Reason      string     `json:"reason"`
	ReferenceID *uuid.UUID `gorm:"type:uuid" json:"referenceId,omitempty"` // sale or shift if applicable
}

func (StockMovement) TableName() string  { return "stock_movements" }
func (StockMovement) EntityName() string { return "stock_movements" }
