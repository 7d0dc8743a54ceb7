package model

import (
	"github.com/shopspring/decimal"
)

// Product is a sellable item. Quantity is only ever changed through sales,
// stock movements, or an explicit adjustment — never by a plain field update.
type Product struct {
	SyncMeta
	Name              string          `gorm:"index;not null" json:"name"`
	SKU               string          `gorm:"index;not null" json:"sku"`
	Description       *string         `json:"description,omitempty"`
	Category          string          `json:"category"`
	Quantity          int             `gorm:"not null;default:0" json:"quantity"`
	Price             decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"price"`
	CostPrice         decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"costPrice"`
	LowStockThreshold int             `gorm:"not null;default:5" json:"lowStockThreshold"`
	IsActive          bool            `gorm:"not null;default:true" json:"isActive"`
}

func (Product) TableName() string  { return "products" }
func (Product) EntityName() string { return "products" }

func (p *Product) NaturalKey() (string, string, bool) {
	return "sku", p.SKU, p.SKU != ""
}
