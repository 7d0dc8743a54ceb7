package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Shift states.
const (
	ShiftOpen   = "open"
	ShiftClosed = "closed"
)

// Shift is one register session: opened with a float, closed with a count.
// ExpectedCash is computed on close from the float plus cash sales recorded
// during the shift; Variance = CountedCash − ExpectedCash.
type Shift struct {
	SyncMeta
	EmployeeID   uuid.UUID        `gorm:"type:uuid;not null;index" json:"employeeId"`
	OpeningFloat decimal.Decimal  `gorm:"type:decimal(12,2);not null" json:"openingFloat"`
	ExpectedCash *decimal.Decimal `gorm:"type:decimal(12,2)" json:"expectedCash,omitempty"`
	CountedCash  *decimal.Decimal `gorm:"type:decimal(12,2)" json:"countedCash,omitempty"`
	Variance     *decimal.Decimal `gorm:"type:decimal(12,2)" json:"variance,omitempty"`
	Status       string           `gorm:"type:varchar(20);not null;default:'open'" json:"status"`
	OpenedAt     time.Time        `gorm:"not null" json:"openedAt"`
	ClosedAt     *time.Time       `json:"closedAt,omitempty"`
}

func (Shift) TableName() string  { return "shifts" }
func (Shift) EntityName() string { return "shifts" }
