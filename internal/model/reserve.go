package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ReserveFundID is the primary key of the singleton reserve row.
const ReserveFundID uint = 1

// ReserveFund is the platform collateral pool.
type ReserveFund struct {
	ID             uint            `gorm:"primarykey" json:"id"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Balance        decimal.Decimal `gorm:"type:decimal(15,2);not null;default:0" json:"balance"`
	TotalDeposited decimal.Decimal `gorm:"type:decimal(15,2);not null;default:0" json:"total_deposited"`
	TotalFronted   decimal.Decimal `gorm:"type:decimal(15,2);not null;default:0" json:"total_fronted"`
	Version        int64           `gorm:"not null;default:0" json:"version"`
}

func (ReserveFund) TableName() string {
	return "reserve_funds"
}

type ReserveMovementKind string

const (
	ReserveDeposit ReserveMovementKind = "deposit"
	ReserveFront   ReserveMovementKind = "front"
)

// ReserveMovement is the reserve's append-only audit trail.
type ReserveMovement struct {
	ID             string              `gorm:"type:varchar(36);primaryKey" json:"id"`
	CreatedAt      time.Time           `gorm:"index" json:"created_at"`
	Kind           ReserveMovementKind `gorm:"type:varchar(16);not null" json:"kind"`
	Amount         decimal.Decimal     `gorm:"type:decimal(15,2);not null" json:"amount"`
	DisbursementID *string             `gorm:"type:varchar(36);index" json:"disbursement_id,omitempty"`
	Note           string              `gorm:"size:255" json:"note"`
	BalanceAfter   decimal.Decimal     `gorm:"type:decimal(15,2);not null" json:"balance_after"`
}

func (ReserveMovement) TableName() string {
	return "reserve_movements"
}

func (m *ReserveMovement) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}
