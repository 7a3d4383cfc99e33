package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type DisbursementSource string

const (
	SourceReserveFronted DisbursementSource = "reserve_fronted"
	SourceDirect         DisbursementSource = "direct"
)

// Reconciliation states of a disbursement's collateral.
type ReconciliationState string

const (
	ReconciliationNotRequired ReconciliationState = "not_required"
	ReconciliationFronted     ReconciliationState = "fronted"
	ReconciliationPending     ReconciliationState = "pending_reconciliation"
)

// ProjectDisbursement is append-only; it is never rolled back because of a
// reserve shortfall.
type ProjectDisbursement struct {
	ID             string              `gorm:"type:varchar(36);primaryKey" json:"id"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
	ProjectID      string              `gorm:"type:varchar(36);index;not null" json:"project_id"`
	Amount         decimal.Decimal     `gorm:"type:decimal(15,2);not null" json:"amount"`
	Source         DisbursementSource  `gorm:"type:varchar(24);not null" json:"source"`
	Status         string              `gorm:"type:varchar(16);not null" json:"status"`
	InitiatedBy    string              `gorm:"type:varchar(64)" json:"initiated_by"`
	Notes          string              `gorm:"type:text" json:"notes"`
	Reconciliation ReconciliationState `gorm:"type:varchar(32);index;not null" json:"reconciliation"`
	Shortfall      decimal.Decimal     `gorm:"type:decimal(15,2);not null;default:0" json:"shortfall"`
}

const DisbursementCompleted = "completed"

func (ProjectDisbursement) TableName() string {
	return "project_disbursements"
}

func (d *ProjectDisbursement) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	return nil
}

type ReconciliationItemStatus string

const (
	ReconciliationOpen     ReconciliationItemStatus = "open"
	ReconciliationResolved ReconciliationItemStatus = "resolved"
)

// ReconciliationItem queues an under-collateralized disbursement for
// follow-up. At most one item exists per disbursement.
type ReconciliationItem struct {
	ID             string                   `gorm:"type:varchar(36);primaryKey" json:"id"`
	CreatedAt      time.Time                `json:"created_at"`
	UpdatedAt      time.Time                `json:"updated_at"`
	DisbursementID string                   `gorm:"type:varchar(36);uniqueIndex;not null" json:"disbursement_id"`
	ProjectID      string                   `gorm:"type:varchar(36);index;not null" json:"project_id"`
	Amount         decimal.Decimal          `gorm:"type:decimal(15,2);not null" json:"amount"`
	Shortfall      decimal.Decimal          `gorm:"type:decimal(15,2);not null" json:"shortfall"`
	Status         ReconciliationItemStatus `gorm:"type:varchar(16);index;not null" json:"status"`
	ResolvedAt     *time.Time               `json:"resolved_at,omitempty"`
}

func (ReconciliationItem) TableName() string {
	return "reconciliation_items"
}

func (r *ReconciliationItem) BeforeCreate(tx *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}
