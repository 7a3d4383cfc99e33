package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type ProjectStatus string

const (
	ProjectActive    ProjectStatus = "active"
	ProjectFunded    ProjectStatus = "funded"
	ProjectCompleted ProjectStatus = "completed"
)

type DisbursementStatus string

const (
	DisbursementNone      DisbursementStatus = "none"
	DisbursementPartial   DisbursementStatus = "partial"
	DisbursementDisbursed DisbursementStatus = "disbursed"
)

// Project holds the funding state of a community project. Title and
// Category are owned by the projects subsystem and treated as read-only here.
type Project struct {
	ID                 string             `gorm:"type:varchar(36);primaryKey" json:"id"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
	Title              string             `gorm:"size:255;not null" json:"title"`
	Category           string             `gorm:"size:64;index" json:"category"`
	FundingGoal        decimal.Decimal    `gorm:"type:decimal(15,2);not null" json:"funding_goal"`
	FundingRaised      decimal.Decimal    `gorm:"type:decimal(15,2);not null;default:0" json:"funding_raised"`
	BackerCount        int64              `gorm:"not null;default:0" json:"backer_count"`
	Status             ProjectStatus      `gorm:"type:varchar(16);index;not null;default:'active'" json:"status"`
	FundedAt           *time.Time         `json:"funded_at,omitempty"`
	DisbursedAmount    decimal.Decimal    `gorm:"type:decimal(15,2);not null;default:0" json:"disbursed_amount"`
	DisbursementStatus DisbursementStatus `gorm:"type:varchar(16);not null;default:'none'" json:"disbursement_status"`
	Version            int64              `gorm:"not null;default:0" json:"version"`
}

func (Project) TableName() string {
	return "projects"
}

func (p *Project) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = ProjectActive
	}
	if p.DisbursementStatus == "" {
		p.DisbursementStatus = DisbursementNone
	}
	return nil
}

// Remaining is the funding still needed, never negative.
func (p *Project) Remaining() decimal.Decimal {
	rem := p.FundingGoal.Sub(p.FundingRaised)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

type AllocationStatus string

const (
	AllocationPledged   AllocationStatus = "pledged"
	AllocationDisbursed AllocationStatus = "disbursed"
)

// Allocation is a user's commitment of watershed funds to a project.
type Allocation struct {
	ID             string           `gorm:"type:varchar(36);primaryKey" json:"id"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	OwnerID        string           `gorm:"type:varchar(64);index;not null" json:"owner_id"`
	ProjectID      string           `gorm:"type:varchar(36);index:idx_allocations_project_status,priority:1;not null" json:"project_id"`
	Amount         decimal.Decimal  `gorm:"type:decimal(15,2);not null" json:"amount"`
	Status         AllocationStatus `gorm:"type:varchar(16);index:idx_allocations_project_status,priority:2;not null" json:"status"`
	DisbursedAt    *time.Time       `json:"disbursed_at,omitempty"`
	DisbursementID *string          `gorm:"type:varchar(36);index" json:"disbursement_id,omitempty"`
}

func (Allocation) TableName() string {
	return "allocations"
}

func (a *Allocation) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}
