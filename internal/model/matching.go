package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type CampaignStatus string

const (
	CampaignActive    CampaignStatus = "active"
	CampaignCompleted CampaignStatus = "completed"
)

type TargetType string

const (
	TargetAll      TargetType = "all"
	TargetProject  TargetType = "project"
	TargetCategory TargetType = "category"
)

// MatchingCampaign is a sponsor-funded budget pool. RemainingBudget only
// ever decreases and never goes below zero.
type MatchingCampaign struct {
	ID              string          `gorm:"type:varchar(36);primaryKey" json:"id"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	SponsorName     string          `gorm:"size:255" json:"sponsor_name"`
	TotalBudget     decimal.Decimal `gorm:"type:decimal(15,2);not null" json:"total_budget"`
	RemainingBudget decimal.Decimal `gorm:"type:decimal(15,2);not null" json:"remaining_budget"`
	MatchRatio      decimal.Decimal `gorm:"type:decimal(6,2);index;not null" json:"match_ratio"`
	TargetType      TargetType      `gorm:"type:varchar(16);not null" json:"target_type"`
	TargetValue     string          `gorm:"size:64" json:"target_value"`
	Status          CampaignStatus  `gorm:"type:varchar(16);index;not null" json:"status"`
	StartsAt        time.Time       `gorm:"not null" json:"starts_at"`
	EndsAt          *time.Time      `json:"ends_at,omitempty"`
	Version         int64           `gorm:"not null;default:0" json:"version"`
}

func (MatchingCampaign) TableName() string {
	return "matching_campaigns"
}

func (c *MatchingCampaign) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// Covers reports whether the campaign's scope includes the project.
func (c *MatchingCampaign) Covers(projectID, category string) bool {
	switch c.TargetType {
	case TargetAll:
		return true
	case TargetProject:
		return c.TargetValue == projectID
	case TargetCategory:
		return c.TargetValue == category
	}
	return false
}

// OpenAt reports whether t falls inside the campaign window.
func (c *MatchingCampaign) OpenAt(t time.Time) bool {
	if t.Before(c.StartsAt) {
		return false
	}
	return c.EndsAt == nil || t.Before(*c.EndsAt)
}

// MatchingContribution records one matched event.
type MatchingContribution struct {
	ID          string          `gorm:"type:varchar(36);primaryKey" json:"id"`
	CreatedAt   time.Time       `json:"created_at"`
	CampaignID  string          `gorm:"type:varchar(36);index;not null" json:"campaign_id"`
	UserID      string          `gorm:"type:varchar(64);index;not null" json:"user_id"`
	ProjectID   string          `gorm:"type:varchar(36);index;not null" json:"project_id"`
	UserAmount  decimal.Decimal `gorm:"type:decimal(15,2);not null" json:"user_amount"`
	MatchAmount decimal.Decimal `gorm:"type:decimal(15,2);not null" json:"match_amount"`
}

func (MatchingContribution) TableName() string {
	return "matching_contributions"
}

func (m *MatchingContribution) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}
