package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// AdView is one credited ad impression. EventID is the upstream message id
// when the view arrived over the queue.
type AdView struct {
	ID              string          `gorm:"type:varchar(36);primaryKey" json:"id"`
	EventID         *string         `gorm:"size:255;uniqueIndex:idx_ad_views_event" json:"event_id,omitempty"`
	UserID          string          `gorm:"type:varchar(64);index:idx_ad_views_user_time,priority:1;not null" json:"user_id"`
	AdID            string          `gorm:"type:varchar(64);not null" json:"ad_id"`
	Gross           decimal.Decimal `gorm:"type:decimal(15,4);not null" json:"gross"`
	PlatformCut     decimal.Decimal `gorm:"type:decimal(15,4);not null" json:"platform_cut"`
	WatershedCredit decimal.Decimal `gorm:"type:decimal(15,2);not null" json:"watershed_credit"`
	ViewedAt        time.Time       `gorm:"index:idx_ad_views_user_time,priority:2;not null" json:"viewed_at"`
	EntryID         string          `gorm:"type:varchar(36)" json:"entry_id"`
}

func (AdView) TableName() string {
	return "ad_views"
}

func (v *AdView) BeforeCreate(tx *gorm.DB) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	return nil
}
