package repository

import (
	"context"

	"github.com/WanderlustCoder/Deluge-sub008/internal/model"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// EventRepository reads credited ad-view events.
type EventRepository struct {
	db  *gorm.DB
	log *logrus.Logger
}

func NewEventRepository(db *gorm.DB, log *logrus.Logger) *EventRepository {
	return &EventRepository{
		db:  db,
		log: log,
	}
}

// EventExists checks if a view with the given event_id was already credited
func (r *EventRepository) EventExists(ctx context.Context, eventID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.AdView{}).
		Where("event_id = ?", eventID).
		Count(&count).Error

	return count > 0, err
}
