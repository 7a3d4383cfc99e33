package processor

import (
	"context"
	"errors"
	"time"

	"github.com/WanderlustCoder/Deluge-sub008/internal/adview"
	"github.com/WanderlustCoder/Deluge-sub008/internal/model"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	dbTimeout = 10 * time.Second
)

// AdViewMessage represents the message format from RabbitMQ
type AdViewMessage struct {
	EventID         string          `json:"event_id"`
	UserID          string          `json:"user_id"`
	AdID            string          `json:"ad_id"`
	Gross           decimal.Decimal `json:"gross"`
	PlatformCut     decimal.Decimal `json:"platform_cut"`
	WatershedCredit decimal.Decimal `json:"watershed_credit"`
	ViewedAt        string          `json:"viewed_at"`
	Timestamp       string          `json:"timestamp"` // Alternative field name
}

// GetTimestamp returns the timestamp (handles both field names)
func (m *AdViewMessage) GetTimestamp() string {
	if m.ViewedAt != "" {
		return m.ViewedAt
	}
	return m.Timestamp
}

// ParseTimestamp parses the timestamp string. An empty timestamp yields the
// zero time, which the recorder replaces with the current time.
func (m *AdViewMessage) ParseTimestamp() (time.Time, error) {
	ts := m.GetTimestamp()
	if ts == "" {
		return time.Time{}, nil
	}

	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		formats := []string{
			time.RFC3339Nano,
			"2006-01-02 15:04:05",
		}
		for _, format := range formats {
			if t, err := time.Parse(format, ts); err == nil {
				return t, nil
			}
		}
		return time.Time{}, err
	}
	return t, nil
}

// Validate reports why the message can never be credited, or nil.
func (m *AdViewMessage) Validate() error {
	switch {
	case m.UserID == "":
		return errors.New("missing user_id")
	case m.AdID == "":
		return errors.New("missing ad_id")
	case model.CheckAmount(m.WatershedCredit) != nil:
		return errors.New("watershed_credit must be positive and in whole cents")
	}
	return nil
}

// View converts the message for the recorder.
func (m *AdViewMessage) View(viewedAt time.Time) adview.View {
	return adview.View{
		EventID:         m.EventID,
		UserID:          m.UserID,
		AdID:            m.AdID,
		Gross:           m.Gross,
		PlatformCut:     m.PlatformCut,
		WatershedCredit: m.WatershedCredit,
		ViewedAt:        viewedAt,
	}
}

// Acknowledger is the part of amqp091.Delivery the processor settles.
type Acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

type IncomingUpdate struct {
	Payload  AdViewMessage
	Delivery Acknowledger
}

// ViewRecorder credits a single view.
type ViewRecorder interface {
	Record(ctx context.Context, v adview.View) (*model.AdView, error)
}

// EventChecker reports whether an event id was already credited.
type EventChecker interface {
	EventExists(ctx context.Context, eventID string) (bool, error)
}

// Stats summarises one processed batch.
type Stats struct {
	Credited int
	Skipped  int
	Rejected int
	Requeued int
}

// ProcessBatches accumulates incoming views and credits them in batches
func ProcessBatches(
	ctx context.Context,
	recorder ViewRecorder,
	events EventChecker,
	updates <-chan IncomingUpdate,
	batchSize int,
	flushInterval time.Duration,
	log *logrus.Logger,
) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]IncomingUpdate, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}

		local := batch
		batch = make([]IncomingUpdate, 0, batchSize)

		log.WithField("batch_size", len(local)).Debug("processing batch")

		// a shutdown must not strand the batch half-settled
		stats := HandleBatch(context.WithoutCancel(ctx), recorder, events, local, log)

		log.WithFields(logrus.Fields{
			"total":    len(local),
			"credited": stats.Credited,
			"skipped":  stats.Skipped,
			"rejected": stats.Rejected,
			"requeued": stats.Requeued,
		}).Info("ad view batch processed")
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case upd, ok := <-updates:
			if !ok {
				flush()
				return
			}

			batch = append(batch, upd)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// HandleBatch credits every view in updates and settles each delivery:
// credited and already-settled views are acked, invalid ones rejected and
// transient failures requeued.
func HandleBatch(
	ctx context.Context,
	recorder ViewRecorder,
	events EventChecker,
	updates []IncomingUpdate,
	log *logrus.Logger,
) Stats {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var stats Stats
	seenEventIDs := make(map[string]bool)

	for _, upd := range updates {
		payload := upd.Payload

		if err := payload.Validate(); err != nil {
			log.WithFields(logrus.Fields{
				"event_id": payload.EventID,
				"error":    err,
			}).Warn("invalid ad view message, rejecting")
			settle(upd.Delivery, outcomeReject, log)
			stats.Rejected++
			continue
		}

		// Check for duplicate event_id in batch
		if payload.EventID != "" {
			if seenEventIDs[payload.EventID] {
				log.WithFields(logrus.Fields{
					"event_id": payload.EventID,
					"user_id":  payload.UserID,
				}).Debug("duplicate event_id in batch, skipping")
				settle(upd.Delivery, outcomeAck, log)
				stats.Skipped++
				continue
			}
			seenEventIDs[payload.EventID] = true

			exists, err := events.EventExists(ctx, payload.EventID)
			if err != nil {
				log.WithError(err).Warn("failed to check event existence, will process anyway")
			} else if exists {
				log.WithFields(logrus.Fields{
					"event_id": payload.EventID,
					"user_id":  payload.UserID,
				}).Debug("event already credited, skipping")
				settle(upd.Delivery, outcomeAck, log)
				stats.Skipped++
				continue
			}
		}

		viewedAt, err := payload.ParseTimestamp()
		if err != nil {
			log.WithFields(logrus.Fields{
				"error":     err,
				"timestamp": payload.GetTimestamp(),
				"user_id":   payload.UserID,
			}).Warn("failed to parse timestamp, using current time")
			viewedAt = time.Time{}
		}

		_, err = recorder.Record(ctx, payload.View(viewedAt))
		switch {
		case err == nil:
			settle(upd.Delivery, outcomeAck, log)
			stats.Credited++
		case errors.Is(err, model.ErrAlreadyProcessed),
			errors.Is(err, model.ErrDuplicateView),
			errors.Is(err, model.ErrDailyCapReached):
			log.WithFields(logrus.Fields{
				"event_id": payload.EventID,
				"user_id":  payload.UserID,
				"reason":   err.Error(),
			}).Debug("ad view not credited")
			settle(upd.Delivery, outcomeAck, log)
			stats.Skipped++
		case model.IsDomain(err):
			settle(upd.Delivery, outcomeReject, log)
			stats.Rejected++
		default:
			log.WithFields(logrus.Fields{
				"event_id": payload.EventID,
				"user_id":  payload.UserID,
				"error":    err,
			}).Error("failed to credit ad view, requeueing")
			settle(upd.Delivery, outcomeRequeue, log)
			stats.Requeued++
		}
	}

	return stats
}

type outcome int

const (
	outcomeAck outcome = iota
	outcomeReject
	outcomeRequeue
)

func settle(d Acknowledger, o outcome, log *logrus.Logger) {
	var err error
	switch o {
	case outcomeAck:
		err = d.Ack(false)
	case outcomeReject:
		err = d.Nack(false, false)
	case outcomeRequeue:
		err = d.Nack(false, true)
	}
	if err != nil {
		log.WithError(err).Warn("failed to settle message")
	}
}
