// Package notify dispatches ledger events to the notification subsystem.
// Dispatch is fire-and-forget: a failed notification never affects the
// ledger write that produced it.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type Kind string

const (
	StageCrossed         Kind = "stage_crossed"
	ProjectFunded        Kind = "project_funded"
	Matched              Kind = "matched"
	Disbursed            Kind = "disbursed"
	ReconciliationQueued Kind = "reconciliation_queued"
)

type Event struct {
	Kind       Kind             `json:"kind"`
	UserID     string           `json:"user_id,omitempty"`
	ProjectID  string           `json:"project_id,omitempty"`
	CampaignID string           `json:"campaign_id,omitempty"`
	Stage      string           `json:"stage,omitempty"`
	Amount     *decimal.Decimal `json:"amount,omitempty"`
	OccurredAt time.Time        `json:"occurred_at"`
}

func (e Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// Amount is a helper for building events inline.
func Amount(d decimal.Decimal) *decimal.Decimal {
	return &d
}

type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

const dispatchTimeout = 5 * time.Second

// Dispatch sends ev and logs any failure. A nil notifier is a no-op.
func Dispatch(ctx context.Context, n Notifier, log *logrus.Logger, ev Event) {
	if n == nil {
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	// detached from the request: a cancelled caller must not drop the event
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dispatchTimeout)
	defer cancel()

	if err := n.Notify(ctx, ev); err != nil {
		log.WithFields(logrus.Fields{
			"kind":       ev.Kind,
			"project_id": ev.ProjectID,
			"user_id":    ev.UserID,
			"error":      err,
		}).Warn("notification dispatch failed")
	}
}

// LogNotifier writes events to the log. Used when no broker is configured.
type LogNotifier struct {
	Log *logrus.Logger
}

func (n LogNotifier) Notify(_ context.Context, ev Event) error {
	entry := n.Log.WithFields(logrus.Fields{
		"kind":        ev.Kind,
		"user_id":     ev.UserID,
		"project_id":  ev.ProjectID,
		"campaign_id": ev.CampaignID,
		"stage":       ev.Stage,
	})
	if ev.Amount != nil {
		entry = entry.WithField("amount", ev.Amount.String())
	}
	entry.Info("ledger event")
	return nil
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	Err    error
}

func (r *Recorder) Notify(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.Err
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Kinds lists recorded event kinds in order.
func (r *Recorder) Kinds() []Kind {
	var kinds []Kind
	for _, ev := range r.Events() {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}
