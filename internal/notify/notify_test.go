package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

func TestDispatchLogsFailures(t *testing.T) {
	log, hook := logtest.NewNullLogger()
	rec := &Recorder{Err: errors.New("broker down")}

	Dispatch(context.Background(), rec, log, Event{Kind: ProjectFunded, ProjectID: "p1"})

	require.Equal(t, []Kind{ProjectFunded}, rec.Kinds())
	require.False(t, rec.Events()[0].OccurredAt.IsZero())
	require.Len(t, hook.Entries, 1)
	require.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
	require.Equal(t, "notification dispatch failed", hook.LastEntry().Message)
}

func TestDispatchSurvivesCancelledCaller(t *testing.T) {
	log, _ := logtest.NewNullLogger()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var seen error
	n := notifierFunc(func(ctx context.Context, ev Event) error {
		seen = ctx.Err()
		return nil
	})
	Dispatch(ctx, n, log, Event{Kind: Matched})
	require.NoError(t, seen)
}

func TestDispatchNilNotifier(t *testing.T) {
	log, hook := logtest.NewNullLogger()
	Dispatch(context.Background(), nil, log, Event{Kind: Matched})
	require.Empty(t, hook.Entries)
}

func TestEventJSON(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	body, err := Event{
		Kind:       StageCrossed,
		ProjectID:  "p1",
		Stage:      "Cascade",
		Amount:     Amount(decimal.RequireFromString("50")),
		OccurredAt: at,
	}.ToJSON()
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &got))
	require.Equal(t, "stage_crossed", got["kind"])
	require.Equal(t, "Cascade", got["stage"])
	require.Equal(t, "50", got["amount"])
	require.NotContains(t, got, "user_id")
}

func TestLogNotifier(t *testing.T) {
	log, hook := logtest.NewNullLogger()
	require.NoError(t, LogNotifier{Log: log}.Notify(context.Background(), Event{Kind: Disbursed, Amount: Amount(decimal.NewFromInt(3))}))
	require.Equal(t, "3", hook.LastEntry().Data["amount"])
}

type notifierFunc func(ctx context.Context, ev Event) error

func (f notifierFunc) Notify(ctx context.Context, ev Event) error { return f(ctx, ev) }
