package processor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/WanderlustCoder/Deluge-sub008/internal/adview"
	"github.com/WanderlustCoder/Deluge-sub008/internal/config"
	"github.com/WanderlustCoder/Deluge-sub008/internal/ledger"
	"github.com/WanderlustCoder/Deluge-sub008/internal/model"
	"github.com/WanderlustCoder/Deluge-sub008/internal/repository"
	"github.com/WanderlustCoder/Deluge-sub008/internal/testutil"
	"github.com/stretchr/testify/require"
)

type fakeDelivery struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (d *fakeDelivery) Ack(bool) error {
	d.acked = true
	return nil
}

func (d *fakeDelivery) Nack(_ bool, requeue bool) error {
	d.nacked = true
	d.requeue = requeue
	return nil
}

type failingRecorder struct{}

func (failingRecorder) Record(context.Context, adview.View) (*model.AdView, error) {
	return nil, model.Internal("adview.record", errors.New("connection reset"))
}

type setup struct {
	recorder *adview.Recorder
	events   *repository.EventRepository
	wallet   *ledger.Ledger
}

func newSetup(t *testing.T) setup {
	t.Helper()
	db := testutil.NewDB(t)
	log := testutil.Logger()
	wallet := ledger.New(db, log)
	return setup{
		recorder: adview.New(db, wallet, config.LedgerConfig{AdDailyCap: 50, AdDuplicateWindow: time.Hour}, log),
		events:   repository.NewEventRepository(db, log),
		wallet:   wallet,
	}
}

func message(t *testing.T, body string) AdViewMessage {
	t.Helper()
	var m AdViewMessage
	require.NoError(t, json.Unmarshal([]byte(body), &m))
	return m
}

func TestDecodeMessage(t *testing.T) {
	m := message(t, `{"event_id":"e1","user_id":"u1","ad_id":"a1","gross":"0.04","platform_cut":0.016,"watershed_credit":"0.02","viewed_at":"2026-05-04T09:00:00Z"}`)
	require.NoError(t, m.Validate())
	testutil.RequireDecimal(t, "0.016", m.PlatformCut)
	testutil.RequireDecimal(t, "0.02", m.WatershedCredit)

	ts, err := m.ParseTimestamp()
	require.NoError(t, err)
	require.True(t, ts.Equal(time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)))

	alt := message(t, `{"user_id":"u1","ad_id":"a1","watershed_credit":"0.02","timestamp":"2026-05-04 09:00:00"}`)
	ts, err = alt.ParseTimestamp()
	require.NoError(t, err)
	require.Equal(t, 9, ts.Hour())

	bad := message(t, `{"user_id":"u1","ad_id":"a1","watershed_credit":"0"}`)
	require.Error(t, bad.Validate())
}

func TestHandleBatchSettlesEveryDelivery(t *testing.T) {
	ctx := context.Background()
	s := newSetup(t)

	valid := &fakeDelivery{}
	dupInBatch := &fakeDelivery{}
	invalid := &fakeDelivery{}
	sameAdAgain := &fakeDelivery{}

	updates := []IncomingUpdate{
		{Payload: message(t, `{"event_id":"e1","user_id":"u1","ad_id":"a1","watershed_credit":"0.02"}`), Delivery: valid},
		{Payload: message(t, `{"event_id":"e1","user_id":"u1","ad_id":"a1","watershed_credit":"0.02"}`), Delivery: dupInBatch},
		{Payload: message(t, `{"event_id":"e2","ad_id":"a1","watershed_credit":"0.02"}`), Delivery: invalid},
		{Payload: message(t, `{"event_id":"e3","user_id":"u1","ad_id":"a1","watershed_credit":"0.02"}`), Delivery: sameAdAgain},
	}

	stats := HandleBatch(ctx, s.recorder, s.events, updates, testutil.Logger())
	require.Equal(t, Stats{Credited: 1, Skipped: 2, Rejected: 1}, stats)

	require.True(t, valid.acked)
	require.True(t, dupInBatch.acked)
	require.True(t, invalid.nacked)
	require.False(t, invalid.requeue)
	require.True(t, sameAdAgain.acked)

	acct, err := s.wallet.Account(ctx, "u1")
	require.NoError(t, err)
	testutil.RequireDecimal(t, "0.02", acct.Balance)

	// redelivery of an already credited event
	again := &fakeDelivery{}
	stats = HandleBatch(ctx, s.recorder, s.events, []IncomingUpdate{
		{Payload: message(t, `{"event_id":"e1","user_id":"u1","ad_id":"a1","watershed_credit":"0.02"}`), Delivery: again},
	}, testutil.Logger())
	require.Equal(t, 1, stats.Skipped)
	require.True(t, again.acked)
}

func TestHandleBatchRequeuesTransientFailures(t *testing.T) {
	s := newSetup(t)
	d := &fakeDelivery{}

	stats := HandleBatch(context.Background(), failingRecorder{}, s.events, []IncomingUpdate{
		{Payload: message(t, `{"user_id":"u1","ad_id":"a1","watershed_credit":"0.02"}`), Delivery: d},
	}, testutil.Logger())

	require.Equal(t, 1, stats.Requeued)
	require.True(t, d.nacked)
	require.True(t, d.requeue)
}

func TestProcessBatchesFlushesOnClose(t *testing.T) {
	ctx := context.Background()
	s := newSetup(t)

	updates := make(chan IncomingUpdate, 2)
	d1, d2 := &fakeDelivery{}, &fakeDelivery{}
	updates <- IncomingUpdate{Payload: message(t, `{"user_id":"u1","ad_id":"a1","watershed_credit":"0.50"}`), Delivery: d1}
	updates <- IncomingUpdate{Payload: message(t, `{"user_id":"u1","ad_id":"a2","watershed_credit":"0.25"}`), Delivery: d2}
	close(updates)

	ProcessBatches(ctx, s.recorder, s.events, updates, 10, time.Hour, testutil.Logger())

	require.True(t, d1.acked)
	require.True(t, d2.acked)
	acct, err := s.wallet.Account(ctx, "u1")
	require.NoError(t, err)
	testutil.RequireDecimal(t, "0.75", acct.Balance)
}
