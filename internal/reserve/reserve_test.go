package reserve

import (
	"context"
	"errors"
	"testing"

	"github.com/WanderlustCoder/Deluge-sub008/internal/config"
	"github.com/WanderlustCoder/Deluge-sub008/internal/model"
	"github.com/WanderlustCoder/Deluge-sub008/internal/testutil"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

func newFund(t *testing.T) (*Fund, *gorm.DB) {
	t.Helper()
	db := testutil.NewDB(t)
	return New(db, config.ReserveConfig{
		HealthyRatio: testutil.D("1.0"),
		WatchRatio:   testutil.D("0.5"),
	}, testutil.Logger()), db
}

func seedPledged(t *testing.T, db *gorm.DB, status model.ProjectStatus, amounts ...string) {
	t.Helper()
	p := model.Project{Title: "well", FundingGoal: testutil.D("1000"), FundingRaised: testutil.D("0"), Status: status}
	require.NoError(t, db.Create(&p).Error)
	for _, a := range amounts {
		require.NoError(t, db.Create(&model.Allocation{
			OwnerID: "u", ProjectID: p.ID, Amount: testutil.D(a), Status: model.AllocationPledged,
		}).Error)
	}
}

func TestHealthWithNothingPending(t *testing.T) {
	f, _ := newFund(t)

	h, err := f.Health(context.Background())
	require.NoError(t, err)
	require.Equal(t, Healthy, h.Status)
	testutil.RequireDecimal(t, "0", h.Balance)
	testutil.RequireDecimal(t, "0", h.PendingDisbursements)
}

func TestHealthClassification(t *testing.T) {
	ctx := context.Background()
	f, db := newFund(t)

	seedPledged(t, db, model.ProjectFunded, "300", "100")
	// active projects do not count as pending disbursement
	seedPledged(t, db, model.ProjectActive, "999")

	h, err := f.Health(ctx)
	require.NoError(t, err)
	testutil.RequireDecimal(t, "400", h.PendingDisbursements)
	require.Equal(t, Critical, h.Status)

	_, err = f.Deposit(ctx, testutil.D("200"), "seed")
	require.NoError(t, err)
	h, err = f.Health(ctx)
	require.NoError(t, err)
	testutil.RequireDecimal(t, "0.5", h.CoverageRatio)
	require.Equal(t, Watch, h.Status)

	_, err = f.Deposit(ctx, testutil.D("250"), "top up")
	require.NoError(t, err)
	h, err = f.Health(ctx)
	require.NoError(t, err)
	testutil.RequireDecimal(t, "1.125", h.CoverageRatio)
	require.Equal(t, Healthy, h.Status)
}

func TestFront(t *testing.T) {
	ctx := context.Background()
	f, _ := newFund(t)

	_, err := f.Deposit(ctx, testutil.D("100"), "seed")
	require.NoError(t, err)

	bal, err := f.Front(ctx, testutil.D("60"), "d-1")
	require.NoError(t, err)
	testutil.RequireDecimal(t, "40", bal)

	_, err = f.Front(ctx, testutil.D("40.01"), "d-2")
	require.ErrorIs(t, err, model.ErrReserveInsufficient)
	var short *model.ReserveShortfallError
	require.True(t, errors.As(err, &short))
	testutil.RequireDecimal(t, "0.01", short.Deficit())

	fund, err := f.Get(ctx)
	require.NoError(t, err)
	testutil.RequireDecimal(t, "40", fund.Balance)
	testutil.RequireDecimal(t, "60", fund.TotalFronted)
	testutil.RequireDecimal(t, "100", fund.TotalDeposited)

	ms, err := f.Movements(ctx)
	require.NoError(t, err)
	require.Len(t, ms, 2)
	require.Equal(t, model.ReserveFront, ms[1].Kind)
	require.Equal(t, "d-1", *ms[1].DisbursementID)
}

func TestConcurrentFrontsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	f, _ := newFund(t)

	_, err := f.Deposit(ctx, testutil.D("100"), "seed")
	require.NoError(t, err)

	var g errgroup.Group
	results := make([]error, 15)
	for i := range results {
		i := i
		g.Go(func() error {
			_, results[i] = f.Front(ctx, testutil.D("15"), "d")
			return nil
		})
	}
	require.NoError(t, g.Wait())

	fronted := 0
	for _, err := range results {
		if err == nil {
			fronted++
			continue
		}
		require.ErrorIs(t, err, model.ErrReserveInsufficient)
	}
	require.Equal(t, 6, fronted)

	fund, err := f.Get(ctx)
	require.NoError(t, err)
	testutil.RequireDecimal(t, "10", fund.Balance)
}

func TestRejectsInvalidAmounts(t *testing.T) {
	f, _ := newFund(t)
	_, err := f.Front(context.Background(), testutil.D("0"), "d")
	require.ErrorIs(t, err, model.ErrInvalidAmount)
	_, err = f.Deposit(context.Background(), testutil.D("-1"), "")
	require.ErrorIs(t, err, model.ErrInvalidAmount)
	_, err = f.Deposit(context.Background(), testutil.D("10.001"), "")
	require.ErrorIs(t, err, model.ErrInvalidAmount)
	_, err = f.Front(context.Background(), testutil.D("0.015"), "d")
	require.ErrorIs(t, err, model.ErrInvalidAmount)
}
