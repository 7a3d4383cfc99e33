package allocation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/WanderlustCoder/Deluge-sub008/internal/cascade"
	"github.com/WanderlustCoder/Deluge-sub008/internal/config"
	"github.com/WanderlustCoder/Deluge-sub008/internal/database"
	"github.com/WanderlustCoder/Deluge-sub008/internal/disbursement"
	"github.com/WanderlustCoder/Deluge-sub008/internal/ledger"
	"github.com/WanderlustCoder/Deluge-sub008/internal/model"
	"github.com/WanderlustCoder/Deluge-sub008/internal/notify"
	"github.com/WanderlustCoder/Deluge-sub008/internal/repository"
	"github.com/WanderlustCoder/Deluge-sub008/internal/reserve"
	"github.com/WanderlustCoder/Deluge-sub008/internal/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

type settlerSpy struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (s *settlerSpy) AutoTrigger(_ context.Context, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, projectID)
	return s.err
}

type fixture struct {
	db       *gorm.DB
	wallet   *ledger.Ledger
	alloc    *Ledger
	projects *repository.ProjectRepository
	events   *notify.Recorder
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	log := testutil.Logger()
	wallet := ledger.New(db, log)
	events := &notify.Recorder{}
	opts = append([]Option{WithNotifier(events)}, opts...)
	return &fixture{
		db:       db,
		wallet:   wallet,
		alloc:    New(db, wallet, config.LedgerConfig{MinAllocation: testutil.D("1.00")}, log, opts...),
		projects: repository.NewProjectRepository(db, log),
		events:   events,
	}
}

func (f *fixture) project(t *testing.T, goal, raised string) *model.Project {
	t.Helper()
	p := &model.Project{
		Title:         "Riverside library",
		Category:      "education",
		FundingGoal:   testutil.D(goal),
		FundingRaised: testutil.D(raised),
	}
	require.NoError(t, f.projects.Create(context.Background(), p))
	return p
}

func (f *fixture) fund(t *testing.T, userID, amount string) {
	t.Helper()
	_, err := f.wallet.Credit(context.Background(), userID, testutil.D(amount), model.EntryCashContribution, "top up")
	require.NoError(t, err)
}

func TestCommitCapsAtRemainingAndFunds(t *testing.T) {
	ctx := context.Background()
	settler := &settlerSpy{}
	f := newFixture(t, WithSettler(settler))
	p := f.project(t, "1000", "950")
	f.fund(t, "alice", "500")

	res, err := f.alloc.Commit(ctx, "alice", p.ID, testutil.D("100"))
	require.NoError(t, err)
	testutil.RequireDecimal(t, "50", res.ActualAmount)
	testutil.RequireDecimal(t, "50", res.Allocation.Amount)
	require.Equal(t, model.AllocationPledged, res.Allocation.Status)
	require.Equal(t, "River", res.StageBefore.Name)
	require.Equal(t, "Cascade", res.StageAfter.Name)
	require.True(t, res.StageChanged)
	require.True(t, res.Funded)

	got, err := f.projects.Get(ctx, p.ID)
	require.NoError(t, err)
	testutil.RequireDecimal(t, "1000", got.FundingRaised)
	require.Equal(t, model.ProjectFunded, got.Status)
	require.NotNil(t, got.FundedAt)
	require.EqualValues(t, 1, got.BackerCount)

	acct, err := f.wallet.Account(ctx, "alice")
	require.NoError(t, err)
	testutil.RequireDecimal(t, "450", acct.Balance)

	entries, err := f.wallet.Entries(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, model.EntryProjectAllocation, entries[1].Type)
	testutil.RequireDecimal(t, "-50", entries[1].Amount)

	require.Equal(t, []notify.Kind{notify.StageCrossed, notify.ProjectFunded}, f.events.Kinds())
	require.Equal(t, "Cascade", f.events.Events()[0].Stage)
	require.Equal(t, []string{p.ID}, settler.calls)
}

func TestCommitWithinStageSendsNoNotification(t *testing.T) {
	ctx := context.Background()
	settler := &settlerSpy{}
	f := newFixture(t, WithSettler(settler))
	p := f.project(t, "1000", "0")
	f.fund(t, "bob", "100")

	res, err := f.alloc.Commit(ctx, "bob", p.ID, testutil.D("100"))
	require.NoError(t, err)
	require.False(t, res.StageChanged)
	require.False(t, res.Funded)
	require.Equal(t, cascade.Stages()[0].Name, res.StageAfter.Name)
	require.Empty(t, f.events.Kinds())
	require.Empty(t, settler.calls)
}

func TestCommitRejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "carol", "10")

	active := f.project(t, "100", "99.50")
	funded := f.project(t, "100", "100")
	require.NoError(t, f.db.Model(&model.Project{}).Where("id = ?", funded.ID).
		Update("status", model.ProjectFunded).Error)

	tests := []struct {
		name      string
		projectID string
		amount    string
		want      error
	}{
		{"zero amount", active.ID, "0", model.ErrInvalidAmount},
		{"fraction of a cent", active.ID, "0.505", model.ErrInvalidAmount},
		{"unknown project", "nope", "5", model.ErrProjectNotFound},
		{"funded project", funded.ID, "5", model.ErrProjectNotFundable},
		{"more than balance", active.ID, "10.01", model.ErrInsufficientBalance},
		{"remainder below minimum", active.ID, "5", model.ErrBelowMinimumAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.alloc.Commit(ctx, "carol", tt.projectID, testutil.D(tt.amount))
			require.ErrorIs(t, err, tt.want)
		})
	}

	acct, err := f.wallet.Account(ctx, "carol")
	require.NoError(t, err)
	testutil.RequireDecimal(t, "10", acct.Balance)
	allocs, err := f.projects.Allocations(ctx, active.ID)
	require.NoError(t, err)
	require.Empty(t, allocs)
}

func TestPledgeWithStaleProjectConflicts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "dana", "50")
	f.fund(t, "eli", "50")
	p := f.project(t, "100", "0")

	err := f.db.Transaction(func(tx *gorm.DB) error {
		var fresh model.Project
		if err := tx.Where("id = ?", p.ID).First(&fresh).Error; err != nil {
			return err
		}
		stale := fresh

		if _, err := f.alloc.pledge(tx, &fresh, "dana", testutil.D("20")); err != nil {
			return err
		}
		// neither pledge funds the project, so only the version tells them apart
		_, err := f.alloc.pledge(tx, &stale, "eli", testutil.D("20"))
		return err
	})
	require.ErrorIs(t, err, database.ErrConflict)

	got, err := f.projects.Get(ctx, p.ID)
	require.NoError(t, err)
	testutil.RequireDecimal(t, "0", got.FundingRaised)
	require.Zero(t, got.BackerCount)
	acct, err := f.wallet.Account(ctx, "dana")
	require.NoError(t, err)
	testutil.RequireDecimal(t, "50", acct.Balance)
}

func TestConcurrentCommitsNeverOverfund(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p := f.project(t, "100", "0")

	const backers = 10
	for i := 0; i < backers; i++ {
		f.fund(t, fmt.Sprintf("user-%d", i), "30")
	}

	var g errgroup.Group
	results := make([]*Result, backers)
	errs := make([]error, backers)
	for i := 0; i < backers; i++ {
		i := i
		g.Go(func() error {
			results[i], errs[i] = f.alloc.Commit(ctx, fmt.Sprintf("user-%d", i), p.ID, testutil.D("30"))
			return nil
		})
	}
	require.NoError(t, g.Wait())

	total := decimal.Zero
	funded := 0
	for i, err := range errs {
		if err != nil {
			require.True(t, errors.Is(err, model.ErrProjectNotFundable), "unexpected error: %v", err)
			continue
		}
		total = total.Add(results[i].ActualAmount)
		if results[i].Funded {
			funded++
		}
	}
	testutil.RequireDecimal(t, "100", total)
	require.Equal(t, 1, funded)

	got, err := f.projects.Get(ctx, p.ID)
	require.NoError(t, err)
	testutil.RequireDecimal(t, "100", got.FundingRaised)
	require.EqualValues(t, 4, got.BackerCount)
}

func TestSettlerFailureKeepsCommit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithSettler(&settlerSpy{err: errors.New("reserve offline")}))
	p := f.project(t, "20", "0")
	f.fund(t, "dana", "20")

	res, err := f.alloc.Commit(ctx, "dana", p.ID, testutil.D("20"))
	require.NoError(t, err)
	require.True(t, res.Funded)
}

func TestFundingSettlesThroughReserve(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	log := testutil.Logger()

	fund := reserve.New(db, config.ReserveConfig{HealthyRatio: testutil.D("1"), WatchRatio: testutil.D("0.5")}, log)
	_, err := fund.Deposit(ctx, testutil.D("500"), "seed")
	require.NoError(t, err)

	wallet := ledger.New(db, log)
	engine := disbursement.New(db, fund, log)
	alloc := New(db, wallet, config.LedgerConfig{MinAllocation: testutil.D("1")}, log, WithSettler(engine))
	projects := repository.NewProjectRepository(db, log)

	p := &model.Project{Title: "Tool library", FundingGoal: testutil.D("200")}
	require.NoError(t, projects.Create(ctx, p))
	_, err = wallet.Credit(ctx, "erin", testutil.D("200"), model.EntryCashContribution, "deposit")
	require.NoError(t, err)

	_, err = alloc.Commit(ctx, "erin", p.ID, testutil.D("200"))
	require.NoError(t, err)

	got, err := projects.Get(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, model.ProjectCompleted, got.Status)
	require.Equal(t, model.DisbursementDisbursed, got.DisbursementStatus)

	ds, err := projects.Disbursements(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	require.Equal(t, model.ReconciliationFronted, ds[0].Reconciliation)

	reserveRow, err := fund.Get(ctx)
	require.NoError(t, err)
	testutil.RequireDecimal(t, "300", reserveRow.Balance)
}
