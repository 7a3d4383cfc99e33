package model

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestInternalWrapsOnlyInfrastructureErrors(t *testing.T) {
	require.Nil(t, Internal("op", nil))

	wrapped := fmt.Errorf("commit: %w", ErrInsufficientBalance)
	require.Same(t, wrapped, Internal("op", wrapped))

	cause := errors.New("connection reset")
	err := Internal("ledger.credit", cause)
	require.ErrorIs(t, err, ErrInternal)
	require.ErrorIs(t, err, cause)
	require.Equal(t, "ledger.credit: internal error: connection reset", err.Error())

	require.Same(t, err, Internal("outer", err))
}

func TestReserveShortfallError(t *testing.T) {
	err := &ReserveShortfallError{
		Requested: decimal.RequireFromString("120"),
		Available: decimal.RequireFromString("45.5"),
	}
	require.ErrorIs(t, err, ErrReserveInsufficient)
	require.True(t, IsDomain(err))
	require.Equal(t, "74.5", err.Deficit().String())
	require.Contains(t, err.Error(), "requested 120.00, available 45.50")
}

func TestProjectRemaining(t *testing.T) {
	p := Project{FundingGoal: decimal.NewFromInt(1000), FundingRaised: decimal.NewFromInt(950)}
	require.Equal(t, "50", p.Remaining().String())

	p.FundingRaised = decimal.NewFromInt(1200)
	require.True(t, p.Remaining().IsZero())
}

func TestCampaignScopeAndWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	end := now.Add(time.Hour)
	c := MatchingCampaign{TargetType: TargetCategory, TargetValue: "water", StartsAt: now.Add(-time.Hour), EndsAt: &end}

	require.True(t, c.Covers("p1", "water"))
	require.False(t, c.Covers("p1", "parks"))
	require.True(t, c.OpenAt(now))
	require.False(t, c.OpenAt(end))
	require.False(t, c.OpenAt(now.Add(-2*time.Hour)))

	c.TargetType = TargetProject
	c.TargetValue = "p1"
	require.True(t, c.Covers("p1", ""))
	require.False(t, c.Covers("p2", "water"))

	c.TargetType = TargetAll
	c.EndsAt = nil
	require.True(t, c.Covers("anything", ""))
	require.True(t, c.OpenAt(now.Add(24*time.Hour)))
}
