package model

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Validation errors are returned before any mutating statement runs.
var (
	ErrInvalidAmount              = errors.New("amount must be positive and in whole cents")
	ErrInsufficientBalance        = errors.New("insufficient balance")
	ErrProjectNotFound            = errors.New("project not found")
	ErrProjectNotFundable         = errors.New("project is not accepting allocations")
	ErrBelowMinimumAmount         = errors.New("amount is below the platform minimum")
	ErrReserveInsufficient        = errors.New("reserve balance insufficient")
	ErrCampaignNotFound           = errors.New("matching campaign not found")
	ErrCampaignExpiredOrExhausted = errors.New("matching campaign expired or exhausted")
	ErrReconciliationNotFound     = errors.New("reconciliation item not found")

	ErrDailyCapReached  = errors.New("daily ad view cap reached")
	ErrDuplicateView    = errors.New("ad already viewed recently")
	ErrAlreadyProcessed = errors.New("event already processed")

	ErrInternal = errors.New("internal error")
)

// CheckAmount rejects amounts that are not positive or that carry fractions
// of a cent. Money columns are decimal(15,2); a finer amount would be rounded
// by the database after the balance was computed from the exact value.
func CheckAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() || !amount.Equal(amount.Round(2)) {
		return ErrInvalidAmount
	}
	return nil
}

// ReserveShortfallError is the soft failure of a reserve front.
type ReserveShortfallError struct {
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *ReserveShortfallError) Error() string {
	return fmt.Sprintf("reserve balance insufficient: requested %s, available %s",
		e.Requested.StringFixed(2), e.Available.StringFixed(2))
}

func (e *ReserveShortfallError) Is(target error) bool {
	return target == ErrReserveInsufficient
}

// Deficit is how far the reserve balance falls short of the request. A front
// is all or nothing, so the amount still owed is the whole Requested.
func (e *ReserveShortfallError) Deficit() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

// InternalError wraps an unexpected persistence failure. The transaction that
// produced it has been rolled back, so callers may retry the whole operation.
type InternalError struct {
	Op  string
	Err error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("%s: internal error: %v", e.Op, e.Err)
}

func (e *InternalError) Unwrap() error { return e.Err }

func (e *InternalError) Is(target error) bool {
	return target == ErrInternal
}

// Internal wraps err unless it is already a domain error or nil.
func Internal(op string, err error) error {
	if err == nil || IsDomain(err) {
		return err
	}
	var ie *InternalError
	if errors.As(err, &ie) {
		return err
	}
	return &InternalError{Op: op, Err: err}
}

var domainErrors = []error{
	ErrInvalidAmount,
	ErrInsufficientBalance,
	ErrProjectNotFound,
	ErrProjectNotFundable,
	ErrBelowMinimumAmount,
	ErrReserveInsufficient,
	ErrCampaignNotFound,
	ErrCampaignExpiredOrExhausted,
	ErrReconciliationNotFound,
	ErrDailyCapReached,
	ErrDuplicateView,
	ErrAlreadyProcessed,
}

// IsDomain reports whether err is an expected business outcome rather than
// an infrastructure failure.
func IsDomain(err error) bool {
	for _, target := range domainErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// All returns every persisted model, for migrations.
func All() []interface{} {
	return []interface{}{
		&LedgerAccount{},
		&LedgerEntry{},
		&Project{},
		&Allocation{},
		&ProjectDisbursement{},
		&ReconciliationItem{},
		&ReserveFund{},
		&ReserveMovement{},
		&MatchingCampaign{},
		&MatchingContribution{},
		&AdView{},
	}
}
