package ledger

import (
	"context"
	"fmt"

	"github.com/WanderlustCoder/Deluge-sub008/internal/model"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// AuditReport is the result of replaying an account's log.
type AuditReport struct {
	OwnerID    string
	Entries    int
	Replayed   decimal.Decimal
	Balance    decimal.Decimal
	Violations []string
}

func (r AuditReport) OK() bool { return len(r.Violations) == 0 }

// Audit replays the owner's entries and checks them against the account:
// every balanceAfter must equal the running total, the sequence must be
// gapless, and balance == inflow - outflow == sum of entries.
func (l *Ledger) Audit(ctx context.Context, ownerID string) (AuditReport, error) {
	report := AuditReport{OwnerID: ownerID}

	acct, err := l.accounts.GetByOwner(ctx, ownerID)
	if err != nil {
		return report, model.Internal("ledger.audit", err)
	}
	if acct == nil {
		return report, nil
	}
	entries, err := l.accounts.Entries(ctx, acct.ID)
	if err != nil {
		return report, model.Internal("ledger.audit", err)
	}

	report.Entries = len(entries)
	report.Balance = acct.Balance
	report.Violations = Replay(acct, entries)
	for _, e := range entries {
		report.Replayed = report.Replayed.Add(e.Amount)
	}
	return report, nil
}

// Replay checks entries, ordered by sequence, against acct.
func Replay(acct *model.LedgerAccount, entries []model.LedgerEntry) []string {
	var violations []string
	running := decimal.Zero
	inflow, outflow := decimal.Zero, decimal.Zero

	for i, e := range entries {
		if want := int64(i + 1); e.Sequence != want {
			violations = append(violations, fmt.Sprintf("entry %s: sequence %d, want %d", e.ID, e.Sequence, want))
		}
		running = running.Add(e.Amount)
		if e.Amount.IsPositive() {
			inflow = inflow.Add(e.Amount)
		} else {
			outflow = outflow.Add(e.Amount.Neg())
		}
		if !running.Equal(e.BalanceAfter) {
			violations = append(violations, fmt.Sprintf("entry %s: balance_after %s, replayed %s",
				e.ID, e.BalanceAfter.String(), running.String()))
		}
	}

	if !acct.Balance.Equal(acct.TotalInflow.Sub(acct.TotalOutflow)) {
		violations = append(violations, fmt.Sprintf("balance %s != inflow %s - outflow %s",
			acct.Balance.String(), acct.TotalInflow.String(), acct.TotalOutflow.String()))
	}
	if !acct.Balance.Equal(running) {
		violations = append(violations, fmt.Sprintf("balance %s != replayed %s", acct.Balance.String(), running.String()))
	}
	if !acct.TotalInflow.Equal(inflow) || !acct.TotalOutflow.Equal(outflow) {
		violations = append(violations, "account totals do not match entries")
	}
	if acct.Version != int64(len(entries)) {
		violations = append(violations, fmt.Sprintf("version %d != %d entries", acct.Version, len(entries)))
	}
	return violations
}

// AuditAll audits every account, pageSize accounts at a time, and returns
// the reports that found violations.
func (l *Ledger) AuditAll(ctx context.Context, pageSize int) ([]AuditReport, error) {
	total, err := l.accounts.Count(ctx)
	if err != nil {
		return nil, model.Internal("ledger.audit_all", err)
	}

	var failed []AuditReport
	for offset := 0; int64(offset) < total; offset += pageSize {
		accounts, err := l.accounts.List(ctx, pageSize, offset)
		if err != nil {
			return failed, model.Internal("ledger.audit_all", err)
		}
		if len(accounts) == 0 {
			break
		}

		for i := range accounts {
			acct := &accounts[i]
			entries, err := l.accounts.Entries(ctx, acct.ID)
			if err != nil {
				return failed, model.Internal("ledger.audit_all", err)
			}
			if v := Replay(acct, entries); len(v) > 0 {
				failed = append(failed, AuditReport{
					OwnerID:    acct.OwnerID,
					Entries:    len(entries),
					Balance:    acct.Balance,
					Violations: v,
				})
			}
		}
	}

	l.log.WithFields(logrus.Fields{
		"accounts": total,
		"failed":   len(failed),
	}).Info("ledger audit completed")

	return failed, nil
}
