package pnl

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fidus/capital-engine/internal/broker"
	"github.com/fidus/capital-engine/internal/model"
)

// ReturnScale is the number of decimal places kept on return percentages.
const ReturnScale int32 = 4

var hundred = decimal.NewFromInt(100)

// Calculator computes true P&L. Equity is read from the snapshot source on
// every call and never cached between calls.
type Calculator struct {
	snapshots broker.SnapshotSource
	freshness time.Duration
	now       func() time.Time
}

// NewCalculator creates a calculator. A zero freshness disables staleness
// tagging.
func NewCalculator(snapshots broker.SnapshotSource, freshness time.Duration) *Calculator {
	return &Calculator{
		snapshots: snapshots,
		freshness: freshness,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the calculator's clock (used by tests and replays).
func (c *Calculator) WithClock(now func() time.Time) *Calculator {
	c.now = now
	return c
}

// Calculate reads the account's current equity and computes its P&L
// against the basis: the operator-set initial allocation when present,
// otherwise reconstructed net deposits.
func (c *Calculator) Calculate(ctx context.Context, account model.TradingAccount, nd model.NetDepositResult) (model.AccountPnL, error) {
	snap, err := c.snapshots.Snapshot(ctx, account.AccountNumber)
	if err != nil {
		return model.AccountPnL{}, fmt.Errorf("snapshot for account %d: %w", account.AccountNumber, err)
	}
	return c.FromSnapshot(account, nd, snap), nil
}

// FromSnapshot computes P&L against a snapshot the caller already read,
// tagging it stale when it is older than the configured freshness.
func (c *Calculator) FromSnapshot(account model.TradingAccount, nd model.NetDepositResult, snap broker.Snapshot) model.AccountPnL {
	res := Compute(account, nd, snap.Equity)
	res.SnapshotAt = snap.At
	if c.freshness > 0 && c.now().Sub(snap.At) > c.freshness {
		res.Stale = true
		res.Anomalies = append(res.Anomalies, model.AnomalyStaleSnapshot)
	}
	return res
}

// Compute is the pure P&L formula:
//
//	true_pnl = equity − basis
//	return%  = true_pnl / basis × 100   (0 when basis is 0)
//
// Anomalous inputs are flagged, never rejected.
func Compute(account model.TradingAccount, nd model.NetDepositResult, equity decimal.Decimal) model.AccountPnL {
	basis, source := nd.NetDeposits, model.BasisNetDeposits
	if account.InitialAllocation != nil {
		basis, source = *account.InitialAllocation, model.BasisInitialAllocation
	}

	res := model.AccountPnL{
		AccountNumber: account.AccountNumber,
		Basis:         basis,
		BasisSource:   source,
		NetDeposits:   nd.NetDeposits,
		CurrentEquity: equity,
		TruePnL:       equity.Sub(basis),
		ReturnPercent: decimal.Zero,
	}

	for _, a := range nd.Anomalies {
		// Net-deposit anomalies only matter when net deposits are the basis;
		// deal-quality flags always carry through.
		if a == model.AnomalyNegativeNetDeposit && source != model.BasisNetDeposits {
			continue
		}
		res.Anomalies = append(res.Anomalies, a)
	}

	switch {
	case basis.IsZero():
		res.Anomalies = append(res.Anomalies, model.AnomalyZeroBasis)
	case basis.IsNegative():
		res.Anomalies = append(res.Anomalies, model.AnomalyNegativeBasis)
		res.ReturnPercent = returnPercent(res.TruePnL, basis)
	default:
		res.ReturnPercent = returnPercent(res.TruePnL, basis)
	}
	return res
}

func returnPercent(pnl, basis decimal.Decimal) decimal.Decimal {
	return pnl.Mul(hundred).DivRound(basis, ReturnScale)
}
