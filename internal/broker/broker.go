// Package broker defines the read-only interfaces through which the engine
// consumes upstream data: deal history and account snapshots from the
// broker bridge, plus rebates and client investments. Nothing here writes
// back upstream.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fidus/capital-engine/internal/model"
)

var (
	ErrAccountNotFound  = errors.New("broker: account not found")
	ErrSnapshotNotFound = errors.New("broker: snapshot not found")
)

// Window bounds a deal history query. A zero From or To is open-ended.
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether t falls inside the window (From inclusive, To exclusive).
func (w Window) Contains(t time.Time) bool {
	if !w.From.IsZero() && t.Before(w.From) {
		return false
	}
	if !w.To.IsZero() && !t.Before(w.To) {
		return false
	}
	return true
}

// Snapshot is the externally refreshed balance/equity of an account.
type Snapshot struct {
	AccountNumber int64           `json:"account_number"`
	Balance       decimal.Decimal `json:"balance"`
	Equity        decimal.Decimal `json:"equity"`
	At            time.Time       `json:"at"`
}

// DealSource returns an account's deal history for a window.
type DealSource interface {
	Deals(ctx context.Context, account int64, w Window) ([]model.DealRecord, error)
}

// SnapshotSource returns the latest account snapshot. Implementations must
// not cache: callers rely on reading equity fresh at calculation time.
type SnapshotSource interface {
	Snapshot(ctx context.Context, account int64) (Snapshot, error)
}

// RebateSource returns broker rebates accrued for a fund.
type RebateSource interface {
	Rebates(ctx context.Context, fundCode string) ([]model.BrokerRebate, error)
}

// InvestmentSource returns a fund's active client investments.
type InvestmentSource interface {
	ActiveInvestments(ctx context.Context, fundCode string) ([]model.Investment, error)
}

// Source bundles every upstream feed the batch needs.
type Source interface {
	DealSource
	SnapshotSource
	RebateSource
	InvestmentSource
}
