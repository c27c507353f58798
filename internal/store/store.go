// Package store defines the persistence interface for the state the capital
// engine owns: account tagging, operator command audit log, fund allocation
// state and allocation history. Implementations include PostgreSQL (source
// of truth), Redis (read-through cache) and in-memory (for testing).
//
// Upstream data (deal history, snapshots, investments) is never stored here.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fidus/capital-engine/internal/model"
)

var (
	ErrNotFound        = errors.New("store: not found")
	ErrDuplicate       = errors.New("store: already exists")
	ErrVersionConflict = errors.New("store: allocation state was modified concurrently")
)

// Store is the persistence interface.
type Store interface {
	// --- Accounts ---

	// CreateAccount registers an account without an audit record. Used for
	// seeding from the account registry.
	CreateAccount(ctx context.Context, account *model.TradingAccount) error

	// GetAccount retrieves an account by broker account number.
	GetAccount(ctx context.Context, number int64) (*model.TradingAccount, error)

	// ListAccounts returns every account ordered by account number.
	ListAccounts(ctx context.Context) ([]model.TradingAccount, error)

	// ListAccountsByFund returns a fund's accounts ordered by account number.
	ListAccountsByFund(ctx context.Context, fundCode string) ([]model.TradingAccount, error)

	// UpdateSnapshot caches the last observed balance and equity.
	UpdateSnapshot(ctx context.Context, number int64, balance, equity decimal.Decimal, at time.Time) error

	// --- Operator commands ---

	// ApplyOperatorCommand writes the account's owned fields (capital source,
	// override flag, initial allocation) and appends cmd to the audit log in
	// one atomic step. An onboard command requires the account to be new;
	// every other kind requires it to exist.
	ApplyOperatorCommand(ctx context.Context, cmd *model.OperatorCommand, account *model.TradingAccount) error

	// ListOperatorCommands returns the audit log for one account, or for all
	// accounts when number is 0, oldest first.
	ListOperatorCommands(ctx context.Context, number int64) ([]model.OperatorCommand, error)

	// --- Allocation ledger ---

	// CreateFund persists a fund's initial allocation state together with
	// its fund_created history entry.
	CreateFund(ctx context.Context, state *model.AllocationState, entry *model.AllocationHistoryEntry) error

	// GetAllocationState returns the current state of a fund.
	GetAllocationState(ctx context.Context, fundCode string) (*model.AllocationState, error)

	// ListFunds returns every fund code with allocation state, sorted.
	ListFunds(ctx context.Context) ([]string, error)

	// CommitAllocation replaces a fund's state and appends one history entry
	// atomically, provided the stored version still equals expectedVersion.
	// Otherwise it returns ErrVersionConflict and changes nothing.
	CommitAllocation(ctx context.Context, next *model.AllocationState, entry *model.AllocationHistoryEntry, expectedVersion int64) error

	// ListAllocationHistory returns a fund's immutable history, oldest first.
	ListAllocationHistory(ctx context.Context, fundCode string) ([]model.AllocationHistoryEntry, error)
}
