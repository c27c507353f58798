// Package allocation is the fund capital allocation ledger: it divides a
// fund's fixed total capital among managers, records realized outcomes,
// and keeps an immutable history from which state can be replayed.
//
// Writes are serialized per fund by a Locker and guarded by an optimistic
// version check in the store, so a commit either fully applies (state and
// exactly one history entry) or changes nothing.
package allocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fidus/capital-engine/internal/metrics"
	"github.com/fidus/capital-engine/internal/model"
	"github.com/fidus/capital-engine/internal/store"
)

var ErrFundNotFound = errors.New("allocation: fund not found")

// Publisher receives an event after each successful ledger write.
type Publisher interface {
	Publish(model.Event)
}

// Request asks to move capital between a fund's unallocated pool and a
// manager. Distribution optionally splits the amount across the fund's
// trading accounts.
type Request struct {
	Manager      string                    `json:"manager"`
	Amount       decimal.Decimal           `json:"amount"`
	Distribution map[int64]decimal.Decimal `json:"distribution,omitempty"`
	Actor        string                    `json:"actor,omitempty"`
	Note         string                    `json:"note,omitempty"`
}

// Impact is the before/after picture of a proposed allocation.
type Impact struct {
	FundCode          string                    `json:"fund_code"`
	Manager           string                    `json:"manager"`
	Amount            decimal.Decimal           `json:"amount"`
	UnallocatedBefore decimal.Decimal           `json:"unallocated_before"`
	UnallocatedAfter  decimal.Decimal           `json:"unallocated_after"`
	AllocatedBefore   decimal.Decimal           `json:"allocated_before"`
	AllocatedAfter    decimal.Decimal           `json:"allocated_after"`
	ManagerBefore     decimal.Decimal           `json:"manager_before"`
	ManagerAfter      decimal.Decimal           `json:"manager_after"`
	Distribution      map[int64]decimal.Decimal `json:"distribution,omitempty"`
}

// Preview is the read-only result of validating a request.
type Preview struct {
	Impact Impact           `json:"impact"`
	Valid  bool             `json:"valid"`
	Errors ValidationErrors `json:"errors,omitempty"`
}

// Ledger manages allocation state for every fund.
type Ledger struct {
	store     store.Store
	locker    Locker
	publisher Publisher
	now       func() time.Time
}

// NewLedger creates a ledger. A nil locker selects an in-process
// LocalLocker; pub may be nil.
func NewLedger(st store.Store, locker Locker, pub Publisher) *Ledger {
	if locker == nil {
		locker = NewLocalLocker()
	}
	return &Ledger{
		store:     st,
		locker:    locker,
		publisher: pub,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source. Used in tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// CreateFund opens a fund with a fixed total capital, all of it unallocated.
func (l *Ledger) CreateFund(ctx context.Context, fundCode string, totalCapital decimal.Decimal, actor string) (*model.AllocationState, error) {
	var errs ValidationErrors
	if strings.TrimSpace(fundCode) == "" {
		errs.add("fund_code", "required")
	}
	if !totalCapital.IsPositive() {
		errs.add("total_capital", "must be positive, got %s", totalCapital)
	}
	if len(errs) > 0 {
		return nil, errs
	}

	now := l.now()
	st := &model.AllocationState{
		FundCode:           fundCode,
		TotalCapital:       totalCapital,
		AllocatedCapital:   decimal.Zero,
		UnallocatedCapital: totalCapital,
		ManagerAllocations: map[string]decimal.Decimal{},
		ManagerResults:     map[string]decimal.Decimal{},
		Version:            1,
		UpdatedAt:          now,
	}
	entry := &model.AllocationHistoryEntry{
		ID:        uuid.New().String(),
		FundCode:  fundCode,
		Timestamp: now,
		Action:    model.ActionFundCreated,
		Amount:    totalCapital,
		Actor:     actor,
		Version:   1,
	}
	if err := l.store.CreateFund(ctx, st, entry); err != nil {
		return nil, fmt.Errorf("create fund %s: %w", fundCode, err)
	}

	slog.Info("fund created", "fund", fundCode, "total_capital", totalCapital.String(), "actor", actor)
	l.publish(entry)
	return st, nil
}

// State returns a fund's current allocation state.
func (l *Ledger) State(ctx context.Context, fundCode string) (*model.AllocationState, error) {
	st, err := l.store.GetAllocationState(ctx, fundCode)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrFundNotFound, fundCode)
	}
	return st, err
}

// Funds lists every fund with allocation state.
func (l *Ledger) Funds(ctx context.Context) ([]string, error) {
	return l.store.ListFunds(ctx)
}

// History returns a fund's immutable history, oldest first.
func (l *Ledger) History(ctx context.Context, fundCode string) ([]model.AllocationHistoryEntry, error) {
	if _, err := l.State(ctx, fundCode); err != nil {
		return nil, err
	}
	return l.store.ListAllocationHistory(ctx, fundCode)
}

// Preview validates an allocation against current state without locking or
// writing anything. A rejected request is reported in Preview.Errors; the
// returned error is only for lookup failures.
func (l *Ledger) Preview(ctx context.Context, fundCode string, req Request) (Preview, error) {
	st, err := l.State(ctx, fundCode)
	if err != nil {
		return Preview{}, err
	}
	accounts, err := l.fundAccounts(ctx, fundCode)
	if err != nil {
		return Preview{}, err
	}

	errs := validateAllocate(st, accounts, req)
	before := st.ManagerAllocations[req.Manager]
	impact := Impact{
		FundCode:          fundCode,
		Manager:           req.Manager,
		Amount:            req.Amount,
		UnallocatedBefore: st.UnallocatedCapital,
		UnallocatedAfter:  st.UnallocatedCapital.Sub(req.Amount),
		AllocatedBefore:   st.AllocatedCapital,
		AllocatedAfter:    st.AllocatedCapital.Add(req.Amount),
		ManagerBefore:     before,
		ManagerAfter:      before.Add(req.Amount),
		Distribution:      req.Distribution,
	}
	return Preview{Impact: impact, Valid: len(errs) == 0, Errors: errs}, nil
}

// Commit re-validates the request against fresh state under the fund lock
// and applies it. On any error the stored state and history are unchanged.
func (l *Ledger) Commit(ctx context.Context, fundCode string, req Request) (*model.AllocationHistoryEntry, error) {
	return l.write(ctx, fundCode, model.ActionAllocate, func(st *model.AllocationState, accounts map[int64]bool) (*model.AllocationHistoryEntry, ValidationErrors) {
		if errs := validateAllocate(st, accounts, req); len(errs) > 0 {
			return nil, errs
		}
		st.ManagerAllocations[req.Manager] = st.ManagerAllocations[req.Manager].Add(req.Amount)
		if _, ok := st.ManagerResults[req.Manager]; !ok {
			st.ManagerResults[req.Manager] = decimal.Zero
		}
		st.AllocatedCapital = st.AllocatedCapital.Add(req.Amount)
		st.UnallocatedCapital = st.UnallocatedCapital.Sub(req.Amount)
		return &model.AllocationHistoryEntry{
			Manager:      req.Manager,
			Amount:       req.Amount,
			Distribution: req.Distribution,
			Actor:        req.Actor,
			Note:         req.Note,
		}, nil
	})
}

// Deallocate returns capital from a manager to the fund's unallocated pool.
func (l *Ledger) Deallocate(ctx context.Context, fundCode string, req Request) (*model.AllocationHistoryEntry, error) {
	return l.write(ctx, fundCode, model.ActionDeallocate, func(st *model.AllocationState, accounts map[int64]bool) (*model.AllocationHistoryEntry, ValidationErrors) {
		if errs := validateDeallocate(st, accounts, req); len(errs) > 0 {
			return nil, errs
		}
		st.ManagerAllocations[req.Manager] = st.ManagerAllocations[req.Manager].Sub(req.Amount)
		st.AllocatedCapital = st.AllocatedCapital.Sub(req.Amount)
		st.UnallocatedCapital = st.UnallocatedCapital.Add(req.Amount)
		return &model.AllocationHistoryEntry{
			Manager:      req.Manager,
			Amount:       req.Amount.Neg(),
			Distribution: req.Distribution,
			Actor:        req.Actor,
			Note:         req.Note,
		}, nil
	})
}

// RecordOutcome books a realized gain (positive) or loss (negative) against
// a manager. Only ManagerResults changes; allocated capital is untouched.
func (l *Ledger) RecordOutcome(ctx context.Context, fundCode, manager string, gainOrLoss decimal.Decimal, actor, note string) (*model.AllocationHistoryEntry, error) {
	return l.write(ctx, fundCode, model.ActionOutcome, func(st *model.AllocationState, _ map[int64]bool) (*model.AllocationHistoryEntry, ValidationErrors) {
		if errs := validateOutcome(st, manager, gainOrLoss); len(errs) > 0 {
			return nil, errs
		}
		st.ManagerResults[manager] = st.ManagerResults[manager].Add(gainOrLoss)
		return &model.AllocationHistoryEntry{
			Manager: manager,
			Amount:  gainOrLoss,
			Actor:   actor,
			Note:    note,
		}, nil
	})
}

// Verify replays a fund's history and compares the result with the stored
// state.
func (l *Ledger) Verify(ctx context.Context, fundCode string) error {
	st, err := l.State(ctx, fundCode)
	if err != nil {
		return err
	}
	entries, err := l.store.ListAllocationHistory(ctx, fundCode)
	if err != nil {
		return err
	}
	replayed, err := Replay(entries)
	if err != nil {
		return err
	}
	return compareStates(st, &replayed)
}

type mutation func(st *model.AllocationState, accounts map[int64]bool) (*model.AllocationHistoryEntry, ValidationErrors)

// write runs one ledger transition: lock, load fresh state, mutate a clone
// in memory, check invariants, then persist state and entry in one store call.
func (l *Ledger) write(ctx context.Context, fundCode string, action model.AllocationAction, mutate mutation) (*model.AllocationHistoryEntry, error) {
	start := time.Now()
	defer func() {
		metrics.AllocationLatency.WithLabelValues(string(action)).Observe(time.Since(start).Seconds())
	}()

	unlock, err := l.locker.Lock(ctx, fundCode)
	if err != nil {
		metrics.AllocationCommits.WithLabelValues(string(action), "error").Inc()
		return nil, fmt.Errorf("lock fund %s: %w", fundCode, err)
	}
	defer unlock()

	cur, err := l.State(ctx, fundCode)
	if err != nil {
		metrics.AllocationCommits.WithLabelValues(string(action), "error").Inc()
		return nil, err
	}
	accounts, err := l.fundAccounts(ctx, fundCode)
	if err != nil {
		metrics.AllocationCommits.WithLabelValues(string(action), "error").Inc()
		return nil, err
	}

	next := cur.Clone()
	entry, errs := mutate(&next, accounts)
	if len(errs) > 0 {
		metrics.AllocationCommits.WithLabelValues(string(action), "invalid").Inc()
		slog.Warn("allocation rejected", "fund", fundCode, "action", action, "err", errs.Error())
		return nil, errs
	}
	if err := checkState(&next); err != nil {
		metrics.AllocationCommits.WithLabelValues(string(action), "invalid").Inc()
		return nil, err
	}

	now := l.now()
	next.Version = cur.Version + 1
	next.UpdatedAt = now
	entry.ID = uuid.New().String()
	entry.FundCode = fundCode
	entry.Timestamp = now
	entry.Action = action
	entry.Version = next.Version

	if err := l.store.CommitAllocation(ctx, &next, entry, cur.Version); err != nil {
		outcome := "error"
		if errors.Is(err, store.ErrVersionConflict) {
			outcome = "conflict"
		}
		metrics.AllocationCommits.WithLabelValues(string(action), outcome).Inc()
		return nil, fmt.Errorf("commit %s on fund %s: %w", action, fundCode, err)
	}
	metrics.AllocationCommits.WithLabelValues(string(action), "ok").Inc()

	slog.Info("allocation committed",
		"fund", fundCode,
		"action", action,
		"manager", entry.Manager,
		"amount", entry.Amount.String(),
		"unallocated", next.UnallocatedCapital.String(),
		"version", next.Version,
		"actor", entry.Actor,
	)
	l.publish(entry)
	return entry, nil
}

func (l *Ledger) fundAccounts(ctx context.Context, fundCode string) (map[int64]bool, error) {
	accounts, err := l.store.ListAccountsByFund(ctx, fundCode)
	if err != nil {
		return nil, fmt.Errorf("list accounts of fund %s: %w", fundCode, err)
	}
	set := make(map[int64]bool, len(accounts))
	for _, a := range accounts {
		set[a.AccountNumber] = true
	}
	return set, nil
}

func (l *Ledger) publish(e *model.AllocationHistoryEntry) {
	if l.publisher == nil {
		return
	}
	l.publisher.Publish(model.Event{
		Type:     "allocation_" + string(e.Action),
		FundCode: e.FundCode,
		Manager:  e.Manager,
		Amount:   e.Amount.String(),
		Version:  e.Version,
		Actor:    e.Actor,
		At:       e.Timestamp,
	})
}
