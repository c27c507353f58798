package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fidus/capital-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[int64]*model.TradingAccount
	commands []model.OperatorCommand
	funds    map[string]*model.AllocationState
	history  map[string][]model.AllocationHistoryEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[int64]*model.TradingAccount),
		funds:    make(map[string]*model.AllocationState),
		history:  make(map[string][]model.AllocationHistoryEntry),
	}
}

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.TradingAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[a.AccountNumber]; ok {
		return fmt.Errorf("account %d: %w", a.AccountNumber, ErrDuplicate)
	}
	cp := copyAccount(*a)
	s.accounts[a.AccountNumber] = &cp
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, number int64) (*model.TradingAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[number]
	if !ok {
		return nil, fmt.Errorf("account %d: %w", number, ErrNotFound)
	}
	cp := copyAccount(*a)
	return &cp, nil
}

func (s *MemoryStore) ListAccounts(_ context.Context) ([]model.TradingAccount, error) {
	return s.listAccounts(func(model.TradingAccount) bool { return true }), nil
}

func (s *MemoryStore) ListAccountsByFund(_ context.Context, fundCode string) ([]model.TradingAccount, error) {
	return s.listAccounts(func(a model.TradingAccount) bool { return a.FundCode == fundCode }), nil
}

func (s *MemoryStore) listAccounts(keep func(model.TradingAccount) bool) []model.TradingAccount {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.TradingAccount, 0, len(s.accounts))
	for _, a := range s.accounts {
		if keep(*a) {
			out = append(out, copyAccount(*a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountNumber < out[j].AccountNumber })
	return out
}

func (s *MemoryStore) UpdateSnapshot(_ context.Context, number int64, balance, equity decimal.Decimal, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[number]
	if !ok {
		return fmt.Errorf("account %d: %w", number, ErrNotFound)
	}
	a.Balance = balance
	a.Equity = equity
	a.SnapshotAt = at
	return nil
}

func (s *MemoryStore) ApplyOperatorCommand(_ context.Context, cmd *model.OperatorCommand, account *model.TradingAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.accounts[account.AccountNumber]
	switch {
	case cmd.Kind == model.CommandOnboard && ok:
		return fmt.Errorf("account %d: %w", account.AccountNumber, ErrDuplicate)
	case cmd.Kind != model.CommandOnboard && !ok:
		return fmt.Errorf("account %d: %w", account.AccountNumber, ErrNotFound)
	}

	next := copyAccount(*account)
	if ok {
		// Only owned fields change; snapshot data stays as observed.
		next.Balance, next.Equity, next.SnapshotAt = existing.Balance, existing.Equity, existing.SnapshotAt
	}
	s.accounts[account.AccountNumber] = &next
	s.commands = append(s.commands, copyCommand(*cmd))
	return nil
}

func (s *MemoryStore) ListOperatorCommands(_ context.Context, number int64) ([]model.OperatorCommand, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.OperatorCommand
	for _, c := range s.commands {
		if number == 0 || c.AccountNumber == number {
			out = append(out, copyCommand(c))
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateFund(_ context.Context, state *model.AllocationState, entry *model.AllocationHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.funds[state.FundCode]; ok {
		return fmt.Errorf("fund %s: %w", state.FundCode, ErrDuplicate)
	}
	cp := state.Clone()
	s.funds[state.FundCode] = &cp
	s.history[state.FundCode] = append(s.history[state.FundCode], copyEntry(*entry))
	return nil
}

func (s *MemoryStore) GetAllocationState(_ context.Context, fundCode string) (*model.AllocationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.funds[fundCode]
	if !ok {
		return nil, fmt.Errorf("fund %s: %w", fundCode, ErrNotFound)
	}
	cp := st.Clone()
	return &cp, nil
}

func (s *MemoryStore) ListFunds(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	codes := make([]string, 0, len(s.funds))
	for code := range s.funds {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes, nil
}

func (s *MemoryStore) CommitAllocation(_ context.Context, next *model.AllocationState, entry *model.AllocationHistoryEntry, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.funds[next.FundCode]
	if !ok {
		return fmt.Errorf("fund %s: %w", next.FundCode, ErrNotFound)
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("fund %s at version %d, expected %d: %w", next.FundCode, cur.Version, expectedVersion, ErrVersionConflict)
	}
	cp := next.Clone()
	s.funds[next.FundCode] = &cp
	s.history[next.FundCode] = append(s.history[next.FundCode], copyEntry(*entry))
	return nil
}

func (s *MemoryStore) ListAllocationHistory(_ context.Context, fundCode string) ([]model.AllocationHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := s.history[fundCode]
	out := make([]model.AllocationHistoryEntry, len(h))
	for i, e := range h {
		out[i] = copyEntry(e)
	}
	return out, nil
}

// --- Copy helpers (avoid sharing pointers and maps with callers) ---

func copyAccount(a model.TradingAccount) model.TradingAccount {
	if a.InitialAllocation != nil {
		v := *a.InitialAllocation
		a.InitialAllocation = &v
	}
	return a
}

func copyCommand(c model.OperatorCommand) model.OperatorCommand {
	if c.FromAmount != nil {
		v := *c.FromAmount
		c.FromAmount = &v
	}
	if c.ToAmount != nil {
		v := *c.ToAmount
		c.ToAmount = &v
	}
	return c
}

func copyEntry(e model.AllocationHistoryEntry) model.AllocationHistoryEntry {
	if e.Distribution != nil {
		dist := make(map[int64]decimal.Decimal, len(e.Distribution))
		for k, v := range e.Distribution {
			dist[k] = v
		}
		e.Distribution = dist
	}
	return e
}
