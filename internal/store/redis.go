package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/fidus/capital-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Only owned state is cached. Balance and equity snapshots are passed
// through so equity is never served stale from here.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateFund(ctx context.Context, st *model.AllocationState, entry *model.AllocationHistoryEntry) error {
	if err := s.primary.CreateFund(ctx, st, entry); err != nil {
		return err
	}
	s.rdb.Del(ctx, stateKey(st.FundCode), historyKey(st.FundCode), fundsKey)
	return nil
}

func (s *CachedStore) CommitAllocation(ctx context.Context, next *model.AllocationState, entry *model.AllocationHistoryEntry, expectedVersion int64) error {
	if err := s.primary.CommitAllocation(ctx, next, entry, expectedVersion); err != nil {
		return err
	}
	// Invalidate; next read will re-populate.
	s.rdb.Del(ctx, stateKey(next.FundCode), historyKey(next.FundCode))
	return nil
}

func (s *CachedStore) ApplyOperatorCommand(ctx context.Context, cmd *model.OperatorCommand, account *model.TradingAccount) error {
	if err := s.primary.ApplyOperatorCommand(ctx, cmd, account); err != nil {
		return err
	}
	s.rdb.Del(ctx, commandsKey(cmd.AccountNumber), commandsKey(0))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAllocationState(ctx context.Context, fundCode string) (*model.AllocationState, error) {
	var st model.AllocationState
	if s.get(ctx, stateKey(fundCode), &st) {
		return &st, nil
	}

	// Cache miss: read from primary.
	fresh, err := s.primary.GetAllocationState(ctx, fundCode)
	if err != nil {
		return nil, err
	}
	s.set(ctx, stateKey(fundCode), fresh)
	return fresh, nil
}

func (s *CachedStore) ListAllocationHistory(ctx context.Context, fundCode string) ([]model.AllocationHistoryEntry, error) {
	var entries []model.AllocationHistoryEntry
	if s.get(ctx, historyKey(fundCode), &entries) {
		return entries, nil
	}

	entries, err := s.primary.ListAllocationHistory(ctx, fundCode)
	if err != nil {
		return nil, err
	}
	s.set(ctx, historyKey(fundCode), entries)
	return entries, nil
}

func (s *CachedStore) ListFunds(ctx context.Context) ([]string, error) {
	var codes []string
	if s.get(ctx, fundsKey, &codes) {
		return codes, nil
	}

	codes, err := s.primary.ListFunds(ctx)
	if err != nil {
		return nil, err
	}
	s.set(ctx, fundsKey, codes)
	return codes, nil
}

func (s *CachedStore) ListOperatorCommands(ctx context.Context, number int64) ([]model.OperatorCommand, error) {
	var cmds []model.OperatorCommand
	if s.get(ctx, commandsKey(number), &cmds) {
		return cmds, nil
	}

	cmds, err := s.primary.ListOperatorCommands(ctx, number)
	if err != nil {
		return nil, err
	}
	s.set(ctx, commandsKey(number), cmds)
	return cmds, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) CreateAccount(ctx context.Context, a *model.TradingAccount) error {
	return s.primary.CreateAccount(ctx, a)
}

func (s *CachedStore) GetAccount(ctx context.Context, number int64) (*model.TradingAccount, error) {
	return s.primary.GetAccount(ctx, number)
}

func (s *CachedStore) ListAccounts(ctx context.Context) ([]model.TradingAccount, error) {
	return s.primary.ListAccounts(ctx)
}

func (s *CachedStore) ListAccountsByFund(ctx context.Context, fundCode string) ([]model.TradingAccount, error) {
	return s.primary.ListAccountsByFund(ctx, fundCode)
}

func (s *CachedStore) UpdateSnapshot(ctx context.Context, number int64, balance, equity decimal.Decimal, at time.Time) error {
	return s.primary.UpdateSnapshot(ctx, number, balance, equity, at)
}

// --- Cache helpers ---

func (s *CachedStore) get(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) set(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

const fundsKey = "capital:funds"

func stateKey(fund string) string   { return fmt.Sprintf("capital:alloc:%s", fund) }
func historyKey(fund string) string { return fmt.Sprintf("capital:history:%s", fund) }
func commandsKey(n int64) string    { return fmt.Sprintf("capital:commands:%d", n) }
