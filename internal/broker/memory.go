package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fidus/capital-engine/internal/model"
)

// MemorySource is an in-memory Source for tests and local runs.
type MemorySource struct {
	mu          sync.RWMutex
	deals       map[int64][]model.DealRecord
	snapshots   map[int64]Snapshot
	rebates     []model.BrokerRebate
	investments []model.Investment
}

// NewMemorySource creates an empty in-memory source.
func NewMemorySource() *MemorySource {
	return &MemorySource{
		deals:     make(map[int64][]model.DealRecord),
		snapshots: make(map[int64]Snapshot),
	}
}

// AddDeals appends deal records to their accounts' histories.
func (m *MemorySource) AddDeals(deals ...model.DealRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range deals {
		m.deals[d.AccountNumber] = append(m.deals[d.AccountNumber], d)
	}
}

// SetSnapshot replaces an account's latest snapshot.
func (m *MemorySource) SetSnapshot(s Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[s.AccountNumber] = s
}

// AddRebates records accrued broker rebates.
func (m *MemorySource) AddRebates(r ...model.BrokerRebate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rebates = append(m.rebates, r...)
}

// AddInvestments records client investments.
func (m *MemorySource) AddInvestments(inv ...model.Investment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.investments = append(m.investments, inv...)
}

func (m *MemorySource) Deals(_ context.Context, account int64, w Window) ([]model.DealRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all, ok := m.deals[account]
	if !ok {
		if _, known := m.snapshots[account]; !known {
			return nil, fmt.Errorf("deals for %d: %w", account, ErrAccountNotFound)
		}
	}
	out := make([]model.DealRecord, 0, len(all))
	for _, d := range all {
		if w.Contains(d.Timestamp) {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *MemorySource) Snapshot(_ context.Context, account int64) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.snapshots[account]
	if !ok {
		return Snapshot{}, fmt.Errorf("account %d: %w", account, ErrSnapshotNotFound)
	}
	return s, nil
}

func (m *MemorySource) Rebates(_ context.Context, fundCode string) ([]model.BrokerRebate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.BrokerRebate
	for _, r := range m.rebates {
		if r.FundCode == fundCode {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MemorySource) ActiveInvestments(_ context.Context, fundCode string) ([]model.Investment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Investment
	for _, inv := range m.investments {
		if inv.FundCode == fundCode && inv.Active {
			out = append(out, inv)
		}
	}
	return out, nil
}
