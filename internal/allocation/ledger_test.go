package allocation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fidus/capital-engine/internal/model"
	"github.com/fidus/capital-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recorder) Publish(e model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// conflictStore fails every commit as if another writer got there first.
type conflictStore struct {
	*store.MemoryStore
}

func (conflictStore) CommitAllocation(context.Context, *model.AllocationState, *model.AllocationHistoryEntry, int64) error {
	return store.ErrVersionConflict
}

func newEnv(t *testing.T, total float64) (*Ledger, *store.MemoryStore, *recorder) {
	t.Helper()
	ms := store.NewMemoryStore()
	ctx := context.Background()
	for _, a := range []model.TradingAccount{
		{AccountNumber: 1001, FundCode: "CORE", CapitalSource: model.SourceClient},
		{AccountNumber: 1002, FundCode: "CORE", CapitalSource: model.SourceFidusHouse},
		{AccountNumber: 2001, FundCode: "BALANCE", CapitalSource: model.SourceClient},
	} {
		a := a
		require.NoError(t, ms.CreateAccount(ctx, &a))
	}

	rec := &recorder{}
	clock := time.Date(2025, 10, 1, 9, 0, 0, 0, time.UTC)
	l := NewLedger(ms, nil, rec).WithClock(func() time.Time { return clock })
	_, err := l.CreateFund(ctx, "CORE", d(total), "ops")
	require.NoError(t, err)
	return l, ms, rec
}

func history(t *testing.T, l *Ledger, fund string) []model.AllocationHistoryEntry {
	t.Helper()
	h, err := l.History(context.Background(), fund)
	require.NoError(t, err)
	return h
}

func TestPreview_InsufficientCapital(t *testing.T) {
	l, _, _ := newEnv(t, 100000)
	ctx := context.Background()

	_, err := l.Commit(ctx, "CORE", Request{Manager: "alpha", Amount: d(49500)})
	require.NoError(t, err)

	p, err := l.Preview(ctx, "CORE", Request{Manager: "beta", Amount: d(100000)})
	require.NoError(t, err)
	assert.False(t, p.Valid)
	require.Len(t, p.Errors, 1)
	assert.Equal(t, "amount", p.Errors[0].Field)
	assert.Contains(t, p.Errors[0].Message, "insufficient capital")
	assert.True(t, p.Impact.UnallocatedBefore.Equal(d(50500)))
	assert.True(t, p.Impact.UnallocatedAfter.Equal(d(-49500)))

	assert.Len(t, history(t, l, "CORE"), 2, "preview must not write")
}

func TestCommit_AppendsExactlyOneEntry(t *testing.T) {
	l, _, rec := newEnv(t, 100000)
	ctx := context.Background()
	_, err := l.Commit(ctx, "CORE", Request{Manager: "alpha", Amount: d(49500)})
	require.NoError(t, err)
	before := history(t, l, "CORE")

	entry, err := l.Commit(ctx, "CORE", Request{
		Manager:      "beta",
		Amount:       d(10000),
		Distribution: map[int64]decimal.Decimal{1001: d(6000), 1002: d(4000)},
		Actor:        "ops",
	})
	require.NoError(t, err)

	after := history(t, l, "CORE")
	require.Len(t, after, len(before)+1)
	assert.Equal(t, entry.ID, after[len(after)-1].ID)
	assert.Equal(t, model.ActionAllocate, entry.Action)
	assert.Equal(t, int64(3), entry.Version)

	st, err := l.State(ctx, "CORE")
	require.NoError(t, err)
	assert.True(t, st.UnallocatedCapital.Equal(d(40500)))
	assert.True(t, st.AllocatedCapital.Equal(d(59500)))
	assert.True(t, st.ManagerAllocations["beta"].Equal(d(10000)))
	assert.NoError(t, checkState(st))

	require.Len(t, rec.events, 3)
	assert.Equal(t, "allocation_allocate", rec.events[2].Type)
}

func TestCommit_RejectionLeavesStateUnchanged(t *testing.T) {
	tests := []struct {
		name   string
		req    Request
		fields []string
	}{
		{"insufficient", Request{Manager: "alpha", Amount: d(100001)}, []string{"amount"}},
		{"empty manager", Request{Amount: d(10)}, []string{"manager"}},
		{"non-positive", Request{Manager: "alpha", Amount: d(0)}, []string{"amount"}},
		{"distribution sum", Request{Manager: "alpha", Amount: d(100),
			Distribution: map[int64]decimal.Decimal{1001: d(60)}}, []string{"distribution"}},
		{"account outside fund", Request{Manager: "alpha", Amount: d(100),
			Distribution: map[int64]decimal.Decimal{1001: d(50), 2001: d(50)}}, []string{"distribution[2001]"}},
		{"itemized", Request{Amount: d(-5),
			Distribution: map[int64]decimal.Decimal{9999: d(-5)}}, []string{"manager", "amount", "distribution[9999]", "distribution[9999]"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, _, _ := newEnv(t, 100000)
			ctx := context.Background()
			before, err := l.State(ctx, "CORE")
			require.NoError(t, err)

			_, err = l.Commit(ctx, "CORE", tt.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidation)

			var verrs ValidationErrors
			require.True(t, errors.As(err, &verrs))
			fields := make([]string, len(verrs))
			for i, v := range verrs {
				fields[i] = v.Field
			}
			assert.Equal(t, tt.fields, fields)

			after, err := l.State(ctx, "CORE")
			require.NoError(t, err)
			assert.Equal(t, before.Version, after.Version)
			assert.True(t, after.UnallocatedCapital.Equal(before.UnallocatedCapital))
			assert.Len(t, history(t, l, "CORE"), 1)
		})
	}
}

func TestCommit_StoreConflictChangesNothing(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	l := NewLedger(conflictStore{ms}, nil, nil)
	_, err := l.CreateFund(ctx, "CORE", d(1000), "ops")
	require.NoError(t, err)

	_, err = l.Commit(ctx, "CORE", Request{Manager: "alpha", Amount: d(10)})
	assert.ErrorIs(t, err, store.ErrVersionConflict)

	st, err := ms.GetAllocationState(ctx, "CORE")
	require.NoError(t, err)
	assert.True(t, st.AllocatedCapital.IsZero())
	h, _ := ms.ListAllocationHistory(ctx, "CORE")
	assert.Len(t, h, 1)
}

func TestRecordOutcome_OnlyTouchesResults(t *testing.T) {
	l, _, _ := newEnv(t, 100000)
	ctx := context.Background()
	_, err := l.Commit(ctx, "CORE", Request{Manager: "alpha", Amount: d(25000)})
	require.NoError(t, err)

	_, err = l.RecordOutcome(ctx, "CORE", "alpha", d(1250.5), "ops", "september close")
	require.NoError(t, err)
	_, err = l.RecordOutcome(ctx, "CORE", "alpha", d(-300), "ops", "")
	require.NoError(t, err)

	st, err := l.State(ctx, "CORE")
	require.NoError(t, err)
	assert.True(t, st.ManagerAllocations["alpha"].Equal(d(25000)))
	assert.True(t, st.AllocatedCapital.Equal(d(25000)))
	assert.True(t, st.ManagerResults["alpha"].Equal(d(950.5)))

	_, err = l.RecordOutcome(ctx, "CORE", "ghost", d(1), "ops", "")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = l.RecordOutcome(ctx, "CORE", "alpha", decimal.Zero, "ops", "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestDeallocate(t *testing.T) {
	l, _, _ := newEnv(t, 100000)
	ctx := context.Background()
	_, err := l.Commit(ctx, "CORE", Request{Manager: "alpha", Amount: d(30000)})
	require.NoError(t, err)

	entry, err := l.Deallocate(ctx, "CORE", Request{Manager: "alpha", Amount: d(12000)})
	require.NoError(t, err)
	assert.True(t, entry.Amount.Equal(d(-12000)))

	st, _ := l.State(ctx, "CORE")
	assert.True(t, st.ManagerAllocations["alpha"].Equal(d(18000)))
	assert.True(t, st.UnallocatedCapital.Equal(d(82000)))

	_, err = l.Deallocate(ctx, "CORE", Request{Manager: "alpha", Amount: d(18000.01)})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = l.Deallocate(ctx, "CORE", Request{Manager: "nobody", Amount: d(1)})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestReplay_MatchesStoredState(t *testing.T) {
	l, _, _ := newEnv(t, 100000)
	ctx := context.Background()
	steps := []func() error{
		func() error {
			_, err := l.Commit(ctx, "CORE", Request{Manager: "alpha", Amount: d(40000)})
			return err
		},
		func() error {
			_, err := l.Commit(ctx, "CORE", Request{Manager: "beta", Amount: d(15000.25)})
			return err
		},
		func() error {
			_, err := l.RecordOutcome(ctx, "CORE", "alpha", d(-812.4), "ops", "")
			return err
		},
		func() error {
			_, err := l.Deallocate(ctx, "CORE", Request{Manager: "alpha", Amount: d(5000)})
			return err
		},
		func() error {
			_, err := l.Commit(ctx, "CORE", Request{Manager: "alpha", Amount: d(1)})
			return err
		},
	}
	for _, step := range steps {
		require.NoError(t, step())
	}

	replayed, err := Replay(history(t, l, "CORE"))
	require.NoError(t, err)
	stored, _ := l.State(ctx, "CORE")
	assert.NoError(t, compareStates(stored, &replayed))
	assert.NoError(t, l.Verify(ctx, "CORE"))
	assert.True(t, replayed.UnallocatedCapital.Equal(d(49998.75)))
}

func TestReplay_RejectsCorruptHistory(t *testing.T) {
	_, err := Replay(nil)
	assert.ErrorIs(t, err, ErrEmptyHistory)

	_, err = Replay([]model.AllocationHistoryEntry{{Action: model.ActionAllocate, Version: 1}})
	assert.ErrorIs(t, err, ErrCorruptHistory)

	gap := []model.AllocationHistoryEntry{
		{FundCode: "CORE", Action: model.ActionFundCreated, Amount: d(100), Version: 1},
		{FundCode: "CORE", Action: model.ActionAllocate, Manager: "a", Amount: d(10), Version: 3},
	}
	_, err = Replay(gap)
	assert.ErrorIs(t, err, ErrCorruptHistory)

	overdrawn := []model.AllocationHistoryEntry{
		{FundCode: "CORE", Action: model.ActionFundCreated, Amount: d(100), Version: 1},
		{FundCode: "CORE", Action: model.ActionAllocate, Manager: "a", Amount: d(150), Version: 2},
	}
	_, err = Replay(overdrawn)
	assert.ErrorIs(t, err, ErrCorruptHistory)
}

func TestCommit_ConcurrentWritersNeverOverdraw(t *testing.T) {
	l, _, _ := newEnv(t, 100000)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Commit(ctx, "CORE", Request{Manager: "alpha", Amount: d(10000)}); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	st, _ := l.State(ctx, "CORE")
	assert.True(t, st.UnallocatedCapital.IsZero())
	assert.Len(t, history(t, l, "CORE"), 11)
	assert.NoError(t, l.Verify(ctx, "CORE"))
}

func TestCreateFund_Validation(t *testing.T) {
	l := NewLedger(store.NewMemoryStore(), nil, nil)
	ctx := context.Background()

	_, err := l.CreateFund(ctx, "", d(-1), "ops")
	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.Len(t, verrs, 2)

	_, err = l.CreateFund(ctx, "CORE", d(1), "ops")
	require.NoError(t, err)
	_, err = l.CreateFund(ctx, "CORE", d(1), "ops")
	assert.ErrorIs(t, err, store.ErrDuplicate)

	_, err = l.Preview(ctx, "GROWTH", Request{Manager: "a", Amount: d(1)})
	assert.ErrorIs(t, err, ErrFundNotFound)
}

func TestLocalLocker_RespectsContext(t *testing.T) {
	lk := NewLocalLocker()
	unlock, err := lk.Lock(context.Background(), "CORE")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = lk.Lock(ctx, "CORE")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := lk.Lock(context.Background(), "BALANCE")
	require.NoError(t, err, "locks are per fund")
	other()

	unlock()
	unlock() // idempotent
	again, err := lk.Lock(context.Background(), "CORE")
	require.NoError(t, err)
	again()
}
