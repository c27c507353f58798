package allocation

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/fidus/capital-engine/internal/model"
)

var (
	ErrEmptyHistory   = errors.New("allocation: empty history")
	ErrCorruptHistory = errors.New("allocation: history cannot be replayed")
	ErrReplayMismatch = errors.New("allocation: replayed state differs from stored state")
)

// Replay rebuilds a fund's allocation state from its history. Entries must
// start with fund_created and carry consecutive versions.
func Replay(entries []model.AllocationHistoryEntry) (model.AllocationState, error) {
	if len(entries) == 0 {
		return model.AllocationState{}, ErrEmptyHistory
	}
	first := entries[0]
	if first.Action != model.ActionFundCreated {
		return model.AllocationState{}, fmt.Errorf("%w: first entry is %s", ErrCorruptHistory, first.Action)
	}

	st := model.AllocationState{
		FundCode:           first.FundCode,
		TotalCapital:       first.Amount,
		AllocatedCapital:   decimal.Zero,
		UnallocatedCapital: first.Amount,
		ManagerAllocations: map[string]decimal.Decimal{},
		ManagerResults:     map[string]decimal.Decimal{},
		Version:            first.Version,
		UpdatedAt:          first.Timestamp,
	}

	for _, e := range entries[1:] {
		if e.FundCode != st.FundCode {
			return model.AllocationState{}, fmt.Errorf("%w: entry %s belongs to fund %s", ErrCorruptHistory, e.ID, e.FundCode)
		}
		if e.Version != st.Version+1 {
			return model.AllocationState{}, fmt.Errorf("%w: entry %s has version %d after %d", ErrCorruptHistory, e.ID, e.Version, st.Version)
		}

		switch e.Action {
		case model.ActionAllocate, model.ActionDeallocate:
			// Deallocations are recorded with a negative amount.
			st.ManagerAllocations[e.Manager] = st.ManagerAllocations[e.Manager].Add(e.Amount)
			if _, ok := st.ManagerResults[e.Manager]; !ok {
				st.ManagerResults[e.Manager] = decimal.Zero
			}
			st.AllocatedCapital = st.AllocatedCapital.Add(e.Amount)
			st.UnallocatedCapital = st.UnallocatedCapital.Sub(e.Amount)
		case model.ActionOutcome:
			st.ManagerResults[e.Manager] = st.ManagerResults[e.Manager].Add(e.Amount)
		default:
			return model.AllocationState{}, fmt.Errorf("%w: entry %s has action %q", ErrCorruptHistory, e.ID, e.Action)
		}
		st.Version = e.Version
		st.UpdatedAt = e.Timestamp
	}

	if err := checkState(&st); err != nil {
		return model.AllocationState{}, fmt.Errorf("%w: %v", ErrCorruptHistory, err)
	}
	return st, nil
}

func compareStates(stored, replayed *model.AllocationState) error {
	mismatch := func(field string, a, b any) error {
		return fmt.Errorf("%w: fund %s %s stored=%v replayed=%v", ErrReplayMismatch, stored.FundCode, field, a, b)
	}
	switch {
	case stored.Version != replayed.Version:
		return mismatch("version", stored.Version, replayed.Version)
	case !stored.TotalCapital.Equal(replayed.TotalCapital):
		return mismatch("total_capital", stored.TotalCapital, replayed.TotalCapital)
	case !stored.AllocatedCapital.Equal(replayed.AllocatedCapital):
		return mismatch("allocated_capital", stored.AllocatedCapital, replayed.AllocatedCapital)
	case !stored.UnallocatedCapital.Equal(replayed.UnallocatedCapital):
		return mismatch("unallocated_capital", stored.UnallocatedCapital, replayed.UnallocatedCapital)
	}
	if !sameAmounts(stored.ManagerAllocations, replayed.ManagerAllocations) {
		return mismatch("manager_allocations", stored.ManagerAllocations, replayed.ManagerAllocations)
	}
	if !sameAmounts(stored.ManagerResults, replayed.ManagerResults) {
		return mismatch("manager_results", stored.ManagerResults, replayed.ManagerResults)
	}
	return nil
}

// sameAmounts treats a missing key and an explicit zero as equal.
func sameAmounts(a, b map[string]decimal.Decimal) bool {
	for k, v := range a {
		if !v.Equal(b[k]) {
			return false
		}
	}
	for k, v := range b {
		if !v.Equal(a[k]) {
			return false
		}
	}
	return true
}
