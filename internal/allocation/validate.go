package allocation

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/fidus/capital-engine/internal/model"
)

// ErrValidation matches any ValidationErrors via errors.Is.
var ErrValidation = errors.New("allocation: validation failed")

// ValidationError is one itemized reason a request was rejected.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string { return e.Field + ": " + e.Message }

// ValidationErrors lists every problem found with a request, not just the first.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.Error()
	}
	return "allocation: " + strings.Join(msgs, "; ")
}

// Is lets callers test with errors.Is(err, ErrValidation).
func (v ValidationErrors) Is(target error) bool { return target == ErrValidation }

func (v *ValidationErrors) add(field, format string, args ...any) {
	*v = append(*v, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func validateAllocate(st *model.AllocationState, fundAccounts map[int64]bool, req Request) ValidationErrors {
	var errs ValidationErrors
	if strings.TrimSpace(req.Manager) == "" {
		errs.add("manager", "required")
	}
	if !req.Amount.IsPositive() {
		errs.add("amount", "must be positive, got %s", req.Amount)
	} else if req.Amount.GreaterThan(st.UnallocatedCapital) {
		errs.add("amount", "insufficient capital: requested %s, unallocated %s", req.Amount, st.UnallocatedCapital)
	}
	validateDistribution(&errs, st.FundCode, fundAccounts, req)
	return errs
}

func validateDeallocate(st *model.AllocationState, fundAccounts map[int64]bool, req Request) ValidationErrors {
	var errs ValidationErrors
	current, ok := st.ManagerAllocations[req.Manager]
	switch {
	case strings.TrimSpace(req.Manager) == "":
		errs.add("manager", "required")
	case !ok:
		errs.add("manager", "%q has no allocation in fund %s", req.Manager, st.FundCode)
	}
	if !req.Amount.IsPositive() {
		errs.add("amount", "must be positive, got %s", req.Amount)
	} else if ok && req.Amount.GreaterThan(current) {
		errs.add("amount", "exceeds manager allocation: requested %s, allocated %s", req.Amount, current)
	}
	validateDistribution(&errs, st.FundCode, fundAccounts, req)
	return errs
}

func validateOutcome(st *model.AllocationState, manager string, amount decimal.Decimal) ValidationErrors {
	var errs ValidationErrors
	if strings.TrimSpace(manager) == "" {
		errs.add("manager", "required")
	} else if _, ok := st.ManagerAllocations[manager]; !ok {
		errs.add("manager", "%q has no allocation in fund %s", manager, st.FundCode)
	}
	if amount.IsZero() {
		errs.add("amount", "must be non-zero")
	}
	return errs
}

// validateDistribution checks an optional per-account split: every account
// must belong to the fund, every share must be positive, and the shares
// must sum to the request amount.
func validateDistribution(errs *ValidationErrors, fund string, fundAccounts map[int64]bool, req Request) {
	if len(req.Distribution) == 0 {
		return
	}
	accounts := make([]int64, 0, len(req.Distribution))
	for n := range req.Distribution {
		accounts = append(accounts, n)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i] < accounts[j] })

	sum := decimal.Zero
	for _, n := range accounts {
		share := req.Distribution[n]
		field := fmt.Sprintf("distribution[%d]", n)
		if !fundAccounts[n] {
			errs.add(field, "account %d is not in fund %s", n, fund)
		}
		if !share.IsPositive() {
			errs.add(field, "must be positive, got %s", share)
		}
		sum = sum.Add(share)
	}
	if !sum.Equal(req.Amount) {
		errs.add("distribution", "shares sum to %s, amount is %s", sum, req.Amount)
	}
}

// checkState verifies the conservation invariants of a state.
func checkState(st *model.AllocationState) error {
	sum := decimal.Zero
	for _, v := range st.ManagerAllocations {
		sum = sum.Add(v)
	}
	switch {
	case !sum.Equal(st.AllocatedCapital):
		return fmt.Errorf("allocation: fund %s manager allocations sum to %s, allocated is %s", st.FundCode, sum, st.AllocatedCapital)
	case !st.AllocatedCapital.Add(st.UnallocatedCapital).Equal(st.TotalCapital):
		return fmt.Errorf("allocation: fund %s allocated %s + unallocated %s != total %s",
			st.FundCode, st.AllocatedCapital, st.UnallocatedCapital, st.TotalCapital)
	case st.UnallocatedCapital.IsNegative():
		return fmt.Errorf("allocation: fund %s unallocated capital is negative: %s", st.FundCode, st.UnallocatedCapital)
	}
	return nil
}
