// Package tier rolls account-level P&L up by (fund, capital source) into
// per-fund, per-owner, client-only and house-only totals.
package tier

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/fidus/capital-engine/internal/model"
)

// Input is one account's contribution to the rollup.
type Input struct {
	Account model.TradingAccount
	PnL     model.AccountPnL
}

// Totals is a generic rollup bucket.
type Totals struct {
	Accounts        int             `json:"accounts"`
	TotalAllocation decimal.Decimal `json:"total_allocation"`
	TotalEquity     decimal.Decimal `json:"total_equity"`
	TotalPnL        decimal.Decimal `json:"total_pnl"`
}

func (t *Totals) add(basis, equity decimal.Decimal) {
	t.Accounts++
	t.TotalAllocation = t.TotalAllocation.Add(basis)
	t.TotalEquity = t.TotalEquity.Add(equity)
	t.TotalPnL = t.TotalEquity.Sub(t.TotalAllocation)
}

// Rollup is the full tiered aggregation of one batch.
type Rollup struct {
	Tiers   []model.FundTierTotals         `json:"tiers"`
	ByFund  map[string]Totals              `json:"by_fund"`
	ByOwner map[model.CapitalSource]Totals `json:"by_owner"`
	// ClientOnly is the investor-facing view; HouseOnly the operator-facing one.
	ClientOnly Totals `json:"client_only"`
	HouseOnly  Totals `json:"house_only"`
	// Segregated sums separation and intermediary tiers. They count toward
	// fund assets but never toward client obligation matching.
	Segregated Totals `json:"segregated"`
	// Unresolved sums accounts whose source is still unknown.
	Unresolved Totals `json:"unresolved"`
	GrandTotal Totals `json:"grand_total"`
}

type key struct {
	fund   string
	source model.CapitalSource
}

// Aggregate groups inputs by (fund, source). Each account lands in exactly
// one tier; an empty source is treated as unknown. The sum of tier equities
// equals the grand total equity.
func Aggregate(inputs []Input) Rollup {
	r := Rollup{
		ByFund:  make(map[string]Totals),
		ByOwner: make(map[model.CapitalSource]Totals),
	}
	tiers := make(map[key]*Totals)

	for _, in := range inputs {
		source := in.Account.CapitalSource
		if source == "" {
			source = model.SourceUnknown
		}
		basis, equity := in.PnL.Basis, in.PnL.CurrentEquity

		k := key{fund: in.Account.FundCode, source: source}
		t, ok := tiers[k]
		if !ok {
			t = &Totals{}
			tiers[k] = t
		}
		t.add(basis, equity)

		f := r.ByFund[k.fund]
		f.add(basis, equity)
		r.ByFund[k.fund] = f

		o := r.ByOwner[source]
		o.add(basis, equity)
		r.ByOwner[source] = o

		switch {
		case source == model.SourceClient:
			r.ClientOnly.add(basis, equity)
		case source == model.SourceFidusHouse:
			r.HouseOnly.add(basis, equity)
		case source.HoldsSegregatedMoney():
			r.Segregated.add(basis, equity)
		case source == model.SourceUnknown:
			r.Unresolved.add(basis, equity)
		}
		r.GrandTotal.add(basis, equity)
	}

	r.Tiers = make([]model.FundTierTotals, 0, len(tiers))
	for k, t := range tiers {
		r.Tiers = append(r.Tiers, model.FundTierTotals{
			FundCode:        k.fund,
			CapitalSource:   k.source,
			Accounts:        t.Accounts,
			TotalAllocation: t.TotalAllocation,
			TotalEquity:     t.TotalEquity,
			TotalPnL:        t.TotalPnL,
		})
	}
	sort.Slice(r.Tiers, func(i, j int) bool {
		a, b := r.Tiers[i], r.Tiers[j]
		if a.FundCode != b.FundCode {
			return a.FundCode < b.FundCode
		}
		return sourceOrder(a.CapitalSource) < sourceOrder(b.CapitalSource)
	})
	return r
}

// FundTiers returns the tiers belonging to one fund.
func (r Rollup) FundTiers(fundCode string) []model.FundTierTotals {
	var out []model.FundTierTotals
	for _, t := range r.Tiers {
		if t.FundCode == fundCode {
			out = append(out, t)
		}
	}
	return out
}

func sourceOrder(s model.CapitalSource) int {
	for i, cs := range model.CapitalSources {
		if cs == s {
			return i
		}
	}
	return len(model.CapitalSources)
}
