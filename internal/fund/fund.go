// Package fund nets a fund's total assets against its contractual client
// obligations.
//
//	fund_assets        = trading equity (non-segregated accounts)
//	                   + separation/intermediary balances
//	                   + accrued broker rebates
//	client_obligations = Σ active investments (principal + accrued interest − interest paid)
//	net_profitability  = fund_assets − client_obligations
//
// Every input is scoped to one fund code before aggregation. Inputs can only
// be built through NewInputs, which filters by fund, and Calculate re-checks
// every record so one fund's assets are never matched against another's
// obligations.
package fund

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fidus/capital-engine/internal/model"
)

// DefaultIncubation is the gap between a client's deposit and the date
// contractual interest starts accruing.
const DefaultIncubation = 60 * 24 * time.Hour

var (
	ErrCrossFundInput   = errors.New("fund: input belongs to a different fund")
	ErrUnknownFrequency = errors.New("fund: unknown payment frequency")
	ErrEmptyFundCode    = errors.New("fund: fund code is required")
)

var twelve = decimal.NewFromInt(12)

// Inputs is the fund-scoped data set for one calculation.
type Inputs struct {
	fundCode    string
	accounts    []model.TradingAccount
	rebates     []model.BrokerRebate
	investments []model.Investment
	dropped     int
}

// NewInputs scopes every collection to fundCode; records for other funds
// are dropped and counted.
func NewInputs(fundCode string, accounts []model.TradingAccount, rebates []model.BrokerRebate, investments []model.Investment) (Inputs, error) {
	if fundCode == "" {
		return Inputs{}, ErrEmptyFundCode
	}
	in := Inputs{fundCode: fundCode}
	for _, a := range accounts {
		if a.FundCode == fundCode {
			in.accounts = append(in.accounts, a)
		} else {
			in.dropped++
		}
	}
	for _, r := range rebates {
		if r.FundCode == fundCode {
			in.rebates = append(in.rebates, r)
		} else {
			in.dropped++
		}
	}
	for _, inv := range investments {
		if inv.FundCode == fundCode {
			in.investments = append(in.investments, inv)
		} else {
			in.dropped++
		}
	}
	return in, nil
}

// FundCode returns the fund the inputs are scoped to.
func (in Inputs) FundCode() string { return in.fundCode }

// Dropped returns how many out-of-fund records NewInputs filtered out.
func (in Inputs) Dropped() int { return in.dropped }

// InvestmentAccrual itemizes one investment's obligation.
type InvestmentAccrual struct {
	InvestmentID    string          `json:"investment_id"`
	ClientID        string          `json:"client_id"`
	Principal       decimal.Decimal `json:"principal"`
	InterestStart   time.Time       `json:"interest_start"`
	ElapsedPeriods  int             `json:"elapsed_periods"`
	AccruedInterest decimal.Decimal `json:"accrued_interest"`
	InterestPaid    decimal.Decimal `json:"interest_paid"`
	Obligation      decimal.Decimal `json:"obligation"`
}

// Result is the profitability breakdown of one fund.
type Result struct {
	FundCode           string              `json:"fund_code"`
	AsOf               time.Time           `json:"as_of"`
	TradingEquity      decimal.Decimal     `json:"trading_equity"`
	SegregatedBalances decimal.Decimal     `json:"segregated_balances"`
	BrokerRebates      decimal.Decimal     `json:"broker_rebates"`
	FundAssets         decimal.Decimal     `json:"fund_assets"`
	Principal          decimal.Decimal     `json:"principal"`
	AccruedInterest    decimal.Decimal     `json:"accrued_interest"`
	InterestPaid       decimal.Decimal     `json:"interest_paid"`
	ClientObligations  decimal.Decimal     `json:"client_obligations"`
	NetProfitability   decimal.Decimal     `json:"net_fund_profitability"`
	Investments        []InvestmentAccrual `json:"investments"`
}

// Calculator computes fund profitability.
type Calculator struct {
	Incubation time.Duration
}

// NewCalculator returns a calculator with the given incubation period; a
// non-positive value selects DefaultIncubation.
func NewCalculator(incubation time.Duration) *Calculator {
	if incubation <= 0 {
		incubation = DefaultIncubation
	}
	return &Calculator{Incubation: incubation}
}

// Calculate nets fund assets against client obligations as of asOf.
func (c *Calculator) Calculate(in Inputs, asOf time.Time) (Result, error) {
	if in.fundCode == "" {
		return Result{}, ErrEmptyFundCode
	}
	res := Result{
		FundCode:           in.fundCode,
		AsOf:               asOf,
		TradingEquity:      decimal.Zero,
		SegregatedBalances: decimal.Zero,
		BrokerRebates:      decimal.Zero,
		Principal:          decimal.Zero,
		AccruedInterest:    decimal.Zero,
		InterestPaid:       decimal.Zero,
	}

	for _, a := range in.accounts {
		if a.FundCode != in.fundCode {
			return Result{}, fmt.Errorf("%w: account %d is in %s", ErrCrossFundInput, a.AccountNumber, a.FundCode)
		}
		if a.CapitalSource.HoldsSegregatedMoney() {
			res.SegregatedBalances = res.SegregatedBalances.Add(a.Balance)
		} else {
			res.TradingEquity = res.TradingEquity.Add(a.Equity)
		}
	}
	for _, r := range in.rebates {
		if r.FundCode != in.fundCode {
			return Result{}, fmt.Errorf("%w: rebate for account %d is in %s", ErrCrossFundInput, r.AccountNumber, r.FundCode)
		}
		if r.AccruedAt.After(asOf) {
			continue
		}
		res.BrokerRebates = res.BrokerRebates.Add(r.Amount)
	}
	res.FundAssets = res.TradingEquity.Add(res.SegregatedBalances).Add(res.BrokerRebates)

	for _, inv := range in.investments {
		if inv.FundCode != in.fundCode {
			return Result{}, fmt.Errorf("%w: investment %s is in %s", ErrCrossFundInput, inv.ID, inv.FundCode)
		}
		if !inv.Active {
			continue
		}
		acc, err := c.Accrue(inv, asOf)
		if err != nil {
			return Result{}, err
		}
		res.Investments = append(res.Investments, acc)
		res.Principal = res.Principal.Add(acc.Principal)
		res.AccruedInterest = res.AccruedInterest.Add(acc.AccruedInterest)
		res.InterestPaid = res.InterestPaid.Add(acc.InterestPaid)
	}
	// Net outstanding obligation: interest already paid out is no longer owed.
	res.ClientObligations = res.Principal.Add(res.AccruedInterest).Sub(res.InterestPaid)
	res.NetProfitability = res.FundAssets.Sub(res.ClientObligations)
	return res, nil
}

// Accrue computes simple contractual interest for one investment: whole
// payment periods elapsed since the interest start date, each earning
// principal × annual rate × (months per period / 12).
func (c *Calculator) Accrue(inv model.Investment, asOf time.Time) (InvestmentAccrual, error) {
	months := inv.Frequency.MonthsPerPeriod()
	if months == 0 {
		return InvestmentAccrual{}, fmt.Errorf("%w: %q on investment %s", ErrUnknownFrequency, inv.Frequency, inv.ID)
	}

	start := inv.DepositDate.Add(c.Incubation)
	periods := 0
	if !asOf.Before(start) {
		periods = monthsBetween(start, asOf) / months
	}

	perPeriod := inv.Principal.Mul(inv.AnnualRate).Mul(decimal.NewFromInt(int64(months))).Div(twelve)
	accrued := perPeriod.Mul(decimal.NewFromInt(int64(periods))).Round(2)

	return InvestmentAccrual{
		InvestmentID:    inv.ID,
		ClientID:        inv.ClientID,
		Principal:       inv.Principal,
		InterestStart:   start,
		ElapsedPeriods:  periods,
		AccruedInterest: accrued,
		InterestPaid:    inv.InterestPaid,
		Obligation:      inv.Principal.Add(accrued).Sub(inv.InterestPaid),
	}, nil
}

// monthsBetween counts whole calendar months from a to b (a <= b).
func monthsBetween(a, b time.Time) int {
	a, b = a.UTC(), b.UTC()
	m := (b.Year()-a.Year())*12 + int(b.Month()) - int(a.Month())
	if b.Day() < a.Day() {
		m--
	}
	if m < 0 {
		return 0
	}
	return m
}
