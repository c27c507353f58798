// Package model defines the core domain types shared across the capital engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DealType distinguishes trade fills from balance-affecting ledger entries.
type DealType string

const (
	DealTrade   DealType = "trade"
	DealBalance DealType = "balance"
)

// DealRecord is an immutable broker ledger entry. Records are sourced
// upstream and never modified here; ordering by Timestamp matters.
type DealRecord struct {
	AccountNumber int64           `json:"account_number"`
	Ticket        int64           `json:"ticket_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Type          DealType        `json:"deal_type"`
	Amount        decimal.Decimal `json:"signed_amount"` // +credit, -debit
	Comment       string          `json:"comment"`
}

// CapitalSource classifies who owns the money in a trading account.
type CapitalSource string

const (
	SourceClient           CapitalSource = "client"
	SourceFidusHouse       CapitalSource = "fidus_house"
	SourceReinvestedProfit CapitalSource = "reinvested_profit"
	SourceSeparation       CapitalSource = "separation"
	SourceIntermediary     CapitalSource = "intermediary"
	SourceUnknown          CapitalSource = "unknown"
)

// CapitalSources lists every source in reporting order.
var CapitalSources = []CapitalSource{
	SourceClient,
	SourceFidusHouse,
	SourceReinvestedProfit,
	SourceSeparation,
	SourceIntermediary,
	SourceUnknown,
}

// ParseCapitalSource accepts the canonical names (case-insensitive).
func ParseCapitalSource(s string) (CapitalSource, error) {
	v := CapitalSource(strings.ToLower(strings.TrimSpace(s)))
	for _, cs := range CapitalSources {
		if cs == v {
			return cs, nil
		}
	}
	return SourceUnknown, fmt.Errorf("model: unknown capital source %q", s)
}

// HoldsSegregatedMoney reports whether the source parks money outside any
// single owner's principal (separation and intermediary accounts).
func (c CapitalSource) HoldsSegregatedMoney() bool {
	return c == SourceSeparation || c == SourceIntermediary
}

// TradingAccount is an externally held broker account owned by one fund.
// CapitalSource only changes through an explicit operator command.
type TradingAccount struct {
	AccountNumber int64         `json:"account_number" db:"account_number"`
	FundCode      string        `json:"fund_code" db:"fund_code"`
	Manager       string        `json:"manager,omitempty" db:"manager"`
	CapitalSource CapitalSource `json:"capital_source" db:"capital_source"`
	// SourceOverride freezes CapitalSource against automatic re-tagging.
	SourceOverride bool `json:"source_override" db:"source_override"`
	// InitialAllocation, when set, supersedes reconstructed net deposits
	// as the P&L basis. Only an operator command sets it.
	InitialAllocation *decimal.Decimal `json:"initial_allocation,omitempty" db:"initial_allocation"`
	Balance           decimal.Decimal  `json:"current_balance" db:"balance"`
	Equity            decimal.Decimal  `json:"current_equity" db:"equity"`
	SnapshotAt        time.Time        `json:"snapshot_at" db:"snapshot_at"`
}

// HasAllocationOverride reports whether an operator pinned the basis.
func (a TradingAccount) HasAllocationOverride() bool {
	return a.InitialAllocation != nil
}

// Anomaly is a data-quality flag attached to a derived result. Anomalies
// never suppress a result; reports must render them.
type Anomaly string

const (
	AnomalyNegativeNetDeposit Anomaly = "negative_net_deposit"
	AnomalyZeroBasis          Anomaly = "zero_basis"
	AnomalyNegativeBasis      Anomaly = "negative_basis"
	AnomalyStaleSnapshot      Anomaly = "stale_snapshot"
	AnomalyUnclassifiedDeals  Anomaly = "unclassified_deals"
	AnomalyAmbiguousDeals     Anomaly = "ambiguous_deals"
)

// NetDepositResult is a projection recomputed from DealRecords; never
// ground truth. TotalWithdrawals is signed (zero or negative).
type NetDepositResult struct {
	AccountNumber     int64           `json:"account_number"`
	TotalDeposits     decimal.Decimal `json:"total_deposits"`
	TotalWithdrawals  decimal.Decimal `json:"total_withdrawals"`
	NetDeposits       decimal.Decimal `json:"net_deposits"`
	ExcludedTransfers decimal.Decimal `json:"excluded_transfers"`
	ExcludedFees      decimal.Decimal `json:"excluded_fees"`
	Unclassified      int             `json:"unclassified"`
	Anomalies         []Anomaly       `json:"anomalies,omitempty"`
}

// BasisSource records where an account's P&L basis came from.
type BasisSource string

const (
	BasisNetDeposits       BasisSource = "net_deposits"
	BasisInitialAllocation BasisSource = "initial_allocation"
)

// AccountPnL is the true P&L of one account against contributed capital.
type AccountPnL struct {
	AccountNumber int64           `json:"account_number"`
	Basis         decimal.Decimal `json:"basis_amount"`
	BasisSource   BasisSource     `json:"basis_source"`
	NetDeposits   decimal.Decimal `json:"net_deposits"` // always reported for audit
	CurrentEquity decimal.Decimal `json:"current_equity"`
	TruePnL       decimal.Decimal `json:"true_pnl"`
	ReturnPercent decimal.Decimal `json:"return_percent"`
	SnapshotAt    time.Time       `json:"snapshot_at"`
	Stale         bool            `json:"stale"`
	Anomalies     []Anomaly       `json:"anomalies,omitempty"`
}

// Anomalous reports whether any anomaly flag is set.
func (p AccountPnL) Anomalous() bool { return len(p.Anomalies) > 0 }

// FundTierTotals aggregates accounts sharing (fund, capital source).
type FundTierTotals struct {
	FundCode        string          `json:"fund_code"`
	CapitalSource   CapitalSource   `json:"capital_source"`
	Accounts        int             `json:"accounts"`
	TotalAllocation decimal.Decimal `json:"total_allocation"`
	TotalEquity     decimal.Decimal `json:"total_equity"`
	TotalPnL        decimal.Decimal `json:"total_pnl"`
}

// AllocationState is how a fund's capital is divided among managers.
// Invariant: Σ ManagerAllocations == AllocatedCapital ≤ TotalCapital and
// AllocatedCapital + UnallocatedCapital == TotalCapital.
type AllocationState struct {
	FundCode           string                     `json:"fund_code"`
	TotalCapital       decimal.Decimal            `json:"total_capital"`
	AllocatedCapital   decimal.Decimal            `json:"allocated_capital"`
	UnallocatedCapital decimal.Decimal            `json:"unallocated_capital"`
	ManagerAllocations map[string]decimal.Decimal `json:"manager_allocations"`
	// ManagerResults is realized gain/loss bookkeeping per manager. It
	// changes what capital is worth, never how much was assigned.
	ManagerResults map[string]decimal.Decimal `json:"manager_results"`
	Version        int64                      `json:"version"`
	UpdatedAt      time.Time                  `json:"updated_at"`
}

// Clone returns a deep copy so callers can compute a next state in memory.
func (s AllocationState) Clone() AllocationState {
	c := s
	c.ManagerAllocations = make(map[string]decimal.Decimal, len(s.ManagerAllocations))
	for k, v := range s.ManagerAllocations {
		c.ManagerAllocations[k] = v
	}
	c.ManagerResults = make(map[string]decimal.Decimal, len(s.ManagerResults))
	for k, v := range s.ManagerResults {
		c.ManagerResults[k] = v
	}
	return c
}

// AllocationAction is the kind of ledger transition a history entry records.
type AllocationAction string

const (
	ActionFundCreated AllocationAction = "fund_created"
	ActionAllocate    AllocationAction = "allocate"
	ActionDeallocate  AllocationAction = "deallocate"
	ActionOutcome     AllocationAction = "outcome"
)

// AllocationHistoryEntry is an immutable ledger record. Once created, these
// are never modified or deleted; state is derivable by replaying them.
type AllocationHistoryEntry struct {
	ID           string                    `json:"id" db:"id"`
	FundCode     string                    `json:"fund_code" db:"fund_code"`
	Timestamp    time.Time                 `json:"timestamp" db:"timestamp"`
	Action       AllocationAction          `json:"action_type" db:"action"`
	Manager      string                    `json:"affected_manager,omitempty" db:"manager"`
	Amount       decimal.Decimal           `json:"financial_impact" db:"amount"`
	Distribution map[int64]decimal.Decimal `json:"account_distribution,omitempty" db:"distribution"`
	Actor        string                    `json:"actor,omitempty" db:"actor"`
	Note         string                    `json:"note,omitempty" db:"note"`
	Version      int64                     `json:"version" db:"version"` // state version after this entry
}

// CommandKind identifies an operator command in the audit log.
type CommandKind string

const (
	CommandOnboard            CommandKind = "onboard"
	CommandReclassify         CommandKind = "reclassify"
	CommandOverrideAllocation CommandKind = "override_initial_allocation"
	CommandClearAllocation    CommandKind = "clear_initial_allocation"
)

// OperatorCommand is an append-only record of who changed owned account
// state, when and why.
type OperatorCommand struct {
	ID            string           `json:"id" db:"id"`
	Kind          CommandKind      `json:"kind" db:"kind"`
	AccountNumber int64            `json:"account_number" db:"account_number"`
	Actor         string           `json:"actor" db:"actor"`
	Reason        string           `json:"reason" db:"reason"`
	At            time.Time        `json:"at" db:"at"`
	FromSource    CapitalSource    `json:"from_source,omitempty" db:"from_source"`
	ToSource      CapitalSource    `json:"to_source,omitempty" db:"to_source"`
	Override      bool             `json:"override" db:"override"`
	FromAmount    *decimal.Decimal `json:"from_amount,omitempty" db:"from_amount"`
	ToAmount      *decimal.Decimal `json:"to_amount,omitempty" db:"to_amount"`
}

// Frequency is how often an investment pays contractual interest.
type Frequency string

const (
	FrequencyMonthly    Frequency = "monthly"
	FrequencyQuarterly  Frequency = "quarterly"
	FrequencySemiAnnual Frequency = "semi_annual"
	FrequencyAnnual     Frequency = "annual"
)

// MonthsPerPeriod returns the period length in months, or 0 if unknown.
func (f Frequency) MonthsPerPeriod() int {
	switch f {
	case FrequencyMonthly:
		return 1
	case FrequencyQuarterly:
		return 3
	case FrequencySemiAnnual:
		return 6
	case FrequencyAnnual:
		return 12
	}
	return 0
}

// Investment is a client's contractual position in a fund, read from the
// upstream investment ledger. Never mutated by this engine.
type Investment struct {
	ID           string          `json:"id"`
	ClientID     string          `json:"client_id"`
	FundCode     string          `json:"fund_code"`
	Principal    decimal.Decimal `json:"principal"`
	AnnualRate   decimal.Decimal `json:"annual_rate"` // 0.025 == 2.5% per year
	Frequency    Frequency       `json:"frequency"`
	DepositDate  time.Time       `json:"deposit_date"`
	InterestPaid decimal.Decimal `json:"interest_paid"`
	Active       bool            `json:"active"`
}

// BrokerRebate is a rebate accrued by the broker for a fund's trading.
type BrokerRebate struct {
	FundCode      string          `json:"fund_code"`
	AccountNumber int64           `json:"account_number"`
	Amount        decimal.Decimal `json:"amount"`
	AccruedAt     time.Time       `json:"accrued_at"`
}

// Event notifies subscribers of a committed change to owned state.
type Event struct {
	Type          string    `json:"type"`
	FundCode      string    `json:"fund_code,omitempty"`
	AccountNumber int64     `json:"account_number,omitempty"`
	Manager       string    `json:"manager,omitempty"`
	Amount        string    `json:"amount,omitempty"`
	Version       int64     `json:"version,omitempty"`
	Actor         string    `json:"actor,omitempty"`
	At            time.Time `json:"at"`
}
