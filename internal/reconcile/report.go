package reconcile

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/fidus/capital-engine/internal/capital"
	"github.com/fidus/capital-engine/internal/classify"
	"github.com/fidus/capital-engine/internal/fund"
	"github.com/fidus/capital-engine/internal/model"
	"github.com/fidus/capital-engine/internal/tier"
)

// IssueKind classifies a finding that needs operator attention.
type IssueKind string

const (
	IssueAccountFailed     IssueKind = "account_failed"
	IssueUnknownSource     IssueKind = "unknown_source"
	IssueSourceDrift       IssueKind = "source_drift"
	IssueStaleSnapshot     IssueKind = "stale_snapshot"
	IssueAnomaly           IssueKind = "pnl_anomaly"
	IssueAmbiguousDeals    IssueKind = "ambiguous_deals"
	IssueFundFailed        IssueKind = "fund_failed"
	IssuePrincipalMismatch IssueKind = "principal_mismatch"
)

// Issue is one finding attached to a report. Issues never suppress results.
type Issue struct {
	Kind     IssueKind `json:"kind"`
	Account  int64     `json:"account_number,omitempty"`
	FundCode string    `json:"fund_code,omitempty"`
	Message  string    `json:"message"`
}

// AccountReport is the per-account outcome of a run. When Error is set the
// account is excluded from every rollup.
type AccountReport struct {
	Account     model.TradingAccount   `json:"account"`
	Tag         capital.Tag            `json:"tag"`
	Deals       classify.Summary       `json:"deals"`
	NetDeposits model.NetDepositResult `json:"net_deposits"`
	PnL         model.AccountPnL       `json:"pnl"`
	Error       string                 `json:"error,omitempty"`
}

// Failed reports whether the account could not be reconciled.
func (r AccountReport) Failed() bool { return r.Error != "" }

// PrincipalCheck compares what client accounts actually received with the
// principal the investment ledger says clients contributed.
type PrincipalCheck struct {
	FundCode          string          `json:"fund_code"`
	ClientNetDeposits decimal.Decimal `json:"client_net_deposits"`
	ActivePrincipal   decimal.Decimal `json:"active_principal"`
	Difference        decimal.Decimal `json:"difference"`
}

// Matched reports whether deposits and principal agree to the cent.
func (p PrincipalCheck) Matched() bool {
	return p.Difference.Round(2).IsZero()
}

// Report is the full output of one reconciliation run.
type Report struct {
	GeneratedAt time.Time        `json:"generated_at"`
	RuleVersion string           `json:"rule_version"`
	Accounts    []AccountReport  `json:"accounts"`
	Rollup      tier.Rollup      `json:"rollup"`
	Funds       []fund.Result    `json:"funds"`
	Principal   []PrincipalCheck `json:"principal_checks"`
	Issues      []Issue          `json:"issues"`
	Failed      int              `json:"failed"`
}

// IssuesOf returns the issues of one kind.
func (r *Report) IssuesOf(kind IssueKind) []Issue {
	var out []Issue
	for _, is := range r.Issues {
		if is.Kind == kind {
			out = append(out, is)
		}
	}
	return out
}

// Account returns the report of one account, if present.
func (r *Report) Account(number int64) (AccountReport, bool) {
	for _, a := range r.Accounts {
		if a.Account.AccountNumber == number {
			return a, true
		}
	}
	return AccountReport{}, false
}

// Fund returns the profitability result of one fund, if present.
func (r *Report) Fund(code string) (fund.Result, bool) {
	for _, f := range r.Funds {
		if f.FundCode == code {
			return f, true
		}
	}
	return fund.Result{}, false
}
