package report

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fidus/capital-engine/internal/fund"
	"github.com/fidus/capital-engine/internal/model"
	"github.com/fidus/capital-engine/internal/reconcile"
	"github.com/fidus/capital-engine/internal/tier"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestFormatter(t *testing.T) {
	usd := NewFormatter("usd")
	tests := []struct {
		in   decimal.Decimal
		want string
	}{
		{d(103500), "$103,500.00"},
		{d(0.005), "$0.01"},
		{d(1234.5), "$1,234.50"},
	}
	for _, tt := range tests {
		if got := usd.Money(tt.in); got != tt.want {
			t.Errorf("Money(%s) = %q, want %q", tt.in, got, tt.want)
		}
	}

	if got := usd.Signed(d(8500)); got != "+$8,500.00" {
		t.Errorf("Signed positive = %q", got)
	}
	if got := usd.Signed(decimal.Zero); got != "-" {
		t.Errorf("Signed zero = %q", got)
	}
	if got := NewFormatter("XXX?").Money(d(1)); got != "$1.00" {
		t.Errorf("unknown currency must fall back to USD, got %q", got)
	}
	if got := Percent(d(8.9474)); got != "8.95%" {
		t.Errorf("Percent = %q", got)
	}
}

func sampleReport() *reconcile.Report {
	client := model.TradingAccount{AccountNumber: 886557, FundCode: "CORE", CapitalSource: model.SourceClient}
	house := model.TradingAccount{AccountNumber: 885822, FundCode: "CORE", CapitalSource: model.SourceFidusHouse, SourceOverride: true}
	clientPnL := model.AccountPnL{
		AccountNumber: 886557, Basis: d(95000), BasisSource: model.BasisNetDeposits,
		CurrentEquity: d(103500), TruePnL: d(8500), ReturnPercent: d(8.9474),
	}
	housePnL := model.AccountPnL{
		AccountNumber: 885822, Basis: decimal.Zero, BasisSource: model.BasisNetDeposits,
		CurrentEquity: d(2000), TruePnL: d(2000), ReturnPercent: decimal.Zero,
		Anomalies: []model.Anomaly{model.AnomalyZeroBasis},
	}

	return &reconcile.Report{
		GeneratedAt: time.Date(2025, 10, 1, 11, 0, 0, 0, time.UTC),
		RuleVersion: "2025.09-r3",
		Accounts: []reconcile.AccountReport{
			{Account: client, PnL: clientPnL},
			{Account: house, PnL: housePnL},
			{Account: model.TradingAccount{AccountNumber: 555555, FundCode: "CORE"}, Error: "snapshot: not found"},
		},
		Rollup: tier.Aggregate([]tier.Input{{Account: client, PnL: clientPnL}, {Account: house, PnL: housePnL}}),
		Funds: []fund.Result{{
			FundCode: "CORE", TradingEquity: d(105500), FundAssets: d(105500),
			ClientObligations: d(95000), NetProfitability: d(10500),
		}},
		Principal: []reconcile.PrincipalCheck{{
			FundCode: "CORE", ClientNetDeposits: d(95000), ActivePrincipal: d(100000), Difference: d(-5000),
		}},
		Issues: []reconcile.Issue{
			{Kind: reconcile.IssuePrincipalMismatch, FundCode: "CORE", Message: "client net deposits 95000.00 vs active principal 100000.00"},
			{Kind: reconcile.IssueAccountFailed, Account: 555555, FundCode: "CORE", Message: "snapshot: not found"},
		},
		Failed: 1,
	}
}

func TestMarkdown(t *testing.T) {
	out := Markdown(sampleReport(), NewFormatter("USD"))

	for _, want := range []string{
		"# Capital reconciliation 2025-10-01 11:00 UTC",
		"2 reconciled, 1 failed",
		"`2025.09-r3`",
		"| Client | 1 | $95,000.00 | $103,500.00 | +$8,500.00 |",
		"| CORE | fidus_house | 1 |",
		"| 886557 | CORE | client | $95,000.00 | net_deposits | $103,500.00 | +$8,500.00 | 8.95% |  |",
		"fidus_house (override)",
		"| n/a | zero_basis |",
		"| 555555 | CORE |",
		"**mismatch**",
		"- **account_failed** account 555555: snapshot: not found",
		"- **principal_mismatch** CORE:",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q\n%s", want, out)
		}
	}

	// Issues are grouped by kind.
	if strings.Index(out, "**account_failed**") > strings.Index(out, "**principal_mismatch**") {
		t.Error("issues not sorted by kind")
	}
}

func TestMarkdown_NoIssues(t *testing.T) {
	rep := sampleReport()
	rep.Issues = nil
	out := Markdown(rep, NewFormatter("EUR"))
	if !strings.Contains(out, "## Issues\n\nNone.") {
		t.Errorf("expected empty issue section\n%s", out)
	}
	if !strings.Contains(out, "€") {
		t.Errorf("expected euro symbol\n%s", out)
	}
}

func TestAllocation(t *testing.T) {
	state := &model.AllocationState{
		FundCode:           "BALANCE",
		TotalCapital:       d(100000),
		AllocatedCapital:   d(50000),
		UnallocatedCapital: d(50000),
		ManagerAllocations: map[string]decimal.Decimal{"beta": d(20000), "alpha": d(30000)},
		ManagerResults:     map[string]decimal.Decimal{"alpha": d(1.25), "gamma": d(-10)},
		Version:            4,
	}
	history := []model.AllocationHistoryEntry{{
		Version: 2, Timestamp: time.Date(2025, 9, 2, 9, 0, 0, 0, time.UTC),
		Action: model.ActionAllocate, Manager: "alpha", Amount: d(30000), Actor: "cio",
	}}

	out := Allocation(state, history, NewFormatter("USD"))
	for _, want := range []string{
		"# Allocation BALANCE (version 4)",
		"| $100,000.00 | $50,000.00 | $50,000.00 |",
		"| alpha | $30,000.00 | +$1.25 |",
		"| gamma | $0.00 |",
		"| 2 | 2025-09-02T09:00:00Z | allocate | alpha | +$30,000.00 | cio |",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("allocation missing %q\n%s", want, out)
		}
	}
	if strings.Index(out, "| alpha |") > strings.Index(out, "| beta |") {
		t.Error("managers not sorted")
	}
}
