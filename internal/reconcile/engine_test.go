package reconcile

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fidus/capital-engine/internal/broker"
	"github.com/fidus/capital-engine/internal/capital"
	"github.com/fidus/capital-engine/internal/classify"
	"github.com/fidus/capital-engine/internal/model"
	"github.com/fidus/capital-engine/internal/registry"
	"github.com/fidus/capital-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var (
	t0  = time.Date(2025, 10, 1, 10, 0, 0, 0, time.UTC)
	now = t0.Add(time.Hour)
)

const (
	clientAcct   = 886557
	reinvAcct    = 891234
	sepAcct      = 900001
	orphanAcct   = 777777
	brokenAcct   = 555555
	balanceAcct  = 886600
	fundCore     = "CORE"
	fundBalance  = "BALANCE"
	freshSnapAge = 5 * time.Minute
)

func deal(account int64, amount float64, comment string) model.DealRecord {
	return model.DealRecord{
		AccountNumber: account,
		Timestamp:     t0.AddDate(0, -1, 0),
		Type:          model.DealBalance,
		Amount:        d(amount),
		Comment:       comment,
	}
}

func snapshot(account int64, balance, equity float64, age time.Duration) broker.Snapshot {
	return broker.Snapshot{AccountNumber: account, Balance: d(balance), Equity: d(equity), At: now.Add(-age)}
}

type fixture struct {
	engine *Engine
	store  *store.MemoryStore
	source *broker.MemorySource
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()

	reg, err := registry.Build(registry.Spec{Accounts: []registry.AccountSpec{
		{Number: clientAcct, Role: registry.RoleTrading, Fund: fundCore},
		{Number: reinvAcct, Role: registry.RoleTrading, Fund: fundCore},
		{Number: sepAcct, Role: registry.RoleSeparation, Fund: fundCore},
		{Number: balanceAcct, Role: registry.RoleTrading, Fund: fundBalance},
	}})
	require.NoError(t, err)
	classifier, err := classify.New(classify.DefaultRules(), reg.Accounts())
	require.NoError(t, err)

	src := broker.NewMemorySource()
	src.AddDeals(
		deal(clientAcct, 80000, "Client deposit"),
		deal(clientAcct, 20000, "deposit"),
		deal(clientAcct, -5000, "withdrawal"),
		deal(reinvAcct, 5000, "Transfer from 900001"),
		deal(sepAcct, -5000, "Transfer to 891234"),
		deal(orphanAcct, 1000, "deposit"),
		deal(brokenAcct, 100, "deposit"),
		deal(balanceAcct, 10000, "deposit"),
	)
	src.SetSnapshot(snapshot(clientAcct, 100000, 103500, freshSnapAge))
	src.SetSnapshot(snapshot(reinvAcct, 5000, 5200, freshSnapAge))
	src.SetSnapshot(snapshot(sepAcct, 12000, 12000, 2*time.Hour))
	src.SetSnapshot(snapshot(orphanAcct, 1000, 1000, freshSnapAge))
	src.SetSnapshot(snapshot(balanceAcct, 10000, 10400, freshSnapAge))
	src.AddRebates(
		model.BrokerRebate{FundCode: fundCore, AccountNumber: clientAcct, Amount: d(100), AccruedAt: t0},
		model.BrokerRebate{FundCode: fundCore, AccountNumber: clientAcct, Amount: d(999), AccruedAt: now.Add(time.Hour)},
	)
	src.AddInvestments(
		model.Investment{ID: "inv-1", ClientID: "c1", FundCode: fundCore, Principal: d(95000), AnnualRate: d(0.12),
			Frequency: model.FrequencyMonthly, DepositDate: t0.AddDate(0, -1, 0), Active: true},
		model.Investment{ID: "inv-2", ClientID: "c2", FundCode: fundBalance, Principal: d(12000), AnnualRate: d(0.1),
			Frequency: model.FrequencyQuarterly, DepositDate: t0.AddDate(0, -1, 0), Active: true},
	)

	ms := store.NewMemoryStore()
	alloc := d(5000)
	for _, a := range []model.TradingAccount{
		{AccountNumber: clientAcct, FundCode: fundCore, CapitalSource: model.SourceClient},
		{AccountNumber: reinvAcct, FundCode: fundCore, CapitalSource: model.SourceReinvestedProfit, InitialAllocation: &alloc},
		{AccountNumber: sepAcct, FundCode: fundCore, CapitalSource: model.SourceSeparation},
		{AccountNumber: orphanAcct, FundCode: fundCore, CapitalSource: model.SourceUnknown},
		{AccountNumber: brokenAcct, FundCode: fundCore, CapitalSource: model.SourceClient},
		{AccountNumber: balanceAcct, FundCode: fundBalance, CapitalSource: model.SourceClient},
	} {
		require.NoError(t, ms.CreateAccount(ctx, &a))
	}

	e := NewEngine(ms, src, classifier, capital.NewTagger(reg), Config{Workers: 2, Freshness: 15 * time.Minute}).
		WithDeals(broker.NewCachedDealSource(src, time.Minute)).
		WithClock(func() time.Time { return now })
	return fixture{engine: e, store: ms, source: src}
}

func TestRun_AccountResults(t *testing.T) {
	f := newFixture(t)
	rep, err := f.engine.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, rep.Accounts, 6)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, classify.DefaultVersion, rep.RuleVersion)
	assert.Equal(t, now, rep.GeneratedAt)

	client, ok := rep.Account(clientAcct)
	require.True(t, ok)
	assert.True(t, client.NetDeposits.NetDeposits.Equal(d(95000)))
	assert.True(t, client.PnL.TruePnL.Equal(d(8500)))
	assert.True(t, client.PnL.ReturnPercent.Equal(d(8.9474)), client.PnL.ReturnPercent.String())
	assert.Equal(t, model.BasisNetDeposits, client.PnL.BasisSource)
	assert.False(t, client.PnL.Stale)
	assert.Equal(t, 2, client.Deals.Counts[classify.Deposit])

	reinv, _ := rep.Account(reinvAcct)
	assert.Equal(t, model.BasisInitialAllocation, reinv.PnL.BasisSource)
	assert.True(t, reinv.PnL.TruePnL.Equal(d(200)))
	assert.True(t, reinv.NetDeposits.ExcludedTransfers.Equal(d(5000)))
	assert.True(t, reinv.NetDeposits.NetDeposits.IsZero())

	sep, _ := rep.Account(sepAcct)
	assert.True(t, sep.PnL.Stale)
	assert.Contains(t, sep.PnL.Anomalies, model.AnomalyZeroBasis)

	broken, _ := rep.Account(brokenAcct)
	assert.True(t, broken.Failed())
	assert.Contains(t, broken.Error, "snapshot")

	stored, err := f.store.GetAccount(context.Background(), clientAcct)
	require.NoError(t, err)
	assert.True(t, stored.Equity.Equal(d(103500)), "observed snapshot persisted")
}

func TestRun_Issues(t *testing.T) {
	f := newFixture(t)
	rep, err := f.engine.Run(context.Background())
	require.NoError(t, err)

	failed := rep.IssuesOf(IssueAccountFailed)
	require.Len(t, failed, 1)
	assert.EqualValues(t, brokenAcct, failed[0].Account)

	unknown := rep.IssuesOf(IssueUnknownSource)
	require.Len(t, unknown, 1)
	assert.EqualValues(t, orphanAcct, unknown[0].Account)

	// The orphan's deposit says client, but the persisted source stands.
	drift := rep.IssuesOf(IssueSourceDrift)
	require.Len(t, drift, 1)
	assert.EqualValues(t, orphanAcct, drift[0].Account)
	orphan, _ := rep.Account(orphanAcct)
	assert.Equal(t, model.SourceUnknown, orphan.Account.CapitalSource)
	assert.Equal(t, model.SourceClient, orphan.Tag.Source)

	stale := rep.IssuesOf(IssueStaleSnapshot)
	require.Len(t, stale, 1)
	assert.EqualValues(t, sepAcct, stale[0].Account)

	anomalies := rep.IssuesOf(IssueAnomaly)
	require.Len(t, anomalies, 1)
	assert.EqualValues(t, sepAcct, anomalies[0].Account)
	assert.Contains(t, anomalies[0].Message, string(model.AnomalyZeroBasis))
}

func TestRun_RollupExcludesUnknownFromClientTotals(t *testing.T) {
	f := newFixture(t)
	rep, err := f.engine.Run(context.Background())
	require.NoError(t, err)

	r := rep.Rollup
	assert.Equal(t, 2, r.ClientOnly.Accounts)
	assert.True(t, r.ClientOnly.TotalAllocation.Equal(d(105000)))
	assert.True(t, r.ClientOnly.TotalEquity.Equal(d(113900)))
	assert.True(t, r.ClientOnly.TotalPnL.Equal(d(8900)))

	assert.Equal(t, 1, r.Unresolved.Accounts)
	assert.Equal(t, 1, r.Segregated.Accounts)
	assert.Equal(t, 5, r.GrandTotal.Accounts)
	assert.True(t, r.GrandTotal.TotalEquity.Equal(d(132100)))

	sum := decimal.Zero
	for _, tt := range r.Tiers {
		sum = sum.Add(tt.TotalEquity)
	}
	assert.True(t, sum.Equal(r.GrandTotal.TotalEquity))
}

func TestRun_FundProfitabilityAndPrincipal(t *testing.T) {
	f := newFixture(t)
	rep, err := f.engine.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, rep.Funds, 2)
	core, ok := rep.Fund(fundCore)
	require.True(t, ok)
	assert.True(t, core.TradingEquity.Equal(d(109700)), core.TradingEquity.String())
	assert.True(t, core.SegregatedBalances.Equal(d(12000)))
	assert.True(t, core.BrokerRebates.Equal(d(100)), "future-dated rebate excluded")
	assert.True(t, core.FundAssets.Equal(d(121800)))
	assert.True(t, core.ClientObligations.Equal(d(95000)))
	assert.True(t, core.NetProfitability.Equal(d(26800)))

	balance, _ := rep.Fund(fundBalance)
	assert.True(t, balance.ClientObligations.Equal(d(12000)))

	require.Len(t, rep.Principal, 2)
	// Funds are reported in code order.
	assert.Equal(t, fundBalance, rep.Principal[0].FundCode)
	assert.False(t, rep.Principal[0].Matched())
	assert.True(t, rep.Principal[0].Difference.Equal(d(-2000)))
	assert.True(t, rep.Principal[1].Matched())

	mismatch := rep.IssuesOf(IssuePrincipalMismatch)
	require.Len(t, mismatch, 1)
	assert.Equal(t, fundBalance, mismatch[0].FundCode)
}

func TestRunFund_ScopesAccounts(t *testing.T) {
	f := newFixture(t)
	rep, err := f.engine.RunFund(context.Background(), fundBalance)
	require.NoError(t, err)

	require.Len(t, rep.Accounts, 1)
	require.Len(t, rep.Funds, 1)
	assert.Equal(t, fundBalance, rep.Funds[0].FundCode)
	assert.Zero(t, rep.Failed)

	_, err = f.engine.RunFund(context.Background(), "NOPE")
	assert.ErrorIs(t, err, ErrNoAccounts)
}

func TestRunFund_OnboardedAccountsAreCounterparties(t *testing.T) {
	f := newFixture(t)
	// The orphan is onboarded in CORE but absent from the registry.
	f.source.AddDeals(deal(balanceAcct, 2500, "Deposit transfer from 777777"))

	rep, err := f.engine.RunFund(context.Background(), fundBalance)
	require.NoError(t, err)

	bal, ok := rep.Account(balanceAcct)
	require.True(t, ok)
	assert.True(t, bal.NetDeposits.NetDeposits.Equal(d(10000)), bal.NetDeposits.NetDeposits.String())
	assert.True(t, bal.NetDeposits.ExcludedTransfers.Equal(d(2500)))
	assert.Equal(t, 1, bal.Deals.Counts[classify.InternalTransfer])
}

func TestRun_LogsAmbiguousDeals(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	f := newFixture(t)
	fee := deal(clientAcct, -50, "transfer fee to 900001")
	fee.Ticket = 4242
	f.source.AddDeals(fee)

	rep, err := f.engine.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.IssuesOf(IssueAmbiguousDeals), 1)

	logged := buf.String()
	assert.Contains(t, logged, `"msg":"ambiguous deal classification"`)
	assert.Contains(t, logged, `"ticket":4242`)
	assert.Contains(t, logged, `"account":886557`)
	assert.Contains(t, logged, `"candidates":["internal_transfer","fee"]`)
}

func TestRun_EquityReadFresh(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.engine.Account(ctx, clientAcct)
	require.NoError(t, err)
	assert.True(t, first.PnL.CurrentEquity.Equal(d(103500)))

	f.source.SetSnapshot(snapshot(clientAcct, 100000, 90000, freshSnapAge))
	second, err := f.engine.Account(ctx, clientAcct)
	require.NoError(t, err)
	assert.True(t, second.PnL.TruePnL.Equal(d(-5000)))

	_, err = f.engine.Account(ctx, brokenAcct)
	assert.Error(t, err)
	_, err = f.engine.Account(ctx, 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRun_Deterministic(t *testing.T) {
	f := newFixture(t)
	a, err := f.engine.Run(context.Background())
	require.NoError(t, err)
	b, err := f.engine.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, a.Issues, b.Issues)
	assert.Equal(t, a.Rollup.Tiers, b.Rollup.Tiers)
}

func TestRun_Cancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.engine.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
