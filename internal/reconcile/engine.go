// Package reconcile runs the batch: every onboarded account is classified,
// tagged, reconstructed and valued in parallel, then the results are rolled
// up into capital-source tiers and per-fund profitability.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/fidus/capital-engine/internal/broker"
	"github.com/fidus/capital-engine/internal/capital"
	"github.com/fidus/capital-engine/internal/classify"
	"github.com/fidus/capital-engine/internal/fund"
	"github.com/fidus/capital-engine/internal/metrics"
	"github.com/fidus/capital-engine/internal/model"
	"github.com/fidus/capital-engine/internal/pnl"
	"github.com/fidus/capital-engine/internal/store"
	"github.com/fidus/capital-engine/internal/tier"
)

// DefaultWorkers bounds per-account concurrency when Config.Workers is unset.
const DefaultWorkers = 8

var ErrNoAccounts = errors.New("reconcile: no accounts to reconcile")

// Config tunes a reconciliation run.
type Config struct {
	Workers    int
	Freshness  time.Duration
	Incubation time.Duration
	// Window limits the deal history read per account. The zero value
	// reads the full history.
	Window broker.Window
}

// Engine wires the calculation components together. It holds no state
// between runs and is safe for concurrent use.
type Engine struct {
	store      store.Store
	source     broker.Source
	deals      broker.DealSource
	classifier *classify.Classifier
	tagger     *capital.Tagger
	pnl        *pnl.Calculator
	funds      *fund.Calculator
	cfg        Config
	now        func() time.Time
}

// NewEngine creates an engine reading owned state from st and upstream data
// from src.
func NewEngine(st store.Store, src broker.Source, classifier *classify.Classifier, tagger *capital.Tagger, cfg Config) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	e := &Engine{
		store:      st,
		source:     src,
		deals:      src,
		classifier: classifier,
		tagger:     tagger,
		funds:      fund.NewCalculator(cfg.Incubation),
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
	}
	e.pnl = pnl.NewCalculator(src, cfg.Freshness).WithClock(func() time.Time { return e.now() })
	return e
}

// WithDeals routes deal history reads through d, typically a
// broker.CachedDealSource wrapping the engine's source.
func (e *Engine) WithDeals(d broker.DealSource) *Engine {
	e.deals = d
	return e
}

// WithClock replaces the time source. Used in tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Run reconciles every onboarded account.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	accounts, err := e.store.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return e.run(ctx, accounts, e.knownClassifier(accounts))
}

// RunFund reconciles the accounts of one fund.
func (e *Engine) RunFund(ctx context.Context, fundCode string) (*Report, error) {
	accounts, err := e.store.ListAccountsByFund(ctx, fundCode)
	if err != nil {
		return nil, fmt.Errorf("list accounts of %s: %w", fundCode, err)
	}
	// Transfers to accounts in other funds are still transfers.
	cls, err := e.classifierFor(ctx)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, accounts, cls)
}

// Account reconciles a single account without any rollup.
func (e *Engine) Account(ctx context.Context, number int64) (AccountReport, error) {
	acc, err := e.store.GetAccount(ctx, number)
	if err != nil {
		return AccountReport{}, err
	}
	cls, err := e.classifierFor(ctx)
	if err != nil {
		return AccountReport{}, err
	}
	rep := e.reconcileAccount(ctx, *acc, cls)
	if rep.Failed() {
		return rep, fmt.Errorf("account %d: %s", number, rep.Error)
	}
	return rep, nil
}

// classifierFor extends the configured classifier with every onboarded
// account, so a comment naming any of them marks an internal transfer.
func (e *Engine) classifierFor(ctx context.Context) (*classify.Classifier, error) {
	all, err := e.store.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return e.knownClassifier(all), nil
}

func (e *Engine) knownClassifier(accounts []model.TradingAccount) *classify.Classifier {
	numbers := make([]int64, len(accounts))
	for i, a := range accounts {
		numbers[i] = a.AccountNumber
	}
	return e.classifier.WithKnown(numbers...)
}

func (e *Engine) run(ctx context.Context, accounts []model.TradingAccount, classifier *classify.Classifier) (*Report, error) {
	if len(accounts) == 0 {
		return nil, ErrNoAccounts
	}
	start := time.Now()
	defer func() { metrics.ReconcileDuration.Observe(time.Since(start).Seconds()) }()

	results := make([]AccountReport, len(accounts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for i, acc := range accounts {
		i, acc := i, acc
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = e.reconcileAccount(gctx, acc, classifier)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}

	rep := &Report{
		GeneratedAt: e.now(),
		RuleVersion: e.classifier.Version(),
		Accounts:    results,
	}
	inputs := e.collect(rep)
	rep.Rollup = tier.Aggregate(inputs)

	if err := e.fundResults(ctx, rep); err != nil {
		return nil, err
	}

	slog.Info("reconciliation complete",
		"accounts", len(results),
		"failed", rep.Failed,
		"issues", len(rep.Issues),
		"grand_equity", rep.Rollup.GrandTotal.TotalEquity.String(),
		"duration", time.Since(start),
	)
	return rep, nil
}

// reconcileAccount never returns an error: failures are recorded on the
// report so one bad account cannot sink the batch.
func (e *Engine) reconcileAccount(ctx context.Context, acc model.TradingAccount, classifier *classify.Classifier) AccountReport {
	rep := AccountReport{Account: acc}
	n := acc.AccountNumber

	deals, err := e.deals.Deals(ctx, n, e.cfg.Window)
	if err != nil {
		rep.Error = fmt.Sprintf("deal history: %v", err)
		return rep
	}

	cls := classifier.ClassifyAll(deals)
	rep.Deals = classify.Summarize(cls)
	for cat, count := range rep.Deals.Counts {
		metrics.DealsClassified.WithLabelValues(string(cat)).Add(float64(count))
	}
	for _, c := range cls {
		if c.Ambiguous {
			metrics.AmbiguousDeals.Inc()
			slog.Warn("ambiguous deal classification",
				"account", n,
				"ticket", c.Deal.Ticket,
				"category", c.Category,
				"candidates", c.Candidates,
			)
		}
	}

	rep.Tag = e.tagger.Tag(acc, cls)
	rep.NetDeposits = pnl.Reconstruct(n, cls)

	snap, err := e.source.Snapshot(ctx, n)
	if err != nil {
		rep.Error = fmt.Sprintf("snapshot: %v", err)
		return rep
	}
	rep.Account.Balance = snap.Balance
	rep.Account.Equity = snap.Equity
	rep.Account.SnapshotAt = snap.At
	rep.PnL = e.pnl.FromSnapshot(acc, rep.NetDeposits, snap)

	if err := e.store.UpdateSnapshot(ctx, n, snap.Balance, snap.Equity, snap.At); err != nil {
		slog.Warn("snapshot not persisted", "account", n, "err", err)
	}
	return rep
}

// collect turns account reports into issues and rollup inputs.
func (e *Engine) collect(rep *Report) []tier.Input {
	inputs := make([]tier.Input, 0, len(rep.Accounts))
	unknown := 0

	for _, ar := range rep.Accounts {
		acc := ar.Account
		n, f := acc.AccountNumber, acc.FundCode

		if ar.Failed() {
			rep.Failed++
			metrics.AccountFailures.Inc()
			slog.Warn("account reconciliation failed", "account", n, "fund", f, "err", ar.Error)
			rep.Issues = append(rep.Issues, Issue{Kind: IssueAccountFailed, Account: n, FundCode: f, Message: ar.Error})
			continue
		}

		// The persisted source is authoritative; the tagger only reports.
		if acc.CapitalSource == model.SourceUnknown || acc.CapitalSource == "" {
			unknown++
			rep.Issues = append(rep.Issues, Issue{
				Kind: IssueUnknownSource, Account: n, FundCode: f,
				Message: "capital source unresolved; excluded from client and house totals",
			})
		}
		if !acc.SourceOverride && ar.Tag.Source != acc.CapitalSource && ar.Tag.Source != model.SourceUnknown {
			slog.Warn("capital source drift", "account", n, "persisted", acc.CapitalSource, "derived", ar.Tag.Source, "rule", ar.Tag.Rule)
			rep.Issues = append(rep.Issues, Issue{
				Kind: IssueSourceDrift, Account: n, FundCode: f,
				Message: fmt.Sprintf("persisted %s, deal history indicates %s (%s)", acc.CapitalSource, ar.Tag.Source, ar.Tag.Rule),
			})
		}
		if ar.Deals.Ambiguous > 0 {
			rep.Issues = append(rep.Issues, Issue{
				Kind: IssueAmbiguousDeals, Account: n, FundCode: f,
				Message: fmt.Sprintf("%d deals matched more than one category", ar.Deals.Ambiguous),
			})
		}

		var flagged []string
		for _, a := range ar.PnL.Anomalies {
			metrics.PnLAnomalies.WithLabelValues(string(a)).Inc()
			if a == model.AnomalyStaleSnapshot {
				continue
			}
			flagged = append(flagged, string(a))
		}
		if ar.PnL.Stale {
			metrics.StaleSnapshots.Inc()
			rep.Issues = append(rep.Issues, Issue{
				Kind: IssueStaleSnapshot, Account: n, FundCode: f,
				Message: "equity snapshot taken " + ar.PnL.SnapshotAt.Format(time.RFC3339),
			})
		}
		if len(flagged) > 0 {
			rep.Issues = append(rep.Issues, Issue{
				Kind: IssueAnomaly, Account: n, FundCode: f,
				Message: strings.Join(flagged, ", "),
			})
		}

		inputs = append(inputs, tier.Input{Account: acc, PnL: ar.PnL})
	}

	metrics.UnknownSourceAccounts.Set(float64(unknown))
	return inputs
}

// fundResults computes profitability and the principal check per fund,
// one goroutine per fund.
func (e *Engine) fundResults(ctx context.Context, rep *Report) error {
	byFund := make(map[string][]model.TradingAccount)
	clientDeposits := make(map[string]decimal.Decimal)
	for _, ar := range rep.Accounts {
		if ar.Failed() {
			continue
		}
		f := ar.Account.FundCode
		byFund[f] = append(byFund[f], ar.Account)
		if ar.Account.CapitalSource == model.SourceClient {
			clientDeposits[f] = clientDeposits[f].Add(ar.NetDeposits.NetDeposits)
		}
	}
	codes := make([]string, 0, len(byFund))
	for f := range byFund {
		codes = append(codes, f)
	}
	sort.Strings(codes)

	asOf := e.now()
	results := make([]*fund.Result, len(codes))
	failures := make([]error, len(codes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for i, code := range codes {
		i, code := i, code
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := e.fundResult(gctx, code, byFund[code], asOf)
			if err != nil {
				failures[i] = err
				return nil
			}
			results[i] = &res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("fund profitability: %w", err)
	}

	for i, code := range codes {
		if failures[i] != nil {
			slog.Warn("fund profitability failed", "fund", code, "err", failures[i])
			rep.Issues = append(rep.Issues, Issue{Kind: IssueFundFailed, FundCode: code, Message: failures[i].Error()})
			continue
		}
		res := *results[i]
		rep.Funds = append(rep.Funds, res)

		check := PrincipalCheck{
			FundCode:          code,
			ClientNetDeposits: clientDeposits[code],
			ActivePrincipal:   res.Principal,
		}
		check.Difference = check.ClientNetDeposits.Sub(check.ActivePrincipal)
		rep.Principal = append(rep.Principal, check)
		if !check.Matched() {
			rep.Issues = append(rep.Issues, Issue{
				Kind: IssuePrincipalMismatch, FundCode: code,
				Message: fmt.Sprintf("client net deposits %s vs active principal %s",
					check.ClientNetDeposits.StringFixed(2), check.ActivePrincipal.StringFixed(2)),
			})
		}
	}
	return nil
}

func (e *Engine) fundResult(ctx context.Context, code string, accounts []model.TradingAccount, asOf time.Time) (fund.Result, error) {
	rebates, err := e.source.Rebates(ctx, code)
	if err != nil {
		return fund.Result{}, fmt.Errorf("rebates: %w", err)
	}
	investments, err := e.source.ActiveInvestments(ctx, code)
	if err != nil {
		return fund.Result{}, fmt.Errorf("investments: %w", err)
	}
	in, err := fund.NewInputs(code, accounts, rebates, investments)
	if err != nil {
		return fund.Result{}, err
	}
	if in.Dropped() > 0 {
		slog.Warn("out-of-fund records dropped", "fund", code, "dropped", in.Dropped())
	}
	return e.funds.Calculate(in, asOf)
}
