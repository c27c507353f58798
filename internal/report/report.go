// Package report renders reconciliation results and allocation ledgers as
// Markdown for operators. Amounts are formatted with go-money so every
// figure carries its currency's symbol, separators and minor units.
package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"

	"github.com/fidus/capital-engine/internal/model"
	"github.com/fidus/capital-engine/internal/reconcile"
	"github.com/fidus/capital-engine/internal/tier"
)

// DefaultCurrency is used when a caller passes an unknown currency code.
const DefaultCurrency = money.USD

// Formatter formats decimal amounts in one currency.
type Formatter struct {
	cur *money.Currency
}

// NewFormatter returns a formatter for an ISO 4217 code, falling back to
// DefaultCurrency for unknown codes.
func NewFormatter(code string) Formatter {
	cur := money.GetCurrency(strings.ToUpper(code))
	if cur == nil {
		cur = money.GetCurrency(DefaultCurrency)
	}
	return Formatter{cur: cur}
}

// Money formats v rounded to the currency's minor unit.
func (f Formatter) Money(v decimal.Decimal) string {
	minor := v.Round(int32(f.cur.Fraction)).Shift(int32(f.cur.Fraction))
	return f.cur.Formatter().Format(minor.IntPart())
}

// Signed formats v with an explicit sign; zero renders as "-".
func (f Formatter) Signed(v decimal.Decimal) string {
	switch {
	case v.IsZero():
		return "-"
	case v.IsPositive():
		return "+" + f.Money(v)
	}
	return f.Money(v)
}

// Percent formats a return percentage to two places.
func Percent(v decimal.Decimal) string {
	return v.StringFixed(2) + "%"
}

// Markdown renders a full reconciliation report.
func Markdown(rep *reconcile.Report, f Formatter) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Capital reconciliation %s\n\n", rep.GeneratedAt.UTC().Format("2006-01-02 15:04 MST"))
	fmt.Fprintf(&b, "Accounts: %d reconciled, %d failed. Rule table `%s`.\n\n",
		len(rep.Accounts)-rep.Failed, rep.Failed, rep.RuleVersion)

	writeTotals(&b, rep.Rollup, f)
	writeTiers(&b, rep.Rollup, f)
	writeFunds(&b, rep, f)
	writeAccounts(&b, rep, f)
	writeIssues(&b, rep.Issues)
	return b.String()
}

func writeTotals(b *strings.Builder, r tier.Rollup, f Formatter) {
	b.WriteString("## Totals\n\n")
	table(b, []string{"View", "Accounts", "Allocation", "Equity", "P&L"}, [][]string{
		totalsRow("Client", r.ClientOnly, f),
		totalsRow("House", r.HouseOnly, f),
		totalsRow("Segregated", r.Segregated, f),
		totalsRow("Unresolved", r.Unresolved, f),
		totalsRow("**All accounts**", r.GrandTotal, f),
	})
}

func totalsRow(label string, t tier.Totals, f Formatter) []string {
	return []string{label, fmt.Sprint(t.Accounts), f.Money(t.TotalAllocation), f.Money(t.TotalEquity), f.Signed(t.TotalPnL)}
}

func writeTiers(b *strings.Builder, r tier.Rollup, f Formatter) {
	b.WriteString("## Capital tiers\n\n")
	if len(r.Tiers) == 0 {
		b.WriteString("No accounts.\n\n")
		return
	}
	rows := make([][]string, 0, len(r.Tiers))
	for _, t := range r.Tiers {
		rows = append(rows, []string{
			t.FundCode, string(t.CapitalSource), fmt.Sprint(t.Accounts),
			f.Money(t.TotalAllocation), f.Money(t.TotalEquity), f.Signed(t.TotalPnL),
		})
	}
	table(b, []string{"Fund", "Source", "Accounts", "Allocation", "Equity", "P&L"}, rows)
}

func writeFunds(b *strings.Builder, rep *reconcile.Report, f Formatter) {
	b.WriteString("## Fund profitability\n\n")
	if len(rep.Funds) == 0 {
		b.WriteString("No fund results.\n\n")
		return
	}
	rows := make([][]string, 0, len(rep.Funds))
	for _, fr := range rep.Funds {
		rows = append(rows, []string{
			fr.FundCode,
			f.Money(fr.TradingEquity),
			f.Money(fr.SegregatedBalances),
			f.Money(fr.BrokerRebates),
			f.Money(fr.FundAssets),
			f.Money(fr.ClientObligations),
			f.Signed(fr.NetProfitability),
		})
	}
	table(b, []string{"Fund", "Trading equity", "Segregated", "Rebates", "Assets", "Obligations", "Net"}, rows)

	if len(rep.Principal) == 0 {
		return
	}
	b.WriteString("### Client principal\n\n")
	rows = rows[:0]
	for _, p := range rep.Principal {
		status := "matched"
		if !p.Matched() {
			status = "**mismatch**"
		}
		rows = append(rows, []string{
			p.FundCode, f.Money(p.ClientNetDeposits), f.Money(p.ActivePrincipal), f.Signed(p.Difference), status,
		})
	}
	table(b, []string{"Fund", "Client net deposits", "Active principal", "Difference", "Status"}, rows)
}

func writeAccounts(b *strings.Builder, rep *reconcile.Report, f Formatter) {
	b.WriteString("## Accounts\n\n")
	rows := make([][]string, 0, len(rep.Accounts))
	for _, ar := range rep.Accounts {
		a := ar.Account
		if ar.Failed() {
			rows = append(rows, []string{fmt.Sprint(a.AccountNumber), a.FundCode, string(a.CapitalSource), "", "", "", "", "", "failed"})
			continue
		}
		p := ar.PnL
		ret := Percent(p.ReturnPercent)
		if p.Basis.IsZero() {
			ret = "n/a"
		}
		rows = append(rows, []string{
			fmt.Sprint(a.AccountNumber),
			a.FundCode,
			sourceLabel(a),
			f.Money(p.Basis),
			string(p.BasisSource),
			f.Money(p.CurrentEquity),
			f.Signed(p.TruePnL),
			ret,
			flags(p.Anomalies),
		})
	}
	table(b, []string{"Account", "Fund", "Source", "Basis", "Basis from", "Equity", "True P&L", "Return", "Flags"}, rows)
}

func sourceLabel(a model.TradingAccount) string {
	if a.SourceOverride {
		return string(a.CapitalSource) + " (override)"
	}
	return string(a.CapitalSource)
}

func flags(as []model.Anomaly) string {
	if len(as) == 0 {
		return ""
	}
	out := make([]string, len(as))
	for i, a := range as {
		out[i] = string(a)
	}
	return strings.Join(out, ", ")
}

func writeIssues(b *strings.Builder, issues []reconcile.Issue) {
	b.WriteString("## Issues\n\n")
	if len(issues) == 0 {
		b.WriteString("None.\n")
		return
	}
	sorted := append([]reconcile.Issue(nil), issues...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Kind < sorted[j].Kind })
	for _, is := range sorted {
		subject := is.FundCode
		if is.Account != 0 {
			subject = fmt.Sprintf("account %d", is.Account)
		}
		fmt.Fprintf(b, "- **%s** %s: %s\n", is.Kind, subject, is.Message)
	}
}

// Allocation renders a fund's allocation state and, when given, its history.
func Allocation(state *model.AllocationState, history []model.AllocationHistoryEntry, f Formatter) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Allocation %s (version %d)\n\n", state.FundCode, state.Version)
	table(&b, []string{"Total", "Allocated", "Unallocated"}, [][]string{{
		f.Money(state.TotalCapital), f.Money(state.AllocatedCapital), f.Money(state.UnallocatedCapital),
	}})

	managers := make([]string, 0, len(state.ManagerAllocations))
	for m := range state.ManagerAllocations {
		managers = append(managers, m)
	}
	for m := range state.ManagerResults {
		if _, ok := state.ManagerAllocations[m]; !ok {
			managers = append(managers, m)
		}
	}
	sort.Strings(managers)
	if len(managers) > 0 {
		b.WriteString("## Managers\n\n")
		rows := make([][]string, 0, len(managers))
		for _, m := range managers {
			rows = append(rows, []string{m, f.Money(state.ManagerAllocations[m]), f.Signed(state.ManagerResults[m])})
		}
		table(&b, []string{"Manager", "Allocated", "Results"}, rows)
	}

	if len(history) > 0 {
		b.WriteString("## History\n\n")
		rows := make([][]string, 0, len(history))
		for _, e := range history {
			rows = append(rows, []string{
				fmt.Sprint(e.Version), e.Timestamp.UTC().Format(time.RFC3339), string(e.Action), e.Manager,
				f.Signed(e.Amount), e.Actor, e.Note,
			})
		}
		table(&b, []string{"Version", "When", "Action", "Manager", "Impact", "Actor", "Note"}, rows)
	}
	return b.String()
}

func table(b *strings.Builder, header []string, rows [][]string) {
	writeRow(b, header)
	sep := make([]string, len(header))
	for i := range sep {
		sep[i] = "---"
	}
	writeRow(b, sep)
	for _, r := range rows {
		writeRow(b, r)
	}
	b.WriteString("\n")
}

func writeRow(b *strings.Builder, cells []string) {
	b.WriteString("|")
	for _, c := range cells {
		b.WriteString(" ")
		b.WriteString(strings.ReplaceAll(c, "|", `\|`))
		b.WriteString(" |")
	}
	b.WriteString("\n")
}
