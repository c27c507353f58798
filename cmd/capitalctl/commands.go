package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/fidus/capital-engine/internal/allocation"
	"github.com/fidus/capital-engine/internal/model"
	"github.com/fidus/capital-engine/internal/operator"
	"github.com/fidus/capital-engine/internal/reconcile"
	"github.com/fidus/capital-engine/internal/report"
)

// --- Reconciliation ---

func (c *cli) reconcileCmd() *cobra.Command {
	var fund string
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile every onboarded account and print the capital report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				rep *reconcile.Report
				err error
			)
			if fund != "" {
				rep, err = c.app.Engine.RunFund(cmd.Context(), fund)
			} else {
				rep, err = c.app.Engine.Run(cmd.Context())
			}
			if err != nil {
				return err
			}
			return c.emit(cmd.OutOrStdout(), rep, report.Markdown(rep, c.formatter()))
		},
	}
	cmd.Flags().StringVar(&fund, "fund", "", "restrict to one fund")
	return cmd
}

// --- Operator commands ---

func metaFlags(cmd *cobra.Command, m *operator.Meta) {
	cmd.Flags().StringVar(&m.Actor, "actor", "", "operator issuing the command (required)")
	cmd.Flags().StringVar(&m.Reason, "reason", "", "audit reason (required)")
}

func (c *cli) accountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Onboard accounts and manage capital-source overrides",
	}

	var (
		fund, manager string
		onboardMeta   operator.Meta
	)
	onboard := &cobra.Command{
		Use:   "onboard ACCOUNT",
		Short: "Tag a broker account from its deal history and persist it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			number, err := parseAccount(args[0])
			if err != nil {
				return err
			}
			acc, tag, err := c.app.Operator.Onboard(cmd.Context(), number, fund, manager, onboardMeta)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "account %d onboarded into %s as %s (rule %s)\n", acc.AccountNumber, acc.FundCode, acc.CapitalSource, tag.Rule)
			if tag.NeedsReview {
				fmt.Fprintln(out, "no tagging rule matched: reclassify this account before it counts as client money")
			}
			return nil
		},
	}
	onboard.Flags().StringVar(&fund, "fund", "", "fund code (required)")
	onboard.Flags().StringVar(&manager, "manager", "", "managing trader")
	metaFlags(onboard, &onboardMeta)

	var reclassifyMeta operator.Meta
	reclassify := &cobra.Command{
		Use:   "reclassify ACCOUNT SOURCE",
		Short: "Set an account's capital source and freeze it against re-tagging",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			number, err := parseAccount(args[0])
			if err != nil {
				return err
			}
			source, err := model.ParseCapitalSource(args[1])
			if err != nil {
				return err
			}
			acc, err := c.app.Operator.Reclassify(cmd.Context(), number, source, reclassifyMeta)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "account %d is now %s\n", acc.AccountNumber, acc.CapitalSource)
			return nil
		},
	}
	metaFlags(reclassify, &reclassifyMeta)

	var overrideMeta operator.Meta
	override := &cobra.Command{
		Use:   "override ACCOUNT AMOUNT",
		Short: "Use AMOUNT instead of net deposits as the account's P&L basis",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			number, err := parseAccount(args[0])
			if err != nil {
				return err
			}
			amount, err := parseAmount(args[1])
			if err != nil {
				return err
			}
			acc, err := c.app.Operator.OverrideInitialAllocation(cmd.Context(), number, amount, overrideMeta)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "account %d basis set to %s\n", acc.AccountNumber, c.formatter().Money(amount))
			return nil
		},
	}
	metaFlags(override, &overrideMeta)

	var clearMeta operator.Meta
	clearCmd := &cobra.Command{
		Use:   "clear ACCOUNT",
		Short: "Remove an initial-allocation override",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			number, err := parseAccount(args[0])
			if err != nil {
				return err
			}
			acc, err := c.app.Operator.ClearInitialAllocation(cmd.Context(), number, clearMeta)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "account %d basis reverted to net deposits\n", acc.AccountNumber)
			return nil
		},
	}
	metaFlags(clearCmd, &clearMeta)

	history := &cobra.Command{
		Use:   "history ACCOUNT",
		Short: "Print the operator audit log for an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			number, err := parseAccount(args[0])
			if err != nil {
				return err
			}
			cmds, err := c.app.Operator.History(cmd.Context(), number)
			if err != nil {
				return err
			}
			return c.emit(cmd.OutOrStdout(), cmds, commandLog(number, cmds))
		},
	}

	pnl := &cobra.Command{
		Use:   "pnl ACCOUNT",
		Short: "Reconcile a single account with a fresh equity read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			number, err := parseAccount(args[0])
			if err != nil {
				return err
			}
			rep, err := c.app.Engine.Account(cmd.Context(), number)
			if err != nil {
				return err
			}
			f := c.formatter()
			md := fmt.Sprintf("# Account %d\n\n- Source: %s\n- Basis: %s (%s)\n- Equity: %s\n- True P&L: %s\n- Return: %s\n",
				number, rep.Account.CapitalSource, f.Money(rep.PnL.Basis), rep.PnL.BasisSource,
				f.Money(rep.PnL.CurrentEquity), f.Signed(rep.PnL.TruePnL), report.Percent(rep.PnL.ReturnPercent))
			return c.emit(cmd.OutOrStdout(), rep, md)
		},
	}

	cmd.AddCommand(onboard, reclassify, override, clearCmd, history, pnl)
	return cmd
}

func commandLog(number int64, cmds []model.OperatorCommand) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Commands for account %d\n\n", number)
	if len(cmds) == 0 {
		b.WriteString("None.\n")
		return b.String()
	}
	b.WriteString("| At | Kind | Actor | Reason | Change |\n|---|---|---|---|---|\n")
	for _, c := range cmds {
		change := ""
		switch {
		case c.FromSource != "" || c.ToSource != "":
			change = fmt.Sprintf("%s → %s", c.FromSource, c.ToSource)
		case c.FromAmount != nil || c.ToAmount != nil:
			change = fmt.Sprintf("%s → %s", amountOrNone(c.FromAmount), amountOrNone(c.ToAmount))
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n",
			c.At.Format("2006-01-02T15:04:05Z07:00"), c.Kind, c.Actor, strings.ReplaceAll(c.Reason, "|", `\|`), change)
	}
	return b.String()
}

func amountOrNone(d *decimal.Decimal) string {
	if d == nil {
		return "none"
	}
	return d.StringFixed(2)
}

// --- Allocation ledger ---

func (c *cli) allocationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "allocation",
		Aliases: []string{"alloc"},
		Short:   "Manage fund capital allocation across managers",
	}

	var createActor string
	create := &cobra.Command{
		Use:   "create FUND TOTAL",
		Short: "Create a fund's allocation state with TOTAL unallocated capital",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			total, err := parseAmount(args[1])
			if err != nil {
				return err
			}
			st, err := c.app.Ledger.CreateFund(cmd.Context(), args[0], total, createActor)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "fund %s created with %s (version %d)\n", st.FundCode, c.formatter().Money(st.TotalCapital), st.Version)
			return nil
		},
	}
	create.Flags().StringVar(&createActor, "actor", "", "operator creating the fund")

	show := &cobra.Command{
		Use:   "show FUND",
		Short: "Print a fund's allocation state and history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := c.app.Ledger.State(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			history, err := c.app.Ledger.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.emit(cmd.OutOrStdout(), st, report.Allocation(st, history, c.formatter()))
		},
	}

	var previewDist []string
	preview := &cobra.Command{
		Use:   "preview FUND MANAGER AMOUNT",
		Short: "Validate an allocation and show its impact without committing",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := buildRequest(args[1], args[2], previewDist)
			if err != nil {
				return err
			}
			p, err := c.app.Ledger.Preview(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			return c.emit(cmd.OutOrStdout(), p, previewMarkdown(p, c.formatter()))
		},
	}
	preview.Flags().StringSliceVar(&previewDist, "split", nil, "per-account share as ACCOUNT=AMOUNT (repeatable)")

	mutate := func(use, short string, apply func(*cobra.Command, string, allocation.Request) (*model.AllocationHistoryEntry, error)) *cobra.Command {
		var (
			actor, note string
			dist        []string
		)
		sub := &cobra.Command{
			Use:   use + " FUND MANAGER AMOUNT",
			Short: short,
			Args:  cobra.ExactArgs(3),
			RunE: func(cmd *cobra.Command, args []string) error {
				req, err := buildRequest(args[1], args[2], dist)
				if err != nil {
					return err
				}
				req.Actor, req.Note = actor, note
				entry, err := apply(cmd, args[0], req)
				if err != nil {
					return describe(err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s for %s (version %d)\n",
					entry.FundCode, entry.Action, c.formatter().Signed(entry.Amount), entry.Manager, entry.Version)
				return nil
			},
		}
		sub.Flags().StringVar(&actor, "actor", "", "operator issuing the change")
		sub.Flags().StringVar(&note, "note", "", "free-form note stored with the history entry")
		sub.Flags().StringSliceVar(&dist, "split", nil, "per-account share as ACCOUNT=AMOUNT (repeatable)")
		return sub
	}

	commit := mutate("commit", "Allocate capital from the unallocated pool to a manager",
		func(cmd *cobra.Command, fund string, req allocation.Request) (*model.AllocationHistoryEntry, error) {
			return c.app.Ledger.Commit(cmd.Context(), fund, req)
		})
	deallocate := mutate("deallocate", "Return capital from a manager to the unallocated pool",
		func(cmd *cobra.Command, fund string, req allocation.Request) (*model.AllocationHistoryEntry, error) {
			return c.app.Ledger.Deallocate(cmd.Context(), fund, req)
		})
	outcome := mutate("outcome", "Book a realized gain (positive) or loss (negative) against a manager",
		func(cmd *cobra.Command, fund string, req allocation.Request) (*model.AllocationHistoryEntry, error) {
			return c.app.Ledger.RecordOutcome(cmd.Context(), fund, req.Manager, req.Amount, req.Actor, req.Note)
		})

	verify := &cobra.Command{
		Use:   "verify FUND",
		Short: "Replay a fund's history and compare it with the stored state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.app.Ledger.Verify(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "fund %s: history replays to stored state\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(create, show, preview, commit, deallocate, outcome, verify)
	return cmd
}

func buildRequest(manager, amount string, split []string) (allocation.Request, error) {
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return allocation.Request{}, fmt.Errorf("invalid amount %q", amount)
	}
	req := allocation.Request{Manager: manager, Amount: amt}
	if len(split) > 0 {
		req.Distribution = make(map[int64]decimal.Decimal, len(split))
		for _, s := range split {
			acct, share, ok := strings.Cut(s, "=")
			if !ok {
				return allocation.Request{}, fmt.Errorf("invalid split %q, want ACCOUNT=AMOUNT", s)
			}
			n, err := parseAccount(acct)
			if err != nil {
				return allocation.Request{}, err
			}
			v, err := decimal.NewFromString(share)
			if err != nil {
				return allocation.Request{}, fmt.Errorf("invalid split amount %q", share)
			}
			req.Distribution[n] = req.Distribution[n].Add(v)
		}
	}
	return req, nil
}

func previewMarkdown(p allocation.Preview, f report.Formatter) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Allocation preview %s\n\n", p.Impact.FundCode)
	b.WriteString("| | Before | After |\n|---|---|---|\n")
	fmt.Fprintf(&b, "| Unallocated | %s | %s |\n", f.Money(p.Impact.UnallocatedBefore), f.Money(p.Impact.UnallocatedAfter))
	fmt.Fprintf(&b, "| Allocated | %s | %s |\n", f.Money(p.Impact.AllocatedBefore), f.Money(p.Impact.AllocatedAfter))
	fmt.Fprintf(&b, "| %s | %s | %s |\n", p.Impact.Manager, f.Money(p.Impact.ManagerBefore), f.Money(p.Impact.ManagerAfter))
	if p.Valid {
		b.WriteString("\nValid.\n")
		return b.String()
	}
	b.WriteString("\n## Rejected\n\n")
	for _, e := range p.Errors {
		fmt.Fprintf(&b, "- **%s** %s\n", e.Field, e.Message)
	}
	return b.String()
}

// describe expands itemized validation failures onto separate lines.
func describe(err error) error {
	var verrs allocation.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	lines := make([]string, 0, len(verrs))
	for _, e := range verrs {
		lines = append(lines, "  "+e.Error())
	}
	return fmt.Errorf("%w:\n%s", allocation.ErrValidation, strings.Join(lines, "\n"))
}

func parseAccount(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid account number %q", s)
	}
	return n, nil
}

func parseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q", s)
	}
	return d, nil
}
