// Package classify tags balance-affecting broker deals as deposits,
// withdrawals, internal transfers, fees or unclassified entries.
//
// Classification is driven by an explicit, versioned rule table rather than
// ad-hoc substring checks. The result is a pure function of the deal's
// comment and sign (plus the rule table and the set of known account
// numbers): the same input always yields the same output.
package classify

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"

	"github.com/fidus/capital-engine/internal/model"
)

// Category is the capital meaning of a deal.
type Category string

const (
	Deposit          Category = "deposit"
	Withdrawal       Category = "withdrawal"
	InternalTransfer Category = "internal_transfer"
	Fee              Category = "fee"
	Unclassified     Category = "unclassified"
	Trade            Category = "trade"
)

// Sign constrains which amounts a rule applies to.
type Sign int

const (
	AnySign Sign = iota
	Positive
	Negative
)

func (s Sign) accepts(r model.DealRecord) bool {
	switch s {
	case Positive:
		return r.Amount.IsPositive()
	case Negative:
		return r.Amount.IsNegative()
	}
	return true
}

var (
	ErrEmptyRuleSet  = errors.New("classify: rule set has no rules")
	ErrInvalidRule   = errors.New("classify: invalid rule")
	ErrNoFallthrough = errors.New("classify: rule set must end with a withdrawal fallback")
)

// Rule maps a comment pattern to a category. A nil Pattern matches any
// comment. Rules that require a counterparty only match when the comment
// references a known account other than the deal's own.
type Rule struct {
	Name                string
	Category            Category
	Pattern             *regexp.Regexp
	Sign                Sign
	RequireCounterparty bool
}

// RuleSet is an ordered rule table. Earlier rules take precedence when a
// deal matches several categories.
type RuleSet struct {
	Version string
	Rules   []Rule
}

// DefaultVersion identifies the built-in rule table. Bump it whenever a
// pattern or the precedence order changes.
const DefaultVersion = "2025.09-r3"

// accountRef matches a broker account number in free text, optionally
// prefixed with '#', "acc" or "account".
var accountRef = regexp.MustCompile(`(?i)(?:#|\bacc(?:ount)?\.?\s*#?\s*|\b)(\d{5,12})\b`)

// DefaultRules returns the built-in rule table. Precedence is
// InternalTransfer > Fee > Deposit > Withdrawal: a transfer that also looks
// like a deposit must never be counted as new capital.
func DefaultRules() RuleSet {
	return RuleSet{
		Version: DefaultVersion,
		Rules: []Rule{
			{
				Name:                "transfer-counterparty",
				Category:            InternalTransfer,
				Pattern:             regexp.MustCompile(`(?i)\b(transfer|trf|internal|move[ds]?|from|to)\b`),
				RequireCounterparty: true,
			},
			{
				Name:                "transfer-bare-account",
				Category:            InternalTransfer,
				RequireCounterparty: true,
			},
			{
				Name:     "fee",
				Category: Fee,
				Pattern:  regexp.MustCompile(`(?i)\b(fee|fees|commission|charge|swap|storage|admin)\b`),
			},
			{
				Name:     "client-deposit",
				Category: Deposit,
				Pattern:  regexp.MustCompile(`(?i)\b(deposit|dep|wire\s+in|funding|client\s+funds?|top[\s-]?up)\b`),
				Sign:     Positive,
			},
			{
				Name:     "withdrawal",
				Category: Withdrawal,
				Sign:     Negative,
			},
		},
	}
}

// Validate checks the rule table is usable.
func (rs RuleSet) Validate() error {
	if len(rs.Rules) == 0 {
		return ErrEmptyRuleSet
	}
	for i, r := range rs.Rules {
		if r.Name == "" || r.Category == "" {
			return fmt.Errorf("%w: rule %d missing name or category", ErrInvalidRule, i)
		}
		if r.Category == Unclassified || r.Category == Trade {
			return fmt.Errorf("%w: rule %q cannot target %s", ErrInvalidRule, r.Name, r.Category)
		}
	}
	last := rs.Rules[len(rs.Rules)-1]
	if last.Category != Withdrawal || last.Pattern != nil {
		return ErrNoFallthrough
	}
	return nil
}

// Classification is the outcome for one deal.
type Classification struct {
	Deal         model.DealRecord `json:"deal"`
	Category     Category         `json:"category"`
	Rule         string           `json:"rule,omitempty"`
	Counterparty int64            `json:"counterparty,omitempty"`
	Ambiguous    bool             `json:"ambiguous,omitempty"`
	Candidates   []Category       `json:"candidates,omitempty"`
}

// Inbound reports whether the deal credited the account.
func (c Classification) Inbound() bool { return c.Deal.Amount.IsPositive() }

// Classifier applies a rule table against a set of known account numbers.
// It holds no mutable state and is safe for concurrent use.
type Classifier struct {
	rules RuleSet
	known map[int64]bool
}

// New creates a classifier. knownAccounts are the account numbers whose
// appearance in a comment marks a deal as an internal transfer.
func New(rules RuleSet, knownAccounts []int64) (*Classifier, error) {
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	known := make(map[int64]bool, len(knownAccounts))
	for _, n := range knownAccounts {
		known[n] = true
	}
	return &Classifier{rules: rules, known: known}, nil
}

// WithKnown returns a classifier that also treats accounts as known
// counterparties. The receiver is not modified.
func (c *Classifier) WithKnown(accounts ...int64) *Classifier {
	known := make(map[int64]bool, len(c.known)+len(accounts))
	for n := range c.known {
		known[n] = true
	}
	for _, n := range accounts {
		known[n] = true
	}
	return &Classifier{rules: c.rules, known: known}
}

// Version returns the rule table version in use.
func (c *Classifier) Version() string { return c.rules.Version }

// Classify tags a single deal.
func (c *Classifier) Classify(deal model.DealRecord) Classification {
	if deal.Type == model.DealTrade {
		return Classification{Deal: deal, Category: Trade}
	}

	counterparty := c.counterparty(deal)
	var (
		winner     *Rule
		candidates []Category
	)
	for i := range c.rules.Rules {
		r := &c.rules.Rules[i]
		if !c.matches(r, deal, counterparty) {
			continue
		}
		if !containsCategory(candidates, r.Category) {
			candidates = append(candidates, r.Category)
		}
		if winner == nil {
			winner = r
		}
	}

	if winner == nil {
		return Classification{Deal: deal, Category: Unclassified}
	}

	// The withdrawal fallback is implied by sign alone, so it only counts
	// towards ambiguity when nothing else matched.
	out := Classification{
		Deal:     deal,
		Category: winner.Category,
		Rule:     winner.Name,
	}
	if winner.Category == InternalTransfer {
		out.Counterparty = counterparty
	}
	explicit := withoutFallback(candidates)
	if len(explicit) > 1 {
		out.Ambiguous = true
		out.Candidates = explicit
	}
	return out
}

// ClassifyAll tags deals in timestamp order (stable for equal timestamps).
// The input slice is not modified.
func (c *Classifier) ClassifyAll(deals []model.DealRecord) []Classification {
	ordered := make([]model.DealRecord, len(deals))
	copy(ordered, deals)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	out := make([]Classification, len(ordered))
	for i, d := range ordered {
		out[i] = c.Classify(d)
	}
	return out
}

func (c *Classifier) matches(r *Rule, deal model.DealRecord, counterparty int64) bool {
	if !r.Sign.accepts(deal) {
		return false
	}
	if r.RequireCounterparty && counterparty == 0 {
		return false
	}
	if r.Pattern != nil && !r.Pattern.MatchString(deal.Comment) {
		return false
	}
	return true
}

// counterparty returns the first known account referenced in the comment
// that is not the deal's own account, or 0.
func (c *Classifier) counterparty(deal model.DealRecord) int64 {
	for _, m := range accountRef.FindAllStringSubmatch(deal.Comment, -1) {
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil || n == deal.AccountNumber {
			continue
		}
		if c.known[n] {
			return n
		}
	}
	return 0
}

func containsCategory(cs []Category, c Category) bool {
	for _, x := range cs {
		if x == c {
			return true
		}
	}
	return false
}

func withoutFallback(cs []Category) []Category {
	var out []Category
	for _, c := range cs {
		if c != Withdrawal {
			out = append(out, c)
		}
	}
	return out
}

// Summary counts classifications by category and ambiguity.
type Summary struct {
	Counts    map[Category]int `json:"counts"`
	Ambiguous int              `json:"ambiguous"`
}

// Summarize tallies a classification run.
func Summarize(cs []Classification) Summary {
	s := Summary{Counts: make(map[Category]int)}
	for _, c := range cs {
		s.Counts[c.Category]++
		if c.Ambiguous {
			s.Ambiguous++
		}
	}
	return s
}
