// Package capital assigns each trading account the capital source its money
// belongs to, from classified deals plus the declared account registry.
package capital

import (
	"github.com/fidus/capital-engine/internal/classify"
	"github.com/fidus/capital-engine/internal/model"
	"github.com/fidus/capital-engine/internal/registry"
)

// Rule names reported with each tag, in evaluation order.
const (
	RuleOperatorOverride = "operator_override"
	RuleClientDeposit    = "client_deposit"
	RuleReinvested       = "inbound_from_segregated"
	RuleSeparation       = "registered_separation"
	RuleIntermediary     = "registered_intermediary"
	RuleHouse            = "registered_house"
	RuleUnmatched        = "unmatched"
)

// Tag is the tagger's verdict for one account.
type Tag struct {
	AccountNumber int64               `json:"account_number"`
	Source        model.CapitalSource `json:"capital_source"`
	Rule          string              `json:"rule"`
	// NeedsReview is set when no rule matched. Such accounts fail closed:
	// they are never counted as client money until an operator resolves them.
	NeedsReview bool `json:"needs_review"`
	// Evidence is the counterparty that triggered a reinvested-profit tag.
	Evidence int64 `json:"evidence,omitempty"`
}

// Tagger applies the first-match-wins tagging rules. It is stateless apart
// from the registry it reads and is safe for concurrent use.
type Tagger struct {
	reg *registry.Registry
}

// NewTagger creates a tagger backed by the given registry.
func NewTagger(reg *registry.Registry) *Tagger {
	if reg == nil {
		reg = registry.Empty()
	}
	return &Tagger{reg: reg}
}

// Tag derives the capital source of account from its classified deals.
func (t *Tagger) Tag(account model.TradingAccount, deals []classify.Classification) Tag {
	n := account.AccountNumber

	if account.SourceOverride {
		return Tag{AccountNumber: n, Source: account.CapitalSource, Rule: RuleOperatorOverride}
	}

	for _, c := range deals {
		if c.Category == classify.Deposit {
			return Tag{AccountNumber: n, Source: model.SourceClient, Rule: RuleClientDeposit}
		}
	}

	for _, c := range deals {
		if c.Category == classify.InternalTransfer && c.Inbound() && t.reg.IsSegregated(c.Counterparty) {
			return Tag{
				AccountNumber: n,
				Source:        model.SourceReinvestedProfit,
				Rule:          RuleReinvested,
				Evidence:      c.Counterparty,
			}
		}
	}

	switch t.reg.Role(n) {
	case registry.RoleSeparation:
		return Tag{AccountNumber: n, Source: model.SourceSeparation, Rule: RuleSeparation}
	case registry.RoleIntermediary:
		return Tag{AccountNumber: n, Source: model.SourceIntermediary, Rule: RuleIntermediary}
	case registry.RoleHouse:
		return Tag{AccountNumber: n, Source: model.SourceFidusHouse, Rule: RuleHouse}
	}

	return Tag{AccountNumber: n, Source: model.SourceUnknown, Rule: RuleUnmatched, NeedsReview: true}
}
