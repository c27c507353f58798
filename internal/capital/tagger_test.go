package capital

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fidus/capital-engine/internal/classify"
	"github.com/fidus/capital-engine/internal/model"
	"github.com/fidus/capital-engine/internal/registry"
)

const (
	clientAcct = 886557
	reinvAcct  = 891234
	sepAcct    = 897591
	interAcct  = 897599
	houseAcct  = 885822
	orphanAcct = 700001
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.Build(registry.Spec{Accounts: []registry.AccountSpec{
		{Number: clientAcct, Role: registry.RoleTrading},
		{Number: reinvAcct, Role: registry.RoleTrading},
		{Number: sepAcct, Role: registry.RoleSeparation},
		{Number: interAcct, Role: registry.RoleIntermediary},
		{Number: houseAcct, Role: registry.RoleHouse},
	}})
	require.NoError(t, err)
	return reg
}

func classified(t *testing.T, reg *registry.Registry, account int64, deals ...model.DealRecord) []classify.Classification {
	t.Helper()
	c, err := classify.New(classify.DefaultRules(), reg.Accounts())
	require.NoError(t, err)
	for i := range deals {
		deals[i].AccountNumber = account
		deals[i].Type = model.DealBalance
		deals[i].Timestamp = time.Date(2025, 7, 1+i, 0, 0, 0, 0, time.UTC)
	}
	return c.ClassifyAll(deals)
}

func deal(amount int64, comment string) model.DealRecord {
	return model.DealRecord{Amount: decimal.NewFromInt(amount), Comment: comment}
}

func TestTag_FirstMatchWins(t *testing.T) {
	reg := testRegistry(t)
	tagger := NewTagger(reg)

	tests := []struct {
		name    string
		account int64
		deals   []model.DealRecord
		want    model.CapitalSource
		rule    string
		review  bool
	}{
		{"deposit makes client", clientAcct, []model.DealRecord{deal(80000, "Deposit")}, model.SourceClient, RuleClientDeposit, false},
		{"deposit beats segregated inbound", clientAcct, []model.DealRecord{
			deal(5000, "transfer from 897591"), deal(1000, "deposit"),
		}, model.SourceClient, RuleClientDeposit, false},
		{"inbound from separation", reinvAcct, []model.DealRecord{deal(5000, "Transfer from 897591")}, model.SourceReinvestedProfit, RuleReinvested, false},
		{"inbound from intermediary", reinvAcct, []model.DealRecord{deal(5000, "#897599")}, model.SourceReinvestedProfit, RuleReinvested, false},
		{"outbound to separation is not reinvestment", reinvAcct, []model.DealRecord{deal(-5000, "transfer to 897591")}, model.SourceUnknown, RuleUnmatched, true},
		{"separation registered", sepAcct, []model.DealRecord{deal(3000, "transfer from 886557")}, model.SourceSeparation, RuleSeparation, false},
		{"intermediary registered", interAcct, nil, model.SourceIntermediary, RuleIntermediary, false},
		{"house registered", houseAcct, nil, model.SourceFidusHouse, RuleHouse, false},
		{"nothing matches fails closed", orphanAcct, []model.DealRecord{deal(-100, "withdraw")}, model.SourceUnknown, RuleUnmatched, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			account := model.TradingAccount{AccountNumber: tt.account, CapitalSource: model.SourceUnknown}
			got := tagger.Tag(account, classified(t, reg, tt.account, tt.deals...))
			assert.Equal(t, tt.want, got.Source)
			assert.Equal(t, tt.rule, got.Rule)
			assert.Equal(t, tt.review, got.NeedsReview)
		})
	}
}

func TestTag_OverrideNeverRetagged(t *testing.T) {
	reg := testRegistry(t)
	tagger := NewTagger(reg)
	account := model.TradingAccount{
		AccountNumber:  clientAcct,
		CapitalSource:  model.SourceFidusHouse,
		SourceOverride: true,
	}

	got := tagger.Tag(account, classified(t, reg, clientAcct, deal(80000, "Deposit")))
	assert.Equal(t, model.SourceFidusHouse, got.Source)
	assert.Equal(t, RuleOperatorOverride, got.Rule)
	assert.False(t, got.NeedsReview)
}

func TestTag_InboundSeparationTransferOnly(t *testing.T) {
	reg := testRegistry(t)
	got := NewTagger(reg).Tag(
		model.TradingAccount{AccountNumber: reinvAcct},
		classified(t, reg, reinvAcct, deal(5000, "Transfer from 897591")),
	)
	assert.Equal(t, model.SourceReinvestedProfit, got.Source)
	assert.EqualValues(t, sepAcct, got.Evidence)
}

func TestTag_NilRegistry(t *testing.T) {
	got := NewTagger(nil).Tag(model.TradingAccount{AccountNumber: orphanAcct}, nil)
	assert.Equal(t, model.SourceUnknown, got.Source)
	assert.True(t, got.NeedsReview)
}
