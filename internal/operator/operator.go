// Package operator applies the explicit, audited commands that are the only
// way owned account state changes: onboarding an account, reclassifying its
// capital source, and pinning or clearing its initial-allocation basis.
// Every command records who issued it, when and why.
package operator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fidus/capital-engine/internal/broker"
	"github.com/fidus/capital-engine/internal/capital"
	"github.com/fidus/capital-engine/internal/classify"
	"github.com/fidus/capital-engine/internal/metrics"
	"github.com/fidus/capital-engine/internal/model"
	"github.com/fidus/capital-engine/internal/store"
)

var (
	ErrActorRequired  = errors.New("operator: actor is required")
	ErrReasonRequired = errors.New("operator: reason is required")
	ErrFundRequired   = errors.New("operator: fund code is required")
	ErrNoChange       = errors.New("operator: command would not change anything")
	ErrInvalidAmount  = errors.New("operator: initial allocation must be positive")
)

// Publisher receives an event after each applied command.
type Publisher interface {
	Publish(model.Event)
}

// Meta identifies who issued a command and why.
type Meta struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

func (m Meta) validate() error {
	if strings.TrimSpace(m.Actor) == "" {
		return ErrActorRequired
	}
	if strings.TrimSpace(m.Reason) == "" {
		return ErrReasonRequired
	}
	return nil
}

// Service applies operator commands.
type Service struct {
	store      store.Store
	deals      broker.DealSource
	classifier *classify.Classifier
	tagger     *capital.Tagger
	publisher  Publisher
	now        func() time.Time
}

// NewService creates an operator service. pub may be nil.
func NewService(st store.Store, deals broker.DealSource, classifier *classify.Classifier, tagger *capital.Tagger, pub Publisher) *Service {
	return &Service{
		store:      st,
		deals:      deals,
		classifier: classifier,
		tagger:     tagger,
		publisher:  pub,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source. Used in tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Onboard registers a new account and persists the capital source the
// tagger derives from its full deal history. An account the tagger cannot
// resolve is stored as unknown and stays out of client and house totals.
func (s *Service) Onboard(ctx context.Context, number int64, fundCode, manager string, meta Meta) (*model.TradingAccount, capital.Tag, error) {
	if err := meta.validate(); err != nil {
		return nil, capital.Tag{}, err
	}
	if strings.TrimSpace(fundCode) == "" {
		return nil, capital.Tag{}, ErrFundRequired
	}

	deals, err := s.deals.Deals(ctx, number, broker.Window{})
	if err != nil {
		return nil, capital.Tag{}, fmt.Errorf("onboard %d: %w", number, err)
	}

	onboarded, err := s.store.ListAccounts(ctx)
	if err != nil {
		return nil, capital.Tag{}, fmt.Errorf("onboard %d: list accounts: %w", number, err)
	}
	known := make([]int64, len(onboarded))
	for i, a := range onboarded {
		known[i] = a.AccountNumber
	}

	account := model.TradingAccount{AccountNumber: number, FundCode: fundCode, Manager: manager}
	tag := s.tagger.Tag(account, s.classifier.WithKnown(known...).ClassifyAll(deals))
	account.CapitalSource = tag.Source

	cmd := s.command(model.CommandOnboard, number, meta)
	cmd.ToSource = tag.Source
	if err := s.apply(ctx, cmd, &account); err != nil {
		return nil, capital.Tag{}, err
	}

	if tag.NeedsReview {
		slog.Warn("onboarded account needs capital source review", "account", number, "fund", fundCode)
	}
	return &account, tag, nil
}

// Reclassify sets an account's capital source and freezes it against
// automatic re-tagging.
func (s *Service) Reclassify(ctx context.Context, number int64, to model.CapitalSource, meta Meta) (*model.TradingAccount, error) {
	if err := meta.validate(); err != nil {
		return nil, err
	}
	if _, err := model.ParseCapitalSource(string(to)); err != nil {
		return nil, err
	}

	account, err := s.store.GetAccount(ctx, number)
	if err != nil {
		return nil, err
	}
	if account.CapitalSource == to && account.SourceOverride {
		return nil, fmt.Errorf("%w: account %d is already %s", ErrNoChange, number, to)
	}

	cmd := s.command(model.CommandReclassify, number, meta)
	cmd.FromSource = account.CapitalSource
	cmd.ToSource = to
	cmd.Override = true

	account.CapitalSource = to
	account.SourceOverride = true
	if err := s.apply(ctx, cmd, account); err != nil {
		return nil, err
	}
	return account, nil
}

// OverrideInitialAllocation pins an account's P&L basis, superseding
// reconstructed net deposits.
func (s *Service) OverrideInitialAllocation(ctx context.Context, number int64, amount decimal.Decimal, meta Meta) (*model.TradingAccount, error) {
	if err := meta.validate(); err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: got %s", ErrInvalidAmount, amount)
	}

	account, err := s.store.GetAccount(ctx, number)
	if err != nil {
		return nil, err
	}
	if account.InitialAllocation != nil && account.InitialAllocation.Equal(amount) {
		return nil, fmt.Errorf("%w: account %d basis is already %s", ErrNoChange, number, amount)
	}

	cmd := s.command(model.CommandOverrideAllocation, number, meta)
	cmd.FromAmount = account.InitialAllocation
	cmd.ToAmount = &amount

	account.InitialAllocation = &amount
	if err := s.apply(ctx, cmd, account); err != nil {
		return nil, err
	}
	return account, nil
}

// ClearInitialAllocation removes a pinned basis so P&L falls back to
// reconstructed net deposits.
func (s *Service) ClearInitialAllocation(ctx context.Context, number int64, meta Meta) (*model.TradingAccount, error) {
	if err := meta.validate(); err != nil {
		return nil, err
	}

	account, err := s.store.GetAccount(ctx, number)
	if err != nil {
		return nil, err
	}
	if account.InitialAllocation == nil {
		return nil, fmt.Errorf("%w: account %d has no initial allocation", ErrNoChange, number)
	}

	cmd := s.command(model.CommandClearAllocation, number, meta)
	cmd.FromAmount = account.InitialAllocation

	account.InitialAllocation = nil
	if err := s.apply(ctx, cmd, account); err != nil {
		return nil, err
	}
	return account, nil
}

// History returns the command audit log of an account (0 for all accounts).
func (s *Service) History(ctx context.Context, number int64) ([]model.OperatorCommand, error) {
	return s.store.ListOperatorCommands(ctx, number)
}

func (s *Service) command(kind model.CommandKind, number int64, meta Meta) *model.OperatorCommand {
	return &model.OperatorCommand{
		ID:            uuid.New().String(),
		Kind:          kind,
		AccountNumber: number,
		Actor:         meta.Actor,
		Reason:        meta.Reason,
		At:            s.now(),
	}
}

func (s *Service) apply(ctx context.Context, cmd *model.OperatorCommand, account *model.TradingAccount) error {
	if err := s.store.ApplyOperatorCommand(ctx, cmd, account); err != nil {
		return fmt.Errorf("%s account %d: %w", cmd.Kind, cmd.AccountNumber, err)
	}
	metrics.OperatorCommands.WithLabelValues(string(cmd.Kind)).Inc()

	slog.Info("operator command applied",
		"id", cmd.ID,
		"kind", cmd.Kind,
		"account", cmd.AccountNumber,
		"fund", account.FundCode,
		"capital_source", account.CapitalSource,
		"actor", cmd.Actor,
		"reason", cmd.Reason,
	)

	if s.publisher != nil {
		e := model.Event{
			Type:          "operator_" + string(cmd.Kind),
			FundCode:      account.FundCode,
			AccountNumber: cmd.AccountNumber,
			Actor:         cmd.Actor,
			At:            cmd.At,
		}
		if cmd.ToAmount != nil {
			e.Amount = cmd.ToAmount.String()
		}
		s.publisher.Publish(e)
	}
	return nil
}
