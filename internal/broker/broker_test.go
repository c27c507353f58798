package broker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fidus/capital-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)

func deal(account, ticket int64, daysAfter int, amount float64, comment string) model.DealRecord {
	return model.DealRecord{
		AccountNumber: account,
		Ticket:        ticket,
		Timestamp:     t0.AddDate(0, 0, daysAfter),
		Type:          model.DealBalance,
		Amount:        d(amount),
		Comment:       comment,
	}
}

func TestWindow_Contains(t *testing.T) {
	w := Window{From: t0, To: t0.AddDate(0, 0, 10)}
	tests := []struct {
		at   time.Time
		want bool
	}{
		{t0.Add(-time.Second), false},
		{t0, true},
		{t0.AddDate(0, 0, 9), true},
		{t0.AddDate(0, 0, 10), false},
	}
	for _, tt := range tests {
		if got := w.Contains(tt.at); got != tt.want {
			t.Errorf("Contains(%s) = %v, want %v", tt.at, got, tt.want)
		}
	}
	if !(Window{}).Contains(t0) {
		t.Error("zero window must be open-ended")
	}
}

func TestMemorySource(t *testing.T) {
	src := NewMemorySource()
	ctx := context.Background()
	src.AddDeals(deal(1, 3, 5, -100, "withdrawal"), deal(1, 1, 0, 1000, "deposit"), deal(2, 2, 1, 50, "deposit"))
	src.SetSnapshot(Snapshot{AccountNumber: 3, Equity: d(10), At: t0})
	src.AddInvestments(
		model.Investment{ID: "a", FundCode: "CORE", Active: true},
		model.Investment{ID: "b", FundCode: "CORE", Active: false},
		model.Investment{ID: "c", FundCode: "BALANCE", Active: true},
	)

	deals, err := src.Deals(ctx, 1, Window{})
	if err != nil {
		t.Fatalf("deals: %v", err)
	}
	if len(deals) != 2 || deals[0].Ticket != 1 {
		t.Errorf("expected time-ordered deals, got %+v", deals)
	}

	deals, _ = src.Deals(ctx, 1, Window{From: t0.AddDate(0, 0, 1)})
	if len(deals) != 1 || deals[0].Ticket != 3 {
		t.Errorf("window not applied: %+v", deals)
	}

	if deals, err := src.Deals(ctx, 3, Window{}); err != nil || len(deals) != 0 {
		t.Errorf("account with snapshot but no deals: %v %v", deals, err)
	}
	if _, err := src.Deals(ctx, 99, Window{}); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
	if _, err := src.Snapshot(ctx, 1); !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("expected ErrSnapshotNotFound, got %v", err)
	}

	inv, _ := src.ActiveInvestments(ctx, "CORE")
	if len(inv) != 1 || inv[0].ID != "a" {
		t.Errorf("unexpected investments %+v", inv)
	}
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestFileSource(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "deals", "886557.json"), `[
		{"ticket_id": 2, "timestamp": "2025-09-03T10:00:00Z", "deal_type": "balance", "signed_amount": "10000", "comment": "deposit"},
		{"ticket_id": 1, "timestamp": "2025-09-01T10:00:00Z", "deal_type": "balance", "signed_amount": 80000, "comment": "deposit"}
	]`)
	writeFile(t, filepath.Join(dir, "snapshots", "886557.json"),
		`{"balance": "100000", "equity": "103500.00", "at": "2025-10-01T12:00:00Z"}`)
	writeFile(t, filepath.Join(dir, "rebates.json"),
		`[{"fund_code": "BALANCE", "account_number": 886557, "amount": "120.5", "accrued_at": "2025-09-30T00:00:00Z"}]`)

	src := NewFileSource(dir)
	ctx := context.Background()

	deals, err := src.Deals(ctx, 886557, Window{})
	if err != nil {
		t.Fatalf("deals: %v", err)
	}
	if len(deals) != 2 || deals[0].Ticket != 1 || deals[0].AccountNumber != 886557 {
		t.Errorf("unexpected deals %+v", deals)
	}
	if !deals[0].Amount.Equal(d(80000)) {
		t.Errorf("numeric amount not decoded: %s", deals[0].Amount)
	}

	snap, err := src.Snapshot(ctx, 886557)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !snap.Equity.Equal(d(103500)) || snap.AccountNumber != 886557 {
		t.Errorf("unexpected snapshot %+v", snap)
	}

	// Snapshots are re-read on every call.
	writeFile(t, filepath.Join(dir, "snapshots", "886557.json"),
		`{"balance": "100000", "equity": "99000", "at": "2025-10-01T13:00:00Z"}`)
	snap, _ = src.Snapshot(ctx, 886557)
	if !snap.Equity.Equal(d(99000)) {
		t.Errorf("snapshot not refreshed: %s", snap.Equity)
	}

	if _, err := src.Snapshot(ctx, 1); !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("expected ErrSnapshotNotFound, got %v", err)
	}
	if _, err := src.Deals(ctx, 1, Window{}); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}

	rebates, err := src.Rebates(ctx, "BALANCE")
	if err != nil || len(rebates) != 1 {
		t.Errorf("rebates: %v %+v", err, rebates)
	}
	inv, err := src.ActiveInvestments(ctx, "BALANCE")
	if err != nil || len(inv) != 0 {
		t.Errorf("missing investments file must read as empty: %v %+v", err, inv)
	}
}

type countingDeals struct {
	calls int
	deals []model.DealRecord
}

func (c *countingDeals) Deals(_ context.Context, _ int64, _ Window) ([]model.DealRecord, error) {
	c.calls++
	return append([]model.DealRecord(nil), c.deals...), nil
}

func TestCachedDealSource(t *testing.T) {
	next := &countingDeals{deals: []model.DealRecord{deal(1, 1, 0, 100, "deposit")}}
	c := NewCachedDealSource(next, time.Minute)
	ctx := context.Background()
	w := Window{From: t0, To: t0.AddDate(0, 1, 0)}

	first, err := c.Deals(ctx, 1, w)
	if err != nil {
		t.Fatalf("deals: %v", err)
	}
	first[0].Comment = "mutated"

	second, _ := c.Deals(ctx, 1, w)
	if next.calls != 1 {
		t.Errorf("expected one upstream call, got %d", next.calls)
	}
	if second[0].Comment != "deposit" {
		t.Error("cached deals mutated through returned slice")
	}

	if _, err := c.Deals(ctx, 1, Window{From: t0}); err != nil {
		t.Fatal(err)
	}
	if next.calls != 2 {
		t.Errorf("different window must miss, calls=%d", next.calls)
	}

	c.Invalidate(1)
	if _, err := c.Deals(ctx, 1, w); err != nil {
		t.Fatal(err)
	}
	if next.calls != 3 {
		t.Errorf("invalidate did not drop cached window, calls=%d", next.calls)
	}
}
