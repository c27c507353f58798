package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/fidus/capital-engine/internal/model"
)

// FileSource reads the JSON files the external broker bridge drops into a
// directory:
//
//	<dir>/deals/<account>.json      []model.DealRecord
//	<dir>/snapshots/<account>.json  Snapshot
//	<dir>/rebates.json              []model.BrokerRebate
//	<dir>/investments.json          []model.Investment
//
// Files are re-read on every call so snapshots are never served stale.
type FileSource struct {
	dir string
}

// NewFileSource creates a source rooted at dir.
func NewFileSource(dir string) *FileSource {
	return &FileSource{dir: dir}
}

func (f *FileSource) Deals(ctx context.Context, account int64, w Window) ([]model.DealRecord, error) {
	var deals []model.DealRecord
	err := f.readJSON(ctx, filepath.Join("deals", accountFile(account)), &deals)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("deals for %d: %w", account, ErrAccountNotFound)
	}
	if err != nil {
		return nil, err
	}

	out := deals[:0]
	for _, d := range deals {
		if d.AccountNumber == 0 {
			d.AccountNumber = account
		}
		if d.AccountNumber == account && w.Contains(d.Timestamp) {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (f *FileSource) Snapshot(ctx context.Context, account int64) (Snapshot, error) {
	var s Snapshot
	err := f.readJSON(ctx, filepath.Join("snapshots", accountFile(account)), &s)
	if errors.Is(err, fs.ErrNotExist) {
		return Snapshot{}, fmt.Errorf("account %d: %w", account, ErrSnapshotNotFound)
	}
	if err != nil {
		return Snapshot{}, err
	}
	s.AccountNumber = account
	return s, nil
}

func (f *FileSource) Rebates(ctx context.Context, fundCode string) ([]model.BrokerRebate, error) {
	var all []model.BrokerRebate
	if err := f.readJSON(ctx, "rebates.json", &all); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	var out []model.BrokerRebate
	for _, r := range all {
		if r.FundCode == fundCode {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *FileSource) ActiveInvestments(ctx context.Context, fundCode string) ([]model.Investment, error) {
	var all []model.Investment
	if err := f.readJSON(ctx, "investments.json", &all); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	var out []model.Investment
	for _, inv := range all {
		if inv.FundCode == fundCode && inv.Active {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (f *FileSource) readJSON(ctx context.Context, rel string, dst any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := filepath.Join(f.dir, rel)
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func accountFile(account int64) string {
	return strconv.FormatInt(account, 10) + ".json"
}
