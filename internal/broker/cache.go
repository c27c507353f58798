package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/fidus/capital-engine/internal/metrics"
	"github.com/fidus/capital-engine/internal/model"
)

// CachedDealSource memoizes deal history per (account, window). Deal
// records are immutable upstream, so a cached window only misses deals
// booked after it was loaded; ttl bounds that lag for open-ended windows.
//
// Snapshots are deliberately not cached anywhere in this package.
type CachedDealSource struct {
	next  DealSource
	cache *cache.Cache
	ttl   time.Duration
	now   func() time.Time
}

// NewCachedDealSource wraps next with an in-process cache.
func NewCachedDealSource(next DealSource, ttl time.Duration) *CachedDealSource {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CachedDealSource{
		next:  next,
		cache: cache.New(ttl, 2*ttl),
		ttl:   ttl,
		now:   time.Now,
	}
}

func (c *CachedDealSource) Deals(ctx context.Context, account int64, w Window) ([]model.DealRecord, error) {
	key := dealKey(account, w)
	if cached, found := c.cache.Get(key); found {
		metrics.DealCacheLookups.WithLabelValues("hit").Inc()
		return cloneDeals(cached.([]model.DealRecord)), nil
	}
	metrics.DealCacheLookups.WithLabelValues("miss").Inc()

	deals, err := c.next.Deals(ctx, account, w)
	if err != nil {
		return nil, err
	}

	// A window that closed in the past cannot gain deals.
	expiry := c.ttl
	if !w.To.IsZero() && w.To.Before(c.now()) {
		expiry = cache.NoExpiration
	}
	c.cache.Set(key, cloneDeals(deals), expiry)
	return deals, nil
}

// Invalidate drops every cached window of an account.
func (c *CachedDealSource) Invalidate(account int64) {
	prefix := fmt.Sprintf("deals:%d:", account)
	for key := range c.cache.Items() {
		if strings.HasPrefix(key, prefix) {
			c.cache.Delete(key)
		}
	}
}

func dealKey(account int64, w Window) string {
	return fmt.Sprintf("deals:%d:%d:%d", account, unixOrZero(w.From), unixOrZero(w.To))
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func cloneDeals(in []model.DealRecord) []model.DealRecord {
	return append([]model.DealRecord(nil), in...)
}
