package b2

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// LeaseTTL is how long an upload URL and its token are used before a new
// one is requested. B2 upload tokens are valid for 24 hours.
const LeaseTTL = 24 * time.Hour

// UploadLease is an upload URL and token for one bucket, stamped with the
// time it was obtained.
type UploadLease struct {
	URL      string
	Token    string
	IssuedAt time.Time
}

// ValidAt reports whether the lease may still be used at now.
func (l UploadLease) ValidAt(now time.Time) bool {
	return now.Sub(l.IssuedAt) < LeaseTTL
}

// LeaseFetcher requests a new upload URL for a bucket. The IssuedAt field
// of the returned lease is ignored; LeaseCache stamps it.
type LeaseFetcher func(ctx context.Context, bucketID string) (UploadLease, error)

// LeaseCache holds the current upload lease for a single bucket.
//
// The freshness check and the refresh are not one atomic step: two callers
// that both see an expired lease both fetch a new one and the last store
// wins. Neither caller ever gets an expired lease, and no upload waits
// behind another caller's refresh.
type LeaseCache struct {
	bucketID string
	fetch    LeaseFetcher
	now      func() time.Time
	logger   *slog.Logger

	mu    sync.Mutex
	lease *UploadLease
}

// NewLeaseCache creates an empty lease cache for bucketID. now defaults to
// time.Now.
func NewLeaseCache(bucketID string, fetch LeaseFetcher, now func() time.Time, logger *slog.Logger) *LeaseCache {
	if now == nil {
		now = time.Now
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &LeaseCache{
		bucketID: bucketID,
		fetch:    fetch,
		now:      now,
		logger:   logger,
	}
}

// GetOrRefresh returns the cached lease if it is still valid, otherwise
// fetches, stores, and returns a new one. A failed fetch leaves the
// previous lease in place.
func (c *LeaseCache) GetOrRefresh(ctx context.Context) (UploadLease, error) {
	now := c.now()

	c.mu.Lock()
	cached := c.lease
	c.mu.Unlock()

	if cached != nil && cached.ValidAt(now) {
		return *cached, nil
	}

	c.logger.Debug("refreshing upload lease",
		slog.String("bucket_id", c.bucketID),
		slog.Bool("expired", cached != nil),
	)

	fetched, err := c.fetch(ctx, c.bucketID)
	if err != nil {
		return UploadLease{}, err
	}

	lease := UploadLease{
		URL:      fetched.URL,
		Token:    fetched.Token,
		IssuedAt: now,
	}

	c.mu.Lock()
	c.lease = &lease
	c.mu.Unlock()

	return lease, nil
}

// Cached returns the stored lease, valid or not.
func (c *LeaseCache) Cached() (UploadLease, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lease == nil {
		return UploadLease{}, false
	}

	return *c.lease, true
}

// InvalidateToken drops the stored lease only if it still carries token,
// keeping a lease another caller has already refreshed.
func (c *LeaseCache) InvalidateToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lease != nil && c.lease.Token == token {
		c.lease = nil
	}
}

// Invalidate drops the stored lease.
func (c *LeaseCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lease = nil
}
