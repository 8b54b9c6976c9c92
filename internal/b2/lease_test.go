package b2

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

// countingFetcher hands out numbered leases and counts calls.
type countingFetcher struct {
	calls atomic.Int32
	fail  atomic.Bool
	delay time.Duration
}

func (f *countingFetcher) fetch(_ context.Context, bucketID string) (UploadLease, error) {
	n := f.calls.Add(1)

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	if f.fail.Load() {
		return UploadLease{}, &Error{Kind: KindConnect, Message: "could not connect"}
	}

	return UploadLease{
		URL:   fmt.Sprintf("https://pod.example/%s/%d", bucketID, n),
		Token: fmt.Sprintf("token-%d", n),
	}, nil
}

func TestUploadLease_ValidAt(t *testing.T) {
	t.Parallel()

	issued := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := UploadLease{IssuedAt: issued}

	assert.True(t, l.ValidAt(issued))
	assert.True(t, l.ValidAt(issued.Add(LeaseTTL-time.Millisecond)))
	assert.False(t, l.ValidAt(issued.Add(LeaseTTL)))
	assert.False(t, l.ValidAt(issued.Add(LeaseTTL+time.Hour)))
}

func TestLeaseCache_ReuseWithinTTL(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	f := &countingFetcher{}
	lc := NewLeaseCache("bucket-1", f.fetch, clock.Now, nil)

	first, err := lc.GetOrRefresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), first.IssuedAt)

	clock.Advance(LeaseTTL - time.Millisecond)

	second, err := lc.GetOrRefresh(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestLeaseCache_RefreshAtTTL(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	f := &countingFetcher{}
	lc := NewLeaseCache("bucket-1", f.fetch, clock.Now, nil)

	first, err := lc.GetOrRefresh(context.Background())
	require.NoError(t, err)

	clock.Advance(LeaseTTL)

	second, err := lc.GetOrRefresh(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, first.URL, second.URL)
	assert.Equal(t, "token-2", second.Token)
	assert.Equal(t, clock.Now(), second.IssuedAt)
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestLeaseCache_FailedRefreshKeepsStaleLease(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	f := &countingFetcher{}
	lc := NewLeaseCache("bucket-1", f.fetch, clock.Now, nil)

	first, err := lc.GetOrRefresh(context.Background())
	require.NoError(t, err)

	clock.Advance(LeaseTTL + time.Minute)
	f.fail.Store(true)

	_, err = lc.GetOrRefresh(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnect)

	stale, ok := lc.Cached()
	require.True(t, ok)
	assert.Equal(t, first, stale)
}

func TestLeaseCache_ConcurrentCallersGetValidLeases(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	f := &countingFetcher{delay: 20 * time.Millisecond}
	lc := NewLeaseCache("bucket-1", f.fetch, clock.Now, nil)

	const n = 10

	var wg sync.WaitGroup

	leases := make([]UploadLease, n)
	errs := make([]error, n)

	for i := range n {
		wg.Add(1)

		go func() {
			defer wg.Done()
			leases[i], errs[i] = lc.GetOrRefresh(context.Background())
		}()
	}

	wg.Wait()

	for i := range n {
		require.NoError(t, errs[i])
		assert.True(t, leases[i].ValidAt(clock.Now()))
		assert.NotEmpty(t, leases[i].URL)
	}

	calls := f.calls.Load()
	assert.GreaterOrEqual(t, calls, int32(1))
	assert.LessOrEqual(t, calls, int32(n))

	// Whichever refresh stored last is what the cache holds now.
	cached, ok := lc.Cached()
	require.True(t, ok)
	assert.True(t, cached.ValidAt(clock.Now()))
}

func TestLeaseCache_Invalidate(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	f := &countingFetcher{}
	lc := NewLeaseCache("bucket-1", f.fetch, clock.Now, nil)

	_, err := lc.GetOrRefresh(context.Background())
	require.NoError(t, err)

	lc.Invalidate()

	_, ok := lc.Cached()
	assert.False(t, ok)

	_, err = lc.GetOrRefresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestLeaseCache_InvalidateTokenKeepsRefreshedLease(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	f := &countingFetcher{}
	lc := NewLeaseCache("bucket-1", f.fetch, clock.Now, nil)

	stale, err := lc.GetOrRefresh(context.Background())
	require.NoError(t, err)

	// Another caller already replaced the rejected lease.
	lc.Invalidate()

	fresh, err := lc.GetOrRefresh(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, stale.Token, fresh.Token)

	lc.InvalidateToken(stale.Token)

	cached, ok := lc.Cached()
	require.True(t, ok)
	assert.Equal(t, fresh.Token, cached.Token)

	lc.InvalidateToken(fresh.Token)

	_, ok = lc.Cached()
	assert.False(t, ok)
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestClient_UploadLeasePerBucket(t *testing.T) {
	t.Parallel()

	f := newFakeB2(t)
	c := newTestClient(t, f.URL())

	a, err := c.UploadLease(context.Background(), "bucket-a")
	require.NoError(t, err)

	b, err := c.UploadLease(context.Background(), "bucket-b")
	require.NoError(t, err)

	again, err := c.UploadLease(context.Background(), "bucket-a")
	require.NoError(t, err)

	assert.Contains(t, a.URL, "/upload/bucket-a/")
	assert.Contains(t, b.URL, "/upload/bucket-b/")
	assert.Equal(t, a, again)
	assert.Equal(t, testUploadToken, a.Token)
	assert.Equal(t, int32(2), f.uploadURLCalls.Load())
}

func TestClient_UploadLeaseHonoursClock(t *testing.T) {
	t.Parallel()

	f := newFakeB2(t)
	c := newTestClient(t, f.URL())

	clock := newFakeClock()
	c.nowFunc = clock.Now

	first, err := c.UploadLease(context.Background(), "bucket-a")
	require.NoError(t, err)

	clock.Advance(LeaseTTL)

	second, err := c.UploadLease(context.Background(), "bucket-a")
	require.NoError(t, err)

	assert.NotEqual(t, first.URL, second.URL)
	assert.Equal(t, int32(2), f.uploadURLCalls.Load())
}

func TestClient_UploadLeaseBadBucket(t *testing.T) {
	t.Parallel()

	f := newFakeB2(t)
	c := newTestClient(t, f.URL())

	_, err := c.UploadLease(context.Background(), "")
	require.Error(t, err)

	assert.True(t, errors.Is(err, ErrBadRequest))
}
