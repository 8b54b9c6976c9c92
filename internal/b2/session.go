package b2

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// ApplicationKey is the key ID and secret issued by B2. Immutable once
// handed to NewClient.
type ApplicationKey struct {
	ID     string
	Secret string
}

// Session is the result of a successful b2_authorize_account call. The
// token lifetime is decided by the server; a Session is used until a
// request fails with an auth error.
type Session struct {
	AccountID   string
	APIURL      string
	DownloadURL string
	Token       string

	RecommendedPartSize     int64
	AbsoluteMinimumPartSize int64
	Capabilities            []string
	AllowedBuckets          []AllowedBucket
	NamePrefix              string
}

// AllowedBucket is a bucket an application key is restricted to.
type AllowedBucket struct {
	ID   string
	Name string
}

// DefaultAuthorizeTimeout bounds one shared authorize call. Callers' own
// deadlines do not reach it, so a hung request needs its own limit.
const DefaultAuthorizeTimeout = 60 * time.Second

const authorizeFlight = "authorize"

// AuthorizeFunc performs the authorize exchange.
type AuthorizeFunc func(ctx context.Context) (Session, error)

// SessionCache lazily authorizes and caches the resulting Session. Safe
// for concurrent use; concurrent misses share one in-flight authorize call.
type SessionCache struct {
	authorize AuthorizeFunc
	logger    *slog.Logger
	timeout   time.Duration

	mu      sync.Mutex
	session *Session

	group singleflight.Group
}

// NewSessionCache creates an empty cache backed by authorize.
func NewSessionCache(authorize AuthorizeFunc, logger *slog.Logger) *SessionCache {
	if logger == nil {
		logger = slog.Default()
	}

	return &SessionCache{
		authorize: authorize,
		logger:    logger,
		timeout:   DefaultAuthorizeTimeout,
	}
}

// GetOrAuthorize returns the cached Session, authorizing first if the
// cache is empty. On failure the cache stays empty.
func (c *SessionCache) GetOrAuthorize(ctx context.Context) (Session, error) {
	if s, ok := c.Cached(); ok {
		return s, nil
	}

	// The lock is not held across the network call. The flight runs
	// detached from any one caller's cancellation so waiters that are still
	// live get a result, bounded by its own timeout. A caller that gives up
	// forgets the flight so the next caller sends a fresh request.
	ch := c.group.DoChan(authorizeFlight, func() (any, error) {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()

		s, err := c.authorize(actx)
		if err != nil {
			return Session{}, err
		}

		c.Set(s)

		return s, nil
	})

	select {
	case <-ctx.Done():
		c.group.Forget(authorizeFlight)

		e := classifyTransport(ctx.Err())
		e.Op = opAuthorizeAccount

		return Session{}, e
	case res := <-ch:
		if res.Err != nil {
			return Session{}, res.Err
		}

		s, _ := res.Val.(Session) //nolint:errcheck // flight always returns Session

		return s, nil
	}
}

// Cached returns the cached Session without authorizing.
func (c *SessionCache) Cached() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return Session{}, false
	}

	return *c.session, true
}

// Set replaces the cached Session.
func (c *SessionCache) Set(s Session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.session = &s
}

// InvalidateToken drops the cached Session only if it still carries token.
// A session stored by a concurrent re-authorize is kept.
func (c *SessionCache) InvalidateToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil || c.session.Token != token {
		return
	}

	c.logger.Info("session invalidated",
		slog.String("account_id", c.session.AccountID),
	)

	c.session = nil
}

// Invalidate drops the cached Session so the next GetOrAuthorize
// authorizes again.
func (c *SessionCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		c.logger.Info("session invalidated",
			slog.String("account_id", c.session.AccountID),
		)
	}

	c.session = nil
}
