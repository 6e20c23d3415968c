package trust

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goliatone/go-dataspace/pkg/interfaces/logger"
	"golang.org/x/sync/singleflight"
)

// ErrKeyNotFound is returned when the identity provider publishes no key
// with the requested id, even after a refresh.
var ErrKeyNotFound = errors.New("trust: key not found")

// ErrUnavailable is returned when no fresh key set exists, refresh failed,
// and any stale snapshot is beyond the configured grace period.
var ErrUnavailable = errors.New("trust: identity provider unavailable")

// Fetcher retrieves the identity provider's current key set.
type Fetcher interface {
	FetchKeys(ctx context.Context) (*KeySet, error)
}

// CacheOptions configure the trust cache.
type CacheOptions struct {
	Fetcher Fetcher
	// TTL bounds how long a fetched key set serves lookups before a
	// refresh is triggered.
	TTL time.Duration
	// GracePeriod bounds how long a stale key set may keep serving
	// lookups while refresh fails.
	GracePeriod time.Duration
	// FetchTimeout caps a single refresh call against the provider.
	FetchTimeout time.Duration
	Logger       logger.Logger

	now func() time.Time
}

// Cache holds the identity provider's signing keys with a bounded validity
// window. The key set is an immutable snapshot replaced wholesale on
// refresh; concurrent cache misses coalesce onto a single in-flight fetch.
type Cache struct {
	fetcher      Fetcher
	ttl          time.Duration
	grace        time.Duration
	fetchTimeout time.Duration
	logger       logger.Logger
	now          func() time.Time

	group singleflight.Group

	mu      sync.RWMutex
	current *KeySet
}

// NewCache builds the trust cache.
func NewCache(opts CacheOptions) (*Cache, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("trust: fetcher is required")
	}
	if opts.TTL <= 0 {
		opts.TTL = 15 * time.Minute
	}
	if opts.GracePeriod < 0 {
		opts.GracePeriod = 0
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = &logger.Nop{}
	}
	if opts.now == nil {
		opts.now = time.Now
	}
	return &Cache{
		fetcher:      opts.Fetcher,
		ttl:          opts.TTL,
		grace:        opts.GracePeriod,
		fetchTimeout: opts.FetchTimeout,
		logger:       opts.Logger,
		now:          opts.now,
	}, nil
}

// Key returns the public key for the given key id, refreshing the cached
// set when it is missing or stale. Lookups racing on the same miss share
// one fetch.
func (c *Cache) Key(ctx context.Context, kid string) (crypto.PublicKey, error) {
	now := c.now()
	snapshot := c.snapshot()

	if snapshot.Fresh(now) {
		if key, ok := snapshot.Key(kid); ok {
			return key.Public, nil
		}
		// Unknown kid in a fresh set may be key rotation; fall through
		// to a refresh before giving up.
	}

	refreshed, err := c.refresh(ctx)
	if err != nil {
		// Serve the stale snapshot within the grace window.
		if snapshot.WithinGrace(now, c.grace) {
			c.logger.Warn("trust: refresh failed, serving stale key set",
				logger.Field{Key: "error", Value: err.Error()},
				logger.Field{Key: "fetched_at", Value: snapshot.FetchedAt()},
			)
			if key, ok := snapshot.Key(kid); ok {
				return key.Public, nil
			}
			return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if key, ok := refreshed.Key(kid); ok {
		return key.Public, nil
	}
	return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
}

// Refresh forces a fetch of the provider's key set, coalescing with any
// refresh already in flight.
func (c *Cache) Refresh(ctx context.Context) (*KeySet, error) {
	return c.refresh(ctx)
}

// Snapshot returns the currently cached key set, possibly nil.
func (c *Cache) Snapshot() *KeySet {
	return c.snapshot()
}

func (c *Cache) snapshot() *KeySet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

func (c *Cache) refresh(ctx context.Context) (*KeySet, error) {
	ch := c.group.DoChan("keys", func() (any, error) {
		// The fetch runs detached from the triggering caller so a
		// cancelled waiter does not abort the fetch other waiters share.
		fetchCtx, cancel := context.WithTimeout(context.Background(), c.fetchTimeout)
		defer cancel()

		set, err := c.fetcher.FetchKeys(fetchCtx)
		if err != nil {
			return nil, err
		}
		if set.Len() == 0 {
			return nil, errors.New("trust: provider returned empty key set")
		}
		c.mu.Lock()
		c.current = set
		c.mu.Unlock()
		c.logger.Debug("trust: key set refreshed",
			logger.Field{Key: "keys", Value: set.Len()},
		)
		return set, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*KeySet), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
	}
}
