package trust

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeFetcher struct {
	mu      sync.Mutex
	sets    []*KeySet
	errs    []error
	calls   atomic.Int64
	block   chan struct{}
	started chan struct{}
}

func (f *fakeFetcher) FetchKeys(ctx context.Context) (*KeySet, error) {
	n := f.calls.Add(1)
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := int(n) - 1
	if idx < len(f.errs) && f.errs[idx] != nil {
		return nil, f.errs[idx]
	}
	if idx < len(f.sets) {
		return f.sets[idx], nil
	}
	if len(f.sets) > 0 {
		return f.sets[len(f.sets)-1], nil
	}
	return nil, errors.New("fetch failed")
}

func testKeySet(fetchedAt time.Time, ttl time.Duration, kids ...string) *KeySet {
	keys := make([]Key, 0, len(kids))
	for _, kid := range kids {
		keys = append(keys, Key{ID: kid, Algorithm: "RS256", Public: "pub-" + kid})
	}
	return NewKeySet(keys, fetchedAt, ttl)
}

func newTestCache(t *testing.T, fetcher Fetcher, now *time.Time, ttl, grace time.Duration) *Cache {
	t.Helper()
	cache, err := NewCache(CacheOptions{
		Fetcher:     fetcher,
		TTL:         ttl,
		GracePeriod: grace,
		now:         func() time.Time { return *now },
	})
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	return cache
}

func TestKeyFetchesOnFirstMiss(t *testing.T) {
	now := time.Now()
	fetcher := &fakeFetcher{sets: []*KeySet{testKeySet(now, time.Minute, "kid-1")}}
	cache := newTestCache(t, fetcher, &now, time.Minute, 0)

	key, err := cache.Key(context.Background(), "kid-1")
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	if key != "pub-kid-1" {
		t.Fatalf("unexpected key %v", key)
	}
	if got := fetcher.calls.Load(); got != 1 {
		t.Fatalf("expected one fetch, got %d", got)
	}
}

func TestKeyFreshHitSkipsFetch(t *testing.T) {
	now := time.Now()
	fetcher := &fakeFetcher{sets: []*KeySet{testKeySet(now, time.Minute, "kid-1")}}
	cache := newTestCache(t, fetcher, &now, time.Minute, 0)

	for i := 0; i < 5; i++ {
		if _, err := cache.Key(context.Background(), "kid-1"); err != nil {
			t.Fatalf("key: %v", err)
		}
	}
	if got := fetcher.calls.Load(); got != 1 {
		t.Fatalf("fresh hits must not refetch, got %d fetches", got)
	}
}

func TestKeyRefreshesExpiredSet(t *testing.T) {
	now := time.Now()
	fetcher := &fakeFetcher{sets: []*KeySet{
		testKeySet(now, time.Minute, "kid-1"),
		testKeySet(now.Add(2*time.Minute), time.Minute, "kid-2"),
	}}
	cache := newTestCache(t, fetcher, &now, time.Minute, 0)

	if _, err := cache.Key(context.Background(), "kid-1"); err != nil {
		t.Fatalf("initial key: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := cache.Key(context.Background(), "kid-2"); err != nil {
		t.Fatalf("rotated key: %v", err)
	}
	if got := fetcher.calls.Load(); got != 2 {
		t.Fatalf("expected a second fetch after ttl, got %d", got)
	}
}

func TestKeyServesStaleWithinGrace(t *testing.T) {
	now := time.Now()
	fetcher := &fakeFetcher{
		sets: []*KeySet{testKeySet(now, time.Minute, "kid-1"), nil},
		errs: []error{nil, errors.New("provider down")},
	}
	cache := newTestCache(t, fetcher, &now, time.Minute, 5*time.Minute)

	if _, err := cache.Key(context.Background(), "kid-1"); err != nil {
		t.Fatalf("initial key: %v", err)
	}

	// Past ttl but inside ttl+grace: refresh fails, stale set serves.
	now = now.Add(3 * time.Minute)
	key, err := cache.Key(context.Background(), "kid-1")
	if err != nil {
		t.Fatalf("expected stale key within grace, got %v", err)
	}
	if key != "pub-kid-1" {
		t.Fatalf("unexpected key %v", key)
	}
}

func TestKeyUnavailableBeyondGrace(t *testing.T) {
	now := time.Now()
	fetcher := &fakeFetcher{
		sets: []*KeySet{testKeySet(now, time.Minute, "kid-1"), nil},
		errs: []error{nil, errors.New("provider down")},
	}
	cache := newTestCache(t, fetcher, &now, time.Minute, time.Minute)

	if _, err := cache.Key(context.Background(), "kid-1"); err != nil {
		t.Fatalf("initial key: %v", err)
	}

	now = now.Add(10 * time.Minute)
	_, err := cache.Key(context.Background(), "kid-1")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable beyond grace, got %v", err)
	}
}

func TestKeyNotFoundAfterRefresh(t *testing.T) {
	now := time.Now()
	fetcher := &fakeFetcher{sets: []*KeySet{testKeySet(now, time.Minute, "kid-1")}}
	cache := newTestCache(t, fetcher, &now, time.Minute, 0)

	_, err := cache.Key(context.Background(), "unknown")
	if !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestKeyEmptySetIsFetchError(t *testing.T) {
	now := time.Now()
	fetcher := &fakeFetcher{sets: []*KeySet{testKeySet(now, time.Minute)}}
	cache := newTestCache(t, fetcher, &now, time.Minute, 0)

	_, err := cache.Key(context.Background(), "kid-1")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable for empty key set, got %v", err)
	}
}

func TestConcurrentMissesCoalesceToOneFetch(t *testing.T) {
	now := time.Now()
	fetcher := &fakeFetcher{
		sets:    []*KeySet{testKeySet(now, time.Minute, "kid-1")},
		block:   make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	cache := newTestCache(t, fetcher, &now, time.Minute, 0)

	const waiters = 8
	var wg sync.WaitGroup
	errs := make([]error, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = cache.Key(context.Background(), "kid-1")
		}(i)
	}

	<-fetcher.started
	close(fetcher.block)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("waiter %d: %v", i, err)
		}
	}
	if got := fetcher.calls.Load(); got != 1 {
		t.Fatalf("expected a single coalesced fetch, got %d", got)
	}
}

func TestKeyHonorsCallerDeadline(t *testing.T) {
	now := time.Now()
	fetcher := &fakeFetcher{
		sets:    []*KeySet{testKeySet(now, time.Minute, "kid-1")},
		block:   make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	cache := newTestCache(t, fetcher, &now, time.Minute, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := cache.Key(ctx, "kid-1")
		done <- err
	}()

	<-fetcher.started
	cancel()

	if err := <-done; !errors.Is(err, ErrUnavailable) {
		t.Fatalf("cancelled caller should see ErrUnavailable, got %v", err)
	}
	close(fetcher.block)
}
