package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"optionflow/config"
	"optionflow/models"
)

type countingFetcher struct {
	calls int32
	err   error
	block chan struct{} // when set, Fetch waits for it before returning
	chain []models.OptionContractQuote
}

func (f *countingFetcher) Fetch(ctx context.Context, ticker, expiry string) ([]models.OptionContractQuote, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.chain, nil
}

func (f *countingFetcher) callCount() int32 { return atomic.LoadInt32(&f.calls) }

func testCacheConfig() config.CacheConfig {
	return config.CacheConfig{
		TTL:          time.Minute,
		MaxStaleness: 15 * time.Minute,
		MaxEntries:   64,
	}
}

func testChain(ticker string) []models.OptionContractQuote {
	return []models.OptionContractQuote{
		{Ticker: ticker, ExpiryDate: "2026-09-18", Strike: 100, OptionType: models.OptionTypeCall},
	}
}

func TestGetOrFetchCachesWithinTTL(t *testing.T) {
	f := &countingFetcher{chain: testChain("AAPL")}
	c := New(f, testCacheConfig())

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	first, err := c.GetOrFetch(context.Background(), "AAPL", "2026-09-18", time.Minute)
	if err != nil {
		t.Fatalf("GetOrFetch failed: %v", err)
	}

	now = now.Add(30 * time.Second)
	second, err := c.GetOrFetch(context.Background(), "AAPL", "2026-09-18", time.Minute)
	if err != nil {
		t.Fatalf("GetOrFetch failed: %v", err)
	}

	if f.callCount() != 1 {
		t.Errorf("expected 1 provider fetch, got %d", f.callCount())
	}
	if len(first) != 1 || len(second) != 1 || &first[0] != &second[0] {
		t.Error("a TTL hit should return the identical cached chain")
	}
}

func TestGetOrFetchRefreshesAfterTTL(t *testing.T) {
	f := &countingFetcher{chain: testChain("AAPL")}
	c := New(f, testCacheConfig())

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	if _, err := c.GetOrFetch(context.Background(), "AAPL", "2026-09-18", time.Minute); err != nil {
		t.Fatalf("GetOrFetch failed: %v", err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := c.GetOrFetch(context.Background(), "AAPL", "2026-09-18", time.Minute); err != nil {
		t.Fatalf("GetOrFetch failed: %v", err)
	}

	if f.callCount() != 2 {
		t.Errorf("expected a refetch after TTL expiry, got %d fetches", f.callCount())
	}
}

func TestGetOrFetchSingleFlight(t *testing.T) {
	release := make(chan struct{})
	f := &countingFetcher{chain: testChain("AAPL"), block: release}
	c := New(f, testCacheConfig())

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.GetOrFetch(context.Background(), "AAPL", "2026-09-18", time.Minute)
		}(i)
	}

	// Let every caller pile onto the in-flight fetch before it completes.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d failed: %v", i, err)
		}
	}
	if f.callCount() != 1 {
		t.Errorf("concurrent misses for one key should share one fetch, got %d", f.callCount())
	}
}

func TestGetOrFetchSharesFailures(t *testing.T) {
	f := &countingFetcher{err: fmt.Errorf("provider down: %w", models.ErrUpstreamUnavailable)}
	c := New(f, testCacheConfig())

	_, err := c.GetOrFetch(context.Background(), "AAPL", "2026-09-18", time.Minute)
	if !errors.Is(err, models.ErrUpstreamUnavailable) {
		t.Fatalf("expected upstream unavailable, got %v", err)
	}
	if c.Len() != 0 {
		t.Error("failed fetches must not be cached")
	}

	// The next call retries instead of serving the failure from cache.
	_, _ = c.GetOrFetch(context.Background(), "AAPL", "2026-09-18", time.Minute)
	if f.callCount() != 2 {
		t.Errorf("expected a fresh fetch after a failure, got %d", f.callCount())
	}
}

func TestInvalidate(t *testing.T) {
	f := &countingFetcher{chain: testChain("AAPL")}
	c := New(f, testCacheConfig())

	if _, err := c.GetOrFetch(context.Background(), "AAPL", "2026-09-18", time.Minute); err != nil {
		t.Fatalf("GetOrFetch failed: %v", err)
	}
	c.Invalidate("AAPL", "2026-09-18")

	if _, err := c.GetOrFetch(context.Background(), "AAPL", "2026-09-18", time.Minute); err != nil {
		t.Fatalf("GetOrFetch failed: %v", err)
	}
	if f.callCount() != 2 {
		t.Errorf("invalidated entries must be refetched, got %d fetches", f.callCount())
	}
}

func TestEvictionBounds(t *testing.T) {
	f := &countingFetcher{chain: testChain("X")}
	cfg := testCacheConfig()
	cfg.MaxEntries = 2
	c := New(f, cfg)

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	for i, ticker := range []string{"AAPL", "MSFT", "NVDA"} {
		now = now.Add(time.Duration(i) * time.Second)
		if _, err := c.GetOrFetch(context.Background(), ticker, "2026-09-18", time.Minute); err != nil {
			t.Fatalf("GetOrFetch failed: %v", err)
		}
	}

	if c.Len() != 2 {
		t.Fatalf("expected 2 entries after eviction, got %d", c.Len())
	}

	// The oldest entry was evicted; fetching it again hits the provider.
	fetches := f.callCount()
	if _, err := c.GetOrFetch(context.Background(), "AAPL", "2026-09-18", time.Minute); err != nil {
		t.Fatalf("GetOrFetch failed: %v", err)
	}
	if f.callCount() != fetches+1 {
		t.Error("evicted entry should have been refetched")
	}
}

func TestEvictionDropsStaleEntries(t *testing.T) {
	f := &countingFetcher{chain: testChain("AAPL")}
	cfg := testCacheConfig()
	cfg.MaxStaleness = 5 * time.Minute
	c := New(f, cfg)

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	if _, err := c.GetOrFetch(context.Background(), "AAPL", "2026-09-18", time.Minute); err != nil {
		t.Fatalf("GetOrFetch failed: %v", err)
	}

	// Any store past the staleness horizon sweeps the old entry out.
	now = now.Add(10 * time.Minute)
	if _, err := c.GetOrFetch(context.Background(), "MSFT", "2026-09-18", time.Minute); err != nil {
		t.Fatalf("GetOrFetch failed: %v", err)
	}
	if c.Len() != 1 {
		t.Errorf("stale entry should have been evicted, cache has %d entries", c.Len())
	}
}
