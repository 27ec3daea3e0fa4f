package cache

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"optionflow/config"
	"optionflow/fetcher"
	"optionflow/logger"
	"optionflow/models"

	"sync"
)

// entry is one cached chain. Entries are replaced wholesale on refetch,
// never partially updated.
type entry struct {
	chain     []models.OptionContractQuote
	fetchedAt time.Time
}

// ChainCache is a time-bounded cache of fetched chains keyed by
// (ticker, expiry). A miss triggers exactly one provider fetch per key at a
// time; concurrent callers for the same key share that fetch's outcome.
// Entries older than the configured maximum staleness are evicted
// least-recently-refreshed first, as is any entry beyond the size bound.
type ChainCache struct {
	quoteFetcher fetcher.QuoteFetcher
	maxStaleness time.Duration
	maxEntries   int

	mu      sync.Mutex
	entries map[string]*entry
	group   singleflight.Group

	now func() time.Time
	log *logger.Log
}

// New builds a ChainCache over the given fetcher.
func New(f fetcher.QuoteFetcher, cfg config.CacheConfig) *ChainCache {
	return &ChainCache{
		quoteFetcher: f,
		maxStaleness: cfg.MaxStaleness,
		maxEntries:   cfg.MaxEntries,
		entries:      make(map[string]*entry),
		now:          time.Now,
		log:          logger.GetLogger(),
	}
}

func cacheKey(ticker, expiry string) string { return ticker + "|" + expiry }

// GetOrFetch returns the cached chain for (ticker, expiry) when its
// fetched-at timestamp is within ttl of now, otherwise fetches, stores the
// result wholesale and returns it. Fetch failures are shared with every
// caller waiting on the same key and nothing is cached for them.
func (c *ChainCache) GetOrFetch(ctx context.Context, ticker, expiry string, ttl time.Duration) ([]models.OptionContractQuote, error) {
	key := cacheKey(ticker, expiry)

	if chain, ok := c.lookup(key, ttl); ok {
		c.log.WithComponent("chain_cache").WithFields(logger.Fields{"key": key}).Debug("cache hit")
		return chain, nil
	}

	v, err, shared := c.group.Do(key, func() (interface{}, error) {
		// A caller that lost the race may arrive after the winner already
		// refreshed the entry; serve that refresh instead of fetching twice.
		if chain, ok := c.lookup(key, ttl); ok {
			return chain, nil
		}

		chain, err := c.quoteFetcher.Fetch(ctx, ticker, expiry)
		if err != nil {
			return nil, err
		}
		c.store(key, chain)
		return chain, nil
	})
	if err != nil {
		return nil, err
	}

	c.log.WithComponent("chain_cache").WithFields(logger.Fields{
		"key":    key,
		"shared": shared,
	}).Debug("cache refresh")

	return v.([]models.OptionContractQuote), nil
}

// Invalidate drops the entry for (ticker, expiry) if present.
func (c *ChainCache) Invalidate(ticker, expiry string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cacheKey(ticker, expiry))
}

// Len reports the number of cached entries.
func (c *ChainCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *ChainCache) lookup(key string, ttl time.Duration) ([]models.OptionContractQuote, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if ttl <= 0 || c.now().Sub(e.fetchedAt) > ttl {
		return nil, false
	}
	return e.chain, true
}

func (c *ChainCache) store(key string, chain []models.OptionContractQuote) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = &entry{chain: chain, fetchedAt: c.now()}
	c.evictLocked()
}

// evictLocked bounds memory: entries past maxStaleness go first, then the
// least-recently-refreshed entries beyond maxEntries. Caller holds c.mu.
func (c *ChainCache) evictLocked() {
	now := c.now()

	if c.maxStaleness > 0 {
		for key, e := range c.entries {
			if now.Sub(e.fetchedAt) > c.maxStaleness {
				delete(c.entries, key)
			}
		}
	}

	if c.maxEntries <= 0 || len(c.entries) <= c.maxEntries {
		return
	}

	type aged struct {
		key       string
		fetchedAt time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for key, e := range c.entries {
		all = append(all, aged{key: key, fetchedAt: e.fetchedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].fetchedAt.Before(all[j].fetchedAt) })

	for _, a := range all[:len(c.entries)-c.maxEntries] {
		delete(c.entries, a.key)
	}
}
