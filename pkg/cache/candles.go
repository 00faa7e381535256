// Package cache keeps recently fetched candle series so repeated reads in a
// cycle are served locally and a failed refresh can fall back to the last
// good series.
package cache

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"execution-core/pkg/exchanges/common"
)

const numShards = 16

// Fetcher loads candles from the venue.
type Fetcher func(ctx context.Context, symbol, interval string, count int) ([]common.Candle, error)

// StaleError is returned together with the last good series when a refresh
// failed.
type StaleError struct {
	Err error
	Age time.Duration
}

func (e *StaleError) Error() string {
	return fmt.Sprintf("serving candles %s old: %v", e.Age.Round(time.Second), e.Err)
}

func (e *StaleError) Unwrap() error { return e.Err }

// CandleCache is a sharded TTL cache keyed by symbol and interval.
type CandleCache struct {
	ttl    time.Duration
	now    func() time.Time
	shards [numShards]*shard
}

type shard struct {
	mu    sync.RWMutex
	items map[string]entry
}

type entry struct {
	symbol    string
	candles   []common.Candle
	updatedAt time.Time
}

func NewCandleCache(ttl time.Duration) *CandleCache {
	c := &CandleCache{ttl: ttl, now: time.Now}
	for i := range c.shards {
		c.shards[i] = &shard{items: make(map[string]entry)}
	}
	return c
}

func key(symbol, interval string) string { return symbol + "|" + interval }

func (c *CandleCache) shard(k string) *shard {
	h := fnv.New32a()
	h.Write([]byte(k))
	return c.shards[h.Sum32()%numShards]
}

func (c *CandleCache) load(k string) (entry, bool) {
	s := c.shard(k)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.items[k]
	return e, ok
}

// Get returns the last count candles, fetching when the cached series is
// missing, too short or older than the TTL. When the fetch fails and an
// older series exists, that series is returned with a *StaleError.
func (c *CandleCache) Get(ctx context.Context, fetch Fetcher, symbol, interval string, count int) ([]common.Candle, error) {
	k := key(symbol, interval)
	cached, ok := c.load(k)
	if ok && c.now().Sub(cached.updatedAt) < c.ttl && len(cached.candles) >= count {
		return tail(cached.candles, count), nil
	}

	fresh, err := fetch(ctx, symbol, interval, count)
	if err != nil {
		if ok && len(cached.candles) > 0 {
			return tail(cached.candles, count), &StaleError{Err: err, Age: c.now().Sub(cached.updatedAt)}
		}
		return nil, err
	}
	c.Set(symbol, interval, fresh)
	return tail(fresh, count), nil
}

// Set stores a series.
func (c *CandleCache) Set(symbol, interval string, candles []common.Candle) {
	k := key(symbol, interval)
	s := c.shard(k)
	s.mu.Lock()
	s.items[k] = entry{symbol: symbol, candles: append([]common.Candle(nil), candles...), updatedAt: c.now()}
	s.mu.Unlock()
}

// LastClose returns the latest close of symbol across cached intervals and
// its age.
func (c *CandleCache) LastClose(symbol string) (float64, time.Duration, bool) {
	var (
		best  entry
		found bool
	)
	for _, s := range c.shards {
		s.mu.RLock()
		for _, e := range s.items {
			if e.symbol != symbol || len(e.candles) == 0 {
				continue
			}
			if !found || e.updatedAt.After(best.updatedAt) {
				best, found = e, true
			}
		}
		s.mu.RUnlock()
	}
	if !found {
		return 0, 0, false
	}
	return best.candles[len(best.candles)-1].Close, c.now().Sub(best.updatedAt), true
}

// Len returns total series across all shards.
func (c *CandleCache) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}

// Cleanup removes series older than maxAge.
func (c *CandleCache) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := c.now().Add(-maxAge)
	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.items {
			if e.updatedAt.Before(cutoff) {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

func tail(candles []common.Candle, n int) []common.Candle {
	if n > 0 && len(candles) > n {
		candles = candles[len(candles)-n:]
	}
	return append([]common.Candle(nil), candles...)
}
