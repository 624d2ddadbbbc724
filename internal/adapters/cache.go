package adapters

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Rajchodisetti/papertrader/internal/observ"
)

// CachedGateway keeps book snapshots for a short TTL and collapses concurrent
// fetches of the same symbol into one upstream call. Instrument increments
// rarely change and are cached for the gateway's lifetime.
type CachedGateway struct {
	inner  MarketDataGateway
	maxAge time.Duration
	now    func() time.Time

	mu         sync.RWMutex
	tickers    map[string]cachedTicker
	increments map[string]*Increments

	group singleflight.Group
}

type cachedTicker struct {
	ticker   BookTicker
	cachedAt time.Time
}

// NewCachedGateway wraps inner. maxAge <= 0 disables book caching but still
// deduplicates in-flight requests.
func NewCachedGateway(inner MarketDataGateway, maxAge time.Duration) *CachedGateway {
	return &CachedGateway{
		inner:      inner,
		maxAge:     maxAge,
		now:        time.Now,
		tickers:    make(map[string]cachedTicker),
		increments: make(map[string]*Increments),
	}
}

func (c *CachedGateway) GetBestBidAsk(ctx context.Context, symbol string) (*BookTicker, error) {
	symbol = normSymbol(symbol)

	if t, ok := c.fresh(symbol); ok {
		observ.IncCounter("quote_cache_hit_total", map[string]string{"symbol": symbol})
		return &t, nil
	}
	observ.IncCounter("quote_cache_miss_total", map[string]string{"symbol": symbol})

	v, err, shared := c.group.Do("book:"+symbol, func() (any, error) {
		t, err := c.inner.GetBestBidAsk(ctx, symbol)
		if err != nil {
			return nil, err
		}
		if err := ValidateBookTicker(t); err != nil {
			return nil, NewMalformedError(symbol, "invalid book snapshot", err)
		}
		c.mu.Lock()
		c.tickers[symbol] = cachedTicker{ticker: *t, cachedAt: c.now()}
		c.mu.Unlock()
		return *t, nil
	})
	if shared {
		observ.IncCounter("quote_cache_shared_fetch_total", map[string]string{"symbol": symbol})
	}
	if err != nil {
		return nil, err
	}
	t := v.(BookTicker)
	return &t, nil
}

func (c *CachedGateway) fresh(symbol string) (BookTicker, bool) {
	if c.maxAge <= 0 {
		return BookTicker{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.tickers[symbol]
	if !ok || c.now().Sub(entry.cachedAt) > c.maxAge {
		return BookTicker{}, false
	}
	t := entry.ticker
	t.Source = "cache"
	return t, true
}

func (c *CachedGateway) GetInstrumentIncrements(ctx context.Context, symbol string) (*Increments, error) {
	symbol = normSymbol(symbol)
	c.mu.RLock()
	inc, ok := c.increments[symbol]
	c.mu.RUnlock()
	if ok {
		return copyIncrements(inc), nil
	}

	v, err, _ := c.group.Do("inc:"+symbol, func() (any, error) {
		inc, err := c.inner.GetInstrumentIncrements(ctx, symbol)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.increments[symbol] = inc
		c.mu.Unlock()
		return inc, nil
	})
	if err != nil {
		return nil, err
	}
	return copyIncrements(v.(*Increments)), nil
}

func copyIncrements(inc *Increments) *Increments {
	if inc == nil {
		return nil
	}
	out := *inc
	return &out
}

// Invalidate drops the cached book for symbol, or every book when symbol is "".
func (c *CachedGateway) Invalidate(symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if symbol == "" {
		c.tickers = make(map[string]cachedTicker)
		return
	}
	delete(c.tickers, normSymbol(symbol))
}

var _ MarketDataGateway = (*CachedGateway)(nil)
