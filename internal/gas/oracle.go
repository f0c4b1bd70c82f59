// Package gas provides the ETH/USD price and gas price checks used before
// agents submit transactions.
package gas

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mbd888/defiagents/internal/retry"
)

// DefaultPriceURL is the CoinGecko simple price endpoint (free, no key required).
const DefaultPriceURL = "https://api.coingecko.com/api/v3/simple/price?ids=ethereum&vs_currencies=usd"

// PriceOracle provides ETH/USD price with caching
type PriceOracle struct {
	mu         sync.RWMutex
	price      float64
	lastUpdate time.Time
	ttl        time.Duration
	fallback   float64
	url        string
	client     *http.Client
	retry      retry.Policy
	now        func() time.Time
}

// DefaultPriceRetry retries rate limits and server errors once.
var DefaultPriceRetry = retry.Policy{Attempts: 2, BaseDelay: 250 * time.Millisecond, MaxDelay: time.Second}

// OracleOption configures a PriceOracle.
type OracleOption func(*PriceOracle)

// WithPriceURL points the oracle at a different endpoint. An empty URL
// disables fetching and always serves the fallback.
func WithPriceURL(url string) OracleOption { return func(o *PriceOracle) { o.url = url } }

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) OracleOption { return func(o *PriceOracle) { o.client = c } }

// WithRetry sets how failed price fetches are retried.
func WithRetry(p retry.Policy) OracleOption { return func(o *PriceOracle) { o.retry = p } }

// WithOracleClock replaces the time source.
func WithOracleClock(now func() time.Time) OracleOption { return func(o *PriceOracle) { o.now = now } }

// NewPriceOracle creates a price oracle with a fallback price and cache TTL
func NewPriceOracle(fallbackPrice float64, cacheTTL time.Duration, opts ...OracleOption) *PriceOracle {
	o := &PriceOracle{
		price:    fallbackPrice,
		fallback: fallbackPrice,
		ttl:      cacheTTL,
		url:      DefaultPriceURL,
		client:   &http.Client{Timeout: 5 * time.Second},
		retry:    DefaultPriceRetry,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ETHPrice returns the current ETH/USD price.
// Fetches when the cache is stale and falls back to the last known price.
func (o *PriceOracle) ETHPrice(ctx context.Context) float64 {
	o.mu.RLock()
	if o.now().Sub(o.lastUpdate) < o.ttl && o.price > 0 {
		price := o.price
		o.mu.RUnlock()
		return price
	}
	o.mu.RUnlock()

	if o.url == "" {
		return o.fallback
	}

	var newPrice float64
	err := retry.Do(ctx, o.retry, func(ctx context.Context) error {
		p, err := o.fetchPrice(ctx)
		newPrice = p
		return err
	})
	if err != nil {
		// Zero lastUpdate so the next call retries immediately.
		o.mu.Lock()
		o.lastUpdate = time.Time{}
		price := o.price
		o.mu.Unlock()
		if price > 0 {
			return price
		}
		return o.fallback
	}

	o.mu.Lock()
	o.price = newPrice
	o.lastUpdate = o.now()
	o.mu.Unlock()

	return newPrice
}

func (o *PriceOracle) fetchPrice(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch price: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return 0, fmt.Errorf("price API returned status %d", resp.StatusCode)
	default:
		return 0, retry.Permanent(fmt.Errorf("price API returned status %d", resp.StatusCode))
	}

	var result struct {
		Ethereum struct {
			USD float64 `json:"usd"`
		} `json:"ethereum"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, retry.Permanent(fmt.Errorf("failed to decode price response: %w", err))
	}

	if result.Ethereum.USD <= 0 {
		return 0, retry.Permanent(fmt.Errorf("invalid price returned: %f", result.Ethereum.USD))
	}

	return result.Ethereum.USD, nil
}
