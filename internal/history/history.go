// Package history synthesizes a wallet's risk score over time.
//
// The on-chain path samples past blocks at a fixed stride and derives a value
// per sample from the current risk. When that path fails or yields too few
// points, a deterministic series seeded by the address is served instead.
// Values are always within [MinRisk, MaxRisk]; higher is riskier.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/defiagents/internal/cache"
	"github.com/mbd888/defiagents/internal/chain"
	"github.com/mbd888/defiagents/internal/metrics"
	"github.com/mbd888/defiagents/internal/scoring"
	"github.com/mbd888/defiagents/internal/traces"
)

const (
	MinRisk = 1.0
	MaxRisk = 10.0

	// SampleInterval separates on-chain samples.
	SampleInterval = 12 * time.Hour
	// MaxSamples covers 14 days at SampleInterval.
	MaxSamples = 28
	// MinPoints is the fewest on-chain points accepted before falling back.
	MinPoints = 5
	// FallbackDays is the length of the fallback series.
	FallbackDays = 30
	// FreshFor is how long after its newest point a cached series is reused.
	FreshFor = 30 * time.Minute

	cacheTTL = 24 * time.Hour
)

// Source records how a series was produced.
type Source string

const (
	SourceChain    Source = "chain"
	SourceFallback Source = "fallback"
)

// Point is one sample of the series.
type Point struct {
	Date      time.Time `json:"date"`
	RiskScore float64   `json:"riskScore"`
}

// Series is the history served for one wallet, oldest point first.
type Series struct {
	Address     string    `json:"address"`
	Points      []Point   `json:"points"`
	Source      Source    `json:"source"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// Last returns the newest point. ok is false for an empty series.
func (s *Series) Last() (Point, bool) {
	if s == nil || len(s.Points) == 0 {
		return Point{}, false
	}
	return s.Points[len(s.Points)-1], true
}

// Synthesizer builds and caches risk histories.
type Synthesizer struct {
	fetcher  *chain.Fetcher
	cache    cache.Cache
	logger   *slog.Logger
	now      func() time.Time
	freshFor time.Duration
}

// Option configures a Synthesizer.
type Option func(*Synthesizer)

// WithCache replaces the default in-memory cache.
func WithCache(c cache.Cache) Option { return func(s *Synthesizer) { s.cache = c } }

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option { return func(s *Synthesizer) { s.now = now } }

func WithLogger(l *slog.Logger) Option { return func(s *Synthesizer) { s.logger = l } }

// WithFreshness overrides FreshFor. Non-positive values are ignored.
func WithFreshness(d time.Duration) Option {
	return func(s *Synthesizer) {
		if d > 0 {
			s.freshFor = d
		}
	}
}

// New creates a synthesizer over fetcher.
func New(fetcher *chain.Fetcher, opts ...Option) *Synthesizer {
	s := &Synthesizer{
		fetcher:  fetcher,
		cache:    cache.NewMemory(),
		logger:   slog.Default(),
		now:      time.Now,
		freshFor: FreshFor,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func cacheKey(address string) string {
	return "risk-history:" + address
}

// History returns the risk series for address. It never fails: a cached
// series is reused while its newest point is recent enough, otherwise
// a new one is generated and cached.
func (s *Synthesizer) History(ctx context.Context, address string) *Series {
	key := strings.ToLower(strings.TrimSpace(address))
	now := s.now()

	var cached Series
	hit, err := s.cache.Get(ctx, cacheKey(key), &cached)
	if err != nil {
		s.logger.Warn("risk history cache read failed", "address", key, "error", err)
	}
	if hit {
		if last, ok := cached.Last(); ok && now.Sub(last.Date) <= s.freshFor {
			metrics.RiskHistoryTotal.WithLabelValues("cache").Inc()
			return &cached
		}
	}

	series := s.generate(ctx, key, now)
	if err := s.cache.Set(ctx, cacheKey(key), series, cacheTTL); err != nil {
		s.logger.Warn("risk history cache write failed", "address", key, "error", err)
	}
	metrics.RiskHistoryTotal.WithLabelValues(string(series.Source)).Inc()
	return series
}

// Invalidate drops the cached series for address.
func (s *Synthesizer) Invalidate(ctx context.Context, address string) {
	if err := s.cache.Delete(ctx, cacheKey(strings.ToLower(address))); err != nil {
		s.logger.Warn("risk history cache delete failed", "address", address, "error", err)
	}
}

func (s *Synthesizer) generate(ctx context.Context, address string, now time.Time) (series *Series) {
	ctx, span := traces.StartSpan(ctx, "history.generate", traces.WalletAddr(address))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("risk history panicked, using fallback", "address", address, "panic", r)
			series = &Series{Address: address, Points: Fallback(address, now), Source: SourceFallback, GeneratedAt: now}
		}
	}()

	points, err := s.onChain(ctx, address)
	if err != nil || len(points) < MinPoints {
		s.logger.Info("using fallback risk history", "address", address, "points", len(points), "error", err)
		return &Series{Address: address, Points: Fallback(address, now), Source: SourceFallback, GeneratedAt: now}
	}
	return &Series{Address: address, Points: points, Source: SourceChain, GeneratedAt: now}
}

func (s *Synthesizer) onChain(ctx context.Context, address string) ([]Point, error) {
	if s.fetcher == nil || !s.fetcher.HasProvider() {
		return nil, fmt.Errorf("no provider configured")
	}
	addr, err := chain.ParseAddress(address)
	if err != nil {
		return nil, err
	}
	head, ok := s.fetcher.LatestBlock(ctx)
	if !ok {
		return nil, fmt.Errorf("latest block unavailable")
	}
	headTime, ok := s.fetcher.BlockTime(ctx, head)
	if !ok {
		return nil, fmt.Errorf("head block time unavailable")
	}

	current := CurrentRisk(s.fetcher.TransactionCount(ctx, addr), s.fetcher.BalanceETH(ctx, addr))

	// Sample i is the newest block mined SampleInterval*i before the head.
	points := make([]Point, 0, MaxSamples)
	prev, sampled := uint64(0), false
	for i := 0; i < MaxSamples; i++ {
		block, ok := s.fetcher.FindBlockByTimestamp(ctx, headTime.Add(-time.Duration(i)*SampleInterval))
		if !ok {
			break
		}
		if sampled && block == prev {
			continue
		}
		prev, sampled = block, true
		p, ok := s.sample(ctx, addr, block, current, i)
		if !ok {
			continue
		}
		points = append(points, p)
	}

	// Sampled newest first.
	for l, r := 0, len(points)-1; l < r; l, r = l+1, r-1 {
		points[l], points[r] = points[r], points[l]
	}
	return points, nil
}

func (s *Synthesizer) sample(ctx context.Context, addr common.Address, block uint64, current float64, i int) (Point, bool) {
	ts, ok := s.fetcher.BlockTime(ctx, block)
	if !ok {
		return Point{}, false
	}
	n := new(big.Int).SetUint64(block)
	count, ok := s.fetcher.TransactionCountAt(ctx, addr, n)
	if !ok {
		return Point{}, false
	}
	bal, ok := s.fetcher.BalanceAt(ctx, addr, n)
	if !ok {
		return Point{}, false
	}
	return Point{Date: ts, RiskScore: Historical(current, BlockAdjustment(count, chain.WeiToEther(bal)), i)}, true
}

// CurrentRisk scores present-day risk from the nonce and ETH balance.
func CurrentRisk(txCount uint64, balanceETH float64) float64 {
	risk := 5.0
	switch {
	case txCount > 100:
		risk -= 1.5
	case txCount > 20:
		risk--
	case txCount < 5:
		risk++
	}
	switch {
	case balanceETH > 10:
		risk -= 1.5
	case balanceETH > 1:
		risk--
	case balanceETH < 0.1:
		risk += 1.5
	}
	return clamp(risk)
}

// BlockAdjustment grows with activity and with a low balance at the sampled block.
func BlockAdjustment(txCount uint64, balanceETH float64) float64 {
	adj := 0.0
	switch {
	case txCount > 50:
		adj += 0.1
	case txCount > 10:
		adj += 0.05
	}
	switch {
	case balanceETH < 0.1:
		adj += 0.1
	case balanceETH < 1:
		adj += 0.05
	}
	return adj
}

// Historical is the value of the i-th sample back from head.
func Historical(current, blockAdjustment float64, i int) float64 {
	return clamp(current * (1 + blockAdjustment - float64(i)*0.01))
}

// Fallback is the deterministic daily series for address ending at now.
func Fallback(address string, now time.Time) []Point {
	hash := scoring.AddressHash(address)
	base := 3 + float64(hash%50)/10

	points := make([]Point, FallbackDays)
	for i := range points {
		points[i] = Point{
			Date:      now.AddDate(0, 0, i-(FallbackDays-1)),
			RiskScore: clamp(base + math.Sin(float64(i)*0.4)*0.5 + float64(i%5)*0.1),
		}
	}
	return points
}

func clamp(v float64) float64 {
	return math.Max(MinRisk, math.Min(MaxRisk, v))
}
