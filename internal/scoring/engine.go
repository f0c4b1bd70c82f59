package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/defiagents/internal/chain"
	"github.com/mbd888/defiagents/internal/metrics"
	"github.com/mbd888/defiagents/internal/traces"
)

// Engine computes credit scores from chain reads.
type Engine struct {
	fetcher *chain.Fetcher
	logger  *slog.Logger
	now     func() time.Time
}

var _ Generator = (*Engine)(nil)

// NewEngine creates an engine over fetcher.
func NewEngine(fetcher *chain.Fetcher, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{fetcher: fetcher, logger: logger, now: time.Now}
}

// WithClock sets the time source used for GeneratedAt.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Generate returns a score for address. Any failure, panic included,
// yields Fallback(address).
func (e *Engine) Generate(ctx context.Context, address string) (cs *CreditScore) {
	ctx, span := traces.StartSpan(ctx, "scoring.Generate", traces.WalletAddr(address))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("credit score pipeline panicked, using fallback", "address", address, "panic", r)
			cs = e.fallback(address)
		}
		span.SetAttributes(traces.Source(string(cs.Source)))
		metrics.CreditScoresTotal.WithLabelValues(string(cs.Source)).Inc()
	}()

	factors, err := e.factors(ctx, address)
	if err != nil {
		e.logger.Warn("credit score pipeline failed, using fallback", "address", address, "error", err)
		return e.fallback(address)
	}
	cs = Assemble(strings.ToLower(address), factors, SourceChain)
	cs.GeneratedAt = e.now().UTC()
	return cs
}

func (e *Engine) fallback(address string) *CreditScore {
	cs := Fallback(address)
	cs.GeneratedAt = e.now().UTC()
	return cs
}

func (e *Engine) factors(ctx context.Context, address string) ([]Factor, error) {
	if e.fetcher == nil || !e.fetcher.HasProvider() {
		return nil, fmt.Errorf("no provider configured")
	}
	addr, err := chain.ParseAddress(address)
	if err != nil {
		return nil, err
	}

	txs := e.fetcher.FetchHistoricalTransactions(ctx, address)
	txCount := e.fetcher.TransactionCount(ctx, addr)
	balance := e.fetcher.BalanceETH(ctx, addr)
	protocols := e.fetcher.FetchDeFiProtocolInteractions(ctx, address)

	bd, ok := e.fetcher.BorrowerData(ctx, addr)
	if !ok {
		lending := 0
		for _, p := range protocols {
			lending += p.InteractionCount
		}
		bd = EstimateBorrowerData(lending)
	}

	rm, ok := e.fetcher.RiskMetrics(ctx, addr)
	if !ok {
		rm = EstimateRiskMetrics(balance, chain.CountHighValue(txs))
	}

	return []Factor{
		TransactionHistory(txCount, len(txs)),
		BalanceStability(balance),
		DeFiInteractions(len(protocols)),
		LoanRepayments(bd),
		RiskProfile(rm),
	}, nil
}
