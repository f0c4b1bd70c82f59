package agents

import (
	"context"
	"errors"
	"math"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/defiagents/internal/chain"
	"github.com/mbd888/defiagents/internal/gas"
)

// PriceSource reports the ETH/USD price.
type PriceSource interface {
	ETHPrice(ctx context.Context) float64
}

var _ PriceSource = (*gas.PriceOracle)(nil)

type staticPrice float64

func (p staticPrice) ETHPrice(context.Context) float64 { return float64(p) }

// NativeAsset is the placeholder address for ETH itself.
const NativeAsset = "0x0000000000000000000000000000000000000000"

// Base APY per agent type, percent.
var baseAPY = map[Type]float64{
	TypeAutoLender:       4.5,
	TypeYieldFarmer:      8.0,
	TypeRiskAnalyzer:     2.0,
	TypePortfolioManager: 6.0,
}

var toleranceMultiplier = map[RiskTolerance]float64{
	RiskLow:    0.75,
	RiskMedium: 1.0,
	RiskHigh:   1.4,
}

var toleranceRisk = map[RiskTolerance]float64{
	RiskLow:    3,
	RiskMedium: 5,
	RiskHigh:   7,
}

type platformTerms struct {
	apy  float64
	risk string
}

// Keyed by chain.ProtocolName.
var platforms = map[string]platformTerms{
	"Aave V2":       {3.2, "low"},
	"Aave V3":       {3.5, "low"},
	"Compound":      {2.8, "low"},
	"Compound cETH": {2.6, "low"},
	"Compound V3":   {3.1, "low"},
	"MakerDAO":      {5.0, "medium"},
	"Euler":         {4.1, "high"},
}

func cents(v float64) float64 {
	return math.Round(v*100) / 100
}

// ComputeAnalytics derives analytics from value locked, settings and the
// recent action log (newest first).
func ComputeAnalytics(t Type, settings Settings, tvlUSD float64, recent []*Action, now time.Time) *Analytics {
	apy := baseAPY[t] * toleranceMultiplier[settings.RiskTolerance]
	daily := tvlUSD * apy / 100 / 365

	risk := toleranceRisk[settings.RiskTolerance]
	if risk == 0 {
		risk = 5
	}
	var lastRebalance *time.Time
	for _, a := range recent {
		if a.Status == StatusFailed {
			risk += 0.5
		}
		if lastRebalance == nil && a.Status == StatusCompleted && strings.Contains(strings.ToLower(a.Action), "rebalance") {
			ts := a.Timestamp
			lastRebalance = &ts
		}
	}

	return &Analytics{
		TotalValueLocked: cents(tvlUSD),
		RiskScore:        math.Max(1, math.Min(10, risk)),
		DailyYield:       cents(daily),
		WeeklyYield:      cents(daily * 7),
		MonthlyYield:     cents(daily * 30),
		LastRebalance:    lastRebalance,
		UpdatedAt:        now,
	}
}

// RefreshAnalytics recomputes and stores analytics for the agent.
func (s *Service) RefreshAnalytics(ctx context.Context, address, agentType string) (*Analytics, error) {
	addr, t, err := normalize(address, agentType)
	if err != nil {
		return nil, err
	}
	settings, err := s.GetSettings(ctx, addr, string(t))
	if err != nil {
		return nil, err
	}
	recent, err := s.store.ListActions(ctx, addr, t, 10)
	if err != nil {
		return nil, err
	}

	tvl := s.fetcher.BalanceETH(ctx, common.HexToAddress(addr)) * s.prices.ETHPrice(ctx)
	a := ComputeAnalytics(t, settings, tvl, recent, s.now().UTC())
	if ts, ok := lastRebalance(s.onChainActions(ctx, addr, t)); ok && (a.LastRebalance == nil || ts.After(*a.LastRebalance)) {
		a.LastRebalance = &ts
	}
	if err := s.store.PutAnalytics(ctx, addr, t, a); err != nil {
		return nil, err
	}
	s.publish(Update{Kind: UpdateAnalytics, Address: addr, AgentType: t, Analytics: a})
	return a, nil
}

// Analytics returns stored analytics, computing them on first access or
// when refresh is set.
func (s *Service) Analytics(ctx context.Context, address, agentType string, refresh bool) (*Analytics, error) {
	addr, t, err := normalize(address, agentType)
	if err != nil {
		return nil, err
	}
	if !refresh {
		a, err := s.store.GetAnalytics(ctx, addr, t)
		if err == nil {
			return a, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return s.RefreshAnalytics(ctx, addr, string(t))
}

// AgentLookback is how far back agent contract logs are scanned.
const AgentLookback = 7 * 24 * time.Hour

// Transactions returns the AgentAction logs the agent's contract emitted for
// address within AgentLookback, oldest first. It is empty when the contract
// is not declared for the chain or the node cannot be reached.
func (s *Service) Transactions(ctx context.Context, address, agentType string) ([]chain.TransactionRecord, error) {
	addr, t, err := normalize(address, agentType)
	if err != nil {
		return nil, err
	}
	return s.onChainActions(ctx, addr, t), nil
}

func (s *Service) onChainActions(ctx context.Context, addr string, t Type) []chain.TransactionRecord {
	if !s.fetcher.HasProvider() || !s.fetcher.EmitsAgentActions(ctx, string(t)) {
		return []chain.TransactionRecord{}
	}
	head, ok := s.fetcher.LatestBlock(ctx)
	if !ok {
		return []chain.TransactionRecord{}
	}
	from, ok := s.fetcher.FindBlockByTimestamp(ctx, s.now().Add(-AgentLookback))
	if !ok {
		from = 0
	}
	return s.fetcher.FetchAgentTransactions(ctx, addr, string(t), from, head)
}

// lastRebalance is the newest rebalance among on-chain agent actions.
func lastRebalance(recs []chain.TransactionRecord) (time.Time, bool) {
	var newest time.Time
	for _, r := range recs {
		if strings.Contains(strings.ToLower(r.Action), "rebalance") && r.Timestamp.After(newest) {
			newest = r.Timestamp
		}
	}
	return newest, !newest.IsZero()
}

// ComputePositions lists the wallet's ETH holding followed by the value sent
// to each known lending protocol in the sampled transactions, by platform name.
func ComputePositions(balanceETH, priceUSD float64, txs []chain.TransactionRecord) []Position {
	out := []Position{{
		AssetAddress: NativeAsset,
		AssetName:    "ETH",
		Platform:     "Wallet",
		Balance:      balanceETH,
		ValueUSD:     cents(balanceETH * priceUSD),
		Risk:         "low",
	}}

	deposits := make(map[string]*Position)
	for _, tx := range txs {
		name := chain.ProtocolName(tx.To)
		if name == "" {
			continue
		}
		p, ok := deposits[name]
		if !ok {
			terms, known := platforms[name]
			if !known {
				terms = platformTerms{3.0, "medium"}
			}
			p = &Position{
				AssetAddress: strings.ToLower(tx.To),
				AssetName:    "ETH",
				Platform:     name,
				APY:          terms.apy,
				Risk:         terms.risk,
			}
			deposits[name] = p
		}
		if wei, ok := new(big.Int).SetString(tx.Value, 10); ok {
			p.Balance += chain.WeiToEther(wei)
		}
	}

	names := make([]string, 0, len(deposits))
	for name := range deposits {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := deposits[name]
		p.ValueUSD = cents(p.Balance * priceUSD)
		out = append(out, *p)
	}
	return out
}

// RefreshPositions rebuilds the wallet's position list from chain reads.
func (s *Service) RefreshPositions(ctx context.Context, address string) ([]Position, error) {
	a, err := chain.ParseAddress(address)
	if err != nil {
		return nil, ErrInvalidAddress
	}
	addr := strings.ToLower(a.Hex())

	txs := s.fetcher.FetchHistoricalTransactions(ctx, addr)
	ps := ComputePositions(s.fetcher.BalanceETH(ctx, a), s.prices.ETHPrice(ctx), txs)
	if err := s.store.PutPositions(ctx, addr, ps); err != nil {
		return nil, err
	}
	s.publish(Update{Kind: UpdatePositions, Address: addr, Positions: ps})
	return ps, nil
}

// Positions returns stored positions, rebuilding them on first access or
// when refresh is set.
func (s *Service) Positions(ctx context.Context, address string, refresh bool) ([]Position, error) {
	a, err := chain.ParseAddress(address)
	if err != nil {
		return nil, ErrInvalidAddress
	}
	addr := strings.ToLower(a.Hex())
	if !refresh {
		ps, err := s.store.GetPositions(ctx, addr)
		if err == nil {
			return ps, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return s.RefreshPositions(ctx, addr)
}
