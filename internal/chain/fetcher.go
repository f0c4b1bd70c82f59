package chain

import (
	"context"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/mbd888/defiagents/internal/circuitbreaker"
	"github.com/mbd888/defiagents/internal/guard"
	"github.com/mbd888/defiagents/internal/traces"
)

// Sampling window for historical transactions. This is a deliberately small
// window over the chain head, not a full account history.
const (
	SampleBlocks      = 5
	SampleTxsPerBlock = 5
)

// MaxAgentScans bounds the number of cached agent log scans.
const MaxAgentScans = 1024

// DefaultReadTimeout bounds every chain read.
const DefaultReadTimeout = 5 * time.Second

// HighValueWei is the threshold above which a transaction counts as high value (1 ETH).
var HighValueWei = new(big.Int).Set(weiPerEther)

type agentCacheKey struct {
	address   string
	agentType string
	fromBlock uint64
	toBlock   uint64
}

// Fetcher performs bounded, failure-opaque chain reads. Every method returns a
// documented fallback (zero, empty, or ok=false) instead of an error.
type Fetcher struct {
	provider Provider
	caps     *Capabilities
	breaker  *circuitbreaker.Breaker
	timeout  time.Duration
	logger   *slog.Logger

	defaultChainID  int64
	resolvedChainID atomic.Int64

	mu         sync.Mutex
	agentCache map[agentCacheKey][]TransactionRecord
	// Sampled windows at sampleHead only; a new head drops them.
	sampleHead  uint64
	sampleCache map[common.Address][]TransactionRecord
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithReadTimeout overrides the per-read deadline.
func WithReadTimeout(d time.Duration) FetcherOption {
	return func(f *Fetcher) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithCapabilities sets the optional-contract descriptors.
func WithCapabilities(c *Capabilities) FetcherOption {
	return func(f *Fetcher) {
		if c != nil {
			f.caps = c
		}
	}
}

// WithBreaker replaces the per-method circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) FetcherOption {
	return func(f *Fetcher) {
		if b != nil {
			f.breaker = b
		}
	}
}

// WithDefaultChainID sets the chain id reported when the provider cannot be asked.
func WithDefaultChainID(id int64) FetcherOption {
	return func(f *Fetcher) { f.defaultChainID = id }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) FetcherOption {
	return func(f *Fetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

// NewFetcher creates a fetcher over provider. A nil provider is allowed:
// every read then resolves to its fallback.
func NewFetcher(provider Provider, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		provider:       provider,
		caps:           DefaultCapabilities(),
		breaker:        circuitbreaker.New(5, 30*time.Second),
		timeout:        DefaultReadTimeout,
		logger:         slog.Default(),
		defaultChainID: 11155111,
		agentCache:     make(map[agentCacheKey][]TransactionRecord),
		sampleCache:    make(map[common.Address][]TransactionRecord),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// HasProvider reports whether reads can reach a node at all.
func (f *Fetcher) HasProvider() bool {
	return f.provider != nil
}

// Capabilities returns the configured capability descriptors.
func (f *Fetcher) Capabilities() *Capabilities {
	return f.caps
}

type reading[T any] struct {
	val T
	ok  bool
}

// guardedRead runs fn under the timeout guard and the breaker for method.
func guardedRead[T any](ctx context.Context, f *Fetcher, method string, fn func(context.Context, Provider) (T, error)) (T, bool) {
	var zero T
	if f.provider == nil {
		return zero, false
	}
	if !f.breaker.Allow(method) {
		f.logger.Debug("chain read short-circuited", "method", method)
		return zero, false
	}
	p := f.provider
	r := guard.Do(ctx, method, f.timeout, reading[T]{}, func(ctx context.Context) (reading[T], error) {
		recorded := false
		defer func() {
			// A panicking read still counts against the method.
			if !recorded {
				f.breaker.Record(method, ErrProviderFailure)
			}
		}()
		v, err := fn(ctx, p)
		f.breaker.Record(method, err)
		recorded = true
		if err != nil {
			return reading[T]{}, err
		}
		return reading[T]{val: v, ok: true}, nil
	})
	return r.val, r.ok
}

// ChainID returns the provider's chain id, or the configured default.
func (f *Fetcher) ChainID(ctx context.Context) int64 {
	if id := f.resolvedChainID.Load(); id != 0 {
		return id
	}
	id, ok := guardedRead(ctx, f, "eth_chainId", func(ctx context.Context, p Provider) (int64, error) {
		return p.ChainID(ctx)
	})
	if !ok || id == 0 {
		return f.defaultChainID
	}
	f.resolvedChainID.Store(id)
	return id
}

// LatestBlock returns the head block number.
func (f *Fetcher) LatestBlock(ctx context.Context) (uint64, bool) {
	return guardedRead(ctx, f, "eth_blockNumber", func(ctx context.Context, p Provider) (uint64, error) {
		return p.BlockNumber(ctx)
	})
}

// BlockTime returns the timestamp of block number.
func (f *Fetcher) BlockTime(ctx context.Context, number uint64) (time.Time, bool) {
	return guardedRead(ctx, f, "eth_getHeaderByNumber", func(ctx context.Context, p Provider) (time.Time, error) {
		return p.BlockTime(ctx, number)
	})
}

// TransactionCount returns the address nonce at head, 0 on failure.
func (f *Fetcher) TransactionCount(ctx context.Context, addr common.Address) uint64 {
	n, _ := f.TransactionCountAt(ctx, addr, nil)
	return n
}

// TransactionCountAt returns the address nonce at block (nil for head).
func (f *Fetcher) TransactionCountAt(ctx context.Context, addr common.Address, block *big.Int) (uint64, bool) {
	return guardedRead(ctx, f, "eth_getTransactionCount", func(ctx context.Context, p Provider) (uint64, error) {
		return p.TransactionCount(ctx, addr, block)
	})
}

// Balance returns the address balance in wei at head, zero on failure.
func (f *Fetcher) Balance(ctx context.Context, addr common.Address) *big.Int {
	bal, ok := f.BalanceAt(ctx, addr, nil)
	if !ok {
		return new(big.Int)
	}
	return bal
}

// BalanceAt returns the address balance in wei at block (nil for head).
func (f *Fetcher) BalanceAt(ctx context.Context, addr common.Address, block *big.Int) (*big.Int, bool) {
	bal, ok := guardedRead(ctx, f, "eth_getBalance", func(ctx context.Context, p Provider) (*big.Int, error) {
		return p.BalanceAt(ctx, addr, block)
	})
	return bal, ok && bal != nil
}

// BalanceETH returns the address balance in ETH, 0 on failure.
func (f *Fetcher) BalanceETH(ctx context.Context, addr common.Address) float64 {
	return WeiToEther(f.Balance(ctx, addr))
}

// GasPrice returns the suggested gas price in wei.
func (f *Fetcher) GasPrice(ctx context.Context) (*big.Int, bool) {
	return guardedRead(ctx, f, "eth_gasPrice", func(ctx context.Context, p Provider) (*big.Int, error) {
		return p.SuggestGasPrice(ctx)
	})
}

// TransactionReceipt looks up a receipt; ok is false while it is pending or on failure.
func (f *Fetcher) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, bool) {
	r, ok := guardedRead(ctx, f, "eth_getTransactionReceipt", func(ctx context.Context, p Provider) (*types.Receipt, error) {
		return p.TransactionReceipt(ctx, hash)
	})
	return r, ok && r != nil
}

// FetchHistoricalTransactions samples the newest SampleBlocks blocks, at most
// SampleTxsPerBlock transactions each, and keeps those sent by address.
// Samples are reused until the head moves.
func (f *Fetcher) FetchHistoricalTransactions(ctx context.Context, address string) []TransactionRecord {
	addr, err := ParseAddress(address)
	if err != nil {
		f.logger.Warn("historical transactions: bad address", "address", address, "error", err)
		return []TransactionRecord{}
	}
	ctx, span := traces.StartSpan(ctx, "chain.FetchHistoricalTransactions", traces.WalletAddr(address))
	defer span.End()

	recs, ok := guardedRead(ctx, f, "eth_getBlockByNumber", func(ctx context.Context, p Provider) ([]TransactionRecord, error) {
		head, err := p.BlockNumber(ctx)
		if err != nil {
			return nil, err
		}
		if recs, hit := f.cachedSample(addr, head); hit {
			return recs, nil
		}
		out := []TransactionRecord{}
		for i := uint64(0); i < SampleBlocks && i <= head; i++ {
			block, err := p.BlockByNumber(ctx, head-i)
			if err != nil {
				return nil, err
			}
			for j, tx := range block.Transactions {
				if j >= SampleTxsPerBlock {
					break
				}
				if tx.From != addr {
					continue
				}
				out = append(out, toRecord(tx, block))
			}
		}
		f.storeSample(addr, head, out)
		return out, nil
	})
	if !ok {
		return []TransactionRecord{}
	}
	return append([]TransactionRecord{}, recs...)
}

func (f *Fetcher) cachedSample(addr common.Address, head uint64) ([]TransactionRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sampleHead != head {
		return nil, false
	}
	recs, ok := f.sampleCache[addr]
	return recs, ok
}

func (f *Fetcher) storeSample(addr common.Address, head uint64, recs []TransactionRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if head < f.sampleHead {
		return
	}
	if head != f.sampleHead {
		f.sampleHead = head
		clear(f.sampleCache)
	}
	f.sampleCache[addr] = recs
}

func toRecord(tx Transaction, block *Block) TransactionRecord {
	rec := TransactionRecord{
		Hash:        tx.Hash.Hex(),
		BlockNumber: block.Number,
		Timestamp:   block.Timestamp,
		From:        tx.From.Hex(),
		Direction:   DirectionOut,
	}
	if tx.To != nil {
		rec.To = tx.To.Hex()
	}
	if tx.Value != nil {
		rec.Value = tx.Value.String()
		rec.Amount = FormatEther(tx.Value)
	}
	return rec
}

// FetchDeFiProtocolInteractions groups the sampled transactions by known
// lending protocol. Results are ordered by protocol name.
func (f *Fetcher) FetchDeFiProtocolInteractions(ctx context.Context, address string) []ProtocolInteraction {
	return ProtocolInteractions(f.FetchHistoricalTransactions(ctx, address))
}

// ProtocolInteractions derives per-protocol counts from transaction records.
func ProtocolInteractions(txs []TransactionRecord) []ProtocolInteraction {
	byAddr := make(map[string]*ProtocolInteraction)
	for _, tx := range txs {
		if !IsKnownLendingProtocol(tx.To) {
			continue
		}
		key := strings.ToLower(tx.To)
		pi, ok := byAddr[key]
		if !ok {
			pi = &ProtocolInteraction{Protocol: ProtocolName(tx.To), Address: key}
			byAddr[key] = pi
		}
		pi.InteractionCount++
		if tx.Timestamp.After(pi.LastInteraction) {
			pi.LastInteraction = tx.Timestamp
		}
	}
	out := make([]ProtocolInteraction, 0, len(byAddr))
	for _, pi := range byAddr {
		out = append(out, *pi)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Protocol != out[j].Protocol {
			return out[i].Protocol < out[j].Protocol
		}
		return out[i].Address < out[j].Address
	})
	return out
}

// FetchAgentTransactions scans AgentAction logs emitted by the agent's
// contract for address within [fromBlock, toBlock]. Successful scans are
// cached for the lifetime of the fetcher.
func (f *Fetcher) FetchAgentTransactions(ctx context.Context, address, agentType string, fromBlock, toBlock uint64) []TransactionRecord {
	addr, err := ParseAddress(address)
	if err != nil || fromBlock > toBlock {
		return []TransactionRecord{}
	}
	key := agentCacheKey{strings.ToLower(address), agentType, fromBlock, toBlock}
	f.mu.Lock()
	cached, hit := f.agentCache[key]
	f.mu.Unlock()
	if hit {
		return append([]TransactionRecord(nil), cached...)
	}

	chainID := f.ChainID(ctx)
	contract, declared := f.agentContract(chainID, agentType)
	if !declared {
		return []TransactionRecord{}
	}

	ctx, span := traces.StartSpan(ctx, "chain.FetchAgentTransactions",
		traces.WalletAddr(address), traces.AgentType(agentType), traces.ChainID(chainID))
	defer span.End()

	recs, ok := guardedRead(ctx, f, "eth_getLogs", func(ctx context.Context, p Provider) ([]TransactionRecord, error) {
		logs, err := p.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(fromBlock),
			ToBlock:   new(big.Int).SetUint64(toBlock),
			Addresses: []common.Address{contract},
			Topics:    [][]common.Hash{{AgentActionTopic()}, {common.BytesToHash(addr.Bytes())}},
		})
		if err != nil {
			return nil, err
		}
		times := make(map[uint64]time.Time)
		out := make([]TransactionRecord, 0, len(logs))
		for _, l := range logs {
			if l.Removed {
				continue
			}
			ts, seen := times[l.BlockNumber]
			if !seen {
				if ts, err = p.BlockTime(ctx, l.BlockNumber); err != nil {
					return nil, err
				}
				times[l.BlockNumber] = ts
			}
			rec, err := decodeAgentAction(l, uint64(ts.Unix()))
			if err != nil {
				f.logger.Warn("skipping undecodable agent log", "tx", l.TxHash.Hex(), "error", err)
				continue
			}
			out = append(out, rec)
		}
		return out, nil
	})
	if !ok {
		return []TransactionRecord{}
	}

	f.mu.Lock()
	if len(f.agentCache) >= MaxAgentScans {
		clear(f.agentCache)
	}
	f.agentCache[key] = recs
	f.mu.Unlock()
	return append([]TransactionRecord(nil), recs...)
}

// EmitsAgentActions reports whether the agentType contract on the current
// chain is declared to emit AgentAction logs.
func (f *Fetcher) EmitsAgentActions(ctx context.Context, agentType string) bool {
	_, ok := f.agentContract(f.ChainID(ctx), agentType)
	return ok
}

func (f *Fetcher) agentContract(chainID int64, agentType string) (common.Address, bool) {
	contract, declared := f.caps.ContractAddress(chainID, agentType)
	if !declared || !f.caps.EmitsEvent(chainID, agentType, EventAgentAction) {
		return common.Address{}, false
	}
	return contract, true
}

func (f *Fetcher) creditCall(ctx context.Context, chainID int64, method string, addr common.Address) ([]byte, bool) {
	if !f.caps.Supports(chainID, ContractCreditScore, method) {
		return nil, false
	}
	contract, _ := f.caps.ContractAddress(chainID, ContractCreditScore)
	data, err := packCreditCall(method, addr)
	if err != nil {
		return nil, false
	}
	return guardedRead(ctx, f, "eth_call", func(ctx context.Context, p Provider) ([]byte, error) {
		return p.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	})
}

// BorrowerData reads lending history from the credit-score contract when the
// network declares getBorrowerData. ok is false when undeclared or failing.
func (f *Fetcher) BorrowerData(ctx context.Context, addr common.Address) (BorrowerData, bool) {
	out, ok := f.creditCall(ctx, f.ChainID(ctx), MethodBorrowerData, addr)
	if !ok {
		return BorrowerData{}, false
	}
	bd, err := decodeBorrowerData(out)
	if err != nil {
		f.logger.Warn("borrower data decode failed", "address", addr.Hex(), "error", err)
		return BorrowerData{}, false
	}
	return bd, true
}

// RiskMetrics reads collateral health and risk metrics when both methods are declared.
func (f *Fetcher) RiskMetrics(ctx context.Context, addr common.Address) (RiskMetrics, bool) {
	chainID := f.ChainID(ctx)
	healthOut, ok := f.creditCall(ctx, chainID, MethodCollateralHealth, addr)
	if !ok {
		return RiskMetrics{}, false
	}
	metricsOut, ok := f.creditCall(ctx, chainID, MethodRiskMetrics, addr)
	if !ok {
		return RiskMetrics{}, false
	}
	ratio, err := decodeCollateralRatio(healthOut)
	if err != nil {
		f.logger.Warn("collateral health decode failed", "address", addr.Hex(), "error", err)
		return RiskMetrics{}, false
	}
	liq, vol, err := decodeRiskMetrics(metricsOut)
	if err != nil {
		f.logger.Warn("risk metrics decode failed", "address", addr.Hex(), "error", err)
		return RiskMetrics{}, false
	}
	return RiskMetrics{CollateralRatio: ratio, LiquidationRisk: liq, Volatility: vol}, true
}

// CountHighValue counts records whose value exceeds HighValueWei.
func CountHighValue(txs []TransactionRecord) int {
	n := 0
	for _, tx := range txs {
		v, ok := new(big.Int).SetString(tx.Value, 10)
		if ok && v.Cmp(HighValueWei) > 0 {
			n++
		}
	}
	return n
}
