package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"github.com/mbd888/defiagents/internal/metrics"
	"github.com/mbd888/defiagents/internal/retry"
)

// EthClient abstracts the go-ethereum client for testing
type EthClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	Close()
}

// RPCProvider adapts a JSON-RPC node to Provider, throttling outbound calls.
type RPCProvider struct {
	client  EthClient
	limiter *rate.Limiter

	chainMu sync.Mutex
	chainID *big.Int // nil until the node has answered once
}

// Compile-time interface check
var _ Provider = (*RPCProvider)(nil)

// NewRPCProvider wraps an existing client. rps <= 0 disables throttling.
func NewRPCProvider(client EthClient, rps float64) *RPCProvider {
	limit := rate.Inf
	burst := 1
	if rps > 0 {
		limit = rate.Limit(rps)
		burst = max(1, int(rps))
	}
	return &RPCProvider{client: client, limiter: rate.NewLimiter(limit, burst)}
}

// DialRetry is the backoff applied to the initial connection.
var DialRetry = retry.Policy{Attempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 2 * time.Second}

// Dial connects to rpcURL, retrying transient dial failures.
func Dial(ctx context.Context, rpcURL string, rps float64) (*RPCProvider, error) {
	var client *ethclient.Client
	err := retry.Do(ctx, DialRetry, func(ctx context.Context) error {
		c, err := ethclient.DialContext(ctx, rpcURL)
		if err != nil {
			return err
		}
		client = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrProviderFailure, rpcURL, err)
	}
	return NewRPCProvider(client, rps), nil
}

// Close releases the underlying client.
func (p *RPCProvider) Close() {
	p.client.Close()
}

func (p *RPCProvider) wait(ctx context.Context, method string) error {
	if err := p.limiter.Wait(ctx); err != nil {
		metrics.ChainReadsTotal.WithLabelValues(method, "throttled").Inc()
		return err
	}
	return nil
}

func observe(method string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.ChainReadsTotal.WithLabelValues(method, result).Inc()
}

func (p *RPCProvider) signer(ctx context.Context) (types.Signer, error) {
	p.chainMu.Lock()
	defer p.chainMu.Unlock()
	if p.chainID == nil {
		id, err := p.client.ChainID(ctx)
		if err != nil {
			return nil, err
		}
		p.chainID = id
	}
	return types.LatestSignerForChainID(p.chainID), nil
}

func (p *RPCProvider) ChainID(ctx context.Context) (int64, error) {
	if err := p.wait(ctx, "eth_chainId"); err != nil {
		return 0, err
	}
	id, err := p.client.ChainID(ctx)
	observe("eth_chainId", err)
	if err != nil {
		return 0, err
	}
	return id.Int64(), nil
}

func (p *RPCProvider) BlockNumber(ctx context.Context) (uint64, error) {
	if err := p.wait(ctx, "eth_blockNumber"); err != nil {
		return 0, err
	}
	n, err := p.client.BlockNumber(ctx)
	observe("eth_blockNumber", err)
	return n, err
}

func (p *RPCProvider) BlockByNumber(ctx context.Context, number uint64) (*Block, error) {
	if err := p.wait(ctx, "eth_getBlockByNumber"); err != nil {
		return nil, err
	}
	raw, err := p.client.BlockByNumber(ctx, new(big.Int).SetUint64(number))
	observe("eth_getBlockByNumber", err)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, ErrBlockNotFound
	}

	signer, err := p.signer(ctx)
	if err != nil {
		return nil, err
	}

	ts := time.Unix(int64(raw.Time()), 0).UTC()
	block := &Block{
		Number:    raw.NumberU64(),
		Hash:      raw.Hash(),
		Timestamp: ts,
	}
	for _, tx := range raw.Transactions() {
		from, err := types.Sender(signer, tx)
		if err != nil {
			continue // unsupported tx type for this signer
		}
		block.Transactions = append(block.Transactions, Transaction{
			Hash:        tx.Hash(),
			BlockNumber: block.Number,
			From:        from,
			To:          tx.To(),
			Value:       tx.Value(),
			Timestamp:   ts,
		})
	}
	return block, nil
}

func (p *RPCProvider) BlockTime(ctx context.Context, number uint64) (time.Time, error) {
	if err := p.wait(ctx, "eth_getHeaderByNumber"); err != nil {
		return time.Time{}, err
	}
	h, err := p.client.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	observe("eth_getHeaderByNumber", err)
	if err != nil {
		return time.Time{}, err
	}
	if h == nil {
		return time.Time{}, ErrBlockNotFound
	}
	return time.Unix(int64(h.Time), 0).UTC(), nil
}

func (p *RPCProvider) BalanceAt(ctx context.Context, addr common.Address, block *big.Int) (*big.Int, error) {
	if err := p.wait(ctx, "eth_getBalance"); err != nil {
		return nil, err
	}
	bal, err := p.client.BalanceAt(ctx, addr, block)
	observe("eth_getBalance", err)
	return bal, err
}

func (p *RPCProvider) TransactionCount(ctx context.Context, addr common.Address, block *big.Int) (uint64, error) {
	if err := p.wait(ctx, "eth_getTransactionCount"); err != nil {
		return 0, err
	}
	n, err := p.client.NonceAt(ctx, addr, block)
	observe("eth_getTransactionCount", err)
	return n, err
}

func (p *RPCProvider) TransactionByHash(ctx context.Context, hash common.Hash) (*Transaction, error) {
	if err := p.wait(ctx, "eth_getTransactionByHash"); err != nil {
		return nil, err
	}
	tx, _, err := p.client.TransactionByHash(ctx, hash)
	observe("eth_getTransactionByHash", err)
	if err != nil {
		return nil, err
	}
	signer, err := p.signer(ctx)
	if err != nil {
		return nil, err
	}
	from, err := types.Sender(signer, tx)
	if err != nil {
		return nil, fmt.Errorf("recover sender: %w", err)
	}
	return &Transaction{Hash: tx.Hash(), From: from, To: tx.To(), Value: tx.Value()}, nil
}

func (p *RPCProvider) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if err := p.wait(ctx, "eth_getTransactionReceipt"); err != nil {
		return nil, err
	}
	r, err := p.client.TransactionReceipt(ctx, hash)
	observe("eth_getTransactionReceipt", err)
	return r, err
}

func (p *RPCProvider) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if err := p.wait(ctx, "eth_getLogs"); err != nil {
		return nil, err
	}
	logs, err := p.client.FilterLogs(ctx, q)
	observe("eth_getLogs", err)
	return logs, err
}

func (p *RPCProvider) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	if err := p.wait(ctx, "eth_call"); err != nil {
		return nil, err
	}
	out, err := p.client.CallContract(ctx, msg, block)
	observe("eth_call", err)
	return out, err
}

func (p *RPCProvider) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if err := p.wait(ctx, "eth_gasPrice"); err != nil {
		return nil, err
	}
	price, err := p.client.SuggestGasPrice(ctx)
	observe("eth_gasPrice", err)
	return price, err
}
