// Package chaintest provides an in-memory chain.Provider for tests.
package chaintest

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/mbd888/defiagents/internal/chain"
)

// BlockInterval is the spacing between synthesized block timestamps.
const BlockInterval = 12 * time.Second

// Provider is a deterministic in-memory chain. Blocks not added explicitly
// exist implicitly up to Head with timestamps Genesis + n*BlockInterval and
// no transactions.
type Provider struct {
	mu sync.Mutex

	id       int64
	head     uint64
	genesis  time.Time
	blocks   map[uint64]*chain.Block
	balances map[common.Address]*big.Int
	nonces   map[common.Address]uint64
	logs     []types.Log
	results  map[string][]byte
	receipts map[common.Hash]*types.Receipt
	gasPrice *big.Int

	failures map[string]error
	delay    time.Duration
	calls    map[string]int
}

var _ chain.Provider = (*Provider)(nil)

// New creates an empty chain with a single genesis block.
func New(chainID int64) *Provider {
	return &Provider{
		id:       chainID,
		genesis:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		blocks:   make(map[uint64]*chain.Block),
		balances: make(map[common.Address]*big.Int),
		nonces:   make(map[common.Address]uint64),
		results:  make(map[string][]byte),
		receipts: make(map[common.Hash]*types.Receipt),
		gasPrice: big.NewInt(20_000_000_000),
		failures: make(map[string]error),
		calls:    make(map[string]int),
	}
}

// SetHead moves the chain head.
func (p *Provider) SetHead(n uint64) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.head = n
	return p
}

// Head returns the head block number.
func (p *Provider) Head() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.head
}

// TimeOf returns the timestamp block n has.
func (p *Provider) TimeOf(n uint64) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timeOf(n)
}

func (p *Provider) timeOf(n uint64) time.Time {
	if b, ok := p.blocks[n]; ok {
		return b.Timestamp
	}
	return p.genesis.Add(time.Duration(n) * BlockInterval)
}

// MineBlock appends a block holding txs after the current head.
func (p *Provider) MineBlock(txs ...chain.Transaction) *chain.Block {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.head++
	n := p.head
	ts := p.timeOf(n)
	b := &chain.Block{Number: n, Hash: common.BigToHash(big.NewInt(int64(n))), Timestamp: ts}
	for i, tx := range txs {
		tx.BlockNumber = n
		tx.Timestamp = ts
		if tx.Hash == (common.Hash{}) {
			tx.Hash = common.BytesToHash([]byte(fmt.Sprintf("tx-%d-%d", n, i)))
		}
		if tx.Value == nil {
			tx.Value = new(big.Int)
		}
		b.Transactions = append(b.Transactions, tx)
	}
	p.blocks[n] = b
	return b
}

// SetBalance sets an account balance in wei.
func (p *Provider) SetBalance(addr common.Address, wei *big.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balances[addr] = new(big.Int).Set(wei)
}

// SetNonce sets an account transaction count.
func (p *Provider) SetNonce(addr common.Address, n uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nonces[addr] = n
}

// SetGasPrice sets the suggested gas price in wei.
func (p *Provider) SetGasPrice(wei *big.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gasPrice = new(big.Int).Set(wei)
}

// AddLog appends an event log.
func (p *Provider) AddLog(l types.Log) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logs = append(p.logs, l)
}

// SetCallResult answers eth_call requests whose calldata starts with selector.
func (p *Provider) SetCallResult(selector, out []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results[string(selector)] = out
}

// SetReceipt registers a mined receipt.
func (p *Provider) SetReceipt(r *types.Receipt) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.receipts[r.TxHash] = r
}

// Fail makes every call to method return err. A nil err clears it.
func (p *Provider) Fail(method string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failures, method)
		return
	}
	p.failures[method] = err
}

// SetDelay makes every call block for d before answering.
func (p *Provider) SetDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delay = d
}

// Calls returns how many times method was invoked.
func (p *Provider) Calls(method string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[method]
}

func (p *Provider) enter(ctx context.Context, method string) error {
	p.mu.Lock()
	p.calls[method]++
	delay := p.delay
	err := p.failures[method]
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (p *Provider) ChainID(ctx context.Context) (int64, error) {
	if err := p.enter(ctx, "ChainID"); err != nil {
		return 0, err
	}
	return p.id, nil
}

func (p *Provider) BlockNumber(ctx context.Context) (uint64, error) {
	if err := p.enter(ctx, "BlockNumber"); err != nil {
		return 0, err
	}
	return p.Head(), nil
}

func (p *Provider) BlockByNumber(ctx context.Context, n uint64) (*chain.Block, error) {
	if err := p.enter(ctx, "BlockByNumber"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if n > p.head {
		return nil, chain.ErrBlockNotFound
	}
	if b, ok := p.blocks[n]; ok {
		cp := *b
		cp.Transactions = append([]chain.Transaction(nil), b.Transactions...)
		return &cp, nil
	}
	return &chain.Block{Number: n, Hash: common.BigToHash(big.NewInt(int64(n))), Timestamp: p.timeOf(n)}, nil
}

func (p *Provider) BlockTime(ctx context.Context, n uint64) (time.Time, error) {
	if err := p.enter(ctx, "BlockTime"); err != nil {
		return time.Time{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if n > p.head {
		return time.Time{}, chain.ErrBlockNotFound
	}
	return p.timeOf(n), nil
}

func (p *Provider) BalanceAt(ctx context.Context, addr common.Address, _ *big.Int) (*big.Int, error) {
	if err := p.enter(ctx, "BalanceAt"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.balances[addr]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (p *Provider) TransactionCount(ctx context.Context, addr common.Address, _ *big.Int) (uint64, error) {
	if err := p.enter(ctx, "TransactionCount"); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nonces[addr], nil
}

func (p *Provider) TransactionByHash(ctx context.Context, hash common.Hash) (*chain.Transaction, error) {
	if err := p.enter(ctx, "TransactionByHash"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.blocks {
		for _, tx := range b.Transactions {
			if tx.Hash == hash {
				cp := tx
				return &cp, nil
			}
		}
	}
	return nil, ethereum.NotFound
}

func (p *Provider) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if err := p.enter(ctx, "TransactionReceipt"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (p *Provider) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if err := p.enter(ctx, "FilterLogs"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []types.Log
	for _, l := range p.logs {
		if matchLog(l, q) {
			out = append(out, l)
		}
	}
	return out, nil
}

func matchLog(l types.Log, q ethereum.FilterQuery) bool {
	if q.FromBlock != nil && l.BlockNumber < q.FromBlock.Uint64() {
		return false
	}
	if q.ToBlock != nil && l.BlockNumber > q.ToBlock.Uint64() {
		return false
	}
	if len(q.Addresses) > 0 {
		found := false
		for _, a := range q.Addresses {
			if a == l.Address {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for i, alts := range q.Topics {
		if len(alts) == 0 {
			continue
		}
		if i >= len(l.Topics) {
			return false
		}
		found := false
		for _, t := range alts {
			if t == l.Topics[i] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (p *Provider) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if err := p.enter(ctx, "CallContract"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for sel, out := range p.results {
		if bytes.HasPrefix(msg.Data, []byte(sel)) {
			return out, nil
		}
	}
	return nil, fmt.Errorf("execution reverted")
}

func (p *Provider) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if err := p.enter(ctx, "SuggestGasPrice"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return new(big.Int).Set(p.gasPrice), nil
}
