package agents

import (
	"context"
	"fmt"
	"math/big"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/mbd888/defiagents/internal/chain"
	"github.com/mbd888/defiagents/internal/idgen"
	"github.com/mbd888/defiagents/internal/session"
	"github.com/mbd888/defiagents/internal/wallet"
)

// Simulation defaults.
const (
	DefaultSimulatedDelay = 2 * time.Second
	DefaultSuccessRate    = 0.9
)

// Execution is the work handed to an Executor.
type Execution struct {
	Address   string
	AgentType Type
	Action    Action
	Request   ActionRequest
}

// Executor carries out an agent action and returns its transaction hash.
type Executor interface {
	Execute(ctx context.Context, ex Execution) (txHash string, err error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, ex Execution) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, ex Execution) (string, error) { return f(ctx, ex) }

// SimulatedExecutor waits a fixed delay and succeeds with a fixed probability.
type SimulatedExecutor struct {
	Delay       time.Duration
	SuccessRate float64
	rand        func() float64
}

var _ Executor = (*SimulatedExecutor)(nil)

// NewSimulatedExecutor creates a simulated executor.
func NewSimulatedExecutor(delay time.Duration, successRate float64) *SimulatedExecutor {
	return &SimulatedExecutor{Delay: delay, SuccessRate: successRate, rand: rand.Float64}
}

// WithRand replaces the random source. Used by tests.
func (e *SimulatedExecutor) WithRand(fn func() float64) *SimulatedExecutor {
	e.rand = fn
	return e
}

func (e *SimulatedExecutor) Execute(ctx context.Context, ex Execution) (string, error) {
	if e.Delay > 0 {
		timer := time.NewTimer(e.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if e.rand() >= e.SuccessRate {
		return "", fmt.Errorf("%w: simulated transaction for %q reverted", ErrActionFailed, ex.Action.Action)
	}
	return "0x" + idgen.Hex(32), nil
}

// TxSender submits transactions through the connected wallet.
type TxSender interface {
	// Signer returns the account the wallet signs with.
	Signer() (common.Address, error)
	SendTransaction(ctx context.Context, req wallet.TxRequest) (*wallet.TxResult, error)
	WaitForReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*types.Receipt, error)
}

var _ TxSender = (*session.Manager)(nil)

// ChainExecutor sends a real transaction through the wallet session and
// waits for its receipt. Without an explicit target the transaction is a
// zero-value self-transfer carrying the action name as calldata.
type ChainExecutor struct {
	sender  TxSender
	timeout time.Duration
}

var _ Executor = (*ChainExecutor)(nil)

// NewChainExecutor creates an executor over sender.
func NewChainExecutor(sender TxSender, receiptTimeout time.Duration) *ChainExecutor {
	if receiptTimeout <= 0 {
		receiptTimeout = wallet.DefaultConfirmationTimeout
	}
	return &ChainExecutor{sender: sender, timeout: receiptTimeout}
}

// Execute refuses to act for a wallet other than the connected one.
func (e *ChainExecutor) Execute(ctx context.Context, ex Execution) (string, error) {
	signer, err := e.sender.Signer()
	if err != nil {
		return "", err
	}
	if !strings.EqualFold(signer.Hex(), ex.Address) {
		return "", fmt.Errorf("%w: connected %s, agent wallet %s", ErrWalletMismatch, signer.Hex(), ex.Address)
	}

	to := common.HexToAddress(ex.Address)
	if ex.Request.To != "" {
		addr, err := chain.ParseAddress(ex.Request.To)
		if err != nil {
			return "", fmt.Errorf("%w: bad target %q", ErrActionFailed, ex.Request.To)
		}
		to = addr
	}
	value := new(big.Int)
	if ex.Request.Value != "" {
		v, err := chain.ParseEther(ex.Request.Value)
		if err != nil {
			return "", fmt.Errorf("%w: bad value %q: %w", ErrActionFailed, ex.Request.Value, err)
		}
		value = v
	}

	res, err := e.sender.SendTransaction(ctx, wallet.TxRequest{To: to, Value: value, Data: []byte(ex.Action.Action)})
	if err != nil {
		return "", err
	}
	hash := res.Hash.Hex()
	receipt, err := e.sender.WaitForReceipt(ctx, res.Hash, e.timeout)
	if err != nil {
		return hash, err
	}
	if receipt != nil && receipt.Status != types.ReceiptStatusSuccessful {
		return hash, fmt.Errorf("%w: transaction %s reverted", ErrActionFailed, hash)
	}
	return hash, nil
}
