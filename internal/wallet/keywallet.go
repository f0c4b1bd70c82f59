package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/defiagents/internal/chain"
)

// EthClient abstracts go-ethereum client for testing
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	Close()
}

// Config for creating a key-backed wallet
type Config struct {
	RPCURL        string
	PrivateKey    string // Hex string, with or without 0x prefix
	ChainID       int64
	AutoAuthorize bool // accounts start authorized, as if approved in an earlier visit
}

// Option configures the wallet
type Option func(*KeyWallet)

// WithClient sets a custom Ethereum client (useful for testing)
func WithClient(client EthClient) Option {
	return func(w *KeyWallet) {
		w.client = client
	}
}

// WithApprover sets who answers connect and transaction prompts.
func WithApprover(a Approver) Option {
	return func(w *KeyWallet) {
		if a != nil {
			w.approver = a
		}
	}
}

// WithPollInterval overrides the receipt polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(w *KeyWallet) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *KeyWallet) {
		if l != nil {
			w.logger = l
		}
	}
}

// KeyWallet is an injected wallet backed by a local private key. Prompts are
// routed through an Approver; provider events are emitted on Events.
type KeyWallet struct {
	client       EthClient
	privateKey   *ecdsa.PrivateKey
	address      common.Address
	approver     Approver
	pollInterval time.Duration
	logger       *slog.Logger

	mu         sync.Mutex
	chainID    int64
	authorized bool
	closed     bool
	events     chan Event
}

// Compile-time interface check
var _ Connector = (*KeyWallet)(nil)

// NewKeyWallet creates a key-backed wallet.
func NewKeyWallet(cfg Config, opts ...Option) (*KeyWallet, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	w := &KeyWallet{
		privateKey:   privateKey,
		address:      crypto.PubkeyToAddress(privateKey.PublicKey),
		approver:     AutoApprove,
		pollInterval: ConfirmationPollInterval,
		logger:       slog.Default(),
		chainID:      cfg.ChainID,
		authorized:   cfg.AutoAuthorize,
		events:       make(chan Event, 16),
	}

	for _, opt := range opts {
		opt(w)
	}

	// Connect to RPC if no client provided
	if w.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		w.client = client
	}

	return w, nil
}

func validateConfig(cfg Config) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	if cfg.PrivateKey == "" {
		return fmt.Errorf("%w: private key required", ErrInvalidPrivateKey)
	}
	if len(strings.TrimPrefix(cfg.PrivateKey, "0x")) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return fmt.Errorf("chain ID required")
	}
	return nil
}

// Address returns the wallet's account.
func (w *KeyWallet) Address() common.Address {
	return w.address
}

func (w *KeyWallet) state() (chainID int64, authorized, closed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.chainID, w.authorized, w.closed
}

// RequestAccounts prompts for authorization unless already granted.
func (w *KeyWallet) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	_, authorized, closed := w.state()
	if closed {
		return nil, ErrClosed
	}
	if authorized {
		return []common.Address{w.address}, nil
	}

	ok, err := w.approver.Approve(ctx, Prompt{Kind: PromptConnect, Account: w.address.Hex()})
	if err != nil {
		return nil, fmt.Errorf("connect prompt: %w", err)
	}
	if !ok {
		return nil, ErrUserRejected
	}

	w.mu.Lock()
	w.authorized = true
	w.mu.Unlock()
	return []common.Address{w.address}, nil
}

// Accounts returns authorized accounts without prompting; empty when none.
func (w *KeyWallet) Accounts(ctx context.Context) ([]common.Address, error) {
	_, authorized, closed := w.state()
	if closed {
		return nil, ErrClosed
	}
	if !authorized {
		return []common.Address{}, nil
	}
	return []common.Address{w.address}, nil
}

func (w *KeyWallet) ChainID(ctx context.Context) (int64, error) {
	id, _, closed := w.state()
	if closed {
		return 0, ErrClosed
	}
	return id, nil
}

func (w *KeyWallet) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	bal, err := w.client.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: balance: %v", ErrRPCConnection, err)
	}
	return bal, nil
}

// SendTransaction prompts for approval, then signs (EIP-155) and submits.
func (w *KeyWallet) SendTransaction(ctx context.Context, req TxRequest) (*TxResult, error) {
	chainID, authorized, closed := w.state()
	if closed {
		return nil, ErrClosed
	}
	if !authorized {
		return nil, ErrUnauthorized
	}
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}

	ok, err := w.approver.Approve(ctx, Prompt{
		Kind:    PromptTransaction,
		Account: w.address.Hex(),
		To:      req.To.Hex(),
		Value:   chain.FormatEther(value),
	})
	if err != nil {
		return nil, &TxError{Op: "prompt", Err: err}
	}
	if !ok {
		return nil, &TxError{Op: "prompt", Err: ErrUserRejected}
	}

	nonce, err := w.client.PendingNonceAt(ctx, w.address)
	if err != nil {
		return nil, &TxError{Op: "nonce", Err: err}
	}

	gasPrice, err := w.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &TxError{Op: "gas_price", Err: err}
	}

	gasLimit := req.GasLimit
	if gasLimit == 0 {
		gasLimit, err = w.client.EstimateGas(ctx, ethereum.CallMsg{
			From:  w.address,
			To:    &req.To,
			Value: value,
			Data:  req.Data,
		})
		if err != nil {
			// Use default if estimation fails
			gasLimit = DefaultGasLimit
		}
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &req.To,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     req.Data,
	})

	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(big.NewInt(chainID)), w.privateKey)
	if err != nil {
		return nil, &TxError{Op: "sign", Err: err}
	}

	if err := w.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, &TxError{Op: "send", TxHash: signedTx.Hash().Hex(), Err: err}
	}

	w.logger.Info("transaction submitted", "tx", signedTx.Hash().Hex(), "to", req.To.Hex(), "chain_id", chainID)
	return &TxResult{
		Hash:     signedTx.Hash(),
		From:     w.address,
		To:       req.To,
		Value:    value,
		Nonce:    nonce,
		GasPrice: gasPrice,
	}, nil
}

// WaitForReceipt polls until the transaction is mined. A reverted
// transaction yields ErrTransactionFailed.
func (w *KeyWallet) WaitForReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	if timeout <= 0 {
		timeout = DefaultConfirmationTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: waiting for tx %s", ErrTimeout, hash.Hex())
			}
			return nil, ctx.Err()

		case <-ticker.C:
			receipt, err := w.client.TransactionReceipt(ctx, hash)
			if err != nil || receipt == nil {
				// Transaction not yet mined, continue waiting
				continue
			}
			if receipt.Status == types.ReceiptStatusFailed {
				return receipt, &TxError{Op: "confirm", TxHash: hash.Hex(), Err: ErrTransactionFailed}
			}
			return receipt, nil
		}
	}
}

// Events delivers provider signals. The channel is never closed.
func (w *KeyWallet) Events() <-chan Event {
	return w.events
}

func (w *KeyWallet) emit(ev Event) {
	select {
	case w.events <- ev:
	default:
		w.logger.Warn("wallet event dropped, no reader", "event", ev.Type)
	}
}

// Revoke withdraws account authorization, as when the user disconnects the
// site from inside the wallet.
func (w *KeyWallet) Revoke() {
	w.mu.Lock()
	w.authorized = false
	w.mu.Unlock()
	w.emit(Event{Type: EventAccountsChanged, Accounts: []common.Address{}})
}

// SwitchChain changes the active network.
func (w *KeyWallet) SwitchChain(chainID int64) {
	w.mu.Lock()
	w.chainID = chainID
	w.mu.Unlock()
	w.emit(Event{Type: EventChainChanged, ChainID: chainID})
}

// Announce signals that the provider finished initializing.
func (w *KeyWallet) Announce() {
	w.emit(Event{Type: EventInitialized})
}

// Close disconnects the provider and releases the client.
func (w *KeyWallet) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	w.emit(Event{Type: EventDisconnect, Err: ErrClosed})
	if w.client != nil {
		w.client.Close()
	}
	return nil
}
