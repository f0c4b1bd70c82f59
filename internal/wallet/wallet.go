// Package wallet models the external wallet provider the session talks to:
// account authorization prompts, chain identity, balances, transaction
// signing, and the asynchronous provider events (accounts changed, chain
// changed, disconnect, initialized).
package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// -----------------------------------------------------------------------------
// Errors - typed errors for programmatic handling
// -----------------------------------------------------------------------------

var (
	ErrInvalidPrivateKey = errors.New("wallet: invalid private key")
	ErrUserRejected      = errors.New("wallet: user rejected request")
	ErrUnauthorized      = errors.New("wallet: account not authorized")
	ErrTransactionFailed = errors.New("wallet: transaction failed")
	ErrTimeout           = errors.New("wallet: operation timed out")
	ErrRPCConnection     = errors.New("wallet: RPC connection failed")
	ErrClosed            = errors.New("wallet: provider closed")
)

// TxError wraps transaction failures with context
type TxError struct {
	Op     string // Operation that failed
	TxHash string // Transaction hash if available
	Err    error  // Underlying error
}

func (e *TxError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("wallet: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("wallet: %s failed: %v", e.Op, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// Interfaces
// -----------------------------------------------------------------------------

// Kind identifies a wallet integration.
type Kind string

const (
	KindInjected      Kind = "injected"
	KindWalletConnect Kind = "walletconnect"
	KindCoinbase      Kind = "coinbase"
)

// Connector is a wallet provider.
type Connector interface {
	// RequestAccounts asks the user to authorize accounts. May prompt.
	RequestAccounts(ctx context.Context) ([]common.Address, error)
	// Accounts returns already-authorized accounts without prompting.
	Accounts(ctx context.Context) ([]common.Address, error)
	ChainID(ctx context.Context) (int64, error)
	Balance(ctx context.Context, addr common.Address) (*big.Int, error)
	// SendTransaction signs and submits req from the active account. May prompt.
	SendTransaction(ctx context.Context, req TxRequest) (*TxResult, error)
	WaitForReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*types.Receipt, error)
	// Events delivers provider-side state changes.
	Events() <-chan Event
}

// EventType enumerates provider events.
type EventType string

const (
	EventAccountsChanged EventType = "accountsChanged"
	EventChainChanged    EventType = "chainChanged"
	EventDisconnect      EventType = "disconnect"
	EventInitialized     EventType = "initialized"
)

// Event is an asynchronous provider signal.
type Event struct {
	Type     EventType
	Accounts []common.Address // accountsChanged
	ChainID  int64            // chainChanged
	Err      error            // disconnect
}

// TxRequest describes a transaction to submit.
type TxRequest struct {
	To       common.Address
	Value    *big.Int
	Data     []byte
	GasLimit uint64 // 0 = estimate
}

// TxResult contains details of a submitted transaction
type TxResult struct {
	Hash     common.Hash
	From     common.Address
	To       common.Address
	Value    *big.Int
	Nonce    uint64
	GasPrice *big.Int
}

// IsUserRejection reports whether err came from a declined prompt.
func IsUserRejection(err error) bool {
	return errors.Is(err, ErrUserRejected)
}

const (
	// DefaultGasLimit for plain value transfers
	DefaultGasLimit = uint64(21000)

	// DefaultConfirmationTimeout for waiting on transactions
	DefaultConfirmationTimeout = 60 * time.Second

	// ConfirmationPollInterval between receipt checks
	ConfirmationPollInterval = 2 * time.Second
)
