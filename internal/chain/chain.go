// Package chain mediates every blockchain read made by the backend.
//
// All reads go through a Provider. The Fetcher wraps each read in the timeout
// guard and a per-method circuit breaker, so callers only ever see results or
// documented empty/neutral fallbacks, never provider errors.
package chain

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	ErrNoProvider      = errors.New("chain: no provider configured")
	ErrNotSupported    = errors.New("chain: contract method not declared for network")
	ErrInvalidAddress  = errors.New("chain: invalid address")
	ErrBlockNotFound   = errors.New("chain: block not found")
	ErrProviderFailure = errors.New("chain: provider request failed")
)

// Provider is the read surface the backend consumes from an EVM node.
type Provider interface {
	ChainID(ctx context.Context) (int64, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number uint64) (*Block, error)
	BlockTime(ctx context.Context, number uint64) (time.Time, error)
	BalanceAt(ctx context.Context, addr common.Address, block *big.Int) (*big.Int, error)
	TransactionCount(ctx context.Context, addr common.Address, block *big.Int) (uint64, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*Transaction, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// Block is a mined block with its sender-resolved transactions.
type Block struct {
	Number       uint64
	Hash         common.Hash
	Timestamp    time.Time
	Transactions []Transaction
}

// Transaction is a transaction with its sender already recovered.
type Transaction struct {
	Hash        common.Hash
	BlockNumber uint64
	From        common.Address
	To          *common.Address // nil for contract creation
	Value       *big.Int
	Timestamp   time.Time
}

// Direction of value flow relative to the wallet being inspected.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// TransactionRecord is the ephemeral view of a transaction handed to scoring and the UI.
type TransactionRecord struct {
	Hash        string    `json:"hash"`
	BlockNumber uint64    `json:"blockNumber"`
	Timestamp   time.Time `json:"timestamp"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Value       string    `json:"value,omitempty"` // wei
	Direction   Direction `json:"direction,omitempty"`
	Amount      string    `json:"amount,omitempty"` // ETH
	Action      string    `json:"action,omitempty"`
}

// ProtocolInteraction summarizes a wallet's activity with one known protocol.
// Recomputed from transaction samples on every request.
type ProtocolInteraction struct {
	Protocol         string    `json:"protocol"`
	Address          string    `json:"address"`
	LastInteraction  time.Time `json:"lastInteraction"`
	InteractionCount int       `json:"interactionCount"`
}

// Supported networks: mainnet plus two testnets.
var supportedNetworks = map[int64]string{
	1:        "Ethereum Mainnet",
	5:        "Goerli",
	11155111: "Sepolia",
}

// IsSupportedNetwork reports whether transactions may be submitted on chainID.
func IsSupportedNetwork(chainID int64) bool {
	_, ok := supportedNetworks[chainID]
	return ok
}

// NetworkName returns a display name for a supported chain, or "" when unsupported.
func NetworkName(chainID int64) string {
	return supportedNetworks[chainID]
}

// ParseAddress validates and parses a hex address.
func ParseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, ErrInvalidAddress
	}
	return common.HexToAddress(s), nil
}
