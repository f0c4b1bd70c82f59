package chain

import (
	"fmt"
	"strings"
)

// LinkKind selects the explorer page type.
type LinkKind string

const (
	LinkAddress LinkKind = "address"
	LinkTx      LinkKind = "tx"
)

var explorers = map[int64]string{
	1:        "https://etherscan.io",
	5:        "https://goerli.etherscan.io",
	11155111: "https://sepolia.etherscan.io",
	10:       "https://optimistic.etherscan.io",
	137:      "https://polygonscan.com",
	8453:     "https://basescan.org",
	42161:    "https://arbiscan.io",
	84532:    "https://sepolia.basescan.org",
}

// ExplorerBase returns the block explorer root for chainID; mainnet when unknown.
func ExplorerBase(chainID int64) string {
	if base, ok := explorers[chainID]; ok {
		return base
	}
	return explorers[1]
}

// ExplorerURL builds a block explorer link for an address or transaction hash.
func ExplorerURL(chainID int64, kind LinkKind, value string) string {
	if kind != LinkTx {
		kind = LinkAddress
	}
	return fmt.Sprintf("%s/%s/%s", ExplorerBase(chainID), kind, strings.TrimSpace(value))
}
