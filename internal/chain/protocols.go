package chain

import (
	"sort"
	"strings"
)

// knownLendingProtocols maps lowercase mainnet contract addresses to protocol names.
var knownLendingProtocols = map[string]string{
	"0x7d2768de32b0b80b7a3454c06bdac94a69ddc7a9": "Aave V2",
	"0x87870bca3f3fd6335c3f4ce8392d69350b4fa4e2": "Aave V3",
	"0x3d9819210a31b4961b30ef54be2aed79b9c9cd3b": "Compound",
	"0x4ddc2d193948926d02f9b1fe9e1daa0718270ed5": "Compound cETH",
	"0xc3d688b66703497daa19211eedff47f25384cdc3": "Compound V3",
	"0x5ef30b9986345249bc32d8928b7ee64de9435e39": "MakerDAO",
	"0x44fbebd2f576670a6c33f6fc0b00aa8c5753b322": "Euler",
}

// IsKnownLendingProtocol reports whether addr belongs to the lending allow-list.
func IsKnownLendingProtocol(addr string) bool {
	_, ok := knownLendingProtocols[strings.ToLower(strings.TrimSpace(addr))]
	return ok
}

// ProtocolName returns the protocol name for a known address, or "".
func ProtocolName(addr string) string {
	return knownLendingProtocols[strings.ToLower(strings.TrimSpace(addr))]
}

// KnownLendingProtocols lists the allow-listed addresses in a stable order.
func KnownLendingProtocols() []string {
	out := make([]string, 0, len(knownLendingProtocols))
	for addr := range knownLendingProtocols {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}
