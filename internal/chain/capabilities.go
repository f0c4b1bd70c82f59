package chain

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// ContractCreditScore names the optional credit-score contract in capability files.
const ContractCreditScore = "credit_score"

// Capabilities declares, per network, which optional contracts exist and which
// methods and events each one exposes. Reads are only attempted for declared
// methods; anything undeclared takes the synthetic fallback path.
type Capabilities struct {
	Networks []NetworkCapabilities `yaml:"networks"`
}

// NetworkCapabilities lists the contracts deployed on one chain.
type NetworkCapabilities struct {
	ChainID   int64                         `yaml:"chain_id"`
	Name      string                        `yaml:"name"`
	Explorer  string                        `yaml:"explorer"`
	Contracts map[string]ContractCapability `yaml:"contracts"`
}

// ContractCapability is a deployed contract and the interface it declares.
type ContractCapability struct {
	Address string   `yaml:"address"`
	Methods []string `yaml:"methods"`
	Events  []string `yaml:"events"`
}

// DefaultCapabilities declares the supported networks with no optional contracts,
// so every probe falls back to synthesized data.
func DefaultCapabilities() *Capabilities {
	caps := &Capabilities{}
	for _, id := range []int64{1, 5, 11155111} {
		caps.Networks = append(caps.Networks, NetworkCapabilities{
			ChainID:  id,
			Name:     NetworkName(id),
			Explorer: ExplorerBase(id),
		})
	}
	return caps
}

// LoadCapabilities reads a YAML capability file. An empty path yields the defaults.
func LoadCapabilities(path string) (*Capabilities, error) {
	if path == "" {
		return DefaultCapabilities(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read capabilities: %w", err)
	}
	return ParseCapabilities(raw)
}

// ParseCapabilities decodes and validates capability YAML.
func ParseCapabilities(raw []byte) (*Capabilities, error) {
	var caps Capabilities
	if err := yaml.Unmarshal(raw, &caps); err != nil {
		return nil, fmt.Errorf("parse capabilities: %w", err)
	}
	seen := make(map[int64]bool, len(caps.Networks))
	for _, n := range caps.Networks {
		if n.ChainID <= 0 {
			return nil, fmt.Errorf("capabilities: network %q has no chain_id", n.Name)
		}
		if seen[n.ChainID] {
			return nil, fmt.Errorf("capabilities: duplicate chain_id %d", n.ChainID)
		}
		seen[n.ChainID] = true
		for name, c := range n.Contracts {
			if !common.IsHexAddress(c.Address) {
				return nil, fmt.Errorf("capabilities: contract %s on chain %d: %w", name, n.ChainID, ErrInvalidAddress)
			}
		}
	}
	return &caps, nil
}

func (c *Capabilities) network(chainID int64) *NetworkCapabilities {
	if c == nil {
		return nil
	}
	for i := range c.Networks {
		if c.Networks[i].ChainID == chainID {
			return &c.Networks[i]
		}
	}
	return nil
}

func (c *Capabilities) contract(chainID int64, name string) (ContractCapability, bool) {
	n := c.network(chainID)
	if n == nil {
		return ContractCapability{}, false
	}
	cc, ok := n.Contracts[name]
	return cc, ok
}

// Supports reports whether contract on chainID declares method.
func (c *Capabilities) Supports(chainID int64, contract, method string) bool {
	cc, ok := c.contract(chainID, contract)
	return ok && slices.Contains(cc.Methods, method)
}

// EmitsEvent reports whether contract on chainID declares event.
func (c *Capabilities) EmitsEvent(chainID int64, contract, event string) bool {
	cc, ok := c.contract(chainID, contract)
	return ok && slices.Contains(cc.Events, event)
}

// ContractAddress resolves a declared contract's address.
func (c *Capabilities) ContractAddress(chainID int64, contract string) (common.Address, bool) {
	cc, ok := c.contract(chainID, contract)
	if !ok {
		return common.Address{}, false
	}
	return common.HexToAddress(strings.TrimSpace(cc.Address)), true
}

// Explorer returns the explorer override declared for chainID, or "".
func (c *Capabilities) Explorer(chainID int64) string {
	if n := c.network(chainID); n != nil {
		return n.Explorer
	}
	return ""
}
