package chain

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// EtherDecimals is the decimal precision of ETH.
const EtherDecimals = 18

var weiPerEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(EtherDecimals), nil)

// FormatEther renders wei as a decimal ETH string without trailing zeros ("1.5", "0").
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	neg := wei.Sign() < 0
	abs := new(big.Int).Abs(wei)
	whole, frac := new(big.Int).QuoRem(abs, weiPerEther, new(big.Int))

	s := whole.String()
	if frac.Sign() > 0 {
		fs := strings.TrimRight(fmt.Sprintf("%018s", frac.String()), "0")
		s += "." + fs
	}
	if neg {
		s = "-" + s
	}
	return s
}

// ParseEther converts a decimal ETH string to wei.
func ParseEther(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("parse ether: empty amount")
	}
	whole, frac, _ := strings.Cut(s, ".")
	if len(frac) > EtherDecimals {
		return nil, fmt.Errorf("parse ether %q: more than %d decimals", s, EtherDecimals)
	}
	if whole == "" {
		whole = "0"
	}
	frac += strings.Repeat("0", EtherDecimals-len(frac))

	wei, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok || wei.Sign() < 0 {
		return nil, fmt.Errorf("parse ether %q: invalid amount", s)
	}
	return wei, nil
}

// WeiToEther converts wei to a float for heuristics. Precision loss is acceptable there.
func WeiToEther(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), new(big.Float).SetInt(weiPerEther)).Float64()
	return f
}

// GweiToWei converts gwei to wei.
func GweiToWei(gwei float64) *big.Int {
	wei, _ := new(big.Float).Mul(big.NewFloat(gwei), big.NewFloat(1e9)).Int(nil)
	return wei
}

// WeiToGwei converts wei to gwei.
func WeiToGwei(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e9)).Float64()
	return f
}

func unixUTC(sec uint64) time.Time {
	return time.Unix(int64(sec), 0).UTC()
}
