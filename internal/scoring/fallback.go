package scoring

import "strings"

// AddressHash is the sum of the UTF-16 code units of address.
func AddressHash(address string) int {
	h := 0
	for _, r := range address {
		if r > 0xFFFF {
			// surrogate pair
			r -= 0x10000
			h += 0xD800 + int(r>>10) + 0xDC00 + int(r&0x3FF)
			continue
		}
		h += int(r)
	}
	return h
}

// Fallback returns the deterministic score for address. It is pure: the same
// address always yields the same score, factors and recommendations.
func Fallback(address string) *CreditScore {
	hash := AddressHash(address)
	base := MinScore + hash%300

	names := []struct {
		name   string
		weight float64
	}{
		{FactorTransactionHistory, WeightTransactionHistory},
		{FactorBalanceStability, WeightBalanceStability},
		{FactorDeFiInteractions, WeightDeFiInteractions},
		{FactorLoanRepayments, WeightLoanRepayments},
		{FactorRiskProfile, WeightRiskProfile},
	}
	factors := make([]Factor, len(names))
	for i, n := range names {
		score := 30 + (hash*(i+3))%61
		factors[i] = newFactor(n.name, n.weight, score, "Estimated while on-chain data is unavailable")
	}

	return &CreditScore{
		Address:         strings.ToLower(address),
		Score:           base,
		RiskLevel:       Label(base),
		Factors:         factors,
		Recommendations: Recommendations(factors),
		Source:          SourceFallback,
	}
}
