package scoring

import (
	"fmt"
	"math"

	"github.com/mbd888/defiagents/internal/chain"
)

// Factor weights. They sum to 1.
const (
	WeightTransactionHistory = 0.20
	WeightBalanceStability   = 0.15
	WeightDeFiInteractions   = 0.25
	WeightLoanRepayments     = 0.30
	WeightRiskProfile        = 0.10
)

// Assumed rates when lending history has to be estimated.
const (
	estimatedDefaultRate = 0.2
	estimatedLateRate    = 0.3
)

const baseRecommendation = "Maintain consistent on-chain activity to keep building your credit history."

func clampScore(v float64) int {
	return int(math.Round(math.Max(0, math.Min(100, v))))
}

func impactOf(score int) Impact {
	switch {
	case score > 70:
		return ImpactPositive
	case score < 40:
		return ImpactNegative
	default:
		return ImpactNeutral
	}
}

func newFactor(name string, weight float64, score int, desc string) Factor {
	return Factor{Name: name, Score: score, Weight: weight, Impact: impactOf(score), Description: desc}
}

// TransactionHistory scores the wallet's nonce, boosted when the nonce is
// large relative to the sampled transaction list.
func TransactionHistory(txCount uint64, sampleSize int) Factor {
	score := math.Min(100, 30+2*float64(txCount))
	if sampleSize > 0 {
		frequency := float64(txCount) / float64(sampleSize)
		switch {
		case frequency > 1:
			score += 20
		case frequency > 0.5:
			score += 10
		}
	}
	return newFactor(FactorTransactionHistory, WeightTransactionHistory, clampScore(score),
		fmt.Sprintf("%d transactions sent from this wallet", txCount))
}

// BalanceStability bands the ETH balance.
func BalanceStability(balanceETH float64) Factor {
	var score int
	switch {
	case balanceETH < 0.1:
		score = 30
	case balanceETH < 1:
		score = 50
	case balanceETH < 5:
		score = 70
	default:
		score = 90
	}
	return newFactor(FactorBalanceStability, WeightBalanceStability, score,
		fmt.Sprintf("Current balance of %.4f ETH", balanceETH))
}

// DeFiInteractions rewards breadth across known lending protocols.
func DeFiInteractions(uniqueProtocols int) Factor {
	score := clampScore(30 + 15*float64(uniqueProtocols))
	return newFactor(FactorDeFiInteractions, WeightDeFiInteractions, score,
		fmt.Sprintf("Interacted with %d known lending protocols", uniqueProtocols))
}

// EstimateBorrowerData approximates lending history from the number of
// transactions sent to known lending protocols.
func EstimateBorrowerData(lendingTxs int) chain.BorrowerData {
	n := uint64(max(lendingTxs, 0))
	return chain.BorrowerData{
		TotalLoans:     n,
		Defaults:       uint64(math.Floor(float64(n) * estimatedDefaultRate)),
		LateRepayments: uint64(math.Floor(float64(n) * estimatedLateRate)),
	}
}

// LoanRepayments scores lending history. No loans is neutral.
func LoanRepayments(bd chain.BorrowerData) Factor {
	if bd.TotalLoans == 0 {
		return newFactor(FactorLoanRepayments, WeightLoanRepayments, 50, "No lending history found")
	}
	total := float64(bd.TotalLoans)
	defaultRatio := float64(bd.Defaults) / total
	lateRatio := float64(bd.LateRepayments) / total
	successRatio := math.Max(0, total-float64(bd.Defaults)-float64(bd.LateRepayments)) / total

	score := 70 - 50*defaultRatio - 30*lateRatio + 30*successRatio
	return newFactor(FactorLoanRepayments, WeightLoanRepayments, clampScore(score),
		fmt.Sprintf("%d loans, %d defaults, %d late repayments", bd.TotalLoans, bd.Defaults, bd.LateRepayments))
}

// EstimateRiskMetrics derives a risk view from balance and the number of
// high-value transactions in the sample.
func EstimateRiskMetrics(balanceETH float64, highValueTxs int) chain.RiskMetrics {
	rm := chain.RiskMetrics{Volatility: math.Min(100, 20+10*float64(highValueTxs))}
	switch {
	case balanceETH >= 10:
		rm.CollateralRatio, rm.LiquidationRisk = 2.5, 5
	case balanceETH >= 5:
		rm.CollateralRatio, rm.LiquidationRisk = 2.0, 5
	case balanceETH >= 1:
		rm.CollateralRatio, rm.LiquidationRisk = 1.6, 15
	case balanceETH >= 0.1:
		rm.CollateralRatio, rm.LiquidationRisk = 1.3, 15
	default:
		rm.CollateralRatio, rm.LiquidationRisk = 1.1, 25
	}
	return rm
}

// RiskProfile scores collateralization, liquidation risk and volatility.
func RiskProfile(rm chain.RiskMetrics) Factor {
	score := 50.0
	switch {
	case rm.CollateralRatio > 2:
		score += 20
	case rm.CollateralRatio > 1.5:
		score += 10
	case rm.CollateralRatio < 1.2:
		score -= 10
	}
	switch {
	case rm.LiquidationRisk < 10:
		score += 15
	case rm.LiquidationRisk > 20:
		score -= 15
	}
	switch {
	case rm.Volatility < 30:
		score += 15
	case rm.Volatility > 50:
		score -= 15
	}
	return newFactor(FactorRiskProfile, WeightRiskProfile, clampScore(score),
		fmt.Sprintf("Collateral ratio %.2f, liquidation risk %.0f%%, volatility %.0f", rm.CollateralRatio, rm.LiquidationRisk, rm.Volatility))
}

// Aggregate maps the weighted factor sum onto [MinScore, MaxScore].
func Aggregate(factors []Factor) int {
	var weighted float64
	for _, f := range factors {
		weighted += float64(f.Score) * f.Weight
	}
	overall := MinScore + int(math.Round(300*weighted/100))
	return max(MinScore, min(MaxScore, overall))
}

// Label returns the risk level for an overall score.
func Label(score int) RiskLevel {
	switch {
	case score < 600:
		return RiskHigh
	case score > 700:
		return RiskLow
	default:
		return RiskMedium
	}
}

var factorAdvice = map[string]string{
	FactorTransactionHistory: "Increase your on-chain transaction activity to build a longer history.",
	FactorBalanceStability:   "Hold a more stable ETH balance to demonstrate liquidity.",
	FactorDeFiInteractions:   "Engage with established lending protocols such as Aave or Compound.",
	FactorLoanRepayments:     "Repay outstanding loans on time to improve your repayment record.",
	FactorRiskProfile:        "Improve your collateral ratio to reduce liquidation risk.",
}

// MaxRecommendations caps the recommendation list.
const MaxRecommendations = 5

// Recommendations returns the base recommendation followed by advice for
// every factor scoring below 50, in factor order.
func Recommendations(factors []Factor) []string {
	recs := []string{baseRecommendation}
	for _, f := range factors {
		if len(recs) == MaxRecommendations {
			break
		}
		advice, ok := factorAdvice[f.Name]
		if ok && f.Score < 50 {
			recs = append(recs, advice)
		}
	}
	return recs
}

// Assemble builds a CreditScore from computed factors.
func Assemble(address string, factors []Factor, source Source) *CreditScore {
	score := Aggregate(factors)
	return &CreditScore{
		Address:         address,
		Score:           score,
		RiskLevel:       Label(score),
		Factors:         factors,
		Recommendations: Recommendations(factors),
		Source:          source,
	}
}
