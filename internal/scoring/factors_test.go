package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mbd888/defiagents/internal/chain"
)

func TestTransactionHistory(t *testing.T) {
	tests := []struct {
		name    string
		count   uint64
		sample  int
		want    int
		impact  Impact
	}{
		{"empty wallet", 0, 0, 30, ImpactNegative},
		{"moderate frequency", 3, 5, 46, ImpactNeutral},
		{"high frequency", 10, 5, 70, ImpactNeutral},
		{"busy wallet", 21, 5, 92, ImpactPositive},
		{"capped", 50, 0, 100, ImpactPositive},
		{"capped with boost", 80, 2, 100, ImpactPositive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := TransactionHistory(tt.count, tt.sample)
			assert.Equal(t, tt.want, f.Score)
			assert.Equal(t, tt.impact, f.Impact)
			assert.Equal(t, WeightTransactionHistory, f.Weight)
		})
	}
}

func TestBalanceStability(t *testing.T) {
	assert.Equal(t, 30, BalanceStability(0).Score)
	assert.Equal(t, 30, BalanceStability(0.099).Score)
	assert.Equal(t, 50, BalanceStability(0.1).Score)
	assert.Equal(t, 70, BalanceStability(1).Score)
	assert.Equal(t, 90, BalanceStability(5).Score)
	assert.Equal(t, ImpactPositive, BalanceStability(100).Impact)
}

func TestDeFiInteractions(t *testing.T) {
	assert.Equal(t, 30, DeFiInteractions(0).Score)
	assert.Equal(t, 75, DeFiInteractions(3).Score)
	assert.Equal(t, 100, DeFiInteractions(7).Score)
}

func TestLoanRepayments(t *testing.T) {
	assert.Equal(t, 50, LoanRepayments(chain.BorrowerData{}).Score)
	assert.Equal(t, ImpactNeutral, LoanRepayments(chain.BorrowerData{}).Impact)

	assert.Equal(t, 100, LoanRepayments(chain.BorrowerData{TotalLoans: 5}).Score)
	assert.Equal(t, 80, LoanRepayments(chain.BorrowerData{TotalLoans: 4, Defaults: 1}).Score)
	assert.Equal(t, 20, LoanRepayments(chain.BorrowerData{TotalLoans: 2, Defaults: 2}).Score)
	assert.Equal(t, 0, LoanRepayments(chain.BorrowerData{TotalLoans: 1, Defaults: 1, LateRepayments: 1}).Score)
}

func TestEstimateBorrowerData(t *testing.T) {
	assert.Equal(t, chain.BorrowerData{}, EstimateBorrowerData(0))
	assert.Equal(t, chain.BorrowerData{TotalLoans: 10, Defaults: 2, LateRepayments: 3}, EstimateBorrowerData(10))
	assert.Equal(t, 66, LoanRepayments(EstimateBorrowerData(10)).Score)
}

func TestRiskProfile(t *testing.T) {
	assert.Equal(t, 100, RiskProfile(chain.RiskMetrics{CollateralRatio: 2.5, LiquidationRisk: 5, Volatility: 20}).Score)
	assert.Equal(t, 50, RiskProfile(chain.RiskMetrics{CollateralRatio: 1.3, LiquidationRisk: 15, Volatility: 40}).Score)
	assert.Equal(t, 10, RiskProfile(chain.RiskMetrics{CollateralRatio: 1.0, LiquidationRisk: 30, Volatility: 80}).Score)
	assert.Equal(t, 40, RiskProfile(EstimateRiskMetrics(0, 0)).Score)
}

func TestEstimateRiskMetrics(t *testing.T) {
	rm := EstimateRiskMetrics(6, 1)
	assert.Equal(t, 2.0, rm.CollateralRatio)
	assert.Equal(t, 5.0, rm.LiquidationRisk)
	assert.Equal(t, 30.0, rm.Volatility)

	assert.Equal(t, 100.0, EstimateRiskMetrics(0, 50).Volatility)
}

func TestAggregate_Bounds(t *testing.T) {
	all := func(score int) []Factor {
		return []Factor{
			{Score: score, Weight: WeightTransactionHistory},
			{Score: score, Weight: WeightBalanceStability},
			{Score: score, Weight: WeightDeFiInteractions},
			{Score: score, Weight: WeightLoanRepayments},
			{Score: score, Weight: WeightRiskProfile},
		}
	}
	assert.Equal(t, MinScore, Aggregate(all(0)))
	assert.Equal(t, MaxScore, Aggregate(all(100)))
	assert.Equal(t, 650, Aggregate(all(50)))
	assert.Equal(t, MaxScore, Aggregate([]Factor{{Score: 100, Weight: 2}}))
}

func TestLabel_Boundaries(t *testing.T) {
	assert.Equal(t, RiskHigh, Label(599))
	assert.Equal(t, RiskMedium, Label(600))
	assert.Equal(t, RiskMedium, Label(700))
	assert.Equal(t, RiskLow, Label(701))
}

func TestRecommendations(t *testing.T) {
	strong := []Factor{
		{Name: FactorTransactionHistory, Score: 80},
		{Name: FactorBalanceStability, Score: 90},
	}
	assert.Equal(t, []string{baseRecommendation}, Recommendations(strong))

	weak := []Factor{
		{Name: FactorTransactionHistory, Score: 10},
		{Name: FactorBalanceStability, Score: 10},
		{Name: FactorDeFiInteractions, Score: 10},
		{Name: FactorLoanRepayments, Score: 10},
		{Name: FactorRiskProfile, Score: 10},
	}
	recs := Recommendations(weak)
	assert.Len(t, recs, MaxRecommendations)
	assert.Equal(t, baseRecommendation, recs[0])
	assert.Equal(t, factorAdvice[FactorTransactionHistory], recs[1])
	assert.NotContains(t, recs, factorAdvice[FactorRiskProfile])
}

func TestEmptyWalletScenario(t *testing.T) {
	factors := []Factor{
		TransactionHistory(0, 0),
		BalanceStability(0),
		DeFiInteractions(0),
		LoanRepayments(EstimateBorrowerData(0)),
		RiskProfile(EstimateRiskMetrics(0, 0)),
	}
	assert.Equal(t, 30, factors[0].Score)
	assert.Equal(t, 30, factors[1].Score)
	assert.Equal(t, 50, factors[3].Score)

	cs := Assemble("0xabc", factors, SourceChain)
	assert.Equal(t, 611, cs.Score)
	assert.Equal(t, RiskMedium, cs.RiskLevel)
	assert.Len(t, cs.Recommendations, 5)
}

func TestAddressHash(t *testing.T) {
	assert.Equal(t, 195, AddressHash("ab"))
	assert.Equal(t, 168, AddressHash("0x"))
	assert.Equal(t, 0, AddressHash(""))
}

func TestFallback_Deterministic(t *testing.T) {
	addr := "0x1111111111111111111111111111111111111111"

	a := Fallback(addr)
	b := Fallback(addr)
	assert.Equal(t, a, b)
	assert.Equal(t, 528, a.Score)
	assert.Equal(t, RiskHigh, a.RiskLevel)
	assert.Equal(t, SourceFallback, a.Source)
	assert.Len(t, a.Factors, 5)
	for _, f := range a.Factors {
		assert.GreaterOrEqual(t, f.Score, 0)
		assert.LessOrEqual(t, f.Score, 100)
	}
	assert.NotEmpty(t, a.Recommendations)
	assert.LessOrEqual(t, len(a.Recommendations), MaxRecommendations)

	other := Fallback("0x2222222222222222222222222222222222222222")
	assert.GreaterOrEqual(t, other.Score, MinScore)
	assert.Less(t, other.Score, MaxScore)
}
