// Package scoring produces on-chain credit scores for wallets.
//
// A score is the weighted sum of five factor scores mapped onto [500, 800].
// Reads go through the guarded chain layer; when the pipeline cannot
// complete, a deterministic score derived from the address is served instead
// so that callers always receive a result.
package scoring

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidAddress = errors.New("scoring: invalid wallet address")
	ErrNotFound       = errors.New("scoring: credit score not found")
)

// Score bounds.
const (
	MinScore = 500
	MaxScore = 800
)

// Source records how a score was produced.
type Source string

const (
	SourceChain    Source = "chain"
	SourceFallback Source = "fallback"
)

// Impact is the direction a factor pushes the overall score.
type Impact string

const (
	ImpactPositive Impact = "positive"
	ImpactNeutral  Impact = "neutral"
	ImpactNegative Impact = "negative"
)

// RiskLevel is the coarse label attached to an overall score.
type RiskLevel string

const (
	RiskLow    RiskLevel = "Low"
	RiskMedium RiskLevel = "Medium"
	RiskHigh   RiskLevel = "High"
)

// Factor names, in aggregation order.
const (
	FactorTransactionHistory = "Transaction History"
	FactorBalanceStability   = "Balance Stability"
	FactorDeFiInteractions   = "DeFi Protocol Interactions"
	FactorLoanRepayments     = "Loan Repayments"
	FactorRiskProfile        = "Risk Profile"
)

// Factor is one weighted input to the overall score.
type Factor struct {
	Name        string  `json:"name"`
	Score       int     `json:"score"` // 0-100
	Weight      float64 `json:"weight"`
	Impact      Impact  `json:"impact"`
	Description string  `json:"description"`
}

// CreditScore is a generated snapshot for one wallet.
type CreditScore struct {
	Address         string    `json:"address"`
	Score           int       `json:"score"`
	RiskLevel       RiskLevel `json:"riskLevel"`
	Factors         []Factor  `json:"factors"`
	Recommendations []string  `json:"recommendations"`
	Source          Source    `json:"source"`
	GeneratedAt     time.Time `json:"generatedAt"`
}

// Store keeps the latest snapshot per wallet. Addresses are lowercase.
type Store interface {
	Get(ctx context.Context, address string) (*CreditScore, error)
	Upsert(ctx context.Context, score *CreditScore) error
}

// Generator computes a fresh score. It never fails.
type Generator interface {
	Generate(ctx context.Context, address string) *CreditScore
}
