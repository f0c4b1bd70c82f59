package scoring

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var _ Store = (*PostgresStore)(nil)

// PostgresStore persists snapshots in the credit_scores table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, address string) (*CreditScore, error) {
	var (
		cs                CreditScore
		factors, recs     []byte
		riskLevel, source string
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT address, score, risk_level, factors, recommendations, source, generated_at
		FROM credit_scores WHERE address = $1
	`, strings.ToLower(address)).Scan(
		&cs.Address, &cs.Score, &riskLevel, &factors, &recs, &source, &cs.GeneratedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credit score: %w", err)
	}
	cs.RiskLevel = RiskLevel(riskLevel)
	cs.Source = Source(source)
	if err := json.Unmarshal(factors, &cs.Factors); err != nil {
		return nil, fmt.Errorf("decode factors: %w", err)
	}
	if err := json.Unmarshal(recs, &cs.Recommendations); err != nil {
		return nil, fmt.Errorf("decode recommendations: %w", err)
	}
	return &cs, nil
}

func (p *PostgresStore) Upsert(ctx context.Context, cs *CreditScore) error {
	factors, err := json.Marshal(cs.Factors)
	if err != nil {
		return fmt.Errorf("encode factors: %w", err)
	}
	recs, err := json.Marshal(cs.Recommendations)
	if err != nil {
		return fmt.Errorf("encode recommendations: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO credit_scores (address, score, risk_level, factors, recommendations, source, generated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (address) DO UPDATE SET
			score = EXCLUDED.score,
			risk_level = EXCLUDED.risk_level,
			factors = EXCLUDED.factors,
			recommendations = EXCLUDED.recommendations,
			source = EXCLUDED.source,
			generated_at = EXCLUDED.generated_at
	`,
		strings.ToLower(cs.Address), cs.Score, string(cs.RiskLevel),
		factors, recs, string(cs.Source), cs.GeneratedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert credit score: %w", err)
	}
	return nil
}
