package agents

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed agent store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetSettings(ctx context.Context, addr string, t Type) (*Settings, error) {
	var (
		s         Settings
		tolerance string
		platforms pq.StringArray
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT is_active, risk_tolerance, platforms, auto_rebalance, max_gas_fee
		FROM agent_settings WHERE address = $1 AND agent_type = $2
	`, addr, string(t)).Scan(&s.IsActive, &tolerance, &platforms, &s.AutoRebalance, &s.MaxGasFee)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent settings: %w", err)
	}
	s.RiskTolerance = RiskTolerance(tolerance)
	s.Platforms = []string(platforms)
	return &s, nil
}

func (p *PostgresStore) PutSettings(ctx context.Context, addr string, t Type, s Settings) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO agent_settings (address, agent_type, is_active, risk_tolerance, platforms, auto_rebalance, max_gas_fee, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (address, agent_type) DO UPDATE SET
			is_active = EXCLUDED.is_active,
			risk_tolerance = EXCLUDED.risk_tolerance,
			platforms = EXCLUDED.platforms,
			auto_rebalance = EXCLUDED.auto_rebalance,
			max_gas_fee = EXCLUDED.max_gas_fee,
			updated_at = NOW()
	`, addr, string(t), s.IsActive, string(s.RiskTolerance), pq.Array(s.Platforms), s.AutoRebalance, s.MaxGasFee)
	if err != nil {
		return fmt.Errorf("put agent settings: %w", err)
	}
	return nil
}

func (p *PostgresStore) AppendAction(ctx context.Context, addr string, t Type, a *Action) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO agent_actions (id, address, agent_type, action, details, status, tx_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, a.ID, addr, string(t), a.Action, a.Details, string(a.Status), nullString(a.TxHash), a.Timestamp)
	if err != nil {
		return fmt.Errorf("insert agent action: %w", err)
	}
	return nil
}

// UpdateAction only moves rows that are still pending.
func (p *PostgresStore) UpdateAction(ctx context.Context, addr string, t Type, a *Action) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE agent_actions SET status = $4, tx_hash = $5, completed_at = NOW()
		WHERE id = $1 AND address = $2 AND agent_type = $3 AND status = 'pending'
	`, a.ID, addr, string(t), string(a.Status), nullString(a.TxHash))
	if err != nil {
		return fmt.Errorf("update agent action: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update agent action: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const actionColumns = `id, action, details, status, tx_hash, created_at`

func scanAction(row interface{ Scan(...any) error }) (*Action, error) {
	var (
		a      Action
		status string
		txHash sql.NullString
	)
	if err := row.Scan(&a.ID, &a.Action, &a.Details, &status, &txHash, &a.Timestamp); err != nil {
		return nil, err
	}
	a.Status = Status(status)
	a.TxHash = txHash.String
	return &a, nil
}

func (p *PostgresStore) GetAction(ctx context.Context, addr string, t Type, id string) (*Action, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+actionColumns+`
		FROM agent_actions WHERE id = $1 AND address = $2 AND agent_type = $3`, id, addr, string(t))
	a, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent action: %w", err)
	}
	return a, nil
}

func (p *PostgresStore) ListActions(ctx context.Context, addr string, t Type, limit int) ([]*Action, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+actionColumns+`
		FROM agent_actions WHERE address = $1 AND agent_type = $2
		ORDER BY created_at DESC, seq DESC LIMIT $3`, addr, string(t), limit)
	if err != nil {
		return nil, fmt.Errorf("list agent actions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []*Action{}
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent action: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetAnalytics(ctx context.Context, addr string, t Type) (*Analytics, error) {
	var (
		a             Analytics
		lastRebalance sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT total_value_locked, risk_score, daily_yield, weekly_yield, monthly_yield, last_rebalance, updated_at
		FROM agent_analytics WHERE address = $1 AND agent_type = $2
	`, addr, string(t)).Scan(&a.TotalValueLocked, &a.RiskScore, &a.DailyYield, &a.WeeklyYield, &a.MonthlyYield, &lastRebalance, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent analytics: %w", err)
	}
	if lastRebalance.Valid {
		a.LastRebalance = &lastRebalance.Time
	}
	return &a, nil
}

func (p *PostgresStore) PutAnalytics(ctx context.Context, addr string, t Type, a *Analytics) error {
	var lastRebalance sql.NullTime
	if a.LastRebalance != nil {
		lastRebalance = sql.NullTime{Time: *a.LastRebalance, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO agent_analytics (address, agent_type, total_value_locked, risk_score, daily_yield, weekly_yield, monthly_yield, last_rebalance, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (address, agent_type) DO UPDATE SET
			total_value_locked = EXCLUDED.total_value_locked,
			risk_score = EXCLUDED.risk_score,
			daily_yield = EXCLUDED.daily_yield,
			weekly_yield = EXCLUDED.weekly_yield,
			monthly_yield = EXCLUDED.monthly_yield,
			last_rebalance = EXCLUDED.last_rebalance,
			updated_at = EXCLUDED.updated_at
	`, addr, string(t), a.TotalValueLocked, a.RiskScore, a.DailyYield, a.WeeklyYield, a.MonthlyYield, lastRebalance, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put agent analytics: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetPositions(ctx context.Context, addr string) ([]Position, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx, `SELECT positions FROM defi_positions WHERE address = $1`, addr).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}
	var ps []Position
	if err := json.Unmarshal(raw, &ps); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	return ps, nil
}

func (p *PostgresStore) PutPositions(ctx context.Context, addr string, ps []Position) error {
	raw, err := json.Marshal(ps)
	if err != nil {
		return fmt.Errorf("encode positions: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO defi_positions (address, positions, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (address) DO UPDATE SET positions = EXCLUDED.positions, updated_at = NOW()
	`, addr, raw)
	if err != nil {
		return fmt.Errorf("put positions: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
