// Package agents keeps per-wallet state for the simulated DeFi agents:
// settings, an action log and analytics.
//
// Settings changes are two-phase. The local phase is visible to readers and
// subscribers immediately; the confirmed phase follows once persistence
// completes. When persistence fails, the local phase is reconciled back to
// the confirmed one.
package agents

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrUnknownAgentType   = errors.New("agents: unknown agent type")
	ErrInvalidAddress     = errors.New("agents: invalid wallet address")
	ErrInvalidSettings    = errors.New("agents: invalid settings")
	ErrAgentInactive      = errors.New("agents: agent is not active")
	ErrUnsupportedNetwork = errors.New("agents: unsupported network")
	ErrGasTooHigh         = errors.New("agents: gas price above configured maximum")
	ErrNotFound           = errors.New("agents: not found")
	ErrInvalidTransition  = errors.New("agents: invalid action status transition")
	ErrInvalidAction      = errors.New("agents: action name is required")
	ErrActionFailed       = errors.New("agents: action failed")
	ErrWalletMismatch     = errors.New("agents: agent wallet is not the connected wallet")
)

// Type identifies an agent strategy.
type Type string

const (
	TypeAutoLender       Type = "auto-lender"
	TypeYieldFarmer      Type = "yield-farmer"
	TypeRiskAnalyzer     Type = "risk-analyzer"
	TypePortfolioManager Type = "portfolio-manager"
)

// Types lists every agent type.
func Types() []Type {
	return []Type{TypeAutoLender, TypeYieldFarmer, TypeRiskAnalyzer, TypePortfolioManager}
}

// ParseType validates an agent type name.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Types() {
		if t == known {
			return t, nil
		}
	}
	return "", ErrUnknownAgentType
}

// RiskTolerance is how aggressive an agent may be.
type RiskTolerance string

const (
	RiskLow    RiskTolerance = "low"
	RiskMedium RiskTolerance = "medium"
	RiskHigh   RiskTolerance = "high"
)

func (r RiskTolerance) valid() bool {
	return r == RiskLow || r == RiskMedium || r == RiskHigh
}

// Settings configures one agent for one wallet.
type Settings struct {
	IsActive      bool          `json:"isActive"`
	RiskTolerance RiskTolerance `json:"riskTolerance"`
	Platforms     []string      `json:"platforms"`
	AutoRebalance bool          `json:"autoRebalance"`
	MaxGasFee     float64       `json:"maxGasFee"` // gwei
}

// DefaultSettings returns the settings an agent starts with.
func DefaultSettings(t Type) Settings {
	s := Settings{
		RiskTolerance: RiskMedium,
		Platforms:     []string{"Aave", "Compound"},
		AutoRebalance: true,
		MaxGasFee:     50,
	}
	switch t {
	case TypeYieldFarmer:
		s.Platforms = []string{"Aave", "Compound", "Curve"}
		s.MaxGasFee = 80
	case TypeRiskAnalyzer:
		s.RiskTolerance = RiskLow
		s.AutoRebalance = false
	case TypePortfolioManager:
		s.Platforms = []string{"Aave", "Compound", "Uniswap"}
	}
	return s
}

func (s Settings) clone() Settings {
	s.Platforms = append([]string(nil), s.Platforms...)
	return s
}

func (s Settings) equal(o Settings) bool {
	if s.IsActive != o.IsActive || s.RiskTolerance != o.RiskTolerance ||
		s.AutoRebalance != o.AutoRebalance || s.MaxGasFee != o.MaxGasFee ||
		len(s.Platforms) != len(o.Platforms) {
		return false
	}
	for i := range s.Platforms {
		if s.Platforms[i] != o.Platforms[i] {
			return false
		}
	}
	return true
}

// SettingsPatch carries a partial settings update. Nil fields are unchanged.
type SettingsPatch struct {
	RiskTolerance *RiskTolerance `json:"riskTolerance,omitempty"`
	Platforms     []string       `json:"platforms,omitempty"`
	AutoRebalance *bool          `json:"autoRebalance,omitempty"`
	MaxGasFee     *float64       `json:"maxGasFee,omitempty"`
}

func (p SettingsPatch) apply(s Settings) (Settings, error) {
	out := s.clone()
	if p.RiskTolerance != nil {
		if !p.RiskTolerance.valid() {
			return s, ErrInvalidSettings
		}
		out.RiskTolerance = *p.RiskTolerance
	}
	if p.Platforms != nil {
		out.Platforms = append([]string(nil), p.Platforms...)
	}
	if p.AutoRebalance != nil {
		out.AutoRebalance = *p.AutoRebalance
	}
	if p.MaxGasFee != nil {
		if *p.MaxGasFee < 0 {
			return s, ErrInvalidSettings
		}
		out.MaxGasFee = *p.MaxGasFee
	}
	return out, nil
}

// SettingsState exposes both phases of an agent's settings.
type SettingsState struct {
	Local     Settings `json:"local"`
	Confirmed Settings `json:"confirmed"`
	Synced    bool     `json:"synced"`
}

// Status of an agent action. Only pending may change, and only once.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Action is one entry of an agent's action log.
type Action struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Details   string    `json:"details"`
	Status    Status    `json:"status"`
	TxHash    string    `json:"txHash,omitempty"`
}

// Transition moves a pending action to a terminal status.
func (a *Action) Transition(to Status) error {
	if a.Status != StatusPending || (to != StatusCompleted && to != StatusFailed) {
		return ErrInvalidTransition
	}
	a.Status = to
	return nil
}

// ActionRequest asks an agent to perform an action.
type ActionRequest struct {
	Action  string `json:"action" binding:"required"`
	Details string `json:"details"`
	// To and Value are used by chain execution; Value is in ETH.
	To    string `json:"to,omitempty"`
	Value string `json:"value,omitempty"`
}

// Analytics summarizes an agent's performance for one wallet.
type Analytics struct {
	TotalValueLocked float64    `json:"totalValueLocked"`
	RiskScore        float64    `json:"riskScore"`
	DailyYield       float64    `json:"dailyYield"`
	WeeklyYield      float64    `json:"weeklyYield"`
	MonthlyYield     float64    `json:"monthlyYield"`
	LastRebalance    *time.Time `json:"lastRebalance,omitempty"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// Position is one DeFi holding of a wallet.
type Position struct {
	AssetAddress string  `json:"assetAddress"`
	AssetName    string  `json:"assetName"`
	Platform     string  `json:"platform"`
	Balance      float64 `json:"balance"` // ETH
	ValueUSD     float64 `json:"valueUSD"`
	APY          float64 `json:"apy"`
	Risk         string  `json:"risk"`
}

// Store persists the confirmed phase of agent state. Addresses are lowercase.
type Store interface {
	GetSettings(ctx context.Context, address string, t Type) (*Settings, error)
	PutSettings(ctx context.Context, address string, t Type, s Settings) error

	AppendAction(ctx context.Context, address string, t Type, a *Action) error
	UpdateAction(ctx context.Context, address string, t Type, a *Action) error
	GetAction(ctx context.Context, address string, t Type, id string) (*Action, error)
	// ListActions returns the newest limit actions, newest first.
	ListActions(ctx context.Context, address string, t Type, limit int) ([]*Action, error)

	GetAnalytics(ctx context.Context, address string, t Type) (*Analytics, error)
	PutAnalytics(ctx context.Context, address string, t Type, a *Analytics) error

	GetPositions(ctx context.Context, address string) ([]Position, error)
	PutPositions(ctx context.Context, address string, ps []Position) error
}

// UpdateKind says which part of an agent changed.
type UpdateKind string

const (
	UpdateSettings  UpdateKind = "settings"
	UpdateAction    UpdateKind = "action"
	UpdateAnalytics UpdateKind = "analytics"
	UpdatePositions UpdateKind = "positions"
)

// Update is delivered to subscribers on every change.
type Update struct {
	Kind      UpdateKind `json:"kind"`
	Address   string     `json:"address"`
	AgentType Type       `json:"agentType,omitempty"`
	Settings  *Settings  `json:"settings,omitempty"`
	Confirmed bool       `json:"confirmed,omitempty"`
	Action    *Action    `json:"action,omitempty"`
	Analytics *Analytics `json:"analytics,omitempty"`
	Positions []Position `json:"positions,omitempty"`
}
