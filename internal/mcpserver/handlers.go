package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client        *Client
	defaultWallet string
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client, defaultWallet string) *Handlers {
	return &Handlers{client: client, defaultWallet: defaultWallet}
}

func (h *Handlers) wallet(req mcp.CallToolRequest) (string, *mcp.CallToolResult) {
	addr := strings.TrimSpace(req.GetString("address", h.defaultWallet))
	if addr == "" {
		return "", mcp.NewToolResultError("address is required (no default wallet configured)")
	}
	return addr, nil
}

func (h *Handlers) walletAndAgent(req mcp.CallToolRequest) (string, string, *mcp.CallToolResult) {
	addr, errResult := h.wallet(req)
	if errResult != nil {
		return "", "", errResult
	}
	agentType := req.GetString("agent_type", "")
	if agentType == "" {
		return "", "", mcp.NewToolResultError("agent_type is required")
	}
	return addr, agentType, nil
}

// HandleGetCreditScore fetches and formats a credit score.
func (h *Handlers) HandleGetCreditScore(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	addr, errResult := h.wallet(req)
	if errResult != nil {
		return errResult, nil
	}
	raw, err := h.client.GetCreditScore(ctx, addr, req.GetBool("refresh", false))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get credit score: %v", err)), nil
	}
	text, err := formatCreditScore(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse credit score: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetRiskHistory fetches and summarizes a risk series.
func (h *Handlers) HandleGetRiskHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	addr, errResult := h.wallet(req)
	if errResult != nil {
		return errResult, nil
	}
	raw, err := h.client.GetRiskHistory(ctx, addr)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get risk history: %v", err)), nil
	}
	text, err := formatRiskHistory(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse risk history: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetAgentSettings returns an agent's settings.
func (h *Handlers) HandleGetAgentSettings(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	addr, agentType, errResult := h.walletAndAgent(req)
	if errResult != nil {
		return errResult, nil
	}
	raw, err := h.client.GetAgentSettings(ctx, addr, agentType)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get settings: %v", err)), nil
	}
	text, err := formatSettings(agentType, raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse settings: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleUpdateAgentSettings sends only the fields present in the call.
func (h *Handlers) HandleUpdateAgentSettings(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	addr, agentType, errResult := h.walletAndAgent(req)
	if errResult != nil {
		return errResult, nil
	}
	args := req.GetArguments()
	patch := make(map[string]any)
	if v, ok := args["risk_tolerance"]; ok {
		patch["riskTolerance"] = v
	}
	if v, ok := args["auto_rebalance"]; ok {
		patch["autoRebalance"] = v
	}
	if v, ok := args["max_gas_fee"]; ok {
		patch["maxGasFee"] = v
	}
	if len(patch) == 0 {
		return mcp.NewToolResultError("nothing to update: pass risk_tolerance, auto_rebalance or max_gas_fee"), nil
	}

	raw, err := h.client.UpdateAgentSettings(ctx, addr, agentType, patch)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to update settings: %v", err)), nil
	}
	text, err := formatSettings(agentType, raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse settings: %v", err)), nil
	}
	return mcp.NewToolResultText("Settings updated.\n\n" + text), nil
}

// HandleToggleAgent flips an agent on or off.
func (h *Handlers) HandleToggleAgent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	addr, agentType, errResult := h.walletAndAgent(req)
	if errResult != nil {
		return errResult, nil
	}
	raw, err := h.client.ToggleAgent(ctx, addr, agentType)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to toggle agent: %v", err)), nil
	}
	var resp struct {
		Settings struct {
			IsActive bool `json:"isActive"`
		} `json:"settings"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse toggle result: %v", err)), nil
	}
	state := "deactivated"
	if resp.Settings.IsActive {
		state = "activated"
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"%s %s. The change is pending confirmation and will be rolled back if it cannot be saved.",
		agentType, state)), nil
}

// HandleRunAgentAction starts an agent action.
func (h *Handlers) HandleRunAgentAction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	addr, agentType, errResult := h.walletAndAgent(req)
	if errResult != nil {
		return errResult, nil
	}
	action := strings.TrimSpace(req.GetString("action", ""))
	if action == "" {
		return mcp.NewToolResultError("action is required"), nil
	}
	raw, err := h.client.RunAgentAction(ctx, addr, agentType, action, req.GetString("details", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Action rejected: %v", err)), nil
	}
	var resp struct {
		Action actionInfo `json:"action"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse action: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Action %q started (ID: %s, status: %s).\nUse list_agent_actions to see when it completes.",
		resp.Action.Action, resp.Action.ID, resp.Action.Status)), nil
}

// HandleListAgentActions formats an agent's action log.
func (h *Handlers) HandleListAgentActions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	addr, agentType, errResult := h.walletAndAgent(req)
	if errResult != nil {
		return errResult, nil
	}
	raw, err := h.client.ListAgentActions(ctx, addr, agentType)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list actions: %v", err)), nil
	}
	text, err := formatActions(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse actions: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetAgentAnalytics formats an agent's analytics.
func (h *Handlers) HandleGetAgentAnalytics(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	addr, agentType, errResult := h.walletAndAgent(req)
	if errResult != nil {
		return errResult, nil
	}
	raw, err := h.client.GetAgentAnalytics(ctx, addr, agentType, req.GetBool("refresh", false))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get analytics: %v", err)), nil
	}
	text, err := formatAnalytics(agentType, raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse analytics: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetPositions formats a wallet's positions.
func (h *Handlers) HandleGetPositions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	addr, errResult := h.wallet(req)
	if errResult != nil {
		return errResult, nil
	}
	raw, err := h.client.GetPositions(ctx, addr, req.GetBool("refresh", false))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get positions: %v", err)), nil
	}
	text, err := formatPositions(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse positions: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// --- Formatting ---

func formatCreditScore(raw json.RawMessage) (string, error) {
	var resp struct {
		CreditScore struct {
			Address   string `json:"address"`
			Score     int    `json:"score"`
			RiskLevel string `json:"riskLevel"`
			Source    string `json:"source"`
			Factors   []struct {
				Name   string  `json:"name"`
				Score  int     `json:"score"`
				Weight float64 `json:"weight"`
				Impact string  `json:"impact"`
			} `json:"factors"`
			Recommendations []string `json:"recommendations"`
		} `json:"credit_score"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	cs := resp.CreditScore

	var sb strings.Builder
	fmt.Fprintf(&sb, "Credit score for %s: %d (%s risk)\n", cs.Address, cs.Score, cs.RiskLevel)
	if cs.Source == "fallback" {
		sb.WriteString("  Note: chain data was unavailable, this is an estimate.\n")
	}
	sb.WriteString("\nFactors:\n")
	for _, f := range cs.Factors {
		fmt.Fprintf(&sb, "  %-22s %3d/100  weight %.0f%%  %s\n", f.Name, f.Score, f.Weight*100, f.Impact)
	}
	if len(cs.Recommendations) > 0 {
		sb.WriteString("\nRecommendations:\n")
		for _, r := range cs.Recommendations {
			fmt.Fprintf(&sb, "  - %s\n", r)
		}
	}
	return sb.String(), nil
}

func formatRiskHistory(raw json.RawMessage) (string, error) {
	var resp struct {
		History struct {
			Address string `json:"address"`
			Source  string `json:"source"`
			Points  []struct {
				Date      time.Time `json:"date"`
				RiskScore float64   `json:"riskScore"`
			} `json:"points"`
		} `json:"history"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	pts := resp.History.Points
	if len(pts) == 0 {
		return "No risk history available.", nil
	}

	first, last := pts[0], pts[len(pts)-1]
	trend := "stable"
	switch {
	case last.RiskScore < first.RiskScore-0.25:
		trend = "improving"
	case last.RiskScore > first.RiskScore+0.25:
		trend = "worsening"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Risk history for %s (%d points, %s data)\n", resp.History.Address, len(pts), resp.History.Source)
	fmt.Fprintf(&sb, "  %s: %.2f\n", first.Date.Format("2006-01-02 15:04"), first.RiskScore)
	fmt.Fprintf(&sb, "  %s: %.2f\n", last.Date.Format("2006-01-02 15:04"), last.RiskScore)
	fmt.Fprintf(&sb, "  Trend: %s\n", trend)
	return sb.String(), nil
}

func formatSettings(agentType string, raw json.RawMessage) (string, error) {
	var resp struct {
		Settings struct {
			IsActive      bool     `json:"isActive"`
			RiskTolerance string   `json:"riskTolerance"`
			Platforms     []string `json:"platforms"`
			AutoRebalance bool     `json:"autoRebalance"`
			MaxGasFee     float64  `json:"maxGasFee"`
		} `json:"settings"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	s := resp.Settings

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s settings:\n", agentType)
	fmt.Fprintf(&sb, "  Active: %t\n", s.IsActive)
	fmt.Fprintf(&sb, "  Risk tolerance: %s\n", s.RiskTolerance)
	fmt.Fprintf(&sb, "  Platforms: %s\n", strings.Join(s.Platforms, ", "))
	fmt.Fprintf(&sb, "  Auto-rebalance: %t\n", s.AutoRebalance)
	fmt.Fprintf(&sb, "  Max gas: %g gwei\n", s.MaxGasFee)
	return sb.String(), nil
}

type actionInfo struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Details   string    `json:"details"`
	Status    string    `json:"status"`
	TxHash    string    `json:"txHash"`
}

func formatActions(raw json.RawMessage) (string, error) {
	var resp struct {
		Actions []actionInfo `json:"actions"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Actions) == 0 {
		return "No actions yet.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d action(s), newest first:\n\n", len(resp.Actions))
	for i, a := range resp.Actions {
		fmt.Fprintf(&sb, "%d. [%s] %s (%s)\n", i+1, a.Status, a.Action, a.Timestamp.Format(time.RFC3339))
		if a.Details != "" {
			fmt.Fprintf(&sb, "   %s\n", a.Details)
		}
		if a.TxHash != "" {
			fmt.Fprintf(&sb, "   tx: %s\n", a.TxHash)
		}
	}
	return sb.String(), nil
}

func formatAnalytics(agentType string, raw json.RawMessage) (string, error) {
	var resp struct {
		Analytics struct {
			TotalValueLocked float64    `json:"totalValueLocked"`
			RiskScore        float64    `json:"riskScore"`
			DailyYield       float64    `json:"dailyYield"`
			WeeklyYield      float64    `json:"weeklyYield"`
			MonthlyYield     float64    `json:"monthlyYield"`
			LastRebalance    *time.Time `json:"lastRebalance"`
		} `json:"analytics"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	a := resp.Analytics

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s analytics:\n", agentType)
	fmt.Fprintf(&sb, "  Total value locked: $%.2f\n", a.TotalValueLocked)
	fmt.Fprintf(&sb, "  Risk score: %.1f/10\n", a.RiskScore)
	fmt.Fprintf(&sb, "  Yield: $%.2f/day, $%.2f/week, $%.2f/month\n", a.DailyYield, a.WeeklyYield, a.MonthlyYield)
	if a.LastRebalance != nil {
		fmt.Fprintf(&sb, "  Last rebalance: %s\n", a.LastRebalance.Format(time.RFC3339))
	} else {
		sb.WriteString("  Last rebalance: never\n")
	}
	return sb.String(), nil
}

func formatPositions(raw json.RawMessage) (string, error) {
	var resp struct {
		Positions []struct {
			AssetName string  `json:"assetName"`
			Platform  string  `json:"platform"`
			Balance   float64 `json:"balance"`
			ValueUSD  float64 `json:"valueUSD"`
			APY       float64 `json:"apy"`
			Risk      string  `json:"risk"`
		} `json:"positions"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Positions) == 0 {
		return "No positions found.", nil
	}

	var sb strings.Builder
	var total float64
	for _, p := range resp.Positions {
		fmt.Fprintf(&sb, "  %-14s %.4f %s  $%.2f", p.Platform, p.Balance, p.AssetName, p.ValueUSD)
		if p.APY > 0 {
			fmt.Fprintf(&sb, "  %.1f%% APY", p.APY)
		}
		fmt.Fprintf(&sb, "  (%s risk)\n", p.Risk)
		total += p.ValueUSD
	}
	return fmt.Sprintf("Positions (total $%.2f):\n%s", total, sb.String()), nil
}
