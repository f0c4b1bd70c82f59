package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the DeFi agents MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var agentTypes = []string{"auto-lender", "yield-farmer", "risk-analyzer", "portfolio-manager"}

func addressArg() mcp.ToolOption {
	return mcp.WithString("address",
		mcp.Description("Wallet address (e.g. '0x1234...'). Defaults to the configured wallet."))
}

func agentTypeArg() mcp.ToolOption {
	return mcp.WithString("agent_type",
		mcp.Required(),
		mcp.Description("Which agent to use"),
		mcp.Enum(agentTypes...))
}

var ToolGetCreditScore = mcp.NewTool("get_credit_score",
	mcp.WithDescription(
		"Get the on-chain credit score (500-800) of a wallet with its five weighted factors, "+
			"risk level and recommendations. Scores are cached; pass refresh to recompute."),
	addressArg(),
	mcp.WithBoolean("refresh",
		mcp.Description("Recompute the score from chain data instead of using the cached snapshot")),
)

var ToolGetRiskHistory = mcp.NewTool("get_risk_history",
	mcp.WithDescription(
		"Get a wallet's historical risk series (1 = safest, 10 = riskiest), oldest point first. "+
			"Use this to see whether a wallet is trending safer or riskier."),
	addressArg(),
)

var ToolGetAgentSettings = mcp.NewTool("get_agent_settings",
	mcp.WithDescription(
		"Get the settings of one DeFi agent for a wallet: whether it is active, risk tolerance, "+
			"allowed platforms, auto-rebalance and the maximum gas price in gwei."),
	addressArg(),
	agentTypeArg(),
)

var ToolUpdateAgentSettings = mcp.NewTool("update_agent_settings",
	mcp.WithDescription(
		"Change the settings of a DeFi agent. Only the fields you pass are changed."),
	addressArg(),
	agentTypeArg(),
	mcp.WithString("risk_tolerance",
		mcp.Description("How aggressive the agent may be"),
		mcp.Enum("low", "medium", "high")),
	mcp.WithBoolean("auto_rebalance",
		mcp.Description("Whether the agent rebalances on its own")),
	mcp.WithNumber("max_gas_fee",
		mcp.Description("Maximum gas price in gwei the agent will pay")),
)

var ToolToggleAgent = mcp.NewTool("toggle_agent",
	mcp.WithDescription(
		"Activate or deactivate a DeFi agent. The change is visible at once and confirmed "+
			"shortly after; if saving fails it is rolled back."),
	addressArg(),
	agentTypeArg(),
)

var ToolRunAgentAction = mcp.NewTool("run_agent_action",
	mcp.WithDescription(
		"Ask an active agent to perform an action, such as 'Rebalance portfolio' or 'Supply to Aave'. "+
			"The action is recorded as pending and completes in the background. "+
			"Fails when the agent is inactive, the network is unsupported or gas is above the agent's maximum."),
	addressArg(),
	agentTypeArg(),
	mcp.WithString("action",
		mcp.Required(),
		mcp.Description("Short name of the action")),
	mcp.WithString("details",
		mcp.Description("Free-text details for the action log")),
)

var ToolListAgentActions = mcp.NewTool("list_agent_actions",
	mcp.WithDescription(
		"List an agent's recent actions, newest first, with their status and transaction hash."),
	addressArg(),
	agentTypeArg(),
)

var ToolGetAgentAnalytics = mcp.NewTool("get_agent_analytics",
	mcp.WithDescription(
		"Get an agent's analytics: total value locked in USD, risk score, projected daily, weekly "+
			"and monthly yield, and when it last rebalanced."),
	addressArg(),
	agentTypeArg(),
	mcp.WithBoolean("refresh",
		mcp.Description("Recompute analytics from current chain data")),
)

var ToolGetPositions = mcp.NewTool("get_positions",
	mcp.WithDescription(
		"List a wallet's DeFi positions: its ETH balance plus value sent to known lending protocols."),
	addressArg(),
	mcp.WithBoolean("refresh",
		mcp.Description("Rebuild positions from chain data")),
)
