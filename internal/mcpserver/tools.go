package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the Ringlock operator MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolListSessions = mcp.NewTool("list_sessions",
	mcp.WithDescription(
		"List recent call sessions on Ringlock, newest first. "+
			"Shows each session's status (pending/verified/failed/voicemail), "+
			"leg id, duration, and the payment it escrows."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of sessions to return (default 20)")),
)

var ToolGetSession = mcp.NewTool("get_session",
	mcp.WithDescription(
		"Get one call session by id, including its escrowed payment and "+
			"settlement status. Use this to investigate a specific call."),
	mcp.WithString("session_id",
		mcp.Required(),
		mcp.Description("The session id (e.g. 'call_...')")),
)

var ToolListStuckPayments = mcp.NewTool("list_stuck_payments",
	mcp.WithDescription(
		"List payments whose automatic settlement failed and now need a "+
			"human to move funds by hand. Each entry shows the amount, the "+
			"caller, and why settlement gave up."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of payments to return (default 20)")),
)

var ToolResolvePayment = mcp.NewTool("resolve_payment",
	mcp.WithDescription(
		"Resolve a stuck payment after moving the funds manually. "+
			"Records whether the money was forwarded to the callee or refunded "+
			"to the caller, with the on-chain transaction reference and the "+
			"operator's name for the audit trail. Only works on stuck payments."),
	mcp.WithString("payment_id",
		mcp.Required(),
		mcp.Description("The payment id (e.g. 'pay_...')")),
	mcp.WithString("status",
		mcp.Required(),
		mcp.Description("Where the funds went: 'forwarded' (to callee) or 'refunded' (to caller)"),
		mcp.Enum("forwarded", "refunded")),
	mcp.WithString("tx_ref",
		mcp.Required(),
		mcp.Description("Transaction hash or reference for the manual transfer")),
	mcp.WithString("operator",
		mcp.Required(),
		mcp.Description("Name or handle of the operator performing the resolution")),
)

var ToolListCallees = mcp.NewTool("list_callees",
	mcp.WithDescription(
		"List registered callees in the directory: routing id, display name, "+
			"price per call, and whether the entry is active. "+
			"Phone numbers are never exposed."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of callees to return (default 20)")),
)
