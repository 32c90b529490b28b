package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the Clearhold MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetEscrow = mcp.NewTool("get_escrow",
	mcp.WithDescription(
		"Look up a Clearhold escrow by ID or short alias. "+
			"Returns status, amounts, both parties, and the vault address once one exists."),
	mcp.WithString("escrow_id",
		mcp.Description("The escrow ID (e.g. 'esc_...')")),
	mcp.WithString("alias",
		mcp.Description("The 8-character human-readable alias, if you don't have the ID")),
)

var ToolListEscrows = mcp.NewTool("list_escrows",
	mcp.WithDescription(
		"List your escrows on Clearhold, newest first. "+
			"Shows each escrow's alias, counterparty, amount, and current status."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of escrows to return (default 20)")),
)

var ToolGetEscrowEvents = mcp.NewTool("get_escrow_events",
	mcp.WithDescription(
		"Get the audit trail for an escrow: every lifecycle transition, funding "+
			"detection, and resolution attempt with timestamps and actors."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of events to return (default 50)")),
)

var ToolCreateEscrow = mcp.NewTool("create_escrow",
	mcp.WithDescription(
		"Open a new escrow with a counterparty. You can initiate from either side: "+
			"as the payer (you will fund the vault) or as the recipient (requesting payment). "+
			"Nothing touches the chain until the counterparty accepts."),
	mcp.WithString("counterparty",
		mcp.Required(),
		mcp.Description("The other party's account identifier")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Escrow amount as a decimal token amount (e.g. '100.50')")),
	mcp.WithString("side",
		mcp.Description("Your side of the escrow: 'payer' (default) or 'recipient'"),
		mcp.Enum("payer", "recipient")),
)

var ToolAcceptEscrow = mcp.NewTool("accept_escrow",
	mcp.WithDescription(
		"Accept an escrow that the counterparty initiated. Acceptance computes the "+
			"deterministic vault address the payer must fund; deployment happens "+
			"automatically once the funds arrive."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID to accept")),
)

var ToolDeclineEscrow = mcp.NewTool("decline_escrow",
	mcp.WithDescription(
		"Decline an escrow the counterparty initiated. Only possible before "+
			"acceptance; nothing has touched the chain at that point."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID to decline")),
)

var ToolApproveRelease = mcp.NewTool("approve_release",
	mcp.WithDescription(
		"Approve a full release of a funded escrow to the recipient. "+
			"When both parties have approved, the operator executes the release on chain."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID to approve")),
)

var ToolRequestCancel = mcp.NewTool("request_cancel",
	mcp.WithDescription(
		"Request a mutual cancellation of a funded escrow, returning the full "+
			"balance to the payer. The counterparty must also request cancellation "+
			"before the refund executes."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID to cancel")),
)

var ToolCheckDeploy = mcp.NewTool("check_deploy",
	mcp.WithDescription(
		"Check whether funds have arrived at the escrow's predicted vault address "+
			"and deploy the vault if they have. Idempotent; useful right after the "+
			"payer says they sent the funds instead of waiting for the next sweep."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID to check")),
)

var ToolSyncEscrow = mcp.NewTool("sync_escrow",
	mcp.WithDescription(
		"Re-derive an escrow's balance, deployment flag, and resolution state from "+
			"chain truth. Corrects any drift between the record and the vault; "+
			"never invents a release or refund on its own."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID to sync")),
)

var ToolPlatformInfo = mcp.NewTool("platform_info",
	mcp.WithDescription(
		"Get Clearhold platform information: chain ID, stable token contract, "+
			"vault factory, operator address, and the platform fee."),
)
