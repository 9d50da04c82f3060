package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the Insightgate MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolQueryInsight = mcp.NewTool("query_insight",
	mcp.WithDescription(
		"Purchase a market-data insight from Insightgate. "+
			"Pays the quoted USDC price automatically with your payment key and "+
			"returns the insight plus a payment receipt. "+
			"Use get_quote first if you want to see the price before paying."),
	mcp.WithString("class",
		mcp.Required(),
		mcp.Description("Insight class to purchase"),
		mcp.Enum("summary", "sentiment", "risk", "forecast")),
	mcp.WithString("query",
		mcp.Required(),
		mcp.Description("The market question, e.g. 'BTC outlook this week' or 'ETH staking risk'")),
	mcp.WithNumber("estimated_usage",
		mcp.Description("Expected response size in tokens. Larger estimates raise the quoted price toward the class ceiling.")),
)

var ToolGetQuote = mcp.NewTool("get_quote",
	mcp.WithDescription(
		"Get the current price quote for an insight class without paying. "+
			"Shows the USDC price, recipient address, and quote expiry."),
	mcp.WithString("class",
		mcp.Required(),
		mcp.Description("Insight class to price"),
		mcp.Enum("summary", "sentiment", "risk", "forecast")),
	mcp.WithNumber("estimated_usage",
		mcp.Description("Expected response size in tokens used for usage-based pricing")),
)

var ToolGetPricing = mcp.NewTool("get_pricing",
	mcp.WithDescription(
		"List all insight classes Insightgate sells with their base and ceiling "+
			"prices in USDC. Free endpoint, no payment involved."),
)

var ToolCheckGateway = mcp.NewTool("check_gateway",
	mcp.WithDescription(
		"Check the Insightgate server's health and show the payer address this "+
			"session signs payments with."),
)
