package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/marketbrief/insightgate/pkg/x402"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *InsightClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *InsightClient) *Handlers {
	return &Handlers{client: client}
}

// HandleQueryInsight buys an insight and reports it with the payment made.
func (h *Handlers) HandleQueryInsight(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	class := req.GetString("class", "")
	if class == "" {
		return mcp.NewToolResultError("class is required"), nil
	}
	query := req.GetString("query", "")
	if query == "" {
		return mcp.NewToolResultError("query is required"), nil
	}
	estimatedUsage := req.GetInt("estimated_usage", 0)

	raw, receipt, err := h.client.QueryInsight(ctx, class, query, estimatedUsage)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Insight purchase failed: %v", err)), nil
	}

	text, err := formatInsight(raw, receipt)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse insight: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetQuote prices a class without paying.
func (h *Handlers) HandleGetQuote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	class := req.GetString("class", "")
	if class == "" {
		return mcp.NewToolResultError("class is required"), nil
	}
	estimatedUsage := req.GetInt("estimated_usage", 0)

	quote, err := h.client.GetQuote(ctx, class, estimatedUsage)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get quote: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Quote for %s insight:\n", quote.Class)
	fmt.Fprintf(&sb, "  Price: %s %s\n", quote.Price, quote.Currency)
	fmt.Fprintf(&sb, "  Pay to: %s\n", quote.PayTo)
	fmt.Fprintf(&sb, "  Expires: %s\n", quote.ExpiresAt.Format("15:04:05 MST"))
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetPricing lists every class with its price band.
func (h *Handlers) HandleGetPricing(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetPricing(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get pricing: %v", err)), nil
	}

	text, err := formatPricing(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse pricing: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleCheckGateway reports server health and the local payer address.
func (h *Handlers) HandleCheckGateway(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.CheckGateway(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Gateway unreachable: %v", err)), nil
	}

	var health struct {
		Status string `json:"status"`
	}
	status := "unknown"
	if json.Unmarshal(raw, &health) == nil && health.Status != "" {
		status = health.Status
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Gateway status: %s\n", status)
	fmt.Fprintf(&sb, "Payer address:  %s\n", h.client.Address())
	return mcp.NewToolResultText(sb.String()), nil
}

// --- Formatting helpers ---

type insightBody struct {
	Insight struct {
		Class       string  `json:"class"`
		Query       string  `json:"query"`
		Headline    string  `json:"headline"`
		Body        string  `json:"body"`
		Confidence  float64 `json:"confidence"`
		Usage       int64   `json:"usage"`
		GeneratedAt string  `json:"generatedAt"`
	} `json:"insight"`
	Payment struct {
		Payer     string  `json:"payer"`
		AmountUSD float64 `json:"amountUsd"`
		Scheme    string  `json:"scheme"`
		Reference string  `json:"reference"`
	} `json:"payment"`
}

func formatInsight(raw json.RawMessage, receipt *x402.Receipt) (string, error) {
	var body insightBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", err
	}
	if body.Insight.Headline == "" {
		return "", fmt.Errorf("unexpected insight response format")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\n\n", body.Insight.Headline)
	fmt.Fprintf(&sb, "%s\n\n", body.Insight.Body)
	fmt.Fprintf(&sb, "Class: %s | Confidence: %.0f%% | Usage: %d tokens\n",
		body.Insight.Class, body.Insight.Confidence*100, body.Insight.Usage)
	fmt.Fprintf(&sb, "Paid: %.6f USDC via %s (ref %s)",
		body.Payment.AmountUSD, body.Payment.Scheme, body.Payment.Reference)
	if receipt != nil && receipt.Transaction != "" {
		fmt.Fprintf(&sb, "\nSettlement tx: %s", receipt.Transaction)
	}
	return sb.String(), nil
}

func formatPricing(raw json.RawMessage) (string, error) {
	var resp struct {
		Currency string `json:"currency"`
		Classes  []struct {
			Class        string `json:"class"`
			BasePrice    string `json:"basePrice"`
			CeilingPrice string `json:"ceilingPrice"`
			Quote        struct {
				Price string `json:"price"`
			} `json:"quote"`
		} `json:"classes"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Classes) == 0 {
		return "", fmt.Errorf("unexpected pricing response format")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Insight pricing (%s):\n\n", resp.Currency)
	for _, c := range resp.Classes {
		fmt.Fprintf(&sb, "  %-10s base %s, ceiling %s, current quote %s\n",
			c.Class, c.BasePrice, c.CeilingPrice, c.Quote.Price)
	}
	return sb.String(), nil
}
