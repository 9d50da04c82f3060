package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/marketbrief/insightgate/pkg/x402"
)

// Config holds the configuration for connecting to an Insightgate server.
type Config struct {
	APIURL     string // base URL, e.g. "http://localhost:8080"
	PrivateKey string // hex secp256k1 key used to sign payments
	MaxPayment string // per-query USD spend cap, e.g. "0.25" (empty = unlimited)
}

// InsightClient buys insights from an Insightgate server, paying 402
// challenges with the signature scheme.
type InsightClient struct {
	cfg    Config
	payer  *x402.Client
	signer *x402.Signer
	plain  *http.Client
}

// NewInsightClient creates a client from cfg. The private key is parsed
// eagerly so a bad key fails at startup, not on first purchase.
func NewInsightClient(cfg Config) (*InsightClient, error) {
	signer, err := x402.NewSigner(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("payment key: %w", err)
	}

	payer := x402.NewClient(signer)
	payer.MaxPayment = cfg.MaxPayment

	return &InsightClient{
		cfg:    cfg,
		payer:  payer,
		signer: signer,
		plain:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Address returns the payer address payments are signed with.
func (c *InsightClient) Address() string {
	return c.signer.Address()
}

// QueryInsight purchases one insight. The 402 round trip is handled by the
// payer client; the returned body includes the payment summary the server
// echoes back.
func (c *InsightClient) QueryInsight(ctx context.Context, class, query string, estimatedUsage int) (json.RawMessage, *x402.Receipt, error) {
	u := c.cfg.APIURL + "/v1/insights/" + url.PathEscape(class)
	if estimatedUsage > 0 {
		u += "?estimatedUsage=" + strconv.Itoa(estimatedUsage)
	}

	body, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return nil, nil, fmt.Errorf("marshal query: %w", err)
	}

	resp, err := c.payer.Post(ctx, u, body)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, nil, apiError(resp.StatusCode, respBody)
	}

	receipt, _ := x402.ParseReceipt(resp)
	return json.RawMessage(respBody), receipt, nil
}

// GetQuote fetches the current price for a class without paying. The
// unpaid request draws a fresh 402 quote from the gate.
func (c *InsightClient) GetQuote(ctx context.Context, class string, estimatedUsage int) (*x402.Quote, error) {
	u := c.cfg.APIURL + "/v1/insights/" + url.PathEscape(class)
	if estimatedUsage > 0 {
		u += "?estimatedUsage=" + strconv.Itoa(estimatedUsage)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.plain.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPaymentRequired {
		body, _ := io.ReadAll(resp.Body)
		return nil, apiError(resp.StatusCode, body)
	}
	return x402.ParseQuote(resp)
}

// GetPricing lists all insight classes and their prices. Free endpoint.
func (c *InsightClient) GetPricing(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/v1/pricing")
}

// CheckGateway reports the server's health status.
func (c *InsightClient) CheckGateway(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/healthz")
}

func (c *InsightClient) get(ctx context.Context, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.APIURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.plain.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, apiError(resp.StatusCode, body)
	}
	return json.RawMessage(body), nil
}

// apiError shapes a non-2xx body into a readable error.
func apiError(status int, body []byte) error {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &e) == nil && e.Message != "" {
		return fmt.Errorf("API error (%d): %s: %s", status, e.Error, e.Message)
	}
	return fmt.Errorf("API error (%d): %s", status, string(body))
}
