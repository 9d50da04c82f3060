package x402

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/marketbrief/insightgate/internal/proof"
	"github.com/marketbrief/insightgate/internal/usdc"
)

// Client wraps http.Client with automatic 402 payment handling.
type Client struct {
	httpClient *http.Client
	signer     *Signer

	// Configuration
	MaxRetries int    // payment retries per request (default 1)
	AutoPay    bool   // automatically pay 402s (default true)
	MaxPayment string // per-request USD spend cap, decimal (default unlimited)

	// Hooks
	OnPayment func(quote *Quote, p *proof.SignatureProof) // called before each payment
}

// NewClient creates a 402-aware HTTP client paying with signer's key.
func NewClient(signer *Signer) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		signer:     signer,
		MaxRetries: 1,
		AutoPay:    true,
	}
}

// Do performs an HTTP request, transparently satisfying a 402 challenge.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.DoContext(req.Context(), req)
}

// DoContext performs an HTTP request with context and automatic 402
// handling. A non-402 response is returned as-is, body unread.
func (c *Client) DoContext(ctx context.Context, req *http.Request) (*http.Response, error) {
	// The body may be replayed on the paid retry, so hold it in memory.
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		_ = req.Body.Close()
	}

	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}

		resp, err := c.httpClient.Do(req.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}

		if resp.StatusCode != http.StatusPaymentRequired {
			return resp, nil
		}
		if !c.AutoPay {
			return resp, nil
		}

		quote, err := ParseQuote(resp)
		_ = resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("parse payment quote: %w", err)
		}

		if c.MaxPayment != "" {
			if err := c.checkPaymentLimit(quote.Price); err != nil {
				return nil, err
			}
		}

		p, err := c.makeProof(quote)
		if err != nil {
			return nil, fmt.Errorf("payment failed: %w", err)
		}

		if c.OnPayment != nil {
			c.OnPayment(quote, p)
		}

		header, err := proof.Encode(&proof.Proof{
			Scheme:    proof.SchemeSignature,
			Signature: p,
		})
		if err != nil {
			return nil, fmt.Errorf("encode proof: %w", err)
		}
		req.Header.Set(HeaderPaymentProof, header)
	}

	return nil, fmt.Errorf("max payment retries exceeded")
}

// Get performs a GET request with automatic 402 handling.
func (c *Client) Get(url string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Post performs a JSON POST with automatic 402 handling.
func (c *Client) Post(ctx context.Context, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.DoContext(ctx, req)
}

// makeProof signs the quoted amount with a fresh nonce.
func (c *Client) makeProof(quote *Quote) (*proof.SignatureProof, error) {
	nonce := newNonce()
	ts := time.Now().Unix()

	sig, err := c.signer.SignPayment(quote.Price, quote.PayTo, nonce, ts)
	if err != nil {
		return nil, err
	}

	return &proof.SignatureProof{
		Signature: sig,
		Signer:    c.signer.Address(),
		Amount:    quote.Price,
		Nonce:     nonce,
		Timestamp: ts,
	}, nil
}

// checkPaymentLimit verifies the quoted price does not exceed MaxPayment.
func (c *Client) checkPaymentLimit(price string) error {
	maxUnits, ok := usdc.Parse(c.MaxPayment)
	if !ok {
		return fmt.Errorf("invalid max payment %q", c.MaxPayment)
	}
	priceUnits, ok := usdc.Parse(price)
	if !ok {
		return fmt.Errorf("invalid quoted price %q", price)
	}
	if priceUnits.Cmp(maxUnits) > 0 {
		return fmt.Errorf("quoted price %s exceeds max payment %s", price, c.MaxPayment)
	}
	return nil
}
