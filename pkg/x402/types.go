// Package x402 is the client SDK for Insightgate's payment-gated API.
//
// It wraps http.Client with automatic 402 handling: a Payment Required
// response is parsed into a Quote, a signed payment proof is built with a
// local key, and the request is retried with the proof attached.
package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Header names shared with the gate.
const (
	HeaderPaymentProof    = "X-Payment-Proof"
	HeaderPaymentResponse = "X-Payment-Response"
)

// Quote is the payment requirement carried in a 402 response.
type Quote struct {
	Class           string    `json:"class"`
	Price           string    `json:"price"`           // USD, decimal string
	PriceChainUnits string    `json:"priceChainUnits"` // smallest-unit USDC
	Currency        string    `json:"currency"`
	PayTo           string    `json:"payToAddress"`
	ExpiresAt       time.Time `json:"expiresAt"`
}

// quoteEnvelope is the full 402 body; the quote rides under "quote".
type quoteEnvelope struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Quote   Quote  `json:"quote"`
}

// Error is a structured error response from the API.
type Error struct {
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Receipt is the settlement acknowledgment echoed in X-Payment-Response.
type Receipt struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
}

// Is402Response reports whether resp demands payment.
func Is402Response(resp *http.Response) bool {
	return resp.StatusCode == http.StatusPaymentRequired
}

// ParseQuote extracts the payment quote from a 402 response. The response
// body is consumed.
func ParseQuote(resp *http.Response) (*Quote, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("not a 402 response: got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read 402 body: %w", err)
	}

	var env quoteEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("parse quote: %w", err)
	}
	if env.Quote.Price == "" || env.Quote.PayTo == "" {
		return nil, fmt.Errorf("quote missing price or recipient")
	}
	return &env.Quote, nil
}

// ParseReceipt decodes the X-Payment-Response header from an admitted
// response. Returns nil when the header is absent.
func ParseReceipt(resp *http.Response) (*Receipt, error) {
	header := resp.Header.Get(HeaderPaymentResponse)
	if header == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("decode receipt header: %w", err)
	}
	var r Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse receipt: %w", err)
	}
	return &r, nil
}
