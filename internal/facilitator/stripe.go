package facilitator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"

	"github.com/marketbrief/insightgate/internal/proof"
	"github.com/marketbrief/insightgate/internal/replay"
	"github.com/marketbrief/insightgate/internal/usdc"
	"github.com/marketbrief/insightgate/internal/verify"
)

// IntentRetriever is the slice of the Stripe API the settler needs.
// *paymentintent.Client (via client.API) satisfies it.
type IntentRetriever interface {
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// stripeBlob is the facilitator payload for fiat settlement: the client
// pre-creates and confirms a PaymentIntent, then presents its ID.
type stripeBlob struct {
	PaymentIntentID string `json:"paymentIntentId"`
}

// StripeSettler settles facilitator-scheme payments in fiat through Stripe
// PaymentIntents. Unlike the x402 facilitator, Stripe does not do replay
// protection for us, so consumed intent IDs go through the replay store.
type StripeSettler struct {
	intents IntentRetriever
	replays *replay.Store
}

var _ Settler = (*StripeSettler)(nil)

// NewStripeSettler creates a fiat settler.
func NewStripeSettler(intents IntentRetriever, replays *replay.Store) *StripeSettler {
	return &StripeSettler{intents: intents, replays: replays}
}

// Settle checks that the referenced PaymentIntent succeeded for at least
// the quoted price and consumes it.
func (s *StripeSettler) Settle(ctx context.Context, req SettleRequest) (*verify.VerifiedPayment, *Receipt, error) {
	var blob stripeBlob
	if data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(req.Blob)); err == nil {
		_ = json.Unmarshal(data, &blob)
	} else {
		_ = json.Unmarshal([]byte(req.Blob), &blob)
	}
	if blob.PaymentIntentID == "" {
		return nil, nil, verify.Fail(verify.CodeMalformedProof, "payload carries no paymentIntentId")
	}

	pi, err := s.intents.Get(blob.PaymentIntentID, nil)
	if err != nil {
		if stripeErr, ok := err.(*stripe.Error); ok && stripeErr.HTTPStatusCode == 404 {
			return nil, nil, verify.Fail(verify.CodeTransactionNotFound, "no such payment intent")
		}
		return nil, nil, verify.FailCause(verify.CodeUnavailable, err, "stripe lookup failed")
	}

	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return nil, nil, verify.Fail(verify.CodeTransactionFailed, "payment intent status %s", pi.Status)
	}
	if pi.Currency != stripe.CurrencyUSD {
		return nil, nil, verify.Fail(verify.CodeInsufficientAmount, "payment intent currency %s, want usd", pi.Currency)
	}
	if pi.Amount < priceCents(req.PriceUSD) {
		return nil, nil, verify.Fail(verify.CodeInsufficientAmount,
			"payment intent amount %d cents below required %d", pi.Amount, priceCents(req.PriceUSD))
	}

	if !s.replays.MarkUsed("stripe:" + pi.ID) {
		return nil, nil, verify.Fail(verify.CodeProofAlreadyUsed, "payment intent already consumed")
	}

	payer := ""
	if pi.Customer != nil {
		payer = pi.Customer.ID
	}
	receipt := &Receipt{Success: true, Transaction: pi.ID, Network: "stripe", Payer: payer}
	return &verify.VerifiedPayment{
		Payer:         payer,
		AmountUSD:     float64(pi.Amount) / 100,
		Scheme:        proof.SchemeFacilitator,
		SettlementRef: pi.ID,
		VerifiedAt:    time.Now(),
	}, receipt, nil
}

// priceCents converts a USD price to whole cents, rounding half up via the
// exact unit conversion. Fiat settles at cent granularity.
func priceCents(usd float64) int64 {
	units := usdc.FromUSD(usd) // 6 decimals
	cents, rem := new(big.Int).QuoRem(units, big.NewInt(10_000), new(big.Int))
	if new(big.Int).Lsh(rem, 1).Cmp(big.NewInt(10_000)) >= 0 {
		cents.Add(cents, big.NewInt(1))
	}
	return cents.Int64()
}
