// Package proof defines the payment proof carried in request headers and
// its wire codec.
//
// A proof is a tagged variant: exactly one scheme payload is present, named
// by the Scheme field. On the wire it is base64-encoded JSON. Decoding
// never panics; malformed input yields ErrMalformed.
package proof

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Scheme names a payment/verification method.
type Scheme string

const (
	SchemeSignature   Scheme = "signature"
	SchemeTransaction Scheme = "transaction"
	SchemeFacilitator Scheme = "facilitator"
)

var (
	// ErrMalformed marks input that could not be decoded into a valid proof.
	ErrMalformed = errors.New("proof: malformed payment proof")
	// ErrUnknownScheme marks a structurally valid proof naming a scheme we
	// do not verify.
	ErrUnknownScheme = errors.New("proof: unknown payment scheme")
)

// SignatureProof is an off-chain signed payment message.
type SignatureProof struct {
	Signature string `json:"signature"`         // hex, 65 bytes r||s||v
	Signer    string `json:"signer"`            // claimed payer address
	Amount    string `json:"amount"`            // decimal USDC, e.g. "0.020050"
	Nonce     string `json:"nonce"`             // one-time identifier
	Timestamp int64  `json:"timestamp"`         // unix seconds, signing time
}

// TransactionProof references an on-chain payment transaction.
type TransactionProof struct {
	TxHash string `json:"txHash"`
	Payer  string `json:"payer,omitempty"` // optional claimed sender
}

// Proof is the tagged union transmitted in the payment header.
type Proof struct {
	Scheme      Scheme            `json:"scheme"`
	Signature   *SignatureProof   `json:"signature,omitempty"`
	Transaction *TransactionProof `json:"transaction,omitempty"`
	Facilitator json.RawMessage   `json:"facilitator,omitempty"` // opaque settlement payload
}

// Encode serializes a proof for the X-Payment-Proof header.
func Encode(p *Proof) (string, error) {
	if err := p.validate(); err != nil {
		return "", err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("proof: marshal: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// Decode parses a header value into a proof. The transform is the exact
// inverse of Encode. All failure modes map onto ErrMalformed except a
// recognized structure naming an unsupported scheme, which maps onto
// ErrUnknownScheme.
func Decode(header string) (*Proof, error) {
	if header == "" {
		return nil, ErrMalformed
	}

	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var p Proof
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// FromFacilitatorBlob wraps an opaque X-Payment header value as a
// facilitator-scheme proof. The blob is not inspected here; the settlement
// facilitator owns its format.
func FromFacilitatorBlob(blob string) *Proof {
	raw, _ := json.Marshal(blob)
	return &Proof{Scheme: SchemeFacilitator, Facilitator: raw}
}

// FacilitatorBlob returns the opaque payload of a facilitator proof.
func (p *Proof) FacilitatorBlob() string {
	var s string
	if err := json.Unmarshal(p.Facilitator, &s); err != nil {
		// Payload was embedded as raw JSON rather than a string.
		return string(p.Facilitator)
	}
	return s
}

// validate checks the tag matches exactly the populated variant.
func (p *Proof) validate() error {
	switch p.Scheme {
	case SchemeSignature:
		if p.Signature == nil || p.Transaction != nil || p.Facilitator != nil {
			return ErrMalformed
		}
		if p.Signature.Signature == "" || p.Signature.Signer == "" || p.Signature.Nonce == "" {
			return ErrMalformed
		}
	case SchemeTransaction:
		if p.Transaction == nil || p.Signature != nil || p.Facilitator != nil {
			return ErrMalformed
		}
		if p.Transaction.TxHash == "" {
			return ErrMalformed
		}
	case SchemeFacilitator:
		if p.Facilitator == nil || p.Signature != nil || p.Transaction != nil {
			return ErrMalformed
		}
	case "":
		return ErrMalformed
	default:
		return fmt.Errorf("%w: %q", ErrUnknownScheme, p.Scheme)
	}
	return nil
}
