// Package verify implements payment proof verification for the signature
// and transaction schemes and defines the result vocabulary shared by all
// schemes.
//
// Every verifier returns either a *VerifiedPayment or a *Failure carrying a
// stable machine-readable code. VerifiedPayment values are produced only
// here and by the facilitator adapter; nothing else in the codebase
// constructs one.
package verify

import (
	"errors"
	"fmt"
	"time"

	"github.com/marketbrief/insightgate/internal/proof"
)

// Code is a stable, machine-readable verification failure code.
type Code string

const (
	CodeQuoteRequired       Code = "quote_required"
	CodeMalformedProof      Code = "malformed_proof"
	CodeUnknownScheme       Code = "unknown_scheme"
	CodeProofExpired        Code = "proof_expired"
	CodeBadSignature        Code = "bad_signature"
	CodeWrongRecipient      Code = "wrong_recipient"
	CodeWrongSender         Code = "wrong_sender"
	CodeInsufficientAmount  Code = "insufficient_amount"
	CodeProofAlreadyUsed    Code = "proof_already_used"
	CodeTransactionNotFound Code = "transaction_not_found"
	CodeTransactionFailed   Code = "transaction_failed"
	CodeUnavailable         Code = "verification_unavailable"
)

// Failure is a tagged verification failure. It satisfies error so it can
// flow through ordinary return paths, but callers branch on Code, not on
// message text.
type Failure struct {
	Code    Code
	Message string
	cause   error
}

func (f *Failure) Error() string {
	if f.cause != nil {
		return fmt.Sprintf("verify: %s: %s: %v", f.Code, f.Message, f.cause)
	}
	return fmt.Sprintf("verify: %s: %s", f.Code, f.Message)
}

func (f *Failure) Unwrap() error { return f.cause }

// Fail constructs a Failure.
func Fail(code Code, format string, args ...any) *Failure {
	return &Failure{Code: code, Message: fmt.Sprintf(format, args...)}
}

// FailCause constructs a Failure wrapping an underlying error.
func FailCause(code Code, cause error, format string, args ...any) *Failure {
	return &Failure{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// AsFailure extracts a *Failure from an error chain.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// VerifiedPayment is the admission ticket produced by a successful
// verification. It lives for the duration of one request.
type VerifiedPayment struct {
	Payer         string       `json:"payer"`
	AmountUSD     float64      `json:"amountUsd"`
	Scheme        proof.Scheme `json:"scheme"`
	SettlementRef string       `json:"settlementRef,omitempty"`
	VerifiedAt    time.Time    `json:"verifiedAt"`
}
