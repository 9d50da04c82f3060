package verify

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/marketbrief/insightgate/internal/proof"
	"github.com/marketbrief/insightgate/internal/replay"
	"github.com/marketbrief/insightgate/internal/usdc"
)

const (
	// TimestampTolerance bounds how far a signed payment message may drift
	// from server time in either direction.
	TimestampTolerance = 5 * time.Minute

	// signatureToleranceBps is the allowed shortfall between the signed
	// amount and the quoted price, in basis points. The signature scheme
	// settles in USDC at a fixed rate, so the band only needs to absorb
	// unit rounding.
	signatureToleranceBps = 100 // 1%
)

// CanonicalMessage builds the message a payer signs for the signature
// scheme. Both sides must produce byte-identical text for recovery to
// succeed.
func CanonicalMessage(amount, payTo, nonce string, timestamp int64) string {
	return fmt.Sprintf("insightgate|%s|%s|%s|%d", strings.ToLower(payTo), amount, nonce, timestamp)
}

// RecoverSigner recovers the address that signed message with an EIP-191
// personal-sign signature (hex, 65 bytes r||s||v).
func RecoverSigner(message, signatureHex string) (string, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(signatureHex, "0x"))
	if err != nil {
		return "", fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(sig) != 65 {
		return "", fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}

	// Wallets emit v as 27/28; Ecrecover wants 0/1.
	if sig[64] >= 27 {
		sig = append([]byte(nil), sig...)
		sig[64] -= 27
	}

	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)
	digest := crypto.Keccak256([]byte(prefixed))

	pubKey, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return "", fmt.Errorf("recover public key: %w", err)
	}
	return strings.ToLower(crypto.PubkeyToAddress(*pubKey).Hex()), nil
}

// SignatureVerifier validates signed off-chain payment messages.
type SignatureVerifier struct {
	payTo   string
	replays *replay.Store
	now     func() time.Time
}

// NewSignatureVerifier creates a verifier admitting payments to payTo.
func NewSignatureVerifier(payTo string, replays *replay.Store) *SignatureVerifier {
	return &SignatureVerifier{payTo: payTo, replays: replays, now: time.Now}
}

// Verify checks a signature proof against the expected price. On success
// the nonce is consumed; a failed check never consumes it.
func (v *SignatureVerifier) Verify(p *proof.SignatureProof, expectedPriceUSD float64) (*VerifiedPayment, error) {
	now := v.now()

	// Expiry is checked first: a stale proof is expired regardless of
	// whether its signature would have recovered.
	ts := time.Unix(p.Timestamp, 0)
	if drift := now.Sub(ts); drift > TimestampTolerance || drift < -TimestampTolerance {
		return nil, Fail(CodeProofExpired, "payment message timestamp outside ±%s tolerance", TimestampTolerance)
	}

	message := CanonicalMessage(p.Amount, v.payTo, p.Nonce, p.Timestamp)
	recovered, err := RecoverSigner(message, p.Signature)
	if err != nil {
		return nil, FailCause(CodeBadSignature, err, "signature did not recover")
	}
	// The recovered signer must equal the claimed payer. An unverified
	// claimed address is never accepted on its own.
	if !strings.EqualFold(recovered, p.Signer) {
		return nil, Fail(CodeBadSignature, "recovered signer %s does not match claimed payer", recovered)
	}

	amountUnits, ok := usdc.Parse(p.Amount)
	if !ok || amountUnits.Sign() <= 0 {
		return nil, Fail(CodeMalformedProof, "unparseable payment amount %q", p.Amount)
	}
	if !meetsPrice(amountUnits, usdc.FromUSD(expectedPriceUSD), signatureToleranceBps) {
		return nil, Fail(CodeInsufficientAmount,
			"signed amount %s below required %s", p.Amount, usdc.Format(usdc.FromUSD(expectedPriceUSD)))
	}

	if !v.replays.MarkUsed(p.Nonce) {
		return nil, Fail(CodeProofAlreadyUsed, "nonce already consumed")
	}

	return &VerifiedPayment{
		Payer:         recovered,
		AmountUSD:     usdc.ToUSD(amountUnits),
		Scheme:        proof.SchemeSignature,
		SettlementRef: p.Nonce,
		VerifiedAt:    now,
	}, nil
}

// meetsPrice reports whether paid covers required within toleranceBps
// basis points: paid*10000 >= required*(10000-toleranceBps).
func meetsPrice(paid, required *big.Int, toleranceBps int64) bool {
	lhs := new(big.Int).Mul(paid, big.NewInt(10_000))
	rhs := new(big.Int).Mul(required, big.NewInt(10_000-toleranceBps))
	return lhs.Cmp(rhs) >= 0
}
