package x402

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/marketbrief/insightgate/internal/idgen"
	"github.com/marketbrief/insightgate/internal/verify"
)

// Signer holds the local key used to sign payment messages for the
// signature scheme. No funds move; the signature itself is the payment
// commitment the gate verifies.
type Signer struct {
	key     *ecdsa.PrivateKey
	address string
}

// NewSigner parses a hex-encoded secp256k1 private key.
func NewSigner(privateKeyHex string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Signer{
		key:     key,
		address: strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex()),
	}, nil
}

// GenerateSigner creates a signer with a fresh random key. Useful for
// tests and throwaway agents.
func GenerateSigner() (*Signer, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &Signer{
		key:     key,
		address: strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex()),
	}, nil
}

// Address returns the signer's payer address, lowercase hex.
func (s *Signer) Address() string {
	return s.address
}

// SignPayment signs the canonical payment message with an EIP-191
// personal-sign signature and returns it as hex with v in 27/28 form.
func (s *Signer) SignPayment(amount, payTo, nonce string, timestamp int64) (string, error) {
	message := verify.CanonicalMessage(amount, payTo, nonce, timestamp)
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)
	digest := crypto.Keccak256([]byte(prefixed))

	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return "", fmt.Errorf("sign payment message: %w", err)
	}
	sig[64] += 27
	return hex.EncodeToString(sig), nil
}

// newNonce returns a random one-time identifier for a payment message.
func newNonce() string {
	return idgen.Hex(16)
}
