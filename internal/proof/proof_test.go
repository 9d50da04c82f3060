package proof

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_Signature(t *testing.T) {
	p := &Proof{
		Scheme: SchemeSignature,
		Signature: &SignatureProof{
			Signature: "0xdeadbeef",
			Signer:    "0x1234567890123456789012345678901234567890",
			Amount:    "0.020050",
			Nonce:     "nonce-abc",
			Timestamp: 1700000000,
		},
	}

	header, err := Encode(p)
	require.NoError(t, err)

	got, err := Decode(header)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestEncodeDecode_Transaction(t *testing.T) {
	p := &Proof{
		Scheme:      SchemeTransaction,
		Transaction: &TransactionProof{TxHash: "0xabc", Payer: "0xdef"},
	}

	header, err := Encode(p)
	require.NoError(t, err)

	got, err := Decode(header)
	require.NoError(t, err)
	assert.Equal(t, SchemeTransaction, got.Scheme)
	assert.Equal(t, "0xabc", got.Transaction.TxHash)
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"empty", ""},
		{"not base64", "!!!not-base64!!!"},
		{"not json", base64.StdEncoding.EncodeToString([]byte("hello"))},
		{"no scheme", base64.StdEncoding.EncodeToString([]byte(`{}`))},
		{"tag variant mismatch", base64.StdEncoding.EncodeToString(
			[]byte(`{"scheme":"signature","transaction":{"txHash":"0x1"}}`))},
		{"two variants", base64.StdEncoding.EncodeToString(
			[]byte(`{"scheme":"transaction","transaction":{"txHash":"0x1"},"signature":{"signature":"a","signer":"b","nonce":"c"}}`))},
		{"missing nonce", base64.StdEncoding.EncodeToString(
			[]byte(`{"scheme":"signature","signature":{"signature":"a","signer":"b"}}`))},
		{"missing hash", base64.StdEncoding.EncodeToString(
			[]byte(`{"scheme":"transaction","transaction":{}}`))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.header)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestDecode_UnknownScheme(t *testing.T) {
	header := base64.StdEncoding.EncodeToString([]byte(`{"scheme":"carrier-pigeon"}`))
	_, err := Decode(header)
	assert.ErrorIs(t, err, ErrUnknownScheme)
}

func TestFacilitatorBlob_RoundTrip(t *testing.T) {
	blob := base64.StdEncoding.EncodeToString([]byte(`{"x402Version":1}`))
	p := FromFacilitatorBlob(blob)

	require.Equal(t, SchemeFacilitator, p.Scheme)
	assert.Equal(t, blob, p.FacilitatorBlob())

	header, err := Encode(p)
	require.NoError(t, err)
	got, err := Decode(header)
	require.NoError(t, err)
	assert.Equal(t, blob, got.FacilitatorBlob())
}
