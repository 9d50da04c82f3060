package verify

import (
	"context"
	"errors"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/marketbrief/insightgate/internal/pricing"
	"github.com/marketbrief/insightgate/internal/proof"
	"github.com/marketbrief/insightgate/internal/replay"
	"github.com/marketbrief/insightgate/internal/retry"
)

// ChainReader is the read-only slice of an Ethereum RPC client the
// transaction verifier depends on. *ethclient.Client satisfies it.
type ChainReader interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

const (
	// slippageToleranceBps is the allowed shortfall between the USD value
	// of the transaction at the current exchange rate and the quoted
	// price. Wider than the signature band because the rate moves between
	// quoting and settlement.
	slippageToleranceBps = 500 // 5%

	defaultCallTimeout = 10 * time.Second
	defaultMaxAttempts = 3
	defaultBaseDelay   = 200 * time.Millisecond
)

var txHashRe = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

var weiPerEth = new(big.Float).SetFloat64(1e18)

// TransactionVerifier validates on-chain payment transactions against the
// configured receiving address and the quoted price.
type TransactionVerifier struct {
	client      ChainReader
	payTo       common.Address
	chainID     *big.Int
	rates       pricing.RateSource
	asset       string
	replays     *replay.Store
	callTimeout time.Duration
	maxAttempts int
	baseDelay   time.Duration
}

// TxVerifierConfig configures a TransactionVerifier.
type TxVerifierConfig struct {
	Client  ChainReader
	PayTo   string
	ChainID int64
	Rates   pricing.RateSource
	Asset   string // exchange-rate asset symbol for tx value, e.g. "ETH"
	Replays *replay.Store

	CallTimeout time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
}

// NewTransactionVerifier creates a verifier from config, applying defaults
// for unset timing knobs.
func NewTransactionVerifier(cfg TxVerifierConfig) *TransactionVerifier {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	return &TransactionVerifier{
		client:      cfg.Client,
		payTo:       common.HexToAddress(cfg.PayTo),
		chainID:     big.NewInt(cfg.ChainID),
		rates:       cfg.Rates,
		asset:       cfg.Asset,
		replays:     cfg.Replays,
		callTimeout: cfg.CallTimeout,
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
	}
}

// Verify checks an on-chain transaction proof. The hash is consumed only
// after every other check has passed, so a failed verification never burns
// a usable transaction.
func (v *TransactionVerifier) Verify(ctx context.Context, p *proof.TransactionProof, expectedPriceUSD float64) (*VerifiedPayment, error) {
	txHash := strings.TrimSpace(p.TxHash)
	if !strings.HasPrefix(txHash, "0x") {
		txHash = "0x" + txHash
	}
	if !txHashRe.MatchString(txHash) {
		return nil, Fail(CodeMalformedProof, "invalid transaction hash format")
	}
	hash := common.HexToHash(txHash)

	tx, err := v.fetchTransaction(ctx, hash)
	if err != nil {
		return nil, err
	}

	receipt, err := v.fetchReceipt(ctx, hash)
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, Fail(CodeTransactionFailed, "transaction reverted")
	}

	if tx.To() == nil || *tx.To() != v.payTo {
		return nil, Fail(CodeWrongRecipient, "transaction does not pay the configured receiving address")
	}

	sender, err := types.Sender(types.LatestSignerForChainID(v.chainID), tx)
	if err != nil {
		return nil, FailCause(CodeUnavailable, err, "could not determine transaction sender")
	}
	if p.Payer != "" && !strings.EqualFold(sender.Hex(), p.Payer) {
		return nil, Fail(CodeWrongSender, "transaction sender %s does not match claimed payer", sender.Hex())
	}

	rate, err := v.rates.Rate(ctx, v.asset)
	if err != nil {
		return nil, FailCause(CodeUnavailable, err, "exchange rate lookup failed")
	}
	paidUSD := weiToUSD(tx.Value(), rate)
	minUSD := expectedPriceUSD * (1 - float64(slippageToleranceBps)/10_000)
	if paidUSD < minUSD {
		return nil, Fail(CodeInsufficientAmount,
			"transaction value $%.6f below required $%.6f", paidUSD, minUSD)
	}

	if !v.replays.MarkUsed(txHash) {
		return nil, Fail(CodeProofAlreadyUsed, "transaction hash already consumed")
	}

	return &VerifiedPayment{
		Payer:         strings.ToLower(sender.Hex()),
		AmountUSD:     paidUSD,
		Scheme:        proof.SchemeTransaction,
		SettlementRef: strings.ToLower(txHash),
		VerifiedAt:    time.Now(),
	}, nil
}

// fetchTransaction reads the transaction with bounded per-call timeouts,
// retrying transient RPC errors. A definitive not-found is permanent.
func (v *TransactionVerifier) fetchTransaction(ctx context.Context, hash common.Hash) (*types.Transaction, error) {
	var tx *types.Transaction
	err := retry.Do(ctx, v.maxAttempts, v.baseDelay, func() error {
		callCtx, cancel := context.WithTimeout(ctx, v.callTimeout)
		defer cancel()

		var pending bool
		var err error
		tx, pending, err = v.client.TransactionByHash(callCtx, hash)
		if errors.Is(err, ethereum.NotFound) {
			return retry.Permanent(Fail(CodeTransactionNotFound, "transaction %s not found", hash.Hex()))
		}
		if err != nil {
			return err
		}
		if pending {
			return retry.Permanent(Fail(CodeTransactionNotFound, "transaction %s not yet mined", hash.Hex()))
		}
		return nil
	})
	if err != nil {
		if f, ok := AsFailure(err); ok {
			return nil, f
		}
		return nil, FailCause(CodeUnavailable, err, "transaction lookup failed")
	}
	return tx, nil
}

func (v *TransactionVerifier) fetchReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := retry.Do(ctx, v.maxAttempts, v.baseDelay, func() error {
		callCtx, cancel := context.WithTimeout(ctx, v.callTimeout)
		defer cancel()

		var err error
		receipt, err = v.client.TransactionReceipt(callCtx, hash)
		if errors.Is(err, ethereum.NotFound) {
			return retry.Permanent(Fail(CodeTransactionNotFound, "no receipt for %s", hash.Hex()))
		}
		return err
	})
	if err != nil {
		if f, ok := AsFailure(err); ok {
			return nil, f
		}
		return nil, FailCause(CodeUnavailable, err, "receipt lookup failed")
	}
	return receipt, nil
}

// weiToUSD converts a wei value to USD at the given asset rate.
func weiToUSD(wei *big.Int, rate float64) float64 {
	if wei == nil || wei.Sign() <= 0 {
		return 0
	}
	f := new(big.Float).SetInt(wei)
	f.Quo(f, weiPerEth)
	f.Mul(f, new(big.Float).SetFloat64(rate))
	usd, _ := f.Float64()
	return usd
}
