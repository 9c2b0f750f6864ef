// Package settlement drives the on-chain payout of an auto-approved claim:
// a token allowance, an escrow deposit, and the escrow release, each waiting
// for confirmation before the next step. On-chain failures never propagate
// to the verdict; the claim is left APPROVED and an ERROR entry is written
// to the claim log.
package settlement

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Stillwater-Labs/clearclaim/pkg/audit"
	"github.com/Stillwater-Labs/clearclaim/pkg/chain"
	"github.com/Stillwater-Labs/clearclaim/pkg/claims"
)

// DefaultConfirmTimeout bounds the wait for each step's confirmation.
const DefaultConfirmTimeout = 90 * time.Second

// Step names used in claim-log messages and metadata.
const (
	stepPrecheck = "precheck"
	stepApprove  = "approve"
	stepDeposit  = "depositEscrow"
	stepRelease  = "approveClaim"
)

// Config carries the signing key and contract coordinates. An empty
// PrivateKey disables auto-settlement entirely.
type Config struct {
	PrivateKey    string
	ChainID       int64
	EscrowAddress string
	TokenAddress  string

	// AmountCap bounds auto-settled amounts. nil means no cap; a zero
	// value disables auto-settlement outright.
	AmountCap *decimal.Decimal

	ConfirmTimeout time.Duration
}

// Result reports what one settlement attempt did. Settled is false both for
// skips and for on-chain failures; Reason says which.
type Result struct {
	Settled bool
	TxHash  string
	Reason  string
}

// Driver executes the three-step settlement sequence for one claim at a time.
type Driver struct {
	client *chain.Client
	sink   *audit.Sink
	cfg    Config
	logger *slog.Logger

	key    *ecdsa.PrivateKey
	sender common.Address
	signer types.Signer
	escrow common.Address
	token  common.Address
}

// NewDriver validates the settlement configuration and derives the sender
// address from the key. An empty key yields a disabled driver.
func NewDriver(client *chain.Client, sink *audit.Sink, cfg Config, logger *slog.Logger) (*Driver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}
	d := &Driver{client: client, sink: sink, cfg: cfg, logger: logger}
	if cfg.PrivateKey == "" {
		return d, nil
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("settlement: parse private key: %w", err)
	}
	if cfg.ChainID == 0 {
		return nil, errors.New("settlement: chain id required when a settlement key is configured")
	}
	if !common.IsHexAddress(cfg.EscrowAddress) {
		return nil, fmt.Errorf("settlement: invalid escrow address %q", cfg.EscrowAddress)
	}
	if !common.IsHexAddress(cfg.TokenAddress) {
		return nil, fmt.Errorf("settlement: invalid token address %q", cfg.TokenAddress)
	}

	d.key = key
	d.sender = crypto.PubkeyToAddress(key.PublicKey)
	d.signer = types.LatestSignerForChainID(big.NewInt(cfg.ChainID))
	d.escrow = common.HexToAddress(cfg.EscrowAddress)
	d.token = common.HexToAddress(cfg.TokenAddress)
	return d, nil
}

// Enabled reports whether a settlement key is configured.
func (d *Driver) Enabled() bool {
	return d != nil && d.key != nil
}

// Sender is the address derived from the settlement key, zero when the
// driver is disabled. It is the depositor the escrow and paygate see.
func (d *Driver) Sender() common.Address {
	if !d.Enabled() {
		return common.Address{}
	}
	return d.sender
}

// AmountScaled converts a claim amount to the token's 6-decimal integer units.
func AmountScaled(amount decimal.Decimal) *big.Int {
	return amount.Shift(6).BigInt()
}

// ClaimIDScaled interprets the first 8 bytes of the claim UUID (16 hex
// characters, hyphens stripped) as the escrow's uint256 claim key. Two
// distinct UUIDs collide on this key only with ~2^-64 probability; the
// escrow balance read before depositing doubles as a guard against a
// colliding key that already holds funds.
func ClaimIDScaled(id string) (*big.Int, error) {
	hexID := strings.ReplaceAll(id, "-", "")
	if len(hexID) < 16 {
		return nil, fmt.Errorf("settlement: claim id %q too short to scale", id)
	}
	n, ok := new(big.Int).SetString(hexID[:16], 16)
	if !ok {
		return nil, fmt.Errorf("settlement: claim id %q is not hexadecimal", id)
	}
	return n, nil
}

// Settle runs the settlement sequence for an auto-approved claim. On-chain
// failures are absorbed into the Result after an ERROR claim-log entry; the
// returned error is reserved for persistence failures, which abort the
// caller's pipeline.
func (d *Driver) Settle(ctx context.Context, claim *claims.Claim) (*Result, error) {
	if !d.Enabled() {
		return &Result{Reason: "no settlement key configured"}, nil
	}

	if d.cfg.AmountCap != nil {
		if d.cfg.AmountCap.IsZero() {
			return d.skip(ctx, claim.ID, "auto-settlement disabled by zero amount cap")
		}
		if claim.Amount.GreaterThan(*d.cfg.AmountCap) {
			return d.skip(ctx, claim.ID, fmt.Sprintf("amount %s exceeds settlement cap %s", claim.Amount, d.cfg.AmountCap))
		}
	}
	if !common.IsHexAddress(claim.ClaimantAddress) {
		return d.fail(ctx, claim.ID, stepPrecheck, fmt.Errorf("invalid claimant address %q", claim.ClaimantAddress))
	}

	claimKey, err := ClaimIDScaled(claim.ID)
	if err != nil {
		return d.fail(ctx, claim.ID, stepPrecheck, err)
	}
	amount := AmountScaled(claim.Amount)
	recipient := common.HexToAddress(claim.ClaimantAddress)

	settled, err := d.isSettled(ctx, claimKey)
	if err != nil {
		return d.fail(ctx, claim.ID, stepPrecheck, err)
	}
	if settled {
		if claim.SettlementTxHash != nil && *claim.SettlementTxHash != "" {
			return &Result{Settled: true, TxHash: *claim.SettlementTxHash}, nil
		}
		return d.skip(ctx, claim.ID, "escrow reports claim already settled")
	}

	deposited, err := d.escrowBalance(ctx, claimKey)
	if err != nil {
		return d.fail(ctx, claim.ID, stepPrecheck, err)
	}
	if deposited.Cmp(amount) >= 0 {
		d.logger.Info("escrow already funded, skipping approve and deposit",
			"claim_id", claim.ID, "deposited", deposited.String())
	} else {
		if _, _, err := d.execute(ctx, stepApprove, d.token, packCall(selApprove, wordAddress(d.escrow), wordUint(amount))); err != nil {
			return d.fail(ctx, claim.ID, stepApprove, err)
		}
		if _, _, err := d.execute(ctx, stepDeposit, d.escrow, packCall(selDepositEscrow, wordUint(claimKey), wordUint(amount))); err != nil {
			return d.fail(ctx, claim.ID, stepDeposit, err)
		}
	}

	receipt, tx, err := d.execute(ctx, stepRelease, d.escrow, packCall(selApproveClaim, wordUint(claimKey), wordUint(amount), wordAddress(recipient)))
	if err != nil {
		return d.fail(ctx, claim.ID, stepRelease, err)
	}

	txHash := tx.Hash().Hex()
	if err := d.captureGas(ctx, claim.ID, txHash, receipt, tx.GasPrice()); err != nil {
		return nil, err
	}
	return &Result{Settled: true, TxHash: txHash}, nil
}

// execute signs and submits one contract call, then waits for its receipt.
func (d *Driver) execute(ctx context.Context, step string, to common.Address, calldata []byte) (*types.Receipt, *types.Transaction, error) {
	nonce, err := d.client.PendingNonce(ctx, d.sender)
	if err != nil {
		return nil, nil, err
	}
	gasPrice, err := d.client.GasPrice(ctx)
	if err != nil {
		return nil, nil, err
	}
	gasLimit, err := d.client.EstimateGas(ctx, d.sender, to, calldata)
	if err != nil {
		return nil, nil, err
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    new(big.Int),
		Gas:      gasLimit + gasLimit/5,
		GasPrice: gasPrice,
		Data:     calldata,
	})
	signed, err := types.SignTx(tx, d.signer, d.key)
	if err != nil {
		return nil, nil, fmt.Errorf("sign transaction: %w", err)
	}
	if err := d.client.SendTransaction(ctx, signed); err != nil {
		return nil, nil, err
	}

	receipt, err := d.client.WaitForReceipt(ctx, signed.Hash(), d.cfg.ConfirmTimeout)
	if err != nil {
		return nil, nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, nil, fmt.Errorf("transaction %s reverted", signed.Hash().Hex())
	}
	d.logger.Info("settlement step confirmed",
		"step", step, "tx_hash", signed.Hash().Hex(), "gas_used", receipt.GasUsed)
	return receipt, signed, nil
}

// captureGas upserts the gas row for the confirmed release transaction.
// The row must land before the caller commits the claim to SETTLED.
func (d *Driver) captureGas(ctx context.Context, claimID, txHash string, receipt *types.Receipt, fallbackPrice *big.Int) error {
	price := receipt.EffectiveGasPrice
	if price == nil {
		price = fallbackPrice
	}
	total := new(big.Int).Mul(new(big.Int).SetUint64(receipt.GasUsed), price)
	return d.sink.InsertSettlementGas(ctx, &claims.SettlementGas{
		ID:           uuid.New().String(),
		ClaimID:      claimID,
		TxHash:       txHash,
		GasUsed:      receipt.GasUsed,
		GasPriceWei:  price.String(),
		TotalCostWei: total.String(),
		TotalCostEth: decimal.NewFromBigInt(total, -18),
		CreatedAt:    time.Now().UTC(),
	})
}

func (d *Driver) isSettled(ctx context.Context, claimKey *big.Int) (bool, error) {
	out, err := d.client.Call(ctx, d.escrow, packCall(selIsSettled, wordUint(claimKey)))
	if err != nil {
		return false, err
	}
	return new(big.Int).SetBytes(out).Sign() != 0, nil
}

func (d *Driver) escrowBalance(ctx context.Context, claimKey *big.Int) (*big.Int, error) {
	out, err := d.client.Call(ctx, d.escrow, packCall(selEscrowBalance, wordUint(claimKey)))
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(out), nil
}

// skip records an INFO entry for a sequence that was not attempted.
func (d *Driver) skip(ctx context.Context, claimID, reason string) (*Result, error) {
	d.logger.Info("settlement skipped", "claim_id", claimID, "reason", reason)
	entry := claims.NewLogEntry(claimID, claims.StageOrchestrator, claims.LogInfo,
		"Settlement skipped: "+reason, nil)
	if err := d.sink.AppendLog(ctx, entry); err != nil {
		return nil, err
	}
	return &Result{Reason: reason}, nil
}

// fail records an ERROR entry with the failing step and the first line of
// the cause, then absorbs the failure.
func (d *Driver) fail(ctx context.Context, claimID, step string, cause error) (*Result, error) {
	d.logger.Error("settlement step failed", "claim_id", claimID, "step", step, "error", cause)
	entry := claims.NewLogEntry(claimID, claims.StageOrchestrator, claims.LogError,
		fmt.Sprintf("Settlement failed at %s: %s", step, firstLine(cause)),
		map[string]any{"step": step})
	if err := d.sink.AppendLog(ctx, entry); err != nil {
		return nil, err
	}
	return &Result{Reason: fmt.Sprintf("%s failed", step)}, nil
}

func firstLine(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return msg
}
