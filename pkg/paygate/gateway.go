// Package paygate settles pay-required verifier calls. One POST goes out;
// a 402 response is paid by minting a MAC-bound receipt token and persisting
// the receipt row; the POST is retried exactly once with the token. The
// package also validates incoming receipt tokens for the verifier host side.
package paygate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/Stillwater-Labs/clearclaim/pkg/audit"
	"github.com/Stillwater-Labs/clearclaim/pkg/claims"
)

// Payment negotiation headers shared by the gateway and the verifier host.
const (
	HeaderPaymentReceipt     = "X-Payment-Receipt"
	HeaderPaymentAmount      = "X-Payment-Amount"
	HeaderPaymentCurrency    = "X-Payment-Currency"
	HeaderPaymentDescription = "X-Payment-Description"
	HeaderGatewayPaymentID   = "X-Gateway-Payment-Id"
)

const maxResponseBytes = 4 << 20

// ErrPaymentRequired marks a verifier call the gateway could not clear:
// a demand it cannot satisfy, or a second 402 after settling a receipt.
var ErrPaymentRequired = errors.New("paygate: payment required")

// ChainReader is the read-only chain surface for the optional depositor
// funding pre-check. chain.Client satisfies it.
type ChainReader interface {
	Call(ctx context.Context, contract common.Address, data []byte) ([]byte, error)
}

// Config wires the gateway. TokenAddress and DepositorAddress enable the
// funding pre-check; both are required when BalanceCheck is set.
type Config struct {
	BaseURL string
	Secret  string

	BalanceCheck     bool
	TokenAddress     string
	DepositorAddress string
}

// Gateway performs outbound paid calls against verifier endpoints.
type Gateway struct {
	baseURL string
	secret  []byte
	sink    *audit.Sink
	http    *http.Client
	logger  *slog.Logger

	reader    ChainReader
	token     common.Address
	depositor common.Address
}

// NewGateway validates the configuration. The reader may be nil when the
// funding pre-check is disabled.
func NewGateway(cfg Config, sink *audit.Sink, reader ChainReader, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("paygate: verifier base url required")
	}
	if cfg.Secret == "" {
		return nil, errors.New("paygate: gateway secret required")
	}
	g := &Gateway{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		secret:  []byte(cfg.Secret),
		sink:    sink,
		http:    &http.Client{Timeout: 60 * time.Second},
		logger:  logger,
	}
	if cfg.BalanceCheck {
		if reader == nil {
			return nil, errors.New("paygate: balance check enabled without a chain reader")
		}
		if !common.IsHexAddress(cfg.TokenAddress) {
			return nil, fmt.Errorf("paygate: invalid token address %q", cfg.TokenAddress)
		}
		if !common.IsHexAddress(cfg.DepositorAddress) {
			return nil, fmt.Errorf("paygate: invalid depositor address %q", cfg.DepositorAddress)
		}
		g.reader = reader
		g.token = common.HexToAddress(cfg.TokenAddress)
		g.depositor = common.HexToAddress(cfg.DepositorAddress)
	}
	return g, nil
}

// paymentDemand is the parsed form of a 402 response.
type paymentDemand struct {
	Amount      decimal.Decimal
	Currency    string
	PaymentID   string
	Description string
	PaymentURL  string
}

type demandBody struct {
	Amount           json.Number `json:"amount"`
	Currency         string      `json:"currency"`
	GatewayPaymentID string      `json:"gateway_payment_id"`
	PaymentURL       string      `json:"payment_url"`
	Description      string      `json:"description"`
}

// CallVerifier implements stage.VerifierCaller: POST, settle a payment
// demand if one comes back, retry once with the receipt token.
func (g *Gateway) CallVerifier(ctx context.Context, claimID string, kind claims.VerifierKind, body map[string]any) (json.RawMessage, error) {
	url := fmt.Sprintf("%s/verifier/%s", g.baseURL, kind)
	payload := make(map[string]any, len(body)+1)
	for k, v := range body {
		payload[k] = v
	}
	payload["claim_id"] = claimID

	status, respBody, header, err := g.post(ctx, url, payload, "")
	if err != nil {
		return nil, err
	}
	if status != http.StatusPaymentRequired {
		return accept(kind, status, respBody)
	}

	demand, err := parseDemand(header, respBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPaymentRequired, err)
	}
	if err := g.checkFunding(ctx, demand.Amount); err != nil {
		return nil, err
	}

	token, err := MintReceiptToken(g.secret, demand.PaymentID, claimID, kind)
	if err != nil {
		return nil, err
	}
	receipt := claims.NewPaymentReceipt(claimID, kind, demand.Amount, demand.PaymentID, token)
	if err := g.sink.InsertReceipt(ctx, receipt); err != nil {
		return nil, err
	}
	g.logger.Info("paid call settled",
		"claim_id", claimID, "kind", kind, "amount", demand.Amount, "payment_id", demand.PaymentID)

	status, respBody, _, err = g.post(ctx, url, payload, token)
	if err != nil {
		return nil, err
	}
	if status == http.StatusPaymentRequired {
		return nil, fmt.Errorf("%w: verifier %s still demands payment after receipt %s",
			ErrPaymentRequired, kind, demand.PaymentID)
	}
	return accept(kind, status, respBody)
}

func (g *Gateway) post(ctx context.Context, url string, body map[string]any, receiptToken string) (int, []byte, http.Header, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("paygate: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("paygate: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if receiptToken != "" {
		req.Header.Set(HeaderPaymentReceipt, receiptToken)
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("paygate: post %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, nil, fmt.Errorf("paygate: read response: %w", err)
	}
	return resp.StatusCode, payload, resp.Header, nil
}

func accept(kind claims.VerifierKind, status int, body []byte) (json.RawMessage, error) {
	if status < 200 || status > 299 {
		return nil, fmt.Errorf("paygate: verifier %s returned status %d", kind, status)
	}
	return json.RawMessage(body), nil
}

// parseDemand reads the payment demand, preferring headers over body fields.
func parseDemand(h http.Header, payload []byte) (*paymentDemand, error) {
	var body demandBody
	_ = json.Unmarshal(payload, &body) // headers alone may carry the demand

	d := &paymentDemand{
		PaymentID:   firstNonEmpty(h.Get(HeaderGatewayPaymentID), body.GatewayPaymentID),
		Currency:    firstNonEmpty(h.Get(HeaderPaymentCurrency), body.Currency),
		Description: firstNonEmpty(h.Get(HeaderPaymentDescription), body.Description),
		PaymentURL:  body.PaymentURL,
	}
	if d.PaymentID == "" {
		return nil, errors.New("payment demand carries no payment id")
	}

	amountText := firstNonEmpty(h.Get(HeaderPaymentAmount), body.Amount.String())
	if amountText == "" {
		return nil, errors.New("payment demand carries no amount")
	}
	amount, err := decimal.NewFromString(amountText)
	if err != nil {
		return nil, fmt.Errorf("bad payment amount %q", amountText)
	}
	d.Amount = amount
	return d, nil
}

var selBalanceOf = crypto.Keccak256([]byte("balanceOf(address)"))[:4]

// checkFunding verifies the depositor's token balance covers the demanded
// amount in the token's 6-decimal units. Disabled readers skip the check.
func (g *Gateway) checkFunding(ctx context.Context, amount decimal.Decimal) error {
	if g.reader == nil {
		return nil
	}
	calldata := append(append([]byte{}, selBalanceOf...), common.LeftPadBytes(g.depositor.Bytes(), 32)...)
	out, err := g.reader.Call(ctx, g.token, calldata)
	if err != nil {
		return fmt.Errorf("paygate: depositor balance check: %w", err)
	}
	balance := new(big.Int).SetBytes(out)
	required := amount.Shift(6).BigInt()
	if balance.Cmp(required) < 0 {
		return fmt.Errorf("%w: depositor balance %s below required %s units",
			ErrPaymentRequired, balance, required)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
