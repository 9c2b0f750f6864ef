// Package verifier hosts the inbound pay-per-call verification endpoints.
// Unpaid calls get a 402 payment demand; calls bearing a valid receipt
// token get verification JSON. The receipt row is recorded before any
// verification body goes out.
package verifier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Stillwater-Labs/clearclaim/pkg/api"
	"github.com/Stillwater-Labs/clearclaim/pkg/audit"
	"github.com/Stillwater-Labs/clearclaim/pkg/blob"
	"github.com/Stillwater-Labs/clearclaim/pkg/claims"
	"github.com/Stillwater-Labs/clearclaim/pkg/paygate"
	"github.com/Stillwater-Labs/clearclaim/pkg/store"
)

// Demands are priced in the escrow token's currency.
const demandCurrency = "USDC"

// DefaultCosts returns the per-kind verification prices.
func DefaultCosts() map[claims.VerifierKind]decimal.Decimal {
	return map[claims.VerifierKind]decimal.Decimal{
		claims.VerifierDocument: decimal.RequireFromString("0.05"),
		claims.VerifierImage:    decimal.RequireFromString("0.10"),
		claims.VerifierFraud:    decimal.RequireFromString("0.05"),
	}
}

// Config wires the host. Secret must match the gateway's so its minted
// receipt tokens validate here. Costs overlays DefaultCosts per kind.
type Config struct {
	Secret string
	Costs  map[claims.VerifierKind]decimal.Decimal
}

// Host serves the three verification endpoints against the claim
// registry and the evidence blob store.
type Host struct {
	secret []byte
	costs  map[claims.VerifierKind]decimal.Decimal
	store  store.Store
	sink   *audit.Sink
	blobs  blob.Store
	logger *slog.Logger
}

// NewHost validates the configuration.
func NewHost(cfg Config, st store.Store, sink *audit.Sink, blobs blob.Store, logger *slog.Logger) (*Host, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Secret == "" {
		return nil, errors.New("verifier: mac secret required")
	}
	if st == nil {
		return nil, errors.New("verifier: store is required")
	}
	if sink == nil {
		return nil, errors.New("verifier: audit sink is required")
	}
	if blobs == nil {
		return nil, errors.New("verifier: blob store is required")
	}

	costs := DefaultCosts()
	for kind, cost := range cfg.Costs {
		costs[kind] = cost
	}
	return &Host{
		secret: []byte(cfg.Secret),
		costs:  costs,
		store:  st,
		sink:   sink,
		blobs:  blobs,
		logger: logger,
	}, nil
}

// Register mounts the endpoints on the mux.
func (h *Host) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /verifier/document", h.handleDocument)
	mux.HandleFunc("POST /verifier/image", h.handleImage)
	mux.HandleFunc("POST /verifier/fraud", h.handleFraud)
}

// request is the body every endpoint accepts; the path fields are
// per-kind.
type request struct {
	ClaimID      string `json:"claim_id"`
	DocumentPath string `json:"document_path"`
	ImagePath    string `json:"image_path"`
	Amount       string `json:"amount"`
}

func (h *Host) handleDocument(w http.ResponseWriter, r *http.Request) {
	req, ok := h.admit(w, r, claims.VerifierDocument)
	if !ok {
		return
	}
	result, err := h.verifyArtifact(r.Context(), req.DocumentPath)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

func (h *Host) handleImage(w http.ResponseWriter, r *http.Request) {
	req, ok := h.admit(w, r, claims.VerifierImage)
	if !ok {
		return
	}
	result, err := h.verifyArtifact(r.Context(), req.ImagePath)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

func (h *Host) handleFraud(w http.ResponseWriter, r *http.Request) {
	req, ok := h.admit(w, r, claims.VerifierFraud)
	if !ok {
		return
	}
	result, err := h.verifyClaim(r.Context(), req)
	if err != nil {
		api.WriteInternal(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

// admit enforces the payment protocol for one call. It returns the parsed
// request only when a valid receipt arrived and its row was recorded;
// otherwise the 402 demand or an error response has been written.
func (h *Host) admit(w http.ResponseWriter, r *http.Request, kind claims.VerifierKind) (*request, bool) {
	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.WriteBadRequest(w, "invalid JSON body")
		return nil, false
	}
	if req.ClaimID == "" {
		api.WriteBadRequest(w, "claim_id is required")
		return nil, false
	}

	token := r.Header.Get(paygate.HeaderPaymentReceipt)
	if token == "" {
		h.demand(w, kind, req.ClaimID)
		return nil, false
	}
	paymentID, ok := paygate.ReceiptPaymentID(token)
	if !ok || !paygate.ValidateReceipt(h.secret, token, paymentID, req.ClaimID, kind) {
		h.logger.Warn("rejected verification receipt", "claim_id", req.ClaimID, "kind", kind)
		h.demand(w, kind, req.ClaimID)
		return nil, false
	}

	receipt := claims.NewPaymentReceipt(req.ClaimID, kind, h.costs[kind], paymentID, token)
	if err := h.sink.InsertReceipt(r.Context(), receipt); err != nil {
		api.WriteInternal(w, err)
		return nil, false
	}
	h.logger.Info("verification call cleared",
		"claim_id", req.ClaimID, "kind", kind, "payment_id", paymentID)
	return &req, true
}

// demand writes the 402 response: price headers plus the JSON demand body
// the gateway parses.
func (h *Host) demand(w http.ResponseWriter, kind claims.VerifierKind, claimID string) {
	cost := h.costs[kind]
	paymentID := uuid.NewString()
	description := fmt.Sprintf("%s verification for claim %s", kind, claimID)

	w.Header().Set(paygate.HeaderPaymentAmount, cost.String())
	w.Header().Set(paygate.HeaderPaymentCurrency, demandCurrency)
	w.Header().Set(paygate.HeaderPaymentDescription, description)
	w.Header().Set(paygate.HeaderGatewayPaymentID, paymentID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"amount":             json.Number(cost.String()),
		"currency":           demandCurrency,
		"gateway_payment_id": paymentID,
		"payment_url":        "/verifier/payments/" + paymentID,
		"description":        description,
	})
}

// verifyArtifact checks the named blob exists and fingerprints it.
// Missing artifacts are a negative verification result, not an error.
func (h *Host) verifyArtifact(ctx context.Context, path string) (map[string]any, error) {
	if path == "" {
		return map[string]any{"verified": false, "reason": "no artifact path supplied"}, nil
	}
	data, err := h.blobs.Get(ctx, path)
	if errors.Is(err, blob.ErrNotFound) {
		return map[string]any{"verified": false, "reason": "artifact not found in storage"}, nil
	}
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	return map[string]any{
		"verified":   true,
		"sha256":     hex.EncodeToString(sum[:]),
		"size_bytes": len(data),
	}, nil
}

// verifyClaim cross-checks a fraud request against the claim registry.
func (h *Host) verifyClaim(ctx context.Context, req *request) (map[string]any, error) {
	c, err := h.store.GetClaim(ctx, req.ClaimID)
	if errors.Is(err, store.ErrNotFound) {
		return map[string]any{"verified": false, "reason": "claim not registered"}, nil
	}
	if err != nil {
		return nil, err
	}

	flags := []string{}
	if req.Amount != "" {
		posted, perr := decimal.NewFromString(req.Amount)
		if perr != nil || !posted.Equal(c.Amount) {
			flags = append(flags, "reported_amount_mismatch")
		}
	}
	evidence, err := h.store.ListEvidence(ctx, req.ClaimID)
	if err != nil {
		return nil, err
	}
	if len(evidence) == 0 {
		flags = append(flags, "no_evidence_on_file")
	}
	return map[string]any{
		"verified":       true,
		"flags":          flags,
		"evidence_count": len(evidence),
	}, nil
}
