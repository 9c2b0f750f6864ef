package verifier

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Stillwater-Labs/clearclaim/pkg/api"
	"github.com/Stillwater-Labs/clearclaim/pkg/audit"
	"github.com/Stillwater-Labs/clearclaim/pkg/blob"
	"github.com/Stillwater-Labs/clearclaim/pkg/claims"
	"github.com/Stillwater-Labs/clearclaim/pkg/paygate"
	"github.com/Stillwater-Labs/clearclaim/pkg/store"
)

const testSecret = "verifier-test-secret"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type hostFixture struct {
	host  *Host
	mux   *http.ServeMux
	store *store.MemoryStore
	blobs blob.Store
}

func newHostFixture(t *testing.T, cfg Config) *hostFixture {
	t.Helper()
	st := store.NewMemoryStore()
	blobs, err := blob.NewFileStore(t.TempDir())
	require.NoError(t, err)
	host, err := NewHost(cfg, st, audit.NewSink(st, discardLogger()), blobs, discardLogger())
	require.NoError(t, err)

	mux := http.NewServeMux()
	host.Register(mux)
	return &hostFixture{host: host, mux: mux, store: st, blobs: blobs}
}

func (f *hostFixture) post(t *testing.T, path string, body map[string]any, receipt string) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if receipt != "" {
		req.Header.Set(paygate.HeaderPaymentReceipt, receipt)
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

type demandBody struct {
	Amount           json.Number `json:"amount"`
	Currency         string      `json:"currency"`
	GatewayPaymentID string      `json:"gateway_payment_id"`
	PaymentURL       string      `json:"payment_url"`
	Description      string      `json:"description"`
}

func TestHost_DemandsPaymentWithoutReceipt(t *testing.T) {
	f := newHostFixture(t, Config{Secret: testSecret})

	rec := f.post(t, "/verifier/document", map[string]any{
		"claim_id":      "clm-demand",
		"document_path": "claims/clm-demand/evidence/invoice.pdf",
	}, "")
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "0.05", rec.Header().Get(paygate.HeaderPaymentAmount))
	assert.Equal(t, "USDC", rec.Header().Get(paygate.HeaderPaymentCurrency))

	paymentID := rec.Header().Get(paygate.HeaderGatewayPaymentID)
	require.NotEmpty(t, paymentID)

	var body demandBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "0.05", body.Amount.String())
	assert.Equal(t, "USDC", body.Currency)
	assert.Equal(t, paymentID, body.GatewayPaymentID)
	assert.Contains(t, body.PaymentURL, paymentID)
	assert.Contains(t, body.Description, "clm-demand")

	// Image verification is priced higher.
	rec = f.post(t, "/verifier/image", map[string]any{"claim_id": "clm-demand"}, "")
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "0.1", rec.Header().Get(paygate.HeaderPaymentAmount))
}

func TestHost_AcceptsMintedReceiptAndRecordsRow(t *testing.T) {
	f := newHostFixture(t, Config{Secret: testSecret})
	data := []byte("%PDF-1.4 bumper repair invoice")
	path := "claims/clm-paid/evidence/invoice.pdf"
	require.NoError(t, f.blobs.Put(context.Background(), path, data))

	token, err := paygate.MintReceiptToken([]byte(testSecret), "pay-123", "clm-paid", claims.VerifierDocument)
	require.NoError(t, err)

	rec := f.post(t, "/verifier/document", map[string]any{
		"claim_id":      "clm-paid",
		"document_path": path,
	}, token)
	require.Equal(t, http.StatusOK, rec.Code)

	var result map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, true, result["verified"])
	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), result["sha256"])
	assert.EqualValues(t, len(data), result["size_bytes"])

	receipts, err := f.store.ListReceipts(context.Background(), "clm-paid")
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, "pay-123", receipts[0].PaymentID)
	assert.Equal(t, claims.VerifierDocument, receipts[0].Kind)
	assert.Equal(t, token, receipts[0].ReceiptToken)
	assert.True(t, receipts[0].Amount.Equal(decimal.RequireFromString("0.05")))
}

func TestHost_MissingArtifactVerifiesNegative(t *testing.T) {
	f := newHostFixture(t, Config{Secret: testSecret})

	token, err := paygate.MintReceiptToken([]byte(testSecret), "pay-404", "clm-gone", claims.VerifierImage)
	require.NoError(t, err)

	rec := f.post(t, "/verifier/image", map[string]any{
		"claim_id":   "clm-gone",
		"image_path": "claims/clm-gone/evidence/never-uploaded.jpg",
	}, token)
	require.Equal(t, http.StatusOK, rec.Code)

	var result map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, false, result["verified"])
	assert.Equal(t, "artifact not found in storage", result["reason"])
}

func TestHost_RejectsBadReceipts(t *testing.T) {
	f := newHostFixture(t, Config{Secret: testSecret})

	mint := func(t *testing.T, secret, paymentID, claimID string, kind claims.VerifierKind) string {
		t.Helper()
		token, err := paygate.MintReceiptToken([]byte(secret), paymentID, claimID, kind)
		require.NoError(t, err)
		return token
	}

	cases := []struct {
		name  string
		token string
	}{
		{"garbage", "not-base64!!"},
		{"wrong secret", mint(t, "other-secret", "pay-9", "clm-bad", claims.VerifierDocument)},
		{"wrong claim", mint(t, testSecret, "pay-9", "clm-other", claims.VerifierDocument)},
		{"wrong kind", mint(t, testSecret, "pay-9", "clm-bad", claims.VerifierImage)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.post(t, "/verifier/document", map[string]any{
				"claim_id":      "clm-bad",
				"document_path": "x",
			}, tc.token)
			require.Equal(t, http.StatusPaymentRequired, rec.Code)
			// A fresh demand replaces the rejected receipt.
			assert.NotEmpty(t, rec.Header().Get(paygate.HeaderGatewayPaymentID))
		})
	}

	receipts, err := f.store.ListReceipts(context.Background(), "clm-bad")
	require.NoError(t, err)
	assert.Empty(t, receipts)
}

func TestHost_BadRequestBodies(t *testing.T) {
	f := newHostFixture(t, Config{Secret: testSecret})

	req := httptest.NewRequest(http.MethodPost, "/verifier/fraud", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

	var problem api.ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, "Bad Request", problem.Title)

	rec = f.post(t, "/verifier/fraud", map[string]any{"amount": "100"}, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, "claim_id is required", problem.Detail)
}

func TestHost_FraudCrossChecks(t *testing.T) {
	f := newHostFixture(t, Config{Secret: testSecret})
	ctx := context.Background()

	c := claims.New("0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		decimal.RequireFromString("3500"), "rear bumper replacement")
	require.NoError(t, f.store.CreateClaim(ctx, c))

	post := func(t *testing.T, claimID, amount string) map[string]any {
		t.Helper()
		token, err := paygate.MintReceiptToken([]byte(testSecret), "pay-"+claimID+amount, claimID, claims.VerifierFraud)
		require.NoError(t, err)
		body := map[string]any{"claim_id": claimID}
		if amount != "" {
			body["amount"] = amount
		}
		rec := f.post(t, "/verifier/fraud", body, token)
		require.Equal(t, http.StatusOK, rec.Code)
		var result map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
		return result
	}

	result := post(t, "clm-unknown", "")
	assert.Equal(t, false, result["verified"])
	assert.Equal(t, "claim not registered", result["reason"])

	result = post(t, c.ID, "9999")
	assert.Equal(t, true, result["verified"])
	assert.Contains(t, result["flags"], "reported_amount_mismatch")
	assert.Contains(t, result["flags"], "no_evidence_on_file")
	assert.EqualValues(t, 0, result["evidence_count"])

	ev := claims.NewEvidence(c.ID, claims.EvidenceDocument, "claims/"+c.ID+"/evidence/invoice.pdf", "application/pdf", 24)
	require.NoError(t, f.store.AddEvidence(ctx, ev))

	result = post(t, c.ID, "3500")
	assert.Equal(t, true, result["verified"])
	assert.Empty(t, result["flags"])
	assert.EqualValues(t, 1, result["evidence_count"])
}

func TestHost_GatewayRoundTrip(t *testing.T) {
	f := newHostFixture(t, Config{Secret: testSecret})
	ctx := context.Background()

	c := claims.New("0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		decimal.RequireFromString("3500"), "rear bumper replacement")
	require.NoError(t, f.store.CreateClaim(ctx, c))

	path := "claims/" + c.ID + "/evidence/invoice.pdf"
	data := []byte("%PDF-1.4 bumper repair invoice")
	require.NoError(t, f.blobs.Put(ctx, path, data))
	require.NoError(t, f.store.AddEvidence(ctx,
		claims.NewEvidence(c.ID, claims.EvidenceDocument, path, "application/pdf", int64(len(data)))))

	srv := httptest.NewServer(f.mux)
	defer srv.Close()

	gw, err := paygate.NewGateway(paygate.Config{BaseURL: srv.URL, Secret: testSecret},
		audit.NewSink(f.store, discardLogger()), nil, discardLogger())
	require.NoError(t, err)

	raw, err := gw.CallVerifier(ctx, c.ID, claims.VerifierDocument, map[string]any{"document_path": path})
	require.NoError(t, err)

	var result map[string]any
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.Equal(t, true, result["verified"])

	// Gateway and host record the same (claim, kind, payment_id) triple,
	// so a shared store ends up with a single row.
	receipts, err := f.store.ListReceipts(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, claims.VerifierDocument, receipts[0].Kind)
	assert.True(t, receipts[0].Amount.Equal(decimal.RequireFromString("0.05")))

	raw, err = gw.CallVerifier(ctx, c.ID, claims.VerifierFraud, map[string]any{"amount": c.Amount.String()})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.Equal(t, true, result["verified"])
	assert.Empty(t, result["flags"])

	receipts, err = f.store.ListReceipts(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, receipts, 2)
}

func TestNewHost_Validation(t *testing.T) {
	st := store.NewMemoryStore()
	blobs, err := blob.NewFileStore(t.TempDir())
	require.NoError(t, err)
	sink := audit.NewSink(st, discardLogger())

	_, err = NewHost(Config{}, st, sink, blobs, nil)
	require.ErrorContains(t, err, "mac secret")

	_, err = NewHost(Config{Secret: testSecret}, nil, sink, blobs, nil)
	require.ErrorContains(t, err, "store is required")

	_, err = NewHost(Config{Secret: testSecret}, st, nil, blobs, nil)
	require.ErrorContains(t, err, "audit sink is required")

	_, err = NewHost(Config{Secret: testSecret}, st, sink, nil, nil)
	require.ErrorContains(t, err, "blob store is required")
}

func TestHost_CostOverlay(t *testing.T) {
	f := newHostFixture(t, Config{
		Secret: testSecret,
		Costs: map[claims.VerifierKind]decimal.Decimal{
			claims.VerifierDocument: decimal.RequireFromString("0.25"),
		},
	})

	rec := f.post(t, "/verifier/document", map[string]any{"claim_id": "clm-price"}, "")
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "0.25", rec.Header().Get(paygate.HeaderPaymentAmount))

	// Kinds without an override keep their defaults.
	rec = f.post(t, "/verifier/fraud", map[string]any{"claim_id": "clm-price"}, "")
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "0.05", rec.Header().Get(paygate.HeaderPaymentAmount))
}
