package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Stillwater-Labs/clearclaim/pkg/audit"
	"github.com/Stillwater-Labs/clearclaim/pkg/blob"
	"github.com/Stillwater-Labs/clearclaim/pkg/chain"
	"github.com/Stillwater-Labs/clearclaim/pkg/claims"
	"github.com/Stillwater-Labs/clearclaim/pkg/decision"
	"github.com/Stillwater-Labs/clearclaim/pkg/llm"
	"github.com/Stillwater-Labs/clearclaim/pkg/schema"
	"github.com/Stillwater-Labs/clearclaim/pkg/settlement"
	"github.com/Stillwater-Labs/clearclaim/pkg/stage"
	"github.com/Stillwater-Labs/clearclaim/pkg/store"
)

// Hardhat's first development account. Publicly known, test-only.
const devKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

const (
	escrowAddr   = "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"
	tokenAddr    = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	claimantAddr = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedClient answers each stage's prompt with a canned reply, keyed on
// the analyst persona named in the prompt text.
type scriptedClient struct {
	mu        sync.Mutex
	document  string
	image     string
	fraud     string
	reasoning string
	calls     []string
}

func (c *scriptedClient) Analyze(_ context.Context, _ string, parts []llm.Part) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prompt := parts[0].Text
	switch {
	case strings.Contains(prompt, "document analyst"):
		c.calls = append(c.calls, "document")
		return c.document, nil
	case strings.Contains(prompt, "damage assessor"):
		c.calls = append(c.calls, "image")
		return c.image, nil
	case strings.Contains(prompt, "fraud analyst"):
		c.calls = append(c.calls, "fraud")
		return c.fraud, nil
	case strings.Contains(prompt, "claims adjudicator"):
		c.calls = append(c.calls, "reasoning")
		return c.reasoning, nil
	}
	return "", errors.New("unexpected prompt")
}

func docReply(amount, confidence float64) string {
	return fmt.Sprintf(`{
  "document_classification": {"category": "invoice", "structure": "structured", "has_tables": false, "has_line_items": true, "primary_content_type": "text"},
  "extracted_fields": {"amount": %g, "date": "2026-02-11", "vendor": "Lakeside Auto Body"},
  "line_items": [],
  "tables": [],
  "metadata": {"confidence": %g, "extraction_method": "vision", "notes": ""},
  "valid": true
}`, amount, confidence)
}

func imgReply(cost, confidence float64) string {
	return fmt.Sprintf(
		`{"damage_type": "collision", "severity": "moderate", "affected_parts": ["rear bumper"], "estimated_cost": %g, "confidence": %g, "valid": true, "notes": ""}`,
		cost, confidence)
}

func fraudReply(score float64) string {
	return fmt.Sprintf(`{"fraud_score": %g, "indicators": [], "confidence": 0.9, "notes": ""}`, score)
}

func reasonReply(confidence float64) string {
	return fmt.Sprintf(
		`{"final_confidence": %g, "contradictions": [], "fraud_risk": 0.1, "missing_evidence": [], "evidence_gaps": [], "reasoning": "weighed stage results"}`,
		confidence)
}

// receiptVerifier stands in for the paid verifier gateway: every call
// records a settled receipt at the configured price and reports success.
type receiptVerifier struct {
	store store.Store
	costs map[claims.VerifierKind]decimal.Decimal
}

func (v *receiptVerifier) CallVerifier(ctx context.Context, claimID string, kind claims.VerifierKind, _ map[string]any) (json.RawMessage, error) {
	r := claims.NewPaymentReceipt(claimID, kind, v.costs[kind], "pay-"+string(kind), "tok-"+string(kind))
	if err := v.store.InsertReceipt(ctx, r); err != nil {
		return nil, err
	}
	return json.RawMessage(`{"verified": true}`), nil
}

// confirmingBackend fakes the settlement node: view calls report an
// unsettled, unfunded escrow and every sent transaction confirms at once.
type confirmingBackend struct {
	nonce    uint64
	sent     []*types.Transaction
	receipts map[common.Hash]*types.Receipt
}

func newConfirmingBackend() *confirmingBackend {
	return &confirmingBackend{receipts: map[common.Hash]*types.Receipt{}}
}

func (b *confirmingBackend) CallContract(_ context.Context, _ ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	return make([]byte, 32), nil
}

func (b *confirmingBackend) BalanceAt(_ context.Context, _ common.Address, _ *big.Int) (*big.Int, error) {
	return new(big.Int), nil
}

func (b *confirmingBackend) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	return b.nonce, nil
}

func (b *confirmingBackend) SuggestGasPrice(_ context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (b *confirmingBackend) EstimateGas(_ context.Context, _ ethereum.CallMsg) (uint64, error) {
	return 100_000, nil
}

func (b *confirmingBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.nonce++
	b.sent = append(b.sent, tx)
	b.receipts[tx.Hash()] = &types.Receipt{
		Status:            types.ReceiptStatusSuccessful,
		GasUsed:           52_000,
		EffectiveGasPrice: big.NewInt(2_000_000_000),
		BlockNumber:       big.NewInt(int64(100 + len(b.sent))),
		TxHash:            tx.Hash(),
	}
	return nil
}

func (b *confirmingBackend) TransactionReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	if r, ok := b.receipts[txHash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

type testPipeline struct {
	client *scriptedClient
	store  store.Store
	sink   *audit.Sink
	blobs  blob.Store
	orc    *Orchestrator
}

func newTestPipeline(t *testing.T, st store.Store, verifier stage.VerifierCaller, mutate func(*Params)) *testPipeline {
	t.Helper()
	client := &scriptedClient{}
	sink := audit.NewSink(st, discardLogger())
	validator, err := schema.NewValidator()
	require.NoError(t, err)
	blobs, err := blob.NewFileStore(t.TempDir())
	require.NoError(t, err)

	params := Params{
		Store:     st,
		Sink:      sink,
		Blobs:     blobs,
		Executor:  stage.NewExecutor(validator, sink, 5*time.Second, discardLogger()),
		Document:  stage.NewDocumentStage(client, "eval-model", verifier),
		Image:     stage.NewImageStage(client, "eval-model", verifier),
		Fraud:     stage.NewFraudStage(client, "eval-model", verifier),
		Reasoning: stage.NewReasoningStage(client, "eval-model"),
		Engine:    decision.NewEngine(decision.DefaultThresholds(), nil),
		Logger:    discardLogger(),
	}
	if mutate != nil {
		mutate(&params)
	}
	orc, err := NewOrchestrator(params)
	require.NoError(t, err)
	return &testPipeline{client: client, store: st, sink: sink, blobs: blobs, orc: orc}
}

func seedClaim(t *testing.T, st store.Store, amount string) *claims.Claim {
	t.Helper()
	c := claims.New(claimantAddr, decimal.RequireFromString(amount), "rear bumper replacement after parking-lot collision")
	require.NoError(t, st.CreateClaim(context.Background(), c))
	return c
}

func (tp *testPipeline) addEvidence(t *testing.T, claimID string, kind claims.EvidenceKind, name string) {
	t.Helper()
	path := fmt.Sprintf("claims/%s/evidence/%s", claimID, name)
	require.NoError(t, tp.blobs.Put(context.Background(), path, []byte("artifact bytes for "+name)))
	mime := "application/pdf"
	if kind == claims.EvidenceImage {
		mime = "image/jpeg"
	}
	require.NoError(t, tp.store.AddEvidence(context.Background(), claims.NewEvidence(claimID, kind, path, mime, 24)))
}

func (tp *testPipeline) reload(t *testing.T, claimID string) *claims.Claim {
	t.Helper()
	c, err := tp.store.GetClaim(context.Background(), claimID)
	require.NoError(t, err)
	return c
}

func stageIndex(results []claims.StageResult, tag claims.StageTag) int {
	for i := range results {
		if results[i].Stage == tag {
			return i
		}
	}
	return -1
}

func anyContains(items []string, sub string) bool {
	for _, s := range items {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func TestEvaluate_CleanClaimAutoApprovesAndSettles(t *testing.T) {
	st := store.NewMemoryStore()
	verifier := &receiptVerifier{store: st, costs: map[claims.VerifierKind]decimal.Decimal{
		claims.VerifierDocument: decimal.RequireFromString("0.05"),
		claims.VerifierImage:    decimal.RequireFromString("0.10"),
		claims.VerifierFraud:    decimal.RequireFromString("0.05"),
	}}
	backend := newConfirmingBackend()
	tp := newTestPipeline(t, st, verifier, func(p *Params) {
		driver, err := settlement.NewDriver(chain.NewClient(backend, discardLogger()), p.Sink, settlement.Config{
			PrivateKey:     devKey,
			ChainID:        31337,
			EscrowAddress:  escrowAddr,
			TokenAddress:   tokenAddr,
			ConfirmTimeout: time.Second,
		}, discardLogger())
		require.NoError(t, err)
		p.Settlement = driver
	})

	claim := seedClaim(t, st, "3500.00")
	tp.addEvidence(t, claim.ID, claims.EvidenceDocument, "invoice.pdf")
	tp.addEvidence(t, claim.ID, claims.EvidenceImage, "bumper.jpg")
	tp.client.document = docReply(3500, 0.95)
	tp.client.image = imgReply(3500, 0.95)
	tp.client.fraud = fraudReply(0.05)
	tp.client.reasoning = reasonReply(0.96)

	outcome, err := tp.orc.Evaluate(context.Background(), claim.ID)
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.Equal(t, claims.VerdictAutoApproved, outcome.Verdict)
	assert.True(t, outcome.AutoApproved)
	assert.False(t, outcome.HumanReviewRequired)

	got := tp.reload(t, claim.ID)
	assert.Equal(t, claims.StatusSettled, got.Status)
	assert.True(t, got.AutoSettled)
	require.NotNil(t, got.SettlementTxHash)
	assert.NotEmpty(t, *got.SettlementTxHash)
	require.NotNil(t, got.Confidence)
	assert.InDelta(t, 0.96, *got.Confidence, 1e-9)
	require.NotNil(t, got.FraudRisk)
	assert.InDelta(t, 0.05, *got.FraudRisk, 1e-9)
	require.NotNil(t, got.ApprovedAmount)
	assert.True(t, got.ApprovedAmount.Equal(claim.Amount))
	assert.True(t, got.ProcessingCost.Equal(decimal.RequireFromString("0.20")),
		"processing cost %s", got.ProcessingCost)

	// Extractions persist before fraud, fraud before reasoning.
	results, err := tp.sink.StageResults(context.Background(), claim.ID)
	require.NoError(t, err)
	require.Len(t, results, 4)
	idxFraud := stageIndex(results, claims.StageFraud)
	assert.Greater(t, idxFraud, stageIndex(results, claims.StageDocument))
	assert.Greater(t, idxFraud, stageIndex(results, claims.StageImage))
	assert.Greater(t, stageIndex(results, claims.StageReasoning), idxFraud)

	// The release transaction is third and its gas row is captured.
	require.Len(t, backend.sent, 3)
	gas, err := st.ListSettlementGas(context.Background(), claim.ID)
	require.NoError(t, err)
	require.Len(t, gas, 1)
	assert.Equal(t, *got.SettlementTxHash, gas[0].TxHash)

	logs, err := tp.sink.Logs(context.Background(), claim.ID)
	require.NoError(t, err)
	var orchestratorMsgs []string
	for _, e := range logs {
		if e.Stage == claims.StageOrchestrator {
			orchestratorMsgs = append(orchestratorMsgs, e.Message)
		}
	}
	assert.True(t, anyContains(orchestratorMsgs, "Evaluation started"))
	assert.True(t, anyContains(orchestratorMsgs, "Evaluation completed: AUTO_APPROVED"))
}

func TestEvaluate_ConflictingAmountsForceReview(t *testing.T) {
	st := store.NewMemoryStore()
	tp := newTestPipeline(t, st, nil, nil)

	claim := seedClaim(t, st, "5000.00")
	tp.addEvidence(t, claim.ID, claims.EvidenceDocument, "invoice.pdf")
	tp.addEvidence(t, claim.ID, claims.EvidenceImage, "damage.jpg")
	tp.client.document = docReply(1000, 0.90)
	tp.client.image = imgReply(5000, 0.90)
	tp.client.fraud = fraudReply(0.10)
	tp.client.reasoning = reasonReply(0.72)

	outcome, err := tp.orc.Evaluate(context.Background(), claim.ID)
	require.NoError(t, err)
	assert.Equal(t, claims.VerdictNeedsReview, outcome.Verdict)
	assert.True(t, outcome.HumanReviewRequired)
	assert.True(t, anyContains(outcome.ReviewReasons, "contradiction"))

	// Both hard rules fire: document vs image, and document vs claimed.
	got := tp.reload(t, claim.ID)
	assert.Equal(t, claims.StatusNeedsReview, got.Status)
	assert.Len(t, got.Contradictions, 2)
	assert.True(t, anyContains(got.Contradictions, "Amount mismatch"))
	assert.False(t, got.AutoApproved)
}

func TestEvaluate_HighFraudScoreRejects(t *testing.T) {
	st := store.NewMemoryStore()
	tp := newTestPipeline(t, st, nil, nil)

	claim := seedClaim(t, st, "3500.00")
	tp.addEvidence(t, claim.ID, claims.EvidenceDocument, "invoice.pdf")
	tp.addEvidence(t, claim.ID, claims.EvidenceImage, "damage.jpg")
	tp.client.document = docReply(3500, 0.90)
	tp.client.image = imgReply(3500, 0.90)
	tp.client.fraud = fraudReply(0.80)
	tp.client.reasoning = reasonReply(0.85)

	outcome, err := tp.orc.Evaluate(context.Background(), claim.ID)
	require.NoError(t, err)
	assert.Equal(t, claims.VerdictFraudDetected, outcome.Verdict)
	assert.True(t, outcome.HumanReviewRequired)
	assert.True(t, anyContains(outcome.ReviewReasons, "fraud risk"))

	got := tp.reload(t, claim.ID)
	assert.Equal(t, claims.StatusRejected, got.Status)
	require.NotNil(t, got.FraudRisk)
	assert.InDelta(t, 0.80, *got.FraudRisk, 1e-9)
	assert.Nil(t, got.ApprovedAmount)
	assert.False(t, got.AutoSettled)
}

func TestEvaluate_MissingImageRequestsData(t *testing.T) {
	st := store.NewMemoryStore()
	tp := newTestPipeline(t, st, nil, nil)

	claim := seedClaim(t, st, "1800.00")
	tp.addEvidence(t, claim.ID, claims.EvidenceDocument, "invoice.pdf")
	tp.client.document = docReply(1800, 0.90)
	tp.client.fraud = fraudReply(0.10)
	tp.client.reasoning = reasonReply(0.60)

	outcome, err := tp.orc.Evaluate(context.Background(), claim.ID)
	require.NoError(t, err)
	assert.Equal(t, claims.VerdictNeedsMoreData, outcome.Verdict)
	assert.Equal(t, []string{"image"}, outcome.RequestedData)

	got := tp.reload(t, claim.ID)
	assert.Equal(t, claims.StatusAwaitingData, got.Status)
	assert.Equal(t, []string{"image"}, got.RequestedData)

	// The image stage never ran; the reasoning payload flags the gap.
	results, err := tp.sink.StageResults(context.Background(), claim.ID)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, -1, stageIndex(results, claims.StageImage))
	assert.NotContains(t, tp.client.calls, "image")
	reasoning := results[stageIndex(results, claims.StageReasoning)]
	assert.Contains(t, reasoning.Payload["missing_evidence"], "valid_image")
}

func TestEvaluate_NoEvidenceYieldsInsufficientData(t *testing.T) {
	st := store.NewMemoryStore()
	tp := newTestPipeline(t, st, nil, nil)

	claim := seedClaim(t, st, "900.00")
	tp.client.fraud = fraudReply(0.10)
	tp.client.reasoning = "I would need the invoice and a damage photo before assessing this claim."

	outcome, err := tp.orc.Evaluate(context.Background(), claim.ID)
	require.NoError(t, err)
	assert.Equal(t, claims.VerdictInsufficientData, outcome.Verdict)
	assert.Equal(t, []string{"document", "image"}, outcome.RequestedData)

	// Weighted synthesis with both extractions absent:
	// 0.4*0.3 + 0.3*0.3 + 0.3*(1-0.1) = 0.48, below the 0.5 floor.
	got := tp.reload(t, claim.ID)
	assert.Equal(t, claims.StatusAwaitingData, got.Status)
	require.NotNil(t, got.Confidence)
	assert.InDelta(t, 0.48, *got.Confidence, 1e-9)
	assert.Equal(t, []string{"document", "image"}, got.RequestedData)

	results, err := tp.sink.StageResults(context.Background(), claim.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, claims.StageFraud, results[0].Stage)
	assert.Equal(t, claims.StageReasoning, results[1].Stage)
	assert.NotContains(t, tp.client.calls, "document")
	assert.NotContains(t, tp.client.calls, "image")
}

// cancelStore cancels the evaluation context right after the reasoning
// result lands, simulating a caller abort between the stages and the commit.
type cancelStore struct {
	*store.MemoryStore
	cancel context.CancelFunc
	armed  atomic.Bool
}

func (s *cancelStore) AppendStageResult(ctx context.Context, r *claims.StageResult) error {
	if err := s.MemoryStore.AppendStageResult(ctx, r); err != nil {
		return err
	}
	if r.Stage == claims.StageReasoning && s.armed.CompareAndSwap(true, false) {
		s.cancel()
	}
	return nil
}

func TestEvaluate_CancellationLeavesClaimResettable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := &cancelStore{MemoryStore: store.NewMemoryStore(), cancel: cancel}
	st.armed.Store(true)
	tp := newTestPipeline(t, st, nil, nil)

	claim := seedClaim(t, st, "2600.00")
	tp.addEvidence(t, claim.ID, claims.EvidenceDocument, "invoice.pdf")
	tp.addEvidence(t, claim.ID, claims.EvidenceImage, "damage.jpg")
	tp.client.document = docReply(2600, 0.90)
	tp.client.image = imgReply(2600, 0.90)
	tp.client.fraud = fraudReply(0.10)
	tp.client.reasoning = reasonReply(0.90)

	outcome, err := tp.orc.Evaluate(ctx, claim.ID)
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, outcome)
	assert.False(t, IsStorageFailure(err))

	// The interrupted run left its stage rows and the claim in EVALUATING.
	got := tp.reload(t, claim.ID)
	assert.Equal(t, claims.StatusEvaluating, got.Status)
	assert.Empty(t, got.Verdict)
	results, err := tp.sink.StageResults(context.Background(), claim.ID)
	require.NoError(t, err)
	assert.Len(t, results, 4)

	logs, err := tp.sink.Logs(context.Background(), claim.ID)
	require.NoError(t, err)
	var warned bool
	for _, e := range logs {
		if e.Stage == claims.StageOrchestrator && e.Level == claims.LogWarning {
			warned = strings.Contains(e.Message, "cancelled")
		}
	}
	assert.True(t, warned)

	// Stuck claims reject evaluation until explicitly reset.
	_, err = tp.orc.Evaluate(context.Background(), claim.ID)
	assert.True(t, IsPrecondition(err))

	require.NoError(t, tp.orc.Reset(context.Background(), claim.ID))
	assert.Equal(t, claims.StatusSubmitted, tp.reload(t, claim.ID).Status)

	outcome, err = tp.orc.Evaluate(context.Background(), claim.ID)
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.Equal(t, claims.VerdictApprovedWithReview, outcome.Verdict)
	assert.Equal(t, claims.StatusApproved, tp.reload(t, claim.ID).Status)

	// Rows append across runs: both reasoning results coexist.
	results, err = tp.sink.StageResults(context.Background(), claim.ID)
	require.NoError(t, err)
	assert.Len(t, results, 8)
	var reasoningRows int
	for _, r := range results {
		if r.Stage == claims.StageReasoning {
			reasoningRows++
		}
	}
	assert.Equal(t, 2, reasoningRows)
}

func TestEvaluate_AutoApprovalFraudCeiling(t *testing.T) {
	cases := []struct {
		name        string
		fraud       float64
		wantVerdict claims.Verdict
		wantStatus  claims.Status
		wantAuto    bool
	}{
		{"at ceiling downgrades", 0.30, claims.VerdictApprovedWithReview, claims.StatusApproved, false},
		{"below ceiling auto-approves", 0.299, claims.VerdictAutoApproved, claims.StatusApproved, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := store.NewMemoryStore()
			tp := newTestPipeline(t, st, nil, nil)

			claim := seedClaim(t, st, "4200.00")
			tp.addEvidence(t, claim.ID, claims.EvidenceDocument, "invoice.pdf")
			tp.addEvidence(t, claim.ID, claims.EvidenceImage, "damage.jpg")
			tp.client.document = docReply(4200, 0.95)
			tp.client.image = imgReply(4200, 0.95)
			tp.client.fraud = fraudReply(tc.fraud)
			tp.client.reasoning = reasonReply(0.95)

			outcome, err := tp.orc.Evaluate(context.Background(), claim.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.wantVerdict, outcome.Verdict)
			assert.Equal(t, tc.wantAuto, outcome.AutoApproved)

			// No settlement driver is wired, so auto-approval stops at APPROVED.
			got := tp.reload(t, claim.ID)
			assert.Equal(t, tc.wantStatus, got.Status)
			assert.False(t, got.AutoSettled)
			assert.Nil(t, got.SettlementTxHash)
			require.NotNil(t, got.ApprovedAmount)
			assert.True(t, got.ApprovedAmount.Equal(claim.Amount))
		})
	}
}

func TestEvaluate_ReEvaluationFromNeedsReview(t *testing.T) {
	st := store.NewMemoryStore()
	tp := newTestPipeline(t, st, nil, nil)

	claim := seedClaim(t, st, "5000.00")
	tp.addEvidence(t, claim.ID, claims.EvidenceDocument, "invoice.pdf")
	tp.addEvidence(t, claim.ID, claims.EvidenceImage, "damage.jpg")
	tp.client.document = docReply(1000, 0.90)
	tp.client.image = imgReply(5000, 0.90)
	tp.client.fraud = fraudReply(0.10)
	tp.client.reasoning = reasonReply(0.72)

	outcome, err := tp.orc.Evaluate(context.Background(), claim.ID)
	require.NoError(t, err)
	require.Equal(t, claims.VerdictNeedsReview, outcome.Verdict)

	// Corrected evidence on the second pass clears the contradictions.
	tp.client.document = docReply(5000, 0.97)
	tp.client.image = imgReply(5000, 0.97)
	tp.client.fraud = fraudReply(0.05)
	tp.client.reasoning = reasonReply(0.96)

	outcome, err = tp.orc.Evaluate(context.Background(), claim.ID)
	require.NoError(t, err)
	assert.Equal(t, claims.VerdictAutoApproved, outcome.Verdict)
	assert.Equal(t, claims.StatusApproved, tp.reload(t, claim.ID).Status)

	results, err := tp.sink.StageResults(context.Background(), claim.ID)
	require.NoError(t, err)
	assert.Len(t, results, 8)
}

func TestEvaluate_UnreadableArtifactFallsBack(t *testing.T) {
	st := store.NewMemoryStore()
	tp := newTestPipeline(t, st, nil, nil)

	claim := seedClaim(t, st, "1200.00")
	// Evidence row whose blob was never written.
	ev := claims.NewEvidence(claim.ID, claims.EvidenceDocument, "claims/"+claim.ID+"/evidence/lost.pdf", "application/pdf", 24)
	require.NoError(t, st.AddEvidence(context.Background(), ev))
	tp.client.fraud = fraudReply(0.10)
	tp.client.reasoning = "unable to weigh the evidence"

	outcome, err := tp.orc.Evaluate(context.Background(), claim.ID)
	require.NoError(t, err)
	assert.Equal(t, claims.VerdictInsufficientData, outcome.Verdict)
	assert.Equal(t, []string{"document", "image"}, outcome.RequestedData)

	// The document stage ran against zero readable artifacts and fell back.
	results, err := tp.sink.StageResults(context.Background(), claim.ID)
	require.NoError(t, err)
	require.Len(t, results, 3)
	doc := results[stageIndex(results, claims.StageDocument)]
	assert.Equal(t, false, doc.Payload["valid"])

	logs, err := tp.sink.Logs(context.Background(), claim.ID)
	require.NoError(t, err)
	var docError bool
	for _, e := range logs {
		if e.Stage == claims.StageDocument && e.Level == claims.LogError {
			docError = true
		}
	}
	assert.True(t, docError)
}

func TestEvaluate_PreconditionFailures(t *testing.T) {
	st := store.NewMemoryStore()
	tp := newTestPipeline(t, st, nil, nil)
	ctx := context.Background()

	_, err := tp.orc.Evaluate(ctx, "no-such-claim")
	assert.True(t, IsPrecondition(err))
	assert.ErrorContains(t, err, "not found")

	// Terminal claims are not evaluable.
	claim := seedClaim(t, st, "100.00")
	require.NoError(t, st.TransitionStatus(ctx, claim.ID, claims.StatusSubmitted, claims.StatusEvaluating))
	require.NoError(t, st.TransitionStatus(ctx, claim.ID, claims.StatusEvaluating, claims.StatusApproved))
	_, err = tp.orc.Evaluate(ctx, claim.ID)
	require.True(t, IsPrecondition(err))
	var pre *PreconditionError
	require.ErrorAs(t, err, &pre)
	assert.Equal(t, claims.StatusApproved, pre.Status)

	// Reset only applies to claims stuck in EVALUATING.
	err = tp.orc.Reset(ctx, claim.ID)
	assert.True(t, IsPrecondition(err))
	assert.ErrorContains(t, err, "not stuck")
	err = tp.orc.Reset(ctx, "no-such-claim")
	assert.True(t, IsPrecondition(err))
}

func TestEvaluate_ConcurrentRunRejected(t *testing.T) {
	st := store.NewMemoryStore()
	lease := NewMemoryLease()
	tp := newTestPipeline(t, st, nil, func(p *Params) { p.Lease = lease })

	claim := seedClaim(t, st, "700.00")
	tp.client.fraud = fraudReply(0.10)
	tp.client.reasoning = reasonReply(0.60)

	release, err := lease.Acquire(context.Background(), claim.ID)
	require.NoError(t, err)

	_, err = tp.orc.Evaluate(context.Background(), claim.ID)
	require.True(t, IsPrecondition(err))
	assert.ErrorContains(t, err, "in progress")
	assert.Equal(t, claims.StatusSubmitted, tp.reload(t, claim.ID).Status)

	release()
	outcome, err := tp.orc.Evaluate(context.Background(), claim.ID)
	require.NoError(t, err)
	assert.Equal(t, claims.VerdictNeedsMoreData, outcome.Verdict)
}

// faultyStore fails every log append while tripped, counting attempts.
type faultyStore struct {
	*store.MemoryStore
	tripped  atomic.Bool
	attempts atomic.Int32
}

func (s *faultyStore) AppendLog(ctx context.Context, e *claims.LogEntry) error {
	if s.tripped.Load() {
		s.attempts.Add(1)
		return errors.New("disk full")
	}
	return s.MemoryStore.AppendLog(ctx, e)
}

func TestEvaluate_StorageFailureLeavesClaimEvaluating(t *testing.T) {
	st := &faultyStore{MemoryStore: store.NewMemoryStore()}
	st.tripped.Store(true)
	tp := newTestPipeline(t, st, nil, nil)

	claim := seedClaim(t, st, "450.00")
	tp.client.fraud = fraudReply(0.10)
	tp.client.reasoning = reasonReply(0.60)

	_, err := tp.orc.Evaluate(context.Background(), claim.ID)
	require.True(t, IsStorageFailure(err))
	assert.False(t, IsPrecondition(err))
	assert.Equal(t, int32(2), st.attempts.Load(), "sink retries the write once")
	assert.Equal(t, claims.StatusEvaluating, tp.reload(t, claim.ID).Status)

	// Once storage recovers, reset and re-evaluation succeed.
	st.tripped.Store(false)
	require.NoError(t, tp.orc.Reset(context.Background(), claim.ID))
	outcome, err := tp.orc.Evaluate(context.Background(), claim.ID)
	require.NoError(t, err)
	assert.Equal(t, claims.VerdictNeedsMoreData, outcome.Verdict)
}

func TestNewOrchestrator_Validation(t *testing.T) {
	st := store.NewMemoryStore()
	sink := audit.NewSink(st, discardLogger())
	validator, err := schema.NewValidator()
	require.NoError(t, err)
	blobs, err := blob.NewFileStore(t.TempDir())
	require.NoError(t, err)
	client := &scriptedClient{}

	valid := Params{
		Store:     st,
		Sink:      sink,
		Blobs:     blobs,
		Executor:  stage.NewExecutor(validator, sink, 0, discardLogger()),
		Document:  stage.NewDocumentStage(client, "m", nil),
		Image:     stage.NewImageStage(client, "m", nil),
		Fraud:     stage.NewFraudStage(client, "m", nil),
		Reasoning: stage.NewReasoningStage(client, "m"),
		Engine:    decision.NewEngine(decision.DefaultThresholds(), nil),
	}

	cases := []struct {
		name    string
		breakIt func(*Params)
		wantErr string
	}{
		{"missing store", func(p *Params) { p.Store = nil }, "store is required"},
		{"missing sink", func(p *Params) { p.Sink = nil }, "audit sink is required"},
		{"missing blobs", func(p *Params) { p.Blobs = nil }, "blob store is required"},
		{"missing executor", func(p *Params) { p.Executor = nil }, "stage executor is required"},
		{"missing stage", func(p *Params) { p.Fraud = nil }, "four stages are required"},
		{"missing engine", func(p *Params) { p.Engine = nil }, "decision engine is required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			params := valid
			tc.breakIt(&params)
			_, err := NewOrchestrator(params)
			require.ErrorContains(t, err, tc.wantErr)
		})
	}

	orc, err := NewOrchestrator(valid)
	require.NoError(t, err)
	assert.NotNil(t, orc.lease)
	assert.NotNil(t, orc.logger)
	assert.Equal(t, DefaultTimeout, orc.timeout)
	assert.False(t, orc.settler.Enabled())
}
