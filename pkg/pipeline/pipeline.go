// Package pipeline drives one claim evaluation end to end: the status
// gate into EVALUATING, the parallel extraction stages, the fraud and
// reasoning stages in order, the decision, the optional settlement, and
// the terminal commit through the audit sink.
//
// Stage failures never stop a run; executors degrade them to fallback
// payloads. Only a failed precondition or a persistence failure that
// survived its retry escapes Evaluate, and the latter leaves the claim in
// EVALUATING for Reset to recover.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/Stillwater-Labs/clearclaim/pkg/audit"
	"github.com/Stillwater-Labs/clearclaim/pkg/blob"
	"github.com/Stillwater-Labs/clearclaim/pkg/claims"
	"github.com/Stillwater-Labs/clearclaim/pkg/decision"
	"github.com/Stillwater-Labs/clearclaim/pkg/observability"
	"github.com/Stillwater-Labs/clearclaim/pkg/settlement"
	"github.com/Stillwater-Labs/clearclaim/pkg/stage"
	"github.com/Stillwater-Labs/clearclaim/pkg/store"
)

// DefaultTimeout bounds one full evaluation run.
const DefaultTimeout = 10 * time.Minute

// Params wires an Orchestrator. Store, Sink, Blobs, Executor, the four
// stages and Engine are required; Settlement, Lease, Telemetry, Timeout
// and Logger are optional.
type Params struct {
	Store      store.Store
	Sink       *audit.Sink
	Blobs      blob.Store
	Executor   *stage.Executor
	Document   stage.Stage
	Image      stage.Stage
	Fraud      stage.Stage
	Reasoning  stage.Stage
	Engine     *decision.Engine
	Settlement *settlement.Driver
	Lease      Lease
	Telemetry  *observability.Provider
	Timeout    time.Duration
	Logger     *slog.Logger
}

// Orchestrator runs evaluation pipelines. Instances are safe for
// concurrent use; runs for distinct claims share nothing but the store.
type Orchestrator struct {
	store     store.Store
	sink      *audit.Sink
	blobs     blob.Store
	executor  *stage.Executor
	document  stage.Stage
	image     stage.Stage
	fraud     stage.Stage
	reasoning stage.Stage
	engine    *decision.Engine
	settler   *settlement.Driver
	lease     Lease
	telemetry *observability.Provider
	timeout   time.Duration
	logger    *slog.Logger
}

// NewOrchestrator validates and wires the pipeline.
func NewOrchestrator(p Params) (*Orchestrator, error) {
	switch {
	case p.Store == nil:
		return nil, errors.New("pipeline: store is required")
	case p.Sink == nil:
		return nil, errors.New("pipeline: audit sink is required")
	case p.Blobs == nil:
		return nil, errors.New("pipeline: blob store is required")
	case p.Executor == nil:
		return nil, errors.New("pipeline: stage executor is required")
	case p.Document == nil || p.Image == nil || p.Fraud == nil || p.Reasoning == nil:
		return nil, errors.New("pipeline: all four stages are required")
	case p.Engine == nil:
		return nil, errors.New("pipeline: decision engine is required")
	}

	if p.Lease == nil {
		p.Lease = NewMemoryLease()
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultTimeout
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}

	return &Orchestrator{
		store:     p.Store,
		sink:      p.Sink,
		blobs:     p.Blobs,
		executor:  p.Executor,
		document:  p.Document,
		image:     p.Image,
		fraud:     p.Fraud,
		reasoning: p.Reasoning,
		engine:    p.Engine,
		settler:   p.Settlement,
		lease:     p.Lease,
		telemetry: p.Telemetry,
		timeout:   p.Timeout,
		logger:    p.Logger,
	}, nil
}

// Evaluate runs the full pipeline for one claim and returns its decision.
// Claims must sit in SUBMITTED or NEEDS_REVIEW. The returned error is a
// PreconditionError, a StorageError, or the caller's own context error;
// every other failure has been degraded to a fallback inside the run.
func (o *Orchestrator) Evaluate(ctx context.Context, claimID string) (*decision.Outcome, error) {
	logger := o.logger.With("claim_id", claimID)

	release, err := o.lease.Acquire(ctx, claimID)
	if err != nil {
		if errors.Is(err, ErrLeaseHeld) {
			return nil, &PreconditionError{ClaimID: claimID, Reason: "evaluation already in progress"}
		}
		return nil, &StorageError{Op: "acquire evaluation lease", Err: err}
	}
	defer release()

	claim, err := o.store.GetClaim(ctx, claimID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &PreconditionError{ClaimID: claimID, Reason: "claim not found"}
		}
		return nil, &StorageError{Op: "load claim", Err: err}
	}
	if !claim.Status.Evaluable() {
		return nil, &PreconditionError{
			ClaimID: claimID,
			Status:  claim.Status,
			Reason:  "status does not permit evaluation",
		}
	}

	if err := o.store.TransitionStatus(ctx, claimID, claim.Status, claims.StatusEvaluating); err != nil {
		if errors.Is(err, store.ErrStatusConflict) || errors.Is(err, store.ErrInvalidTransition) {
			return nil, &PreconditionError{
				ClaimID: claimID,
				Status:  claim.Status,
				Reason:  "claim changed status concurrently",
			}
		}
		return nil, &StorageError{Op: "transition to EVALUATING", Err: err}
	}
	claim.Status = claims.StatusEvaluating
	logger.Info("evaluation started", "amount", claim.Amount.String())

	runCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	runCtx, done := o.track(runCtx, "claim.evaluate", observability.EvaluationAttrs(claimID)...)
	outcome, err := o.run(runCtx, claim, logger)
	done(err)
	return outcome, err
}

// run executes the stage graph for a claim already moved to EVALUATING.
func (o *Orchestrator) run(ctx context.Context, claim *claims.Claim, logger *slog.Logger) (*decision.Outcome, error) {
	if err := o.logPipeline(ctx, claim.ID, claims.LogInfo, "Evaluation started", nil); err != nil {
		return nil, &StorageError{Op: "append start log", Err: err}
	}

	evidence, err := o.store.ListEvidence(ctx, claim.ID)
	if err != nil {
		return nil, &StorageError{Op: "list evidence", Err: err}
	}
	hasDoc := claims.KindPresent(evidence, claims.EvidenceDocument)
	hasImg := claims.KindPresent(evidence, claims.EvidenceImage)

	// Extraction runs only for evidence kinds that exist; both stages
	// start together and join before fraud.
	var docResult, imgResult *claims.StageResult
	g, gctx := errgroup.WithContext(ctx)
	if hasDoc {
		in := &stage.Input{
			Claim:     claim,
			Artifacts: o.loadArtifacts(ctx, claims.OfKind(evidence, claims.EvidenceDocument), logger),
			Evidence:  evidence,
		}
		g.Go(func() error {
			var err error
			docResult, err = o.runStage(gctx, o.document, in)
			return err
		})
	}
	if hasImg {
		in := &stage.Input{
			Claim:     claim,
			Artifacts: o.loadArtifacts(ctx, claims.OfKind(evidence, claims.EvidenceImage), logger),
			Evidence:  evidence,
		}
		g.Go(func() error {
			var err error
			imgResult, err = o.runStage(gctx, o.image, in)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, o.unwind(ctx, claim.ID, err, logger)
	}

	prior := make(map[claims.StageTag]map[string]any, 4)
	present := make([]claims.EvidenceKind, 0, 2)
	if docResult != nil {
		prior[claims.StageDocument] = docResult.Payload
		present = append(present, claims.EvidenceDocument)
	}
	if imgResult != nil {
		prior[claims.StageImage] = imgResult.Payload
		present = append(present, claims.EvidenceImage)
	}

	fraudResult, err := o.runStage(ctx, o.fraud, &stage.Input{Claim: claim, Evidence: evidence, Prior: prior})
	if err != nil {
		return nil, o.unwind(ctx, claim.ID, err, logger)
	}
	prior[claims.StageFraud] = fraudResult.Payload

	reasonResult, err := o.runStage(ctx, o.reasoning, &stage.Input{Claim: claim, Evidence: evidence, Prior: prior})
	if err != nil {
		return nil, o.unwind(ctx, claim.ID, err, logger)
	}

	// Everything after this point mutates the claim row. A cancellation
	// landing here unwinds with all stage results already durable.
	if err := ctx.Err(); err != nil {
		return nil, o.unwind(ctx, claim.ID, fmt.Errorf("before decision: %w", err), logger)
	}

	in := decision.Input{
		Confidence:      payloadFloat(reasonResult.Payload, "final_confidence", 0),
		FraudRisk:       payloadFloat(fraudResult.Payload, "fraud_score", 0.5),
		Contradictions:  payloadStrings(reasonResult.Payload, "contradictions"),
		MissingEvidence: payloadStrings(reasonResult.Payload, "missing_evidence"),
		EvidencePresent: present,
	}
	outcome := o.engine.Decide(in)

	settled := false
	txHash := ""
	if outcome.Verdict == claims.VerdictAutoApproved && o.settler.Enabled() {
		sctx, sdone := o.track(ctx, "claim.settle", observability.EvaluationAttrs(claim.ID)...)
		result, err := o.settler.Settle(sctx, claim)
		sdone(err)
		if err != nil {
			return nil, &StorageError{Op: "record settlement outcome", Err: err}
		}
		settled = result.Settled
		txHash = result.TxHash
	}

	applyOutcome(claim, outcome, in, settled, txHash)
	if err := o.sink.CommitDecision(ctx, claim); err != nil {
		return nil, &StorageError{Op: "commit decision", Err: err}
	}

	// The verdict is durable; a lost completion log must not fail the run.
	meta := map[string]any{"verdict": string(outcome.Verdict), "confidence": in.Confidence}
	msg := fmt.Sprintf("Evaluation completed: %s", outcome.Verdict)
	if err := o.logPipeline(ctx, claim.ID, claims.LogInfo, msg, meta); err != nil {
		logger.Warn("completion log write failed", "error", err)
	}

	logger.Info("evaluation completed",
		"verdict", string(outcome.Verdict),
		"confidence", in.Confidence,
		"fraud_risk", in.FraudRisk,
		"status", string(claim.Status),
	)
	return &outcome, nil
}

// Reset returns a stuck EVALUATING claim to SUBMITTED so it can be
// evaluated again. Stage results from the interrupted run remain.
func (o *Orchestrator) Reset(ctx context.Context, claimID string) error {
	claim, err := o.store.GetClaim(ctx, claimID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &PreconditionError{ClaimID: claimID, Reason: "claim not found"}
		}
		return &StorageError{Op: "load claim", Err: err}
	}
	if claim.Status != claims.StatusEvaluating {
		return &PreconditionError{
			ClaimID: claimID,
			Status:  claim.Status,
			Reason:  "claim is not stuck in evaluation",
		}
	}

	if err := o.store.TransitionStatus(ctx, claimID, claims.StatusEvaluating, claims.StatusSubmitted); err != nil {
		if errors.Is(err, store.ErrStatusConflict) || errors.Is(err, store.ErrInvalidTransition) {
			return &PreconditionError{ClaimID: claimID, Reason: "claim changed status concurrently"}
		}
		return &StorageError{Op: "reset to SUBMITTED", Err: err}
	}

	entry := claims.NewLogEntry(claimID, claims.StageOrchestrator, claims.LogWarning,
		"Evaluation reset to SUBMITTED after stuck run", nil)
	if err := o.sink.AppendLog(ctx, entry); err != nil {
		o.logger.Warn("reset log write failed", "claim_id", claimID, "error", err)
	}
	o.logger.Info("stuck evaluation reset", "claim_id", claimID)
	return nil
}

// runStage wraps one executor run in its telemetry span.
func (o *Orchestrator) runStage(ctx context.Context, st stage.Stage, in *stage.Input) (*claims.StageResult, error) {
	tag := string(st.Tag())
	ctx, done := o.track(ctx, "stage."+tag, observability.StageAttrs(in.Claim.ID, tag)...)
	result, err := o.executor.Run(ctx, st, in)
	done(err)
	return result, err
}

// loadArtifacts resolves evidence rows to their stored bytes. Unreadable
// artifacts are skipped with a warning; the stage's own failure handling
// covers a run left without usable artifacts.
func (o *Orchestrator) loadArtifacts(ctx context.Context, evidence []claims.Evidence, logger *slog.Logger) []stage.Artifact {
	artifacts := make([]stage.Artifact, 0, len(evidence))
	for i := range evidence {
		data, err := o.blobs.Get(ctx, evidence[i].StoragePath)
		if err != nil {
			logger.Warn("evidence artifact unreadable",
				"evidence_id", evidence[i].ID,
				"path", evidence[i].StoragePath,
				"error", err,
			)
			continue
		}
		artifacts = append(artifacts, stage.Artifact{Evidence: evidence[i], Data: data})
	}
	return artifacts
}

// unwind classifies a stage-phase failure. Cancellation leaves the claim
// in EVALUATING with a durable warning; anything else the executor lets
// through is a persistence failure.
func (o *Orchestrator) unwind(ctx context.Context, claimID string, err error, logger *slog.Logger) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("evaluation cancelled, claim left in EVALUATING", "error", err)
		entry := claims.NewLogEntry(claimID, claims.StageOrchestrator, claims.LogWarning,
			"Evaluation cancelled; claim left in EVALUATING for reset", nil)
		if logErr := o.sink.AppendLog(context.WithoutCancel(ctx), entry); logErr != nil {
			logger.Warn("cancellation log write failed", "error", logErr)
		}
		return fmt.Errorf("pipeline: evaluation cancelled: %w", err)
	}
	return &StorageError{Op: "persist stage output", Err: err}
}

// logPipeline appends one durable orchestrator-level log entry.
func (o *Orchestrator) logPipeline(ctx context.Context, claimID string, level claims.LogLevel, msg string, meta map[string]any) error {
	return o.sink.AppendLog(ctx, claims.NewLogEntry(claimID, claims.StageOrchestrator, level, msg, meta))
}

// track opens a telemetry operation, or a no-op when telemetry is off.
func (o *Orchestrator) track(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if o.telemetry == nil {
		return ctx, func(error) {}
	}
	return o.telemetry.TrackOperation(ctx, name, attrs...)
}

// applyOutcome writes one run's decision onto the claim, including the
// terminal status. CommitDecision persists it atomically.
func applyOutcome(c *claims.Claim, out decision.Outcome, in decision.Input, settled bool, txHash string) {
	c.Verdict = out.Verdict
	confidence := in.Confidence
	c.Confidence = &confidence
	risk := in.FraudRisk
	c.FraudRisk = &risk
	c.Contradictions = in.Contradictions
	c.RequestedData = out.RequestedData
	c.ReviewReasons = out.ReviewReasons
	c.AutoApproved = out.AutoApproved
	c.HumanReviewRequired = out.HumanReviewRequired
	c.AutoSettled = settled
	if txHash != "" {
		c.SettlementTxHash = &txHash
	}
	switch out.Verdict {
	case claims.VerdictAutoApproved, claims.VerdictApprovedWithReview:
		amount := c.Amount
		c.ApprovedAmount = &amount
	}
	c.Status = claims.TerminalStatus(out.Verdict, settled)
	c.UpdatedAt = time.Now().UTC()
}

// payloadFloat reads a numeric payload slot with a default.
func payloadFloat(payload map[string]any, key string, def float64) float64 {
	switch v := payload[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return def
	}
}

// payloadStrings reads a string-array payload slot.
func payloadStrings(payload map[string]any, key string) []string {
	raw, ok := payload[key].([]any)
	if !ok {
		if typed, ok := payload[key].([]string); ok {
			return typed
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
