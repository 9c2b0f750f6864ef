package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Semantic convention attributes for claim processing spans.
var (
	// Claim attributes
	AttrClaimID     = attribute.Key("clearclaim.claim.id")
	AttrClaimStatus = attribute.Key("clearclaim.claim.status")

	// Stage attributes
	AttrStage         = attribute.Key("clearclaim.stage.name")
	AttrStageFellBack = attribute.Key("clearclaim.stage.fell_back")

	// Decision attributes
	AttrVerdict    = attribute.Key("clearclaim.decision.verdict")
	AttrConfidence = attribute.Key("clearclaim.decision.confidence")
	AttrFraudScore = attribute.Key("clearclaim.fraud.score")

	// Settlement attributes
	AttrSettlementStep = attribute.Key("clearclaim.settlement.step")
	AttrTxHash         = attribute.Key("clearclaim.settlement.tx_hash")

	// Paid verifier attributes
	AttrVerifierKind = attribute.Key("clearclaim.verifier.kind")
)

// EvaluationAttrs creates attributes for a full pipeline run.
func EvaluationAttrs(claimID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrClaimID.String(claimID),
	}
}

// StageAttrs creates attributes for a single stage execution.
func StageAttrs(claimID, stage string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrClaimID.String(claimID),
		AttrStage.String(stage),
	}
}

// DecisionAttrs creates attributes for a committed verdict.
func DecisionAttrs(claimID, verdict string, confidence float64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrClaimID.String(claimID),
		AttrVerdict.String(verdict),
		AttrConfidence.Float64(confidence),
	}
}

// SettlementAttrs creates attributes for one settlement transaction step.
func SettlementAttrs(claimID, step string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrClaimID.String(claimID),
		AttrSettlementStep.String(step),
	}
}

// AddSpanEvent adds an event to the span carried by ctx.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records err on the span carried by ctx, if any.
func SetSpanStatus(ctx context.Context, err error) {
	if err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
	}
}
