package stage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Stillwater-Labs/clearclaim/pkg/claims"
	"github.com/Stillwater-Labs/clearclaim/pkg/llm"
)

const fraudPrompt = `You are an insurance fraud analyst. Assess the claim below against its extraction results and respond with only a JSON object of this shape:
{"fraud_score": 0.0, "indicators": ["..."], "confidence": 0.0, "notes": ""}
fraud_score runs from 0.0 (no concern) to 1.0 (certain fraud). List one indicator per concern. Do not invent facts not present in the input.

Claim:
%s

Extraction results:
%s`

// FraudStage scores a claim for fraud signals using the extraction outputs
// as context. The risk bucket is always derived from the score here, never
// read back from the model.
type FraudStage struct {
	client   llm.Client
	model    string
	verifier VerifierCaller
}

// NewFraudStage wires the stage.
func NewFraudStage(client llm.Client, model string, verifier VerifierCaller) *FraudStage {
	return &FraudStage{client: client, model: model, verifier: verifier}
}

// Tag implements Stage.
func (s *FraudStage) Tag() claims.StageTag { return claims.StageFraud }

// Run implements Stage.
func (s *FraudStage) Run(ctx context.Context, in *Input) (map[string]any, error) {
	var verification any
	if s.verifier != nil {
		body := map[string]any{
			"claim_id": in.Claim.ID,
			"amount":   in.Claim.Amount.String(),
		}
		raw, err := s.verifier.CallVerifier(ctx, in.Claim.ID, claims.VerifierFraud, body)
		if err != nil {
			return nil, fmt.Errorf("fraud verifier: %w", err)
		}
		_ = json.Unmarshal(raw, &verification)
	}

	text, err := s.client.Analyze(ctx, s.model, []llm.Part{
		llm.TextPart(fmt.Sprintf(fraudPrompt, claimSummary(in.Claim, in.Evidence), priorSummary(in.Prior))),
	})
	if err != nil {
		return nil, fmt.Errorf("analyze fraud: %w", err)
	}

	payload, ok := llm.ParseObject(text)
	if !ok {
		payload = fraudFromText(text)
	}
	normalizeFraud(payload)
	if verification != nil {
		payload["verification"] = verification
	}
	return payload, nil
}

// fraudFromText is the text-heuristics layer for fraud replies.
func fraudFromText(text string) map[string]any {
	payload := map[string]any{
		"indicators": []any{},
		"notes":      llm.Fingerprint(text, 120),
	}
	if v, ok := llm.FindNumber(text, "fraud score", "fraud risk", "risk score", "score"); ok {
		payload["fraud_score"] = asRatio(v)
	}
	if c, ok := llm.FindNumber(text, "confidence"); ok {
		payload["confidence"] = asRatio(c)
	}
	return payload
}

// normalizeFraud enforces the payload invariants: score clamped to [0,1]
// (0.5 when absent), risk_level derived from the score, confidence clamped
// (0.5 when absent), indicators always an array.
func normalizeFraud(payload map[string]any) {
	score := 0.5
	if v, ok := getFloat(payload, "fraud_score"); ok {
		score = clamp01(v)
	}
	payload["fraud_score"] = score
	payload["risk_level"] = string(RiskLevelFor(score))

	confidence := 0.5
	if v, ok := getFloat(payload, "confidence"); ok {
		confidence = clamp01(v)
	}
	payload["confidence"] = confidence

	if _, ok := payload["indicators"].([]any); !ok {
		payload["indicators"] = []any{}
	}
}

// Fallback implements Stage.
func (s *FraudStage) Fallback(in *Input, cause error) map[string]any {
	return map[string]any{
		"fraud_score": 0.5,
		"risk_level":  string(RiskMedium),
		"indicators":  []any{"Agent error"},
		"confidence":  0.5,
		"notes":       firstLine(cause),
	}
}

// Defaults implements Stage.
func (s *FraudStage) Defaults() map[string]any {
	return map[string]any{
		"/fraud_score": 0.5,
		"/risk_level":  string(RiskMedium),
		"/indicators":  []any{},
		"/confidence":  0.5,
	}
}

// claimSummary renders the claim for prompt context.
func claimSummary(c *claims.Claim, evidence []claims.Evidence) string {
	kinds := make([]string, 0, len(evidence))
	for _, ev := range evidence {
		kinds = append(kinds, string(ev.Kind))
	}
	doc := map[string]any{
		"claimant":       c.ClaimantAddress,
		"amount":         c.Amount.String(),
		"description":    c.Description,
		"evidence_kinds": kinds,
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return c.Description
	}
	return string(b)
}

// priorSummary renders the accumulated stage results for prompt context.
func priorSummary(prior map[claims.StageTag]map[string]any) string {
	if len(prior) == 0 {
		return "(none)"
	}
	b, err := json.MarshalIndent(prior, "", "  ")
	if err != nil {
		return "(unavailable)"
	}
	return string(b)
}
