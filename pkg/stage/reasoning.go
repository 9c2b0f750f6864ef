package stage

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/Stillwater-Labs/clearclaim/pkg/claims"
	"github.com/Stillwater-Labs/clearclaim/pkg/llm"
)

const reasoningPrompt = `You are a senior insurance claims adjudicator. Weigh the stage results below and respond with only a JSON object of this shape:
{"final_confidence": 0.0, "contradictions": ["..."], "fraud_risk": 0.0, "missing_evidence": ["..."], "evidence_gaps": ["..."], "reasoning": ""}
final_confidence runs from 0.0 (claim unsupported) to 1.0 (fully supported). Write contradictions as specific human-readable sentences quoting the conflicting values. Use the tags "valid_document" and "valid_image" in missing_evidence when an extraction is absent or unusable.

Claim:
%s

Stage results:
%s`

// ReasoningStage reconciles the accumulated stage results into a final
// confidence. When the model path fails or returns unusable output the
// stage falls back to a deterministic weighted synthesis.
type ReasoningStage struct {
	client llm.Client
	model  string
}

// NewReasoningStage wires the stage.
func NewReasoningStage(client llm.Client, model string) *ReasoningStage {
	return &ReasoningStage{client: client, model: model}
}

// Tag implements Stage.
func (s *ReasoningStage) Tag() claims.StageTag { return claims.StageReasoning }

// Run implements Stage.
func (s *ReasoningStage) Run(ctx context.Context, in *Input) (map[string]any, error) {
	text, err := s.client.Analyze(ctx, s.model, []llm.Part{
		llm.TextPart(fmt.Sprintf(reasoningPrompt, claimSummary(in.Claim, in.Evidence), priorSummary(in.Prior))),
	})
	if err != nil {
		return nil, fmt.Errorf("analyze reasoning: %w", err)
	}

	payload, ok := llm.ParseObject(text)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnusableReply, llm.Fingerprint(text, 80))
	}
	if _, ok := getFloat(payload, "final_confidence"); !ok {
		return nil, fmt.Errorf("%w: missing final_confidence", ErrUnusableReply)
	}
	s.normalize(payload, in)
	return payload, nil
}

// normalize clamps the numeric outputs, backfills fraud_risk from the fraud
// stage, and runs the hard contradiction and missing-evidence rules when the
// model stayed silent on them.
func (s *ReasoningStage) normalize(payload map[string]any, in *Input) {
	if v, ok := getFloat(payload, "final_confidence"); ok {
		payload["final_confidence"] = clamp01(v)
	}
	if v, ok := getFloat(payload, "fraud_risk"); ok {
		payload["fraud_risk"] = clamp01(v)
	} else {
		payload["fraud_risk"] = fraudScoreOf(in.Prior)
	}

	reported, _ := payload["contradictions"].([]any)
	if len(reported) == 0 {
		payload["contradictions"] = toAny(detectContradictions(in))
	}
	missing, _ := payload["missing_evidence"].([]any)
	if len(missing) == 0 {
		payload["missing_evidence"] = toAny(missingEvidence(in.Prior))
	}
	if _, ok := payload["evidence_gaps"].([]any); !ok {
		payload["evidence_gaps"] = []any{}
	}
}

// Fallback implements Stage: the deterministic weighted synthesis.
//
// Weights: 0.4 document confidence, 0.3 image confidence, 0.3 inverse fraud
// score. An extraction that is absent or marked invalid contributes the
// neutral floor 0.3. Any detected contradiction costs a 20% penalty.
func (s *ReasoningStage) Fallback(in *Input, cause error) map[string]any {
	cDoc := validConfidence(in.Prior, claims.StageDocument)
	cImg := validConfidence(in.Prior, claims.StageImage)
	fraud := fraudScoreOf(in.Prior)

	contradictions := detectContradictions(in)
	confidence := 0.4*cDoc + 0.3*cImg + 0.3*(1-fraud)
	if len(contradictions) > 0 {
		confidence *= 0.8
	}
	confidence = clamp01(confidence)

	gaps := missingEvidence(in.Prior)
	return map[string]any{
		"final_confidence": confidence,
		"contradictions":   toAny(contradictions),
		"fraud_risk":       fraud,
		"missing_evidence": toAny(gaps),
		"evidence_gaps":    toAny(gaps),
		"reasoning": fmt.Sprintf(
			"Rule-based synthesis (model path failed: %s). Inputs: document %.2f, image %.2f, fraud %.2f, contradictions %d.",
			firstLine(cause), cDoc, cImg, fraud, len(contradictions)),
	}
}

// Defaults implements Stage. final_confidence has no repair default on
// purpose: a reply without it is unusable and must take the full fallback.
func (s *ReasoningStage) Defaults() map[string]any {
	return map[string]any{
		"/fraud_risk":       0.5,
		"/contradictions":   []any{},
		"/missing_evidence": []any{},
		"/evidence_gaps":    []any{},
	}
}

// validConfidence returns the stage's reported confidence when the stage ran
// and marked its payload valid, else the neutral floor 0.3.
func validConfidence(prior map[claims.StageTag]map[string]any, tag claims.StageTag) float64 {
	payload, ok := prior[tag]
	if !ok {
		return 0.3
	}
	if v, ok := getBool(payload, "valid"); !ok || !v {
		return 0.3
	}
	if c := PayloadConfidence(tag, payload); c != nil {
		return clamp01(*c)
	}
	return 0.3
}

// fraudScoreOf reads the fraud stage's score, neutral 0.5 when absent.
func fraudScoreOf(prior map[claims.StageTag]map[string]any) float64 {
	if payload, ok := prior[claims.StageFraud]; ok {
		if v, ok := getFloat(payload, "fraud_score"); ok {
			return clamp01(v)
		}
	}
	return 0.5
}

// missingEvidence lists the extraction stages that are absent or invalid,
// as "valid_document" / "valid_image" tags.
func missingEvidence(prior map[claims.StageTag]map[string]any) []string {
	var out []string
	for _, tag := range []claims.StageTag{claims.StageDocument, claims.StageImage} {
		payload, ok := prior[tag]
		if !ok {
			out = append(out, "valid_"+string(tag))
			continue
		}
		if v, ok := getBool(payload, "valid"); !ok || !v {
			out = append(out, "valid_"+string(tag))
		}
	}
	return out
}

// detectContradictions applies the two hard rules: a document amount and an
// image repair estimate more than 20% apart, and a document amount more than
// 100 units away from the claimed amount.
func detectContradictions(in *Input) []string {
	var out []string
	docAmount, hasDoc := documentAmount(in.Prior)
	imgCost, hasImg := imageCost(in.Prior)

	if hasDoc && hasImg {
		larger := math.Max(docAmount, imgCost)
		if larger > 0 && math.Abs(docAmount-imgCost)/larger > 0.20 {
			out = append(out, fmt.Sprintf(
				"Amount mismatch: document states %s but image damage is estimated at %s",
				formatAmount(docAmount), formatAmount(imgCost)))
		}
	}
	if hasDoc {
		claimAmount, _ := in.Claim.Amount.Float64()
		if math.Abs(docAmount-claimAmount) > 100 {
			out = append(out, fmt.Sprintf(
				"Claimed amount %s is more than 100 away from the documented amount %s",
				formatAmount(claimAmount), formatAmount(docAmount)))
		}
	}
	return out
}

// documentAmount digs the monetary amount out of the document extraction.
func documentAmount(prior map[claims.StageTag]map[string]any) (float64, bool) {
	payload, ok := prior[claims.StageDocument]
	if !ok {
		return 0, false
	}
	fields, ok := getMap(payload, "extracted_fields")
	if !ok {
		return 0, false
	}
	for _, key := range []string{"amount", "total_amount", "total"} {
		if v, ok := getFloat(fields, key); ok {
			return v, true
		}
	}
	return 0, false
}

// imageCost reads the image stage's damage estimate, absent when null.
func imageCost(prior map[claims.StageTag]map[string]any) (float64, bool) {
	payload, ok := prior[claims.StageImage]
	if !ok {
		return 0, false
	}
	v, ok := getFloat(payload, "estimated_cost")
	return v, ok
}

var amountPrinter = message.NewPrinter(language.English)

// formatAmount renders a monetary value with grouping, e.g. 5,000.00.
func formatAmount(v float64) string {
	return amountPrinter.Sprintf("%.2f", v)
}

func toAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
