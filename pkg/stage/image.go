package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Stillwater-Labs/clearclaim/pkg/claims"
	"github.com/Stillwater-Labs/clearclaim/pkg/llm"
)

const imagePrompt = `You are an insurance damage assessor. Analyze the attached photo of claimed damage. Respond with only a JSON object of this shape:
{
  "damage_type": "collision|fire|flood|hail|theft|vandalism|wear|other",
  "severity": "minor|moderate|severe|total",
  "affected_parts": ["..."],
  "estimated_cost": 0.0,
  "confidence": 0.0,
  "valid": true,
  "notes": ""
}
Use null for estimated_cost when no estimate is possible. Set valid to false if the image is unreadable or shows no damage.`

// ImageStage assesses damage photos. Artifacts are analyzed independently
// and merged: modal damage type, union of affected parts, worst severity,
// averaged cost and confidence.
type ImageStage struct {
	client   llm.Client
	model    string
	verifier VerifierCaller
}

// NewImageStage wires the stage.
func NewImageStage(client llm.Client, model string, verifier VerifierCaller) *ImageStage {
	return &ImageStage{client: client, model: model, verifier: verifier}
}

// Tag implements Stage.
func (s *ImageStage) Tag() claims.StageTag { return claims.StageImage }

// Run implements Stage.
func (s *ImageStage) Run(ctx context.Context, in *Input) (map[string]any, error) {
	if len(in.Artifacts) == 0 {
		return nil, fmt.Errorf("image stage: no artifacts")
	}

	var verification any
	if s.verifier != nil {
		body := map[string]any{
			"claim_id":   in.Claim.ID,
			"image_path": in.Artifacts[0].Evidence.StoragePath,
		}
		raw, err := s.verifier.CallVerifier(ctx, in.Claim.ID, claims.VerifierImage, body)
		if err != nil {
			return nil, fmt.Errorf("image verifier: %w", err)
		}
		_ = json.Unmarshal(raw, &verification)
	}

	var subs []map[string]any
	var lastErr error
	for _, art := range in.Artifacts {
		payload, err := s.analyzeOne(ctx, art)
		if err != nil {
			lastErr = err
			continue
		}
		subs = append(subs, payload)
	}
	if len(subs) == 0 {
		return nil, fmt.Errorf("image stage: all %d artifacts failed: %w", len(in.Artifacts), lastErr)
	}

	agg := aggregateImages(subs)
	if verification != nil {
		agg["verification"] = verification
	}
	return agg, nil
}

func (s *ImageStage) analyzeOne(ctx context.Context, art Artifact) (map[string]any, error) {
	text, err := s.client.Analyze(ctx, s.model, []llm.Part{
		llm.TextPart(imagePrompt),
		llm.BlobPart(art.Evidence.MimeType, art.Data),
	})
	if err != nil {
		return nil, fmt.Errorf("analyze %s: %w", art.Evidence.ID, err)
	}

	if payload, ok := llm.ParseObject(text); ok {
		return payload, nil
	}
	return imageFromText(text), nil
}

// imageFromText is the text-heuristics layer for image replies.
func imageFromText(text string) map[string]any {
	damage := "other"
	valid := false
	if kw, ok := llm.FindKeyword(text, "collision", "fire", "flood", "hail", "theft", "vandalism", "wear"); ok {
		damage = kw
		valid = true
	}
	severity := "minor"
	if kw, ok := llm.FindKeyword(text, "total loss", "totaled", "total", "severe", "moderate", "minor"); ok {
		severity = kw
		if strings.HasPrefix(kw, "total") {
			severity = "total"
		}
	}
	var cost any
	if v, ok := llm.FindNumber(text, "estimated cost", "repair cost", "estimate", "cost"); ok {
		cost = v
	}
	confidence := 0.0
	if c, ok := llm.FindNumber(text, "confidence"); ok {
		confidence = asRatio(c)
	} else if valid {
		confidence = 0.5
	}
	return map[string]any{
		"damage_type":    damage,
		"severity":       severity,
		"affected_parts": []any{},
		"estimated_cost": cost,
		"confidence":     confidence,
		"valid":          valid,
		"notes":          llm.Fingerprint(text, 120),
	}
}

// aggregateImages merges per-artifact results: most frequent damage type
// (first seen wins ties), union of affected parts in first-seen order, the
// worst severity, averaged non-null estimated costs (null when every image
// abstained), averaged confidence, valid if any sub-result is valid.
func aggregateImages(subs []map[string]any) map[string]any {
	if len(subs) == 1 {
		return subs[0]
	}

	typeCounts := map[string]int{}
	var typeOrder []string
	var parts []string
	seenParts := map[string]bool{}
	var severity Severity
	var costSum float64
	var costN int
	var confSum float64
	valid := false

	for _, sub := range subs {
		if t, ok := getString(sub, "damage_type"); ok && t != "" {
			if typeCounts[t] == 0 {
				typeOrder = append(typeOrder, t)
			}
			typeCounts[t]++
		}
		for _, p := range getStrings(sub, "affected_parts") {
			if !seenParts[p] {
				seenParts[p] = true
				parts = append(parts, p)
			}
		}
		if sv, ok := getString(sub, "severity"); ok {
			severity = MaxSeverity(severity, Severity(sv))
		}
		if c, ok := getFloat(sub, "estimated_cost"); ok {
			costSum += c
			costN++
		}
		if c, ok := getFloat(sub, "confidence"); ok {
			confSum += c
		}
		if v, ok := getBool(sub, "valid"); ok && v {
			valid = true
		}
	}

	damage := "other"
	best := 0
	for _, t := range typeOrder {
		if typeCounts[t] > best {
			best = typeCounts[t]
			damage = t
		}
	}
	if severity == "" {
		severity = SeverityMinor
	}
	var cost any
	if costN > 0 {
		cost = costSum / float64(costN)
	}
	partsAny := make([]any, len(parts))
	for i, p := range parts {
		partsAny[i] = p
	}

	return map[string]any{
		"damage_type":    damage,
		"severity":       string(severity),
		"affected_parts": partsAny,
		"estimated_cost": cost,
		"confidence":     confSum / float64(len(subs)),
		"valid":          valid,
		"notes":          fmt.Sprintf("aggregated from %d images", len(subs)),
	}
}

// Fallback implements Stage.
func (s *ImageStage) Fallback(in *Input, cause error) map[string]any {
	return map[string]any{
		"damage_type":    "unknown",
		"severity":       "minor",
		"affected_parts": []any{},
		"estimated_cost": nil,
		"confidence":     0.0,
		"valid":          false,
		"notes":          firstLine(cause),
	}
}

// Defaults implements Stage.
func (s *ImageStage) Defaults() map[string]any {
	return map[string]any{
		"/damage_type":    "unknown",
		"/severity":       "minor",
		"/affected_parts": []any{},
		"/estimated_cost": nil,
		"/confidence":     0.0,
		"/valid":          false,
	}
}
