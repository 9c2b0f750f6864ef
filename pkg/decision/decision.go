// Package decision implements the deterministic verdict policy: a pure rule
// table over one evaluation run's reconciled outputs, plus an optional
// compiled review policy that may tighten, never relax, the outcome.
package decision

import (
	"fmt"
	"strings"

	"github.com/Stillwater-Labs/clearclaim/pkg/claims"
)

// Thresholds parameterize the rule table. Confidence comparisons are
// inclusive lower bounds; the auto-approval fraud ceiling is strict.
type Thresholds struct {
	FraudDetected         float64
	AutoApproveConfidence float64
	AutoApproveFraudMax   float64
	ApprovedWithReviewMin float64
	NeedsReviewMin        float64
	NeedsMoreDataMin      float64
}

// DefaultThresholds returns the production rule table.
func DefaultThresholds() Thresholds {
	return Thresholds{
		FraudDetected:         0.70,
		AutoApproveConfidence: 0.95,
		AutoApproveFraudMax:   0.30,
		ApprovedWithReviewMin: 0.85,
		NeedsReviewMin:        0.70,
		NeedsMoreDataMin:      0.50,
	}
}

// Input is the value bundle one evaluation run feeds the engine.
type Input struct {
	Confidence      float64
	FraudRisk       float64
	Contradictions  []string
	MissingEvidence []string
	// EvidencePresent lists the evidence kinds that produced a stage result
	// in this run. It seeds the requested-data default when the reasoning
	// stage reported no missing evidence.
	EvidencePresent []claims.EvidenceKind
}

// Outcome is the verdict with its flags. RequestedData is populated only
// for the two data-gathering verdicts.
type Outcome struct {
	Verdict             claims.Verdict
	AutoApproved        bool
	HumanReviewRequired bool
	ReviewReasons       []string
	RequestedData       []string
}

// Engine evaluates the rule table. It performs no I/O, keeps no state and
// reads no clock: identical inputs yield identical outcomes.
type Engine struct {
	t      Thresholds
	policy *ReviewPolicy
}

// NewEngine builds an engine. A nil policy disables the review hook.
func NewEngine(t Thresholds, policy *ReviewPolicy) *Engine {
	return &Engine{t: t, policy: policy}
}

// Decide applies the rules top to bottom; the first match wins.
func (e *Engine) Decide(in Input) Outcome {
	out := Outcome{HumanReviewRequired: true}
	c, f, k := in.Confidence, in.FraudRisk, len(in.Contradictions)

	switch {
	case f >= e.t.FraudDetected:
		out.Verdict = claims.VerdictFraudDetected
	case c >= e.t.AutoApproveConfidence && k == 0 && f < e.t.AutoApproveFraudMax:
		out.Verdict = claims.VerdictAutoApproved
		out.AutoApproved = true
		out.HumanReviewRequired = false
	case c >= e.t.ApprovedWithReviewMin && k == 0:
		out.Verdict = claims.VerdictApprovedWithReview
	case c >= e.t.NeedsReviewMin:
		out.Verdict = claims.VerdictNeedsReview
	case c >= e.t.NeedsMoreDataMin:
		out.Verdict = claims.VerdictNeedsMoreData
	default:
		out.Verdict = claims.VerdictInsufficientData
	}

	// The review policy only runs against auto-approval candidates and can
	// only downgrade them. A policy error fails closed.
	if e.policy != nil && out.Verdict == claims.VerdictAutoApproved {
		forced, err := e.policy.ForcesReview(in)
		if forced || err != nil {
			out.Verdict = claims.VerdictApprovedWithReview
			out.AutoApproved = false
			out.HumanReviewRequired = true
			if err != nil {
				out.ReviewReasons = append(out.ReviewReasons, "review policy error: "+err.Error())
			} else {
				out.ReviewReasons = append(out.ReviewReasons, "review policy matched")
			}
		}
	}

	if out.Verdict != claims.VerdictAutoApproved {
		out.ReviewReasons = append(out.ReviewReasons, e.reviewReasons(in)...)
	}
	switch out.Verdict {
	case claims.VerdictNeedsMoreData, claims.VerdictInsufficientData:
		out.RequestedData = requestedData(in)
	}
	return out
}

// reviewReasons names each rule that kept the claim from auto-approval.
func (e *Engine) reviewReasons(in Input) []string {
	var out []string
	if in.Confidence < e.t.AutoApproveConfidence {
		out = append(out, fmt.Sprintf("confidence %.2f below auto-approval threshold %.2f",
			in.Confidence, e.t.AutoApproveConfidence))
	}
	if n := len(in.Contradictions); n > 0 {
		out = append(out, fmt.Sprintf("%d contradiction(s) between evidence sources", n))
	}
	if in.FraudRisk >= e.t.AutoApproveFraudMax {
		out = append(out, fmt.Sprintf("fraud risk %.2f at or above %.2f",
			in.FraudRisk, e.t.AutoApproveFraudMax))
	}
	if len(in.MissingEvidence) > 0 {
		out = append(out, "missing evidence: "+strings.Join(in.MissingEvidence, ", "))
	}
	return out
}

// requestedData maps missing-evidence tags onto evidence kinds; when the
// reasoning stage reported none it defaults to the kinds that produced no
// stage result this run.
func requestedData(in Input) []string {
	if len(in.MissingEvidence) > 0 {
		seen := make(map[string]bool, len(in.MissingEvidence))
		out := make([]string, 0, len(in.MissingEvidence))
		for _, tag := range in.MissingEvidence {
			kind := strings.TrimPrefix(tag, "valid_")
			if !seen[kind] {
				seen[kind] = true
				out = append(out, kind)
			}
		}
		return out
	}

	present := make(map[claims.EvidenceKind]bool, len(in.EvidencePresent))
	for _, k := range in.EvidencePresent {
		present[k] = true
	}
	var out []string
	for _, k := range []claims.EvidenceKind{claims.EvidenceDocument, claims.EvidenceImage} {
		if !present[k] {
			out = append(out, string(k))
		}
	}
	return out
}
