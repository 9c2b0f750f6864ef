package decision

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// ReviewPolicy is a compiled CEL predicate over the decision input.
// Expressions see confidence, fraud_risk, contradictions, missing_evidence
// and evidence_present; a true result forces human review on a claim the
// rule table would have auto-approved.
type ReviewPolicy struct {
	prg cel.Program
}

// CompileReviewPolicy compiles an expression against the decision
// environment. An empty expression yields a nil policy.
func CompileReviewPolicy(expr string) (*ReviewPolicy, error) {
	if expr == "" {
		return nil, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("confidence", cel.DoubleType),
		cel.Variable("fraud_risk", cel.DoubleType),
		cel.Variable("contradictions", cel.ListType(cel.StringType)),
		cel.Variable("missing_evidence", cel.ListType(cel.StringType)),
		cel.Variable("evidence_present", cel.ListType(cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("review policy env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("review policy compile: %w", issues.Err())
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("review policy program: %w", err)
	}
	return &ReviewPolicy{prg: prg}, nil
}

// ForcesReview evaluates the policy against one decision input. Errors are
// returned so the engine can fail closed.
func (p *ReviewPolicy) ForcesReview(in Input) (bool, error) {
	kinds := make([]string, len(in.EvidencePresent))
	for i, k := range in.EvidencePresent {
		kinds[i] = string(k)
	}
	out, _, err := p.prg.Eval(map[string]any{
		"confidence":       in.Confidence,
		"fraud_risk":       in.FraudRisk,
		"contradictions":   in.Contradictions,
		"missing_evidence": in.MissingEvidence,
		"evidence_present": kinds,
	})
	if err != nil {
		return false, fmt.Errorf("review policy eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("review policy result is %T, not bool", out.Value())
	}
	return val, nil
}
