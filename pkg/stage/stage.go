// Package stage implements the analysis stages of the claim evaluation
// pipeline (document, image, fraud, reasoning) and the executor that runs
// one stage end to end: call, validate, repair or fall back, persist, log.
package stage

import (
	"context"
	"encoding/json"

	"github.com/Stillwater-Labs/clearclaim/pkg/claims"
)

// Artifact pairs an evidence row with its loaded bytes.
type Artifact struct {
	Evidence claims.Evidence
	Data     []byte
}

// Input carries everything one stage invocation may consume. Extraction
// stages read Artifacts; fraud and reasoning read Prior, the payloads of
// stages that already completed in this run.
type Input struct {
	Claim     *claims.Claim
	Artifacts []Artifact
	Evidence  []claims.Evidence
	Prior     map[claims.StageTag]map[string]any
}

// Stage is one analysis step. Run returns the raw payload for schema
// validation; on any error the executor substitutes Fallback, which must
// always satisfy the stage's schema. Defaults supplies the deterministic
// repair values for required slots, keyed by JSON pointer.
type Stage interface {
	Tag() claims.StageTag
	Run(ctx context.Context, in *Input) (map[string]any, error)
	Fallback(in *Input, cause error) map[string]any
	Defaults() map[string]any
}

// VerifierCaller performs one paid call against an external verifier
// endpoint, settling a micropayment if the endpoint demands one.
type VerifierCaller interface {
	CallVerifier(ctx context.Context, claimID string, kind claims.VerifierKind, body map[string]any) (json.RawMessage, error)
}

// ResultSink receives the durable outputs of stage execution.
type ResultSink interface {
	AppendStageResult(ctx context.Context, result *claims.StageResult) error
	AppendLog(ctx context.Context, entry *claims.LogEntry) error
}
