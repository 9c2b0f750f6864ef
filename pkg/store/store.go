// Package store persists claims, their evidence, and the append-only rows
// written during evaluation. One SQL implementation serves both Postgres
// and SQLite; an in-memory implementation backs tests.
package store

import (
	"context"
	"errors"

	"github.com/Stillwater-Labs/clearclaim/pkg/claims"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrStatusConflict is returned when a guarded status update matches no
	// row: the claim moved to another status concurrently.
	ErrStatusConflict = errors.New("store: claim status conflict")

	// ErrInvalidTransition is returned for status pairs the claim state
	// machine does not permit.
	ErrInvalidTransition = errors.New("store: invalid status transition")
)

// Store is the persistence surface of the evaluation pipeline. Stage
// results, log entries, receipts, and gas rows are append-only; claim
// mutations after evaluation begins go through TransitionStatus and
// CommitDecision only.
type Store interface {
	CreateClaim(ctx context.Context, c *claims.Claim) error
	GetClaim(ctx context.Context, id string) (*claims.Claim, error)
	// DeleteClaim removes the claim and every dependent row.
	DeleteClaim(ctx context.Context, id string) error
	// TransitionStatus moves a claim from one status to another only when
	// the row still holds the expected current status.
	TransitionStatus(ctx context.Context, id string, from, to claims.Status) error
	// CommitDecision writes the full decision outcome of an evaluation run
	// in a single transaction, recomputing the claim's processing cost as
	// the sum of its receipt amounts. The claim must still be EVALUATING.
	CommitDecision(ctx context.Context, c *claims.Claim) error

	// AddEvidence inserts an artifact row. When the claim sits in
	// AWAITING_DATA the same transaction returns it to SUBMITTED and
	// clears the requested-data tags.
	AddEvidence(ctx context.Context, ev *claims.Evidence) error
	GetEvidence(ctx context.Context, claimID, evidenceID string) (*claims.Evidence, error)
	ListEvidence(ctx context.Context, claimID string) ([]claims.Evidence, error)
	UpdateEvidenceAnalysis(ctx context.Context, evidenceID string, analysis map[string]any) error

	AppendStageResult(ctx context.Context, r *claims.StageResult) error
	ListStageResults(ctx context.Context, claimID string) ([]claims.StageResult, error)
	AppendLog(ctx context.Context, e *claims.LogEntry) error
	ListLogs(ctx context.Context, claimID string) ([]claims.LogEntry, error)

	// InsertReceipt is idempotent on (claim_id, kind, payment_id).
	InsertReceipt(ctx context.Context, r *claims.PaymentReceipt) error
	ListReceipts(ctx context.Context, claimID string) ([]claims.PaymentReceipt, error)

	// InsertSettlementGas is idempotent on the transaction hash.
	InsertSettlementGas(ctx context.Context, g *claims.SettlementGas) error
	ListSettlementGas(ctx context.Context, claimID string) ([]claims.SettlementGas, error)
}
