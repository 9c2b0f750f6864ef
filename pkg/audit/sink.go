// Package audit is the durable write path of the evaluation pipeline: an
// append-only sink for stage results and log entries, the terminal claim
// mutation, and the status projection read from those rows. Every write
// gets exactly one retry before the failure is surfaced.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Stillwater-Labs/clearclaim/pkg/claims"
	"github.com/Stillwater-Labs/clearclaim/pkg/store"
)

// Sink owns all claim-scoped persistence during and after an evaluation
// run. Once a claim enters EVALUATING, claim fields change only through
// CommitDecision.
type Sink struct {
	store  store.Store
	logger *slog.Logger
}

// NewSink wires a sink. A nil logger selects slog.Default.
func NewSink(st store.Store, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{store: st, logger: logger}
}

// AppendStageResult stamps the payload hash and persists the row.
func (s *Sink) AppendStageResult(ctx context.Context, r *claims.StageResult) error {
	hash, err := CanonicalHash(r.Payload)
	if err != nil {
		return fmt.Errorf("audit: hash %s payload: %w", r.Stage, err)
	}
	r.PayloadHash = hash
	return s.withRetry(ctx, "append stage result", func() error {
		return s.store.AppendStageResult(ctx, r)
	})
}

// AppendLog persists one durable pipeline log line.
func (s *Sink) AppendLog(ctx context.Context, e *claims.LogEntry) error {
	return s.withRetry(ctx, "append log entry", func() error {
		return s.store.AppendLog(ctx, e)
	})
}

// CommitDecision writes the terminal outcome of an evaluation run.
func (s *Sink) CommitDecision(ctx context.Context, c *claims.Claim) error {
	return s.withRetry(ctx, "commit decision", func() error {
		return s.store.CommitDecision(ctx, c)
	})
}

// InsertReceipt persists a paid-call receipt. The store keeps the insert
// idempotent on (claim_id, kind, payment_id).
func (s *Sink) InsertReceipt(ctx context.Context, r *claims.PaymentReceipt) error {
	return s.withRetry(ctx, "insert payment receipt", func() error {
		return s.store.InsertReceipt(ctx, r)
	})
}

// InsertSettlementGas persists the gas cost of a confirmed settlement
// transaction, idempotent per transaction hash.
func (s *Sink) InsertSettlementGas(ctx context.Context, g *claims.SettlementGas) error {
	return s.withRetry(ctx, "insert settlement gas", func() error {
		return s.store.InsertSettlementGas(ctx, g)
	})
}

// StageResults lists every stage result appended for the claim, oldest first.
func (s *Sink) StageResults(ctx context.Context, claimID string) ([]claims.StageResult, error) {
	return s.store.ListStageResults(ctx, claimID)
}

// Logs lists the claim's durable log entries ordered by timestamp.
func (s *Sink) Logs(ctx context.Context, claimID string) ([]claims.LogEntry, error) {
	return s.store.ListLogs(ctx, claimID)
}

// withRetry runs one write with a single retry. Guard errors are terminal
// immediately: a second attempt cannot change a status-machine outcome.
func (s *Sink) withRetry(ctx context.Context, op string, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	if isGuardError(err) {
		return err
	}
	s.logger.Warn("storage write failed, retrying once", "op", op, "error", err)
	if err = fn(); err != nil {
		if isGuardError(err) {
			return err
		}
		return fmt.Errorf("audit: %s failed after retry: %w", op, err)
	}
	return nil
}

func isGuardError(err error) bool {
	return errors.Is(err, store.ErrStatusConflict) ||
		errors.Is(err, store.ErrInvalidTransition) ||
		errors.Is(err, store.ErrNotFound)
}
