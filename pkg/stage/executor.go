package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Stillwater-Labs/clearclaim/pkg/claims"
	"github.com/Stillwater-Labs/clearclaim/pkg/llm"
	"github.com/Stillwater-Labs/clearclaim/pkg/schema"
)

// DefaultTimeout bounds a single stage call.
const DefaultTimeout = 60 * time.Second

// ErrUnusableReply marks model output that defeated every parser layer.
var ErrUnusableReply = errors.New("unusable model reply")

// Executor runs one stage end to end: announce it, call it under a
// deadline, validate and repair the payload, substitute the fallback on
// failure, persist the result, announce completion. Stages are single-shot;
// the executor never retries.
type Executor struct {
	validator *schema.Validator
	sink      ResultSink
	timeout   time.Duration
	logger    *slog.Logger
}

// NewExecutor wires an executor. A zero timeout selects DefaultTimeout; a
// nil logger selects slog.Default.
func NewExecutor(validator *schema.Validator, sink ResultSink, timeout time.Duration, logger *slog.Logger) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{validator: validator, sink: sink, timeout: timeout, logger: logger}
}

// Run executes one stage for one claim. The returned error is non-nil only
// for cancellation (in which case nothing new was persisted) and for
// persistence failures; stage call and validation failures are absorbed
// into the fallback payload and the pipeline continues.
func (e *Executor) Run(ctx context.Context, st Stage, in *Input) (*claims.StageResult, error) {
	tag := st.Tag()
	logger := e.logger.With("claim_id", in.Claim.ID, "stage", string(tag))

	if err := ctx.Err(); err != nil {
		logger.Warn("evaluation cancelled, stage skipped")
		return nil, fmt.Errorf("%s stage: %w", tag, err)
	}
	if err := e.log(ctx, in.Claim.ID, tag, claims.LogInfo, fmt.Sprintf("starting %s", tag)); err != nil {
		return nil, err
	}

	stageCtx, cancel := context.WithTimeout(ctx, e.timeout)
	payload, runErr := st.Run(stageCtx, in)
	cancel()

	// A cancelled parent is not a stage failure. Abort without persisting
	// anything new and leave recovery to the stuck-evaluation reset path.
	if err := ctx.Err(); err != nil {
		logger.Warn("evaluation cancelled mid-stage, result discarded")
		return nil, fmt.Errorf("%s stage: %w", tag, err)
	}

	if runErr == nil {
		valid, fieldErrs := e.validator.Validate(string(tag), payload)
		if !valid {
			filled, repaired := schema.Repair(payload, fieldErrs, st.Defaults())
			if repaired {
				logger.Warn("payload repaired", "filled", strings.Join(filled, ","))
				msg := fmt.Sprintf("schema repair applied: %s", summarize(fieldErrs, 3))
				if err := e.log(ctx, in.Claim.ID, tag, claims.LogWarning, msg); err != nil {
					return nil, err
				}
			} else {
				runErr = fmt.Errorf("%w: schema validation failed: %s", ErrUnusableReply, summarize(fieldErrs, 3))
			}
		}
	}

	if runErr != nil {
		logger.Error("stage failed, fallback applied", "error", firstLine(runErr))
		payload = st.Fallback(in, runErr)
		msg := fmt.Sprintf("%s failed (%s): %s", tag, classify(runErr), firstLine(runErr))
		if err := e.log(ctx, in.Claim.ID, tag, claims.LogError, msg); err != nil {
			return nil, err
		}
	}

	confidence := PayloadConfidence(tag, payload)
	result := claims.NewStageResult(in.Claim.ID, tag, payload, confidence)
	if err := e.sink.AppendStageResult(ctx, result); err != nil {
		return nil, fmt.Errorf("persist %s result: %w", tag, err)
	}

	c := 0.0
	if confidence != nil {
		c = *confidence
	}
	if err := e.log(ctx, in.Claim.ID, tag, claims.LogInfo, fmt.Sprintf("%s completed, confidence=%.2f", tag, c)); err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Executor) log(ctx context.Context, claimID string, tag claims.StageTag, level claims.LogLevel, msg string) error {
	if err := e.sink.AppendLog(ctx, claims.NewLogEntry(claimID, tag, level, msg, nil)); err != nil {
		return fmt.Errorf("append %s log: %w", tag, err)
	}
	return nil
}

// classify buckets a stage failure for the durable error log. Endpoint
// outages, deadlines and unusable replies are transient; anything else
// (unreadable evidence, bad input) is fatal for this run.
func classify(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, llm.ErrUnavailable),
		errors.Is(err, ErrUnusableReply):
		return "transient"
	default:
		return "fatal"
	}
}

// summarize renders the first max field errors for a durable log message.
func summarize(errs []schema.FieldError, max int) string {
	parts := make([]string, 0, max+1)
	for i, fe := range errs {
		if i == max {
			parts = append(parts, fmt.Sprintf("and %d more", len(errs)-max))
			break
		}
		parts = append(parts, fe.String())
	}
	return strings.Join(parts, "; ")
}
