package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Stillwater-Labs/clearclaim/pkg/claims"
	"github.com/Stillwater-Labs/clearclaim/pkg/llm"
	"github.com/Stillwater-Labs/clearclaim/pkg/schema"
)

// scriptedLLM replays canned replies in call order.
type scriptedLLM struct {
	mu      sync.Mutex
	replies []string
	err     error
	calls   int
}

func (s *scriptedLLM) Analyze(_ context.Context, _ string, _ []llm.Part) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	if s.calls >= len(s.replies) {
		return "", fmt.Errorf("scripted llm: no reply for call %d", s.calls)
	}
	reply := s.replies[s.calls]
	s.calls++
	return reply, nil
}

// stubVerifier answers every paid call with a fixed body or error.
type stubVerifier struct {
	body json.RawMessage
	err  error
}

func (s *stubVerifier) CallVerifier(context.Context, string, claims.VerifierKind, map[string]any) (json.RawMessage, error) {
	return s.body, s.err
}

// memorySink collects persisted rows, optionally failing on demand.
type memorySink struct {
	mu          sync.Mutex
	results     []*claims.StageResult
	logs        []*claims.LogEntry
	failResults bool
	failLogs    bool
}

func (m *memorySink) AppendStageResult(_ context.Context, r *claims.StageResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failResults {
		return errors.New("sink down")
	}
	m.results = append(m.results, r)
	return nil
}

func (m *memorySink) AppendLog(_ context.Context, e *claims.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failLogs {
		return errors.New("sink down")
	}
	m.logs = append(m.logs, e)
	return nil
}

func (m *memorySink) messages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.logs))
	for i, e := range m.logs {
		out[i] = string(e.Level) + " " + e.Message
	}
	return out
}

// fakeStage reports the image tag so the executor validates it against a
// real schema.
type fakeStage struct {
	payload map[string]any
	err     error
	run     func(ctx context.Context, in *Input) (map[string]any, error)
}

func (f *fakeStage) Tag() claims.StageTag { return claims.StageImage }

func (f *fakeStage) Run(ctx context.Context, in *Input) (map[string]any, error) {
	if f.run != nil {
		return f.run(ctx, in)
	}
	return f.payload, f.err
}

func (f *fakeStage) Fallback(_ *Input, cause error) map[string]any {
	return (&ImageStage{}).Fallback(nil, cause)
}

func (f *fakeStage) Defaults() map[string]any {
	return (&ImageStage{}).Defaults()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestExecutor(t *testing.T, sink ResultSink, timeout time.Duration) *Executor {
	t.Helper()
	v, err := schema.NewValidator()
	require.NoError(t, err)
	return NewExecutor(v, sink, timeout, quietLogger())
}

func testInput() *Input {
	claim := claims.New(
		"0x1111111111111111111111111111111111111111",
		decimal.NewFromFloat(3500),
		"rear bumper damage after parking collision",
	)
	return &Input{Claim: claim}
}

func validImage() map[string]any {
	return map[string]any{
		"damage_type":    "collision",
		"severity":       "moderate",
		"affected_parts": []any{"bumper"},
		"estimated_cost": 1200.0,
		"confidence":     0.92,
		"valid":          true,
	}
}

func TestExecutorPersistsValidPayload(t *testing.T) {
	sink := &memorySink{}
	ex := newTestExecutor(t, sink, 0)
	in := testInput()

	result, err := ex.Run(context.Background(), &fakeStage{payload: validImage()}, in)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, in.Claim.ID, result.ClaimID)
	assert.Equal(t, claims.StageImage, result.Stage)
	require.NotNil(t, result.Confidence)
	assert.InDelta(t, 0.92, *result.Confidence, 1e-9)

	require.Len(t, sink.results, 1)
	msgs := sink.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "INFO starting image", msgs[0])
	assert.Equal(t, "INFO image completed, confidence=0.92", msgs[1])
}

func TestExecutorRepairsMissingRequiredSlots(t *testing.T) {
	sink := &memorySink{}
	ex := newTestExecutor(t, sink, 0)

	st := &fakeStage{payload: map[string]any{
		"damage_type": "collision",
		"severity":    "moderate",
		"valid":       true,
	}}

	result, err := ex.Run(context.Background(), st, testInput())
	require.NoError(t, err)
	require.NotNil(t, result.Confidence)
	assert.Zero(t, *result.Confidence)

	msgs := sink.messages()
	require.Len(t, msgs, 3)
	assert.Contains(t, msgs[1], "WARNING schema repair applied")
	assert.Contains(t, msgs[1], "confidence")
	assert.Equal(t, "INFO image completed, confidence=0.00", msgs[2])
}

func TestExecutorFallsBackOnStageError(t *testing.T) {
	sink := &memorySink{}
	ex := newTestExecutor(t, sink, 0)

	st := &fakeStage{err: fmt.Errorf("analyze: %w", llm.ErrUnavailable)}

	result, err := ex.Run(context.Background(), st, testInput())
	require.NoError(t, err)
	assert.Equal(t, false, result.Payload["valid"])
	assert.Equal(t, "unknown", result.Payload["damage_type"])

	msgs := sink.messages()
	require.Len(t, msgs, 3)
	assert.Contains(t, msgs[1], "ERROR image failed (transient)")
	assert.Contains(t, msgs[2], "confidence=0.00")
	require.Len(t, sink.results, 1)
}

func TestExecutorFallsBackOnUnrepairablePayload(t *testing.T) {
	sink := &memorySink{}
	ex := newTestExecutor(t, sink, 0)

	payload := validImage()
	payload["notes"] = 42 // wrong type, no repair default registered

	result, err := ex.Run(context.Background(), &fakeStage{payload: payload}, testInput())
	require.NoError(t, err)
	assert.Equal(t, false, result.Payload["valid"])

	msgs := sink.messages()
	require.Len(t, msgs, 3)
	assert.Contains(t, msgs[1], "ERROR image failed (transient)")
	assert.Contains(t, msgs[1], "schema validation failed")
}

func TestExecutorAppliesStageDeadline(t *testing.T) {
	sink := &memorySink{}
	ex := newTestExecutor(t, sink, 10*time.Millisecond)

	st := &fakeStage{run: func(ctx context.Context, _ *Input) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}

	result, err := ex.Run(context.Background(), st, testInput())
	require.NoError(t, err)
	assert.Equal(t, false, result.Payload["valid"])
	assert.Contains(t, sink.messages()[1], "transient")
}

func TestExecutorSkipsWhenAlreadyCancelled(t *testing.T) {
	sink := &memorySink{}
	ex := newTestExecutor(t, sink, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ex.Run(ctx, &fakeStage{payload: validImage()}, testInput())
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, sink.results)
	assert.Empty(t, sink.logs)
}

func TestExecutorDiscardsResultWhenCancelledMidStage(t *testing.T) {
	sink := &memorySink{}
	ex := newTestExecutor(t, sink, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := &fakeStage{run: func(context.Context, *Input) (map[string]any, error) {
		cancel()
		return validImage(), nil
	}}

	_, err := ex.Run(ctx, st, testInput())
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, sink.results)
	require.Len(t, sink.logs, 1) // only the starting entry predates the cancel
}

func TestExecutorSurfacesPersistenceFailure(t *testing.T) {
	sink := &memorySink{failResults: true}
	ex := newTestExecutor(t, sink, 0)

	_, err := ex.Run(context.Background(), &fakeStage{payload: validImage()}, testInput())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist image result")
}
