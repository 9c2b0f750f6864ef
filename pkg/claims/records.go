package claims

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// StageTag names an analysis stage. The orchestrator tag is reserved for
// pipeline-level log entries that belong to no single stage.
type StageTag string

// Stage tags.
const (
	StageDocument     StageTag = "document"
	StageImage        StageTag = "image"
	StageFraud        StageTag = "fraud"
	StageReasoning    StageTag = "reasoning"
	StageOrchestrator StageTag = "orchestrator"
)

// StageResult is one stage's full structured payload for one evaluation run.
// Rows are append-only: re-evaluating a claim adds results, never replaces.
type StageResult struct {
	ID         string         `json:"id"`
	ClaimID    string         `json:"claim_id"`
	Stage      StageTag       `json:"stage"`
	Payload    map[string]any `json:"payload"`
	Confidence *float64       `json:"confidence,omitempty"`
	// PayloadHash is the SHA-256 of the canonical (RFC 8785) payload form.
	PayloadHash string    `json:"payload_hash,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewStageResult builds an unpersisted stage result row.
func NewStageResult(claimID string, stage StageTag, payload map[string]any, confidence *float64) *StageResult {
	return &StageResult{
		ID:         uuid.New().String(),
		ClaimID:    claimID,
		Stage:      stage,
		Payload:    payload,
		Confidence: confidence,
		CreatedAt:  time.Now().UTC(),
	}
}

// LogLevel classifies durable pipeline log entries.
type LogLevel string

// Log levels.
const (
	LogInfo    LogLevel = "INFO"
	LogWarning LogLevel = "WARNING"
	LogError   LogLevel = "ERROR"
)

// LogEntry is an append-only, per-claim log line written by the pipeline.
type LogEntry struct {
	ID        string         `json:"id"`
	ClaimID   string         `json:"claim_id"`
	Stage     StageTag       `json:"stage"`
	Level     LogLevel       `json:"level"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewLogEntry builds an unpersisted log entry row.
func NewLogEntry(claimID string, stage StageTag, level LogLevel, message string, metadata map[string]any) *LogEntry {
	return &LogEntry{
		ID:        uuid.New().String(),
		ClaimID:   claimID,
		Stage:     stage,
		Level:     level,
		Message:   message,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
}

// VerifierKind names a paid verifier endpoint.
type VerifierKind string

// Verifier kinds.
const (
	VerifierDocument VerifierKind = "document"
	VerifierImage    VerifierKind = "image"
	VerifierFraud    VerifierKind = "fraud"
)

// PaymentReceipt records one settled micropayment for a verifier call.
// Insertion is idempotent on (claim_id, kind, payment_id).
type PaymentReceipt struct {
	ID           string          `json:"id"`
	ClaimID      string          `json:"claim_id"`
	Kind         VerifierKind    `json:"kind"`
	Amount       decimal.Decimal `json:"amount"`
	PaymentID    string          `json:"payment_id"`
	ReceiptToken string          `json:"receipt_token"`
	CreatedAt    time.Time       `json:"created_at"`
}

// NewPaymentReceipt builds an unpersisted receipt row.
func NewPaymentReceipt(claimID string, kind VerifierKind, amount decimal.Decimal, paymentID, token string) *PaymentReceipt {
	return &PaymentReceipt{
		ID:           uuid.New().String(),
		ClaimID:      claimID,
		Kind:         kind,
		Amount:       amount,
		PaymentID:    paymentID,
		ReceiptToken: token,
		CreatedAt:    time.Now().UTC(),
	}
}

// SettlementGas records the observed cost of a confirmed settlement
// transaction. TxHash is unique; capture is idempotent per hash.
type SettlementGas struct {
	ID           string          `json:"id"`
	ClaimID      string          `json:"claim_id"`
	TxHash       string          `json:"tx_hash"`
	GasUsed      uint64          `json:"gas_used"`
	GasPriceWei  string          `json:"gas_price_wei"`
	TotalCostWei string          `json:"total_cost_wei"`
	TotalCostEth decimal.Decimal `json:"total_cost_eth"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ExpectedStages lists the stages one evaluation run will execute for the
// given evidence mix: an extraction stage per evidence kind present, then
// fraud and reasoning unconditionally.
func ExpectedStages(hasDocument, hasImage bool) []StageTag {
	var stages []StageTag
	if hasDocument {
		stages = append(stages, StageDocument)
	}
	if hasImage {
		stages = append(stages, StageImage)
	}
	return append(stages, StageFraud, StageReasoning)
}
