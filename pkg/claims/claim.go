// Package claims defines the domain model for insurance claim adjudication:
// the claim record itself, its evidence artifacts, and the append-only rows
// (stage results, log entries, payment receipts, settlement gas) produced
// while a claim is evaluated.
package claims

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is a claim's lifecycle state.
type Status string

// Claim lifecycle states.
const (
	StatusSubmitted    Status = "SUBMITTED"
	StatusEvaluating   Status = "EVALUATING"
	StatusApproved     Status = "APPROVED"
	StatusSettled      Status = "SETTLED"
	StatusNeedsReview  Status = "NEEDS_REVIEW"
	StatusAwaitingData Status = "AWAITING_DATA"
	StatusRejected     Status = "REJECTED"
)

// Verdict is the decision engine's terminal judgment for one evaluation run.
type Verdict string

// Verdict values, ordered by rule priority.
const (
	VerdictFraudDetected      Verdict = "FRAUD_DETECTED"
	VerdictAutoApproved       Verdict = "AUTO_APPROVED"
	VerdictApprovedWithReview Verdict = "APPROVED_WITH_REVIEW"
	VerdictNeedsReview        Verdict = "NEEDS_REVIEW"
	VerdictNeedsMoreData      Verdict = "NEEDS_MORE_DATA"
	VerdictInsufficientData   Verdict = "INSUFFICIENT_DATA"
)

// Claim is the unit of adjudication. Monetary fields use decimal values with
// two fractional digits; confidence and fraud risk live in [0,1] whenever set.
//
//nolint:govet // fieldalignment: struct layout groups fields by meaning
type Claim struct {
	ID              string          `json:"id"`
	ClaimantAddress string          `json:"claimant_address"`
	Amount          decimal.Decimal `json:"amount"`
	Description     string          `json:"description"`
	Status          Status          `json:"status"`

	// Decision outputs, unset until an evaluation completes.
	Verdict             Verdict          `json:"verdict,omitempty"`
	Confidence          *float64         `json:"confidence,omitempty"`
	ApprovedAmount      *decimal.Decimal `json:"approved_amount,omitempty"`
	FraudRisk           *float64         `json:"fraud_risk,omitempty"`
	Contradictions      []string         `json:"contradictions,omitempty"`
	RequestedData       []string         `json:"requested_data,omitempty"`
	ReviewReasons       []string         `json:"review_reasons,omitempty"`
	AutoApproved        bool             `json:"auto_approved"`
	AutoSettled         bool             `json:"auto_settled"`
	DecisionOverridden  bool             `json:"decision_overridden"`
	HumanReviewRequired bool             `json:"human_review_required"`

	// Settlement outputs.
	SettlementTxHash *string `json:"settlement_tx_hash,omitempty"`

	// ProcessingCost is the running sum of paid-call receipt amounts for
	// this claim. It never decreases.
	ProcessingCost decimal.Decimal `json:"processing_cost"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates a claim in SUBMITTED state with a fresh identifier.
func New(claimantAddress string, amount decimal.Decimal, description string) *Claim {
	now := time.Now().UTC()
	return &Claim{
		ID:              uuid.New().String(),
		ClaimantAddress: claimantAddress,
		Amount:          amount,
		Description:     description,
		Status:          StatusSubmitted,
		ProcessingCost:  decimal.Zero,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// statusTransitions is the full state machine. Evaluation moves a claim from
// SUBMITTED or NEEDS_REVIEW into EVALUATING; the verdict selects the terminal
// state; AWAITING_DATA re-opens on new evidence; a stuck EVALUATING claim may
// be reset to SUBMITTED.
var statusTransitions = map[Status][]Status{
	StatusSubmitted:   {StatusEvaluating},
	StatusNeedsReview: {StatusEvaluating},
	StatusEvaluating: {
		StatusApproved,
		StatusSettled,
		StatusNeedsReview,
		StatusAwaitingData,
		StatusRejected,
		StatusSubmitted, // stuck-evaluation reset
	},
	StatusAwaitingData: {StatusSubmitted},
	StatusApproved:     {},
	StatusSettled:      {},
	StatusRejected:     {},
}

// CanTransitionTo reports whether the state machine permits s -> next.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Evaluable reports whether a claim in this status may enter an evaluation run.
func (s Status) Evaluable() bool {
	return s == StatusSubmitted || s == StatusNeedsReview
}

// Terminal reports whether the status ends the claim's lifecycle.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusSettled || s == StatusRejected
}

// TerminalStatus maps a verdict to the claim status it commits. For
// AUTO_APPROVED the status depends on whether settlement actually completed.
func TerminalStatus(v Verdict, settled bool) Status {
	switch v {
	case VerdictAutoApproved:
		if settled {
			return StatusSettled
		}
		return StatusApproved
	case VerdictApprovedWithReview:
		return StatusApproved
	case VerdictNeedsReview:
		return StatusNeedsReview
	case VerdictNeedsMoreData, VerdictInsufficientData:
		return StatusAwaitingData
	case VerdictFraudDetected:
		return StatusRejected
	default:
		return StatusNeedsReview
	}
}
