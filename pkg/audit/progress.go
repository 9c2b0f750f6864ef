package audit

import (
	"context"
	"fmt"

	"github.com/Stillwater-Labs/clearclaim/pkg/claims"
)

// Progress is the status projection served to clients. Expected stages
// follow from the evidence mix; a stage counts as completed once any result
// row exists for it.
type Progress struct {
	ClaimID            string            `json:"claim_id"`
	Status             claims.Status     `json:"status"`
	CompletedStages    []claims.StageTag `json:"completed_stages"`
	PendingStages      []claims.StageTag `json:"pending_stages"`
	ProgressPercentage float64           `json:"progress_percentage"`
}

// Progress projects the claim's evaluation state from its stored rows.
func (s *Sink) Progress(ctx context.Context, claimID string) (*Progress, error) {
	claim, err := s.store.GetClaim(ctx, claimID)
	if err != nil {
		return nil, err
	}
	evidence, err := s.store.ListEvidence(ctx, claimID)
	if err != nil {
		return nil, fmt.Errorf("audit: list evidence: %w", err)
	}
	results, err := s.store.ListStageResults(ctx, claimID)
	if err != nil {
		return nil, fmt.Errorf("audit: list stage results: %w", err)
	}

	done := make(map[claims.StageTag]bool, len(results))
	for i := range results {
		done[results[i].Stage] = true
	}

	expected := claims.ExpectedStages(
		claims.KindPresent(evidence, claims.EvidenceDocument),
		claims.KindPresent(evidence, claims.EvidenceImage),
	)
	completed := make([]claims.StageTag, 0, len(expected))
	pending := make([]claims.StageTag, 0, len(expected))
	for _, tag := range expected {
		if done[tag] {
			completed = append(completed, tag)
		} else {
			pending = append(pending, tag)
		}
	}

	return &Progress{
		ClaimID:            claimID,
		Status:             claim.Status,
		CompletedStages:    completed,
		PendingStages:      pending,
		ProgressPercentage: float64(len(completed)) / float64(len(expected)) * 100,
	}, nil
}
