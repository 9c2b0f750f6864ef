package claims

import (
	"time"

	"github.com/google/uuid"
)

// EvidenceKind names the two artifact classes the pipeline analyzes.
type EvidenceKind string

// Evidence kinds. Additional kinds are out of scope for the core pipeline.
const (
	EvidenceDocument EvidenceKind = "document"
	EvidenceImage    EvidenceKind = "image"
)

// Evidence is one claimant-submitted artifact attached to a claim. The
// storage path is opaque to the pipeline; the blob store resolves it.
type Evidence struct {
	ID          string         `json:"id"`
	ClaimID     string         `json:"claim_id"`
	Kind        EvidenceKind   `json:"kind"`
	StoragePath string         `json:"storage_path"`
	MimeType    string         `json:"mime_type"`
	SizeBytes   int64          `json:"size_bytes"`
	Analysis    map[string]any `json:"analysis,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// NewEvidence creates an evidence row for a stored artifact.
func NewEvidence(claimID string, kind EvidenceKind, storagePath, mimeType string, sizeBytes int64) *Evidence {
	return &Evidence{
		ID:          uuid.New().String(),
		ClaimID:     claimID,
		Kind:        kind,
		StoragePath: storagePath,
		MimeType:    mimeType,
		SizeBytes:   sizeBytes,
		CreatedAt:   time.Now().UTC(),
	}
}

// KindPresent reports whether any artifact of the given kind exists in the set.
func KindPresent(evidence []Evidence, kind EvidenceKind) bool {
	for i := range evidence {
		if evidence[i].Kind == kind {
			return true
		}
	}
	return false
}

// OfKind filters the evidence set down to one kind, preserving order.
func OfKind(evidence []Evidence, kind EvidenceKind) []Evidence {
	var out []Evidence
	for i := range evidence {
		if evidence[i].Kind == kind {
			out = append(out, evidence[i])
		}
	}
	return out
}
