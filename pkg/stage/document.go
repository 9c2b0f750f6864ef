package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Stillwater-Labs/clearclaim/pkg/claims"
	"github.com/Stillwater-Labs/clearclaim/pkg/llm"
)

const documentPrompt = `You are an insurance claim document analyst. Extract structured data from the attached document. Respond with only a JSON object of this shape:
{
  "document_classification": {"category": "invoice|estimate|report|receipt|other", "structure": "structured|semi_structured|unstructured", "has_tables": false, "has_line_items": false, "primary_content_type": "text|table|mixed"},
  "extracted_fields": {"amount": 0.0, "date": "", "vendor": ""},
  "line_items": [{"item_name": "", "quantity": 0, "unit_price": 0.0, "total": 0.0}],
  "tables": [{"headers": [], "rows": [], "summary": ""}],
  "metadata": {"confidence": 0.0, "extraction_method": "vision", "notes": ""},
  "valid": true
}
Set valid to false if the document is unreadable or unrelated to an insurance claim.`

// DocumentStage extracts structured fields from document evidence. Every
// artifact is analyzed independently; the results aggregate per the rules
// in aggregateDocuments. A nil verifier disables the paid pre-check.
type DocumentStage struct {
	client   llm.Client
	model    string
	verifier VerifierCaller
}

// NewDocumentStage wires the stage.
func NewDocumentStage(client llm.Client, model string, verifier VerifierCaller) *DocumentStage {
	return &DocumentStage{client: client, model: model, verifier: verifier}
}

// Tag implements Stage.
func (s *DocumentStage) Tag() claims.StageTag { return claims.StageDocument }

// Run implements Stage.
func (s *DocumentStage) Run(ctx context.Context, in *Input) (map[string]any, error) {
	if len(in.Artifacts) == 0 {
		return nil, fmt.Errorf("document stage: no artifacts")
	}

	var verification any
	if s.verifier != nil {
		body := map[string]any{
			"claim_id":      in.Claim.ID,
			"document_path": in.Artifacts[0].Evidence.StoragePath,
		}
		raw, err := s.verifier.CallVerifier(ctx, in.Claim.ID, claims.VerifierDocument, body)
		if err != nil {
			return nil, fmt.Errorf("document verifier: %w", err)
		}
		_ = json.Unmarshal(raw, &verification)
	}

	var subs []map[string]any
	var lastErr error
	for _, art := range in.Artifacts {
		payload, err := s.analyzeOne(ctx, art)
		if err != nil {
			lastErr = err
			continue
		}
		subs = append(subs, payload)
	}
	if len(subs) == 0 {
		return nil, fmt.Errorf("document stage: all %d artifacts failed: %w", len(in.Artifacts), lastErr)
	}

	agg := aggregateDocuments(subs)
	if verification != nil {
		agg["verification"] = verification
	}
	return agg, nil
}

func (s *DocumentStage) analyzeOne(ctx context.Context, art Artifact) (map[string]any, error) {
	text, err := s.client.Analyze(ctx, s.model, []llm.Part{
		llm.TextPart(documentPrompt),
		llm.BlobPart(art.Evidence.MimeType, art.Data),
	})
	if err != nil {
		return nil, fmt.Errorf("analyze %s: %w", art.Evidence.ID, err)
	}

	if payload, ok := llm.ParseObject(text); ok {
		return payload, nil
	}
	return documentFromText(text), nil
}

// documentFromText is the text-heuristics layer: when no JSON object can be
// recovered, scan the prose for an amount and a confidence.
func documentFromText(text string) map[string]any {
	fields := map[string]any{}
	valid := false
	if amount, ok := llm.FindNumber(text, "total amount", "amount due", "total", "amount"); ok {
		fields["amount"] = amount
		valid = true
	}
	confidence := 0.0
	if c, ok := llm.FindNumber(text, "confidence"); ok {
		confidence = asRatio(c)
	} else if valid {
		confidence = 0.5
	}
	return map[string]any{
		"document_classification": map[string]any{
			"category":             "other",
			"structure":            "unstructured",
			"has_tables":           false,
			"has_line_items":       false,
			"primary_content_type": "text",
		},
		"extracted_fields": fields,
		"line_items":       []any{},
		"tables":           []any{},
		"metadata": map[string]any{
			"confidence":        confidence,
			"extraction_method": "text_heuristics",
			"notes":             llm.Fingerprint(text, 120),
		},
		"valid": valid,
	}
}

// aggregateDocuments merges per-artifact results: extracted fields union
// (first artifact wins on key conflicts), averaged confidence, valid if any
// sub-result is valid, line items and tables concatenated, classification
// taken from the most confident sub-result.
func aggregateDocuments(subs []map[string]any) map[string]any {
	if len(subs) == 1 {
		return subs[0]
	}

	fields := map[string]any{}
	var lineItems, tables []any
	var confSum float64
	var notes []string
	valid := false

	bestIdx := 0
	bestConf := -1.0
	for i, sub := range subs {
		if sf, ok := getMap(sub, "extracted_fields"); ok {
			for k, v := range sf {
				if _, exists := fields[k]; !exists {
					fields[k] = v
				}
			}
		}
		if items, ok := sub["line_items"].([]any); ok {
			lineItems = append(lineItems, items...)
		}
		if tbls, ok := sub["tables"].([]any); ok {
			tables = append(tables, tbls...)
		}
		if v, ok := getBool(sub, "valid"); ok && v {
			valid = true
		}

		conf := 0.0
		if meta, ok := getMap(sub, "metadata"); ok {
			if c, ok := getFloat(meta, "confidence"); ok {
				conf = c
			}
			if n, ok := getString(meta, "notes"); ok && n != "" {
				notes = append(notes, n)
			}
		}
		confSum += conf
		if conf > bestConf {
			bestConf = conf
			bestIdx = i
		}
	}

	classification := map[string]any{}
	if cls, ok := getMap(subs[bestIdx], "document_classification"); ok {
		classification = cls
	}
	if lineItems == nil {
		lineItems = []any{}
	}
	if tables == nil {
		tables = []any{}
	}

	return map[string]any{
		"document_classification": classification,
		"extracted_fields":        fields,
		"line_items":              lineItems,
		"tables":                  tables,
		"metadata": map[string]any{
			"confidence":        confSum / float64(len(subs)),
			"extraction_method": "multi_document",
			"notes":             strings.Join(notes, "; "),
		},
		"valid": valid,
	}
}

// Fallback implements Stage: a well-formed payload that marks the extraction
// unusable without failing the pipeline.
func (s *DocumentStage) Fallback(in *Input, cause error) map[string]any {
	return map[string]any{
		"document_classification": map[string]any{
			"category":             "unknown",
			"structure":            "unknown",
			"has_tables":           false,
			"has_line_items":       false,
			"primary_content_type": "unknown",
		},
		"extracted_fields": map[string]any{},
		"line_items":       []any{},
		"tables":           []any{},
		"metadata": map[string]any{
			"confidence":        0.0,
			"extraction_method": "fallback",
			"notes":             firstLine(cause),
		},
		"valid": false,
	}
}

// Defaults implements Stage.
func (s *DocumentStage) Defaults() map[string]any {
	return map[string]any{
		"/document_classification": map[string]any{},
		"/extracted_fields":        map[string]any{},
		"/metadata":                map[string]any{"confidence": 0.0},
		"/metadata/confidence":     0.0,
		"/valid":                   false,
	}
}

// firstLine renders the first line of an error for log entries and notes.
func firstLine(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return msg
}
