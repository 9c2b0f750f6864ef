package stage

import (
	"encoding/json"

	"github.com/Stillwater-Labs/clearclaim/pkg/claims"
)

// RiskLevel buckets a fraud score.
type RiskLevel string

// Risk levels.
const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// RiskLevelFor derives the bucket from a score. The derivation is owned by
// the fraud stage; model-reported levels are never trusted.
func RiskLevelFor(score float64) RiskLevel {
	switch {
	case score < 0.3:
		return RiskLow
	case score < 0.7:
		return RiskMedium
	default:
		return RiskHigh
	}
}

// Severity grades image damage.
type Severity string

// Severity grades, least to most severe.
const (
	SeverityMinor    Severity = "minor"
	SeverityModerate Severity = "moderate"
	SeveritySevere   Severity = "severe"
	SeverityTotal    Severity = "total"
)

var severityRank = map[Severity]int{
	SeverityMinor:    0,
	SeverityModerate: 1,
	SeveritySevere:   2,
	SeverityTotal:    3,
}

// MaxSeverity returns the more severe of two grades. Unknown grades rank
// below minor so garbage never wins the aggregation.
func MaxSeverity(a, b Severity) Severity {
	ra, aKnown := severityRank[a]
	rb, bKnown := severityRank[b]
	switch {
	case aKnown && bKnown:
		if rb > ra {
			return b
		}
		return a
	case aKnown:
		return a
	case bKnown:
		return b
	default:
		return SeverityMinor
	}
}

// PayloadConfidence extracts the stage-specific confidence slot from a
// payload, if present and numeric.
func PayloadConfidence(tag claims.StageTag, payload map[string]any) *float64 {
	var v float64
	var ok bool
	switch tag {
	case claims.StageDocument:
		meta, found := getMap(payload, "metadata")
		if !found {
			return nil
		}
		v, ok = getFloat(meta, "confidence")
	case claims.StageReasoning:
		v, ok = getFloat(payload, "final_confidence")
	default:
		v, ok = getFloat(payload, "confidence")
	}
	if !ok {
		return nil
	}
	return &v
}

// asRatio normalizes a parsed number to [0,1], reading values in (1,100]
// as percentages. Models quote confidence both ways.
func asRatio(v float64) float64 {
	if v > 1 && v <= 100 {
		return v / 100
	}
	return clamp01(v)
}

// clamp01 bounds v to [0,1].
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Tolerant payload accessors. Stage payloads cross a JSON boundary, so
// numbers may arrive as float64 or json-decoded ints.

func getFloat(m map[string]any, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func getString(m map[string]any, key string) (string, bool) {
	s, ok := m[key].(string)
	return s, ok
}

func getBool(m map[string]any, key string) (bool, bool) {
	b, ok := m[key].(bool)
	return b, ok
}

func getMap(m map[string]any, key string) (map[string]any, bool) {
	sub, ok := m[key].(map[string]any)
	return sub, ok
}

func getStrings(m map[string]any, key string) []string {
	raw, ok := m[key].([]any)
	if !ok {
		if typed, ok := m[key].([]string); ok {
			return typed
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
