package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ParseObject recovers a JSON object from model text. The endpoint is
// untrusted: replies arrive as bare JSON, JSON wrapped in prose, or JSON
// inside Markdown fences. Layers, cheapest first:
//
//  1. strict parse of the whole text
//  2. first fenced code block
//  3. first balanced {...} region located with a brace counter
//
// Callers layer their own text heuristics and rule-based fallbacks on top;
// ParseObject itself never fails loudly.
func ParseObject(text string) (map[string]any, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, false
	}

	if obj, ok := tryParse(trimmed); ok {
		return obj, true
	}
	if inner, ok := fencedBlock(trimmed); ok {
		if obj, ok := tryParse(inner); ok {
			return obj, true
		}
	}
	for _, candidate := range balancedObjects(trimmed, 4) {
		if obj, ok := tryParse(candidate); ok {
			return obj, true
		}
	}
	return nil, false
}

func tryParse(text string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return nil, false
	}
	return obj, obj != nil
}

// fencedBlock returns the contents of the first ``` fence, tolerating a
// language tag after the opening backticks.
func fencedBlock(text string) (string, bool) {
	start := strings.Index(text, "```")
	if start < 0 {
		return "", false
	}
	rest := text[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		firstLine := strings.TrimSpace(rest[:nl])
		if len(firstLine) <= 8 && !strings.ContainsAny(firstLine, "{}") {
			rest = rest[nl+1:]
		}
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return strings.TrimSpace(rest), true
	}
	return strings.TrimSpace(rest[:end]), true
}

// balancedObjects yields up to max top-level {...} regions, walking a brace
// counter that respects JSON strings and escapes.
func balancedObjects(text string, max int) []string {
	var out []string
	for from := 0; from < len(text) && len(out) < max; {
		start := strings.IndexByte(text[from:], '{')
		if start < 0 {
			break
		}
		start += from

		depth := 0
		inString := false
		escaped := false
		end := -1
		for i := start; i < len(text); i++ {
			ch := text[i]
			if inString {
				switch {
				case escaped:
					escaped = false
				case ch == '\\':
					escaped = true
				case ch == '"':
					inString = false
				}
				continue
			}
			switch ch {
			case '"':
				inString = true
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					end = i
				}
			}
			if end >= 0 {
				break
			}
		}
		if end < 0 {
			break
		}
		out = append(out, text[start:end+1])
		from = start + 1
	}
	return out
}

// numberPattern matches an optionally signed number with comma grouping.
const numberPattern = `(-?[0-9][0-9,]*(?:\.[0-9]+)?)`

// FindNumber scans prose for "label ... number" pairs and returns the first
// hit across the given labels. It backs the stage text heuristics when no
// JSON object can be recovered.
func FindNumber(text string, labels ...string) (float64, bool) {
	for _, label := range labels {
		re, err := regexp.Compile(`(?i)` + regexp.QuoteMeta(label) + `[^0-9\-]{0,20}\$?` + numberPattern)
		if err != nil {
			continue
		}
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		value, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
		if err != nil {
			continue
		}
		return value, true
	}
	return 0, false
}

// FindKeyword returns the first of the candidate words that appears in the
// text, case-insensitively.
func FindKeyword(text string, words ...string) (string, bool) {
	lower := strings.ToLower(text)
	for _, w := range words {
		if strings.Contains(lower, strings.ToLower(w)) {
			return w, true
		}
	}
	return "", false
}

// Fingerprint returns a short prefix of the text for log lines, collapsing
// newlines so one entry stays one line.
func Fingerprint(text string, max int) string {
	flat := strings.Join(strings.Fields(text), " ")
	if len(flat) <= max {
		return flat
	}
	return fmt.Sprintf("%s...", flat[:max])
}
