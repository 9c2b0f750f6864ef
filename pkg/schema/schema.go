// Package schema validates stage payloads against embedded JSON Schema
// documents and applies the deterministic repair policy for required
// numeric/enum slots. Invalid payloads are reported as data, never as Go
// errors: callers decide whether to repair or fall back.
package schema

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// FieldError describes one schema violation.
type FieldError struct {
	// Path is a JSON pointer to the offending value ("" for the root).
	Path string `json:"path"`
	// Rule is the schema keyword that failed (required, type, minimum, enum, ...).
	Rule string `json:"rule"`
	// Detail is the human-readable message from the validator.
	Detail string `json:"detail"`
}

func (e FieldError) String() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %s", e.Rule, e.Detail)
	}
	return fmt.Sprintf("%s %s: %s", e.Path, e.Rule, e.Detail)
}

// Validator holds compiled schemas keyed by stage name.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles the built-in stage schemas.
func NewValidator() (*Validator, error) {
	v := &Validator{schemas: make(map[string]*jsonschema.Schema)}
	for name, doc := range stageSchemas {
		if err := v.Register(name, doc); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// Register compiles a schema document under the given name, replacing any
// previous registration.
func (v *Validator) Register(name, document string) error {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://clearclaim.schemas.local/stages/%s.schema.json", name)
	if err := c.AddResource(url, strings.NewReader(document)); err != nil {
		return fmt.Errorf("schema: load %s: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return fmt.Errorf("schema: compile %s: %w", name, err)
	}
	v.schemas[name] = compiled
	return nil
}

// Validate checks payload against the named schema. It reports violations as
// structured descriptors and never panics or returns a Go error: an unknown
// schema name or an unmarshalable payload is itself a violation.
func (v *Validator) Validate(name string, payload map[string]any) (bool, []FieldError) {
	compiled, ok := v.schemas[name]
	if !ok {
		return false, []FieldError{{Rule: "schema", Detail: fmt.Sprintf("unknown schema %q", name)}}
	}

	// Round-trip through JSON so Go-native values (ints, typed strings)
	// become the shapes the validator expects.
	normalized, err := normalize(payload)
	if err != nil {
		return false, []FieldError{{Rule: "encoding", Detail: err.Error()}}
	}

	if err := compiled.Validate(normalized); err != nil {
		var ve *jsonschema.ValidationError
		if ok := asValidationError(err, &ve); ok {
			return false, flatten(ve)
		}
		return false, []FieldError{{Rule: "validation", Detail: err.Error()}}
	}
	return true, nil
}

func normalize(payload map[string]any) (any, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return out, nil
}

func asValidationError(err error, target **jsonschema.ValidationError) bool {
	ve, ok := err.(*jsonschema.ValidationError)
	if ok {
		*target = ve
	}
	return ok
}

// flatten walks the cause tree and returns leaf violations in document order.
func flatten(ve *jsonschema.ValidationError) []FieldError {
	if len(ve.Causes) == 0 {
		return []FieldError{{
			Path:   ve.InstanceLocation,
			Rule:   keywordOf(ve.KeywordLocation),
			Detail: ve.Message,
		}}
	}
	var out []FieldError
	for _, cause := range ve.Causes {
		out = append(out, flatten(cause)...)
	}
	return out
}

// keywordOf extracts the failing keyword from a keyword location pointer,
// skipping trailing array indices from applicators like allOf.
func keywordOf(location string) string {
	segments := strings.Split(location, "/")
	for i := len(segments) - 1; i >= 0; i-- {
		seg := segments[i]
		if seg == "" {
			continue
		}
		if _, err := strconv.Atoi(seg); err == nil {
			continue
		}
		if seg == "properties" || seg == "items" {
			continue
		}
		return seg
	}
	return "validation"
}
