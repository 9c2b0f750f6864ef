package schema

import (
	"regexp"
	"sort"
	"strings"
)

// missingPropRe pulls property names out of "missing properties: 'a', 'b'"
// validator messages.
var missingPropRe = regexp.MustCompile(`'([^']+)'`)

// repairableRules are the violation kinds the repair policy may fix by
// substituting a default. Anything else (wrong shapes, extra structure)
// means the payload is not trustworthy enough to repair.
var repairableRules = map[string]bool{
	"required": true,
	"type":     true,
	"minimum":  true,
	"maximum":  true,
	"enum":     true,
}

// Repair fills deterministic defaults for required-but-missing or
// out-of-range slots. Defaults are keyed by JSON pointer
// ("/metadata/confidence"); a violation on a parent object is covered by the
// defaults registered beneath it, creating intermediate objects as needed.
// It mutates payload in place and returns the pointers it filled plus
// whether every violation was covered; callers treat uncovered violations as
// stage failure. Repair never fabricates values without a registered default.
func Repair(payload map[string]any, errs []FieldError, defaults map[string]any) (filled []string, repaired bool) {
	if payload == nil {
		return nil, false
	}

	covered := 0
	for _, fe := range errs {
		if !repairableRules[fe.Rule] {
			continue
		}
		pointers := pointersFor(fe)
		done := 0
		for _, pointer := range pointers {
			matched := matchingDefaults(pointer, defaults)
			set := 0
			for _, ptr := range matched {
				if setByPointer(payload, ptr, defaults[ptr]) {
					filled = append(filled, ptr)
					set++
				}
			}
			if len(matched) > 0 && set == len(matched) {
				done++
			}
		}
		if len(pointers) > 0 && done == len(pointers) {
			covered++
		}
	}
	return filled, covered == len(errs)
}

// matchingDefaults resolves which default entries a violation pointer
// selects: the exact pointer when one is registered, otherwise every default
// nested beneath it, in stable order.
func matchingDefaults(pointer string, defaults map[string]any) []string {
	if _, ok := defaults[pointer]; ok {
		return []string{pointer}
	}
	var out []string
	for ptr := range defaults {
		if strings.HasPrefix(ptr, pointer+"/") {
			out = append(out, ptr)
		}
	}
	sort.Strings(out)
	return out
}

// pointersFor resolves the concrete pointer(s) a violation refers to. A
// required-rule error sits at the parent object and names the missing
// properties in its message; everything else points at the value directly.
func pointersFor(fe FieldError) []string {
	if fe.Rule != "required" {
		return []string{fe.Path}
	}
	var out []string
	for _, m := range missingPropRe.FindAllStringSubmatch(fe.Detail, -1) {
		out = append(out, fe.Path+"/"+m[1])
	}
	return out
}

// setByPointer writes value at a JSON pointer, creating intermediate objects
// as needed. Array steps are not supported; repair only targets object slots.
func setByPointer(payload map[string]any, pointer string, value any) bool {
	segments := strings.Split(strings.TrimPrefix(pointer, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		return false
	}

	current := payload
	for _, seg := range segments[:len(segments)-1] {
		next, ok := current[seg].(map[string]any)
		if !ok {
			if _, exists := current[seg]; exists {
				return false
			}
			next = make(map[string]any)
			current[seg] = next
		}
		current = next
	}
	current[segments[len(segments)-1]] = value
	return true
}
