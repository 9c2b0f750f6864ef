package schema

// Stage payload schemas, JSON Schema draft 2020-12. Names match the stage
// tags so the executor and verifier host can look them up directly.
var stageSchemas = map[string]string{
	"document":  documentSchema,
	"image":     imageSchema,
	"fraud":     fraudSchema,
	"reasoning": reasoningSchema,
}

const documentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["document_classification", "extracted_fields", "metadata", "valid"],
  "properties": {
    "document_classification": {
      "type": "object",
      "properties": {
        "category": {"type": "string"},
        "structure": {"type": "string"},
        "has_tables": {"type": "boolean"},
        "has_line_items": {"type": "boolean"},
        "primary_content_type": {"type": "string"}
      }
    },
    "extracted_fields": {"type": "object"},
    "line_items": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "item_name": {"type": "string"},
          "quantity": {"type": "number"},
          "unit_price": {"type": "number"},
          "total": {"type": "number"}
        }
      }
    },
    "tables": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "headers": {"type": "array", "items": {"type": "string"}},
          "rows": {"type": "array"},
          "summary": {"type": "string"}
        }
      }
    },
    "metadata": {
      "type": "object",
      "required": ["confidence"],
      "properties": {
        "confidence": {"type": "number", "minimum": 0, "maximum": 1},
        "extraction_method": {"type": "string"},
        "notes": {"type": "string"}
      }
    },
    "valid": {"type": "boolean"}
  }
}`

const imageSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["damage_type", "severity", "confidence", "valid"],
  "properties": {
    "damage_type": {"type": "string"},
    "affected_parts": {"type": "array", "items": {"type": "string"}},
    "severity": {"enum": ["minor", "moderate", "severe", "total"]},
    "estimated_cost": {"type": ["number", "null"], "minimum": 0},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "valid": {"type": "boolean"},
    "notes": {"type": "string"}
  }
}`

const fraudSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["fraud_score", "risk_level", "confidence"],
  "properties": {
    "fraud_score": {"type": "number", "minimum": 0, "maximum": 1},
    "risk_level": {"enum": ["LOW", "MEDIUM", "HIGH"]},
    "indicators": {"type": "array", "items": {"type": "string"}},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "notes": {"type": "string"}
  }
}`

const reasoningSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["final_confidence", "fraud_risk"],
  "properties": {
    "final_confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "contradictions": {"type": "array", "items": {"type": "string"}},
    "fraud_risk": {"type": "number", "minimum": 0, "maximum": 1},
    "missing_evidence": {"type": "array", "items": {"type": "string"}},
    "evidence_gaps": {"type": "array", "items": {"type": "string"}},
    "reasoning": {"type": "string"}
  }
}`
