package policy

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Severity distinguishes a lint error (rejects the document in block
// mode) from a warning (always surfaced, never rejects).
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one lint finding from Validate.
type Issue struct {
	Severity Severity `json:"severity"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Path     string   `json:"path"`
}

// Status is the overall validation outcome.
type Status string

const (
	StatusOK   Status = "ok"
	StatusFail Status = "fail"
)

// ValidationResult is the return value of Validate.
type ValidationResult struct {
	Status Status  `json:"status"`
	Issues []Issue `json:"issues"`
}

var (
	greedyDotStar   = regexp.MustCompile(`\.\*[^?]`)
	nestedQuantifier = regexp.MustCompile(`\([^()]*[+*]\)[+*]`)
)

const maxPatternLen = 10 * 1024 // 10 KiB

// topLevelSchema is the JSON Schema for a single rule-pack document's
// shape, compiled once at init.
var topLevelSchema = mustCompileTopLevelSchema()

const topLevelSchemaText = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "rules"],
  "additionalProperties": false,
  "properties": {
    "name": {"type": "string"},
    "rules": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "pattern", "action"],
        "additionalProperties": false,
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "pattern": {"type": "string", "minLength": 1},
          "action": {"enum": ["redact", "deny", "clarify", "lock"]},
          "guard": {"type": "string"}
        }
      }
    }
  }
}`

func mustCompileTopLevelSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	url := "https://guardrail.schemas.local/policy/rule_pack.schema.json"
	if err := c.AddResource(url, bytes.NewReader([]byte(topLevelSchemaText))); err != nil {
		panic(fmt.Sprintf("policy: invalid embedded schema: %v", err))
	}
	sch, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("policy: schema compile: %v", err))
	}
	return sch
}

// Validate checks a
// single rule-pack document's YAML text for schema conformance,
// duplicate ids (within the document itself), non-compiling regex,
// oversize, and the greedy/nested-quantifier/length lint warnings.
// Cross-pack duplicate detection happens in MergedPolicy, since it
// requires the other packs in the merge set.
func Validate(_ context.Context, yamlText []byte) ValidationResult {
	var issues []Issue

	if len(yamlText) > maxPackBytes {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Code:     "oversize",
			Message:  fmt.Sprintf("document exceeds %d bytes", maxPackBytes),
			Path:     "$",
		})
		return ValidationResult{Status: StatusFail, Issues: issues}
	}

	var generic interface{}
	if err := yaml.Unmarshal(yamlText, &generic); err != nil {
		issues = append(issues, Issue{Severity: SeverityError, Code: "parse_error", Message: err.Error(), Path: "$"})
		return ValidationResult{Status: StatusFail, Issues: issues}
	}

	asJSON, err := yamlNodeToJSONCompatible(generic)
	if err != nil {
		issues = append(issues, Issue{Severity: SeverityError, Code: "parse_error", Message: err.Error(), Path: "$"})
		return ValidationResult{Status: StatusFail, Issues: issues}
	}

	if err := topLevelSchema.Validate(asJSON); err != nil {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Code:     "schema_violation",
			Message:  err.Error(),
			Path:     "$",
		})
	}

	pack, perr := ParsePack("", yamlText)
	if perr != nil {
		issues = append(issues, Issue{Severity: SeverityError, Code: "parse_error", Message: perr.Error(), Path: "$"})
		return ValidationResult{Status: StatusFail, Issues: issues}
	}

	seen := map[string]bool{}
	for i, rule := range pack.Rules {
		path := fmt.Sprintf("$.rules[%d]", i)
		if rule.ID == "" {
			issues = append(issues, Issue{Severity: SeverityError, Code: "missing_id", Message: "rule missing id", Path: path})
		} else if seen[rule.ID] {
			issues = append(issues, Issue{Severity: SeverityError, Code: "duplicate_id", Message: fmt.Sprintf("duplicate rule id %q", rule.ID), Path: path})
		}
		seen[rule.ID] = true

		if rule.Pattern == "" {
			issues = append(issues, Issue{Severity: SeverityError, Code: "missing_pattern", Message: "rule missing pattern", Path: path})
			continue
		}
		if _, err := regexp.Compile(rule.Pattern); err != nil {
			issues = append(issues, Issue{Severity: SeverityError, Code: "bad_regex", Message: err.Error(), Path: path})
			continue
		}

		if rule.Guard != "" {
			if _, err := CompileGuard(rule.Guard); err != nil {
				issues = append(issues, Issue{Severity: SeverityError, Code: "bad_guard", Message: err.Error(), Path: path})
			}
		}

		if len(rule.Pattern) > maxPatternLen {
			issues = append(issues, Issue{Severity: SeverityWarning, Code: "pattern_too_long", Message: "pattern exceeds 10KB", Path: path})
		}
		if greedyDotStar.MatchString(rule.Pattern) {
			issues = append(issues, Issue{Severity: SeverityWarning, Code: "greedy_dotstar", Message: "greedy .* without laziness", Path: path})
		}
		if nestedQuantifier.MatchString(rule.Pattern) {
			issues = append(issues, Issue{Severity: SeverityWarning, Code: "nested_quantifier", Message: "nested quantifier (…+)+ risks catastrophic backtracking", Path: path})
		}
	}

	status := StatusOK
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			status = StatusFail
			break
		}
	}
	return ValidationResult{Status: status, Issues: issues}
}

// yamlNodeToJSONCompatible converts a yaml.v3-decoded generic value
// (which may contain map[string]interface{} with non-string keys in
// edge cases) into a purely JSON-compatible tree for schema validation.
func yamlNodeToJSONCompatible(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, vv := range val {
			conv, err := yamlNodeToJSONCompatible(vv)
			if err != nil {
				return nil, err
			}
			out[k] = conv
		}
		return out, nil
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, vv := range val {
			ks, ok := k.(string)
			if !ok {
				ks = fmt.Sprintf("%v", k)
			}
			conv, err := yamlNodeToJSONCompatible(vv)
			if err != nil {
				return nil, err
			}
			out[ks] = conv
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, vv := range val {
			conv, err := yamlNodeToJSONCompatible(vv)
			if err != nil {
				return nil, err
			}
			out[i] = conv
		}
		return out, nil
	default:
		return val, nil
	}
}

// EnforceMode controls whether Reload rejects documents containing
// error-severity lint issues.
type EnforceMode string

const (
	EnforceWarn  EnforceMode = "warn"
	EnforceBlock EnforceMode = "block"
)

func normalizeEnforceMode(s string) EnforceMode {
	if strings.EqualFold(s, string(EnforceBlock)) {
		return EnforceBlock
	}
	return EnforceWarn
}
