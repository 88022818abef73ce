// Package policy parses the validation and routing policy objects
// attached to offers. Policies are data, not code: parsing is strict,
// unknown keys are rejected, and a policy that fails to parse is
// treated as misconfigured rather than silently defaulted.
package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrMisconfigured wraps every policy parse or schema failure. The
// validator maps it to the policy_misconfigured rejection path.
var ErrMisconfigured = errors.New("policy_misconfigured")

const validationSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "required_fields": {"type": "array", "items": {"type": "string"}},
    "allowed_postal_codes": {"type": "array", "items": {"type": "string"}},
    "allowed_cities": {"type": "array", "items": {"type": "string"}},
    "phone_region": {"type": "string"},
    "allowed_country_codes": {"type": "array", "items": {"type": "string"}},
    "disposable_email_blocklist_enabled": {"type": "boolean"},
    "custom_rules": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["expr", "error_code"],
        "properties": {
          "expr": {"type": "string"},
          "error_code": {"type": "string"}
        }
      }
    },
    "duplicate_detection": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "window_hours": {"type": "integer", "minimum": 1, "maximum": 8760},
        "scope": {"type": "string", "enum": ["offer"]},
        "keys": {"type": "array", "items": {"type": "string", "enum": ["phone", "email"]}},
        "match_mode": {"type": "string", "enum": ["any", "all"]},
        "exclude_statuses": {"type": "array", "items": {"type": "string"}},
        "include_sources": {"type": "string", "enum": ["any", "same_source_only"]},
        "action": {"type": "string", "enum": ["reject", "flag", "accept"]},
        "reason_code": {"type": "string"},
        "min_fields": {"type": "array", "items": {"type": "string", "enum": ["phone", "email"]}},
        "normalize": {"type": "object"}
      }
    }
  }
}`

// Duplicate actions.
const (
	DuplicateActionReject = "reject"
	DuplicateActionFlag   = "flag"
	DuplicateActionAccept = "accept"
)

// CustomRule is a CEL expression evaluated against the lead's scalar
// fields; a false result rejects with ErrorCode.
type CustomRule struct {
	Expr      string `json:"expr"`
	ErrorCode string `json:"error_code"`
}

// DuplicatePolicy configures the duplicate engine.
type DuplicatePolicy struct {
	Enabled         bool     `json:"enabled"`
	WindowHours     int      `json:"window_hours"`
	Scope           string   `json:"scope"`
	Keys            []string `json:"keys"`
	MatchMode       string   `json:"match_mode"`
	ExcludeStatuses []string `json:"exclude_statuses"`
	IncludeSources  string   `json:"include_sources"`
	Action          string   `json:"action"`
	ReasonCode      string   `json:"reason_code"`
	MinFields       []string `json:"min_fields"`
}

// ValidationPolicy is the parsed rules object of a validation policy
// row.
type ValidationPolicy struct {
	RequiredFields        []string         `json:"required_fields"`
	AllowedPostalCodes    []string         `json:"allowed_postal_codes"`
	AllowedCities         []string         `json:"allowed_cities"`
	PhoneRegion           string           `json:"phone_region"`
	AllowedCountryCodes   []string         `json:"allowed_country_codes"`
	DisposableBlocklist   bool             `json:"disposable_email_blocklist_enabled"`
	CustomRules           []CustomRule     `json:"custom_rules"`
	DuplicateDetection    *DuplicatePolicy `json:"duplicate_detection"`
}

var validationSchema = mustCompile("validation.schema.json", validationSchemaJSON)

func mustCompile(name, src string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := "https://leadgen.schemas.local/policy/" + name
	if err := c.AddResource(url, strings.NewReader(src)); err != nil {
		panic(err)
	}
	return c.MustCompile(url)
}

// ParseValidation parses and schema-checks a validation policy rules
// object. Any failure yields ErrMisconfigured.
func ParseValidation(raw []byte) (*ValidationPolicy, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("%w: rules are not valid JSON: %v", ErrMisconfigured, err)
	}
	if err := validationSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMisconfigured, err)
	}

	var p ValidationPolicy
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMisconfigured, err)
	}
	if dd := p.DuplicateDetection; dd != nil && dd.Enabled {
		if dd.Scope != "offer" {
			return nil, fmt.Errorf("%w: duplicate_detection.scope must be \"offer\"", ErrMisconfigured)
		}
		if dd.WindowHours < 1 || dd.WindowHours > 8760 {
			return nil, fmt.Errorf("%w: duplicate_detection.window_hours out of range", ErrMisconfigured)
		}
		if len(dd.Keys) == 0 {
			return nil, fmt.Errorf("%w: duplicate_detection.keys must not be empty", ErrMisconfigured)
		}
		if dd.MatchMode == "" {
			dd.MatchMode = "any"
		}
		if dd.IncludeSources == "" {
			dd.IncludeSources = "any"
		}
		if dd.Action == "" {
			dd.Action = "flag"
		}
		if dd.ReasonCode == "" {
			dd.ReasonCode = "duplicate"
		}
	}
	return &p, nil
}
