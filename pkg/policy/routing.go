package policy

import (
	"encoding/json"
	"fmt"
)

// Routing strategies.
const (
	StrategyPriority = "priority"
	StrategyRotation = "rotation"
	StrategyWeighted = "weighted"
)

// Exclusivity behaviors when the granted buyer is ineligible.
const (
	ExclusivityFailClosed      = "fail_closed"
	ExclusivityFallbackAllowed = "fallback_allowed"
)

// Tie breakers.
const (
	TieRoutingPriorityDesc = "routing_priority_desc"
	TieBuyerIDAsc          = "buyer_id_asc"
)

const routingSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "strategy": {"type": "string", "enum": ["priority", "rotation", "weighted"]},
    "exclusivity_behavior": {"type": "string", "enum": ["fail_closed", "fallback_allowed"]},
    "tie_breakers": {
      "type": "array",
      "items": {"type": "string", "enum": ["routing_priority_desc", "buyer_id_asc"]}
    },
    "respect_capacity": {"type": "boolean"},
    "respect_pause": {"type": "boolean"}
  }
}`

// RoutingPolicy is the parsed config object of a routing policy row.
type RoutingPolicy struct {
	Strategy            string   `json:"strategy"`
	ExclusivityBehavior string   `json:"exclusivity_behavior"`
	TieBreakers         []string `json:"tie_breakers"`
	RespectCapacity     bool     `json:"respect_capacity"`
	RespectPause        bool     `json:"respect_pause"`
}

var routingSchema = mustCompile("routing.schema.json", routingSchemaJSON)

// ParseRouting parses and schema-checks a routing policy config.
// Defaults: strategy=priority, exclusivity_behavior=fail_closed,
// tie_breakers=[routing_priority_desc, buyer_id_asc],
// respect_pause=true. Capacity enforcement is opt-in.
func ParseRouting(raw []byte) (*RoutingPolicy, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("%w: config is not valid JSON: %v", ErrMisconfigured, err)
	}
	if err := routingSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMisconfigured, err)
	}

	var p RoutingPolicy
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMisconfigured, err)
	}
	// A policy that says nothing about paused buyers must not route
	// to them.
	if m, ok := generic.(map[string]any); ok {
		if _, set := m["respect_pause"]; !set {
			p.RespectPause = true
		}
	}
	if p.Strategy == "" {
		p.Strategy = StrategyPriority
	}
	if p.ExclusivityBehavior == "" {
		p.ExclusivityBehavior = ExclusivityFailClosed
	}
	if len(p.TieBreakers) == 0 {
		p.TieBreakers = []string{TieRoutingPriorityDesc, TieBuyerIDAsc}
	}
	return &p, nil
}
