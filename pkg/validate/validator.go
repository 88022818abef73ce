// Package validate applies an offer's validation policy to a lead and
// drives the guarded received→validated / received→rejected transition.
package validate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/leadgenhq/leadgen/pkg/lead"
	"github.com/leadgenhq/leadgen/pkg/policy"
	"github.com/leadgenhq/leadgen/pkg/store"
)

// Built-in disposable email domains. Policies opt in via
// disposable_email_blocklist_enabled.
var disposableDomains = map[string]struct{}{
	"mailinator.com":    {},
	"guerrillamail.com": {},
	"10minutemail.com":  {},
	"tempmail.com":      {},
	"temp-mail.org":     {},
	"yopmail.com":       {},
	"throwaway.email":   {},
	"sharklasers.com":   {},
	"getnada.com":       {},
	"trashmail.com":     {},
	"dispostable.com":   {},
	"maildrop.cc":       {},
}

// Validator evaluates policy rules against a lead. Custom rules are CEL
// expressions compiled once per distinct expression and cached.
type Validator struct {
	leads *store.LeadStore
	log   *slog.Logger

	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

func New(leads *store.LeadStore, log *slog.Logger) (*Validator, error) {
	env, err := cel.NewEnv(
		cel.Variable("name", cel.StringType),
		cel.Variable("email", cel.StringType),
		cel.Variable("phone", cel.StringType),
		cel.Variable("postal_code", cel.StringType),
		cel.Variable("city", cel.StringType),
		cel.Variable("region_code", cel.StringType),
		cel.Variable("country_code", cel.StringType),
		cel.Variable("message", cel.StringType),
		cel.Variable("consent", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}
	return &Validator{
		leads:    leads,
		log:      log,
		env:      env,
		prgCache: make(map[string]cel.Program),
	}, nil
}

// Outcome is the validator's terminal decision for a lead.
type Outcome struct {
	Status lead.Status
	Reason string
}

// Run evaluates the policy and performs the guarded transition. A lead
// no longer in received is left untouched and its current status
// returned. Policy evaluation errors (including CEL compile failures)
// fail closed: the lead stays in received and the error propagates.
func (v *Validator) Run(ctx context.Context, l *lead.Lead, p *policy.ValidationPolicy) (Outcome, error) {
	reason, err := v.Evaluate(l, p)
	if err != nil {
		return Outcome{}, err
	}
	if reason == "" {
		st, err := v.leads.MarkValidated(ctx, l.ID)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Status: st}, nil
	}

	st, err := v.leads.Reject(ctx, l.ID, reason)
	if err != nil {
		return Outcome{}, err
	}
	v.log.Info("lead rejected", "lead_id", l.ID, "reason", reason)
	return Outcome{Status: st, Reason: reason}, nil
}

// Evaluate applies the policy rules in order and returns the first
// rejection reason, or "" when the lead passes. It never touches the
// database.
func (v *Validator) Evaluate(l *lead.Lead, p *policy.ValidationPolicy) (string, error) {
	for _, f := range p.RequiredFields {
		val, ok := fieldValue(l, f)
		if !ok {
			return "", fmt.Errorf("%w: unknown required field %q", policy.ErrMisconfigured, f)
		}
		if strings.TrimSpace(val) == "" {
			return "missing_required_field:" + f, nil
		}
	}

	if len(p.AllowedPostalCodes) > 0 && l.PostalCode != "" {
		if !containsFold(p.AllowedPostalCodes, l.PostalCode, false) {
			return "postal_not_allowed", nil
		}
	}

	if len(p.AllowedCities) > 0 && l.City.Valid && l.City.String != "" {
		if !containsFold(p.AllowedCities, l.City.String, true) {
			return "city_not_allowed", nil
		}
	}

	if reason := v.checkCountry(l, p); reason != "" {
		return reason, nil
	}

	if p.DisposableBlocklist && l.Email != "" {
		if at := strings.LastIndex(l.Email, "@"); at >= 0 {
			domain := strings.ToLower(l.Email[at+1:])
			if _, blocked := disposableDomains[domain]; blocked {
				return "disposable_email", nil
			}
		}
	}

	for _, rule := range p.CustomRules {
		ok, err := v.evalRule(rule.Expr, l)
		if err != nil {
			return "", fmt.Errorf("%w: custom rule %q: %v", policy.ErrMisconfigured, rule.ErrorCode, err)
		}
		if !ok {
			code := rule.ErrorCode
			if code == "" {
				code = "custom_validation_failed"
			}
			return code, nil
		}
	}

	return "", nil
}

// checkCountry accepts the lead's country when it matches phone_region
// or one of allowed_country_codes. Comparison is case-insensitive.
func (v *Validator) checkCountry(l *lead.Lead, p *policy.ValidationPolicy) string {
	if p.PhoneRegion == "" && len(p.AllowedCountryCodes) == 0 {
		return ""
	}
	if l.CountryCode == "" {
		return ""
	}
	if p.PhoneRegion != "" && strings.EqualFold(l.CountryCode, p.PhoneRegion) {
		return ""
	}
	if containsFold(p.AllowedCountryCodes, l.CountryCode, true) {
		return ""
	}
	return "country_not_allowed"
}

func (v *Validator) evalRule(expr string, l *lead.Lead) (bool, error) {
	v.mu.RLock()
	prg, hit := v.prgCache[expr]
	v.mu.RUnlock()

	if !hit {
		v.mu.Lock()
		if prg, hit = v.prgCache[expr]; !hit {
			ast, issues := v.env.Compile(expr)
			if issues != nil && issues.Err() != nil {
				v.mu.Unlock()
				return false, fmt.Errorf("compile: %w", issues.Err())
			}
			p, err := v.env.Program(ast,
				cel.InterruptCheckFrequency(100),
				cel.CostLimit(10000),
			)
			if err != nil {
				v.mu.Unlock()
				return false, fmt.Errorf("program: %w", err)
			}
			v.prgCache[expr] = p
			prg = p
		}
		v.mu.Unlock()
	}

	out, _, err := prg.Eval(map[string]any{
		"name":         l.Name,
		"email":        l.Email,
		"phone":        l.Phone,
		"postal_code":  l.PostalCode,
		"city":         l.City.String,
		"region_code":  l.RegionCode.String,
		"country_code": l.CountryCode,
		"message":      l.Message.String,
		"consent":      l.Consent,
	})
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return val, nil
}

// fieldValue maps a policy field name to the lead's value. The second
// return is false for names the policy schema should not contain.
func fieldValue(l *lead.Lead, name string) (string, bool) {
	switch name {
	case "name":
		return l.Name, true
	case "email":
		return l.Email, true
	case "phone":
		return l.Phone, true
	case "postal_code":
		return l.PostalCode, true
	case "country_code":
		return l.CountryCode, true
	case "city":
		return l.City.String, true
	case "region_code":
		return l.RegionCode.String, true
	case "message":
		return l.Message.String, true
	default:
		return "", false
	}
}

func containsFold(set []string, v string, fold bool) bool {
	for _, s := range set {
		if fold && strings.EqualFold(s, v) {
			return true
		}
		if !fold && s == v {
			return true
		}
	}
	return false
}
