// Package dedupe finds prior leads that collide with a new one on
// normalized contact keys, within a policy-defined lookback window,
// and applies the policy's duplicate action.
package dedupe

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/leadgenhq/leadgen/pkg/lead"
	"github.com/leadgenhq/leadgen/pkg/policy"
	"github.com/leadgenhq/leadgen/pkg/store"
)

// Result reports whether a duplicate was found and what the policy did
// about it.
type Result struct {
	IsDuplicate   bool
	Action        string
	MatchedLeadID int64
	MatchedKeys   []string
}

// Engine runs duplicate detection against the leads table.
type Engine struct {
	db     *sql.DB
	leads  *store.LeadStore
	events *store.DuplicateEventStore
	log    *slog.Logger
}

func New(leads *store.LeadStore, events *store.DuplicateEventStore, log *slog.Logger) *Engine {
	return &Engine{db: leads.DB(), leads: leads, events: events, log: log}
}

// sqlFindMatch selects the single best candidate within the window and
// reports which keys matched. Candidates outside exclude_statuses and,
// when same_source_only, outside the lead's own source are skipped.
// Newest wins; id breaks created_at ties.
const sqlFindMatch = `
	WITH candidates AS (
	  SELECT
	    l.id AS matched_lead_id,
	    l.created_at AS matched_created_at,
	    (CASE WHEN $5::text IS NOT NULL AND l.normalized_phone = $5 THEN 1 ELSE 0 END) AS phone_match,
	    (CASE WHEN $6::text IS NOT NULL AND l.normalized_email = $6 THEN 1 ELSE 0 END) AS email_match
	  FROM leads l
	  WHERE l.offer_id = $1
	    AND l.id <> $2
	    AND l.created_at >= (now() - ($3::int * INTERVAL '1 hour'))
	    AND l.status <> ALL($4)
	    AND ($7::bool OR l.source_id = $8)
	    AND (
	      ($5::text IS NOT NULL AND l.normalized_phone = $5)
	      OR
	      ($6::text IS NOT NULL AND l.normalized_email = $6)
	    )
	),
	filtered AS (
	  SELECT *
	  FROM candidates
	  WHERE
	    CASE
	      WHEN $9::text = 'any' THEN (phone_match = 1 OR email_match = 1)
	      WHEN $9::text = 'all' THEN
	        (
	          ($5::text IS NULL OR phone_match = 1)
	          AND
	          ($6::text IS NULL OR email_match = 1)
	          AND
	          (CASE
	             WHEN ($5::text IS NOT NULL AND $6::text IS NOT NULL) THEN (phone_match = 1 AND email_match = 1)
	             ELSE TRUE
	           END)
	        )
	      ELSE FALSE
	    END
	)
	SELECT matched_lead_id, phone_match, email_match
	FROM filtered
	ORDER BY matched_created_at DESC, matched_lead_id DESC
	LIMIT 1`

// Input carries the fields the engine matches on. Phone and Email are
// the normalized values already persisted on the lead row; empty means
// absent.
type Input struct {
	LeadID   int64
	OfferID  int64
	SourceID int64
	Phone    string
	Email    string
}

// Detect runs the policy against the lookback window. A found match is
// recorded on the lead row and as a duplicate event before returning.
// A disabled policy, unmet min_fields, or no usable keys all resolve to
// a non-duplicate without touching the database.
func (e *Engine) Detect(ctx context.Context, in Input, p *policy.DuplicatePolicy) (Result, error) {
	if p == nil || !p.Enabled {
		return Result{}, nil
	}
	if p.Scope != "offer" {
		return Result{}, fmt.Errorf("%w: duplicate scope %q", policy.ErrMisconfigured, p.Scope)
	}
	if p.WindowHours <= 0 || p.WindowHours > 24*365 {
		return Result{}, fmt.Errorf("%w: window_hours %d", policy.ErrMisconfigured, p.WindowHours)
	}

	var normPhone, normEmail sql.NullString
	if keyEnabled(p.Keys, "phone") && in.Phone != "" {
		normPhone = sql.NullString{String: in.Phone, Valid: true}
	}
	if keyEnabled(p.Keys, "email") && in.Email != "" {
		normEmail = sql.NullString{String: in.Email, Valid: true}
	}

	for _, f := range p.MinFields {
		if f == "phone" && !normPhone.Valid {
			return Result{}, nil
		}
		if f == "email" && !normEmail.Valid {
			return Result{}, nil
		}
	}
	if !normPhone.Valid && !normEmail.Valid {
		return Result{}, nil
	}

	exclude := p.ExcludeStatuses
	if exclude == nil {
		exclude = []string{}
	}

	var matchedID int64
	var phoneMatch, emailMatch int
	err := e.db.QueryRowContext(ctx, sqlFindMatch,
		in.OfferID, in.LeadID, p.WindowHours, pq.Array(exclude),
		normPhone, normEmail,
		p.IncludeSources != "same_source_only", in.SourceID,
		p.MatchMode,
	).Scan(&matchedID, &phoneMatch, &emailMatch)
	if err == sql.ErrNoRows {
		return Result{}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("duplicate lookup: %w", err)
	}

	var keys []string
	if phoneMatch == 1 {
		keys = append(keys, "phone")
	}
	if emailMatch == 1 {
		keys = append(keys, "email")
	}

	if err := e.leads.MarkDuplicate(ctx, in.LeadID, matchedID, p.Action, p.ReasonCode); err != nil {
		return Result{}, err
	}
	if err := e.events.Record(ctx, lead.DuplicateEvent{
		LeadID:        in.LeadID,
		MatchedLeadID: matchedID,
		MatchedKeys:   keys,
		WindowHours:   p.WindowHours,
		MatchMode:     p.MatchMode,
		IncludeRule:   p.IncludeSources,
		Action:        p.Action,
		ReasonCode:    p.ReasonCode,
	}); err != nil {
		return Result{}, err
	}

	e.log.Info("duplicate detected",
		"lead_id", in.LeadID,
		"matched_lead_id", matchedID,
		"matched_keys", keys,
		"action", p.Action)

	return Result{IsDuplicate: true, Action: p.Action, MatchedLeadID: matchedID, MatchedKeys: keys}, nil
}

func keyEnabled(keys []string, k string) bool {
	for _, v := range keys {
		if v == k {
			return true
		}
	}
	return false
}
