package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/leadgenhq/leadgen/pkg/lead"
)

// DuplicateEventStore appends duplicate-detection audit rows.
type DuplicateEventStore struct {
	db *sql.DB
}

func NewDuplicateEventStore(db *sql.DB) *DuplicateEventStore {
	return &DuplicateEventStore{db: db}
}

// Record appends one duplicate event.
func (s *DuplicateEventStore) Record(ctx context.Context, e lead.DuplicateEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO duplicate_events
		  (lead_id, matched_lead_id, matched_keys, window_hours, match_mode, include_rule, action, reason_code)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.LeadID, e.MatchedLeadID, pq.Array(e.MatchedKeys),
		e.WindowHours, e.MatchMode, e.IncludeRule, e.Action, e.ReasonCode)
	if err != nil {
		return fmt.Errorf("record duplicate event for lead %d: %w", e.LeadID, err)
	}
	return nil
}

// CountForLead reports how many duplicate events a lead has. Used by
// tests and the dedupe engine's idempotence guard.
func (s *DuplicateEventStore) CountForLead(ctx context.Context, leadID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM duplicate_events WHERE lead_id = $1`, leadID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count duplicate events for lead %d: %w", leadID, err)
	}
	return n, nil
}
