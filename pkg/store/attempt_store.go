package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/leadgenhq/leadgen/pkg/lead"
)

// AttemptStore appends delivery attempt rows. Attempts are immutable.
type AttemptStore struct {
	db *sql.DB
}

func NewAttemptStore(db *sql.DB) *AttemptStore {
	return &AttemptStore{db: db}
}

// Record appends the next attempt for a lead and returns its number.
// The inner select plus the (lead_id, attempt_number) unique constraint
// keeps the numbering a gap-free 1..N prefix.
func (s *AttemptStore) Record(ctx context.Context, a lead.DeliveryAttempt) (int, error) {
	const q = `
		INSERT INTO delivery_attempts (lead_id, attempt_number, outcome, http_status, error, delivery_id)
		VALUES (
		  $1,
		  (SELECT COALESCE(MAX(attempt_number), 0) + 1 FROM delivery_attempts WHERE lead_id = $1),
		  $2, $3, $4, $5
		)
		RETURNING attempt_number`
	var n int
	err := s.db.QueryRowContext(ctx, q,
		a.LeadID, string(a.Outcome), a.HTTPStatus, a.Error, a.DeliveryID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("record delivery attempt for lead %d: %w", a.LeadID, err)
	}
	return n, nil
}

// Count returns how many attempts exist for a lead.
func (s *AttemptStore) Count(ctx context.Context, leadID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM delivery_attempts WHERE lead_id = $1`, leadID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count delivery attempts for lead %d: %w", leadID, err)
	}
	return n, nil
}

// List returns a lead's attempts in order.
func (s *AttemptStore) List(ctx context.Context, leadID int64) ([]lead.DeliveryAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, lead_id, attempt_number, outcome, http_status, error, delivery_id, created_at
		FROM delivery_attempts
		WHERE lead_id = $1
		ORDER BY attempt_number ASC`, leadID)
	if err != nil {
		return nil, fmt.Errorf("list delivery attempts for lead %d: %w", leadID, err)
	}
	defer func() { _ = rows.Close() }()

	var attempts []lead.DeliveryAttempt
	for rows.Next() {
		var a lead.DeliveryAttempt
		var outcome string
		if err := rows.Scan(&a.ID, &a.LeadID, &a.AttemptNumber, &outcome, &a.HTTPStatus, &a.Error, &a.DeliveryID, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Outcome = lead.AttemptOutcome(outcome)
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}
