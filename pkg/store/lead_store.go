// Package store is the Postgres persistence layer for leads, delivery
// attempts, duplicate events, and the audit trail. Every status change
// goes through a guarded conditional UPDATE: the WHERE clause names the
// expected prior state, so concurrent retries advance a lead at most
// once.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/leadgenhq/leadgen/pkg/lead"
)

var ErrLeadNotFound = errors.New("lead not found")

// LeadStore persists and transitions lead rows.
type LeadStore struct {
	db *sql.DB
}

func NewLeadStore(db *sql.DB) *LeadStore {
	return &LeadStore{db: db}
}

// DB exposes the underlying handle for collaborators that share the
// connection pool (dedupe, route).
func (s *LeadStore) DB() *sql.DB { return s.db }

// NewLead carries the insert parameters of one classified submission.
type NewLead struct {
	SourceID   int64
	OfferID    int64
	MarketID   int64
	VerticalID int64

	IdempotencyKey string

	Name        string
	Email       string
	Phone       string
	PostalCode  string
	CountryCode string
	City        string
	RegionCode  string
	Message     string

	NormalizedEmail string
	NormalizedPhone string

	UTMSource   string
	UTMMedium   string
	UTMCampaign string
	Consent     bool
	GDPRConsent bool
}

// InsertResult reports the winning row of an idempotent insert and
// whether this call created it.
type InsertResult struct {
	LeadID  int64
	Status  lead.Status
	BuyerID sql.NullInt64
	Price   sql.NullFloat64
	Created bool
}

// sqlInsertIdempotent creates the lead row exactly once per
// (source_id, idempotency_key). The no-op DO UPDATE makes the conflict
// path return the existing row; xmax = 0 distinguishes a fresh insert
// from a replay.
const sqlInsertIdempotent = `
	INSERT INTO leads (
	  source_id, offer_id, market_id, vertical_id, idempotency_key,
	  name, email, phone, postal_code, country_code, city, region_code, message,
	  normalized_email, normalized_phone,
	  utm_source, utm_medium, utm_campaign, consent, gdpr_consent
	)
	VALUES (
	  $1, $2, $3, $4, $5,
	  $6, $7, $8, $9, $10, NULLIF($11, ''), NULLIF($12, ''), NULLIF($13, ''),
	  NULLIF($14, ''), NULLIF($15, ''),
	  NULLIF($16, ''), NULLIF($17, ''), NULLIF($18, ''), $19, $20
	)
	ON CONFLICT (source_id, idempotency_key)
	DO UPDATE SET updated_at = now()
	RETURNING id, status, buyer_id, price, (xmax = 0) AS created`

// InsertIdempotent inserts a lead row race-safely. Concurrent identical
// requests all observe the same lead id; exactly one sees Created=true.
func (s *LeadStore) InsertIdempotent(ctx context.Context, n NewLead) (InsertResult, error) {
	var r InsertResult
	var status string
	err := s.db.QueryRowContext(ctx, sqlInsertIdempotent,
		n.SourceID, n.OfferID, n.MarketID, n.VerticalID, n.IdempotencyKey,
		n.Name, n.Email, n.Phone, n.PostalCode, n.CountryCode, n.City, n.RegionCode, n.Message,
		n.NormalizedEmail, n.NormalizedPhone,
		n.UTMSource, n.UTMMedium, n.UTMCampaign, n.Consent, n.GDPRConsent,
	).Scan(&r.LeadID, &status, &r.BuyerID, &r.Price, &r.Created)
	if err != nil {
		return InsertResult{}, fmt.Errorf("insert lead: %w", err)
	}
	r.Status = lead.Status(status)
	return r, nil
}

// Get loads a full lead row.
func (s *LeadStore) Get(ctx context.Context, id int64) (*lead.Lead, error) {
	const q = `
		SELECT id, source_id, offer_id, market_id, vertical_id, idempotency_key,
		       name, email, phone, postal_code, country_code, city, region_code, message,
		       normalized_email, normalized_phone,
		       utm_source, utm_medium, utm_campaign, consent, gdpr_consent,
		       status, billing_status, price, buyer_id, is_duplicate, duplicate_of,
		       validation_reason, rejection_reason,
		       created_at, updated_at, routed_at, delivered_at, accepted_at, rejected_at
		FROM leads WHERE id = $1`
	var l lead.Lead
	var status, billing string
	err := s.db.QueryRowContext(ctx, q, id).Scan(
		&l.ID, &l.SourceID, &l.OfferID, &l.MarketID, &l.VerticalID, &l.IdempotencyKey,
		&l.Name, &l.Email, &l.Phone, &l.PostalCode, &l.CountryCode, &l.City, &l.RegionCode, &l.Message,
		&l.NormalizedEmail, &l.NormalizedPhone,
		&l.UTMSource, &l.UTMMedium, &l.UTMCampaign, &l.Consent, &l.GDPRConsent,
		&status, &billing, &l.Price, &l.BuyerID, &l.IsDuplicate, &l.DuplicateOf,
		&l.ValidationReason, &l.RejectionReason,
		&l.CreatedAt, &l.UpdatedAt, &l.RoutedAt, &l.DeliveredAt, &l.AcceptedAt, &l.RejectedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrLeadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get lead %d: %w", id, err)
	}
	l.Status = lead.Status(status)
	l.BillingStatus = lead.BillingStatus(billing)
	return &l, nil
}

// CurrentStatus reads just the status column.
func (s *LeadStore) CurrentStatus(ctx context.Context, id int64) (lead.Status, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM leads WHERE id = $1`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return "", ErrLeadNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lead status %d: %w", id, err)
	}
	return lead.Status(status), nil
}

// MarkValidated performs the guarded received→validated transition.
// Zero rows affected is a no-op; the caller gets the current status
// either way, which makes re-invocation safe.
func (s *LeadStore) MarkValidated(ctx context.Context, id int64) (lead.Status, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE leads SET status = 'validated', updated_at = now()
		 WHERE id = $1 AND status = 'received'`, id)
	if err != nil {
		return "", fmt.Errorf("mark validated %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return lead.StatusValidated, nil
	}
	return s.CurrentStatus(ctx, id)
}

// Reject performs the guarded transition into the absorbing rejected
// state. Only received and validated leads can be rejected.
func (s *LeadStore) Reject(ctx context.Context, id int64, reason string) (lead.Status, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE leads
		 SET status = 'rejected', validation_reason = $2, rejection_reason = $2,
		     rejected_at = now(), updated_at = now()
		 WHERE id = $1 AND status IN ('received', 'validated')`, id, reason)
	if err != nil {
		return "", fmt.Errorf("reject lead %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return lead.StatusRejected, nil
	}
	return s.CurrentStatus(ctx, id)
}

// AssignBuyer performs the guarded validated→routed transition. This
// is the sole mechanism preventing double assignment: the WHERE clause
// requires status = validated and no buyer yet. Returns false when
// another worker already won.
func (s *LeadStore) AssignBuyer(ctx context.Context, id, buyerID int64, price sql.NullFloat64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE leads
		 SET status = 'routed', buyer_id = $2, price = $3, routed_at = now(), updated_at = now()
		 WHERE id = $1 AND status = 'validated' AND buyer_id IS NULL`,
		id, buyerID, price)
	if err != nil {
		return false, fmt.Errorf("assign buyer to lead %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkDelivered performs the guarded routed→delivered transition.
// Returns false when another worker already flipped it.
func (s *LeadStore) MarkDelivered(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE leads SET status = 'delivered', delivered_at = now(), updated_at = now()
		 WHERE id = $1 AND status = 'routed'`, id)
	if err != nil {
		return false, fmt.Errorf("mark delivered %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkDuplicate records a duplicate match on the lead row. reject
// additionally moves a still-received lead into rejected (later states
// are never clobbered); flag sets is_duplicate; accept persists only
// the duplicate_of back-reference and leaves the flag clear.
func (s *LeadStore) MarkDuplicate(ctx context.Context, id, matchedID int64, action, reasonCode string) error {
	var err error
	switch action {
	case "reject":
		_, err = s.db.ExecContext(ctx,
			`UPDATE leads
			 SET is_duplicate = TRUE, duplicate_of = $2, updated_at = now(),
			     status = CASE WHEN status = 'received' THEN 'rejected' ELSE status END,
			     rejected_at = CASE WHEN status = 'received' THEN now() ELSE rejected_at END,
			     validation_reason = CASE WHEN status = 'received' THEN $3 ELSE validation_reason END
			 WHERE id = $1`, id, matchedID, reasonCode)
	case "accept":
		_, err = s.db.ExecContext(ctx,
			`UPDATE leads
			 SET duplicate_of = $2, updated_at = now()
			 WHERE id = $1`, id, matchedID)
	default:
		_, err = s.db.ExecContext(ctx,
			`UPDATE leads
			 SET is_duplicate = TRUE, duplicate_of = $2, updated_at = now()
			 WHERE id = $1`, id, matchedID)
	}
	if err != nil {
		return fmt.Errorf("mark duplicate %d: %w", id, err)
	}
	return nil
}

// UndeliveredRouted lists routed leads with no successful delivery
// attempt, for operator replay.
func (s *LeadStore) UndeliveredRouted(ctx context.Context, limit int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.id
		FROM leads l
		WHERE l.status = 'routed'
		  AND NOT EXISTS (
		    SELECT 1 FROM delivery_attempts da
		    WHERE da.lead_id = l.id AND da.outcome = 'success'
		  )
		ORDER BY l.routed_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list undelivered: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
