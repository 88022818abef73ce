package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/leadgenhq/leadgen/pkg/lead"
)

// DeliveryView is everything the delivery executor needs for one
// outbound attempt: the authoritative lead row plus the effective
// buyer delivery configuration (BuyerOffer overrides beat Buyer
// defaults, per-offer price beats the offer default).
type DeliveryView struct {
	Lead          lead.Lead
	SourceKey     string
	WebhookURL    sql.NullString
	WebhookSecret sql.NullString
	Price         sql.NullFloat64
}

// ForDelivery re-reads the authoritative state for a delivery job.
func (s *LeadStore) ForDelivery(ctx context.Context, leadID int64) (*DeliveryView, error) {
	const q = `
		SELECT l.id, l.status, l.buyer_id, l.idempotency_key,
		       l.name, l.email, l.phone, l.postal_code, l.country_code,
		       l.city, l.region_code, l.message,
		       l.utm_source, l.utm_medium, l.utm_campaign,
		       l.created_at,
		       s.source_key,
		       COALESCE(bo.webhook_url_override, b.webhook_url) AS webhook_url,
		       b.webhook_secret,
		       COALESCE(l.price, bo.price, o.default_price) AS price
		FROM leads l
		JOIN sources s ON s.id = l.source_id
		JOIN offers o ON o.id = l.offer_id
		LEFT JOIN buyers b ON b.id = l.buyer_id
		LEFT JOIN buyer_offers bo ON bo.buyer_id = l.buyer_id AND bo.offer_id = l.offer_id
		WHERE l.id = $1`

	var v DeliveryView
	var status string
	err := s.db.QueryRowContext(ctx, q, leadID).Scan(
		&v.Lead.ID, &status, &v.Lead.BuyerID, &v.Lead.IdempotencyKey,
		&v.Lead.Name, &v.Lead.Email, &v.Lead.Phone, &v.Lead.PostalCode, &v.Lead.CountryCode,
		&v.Lead.City, &v.Lead.RegionCode, &v.Lead.Message,
		&v.Lead.UTMSource, &v.Lead.UTMMedium, &v.Lead.UTMCampaign,
		&v.Lead.CreatedAt,
		&v.SourceKey,
		&v.WebhookURL,
		&v.WebhookSecret,
		&v.Price,
	)
	if err == sql.ErrNoRows {
		return nil, ErrLeadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("delivery view for lead %d: %w", leadID, err)
	}
	v.Lead.Status = lead.Status(status)
	return &v, nil
}
