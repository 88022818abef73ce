package policy

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// Loader reads the policy rows attached to an offer, with an
// in-process read-only cache bounded by TTL. Policies are versioned;
// a newer version is picked up at the next TTL expiry.
type Loader struct {
	db  *sql.DB
	ttl time.Duration

	mu         sync.RWMutex
	validation map[int64]cachedValidation
	routing    map[int64]cachedRouting
}

type cachedValidation struct {
	policy    *ValidationPolicy
	version   int
	fetchedAt time.Time
}

type cachedRouting struct {
	policy    *RoutingPolicy
	version   int
	fetchedAt time.Time
}

func NewLoader(db *sql.DB, ttl time.Duration) *Loader {
	return &Loader{
		db:         db,
		ttl:        ttl,
		validation: make(map[int64]cachedValidation),
		routing:    make(map[int64]cachedRouting),
	}
}

const sqlValidationByOffer = `
	SELECT vp.rules, vp.version
	FROM validation_policies vp
	JOIN offers o ON o.validation_policy_id = vp.id
	WHERE o.id = $1 AND vp.is_active = TRUE
	LIMIT 1`

const sqlRoutingByOffer = `
	SELECT rp.config, rp.version
	FROM routing_policies rp
	JOIN offers o ON o.routing_policy_id = rp.id
	WHERE o.id = $1 AND rp.is_active = TRUE
	LIMIT 1`

// Validation returns the parsed validation policy for an offer.
func (l *Loader) Validation(ctx context.Context, offerID int64) (*ValidationPolicy, error) {
	l.mu.RLock()
	if c, ok := l.validation[offerID]; ok && time.Since(c.fetchedAt) < l.ttl {
		l.mu.RUnlock()
		return c.policy, nil
	}
	l.mu.RUnlock()

	var raw []byte
	var version int
	err := l.db.QueryRowContext(ctx, sqlValidationByOffer, offerID).Scan(&raw, &version)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: no active validation policy for offer %d", ErrMisconfigured, offerID)
	}
	if err != nil {
		return nil, fmt.Errorf("load validation policy: %w", err)
	}

	p, err := ParseValidation(raw)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.validation[offerID] = cachedValidation{policy: p, version: version, fetchedAt: time.Now()}
	l.mu.Unlock()
	return p, nil
}

// Routing returns the parsed routing policy for an offer.
func (l *Loader) Routing(ctx context.Context, offerID int64) (*RoutingPolicy, error) {
	l.mu.RLock()
	if c, ok := l.routing[offerID]; ok && time.Since(c.fetchedAt) < l.ttl {
		l.mu.RUnlock()
		return c.policy, nil
	}
	l.mu.RUnlock()

	var raw []byte
	var version int
	err := l.db.QueryRowContext(ctx, sqlRoutingByOffer, offerID).Scan(&raw, &version)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: no active routing policy for offer %d", ErrMisconfigured, offerID)
	}
	if err != nil {
		return nil, fmt.Errorf("load routing policy: %w", err)
	}

	p, err := ParseRouting(raw)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.routing[offerID] = cachedRouting{policy: p, version: version, fetchedAt: time.Now()}
	l.mu.Unlock()
	return p, nil
}
