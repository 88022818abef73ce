// Package route selects a buyer for a validated lead and performs the
// guarded validated→routed assignment.
package route

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"

	"github.com/leadgenhq/leadgen/pkg/lead"
	"github.com/leadgenhq/leadgen/pkg/policy"
	"github.com/leadgenhq/leadgen/pkg/store"
)

// Routing outcomes.
const (
	OutcomeRouted           = "routed"
	OutcomeNoRoute          = "no_route"
	OutcomeNoRouteExclusive = "no_route_exclusive_fail_closed"
	OutcomeAlreadyRouted    = "already_routed"
)

// Outcome reports the result of one routing attempt.
type Outcome struct {
	Code    string
	BuyerID int64
	Price   sql.NullFloat64
}

// Candidate is one eligible buyer for a lead.
type Candidate struct {
	BuyerID         int64
	RoutingPriority int
	Price           sql.NullFloat64
	LastDeliveredAt sql.NullTime
}

// Router computes buyer eligibility in SQL and applies the policy's
// selection strategy in memory.
type Router struct {
	db    *sql.DB
	leads *store.LeadStore
	log   *slog.Logger
}

func New(leads *store.LeadStore, log *slog.Logger) *Router {
	return &Router{db: leads.DB(), leads: leads, log: log}
}

// sqlEligible filters buyers to those active, enrolled, covering the
// lead's market by postal or city, unpaused, funded, and under
// capacity. Pause and capacity checks are toggled by the policy flags
// ($5, $6). last_delivered_at feeds the rotation strategy.
const sqlEligible = `
	SELECT DISTINCT
	  bo.buyer_id,
	  bo.routing_priority,
	  bo.price,
	  (SELECT MAX(ld.delivered_at) FROM leads ld
	    WHERE ld.buyer_id = bo.buyer_id AND ld.offer_id = bo.offer_id) AS last_delivered_at
	FROM buyer_offers bo
	JOIN buyers b ON b.id = bo.buyer_id
	JOIN buyer_service_areas bsa ON bsa.buyer_id = bo.buyer_id
	WHERE bo.offer_id = $1
	  AND bo.is_active
	  AND b.is_active
	  AND bsa.market_id = $2
	  AND bsa.is_active
	  AND (
	    (bsa.scope_type = 'postal_code' AND $3 <> '' AND bsa.scope_value = $3)
	    OR
	    (bsa.scope_type = 'city' AND $4 <> '' AND lower(bsa.scope_value) = lower($4))
	  )
	  AND (NOT $5::bool OR bo.pause_until IS NULL OR bo.pause_until < now())
	  AND (bo.min_balance_required IS NULL OR b.balance >= bo.min_balance_required)
	  AND (NOT $6::bool OR (
	    (bo.capacity_per_day IS NULL OR bo.capacity_per_day > (
	      SELECT COUNT(*) FROM leads ld
	      WHERE ld.buyer_id = bo.buyer_id AND ld.offer_id = bo.offer_id
	        AND ld.delivered_at >= date_trunc('day', now())))
	    AND
	    (bo.capacity_per_hour IS NULL OR bo.capacity_per_hour > (
	      SELECT COUNT(*) FROM leads lh
	      WHERE lh.buyer_id = bo.buyer_id AND lh.offer_id = bo.offer_id
	        AND lh.delivered_at >= date_trunc('hour', now())))
	  ))`

// sqlExclusive finds an exclusivity grant matching the lead's postal
// code or, failing that, its city.
const sqlExclusive = `
	SELECT oe.buyer_id
	FROM offer_exclusivities oe
	WHERE oe.offer_id = $1
	  AND oe.is_active
	  AND (
	    (oe.scope_type = 'postal_code' AND $2 <> '' AND oe.scope_value = $2)
	    OR
	    (oe.scope_type = 'city' AND $3 <> '' AND lower(oe.scope_value) = lower($3))
	  )
	ORDER BY CASE oe.scope_type WHEN 'postal_code' THEN 0 ELSE 1 END
	LIMIT 1`

// Route picks a buyer for the lead per the routing policy and performs
// the guarded assignment. The WHERE clause of the assignment is the
// sole defense against double-routing; losing it yields already_routed.
func (r *Router) Route(ctx context.Context, l *lead.Lead, p *policy.RoutingPolicy) (Outcome, error) {
	if l.Status.AtLeast(lead.StatusRouted) || l.Status == lead.StatusRejected {
		return Outcome{Code: OutcomeAlreadyRouted}, nil
	}

	eligible, err := r.Eligible(ctx, l, p)
	if err != nil {
		return Outcome{}, err
	}

	exclusiveBuyer, err := r.exclusiveGrant(ctx, l)
	if err != nil {
		return Outcome{}, err
	}
	if exclusiveBuyer != 0 {
		if c, ok := pick(eligible, exclusiveBuyer); ok {
			eligible = []Candidate{c}
		} else if p.ExclusivityBehavior == policy.ExclusivityFailClosed {
			return Outcome{Code: OutcomeNoRouteExclusive}, nil
		}
	}

	if len(eligible) == 0 {
		return Outcome{Code: OutcomeNoRoute}, nil
	}

	winner := Select(eligible, p, l.ID)

	won, err := r.leads.AssignBuyer(ctx, l.ID, winner.BuyerID, winner.Price)
	if err != nil {
		return Outcome{}, err
	}
	if !won {
		return Outcome{Code: OutcomeAlreadyRouted}, nil
	}

	r.log.Info("lead routed",
		"lead_id", l.ID,
		"buyer_id", winner.BuyerID,
		"strategy", p.Strategy)
	return Outcome{Code: OutcomeRouted, BuyerID: winner.BuyerID, Price: winner.Price}, nil
}

// Eligible computes the eligible buyer set for a lead.
func (r *Router) Eligible(ctx context.Context, l *lead.Lead, p *policy.RoutingPolicy) ([]Candidate, error) {
	rows, err := r.db.QueryContext(ctx, sqlEligible,
		l.OfferID, l.MarketID, l.PostalCode, l.City.String,
		p.RespectPause, p.RespectCapacity)
	if err != nil {
		return nil, fmt.Errorf("eligible buyers for lead %d: %w", l.ID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.BuyerID, &c.RoutingPriority, &c.Price, &c.LastDeliveredAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *Router) exclusiveGrant(ctx context.Context, l *lead.Lead) (int64, error) {
	var buyerID int64
	err := r.db.QueryRowContext(ctx, sqlExclusive, l.OfferID, l.PostalCode, l.City.String).Scan(&buyerID)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("exclusivity lookup for lead %d: %w", l.ID, err)
	}
	return buyerID, nil
}

// Select applies the policy strategy over the eligible set. seed is the
// lead's id so weighted selection is stable across replays.
func Select(eligible []Candidate, p *policy.RoutingPolicy, seed int64) Candidate {
	switch p.Strategy {
	case policy.StrategyRotation:
		tier := topTier(eligible)
		sort.SliceStable(tier, func(i, j int) bool {
			// Never-delivered buyers go first, then oldest delivery.
			a, b := tier[i].LastDeliveredAt, tier[j].LastDeliveredAt
			if a.Valid != b.Valid {
				return !a.Valid
			}
			if a.Valid && !a.Time.Equal(b.Time) {
				return a.Time.Before(b.Time)
			}
			return tieLess(tier[i], tier[j], p.TieBreakers)
		})
		return tier[0]

	case policy.StrategyWeighted:
		rng := rand.New(rand.NewSource(seed))
		total := 0
		for _, c := range eligible {
			total += c.RoutingPriority
		}
		if total > 0 {
			n := rng.Intn(total)
			sorted := append([]Candidate(nil), eligible...)
			sort.SliceStable(sorted, func(i, j int) bool {
				return tieLess(sorted[i], sorted[j], p.TieBreakers)
			})
			for _, c := range sorted {
				n -= c.RoutingPriority
				if n < 0 {
					return c
				}
			}
		}
		fallthrough

	default: // priority
		sorted := append([]Candidate(nil), eligible...)
		sort.SliceStable(sorted, func(i, j int) bool {
			return tieLess(sorted[i], sorted[j], p.TieBreakers)
		})
		return sorted[0]
	}
}

// topTier returns the candidates sharing the highest routing_priority.
func topTier(eligible []Candidate) []Candidate {
	max := eligible[0].RoutingPriority
	for _, c := range eligible {
		if c.RoutingPriority > max {
			max = c.RoutingPriority
		}
	}
	var tier []Candidate
	for _, c := range eligible {
		if c.RoutingPriority == max {
			tier = append(tier, c)
		}
	}
	return tier
}

func tieLess(a, b Candidate, breakers []string) bool {
	for _, tb := range breakers {
		switch tb {
		case policy.TieRoutingPriorityDesc:
			if a.RoutingPriority != b.RoutingPriority {
				return a.RoutingPriority > b.RoutingPriority
			}
		case policy.TieBuyerIDAsc:
			if a.BuyerID != b.BuyerID {
				return a.BuyerID < b.BuyerID
			}
		}
	}
	return a.BuyerID < b.BuyerID
}

func pick(set []Candidate, buyerID int64) (Candidate, bool) {
	for _, c := range set {
		if c.BuyerID == buyerID {
			return c, true
		}
	}
	return Candidate{}, false
}
