package route

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadgenhq/leadgen/pkg/lead"
	"github.com/leadgenhq/leadgen/pkg/policy"
	"github.com/leadgenhq/leadgen/pkg/store"
)

func testRouter(t *testing.T) (*Router, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(store.NewLeadStore(db), slog.New(slog.NewTextHandler(io.Discard, nil))), mock
}

func validatedLead() *lead.Lead {
	return &lead.Lead{
		ID:         10,
		OfferID:    5,
		MarketID:   3,
		PostalCode: "78701",
		City:       sql.NullString{String: "Austin", Valid: true},
		Status:     lead.StatusValidated,
	}
}

func defaultPolicy() *policy.RoutingPolicy {
	return &policy.RoutingPolicy{
		Strategy:            policy.StrategyPriority,
		ExclusivityBehavior: policy.ExclusivityFailClosed,
		TieBreakers:         []string{policy.TieRoutingPriorityDesc, policy.TieBuyerIDAsc},
	}
}

func candidateRows(cs ...Candidate) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"buyer_id", "routing_priority", "price", "last_delivered_at"})
	for _, c := range cs {
		rows.AddRow(c.BuyerID, c.RoutingPriority, c.Price, c.LastDeliveredAt)
	}
	return rows
}

func TestRoute_PriorityWinner(t *testing.T) {
	r, mock := testRouter(t)

	mock.ExpectQuery(`FROM buyer_offers`).
		WillReturnRows(candidateRows(
			Candidate{BuyerID: 1, RoutingPriority: 5},
			Candidate{BuyerID: 2, RoutingPriority: 9, Price: sql.NullFloat64{Float64: 30, Valid: true}},
			Candidate{BuyerID: 3, RoutingPriority: 9},
		))
	mock.ExpectQuery(`FROM offer_exclusivities`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`UPDATE leads`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	out, err := r.Route(context.Background(), validatedLead(), defaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, OutcomeRouted, out.Code)
	// Tied at priority 9, lowest buyer id wins.
	assert.Equal(t, int64(2), out.BuyerID)
	assert.True(t, out.Price.Valid)
}

func TestRoute_NoEligibleBuyers(t *testing.T) {
	r, mock := testRouter(t)

	mock.ExpectQuery(`FROM buyer_offers`).
		WillReturnRows(candidateRows())
	mock.ExpectQuery(`FROM offer_exclusivities`).
		WillReturnError(sql.ErrNoRows)

	out, err := r.Route(context.Background(), validatedLead(), defaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoRoute, out.Code)
}

func TestRoute_ExclusiveFailClosed(t *testing.T) {
	r, mock := testRouter(t)

	mock.ExpectQuery(`FROM buyer_offers`).
		WillReturnRows(candidateRows(Candidate{BuyerID: 1, RoutingPriority: 5}))
	// Grant belongs to an ineligible buyer.
	mock.ExpectQuery(`FROM offer_exclusivities`).
		WillReturnRows(sqlmock.NewRows([]string{"buyer_id"}).AddRow(99))

	out, err := r.Route(context.Background(), validatedLead(), defaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoRouteExclusive, out.Code)
}

func TestRoute_ExclusiveFallbackAllowed(t *testing.T) {
	r, mock := testRouter(t)
	p := defaultPolicy()
	p.ExclusivityBehavior = policy.ExclusivityFallbackAllowed

	mock.ExpectQuery(`FROM buyer_offers`).
		WillReturnRows(candidateRows(Candidate{BuyerID: 1, RoutingPriority: 5}))
	mock.ExpectQuery(`FROM offer_exclusivities`).
		WillReturnRows(sqlmock.NewRows([]string{"buyer_id"}).AddRow(99))
	mock.ExpectExec(`UPDATE leads`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	out, err := r.Route(context.Background(), validatedLead(), p)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRouted, out.Code)
	assert.Equal(t, int64(1), out.BuyerID)
}

func TestRoute_ExclusiveEligibleBuyerWins(t *testing.T) {
	r, mock := testRouter(t)

	mock.ExpectQuery(`FROM buyer_offers`).
		WillReturnRows(candidateRows(
			Candidate{BuyerID: 1, RoutingPriority: 9},
			Candidate{BuyerID: 2, RoutingPriority: 1},
		))
	// Grant goes to the low-priority buyer; it is the sole candidate.
	mock.ExpectQuery(`FROM offer_exclusivities`).
		WillReturnRows(sqlmock.NewRows([]string{"buyer_id"}).AddRow(2))
	mock.ExpectExec(`UPDATE leads`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	out, err := r.Route(context.Background(), validatedLead(), defaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, OutcomeRouted, out.Code)
	assert.Equal(t, int64(2), out.BuyerID)
}

func TestRoute_LosesAssignmentRace(t *testing.T) {
	r, mock := testRouter(t)

	mock.ExpectQuery(`FROM buyer_offers`).
		WillReturnRows(candidateRows(Candidate{BuyerID: 1, RoutingPriority: 5}))
	mock.ExpectQuery(`FROM offer_exclusivities`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec(`UPDATE leads`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	out, err := r.Route(context.Background(), validatedLead(), defaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyRouted, out.Code)
}

func TestRoute_AlreadyRoutedLeadShortCircuits(t *testing.T) {
	r, _ := testRouter(t)
	l := validatedLead()
	l.Status = lead.StatusRouted

	out, err := r.Route(context.Background(), l, defaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyRouted, out.Code)
}

func TestSelect_Rotation(t *testing.T) {
	now := time.Now()
	eligible := []Candidate{
		{BuyerID: 1, RoutingPriority: 9, LastDeliveredAt: sql.NullTime{Time: now, Valid: true}},
		{BuyerID: 2, RoutingPriority: 9, LastDeliveredAt: sql.NullTime{Time: now.Add(-time.Hour), Valid: true}},
		{BuyerID: 3, RoutingPriority: 1},
	}
	p := defaultPolicy()
	p.Strategy = policy.StrategyRotation

	// Buyer 2 delivered least recently within the top tier.
	assert.Equal(t, int64(2), Select(eligible, p, 10).BuyerID)

	// A never-delivered buyer in the top tier goes first.
	eligible = append(eligible, Candidate{BuyerID: 4, RoutingPriority: 9})
	assert.Equal(t, int64(4), Select(eligible, p, 10).BuyerID)
}

func TestSelect_WeightedIsDeterministic(t *testing.T) {
	eligible := []Candidate{
		{BuyerID: 1, RoutingPriority: 1},
		{BuyerID: 2, RoutingPriority: 10},
		{BuyerID: 3, RoutingPriority: 5},
	}
	p := defaultPolicy()
	p.Strategy = policy.StrategyWeighted

	first := Select(eligible, p, 77)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first.BuyerID, Select(eligible, p, 77).BuyerID)
	}
}
