package store

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadgenhq/leadgen/pkg/lead"
)

func leadStoreWithMock(t *testing.T) (*LeadStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewLeadStore(db), mock
}

func TestInsertIdempotent_CreatesRow(t *testing.T) {
	s, mock := leadStoreWithMock(t)

	mock.ExpectQuery(`INSERT INTO leads`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "buyer_id", "price", "created"}).
			AddRow(42, "received", nil, nil, true))

	r, err := s.InsertIdempotent(context.Background(), NewLead{
		SourceID: 1, OfferID: 2, MarketID: 3, VerticalID: 4,
		IdempotencyKey: "abcdef0123456789",
		Name:           "Jane", Email: "j@x.com", Phone: "+15125550123",
		PostalCode: "78701", CountryCode: "US",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), r.LeadID)
	assert.Equal(t, lead.StatusReceived, r.Status)
	assert.True(t, r.Created)
}

func TestInsertIdempotent_Replay(t *testing.T) {
	s, mock := leadStoreWithMock(t)

	// Conflict path: existing row returned, created = false.
	mock.ExpectQuery(`INSERT INTO leads`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "buyer_id", "price", "created"}).
			AddRow(42, "delivered", 7, 25.0, false))

	r, err := s.InsertIdempotent(context.Background(), NewLead{
		SourceID: 1, IdempotencyKey: "abcdef0123456789",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), r.LeadID)
	assert.Equal(t, lead.StatusDelivered, r.Status)
	assert.False(t, r.Created)
	assert.True(t, r.BuyerID.Valid)
}

func TestMarkValidated_Guarded(t *testing.T) {
	s, mock := leadStoreWithMock(t)

	mock.ExpectExec(`UPDATE leads SET status = 'validated'`).
		WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	st, err := s.MarkValidated(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, lead.StatusValidated, st)
}

func TestMarkValidated_NoOpReturnsCurrentStatus(t *testing.T) {
	s, mock := leadStoreWithMock(t)

	mock.ExpectExec(`UPDATE leads SET status = 'validated'`).
		WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT status FROM leads`).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("routed"))

	st, err := s.MarkValidated(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, lead.StatusRouted, st)
}

func TestAssignBuyer_WinsOnce(t *testing.T) {
	s, mock := leadStoreWithMock(t)

	mock.ExpectExec(`UPDATE leads`).
		WithArgs(int64(42), int64(7), sql.NullFloat64{Float64: 25, Valid: true}).
		WillReturnResult(sqlmock.NewResult(0, 1))

	won, err := s.AssignBuyer(context.Background(), 42, 7, sql.NullFloat64{Float64: 25, Valid: true})
	require.NoError(t, err)
	assert.True(t, won)
}

func TestAssignBuyer_LosesRace(t *testing.T) {
	s, mock := leadStoreWithMock(t)

	mock.ExpectExec(`UPDATE leads`).
		WithArgs(int64(42), int64(7), sql.NullFloat64{}).
		WillReturnResult(sqlmock.NewResult(0, 0))

	won, err := s.AssignBuyer(context.Background(), 42, 7, sql.NullFloat64{})
	require.NoError(t, err)
	assert.False(t, won)
}

func TestMarkDuplicate_AcceptKeepsFlagClear(t *testing.T) {
	s, mock := leadStoreWithMock(t)

	// Accept persists the back-reference only; the row must not be
	// flagged is_duplicate.
	mock.ExpectExec(`UPDATE leads\s+SET duplicate_of = \$2`).
		WithArgs(int64(42), int64(17)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.MarkDuplicate(context.Background(), 42, 17, "accept", "duplicate")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkDuplicate_FlagSetsFlag(t *testing.T) {
	s, mock := leadStoreWithMock(t)

	mock.ExpectExec(`UPDATE leads\s+SET is_duplicate = TRUE, duplicate_of = \$2`).
		WithArgs(int64(42), int64(17)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.MarkDuplicate(context.Background(), 42, 17, "flag", "duplicate")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkDuplicate_RejectGuardsLaterStates(t *testing.T) {
	s, mock := leadStoreWithMock(t)

	mock.ExpectExec(`status = CASE WHEN status = 'received' THEN 'rejected'`).
		WithArgs(int64(42), int64(17), "duplicate").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.MarkDuplicate(context.Background(), 42, 17, "reject", "duplicate")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkDelivered_Guarded(t *testing.T) {
	s, mock := leadStoreWithMock(t)

	mock.ExpectExec(`UPDATE leads SET status = 'delivered'`).
		WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	won, err := s.MarkDelivered(context.Background(), 42)
	require.NoError(t, err)
	assert.True(t, won)

	mock.ExpectExec(`UPDATE leads SET status = 'delivered'`).
		WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	won, err = s.MarkDelivered(context.Background(), 42)
	require.NoError(t, err)
	assert.False(t, won)
}

func TestGet_NotFound(t *testing.T) {
	s, mock := leadStoreWithMock(t)

	mock.ExpectQuery(`FROM leads WHERE id`).
		WithArgs(int64(9000)).
		WillReturnError(sql.ErrNoRows)

	_, err := s.Get(context.Background(), 9000)
	assert.ErrorIs(t, err, ErrLeadNotFound)
}
