package classify

import (
	"context"
	"net/http"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeSourceKey(t *testing.T) {
	k, err := CanonicalizeSourceKey("  aus-plb-v1 ")
	require.NoError(t, err)
	assert.Equal(t, "aus-plb-v1", k)

	for _, bad := range []string{"", "a", "-leading-dash", "has space", "bad@char"} {
		_, err := CanonicalizeSourceKey(bad)
		require.Error(t, err, bad)
		var ce *Error
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, "invalid_source_key_format", ce.Code)
		assert.Equal(t, http.StatusBadRequest, ce.HTTPStatus)
	}
}

func TestCanonicalizeHostname(t *testing.T) {
	h, err := CanonicalizeHostname("Example.COM:8080")
	require.NoError(t, err)
	assert.Equal(t, "example.com", h)

	h, err = CanonicalizeHostname("[::1]:8080")
	require.NoError(t, err)
	assert.Equal(t, "::1", h)

	_, err = CanonicalizeHostname("   ")
	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "missing_host_header", ce.Code)
}

func TestCanonicalizePath(t *testing.T) {
	assert.Equal(t, "/", CanonicalizePath(""))
	assert.Equal(t, "/api/leads", CanonicalizePath("api/leads"))
	assert.Equal(t, "/api/leads", CanonicalizePath("/api/leads"))
}

func resolverWithMock(t *testing.T) (*Resolver, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewResolver(db), mock
}

func TestResolve_BySourceID(t *testing.T) {
	r, mock := resolverWithMock(t)

	mock.ExpectQuery(`FROM sources s`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "offer_id", "market_id", "vertical_id"}).
			AddRow(7, 3, 1, 2))

	res, err := r.Resolve(context.Background(), Request{SourceID: 7})
	require.NoError(t, err)
	assert.Equal(t, Result{SourceID: 7, OfferID: 3, MarketID: 1, VerticalID: 2}, res)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolve_BySourceID_Miss(t *testing.T) {
	r, mock := resolverWithMock(t)

	mock.ExpectQuery(`FROM sources s`).
		WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "offer_id", "market_id", "vertical_id"}))

	_, err := r.Resolve(context.Background(), Request{SourceID: 99})
	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "invalid_source", ce.Code)
	assert.Equal(t, http.StatusBadRequest, ce.HTTPStatus)
}

func TestResolve_BySourceKey(t *testing.T) {
	r, mock := resolverWithMock(t)

	mock.ExpectQuery(`FROM sources s`).
		WithArgs("aus-plb-v1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "offer_id", "market_id", "vertical_id"}).
			AddRow(4, 3, 1, 2))

	res, err := r.Resolve(context.Background(), Request{SourceKey: " aus-plb-v1 "})
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.SourceID)
}

func TestResolve_BySourceKey_Miss(t *testing.T) {
	r, mock := resolverWithMock(t)

	mock.ExpectQuery(`FROM sources s`).
		WithArgs("unknown-key").
		WillReturnRows(sqlmock.NewRows([]string{"id", "offer_id", "market_id", "vertical_id"}))

	_, err := r.Resolve(context.Background(), Request{SourceKey: "unknown-key"})
	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "invalid_source_key", ce.Code)
}

func TestResolve_ByHTTP_LongestPrefixWins(t *testing.T) {
	r, mock := resolverWithMock(t)

	mock.ExpectQuery(`prefix_len`).
		WithArgs("leads.example.com", "/plumbing/austin").
		WillReturnRows(sqlmock.NewRows([]string{"id", "offer_id", "market_id", "vertical_id", "prefix_len"}).
			AddRow(10, 3, 1, 2, 16).
			AddRow(11, 4, 1, 2, 9))

	res, err := r.Resolve(context.Background(), Request{Host: "Leads.Example.Com:443", Path: "/plumbing/austin"})
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.SourceID)
}

func TestResolve_ByHTTP_TieIsAmbiguous(t *testing.T) {
	r, mock := resolverWithMock(t)

	mock.ExpectQuery(`prefix_len`).
		WithArgs("leads.example.com", "/plumbing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "offer_id", "market_id", "vertical_id", "prefix_len"}).
			AddRow(10, 3, 1, 2, 9).
			AddRow(11, 4, 1, 2, 9))

	_, err := r.Resolve(context.Background(), Request{Host: "leads.example.com", Path: "/plumbing"})
	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "ambiguous_source_mapping", ce.Code)
	assert.Equal(t, http.StatusConflict, ce.HTTPStatus)
}

func TestResolve_ByHTTP_Unmapped(t *testing.T) {
	r, mock := resolverWithMock(t)

	mock.ExpectQuery(`prefix_len`).
		WithArgs("nowhere.example.com", "/").
		WillReturnRows(sqlmock.NewRows([]string{"id", "offer_id", "market_id", "vertical_id", "prefix_len"}))

	_, err := r.Resolve(context.Background(), Request{Host: "nowhere.example.com"})
	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "unmapped_source", ce.Code)
	assert.Equal(t, http.StatusBadRequest, ce.HTTPStatus)
}

func TestResolve_MissingHost(t *testing.T) {
	r, _ := resolverWithMock(t)

	_, err := r.Resolve(context.Background(), Request{})
	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "missing_host_header", ce.Code)
}
