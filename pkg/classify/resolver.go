// Package classify resolves an inbound ingest request to its
// (source, offer, market, vertical) tuple. Resolution is pure with
// respect to the sources×offers catalog: validation and routing
// configuration never influence it.
package classify

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// Result is the resolved classification tuple.
type Result struct {
	SourceID   int64
	OfferID    int64
	MarketID   int64
	VerticalID int64
}

// Error is a classified resolution failure. HTTPStatus follows the
// fixed mapping: 409 for ambiguous_source_mapping, 400 otherwise.
type Error struct {
	Code       string
	HTTPStatus int
	Detail     string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Detail) }

var sourceKeyRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{1,127}$`)

// CanonicalizeSourceKey trims and validates a source key.
func CanonicalizeSourceKey(key string) (string, error) {
	k := strings.TrimSpace(key)
	if !sourceKeyRe.MatchString(k) {
		return "", &Error{
			Code:       "invalid_source_key_format",
			HTTPStatus: http.StatusBadRequest,
			Detail:     "source_key must start alphanumeric and be 2-128 chars of [A-Za-z0-9._:-]",
		}
	}
	return k, nil
}

// CanonicalizeHostname lowercases and strips any port, handling
// bracketed IPv6 literals. Empty input yields missing_host_header.
func CanonicalizeHostname(host string) (string, error) {
	h := strings.ToLower(strings.TrimSpace(host))
	if h == "" {
		return "", &Error{
			Code:       "missing_host_header",
			HTTPStatus: http.StatusBadRequest,
			Detail:     "Host header is required for hostname-based source mapping",
		}
	}
	if strings.HasPrefix(h, "[") {
		// [::1]:8080 → ::1
		if end := strings.Index(h, "]"); end > 0 {
			h = h[1:end]
		}
	} else if i := strings.Index(h, ":"); i >= 0 {
		h = h[:i]
	}
	if h == "" {
		return "", &Error{
			Code:       "missing_host_header",
			HTTPStatus: http.StatusBadRequest,
			Detail:     "Host header is required for hostname-based source mapping",
		}
	}
	return h, nil
}

// CanonicalizePath defaults to "/" and guarantees a leading slash.
func CanonicalizePath(path string) string {
	p := strings.TrimSpace(path)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}

// Request carries the classification inputs of one ingest call.
type Request struct {
	SourceID  int64  // 0 when absent
	SourceKey string // "" when absent
	Host      string
	Path      string
}

// Resolver looks up active sources in Postgres.
type Resolver struct {
	db *sql.DB
}

func NewResolver(db *sql.DB) *Resolver {
	return &Resolver{db: db}
}

const sqlByID = `
	SELECT s.id, s.offer_id, o.market_id, o.vertical_id
	FROM sources s
	JOIN offers o ON o.id = s.offer_id
	WHERE s.is_active = TRUE AND o.is_active = TRUE AND s.id = $1
	LIMIT 1`

const sqlByKey = `
	SELECT s.id, s.offer_id, o.market_id, o.vertical_id
	FROM sources s
	JOIN offers o ON o.id = s.offer_id
	WHERE s.is_active = TRUE AND o.is_active = TRUE AND s.source_key = $1
	LIMIT 1`

// sqlByHTTP ranks matching sources by prefix length; two rows are
// enough to detect a tie at the top.
const sqlByHTTP = `
	SELECT s.id, s.offer_id, o.market_id, o.vertical_id,
	       LENGTH(COALESCE(s.path_prefix, '')) AS prefix_len
	FROM sources s
	JOIN offers o ON o.id = s.offer_id
	WHERE s.is_active = TRUE AND o.is_active = TRUE
	  AND s.hostname = $1
	  AND (s.path_prefix IS NULL OR $2 LIKE s.path_prefix || '%')
	ORDER BY prefix_len DESC, s.id ASC
	LIMIT 2`

// Resolve applies the strict priority order: source_id, then
// source_key, then hostname + path prefix.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Result, error) {
	if req.SourceID > 0 {
		return r.byID(ctx, req.SourceID)
	}
	if req.SourceKey != "" {
		return r.byKey(ctx, req.SourceKey)
	}
	return r.byHTTP(ctx, req.Host, req.Path)
}

func (r *Resolver) byID(ctx context.Context, id int64) (Result, error) {
	var res Result
	err := r.db.QueryRowContext(ctx, sqlByID, id).
		Scan(&res.SourceID, &res.OfferID, &res.MarketID, &res.VerticalID)
	if err == sql.ErrNoRows {
		return Result{}, &Error{
			Code:       "invalid_source",
			HTTPStatus: http.StatusBadRequest,
			Detail:     fmt.Sprintf("no active source with id %d", id),
		}
	}
	if err != nil {
		return Result{}, fmt.Errorf("classify by id: %w", err)
	}
	return res, nil
}

func (r *Resolver) byKey(ctx context.Context, key string) (Result, error) {
	k, err := CanonicalizeSourceKey(key)
	if err != nil {
		return Result{}, err
	}
	var res Result
	err = r.db.QueryRowContext(ctx, sqlByKey, k).
		Scan(&res.SourceID, &res.OfferID, &res.MarketID, &res.VerticalID)
	if err == sql.ErrNoRows {
		return Result{}, &Error{
			Code:       "invalid_source_key",
			HTTPStatus: http.StatusBadRequest,
			Detail:     fmt.Sprintf("no active source with key %q", k),
		}
	}
	if err != nil {
		return Result{}, fmt.Errorf("classify by key: %w", err)
	}
	return res, nil
}

func (r *Resolver) byHTTP(ctx context.Context, host, path string) (Result, error) {
	hostname, err := CanonicalizeHostname(host)
	if err != nil {
		return Result{}, err
	}
	p := CanonicalizePath(path)

	rows, err := r.db.QueryContext(ctx, sqlByHTTP, hostname, p)
	if err != nil {
		return Result{}, fmt.Errorf("classify by http: %w", err)
	}
	defer func() { _ = rows.Close() }()

	type candidate struct {
		res       Result
		prefixLen int
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.res.SourceID, &c.res.OfferID, &c.res.MarketID, &c.res.VerticalID, &c.prefixLen); err != nil {
			return Result{}, fmt.Errorf("classify by http: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return Result{}, fmt.Errorf("classify by http: %w", err)
	}

	switch {
	case len(candidates) == 0:
		return Result{}, &Error{
			Code:       "unmapped_source",
			HTTPStatus: http.StatusBadRequest,
			Detail:     fmt.Sprintf("no source mapped for host %q path %q", hostname, p),
		}
	case len(candidates) >= 2 && candidates[0].prefixLen == candidates[1].prefixLen:
		return Result{}, &Error{
			Code:       "ambiguous_source_mapping",
			HTTPStatus: http.StatusConflict,
			Detail: fmt.Sprintf("sources %d and %d both match host %q at prefix length %d",
				candidates[0].res.SourceID, candidates[1].res.SourceID, hostname, candidates[0].prefixLen),
		}
	}
	return candidates[0].res, nil
}

const sqlCredential = `
	SELECT s.kind, COALESCE(s.api_key_hash, '')
	FROM sources s
	WHERE s.id = $1`

// Credential returns the source kind and, for partner_api sources, the
// bcrypt hash of the expected API key. An empty hash means the source
// carries no credential.
func (r *Resolver) Credential(ctx context.Context, sourceID int64) (kind, apiKeyHash string, err error) {
	err = r.db.QueryRowContext(ctx, sqlCredential, sourceID).Scan(&kind, &apiKeyHash)
	if err != nil {
		return "", "", fmt.Errorf("source credential %d: %w", sourceID, err)
	}
	return kind, apiKeyHash, nil
}
