package deliver

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadgenhq/leadgen/pkg/queue"
	"github.com/leadgenhq/leadgen/pkg/store"
)

type fakeRequeuer struct {
	calls int32
	lead  int64
	hint  int
	delay time.Duration
}

func (f *fakeRequeuer) EnqueueAfter(_ context.Context, leadID int64, hint int, delay time.Duration) error {
	atomic.AddInt32(&f.calls, 1)
	f.lead, f.hint, f.delay = leadID, hint, delay
	return nil
}

type auditRecorder struct {
	actions  []string
	outcomes []string
}

func (a *auditRecorder) Record(_ context.Context, action string, _ int64, outcome string, _ map[string]any) error {
	a.actions = append(a.actions, action)
	a.outcomes = append(a.outcomes, outcome)
	return nil
}

func testExecutor(t *testing.T) (*Executor, sqlmock.Sqlmock, *fakeRequeuer, *auditRecorder) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	rq := &fakeRequeuer{}
	rec := &auditRecorder{}
	e := New(store.NewLeadStore(db), store.NewAttemptStore(db), rq, rec, Options{
		MaxAttempts:    3,
		ConnectTimeout: time.Second,
		TotalTimeout:   2 * time.Second,
		Backoff:        []time.Duration{0, 5 * time.Second, 15 * time.Second},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return e, mock, rq, rec
}

func viewColumns() []string {
	return []string{
		"id", "status", "buyer_id", "idempotency_key",
		"name", "email", "phone", "postal_code", "country_code",
		"city", "region_code", "message",
		"utm_source", "utm_medium", "utm_campaign",
		"created_at", "source_key", "webhook_url", "webhook_secret", "price",
	}
}

func routedRow(url string, secret any) *sqlmock.Rows {
	return sqlmock.NewRows(viewColumns()).AddRow(
		42, "routed", 7, "abcdef0123456789",
		"Jane Doe", "jane@example.com", "+15125550123", "78701", "US",
		"Austin", nil, "need a quote",
		nil, nil, nil,
		time.Now().Add(-time.Minute), "web_form_tx", url, secret, 25.0,
	)
}

func expectAttempt(mock sqlmock.Sqlmock, number int) {
	mock.ExpectQuery(`INSERT INTO delivery_attempts`).
		WillReturnRows(sqlmock.NewRows([]string{"attempt_number"}).AddRow(number))
}

func TestProcess_SuccessDeliversAndFlips(t *testing.T) {
	secret := "s3cret"
	var gotSig, gotEvent, gotUA string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Webhook-Signature")
		gotEvent = r.Header.Get("X-LeadGen-Event")
		gotUA = r.Header.Get("User-Agent")
		assert.NotEmpty(t, r.Header.Get("X-LeadGen-Delivery-Id"))
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e, mock, rq, rec := testExecutor(t)
	mock.ExpectQuery(`FROM leads l`).WillReturnRows(routedRow(srv.URL, secret))
	expectAttempt(mock, 1)
	mock.ExpectExec(`UPDATE leads SET status = 'delivered'`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := e.Process(context.Background(), &queue.Item{ID: "1-0", LeadID: 42})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	assert.Zero(t, rq.calls)
	assert.Equal(t, []string{"lead.delivered"}, rec.actions)

	// The signature covers the exact bytes sent.
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(gotBody)
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), gotSig)
	assert.Equal(t, "lead.delivered", gotEvent)
	assert.Equal(t, "LeadGen/1.0", gotUA)

	var p payload
	require.NoError(t, json.Unmarshal(gotBody, &p))
	assert.Equal(t, "lead.delivered", p.Event)
	assert.Equal(t, int64(42), p.Data.LeadID)
	assert.Equal(t, "abcdef0123456789", p.Data.Idempotency)
	assert.Equal(t, "Jane Doe", p.Data.Contact.Name)
	assert.Equal(t, "web_form_tx", p.Data.Details.Source)
	require.NotNil(t, p.Data.Metadata.Price)
	assert.Equal(t, 25.0, *p.Data.Metadata.Price)
	assert.Equal(t, int64(7), p.Data.Metadata.BuyerID)
}

func TestProcess_TransientFailureRequeues(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e, mock, rq, _ := testExecutor(t)
	mock.ExpectQuery(`FROM leads l`).WillReturnRows(routedRow(srv.URL, nil))
	expectAttempt(mock, 1)

	err := e.Process(context.Background(), &queue.Item{ID: "1-0", LeadID: 42})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	assert.Equal(t, int32(1), rq.calls)
	assert.Equal(t, int64(42), rq.lead)
	assert.Equal(t, 2, rq.hint)
	assert.Equal(t, 5*time.Second, rq.delay)
}

func TestProcess_RetryExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e, mock, rq, rec := testExecutor(t)
	mock.ExpectQuery(`FROM leads l`).WillReturnRows(routedRow(srv.URL, nil))
	// Exactly one attempt row per send. Exhaustion surfaces as an
	// audit event, never a second insert: sqlmock is ordered, so any
	// extra INSERT INTO delivery_attempts would fail the test.
	expectAttempt(mock, 3)

	err := e.Process(context.Background(), &queue.Item{ID: "1-0", LeadID: 42})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	assert.Zero(t, rq.calls)
	assert.Equal(t, []string{"lead.delivery_failed"}, rec.actions)
	assert.Equal(t, []string{"retry_exhausted"}, rec.outcomes)
}

func TestProcess_PermanentFailureDoesNotRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	e, mock, rq, rec := testExecutor(t)
	mock.ExpectQuery(`FROM leads l`).WillReturnRows(routedRow(srv.URL, nil))
	expectAttempt(mock, 1)

	err := e.Process(context.Background(), &queue.Item{ID: "1-0", LeadID: 42})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	assert.Zero(t, rq.calls)
	assert.Equal(t, []string{"permanent_failure"}, rec.outcomes)
}

func TestProcess_NoChannel(t *testing.T) {
	e, mock, rq, _ := testExecutor(t)
	mock.ExpectQuery(`FROM leads l`).WillReturnRows(routedRow("", nil))
	expectAttempt(mock, 1)

	err := e.Process(context.Background(), &queue.Item{ID: "1-0", LeadID: 42})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	assert.Zero(t, rq.calls)
}

func TestProcess_AlreadyDeliveredIsNoop(t *testing.T) {
	e, mock, rq, _ := testExecutor(t)
	rows := sqlmock.NewRows(viewColumns()).AddRow(
		42, "delivered", 7, "abcdef0123456789",
		"Jane Doe", "jane@example.com", "+15125550123", "78701", "US",
		nil, nil, nil, nil, nil, nil,
		time.Now(), "web_form_tx", "http://unused.invalid", nil, nil,
	)
	mock.ExpectQuery(`FROM leads l`).WillReturnRows(rows)

	err := e.Process(context.Background(), &queue.Item{ID: "1-0", LeadID: 42})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	assert.Zero(t, rq.calls)
}

func TestProcess_LosesDeliveredRaceStillAcks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e, mock, _, _ := testExecutor(t)
	mock.ExpectQuery(`FROM leads l`).WillReturnRows(routedRow(srv.URL, nil))
	expectAttempt(mock, 1)
	mock.ExpectExec(`UPDATE leads SET status = 'delivered'`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := e.Process(context.Background(), &queue.Item{ID: "1-0", LeadID: 42})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryDelay_Schedule(t *testing.T) {
	e, _, _, _ := testExecutor(t)
	assert.Equal(t, time.Duration(0), e.retryDelay(0))
	assert.Equal(t, 5*time.Second, e.retryDelay(1))
	assert.Equal(t, 15*time.Second, e.retryDelay(2))
	assert.Equal(t, 15*time.Second, e.retryDelay(9))
}
