// Package deliver posts routed leads to buyer webhooks. Execution is
// idempotent under redelivery: the authoritative lead row is re-read
// per work item, attempts are append-only, and the routed→delivered
// flip is a guarded update that only one worker can win.
package deliver

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/leadgenhq/leadgen/pkg/audit"
	"github.com/leadgenhq/leadgen/pkg/lead"
	"github.com/leadgenhq/leadgen/pkg/queue"
	"github.com/leadgenhq/leadgen/pkg/store"
)

const (
	eventLeadDelivered = "lead.delivered"
	userAgent          = "LeadGen/1.0"

	headerSignature  = "X-Webhook-Signature"
	headerDeliveryID = "X-LeadGen-Delivery-Id"
	headerEvent      = "X-LeadGen-Event"
)

// Requeuer re-enqueues a lead for a later delivery attempt. Satisfied
// by *queue.Queue.
type Requeuer interface {
	EnqueueAfter(ctx context.Context, leadID int64, attemptHint int, delay time.Duration) error
}

// Executor processes delivery work items.
type Executor struct {
	leads    *store.LeadStore
	attempts *store.AttemptStore
	queue    Requeuer
	audit    audit.Logger
	client   *http.Client
	log      *slog.Logger

	maxAttempts  int
	totalTimeout time.Duration
	backoff      []time.Duration
}

type Options struct {
	MaxAttempts    int
	ConnectTimeout time.Duration
	TotalTimeout   time.Duration
	Backoff        []time.Duration
}

func New(leads *store.LeadStore, attempts *store.AttemptStore, q Requeuer, auditLog audit.Logger, opts Options, log *slog.Logger) *Executor {
	dialer := &net.Dialer{Timeout: opts.ConnectTimeout}
	return &Executor{
		leads:    leads,
		attempts: attempts,
		queue:    q,
		audit:    auditLog,
		client: &http.Client{
			Timeout: opts.TotalTimeout,
			Transport: &http.Transport{
				DialContext:         dialer.DialContext,
				TLSHandshakeTimeout: opts.ConnectTimeout,
			},
		},
		log:          log,
		maxAttempts:  opts.MaxAttempts,
		totalTimeout: opts.TotalTimeout,
		backoff:      opts.Backoff,
	}
}

// payload is the outbound wire format. Field order is irrelevant: the
// body is canonicalized before signing and sending.
type payload struct {
	Event string      `json:"event"`
	Data  payloadData `json:"data"`
}

type payloadData struct {
	LeadID      int64          `json:"lead_id"`
	ReceivedAt  string         `json:"received_at"`
	DeliveredAt string         `json:"delivered_at"`
	Idempotency string         `json:"idempotency"`
	Contact     payloadContact `json:"contact"`
	Details     payloadDetails `json:"details"`
	Metadata    payloadMeta    `json:"metadata"`
}

type payloadContact struct {
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	Email      string `json:"email"`
	PostalCode string `json:"postal_code"`
}

type payloadDetails struct {
	Message string `json:"message"`
	Source  string `json:"source"`
}

type payloadMeta struct {
	Price   *float64 `json:"price"`
	BuyerID int64    `json:"buyer_id"`
}

// Process handles one work item to completion. It always resolves the
// item: a nil error means the item is acked, and any retry has already
// been re-enqueued. Only infrastructure errors (DB, queue) propagate,
// leaving the item to be reclaimed.
func (e *Executor) Process(ctx context.Context, item *queue.Item) error {
	v, err := e.leads.ForDelivery(ctx, item.LeadID)
	if err != nil {
		if errors.Is(err, store.ErrLeadNotFound) {
			e.log.Warn("delivery item for unknown lead", "lead_id", item.LeadID)
			return nil
		}
		return err
	}

	// Already-delivered and out-of-band states are not our concern.
	if v.Lead.Status.Terminal() {
		return nil
	}
	if v.Lead.Status != lead.StatusRouted || !v.Lead.BuyerID.Valid {
		return nil
	}

	if !v.WebhookURL.Valid || v.WebhookURL.String == "" {
		_, err := e.attempts.Record(ctx, lead.DeliveryAttempt{
			LeadID:     item.LeadID,
			Outcome:    lead.OutcomePermanentFailure,
			Error:      sql.NullString{String: "no_channel", Valid: true},
			DeliveryID: uuid.NewString(),
		})
		if err != nil {
			return err
		}
		e.log.Warn("no delivery channel", "lead_id", item.LeadID, "buyer_id", v.Lead.BuyerID.Int64)
		return nil
	}

	deliveryID := uuid.NewString()
	outcome, httpStatus, attemptErr := e.post(ctx, v, deliveryID)

	n, err := e.attempts.Record(ctx, lead.DeliveryAttempt{
		LeadID:     item.LeadID,
		Outcome:    outcome,
		HTTPStatus: httpStatus,
		Error:      attemptErr,
		DeliveryID: deliveryID,
	})
	if err != nil {
		return err
	}

	switch {
	case outcome == lead.OutcomeSuccess:
		won, err := e.leads.MarkDelivered(ctx, item.LeadID)
		if err != nil {
			return err
		}
		e.recordAudit(ctx, audit.ActionDelivered, item.LeadID, "success", map[string]any{
			"buyer_id": v.Lead.BuyerID.Int64,
			"attempt":  n,
		})
		e.log.Info("lead delivered",
			"lead_id", item.LeadID,
			"buyer_id", v.Lead.BuyerID.Int64,
			"attempt", n,
			"first_winner", won)
		return nil

	case outcome.Retryable() && n < e.maxAttempts:
		delay := e.retryDelay(n)
		e.log.Warn("delivery attempt failed, retrying",
			"lead_id", item.LeadID,
			"attempt", n,
			"delay", delay,
			"error", attemptErr.String)
		return e.queue.EnqueueAfter(ctx, item.LeadID, n+1, delay)

	case outcome.Retryable():
		// Attempt rows stay one-per-send. Exhaustion is an audit
		// event, not a synthetic attempt.
		e.recordAudit(ctx, audit.ActionDeliveryErr, item.LeadID, "retry_exhausted", map[string]any{
			"attempts": n,
		})
		e.log.Error("delivery retries exhausted", "lead_id", item.LeadID, "attempts", n)
		return nil

	default:
		e.recordAudit(ctx, audit.ActionDeliveryErr, item.LeadID, "permanent_failure", map[string]any{
			"attempt":     n,
			"http_status": httpStatus.Int64,
		})
		e.log.Warn("permanent delivery failure",
			"lead_id", item.LeadID,
			"attempt", n,
			"http_status", httpStatus.Int64)
		return nil
	}
}

// recordAudit is best-effort: a failed audit write never blocks or
// retries a delivery.
func (e *Executor) recordAudit(ctx context.Context, action string, leadID int64, outcome string, detail map[string]any) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Record(ctx, action, leadID, outcome, detail); err != nil {
		e.log.Warn("audit record failed", "action", action, "lead_id", leadID, "error", err)
	}
}

// retryDelay returns the wait before attempt n+1. Past the end of the
// schedule the last entry repeats.
func (e *Executor) retryDelay(attempt int) time.Duration {
	if len(e.backoff) == 0 {
		return 0
	}
	if attempt >= len(e.backoff) {
		return e.backoff[len(e.backoff)-1]
	}
	return e.backoff[attempt]
}

// post builds, signs, and sends the webhook request, classifying the
// result. The error string it returns is sanitized for persistence.
func (e *Executor) post(ctx context.Context, v *store.DeliveryView, deliveryID string) (lead.AttemptOutcome, sql.NullInt64, sql.NullString) {
	body, err := e.body(v)
	if err != nil {
		return lead.OutcomePermanentFailure, sql.NullInt64{}, errString("payload: " + err.Error())
	}

	ctx, cancel := context.WithTimeout(ctx, e.totalTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.WebhookURL.String, bytes.NewReader(body))
	if err != nil {
		return lead.OutcomePermanentFailure, sql.NullInt64{}, errString("request: " + err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(headerDeliveryID, deliveryID)
	req.Header.Set(headerEvent, eventLeadDelivered)
	if v.WebhookSecret.Valid && v.WebhookSecret.String != "" {
		mac := hmac.New(sha256.New, []byte(v.WebhookSecret.String))
		mac.Write(body)
		req.Header.Set(headerSignature, hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return lead.OutcomeTimeout, sql.NullInt64{}, errString("timeout")
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return lead.OutcomeTimeout, sql.NullInt64{}, errString("timeout")
		}
		// Network failure details can embed the URL; keep it, the URL
		// is ours, but never the payload.
		return lead.OutcomeTransientFailure, sql.NullInt64{}, errString("network: " + err.Error())
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	status := sql.NullInt64{Int64: int64(resp.StatusCode), Valid: true}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return lead.OutcomeSuccess, status, sql.NullString{}
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return lead.OutcomeTransientFailure, status, errString(fmt.Sprintf("http %d", resp.StatusCode))
	default:
		return lead.OutcomePermanentFailure, status, errString(fmt.Sprintf("http %d", resp.StatusCode))
	}
}

// body builds the canonical JSON body. Canonicalization makes the
// signature independent of Go's map ordering and escaping choices.
func (e *Executor) body(v *store.DeliveryView) ([]byte, error) {
	var price *float64
	if v.Price.Valid {
		p := v.Price.Float64
		price = &p
	}
	p := payload{
		Event: eventLeadDelivered,
		Data: payloadData{
			LeadID:      v.Lead.ID,
			ReceivedAt:  v.Lead.CreatedAt.UTC().Format(time.RFC3339),
			DeliveredAt: time.Now().UTC().Format(time.RFC3339),
			Idempotency: v.Lead.IdempotencyKey,
			Contact: payloadContact{
				Name:       v.Lead.Name,
				Phone:      v.Lead.Phone,
				Email:      v.Lead.Email,
				PostalCode: v.Lead.PostalCode,
			},
			Details: payloadDetails{
				Message: v.Lead.Message.String,
				Source:  v.SourceKey,
			},
			Metadata: payloadMeta{
				Price:   price,
				BuyerID: v.Lead.BuyerID.Int64,
			},
		},
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

func errString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: true}
}
