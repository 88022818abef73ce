package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/leadgenhq/leadgen/pkg/audit"
	"github.com/leadgenhq/leadgen/pkg/classify"
	"github.com/leadgenhq/leadgen/pkg/dedupe"
	"github.com/leadgenhq/leadgen/pkg/idempotency"
	"github.com/leadgenhq/leadgen/pkg/lead"
	"github.com/leadgenhq/leadgen/pkg/normalize"
	"github.com/leadgenhq/leadgen/pkg/observability"
	"github.com/leadgenhq/leadgen/pkg/policy"
	"github.com/leadgenhq/leadgen/pkg/route"
	"github.com/leadgenhq/leadgen/pkg/store"
	"github.com/leadgenhq/leadgen/pkg/validate"
)

const maxIngestBody = 1 << 20

const sourceKindPartnerAPI = "partner_api"

// Enqueuer publishes delivery jobs. Satisfied by *queue.Queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, leadID int64, attemptHint int) error
}

// IngestHandler is the POST /api/leads front door. It runs the
// synchronous half of the pipeline: classify, idempotent insert,
// duplicate check, validation, routing, and finally enqueues routed
// leads for delivery. Errors before the insert surface to the caller;
// errors after it are recorded on the lead and audited, never returned
// synchronously.
type IngestHandler struct {
	resolver  *classify.Resolver
	leads     *store.LeadStore
	policies  *policy.Loader
	dupes     *dedupe.Engine
	validator *validate.Validator
	router    *route.Router
	queue     Enqueuer
	audit     audit.Logger
	obs       *observability.Provider
	timeout   time.Duration
	log       *slog.Logger
}

func NewIngestHandler(
	resolver *classify.Resolver,
	leads *store.LeadStore,
	policies *policy.Loader,
	dupes *dedupe.Engine,
	validator *validate.Validator,
	router *route.Router,
	q Enqueuer,
	auditLog audit.Logger,
	obs *observability.Provider,
	timeout time.Duration,
	log *slog.Logger,
) *IngestHandler {
	if log == nil {
		log = slog.Default()
	}
	return &IngestHandler{
		resolver:  resolver,
		leads:     leads,
		policies:  policies,
		dupes:     dupes,
		validator: validator,
		router:    router,
		queue:     q,
		audit:     auditLog,
		obs:       obs,
		timeout:   timeout,
		log:       log.With("component", "ingest"),
	}
}

type ingestRequest struct {
	Name           string `json:"name"`
	Email          string `json:"email"`
	Phone          string `json:"phone"`
	PostalCode     string `json:"postal_code"`
	Source         string `json:"source"`
	SourceKey      string `json:"source_key"`
	IdempotencyKey string `json:"idempotency_key"`
	CountryCode    string `json:"country_code"`
	City           string `json:"city"`
	RegionCode     string `json:"region_code"`
	Message        string `json:"message"`
	UTMSource      string `json:"utm_source"`
	UTMMedium      string `json:"utm_medium"`
	UTMCampaign    string `json:"utm_campaign"`
	Consent        bool   `json:"consent"`
	GDPRConsent    bool   `json:"gdpr_consent"`
}

type ingestResponse struct {
	LeadID     int64    `json:"lead_id"`
	Status     string   `json:"status"`
	BuyerID    *int64   `json:"buyer_id,omitempty"`
	SourceID   int64    `json:"source_id"`
	OfferID    int64    `json:"offer_id"`
	MarketID   int64    `json:"market_id"`
	VerticalID int64    `json:"vertical_id"`
	Price      *float64 `json:"price,omitempty"`
}

func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	ctx, done := h.obs.TrackOperation(ctx, "leads.ingest")
	defer done(nil)

	var body ingestRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIngestBody))
	if err := dec.Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_json", "request body is not valid JSON")
		return
	}

	for _, f := range [...]struct{ name, value string }{
		{"name", body.Name},
		{"email", body.Email},
		{"phone", body.Phone},
		{"postal_code", body.PostalCode},
	} {
		if strings.TrimSpace(f.value) == "" {
			WriteErrorExtra(w, http.StatusBadRequest, "missing_required_field",
				f.name+" is required", map[string]any{"field": f.name})
			return
		}
	}

	cls, ok := h.classify(ctx, w, r, &body)
	if !ok {
		return
	}

	key, err := h.idempotencyKey(cls.SourceID, &body)
	if err != nil {
		var ie *idempotency.Error
		if errors.As(err, &ie) {
			WriteError(w, http.StatusBadRequest, ie.Code, ie.Message)
			return
		}
		WriteInternal(w, err)
		return
	}

	country := strings.ToUpper(strings.TrimSpace(body.CountryCode))
	if country == "" {
		country = "US"
	}

	res, err := h.leads.InsertIdempotent(ctx, store.NewLead{
		SourceID:       cls.SourceID,
		OfferID:        cls.OfferID,
		MarketID:       cls.MarketID,
		VerticalID:     cls.VerticalID,
		IdempotencyKey: key,
		Name:           strings.TrimSpace(body.Name),
		Email:          strings.TrimSpace(body.Email),
		Phone:          strings.TrimSpace(body.Phone),
		PostalCode:     strings.TrimSpace(body.PostalCode),
		CountryCode:    country,
		City:           strings.TrimSpace(body.City),
		RegionCode:     strings.TrimSpace(body.RegionCode),
		Message:        strings.TrimSpace(body.Message),

		NormalizedEmail: normalize.Email(body.Email),
		NormalizedPhone: normalize.Phone(body.Phone),

		UTMSource:   strings.TrimSpace(body.UTMSource),
		UTMMedium:   strings.TrimSpace(body.UTMMedium),
		UTMCampaign: strings.TrimSpace(body.UTMCampaign),
		Consent:     body.Consent,
		GDPRConsent: body.GDPRConsent,
	})
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			WriteError(w, http.StatusGatewayTimeout, "request_timeout", "ingest deadline exceeded")
			return
		}
		h.obs.RecordError(ctx, err)
		WriteInternal(w, err)
		return
	}

	if !res.Created {
		// Replay: same identity, current state, never a 4xx.
		h.recordAudit(ctx, audit.ActionReplayed, res.LeadID, string(res.Status), nil)
		h.obs.RecordLead(ctx, observability.StageIngest, "replay")
		h.respond(ctx, w, res.LeadID, cls)
		return
	}

	h.recordAudit(ctx, audit.ActionIngested, res.LeadID, string(lead.StatusReceived),
		map[string]any{"source_id": cls.SourceID, "offer_id": cls.OfferID})
	h.obs.RecordLead(ctx, observability.StageIngest, "created")

	h.pipeline(ctx, res.LeadID, cls)
	h.respond(ctx, w, res.LeadID, cls)
}

// classify resolves the source tuple and, for partner_api sources,
// verifies the caller's API key against the stored bcrypt hash.
func (h *IngestHandler) classify(ctx context.Context, w http.ResponseWriter, r *http.Request, body *ingestRequest) (classify.Result, bool) {
	req := classify.Request{
		SourceKey: body.SourceKey,
		Host:      r.Host,
		Path:      r.URL.Path,
	}
	if req.SourceKey == "" {
		req.SourceKey = body.Source
	}
	if raw := r.Header.Get("source_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			WriteError(w, http.StatusBadRequest, "invalid_source", "source_id header must be a positive integer")
			return classify.Result{}, false
		}
		req.SourceID = id
	}

	cls, err := h.resolver.Resolve(ctx, req)
	if err != nil {
		var ce *classify.Error
		if errors.As(err, &ce) {
			h.recordAudit(ctx, audit.ActionIngested, 0, ce.Code, map[string]any{"detail": ce.Detail})
			WriteError(w, ce.HTTPStatus, ce.Code, ce.Detail)
			return classify.Result{}, false
		}
		h.obs.RecordError(ctx, err)
		WriteInternal(w, err)
		return classify.Result{}, false
	}

	kind, hash, err := h.resolver.Credential(ctx, cls.SourceID)
	if err != nil {
		WriteInternal(w, err)
		return classify.Result{}, false
	}
	if kind == sourceKindPartnerAPI && hash != "" {
		apiKey := r.Header.Get("X-API-Key")
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(apiKey)) != nil {
			WriteError(w, http.StatusUnauthorized, "invalid_api_key", "missing or invalid X-API-Key")
			return classify.Result{}, false
		}
	}
	return cls, true
}

func (h *IngestHandler) idempotencyKey(sourceID int64, body *ingestRequest) (string, error) {
	if strings.TrimSpace(body.IdempotencyKey) != "" {
		return idempotency.Canonicalize(body.IdempotencyKey)
	}
	return idempotency.Derive(idempotency.DeriveInput{
		SourceID:    sourceID,
		Name:        body.Name,
		Email:       body.Email,
		Phone:       body.Phone,
		CountryCode: body.CountryCode,
		PostalCode:  body.PostalCode,
		Message:     body.Message,
	})
}

// pipeline runs duplicate detection, validation, and routing for a
// freshly created lead. Failures are logged and audited but never
// surface to the HTTP caller; the lead keeps whatever state it reached.
func (h *IngestHandler) pipeline(ctx context.Context, leadID int64, cls classify.Result) {
	l, err := h.leads.Get(ctx, leadID)
	if err != nil {
		h.pipelineErr(ctx, leadID, "load", err)
		return
	}

	vp, err := h.policies.Validation(ctx, cls.OfferID)
	if err != nil {
		h.pipelineErr(ctx, leadID, "validation_policy", err)
		return
	}

	dup, err := h.dupes.Detect(ctx, dedupe.Input{
		LeadID:   leadID,
		OfferID:  cls.OfferID,
		SourceID: cls.SourceID,
		Phone:    l.NormalizedPhone.String,
		Email:    l.NormalizedEmail.String,
	}, vp.DuplicateDetection)
	if err != nil {
		h.pipelineErr(ctx, leadID, "dedupe", err)
		return
	}
	if dup.IsDuplicate {
		h.recordAudit(ctx, audit.ActionDuplicate, leadID, dup.Action, map[string]any{
			"matched_lead_id": dup.MatchedLeadID,
			"matched_keys":    dup.MatchedKeys,
		})
		h.obs.RecordLead(ctx, observability.StageDedupe, dup.Action)
		if dup.Action == policy.DuplicateActionReject {
			return
		}
	}

	outcome, err := h.validator.Run(ctx, l, vp)
	if err != nil {
		h.pipelineErr(ctx, leadID, "validate", err)
		return
	}
	if outcome.Status == lead.StatusRejected {
		h.recordAudit(ctx, audit.ActionRejected, leadID, outcome.Reason, nil)
		h.obs.RecordLead(ctx, observability.StageValidate, "rejected")
		return
	}
	h.recordAudit(ctx, audit.ActionValidated, leadID, string(outcome.Status), nil)
	h.obs.RecordLead(ctx, observability.StageValidate, "validated")

	rp, err := h.policies.Routing(ctx, cls.OfferID)
	if err != nil {
		h.pipelineErr(ctx, leadID, "routing_policy", err)
		return
	}
	l.Status = outcome.Status
	routed, err := h.router.Route(ctx, l, rp)
	if err != nil {
		h.pipelineErr(ctx, leadID, "route", err)
		return
	}
	h.obs.RecordLead(ctx, observability.StageRoute, routed.Code)

	switch routed.Code {
	case route.OutcomeRouted:
		h.recordAudit(ctx, audit.ActionRouted, leadID, routed.Code,
			map[string]any{"buyer_id": routed.BuyerID})
		if err := h.queue.Enqueue(ctx, leadID, 1); err != nil {
			// Routed but not enqueued; operator replay picks it up.
			h.pipelineErr(ctx, leadID, "enqueue", err)
		}
	case route.OutcomeNoRoute, route.OutcomeNoRouteExclusive:
		h.recordAudit(ctx, audit.ActionNoRoute, leadID, routed.Code, nil)
	}
}

func (h *IngestHandler) pipelineErr(ctx context.Context, leadID int64, stage string, err error) {
	h.log.Error("pipeline stage failed", "lead_id", leadID, "stage", stage, "error", err)
	h.obs.RecordError(ctx, err)
	h.recordAudit(ctx, audit.ActionIngested, leadID, "pipeline_error",
		map[string]any{"stage": stage, "error": err.Error()})
}

func (h *IngestHandler) recordAudit(ctx context.Context, action string, leadID int64, outcome string, detail map[string]any) {
	if h.audit == nil {
		return
	}
	if err := h.audit.Record(ctx, action, leadID, outcome, detail); err != nil {
		h.log.Error("audit record failed", "action", action, "lead_id", leadID, "error", err)
	}
}

// respond re-reads the lead so the 202 body always reflects the state
// the pipeline actually reached.
func (h *IngestHandler) respond(ctx context.Context, w http.ResponseWriter, leadID int64, cls classify.Result) {
	resp := ingestResponse{
		LeadID:     leadID,
		Status:     string(lead.StatusReceived),
		SourceID:   cls.SourceID,
		OfferID:    cls.OfferID,
		MarketID:   cls.MarketID,
		VerticalID: cls.VerticalID,
	}
	if l, err := h.leads.Get(ctx, leadID); err == nil {
		resp.Status = string(l.Status)
		resp.BuyerID = nullInt(l.BuyerID)
		resp.Price = nullFloat(l.Price)
	} else {
		h.log.Error("lead re-read failed", "lead_id", leadID, "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(resp)
}

func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return &v.Float64
}
