// Package lead defines the core domain entities of the distribution
// pipeline: leads, their lifecycle states, delivery attempts, and the
// audit records produced while a lead moves through the state machine.
package lead

import (
	"database/sql"
	"time"
)

// Status is the lifecycle state of a lead.
//
// Transitions are monotonic along received → validated → routed →
// delivered (→ accepted). Rejected is terminal and absorbing, reachable
// from received or validated only. All transitions happen through
// guarded conditional UPDATEs; see store.LeadStore.
type Status string

const (
	StatusReceived  Status = "received"
	StatusValidated Status = "validated"
	StatusRouted    Status = "routed"
	StatusDelivered Status = "delivered"
	StatusAccepted  Status = "accepted"
	StatusRejected  Status = "rejected"
)

// rank orders statuses along the forward chain. Rejected is outside the
// chain and never compares greater than anything.
var rank = map[Status]int{
	StatusReceived:  1,
	StatusValidated: 2,
	StatusRouted:    3,
	StatusDelivered: 4,
	StatusAccepted:  5,
}

// Terminal reports whether no further pipeline work applies to s.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusAccepted || s == StatusRejected
}

// AtLeast reports whether s has progressed at least as far as other on
// the forward chain.
func (s Status) AtLeast(other Status) bool {
	return rank[s] >= rank[other]
}

// Valid reports whether s is one of the defined lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusReceived, StatusValidated, StatusRouted, StatusDelivered, StatusAccepted, StatusRejected:
		return true
	}
	return false
}

// BillingStatus tracks the billing collaborator's view of a lead. The
// core only ever writes the initial "pending".
type BillingStatus string

const (
	BillingPending  BillingStatus = "pending"
	BillingBilled   BillingStatus = "billed"
	BillingPaid     BillingStatus = "paid"
	BillingDisputed BillingStatus = "disputed"
	BillingRefunded BillingStatus = "refunded"
)

// SourceKind distinguishes how a source submits leads.
type SourceKind string

const (
	SourceLandingPage SourceKind = "landing_page"
	SourcePartnerAPI  SourceKind = "partner_api"
	SourceEmbedForm   SourceKind = "embed_form"
)

// ScopeType is the geographic granularity of a service area or
// exclusivity grant.
type ScopeType string

const (
	ScopePostalCode ScopeType = "postal_code"
	ScopeCity       ScopeType = "city"
)

// Lead is a single inbound contact submission. The classification
// tuple (SourceID, OfferID, MarketID, VerticalID) is immutable after
// insert; everything else mutates only through guarded transitions.
type Lead struct {
	ID         int64
	SourceID   int64
	OfferID    int64
	MarketID   int64
	VerticalID int64

	IdempotencyKey string

	Name        string
	Email       string
	Phone       string
	PostalCode  string
	CountryCode string
	City        sql.NullString
	RegionCode  sql.NullString
	Message     sql.NullString

	NormalizedEmail sql.NullString
	NormalizedPhone sql.NullString

	UTMSource   sql.NullString
	UTMMedium   sql.NullString
	UTMCampaign sql.NullString

	Consent     bool
	GDPRConsent bool

	Status        Status
	BillingStatus BillingStatus
	Price         sql.NullFloat64

	BuyerID     sql.NullInt64
	IsDuplicate bool
	DuplicateOf sql.NullInt64

	ValidationReason sql.NullString
	RejectionReason  sql.NullString

	CreatedAt   time.Time
	UpdatedAt   time.Time
	RoutedAt    sql.NullTime
	DeliveredAt sql.NullTime
	AcceptedAt  sql.NullTime
	RejectedAt  sql.NullTime
}

// AttemptOutcome classifies one webhook delivery attempt.
type AttemptOutcome string

const (
	OutcomeSuccess          AttemptOutcome = "success"
	OutcomeTransientFailure AttemptOutcome = "transient_failure"
	OutcomePermanentFailure AttemptOutcome = "permanent_failure"
	OutcomeTimeout          AttemptOutcome = "timeout"
)

// Retryable reports whether an attempt with this outcome may be retried.
func (o AttemptOutcome) Retryable() bool {
	return o == OutcomeTransientFailure || o == OutcomeTimeout
}

// DeliveryAttempt is an append-only record of one outbound webhook
// attempt. Attempt numbers per lead form a gap-free 1..N prefix.
type DeliveryAttempt struct {
	ID            int64
	LeadID        int64
	AttemptNumber int
	Outcome       AttemptOutcome
	HTTPStatus    sql.NullInt64
	Error         sql.NullString
	DeliveryID    string // uuid echoed in X-LeadGen-Delivery-Id
	CreatedAt     time.Time
}

// DuplicateEvent records one duplicate-detection hit, binding a lead to
// the prior lead it matched.
type DuplicateEvent struct {
	ID            int64
	LeadID        int64
	MatchedLeadID int64
	MatchedKeys   []string
	WindowHours   int
	MatchMode     string
	IncludeRule   string
	Action        string
	ReasonCode    string
	CreatedAt     time.Time
}

// Source is an ingress point bound to exactly one offer.
type Source struct {
	ID           int64
	OfferID      int64
	SourceKey    string
	Kind         SourceKind
	Hostname     sql.NullString
	PathPrefix   sql.NullString
	APIKeyHash   sql.NullString // bcrypt hash for partner_api sources
	Active       bool
}

// Offer is the unit of sale: one vertical in one market with attached
// validation and routing policies.
type Offer struct {
	ID                 int64
	MarketID           int64
	VerticalID         int64
	Name               string
	ValidationPolicyID int64
	RoutingPolicyID    int64
	DefaultPrice       sql.NullFloat64
	Active             bool
}

// Buyer receives delivered leads.
type Buyer struct {
	ID            int64
	Name          string
	Email         sql.NullString
	Active        bool
	Balance       float64
	CreditLimit   sql.NullFloat64
	WebhookURL    sql.NullString
	WebhookSecret sql.NullString
	EmailEnabled  bool
	SMSEnabled    bool
}

// BuyerOffer is a buyer's enrollment into an offer.
type BuyerOffer struct {
	BuyerID            int64
	OfferID            int64
	Active             bool
	RoutingPriority    int
	CapacityPerDay     sql.NullInt64
	CapacityPerHour    sql.NullInt64
	Price              sql.NullFloat64
	WebhookURLOverride sql.NullString
	EmailOverride      sql.NullString
	SMSOverride        sql.NullString
	MinBalanceRequired sql.NullFloat64
	PauseUntil         sql.NullTime
}
