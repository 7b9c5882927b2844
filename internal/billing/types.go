package billing

import (
	"context"
	"time"

	"tenantcore.io/internal/apperr"
)

var (
	ErrInvalidSignature = apperr.New(apperr.KindAuth, "invalid_signature", "webhook signature verification failed")
	ErrMalformedEvent   = apperr.New(apperr.KindValidation, "malformed_event", "webhook payload is malformed")
	ErrUnknownOrg       = apperr.New(apperr.KindUnknownOrg, "unknown_org", "event references an unknown organization")
	ErrDuplicateEvent   = apperr.New(apperr.KindConflict, "duplicate_event", "event already recorded")
	ErrNoSubscription   = apperr.New(apperr.KindNotFound, "subscription_not_found", "subscription not found")
)

// State is the subscription lifecycle state of an organization.
type State string

const (
	StateNone     State = "none"
	StateTrialing State = "trialing"
	StateActive   State = "active"
	StatePastDue  State = "past_due"
	StateCanceled State = "canceled"
	StateUnpaid   State = "unpaid"
)

// States lists every valid State.
var States = []State{StateNone, StateTrialing, StateActive, StatePastDue, StateCanceled, StateUnpaid}

// Valid reports whether s is a declared state.
func (s State) Valid() bool {
	for _, v := range States {
		if s == v {
			return true
		}
	}
	return false
}

// PlanTier is the commercial plan an organization subscribes to.
type PlanTier string

const (
	PlanFree       PlanTier = "free"
	PlanPro        PlanTier = "pro"
	PlanEnterprise PlanTier = "enterprise"
)

// Valid reports whether p is a declared tier.
func (p PlanTier) Valid() bool {
	switch p {
	case PlanFree, PlanPro, PlanEnterprise:
		return true
	}
	return false
}

// Subscription is the billing state carried on an organization.
type Subscription struct {
	OrgID       string   `json:"org_id"`
	State       State    `json:"state"`
	Plan        PlanTier `json:"plan"`
	CustomerRef string   `json:"customer_ref,omitempty"`
	// HighWater is the largest sequence hint applied so far. Events below it
	// are recorded but never change state.
	HighWater    int64      `json:"high_water"`
	PastDueSince *time.Time `json:"past_due_since,omitempty"`
	PeriodEndsAt *time.Time `json:"period_ends_at,omitempty"`
	CanceledAt   *time.Time `json:"canceled_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// NewSubscription is the state of a freshly created organization.
func NewSubscription(orgID string, at time.Time) Subscription {
	return Subscription{OrgID: orgID, State: StateNone, Plan: PlanFree, UpdatedAt: at}
}

// Outcome describes what a delivery did.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeStale     Outcome = "stale"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeUnhandled Outcome = "unhandled"
	OutcomeRejected  Outcome = "rejected"
)

// OrgRef carries whatever the processor told us about the organization.
type OrgRef struct {
	OrgID       string
	CustomerRef string
}

// DeliveryRecord is the audit trail of a raw webhook request.
type DeliveryRecord struct {
	ID             string
	ReceivedAt     time.Time
	SignatureValid bool
	EventID        string
	Body           []byte
	Error          string
}

// EventRecord is the persisted form of an applied (or stale, or ignored)
// event. EventID is unique across the log.
type EventRecord struct {
	EventID    string    `json:"event_id"`
	OrgID      string    `json:"org_id"`
	Type       EventType `json:"type"`
	Sequence   int64     `json:"sequence"`
	Payload    []byte    `json:"-"`
	ReceivedAt time.Time `json:"received_at"`
	AppliedAt  time.Time `json:"applied_at"`
	Outcome    Outcome   `json:"outcome"`
}

// ReduceFunc computes the next subscription for an event.
type ReduceFunc func(current Subscription) (Subscription, Outcome)

// Store persists subscriptions and the event log.
type Store interface {
	RecordDelivery(ctx context.Context, d DeliveryRecord) error
	// ResolveOrg maps a reference to a live organization id or ErrUnknownOrg.
	ResolveOrg(ctx context.Context, ref OrgRef) (string, error)
	// ApplyEvent records the event id, locks the subscription, runs fn and
	// persists the result and applied_at in one transaction. A previously
	// recorded id yields ErrDuplicateEvent and no changes; a missing or
	// deleted organization yields ErrUnknownOrg and nothing is recorded.
	ApplyEvent(ctx context.Context, orgID string, ev Event, at time.Time, fn ReduceFunc) (Subscription, Outcome, error)
	GetSubscription(ctx context.Context, orgID string) (Subscription, error)
	// ListEvents returns the newest limit events recorded for orgID, newest
	// first.
	ListEvents(ctx context.Context, orgID string, limit int) ([]EventRecord, error)
}
