// Package billing turns signed payment-processor webhooks into subscription
// state. Deliveries are at-least-once and unordered; the Reconciler is safe to
// call concurrently and repeatedly with the same delivery.
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tenantcore.io/internal/apperr"
	"tenantcore.io/internal/audit"
	"tenantcore.io/internal/ids"
	"tenantcore.io/internal/obs"
)

// Delivery is one inbound webhook request as received.
type Delivery struct {
	Body       []byte
	Signature  string
	ReceivedAt time.Time
}

// Result reports what happened to a delivery.
type Result struct {
	EventID string    `json:"event_id,omitempty"`
	OrgID   string    `json:"org_id,omitempty"`
	Type    EventType `json:"type,omitempty"`
	Outcome Outcome   `json:"outcome"`
	From    State     `json:"from,omitempty"`
	To      State     `json:"to,omitempty"`
}

// Reconciler verifies, deduplicates, orders and applies deliveries.
type Reconciler struct {
	store    Store
	verifier *Verifier
	recent   *expirable.LRU[string, struct{}]
	now      func() time.Time
	tracer   trace.Tracer

	retries      uint64
	retryInitial time.Duration
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ReconcilerOption {
	return func(r *Reconciler) {
		if fn != nil {
			r.now = fn
		}
	}
}

// WithRecentCache sizes the in-process cache of applied event ids that
// short-circuits hot redeliveries. size 0 disables it.
func WithRecentCache(size int, ttl time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if size <= 0 {
			r.recent = nil
			return
		}
		r.recent = expirable.NewLRU[string, struct{}](size, nil, ttl)
	}
}

// WithStoreRetries bounds how often a transient store failure while resolving
// or applying an event is retried inside one delivery. n 0 disables retries.
func WithStoreRetries(n uint64, initial time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		r.retries = n
		if initial > 0 {
			r.retryInitial = initial
		}
	}
}

// NewReconciler wires a Reconciler.
func NewReconciler(store Store, verifier *Verifier, opts ...ReconcilerOption) (*Reconciler, error) {
	if store == nil || verifier == nil {
		return nil, errors.New("billing: store and verifier are required")
	}
	r := &Reconciler{
		store:    store,
		verifier: verifier,
		recent:   expirable.NewLRU[string, struct{}](4096, nil, 10*time.Minute),
		now:      time.Now,
		tracer:   obs.Tracer(),

		retries:      2,
		retryInitial: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Handle processes one delivery. A nil error means the delivery may be
// acknowledged; the Result says whether anything changed.
func (r *Reconciler) Handle(ctx context.Context, d Delivery) (Result, error) {
	ctx, span := r.tracer.Start(ctx, "billing.Reconcile")
	defer span.End()

	if d.ReceivedAt.IsZero() {
		d.ReceivedAt = r.now().UTC()
	}
	res, err := r.handle(ctx, d)
	span.SetAttributes(
		attribute.String("billing.event_id", res.EventID),
		attribute.String("billing.outcome", string(res.Outcome)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	obs.WebhookEvent(string(res.Outcome))
	return res, err
}

func (r *Reconciler) handle(ctx context.Context, d Delivery) (Result, error) {
	rejected := Result{Outcome: OutcomeRejected}

	if err := r.verifier.Verify(d.Signature, d.Body); err != nil {
		r.recordDelivery(ctx, d, false, "", err)
		_ = audit.Security(ctx, "billing.webhook.signature_invalid", map[string]any{
			"bytes": len(d.Body),
		})
		return rejected, err
	}

	ev, err := ParseEvent(d.Body)
	if err != nil {
		r.recordDelivery(ctx, d, true, "", err)
		obs.Logger().WithError(err).Warn("webhook payload rejected")
		return rejected, err
	}
	r.recordDelivery(ctx, d, true, ev.ID, nil)

	res := Result{EventID: ev.ID, Type: ev.Type}
	if !ev.Type.Modeled() {
		res.Outcome = OutcomeUnhandled
		obs.Logger().WithField("event_id", ev.ID).WithField("type", ev.RawType).Debug("webhook type not modeled")
		return res, nil
	}
	if r.seen(ev.ID) {
		res.Outcome = OutcomeDuplicate
		return res, nil
	}

	orgID, err := storeRetry(ctx, r, func() (string, error) {
		return r.store.ResolveOrg(ctx, ev.Org)
	})
	if err != nil {
		return r.unknownOrg(ctx, res, ev, err)
	}
	res.OrgID = orgID

	type applied struct {
		sub     Subscription
		outcome Outcome
	}
	var from State
	at := r.now().UTC()
	got, err := storeRetry(ctx, r, func() (applied, error) {
		sub, outcome, err := r.store.ApplyEvent(ctx, orgID, ev, at, func(cur Subscription) (Subscription, Outcome) {
			from = cur.State
			return Reduce(cur, ev, at)
		})
		return applied{sub, outcome}, err
	})
	sub, outcome := got.sub, got.outcome
	switch {
	case errors.Is(err, ErrDuplicateEvent):
		r.remember(ev.ID)
		res.Outcome = OutcomeDuplicate
		return res, nil
	case errors.Is(err, ErrUnknownOrg):
		return r.unknownOrg(ctx, res, ev, err)
	case err != nil:
		return rejected, fmt.Errorf("apply event %s: %w", ev.ID, err)
	}

	r.remember(ev.ID)
	res.Outcome, res.From, res.To = outcome, from, sub.State
	if outcome == OutcomeApplied && from != sub.State {
		_ = audit.LogEvent(ctx, "billing.subscription.transition", map[string]any{
			"org_id":   orgID,
			"event_id": ev.ID,
			"type":     string(ev.Type),
			"from":     string(from),
			"to":       string(sub.State),
		})
	}
	return res, nil
}

func (r *Reconciler) unknownOrg(ctx context.Context, res Result, ev Event, err error) (Result, error) {
	if !errors.Is(err, ErrUnknownOrg) {
		return Result{Outcome: OutcomeRejected}, fmt.Errorf("resolve org for %s: %w", ev.ID, err)
	}
	obs.Logger().WithFields(map[string]any{
		"event_id":     ev.ID,
		"type":         ev.RawType,
		"org_id":       ev.Org.OrgID,
		"customer_ref": ev.Org.CustomerRef,
	}).Error("webhook references unknown organization")
	_ = audit.LogEvent(ctx, "billing.webhook.unknown_org", map[string]any{"event_id": ev.ID})
	res.Outcome = OutcomeRejected
	return res, err
}

func (r *Reconciler) recordDelivery(ctx context.Context, d Delivery, valid bool, eventID string, cause error) {
	rec := DeliveryRecord{
		ID:             ids.NewAt(d.ReceivedAt),
		ReceivedAt:     d.ReceivedAt,
		SignatureValid: valid,
		EventID:        eventID,
		Body:           d.Body,
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	if err := r.store.RecordDelivery(ctx, rec); err != nil {
		obs.Logger().WithError(err).Warn("webhook delivery audit write failed")
	}
}

// storeRetry repeats op while it fails with a transient error. The delivery
// itself is verified and recorded once, outside the loop.
func storeRetry[T any](ctx context.Context, r *Reconciler, op func() (T, error)) (T, error) {
	if r.retries == 0 {
		return op()
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.retryInitial
	eb.MaxInterval = 8 * r.retryInitial
	eb.MaxElapsedTime = 2 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, r.retries), ctx)

	return backoff.RetryWithData(func() (T, error) {
		v, err := op()
		if err != nil && !apperr.IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, policy)
}

func (r *Reconciler) seen(id string) bool {
	if r.recent == nil {
		return false
	}
	_, ok := r.recent.Get(id)
	return ok
}

func (r *Reconciler) remember(id string) {
	if r.recent != nil {
		r.recent.Add(id, struct{}{})
	}
}

// Subscription returns the current subscription of orgID.
func (r *Reconciler) Subscription(ctx context.Context, orgID string) (Subscription, error) {
	return r.store.GetSubscription(ctx, orgID)
}

// History returns recent events of orgID, newest first. A limit outside
// [1, 200] selects 50.
func (r *Reconciler) History(ctx context.Context, orgID string, limit int) ([]EventRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if _, err := r.store.GetSubscription(ctx, orgID); err != nil {
		return nil, err
	}
	return r.store.ListEvents(ctx, orgID, limit)
}
