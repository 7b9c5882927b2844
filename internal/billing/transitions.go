package billing

import "time"

type transitionKey struct {
	from State
	on   EventType
}

// transitions is the complete subscription state machine. A (state, event)
// pair that is absent is ignored: recorded, acknowledged, no state change.
// checkout.completed targets StateActive here and is redirected to
// StateTrialing when the payload carries a trial.
var transitions = map[transitionKey]State{
	{StateNone, EventCheckoutCompleted}: StateActive,

	{StateTrialing, EventInvoicePaid}:         StateActive,
	{StateTrialing, EventSubscriptionUpdated}: StateTrialing,
	{StateTrialing, EventSubscriptionDeleted}: StateCanceled,

	{StateActive, EventInvoicePaid}:          StateActive,
	{StateActive, EventInvoicePaymentFailed}: StatePastDue,
	{StateActive, EventSubscriptionUpdated}:  StateActive,
	{StateActive, EventSubscriptionDeleted}:  StateCanceled,

	{StatePastDue, EventInvoicePaid}:          StateActive,
	{StatePastDue, EventInvoicePaymentFailed}: StatePastDue,
	{StatePastDue, EventInvoiceUncollectible}: StateUnpaid,
	{StatePastDue, EventSubscriptionUpdated}:  StatePastDue,
	{StatePastDue, EventSubscriptionDeleted}:  StateCanceled,

	{StateUnpaid, EventInvoicePaid}:         StateActive,
	{StateUnpaid, EventSubscriptionDeleted}: StateCanceled,

	{StateCanceled, EventCheckoutCompleted}: StateActive,
}

// Next returns the state ev moves from to, and false when the pair is not a
// modeled transition.
func Next(from State, ev Event) (State, bool) {
	to, ok := transitions[transitionKey{from: from, on: ev.Type}]
	if !ok {
		return from, false
	}
	if ev.Type == EventCheckoutCompleted && ev.Trial {
		to = StateTrialing
	}
	return to, true
}

// Reduce applies ev to cur. It is pure: the same inputs always yield the same
// subscription and outcome, which is what makes redelivery safe.
//
// Only applied transitions advance the high-water mark. An ignored event
// leaves cur untouched so an earlier event that arrives after it, such as a
// checkout delivered behind its first invoice, still applies.
func Reduce(cur Subscription, ev Event, at time.Time) (Subscription, Outcome) {
	if !ev.Type.Modeled() {
		return cur, OutcomeUnhandled
	}
	if ev.Sequence < cur.HighWater {
		return cur, OutcomeStale
	}
	to, ok := Next(cur.State, ev)
	if !ok {
		return cur, OutcomeIgnored
	}
	next := cur
	next.HighWater = ev.Sequence
	next.UpdatedAt = at

	switch ev.Type {
	case EventCheckoutCompleted:
		if ev.Plan.Valid() {
			next.Plan = ev.Plan
		} else if next.Plan == PlanFree || next.Plan == "" {
			next.Plan = PlanPro
		}
		if ev.Org.CustomerRef != "" {
			next.CustomerRef = ev.Org.CustomerRef
		}
		next.PastDueSince = nil
		next.CanceledAt = nil
		next.PeriodEndsAt = ev.PeriodEnd
	case EventInvoicePaid:
		next.PastDueSince = nil
		if ev.PeriodEnd != nil {
			next.PeriodEndsAt = ev.PeriodEnd
		}
	case EventInvoicePaymentFailed:
		if next.PastDueSince == nil {
			since := ev.Created
			next.PastDueSince = &since
		}
	case EventSubscriptionUpdated:
		if ev.Plan.Valid() {
			next.Plan = ev.Plan
		}
		if ev.PeriodEnd != nil {
			next.PeriodEndsAt = ev.PeriodEnd
		}
	case EventSubscriptionDeleted:
		canceled := ev.Created
		next.CanceledAt = &canceled
		next.PastDueSince = nil
		switch {
		case ev.PeriodEnd != nil:
			next.PeriodEndsAt = ev.PeriodEnd
		case next.PeriodEndsAt == nil:
			next.PeriodEndsAt = &canceled
		}
	}
	next.State = to
	return next, OutcomeApplied
}
