package memory

import (
	"context"
	"sort"
	"time"

	"tenantcore.io/internal/billing"
)

func (s *Store) RecordDelivery(_ context.Context, d billing.DeliveryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d.Body = append([]byte(nil), d.Body...)
	s.deliveries = append(s.deliveries, d)
	return nil
}

func (s *Store) ResolveOrg(_ context.Context, ref billing.OrgRef) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ref.OrgID != "" {
		if !s.liveOrg(ref.OrgID) {
			return "", billing.ErrUnknownOrg
		}
		return ref.OrgID, nil
	}
	if ref.CustomerRef != "" {
		for orgID, sub := range s.subs {
			if sub.CustomerRef == ref.CustomerRef && s.liveOrg(orgID) {
				return orgID, nil
			}
		}
	}
	return "", billing.ErrUnknownOrg
}

func (s *Store) ApplyEvent(_ context.Context, orgID string, ev billing.Event, at time.Time, fn billing.ReduceFunc) (billing.Subscription, billing.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.events[ev.ID]; dup {
		return billing.Subscription{}, billing.OutcomeDuplicate, billing.ErrDuplicateEvent
	}
	if !s.liveOrg(orgID) {
		return billing.Subscription{}, billing.OutcomeRejected, billing.ErrUnknownOrg
	}
	cur, ok := s.subs[orgID]
	if !ok {
		cur = billing.NewSubscription(orgID, at)
	}
	next, outcome := fn(cur)
	s.subs[orgID] = next
	s.events[ev.ID] = billing.EventRecord{
		EventID:    ev.ID,
		OrgID:      orgID,
		Type:       ev.Type,
		Sequence:   ev.Sequence,
		Payload:    append([]byte(nil), ev.Payload...),
		ReceivedAt: at,
		AppliedAt:  at,
		Outcome:    outcome,
	}
	return next, outcome, nil
}

func (s *Store) GetSubscription(_ context.Context, orgID string) (billing.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[orgID]
	if !ok {
		return billing.Subscription{}, billing.ErrNoSubscription
	}
	return sub, nil
}

// Events returns the recorded event log ordered by sequence, then id.
func (s *Store) Events() []billing.EventRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]billing.EventRecord, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Sequence != out[j].Sequence {
			return out[i].Sequence < out[j].Sequence
		}
		return out[i].EventID < out[j].EventID
	})
	return out
}

func (s *Store) ListEvents(_ context.Context, orgID string, limit int) ([]billing.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []billing.EventRecord
	for _, e := range s.events {
		if e.OrgID == orgID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.After(out[j].ReceivedAt)
		}
		return out[i].EventID > out[j].EventID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Deliveries returns the webhook audit trail in arrival order.
func (s *Store) Deliveries() []billing.DeliveryRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]billing.DeliveryRecord(nil), s.deliveries...)
}
