package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"tenantcore.io/internal/billing"
	"tenantcore.io/internal/dbx"
)

func (s *Store) RecordDelivery(ctx context.Context, d billing.DeliveryRecord) error {
	body := d.Body
	if body == nil {
		body = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `
		insert into webhook_deliveries (id, received_at, signature_valid, event_id, body, error)
		values ($1, $2, $3, $4, $5, $6)
	`, d.ID, d.ReceivedAt, d.SignatureValid, nullIfEmpty(d.EventID), body, nullIfEmpty(d.Error))
	return classify(err)
}

func (s *Store) ResolveOrg(ctx context.Context, ref billing.OrgRef) (string, error) {
	var (
		id  string
		err error
	)
	switch {
	case ref.OrgID != "":
		err = s.db.QueryRowContext(ctx, `
			select id from organizations where id = $1 and deleted_at is null
		`, ref.OrgID).Scan(&id)
	case ref.CustomerRef != "":
		err = s.db.QueryRowContext(ctx, `
			select s.org_id
			from subscriptions s
			join organizations o on o.id = s.org_id and o.deleted_at is null
			where s.customer_ref = $1
			order by s.updated_at desc
			limit 1
		`, ref.CustomerRef).Scan(&id)
	default:
		return "", billing.ErrUnknownOrg
	}
	if errors.Is(err, sql.ErrNoRows) {
		return "", billing.ErrUnknownOrg
	}
	if err != nil {
		return "", classify(err)
	}
	return id, nil
}

const subscriptionColumns = `s.org_id, s.state, s.plan, s.customer_ref, s.high_water,
	s.past_due_since, s.period_ends_at, s.canceled_at, s.updated_at`

func scanSubscription(row rowScanner) (billing.Subscription, error) {
	var (
		sub                       billing.Subscription
		state, plan               string
		customer                  sql.NullString
		pastDue, periodEnd, cncld sql.NullTime
	)
	if err := row.Scan(&sub.OrgID, &state, &plan, &customer, &sub.HighWater, &pastDue, &periodEnd, &cncld, &sub.UpdatedAt); err != nil {
		return billing.Subscription{}, err
	}
	sub.State = billing.State(state)
	sub.Plan = billing.PlanTier(plan)
	sub.CustomerRef = customer.String
	sub.PastDueSince = timePtr(pastDue)
	sub.PeriodEndsAt = timePtr(periodEnd)
	sub.CanceledAt = timePtr(cncld)
	return sub, nil
}

// ApplyEvent claims the event id first: a concurrent delivery of the same id
// blocks on the primary key until this transaction ends and then sees the
// conflict. The subscription row lock serializes events of one organization
// so the high-water mark cannot lose an update.
func (s *Store) ApplyEvent(ctx context.Context, orgID string, ev billing.Event, at time.Time, fn billing.ReduceFunc) (billing.Subscription, billing.Outcome, error) {
	var (
		next    billing.Subscription
		outcome billing.Outcome
	)
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		res, err := tx.ExecContext(ctx, `
			insert into subscription_events (event_id, org_id, type, sequence, payload, received_at)
			values ($1, $2, $3, $4, $5, $6)
			on conflict (event_id) do nothing
		`, ev.ID, orgID, string(ev.Type), ev.Sequence, string(ev.Payload), at)
		if isForeignKeyViolation(err) {
			return billing.ErrUnknownOrg
		}
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return billing.ErrDuplicateEvent
		}

		cur, err := scanSubscription(tx.QueryRowContext(ctx, `
			select `+subscriptionColumns+`
			from subscriptions s
			join organizations o on o.id = s.org_id and o.deleted_at is null
			where s.org_id = $1
			for update of s
		`, orgID))
		if errors.Is(err, sql.ErrNoRows) {
			return billing.ErrUnknownOrg
		}
		if err != nil {
			return err
		}

		next, outcome = fn(cur)
		if _, err := tx.ExecContext(ctx, `
			update subscriptions
			set state = $2, plan = $3, customer_ref = $4, high_water = $5,
			    past_due_since = $6, period_ends_at = $7, canceled_at = $8, updated_at = $9
			where org_id = $1
		`, orgID, string(next.State), string(next.Plan), nullIfEmpty(next.CustomerRef), next.HighWater,
			nullTime(next.PastDueSince), nullTime(next.PeriodEndsAt), nullTime(next.CanceledAt), next.UpdatedAt); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			update subscription_events set applied_at = $2, outcome = $3 where event_id = $1
		`, ev.ID, at, string(outcome))
		return err
	})
	if err != nil {
		return billing.Subscription{}, billing.OutcomeRejected, classify(err)
	}
	return next, outcome, nil
}

func (s *Store) GetSubscription(ctx context.Context, orgID string) (billing.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx, `
		select `+subscriptionColumns+` from subscriptions s where s.org_id = $1
	`, orgID))
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Subscription{}, billing.ErrNoSubscription
	}
	if err != nil {
		return billing.Subscription{}, classify(err)
	}
	return sub, nil
}

func (s *Store) ListEvents(ctx context.Context, orgID string, limit int) ([]billing.EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		select event_id, org_id, type, sequence, received_at, applied_at, outcome
		from subscription_events
		where org_id = $1
		order by received_at desc, event_id desc
		limit $2
	`, orgID, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []billing.EventRecord
	for rows.Next() {
		var (
			rec     billing.EventRecord
			typ     string
			applied sql.NullTime
			outcome sql.NullString
		)
		if err := rows.Scan(&rec.EventID, &rec.OrgID, &typ, &rec.Sequence, &rec.ReceivedAt, &applied, &outcome); err != nil {
			return nil, classify(err)
		}
		rec.Type = billing.EventType(typ)
		rec.AppliedAt = applied.Time
		rec.Outcome = billing.Outcome(outcome.String)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}
