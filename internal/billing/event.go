package billing

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// EventType is a normalized processor event name.
type EventType string

const (
	EventCheckoutCompleted    EventType = "checkout.completed"
	EventInvoicePaid          EventType = "invoice.paid"
	EventInvoicePaymentFailed EventType = "invoice.payment_failed"
	EventInvoiceUncollectible EventType = "invoice.marked_uncollectible"
	EventSubscriptionUpdated  EventType = "subscription.updated"
	EventSubscriptionDeleted  EventType = "subscription.deleted"
)

var aliases = map[string]EventType{
	"checkout.session.completed":    EventCheckoutCompleted,
	"customer.subscription.deleted": EventSubscriptionDeleted,
	"customer.subscription.updated": EventSubscriptionUpdated,
}

// ModeledEvents are the types that drive the subscription state machine.
var ModeledEvents = []EventType{
	EventCheckoutCompleted,
	EventInvoicePaid,
	EventInvoicePaymentFailed,
	EventInvoiceUncollectible,
	EventSubscriptionUpdated,
	EventSubscriptionDeleted,
}

// NormalizeEventType maps processor names and their aliases to EventType.
func NormalizeEventType(raw string) EventType {
	raw = strings.TrimSpace(raw)
	if t, ok := aliases[raw]; ok {
		return t
	}
	return EventType(raw)
}

// Modeled reports whether t participates in the state machine.
func (t EventType) Modeled() bool {
	for _, m := range ModeledEvents {
		if t == m {
			return true
		}
	}
	return false
}

// Event is a verified, parsed webhook event.
type Event struct {
	ID       string
	Type     EventType
	RawType  string
	Created  time.Time
	Sequence int64
	Org      OrgRef

	Plan      PlanTier
	Trial     bool
	PeriodEnd *time.Time
	Payload   []byte
}

const envelopeSchema = `{
  "type": "object",
  "required": ["id", "type", "created", "data"],
  "properties": {
    "id": {"type": "string", "minLength": 1, "maxLength": 255},
    "type": {"type": "string", "minLength": 1},
    "created": {"type": "integer", "minimum": 0},
    "sequence": {"type": "integer", "minimum": 0},
    "data": {
      "type": "object",
      "required": ["object"],
      "properties": {
        "object": {
          "type": "object",
          "properties": {
            "metadata": {"type": "object"},
            "client_reference_id": {"type": ["string", "null"]},
            "customer": {"type": ["string", "null"]},
            "plan": {"type": ["string", "null"]},
            "status": {"type": ["string", "null"]},
            "trial_end": {"type": ["integer", "null"]},
            "current_period_end": {"type": ["integer", "null"]}
          }
        }
      }
    }
  }
}`

var compiledSchema = mustSchema(envelopeSchema)

func mustSchema(src string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("billing: envelope schema: %v", err))
	}
	return s
}

type envelope struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Created  int64  `json:"created"`
	Sequence int64  `json:"sequence"`
	Data     struct {
		Object struct {
			Metadata          map[string]any `json:"metadata"`
			ClientReferenceID string         `json:"client_reference_id"`
			Customer          string         `json:"customer"`
			Plan              string         `json:"plan"`
			Status            string         `json:"status"`
			TrialEnd          *int64         `json:"trial_end"`
			CurrentPeriodEnd  *int64         `json:"current_period_end"`
		} `json:"object"`
	} `json:"data"`
}

// ParseEvent validates body against the envelope schema and extracts the
// fields the reconciler needs.
func ParseEvent(body []byte) (Event, error) {
	result, err := compiledSchema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return Event{}, fmt.Errorf("%w: %s", ErrMalformedEvent, strings.Join(msgs, "; "))
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	obj := env.Data.Object
	ev := Event{
		ID:       env.ID,
		Type:     NormalizeEventType(env.Type),
		RawType:  env.Type,
		Created:  time.Unix(env.Created, 0).UTC(),
		Sequence: env.Sequence,
		Org: OrgRef{
			OrgID:       metadataString(obj.Metadata, "org_id"),
			CustomerRef: strings.TrimSpace(obj.Customer),
		},
		Plan:    PlanTier(strings.ToLower(strings.TrimSpace(obj.Plan))),
		Payload: append([]byte(nil), body...),
	}
	if ev.Sequence <= 0 {
		ev.Sequence = env.Created
	}
	if ev.Org.OrgID == "" {
		ev.Org.OrgID = strings.TrimSpace(obj.ClientReferenceID)
	}
	if obj.CurrentPeriodEnd != nil && *obj.CurrentPeriodEnd > 0 {
		end := time.Unix(*obj.CurrentPeriodEnd, 0).UTC()
		ev.PeriodEnd = &end
	}
	ev.Trial = obj.Status == string(StateTrialing) ||
		(obj.TrialEnd != nil && *obj.TrialEnd > env.Created)
	return ev, nil
}

func metadataString(m map[string]any, key string) string {
	v, ok := m[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}
