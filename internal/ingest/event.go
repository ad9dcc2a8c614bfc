package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tallyo/internal/model"
)

// ErrMalformedEvent rejects payloads that do not parse into the expected
// envelope.
var ErrMalformedEvent = errors.New("ingest: malformed event payload")

// Event types the ingestor applies. Anything else is acknowledged and ignored.
const (
	EventSubscriptionCreated = "subscription.created"
	EventSubscriptionUpdated = "subscription.updated"
	EventSubscriptionDeleted = "subscription.deleted"
	EventPaymentSucceeded    = "invoice.payment_succeeded"
	EventPaymentFailed       = "invoice.payment_failed"
)

// envelope is the processor's webhook shape: an event wrapping the changed
// object. Field names follow the processor's wire format.
type envelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object eventObject `json:"object"`
	} `json:"data"`
}

type eventObject struct {
	ID                 string            `json:"id"`
	Customer           string            `json:"customer"`
	Subscription       string            `json:"subscription,omitempty"`
	Status             string            `json:"status,omitempty"`
	Plan               string            `json:"plan,omitempty"`
	CurrentPeriodStart int64             `json:"current_period_start,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

func parseEnvelope(body []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if env.ID == "" || env.Type == "" {
		return nil, fmt.Errorf("%w: missing event id or type", ErrMalformedEvent)
	}
	return &env, nil
}

// subscriptionID returns the subscription reference regardless of whether the
// wrapped object is a subscription or an invoice pointing at one.
func (o *eventObject) subscriptionID() string {
	if o.Subscription != "" {
		return o.Subscription
	}
	return o.ID
}

func (o *eventObject) cycleStart() *time.Time {
	if o.CurrentPeriodStart == 0 {
		return nil
	}
	t := time.Unix(o.CurrentPeriodStart, 0).UTC()
	return &t
}

// mapStatus folds the processor's status vocabulary into the local enum.
func mapStatus(raw string) (model.SubscriptionStatus, error) {
	switch raw {
	case "active", "trialing":
		return model.StatusActive, nil
	case "past_due":
		return model.StatusPastDue, nil
	case "canceled":
		return model.StatusCanceled, nil
	case "unpaid", "incomplete", "incomplete_expired":
		return model.StatusUnpaid, nil
	default:
		return "", fmt.Errorf("unmapped subscription status %q", raw)
	}
}
