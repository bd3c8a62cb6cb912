package billing

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Recognized webhook event types. Anything else is acknowledged as a no-op.
const (
	EventCheckoutCompleted    = "checkout.session.completed"
	EventSubscriptionUpdated  = "customer.subscription.updated"
	EventSubscriptionDeleted  = "customer.subscription.deleted"
	EventInvoicePaymentFailed = "invoice.payment_failed"
)

// Event is a verified, normalized provider webhook event.
type Event struct {
	ID         string
	Type       string
	OccurredAt time.Time
	Object     EventObject
	Raw        []byte
}

// EventObject carries the fields of the event's payload object that the
// dispatcher acts on. Unused provider fields are ignored.
type EventObject struct {
	ID                string
	CustomerID        string
	SubscriptionID    string
	Mode              string
	PriceRef          string
	Status            string
	CancelAtPeriodEnd bool
	CurrentPeriodEnd  *time.Time
	AmountTotal       decimal.Decimal
}

type rawEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object rawObject `json:"object"`
	} `json:"data"`
}

type rawObject struct {
	ID                string            `json:"id"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	Mode              string            `json:"mode"`
	Status            string            `json:"status"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64             `json:"current_period_end"`
	AmountTotal       int64             `json:"amount_total"`
	Metadata          map[string]string `json:"metadata"`
}

// ParseEvent deserializes a verified webhook payload into a typed event.
// The event id is required for deduplication.
func ParseEvent(raw []byte) (*Event, error) {
	var re rawEvent
	if err := json.Unmarshal(raw, &re); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if strings.TrimSpace(re.ID) == "" || strings.TrimSpace(re.Type) == "" {
		return nil, fmt.Errorf("%w: missing id or type", ErrMalformedEvent)
	}

	obj := EventObject{
		ID:                re.Data.Object.ID,
		CustomerID:        re.Data.Object.Customer,
		SubscriptionID:    re.Data.Object.Subscription,
		Mode:              strings.ToLower(strings.TrimSpace(re.Data.Object.Mode)),
		PriceRef:          re.Data.Object.Metadata["price_ref"],
		Status:            strings.ToLower(strings.TrimSpace(re.Data.Object.Status)),
		CancelAtPeriodEnd: re.Data.Object.CancelAtPeriodEnd,
		AmountTotal:       decimal.NewFromInt(re.Data.Object.AmountTotal).Shift(-2),
	}
	if re.Data.Object.CurrentPeriodEnd > 0 {
		t := time.Unix(re.Data.Object.CurrentPeriodEnd, 0).UTC()
		obj.CurrentPeriodEnd = &t
	}

	occurred := time.Now().UTC()
	if re.Created > 0 {
		occurred = time.Unix(re.Created, 0).UTC()
	}

	return &Event{
		ID:         re.ID,
		Type:       re.Type,
		OccurredAt: occurred,
		Object:     obj,
		Raw:        raw,
	}, nil
}
