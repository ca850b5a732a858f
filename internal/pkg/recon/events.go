package recon

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Gateway event type strings the decoder understands. Everything else decodes
// to Unhandled so future gateway event types never break delivery.
const (
	eventTypeInvoicePaid         = "invoice.payment_succeeded"
	eventTypeCheckoutCompleted   = "checkout.session.completed"
	eventTypeSubscriptionUpdated = "customer.subscription.updated"
	eventTypeSubscriptionDeleted = "customer.subscription.deleted"
)

// BillingReasonSubscriptionCreate marks the first invoice of a subscription.
// Renewal invoices carry other reasons and must not re-trigger creation.
const BillingReasonSubscriptionCreate = "subscription_create"

// Event is the closed set of decoded gateway notifications.
type Event interface {
	EventType() string
}

// InvoicePaymentSucceeded reports a paid invoice. Invoice payloads do not
// carry plan metadata; activation requires a compensating detail fetch.
type InvoicePaymentSucceeded struct {
	SubscriptionID string
	CustomerID     string
	BillingReason  string
}

func (InvoicePaymentSucceeded) EventType() string { return eventTypeInvoicePaid }

// CheckoutCompleted reports a finished redirect checkout session.
type CheckoutCompleted struct {
	SubscriptionID string
	CustomerID     string
	PaymentStatus  string
}

func (CheckoutCompleted) EventType() string { return eventTypeCheckoutCompleted }

// SubscriptionUpdated mirrors a gateway-side subscription change.
type SubscriptionUpdated struct {
	SubscriptionID string
	SubscriberRef  string
	PriceID        string
	Status         string
}

func (SubscriptionUpdated) EventType() string { return eventTypeSubscriptionUpdated }

// SubscriptionDeleted reports a gateway-side cancellation.
type SubscriptionDeleted struct {
	SubscriptionID string
	SubscriberRef  string
}

func (SubscriptionDeleted) EventType() string { return eventTypeSubscriptionDeleted }

// Unhandled is the catch-all for event types we intentionally ignore.
type Unhandled struct {
	Type string
}

func (u Unhandled) EventType() string { return u.Type }

type eventEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type invoiceObject struct {
	Subscription  string `json:"subscription"`
	Customer      string `json:"customer"`
	BillingReason string `json:"billing_reason"`
}

type checkoutObject struct {
	Subscription  string `json:"subscription"`
	Customer      string `json:"customer"`
	PaymentStatus string `json:"payment_status"`
}

type subscriptionObject struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
	Status   string `json:"status"`
	Metadata struct {
		SubscriberRef string `json:"subscriber_ref"`
	} `json:"metadata"`
	Items struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// DecodeEvent parses verified payload bytes into the gateway event id and a
// typed event. Unknown event types decode to Unhandled; broken JSON returns
// ErrMalformedEvent.
func DecodeEvent(payload []byte) (string, Event, error) {
	var env eventEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	eventID := strings.TrimSpace(env.ID)
	if eventID == "" {
		return "", nil, fmt.Errorf("%w: missing event id", ErrMalformedEvent)
	}

	switch env.Type {
	case eventTypeInvoicePaid:
		var obj invoiceObject
		if err := json.Unmarshal(env.Data.Object, &obj); err != nil {
			return eventID, nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		return eventID, InvoicePaymentSucceeded{
			SubscriptionID: obj.Subscription,
			CustomerID:     obj.Customer,
			BillingReason:  obj.BillingReason,
		}, nil
	case eventTypeCheckoutCompleted:
		var obj checkoutObject
		if err := json.Unmarshal(env.Data.Object, &obj); err != nil {
			return eventID, nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		return eventID, CheckoutCompleted{
			SubscriptionID: obj.Subscription,
			CustomerID:     obj.Customer,
			PaymentStatus:  obj.PaymentStatus,
		}, nil
	case eventTypeSubscriptionUpdated:
		obj, err := decodeSubscriptionObject(env.Data.Object)
		if err != nil {
			return eventID, nil, err
		}
		priceID := ""
		if len(obj.Items.Data) > 0 {
			priceID = obj.Items.Data[0].Price.ID
		}
		return eventID, SubscriptionUpdated{
			SubscriptionID: obj.ID,
			SubscriberRef:  obj.Metadata.SubscriberRef,
			PriceID:        priceID,
			Status:         obj.Status,
		}, nil
	case eventTypeSubscriptionDeleted:
		obj, err := decodeSubscriptionObject(env.Data.Object)
		if err != nil {
			return eventID, nil, err
		}
		return eventID, SubscriptionDeleted{
			SubscriptionID: obj.ID,
			SubscriberRef:  obj.Metadata.SubscriberRef,
		}, nil
	default:
		return eventID, Unhandled{Type: env.Type}, nil
	}
}

func decodeSubscriptionObject(raw json.RawMessage) (*subscriptionObject, error) {
	var obj subscriptionObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if strings.TrimSpace(obj.ID) == "" {
		return nil, fmt.Errorf("%w: subscription object missing id", ErrMalformedEvent)
	}
	return &obj, nil
}
