// Package event decodes verified gateway webhook bodies into a closed set of
// typed events.
package event

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrMalformedEvent is returned for a body that is not a gateway envelope.
var ErrMalformedEvent = errors.New("event: malformed event")

// Type is the gateway event type.
type Type string

const (
	TypeCheckoutCompleted   Type = "checkout.session.completed"
	TypeCheckoutExpired     Type = "checkout.session.expired"
	TypePaymentSucceeded    Type = "payment_intent.succeeded"
	TypePaymentFailed       Type = "payment_intent.payment_failed"
	TypeSubscriptionUpdated Type = "customer.subscription.updated"
	TypeSubscriptionDeleted Type = "customer.subscription.deleted"
	TypeChargeRefunded      Type = "charge.refunded"
)

// Known lists the event types with a dedicated variant.
var Known = []Type{
	TypeCheckoutCompleted,
	TypeCheckoutExpired,
	TypePaymentSucceeded,
	TypePaymentFailed,
	TypeSubscriptionUpdated,
	TypeSubscriptionDeleted,
	TypeChargeRefunded,
}

// Metadata keys set on gateway objects by checkout creation.
const (
	MetaOrderID          = "order_id"
	MetaBookingID        = "booking_id"
	MetaBookingType      = "booking_type"
	MetaDepositRequestID = "deposit_request_id"
	MetaUserID           = "user_id"
)

// Event is implemented by every variant. The unexported method closes the set.
type Event interface {
	EventID() string
	EventType() Type
	isEvent()
}

// Envelope carries the fields shared by all variants.
type Envelope struct {
	ID      string
	RawType string
}

func (e Envelope) EventID() string { return e.ID }

// Metadata is the free-form key/value map attached to gateway objects.
type Metadata map[string]string

// Get returns a trimmed metadata value.
func (m Metadata) Get(key string) string {
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[key])
}

// CheckoutSession is the object of checkout events.
type CheckoutSession struct {
	ID            string   `json:"id"`
	PaymentIntent string   `json:"payment_intent"`
	Customer      string   `json:"customer"`
	PaymentStatus string   `json:"payment_status"`
	AmountTotal   int64    `json:"amount_total"`
	Currency      string   `json:"currency"`
	Metadata      Metadata `json:"metadata"`
}

// PaymentIntent is the object of payment intent events.
type PaymentIntent struct {
	ID               string   `json:"id"`
	Customer         string   `json:"customer"`
	Amount           int64    `json:"amount"`
	Currency         string   `json:"currency"`
	Status           string   `json:"status"`
	Metadata         Metadata `json:"metadata"`
	LastPaymentError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

// FailureMessage returns the gateway failure reason if any.
func (p PaymentIntent) FailureMessage() string {
	if p.LastPaymentError == nil {
		return ""
	}
	return p.LastPaymentError.Message
}

// Subscription is the object of subscription events.
type Subscription struct {
	ID               string   `json:"id"`
	Customer         string   `json:"customer"`
	Status           string   `json:"status"`
	CurrentPeriodEnd int64    `json:"current_period_end"`
	Metadata         Metadata `json:"metadata"`
}

// Charge is the object of charge events.
type Charge struct {
	ID             string   `json:"id"`
	PaymentIntent  string   `json:"payment_intent"`
	Amount         int64    `json:"amount"`
	AmountRefunded int64    `json:"amount_refunded"`
	Refunded       bool     `json:"refunded"`
	Currency       string   `json:"currency"`
	Metadata       Metadata `json:"metadata"`
}

// FullyRefunded reports whether the whole charge was returned.
func (c Charge) FullyRefunded() bool {
	return c.Refunded || (c.Amount > 0 && c.AmountRefunded >= c.Amount)
}

type (
	CheckoutCompleted struct {
		Envelope
		Session CheckoutSession
	}
	CheckoutExpired struct {
		Envelope
		Session CheckoutSession
	}
	PaymentSucceeded struct {
		Envelope
		Intent PaymentIntent
	}
	PaymentFailed struct {
		Envelope
		Intent PaymentIntent
	}
	SubscriptionUpdated struct {
		Envelope
		Subscription Subscription
	}
	SubscriptionDeleted struct {
		Envelope
		Subscription Subscription
	}
	ChargeRefunded struct {
		Envelope
		Charge Charge
	}
	// Ignored is an event type without a handler. It is acknowledged.
	Ignored struct {
		Envelope
	}
)

func (CheckoutCompleted) EventType() Type   { return TypeCheckoutCompleted }
func (CheckoutExpired) EventType() Type     { return TypeCheckoutExpired }
func (PaymentSucceeded) EventType() Type    { return TypePaymentSucceeded }
func (PaymentFailed) EventType() Type       { return TypePaymentFailed }
func (SubscriptionUpdated) EventType() Type { return TypeSubscriptionUpdated }
func (SubscriptionDeleted) EventType() Type { return TypeSubscriptionDeleted }
func (ChargeRefunded) EventType() Type      { return TypeChargeRefunded }
func (e Ignored) EventType() Type           { return Type(e.RawType) }

func (CheckoutCompleted) isEvent()   {}
func (CheckoutExpired) isEvent()     {}
func (PaymentSucceeded) isEvent()    {}
func (PaymentFailed) isEvent()       {}
func (SubscriptionUpdated) isEvent() {}
func (SubscriptionDeleted) isEvent() {}
func (ChargeRefunded) isEvent()      {}
func (Ignored) isEvent()             {}

type wireEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// Parse decodes a verified webhook body.
func Parse(body []byte) (Event, error) {
	var w wireEnvelope
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, ErrMalformedEvent
	}
	w.Type = strings.TrimSpace(w.Type)
	if w.Type == "" {
		return nil, ErrMalformedEvent
	}
	env := Envelope{ID: w.ID, RawType: w.Type}

	switch Type(w.Type) {
	case TypeCheckoutCompleted:
		var s CheckoutSession
		if err := decodeObject(w.Data.Object, &s); err != nil {
			return nil, err
		}
		return CheckoutCompleted{Envelope: env, Session: s}, nil
	case TypeCheckoutExpired:
		var s CheckoutSession
		if err := decodeObject(w.Data.Object, &s); err != nil {
			return nil, err
		}
		return CheckoutExpired{Envelope: env, Session: s}, nil
	case TypePaymentSucceeded:
		var p PaymentIntent
		if err := decodeObject(w.Data.Object, &p); err != nil {
			return nil, err
		}
		return PaymentSucceeded{Envelope: env, Intent: p}, nil
	case TypePaymentFailed:
		var p PaymentIntent
		if err := decodeObject(w.Data.Object, &p); err != nil {
			return nil, err
		}
		return PaymentFailed{Envelope: env, Intent: p}, nil
	case TypeSubscriptionUpdated:
		var s Subscription
		if err := decodeObject(w.Data.Object, &s); err != nil {
			return nil, err
		}
		return SubscriptionUpdated{Envelope: env, Subscription: s}, nil
	case TypeSubscriptionDeleted:
		var s Subscription
		if err := decodeObject(w.Data.Object, &s); err != nil {
			return nil, err
		}
		return SubscriptionDeleted{Envelope: env, Subscription: s}, nil
	case TypeChargeRefunded:
		var c Charge
		if err := decodeObject(w.Data.Object, &c); err != nil {
			return nil, err
		}
		return ChargeRefunded{Envelope: env, Charge: c}, nil
	}
	return Ignored{Envelope: env}, nil
}

func decodeObject(raw json.RawMessage, dst interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return ErrMalformedEvent
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return ErrMalformedEvent
	}
	return nil
}
