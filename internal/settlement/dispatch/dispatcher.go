package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/exp/slices"

	"partnerpay/internal/settlement/event"
)

// HandlerFunc processes one event. Errors are returned to the gateway as 5xx
// so that the event is redelivered.
type HandlerFunc func(ctx context.Context, ev event.Event) error

// Handlers is the set of typed settlement handlers.
type Handlers interface {
	HandleCheckoutCompleted(ctx context.Context, ev event.CheckoutCompleted) error
	HandleCheckoutExpired(ctx context.Context, ev event.CheckoutExpired) error
	HandlePaymentSucceeded(ctx context.Context, ev event.PaymentSucceeded) error
	HandlePaymentFailed(ctx context.Context, ev event.PaymentFailed) error
	HandleSubscriptionChanged(ctx context.Context, sub event.Subscription, deleted bool) error
	HandleChargeRefunded(ctx context.Context, ev event.ChargeRefunded) error
}

// Dispatcher is a stateless routing table from event type to handler.
type Dispatcher struct {
	routes map[event.Type]HandlerFunc
	logger *slog.Logger
}

// New creates an empty dispatcher.
func New(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{routes: make(map[event.Type]HandlerFunc), logger: logger}
}

// NewSettlement creates a dispatcher with every known event type routed to h.
func NewSettlement(h Handlers, logger *slog.Logger) *Dispatcher {
	d := New(logger)
	d.Register(event.TypeCheckoutCompleted, func(ctx context.Context, ev event.Event) error {
		return h.HandleCheckoutCompleted(ctx, ev.(event.CheckoutCompleted))
	})
	d.Register(event.TypeCheckoutExpired, func(ctx context.Context, ev event.Event) error {
		return h.HandleCheckoutExpired(ctx, ev.(event.CheckoutExpired))
	})
	d.Register(event.TypePaymentSucceeded, func(ctx context.Context, ev event.Event) error {
		return h.HandlePaymentSucceeded(ctx, ev.(event.PaymentSucceeded))
	})
	d.Register(event.TypePaymentFailed, func(ctx context.Context, ev event.Event) error {
		return h.HandlePaymentFailed(ctx, ev.(event.PaymentFailed))
	})
	d.Register(event.TypeSubscriptionUpdated, func(ctx context.Context, ev event.Event) error {
		return h.HandleSubscriptionChanged(ctx, ev.(event.SubscriptionUpdated).Subscription, false)
	})
	d.Register(event.TypeSubscriptionDeleted, func(ctx context.Context, ev event.Event) error {
		return h.HandleSubscriptionChanged(ctx, ev.(event.SubscriptionDeleted).Subscription, true)
	})
	d.Register(event.TypeChargeRefunded, func(ctx context.Context, ev event.Event) error {
		return h.HandleChargeRefunded(ctx, ev.(event.ChargeRefunded))
	})
	return d
}

// Register sets the handler of an event type.
func (d *Dispatcher) Register(t event.Type, h HandlerFunc) {
	d.routes[t] = h
}

// Dispatch routes ev to its handler. It reports whether a handler ran;
// ignored and unrouted events are acknowledged without effect.
func (d *Dispatcher) Dispatch(ctx context.Context, ev event.Event) (bool, error) {
	if _, ok := ev.(event.Ignored); ok {
		d.logger.Info("webhook event ignored", "event_id", ev.EventID(), "type", ev.EventType())
		return false, nil
	}
	h, ok := d.routes[ev.EventType()]
	if !ok {
		d.logger.Info("webhook event has no handler", "event_id", ev.EventID(), "type", ev.EventType())
		return false, nil
	}
	if err := h(ctx, ev); err != nil {
		return true, fmt.Errorf("handle %s: %w", ev.EventType(), err)
	}
	return true, nil
}

// Types lists routed event types in sorted order.
func (d *Dispatcher) Types() []string {
	out := make([]string, 0, len(d.routes))
	for k := range d.routes {
		out = append(out, string(k))
	}
	slices.Sort(out)
	return out
}
