package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"partnerpay/internal/settlement/repo"
)

type stubStore struct {
	entries   []repo.OutboxEntry
	delivered []string
	failed    map[string]string
}

func (s *stubStore) Pending(ctx context.Context, limit, maxAttempts int) ([]repo.OutboxEntry, error) {
	if len(s.entries) > limit {
		return s.entries[:limit], nil
	}
	return s.entries, nil
}

func (s *stubStore) MarkDelivered(ctx context.Context, id string, now time.Time) error {
	s.delivered = append(s.delivered, id)
	return nil
}

func (s *stubStore) MarkFailed(ctx context.Context, id, reason string) error {
	if s.failed == nil {
		s.failed = map[string]string{}
	}
	s.failed[id] = reason
	return nil
}

type stubTokens map[string][]string

func (s stubTokens) Tokens(ctx context.Context, userID string) ([]string, error) {
	return s[userID], nil
}

type stubMembers map[string][]string

func (s stubMembers) MemberIDs(ctx context.Context, partnerID string) ([]string, error) {
	return s[partnerID], nil
}

type stubPusher struct {
	sent   []string
	titles []string
	fail   map[string]bool
}

func (p *stubPusher) Push(ctx context.Context, token, title, body string, data map[string]string) error {
	if p.fail[token] {
		return errors.New("unregistered")
	}
	p.sent = append(p.sent, token)
	p.titles = append(p.titles, title)
	return nil
}

func newRelay(t *testing.T, store *stubStore, pusher *stubPusher) *Relay {
	t.Helper()
	r, err := NewRelay(RelayConfig{
		Store:   store,
		Tokens:  stubTokens{"U1": {"tok-u1"}, "M1": {"tok-m1"}, "M2": {"tok-m2"}},
		Members: stubMembers{"P1": {"M1", "M2"}},
		Pusher:  pusher,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new relay: %v", err)
	}
	return r
}

func TestDrainDeliversByAudience(t *testing.T) {
	store := &stubStore{entries: []repo.OutboxEntry{
		{ID: "1", Category: CategoryOrders, Event: EventPaymentReceived, Payload: map[string]interface{}{PayloadUserID: "U1"}},
		{ID: "2", Category: CategoryPartners, Event: EventFulfillmentPending, Payload: map[string]interface{}{PayloadPartnerID: "P1"}},
		{ID: "3", Category: CategoryAdmin, Event: EventPartnerAccepted},
	}}
	pusher := &stubPusher{}

	n, err := newRelay(t, store, pusher).Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n != 3 || len(store.delivered) != 3 {
		t.Fatalf("expected 3 delivered, got %d (%v)", n, store.delivered)
	}
	if len(pusher.sent) != 3 {
		t.Fatalf("expected 3 pushes, got %v", pusher.sent)
	}
	if pusher.titles[0] != "Payment received" {
		t.Fatalf("unexpected title %q", pusher.titles[0])
	}
}

func TestDrainRecordsFailures(t *testing.T) {
	store := &stubStore{entries: []repo.OutboxEntry{
		{ID: "1", Category: CategoryOrders, Event: EventPaymentReceived, Payload: map[string]interface{}{PayloadUserID: "nobody"}},
		{ID: "2", Category: CategoryOrders, Event: EventPaymentReceived, Payload: map[string]interface{}{PayloadUserID: "U1"}},
	}}
	pusher := &stubPusher{fail: map[string]bool{"tok-u1": true}}

	n, err := newRelay(t, store, pusher).Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected nothing delivered, got %d", n)
	}
	if store.failed["1"] != ErrNoRecipients.Error() {
		t.Fatalf("missing tokens not recorded: %v", store.failed)
	}
	if store.failed["2"] != "unregistered" {
		t.Fatalf("push error not recorded: %v", store.failed)
	}
}

func TestKey(t *testing.T) {
	if got := Key("order", "O1", EventPaymentReceived); got != "order:O1:payment_received" {
		t.Fatalf("unexpected key %q", got)
	}
}
