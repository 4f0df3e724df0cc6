package pay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCreatePaymentLink(t *testing.T) {
	var got createSessionRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/checkout/sessions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk_test" {
			t.Errorf("missing bearer key")
		}
		if r.Header.Get("Idempotency-Key") != "dep-1" {
			t.Errorf("idempotency key mismatch: %q", r.Header.Get("Idempotency-Key"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"cs_dep_1","url":"https://pay.example/cs_dep_1"}`))
	}))
	defer ts.Close()

	client, err := NewClient(ClientConfig{BaseURL: ts.URL, APIKey: "sk_test", SuccessURL: "https://app/ok", Client: ts.Client()})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	link, err := client.CreatePaymentLink(context.Background(), LinkRequest{
		Reference:   "dep-1",
		AmountMinor: 4000,
		Currency:    "USD",
		Metadata:    map[string]string{"deposit_request_id": "dep-1"},
	})
	if err != nil {
		t.Fatalf("create link: %v", err)
	}
	if link.SessionID != "cs_dep_1" || link.URL != "https://pay.example/cs_dep_1" {
		t.Fatalf("unexpected link %+v", link)
	}
	if got.Amount != 4000 || got.Currency != "usd" || got.Metadata["deposit_request_id"] != "dep-1" {
		t.Fatalf("unexpected request body %+v", got)
	}
	if got.SuccessURL != "https://app/ok" {
		t.Fatalf("success url not forwarded: %q", got.SuccessURL)
	}
}

func TestCreatePaymentLink_Non2xxReturnsGatewayError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":"account disabled"}`))
	}))
	defer ts.Close()

	client, err := NewClient(ClientConfig{BaseURL: ts.URL, APIKey: "sk_test", Client: ts.Client()})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.CreatePaymentLink(context.Background(), LinkRequest{Reference: "dep-2", AmountMinor: 100, Currency: "usd"})
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) {
		t.Fatalf("expected GatewayError, got %v", err)
	}
	if gwErr.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("unexpected status %d", gwErr.StatusCode)
	}
}

func TestNewClientRequiresCredentials(t *testing.T) {
	if _, err := NewClient(ClientConfig{BaseURL: "https://pay.example"}); err == nil {
		t.Fatal("expected error without api key")
	}
}
