package ws

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestPartnerHubPushesToMembers(t *testing.T) {
	hub := NewPartnerHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, r.URL.Query().Get("partner_id"), r.URL.Query().Get("user_id"))
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?partner_id=P1&user_id=U1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Connected("P1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("connection was not registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.PushPartnerEvent("P2", PartnerEvent{Type: "fulfillment_pending", FulfillmentID: "other"})
	hub.PushPartnerEvent("P1", PartnerEvent{Type: "fulfillment_pending", FulfillmentID: "F1", Status: "pending_acceptance"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev PartnerEvent
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.FulfillmentID != "F1" || ev.Status != "pending_acceptance" {
		t.Fatalf("unexpected event %+v", ev)
	}
}
