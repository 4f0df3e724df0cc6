package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// PartnerEvent is a message for partner dashboards.
type PartnerEvent struct {
	Type          string     `json:"type"`
	FulfillmentID string     `json:"fulfillment_id"`
	ResourceType  string     `json:"resource_type,omitempty"`
	Status        string     `json:"status,omitempty"`
	SLADeadlineAt *time.Time `json:"sla_deadline_at,omitempty"`
	Message       string     `json:"message,omitempty"`
}

type partnerConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// PartnerHub manages partner member WS connections. Each member of a partner
// holds at most one connection; events for a partner go to all its members.
type PartnerHub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu    sync.RWMutex
	conns map[string]map[string]*partnerConn
}

// NewPartnerHub constructs a partner hub.
func NewPartnerHub(logger *slog.Logger) *PartnerHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &PartnerHub{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		logger:   logger,
		conns:    make(map[string]map[string]*partnerConn),
	}
}

// ServeWS upgrades the connection of an already authorized partner member.
func (h *PartnerHub) ServeWS(w http.ResponseWriter, r *http.Request, partnerID, userID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("partner ws upgrade failed", "partner_id", partnerID, "err", err)
		return
	}

	h.mu.Lock()
	members, ok := h.conns[partnerID]
	if !ok {
		members = make(map[string]*partnerConn)
		h.conns[partnerID] = members
	}
	if old, ok := members[userID]; ok {
		_ = old.conn.Close()
	}
	pc := &partnerConn{conn: conn}
	members[userID] = pc
	h.mu.Unlock()

	go h.readLoop(partnerID, userID, pc)
}

func (h *PartnerHub) readLoop(partnerID, userID string, pc *partnerConn) {
	defer func() {
		pc.conn.Close()
		h.mu.Lock()
		if members, ok := h.conns[partnerID]; ok && members[userID] == pc {
			delete(members, userID)
			if len(members) == 0 {
				delete(h.conns, partnerID)
			}
		}
		h.mu.Unlock()
	}()

	conn := pc.conn
	conn.SetReadLimit(1024)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		if mt == websocket.TextMessage && strings.EqualFold(strings.TrimSpace(string(msg)), "ping") {
			pc.mu.Lock()
			_ = conn.WriteMessage(websocket.TextMessage, []byte("pong"))
			pc.mu.Unlock()
		}
	}
}

// Connected returns how many members of a partner are online.
func (h *PartnerHub) Connected(partnerID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[partnerID])
}

// PushPartnerEvent sends an event to every connected member of a partner.
func (h *PartnerHub) PushPartnerEvent(partnerID string, event PartnerEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	h.mu.RLock()
	targets := make([]*partnerConn, 0, len(h.conns[partnerID]))
	for _, pc := range h.conns[partnerID] {
		targets = append(targets, pc)
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	h.logger.Info("ws push to partner", "partner_id", partnerID, "type", event.Type, "fulfillment_id", event.FulfillmentID)
	for _, pc := range targets {
		pc.mu.Lock()
		pc.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := pc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Error("partner ws write failed", "partner_id", partnerID, "err", err)
		}
		pc.mu.Unlock()
	}
}
