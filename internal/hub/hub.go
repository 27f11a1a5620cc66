// Package hub maps live connections to tenant channels and fans events
// out to them. A client's tenant is fixed at registration; anonymous
// clients (tenant unresolved) may only join pairing channels keyed by
// qr_id. Delivery is at-most-once: a client whose send buffer is full
// misses the message and re-fetches state on its own.
package hub

import (
	"encoding/json"
	"log"
	"sync"
	"time"
)

type Client struct {
	ID       string
	TenantID string
	Send     chan []byte
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	// qr maps a pairing session's qr_id to the clients watching it.
	qr map[string]map[string]*Client
}

// Event is the wire envelope for every broadcast. Payload is advisory
// only; the identifying keys plus CreatedAt are the contract.
type Event struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

type Message struct {
	Action string `json:"action"`
	QRID   string `json:"qr_id"`
}

func New() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		qr:      make(map[string]map[string]*Client),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

// Unregister removes the client from its tenant channel and every
// pairing channel before closing its send channel. Removal is
// synchronous: once this returns the client receives nothing further.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	for qrID, members := range h.qr {
		delete(members, client.ID)
		if len(members) == 0 {
			delete(h.qr, qrID)
		}
	}
	close(client.Send)
}

func (h *Hub) JoinQR(client *Client, qrID string) {
	if qrID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	members, ok := h.qr[qrID]
	if !ok {
		members = make(map[string]*Client)
		h.qr[qrID] = members
	}
	members[client.ID] = client
}

func (h *Hub) LeaveQR(client *Client, qrID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.qr[qrID]
	if !ok {
		return
	}
	delete(members, client.ID)
	if len(members) == 0 {
		delete(h.qr, qrID)
	}
}

func (h *Hub) Broadcast(tenantID string, payload []byte) {
	if tenantID == "" {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if client.TenantID != tenantID {
			continue
		}
		send(client, payload)
	}
}

func (h *Hub) BroadcastQR(qrID string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.qr[qrID] {
		send(client, payload)
	}
}

func (h *Hub) PublishTenant(tenantID, eventType string, payload interface{}) {
	data, err := json.Marshal(Event{Type: eventType, Payload: payload, CreatedAt: time.Now().UTC()})
	if err != nil {
		log.Printf("marshal event %s: %v", eventType, err)
		return
	}
	h.Broadcast(tenantID, data)
}

func (h *Hub) PublishQR(qrID, eventType string, payload interface{}) {
	data, err := json.Marshal(Event{Type: eventType, Payload: payload, CreatedAt: time.Now().UTC()})
	if err != nil {
		log.Printf("marshal event %s: %v", eventType, err)
		return
	}
	h.BroadcastQR(qrID, data)
}

func send(client *Client, payload []byte) {
	select {
	case client.Send <- payload:
	default:
		log.Printf("drop message for client %s", client.ID)
	}
}

func ParseMessage(data []byte) (Message, bool) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, false
	}
	if msg.Action != "join_qr" && msg.Action != "leave_qr" {
		return Message{}, false
	}
	return msg, true
}
