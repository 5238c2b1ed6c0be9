package sse

import (
	"fmt"
	"log"
	"sync"
)

// Event represents a Server-Sent Event
type Event struct {
	EventType string `json:"event"`
	Data      string `json:"data"`
}

// Client represents a connected SSE client
type Client struct {
	ID     string
	UserID string
	Events chan Event
}

// Hub manages all SSE client connections
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// GlobalHub is the singleton SSE Hub instance
var GlobalHub = NewHub()

// NewHub creates a new SSE Hub
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
	}
}

// Register adds a new client to the hub
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
	log.Printf("[SSE] Client registered: id=%s user=%s (total: %d)", client.ID, client.UserID, len(h.clients))
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if client, ok := h.clients[clientID]; ok {
		close(client.Events)
		delete(h.clients, clientID)
		log.Printf("[SSE] Client unregistered: id=%s (total: %d)", clientID, len(h.clients))
	}
}

// Broadcast sends an event to all connected clients
// 投递是尽力而为：客户端缓冲满就丢，正确性靠轮询兜底。
func (h *Hub) Broadcast(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		select {
		case client.Events <- event:
		default:
			log.Printf("[SSE] Client %s buffer full, skipping event", client.ID)
		}
	}
}

// PublishTicketUpdate 广播工单变更事件
// changeKind: step_start/step_complete/qc_submit/rework_spawn/rework_merge/...
func PublishTicketUpdate(ticketID, changeKind string) {
	data := fmt.Sprintf(`{"ticket_id":"%s","change":"%s"}`, ticketID, changeKind)
	GlobalHub.Broadcast(Event{
		EventType: "ticket_update",
		Data:      data,
	})
	log.Printf("[SSE] Published ticket_update: ticket=%s change=%s", ticketID, changeKind)
}

// PublishReworkUpdate 广播返工单变更事件
func PublishReworkUpdate(reworkOrderID, ticketID, changeKind string) {
	data := fmt.Sprintf(`{"rework_order_id":"%s","ticket_id":"%s","change":"%s"}`, reworkOrderID, ticketID, changeKind)
	GlobalHub.Broadcast(Event{
		EventType: "rework_update",
		Data:      data,
	})
	log.Printf("[SSE] Published rework_update: rework=%s ticket=%s change=%s", reworkOrderID, ticketID, changeKind)
}

// SendToUser 给特定用户发送事件（而非广播）
func SendToUser(userID string, event Event) {
	GlobalHub.mu.RLock()
	defer GlobalHub.mu.RUnlock()
	for _, client := range GlobalHub.clients {
		if client.UserID == userID {
			select {
			case client.Events <- event:
			default:
				log.Printf("[SSE] Client %s buffer full, skipping user event", client.ID)
			}
		}
	}
}
