// Package hub fans received messages out to tap clients.
package hub

import (
	"fmt"
	"strings"
	"sync"

	"github.com/kstaniek/go-canif/internal/can"
	"github.com/kstaniek/go-canif/internal/logging"
	"github.com/kstaniek/go-canif/internal/metrics"
)

// BackpressurePolicy decides what happens when a client's queue is full.
type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota // lose the message for that client only
	PolicyKick                           // disconnect the client
)

func (p BackpressurePolicy) String() string {
	if p == PolicyKick {
		return "kick"
	}
	return "drop"
}

// ParsePolicy accepts "drop" or "kick".
func ParsePolicy(s string) (BackpressurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "drop", "":
		return PolicyDrop, nil
	case "kick":
		return PolicyKick, nil
	}
	return PolicyDrop, fmt.Errorf("hub: unknown policy %q", s)
}

// Client is one subscriber. Out is drained by the client's writer; Closed
// is closed when the hub or the server gives up on it.
type Client struct {
	Out       chan can.Message
	Closed    chan struct{}
	closeOnce sync.Once
}

// NewClient allocates a client with an outbound queue of buf messages.
func NewClient(buf int) *Client {
	if buf < 1 {
		buf = 1
	}
	return &Client{Out: make(chan can.Message, buf), Closed: make(chan struct{})}
}

// Close signals the client is closed (idempotent).
func (c *Client) Close() { c.closeOnce.Do(func() { close(c.Closed) }) }

type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	OutBufSize int
	Policy     BackpressurePolicy
}

func New() *Hub { return &Hub{clients: make(map[*Client]struct{}), OutBufSize: 512} }

// Add registers a client.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	cur := len(h.clients)
	h.mu.Unlock()
	metrics.SetHubClients(cur)
	if cur == 1 {
		logging.L().Info("clients_first_connected")
	}
}

// Remove unregisters and closes a client; safe to call multiple times.
func (h *Hub) Remove(c *Client) {
	h.mu.Lock()
	_, existed := h.clients[c]
	delete(h.clients, c)
	cur := len(h.clients)
	h.mu.Unlock()
	c.Close()
	metrics.SetHubClients(cur)
	if existed && cur == 0 {
		logging.L().Info("clients_last_disconnected")
	}
}

// Broadcast offers m to every client without blocking. A full client queue
// is handled per Policy; clients already closed are skipped.
func (h *Hub) Broadcast(m can.Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case <-c.Closed:
			continue
		default:
		}
		select {
		case c.Out <- m:
		default:
			if h.Policy == PolicyKick {
				metrics.IncHubKick()
				c.Close() // the server removes it when its writer exits
			} else {
				metrics.IncHubDrop()
			}
		}
	}
}

// Count returns the number of registered clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
