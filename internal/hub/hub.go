// Package hub fans received CAN frames out to connected TCP clients.
package hub

import (
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-fdcan/internal/can"
	"github.com/kstaniek/go-fdcan/internal/logging"
	"github.com/kstaniek/go-fdcan/internal/metrics"
)

type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota
	PolicyKick
)

func (p BackpressurePolicy) String() string {
	if p == PolicyKick {
		return "kick"
	}
	return "drop"
}

// Client is one subscriber. Out is drained by the client's writer; Closed
// is closed when the client must go away.
type Client struct {
	Out    chan can.Frame
	Closed chan struct{}
	// Accept, when set, filters frames before they are queued.
	Accept func(*can.Frame) bool

	dropped   atomic.Uint64
	closeOnce sync.Once
}

// NewClient returns a client with an outbound buffer of buf frames.
func NewClient(buf int) *Client {
	return &Client{Out: make(chan can.Frame, buf), Closed: make(chan struct{})}
}

// Close signals the client is closed (idempotent).
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.Closed)
	})
}

// Dropped returns the number of frames dropped for this client.
func (c *Client) Dropped() uint64 { return c.dropped.Load() }

type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	OutBufSize int
	Policy     BackpressurePolicy
}

// New creates a Hub with default settings.
func New() *Hub { return &Hub{clients: make(map[*Client]struct{})} }

// Add registers a client with the hub.
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

// Broadcast queues fr for every client honoring the backpressure policy and
// returns how many clients received it.
func (h *Hub) Broadcast(fr can.Frame) int {
	clients := h.Snapshot()
	metrics.SetBroadcastFanout(len(clients))
	sampleDepth(clients)
	delivered := 0
	for _, c := range clients {
		if c.Accept != nil && !c.Accept(&fr) {
			continue
		}
		select {
		case c.Out <- fr:
			delivered++
		default:
			c.dropped.Add(1)
			if h.Policy == PolicyKick {
				metrics.IncHubKick()
				c.Close() // writer exits; server removes the client on disconnect
			} else {
				metrics.IncHubDrop()
			}
		}
	}
	return delivered
}

func sampleDepth(clients []*Client) {
	if len(clients) == 0 {
		return
	}
	maxDepth, sum := 0, 0
	for _, c := range clients {
		l := len(c.Out)
		maxDepth = max(maxDepth, l)
		sum += l
	}
	metrics.SetQueueDepth(maxDepth, sum/len(clients))
}

// Snapshot returns a slice copy of current clients (read-only use).
func (h *Hub) Snapshot() []*Client {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	return clients
}

// Count returns the number of active clients.
func (h *Hub) Count() int { h.mu.RLock(); n := len(h.clients); h.mu.RUnlock(); return n }
