package control

import (
	"sync"

	"warden/internal/logging"
)

const writeChanDepth = 64

// client is one connected operator console. writeMu serializes frames and
// control pings onto the underlying connection.
type client struct {
	id      string
	send    chan ServerMessage
	done    chan struct{}
	writeMu sync.Mutex
	close   sync.Once
}

func newClient(id string) *client {
	return &client{
		id:   id,
		send: make(chan ServerMessage, writeChanDepth),
		done: make(chan struct{}),
	}
}

// shutdown signals departure exactly once. The send channel is never
// closed: intent handlers finishing after a disconnect must be able to
// call enqueue without panicking.
func (c *client) shutdown() {
	c.close.Do(func() { close(c.done) })
}

// enqueue offers a message without blocking. A console that cannot keep up
// loses frames rather than stalling the daemon, and a departed console
// loses them silently.
func (c *client) enqueue(msg ServerMessage) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// hub tracks connected consoles and fans messages out to them.
type hub struct {
	mu      sync.RWMutex
	clients map[string]*client
}

func newHub() *hub {
	return &hub{clients: make(map[string]*client)}
}

func (h *hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
}

func (h *hub) remove(id string) {
	h.mu.Lock()
	c, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
	}
	h.mu.Unlock()
	if ok {
		c.shutdown()
	}
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// broadcast sends msg to every connected console.
func (h *hub) broadcast(msg ServerMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if !c.enqueue(msg) {
			logging.Get(logging.CategoryControl).Warnf("console %s lagging, dropped %s frame", c.id, msg.Type)
		}
	}
}
