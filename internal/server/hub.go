package server

import (
	"sync"

	"github.com/colabvibe/colabvibe/internal/logger"
	"github.com/colabvibe/colabvibe/internal/models"
	"github.com/colabvibe/colabvibe/internal/recovery"
)

const subscriberChannelDepth = 64

// Hub fans the registry's single event stream out to per-connection
// channels. Slow subscribers get events dropped rather than blocking the
// stream.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[string]chan models.SessionEvent // agentId -> connId -> channel
	done chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		subs: make(map[string]map[string]chan models.SessionEvent),
		done: make(chan struct{}),
	}
}

// Run consumes events until the source closes or Stop is called.
func (h *Hub) Run(events <-chan models.SessionEvent) {
	recovery.SafeGo("event-hub", func() {
		for {
			select {
			case <-h.done:
				return
			case ev := <-events:
				h.broadcast(ev)
			}
		}
	})
}

func (h *Hub) broadcast(ev models.SessionEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for connID, ch := range h.subs[ev.AgentID] {
		select {
		case ch <- ev:
		default:
			logger.Debugf("subscriber %s lagging, dropping %s event", connID, ev.Type)
		}
	}
}

// Subscribe registers a connection for one agent's events.
func (h *Hub) Subscribe(agentID, connID string) <-chan models.SessionEvent {
	ch := make(chan models.SessionEvent, subscriberChannelDepth)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[agentID] == nil {
		h.subs[agentID] = make(map[string]chan models.SessionEvent)
	}
	h.subs[agentID][connID] = ch
	return ch
}

// Unsubscribe removes a connection. Safe to call twice.
func (h *Hub) Unsubscribe(agentID, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.subs[agentID]; ok {
		if ch, ok := conns[connID]; ok {
			delete(conns, connID)
			close(ch)
		}
		if len(conns) == 0 {
			delete(h.subs, agentID)
		}
	}
}

func (h *Hub) Stop() {
	close(h.done)
}
