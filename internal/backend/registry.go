package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/colabvibe/colabvibe/internal/buffer"
	"github.com/colabvibe/colabvibe/internal/config"
	"github.com/colabvibe/colabvibe/internal/logger"
	"github.com/colabvibe/colabvibe/internal/models"
	"github.com/colabvibe/colabvibe/internal/ports"
	"github.com/colabvibe/colabvibe/internal/recovery"
	"github.com/colabvibe/colabvibe/internal/store"
)

// Selector picks a backend. Mode="chat" bypasses the location/isolation
// pair entirely.
type Selector struct {
	Location  models.Location  `json:"location"`
	Isolation models.Isolation `json:"isolation"`
	Mode      string           `json:"mode,omitempty"`
}

// Stats is the registry-wide counters snapshot.
type Stats struct {
	Sessions map[string]int `json:"sessions"` // backend kind -> session count
	Total    int            `json:"total"`
	Ports    ports.Stats    `json:"ports"`
	Buffered int            `json:"buffered_sessions"`
}

// Registry lazily instantiates one backend per kind, routes session
// operations to the backend owning each agentId, and republishes every
// backend's events on a single channel. Data events additionally feed the
// reconnection buffer.
type Registry struct {
	cfg       *config.Config
	store     store.Store
	buffers   *buffer.Manager
	allocator *ports.Allocator

	mu       sync.RWMutex
	backends map[models.BackendKind]Backend
	owners   map[string]Backend // agentId -> owning backend

	events chan models.SessionEvent
	done   chan struct{}
	ticker *time.Ticker
}

func NewRegistry(cfg *config.Config, st store.Store, buffers *buffer.Manager, allocator *ports.Allocator) *Registry {
	r := &Registry{
		cfg:       cfg,
		store:     st,
		buffers:   buffers,
		allocator: allocator,
		backends:  make(map[models.BackendKind]Backend),
		owners:    make(map[string]Backend),
		events:    make(chan models.SessionEvent, eventChannelDepth),
		done:      make(chan struct{}),
	}
	r.startSweeper()
	return r
}

// Events is the registry's unified outbound event stream.
func (r *Registry) Events() <-chan models.SessionEvent { return r.events }

// Get returns the backend for a selector, creating it on first use. Unknown
// combinations are rejected with ErrUnknownBackend.
func (r *Registry) Get(sel Selector) (Backend, error) {
	kind := models.BackendKind{Location: sel.Location, Isolation: sel.Isolation}
	if sel.Mode == "chat" {
		kind = models.ChatKind
	}

	r.mu.RLock()
	b, ok := r.backends[kind]
	r.mu.RUnlock()
	if ok {
		return b, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.backends[kind]; ok {
		return b, nil
	}

	b, err := r.build(kind)
	if err != nil {
		return nil, err
	}
	r.backends[kind] = b
	r.subscribe(b)
	logger.Infof("backend %s created", kind)
	return b, nil
}

func (r *Registry) build(kind models.BackendKind) (Backend, error) {
	switch kind {
	case models.ChatKind:
		return NewChatBackend(r.cfg, r.store), nil
	case models.BackendKind{Location: models.LocationLocal, Isolation: models.IsolationProcess}:
		return NewProcessBackend(r.cfg), nil
	case models.BackendKind{Location: models.LocationLocal, Isolation: models.IsolationTmux}:
		return NewTmuxBackend(r.cfg, r.store), nil
	case models.BackendKind{Location: models.LocationLocal, Isolation: models.IsolationContainer}:
		return NewLocalContainerBackend(r.cfg, r.store), nil
	case models.BackendKind{Location: models.LocationRemote, Isolation: models.IsolationContainer}:
		return NewRemoteContainerBackend(r.cfg, r.store)
	default:
		return nil, fmt.Errorf("%s: %w", kind, models.ErrUnknownBackend)
	}
}

// subscribe republishes one backend's events and mirrors data events into
// the reconnection buffer.
func (r *Registry) subscribe(b Backend) {
	events := b.Events()
	recovery.SafeGo("registry-forward-"+b.Kind().String(), func() {
		for {
			select {
			case <-r.done:
				return
			case ev := <-events:
				if ev.Type == models.EventData && r.buffers != nil {
					r.buffers.Append(ev.AgentID, string(ev.Data))
				}
				select {
				case r.events <- ev:
				case <-r.done:
					return
				default:
					logger.Warnf("registry event channel full, dropping %s for agent %s", ev.Type, ev.AgentID)
				}
			}
		}
	})
}

// Spawn routes a spawn to the selected backend and records the agentId's
// owner. Failed spawns are recorded too, so later queries see the failure.
func (r *Registry) Spawn(ctx context.Context, sel Selector, req SpawnRequest) (*models.Session, error) {
	b, err := r.Get(sel)
	if err != nil {
		return nil, err
	}

	sess, spawnErr := b.Spawn(ctx, req)
	if sess != nil {
		r.mu.Lock()
		r.owners[req.AgentID] = b
		r.mu.Unlock()
	}
	return sess, spawnErr
}

func (r *Registry) owner(agentID string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.owners[agentID]
	return b, ok
}

func (r *Registry) Input(agentID string, data []byte) error {
	b, ok := r.owner(agentID)
	if !ok {
		return fmt.Errorf("agent %s: %w", agentID, models.ErrSessionNotFound)
	}
	return b.Input(agentID, data)
}

func (r *Registry) Resize(agentID string, cols, rows uint16) error {
	b, ok := r.owner(agentID)
	if !ok {
		return fmt.Errorf("agent %s: %w", agentID, models.ErrSessionNotFound)
	}
	if r.buffers != nil {
		r.buffers.SetDimensions(agentID, cols, rows)
	}
	return b.Resize(agentID, cols, rows)
}

// Kill is idempotent: a second kill for the same agentId returns false.
func (r *Registry) Kill(agentID string) bool {
	r.mu.Lock()
	b, ok := r.owners[agentID]
	if ok {
		delete(r.owners, agentID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	return b.Kill(agentID)
}

func (r *Registry) GetSession(agentID string) (*models.Session, bool) {
	b, ok := r.owner(agentID)
	if !ok {
		return nil, false
	}
	return b.Get(agentID)
}

func (r *Registry) ListAll() []*models.Session {
	r.mu.RLock()
	backends := make([]Backend, 0, len(r.backends))
	for _, b := range r.backends {
		backends = append(backends, b)
	}
	r.mu.RUnlock()

	var out []*models.Session
	for _, b := range backends {
		out = append(out, b.List()...)
	}
	return out
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	backends := make(map[models.BackendKind]Backend, len(r.backends))
	for k, b := range r.backends {
		backends[k] = b
	}
	r.mu.RUnlock()

	stats := Stats{Sessions: make(map[string]int, len(backends))}
	for kind, b := range backends {
		n := len(b.List())
		stats.Sessions[kind.String()] = n
		stats.Total += n
	}
	if r.allocator != nil {
		stats.Ports = r.allocator.Stats()
	}
	if r.buffers != nil {
		stats.Buffered = r.buffers.Len()
	}
	return stats
}

// startSweeper periodically runs every backend's cleanup and prunes owner
// entries whose sessions are gone.
func (r *Registry) startSweeper() {
	r.ticker = time.NewTicker(r.cfg.CleanupInterval)
	recovery.SafeGo("registry-sweeper", func() {
		for {
			select {
			case <-r.done:
				return
			case <-r.ticker.C:
				r.sweep()
			}
		}
	})
}

func (r *Registry) sweep() {
	r.mu.RLock()
	backends := make([]Backend, 0, len(r.backends))
	for _, b := range r.backends {
		backends = append(backends, b)
	}
	r.mu.RUnlock()

	reaped := 0
	for _, b := range backends {
		reaped += b.Cleanup()
	}

	r.mu.Lock()
	for agentID, b := range r.owners {
		if _, ok := b.Get(agentID); !ok {
			delete(r.owners, agentID)
		}
	}
	r.mu.Unlock()

	if reaped > 0 {
		logger.Infof("cleanup sweep reaped %d stale sessions", reaped)
	}
}

// Shutdown kills every live session across every backend and stops the
// sweeper. Backends shut down concurrently.
func (r *Registry) Shutdown() {
	close(r.done)
	if r.ticker != nil {
		r.ticker.Stop()
	}

	r.mu.Lock()
	backends := make([]Backend, 0, len(r.backends))
	for _, b := range r.backends {
		backends = append(backends, b)
	}
	r.owners = make(map[string]Backend)
	r.mu.Unlock()

	var g errgroup.Group
	for _, b := range backends {
		g.Go(func() error {
			b.Shutdown()
			return nil
		})
	}
	_ = g.Wait()
}
