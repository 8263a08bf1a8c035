// Package ports implements OS-probed ephemeral port leasing. A lease is only
// granted after a real bind on the candidate port succeeds, so a granted port
// is known-free at grant time; release is bookkeeping only and the port is
// re-verified on its next probe.
package ports

import (
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/colabvibe/colabvibe/internal/config"
	"github.com/colabvibe/colabvibe/internal/logger"
	"github.com/colabvibe/colabvibe/internal/models"
	"github.com/colabvibe/colabvibe/internal/recovery"
)

// Stats are cumulative allocator counters.
type Stats struct {
	Leased    int `json:"leased"`
	Attempts  int `json:"attempts"`
	Conflicts int `json:"conflicts"`
}

// Allocator leases ports from a configured [start, end] range.
type Allocator struct {
	start      int
	end        int
	maxRetries int

	mu        sync.Mutex
	leased    map[int]bool
	excluded  map[int]bool
	attempts  int
	conflicts int

	healthStop chan struct{}
}

// NewAllocator builds an allocator from the ports configuration.
func NewAllocator(cfg config.Ports) *Allocator {
	excluded := make(map[int]bool, len(cfg.Excluded))
	for _, p := range cfg.Excluded {
		excluded[p] = true
	}
	return &Allocator{
		start:      cfg.RangeStart,
		end:        cfg.RangeEnd,
		maxRetries: cfg.MaxRetries,
		leased:     make(map[int]bool),
		excluded:   excluded,
	}
}

// Allocate leases one free port. It starts from a random offset within the
// range and probes linearly with wraparound, skipping excluded and already
// leased ports, binding a real listener to verify each candidate. After the
// retry budget is spent it returns models.ErrPortExhausted.
func (a *Allocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := a.end - a.start + 1
	if size <= 0 {
		return 0, fmt.Errorf("invalid port range [%d,%d]: %w", a.start, a.end, models.ErrPortExhausted)
	}

	offset := rand.Intn(size)
	budget := a.maxRetries
	if budget <= 0 || budget > size {
		budget = size
	}

	for i := 0; i < budget; i++ {
		port := a.start + (offset+i)%size

		if a.excluded[port] || a.leased[port] {
			continue
		}

		a.attempts++
		if !probe(port) {
			a.conflicts++
			continue
		}

		a.leased[port] = true
		logger.Debugf("leased port %d (attempts=%d conflicts=%d)", port, a.attempts, a.conflicts)
		return port, nil
	}

	return 0, fmt.Errorf("no free port in [%d,%d] after %d probes: %w",
		a.start, a.end, budget, models.ErrPortExhausted)
}

// Release drops the lease on a port. Releasing an unleased port is a no-op.
// The OS may hand the port to someone else before the next Allocate; the
// bind probe catches that.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.leased, port)
}

// Leased reports whether the allocator currently holds a lease on port.
func (a *Allocator) Leased(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.leased[port]
}

// Stats returns a snapshot of the allocator counters.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{Leased: len(a.leased), Attempts: a.attempts, Conflicts: a.conflicts}
}

// probe binds a listening socket on the port and immediately releases it.
// Success means the port was free at probe time.
func probe(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// StartHealthCheck periodically issues a lightweight HTTP request against
// every leased port and logs leases that stopped responding. It is optional;
// onDead may be nil.
func (a *Allocator) StartHealthCheck(interval time.Duration, onDead func(port int)) {
	a.mu.Lock()
	if a.healthStop != nil {
		a.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	a.healthStop = stop
	a.mu.Unlock()

	recovery.SafeGo("port-health-check", func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		client := &http.Client{Timeout: 2 * time.Second}

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				for _, port := range a.snapshot() {
					resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/", port))
					if err != nil {
						logger.Warnf("leased port %d is not responding: %v", port, err)
						if onDead != nil {
							onDead(port)
						}
						continue
					}
					_ = resp.Body.Close()
				}
			}
		}
	})
}

// StopHealthCheck halts the health check ticker.
func (a *Allocator) StopHealthCheck() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.healthStop != nil {
		close(a.healthStop)
		a.healthStop = nil
	}
}

func (a *Allocator) snapshot() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]int, 0, len(a.leased))
	for p := range a.leased {
		out = append(out, p)
	}
	return out
}
