package turn

import (
	"sync"

	"github.com/switchboard-ai/switchboard/runtime/fault"
)

// DefaultMaxInFlight is the per-connection cap on concurrent turns plus
// approval resolutions.
const DefaultMaxInFlight = 5

// Gate is the per-connection admission limiter. Enter rejects immediately
// once the cap is reached; no request queues behind it.
type Gate struct {
	mu       sync.Mutex
	inFlight int
	max      int
}

// NewGate builds a gate admitting at most max concurrent requests. Non
// positive max means DefaultMaxInFlight.
func NewGate(max int) *Gate {
	if max <= 0 {
		max = DefaultMaxInFlight
	}
	return &Gate{max: max}
}

// Enter reserves a slot before any work or I/O happens. The caller must pair
// a successful Enter with Leave.
func (g *Gate) Enter() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inFlight >= g.max {
		return fault.Errorf(fault.Backpressure, "too_many_requests",
			"connection already has %d requests in flight", g.inFlight)
	}
	g.inFlight++
	return nil
}

// Leave releases a slot.
func (g *Gate) Leave() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inFlight > 0 {
		g.inFlight--
	}
}

// InFlight reports the current admission count.
func (g *Gate) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight
}
