// Package pepool tracks which processing elements are idle and eligible
// to become a clone/branch director's destination. It is the goroutine-
// backed PE equivalent of a container pool: no containers are created or
// destroyed here, since a PE already exists for the run's lifetime, but
// the acquire/release/idle-tracking shape carries over directly.
package pepool

import (
	"sync"

	"github.com/ocx/pdes-sim/internal/pdes"
)

// Pool tracks idle PEs among a fixed set registered at construction and
// implements pdes.IdleSelector: SelectIdle picks the lowest-index idle PE
// distinct from the source, matching the clone director's documented
// policy.
type Pool struct {
	mu    sync.Mutex
	idle  map[pdes.PEID]bool
	order []pdes.PEID
}

// NewPool builds a Pool where every id in allPEs starts idle except any
// listed in busy.
func NewPool(allPEs []pdes.PEID, busy map[pdes.PEID]bool) *Pool {
	p := &Pool{idle: make(map[pdes.PEID]bool, len(allPEs))}
	for _, id := range allPEs {
		p.order = append(p.order, id)
		p.idle[id] = !busy[id]
	}
	return p
}

// SelectIdle returns the lowest-index idle PE distinct from source, or
// ok=false if none is currently idle.
func (p *Pool) SelectIdle(source pdes.PEID) (pdes.PEID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range p.order {
		if id == source {
			continue
		}
		if p.idle[id] {
			return id, true
		}
	}
	return 0, false
}

// MarkBusy removes a PE from the idle set, called once the director
// commits it as a clone destination.
func (p *Pool) MarkBusy(pe pdes.PEID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idle[pe] = false
}

// MarkIdle returns a PE to the idle set, called once its cloned branch
// has run to the simulation's end-time and it is eligible to host a
// future fork again.
func (p *Pool) MarkIdle(pe pdes.PEID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.idle[pe] = true
}

// Stats reports idle/busy counts, surfaced on the monitor HTTP server's
// /status endpoint.
func (p *Pool) Stats() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	idleCount := 0
	for _, isIdle := range p.idle {
		if isIdle {
			idleCount++
		}
	}
	return map[string]int{
		"idle":  idleCount,
		"busy":  len(p.idle) - idleCount,
		"total": len(p.idle),
	}
}
