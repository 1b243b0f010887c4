package media

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrPoolExhausted means no even port is currently free. Callers map
// this to a 503 response.
var ErrPoolExhausted = errors.New("rtp port pool exhausted")

// portCooldown keeps a released port out of circulation long enough for
// a delayed peer to stop sending, avoiding cross-talk into the next
// call on the same port.
const portCooldown = 5 * time.Second

// PortPool hands out even RTP ports from [start, end]. The odd port
// above each allocation is implicitly reserved for RTCP. Allocation
// walks round-robin from the last position so recently used ports are
// revisited last.
type PortPool struct {
	start, end int

	mu      sync.Mutex
	next    int
	inUse   map[int]bool
	cooling map[int]bool
	closed  bool

	// afterFunc is swappable for tests.
	afterFunc func(time.Duration, func()) *time.Timer
}

// NewPortPool creates a pool over [start, end]. start must be even and
// the range must hold at least one RTP/RTCP pair.
func NewPortPool(start, end int) (*PortPool, error) {
	if start%2 != 0 {
		return nil, fmt.Errorf("rtp range start %d must be even", start)
	}
	if end < start+1 {
		return nil, fmt.Errorf("rtp range [%d,%d] holds no port pair", start, end)
	}
	return &PortPool{
		start:     start,
		end:       end,
		next:      start,
		inUse:     make(map[int]bool),
		cooling:   make(map[int]bool),
		afterFunc: time.AfterFunc,
	}, nil
}

// Allocate returns a free even port. The caller owns the port and the
// odd port above it until Release.
func (p *PortPool) Allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, ErrPoolExhausted
	}

	pairs := (p.end - p.start + 1) / 2
	candidate := p.next
	for i := 0; i < pairs; i++ {
		// RTCP port must also fit inside the range.
		if candidate+1 > p.end {
			candidate = p.start
		}
		if !p.inUse[candidate] && !p.cooling[candidate] {
			p.inUse[candidate] = true
			p.next = candidate + 2
			if p.next+1 > p.end {
				p.next = p.start
			}
			return candidate, nil
		}
		candidate += 2
		if candidate+1 > p.end {
			candidate = p.start
		}
	}
	return 0, ErrPoolExhausted
}

// Release returns port to the pool after the cool-down elapses.
// Releasing a port that is not allocated is a no-op.
func (p *PortPool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.inUse[port] {
		return
	}
	delete(p.inUse, port)
	p.cooling[port] = true

	p.afterFunc(portCooldown, func() {
		p.mu.Lock()
		delete(p.cooling, port)
		p.mu.Unlock()
	})
}

// InUse returns the number of allocated ports.
func (p *PortPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}

// Close marks the pool closed; further allocations fail.
func (p *PortPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}
