// Package portpool allocates listener ports for tunnel endpoints from a
// bounded range.
package portpool

import (
	"errors"
	"fmt"
	"sync"
)

// ErrExhausted is returned when every port in the range is in use.
var ErrExhausted = errors.New("no port found")

// Pool hands out ports from the inclusive range [base, base+count).
// Allocation is a linear scan from the bottom of the range, so released
// ports are reused lowest-first.
type Pool struct {
	base  int
	count int

	mu   sync.Mutex
	used map[int]struct{}
}

// New creates a pool over [base, base+count).
func New(base, count int) (*Pool, error) {
	if base < 1 || count < 1 || base+count > 65536 {
		return nil, fmt.Errorf("invalid port range [%d, %d)", base, base+count)
	}
	return &Pool{
		base:  base,
		count: count,
		used:  make(map[int]struct{}),
	}, nil
}

// Acquire returns the lowest free port in the range, or ErrExhausted.
func (p *Pool) Acquire() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for port := p.base; port < p.base+p.count; port++ {
		if _, taken := p.used[port]; !taken {
			p.used[port] = struct{}{}
			return port, nil
		}
	}
	return 0, ErrExhausted
}

// Release returns a port to the pool. Releasing a free port or a port
// outside the range is a no-op.
func (p *Pool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.used, port)
}

// Used returns the number of ports currently allocated.
func (p *Pool) Used() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.used)
}
