package lib

import (
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// portPool hands out ephemeral local ports from a randomized ring so
// consecutive connections do not get adjacent ports. It is one of the two
// structures shared across connections (with the engine tables) and
// carries its own lock.
type portPool struct {
	ports           []uint16
	capacity        int
	minPort         uint16
	maxPort         uint16
	readIdx         int
	writeIdx        int
	isFull, isEmpty bool
	allocatedMap    map[uint16]time.Time
	mtx             sync.Mutex
}

func newPortPool(minPort, maxPort uint16) *portPool {
	capacity := int(maxPort) - int(minPort) + 1

	// A random permutation of the whole range seeds the ring.
	perm := rand.Perm(capacity)
	ports := make([]uint16, capacity)
	for i, v := range perm {
		ports[i] = minPort + uint16(v)
	}

	return &portPool{
		ports:        ports,
		capacity:     capacity,
		minPort:      minPort,
		maxPort:      maxPort,
		isFull:       true,
		allocatedMap: make(map[uint16]time.Time),
	}
}

// allocate retrieves a free port. inUse lets the caller veto ports bound
// by a listener or an active connection; vetoed ports go back to the
// ring. Bounded attempts, then resource exhaustion.
func (p *portPool) allocate(inUse func(uint16) bool) (uint16, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	for attempts := 0; attempts < p.capacity; attempts++ {
		if p.isEmpty {
			return 0, ErrPortsExhausted
		}
		port := p.ports[p.readIdx]
		p.readIdx = (p.readIdx + 1) % p.capacity
		if p.readIdx == p.writeIdx {
			p.isEmpty = true
		}
		p.isFull = false

		if inUse != nil && inUse(port) {
			// push it back to the tail of the ring
			p.ports[p.writeIdx] = port
			p.writeIdx = (p.writeIdx + 1) % p.capacity
			if p.writeIdx == p.readIdx {
				p.isFull = true
			}
			p.isEmpty = false
			continue
		}

		p.allocatedMap[port] = time.Now()
		return port, nil
	}
	return 0, ErrPortsExhausted
}

// release returns a port to the pool when its connection is destroyed.
func (p *portPool) release(port uint16) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if port < p.minPort || port > p.maxPort {
		return errors.Errorf("port %d is outside the pool range %d-%d", port, p.minPort, p.maxPort)
	}
	if _, ok := p.allocatedMap[port]; !ok {
		return errors.Errorf("port %d was not allocated from this pool", port)
	}
	if p.isFull {
		return errors.New("port pool is full, cannot return more ports")
	}

	p.ports[p.writeIdx] = port
	p.writeIdx = (p.writeIdx + 1) % p.capacity
	if p.writeIdx == p.readIdx {
		p.isFull = true
	}
	p.isEmpty = false
	delete(p.allocatedMap, port)
	return nil
}
