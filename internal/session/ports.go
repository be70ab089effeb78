package session

import (
	"errors"
	"sync"
)

// ErrPortsExhausted is returned by Allocate when every port in the pool is
// assigned to a live session.
var ErrPortsExhausted = errors.New("no available ports")

// PortAllocator hands out host ports from a fixed half-open range
// [start, end). Each live session holds exactly one port.
type PortAllocator struct {
	mu    sync.Mutex
	start int
	end   int
	used  map[int]bool
}

func NewPortAllocator(start, end int) *PortAllocator {
	return &PortAllocator{
		start: start,
		end:   end,
		used:  make(map[int]bool),
	}
}

// Allocate returns the lowest currently-free port.
func (a *PortAllocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for p := a.start; p < a.end; p++ {
		if !a.used[p] {
			a.used[p] = true
			return p, nil
		}
	}
	return 0, ErrPortsExhausted
}

// Release returns a port to the free set. Releasing a port that is already
// free (or out of range) is a no-op so duplicate cleanup paths are harmless.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	delete(a.used, port)
	a.mu.Unlock()
}

// InUse reports how many ports are currently allocated.
func (a *PortAllocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.used)
}

// Capacity is the total pool size.
func (a *PortAllocator) Capacity() int {
	return a.end - a.start
}
