// Package netalloc hands out host ports and TAP interfaces to instances.
package netalloc

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

var (
	ErrExhausted = errors.New("netalloc: no free port in range")
	ErrPortInUse = errors.New("netalloc: port already in use")
)

// Prober reports whether a host port can currently be bound.
type Prober func(port int) bool

// ProbeTCP reports whether port is free by binding it on all addresses.
func ProbeTCP(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}

type lease struct {
	ports     []int
	committed bool
}

// Allocator tracks which ports belong to which owner. A port stays held from
// the moment it is reserved until its owner releases it, so two launches in
// the same process can never pick the same candidate.
type Allocator struct {
	mu        sync.Mutex
	rangeSize int
	probe     Prober
	leases    map[string]*lease
	held      map[int]string

	// excluded ports are never handed out by Reserve; they can only be
	// taken with Claim.
	excluded map[int]bool
}

// NewAllocator creates an allocator probing rangeSize-1 candidates above each base.
func NewAllocator(rangeSize int, probe Prober) *Allocator {
	if probe == nil {
		probe = ProbeTCP
	}
	return &Allocator{
		rangeSize: rangeSize,
		probe:     probe,
		leases:    make(map[string]*lease),
		held:      make(map[int]string),
		excluded:  make(map[int]bool),
	}
}

// Exclude keeps ports out of every Reserve scan. Fixed ports such as the
// router serial console are excluded so no scanned range can hand them out.
func (a *Allocator) Exclude(ports ...int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, port := range ports {
		if port > 0 {
			a.excluded[port] = true
		}
	}
}

func (a *Allocator) hold(owner string, port int) {
	l, ok := a.leases[owner]
	if !ok {
		l = &lease{}
		a.leases[owner] = l
	}
	l.ports = append(l.ports, port)
	a.held[port] = owner
}

// Reserve picks the lowest free port in base+1 .. base+rangeSize-1 for owner.
func (a *Allocator) Reserve(owner string, base int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := 1; i < a.rangeSize; i++ {
		port := base + i
		if _, taken := a.held[port]; taken || a.excluded[port] {
			continue
		}
		if !a.probe(port) {
			continue
		}
		a.hold(owner, port)
		log.WithFields(log.Fields{"owner": owner, "port": port}).Debug("port reserved")
		return port, nil
	}
	return 0, fmt.Errorf("%w: %d-%d", ErrExhausted, base+1, base+a.rangeSize-1)
}

// Claim reserves a fixed port for owner. A port that is already held fails,
// even when owner is the holder.
func (a *Allocator) Claim(owner string, port int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if holder, taken := a.held[port]; taken {
		return fmt.Errorf("%w: %d held by %s", ErrPortInUse, port, holder)
	}
	if !a.probe(port) {
		return fmt.Errorf("%w: %d", ErrPortInUse, port)
	}
	a.hold(owner, port)
	return nil
}

// Commit marks the owner's reservations as belonging to a live process.
func (a *Allocator) Commit(owner string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if l, ok := a.leases[owner]; ok {
		l.committed = true
	}
}

// Adopt records ports of an already running process without probing them.
func (a *Allocator) Adopt(owner string, ports ...int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, port := range ports {
		if port == 0 {
			continue
		}
		if holder, taken := a.held[port]; taken && holder != owner {
			return fmt.Errorf("%w: %d held by %s", ErrPortInUse, port, holder)
		}
	}
	for _, port := range ports {
		if port == 0 || a.held[port] == owner {
			continue
		}
		a.hold(owner, port)
	}
	if l, ok := a.leases[owner]; ok {
		l.committed = true
	}
	return nil
}

// Release drops everything owner holds and returns the freed ports.
func (a *Allocator) Release(owner string) []int {
	a.mu.Lock()
	defer a.mu.Unlock()

	l, ok := a.leases[owner]
	if !ok {
		return nil
	}
	for _, port := range l.ports {
		delete(a.held, port)
	}
	delete(a.leases, owner)
	log.WithFields(log.Fields{"owner": owner, "ports": l.ports}).Debug("ports released")
	return l.ports
}

// Held returns the ports owner holds, in ascending order.
func (a *Allocator) Held(owner string) []int {
	a.mu.Lock()
	defer a.mu.Unlock()

	l, ok := a.leases[owner]
	if !ok {
		return nil
	}
	out := append([]int(nil), l.ports...)
	sort.Ints(out)
	return out
}

// Committed reports whether owner's ports are backed by a live process.
func (a *Allocator) Committed(owner string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.leases[owner]
	return ok && l.committed
}
