package sandbox

import (
	"fmt"
	"net"
	"sync"
)

// Ephemeral range scanned when the caller asks for any free port.
const (
	autoPortBase = 49152
	autoPortMax  = 65535
)

// PortAllocator hands out host ports for sandbox port bindings. It is
// the single source of truth for which host ports this server has
// promised to containers, so two sandboxes can never be assigned the
// same host port even when the containers have not started yet.
type PortAllocator struct {
	mu       sync.Mutex
	reserved map[int]string // host port -> sandbox ID
	cursor   int
}

// NewPortAllocator creates an empty allocator.
func NewPortAllocator() *PortAllocator {
	return &PortAllocator{
		reserved: make(map[int]string),
		cursor:   autoPortBase,
	}
}

// Allocate reserves a host port for sandboxID. hostPort 0 means pick
// any free port from the ephemeral range. A specific hostPort that is
// already reserved fails with a port-conflict error naming a free
// alternative.
func (a *PortAllocator) Allocate(sandboxID string, hostPort int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if hostPort != 0 {
		if _, taken := a.reserved[hostPort]; taken {
			alt := a.nextFreeLocked()
			return 0, PortConflictError(hostPort, alt)
		}
		if !portAvailable(hostPort) {
			alt := a.nextFreeLocked()
			return 0, PortConflictError(hostPort, alt)
		}
		a.reserved[hostPort] = sandboxID
		return hostPort, nil
	}

	port := a.nextFreeLocked()
	if port == 0 {
		return 0, NewError(KindInfrastructure, "no free host ports in the ephemeral range")
	}
	a.reserved[port] = sandboxID
	return port, nil
}

// nextFreeLocked scans from the cursor for a port that is neither
// reserved here nor bound by another process. Caller holds the mutex.
func (a *PortAllocator) nextFreeLocked() int {
	for i := 0; i <= autoPortMax-autoPortBase; i++ {
		port := autoPortBase + (a.cursor-autoPortBase+i)%(autoPortMax-autoPortBase+1)
		if _, taken := a.reserved[port]; taken {
			continue
		}
		if !portAvailable(port) {
			continue
		}
		a.cursor = port + 1
		return port
	}
	return 0
}

// Release frees every port held by sandboxID. Releasing a sandbox with
// no reservations is a no-op.
func (a *PortAllocator) Release(sandboxID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for port, owner := range a.reserved {
		if owner == sandboxID {
			delete(a.reserved, port)
		}
	}
}

// Reserved returns a snapshot of current reservations, for diagnostics.
func (a *PortAllocator) Reserved() map[int]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[int]string, len(a.reserved))
	for p, id := range a.reserved {
		out[p] = id
	}
	return out
}

// portAvailable probes whether the OS would let us bind the port.
func portAvailable(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
