package engine

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/loykin/stackup/internal/orcherr"
	"github.com/loykin/stackup/internal/registry"
)

// PortTable tracks which service holds each required port. Reservation of a
// service's ports is all-or-nothing.
type PortTable struct {
	mu     sync.Mutex
	owners map[int]registry.Index
	// hostCheck, when set, also verifies the port is free on the host.
	hostCheck func(port int) error
}

func NewPortTable(checkHost bool) *PortTable {
	p := &PortTable{owners: make(map[int]registry.Index)}
	if checkHost {
		p.hostCheck = listenCheck
	}
	return p
}

// Reserve claims ports for service i.
func (p *PortTable) Reserve(i registry.Index, ports []int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, port := range ports {
		if owner, taken := p.owners[port]; taken && owner != i {
			return fmt.Errorf("%w: %d", orcherr.ErrPortInUse, port)
		}
	}
	if p.hostCheck != nil {
		for _, port := range ports {
			if owner, taken := p.owners[port]; taken && owner == i {
				continue
			}
			if err := p.hostCheck(port); err != nil {
				return err
			}
		}
	}
	for _, port := range ports {
		p.owners[port] = i
	}
	return nil
}

// Release frees every port held by service i.
func (p *PortTable) Release(i registry.Index) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for port, owner := range p.owners {
		if owner == i {
			delete(p.owners, port)
		}
	}
}

// Owner returns the service holding port.
func (p *PortTable) Owner(port int) (registry.Index, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i, ok := p.owners[port]
	return i, ok
}

func listenCheck(port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("%w: %d (%v)", orcherr.ErrPortInUse, port, err)
	}
	return ln.Close()
}
