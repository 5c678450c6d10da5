// Package pool provides a contiguous IPv4 range with a rotating allocation cursor.
package pool

import (
	"fmt"
	"net"
	"sync"

	"github.com/lanprov/lanprovd/pkg/dhcpv4"
)

// InUseFunc reports whether an address is currently held and must be skipped.
type InUseFunc func(ip net.IP) bool

// Pool represents an ordered IPv4 range. It does not track holders itself;
// the caller owns the lease table and answers membership through InUseFunc.
type Pool struct {
	Start   net.IP
	End     net.IP
	Network *net.IPNet
	startU  uint32
	endU    uint32
	size    uint32
	cursor  uint32 // offset of the next candidate
	mu      sync.Mutex
}

// NewPool creates a pool from start to end inclusive. A nil network skips the containment check.
func NewPool(start, end net.IP, network *net.IPNet) (*Pool, error) {
	if start.To4() == nil || end.To4() == nil {
		return nil, fmt.Errorf("pool %s-%s: bounds must be IPv4", start, end)
	}
	startU := dhcpv4.IPToUint32(start)
	endU := dhcpv4.IPToUint32(end)

	if endU < startU {
		return nil, fmt.Errorf("pool: end %s is before start %s", end, start)
	}
	if network != nil {
		if !network.Contains(start) {
			return nil, fmt.Errorf("pool: start %s not in network %s", start, network)
		}
		if !network.Contains(end) {
			return nil, fmt.Errorf("pool: end %s not in network %s", end, network)
		}
	}

	return &Pool{
		Start:   start.To4(),
		End:     end.To4(),
		Network: network,
		startU:  startU,
		endU:    endU,
		size:    endU - startU + 1,
	}, nil
}

// Size returns the total number of IPs in the pool.
func (p *Pool) Size() uint32 {
	return p.size
}

// Contains checks if an IP is within this pool's range.
func (p *Pool) Contains(ip net.IP) bool {
	if ip.To4() == nil {
		return false
	}
	u := dhcpv4.IPToUint32(ip)
	return u >= p.startU && u <= p.endU
}

// Next returns the first address at or after the cursor that inUse rejects,
// wrapping once around the range, and advances the cursor past it.
// Returns nil if every address is in use.
func (p *Pool) Next(inUse InUseFunc) net.IP {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := uint32(0); i < p.size; i++ {
		offset := (p.cursor + i) % p.size
		ip := p.offsetToIP(offset)
		if inUse != nil && inUse(ip) {
			continue
		}
		p.cursor = (offset + 1) % p.size
		return ip
	}
	return nil
}

// Cursor returns the next candidate address.
func (p *Pool) Cursor() net.IP {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offsetToIP(p.cursor)
}

// Reset moves the cursor back to the start of the range.
func (p *Pool) Reset() {
	p.mu.Lock()
	p.cursor = 0
	p.mu.Unlock()
}

// Addresses returns every address in the range in order.
func (p *Pool) Addresses() []net.IP {
	ips := make([]net.IP, 0, p.size)
	for off := uint32(0); off < p.size; off++ {
		ips = append(ips, p.offsetToIP(off))
	}
	return ips
}

// Utilization returns the share of the pool held by used addresses, as a percentage.
func (p *Pool) Utilization(used int) float64 {
	if p.size == 0 || used <= 0 {
		return 0
	}
	if uint32(used) > p.size {
		return 100
	}
	return float64(used) / float64(p.size) * 100
}

// offsetToIP converts a range offset to an IP.
func (p *Pool) offsetToIP(offset uint32) net.IP {
	return dhcpv4.Uint32ToIP(p.startU + offset)
}

// String returns a human-readable pool description.
func (p *Pool) String() string {
	return fmt.Sprintf("%s-%s (%d addresses)", p.Start, p.End, p.size)
}

// RangeString returns the pool range as "start-end".
func (p *Pool) RangeString() string {
	return fmt.Sprintf("%s-%s", p.Start, p.End)
}
