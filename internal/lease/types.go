// Package lease owns the committed lease table, pending transactions, and their timers.
package lease

import (
	"net"
	"time"
)

// Lease is a confirmed MAC to IP binding.
type Lease struct {
	MAC      string    `json:"mac"`
	IP       net.IP    `json:"ip"`
	Hostname string    `json:"hostname,omitempty"`
	Start    time.Time `json:"start"`
	Expiry   time.Time `json:"expiry"`
	LastSeen time.Time `json:"last_seen"`
	Manual   bool      `json:"manual,omitempty"`
}

// IsExpired reports whether the lease has lapsed at now.
func (l *Lease) IsExpired(now time.Time) bool {
	return now.After(l.Expiry)
}

// Remaining returns the time left on the lease at now.
func (l *Lease) Remaining(now time.Time) time.Duration {
	r := l.Expiry.Sub(now)
	if r < 0 {
		return 0
	}
	return r
}

// Duration returns the total lease duration.
func (l *Lease) Duration() time.Duration {
	return l.Expiry.Sub(l.Start)
}

// Clone returns a deep copy of the lease.
func (l *Lease) Clone() *Lease {
	c := *l
	c.IP = make(net.IP, len(l.IP))
	copy(c.IP, l.IP)
	return &c
}

// PendingTransaction is an offered address awaiting the client's REQUEST.
type PendingTransaction struct {
	MAC      string    `json:"mac"`
	IP       net.IP    `json:"ip"`
	XID      uint32    `json:"xid"`
	Hostname string    `json:"hostname,omitempty"`
	Created  time.Time `json:"created"`
	Retries  int       `json:"retries"`

	timer *time.Timer
}

// Age returns how long the transaction has been open at now.
func (p *PendingTransaction) Age(now time.Time) time.Duration {
	return now.Sub(p.Created)
}

// Clone returns a copy without the retransmit timer.
func (p *PendingTransaction) Clone() *PendingTransaction {
	c := *p
	c.IP = make(net.IP, len(p.IP))
	copy(c.IP, p.IP)
	c.timer = nil
	return &c
}

func (p *PendingTransaction) stopTimer() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}
