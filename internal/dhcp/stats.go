package dhcp

import "sync/atomic"

// Stats counts DHCP messages handled by one server instance.
type Stats struct {
	discover atomic.Uint64
	offer    atomic.Uint64
	request  atomic.Uint64
	ack      atomic.Uint64
	nak      atomic.Uint64
	inform   atomic.Uint64
	release  atomic.Uint64
	decline  atomic.Uint64
	dropped  atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Discover uint64 `json:"discover"`
	Offer    uint64 `json:"offer"`
	Request  uint64 `json:"request"`
	Ack      uint64 `json:"ack"`
	Nak      uint64 `json:"nak"`
	Inform   uint64 `json:"inform"`
	Release  uint64 `json:"release"`
	Decline  uint64 `json:"decline"`
	Dropped  uint64 `json:"dropped"`
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Discover: s.discover.Load(),
		Offer:    s.offer.Load(),
		Request:  s.request.Load(),
		Ack:      s.ack.Load(),
		Nak:      s.nak.Load(),
		Inform:   s.inform.Load(),
		Release:  s.release.Load(),
		Decline:  s.decline.Load(),
		Dropped:  s.dropped.Load(),
	}
}
