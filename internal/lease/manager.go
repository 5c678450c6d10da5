package lease

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/lanprov/lanprovd/internal/events"
	"github.com/lanprov/lanprovd/internal/metrics"
	"github.com/lanprov/lanprovd/internal/pool"
)

// Errors returned by Manager operations.
var (
	ErrPoolExhausted = errors.New("address pool exhausted")
	ErrNoTransaction = errors.New("no pending transaction for client")
	ErrIPMismatch    = errors.New("requested address does not match offer")
	ErrNotFound      = errors.New("lease not found")
	ErrInvalidIP     = errors.New("invalid IPv4 address")
	ErrClosed        = errors.New("lease manager closed")
)

// Config holds the timing parameters of the lease engine.
type Config struct {
	LeaseDuration      time.Duration
	PendingTimeout     time.Duration
	OfferRetries       int
	OfferRetryInterval time.Duration
}

// RetransmitFunc resends the OFFER for a still-pending transaction.
type RetransmitFunc func(p *PendingTransaction)

// Manager owns the lease table, the pending-transaction table, and the pool cursor.
// One mutex serializes every mutation of those three.
type Manager struct {
	store  *Store
	pool   *pool.Pool
	cfg    Config
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	pending    map[string]*PendingTransaction
	retransmit RetransmitFunc
	closed     bool
	inflight   sync.WaitGroup

	stopOnce sync.Once
	stop     chan struct{}
	loops    sync.WaitGroup
}

// NewManager creates a lease manager over store and p.
func NewManager(store *Store, p *pool.Pool, cfg Config, bus *events.Bus, logger *slog.Logger) *Manager {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 2 * time.Hour
	}
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = 30 * time.Second
	}
	m := &Manager{
		store:   store,
		pool:    p,
		cfg:     cfg,
		bus:     bus,
		logger:  logger,
		now:     time.Now,
		pending: make(map[string]*PendingTransaction),
		stop:    make(chan struct{}),
	}
	metrics.PoolSize.Set(float64(p.Size()))
	m.updateGauges()
	return m
}

// SetClock replaces the time source. Used by tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// OnRetransmit sets the callback fired when an OFFER should be resent.
func (m *Manager) OnRetransmit(fn RetransmitFunc) {
	m.mu.Lock()
	m.retransmit = fn
	m.mu.Unlock()
}

// Store returns the underlying lease store.
func (m *Manager) Store() *Store {
	return m.store
}

// Pool returns the address pool.
func (m *Manager) Pool() *pool.Pool {
	return m.pool
}

// LeaseDuration returns the configured lease duration.
func (m *Manager) LeaseDuration() time.Duration {
	return m.cfg.LeaseDuration
}

// Offer picks the address to offer mac and records a pending transaction.
// A MAC with a lease is offered its current address; a MAC with an open
// transaction is offered the same address again.
func (m *Manager) Offer(mac string, xid uint32, hostname string) (*PendingTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	now := m.now()

	var ip net.IP
	if l := m.store.GetByMAC(mac); l != nil {
		ip = l.IP
		l.LastSeen = now
		l.Expiry = now.Add(m.cfg.LeaseDuration)
		if err := m.store.Put(l); err != nil {
			m.logger.Warn("refreshing lease on discover", "mac", mac, "error", err)
		}
		m.logger.Debug("reusing leased address", "mac", mac, "ip", ip.String())
	} else if p, ok := m.pending[mac]; ok {
		ip = p.IP
	} else {
		ip = m.pool.Next(func(candidate net.IP) bool {
			return m.store.HoldsIP(candidate) || m.pendingHolds(candidate, mac)
		})
		if ip == nil {
			metrics.PoolExhausted.Inc()
			m.logger.Warn("address pool exhausted", "mac", mac, "pool", m.pool.RangeString())
			return nil, fmt.Errorf("offering to %s: %w", mac, ErrPoolExhausted)
		}
	}

	if old, ok := m.pending[mac]; ok {
		old.stopTimer()
	}
	p := &PendingTransaction{
		MAC:      mac,
		IP:       ip,
		XID:      xid,
		Hostname: hostname,
		Created:  now,
	}
	m.pending[mac] = p
	m.armRetransmit(p)

	metrics.LeaseOperations.WithLabelValues("offer").Inc()
	m.updateGauges()

	m.logger.Info("address offered",
		"mac", mac,
		"ip", ip.String(),
		"xid", fmt.Sprintf("0x%08x", xid),
		"msg_type", "DHCPOFFER")

	m.bus.Publish(events.Event{
		Type:      events.EventLeaseOffer,
		Timestamp: now,
		Lease:     pendingToEventData(p),
	})
	return p.Clone(), nil
}

// Request handles a client's confirmation of requested. An open transaction
// is promoted only if requested equals the offered address. Without a
// transaction, a client already holding requested has its lease renewed.
// Every other case removes the transaction and returns an error so the
// caller can NAK.
func (m *Manager) Request(mac string, requested net.IP, hostname string) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	now := m.now()

	p, ok := m.pending[mac]
	if !ok {
		if l := m.store.GetByMAC(mac); l != nil && requested != nil && l.IP.Equal(requested) {
			return m.refreshLocked(l, hostname, now, events.EventLeaseRenew, "renew")
		}
		m.nak(mac, requested, "no pending transaction", now)
		return nil, fmt.Errorf("request from %s for %s: %w", mac, requested, ErrNoTransaction)
	}

	m.deletePendingLocked(mac)

	if requested == nil || !p.IP.Equal(requested) {
		m.nak(mac, requested, "requested address does not match offer", now)
		return nil, fmt.Errorf("request from %s for %s (offered %s): %w", mac, requested, p.IP, ErrIPMismatch)
	}
	if holder := m.store.GetByIP(p.IP); holder != nil && holder.MAC != mac {
		m.nak(mac, requested, "address leased to "+holder.MAC, now)
		return nil, fmt.Errorf("request from %s for %s: %w", mac, requested, ErrIPInUse)
	}
	if hostname == "" {
		hostname = p.Hostname
	}

	l := m.store.GetByMAC(mac)
	if l == nil || !l.IP.Equal(p.IP) {
		l = &Lease{MAC: mac, IP: p.IP, Start: now}
	}
	return m.refreshLocked(l, hostname, now, events.EventLeaseAck, "ack")
}

func (m *Manager) refreshLocked(l *Lease, hostname string, now time.Time, evt events.EventType, op string) (*Lease, error) {
	if hostname != "" {
		l.Hostname = hostname
	}
	l.LastSeen = now
	l.Expiry = now.Add(m.cfg.LeaseDuration)
	if err := m.store.Put(l); err != nil {
		return nil, fmt.Errorf("committing lease for %s: %w", l.MAC, err)
	}

	metrics.LeaseOperations.WithLabelValues(op).Inc()
	m.updateGauges()

	m.logger.Info("lease committed",
		"mac", l.MAC,
		"ip", l.IP.String(),
		"hostname", l.Hostname,
		"operation", op,
		"msg_type", "DHCPACK")

	m.bus.Publish(events.Event{
		Type:      evt,
		Timestamp: now,
		Lease:     leaseToEventData(l),
	})
	return l.Clone(), nil
}

func (m *Manager) nak(mac string, requested net.IP, reason string, now time.Time) {
	metrics.LeaseOperations.WithLabelValues("nak").Inc()
	m.updateGauges()

	ip := ""
	if requested != nil {
		ip = requested.String()
	}
	m.logger.Warn("request rejected",
		"mac", mac,
		"ip", ip,
		"reason", reason,
		"msg_type", "DHCPNAK")

	m.bus.Publish(events.Event{
		Type:      events.EventLeaseNak,
		Timestamp: now,
		Lease:     &events.LeaseData{MAC: mac, IP: ip},
		Reason:    reason,
	})
}

// Inform returns the address leased to mac, or nil.
func (m *Manager) Inform(mac string) net.IP {
	if l := m.store.GetByMAC(mac); l != nil {
		return l.IP
	}
	return nil
}

// Release removes the lease and any pending transaction for mac.
// Returns true if a lease was removed.
func (m *Manager) Release(mac string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deletePendingLocked(mac)
	l, err := m.store.Delete(mac)
	if err != nil {
		return false, fmt.Errorf("releasing lease for %s: %w", mac, err)
	}
	m.updateGauges()
	if l == nil {
		return false, nil
	}

	metrics.LeaseOperations.WithLabelValues("release").Inc()
	m.logger.Info("lease released", "mac", mac, "ip", l.IP.String())
	m.bus.Publish(events.Event{
		Type:      events.EventLeaseRelease,
		Timestamp: m.now(),
		Lease:     leaseToEventData(l),
	})
	return true, nil
}

// Withdraw drops the open transaction for mac without touching its lease.
// Used when the client selects another server or declines the offer.
func (m *Manager) Withdraw(mac string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pending[mac]; !ok {
		return false
	}
	m.deletePendingLocked(mac)
	m.updateGauges()
	m.logger.Debug("pending transaction withdrawn", "mac", mac)
	return true
}

// Renew extends the lease for mac by extend from now. A non-positive extend
// uses the configured lease duration.
func (m *Manager) Renew(mac string, extend time.Duration) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := m.store.GetByMAC(mac)
	if l == nil {
		return nil, fmt.Errorf("renewing %s: %w", mac, ErrNotFound)
	}
	if extend <= 0 {
		extend = m.cfg.LeaseDuration
	}
	now := m.now()
	l.LastSeen = now
	l.Expiry = now.Add(extend)
	if err := m.store.Put(l); err != nil {
		return nil, fmt.Errorf("renewing %s: %w", mac, err)
	}

	metrics.LeaseOperations.WithLabelValues("renew").Inc()
	m.logger.Info("lease renewed", "mac", mac, "ip", l.IP.String(), "extend", extend.String())
	m.bus.Publish(events.Event{
		Type:      events.EventLeaseRenew,
		Timestamp: now,
		Lease:     leaseToEventData(l),
	})
	return l.Clone(), nil
}

// Assign binds ip to mac directly. An address outside the pool is accepted
// with a warning. An address leased to another MAC is rejected with ErrIPInUse.
// Pending offers of the same address are withdrawn.
func (m *Manager) Assign(mac string, ip net.IP, hostname string) (*Lease, error) {
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("assigning %s to %s: %w", ip, mac, ErrInvalidIP)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if holder := m.store.GetByIP(ip4); holder != nil && holder.MAC != mac {
		return nil, fmt.Errorf("assigning %s to %s (held by %s): %w", ip4, mac, holder.MAC, ErrIPInUse)
	}
	if !m.pool.Contains(ip4) {
		m.logger.Warn("manual assignment outside pool",
			"mac", mac,
			"ip", ip4.String(),
			"pool", m.pool.RangeString())
	}

	m.deletePendingLocked(mac)
	for other, p := range m.pending {
		if p.IP.Equal(ip4) {
			m.deletePendingLocked(other)
		}
	}

	now := m.now()
	l := &Lease{
		MAC:      mac,
		IP:       ip4,
		Hostname: hostname,
		Start:    now,
		Expiry:   now.Add(m.cfg.LeaseDuration),
		LastSeen: now,
		Manual:   true,
	}
	if err := m.store.Put(l); err != nil {
		return nil, fmt.Errorf("assigning %s to %s: %w", ip4, mac, err)
	}

	metrics.LeaseOperations.WithLabelValues("assign").Inc()
	m.updateGauges()
	m.logger.Info("lease assigned", "mac", mac, "ip", ip4.String(), "hostname", hostname)
	m.bus.Publish(events.Event{
		Type:      events.EventLeaseAssign,
		Timestamp: now,
		Lease:     leaseToEventData(l),
	})
	return l.Clone(), nil
}

// Lease returns a copy of the lease for mac, or nil.
func (m *Manager) Lease(mac string) *Lease {
	return m.store.GetByMAC(mac)
}

// Leases returns copies of all leases ordered by IP.
func (m *Manager) Leases() []*Lease {
	return m.store.All()
}

// Pending returns copies of all open transactions ordered by creation time.
func (m *Manager) Pending() []*PendingTransaction {
	m.mu.Lock()
	out := make([]*PendingTransaction, 0, len(m.pending))
	for _, p := range m.pending {
		out = append(out, p.Clone())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Created.Before(out[j].Created)
	})
	return out
}

// PendingFor returns a copy of the open transaction for mac, or nil.
func (m *Manager) PendingFor(mac string) *PendingTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[mac]
	if !ok {
		return nil
	}
	return p.Clone()
}

// PendingCount returns the number of open transactions.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Count returns the number of committed leases.
func (m *Manager) Count() int {
	return m.store.Count()
}

// Utilization returns the share of the pool held by leases, as a percentage.
func (m *Manager) Utilization() float64 {
	used := 0
	m.store.ForEach(func(l *Lease) bool {
		if m.pool.Contains(l.IP) {
			used++
		}
		return true
	})
	return m.pool.Utilization(used)
}

// SweepPending removes transactions older than the pending timeout.
func (m *Manager) SweepPending() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var n int
	for mac, p := range m.pending {
		if p.Age(now) <= m.cfg.PendingTimeout {
			continue
		}
		m.deletePendingLocked(mac)
		n++

		metrics.LeaseOperations.WithLabelValues("timeout").Inc()
		m.logger.Info("pending transaction timed out",
			"mac", mac,
			"ip", p.IP.String(),
			"xid", fmt.Sprintf("0x%08x", p.XID),
			"retries", p.Retries)
		m.bus.Publish(events.Event{
			Type:      events.EventTransactionTimeout,
			Timestamp: now,
			Lease:     pendingToEventData(p),
		})
	}
	if n > 0 {
		m.updateGauges()
	}
	return n
}

// SweepLeases removes leases whose expiry has passed.
func (m *Manager) SweepLeases() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var n int
	for _, l := range m.store.Expired(now) {
		if _, err := m.store.Delete(l.MAC); err != nil {
			m.logger.Error("failed to delete expired lease",
				"mac", l.MAC,
				"ip", l.IP.String(),
				"error", err)
			continue
		}
		n++

		metrics.LeaseOperations.WithLabelValues("expire").Inc()
		m.logger.Info("lease expired", "mac", l.MAC, "ip", l.IP.String())
		m.bus.Publish(events.Event{
			Type:      events.EventLeaseExpire,
			Timestamp: now,
			Lease:     leaseToEventData(l),
		})
	}
	if n > 0 {
		m.updateGauges()
	}
	return n
}

// Start runs the pending and lease sweeps on their own tickers until Close.
func (m *Manager) Start(pendingEvery, leaseEvery time.Duration) {
	m.loop(pendingEvery, func() {
		if n := m.SweepPending(); n > 0 {
			m.logger.Debug("pending sweep completed", "timed_out", n)
		}
	})
	m.loop(leaseEvery, func() {
		if n := m.SweepLeases(); n > 0 {
			m.logger.Info("lease sweep completed", "expired_count", n)
		}
	})
}

func (m *Manager) loop(every time.Duration, fn func()) {
	if every <= 0 {
		return
	}
	m.loops.Add(1)
	go func() {
		defer m.loops.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

// Close stops the sweep loops and every retransmit timer, and drops all
// pending transactions. No callback runs after Close returns. Safe to call
// more than once.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.loops.Wait()

	m.mu.Lock()
	m.closed = true
	for mac := range m.pending {
		m.deletePendingLocked(mac)
	}
	m.updateGauges()
	m.mu.Unlock()

	m.inflight.Wait()
}

// pendingHolds reports whether an open transaction for a MAC other than
// except holds ip. Caller must hold m.mu.
func (m *Manager) pendingHolds(ip net.IP, except string) bool {
	for mac, p := range m.pending {
		if mac != except && p.IP.Equal(ip) {
			return true
		}
	}
	return false
}

// deletePendingLocked removes the transaction for mac and cancels its timer.
func (m *Manager) deletePendingLocked(mac string) {
	if p, ok := m.pending[mac]; ok {
		p.stopTimer()
		delete(m.pending, mac)
	}
}

// armRetransmit schedules the next OFFER resend for p. Caller must hold m.mu.
func (m *Manager) armRetransmit(p *PendingTransaction) {
	if m.retransmit == nil || m.cfg.OfferRetries <= 0 || m.cfg.OfferRetryInterval <= 0 {
		return
	}
	if p.Retries >= m.cfg.OfferRetries {
		return
	}
	mac, xid := p.MAC, p.XID
	p.timer = time.AfterFunc(m.cfg.OfferRetryInterval, func() {
		m.fireRetransmit(mac, xid)
	})
}

func (m *Manager) fireRetransmit(mac string, xid uint32) {
	m.mu.Lock()
	p, ok := m.pending[mac]
	if m.closed || !ok || p.XID != xid || m.retransmit == nil {
		m.mu.Unlock()
		return
	}
	p.timer = nil
	p.Retries++
	snapshot := p.Clone()
	fn := m.retransmit
	m.armRetransmit(p)
	m.inflight.Add(1)
	m.mu.Unlock()

	defer m.inflight.Done()
	m.logger.Debug("retransmitting offer",
		"mac", mac,
		"ip", snapshot.IP.String(),
		"retry", snapshot.Retries,
		"max_retries", m.cfg.OfferRetries)
	fn(snapshot)
}

// updateGauges refreshes lease, pending, and pool gauges. Caller must hold m.mu.
func (m *Manager) updateGauges() {
	metrics.LeasesActive.Set(float64(m.store.Count()))
	metrics.PendingTransactions.Set(float64(len(m.pending)))
	metrics.PoolUtilization.Set(m.Utilization())
}

func leaseToEventData(l *Lease) *events.LeaseData {
	return &events.LeaseData{
		MAC:      l.MAC,
		IP:       l.IP.String(),
		Hostname: l.Hostname,
		Start:    l.Start.Unix(),
		Expiry:   l.Expiry.Unix(),
	}
}

func pendingToEventData(p *PendingTransaction) *events.LeaseData {
	return &events.LeaseData{
		MAC:      p.MAC,
		IP:       p.IP.String(),
		XID:      p.XID,
		Hostname: p.Hostname,
		Start:    p.Created.Unix(),
	}
}
