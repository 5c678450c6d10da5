package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/lanprov/lanprovd/internal/config"
	"github.com/lanprov/lanprovd/internal/dhcp"
	"github.com/lanprov/lanprovd/internal/events"
	"github.com/lanprov/lanprovd/internal/hostname"
	"github.com/lanprov/lanprovd/internal/lease"
	"github.com/lanprov/lanprovd/internal/netaddr"
	"github.com/lanprov/lanprovd/internal/pool"
)

type dhcpRuntime struct {
	settings dhcp.Settings
	fallback bool
	store    *lease.Store
	leases   *lease.Manager
	server   *dhcp.Server
	cancel   context.CancelFunc
}

// Status is a snapshot of the DHCP subsystem.
type Status struct {
	Running             bool               `json:"running"`
	Interface           string             `json:"interface"`
	IP                  string             `json:"ip"`
	Gateway             string             `json:"gateway"`
	Netmask             string             `json:"netmask"`
	Broadcast           string             `json:"broadcast"`
	Port                int                `json:"port"`
	Pool                string             `json:"pool"`
	Fallback            bool               `json:"fallback,omitempty"`
	Leases              []*lease.Lease     `json:"leases"`
	ActiveLeases        int                `json:"active_leases"`
	PendingTransactions int                `json:"pending_transactions"`
	TotalIPs            int                `json:"total_ips"`
	AvailableIPs        int                `json:"available_ips"`
	Utilization         float64            `json:"utilization"`
	Stats               dhcp.StatsSnapshot `json:"stats"`
	UptimeMillis        int64              `json:"uptime_ms"`
}

// BuildSettings resolves a DHCP config against the host interfaces. Unset
// addressing is derived from the selected interface: the gateway defaults
// to the interface IP, the subnet to its network and the pool to .100-.200
// of the gateway's /24. The returned error is a *dhcp.ValidationError when
// the resolved settings are unusable.
func BuildSettings(c config.DHCPConfig, ifaces []netaddr.Interface) (dhcp.Settings, netaddr.Selection, error) {
	var mask net.IPMask
	if c.Netmask != "" {
		m, err := netaddr.ParseMask(c.Netmask)
		if err != nil {
			return dhcp.Settings{}, netaddr.Selection{}, fmt.Errorf("dhcp netmask: %w", err)
		}
		mask = m
	}

	sel, err := netaddr.Select(ifaces, c.Interface, c.InterfaceIP, mask)
	if err != nil {
		return dhcp.Settings{}, sel, fmt.Errorf("selecting interface: %w", err)
	}

	s := dhcp.Settings{
		Interface: sel.Name,
		IfIndex:   sel.Index,
		ServerIP:  sel.IP,
		Gateway:   sel.IP,
		Netmask:   sel.Mask,
		Subnet:    netaddr.Network(sel.IP, sel.Mask),
		Port:      c.Port,
		LeaseTime: c.LeaseTime(),
	}
	if c.Gateway != "" {
		s.Gateway = net.ParseIP(c.Gateway).To4()
	}
	if c.Subnet != "" {
		s.Subnet = net.ParseIP(c.Subnet).To4()
	}
	for _, d := range c.DNSServers {
		s.DNS = append(s.DNS, net.ParseIP(d).To4())
	}
	if c.PoolStart != "" && c.PoolEnd != "" {
		s.PoolStart = net.ParseIP(c.PoolStart).To4()
		s.PoolEnd = net.ParseIP(c.PoolEnd).To4()
	} else {
		s.PoolStart, s.PoolEnd = netaddr.DefaultPoolRange(s.Gateway)
	}

	return s, sel, dhcp.ValidateSettings(s)
}

// StartDHCP binds the DHCP server. A non-nil override replaces the DHCP
// section of the active config first. Starting a running server returns its
// status unchanged. A bind failure is returned as a *dhcp.BindError.
func (s *Service) StartDHCP(ctx context.Context, override *config.DHCPConfig) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dhcp != nil {
		return s.statusLocked(), nil
	}

	cfg := s.cfg.Clone()
	if override != nil {
		cfg.DHCP = *override
		if err := config.Normalize(cfg); err != nil {
			return Status{}, err
		}
	}

	rt, err := s.openDHCP(ctx, cfg)
	if err != nil {
		s.bus.Publish(events.Event{Type: events.EventDHCPError, Reason: err.Error()})
		return Status{}, err
	}
	s.cfg = cfg
	s.dhcp = rt

	s.bus.Publish(events.Event{
		Type: events.EventDHCPStarted,
		Server: &events.ServerData{
			Interface: rt.settings.Interface,
			IP:        rt.settings.ServerIP.String(),
			Port:      rt.settings.Port,
		},
	})
	return s.statusLocked(), nil
}

func (s *Service) openDHCP(ctx context.Context, cfg *config.Config) (*dhcpRuntime, error) {
	ifaces, err := s.interfaces()
	if err != nil {
		s.logger.Warn("interface enumeration failed", "error", err)
	}
	settings, sel, err := BuildSettings(cfg.DHCP, ifaces)
	if err != nil {
		return nil, err
	}
	if sel.Fallback {
		s.logger.Warn("no usable interface found, using fallback addressing",
			"interface", sel.Name,
			"ip", sel.IP.String(),
			"broadcast", netaddr.FallbackBroadcast)
	}

	p, err := pool.NewPool(settings.PoolStart, settings.PoolEnd, settings.Network())
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	store, err := lease.NewStore(cfg.Server.LeaseDB)
	if err != nil {
		return nil, err
	}

	mgr := lease.NewManager(store, p, lease.Config{
		LeaseDuration:      settings.LeaseTime,
		PendingTimeout:     cfg.DHCP.PendingTTL(),
		OfferRetries:       cfg.DHCP.OfferRetries,
		OfferRetryInterval: cfg.DHCP.OfferRetryEvery(),
	}, s.bus, s.logger.With("component", "lease"))

	logger := s.logger.With("component", "dhcp")
	server := dhcp.NewServer(dhcp.NewHandler(settings, mgr, logger), logger)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := server.Start(runCtx); err != nil {
		cancel()
		mgr.Close()
		store.Close()
		return nil, err
	}
	mgr.Start(cfg.DHCP.PendingSweepEvery(), cfg.DHCP.LeaseSweepEvery())

	return &dhcpRuntime{
		settings: settings,
		fallback: sel.Fallback,
		store:    store,
		leases:   mgr,
		server:   server,
		cancel:   cancel,
	}, nil
}

// StopDHCP stops the DHCP server and clears its timers. Stopping a stopped
// server does nothing.
func (s *Service) StopDHCP() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopDHCPLocked()
}

func (s *Service) stopDHCPLocked() {
	rt := s.dhcp
	if rt == nil {
		return
	}
	s.dhcp = nil

	rt.leases.Close()
	rt.server.Stop()
	rt.cancel()
	if err := rt.store.Close(); err != nil {
		s.logger.Error("closing lease store", "error", err)
	}

	s.bus.Publish(events.Event{
		Type: events.EventDHCPStopped,
		Server: &events.ServerData{
			Interface: rt.settings.Interface,
			IP:        rt.settings.ServerIP.String(),
			Port:      rt.settings.Port,
		},
	})
}

// Status returns a snapshot of the DHCP subsystem. A stopped server reports
// only Running false and its configured port.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Service) statusLocked() Status {
	rt := s.dhcp
	if rt == nil {
		return Status{Port: s.cfg.DHCP.Port, Leases: []*lease.Lease{}}
	}
	st := rt.settings
	p := rt.leases.Pool()
	leases := rt.leases.Leases()
	inPool := 0
	for _, l := range leases {
		if p.Contains(l.IP) {
			inPool++
		}
	}
	return Status{
		Running:             true,
		Interface:           st.Interface,
		IP:                  st.ServerIP.String(),
		Gateway:             st.Gateway.String(),
		Netmask:             netaddr.MaskString(st.Netmask),
		Broadcast:           st.Broadcast().String(),
		Port:                st.Port,
		Pool:                p.RangeString(),
		Fallback:            rt.fallback,
		Leases:              leases,
		ActiveLeases:        len(leases),
		PendingTransactions: rt.leases.PendingCount(),
		TotalIPs:            int(p.Size()),
		AvailableIPs:        int(p.Size()) - inPool,
		Utilization:         rt.leases.Utilization(),
		Stats:               rt.server.Handler().Stats().Snapshot(),
		UptimeMillis:        rt.server.Uptime().Milliseconds(),
	}
}

func (s *Service) leaseManager() (*lease.Manager, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dhcp == nil {
		return nil, fmt.Errorf("dhcp: %w", ErrNotRunning)
	}
	return s.dhcp.leases, nil
}

// ListLeases returns the committed leases ordered by IP.
func (s *Service) ListLeases() ([]*lease.Lease, error) {
	m, err := s.leaseManager()
	if err != nil {
		return nil, err
	}
	return m.Leases(), nil
}

// PendingTransactions returns the open offers.
func (s *Service) PendingTransactions() ([]*lease.PendingTransaction, error) {
	m, err := s.leaseManager()
	if err != nil {
		return nil, err
	}
	return m.Pending(), nil
}

// Release drops the lease for mac. It reports whether a lease existed.
func (s *Service) Release(mac string) (bool, error) {
	m, err := s.leaseManager()
	if err != nil {
		return false, err
	}
	mac, err = canonicalMAC(mac)
	if err != nil {
		return false, err
	}
	return m.Release(mac)
}

// Renew extends the lease for mac by extend, or by the lease duration when
// extend is zero. It reports whether a lease existed.
func (s *Service) Renew(mac string, extend time.Duration) (bool, error) {
	m, err := s.leaseManager()
	if err != nil {
		return false, err
	}
	mac, err = canonicalMAC(mac)
	if err != nil {
		return false, err
	}
	if _, err := m.Renew(mac, extend); err != nil {
		if errors.Is(err, lease.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Assign binds ip to mac. It fails with lease.ErrIPInUse when another MAC
// holds ip.
func (s *Service) Assign(mac, ip, name string) (*lease.Lease, error) {
	m, err := s.leaseManager()
	if err != nil {
		return nil, err
	}
	mac, err = canonicalMAC(mac)
	if err != nil {
		return nil, err
	}
	addr := net.ParseIP(ip)
	if addr == nil {
		return nil, fmt.Errorf("assigning %q: %w", ip, lease.ErrInvalidIP)
	}
	return m.Assign(mac, addr, hostname.Clean(name))
}
