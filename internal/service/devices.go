package service

import (
	"context"
	"fmt"
	"net"
	"sort"

	"github.com/lanprov/lanprovd/internal/discovery"
	"github.com/lanprov/lanprovd/internal/events"
	"github.com/lanprov/lanprovd/internal/provision"
)

type discoveryRuntime struct {
	registry *discovery.Registry
	listener *discovery.Listener
	cancel   context.CancelFunc
}

// DeviceResult is the outcome of pushing a config to one device.
type DeviceResult struct {
	DeviceID string `json:"device_id"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

// SaveResult is the outcome of a batch config push.
type SaveResult struct {
	Success bool           `json:"success"`
	Results []DeviceResult `json:"results"`
}

// StartDiscovery binds the announcement listener and starts the liveness
// sweep. Starting a running listener does nothing; a listener whose read
// loop has died is torn down and bound again.
func (s *Service) StartDiscovery(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disc != nil {
		if s.disc.listener.Serving() {
			return nil
		}
		s.stopDiscoveryLocked()
	}
	dc := s.cfg.Discovery
	logger := s.logger.With("component", "discovery")

	registry := discovery.NewRegistry(dc.Timeout(), s.bus, logger)
	listener := discovery.NewListener(registry, dc.Port, logger)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := listener.Start(runCtx); err != nil {
		cancel()
		return err
	}
	registry.Start(dc.SweepEvery())

	s.disc = &discoveryRuntime{registry: registry, listener: listener, cancel: cancel}
	s.bus.Publish(events.Event{
		Type:   events.EventDiscoveryStarted,
		Server: &events.ServerData{Port: listener.LocalAddr().Port},
	})
	return nil
}

// StopDiscovery closes the listener and empties the registry. Stopping a
// stopped listener does nothing.
func (s *Service) StopDiscovery() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopDiscoveryLocked()
}

func (s *Service) stopDiscoveryLocked() {
	rt := s.disc
	if rt == nil {
		return
	}
	s.disc = nil

	port := rt.listener.LocalAddr().Port
	rt.listener.Stop()
	rt.registry.Stop()
	rt.cancel()
	s.bus.Publish(events.Event{
		Type:   events.EventDiscoveryStopped,
		Server: &events.ServerData{Port: port},
	})
}

// DiscoveryRunning reports whether the announcement listener is bound and
// its read loop is receiving.
func (s *Service) DiscoveryRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disc != nil && s.disc.listener.Serving()
}

// DiscoveryAddr returns the bound announcement address, or nil when stopped.
func (s *Service) DiscoveryAddr() *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disc == nil {
		return nil
	}
	return s.disc.listener.LocalAddr()
}

func (s *Service) registry() (*discovery.Registry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disc == nil {
		return nil, fmt.Errorf("discovery: %w", ErrNotRunning)
	}
	return s.disc.registry, nil
}

// ListDevices returns the live devices ordered by id. A stopped listener
// has no devices.
func (s *Service) ListDevices() []*discovery.Device {
	r, err := s.registry()
	if err != nil {
		return []*discovery.Device{}
	}
	return r.List()
}

// GetDevice returns the device with id.
func (s *Service) GetDevice(id string) (*discovery.Device, error) {
	r, err := s.registry()
	if err != nil {
		return nil, err
	}
	d := r.Get(id)
	if d == nil {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return d, nil
}

// target resolves a device id to its current address and the client to
// reach it with.
func (s *Service) target(id string) (string, *provision.Client, error) {
	d, err := s.GetDevice(id)
	if err != nil {
		return "", nil, err
	}
	s.mu.Lock()
	c := s.client
	s.mu.Unlock()
	return d.IP, c, nil
}

// SendConfig pushes fields to device id.
func (s *Service) SendConfig(ctx context.Context, id string, fields provision.Config) error {
	ip, c, err := s.target(id)
	if err != nil {
		return err
	}
	return c.SendConfig(ctx, ip, fields)
}

// ReadConfig fetches the configuration of device id.
func (s *Service) ReadConfig(ctx context.Context, id string) (provision.Config, error) {
	ip, c, err := s.target(id)
	if err != nil {
		return nil, err
	}
	return c.ReadConfig(ctx, ip)
}

// Upgrade tells device id to fetch new firmware.
func (s *Service) Upgrade(ctx context.Context, id string, req provision.UpgradeRequest) (*provision.UpgradeCommand, error) {
	ip, c, err := s.target(id)
	if err != nil {
		return nil, err
	}
	return c.Upgrade(ctx, ip, req)
}

// Reboot restarts device id.
func (s *Service) Reboot(ctx context.Context, id string) error {
	ip, c, err := s.target(id)
	if err != nil {
		return err
	}
	return c.Reboot(ctx, ip)
}

// ConnectMQTT points device id at the broker on this host.
func (s *Service) ConnectMQTT(ctx context.Context, id string) error {
	ip, c, err := s.target(id)
	if err != nil {
		return err
	}
	return c.ConnectMQTT(ctx, ip)
}

// SaveConfigs pushes each config to its device's current address in id
// order. Unknown ids and send failures are reported per device; Success is
// true only when every push succeeded.
func (s *Service) SaveConfigs(ctx context.Context, configs map[string]provision.Config) (SaveResult, error) {
	if _, err := s.registry(); err != nil {
		return SaveResult{}, err
	}

	ids := make([]string, 0, len(configs))
	for id := range configs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	res := SaveResult{Success: true, Results: make([]DeviceResult, 0, len(ids))}
	for _, id := range ids {
		r := DeviceResult{DeviceID: id, Success: true}
		if err := s.SendConfig(ctx, id, configs[id]); err != nil {
			r.Success = false
			r.Error = err.Error()
			res.Success = false
		}
		res.Results = append(res.Results, r)
	}
	return res, nil
}
