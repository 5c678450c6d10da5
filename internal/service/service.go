// Package service is the control surface of lanprovd. It owns the DHCP and
// discovery subsystems, starts and stops them, and answers lease, device
// and provisioning calls on their behalf.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/lanprov/lanprovd/internal/config"
	"github.com/lanprov/lanprovd/internal/events"
	"github.com/lanprov/lanprovd/internal/netaddr"
	"github.com/lanprov/lanprovd/internal/provision"
	"github.com/lanprov/lanprovd/pkg/dhcpv4"
)

var (
	// ErrNotRunning is returned by calls that need a stopped subsystem running.
	ErrNotRunning = errors.New("subsystem not running")

	// ErrDeviceNotFound is returned for a device id missing from the registry.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrInvalidMAC is returned for a MAC address that does not parse.
	ErrInvalidMAC = errors.New("invalid MAC address")
)

// Service coordinates the subsystems. All methods are safe for concurrent use.
type Service struct {
	bus        *events.Bus
	logger     *slog.Logger
	interfaces func() ([]netaddr.Interface, error)

	mu     sync.Mutex
	cfg    *config.Config
	client *provision.Client
	dhcp   *dhcpRuntime
	disc   *discoveryRuntime
}

// New creates a service for cfg. Nothing is started.
func New(cfg *config.Config, bus *events.Bus, logger *slog.Logger) *Service {
	s := &Service{
		bus:        bus,
		logger:     logger,
		interfaces: netaddr.ListInterfaces,
		cfg:        cfg.Clone(),
	}
	s.client = newProvisionClient(s.cfg, logger)
	return s
}

// Bus returns the event bus the subsystems publish to.
func (s *Service) Bus() *events.Bus {
	return s.bus
}

// Config returns a copy of the active configuration.
func (s *Service) Config() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Clone()
}

// Interfaces lists the host's IPv4 interfaces.
func (s *Service) Interfaces() ([]netaddr.Interface, error) {
	return s.interfaces()
}

// Close stops every running subsystem.
func (s *Service) Close() {
	s.StopDHCP()
	s.StopDiscovery()
}

func newProvisionClient(cfg *config.Config, logger *slog.Logger) *provision.Client {
	return provision.NewClient(provision.Options{
		ConfigPort:   cfg.Discovery.ConfigPort,
		ReadTimeout:  cfg.Provision.ReadTTL(),
		SendTimeout:  cfg.Provision.SendTTL(),
		HTTPPort:     cfg.Provision.HTTPPort,
		MQTTPort:     cfg.Provision.MQTTPort,
		MQTTUsername: cfg.Provision.MQTTUsername,
		MQTTPassword: cfg.Provision.MQTTPassword,
		AdvertiseIP:  cfg.Provision.AdvertiseIP,
	}, logger)
}

func canonicalMAC(mac string) (string, error) {
	c, err := dhcpv4.CanonicalMAC(mac)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidMAC, mac)
	}
	return c, nil
}
