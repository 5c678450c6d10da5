package service

import (
	"context"
	"errors"
	"reflect"

	"github.com/lanprov/lanprovd/internal/config"
)

// Reconfigure applies cfg. Subsystems whose section changed are restarted
// with it; a subsystem disabled in cfg is stopped. Errors from restarting
// are joined, and a subsystem that failed to restart stays stopped.
func (s *Service) Reconfigure(ctx context.Context, cfg *config.Config) error {
	s.mu.Lock()
	prev := s.cfg
	next := cfg.Clone()
	dhcpChanged := !reflect.DeepEqual(prev.DHCP, next.DHCP) || prev.Server.LeaseDB != next.Server.LeaseDB
	discChanged := !reflect.DeepEqual(prev.Discovery, next.Discovery)
	dhcpWasRunning := s.dhcp != nil
	discWasRunning := s.disc != nil

	if dhcpWasRunning && (dhcpChanged || !next.DHCP.Enabled) {
		s.stopDHCPLocked()
	}
	if discWasRunning && (discChanged || !next.Discovery.Enabled) {
		s.stopDiscoveryLocked()
	}
	s.cfg = next
	s.client = newProvisionClient(next, s.logger)
	s.mu.Unlock()

	s.logger.Info("configuration applied",
		"dhcp_changed", dhcpChanged,
		"discovery_changed", discChanged)

	var errs []error
	if dhcpWasRunning && dhcpChanged && next.DHCP.Enabled {
		if _, err := s.StartDHCP(ctx, nil); err != nil {
			errs = append(errs, err)
		}
	}
	if discWasRunning && discChanged && next.Discovery.Enabled {
		if err := s.StartDiscovery(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
