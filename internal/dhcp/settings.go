package dhcp

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/lanprov/lanprovd/internal/netaddr"
	"github.com/lanprov/lanprovd/pkg/dhcpv4"
)

// MinLeaseTime is the shortest lease accepted by ValidateSettings.
const MinLeaseTime = 60 * time.Second

// Settings is the resolved addressing of one DHCP server instance.
type Settings struct {
	Interface string
	IfIndex   int
	ServerIP  net.IP
	Gateway   net.IP
	Netmask   net.IPMask
	Subnet    net.IP
	DNS       []net.IP
	PoolStart net.IP
	PoolEnd   net.IP
	Port      int
	// ClientPort is where replies go. Zero means dhcpv4.ClientPort.
	ClientPort int
	LeaseTime  time.Duration
}

// Broadcast returns the directed broadcast address of the served subnet.
func (s Settings) Broadcast() net.IP {
	return netaddr.Broadcast(s.ServerIP, s.Netmask)
}

// Network returns the served subnet as an IPNet.
func (s Settings) Network() *net.IPNet {
	return &net.IPNet{IP: netaddr.Network(s.ServerIP, s.Netmask), Mask: s.Netmask}
}

func (s Settings) clientPort() int {
	if s.ClientPort == 0 {
		return dhcpv4.ClientPort
	}
	return s.ClientPort
}

// ValidationError lists every problem found in a Settings value.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid DHCP settings: " + strings.Join(e.Problems, "; ")
}

// ValidateSettings checks s and reports all problems at once.
func ValidateSettings(s Settings) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if s.ServerIP.To4() == nil {
		add("server IP %q is not an IPv4 address", s.ServerIP)
	}
	if s.Gateway.To4() == nil {
		add("gateway %q is not an IPv4 address", s.Gateway)
	}
	if len(s.Netmask) == 0 || netaddr.MaskString(s.Netmask) == "" {
		add("netmask is missing")
	} else if ones, bits := s.Netmask.Size(); bits == 0 || ones == 0 {
		add("netmask %s is not usable", netaddr.MaskString(s.Netmask))
	}
	for _, d := range s.DNS {
		if d.To4() == nil {
			add("DNS server %q is not an IPv4 address", d)
		}
	}
	if s.PoolStart.To4() == nil || s.PoolEnd.To4() == nil {
		add("pool bounds %s-%s are not IPv4 addresses", s.PoolStart, s.PoolEnd)
	} else if dhcpv4.IPRangeSize(s.PoolStart, s.PoolEnd) == 0 {
		add("pool %s-%s is empty", s.PoolStart, s.PoolEnd)
	} else if s.ServerIP.To4() != nil && len(s.Netmask) > 0 {
		if !netaddr.SameSubnet(s.ServerIP, s.PoolStart, s.Netmask) || !netaddr.SameSubnet(s.ServerIP, s.PoolEnd, s.Netmask) {
			add("pool %s-%s is outside subnet %s", s.PoolStart, s.PoolEnd, s.Network())
		}
	}
	if s.Port < 1 || s.Port > 65535 {
		add("port %d out of range", s.Port)
	}
	if s.LeaseTime < MinLeaseTime {
		add("lease time %s shorter than %s", s.LeaseTime, MinLeaseTime)
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// IsValidationError reports whether err carries a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
