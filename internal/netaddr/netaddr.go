// Package netaddr enumerates network interfaces and does IPv4 subnet arithmetic.
package netaddr

import (
	"fmt"
	"net"
	"strings"

	"github.com/lanprov/lanprovd/pkg/dhcpv4"
)

// Fallback addressing used when no usable interface is found.
const (
	FallbackInterface = "eth0"
	FallbackIP        = "192.168.100.1"
	FallbackBroadcast = "192.168.100.255"
)

// Interface describes one IPv4 address bound to a host interface.
type Interface struct {
	Name      string `json:"name"`
	Index     int    `json:"index"`
	IP        string `json:"ip"`
	MAC       string `json:"mac"`
	Netmask   string `json:"netmask"`
	Broadcast string `json:"broadcast"`
	Internal  bool   `json:"internal"`
	Up        bool   `json:"up"`
}

// Selection is the interface and address a server binds to.
type Selection struct {
	Name     string
	Index    int
	IP       net.IP
	Mask     net.IPMask
	Fallback bool
}

// Broadcast returns the directed broadcast address of the selection.
func (s Selection) Broadcast() net.IP {
	return Broadcast(s.IP, s.Mask)
}

// ListInterfaces returns every IPv4 address on the host, in interface order.
func ListInterfaces() ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("listing interfaces: %w", err)
	}

	var out []Interface
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.To4() == nil {
				continue
			}
			mac := "00:00:00:00:00:00"
			if len(iface.HardwareAddr) > 0 {
				mac = dhcpv4.FormatMAC(iface.HardwareAddr)
			}
			mask := v4Mask(ipNet.Mask)
			out = append(out, Interface{
				Name:      iface.Name,
				Index:     iface.Index,
				IP:        ipNet.IP.To4().String(),
				MAC:       mac,
				Netmask:   MaskString(mask),
				Broadcast: Broadcast(ipNet.IP, mask).String(),
				Internal:  iface.Flags&net.FlagLoopback != 0,
				Up:        iface.Flags&net.FlagUp != 0,
			})
		}
	}
	return out, nil
}

// Select picks the interface to serve on. If both name and ip are given they
// are used as-is. If only name is given, its first IPv4 address is used.
// Otherwise the first external IPv4 address wins, falling back to
// FallbackInterface/FallbackIP with Fallback set. mask overrides the
// interface netmask when non-nil.
func Select(ifaces []Interface, name, ip string, mask net.IPMask) (Selection, error) {
	if name != "" && ip != "" {
		addr := net.ParseIP(ip).To4()
		if addr == nil {
			return Selection{}, fmt.Errorf("interface %s: invalid IPv4 address %q", name, ip)
		}
		sel := Selection{Name: name, IP: addr, Mask: mask}
		for _, iface := range ifaces {
			if iface.Name == name {
				sel.Index = iface.Index
				if sel.Mask == nil {
					sel.Mask, _ = ParseMask(iface.Netmask)
				}
				break
			}
		}
		if sel.Mask == nil {
			sel.Mask = net.CIDRMask(24, 32)
		}
		return sel, nil
	}

	for _, iface := range ifaces {
		if name != "" && iface.Name != name {
			continue
		}
		if name == "" && (iface.Internal || strings.HasPrefix(iface.IP, "127.")) {
			continue
		}
		sel := Selection{Name: iface.Name, Index: iface.Index, IP: net.ParseIP(iface.IP).To4(), Mask: mask}
		if sel.Mask == nil {
			m, err := ParseMask(iface.Netmask)
			if err != nil {
				return Selection{}, fmt.Errorf("interface %s: %w", iface.Name, err)
			}
			sel.Mask = m
		}
		return sel, nil
	}

	if name != "" {
		return Selection{}, fmt.Errorf("interface %s has no IPv4 address", name)
	}
	if mask == nil {
		mask = net.CIDRMask(24, 32)
	}
	return Selection{
		Name:     FallbackInterface,
		IP:       net.ParseIP(FallbackIP).To4(),
		Mask:     mask,
		Fallback: true,
	}, nil
}

// LocalIP returns the first external IPv4 address of the host, or "" if none.
func LocalIP() string {
	ifaces, err := ListInterfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if !iface.Internal && !strings.HasPrefix(iface.IP, "127.") {
			return iface.IP
		}
	}
	return ""
}

// ParseMask parses a dotted-quad netmask and rejects non-contiguous masks.
func ParseMask(s string) (net.IPMask, error) {
	ip := net.ParseIP(strings.TrimSpace(s)).To4()
	if ip == nil {
		return nil, fmt.Errorf("invalid netmask %q", s)
	}
	mask := net.IPv4Mask(ip[0], ip[1], ip[2], ip[3])
	if _, bits := mask.Size(); bits == 0 {
		return nil, fmt.Errorf("non-contiguous netmask %q", s)
	}
	return mask, nil
}

// MaskString formats a mask as a dotted quad.
func MaskString(mask net.IPMask) string {
	m := v4Mask(mask)
	if len(m) != 4 {
		return ""
	}
	return net.IP(m).String()
}

// Network returns ip & mask.
func Network(ip net.IP, mask net.IPMask) net.IP {
	ip4 := ip.To4()
	m := v4Mask(mask)
	if ip4 == nil || len(m) != 4 {
		return nil
	}
	out := make(net.IP, 4)
	for i := range out {
		out[i] = ip4[i] & m[i]
	}
	return out
}

// Broadcast returns (ip & mask) | ^mask.
func Broadcast(ip net.IP, mask net.IPMask) net.IP {
	ip4 := ip.To4()
	m := v4Mask(mask)
	if ip4 == nil || len(m) != 4 {
		return nil
	}
	out := make(net.IP, 4)
	for i := range out {
		out[i] = (ip4[i] & m[i]) | ^m[i]
	}
	return out
}

// SameSubnet reports whether a and b share a network under mask.
func SameSubnet(a, b net.IP, mask net.IPMask) bool {
	na, nb := Network(a, mask), Network(b, mask)
	return na != nil && na.Equal(nb)
}

// DefaultPoolRange returns <a.b.c>.100 to <a.b.c>.200 for gateway a.b.c.d.
func DefaultPoolRange(gateway net.IP) (net.IP, net.IP) {
	g := gateway.To4()
	if g == nil {
		return nil, nil
	}
	return net.IPv4(g[0], g[1], g[2], 100).To4(), net.IPv4(g[0], g[1], g[2], 200).To4()
}

func v4Mask(mask net.IPMask) net.IPMask {
	if len(mask) == 16 {
		return mask[12:]
	}
	return mask
}
