package dhcp

import (
	"fmt"
	"net"
	"sort"

	"github.com/lanprov/lanprovd/pkg/dhcpv4"
)

// Options is a map of DHCP option code to raw option data.
type Options map[dhcpv4.OptionCode][]byte

// replyOrder fixes the leading options of every encoded reply so output is
// deterministic. Remaining options follow in ascending code order.
var replyOrder = []dhcpv4.OptionCode{
	dhcpv4.OptionDHCPMessageType,
	dhcpv4.OptionServerIdentifier,
	dhcpv4.OptionIPLeaseTime,
	dhcpv4.OptionSubnetMask,
	dhcpv4.OptionRouter,
	dhcpv4.OptionDomainNameServer,
	dhcpv4.OptionBroadcastAddress,
}

// DecodeOptions parses the options section of a DHCP packet (RFC 2132 TLV).
// On a truncated option it returns everything parsed before it along with
// the error, so callers may keep the partial result.
func DecodeOptions(data []byte) (Options, error) {
	opts := make(Options)
	i := 0
	for i < len(data) {
		code := dhcpv4.OptionCode(data[i])
		i++

		if code == dhcpv4.OptionPad {
			continue
		}
		if code == dhcpv4.OptionEnd {
			break
		}

		if i >= len(data) {
			return opts, fmt.Errorf("truncated option %d: no length byte", code)
		}
		length := int(data[i])
		i++

		if i+length > len(data) {
			return opts, fmt.Errorf("truncated option %d: need %d bytes, have %d", code, length, len(data)-i)
		}

		value := make([]byte, length)
		copy(value, data[i:i+length])
		opts[code] = value
		i += length
	}
	return opts, nil
}

// Encode serializes options with the end marker. Values longer than 255
// bytes are cut to fit the length byte.
func (opts Options) Encode() []byte {
	size := 1
	for _, v := range opts {
		size += 2 + len(v)
	}
	buf := make([]byte, 0, size)

	for _, code := range opts.order() {
		value := opts[code]
		if len(value) > 255 {
			value = value[:255]
		}
		buf = append(buf, byte(code), byte(len(value)))
		buf = append(buf, value...)
	}
	return append(buf, byte(dhcpv4.OptionEnd))
}

func (opts Options) order() []dhcpv4.OptionCode {
	codes := make([]dhcpv4.OptionCode, 0, len(opts))
	seen := make(map[dhcpv4.OptionCode]bool, len(replyOrder))
	for _, code := range replyOrder {
		if _, ok := opts[code]; ok {
			codes = append(codes, code)
			seen[code] = true
		}
	}
	var rest []dhcpv4.OptionCode
	for code := range opts {
		if seen[code] || code == dhcpv4.OptionPad || code == dhcpv4.OptionEnd {
			continue
		}
		rest = append(rest, code)
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i] < rest[j] })
	return append(codes, rest...)
}

// Get returns the raw value for an option code.
func (opts Options) Get(code dhcpv4.OptionCode) ([]byte, bool) {
	v, ok := opts[code]
	return v, ok
}

// Set sets an option to a raw value.
func (opts Options) Set(code dhcpv4.OptionCode, value []byte) {
	opts[code] = value
}

// SetIP sets a single-address option.
func (opts Options) SetIP(code dhcpv4.OptionCode, ip net.IP) {
	opts[code] = dhcpv4.IPToBytes(ip)
}

// SetIPs sets a multi-address option.
func (opts Options) SetIPs(code dhcpv4.OptionCode, ips []net.IP) {
	opts[code] = dhcpv4.IPListToBytes(ips)
}

// SetUint32 sets a uint32 option.
func (opts Options) SetUint32(code dhcpv4.OptionCode, v uint32) {
	opts[code] = dhcpv4.Uint32ToBytes(v)
}

// SetString sets a string option.
func (opts Options) SetString(code dhcpv4.OptionCode, s string) {
	opts[code] = []byte(s)
}

// IP returns a single-address option, or nil if absent or malformed.
func (opts Options) IP(code dhcpv4.OptionCode) net.IP {
	return dhcpv4.BytesToIP(opts[code])
}

// IPs returns a multi-address option, or nil if absent or malformed.
func (opts Options) IPs(code dhcpv4.OptionCode) []net.IP {
	ips, err := dhcpv4.BytesToIPList(opts[code])
	if err != nil || len(ips) == 0 {
		return nil
	}
	return ips
}

// Uint32 returns a 4-byte option as an integer.
func (opts Options) Uint32(code dhcpv4.OptionCode) (uint32, bool) {
	v, err := dhcpv4.BytesToUint32(opts[code])
	return v, err == nil
}

// Has returns true if the option is present.
func (opts Options) Has(code dhcpv4.OptionCode) bool {
	_, ok := opts[code]
	return ok
}

// Delete removes an option.
func (opts Options) Delete(code dhcpv4.OptionCode) {
	delete(opts, code)
}

// Clone returns a deep copy of the options.
func (opts Options) Clone() Options {
	clone := make(Options, len(opts))
	for k, v := range opts {
		vc := make([]byte, len(v))
		copy(vc, v)
		clone[k] = vc
	}
	return clone
}
