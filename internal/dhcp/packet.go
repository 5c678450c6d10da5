// Package dhcp implements the DHCPv4 packet codec, the lease engine, and the UDP server.
package dhcp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/lanprov/lanprovd/pkg/dhcpv4"
)

// Packet represents a decoded DHCPv4 packet (RFC 2131 §2).
type Packet struct {
	Op      dhcpv4.OpCode       // Message op code: 1=BOOTREQUEST, 2=BOOTREPLY
	HType   dhcpv4.HardwareType // Hardware address type (1=Ethernet)
	HLen    byte                // Hardware address length (6 for Ethernet)
	Hops    byte                // Relay hops
	XID     uint32              // Transaction ID
	Secs    uint16              // Seconds elapsed
	Flags   uint16              // Flags (bit 0 = broadcast)
	CIAddr  net.IP              // Client IP address
	YIAddr  net.IP              // 'Your' (client) IP address
	SIAddr  net.IP              // Next server IP address
	GIAddr  net.IP              // Relay agent IP address
	CHAddr  net.HardwareAddr    // Client hardware address
	SName   [64]byte            // Server host name
	File    [128]byte           // Boot file name
	Options Options             // DHCP options

	// Truncated is set when the options area ended mid-option. The options
	// decoded before the cut are kept.
	Truncated bool

	// IfIndex is the index of the interface the packet arrived on, when
	// the transport reports it. Not part of the wire format.
	IfIndex int
}

// packetPool reuses receive buffers to reduce allocations in the hot path.
var packetPool = sync.Pool{
	New: func() interface{} {
		return make([]byte, dhcpv4.MaxPacketSize)
	},
}

// GetBuffer returns a buffer from the pool.
func GetBuffer() []byte {
	return packetPool.Get().([]byte)
}

// PutBuffer returns a buffer to the pool.
func PutBuffer(b []byte) {
	clear(b)
	packetPool.Put(b)
}

func slot(data []byte, f dhcpv4.Field) []byte {
	return data[f.Offset:f.End()]
}

func readIP(data []byte, f dhcpv4.Field) net.IP {
	ip := make(net.IP, 4)
	copy(ip, slot(data, f))
	return ip
}

func writeIP(buf []byte, f dhcpv4.Field, ip net.IP) {
	copy(slot(buf, f), dhcpv4.IPToBytes(ip))
}

// DecodePacket parses a raw DHCPv4 packet. Input shorter than the BOOTP
// header or without the magic cookie is rejected. A cookie at offset 240
// instead of 236 is also accepted, for peers that append it after a full
// 240-byte header.
func DecodePacket(data []byte) (*Packet, error) {
	if len(data) < dhcpv4.HeaderSize {
		return nil, fmt.Errorf("packet too short: %d bytes (minimum %d)", len(data), dhcpv4.HeaderSize)
	}

	optStart := dhcpv4.HeaderSize
	if !bytes.Equal(slot(data, dhcpv4.FieldCookie), dhcpv4.MagicCookie) {
		shifted := dhcpv4.Field{Name: "cookie", Offset: dhcpv4.HeaderSize, Width: 4}
		if len(data) < shifted.End() || !bytes.Equal(slot(data, shifted), dhcpv4.MagicCookie) {
			return nil, fmt.Errorf("invalid DHCP magic cookie: %v", slot(data, dhcpv4.FieldCookie))
		}
		optStart = shifted.End()
	}

	p := &Packet{
		Op:     dhcpv4.OpCode(data[dhcpv4.FieldOp.Offset]),
		HType:  dhcpv4.HardwareType(data[dhcpv4.FieldHType.Offset]),
		HLen:   data[dhcpv4.FieldHLen.Offset],
		Hops:   data[dhcpv4.FieldHops.Offset],
		XID:    binary.BigEndian.Uint32(slot(data, dhcpv4.FieldXID)),
		Secs:   binary.BigEndian.Uint16(slot(data, dhcpv4.FieldSecs)),
		Flags:  binary.BigEndian.Uint16(slot(data, dhcpv4.FieldFlags)),
		CIAddr: readIP(data, dhcpv4.FieldCIAddr),
		YIAddr: readIP(data, dhcpv4.FieldYIAddr),
		SIAddr: readIP(data, dhcpv4.FieldSIAddr),
		GIAddr: readIP(data, dhcpv4.FieldGIAddr),
	}

	// Only HLen bytes of chaddr are significant.
	hlen := int(p.HLen)
	if hlen == 0 || hlen > dhcpv4.FieldCHAddr.Width {
		hlen = 6
	}
	p.CHAddr = make(net.HardwareAddr, hlen)
	copy(p.CHAddr, slot(data, dhcpv4.FieldCHAddr))

	copy(p.SName[:], slot(data, dhcpv4.FieldSName))
	copy(p.File[:], slot(data, dhcpv4.FieldFile))

	opts, err := DecodeOptions(data[optStart:])
	p.Options = opts
	p.Truncated = err != nil
	return p, nil
}

// Encode serializes the packet, padding to the BOOTP minimum of 300 bytes.
func (p *Packet) Encode() ([]byte, error) {
	optBytes := p.Options.Encode()
	totalLen := dhcpv4.HeaderSize + len(optBytes)
	if totalLen > dhcpv4.MaxPacketSize {
		return nil, fmt.Errorf("encoded packet %d bytes exceeds %d", totalLen, dhcpv4.MaxPacketSize)
	}
	if totalLen < dhcpv4.MinPacketSize {
		totalLen = dhcpv4.MinPacketSize
	}

	buf := make([]byte, totalLen)
	buf[dhcpv4.FieldOp.Offset] = byte(p.Op)
	buf[dhcpv4.FieldHType.Offset] = byte(p.HType)
	buf[dhcpv4.FieldHLen.Offset] = p.HLen
	buf[dhcpv4.FieldHops.Offset] = p.Hops
	binary.BigEndian.PutUint32(slot(buf, dhcpv4.FieldXID), p.XID)
	binary.BigEndian.PutUint16(slot(buf, dhcpv4.FieldSecs), p.Secs)
	binary.BigEndian.PutUint16(slot(buf, dhcpv4.FieldFlags), p.Flags)
	writeIP(buf, dhcpv4.FieldCIAddr, p.CIAddr)
	writeIP(buf, dhcpv4.FieldYIAddr, p.YIAddr)
	writeIP(buf, dhcpv4.FieldSIAddr, p.SIAddr)
	writeIP(buf, dhcpv4.FieldGIAddr, p.GIAddr)
	copy(slot(buf, dhcpv4.FieldCHAddr), p.CHAddr)
	copy(slot(buf, dhcpv4.FieldSName), p.SName[:])
	copy(slot(buf, dhcpv4.FieldFile), p.File[:])
	copy(slot(buf, dhcpv4.FieldCookie), dhcpv4.MagicCookie)
	copy(buf[dhcpv4.HeaderSize:], optBytes)

	return buf, nil
}

// MessageType returns the DHCP message type from the packet options, or 0.
func (p *Packet) MessageType() dhcpv4.MessageType {
	if data, ok := p.Options[dhcpv4.OptionDHCPMessageType]; ok && len(data) == 1 {
		return dhcpv4.MessageType(data[0])
	}
	return 0
}

// RequestedIP returns the requested IP address from option 50.
func (p *Packet) RequestedIP() net.IP {
	return p.Options.IP(dhcpv4.OptionRequestedIP)
}

// ServerIdentifier returns the server identifier from option 54.
func (p *Packet) ServerIdentifier() net.IP {
	return p.Options.IP(dhcpv4.OptionServerIdentifier)
}

// Hostname returns the hostname from option 12.
func (p *Packet) Hostname() string {
	if data, ok := p.Options[dhcpv4.OptionHostname]; ok {
		return string(bytes.TrimRight(data, "\x00"))
	}
	return ""
}

// MAC returns the client hardware address in canonical uppercase form.
func (p *Packet) MAC() string {
	return dhcpv4.FormatMAC(p.CHAddr)
}

// IsBroadcast returns true if the broadcast flag is set.
func (p *Packet) IsBroadcast() bool {
	return p.Flags&dhcpv4.FlagBroadcast != 0
}

// HasClientIP reports whether ciaddr is set.
func (p *Packet) HasClientIP() bool {
	return p.CIAddr != nil && !p.CIAddr.Equal(net.IPv4zero)
}

// NewReply creates a BOOTREPLY for p with the header fields every reply
// shares: xid and chaddr echoed, broadcast flag set, ciaddr and giaddr zero,
// siaddr the server, and options 53 and 54.
func (p *Packet) NewReply(msgType dhcpv4.MessageType, serverIP net.IP) *Packet {
	reply := &Packet{
		Op:      dhcpv4.OpCodeBootReply,
		HType:   dhcpv4.HardwareTypeEthernet,
		HLen:    6,
		XID:     p.XID,
		Flags:   dhcpv4.FlagBroadcast,
		CIAddr:  net.IPv4zero.To4(),
		YIAddr:  net.IPv4zero.To4(),
		SIAddr:  serverIP.To4(),
		GIAddr:  net.IPv4zero.To4(),
		CHAddr:  make(net.HardwareAddr, len(p.CHAddr)),
		Options: make(Options),
	}
	copy(reply.CHAddr, p.CHAddr)
	if len(reply.CHAddr) != 6 {
		reply.HLen = byte(len(reply.CHAddr))
	}

	reply.Options[dhcpv4.OptionDHCPMessageType] = []byte{byte(msgType)}
	reply.Options.SetIP(dhcpv4.OptionServerIdentifier, serverIP)
	return reply
}
