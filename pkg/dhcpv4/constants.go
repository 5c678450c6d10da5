// Package dhcpv4 provides constants, the BOOTP field layout, and encoding helpers for DHCPv4 packets.
package dhcpv4

import "net"

// DHCP Message Types (RFC 2131 §9.6)
type MessageType byte

const (
	MessageTypeDiscover MessageType = 1 // DHCPDISCOVER
	MessageTypeOffer    MessageType = 2 // DHCPOFFER
	MessageTypeRequest  MessageType = 3 // DHCPREQUEST
	MessageTypeDecline  MessageType = 4 // DHCPDECLINE
	MessageTypeAck      MessageType = 5 // DHCPACK
	MessageTypeNak      MessageType = 6 // DHCPNAK
	MessageTypeRelease  MessageType = 7 // DHCPRELEASE
	MessageTypeInform   MessageType = 8 // DHCPINFORM
)

func (m MessageType) String() string {
	switch m {
	case MessageTypeDiscover:
		return "DHCPDISCOVER"
	case MessageTypeOffer:
		return "DHCPOFFER"
	case MessageTypeRequest:
		return "DHCPREQUEST"
	case MessageTypeDecline:
		return "DHCPDECLINE"
	case MessageTypeAck:
		return "DHCPACK"
	case MessageTypeNak:
		return "DHCPNAK"
	case MessageTypeRelease:
		return "DHCPRELEASE"
	case MessageTypeInform:
		return "DHCPINFORM"
	default:
		return "UNKNOWN"
	}
}

// DHCP Op Codes (RFC 2131 §2)
type OpCode byte

const (
	OpCodeBootRequest OpCode = 1 // BOOTREQUEST
	OpCodeBootReply   OpCode = 2 // BOOTREPLY
)

// Hardware Types (RFC 1700)
type HardwareType byte

const (
	HardwareTypeEthernet HardwareType = 1
)

// DHCP Option Codes (RFC 2132). Only the codes this server reads or writes are listed.
type OptionCode byte

const (
	OptionPad                  OptionCode = 0
	OptionSubnetMask           OptionCode = 1
	OptionRouter               OptionCode = 3
	OptionDomainNameServer     OptionCode = 6
	OptionHostname             OptionCode = 12
	OptionBroadcastAddress     OptionCode = 28
	OptionRequestedIP          OptionCode = 50
	OptionIPLeaseTime          OptionCode = 51
	OptionDHCPMessageType      OptionCode = 53
	OptionServerIdentifier     OptionCode = 54
	OptionParameterRequestList OptionCode = 55
	OptionMessage              OptionCode = 56
	OptionClientIdentifier     OptionCode = 61
	OptionEnd                  OptionCode = 255
)

// Field is one fixed-width slot of the BOOTP header.
type Field struct {
	Name   string
	Offset int
	Width  int
}

// End returns the offset one past the last byte of the field.
func (f Field) End() int {
	return f.Offset + f.Width
}

// BOOTP header layout (RFC 951 / RFC 2131 §2). Encode and decode both index through this table.
var (
	FieldOp     = Field{"op", 0, 1}
	FieldHType  = Field{"htype", 1, 1}
	FieldHLen   = Field{"hlen", 2, 1}
	FieldHops   = Field{"hops", 3, 1}
	FieldXID    = Field{"xid", 4, 4}
	FieldSecs   = Field{"secs", 8, 2}
	FieldFlags  = Field{"flags", 10, 2}
	FieldCIAddr = Field{"ciaddr", 12, 4}
	FieldYIAddr = Field{"yiaddr", 16, 4}
	FieldSIAddr = Field{"siaddr", 20, 4}
	FieldGIAddr = Field{"giaddr", 24, 4}
	FieldCHAddr = Field{"chaddr", 28, 16}
	FieldSName  = Field{"sname", 44, 64}
	FieldFile   = Field{"file", 108, 128}
	FieldCookie = Field{"cookie", 236, 4}
)

// HeaderFields lists the BOOTP header in wire order.
var HeaderFields = []Field{
	FieldOp, FieldHType, FieldHLen, FieldHops, FieldXID, FieldSecs, FieldFlags,
	FieldCIAddr, FieldYIAddr, FieldSIAddr, FieldGIAddr, FieldCHAddr, FieldSName,
	FieldFile, FieldCookie,
}

// DHCP Packet Size Limits
const (
	HeaderSize    = 240  // BOOTP header including the magic cookie
	MinPacketSize = 300  // Minimum BOOTP packet size (RFC 951)
	MaxPacketSize = 1500 // Maximum DHCP packet size (Ethernet MTU)
)

// FlagBroadcast is the broadcast bit of the flags field (RFC 2131 §2).
const FlagBroadcast uint16 = 0x8000

// DHCP Ports
const (
	ServerPort = 67
	ClientPort = 68
)

// DHCP Magic Cookie (RFC 2131 §3)
var MagicCookie = []byte{0x63, 0x82, 0x53, 0x63}

// Broadcast and unspecified addresses.
var (
	BroadcastIP = net.IPv4(255, 255, 255, 255)
	ZeroIP      = net.IPv4(0, 0, 0, 0)
)
