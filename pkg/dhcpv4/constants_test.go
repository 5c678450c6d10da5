package dhcpv4

import "testing"

func TestMessageTypeString(t *testing.T) {
	tests := []struct {
		mt   MessageType
		want string
	}{
		{MessageTypeDiscover, "DHCPDISCOVER"},
		{MessageTypeOffer, "DHCPOFFER"},
		{MessageTypeRequest, "DHCPREQUEST"},
		{MessageTypeDecline, "DHCPDECLINE"},
		{MessageTypeAck, "DHCPACK"},
		{MessageTypeNak, "DHCPNAK"},
		{MessageTypeRelease, "DHCPRELEASE"},
		{MessageTypeInform, "DHCPINFORM"},
		{MessageType(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.mt.String(); got != tt.want {
			t.Errorf("MessageType(%d).String() = %q, want %q", tt.mt, got, tt.want)
		}
	}
}

func TestOptionCodeValues(t *testing.T) {
	tests := []struct {
		code OptionCode
		want byte
	}{
		{OptionPad, 0},
		{OptionSubnetMask, 1},
		{OptionRouter, 3},
		{OptionDomainNameServer, 6},
		{OptionHostname, 12},
		{OptionBroadcastAddress, 28},
		{OptionRequestedIP, 50},
		{OptionIPLeaseTime, 51},
		{OptionDHCPMessageType, 53},
		{OptionServerIdentifier, 54},
		{OptionParameterRequestList, 55},
		{OptionClientIdentifier, 61},
		{OptionEnd, 255},
	}
	for _, tt := range tests {
		if byte(tt.code) != tt.want {
			t.Errorf("OptionCode %d: got %d, want %d", tt.code, byte(tt.code), tt.want)
		}
	}
}

func TestHeaderFieldsContiguous(t *testing.T) {
	off := 0
	for _, f := range HeaderFields {
		if f.Offset != off {
			t.Errorf("field %s offset = %d, want %d", f.Name, f.Offset, off)
		}
		off = f.End()
	}
	if off != HeaderSize {
		t.Errorf("header ends at %d, want %d", off, HeaderSize)
	}
}

func TestPacketSizeConstants(t *testing.T) {
	if HeaderSize != 240 {
		t.Errorf("HeaderSize = %d, want 240", HeaderSize)
	}
	if MinPacketSize != 300 {
		t.Errorf("MinPacketSize = %d, want 300", MinPacketSize)
	}
	if MaxPacketSize != 1500 {
		t.Errorf("MaxPacketSize = %d, want 1500", MaxPacketSize)
	}
	if ServerPort != 67 {
		t.Errorf("ServerPort = %d, want 67", ServerPort)
	}
	if ClientPort != 68 {
		t.Errorf("ClientPort = %d, want 68", ClientPort)
	}
}

func TestMagicCookie(t *testing.T) {
	expected := []byte{99, 130, 83, 99}
	if len(MagicCookie) != 4 {
		t.Fatalf("MagicCookie length = %d, want 4", len(MagicCookie))
	}
	for i, b := range MagicCookie {
		if b != expected[i] {
			t.Errorf("MagicCookie[%d] = %d, want %d", i, b, expected[i])
		}
	}
}
