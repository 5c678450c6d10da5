// Package discovery keeps a live registry of devices that announce
// themselves over UDP broadcast.
package discovery

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageTypeDiscover is the type tag of an announcement datagram.
const MessageTypeDiscover = "discover"

// Defaults for fields a first announcement leaves out.
const (
	UnknownValue         = "unknown"
	DefaultHeartInterval = 5
)

// Device is one registry entry.
type Device struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	MAC           string    `json:"mac"`
	IP            string    `json:"ip"`
	NetworkType   string    `json:"networkType"`
	RSSI          *int      `json:"RSSI"`
	Runtime       int64     `json:"runtime"`
	Firmware      string    `json:"firmware"`
	HeartInterval int       `json:"heart_interval"`
	LastSeen      time.Time `json:"-"`
}

// Clone returns a deep copy of d.
func (d *Device) Clone() *Device {
	c := *d
	if d.RSSI != nil {
		v := *d.RSSI
		c.RSSI = &v
	}
	return &c
}

// Announcement is an inbound discovery datagram. Pointer fields are nil
// when the device left them out.
type Announcement struct {
	Type          string  `json:"type"`
	ID            *string `json:"id,omitempty"`
	Name          *string `json:"name,omitempty"`
	MAC           *string `json:"mac,omitempty"`
	IP            *string `json:"ip,omitempty"`
	NetworkType   *string `json:"networkType,omitempty"`
	RSSI          *int    `json:"RSSI,omitempty"`
	Runtime       *int64  `json:"runtime,omitempty"`
	Firmware      *string `json:"firmware,omitempty"`
	HeartInterval *int    `json:"heart_interval,omitempty"`
}

// ParseAnnouncement decodes a datagram. Datagrams that are not JSON
// objects are rejected; the type tag is not checked.
func ParseAnnouncement(data []byte) (*Announcement, error) {
	var a Announcement
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decoding announcement: %w", err)
	}
	return &a, nil
}

// DeviceID returns the declared id, or src when none was declared.
func (a *Announcement) DeviceID(src string) string {
	if a.ID != nil && *a.ID != "" {
		return *a.ID
	}
	return src
}

// newDevice builds a record from a first announcement.
func newDevice(id, src string, a *Announcement, now time.Time) *Device {
	d := &Device{
		ID:            id,
		Name:          "device-" + id,
		MAC:           UnknownValue,
		IP:            src,
		NetworkType:   UnknownValue,
		Firmware:      UnknownValue,
		HeartInterval: DefaultHeartInterval,
		LastSeen:      now,
	}
	d.merge(a, src)
	return d
}

// merge overwrites the fields present in a. A missing ip falls back to the
// datagram source so the record follows a device that moved.
func (d *Device) merge(a *Announcement, src string) {
	if a.Name != nil && *a.Name != "" {
		d.Name = *a.Name
	}
	if a.MAC != nil && *a.MAC != "" {
		d.MAC = *a.MAC
	}
	switch {
	case a.IP != nil && *a.IP != "":
		d.IP = *a.IP
	case src != "":
		d.IP = src
	}
	if a.NetworkType != nil && *a.NetworkType != "" {
		d.NetworkType = *a.NetworkType
	}
	if a.RSSI != nil {
		v := *a.RSSI
		d.RSSI = &v
	}
	if a.Runtime != nil {
		d.Runtime = *a.Runtime
	}
	if a.Firmware != nil && *a.Firmware != "" {
		d.Firmware = *a.Firmware
	}
	if a.HeartInterval != nil && *a.HeartInterval > 0 {
		d.HeartInterval = *a.HeartInterval
	}
}
