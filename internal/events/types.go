// Package events provides the domain event set and the fan-out bus for lanprovd.
package events

import (
	"time"
)

// EventType names one variant of the closed domain event set.
type EventType string

const (
	EventDHCPStarted        EventType = "dhcp.started"
	EventDHCPStopped        EventType = "dhcp.stopped"
	EventDHCPError          EventType = "dhcp.error"
	EventLeaseOffer         EventType = "lease.offer"
	EventLeaseAck           EventType = "lease.ack"
	EventLeaseNak           EventType = "lease.nak"
	EventLeaseExpire        EventType = "lease.expire"
	EventLeaseRelease       EventType = "lease.release"
	EventLeaseAssign        EventType = "lease.assign"
	EventLeaseRenew         EventType = "lease.renew"
	EventTransactionTimeout EventType = "transaction.timeout"
	EventDiscoveryStarted   EventType = "discovery.started"
	EventDiscoveryStopped   EventType = "discovery.stopped"
	EventDeviceDiscovered   EventType = "device.discovered"
	EventDeviceUpdated      EventType = "device.updated"
	EventDeviceOffline      EventType = "device.offline"
)

// AllTypes lists every event variant.
var AllTypes = []EventType{
	EventDHCPStarted, EventDHCPStopped, EventDHCPError,
	EventLeaseOffer, EventLeaseAck, EventLeaseNak, EventLeaseExpire,
	EventLeaseRelease, EventLeaseAssign, EventLeaseRenew,
	EventTransactionTimeout,
	EventDiscoveryStarted, EventDiscoveryStopped,
	EventDeviceDiscovered, EventDeviceUpdated, EventDeviceOffline,
}

// Valid reports whether t belongs to the event set.
func (t EventType) Valid() bool {
	for _, v := range AllTypes {
		if v == t {
			return true
		}
	}
	return false
}

// Event is the core event payload passed through the event bus.
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Lease     *LeaseData  `json:"lease,omitempty"`
	Device    *DeviceData `json:"device,omitempty"`
	Server    *ServerData `json:"server,omitempty"`
	Reason    string      `json:"reason,omitempty"`
}

// LeaseData carries lease or pending-transaction information in events.
type LeaseData struct {
	MAC      string `json:"mac"`
	IP       string `json:"ip"`
	XID      uint32 `json:"xid,omitempty"`
	Hostname string `json:"hostname,omitempty"`
	Start    int64  `json:"start,omitempty"`
	Expiry   int64  `json:"expiry,omitempty"`
}

// DeviceData carries a device registry snapshot in events.
type DeviceData struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	MAC         string `json:"mac,omitempty"`
	IP          string `json:"ip"`
	NetworkType string `json:"network_type,omitempty"`
	RSSI        *int   `json:"rssi,omitempty"`
	Firmware    string `json:"firmware,omitempty"`
	Runtime     int64  `json:"runtime,omitempty"`
	LastSeen    int64  `json:"last_seen,omitempty"`
}

// ServerData carries the bound address of a subsystem in lifecycle events.
type ServerData struct {
	Interface string `json:"interface,omitempty"`
	IP        string `json:"ip,omitempty"`
	Port      int    `json:"port"`
}
