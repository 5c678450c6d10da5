package config

import "time"

// Default configuration values.
const (
	DefaultLogLevel             = "info"
	DefaultNetmask              = "255.255.255.0"
	DefaultDHCPPort             = 67
	DefaultLeaseSeconds         = 7200
	DefaultOfferRetries         = 3
	DefaultOfferRetryInterval   = 5 * time.Second
	DefaultPendingTimeout       = 30 * time.Second
	DefaultPendingSweepInterval = 10 * time.Second
	DefaultLeaseSweepInterval   = 60 * time.Second
	DefaultDiscoveryPort        = 4210
	DefaultConfigPort           = 4211
	DefaultDeviceTimeout        = 11 * time.Second
	DefaultSweepInterval        = 1 * time.Second
	DefaultReadTimeout          = 3 * time.Second
	DefaultSendTimeout          = 5 * time.Second
	DefaultHTTPPort             = 8080
	DefaultMQTTPort             = 1883
	DefaultMQTTUsername         = "device"
	DefaultMQTTPassword         = "123456"
	DefaultAPIListen            = "127.0.0.1:8068"
)

// DefaultDNSServers are handed to clients when dhcp.dns_servers is unset.
var DefaultDNSServers = []string{"8.8.8.8", "8.8.4.4"}
