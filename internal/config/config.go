// Package config handles TOML configuration parsing, validation, and hot-reload for lanprovd.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the top-level configuration for lanprovd.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	DHCP      DHCPConfig      `toml:"dhcp"`
	Discovery DiscoveryConfig `toml:"discovery"`
	Provision ProvisionConfig `toml:"provision"`
	API       APIConfig       `toml:"api"`
}

// ServerConfig holds process-wide settings.
type ServerConfig struct {
	LogLevel string `toml:"log_level"`
	LeaseDB  string `toml:"lease_db"`
}

// DHCPConfig holds the DHCP subsystem settings. Empty addressing fields
// are derived from the selected interface.
type DHCPConfig struct {
	Enabled              bool     `toml:"enabled" json:"enabled"`
	Interface            string   `toml:"interface" json:"interface"`
	InterfaceIP          string   `toml:"interface_ip" json:"interface_ip"`
	Gateway              string   `toml:"gateway" json:"gateway"`
	Subnet               string   `toml:"subnet" json:"subnet"`
	Netmask              string   `toml:"netmask" json:"netmask"`
	DNSServers           []string `toml:"dns_servers" json:"dns_servers"`
	PoolStart            string   `toml:"pool_start" json:"pool_start"`
	PoolEnd              string   `toml:"pool_end" json:"pool_end"`
	Port                 int      `toml:"port" json:"port"`
	LeaseSeconds         int      `toml:"lease_seconds" json:"lease_seconds"`
	OfferRetries         int      `toml:"offer_retries" json:"offer_retries"`
	OfferRetryInterval   string   `toml:"offer_retry_interval" json:"offer_retry_interval"`
	PendingTimeout       string   `toml:"pending_timeout" json:"pending_timeout"`
	PendingSweepInterval string   `toml:"pending_sweep_interval" json:"pending_sweep_interval"`
	LeaseSweepInterval   string   `toml:"lease_sweep_interval" json:"lease_sweep_interval"`
}

// DiscoveryConfig holds the device announcement listener settings.
type DiscoveryConfig struct {
	Enabled       bool   `toml:"enabled"`
	Port          int    `toml:"port"`
	ConfigPort    int    `toml:"config_port"`
	DeviceTimeout string `toml:"device_timeout"`
	SweepInterval string `toml:"sweep_interval"`
}

// ProvisionConfig holds device command settings.
type ProvisionConfig struct {
	AdvertiseIP  string `toml:"advertise_ip"`
	ReadTimeout  string `toml:"read_timeout"`
	SendTimeout  string `toml:"send_timeout"`
	HTTPPort     int    `toml:"http_port"`
	MQTTPort     int    `toml:"mqtt_port"`
	MQTTUsername string `toml:"mqtt_username"`
	MQTTPassword string `toml:"mqtt_password"`
}

// APIConfig holds HTTP control API settings.
type APIConfig struct {
	Enabled       bool   `toml:"enabled"`
	Listen        string `toml:"listen"`
	AuthTokenHash string `toml:"auth_token_hash"`
}

// Load reads and parses a TOML config file, applies defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes TOML data over the defaults and validates the result.
// Keys that are absent keep their default value.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing: %w", err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns a configuration with every field at its default.
func Default() *Config {
	cfg := &Config{
		DHCP: DHCPConfig{
			Enabled:      true,
			DNSServers:   append([]string(nil), DefaultDNSServers...),
			OfferRetries: DefaultOfferRetries,
		},
		Discovery: DiscoveryConfig{Enabled: true},
		API:       APIConfig{Enabled: true},
	}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults fills in default values for unset fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = DefaultLogLevel
	}

	// DHCP defaults
	if cfg.DHCP.Netmask == "" {
		cfg.DHCP.Netmask = DefaultNetmask
	}
	if cfg.DHCP.Port == 0 {
		cfg.DHCP.Port = DefaultDHCPPort
	}
	if cfg.DHCP.LeaseSeconds == 0 {
		cfg.DHCP.LeaseSeconds = DefaultLeaseSeconds
	}
	if cfg.DHCP.OfferRetryInterval == "" {
		cfg.DHCP.OfferRetryInterval = DefaultOfferRetryInterval.String()
	}
	if cfg.DHCP.PendingTimeout == "" {
		cfg.DHCP.PendingTimeout = DefaultPendingTimeout.String()
	}
	if cfg.DHCP.PendingSweepInterval == "" {
		cfg.DHCP.PendingSweepInterval = DefaultPendingSweepInterval.String()
	}
	if cfg.DHCP.LeaseSweepInterval == "" {
		cfg.DHCP.LeaseSweepInterval = DefaultLeaseSweepInterval.String()
	}

	// Discovery defaults
	if cfg.Discovery.Port == 0 {
		cfg.Discovery.Port = DefaultDiscoveryPort
	}
	if cfg.Discovery.ConfigPort == 0 {
		cfg.Discovery.ConfigPort = DefaultConfigPort
	}
	if cfg.Discovery.DeviceTimeout == "" {
		cfg.Discovery.DeviceTimeout = DefaultDeviceTimeout.String()
	}
	if cfg.Discovery.SweepInterval == "" {
		cfg.Discovery.SweepInterval = DefaultSweepInterval.String()
	}

	// Provisioning defaults
	if cfg.Provision.ReadTimeout == "" {
		cfg.Provision.ReadTimeout = DefaultReadTimeout.String()
	}
	if cfg.Provision.SendTimeout == "" {
		cfg.Provision.SendTimeout = DefaultSendTimeout.String()
	}
	if cfg.Provision.HTTPPort == 0 {
		cfg.Provision.HTTPPort = DefaultHTTPPort
	}
	if cfg.Provision.MQTTPort == 0 {
		cfg.Provision.MQTTPort = DefaultMQTTPort
	}
	if cfg.Provision.MQTTUsername == "" {
		cfg.Provision.MQTTUsername = DefaultMQTTUsername
	}
	if cfg.Provision.MQTTPassword == "" {
		cfg.Provision.MQTTPassword = DefaultMQTTPassword
	}

	// API defaults
	if cfg.API.Listen == "" {
		cfg.API.Listen = DefaultAPIListen
	}
}

// validate checks the configuration for errors. Every problem found is
// reported, joined into one error.
func validate(cfg *Config) error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch strings.ToLower(cfg.Server.LogLevel) {
	case "debug", "trace", "info", "warn", "warning", "error":
	default:
		bad("server.log_level %q is not one of debug, info, warn, error", cfg.Server.LogLevel)
	}

	d := cfg.DHCP
	checkIP := func(key, value string) {
		if value != "" && net.ParseIP(value).To4() == nil {
			bad("dhcp.%s %q is not a valid IPv4 address", key, value)
		}
	}
	checkIP("interface_ip", d.InterfaceIP)
	checkIP("gateway", d.Gateway)
	checkIP("subnet", d.Subnet)
	checkIP("netmask", d.Netmask)
	checkIP("pool_start", d.PoolStart)
	checkIP("pool_end", d.PoolEnd)
	for i, s := range d.DNSServers {
		if net.ParseIP(s).To4() == nil {
			bad("dhcp.dns_servers[%d] %q is not a valid IPv4 address", i, s)
		}
	}
	if d.InterfaceIP != "" && d.Interface == "" {
		bad("dhcp.interface_ip requires dhcp.interface")
	}
	if (d.PoolStart == "") != (d.PoolEnd == "") {
		bad("dhcp.pool_start and dhcp.pool_end must be set together")
	}
	if d.Port < 1 || d.Port > 65535 {
		bad("dhcp.port %d is out of range", d.Port)
	}
	if d.LeaseSeconds < 60 {
		bad("dhcp.lease_seconds %d must be at least 60", d.LeaseSeconds)
	}
	if d.OfferRetries < 0 {
		bad("dhcp.offer_retries %d must not be negative", d.OfferRetries)
	}

	checkDuration := func(key, value string) {
		dur, err := time.ParseDuration(value)
		if err != nil {
			bad("%s: %w", key, err)
		} else if dur <= 0 {
			bad("%s must be positive, got %s", key, value)
		}
	}
	checkDuration("dhcp.offer_retry_interval", d.OfferRetryInterval)
	checkDuration("dhcp.pending_timeout", d.PendingTimeout)
	checkDuration("dhcp.pending_sweep_interval", d.PendingSweepInterval)
	checkDuration("dhcp.lease_sweep_interval", d.LeaseSweepInterval)

	checkPort := func(key string, port int) {
		if port < 1 || port > 65535 {
			bad("%s %d is out of range", key, port)
		}
	}
	checkPort("discovery.port", cfg.Discovery.Port)
	checkPort("discovery.config_port", cfg.Discovery.ConfigPort)
	checkDuration("discovery.device_timeout", cfg.Discovery.DeviceTimeout)
	checkDuration("discovery.sweep_interval", cfg.Discovery.SweepInterval)

	p := cfg.Provision
	if p.AdvertiseIP != "" && net.ParseIP(p.AdvertiseIP).To4() == nil {
		bad("provision.advertise_ip %q is not a valid IPv4 address", p.AdvertiseIP)
	}
	checkDuration("provision.read_timeout", p.ReadTimeout)
	checkDuration("provision.send_timeout", p.SendTimeout)
	checkPort("provision.http_port", p.HTTPPort)
	checkPort("provision.mqtt_port", p.MQTTPort)

	if cfg.API.Enabled {
		if _, _, err := net.SplitHostPort(cfg.API.Listen); err != nil {
			bad("api.listen %q: %w", cfg.API.Listen, err)
		}
	}
	if h := cfg.API.AuthTokenHash; h != "" && !strings.HasPrefix(h, "$2") {
		bad("api.auth_token_hash is not a bcrypt hash")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// LeaseTime returns the DHCP lease duration.
func (c *DHCPConfig) LeaseTime() time.Duration {
	return time.Duration(c.LeaseSeconds) * time.Second
}

// Durations parsed from their string form. Invalid values have already
// been rejected by validate, so these fall back to defaults only for
// hand-built configs.

func (c *DHCPConfig) OfferRetryEvery() time.Duration {
	return parseOr(c.OfferRetryInterval, DefaultOfferRetryInterval)
}

func (c *DHCPConfig) PendingTTL() time.Duration {
	return parseOr(c.PendingTimeout, DefaultPendingTimeout)
}

func (c *DHCPConfig) PendingSweepEvery() time.Duration {
	return parseOr(c.PendingSweepInterval, DefaultPendingSweepInterval)
}

func (c *DHCPConfig) LeaseSweepEvery() time.Duration {
	return parseOr(c.LeaseSweepInterval, DefaultLeaseSweepInterval)
}

func (c *DiscoveryConfig) Timeout() time.Duration {
	return parseOr(c.DeviceTimeout, DefaultDeviceTimeout)
}

func (c *DiscoveryConfig) SweepEvery() time.Duration {
	return parseOr(c.SweepInterval, DefaultSweepInterval)
}

func (c *ProvisionConfig) ReadTTL() time.Duration {
	return parseOr(c.ReadTimeout, DefaultReadTimeout)
}

func (c *ProvisionConfig) SendTTL() time.Duration {
	return parseOr(c.SendTimeout, DefaultSendTimeout)
}

func parseOr(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// Normalize fills defaults into cfg and validates it. Used for configs
// built in code rather than loaded from a file.
func Normalize(cfg *Config) error {
	applyDefaults(cfg)
	return validate(cfg)
}

// Clone returns a deep copy of cfg.
func (cfg *Config) Clone() *Config {
	c := *cfg
	c.DHCP.DNSServers = append([]string(nil), cfg.DHCP.DNSServers...)
	return &c
}
