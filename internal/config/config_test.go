package config

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const fullConfig = `
[server]
log_level = "debug"
lease_db = "/tmp/leases.db"

[dhcp]
enabled = true
interface = "eth1"
interface_ip = "192.168.4.1"
gateway = "192.168.4.1"
netmask = "255.255.255.0"
dns_servers = ["1.1.1.1"]
pool_start = "192.168.4.50"
pool_end = "192.168.4.60"
port = 1067
lease_seconds = 600
offer_retries = 0

[discovery]
port = 5210
device_timeout = "20s"

[provision]
read_timeout = "1s"
http_port = 9000

[api]
listen = "0.0.0.0:9068"
unknown_key = "ignored"
`

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeTestConfig(t, fullConfig))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.Server.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.Server.LogLevel, "debug")
	}
	if cfg.DHCP.Interface != "eth1" {
		t.Errorf("Interface = %q, want %q", cfg.DHCP.Interface, "eth1")
	}
	if len(cfg.DHCP.DNSServers) != 1 || cfg.DHCP.DNSServers[0] != "1.1.1.1" {
		t.Errorf("DNSServers = %v, want [1.1.1.1]", cfg.DHCP.DNSServers)
	}
	if cfg.DHCP.Port != 1067 {
		t.Errorf("Port = %d, want 1067", cfg.DHCP.Port)
	}
	if cfg.DHCP.LeaseTime() != 10*time.Minute {
		t.Errorf("LeaseTime = %v, want 10m", cfg.DHCP.LeaseTime())
	}
	if cfg.DHCP.OfferRetries != 0 {
		t.Errorf("OfferRetries = %d, want 0", cfg.DHCP.OfferRetries)
	}
	if cfg.Discovery.Port != 5210 {
		t.Errorf("Discovery.Port = %d, want 5210", cfg.Discovery.Port)
	}
	if cfg.Discovery.Timeout() != 20*time.Second {
		t.Errorf("Discovery.Timeout = %v, want 20s", cfg.Discovery.Timeout())
	}
	if cfg.Provision.ReadTTL() != time.Second {
		t.Errorf("ReadTTL = %v, want 1s", cfg.Provision.ReadTTL())
	}
	if cfg.API.Listen != "0.0.0.0:9068" {
		t.Errorf("API.Listen = %q, want %q", cfg.API.Listen, "0.0.0.0:9068")
	}
}

func TestLoadEmptyConfigUsesDefaults(t *testing.T) {
	cfg, err := Load(writeTestConfig(t, ""))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if !cfg.DHCP.Enabled || !cfg.Discovery.Enabled || !cfg.API.Enabled {
		t.Errorf("subsystems should default to enabled: %+v", cfg)
	}
	if cfg.DHCP.Port != DefaultDHCPPort {
		t.Errorf("Port = %d, want %d", cfg.DHCP.Port, DefaultDHCPPort)
	}
	if cfg.DHCP.Netmask != DefaultNetmask {
		t.Errorf("Netmask = %q, want %q", cfg.DHCP.Netmask, DefaultNetmask)
	}
	if len(cfg.DHCP.DNSServers) != 2 {
		t.Errorf("DNSServers = %v, want defaults", cfg.DHCP.DNSServers)
	}
	if cfg.DHCP.LeaseTime() != 2*time.Hour {
		t.Errorf("LeaseTime = %v, want 2h", cfg.DHCP.LeaseTime())
	}
	if cfg.DHCP.OfferRetries != DefaultOfferRetries {
		t.Errorf("OfferRetries = %d, want %d", cfg.DHCP.OfferRetries, DefaultOfferRetries)
	}
	if cfg.DHCP.PendingTTL() != 30*time.Second {
		t.Errorf("PendingTTL = %v, want 30s", cfg.DHCP.PendingTTL())
	}
	if cfg.Discovery.ConfigPort != 4211 {
		t.Errorf("ConfigPort = %d, want 4211", cfg.Discovery.ConfigPort)
	}
	if cfg.Discovery.Timeout() != 11*time.Second {
		t.Errorf("DeviceTimeout = %v, want 11s", cfg.Discovery.Timeout())
	}
	if cfg.Provision.SendTTL() != 5*time.Second {
		t.Errorf("SendTTL = %v, want 5s", cfg.Provision.SendTTL())
	}
	if cfg.Provision.MQTTUsername != "device" || cfg.Provision.MQTTPassword != "123456" {
		t.Errorf("MQTT credentials = %q/%q", cfg.Provision.MQTTUsername, cfg.Provision.MQTTPassword)
	}
}

func TestLoadDisabledSubsystem(t *testing.T) {
	cfg, err := Load(writeTestConfig(t, "[dhcp]\nenabled = false\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.DHCP.Enabled {
		t.Error("DHCP.Enabled = true, want false")
	}
	if !cfg.Discovery.Enabled {
		t.Error("Discovery.Enabled = false, want true")
	}
}

func TestLoadConfigFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path.toml")
	if err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestLoadConfigInvalidTOML(t *testing.T) {
	path := writeTestConfig(t, "this is not valid toml {{{{")
	_, err := Load(path)
	if err == nil {
		t.Error("expected error for invalid TOML")
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.DHCP.Gateway = "not-an-ip"
	cfg.DHCP.PoolStart = "10.0.0.1"
	cfg.DHCP.Port = 70000
	cfg.DHCP.LeaseSeconds = 30
	cfg.Discovery.DeviceTimeout = "soon"

	err := validate(cfg)
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("validate() = %v, want ErrInvalid", err)
	}
	for _, want := range []string{
		"dhcp.gateway",
		"pool_start and dhcp.pool_end",
		"dhcp.port 70000",
		"lease_seconds 30",
		"discovery.device_timeout",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestValidateCases(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"bad log level", func(c *Config) { c.Server.LogLevel = "loud" }, true},
		{"interface ip without interface", func(c *Config) { c.DHCP.InterfaceIP = "10.0.0.1" }, true},
		{"ipv6 dns", func(c *Config) { c.DHCP.DNSServers = []string{"::1"} }, true},
		{"negative retries", func(c *Config) { c.DHCP.OfferRetries = -1 }, true},
		{"zero pending timeout", func(c *Config) { c.DHCP.PendingTimeout = "0s" }, true},
		{"bad api listen", func(c *Config) { c.API.Listen = "nope" }, true},
		{"api listen ignored when disabled", func(c *Config) { c.API.Enabled = false; c.API.Listen = "nope" }, false},
		{"plain token hash", func(c *Config) { c.API.AuthTokenHash = "secret" }, true},
		{"bcrypt token hash", func(c *Config) { c.API.AuthTokenHash = "$2a$10$abc" }, false},
		{"bad advertise ip", func(c *Config) { c.Provision.AdvertiseIP = "host" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := validate(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseOrFallsBack(t *testing.T) {
	c := &DHCPConfig{PendingTimeout: "garbage"}
	if got := c.PendingTTL(); got != DefaultPendingTimeout {
		t.Errorf("PendingTTL = %v, want %v", got, DefaultPendingTimeout)
	}
}

func TestWriteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lanprovd.toml")
	cfg := Default()
	cfg.DHCP.Interface = "wlan0"

	if err := Write(path, cfg); err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if err := Write(path, cfg); err != nil {
		t.Fatalf("second Write error: %v", err)
	}
	if _, err := os.Stat(path + ".bak"); err != nil {
		t.Errorf("backup missing: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if got.DHCP.Interface != "wlan0" {
		t.Errorf("Interface = %q, want %q", got.DHCP.Interface, "wlan0")
	}
}

func TestWatchReloads(t *testing.T) {
	path := writeTestConfig(t, "[dhcp]\nport = 1067\n")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, logger, func(c *Config) { reloaded <- c })
	}()
	time.Sleep(100 * time.Millisecond)

	// An invalid file is skipped.
	if err := os.WriteFile(path, []byte("[dhcp]\nport = 0\nlease_seconds = 1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(400 * time.Millisecond)
	if err := os.WriteFile(path, []byte("[dhcp]\nport = 2067\n"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-reloaded:
		if c.DHCP.Port != 2067 {
			t.Errorf("reloaded Port = %d, want 2067", c.DHCP.Port)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestNormalizeAndClone(t *testing.T) {
	cfg := &Config{DHCP: DHCPConfig{Enabled: true}}
	if err := Normalize(cfg); err != nil {
		t.Fatalf("Normalize error: %v", err)
	}
	if cfg.DHCP.Port != DefaultDHCPPort {
		t.Errorf("Port = %d, want %d", cfg.DHCP.Port, DefaultDHCPPort)
	}

	cfg.DHCP.DNSServers = []string{"1.1.1.1"}
	c := cfg.Clone()
	c.DHCP.DNSServers[0] = "9.9.9.9"
	if cfg.DHCP.DNSServers[0] != "1.1.1.1" {
		t.Error("Clone shares DNSServers with the original")
	}
}
