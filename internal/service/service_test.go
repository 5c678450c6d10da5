package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanprov/lanprovd/internal/config"
	"github.com/lanprov/lanprovd/internal/dhcp"
	"github.com/lanprov/lanprovd/internal/events"
	"github.com/lanprov/lanprovd/internal/lease"
	"github.com/lanprov/lanprovd/internal/netaddr"
	"github.com/lanprov/lanprovd/internal/provision"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func freePort(t *testing.T) int {
	t.Helper()
	c, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := c.LocalAddr().(*net.UDPAddr).Port
	c.Close()
	return port
}

var loopbackInterfaces = []netaddr.Interface{{
	Name:      "lo",
	Index:     1,
	IP:        "127.0.0.1",
	MAC:       "00:00:00:00:00:00",
	Netmask:   "255.0.0.0",
	Broadcast: "127.255.255.255",
	Internal:  true,
	Up:        true,
}}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.LeaseDB = filepath.Join(t.TempDir(), "leases.db")
	cfg.DHCP.Interface = "lo"
	cfg.DHCP.InterfaceIP = "127.0.0.1"
	cfg.DHCP.Netmask = "255.0.0.0"
	cfg.DHCP.PoolStart = "127.0.0.100"
	cfg.DHCP.PoolEnd = "127.0.0.102"
	cfg.DHCP.Port = freePort(t)
	cfg.DHCP.LeaseSeconds = 3600
	cfg.Discovery.Port = 0
	cfg.Provision.AdvertiseIP = "127.0.0.1"
	cfg.Provision.ReadTimeout = "500ms"
	return cfg
}

func newTestService(t *testing.T, cfg *config.Config) (*Service, chan events.Event) {
	t.Helper()
	bus := events.NewBus(100, testLogger())
	go bus.Start()
	t.Cleanup(bus.Stop)
	ch := bus.Subscribe(100)

	s := New(cfg, bus, testLogger())
	s.interfaces = func() ([]netaddr.Interface, error) { return loopbackInterfaces, nil }
	t.Cleanup(s.Close)
	return s, ch
}

func waitEvent(t *testing.T, ch chan events.Event, want events.EventType) events.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Type == want {
				return evt
			}
		case <-deadline:
			t.Fatalf("no %s event", want)
			return events.Event{}
		}
	}
}

func TestBuildSettingsDefaults(t *testing.T) {
	ifaces := []netaddr.Interface{{Name: "eth0", Index: 2, IP: "192.168.1.10", Netmask: "255.255.255.0"}}
	c := config.Default().DHCP

	s, sel, err := BuildSettings(c, ifaces)
	require.NoError(t, err)
	assert.False(t, sel.Fallback)
	assert.Equal(t, "eth0", s.Interface)
	assert.Equal(t, 2, s.IfIndex)
	assert.Equal(t, "192.168.1.10", s.ServerIP.String())
	assert.Equal(t, "192.168.1.10", s.Gateway.String())
	assert.Equal(t, "192.168.1.0", s.Subnet.String())
	assert.Equal(t, "192.168.1.100", s.PoolStart.String())
	assert.Equal(t, "192.168.1.200", s.PoolEnd.String())
	assert.Equal(t, "192.168.1.255", s.Broadcast().String())
	assert.Len(t, s.DNS, 2)
	assert.Equal(t, 67, s.Port)
	assert.Equal(t, 2*time.Hour, s.LeaseTime)
}

func TestBuildSettingsFallback(t *testing.T) {
	s, sel, err := BuildSettings(config.Default().DHCP, nil)
	require.NoError(t, err)
	assert.True(t, sel.Fallback)
	assert.Equal(t, netaddr.FallbackInterface, s.Interface)
	assert.Equal(t, netaddr.FallbackIP, s.ServerIP.String())
	assert.Equal(t, netaddr.FallbackBroadcast, s.Broadcast().String())
}

func TestBuildSettingsInvalidPool(t *testing.T) {
	c := config.Default().DHCP
	c.PoolStart = "10.9.9.1"
	c.PoolEnd = "10.9.9.5"

	_, _, err := BuildSettings(c, loopbackInterfaces)
	require.Error(t, err)
	assert.True(t, dhcp.IsValidationError(err))
}

func TestStartStopDHCP(t *testing.T) {
	cfg := testConfig(t)
	s, ch := newTestService(t, cfg)

	assert.False(t, s.Status().Running)

	st, err := s.StartDHCP(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.Equal(t, "lo", st.Interface)
	assert.Equal(t, "127.0.0.1", st.IP)
	assert.Equal(t, "255.0.0.0", st.Netmask)
	assert.Equal(t, "127.255.255.255", st.Broadcast)
	assert.Equal(t, cfg.DHCP.Port, st.Port)
	assert.Equal(t, 3, st.TotalIPs)
	assert.Equal(t, 3, st.AvailableIPs)
	started := waitEvent(t, ch, events.EventDHCPStarted)
	assert.Equal(t, cfg.DHCP.Port, started.Server.Port)

	again, err := s.StartDHCP(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, again.Running)

	s.StopDHCP()
	s.StopDHCP()
	waitEvent(t, ch, events.EventDHCPStopped)
	assert.False(t, s.Status().Running)

	_, err = s.ListLeases()
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestStartDHCPBindFailure(t *testing.T) {
	cfg := testConfig(t)
	holder, err := net.ListenUDP("udp4", &net.UDPAddr{Port: cfg.DHCP.Port})
	require.NoError(t, err)
	defer holder.Close()

	s, ch := newTestService(t, cfg)
	_, err = s.StartDHCP(context.Background(), nil)
	var be *dhcp.BindError
	require.ErrorAs(t, err, &be)
	waitEvent(t, ch, events.EventDHCPError)
	assert.False(t, s.Status().Running)
}

func TestStartDHCPOverrideValidation(t *testing.T) {
	s, _ := newTestService(t, testConfig(t))
	c := s.Config().DHCP
	c.LeaseSeconds = 10

	_, err := s.StartDHCP(context.Background(), &c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lease_seconds")
}

func TestLeaseOperations(t *testing.T) {
	s, _ := newTestService(t, testConfig(t))
	_, err := s.StartDHCP(context.Background(), nil)
	require.NoError(t, err)

	l, err := s.Assign("aa-bb-cc-dd-ee-01", "127.0.0.101", "sensor")
	require.NoError(t, err)
	assert.Equal(t, "AA:BB:CC:DD:EE:01", l.MAC)
	assert.True(t, l.Manual)

	_, err = s.Assign("AA:BB:CC:DD:EE:02", "127.0.0.101", "")
	assert.ErrorIs(t, err, lease.ErrIPInUse)

	_, err = s.Assign("not-a-mac", "127.0.0.102", "")
	assert.ErrorIs(t, err, ErrInvalidMAC)

	_, err = s.Assign("AA:BB:CC:DD:EE:02", "nope", "")
	assert.ErrorIs(t, err, lease.ErrInvalidIP)

	leases, err := s.ListLeases()
	require.NoError(t, err)
	require.Len(t, leases, 1)
	assert.Equal(t, 1, s.Status().ActiveLeases)
	assert.Equal(t, 2, s.Status().AvailableIPs)

	ok, err := s.Renew("AA:BB:CC:DD:EE:01", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Renew("AA:BB:CC:DD:EE:09", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Release("aa:bb:cc:dd:ee:01")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Release("aa:bb:cc:dd:ee:01")
	require.NoError(t, err)
	assert.False(t, ok)

	pending, err := s.PendingTransactions()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestLeasesPersistAcrossRestart(t *testing.T) {
	s, _ := newTestService(t, testConfig(t))
	_, err := s.StartDHCP(context.Background(), nil)
	require.NoError(t, err)
	_, err = s.Assign("AA:BB:CC:DD:EE:01", "127.0.0.100", "")
	require.NoError(t, err)

	s.StopDHCP()
	_, err = s.StartDHCP(context.Background(), nil)
	require.NoError(t, err)

	leases, err := s.ListLeases()
	require.NoError(t, err)
	require.Len(t, leases, 1)
	assert.Equal(t, "127.0.0.100", leases[0].IP.String())
}

func TestReconfigureRestartsDHCP(t *testing.T) {
	cfg := testConfig(t)
	s, _ := newTestService(t, cfg)
	_, err := s.StartDHCP(context.Background(), nil)
	require.NoError(t, err)

	next := cfg.Clone()
	next.DHCP.Port = freePort(t)
	require.NoError(t, s.Reconfigure(context.Background(), next))
	st := s.Status()
	assert.True(t, st.Running)
	assert.Equal(t, next.DHCP.Port, st.Port)

	disabled := next.Clone()
	disabled.DHCP.Enabled = false
	require.NoError(t, s.Reconfigure(context.Background(), disabled))
	assert.False(t, s.Status().Running)
}

// fakeDevice announces itself to the listener and answers provisioning
// datagrams on its own socket, which doubles as the config port.
type fakeDevice struct {
	conn     *net.UDPConn
	received chan map[string]any
}

func startFakeDevice(t *testing.T) *fakeDevice {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	d := &fakeDevice{conn: conn, received: make(chan map[string]any, 16)}

	go func() {
		buf := make([]byte, 4096)
		for {
			n, src, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			var msg map[string]any
			if json.Unmarshal(buf[:n], &msg) != nil {
				continue
			}
			d.received <- msg
			if msg["type"] == provision.TypeReadConfig {
				conn.WriteToUDP([]byte(`{"type":"config","ssid":"lab"}`), src)
			}
		}
	}()
	return d
}

func (d *fakeDevice) port() int {
	return d.conn.LocalAddr().(*net.UDPAddr).Port
}

func (d *fakeDevice) announce(t *testing.T, listener *net.UDPAddr, id string) {
	t.Helper()
	_, err := d.conn.WriteToUDP([]byte(`{"type":"discover","id":"`+id+`","firmware":"2.0"}`),
		&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: listener.Port})
	require.NoError(t, err)
}

func (d *fakeDevice) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case msg := <-d.received:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("device received nothing")
		return nil
	}
}

func startDiscoveryWithDevice(t *testing.T) (*Service, *fakeDevice, chan events.Event) {
	t.Helper()
	dev := startFakeDevice(t)
	cfg := testConfig(t)
	cfg.Discovery.ConfigPort = dev.port()
	s, ch := newTestService(t, cfg)

	require.NoError(t, s.StartDiscovery(context.Background()))
	waitEvent(t, ch, events.EventDiscoveryStarted)
	dev.announce(t, s.disc.listener.LocalAddr(), "esp-1")
	require.Eventually(t, func() bool {
		_, err := s.GetDevice("esp-1")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	return s, dev, ch
}

func TestDevicesAndProvisioning(t *testing.T) {
	s, dev, ch := startDiscoveryWithDevice(t)
	ctx := context.Background()

	discovered := waitEvent(t, ch, events.EventDeviceDiscovered)
	assert.Equal(t, "esp-1", discovered.Device.ID)

	devices := s.ListDevices()
	require.Len(t, devices, 1)
	assert.Equal(t, "2.0", devices[0].Firmware)
	assert.Equal(t, "127.0.0.1", devices[0].IP)

	_, err := s.GetDevice("missing")
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	require.NoError(t, s.SendConfig(ctx, "esp-1", provision.Config{"ssid": "lab"}))
	assert.Equal(t, provision.TypeConfig, dev.next(t)["type"])

	cfg, err := s.ReadConfig(ctx, "esp-1")
	require.NoError(t, err)
	assert.Equal(t, "lab", cfg["ssid"])
	assert.Equal(t, provision.TypeReadConfig, dev.next(t)["type"])

	require.NoError(t, s.Reboot(ctx, "esp-1"))
	assert.Equal(t, provision.TypeReboot, dev.next(t)["type"])

	require.NoError(t, s.ConnectMQTT(ctx, "esp-1"))
	assert.Equal(t, "127.0.0.1", dev.next(t)["ip"])

	cmd, err := s.Upgrade(ctx, "esp-1", provision.UpgradeRequest{FileName: "fw.bin"})
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8080/download/fw.bin", cmd.DownloadURL)
	assert.Equal(t, provision.TypeUpgrade, dev.next(t)["type"])

	assert.ErrorIs(t, s.Reboot(ctx, "missing"), ErrDeviceNotFound)
}

func TestSaveConfigs(t *testing.T) {
	s, dev, _ := startDiscoveryWithDevice(t)

	res, err := s.SaveConfigs(context.Background(), map[string]provision.Config{
		"esp-1":   {"ssid": "lab"},
		"missing": {"ssid": "x"},
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	require.Len(t, res.Results, 2)
	assert.Equal(t, DeviceResult{DeviceID: "esp-1", Success: true}, res.Results[0])
	assert.Equal(t, "missing", res.Results[1].DeviceID)
	assert.False(t, res.Results[1].Success)
	assert.Contains(t, res.Results[1].Error, "device not found")

	assert.Equal(t, "lab", dev.next(t)["ssid"])
}

func TestDiscoveryStopped(t *testing.T) {
	s, _ := newTestService(t, testConfig(t))

	assert.Empty(t, s.ListDevices())
	_, err := s.GetDevice("esp-1")
	assert.ErrorIs(t, err, ErrNotRunning)
	_, err = s.SaveConfigs(context.Background(), map[string]provision.Config{"a": {}})
	assert.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, s.StartDiscovery(context.Background()))
	assert.True(t, s.DiscoveryRunning())
	s.StopDiscovery()
	s.StopDiscovery()
	assert.False(t, s.DiscoveryRunning())
}
