package provision

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeDevice listens on loopback and answers each datagram with
// respond(request), sending every returned payload back in order.
type fakeDevice struct {
	conn     *net.UDPConn
	received chan map[string]any
}

func startFakeDevice(t *testing.T, respond func(req map[string]any) [][]byte) *fakeDevice {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	d := &fakeDevice{conn: conn, received: make(chan map[string]any, 16)}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 4096)
		for {
			n, src, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			var req map[string]any
			if json.Unmarshal(buf[:n], &req) != nil {
				continue
			}
			d.received <- req
			if respond == nil {
				continue
			}
			for _, out := range respond(req) {
				conn.WriteToUDP(out, src)
			}
		}
	}()
	return d
}

func (d *fakeDevice) port() int {
	return d.conn.LocalAddr().(*net.UDPAddr).Port
}

func (d *fakeDevice) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case req := <-d.received:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("device received nothing")
		return nil
	}
}

func newTestClient(port int, readTimeout time.Duration) *Client {
	return NewClient(Options{
		ConfigPort:  port,
		ReadTimeout: readTimeout,
		AdvertiseIP: "192.168.1.1",
	}, testLogger())
}

func TestReadConfigReply(t *testing.T) {
	dev := startFakeDevice(t, func(req map[string]any) [][]byte {
		if req["type"] != TypeReadConfig {
			return nil
		}
		return [][]byte{[]byte(`{"type":"config","ssid":"lab","interval":30}`)}
	})
	c := newTestClient(dev.port(), time.Second)

	cfg, err := c.ReadConfig(context.Background(), "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "lab", cfg["ssid"])
	assert.Equal(t, float64(30), cfg["interval"])

	req := dev.next(t)
	assert.Equal(t, TypeReadConfig, req["type"])
}

func TestReadConfigSkipsGarbage(t *testing.T) {
	dev := startFakeDevice(t, func(map[string]any) [][]byte {
		return [][]byte{
			[]byte(`not json`),
			[]byte(`{"type":"status"}`),
			[]byte(`{"type":"config","ssid":"after"}`),
		}
	})
	c := newTestClient(dev.port(), time.Second)

	cfg, err := c.ReadConfig(context.Background(), "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "after", cfg["ssid"])
}

func TestReadConfigTimeout(t *testing.T) {
	dev := startFakeDevice(t, nil)
	c := NewClient(Options{ConfigPort: dev.port(), AdvertiseIP: "192.168.1.1"}, testLogger())
	require.Equal(t, 3*time.Second, c.Options().ReadTimeout)

	start := time.Now()
	cfg, err := c.ReadConfig(context.Background(), "127.0.0.1")
	elapsed := time.Since(start)

	assert.Nil(t, cfg)
	require.ErrorIs(t, err, ErrTimeout)
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, TypeReadConfig, te.Command)
	assert.Equal(t, 3*time.Second, te.After)
	assert.GreaterOrEqual(t, elapsed, 3*time.Second)
	assert.Less(t, elapsed, 5*time.Second)
}

func TestReadConfigWrongTypeTimesOut(t *testing.T) {
	dev := startFakeDevice(t, func(map[string]any) [][]byte {
		return [][]byte{[]byte(`{"type":"read_config"}`)}
	})
	c := newTestClient(dev.port(), 200*time.Millisecond)

	_, err := c.ReadConfig(context.Background(), "127.0.0.1")
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestReadConfigCancelled(t *testing.T) {
	dev := startFakeDevice(t, nil)
	c := newTestClient(dev.port(), 10*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err := c.ReadConfig(ctx, "127.0.0.1")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestInvalidTarget(t *testing.T) {
	c := newTestClient(DefaultConfigPort, time.Second)
	ctx := context.Background()

	_, err := c.ReadConfig(ctx, "not-an-ip")
	assert.ErrorIs(t, err, ErrInvalidTarget)
	assert.ErrorIs(t, c.Reboot(ctx, "::1"), ErrInvalidTarget)
	assert.ErrorIs(t, c.SendConfig(ctx, "", Config{"a": 1}), ErrInvalidTarget)
}

func TestSendConfig(t *testing.T) {
	dev := startFakeDevice(t, nil)
	c := newTestClient(dev.port(), time.Second)

	require.NoError(t, c.SendConfig(context.Background(), "127.0.0.1", Config{"ssid": "lab", "type": "bogus"}))

	req := dev.next(t)
	assert.Equal(t, TypeConfig, req["type"])
	assert.Equal(t, "lab", req["ssid"])
}

func TestUpgradeCommand(t *testing.T) {
	dev := startFakeDevice(t, nil)
	c := newTestClient(dev.port(), time.Second)
	c.now = func() time.Time { return time.UnixMilli(1767225600123) }

	size := int64(4096)
	cmd, err := c.Upgrade(context.Background(), "127.0.0.1", UpgradeRequest{FileName: "fw v2.bin", FileSize: &size})
	require.NoError(t, err)
	assert.Equal(t, "http://192.168.1.1:8080/download/fw%20v2.bin", cmd.DownloadURL)

	req := dev.next(t)
	assert.Equal(t, TypeUpgrade, req["type"])
	assert.Equal(t, "fw v2.bin", req["fileName"])
	assert.Equal(t, "http://192.168.1.1:8080/download/fw%20v2.bin", req["downloadUrl"])
	assert.Equal(t, float64(4096), req["fileSize"])
	assert.Equal(t, float64(1767225600123), req["timestamp"])
	assert.Equal(t, "192.168.1.1", req["ip"])
	assert.Equal(t, float64(1883), req["mqttPort"])
	assert.Equal(t, "device", req["mqttUsername"])
	assert.Equal(t, "123456", req["mqttPassword"])
}

func TestUpgradeWithoutSize(t *testing.T) {
	dev := startFakeDevice(t, nil)
	c := newTestClient(dev.port(), time.Second)

	_, err := c.Upgrade(context.Background(), "127.0.0.1", UpgradeRequest{FileName: "fw.bin"})
	require.NoError(t, err)
	req := dev.next(t)
	_, present := req["fileSize"]
	assert.False(t, present)
}

func TestUpgradeRequiresFileName(t *testing.T) {
	c := newTestClient(DefaultConfigPort, time.Second)
	_, err := c.Upgrade(context.Background(), "127.0.0.1", UpgradeRequest{})
	assert.Error(t, err)
}

func TestRebootAndConnectMQTT(t *testing.T) {
	dev := startFakeDevice(t, nil)
	c := newTestClient(dev.port(), time.Second)
	ctx := context.Background()

	require.NoError(t, c.Reboot(ctx, "127.0.0.1"))
	assert.Equal(t, map[string]any{"type": TypeReboot}, dev.next(t))

	require.NoError(t, c.ConnectMQTT(ctx, "127.0.0.1"))
	assert.Equal(t, map[string]any{"type": TypeConnectMQTT, "ip": "192.168.1.1"}, dev.next(t))
}

func TestSendCancelledContext(t *testing.T) {
	c := newTestClient(DefaultConfigPort, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Reboot(ctx, "127.0.0.1")
	var se *SendError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, TypeReboot, se.Command)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDefaults(t *testing.T) {
	o := NewClient(Options{}, testLogger()).Options()
	assert.Equal(t, DefaultConfigPort, o.ConfigPort)
	assert.Equal(t, DefaultReadTimeout, o.ReadTimeout)
	assert.Equal(t, DefaultSendTimeout, o.SendTimeout)
	assert.Equal(t, DefaultHTTPPort, o.HTTPPort)
	assert.Equal(t, DefaultMQTTPort, o.MQTTPort)
}
