package discovery

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestListener(t *testing.T, r *Registry) *Listener {
	t.Helper()
	l := NewListener(r, 0, testLogger())
	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(l.Stop)
	return l
}

func sendTo(t *testing.T, l *Listener, payload string) {
	t.Helper()
	c, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: l.LocalAddr().Port})
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Write([]byte(payload))
	require.NoError(t, err)
}

func TestListenerRegistersAnnouncement(t *testing.T) {
	r := NewRegistry(time.Minute, nil, testLogger())
	l := startTestListener(t, r)

	sendTo(t, l, `{"type":"discover","id":"esp-9","firmware":"1.2.3"}`)

	require.Eventually(t, func() bool { return r.Get("esp-9") != nil }, 2*time.Second, 10*time.Millisecond)
	d := r.Get("esp-9")
	assert.Equal(t, "1.2.3", d.Firmware)
	assert.Equal(t, "127.0.0.1", d.IP)
}

func TestListenerIgnoresOtherTraffic(t *testing.T) {
	r := NewRegistry(time.Minute, nil, testLogger())
	l := startTestListener(t, r)

	sendTo(t, l, `garbage`)
	sendTo(t, l, `{"type":"config","id":"esp-1"}`)
	sendTo(t, l, `{"type":"discover","id":"marker"}`)

	require.Eventually(t, func() bool { return r.Get("marker") != nil }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, r.Len())
}

func TestListenerStopIdempotent(t *testing.T) {
	r := NewRegistry(time.Minute, nil, testLogger())
	l := NewListener(r, 0, testLogger())
	require.NoError(t, l.Start(context.Background()))

	l.Stop()
	l.Stop()
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestListenerReadErrorStopsServing(t *testing.T) {
	var logs lockedBuffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelError}))
	r := NewRegistry(time.Minute, nil, logger)
	l := NewListener(r, 0, logger)
	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(l.Stop)
	assert.True(t, l.Serving())

	// Closing the socket without Stop makes the read fail.
	l.closeConn()

	require.Eventually(t, func() bool { return !l.Serving() }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, logs.String(), "level=ERROR")
	assert.Contains(t, logs.String(), "discovery read loop stopped")
}
