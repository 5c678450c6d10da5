package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/lanprov/lanprovd/internal/metrics"
)

// DefaultPort is the UDP port devices announce on.
const DefaultPort = 4210

// maxDatagram bounds one announcement.
const maxDatagram = 2048

// Listener feeds announcements received on a UDP port into a Registry.
type Listener struct {
	registry *Registry
	logger   *slog.Logger
	addr     string

	conn      *net.UDPConn
	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
	stopOnce  sync.Once
	serving   atomic.Bool
}

// NewListener creates a listener for port. Port 0 picks an ephemeral port.
func NewListener(registry *Registry, port int, logger *slog.Logger) *Listener {
	return &Listener{
		registry: registry,
		logger:   logger,
		addr:     fmt.Sprintf(":%d", port),
		done:     make(chan struct{}),
	}
}

// Start binds the socket and starts the read loop.
func (l *Listener) Start(ctx context.Context) error {
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp4", l.addr)
	if err != nil {
		return fmt.Errorf("listening for announcements on %s: %w", l.addr, err)
	}
	l.conn = pc.(*net.UDPConn)
	l.logger.Info("discovery listener started", "address", l.conn.LocalAddr().String())

	l.serving.Store(true)
	l.wg.Add(1)
	go l.serve()

	go func() {
		select {
		case <-ctx.Done():
			l.closeConn()
		case <-l.done:
		}
	}()
	return nil
}

// LocalAddr returns the bound address, or nil before Start.
func (l *Listener) LocalAddr() *net.UDPAddr {
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr().(*net.UDPAddr)
}

// Serving reports whether the read loop is still receiving.
func (l *Listener) Serving() bool {
	return l.serving.Load()
}

func (l *Listener) serve() {
	defer l.wg.Done()
	defer l.serving.Store(false)

	buf := make([]byte, maxDatagram)
	for {
		n, src, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-l.done:
				return
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			l.logger.Error("discovery read loop stopped", "error", err)
			return
		}
		l.handle(buf[:n], src)
	}
}

// handle processes one datagram. Anything that is not a well-formed
// announcement is dropped.
func (l *Listener) handle(data []byte, src *net.UDPAddr) {
	a, err := ParseAnnouncement(data)
	if err != nil {
		metrics.Announcements.WithLabelValues("invalid").Inc()
		l.logger.Warn("dropping malformed discovery datagram",
			"src", src.String(),
			"error", err)
		return
	}
	if a.Type != MessageTypeDiscover {
		metrics.Announcements.WithLabelValues("ignored").Inc()
		l.logger.Debug("ignoring datagram", "src", src.String(), "type", a.Type)
		return
	}
	l.registry.Observe(a, src.IP.String())
}

func (l *Listener) closeConn() {
	l.closeOnce.Do(func() {
		if l.conn != nil {
			l.conn.Close()
		}
	})
}

// Stop closes the socket and waits for the read loop. Safe to call more
// than once.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() {
		close(l.done)
		l.closeConn()
		l.wg.Wait()
		l.logger.Info("discovery listener stopped")
	})
}
