package dhcp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/lanprov/lanprovd/internal/lease"
	"github.com/lanprov/lanprovd/internal/metrics"
	"github.com/lanprov/lanprovd/pkg/dhcpv4"
)

// Server is the DHCPv4 UDP server. Packets are read and handled one at a
// time in arrival order.
type Server struct {
	handler *Handler
	logger  *slog.Logger

	conn *net.UDPConn
	pc   *ipv4.PacketConn

	mu        sync.Mutex
	started   time.Time
	running   bool
	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
	stopOnce  sync.Once
}

// NewServer creates a new DHCP server for handler.
func NewServer(handler *Handler, logger *slog.Logger) *Server {
	return &Server{
		handler: handler,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Addr returns the bind address for the configured port.
func (s *Server) Addr() string {
	return fmt.Sprintf(":%d", s.handler.settings.Port)
}

// Start opens the UDP socket and begins serving. A socket failure is
// returned as a *BindError.
func (s *Server) Start(ctx context.Context) error {
	settings := s.handler.settings
	addr := s.Addr()

	lc := net.ListenConfig{Control: socketControl(settings.Interface, s.logger)}
	pconn, err := lc.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		return &BindError{
			Addr:           addr,
			Err:            err,
			PrivilegedPort: settings.Port > 0 && settings.Port < 1024,
		}
	}
	s.conn = pconn.(*net.UDPConn)

	s.pc = ipv4.NewPacketConn(s.conn)
	if err := s.pc.SetControlMessage(ipv4.FlagInterface, true); err != nil {
		s.logger.Debug("interface control messages unavailable", "error", err)
	}

	s.handler.leases.OnRetransmit(s.retransmit)

	s.mu.Lock()
	s.started = time.Now()
	s.running = true
	s.mu.Unlock()

	s.logger.Info("DHCP server started",
		"address", s.conn.LocalAddr().String(),
		"interface", settings.Interface,
		"server_ip", settings.ServerIP.String(),
		"pool", fmt.Sprintf("%s-%s", settings.PoolStart, settings.PoolEnd))

	s.wg.Add(1)
	go s.serve()

	go func() {
		select {
		case <-ctx.Done():
			s.closeConn()
		case <-s.done:
		}
	}()
	return nil
}

// LocalAddr returns the bound socket address, or nil before Start.
func (s *Server) LocalAddr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// serve is the main packet processing loop.
func (s *Server) serve() {
	defer s.wg.Done()

	buf := GetBuffer()
	defer PutBuffer(buf)

	for {
		n, cm, src, err := s.pc.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if !s.isRunning() {
				return
			}
			s.logger.Error("reading UDP packet", "error", err)
			continue
		}

		udpSrc, _ := src.(*net.UDPAddr)
		ifIndex := 0
		if cm != nil {
			ifIndex = cm.IfIndex
		}
		if want := s.handler.settings.IfIndex; want != 0 && ifIndex != 0 && ifIndex != want {
			s.handler.stats.dropped.Add(1)
			s.logger.Debug("dropping packet from other interface",
				"if_index", ifIndex,
				"src", src.String())
			continue
		}
		s.processPacket(buf[:n], udpSrc, ifIndex)
	}
}

// processPacket handles a single DHCP packet. Nothing raised while
// handling escapes the read loop.
func (s *Server) processPacket(data []byte, src *net.UDPAddr, ifIndex int) {
	defer func() {
		if r := recover(); r != nil {
			metrics.PacketErrors.WithLabelValues("panic").Inc()
			s.handler.stats.dropped.Add(1)
			s.logger.Error("recovered panic handling DHCP packet",
				"panic", fmt.Sprint(r),
				"src", addrString(src))
		}
	}()

	pkt, err := DecodePacket(data)
	if err != nil {
		metrics.PacketErrors.WithLabelValues("decode").Inc()
		s.handler.stats.dropped.Add(1)
		s.logger.Debug("dropping malformed packet",
			"error", err,
			"src", addrString(src),
			"size", len(data))
		return
	}
	pkt.IfIndex = ifIndex

	// Validate it's a BOOTREQUEST
	if pkt.Op != dhcpv4.OpCodeBootRequest {
		s.handler.stats.dropped.Add(1)
		return
	}
	if pkt.Truncated {
		metrics.PacketErrors.WithLabelValues("truncated").Inc()
	}

	msgType := pkt.MessageType().String()
	metrics.PacketsReceived.WithLabelValues(msgType).Inc()
	start := time.Now()

	reply, err := s.handler.HandlePacket(pkt)

	metrics.PacketProcessingDuration.WithLabelValues(msgType).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.PacketErrors.WithLabelValues("handler").Inc()
		s.logger.Error("handling DHCP packet",
			"error", err,
			"mac", pkt.MAC(),
			"msg_type", msgType)
		return
	}
	if reply == nil {
		return
	}

	// A failed send leaves the committed state in place.
	if err := s.send(reply, s.getReplyDestination(pkt, reply)); err != nil {
		s.logger.Error("sending reply",
			"error", err,
			"mac", pkt.MAC(),
			"msg_type", reply.MessageType().String())
	}
}

// retransmit resends the OFFER for a still-open transaction.
func (s *Server) retransmit(p *lease.PendingTransaction) {
	reply, err := s.handler.OfferFor(p)
	if err != nil {
		s.logger.Error("rebuilding offer", "mac", p.MAC, "error", err)
		return
	}
	dst := &net.UDPAddr{IP: s.handler.settings.Broadcast(), Port: s.handler.settings.clientPort()}
	if err := s.send(reply, dst); err != nil {
		s.logger.Error("retransmitting offer", "mac", p.MAC, "error", err)
	}
}

func (s *Server) send(reply *Packet, dst *net.UDPAddr) error {
	data, err := reply.Encode()
	if err != nil {
		metrics.PacketErrors.WithLabelValues("encode").Inc()
		return fmt.Errorf("encoding %s: %w", reply.MessageType(), err)
	}

	var cm *ipv4.ControlMessage
	if idx := s.handler.settings.IfIndex; idx != 0 {
		cm = &ipv4.ControlMessage{IfIndex: idx}
	}
	if _, err := s.pc.WriteTo(data, cm, dst); err != nil {
		metrics.PacketErrors.WithLabelValues("send").Inc()
		return fmt.Errorf("writing to %s: %w", dst, err)
	}
	metrics.PacketsSent.WithLabelValues(reply.MessageType().String()).Inc()
	return nil
}

// getReplyDestination determines where to send the reply.
// RFC 2131 §4.1: a client with ciaddr set is unicast, everything else,
// and every NAK, goes to the subnet broadcast address.
func (s *Server) getReplyDestination(request, reply *Packet) *net.UDPAddr {
	port := s.handler.settings.clientPort()
	if reply.MessageType() != dhcpv4.MessageTypeNak && request.HasClientIP() {
		return &net.UDPAddr{IP: request.CIAddr, Port: port}
	}
	bc := s.handler.settings.Broadcast()
	if bc == nil {
		bc = net.IPv4bcast
	}
	return &net.UDPAddr{IP: bc, Port: port}
}

// Uptime returns how long the server has been running.
func (s *Server) Uptime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return 0
	}
	return time.Since(s.started)
}

func (s *Server) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Server) closeConn() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		if s.conn != nil {
			s.conn.Close()
		}
	})
}

// Stop closes the socket and waits for the read loop to exit. The lease
// engine's retransmit hook is cleared first so no send happens after Stop
// returns. Safe to call more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.handler.leases.OnRetransmit(nil)
		close(s.done)
		s.closeConn()
		s.wg.Wait()
		s.logger.Info("DHCP server stopped")
	})
}

// Handler returns the packet handler.
func (s *Server) Handler() *Handler {
	return s.handler
}

func addrString(a *net.UDPAddr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
