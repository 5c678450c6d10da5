package dhcp

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/lanprov/lanprovd/internal/hostname"
	"github.com/lanprov/lanprovd/internal/lease"
	"github.com/lanprov/lanprovd/internal/netaddr"
	"github.com/lanprov/lanprovd/pkg/dhcpv4"
)

// Handler processes DHCP messages implementing the DORA cycle (RFC 2131).
// Leases are committed only when a REQUEST confirms an OFFER.
type Handler struct {
	settings Settings
	leases   *lease.Manager
	logger   *slog.Logger
	stats    Stats
}

// NewHandler creates a new DHCP message handler.
func NewHandler(settings Settings, leases *lease.Manager, logger *slog.Logger) *Handler {
	return &Handler{
		settings: settings,
		leases:   leases,
		logger:   logger,
	}
}

// Settings returns the addressing the handler serves.
func (h *Handler) Settings() Settings {
	return h.settings
}

// Leases returns the lease engine.
func (h *Handler) Leases() *lease.Manager {
	return h.leases
}

// Stats returns the message counters.
func (h *Handler) Stats() *Stats {
	return &h.stats
}

// HandlePacket dispatches a BOOTREQUEST to the handler for its message type.
// A nil reply means nothing is sent.
func (h *Handler) HandlePacket(pkt *Packet) (*Packet, error) {
	msgType := pkt.MessageType()

	h.logger.Debug("received DHCP packet",
		"msg_type", msgType.String(),
		"mac", pkt.MAC(),
		"xid", fmt.Sprintf("0x%08x", pkt.XID),
		"ciaddr", pkt.CIAddr.String(),
		"truncated", pkt.Truncated)

	switch msgType {
	case dhcpv4.MessageTypeDiscover:
		h.stats.discover.Add(1)
		return h.handleDiscover(pkt)
	case dhcpv4.MessageTypeRequest:
		h.stats.request.Add(1)
		return h.handleRequest(pkt)
	case dhcpv4.MessageTypeInform:
		h.stats.inform.Add(1)
		return h.handleInform(pkt)
	case dhcpv4.MessageTypeRelease:
		h.stats.release.Add(1)
		return nil, h.handleRelease(pkt)
	case dhcpv4.MessageTypeDecline:
		h.stats.decline.Add(1)
		h.handleDecline(pkt)
		return nil, nil
	default:
		h.stats.dropped.Add(1)
		h.logger.Debug("unsupported DHCP message type",
			"msg_type", msgType.String(),
			"mac", pkt.MAC())
		return nil, nil
	}
}

// handleDiscover processes DHCPDISCOVER → DHCPOFFER.
// RFC 2131 §4.3.1: server response to DHCPDISCOVER.
func (h *Handler) handleDiscover(pkt *Packet) (*Packet, error) {
	mac := pkt.MAC()
	name := hostname.Clean(pkt.Hostname())

	h.logger.Info("DHCPDISCOVER",
		"mac", mac,
		"hostname", name,
		"xid", fmt.Sprintf("0x%08x", pkt.XID))

	p, err := h.leases.Offer(mac, pkt.XID, name)
	if err != nil {
		if errors.Is(err, lease.ErrPoolExhausted) || errors.Is(err, lease.ErrClosed) {
			h.stats.dropped.Add(1)
			return nil, nil
		}
		return nil, err
	}

	h.stats.offer.Add(1)
	return h.buildOffer(pkt, p.IP), nil
}

// OfferFor rebuilds the OFFER for an open transaction, for retransmission.
func (h *Handler) OfferFor(p *lease.PendingTransaction) (*Packet, error) {
	hw, err := net.ParseMAC(p.MAC)
	if err != nil {
		return nil, fmt.Errorf("rebuilding offer for %s: %w", p.MAC, err)
	}
	req := &Packet{XID: p.XID, CHAddr: hw}
	h.stats.offer.Add(1)
	return h.buildOffer(req, p.IP), nil
}

func (h *Handler) buildOffer(pkt *Packet, ip net.IP) *Packet {
	reply := pkt.NewReply(dhcpv4.MessageTypeOffer, h.settings.ServerIP)
	reply.YIAddr = ip.To4()
	h.setSubnetOptions(reply, h.settings.LeaseTime)

	h.logger.Info("DHCPOFFER",
		"mac", pkt.MAC(),
		"ip", ip.String(),
		"xid", fmt.Sprintf("0x%08x", pkt.XID))
	return reply
}

// handleRequest processes DHCPREQUEST → DHCPACK or DHCPNAK.
// RFC 2131 §4.3.2: server response to DHCPREQUEST.
func (h *Handler) handleRequest(pkt *Packet) (*Packet, error) {
	mac := pkt.MAC()

	// Client selected a different server; forget our offer quietly.
	if sid := pkt.ServerIdentifier(); sid != nil && !sid.Equal(h.settings.ServerIP) {
		h.leases.Withdraw(mac)
		h.logger.Debug("REQUEST for another server",
			"mac", mac,
			"server_id", sid.String())
		return nil, nil
	}

	requested := pkt.RequestedIP()
	if requested == nil && pkt.HasClientIP() {
		requested = pkt.CIAddr
	}

	h.logger.Info("DHCPREQUEST",
		"mac", mac,
		"requested_ip", ipString(requested),
		"xid", fmt.Sprintf("0x%08x", pkt.XID))

	l, err := h.leases.Request(mac, requested, hostname.Clean(pkt.Hostname()))
	switch {
	case err == nil:
	case errors.Is(err, lease.ErrClosed):
		h.stats.dropped.Add(1)
		return nil, nil
	case errors.Is(err, lease.ErrIPMismatch),
		errors.Is(err, lease.ErrNoTransaction),
		errors.Is(err, lease.ErrIPInUse):
		return h.buildNAK(pkt, nakReason(err)), nil
	default:
		return nil, err
	}

	reply := pkt.NewReply(dhcpv4.MessageTypeAck, h.settings.ServerIP)
	reply.YIAddr = l.IP.To4()
	h.setSubnetOptions(reply, h.settings.LeaseTime)
	h.stats.ack.Add(1)

	h.logger.Info("DHCPACK",
		"mac", mac,
		"ip", l.IP.String(),
		"lease_time", h.settings.LeaseTime.String())
	return reply, nil
}

// handleInform processes DHCPINFORM → DHCPACK without touching lease state.
// yiaddr carries the client's leased address when one is known.
func (h *Handler) handleInform(pkt *Packet) (*Packet, error) {
	mac := pkt.MAC()

	h.logger.Info("DHCPINFORM",
		"mac", mac,
		"ciaddr", pkt.CIAddr.String())

	reply := pkt.NewReply(dhcpv4.MessageTypeAck, h.settings.ServerIP)
	if ip := h.leases.Inform(mac); ip != nil {
		reply.YIAddr = ip.To4()
	}
	h.setSubnetOptions(reply, 0)
	reply.Options.Delete(dhcpv4.OptionIPLeaseTime)
	h.stats.ack.Add(1)
	return reply, nil
}

// handleRelease processes DHCPRELEASE. No reply is sent.
func (h *Handler) handleRelease(pkt *Packet) error {
	mac := pkt.MAC()
	h.logger.Info("DHCPRELEASE",
		"mac", mac,
		"ciaddr", pkt.CIAddr.String())

	if _, err := h.leases.Release(mac); err != nil {
		return err
	}
	return nil
}

// handleDecline drops the open offer for the client. No reply is sent.
func (h *Handler) handleDecline(pkt *Packet) {
	mac := pkt.MAC()
	h.logger.Warn("DHCPDECLINE",
		"mac", mac,
		"requested_ip", ipString(pkt.RequestedIP()))
	h.leases.Withdraw(mac)
}

// buildNAK creates a DHCPNAK response. The lease engine has already
// published the rejection.
func (h *Handler) buildNAK(pkt *Packet, reason string) *Packet {
	h.stats.nak.Add(1)
	h.logger.Warn("DHCPNAK",
		"mac", pkt.MAC(),
		"reason", reason)

	reply := pkt.NewReply(dhcpv4.MessageTypeNak, h.settings.ServerIP)
	if reason != "" {
		reply.Options.SetString(dhcpv4.OptionMessage, reason)
	}
	return reply
}

// setSubnetOptions populates the options every OFFER and ACK carries.
func (h *Handler) setSubnetOptions(reply *Packet, leaseTime time.Duration) {
	s := h.settings
	if mask := netaddr.MaskString(s.Netmask); mask != "" {
		reply.Options.SetIP(dhcpv4.OptionSubnetMask, net.ParseIP(mask))
	}
	if s.Gateway != nil {
		reply.Options.SetIP(dhcpv4.OptionRouter, s.Gateway)
	}
	if len(s.DNS) > 0 {
		reply.Options.SetIPs(dhcpv4.OptionDomainNameServer, s.DNS)
	}
	if bc := s.Broadcast(); bc != nil {
		reply.Options.SetIP(dhcpv4.OptionBroadcastAddress, bc)
	}
	if leaseTime > 0 {
		reply.Options.SetUint32(dhcpv4.OptionIPLeaseTime, uint32(leaseTime.Seconds()))
	}
}

func nakReason(err error) string {
	switch {
	case errors.Is(err, lease.ErrIPMismatch):
		return "requested address not offered"
	case errors.Is(err, lease.ErrIPInUse):
		return "requested address in use"
	default:
		return "no offer for client"
	}
}

func ipString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}
