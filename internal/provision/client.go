// Package provision sends configuration commands to discovered devices
// over UDP and correlates their replies.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"time"

	"github.com/lanprov/lanprovd/internal/metrics"
	"github.com/lanprov/lanprovd/internal/netaddr"
)

// Defaults for Options.
const (
	DefaultConfigPort   = 4211
	DefaultReadTimeout  = 3 * time.Second
	DefaultSendTimeout  = 5 * time.Second
	DefaultHTTPPort     = 8080
	DefaultMQTTPort     = 1883
	DefaultMQTTUsername = "device"
	DefaultMQTTPassword = "123456"
)

// Options configures a Client.
type Options struct {
	ConfigPort   int
	ReadTimeout  time.Duration
	SendTimeout  time.Duration
	HTTPPort     int
	MQTTPort     int
	MQTTUsername string
	MQTTPassword string

	// AdvertiseIP is the server address devices are told to reach. Empty
	// means the first external interface address.
	AdvertiseIP string
}

func (o *Options) applyDefaults() {
	if o.ConfigPort == 0 {
		o.ConfigPort = DefaultConfigPort
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = DefaultSendTimeout
	}
	if o.HTTPPort == 0 {
		o.HTTPPort = DefaultHTTPPort
	}
	if o.MQTTPort == 0 {
		o.MQTTPort = DefaultMQTTPort
	}
	if o.MQTTUsername == "" {
		o.MQTTUsername = DefaultMQTTUsername
	}
	if o.MQTTPassword == "" {
		o.MQTTPassword = DefaultMQTTPassword
	}
}

// UpgradeRequest names the firmware image to push.
type UpgradeRequest struct {
	FileName string `json:"fileName"`
	FileSize *int64 `json:"fileSize,omitempty"`
}

// Client issues provisioning commands. It holds no sockets between calls.
type Client struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// NewClient creates a client with opts, filling unset fields with defaults.
func NewClient(opts Options, logger *slog.Logger) *Client {
	opts.applyDefaults()
	return &Client{opts: opts, logger: logger, now: time.Now}
}

// Options returns the effective options.
func (c *Client) Options() Options {
	return c.opts
}

// SendConfig pushes fields to the device at ip.
func (c *Client) SendConfig(ctx context.Context, ip string, fields Config) error {
	data, err := EncodeConfig(fields)
	if err != nil {
		return err
	}
	return c.send(ctx, TypeConfig, ip, data)
}

// ReadConfig asks the device at ip for its configuration and waits for a
// config reply from that address.
func (c *Client) ReadConfig(ctx context.Context, ip string) (Config, error) {
	target, err := parseTarget(ip)
	if err != nil {
		return nil, err
	}
	start := c.now()

	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, c.observe(TypeReadConfig, start, &SendError{Command: TypeReadConfig, Target: ip, Err: err})
	}

	call := newCall(TypeReadConfig, ip)
	c.logger.Debug("provisioning call opened",
		"call_id", call.ID,
		"command", TypeReadConfig,
		"ip", ip)

	dst := &net.UDPAddr{IP: target, Port: c.opts.ConfigPort}
	conn.SetWriteDeadline(time.Now().Add(c.opts.SendTimeout))
	if _, err := conn.WriteToUDP(encodeType(TypeReadConfig), dst); err != nil {
		conn.Close()
		return nil, c.observe(TypeReadConfig, start, &SendError{Command: TypeReadConfig, Target: ip, Err: err})
	}
	conn.SetWriteDeadline(time.Time{})

	correlate(ctx, conn, call, func(t string, src *net.UDPAddr) bool {
		return t == TypeConfig && src.IP.Equal(target)
	}, c.opts.ReadTimeout)

	result, err := call.Result()
	c.logger.Debug("provisioning call resolved",
		"call_id", call.ID,
		"command", TypeReadConfig,
		"ip", ip,
		"error", err)
	return result, c.observe(TypeReadConfig, start, err)
}

// Upgrade tells the device at ip to fetch req.FileName from the firmware
// file server. It returns the command sent.
func (c *Client) Upgrade(ctx context.Context, ip string, req UpgradeRequest) (*UpgradeCommand, error) {
	if req.FileName == "" {
		return nil, fmt.Errorf("%w: upgrade requires a file name", ErrInvalidRequest)
	}
	local := c.advertiseIP()
	cmd := &UpgradeCommand{
		Type:         TypeUpgrade,
		FileName:     req.FileName,
		DownloadURL:  fmt.Sprintf("http://%s:%d/download/%s", local, c.opts.HTTPPort, url.PathEscape(req.FileName)),
		FileSize:     req.FileSize,
		Timestamp:    c.now().UnixMilli(),
		IP:           local,
		MQTTPort:     c.opts.MQTTPort,
		MQTTUsername: c.opts.MQTTUsername,
		MQTTPassword: c.opts.MQTTPassword,
	}
	data, err := marshal(cmd)
	if err != nil {
		return nil, err
	}
	if err := c.send(ctx, TypeUpgrade, ip, data); err != nil {
		return nil, err
	}
	return cmd, nil
}

// Reboot tells the device at ip to restart. It resolves on send.
func (c *Client) Reboot(ctx context.Context, ip string) error {
	return c.send(ctx, TypeReboot, ip, encodeType(TypeReboot))
}

// ConnectMQTT tells the device at ip to connect to the broker on this host.
func (c *Client) ConnectMQTT(ctx context.Context, ip string) error {
	data, err := marshal(ConnectMQTTCommand{Type: TypeConnectMQTT, IP: c.advertiseIP()})
	if err != nil {
		return err
	}
	return c.send(ctx, TypeConnectMQTT, ip, data)
}

// send transmits one datagram to the device's config port. The write is
// bounded by the send timeout and by ctx.
func (c *Client) send(ctx context.Context, command, ip string, data []byte) error {
	target, err := parseTarget(ip)
	if err != nil {
		return err
	}
	start := c.now()
	if err := ctx.Err(); err != nil {
		return c.observe(command, start, &SendError{Command: command, Target: ip, Err: err})
	}

	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: target, Port: c.opts.ConfigPort})
	if err != nil {
		return c.observe(command, start, &SendError{Command: command, Target: ip, Err: err})
	}
	defer conn.Close()

	deadline := time.Now().Add(c.opts.SendTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetWriteDeadline(deadline)
	if _, err := conn.Write(data); err != nil {
		return c.observe(command, start, &SendError{Command: command, Target: ip, Err: err})
	}

	c.logger.Info("provisioning command sent", "command", command, "ip", ip, "bytes", len(data))
	return c.observe(command, start, nil)
}

// observe records metrics and logs failures for a finished command.
func (c *Client) observe(command string, start time.Time, err error) error {
	result := "ok"
	var se *SendError
	switch {
	case err == nil:
	case errors.Is(err, ErrTimeout):
		result = "timeout"
	case errors.As(err, &se):
		result = "send_error"
	default:
		result = "error"
	}
	metrics.ProvisionCommands.WithLabelValues(command, result).Inc()
	metrics.ProvisionDuration.WithLabelValues(command).Observe(c.now().Sub(start).Seconds())
	if err != nil {
		c.logger.Warn("provisioning command failed", "command", command, "result", result, "error", err)
	}
	return err
}

func (c *Client) advertiseIP() string {
	if c.opts.AdvertiseIP != "" {
		return c.opts.AdvertiseIP
	}
	if ip := netaddr.LocalIP(); ip != "" {
		return ip
	}
	return netaddr.FallbackIP
}

func parseTarget(ip string) (net.IP, error) {
	target := net.ParseIP(ip).To4()
	if target == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTarget, ip)
	}
	return target, nil
}
