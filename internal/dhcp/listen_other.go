//go:build !unix

package dhcp

import (
	"log/slog"
	"syscall"
)

func socketControl(iface string, logger *slog.Logger) func(network, address string, c syscall.RawConn) error {
	if iface != "" {
		logger.Debug("interface binding unsupported on this platform", "interface", iface)
	}
	return nil
}
