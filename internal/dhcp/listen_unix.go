//go:build unix && !linux

package dhcp

import (
	"log/slog"
	"syscall"

	"golang.org/x/sys/unix"
)

// socketControl enables address reuse and broadcast on the DHCP socket.
// Binding to a named interface is Linux-only; elsewhere replies are
// steered by the interface index control message.
func socketControl(iface string, logger *slog.Logger) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		if iface != "" {
			logger.Debug("interface binding unsupported on this platform", "interface", iface)
		}
		var opErr error
		err := c.Control(func(fd uintptr) {
			if opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); opErr != nil {
				return
			}
			opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
		})
		if err != nil {
			return err
		}
		return opErr
	}
}
