//go:build linux

package dhcp

import (
	"log/slog"
	"syscall"

	"golang.org/x/sys/unix"
)

// socketControl enables address reuse and broadcast on the DHCP socket and
// binds it to iface when one is named. A failed interface bind is logged
// and the socket stays bound to all interfaces.
func socketControl(iface string, logger *slog.Logger) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var opErr error
		err := c.Control(func(fd uintptr) {
			if opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); opErr != nil {
				return
			}
			if opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1); opErr != nil {
				return
			}
			if iface == "" {
				return
			}
			if err := unix.SetsockoptString(int(fd), unix.SOL_SOCKET, unix.SO_BINDTODEVICE, iface); err != nil {
				logger.Warn("SO_BINDTODEVICE failed, listening on all interfaces",
					"interface", iface,
					"error", err)
			}
		})
		if err != nil {
			return err
		}
		return opErr
	}
}
