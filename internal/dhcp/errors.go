package dhcp

import (
	"errors"
	"fmt"
	"os"
)

// BindError is returned by Server.Start when the UDP socket cannot be opened.
// It is fatal to start-up and never retried.
type BindError struct {
	Addr           string
	Err            error
	PrivilegedPort bool
}

func (e *BindError) Error() string {
	msg := fmt.Sprintf("binding DHCP socket %s: %v", e.Addr, e.Err)
	if e.PrivilegedPort && errors.Is(e.Err, os.ErrPermission) {
		msg += " (port below 1024 requires root or CAP_NET_BIND_SERVICE; run with elevated privileges or choose a port >= 1024)"
	}
	return msg
}

func (e *BindError) Unwrap() error {
	return e.Err
}
