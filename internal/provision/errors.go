package provision

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout matches every *TimeoutError.
	ErrTimeout = errors.New("provisioning reply timed out")

	// ErrInvalidTarget is returned for a target that is not an IPv4 address.
	ErrInvalidTarget = errors.New("invalid device address")

	// ErrInvalidRequest is returned for a command missing a required field.
	ErrInvalidRequest = errors.New("invalid provisioning request")
)

// SendError reports a failure to transmit a command.
type SendError struct {
	Command string
	Target  string
	Err     error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("sending %s to %s: %v", e.Command, e.Target, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// TimeoutError reports that no matching reply arrived in time.
type TimeoutError struct {
	Command string
	Target  string
	After   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no %s reply from %s within %s", e.Command, e.Target, e.After)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}
