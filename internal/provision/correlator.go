package provision

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MatchFunc reports whether a reply datagram resolves a call.
type MatchFunc func(replyType string, src *net.UDPAddr) bool

// Call is one outstanding request. It resolves exactly once, by a matching
// reply, by its timer, or by cancellation.
type Call struct {
	ID      string
	Command string
	Target  string

	once   sync.Once
	done   chan struct{}
	result Config
	err    error
}

func newCall(command, target string) *Call {
	return &Call{
		ID:      uuid.NewString(),
		Command: command,
		Target:  target,
		done:    make(chan struct{}),
	}
}

// resolve settles the call. Only the first resolution has any effect; it
// reports whether this one did.
func (c *Call) resolve(result Config, err error) bool {
	won := false
	c.once.Do(func() {
		c.result, c.err = result, err
		close(c.done)
		won = true
	})
	return won
}

// Done is closed once the call has resolved.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Result returns the outcome. Valid after Done is closed.
func (c *Call) Result() (Config, error) {
	<-c.done
	return c.result, c.err
}

// correlate waits on conn for the first datagram accepted by match and
// resolves call with it, or with a TimeoutError after timeout, or with the
// context error. conn is closed and the timer stopped before it returns.
// Datagrams that do not parse are skipped.
func correlate(ctx context.Context, conn *net.UDPConn, call *Call, match MatchFunc, timeout time.Duration) {
	timer := time.AfterFunc(timeout, func() {
		call.resolve(nil, &TimeoutError{Command: call.Command, Target: call.Target, After: timeout})
	})
	stopCtx := context.AfterFunc(ctx, func() {
		call.resolve(nil, ctx.Err())
	})

	reader := make(chan struct{})
	go func() {
		defer close(reader)
		buf := make([]byte, 4096)
		for {
			n, src, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			t, payload, ok := decodeReply(buf[:n])
			if !ok || !match(t, src) {
				continue
			}
			call.resolve(payload, nil)
			return
		}
	}()

	<-call.done
	timer.Stop()
	stopCtx()
	conn.Close()
	<-reader
}
