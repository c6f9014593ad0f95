// Package port implements named local channels between the CLI and the
// background optimiser. Every port is a unix domain socket inside one
// directory; every message travels on its own connection, so no state is
// carried between messages.
package port

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"time"
)

// Well-known port names.
const (
	// OptimisationName carries optimisation and stop requests to the app.
	OptimisationName = "clop.optimisation"

	// ResponseName carries responses and errors back to the CLI.
	ResponseName = "clop.optimisation.cli-response"
)

const (
	// DefaultReplyTimeout bounds SendAndWait when no timeout is configured.
	DefaultReplyTimeout = 10 * time.Second

	// MaxMessageSize caps a single payload read from a connection.
	MaxMessageSize = 16 << 20

	dialTimeout = 500 * time.Millisecond
)

var (
	// ErrUnreachable is returned when nothing listens on the port.
	ErrUnreachable = errors.New("port unreachable")

	// ErrTimeout is returned when SendAndWait gets no reply in time.
	ErrTimeout = errors.New("timed out waiting for reply")

	// ErrInUse is returned by Listen when another listener serves the port.
	ErrInUse = errors.New("port in use")
)

// Port is a named endpoint.
type Port struct {
	name         string
	path         string
	replyTimeout time.Duration
}

// New returns the port called name inside dir. A non-positive replyTimeout
// selects DefaultReplyTimeout.
func New(dir, name string, replyTimeout time.Duration) *Port {
	if replyTimeout <= 0 {
		replyTimeout = DefaultReplyTimeout
	}
	return &Port{
		name:         name,
		path:         filepath.Join(dir, name+".sock"),
		replyTimeout: replyTimeout,
	}
}

// Path returns the socket path.
func (p *Port) Path() string {
	return p.path
}

// Reachable reports whether something is listening on the port.
func (p *Port) Reachable() bool {
	conn, err := net.DialTimeout("unix", p.path, dialTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// SendAndForget delivers data without waiting for any reply. The only error
// is ErrUnreachable (or a write failure); callers that do not need delivery
// confirmation may ignore it.
func (p *Port) SendAndForget(data []byte) error {
	conn, err := p.dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	return p.write(conn, data)
}

// SendAndWait delivers data and blocks until exactly one reply arrives, the
// reply timeout elapses or ctx is done. An empty reply yields nil, nil.
// Nothing is sent when ctx is already done.
func (p *Port) SendAndWait(ctx context.Context, data []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn, err := p.dial()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	deadline := time.Now().Add(p.replyTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	// Unblock the read if ctx is cancelled before the deadline.
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := p.write(conn, data); err != nil {
		return nil, err
	}

	reply, err := io.ReadAll(io.LimitReader(conn, MaxMessageSize))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("%s: %w", p.name, ErrTimeout)
		}
		return nil, fmt.Errorf("%s: read reply: %w", p.name, err)
	}
	if len(reply) == 0 {
		return nil, nil
	}
	return reply, nil
}

// dial connects to the port.
func (p *Port) dial() (net.Conn, error) {
	conn, err := net.DialTimeout("unix", p.path, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", p.name, ErrUnreachable, err)
	}
	return conn, nil
}

// write sends data and half-closes the connection so the listener sees EOF.
func (p *Port) write(conn net.Conn, data []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(p.replyTimeout)); err != nil {
		return err
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("%s: write: %w", p.name, err)
	}
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err != nil {
			return fmt.Errorf("%s: close write: %w", p.name, err)
		}
	}
	return nil
}
