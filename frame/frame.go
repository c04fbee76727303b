// Package frame reads one complete MQTT control packet off a connection.
//
// The original implementation this broker is modeled on reads a packet
// through a chain of single-purpose handler objects (one for the fixed
// header, one for the variable header, one per payload field). That
// indirection buys nothing in Go: io.Reader composes directly, so Read is a
// single function that hands the fixed header to message.Decode once it has
// one.
package frame

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/mqttd/broker/message"
	"github.com/mqttd/broker/packet"
)

// ErrGracePeriodExceeded is returned when no byte of a new packet arrives
// within 1.5x the session's negotiated keep-alive interval.
var ErrGracePeriodExceeded = errors.New("keep-alive grace period exceeded")

// DeadlineReader is satisfied by net.Conn; it is the minimal surface Read
// needs to enforce the keep-alive grace period on the fixed-header read
// only.
type DeadlineReader interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

// Read blocks for the fixed header with a deadline of 1.5x keepAlive (the
// grace period MQTT v3.1 allows past the client's advertised keep-alive;
// zero keepAlive disables the deadline), then reads the rest of the packet
// with no further per-stage deadline - once framing has begun, the packet is
// assumed to arrive as a unit.
func Read(ctx context.Context, r DeadlineReader, keepAlive time.Duration) (message.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if keepAlive > 0 {
		grace := time.Duration(float64(keepAlive) * 1.5)
		if err := r.SetReadDeadline(time.Now().Add(grace)); err != nil {
			return nil, err
		}
	} else if err := r.SetReadDeadline(time.Time{}); err != nil {
		return nil, err
	}

	header, err := packet.ReadFixedHeader(r)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, ErrGracePeriodExceeded
		}
		return nil, err
	}

	if err := r.SetReadDeadline(time.Time{}); err != nil {
		return nil, err
	}

	return message.Decode(header, r)
}
