// Package transport provides the live, bidirectional wire bindings for a
// DIAG session: a raw TCP connection (spec.md §4.2) plus the serial and
// USB bindings in its serial/ and usb/ subpackages. Every binding in this
// package implements the same minimal Read/Write/Close contract
// pkg/diag.Transport expects, streaming HDLC-framed bytes exactly as they
// arrive on the wire — framing and classification stay entirely in
// pkg/diag and pkg/hdlc.
package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

// DefaultAndroidBridgePort is the TCP port an Android device's Diag
// bridge (e.g. adb forward) conventionally listens on (spec.md §4.2).
const DefaultAndroidBridgePort = 43555

// readBufferSize bounds a single TCP read, matching the original
// TcpConnector's 10 MiB recv buffer.
const readBufferSize = 10 * 1024 * 1024

// TCP is a live DIAG connection over a TCP socket, such as an Android
// bridge exposed via `adb forward`.
type TCP struct {
	conn net.Conn
}

// DialTCP connects to addr (host:port) with the given dial timeout.
func DialTCP(ctx context.Context, addr string, dialTimeout time.Duration) (*TCP, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dialing %s: %w", addr, err)
	}
	return &TCP{conn: conn}, nil
}

// Write sends a single already-HDLC-framed buffer.
func (t *TCP) Write(ctx context.Context, framed []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
	}
	_, err := t.conn.Write(framed)
	return err
}

// Read blocks for at least one chunk of bytes off the socket.
func (t *TCP) Read(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetReadDeadline(deadline)
	}
	buf := make([]byte, readBufferSize)
	n, err := t.conn.Read(buf)
	if n == 0 {
		return nil, err
	}
	return buf[:n], err
}

// Close closes the TCP connection.
func (t *TCP) Close() error {
	return t.conn.Close()
}
