// Package oob is the out-of-band control channel: a plain TCP stream used to
// exchange RDMA connection parameters and the file request before any RDMA
// traffic flows. It carries fixed-size records and nothing else.
package oob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Port selection for servers that are not given one.
const (
	DefaultPortBase  = 23456
	DefaultPortRange = 1000
)

// Channel errors.
var (
	ErrBind          = errors.New("failed to bind control port")
	ErrShortTransfer = errors.New("peer closed mid-record")
	ErrClosed        = errors.New("control channel closed")
)

// Error wraps a control channel failure with the operation that hit it.
// Callers treat every Error as fatal.
type Error struct {
	Err error
	Op  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("oob %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// RandomPort returns a port in [DefaultPortBase, DefaultPortBase+DefaultPortRange).
func RandomPort() int {
	return DefaultPortBase + rand.IntN(DefaultPortRange) //nolint:gosec // G404: port choice needs no crypto randomness
}

// Listener waits for a single peer.
type Listener struct {
	ln   net.Listener
	port int
	once sync.Once
}

// Listen binds host:port. Port 0 picks RandomPort. A port that is already
// bound fails immediately with ErrBind. The system backlog applies; Accept
// closes the listener after the first peer.
func Listen(_ context.Context, host string, port int) (*Listener, error) {
	if port == 0 {
		port = RandomPort()
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, &Error{Op: "listen", Err: fmt.Errorf("%w %s: %w", ErrBind, addr, err)}
	}

	bound := port
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		bound = tcp.Port
	}

	log.Debug().Str("addr", ln.Addr().String()).Msg("Control channel listening")

	return &Listener{ln: ln, port: bound}, nil
}

// Port returns the bound port.
func (l *Listener) Port() int {
	return l.port
}

// Accept waits for one peer, then stops listening. Cancelling ctx aborts
// the wait.
func (l *Listener) Accept(ctx context.Context) (*Channel, error) {
	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()

	conn, err := l.ln.Accept()

	_ = l.Close()

	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}

		return nil, &Error{Op: "accept", Err: err}
	}

	log.Debug().Str("peer", conn.RemoteAddr().String()).Msg("Control channel peer connected")

	return newChannel(conn), nil
}

// Close stops listening. It is safe to call more than once.
func (l *Listener) Close() error {
	var err error

	l.once.Do(func() { err = l.ln.Close() })

	return err
}

// Dial connects to a listening peer.
func Dial(ctx context.Context, host string, port int) (*Channel, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	d := net.Dialer{Timeout: 30 * time.Second}

	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &Error{Op: "dial", Err: err}
	}

	log.Debug().Str("peer", addr).Msg("Control channel connected")

	return newChannel(conn), nil
}

// Channel is a connected control stream. Sends write the whole record and
// receives read exactly the requested length or fail.
type Channel struct {
	conn net.Conn
	once sync.Once
}

func newChannel(conn net.Conn) *Channel {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	return &Channel{conn: conn}
}

// SendBlocking writes all of data. Cancelling ctx closes the channel.
func (c *Channel) SendBlocking(ctx context.Context, data []byte) error {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	for off := 0; off < len(data); {
		n, err := c.conn.Write(data[off:])
		off += n

		if err != nil {
			return &Error{Op: "send", Err: c.cause(ctx, err)}
		}
	}

	return nil
}

// RecvBlocking reads exactly n bytes. A peer that closes before n bytes
// arrive yields ErrShortTransfer. Cancelling ctx closes the channel.
func (c *Channel) RecvBlocking(ctx context.Context, n int) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	buf := make([]byte, n)

	got, err := io.ReadFull(c.conn, buf)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			err = fmt.Errorf("%w: got %d of %d bytes", ErrShortTransfer, got, n)
		}

		return nil, &Error{Op: "recv", Err: c.cause(ctx, err)}
	}

	return buf, nil
}

func (c *Channel) cause(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}

	return err
}

// RemoteAddr returns the peer address.
func (c *Channel) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Close closes the connection. It is safe to call more than once.
func (c *Channel) Close() error {
	var err error

	c.once.Do(func() { err = c.conn.Close() })

	return err
}
