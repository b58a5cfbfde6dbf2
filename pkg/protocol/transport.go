package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/netutil"
)

// Conn is a framed connection with a per-operation IO deadline.
type Conn struct {
	conn      net.Conn
	ioTimeout time.Duration
}

// NewConn wraps an established net.Conn.
func NewConn(conn net.Conn, ioTimeout time.Duration) *Conn {
	return &Conn{conn: conn, ioTimeout: ioTimeout}
}

// Dial connects to addr within timeout. The same timeout bounds later IO.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Conn, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewConn(conn, timeout), nil
}

// SetIOTimeout changes the deadline applied to each Send/Receive.
func (c *Conn) SetIOTimeout(d time.Duration) {
	c.ioTimeout = d
}

// Send writes one message frame.
func (c *Conn) Send(msg Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	return c.write(data)
}

func (c *Conn) write(data []byte) error {
	if c.ioTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.ioTimeout)); err != nil {
			return err
		}
	}
	return WriteFrame(c.conn, data)
}

// Receive reads one message frame.
func (c *Conn) Receive() (Message, error) {
	if c.ioTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.ioTimeout)); err != nil {
			return nil, err
		}
	}
	data, err := ReadFrame(c.conn)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// ErrUnexpectedData is returned by Quiet when the peer sent bytes it should not have.
var ErrUnexpectedData = errors.New("unexpected data from peer")

// Quiet waits up to wait for the peer to close or write. It returns nil if
// nothing happened, the read error if the peer went away, and
// ErrUnexpectedData if bytes arrived. It is only meant for connections where
// the peer is expected to stay silent.
func (c *Conn) Quiet(wait time.Duration) error {
	if err := c.conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		return err
	}
	defer c.conn.SetReadDeadline(time.Time{})

	var b [1]byte
	n, err := c.conn.Read(b[:])
	switch {
	case n > 0:
		return ErrUnexpectedData
	case err == nil:
		return io.ErrUnexpectedEOF
	case IsTimeout(err):
		return nil
	}
	return err
}

// RemoteHost returns the peer IP without the port.
func (c *Conn) RemoteHost() string {
	host, _, err := net.SplitHostPort(c.conn.RemoteAddr().String())
	if err != nil {
		return c.conn.RemoteAddr().String()
	}
	return host
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

// Listener accepts framed connections with a bounded wait per Accept.
type Listener struct {
	tcp           *net.TCPListener
	limited       net.Listener
	acceptTimeout time.Duration
	ioTimeout     time.Duration
	closeOnce     sync.Once
	closeErr      error
}

// Listen binds all interfaces on port. maxConns caps concurrently open accepted
// connections; zero means unlimited.
func Listen(port, maxConns int, acceptTimeout, ioTimeout time.Duration) (*Listener, error) {
	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	tcp, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", port, err)
	}

	var limited net.Listener = tcp
	if maxConns > 0 {
		limited = netutil.LimitListener(tcp, maxConns)
	}
	return &Listener{
		tcp:           tcp,
		limited:       limited,
		acceptTimeout: acceptTimeout,
		ioTimeout:     ioTimeout,
	}, nil
}

// Accept waits at most the accept timeout for a peer. A timeout is reported as
// an error for which IsTimeout returns true.
func (l *Listener) Accept() (*Conn, error) {
	if l.acceptTimeout > 0 {
		if err := l.tcp.SetDeadline(time.Now().Add(l.acceptTimeout)); err != nil {
			return nil, err
		}
	}
	conn, err := l.limited.Accept()
	if err != nil {
		return nil, err
	}
	return NewConn(conn, l.ioTimeout), nil
}

// Port returns the bound port.
func (l *Listener) Port() int {
	return l.tcp.Addr().(*net.TCPAddr).Port
}

// Close is safe to call more than once.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.limited.Close()
	})
	return l.closeErr
}

// SendTo dials addr, writes a single message and closes the connection. A
// message that cannot be encoded or framed fails before anything is dialed.
func SendTo(ctx context.Context, addr string, msg Message, connectTimeout, ioTimeout time.Duration) error {
	data, err := encodeFrame(msg)
	if err != nil {
		return err
	}

	conn, err := Dial(ctx, addr, connectTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	conn.SetIOTimeout(ioTimeout)
	return conn.write(data)
}

// HostPort joins a host and numeric port.
func HostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
