package htrpc

import (
	"bufio"
	"context"
	"net"
	"sync"
)

// Dialer establishes the connections used by the client. `*net.Dialer`
// and `*QUICTransport` are both Dialers.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Resolver turns the target of a call into a dialable address.
type Resolver interface {
	Resolve(ctx context.Context, target string) (string, error)
}

// IdentityResolver considers targets are already addresses.
type IdentityResolver struct{}

func (IdentityResolver) Resolve(_ context.Context, target string) (string, error) {
	return target, nil
}

// Conn is an outbound HTTP/1.1 connection. It is used by one call at a
// time and is either handed back to the `Pool` or closed afterwards.
type Conn struct {
	addr string
	nc   net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer

	closeOnce sync.Once
	closeErr  error
}

func newConn(addr string, nc net.Conn) *Conn {
	return &Conn{
		addr: addr,
		nc:   nc,
		br:   bufio.NewReader(nc),
		bw:   bufio.NewWriter(nc),
	}
}

// Connect dials addr without going through a `Pool`, the caller owns the
// returned connection.
func Connect(ctx context.Context, dialer Dialer, addr string) (*Conn, error) {
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return newConn(addr, nc), nil
}

// Addr is the address the connection was dialed with.
func (c *Conn) Addr() string {
	return c.addr
}

func (c *Conn) LocalAddr() net.Addr {
	return c.nc.LocalAddr()
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.nc.Close()
	})
	return c.closeErr
}
