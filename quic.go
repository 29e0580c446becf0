package htrpc

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	defaultUDPBufferSize = 1 << 21

	// ALPNProtocol is negotiated when the TLS config does not list any
	// protocol.
	ALPNProtocol = "htrpc/1.1"
)

var (
	QErrNone         = quic.ApplicationErrorCode(0x0)
	QErrShutdown     = quic.ApplicationErrorCode(0x1)
	QErrStreamClosed = quic.StreamErrorCode(0x0)
)

// QUICConfig controls how a `QUICTransport` binds its UDP socket.
type QUICConfig struct {
	// TLSConfig is required. It should enable mTLS between peers.
	TLSConfig *tls.Config

	// BindAddr and BindPort are where the transport listens, port 0 picks
	// an ephemeral one.
	BindAddr string
	BindPort int

	// BufferSize of the requested UDP kernel buffer.
	BufferSize int

	// EnforceBufferSize fails if the kernel does not allocate BufferSize.
	// Otherwise the request is halved until it fits.
	EnforceBufferSize bool

	// MaxIncomingStreams bounds concurrent exchanges per peer connection.
	MaxIncomingStreams int64

	MaxIdleTimeout time.Duration
}

// QUICTransport carries HTTP/1.1 exchanges over QUIC streams, one stream
// standing for one connection. A single UDP socket is used both to accept
// streams, as a `net.Listener` given to `Server.Serve`, and to open them,
// as a `Dialer` given to `WithDialer`. Peer connections are shared by all
// streams to the same address.
type QUICTransport struct {
	tlsConf  *tls.Config
	quicConf *quic.Config
	cfg      *config
	logger   *slog.Logger

	udpConn *net.UDPConn
	tr      *quic.Transport
	ln      *quic.Listener

	peersLock sync.Mutex
	peers     map[string]*quic.Conn

	streamCh  chan net.Conn
	closeCh   chan struct{}
	closing   atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewQUICTransport binds the UDP socket and starts accepting peers.
func NewQUICTransport(qcfg QUICConfig, opts ...Option) (*QUICTransport, error) {
	if qcfg.TLSConfig == nil {
		return nil, ErrNoTLSConfig
	}

	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}

	tlsConf := qcfg.TLSConfig.Clone()
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{ALPNProtocol}
	}

	maxStreams := qcfg.MaxIncomingStreams
	if maxStreams == 0 {
		maxStreams = 1000
	}
	idle := qcfg.MaxIdleTimeout
	if idle == 0 {
		idle = 1 * time.Minute
	}

	t := &QUICTransport{
		tlsConf: tlsConf,
		quicConf: &quic.Config{
			Versions:           []quic.Version{quic.Version2, quic.Version1},
			MaxIncomingStreams: maxStreams,
			MaxIdleTimeout:     idle,
			KeepAlivePeriod:    idle / 2,
		},
		cfg:      cfg,
		logger:   cfg.logger().With("component", "quic"),
		peers:    make(map[string]*quic.Conn),
		streamCh: make(chan net.Conn),
		closeCh:  make(chan struct{}),
	}

	ok := false
	defer func() {
		if !ok {
			t.Close()
		}
	}()

	ip := net.IPv4zero
	if qcfg.BindAddr != "" {
		if ip = net.ParseIP(qcfg.BindAddr); ip == nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidAddr, qcfg.BindAddr)
		}
	}

	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: qcfg.BindPort})
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate UDP listener: %w", err)
	}
	t.udpConn = udpConn

	requested := qcfg.BufferSize
	if requested == 0 {
		requested = defaultUDPBufferSize
	}
	if err := t.negotiateBufferSize(requested, qcfg.EnforceBufferSize); err != nil {
		return nil, err
	}

	t.tr = &quic.Transport{Conn: udpConn}
	ln, err := t.tr.Listen(t.tlsConf, t.quicConf)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate QUIC listener: %w", err)
	}
	t.ln = ln

	t.wg.Add(1)
	go t.acceptConns()
	ok = true
	return t, nil
}

// Addr is the UDP address the transport is bound to.
func (t *QUICTransport) Addr() net.Addr {
	return t.udpConn.LocalAddr()
}

// Accept returns the next stream opened by a peer.
func (t *QUICTransport) Accept() (net.Conn, error) {
	select {
	case conn := <-t.streamCh:
		return conn, nil
	case <-t.closeCh:
		return nil, ErrTransportClosed
	}
}

// DialContext opens a stream to addr, reusing the peer connection if one
// is alive. network is ignored.
func (t *QUICTransport) DialContext(ctx context.Context, _, addr string) (net.Conn, error) {
	if t.closing.Load() {
		return nil, ErrTransportClosed
	}

	conn, err := t.peer(ctx, addr)
	if err != nil {
		return nil, err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		if conn.Context().Err() != nil {
			t.forget(addr, conn)
		}
		return nil, fmt.Errorf("transport: could not open stream: %w", err)
	}

	t.cfg.msink.IncrCounterWithLabels(
		MetricQUICStreamOutCount,
		1.0,
		withLabels(t.cfg.metricLabels, LabelPeerAddr.M(addr)),
	)
	return newStreamConn(conn, stream), nil
}

// Close stops both accepting and dialing, every peer connection is
// closed.
func (t *QUICTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closing.Store(true)
		close(t.closeCh)

		t.peersLock.Lock()
		for addr, conn := range t.peers {
			conn.CloseWithError(QErrShutdown, "shutting down")
			delete(t.peers, addr)
		}
		t.peersLock.Unlock()

		if t.ln != nil {
			t.ln.Close()
		}
		if t.tr != nil {
			t.tr.Close()
		}
		if t.udpConn != nil {
			t.udpConn.Close()
		}
	})
	t.wg.Wait()
	return nil
}

func (t *QUICTransport) peer(ctx context.Context, addr string) (*quic.Conn, error) {
	t.peersLock.Lock()
	conn, ok := t.peers[addr]
	t.peersLock.Unlock()
	if ok && conn.Context().Err() == nil {
		return conn, nil
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}

	conn, err = t.tr.Dial(ctx, udpAddr, t.tlsConf, t.quicConf)
	if err != nil {
		t.cfg.msink.IncrCounterWithLabels(
			MetricQUICConnErrorCount,
			1.0,
			withLabels(t.cfg.metricLabels, LabelPeerAddr.M(addr)),
		)
		return nil, err
	}

	t.peersLock.Lock()
	defer t.peersLock.Unlock()
	if t.closing.Load() {
		conn.CloseWithError(QErrShutdown, "shutting down")
		return nil, ErrTransportClosed
	}
	if raced, ok := t.peers[addr]; ok && raced.Context().Err() == nil {
		conn.CloseWithError(QErrNone, "duplicate connection")
		return raced, nil
	}
	t.peers[addr] = conn
	t.cfg.msink.IncrCounterWithLabels(
		MetricQUICConnCount,
		1.0,
		withLabels(t.cfg.metricLabels, LabelPeerAddr.M(addr), LabelDirection.M("out")),
	)
	t.logger.Debug("connected to peer", LabelPeerAddr.L(addr))
	return conn, nil
}

func (t *QUICTransport) forget(addr string, conn *quic.Conn) {
	t.peersLock.Lock()
	defer t.peersLock.Unlock()
	if t.peers[addr] == conn {
		delete(t.peers, addr)
	}
}

func (t *QUICTransport) negotiateBufferSize(requested int, enforce bool) error {
	size := requested
	for size > 0 {
		if err := t.udpConn.SetReadBuffer(size); err != nil {
			if enforce {
				return ErrBufferSize
			}
			size = size >> 1
			continue
		}
		if size != requested {
			t.logger.Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		t.cfg.msink.SetGaugeWithLabels(MetricQUICUDPBufferBytes, float32(size), t.cfg.metricLabels)
		return nil
	}
	return ErrBufferSize
}

func (t *QUICTransport) acceptConns() {
	defer t.wg.Done()
	for {
		conn, err := t.ln.Accept(context.Background())
		if err != nil {
			if !t.closing.Load() {
				t.logger.Warn("unexpected QUIC listener closure", LabelError.L(err))
			}
			return
		}

		t.cfg.msink.IncrCounterWithLabels(
			MetricQUICConnCount,
			1.0,
			withLabels(t.cfg.metricLabels,
				LabelPeerAddr.M(conn.RemoteAddr().String()),
				LabelDirection.M("in"),
			),
		)
		t.wg.Add(1)
		go t.acceptStreams(conn)
	}
}

func (t *QUICTransport) acceptStreams(conn *quic.Conn) {
	defer t.wg.Done()
	ctx := conn.Context()
	logger := t.logger.With(LabelPeerAddr.L(conn.RemoteAddr().String()))
	labels := withLabels(t.cfg.metricLabels, LabelPeerAddr.M(conn.RemoteAddr().String()))

	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			if !t.closing.Load() {
				logger.Debug("peer connection ended", LabelError.L(err))
			}
			return
		}

		t.cfg.msink.IncrCounterWithLabels(MetricQUICStreamInCount, 1.0, labels)
		sc := newStreamConn(conn, stream)
		select {
		case t.streamCh <- sc:
		case <-t.closeCh:
			sc.Close()
			return
		}
	}
}

// streamConn exposes a QUIC stream as a `net.Conn`.
type streamConn struct {
	localAddr  net.Addr
	remoteAddr net.Addr

	// Read, Write and Close are synchronised by quic-go itself.
	*quic.Stream
}

func newStreamConn(conn *quic.Conn, stream *quic.Stream) *streamConn {
	return &streamConn{
		localAddr:  conn.LocalAddr(),
		remoteAddr: conn.RemoteAddr(),
		Stream:     stream,
	}
}

func (sc *streamConn) LocalAddr() net.Addr {
	return sc.localAddr
}

func (sc *streamConn) RemoteAddr() net.Addr {
	return sc.remoteAddr
}

// Close ends both directions, quic-go's Close only ends the send side.
func (sc *streamConn) Close() error {
	sc.Stream.CancelRead(QErrStreamClosed)
	return sc.Stream.Close()
}
