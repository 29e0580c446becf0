package htrpc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/btree"
)

// Pool caches idle outbound connections per address.
//
// All its state is owned by a single goroutine which serves commands sent
// over a channel, so no lock guards the tables. Idle connections are
// ordered by a global sequence number, once the capacity is exceeded the
// oldest ones are closed whatever their address. An address which fails to
// connect is suspended for a while and acquisitions fail fast instead of
// dialing it again.
type Pool struct {
	cfg    *config
	logger *slog.Logger

	cmdCh     chan any
	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// owned by run.
	seq       uint64
	lru       *btree.BTreeG[uint64]
	idle      map[uint64]*Conn
	byAddr    map[string][]uint64
	suspended map[string]time.Time
}

// PoolStats is a snapshot of the `Pool` tables.
type PoolStats struct {
	Idle      int
	IdleAddrs map[string]int
	Suspended int
}

type acquireCmd struct {
	addr  string
	reply chan acquireResult
}

type acquireResult struct {
	conn *Conn
	err  error
}

type releaseCmd struct {
	conn *Conn
}

type failCmd struct {
	addr  string
	until time.Time
}

type statsCmd struct {
	reply chan PoolStats
}

// NewPool starts the goroutine owning the pool, it runs until `Close`.
func NewPool(opts ...Option) (*Pool, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}
	return newPool(cfg), nil
}

func newPool(cfg *config) *Pool {
	p := &Pool{
		cfg:       cfg,
		logger:    cfg.logger().With("component", "pool"),
		cmdCh:     make(chan any),
		closeCh:   make(chan struct{}),
		lru:       btree.NewOrderedG[uint64](8),
		idle:      make(map[uint64]*Conn),
		byAddr:    make(map[string][]uint64),
		suspended: make(map[string]time.Time),
	}

	p.wg.Add(1)
	go p.run()
	return p
}

// Acquire returns an idle connection to addr or dials a new one within
// the connect timeout. It fails with a `*SuspendedError` without dialing
// when addr recently failed to connect.
func (p *Pool) Acquire(ctx context.Context, addr string) (*Conn, error) {
	reply := make(chan acquireResult, 1)
	if err := p.send(ctx, acquireCmd{addr: addr, reply: reply}); err != nil {
		return nil, err
	}

	res := <-reply
	if res.err != nil || res.conn != nil {
		return res.conn, res.err
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.connectTimeout)
	defer cancel()

	nc, err := p.cfg.dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		p.cfg.msink.IncrCounterWithLabels(
			MetricPoolConnErrorCount,
			1.0,
			withLabels(p.cfg.metricLabels, LabelPeerAddr.M(addr)),
		)
		// Only blame the address if the caller did not give up first.
		if ctx.Err() == nil {
			p.markFailed(addr)
		}
		return nil, err
	}
	return newConn(addr, nc), nil
}

// Release hands conn back to the pool, which owns it from now on.
func (p *Pool) Release(conn *Conn) {
	if conn == nil {
		return
	}
	if err := p.send(context.Background(), releaseCmd{conn: conn}); err != nil {
		conn.Close()
	}
}

// Stats returns a snapshot of the pool tables.
func (p *Pool) Stats() PoolStats {
	reply := make(chan PoolStats, 1)
	if err := p.send(context.Background(), statsCmd{reply: reply}); err != nil {
		return PoolStats{}
	}
	return <-reply
}

// Close stops the pool and closes every idle connection. Connections
// released afterwards are closed immediately.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		close(p.closeCh)
	})
	p.wg.Wait()
	return nil
}

// markFailed suspends addr from the moment the dial failed, not from when
// the owner goroutine gets to the command.
func (p *Pool) markFailed(addr string) {
	if p.cfg.blacklistFor <= 0 {
		return
	}
	until := p.cfg.now().Add(p.cfg.blacklistFor)
	_ = p.send(context.Background(), failCmd{addr: addr, until: until})
}

func (p *Pool) send(ctx context.Context, cmd any) error {
	select {
	case <-p.closeCh:
		return ErrPoolClosed
	default:
	}

	select {
	case p.cmdCh <- cmd:
		return nil
	case <-p.closeCh:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.closeCh:
			for seq, conn := range p.idle {
				conn.Close()
				delete(p.idle, seq)
			}
			p.lru.Clear(false)
			clear(p.byAddr)
			p.reportIdle()
			return
		case cmd := <-p.cmdCh:
			switch cmd := cmd.(type) {
			case acquireCmd:
				cmd.reply <- p.acquire(cmd.addr)
			case releaseCmd:
				p.release(cmd.conn)
			case failCmd:
				p.fail(cmd.addr, cmd.until)
			case statsCmd:
				cmd.reply <- p.stats()
			}
		}
	}
}

func (p *Pool) acquire(addr string) acquireResult {
	labels := withLabels(p.cfg.metricLabels, LabelPeerAddr.M(addr))

	if until, ok := p.suspended[addr]; ok {
		if p.cfg.now().Before(until) {
			p.cfg.msink.IncrCounterWithLabels(MetricPoolSuspendedCount, 1.0, labels)
			return acquireResult{err: &SuspendedError{Addr: addr, Until: until}}
		}
		delete(p.suspended, addr)
		p.logger.Debug("address suspension lapsed", LabelPeerAddr.L(addr))
	}

	seqs := p.byAddr[addr]
	if len(seqs) == 0 {
		p.cfg.msink.IncrCounterWithLabels(MetricPoolMissCount, 1.0, labels)
		return acquireResult{}
	}

	// The most recently released connection is the least likely to have
	// been closed by the remote.
	seq := seqs[len(seqs)-1]
	p.setSeqs(addr, seqs[:len(seqs)-1])
	conn := p.idle[seq]
	delete(p.idle, seq)
	p.lru.Delete(seq)

	p.cfg.msink.IncrCounterWithLabels(MetricPoolHitCount, 1.0, labels)
	p.reportIdle()
	return acquireResult{conn: conn}
}

func (p *Pool) release(conn *Conn) {
	if p.cfg.poolCapacity == 0 {
		conn.Close()
		return
	}

	p.seq++
	seq := p.seq
	p.idle[seq] = conn
	p.lru.ReplaceOrInsert(seq)
	p.byAddr[conn.addr] = append(p.byAddr[conn.addr], seq)

	for p.lru.Len() > p.cfg.poolCapacity {
		oldest, _ := p.lru.DeleteMin()
		evicted := p.idle[oldest]
		delete(p.idle, oldest)

		// The globally oldest entry is also the oldest of its address.
		seqs := p.byAddr[evicted.addr]
		p.setSeqs(evicted.addr, seqs[1:])

		evicted.Close()
		p.cfg.msink.IncrCounterWithLabels(
			MetricPoolEvictionCount,
			1.0,
			withLabels(p.cfg.metricLabels, LabelPeerAddr.M(evicted.addr)),
		)
	}
	p.reportIdle()
}

func (p *Pool) fail(addr string, until time.Time) {
	p.suspended[addr] = until
	p.logger.Warn("suspending address after connection failure",
		LabelPeerAddr.L(addr),
		slog.Time("until", until),
	)
}

func (p *Pool) stats() PoolStats {
	stats := PoolStats{
		Idle:      len(p.idle),
		IdleAddrs: make(map[string]int, len(p.byAddr)),
		Suspended: len(p.suspended),
	}
	for addr, seqs := range p.byAddr {
		stats.IdleAddrs[addr] = len(seqs)
	}
	return stats
}

func (p *Pool) setSeqs(addr string, seqs []uint64) {
	if len(seqs) == 0 {
		delete(p.byAddr, addr)
		return
	}
	p.byAddr[addr] = seqs
}

func (p *Pool) reportIdle() {
	p.cfg.msink.SetGaugeWithLabels(MetricPoolIdleConns, float32(len(p.idle)), p.cfg.metricLabels)
}
