package htrpc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
)

// Client performs calls through a `Pool` of connections.
type Client struct {
	cfg      *config
	logger   *slog.Logger
	pool     *Pool
	ownsPool bool
}

// NewClient creates a client owning a new `Pool`, unless `WithPool` is
// given.
func NewClient(opts ...Option) (*Client, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:    cfg,
		logger: cfg.logger().With("component", "client"),
		pool:   cfg.pool,
	}
	if c.pool == nil {
		c.pool = newPool(cfg)
		c.ownsPool = true
	}
	return c, nil
}

func (c *Client) Pool() *Pool {
	return c.pool
}

// Close releases the pool if the client owns it.
func (c *Client) Close() error {
	if c.ownsPool {
		return c.pool.Close()
	}
	return nil
}

// Call resolves target, borrows a connection to it and performs proc.
//
// Failures are returned as `*CallError`, except problem responses sent by
// the server which are returned as `*Problem`. Calls are never retried.
func Call[Req, Resp any](ctx context.Context, c *Client, target string, proc *Procedure[Req, Resp], req Req) (Resp, error) {
	var zero Resp
	start := time.Now()

	addr, err := c.cfg.resolver.Resolve(ctx, target)
	if err != nil {
		err = &CallError{Phase: PhaseConnect, Addr: target, Err: err}
		c.report(proc.String(), target, start, err)
		return zero, err
	}

	conn, err := c.pool.Acquire(ctx, addr)
	if err != nil {
		err = &CallError{Phase: PhaseConnect, Addr: addr, Err: err}
		c.report(proc.String(), addr, start, err)
		return zero, err
	}

	resp, reusable, err := roundTrip(ctx, conn, proc, &req, c.cfg.maxBodySize)
	if reusable {
		c.pool.Release(conn)
	} else {
		conn.Close()
	}

	c.report(proc.String(), addr, start, err)
	return resp, err
}

// CallConn performs proc on a connection owned by the caller, e.g. one
// returned by `Connect`. The connection must be closed after an error
// other than a `*Problem`.
func CallConn[Req, Resp any](ctx context.Context, conn *Conn, proc *Procedure[Req, Resp], req Req) (Resp, error) {
	resp, _, err := roundTrip(ctx, conn, proc, &req, 0)
	return resp, err
}

func (c *Client) report(route, addr string, start time.Time, err error) {
	labels := withLabels(c.cfg.metricLabels, LabelRoute.M(route), LabelPeerAddr.M(addr))
	c.cfg.msink.IncrCounterWithLabels(MetricClientCallCount, 1.0, labels)
	c.cfg.msink.AddSampleWithLabels(
		MetricClientCallLatency,
		float32(time.Since(start).Seconds()*1000),
		labels,
	)

	if err == nil {
		return
	}

	var (
		callErr *CallError
		problem *Problem
	)
	switch {
	case errors.As(err, &problem):
		labels = append(labels, LabelStatus.M(strconv.Itoa(problem.Status)))
	case errors.As(err, &callErr):
		labels = append(labels, LabelPhase.M(callErr.Phase.String()))
	}
	c.cfg.msink.IncrCounterWithLabels(MetricClientCallErrorCount, 1.0, labels)
	c.logger.Debug("call failed", LabelRoute.L(route), LabelPeerAddr.L(addr), LabelError.L(err))
}

// roundTrip writes one request and reads its response. reusable reports
// whether the connection is still in a clean state afterwards.
func roundTrip[Req, Resp any](ctx context.Context, conn *Conn, proc *Procedure[Req, Resp], in *Req, maxBodySize int) (out Resp, reusable bool, err error) {
	fail := func(phase Phase, err error) (Resp, bool, error) {
		var zero Resp
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return zero, false, &CallError{Phase: phase, Addr: conn.addr, Err: err}
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	req.Header.SetNoDefaultContentType(true)
	req.Header.SetMethod(proc.method)
	req.Header.SetHost(conn.addr)
	if err := proc.req.encodeRequest(in, proc.ep, req); err != nil {
		return fail(PhaseEncode, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.nc.SetDeadline(deadline)
	} else {
		conn.nc.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		// Unblocks any pending read or write.
		conn.nc.SetDeadline(time.Unix(1, 0))
	})
	defer func() {
		if !stop() {
			reusable = false
		}
	}()

	if err := req.Write(conn.bw); err != nil {
		return fail(PhaseWrite, err)
	}
	if err := conn.bw.Flush(); err != nil {
		return fail(PhaseWrite, err)
	}

	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)
	resp.Header.SetNoDefaultContentType(true)
	if err := resp.Header.Read(conn.br); err != nil {
		return fail(PhaseReadHead, err)
	}

	head := proc.method == fasthttp.MethodHead
	hasBody := !head && !bodyless(resp.StatusCode())

	// Identity bodies are delimited by the connection closing.
	identity := hasBody && resp.Header.ContentLength() == -2

	if hasBody {
		if err := resp.ReadBody(conn.br, maxBodySize); err != nil {
			return fail(PhaseReadBody, err)
		}
		if resp.Header.ContentLength() == -1 {
			if err := resp.Header.ReadTrailer(conn.br); err != nil && err != io.EOF {
				return fail(PhaseReadBody, err)
			}
		}
	}

	reusable = !resp.Header.ConnectionClose() && !identity

	if problem, ok := readProblem(resp); ok {
		return out, reusable, problem
	}

	if err := proc.resp.decodeResponse(&out, resp, head); err != nil {
		var zero Resp
		return zero, reusable, &CallError{Phase: PhaseDecode, Addr: conn.addr, Err: err}
	}
	return out, reusable, nil
}

// bodyless reports whether responses with this code never carry a body.
func bodyless(code int) bool {
	return (code >= 100 && code < 200) || code == fasthttp.StatusNoContent || code == fasthttp.StatusNotModified
}
