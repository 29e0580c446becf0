package htrpc

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"
)

// Handler serves one procedure. Returning a `*Problem` controls the
// response sent, errors of kind `KindInvalid` become a 400 problem and
// any other error a 500 problem.
type Handler[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

type route struct {
	name  string
	ep    EntryPoint
	serve func(ctx context.Context, vars []string, rawQuery []byte, req *fasthttp.Request, resp *fasthttp.Response) (*Problem, error)
}

// ServerBuilder collects the procedures served by a `Server`. Conflicting
// registrations are detected by `Register` so a built server never has
// ambiguous routes.
type ServerBuilder struct {
	cfg    *config
	routes *RouterBuilder[*route]
}

func NewServerBuilder(opts ...Option) (*ServerBuilder, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}
	return &ServerBuilder{
		cfg:    cfg,
		routes: NewRouterBuilder[*route](),
	}, nil
}

// Register binds handler to proc. It fails with `ErrRouteConflict` if a
// procedure with the same method matches the same paths.
func Register[Req, Resp any](b *ServerBuilder, proc *Procedure[Req, Resp], handler Handler[Req, Resp]) error {
	if handler == nil {
		return invalidf("nil handler for %s", proc)
	}

	r := &route{name: proc.String(), ep: proc.ep}
	r.serve = func(ctx context.Context, vars []string, rawQuery []byte, req *fasthttp.Request, resp *fasthttp.Response) (*Problem, error) {
		var in Req
		if err := proc.req.decodeRequest(&in, vars, rawQuery, req); err != nil {
			return NewProblem(StatusBadRequest).WithDetail("%s", err), nil
		}

		out, err := handler(ctx, in)
		if err != nil {
			problem, expected := problemFor(err)
			if expected {
				return problem, nil
			}
			return problem.WithDetail("%s failed", r.name), err
		}

		if err := proc.resp.encodeResponse(&out, resp); err != nil {
			return NewProblem(StatusInternalServerError).WithDetail("%s failed", r.name), fmt.Errorf("encoding response: %w", err)
		}
		return nil, nil
	}

	return b.routes.Insert(proc.method, proc.ep, r)
}

// Build returns a server for the procedures registered so far.
func (b *ServerBuilder) Build() *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:       b.cfg,
		logger:    b.cfg.logger().With("component", "server"),
		router:    b.routes.Build(),
		baseCtx:   ctx,
		cancel:    cancel,
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[*serverConn]struct{}),
	}
}

// Server answers HTTP/1.1 requests on the listeners given to `Serve`.
type Server struct {
	cfg    *config
	logger *slog.Logger
	router *Router[*route]

	baseCtx context.Context
	cancel  context.CancelFunc
	closing atomic.Bool
	group   errgroup.Group

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[*serverConn]struct{}
}

type serverConn struct {
	nc     net.Conn
	active atomic.Bool
}

// ListenAndServe listens on the TCP address addr and calls `Serve`.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until it fails or the server shuts
// down, in which case `ErrServerClosed` is returned. ln is closed on
// return.
func (s *Server) Serve(ln net.Listener) error {
	if !s.track(ln, true) {
		ln.Close()
		return ErrServerClosed
	}
	defer s.track(ln, false)
	defer ln.Close()

	s.logger.Info("serving", "addr", ln.Addr().String(), "routes", s.router.Len())

	var backoff time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.closing.Load() {
				return ErrServerClosed
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
				s.logger.Warn("accept failed, retrying", LabelError.L(err), "backoff", backoff)
				time.Sleep(backoff)
				continue
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		backoff = 0

		if !s.startConn(&serverConn{nc: nc}) {
			nc.Close()
			return ErrServerClosed
		}
		s.cfg.msink.IncrCounterWithLabels(MetricServerConnCount, 1.0, s.cfg.metricLabels)
	}
}

// startConn tracks sc and serves it in the group. The group is only grown
// under mu while not closing, so `Shutdown` never waits concurrently with
// an addition.
func (s *Server) startConn(sc *serverConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() {
		return false
	}
	s.conns[sc] = struct{}{}
	s.group.Go(func() error {
		defer s.untrackConn(sc)
		defer sc.nc.Close()
		s.serveConn(sc)
		return nil
	})
	return true
}

// Shutdown stops accepting connections, closes idle ones and waits for the
// in-flight requests to be answered. If ctx expires first, the remaining
// connections are closed and ctx's error is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing.Store(true)
	for ln := range s.listeners {
		ln.Close()
	}
	for sc := range s.conns {
		if !sc.active.Load() {
			sc.nc.Close()
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = s.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		s.mu.Lock()
		for sc := range s.conns {
			sc.nc.Close()
		}
		s.mu.Unlock()
		return ctx.Err()
	}
}

func (s *Server) track(ln net.Listener, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		if s.closing.Load() {
			return false
		}
		s.listeners[ln] = struct{}{}
	} else {
		delete(s.listeners, ln)
	}
	return true
}

func (s *Server) untrackConn(sc *serverConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, sc)
}

func (s *Server) serveConn(sc *serverConn) {
	logger := s.logger.With(LabelPeerAddr.L(sc.nc.RemoteAddr().String()))
	br := bufio.NewReader(sc.nc)
	bw := bufio.NewWriter(sc.nc)

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	for {
		req.Reset()
		resp.Reset()
		resp.Header.SetNoDefaultContentType(true)

		err := s.readRequest(br, bw, req)
		if err != nil {
			if problem := s.readFailure(logger, err); problem != nil {
				problem.write(resp)
				resp.SetConnectionClose()
				s.countProblem(problem, "")
				if err := s.writeResponse(bw, resp); err != nil {
					logger.Debug("failed to write problem", LabelError.L(err))
				}
			}
			return
		}

		sc.active.Store(true)
		start := time.Now()
		keepAlive := s.cfg.keepAlive && !req.Header.ConnectionClose() && !s.closing.Load()

		routeName := s.handle(logger, req, resp)
		if req.Header.IsHead() {
			resp.Header.SetContentLength(len(resp.Body()))
			resp.SkipBody = true
		}
		if !keepAlive {
			resp.SetConnectionClose()
		}
		err = s.writeResponse(bw, resp)
		sc.active.Store(false)

		labels := withLabels(s.cfg.metricLabels,
			LabelMethod.M(string(req.Header.Method())),
			LabelRoute.M(routeName),
			LabelStatus.M(strconv.Itoa(resp.StatusCode())),
		)
		s.cfg.msink.IncrCounterWithLabels(MetricServerRequestCount, 1.0, labels)
		s.cfg.msink.AddSampleWithLabels(
			MetricServerRequestLatency,
			float32(time.Since(start).Seconds()*1000),
			labels,
		)

		if err != nil {
			logger.Debug("failed to write response", LabelError.L(err))
			return
		}
		if !keepAlive || s.closing.Load() {
			return
		}
	}
}

func (s *Server) readRequest(br *bufio.Reader, bw *bufio.Writer, req *fasthttp.Request) error {
	if err := req.ReadLimitBody(br, s.cfg.maxBodySize); err != nil {
		return err
	}
	if !req.MayContinue() {
		return nil
	}
	if _, err := bw.WriteString("HTTP/1.1 100 Continue\r\n\r\n"); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return req.ContinueReadBody(br, s.cfg.maxBodySize)
}

// readFailure classifies an error met while reading a request and returns
// the problem to answer with, if the peer can still be answered.
func (s *Server) readFailure(logger *slog.Logger, err error) *Problem {
	var (
		nothing fasthttp.ErrNothingRead
		netErr  net.Error
	)
	switch {
	case errors.Is(err, io.EOF), errors.As(err, &nothing), errors.Is(err, net.ErrClosed):
		return nil
	case errors.As(err, &netErr):
		logger.Debug("connection failed", LabelError.L(err))
		return nil
	case errors.Is(err, fasthttp.ErrBodyTooLarge):
		logger.Debug("request body too large", LabelError.L(err))
		return NewProblem(StatusPayloadTooLarge).WithDetail("body exceeds %d bytes", s.cfg.maxBodySize)
	default:
		logger.Debug("malformed request", LabelError.L(err))
		return NewProblem(StatusBadRequest).WithDetail("malformed request: %s", err)
	}
}

// handle routes req, runs its handler and fills resp. It returns the name
// of the matched route, empty if none matched.
func (s *Server) handle(logger *slog.Logger, req *fasthttp.Request, resp *fasthttp.Response) string {
	uri := req.Header.RequestURI()
	path, rawQuery := uri, []byte(nil)
	if i := bytes.IndexByte(uri, '?'); i >= 0 {
		path, rawQuery = uri[:i], uri[i+1:]
	}

	segments, err := SplitPath(string(path))
	if err != nil {
		s.sendProblem(resp, NewProblem(StatusBadRequest).WithDetail("%s", err), "")
		return ""
	}

	method := string(req.Header.Method())
	rt, err := s.router.Lookup(method, segments)
	if err != nil {
		var notAllowed *MethodNotAllowedError
		if errors.As(err, &notAllowed) {
			resp.Header.Set("Allow", strings.Join(notAllowed.Allowed, ", "))
			s.sendProblem(resp, NewProblem(StatusMethodNotAllowed).WithDetail("%s", err), "")
			return ""
		}
		s.sendProblem(resp, NewProblem(StatusNotFound).WithDetail("no procedure at %s", path), "")
		return ""
	}

	vars, err := rt.ep.MatchSegments(segments)
	if err != nil {
		s.sendProblem(resp, NewProblem(StatusBadRequest).WithDetail("%s", err), rt.name)
		return rt.name
	}

	problem, err := s.dispatch(rt, vars, rawQuery, req, resp)
	if err != nil {
		logger.Error("procedure failed",
			LabelRoute.L(rt.name),
			LabelProblemID.L(problem.Instance),
			LabelError.L(err),
		)
	}
	if problem != nil {
		// Drop whatever the response schema wrote before failing.
		resp.Reset()
		resp.Header.SetNoDefaultContentType(true)
		s.sendProblem(resp, problem, rt.name)
	}
	return rt.name
}

// dispatch runs rt, a panicking handler is answered with a 500 problem.
func (s *Server) dispatch(rt *route, vars []string, rawQuery []byte, req *fasthttp.Request, resp *fasthttp.Response) (problem *Problem, err error) {
	defer func() {
		if v := recover(); v != nil {
			problem = NewProblem(StatusInternalServerError).WithDetail("%s failed", rt.name)
			err = fmt.Errorf("panic: %v\n%s", v, debug.Stack())
		}
	}()
	return rt.serve(s.baseCtx, vars, rawQuery, req, resp)
}

func (s *Server) sendProblem(resp *fasthttp.Response, problem *Problem, routeName string) {
	problem.write(resp)
	s.countProblem(problem, routeName)
}

func (s *Server) countProblem(problem *Problem, routeName string) {
	s.cfg.msink.IncrCounterWithLabels(
		MetricServerProblemCount,
		1.0,
		withLabels(s.cfg.metricLabels,
			LabelRoute.M(routeName),
			LabelStatus.M(strconv.Itoa(problem.Status)),
		),
	)
}

func (s *Server) writeResponse(bw *bufio.Writer, resp *fasthttp.Response) error {
	if err := resp.Write(bw); err != nil {
		return err
	}
	return bw.Flush()
}
