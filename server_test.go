package htrpc

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/htrpc/pkg/content"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

type addRequest struct {
	Name  string
	Value *int64
}

type counterTotal struct {
	Name  string `json:"name"`
	Total int64  `json:"total"`
}

type addResponse struct {
	Total counterTotal
}

var addProc = MustProcedure(
	"PUT",
	MustEntryPoint("/counters/{name}"),
	MustSchema(
		PathVar(func(r *addRequest) *string { return &r.Name }),
		OptionalQuery("value", func(r *addRequest) **int64 { return &r.Value }),
	),
	MustSchema(
		Body(content.JSON[counterTotal]{}, func(r *addResponse) *counterTotal { return &r.Total }),
	),
)

// getProc shares the entry point of addProc under another method, it is
// never registered.
var getProc = MustProcedure(
	"GET",
	MustEntryPoint("/counters/{name}"),
	MustSchema(PathVar(func(r *addRequest) *string { return &r.Name })),
	MustSchema(Body(content.JSON[counterTotal]{}, func(r *addResponse) *counterTotal { return &r.Total })),
)

type pingResponse struct {
	Status  Status
	Version int64
	Body    []byte
}

var pingProc = MustProcedure(
	"HEAD",
	MustEntryPoint("/ping"),
	MustSchema[struct{}](),
	MustSchema(
		StatusField(func(r *pingResponse) *Status { return &r.Status }),
		Header("X-Version", func(r *pingResponse) *int64 { return &r.Version }),
		Body(content.Text(), func(r *pingResponse) *[]byte { return &r.Body }),
	),
)

type counterStore struct {
	lk     sync.Mutex
	totals map[string]int64
}

func (c *counterStore) add(_ context.Context, req addRequest) (addResponse, error) {
	delta := int64(1)
	if req.Value != nil {
		delta = *req.Value
	}

	c.lk.Lock()
	defer c.lk.Unlock()
	c.totals[req.Name] += delta
	return addResponse{Total: counterTotal{Name: req.Name, Total: c.totals[req.Name]}}, nil
}

func testLogHandler(name string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(name)},
	})
}

func testOptions(name string, opts ...Option) []Option {
	return append([]Option{
		WithLog(testLogHandler(name)),
		WithMetricSink(&metrics.BlackholeSink{}),
	}, opts...)
}

// startServer serves the procedures registered by register on a loopback
// listener until the test ends.
func startServer(t *testing.T, register func(b *ServerBuilder), opts ...Option) (string, *Server) {
	t.Helper()
	b, err := NewServerBuilder(testOptions("server", opts...)...)
	require.NoError(t, err)
	register(b)
	srv := b.Build()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- srv.Serve(ln)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, srv.Shutdown(ctx))
		require.ErrorIs(t, <-done, ErrServerClosed)
	})
	return ln.Addr().String(), srv
}

func registerCounter(t *testing.T) func(b *ServerBuilder) {
	return func(b *ServerBuilder) {
		store := &counterStore{totals: make(map[string]int64)}
		require.NoError(t, Register(b, addProc, store.add))
	}
}

func newTestClient(t *testing.T, opts ...Option) *Client {
	t.Helper()
	client, err := NewClient(testOptions("client", opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func ptr[T any](v T) *T {
	return &v
}

// rawConn talks HTTP/1.1 to addr without going through a `Client`.
type rawConn struct {
	t  *testing.T
	nc net.Conn
	br *bufio.Reader
}

func dialRaw(t *testing.T, addr string) *rawConn {
	t.Helper()
	nc, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { nc.Close() })
	nc.SetDeadline(time.Now().Add(5 * time.Second))
	return &rawConn{t: t, nc: nc, br: bufio.NewReader(nc)}
}

func (c *rawConn) exchange(raw string, head bool) *fasthttp.Response {
	c.t.Helper()
	_, err := c.nc.Write([]byte(raw))
	require.NoError(c.t, err)

	resp := &fasthttp.Response{}
	resp.SkipBody = head
	require.NoError(c.t, resp.Read(c.br))
	return resp
}

func (c *rawConn) requireClosed() {
	c.t.Helper()
	_, err := c.br.ReadByte()
	require.ErrorIs(c.t, err, io.EOF)
}

func TestServer_Counter(t *testing.T) {
	addr, _ := startServer(t, registerCounter(t))
	client := newTestClient(t)
	ctx := context.Background()

	resp, err := Call(ctx, client, addr, addProc, addRequest{Name: "foo", Value: ptr[int64](5)})
	require.NoError(t, err)
	require.Equal(t, int64(5), resp.Total.Total)

	resp, err = Call(ctx, client, addr, addProc, addRequest{Name: "foo", Value: ptr[int64](5)})
	require.NoError(t, err)
	require.Equal(t, int64(10), resp.Total.Total)

	resp, err = Call(ctx, client, addr, addProc, addRequest{Name: "foo"})
	require.NoError(t, err)
	require.Equal(t, counterTotal{Name: "foo", Total: 11}, resp.Total)

	resp, err = Call(ctx, client, addr, addProc, addRequest{Name: "bar/baz", Value: ptr[int64](-2)})
	require.NoError(t, err)
	require.Equal(t, counterTotal{Name: "bar/baz", Total: -2}, resp.Total)

	// Sequential calls share one kept-alive connection.
	require.Equal(t, map[string]int{addr: 1}, client.Pool().Stats().IdleAddrs)
}

func TestServer_ConcurrentCalls(t *testing.T) {
	addr, _ := startServer(t, registerCounter(t))
	client := newTestClient(t)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				_, err := Call(context.Background(), client, addr, addProc, addRequest{Name: "shared"})
				if err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	resp, err := Call(context.Background(), client, addr, addProc, addRequest{Name: "shared", Value: ptr[int64](0)})
	require.NoError(t, err)
	require.Equal(t, int64(80), resp.Total.Total)
}

func TestServer_MalformedQueryKeepsConnection(t *testing.T) {
	addr, _ := startServer(t, registerCounter(t))
	conn := dialRaw(t, addr)

	resp := conn.exchange("PUT /counters/foo?value=abc HTTP/1.1\r\nHost: test\r\nContent-Length: 0\r\n\r\n", false)
	require.Equal(t, 400, resp.StatusCode())
	require.Equal(t, content.MimeProblemJSON, string(resp.Header.ContentType()))
	require.False(t, resp.ConnectionClose())

	problem, ok := readProblem(resp)
	require.True(t, ok)
	require.Equal(t, "Bad Request", problem.Title)
	require.Contains(t, problem.Detail, "value")
	require.NotEmpty(t, problem.Instance)

	resp = conn.exchange("PUT /counters/foo?value=5 HTTP/1.1\r\nHost: test\r\nContent-Length: 0\r\n\r\n", false)
	require.Equal(t, 200, resp.StatusCode())
	require.JSONEq(t, `{"name":"foo","total":5}`, string(resp.Body()))
}

func TestServer_MalformedPathKeepsConnection(t *testing.T) {
	addr, _ := startServer(t, registerCounter(t))
	conn := dialRaw(t, addr)

	resp := conn.exchange("PUT /counters/%zz HTTP/1.1\r\nHost: test\r\nContent-Length: 0\r\n\r\n", false)
	require.Equal(t, 400, resp.StatusCode())

	resp = conn.exchange("PUT /counters/ok HTTP/1.1\r\nHost: test\r\nContent-Length: 0\r\n\r\n", false)
	require.Equal(t, 200, resp.StatusCode())
}

func TestServer_RoutingProblems(t *testing.T) {
	addr, _ := startServer(t, registerCounter(t))
	conn := dialRaw(t, addr)

	resp := conn.exchange("GET /nowhere HTTP/1.1\r\nHost: test\r\n\r\n", false)
	require.Equal(t, 404, resp.StatusCode())
	require.Equal(t, content.MimeProblemJSON, string(resp.Header.ContentType()))

	resp = conn.exchange("DELETE /counters/foo HTTP/1.1\r\nHost: test\r\nContent-Length: 0\r\n\r\n", false)
	require.Equal(t, 405, resp.StatusCode())
	require.Equal(t, "PUT", string(resp.Header.Peek("Allow")))

	// The client surfaces problems as errors.
	client := newTestClient(t)
	_, err := Call(context.Background(), client, addr, getProc, addRequest{Name: "foo"})
	var problem *Problem
	require.ErrorAs(t, err, &problem)
	require.Equal(t, 405, problem.Status)
	require.Equal(t, "Method Not Allowed", problem.Title)

	// A problem leaves the connection reusable.
	require.Equal(t, 1, client.Pool().Stats().Idle)
}

func TestServer_HandlerErrors(t *testing.T) {
	type errRequest struct {
		Kind string
	}
	failProc := MustProcedure(
		"POST",
		MustEntryPoint("/fail/{kind}"),
		MustSchema(PathVar(func(r *errRequest) *string { return &r.Kind })),
		MustSchema[struct{}](),
	)

	addr, _ := startServer(t, func(b *ServerBuilder) {
		require.NoError(t, Register(b, failProc, func(_ context.Context, req errRequest) (struct{}, error) {
			switch req.Kind {
			case "problem":
				return struct{}{}, NewProblem(StatusConflict).WithDetail("already exists")
			case "invalid":
				return struct{}{}, invalidf("bad input")
			case "internal":
				return struct{}{}, errors.New("database is down")
			}
			return struct{}{}, nil
		}))
	})
	client := newTestClient(t)
	ctx := context.Background()

	_, err := Call(ctx, client, addr, failProc, errRequest{Kind: "ok"})
	require.NoError(t, err)

	var problem *Problem
	_, err = Call(ctx, client, addr, failProc, errRequest{Kind: "problem"})
	require.ErrorAs(t, err, &problem)
	require.Equal(t, 409, problem.Status)
	require.Equal(t, "already exists", problem.Detail)

	_, err = Call(ctx, client, addr, failProc, errRequest{Kind: "invalid"})
	require.ErrorAs(t, err, &problem)
	require.Equal(t, 400, problem.Status)
	require.ErrorIs(t, err, ErrInvalid)

	_, err = Call(ctx, client, addr, failProc, errRequest{Kind: "internal"})
	require.ErrorAs(t, err, &problem)
	require.Equal(t, 500, problem.Status)
	require.NotContains(t, problem.Detail, "database")
	require.True(t, strings.HasPrefix(problem.Instance, "urn:uuid:"))
}

func TestServer_Head(t *testing.T) {
	addr, _ := startServer(t, func(b *ServerBuilder) {
		require.NoError(t, Register(b, pingProc, func(context.Context, struct{}) (pingResponse, error) {
			return pingResponse{Status: StatusAccepted, Version: 3, Body: []byte("pong")}, nil
		}))
	})

	conn := dialRaw(t, addr)
	resp := conn.exchange("HEAD /ping HTTP/1.1\r\nHost: test\r\n\r\n", true)
	require.Equal(t, 202, resp.StatusCode())
	require.Equal(t, "3", string(resp.Header.Peek("X-Version")))
	require.Equal(t, 4, resp.Header.ContentLength())

	// Nothing was sent after the head: the next exchange parses.
	resp = conn.exchange("HEAD /ping HTTP/1.1\r\nHost: test\r\n\r\n", true)
	require.Equal(t, 202, resp.StatusCode())

	client := newTestClient(t)
	for range 2 {
		out, err := Call(context.Background(), client, addr, pingProc, struct{}{})
		require.NoError(t, err)
		require.Equal(t, StatusAccepted, out.Status)
		require.Equal(t, int64(3), out.Version)
		require.Empty(t, out.Body)
	}
	require.Equal(t, 1, client.Pool().Stats().Idle)
}

func TestServer_KeepAliveOff(t *testing.T) {
	addr, _ := startServer(t, registerCounter(t), WithKeepAlive(false))

	conn := dialRaw(t, addr)
	resp := conn.exchange("PUT /counters/foo HTTP/1.1\r\nHost: test\r\nContent-Length: 0\r\n\r\n", false)
	require.Equal(t, 200, resp.StatusCode())
	require.True(t, resp.ConnectionClose())
	conn.requireClosed()

	client := newTestClient(t)
	for want := int64(2); want <= 3; want++ {
		out, err := Call(context.Background(), client, addr, addProc, addRequest{Name: "foo"})
		require.NoError(t, err)
		require.Equal(t, want, out.Total.Total)
		require.Equal(t, 0, client.Pool().Stats().Idle)
	}
}

func TestServer_ConnectionCloseRequested(t *testing.T) {
	addr, _ := startServer(t, registerCounter(t))

	conn := dialRaw(t, addr)
	resp := conn.exchange("PUT /counters/foo HTTP/1.1\r\nHost: test\r\nConnection: close\r\nContent-Length: 0\r\n\r\n", false)
	require.Equal(t, 200, resp.StatusCode())
	require.True(t, resp.ConnectionClose())
	conn.requireClosed()
}

func TestServer_BodyTooLarge(t *testing.T) {
	type upload struct {
		Data []byte
	}
	uploadProc := MustProcedure(
		"POST",
		MustEntryPoint("/upload"),
		MustSchema(RawBody(func(r *upload) *[]byte { return &r.Data })),
		MustSchema[struct{}](),
	)

	addr, _ := startServer(t, func(b *ServerBuilder) {
		require.NoError(t, Register(b, uploadProc, func(context.Context, upload) (struct{}, error) {
			return struct{}{}, nil
		}))
	}, WithMaxBodySize(16))

	conn := dialRaw(t, addr)
	resp := conn.exchange("POST /upload HTTP/1.1\r\nHost: test\r\nContent-Length: 8\r\n\r\n12345678", false)
	require.Equal(t, 200, resp.StatusCode())

	body := strings.Repeat("x", 64)
	resp = conn.exchange("POST /upload HTTP/1.1\r\nHost: test\r\nContent-Length: 64\r\n\r\n"+body, false)
	require.Equal(t, 413, resp.StatusCode())
	require.True(t, resp.ConnectionClose())
	conn.requireClosed()
}

func TestServer_MalformedHead(t *testing.T) {
	addr, _ := startServer(t, registerCounter(t))

	conn := dialRaw(t, addr)
	resp := conn.exchange("NOT HTTP\r\n\r\n", false)
	require.Equal(t, 400, resp.StatusCode())
	require.True(t, resp.ConnectionClose())
	conn.requireClosed()
}

func TestServer_CleanDisconnect(t *testing.T) {
	addr, _ := startServer(t, registerCounter(t))

	conn := dialRaw(t, addr)
	conn.exchange("PUT /counters/foo HTTP/1.1\r\nHost: test\r\nContent-Length: 0\r\n\r\n", false)
	require.NoError(t, conn.nc.Close())

	// The server keeps serving other connections.
	client := newTestClient(t)
	out, err := Call(context.Background(), client, addr, addProc, addRequest{Name: "foo"})
	require.NoError(t, err)
	require.Equal(t, int64(2), out.Total.Total)
}

func TestServer_RegisterConflict(t *testing.T) {
	b, err := NewServerBuilder(testOptions("server")...)
	require.NoError(t, err)

	store := &counterStore{totals: make(map[string]int64)}
	require.NoError(t, Register(b, addProc, store.add))

	err = Register(b, addProc, store.add)
	require.ErrorIs(t, err, ErrRouteConflict)

	// GET on the same entry point is another route.
	require.NoError(t, Register(b, getProc, store.add))
	require.Equal(t, 2, b.Build().router.Len())
}

func TestServer_ShutdownWaitsInFlight(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})

	b, err := NewServerBuilder(testOptions("server")...)
	require.NoError(t, err)
	require.NoError(t, Register(b, addProc, func(_ context.Context, req addRequest) (addResponse, error) {
		close(entered)
		<-release
		return addResponse{Total: counterTotal{Name: req.Name, Total: 1}}, nil
	}))
	srv := b.Build()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() {
		served <- srv.Serve(ln)
	}()

	client := newTestClient(t)
	called := make(chan error, 1)
	go func() {
		_, err := Call(context.Background(), client, ln.Addr().String(), addProc, addRequest{Name: "slow"})
		called <- err
	}()
	<-entered

	shutdown := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdown <- srv.Shutdown(ctx)
	}()
	require.ErrorIs(t, <-served, ErrServerClosed)

	close(release)
	require.NoError(t, <-called)
	require.NoError(t, <-shutdown)

	require.ErrorIs(t, srv.Serve(ln), ErrServerClosed)
}

func TestClient_DeadlineExceeded(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	addr, _ := startServer(t, func(b *ServerBuilder) {
		require.NoError(t, Register(b, addProc, func(ctx context.Context, _ addRequest) (addResponse, error) {
			<-release
			return addResponse{}, nil
		}))
	})
	client := newTestClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := Call(ctx, client, addr, addProc, addRequest{Name: "foo"})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	require.Equal(t, PhaseReadHead, callErr.Phase)
	require.Equal(t, 0, client.Pool().Stats().Idle)
}

func TestClient_ConnectFailureSuspends(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	client := newTestClient(t)
	_, err = Call(context.Background(), client, addr, addProc, addRequest{Name: "foo"})
	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	require.Equal(t, PhaseConnect, callErr.Phase)

	_, err = Call(context.Background(), client, addr, addProc, addRequest{Name: "foo"})
	var suspended *SuspendedError
	require.ErrorAs(t, err, &suspended)
	require.Equal(t, addr, suspended.Addr)
}

func TestClient_CallConn(t *testing.T) {
	addr, _ := startServer(t, registerCounter(t))

	conn, err := Connect(context.Background(), nil, addr)
	require.NoError(t, err)
	defer conn.Close()

	for _, want := range []int64{3, 6} {
		out, err := CallConn(context.Background(), conn, addProc, addRequest{Name: "direct", Value: ptr[int64](3)})
		require.NoError(t, err)
		require.Equal(t, want, out.Total.Total)
	}
}

func TestServer_HandlerPanic(t *testing.T) {
	addr, _ := startServer(t, func(b *ServerBuilder) {
		require.NoError(t, Register(b, addProc, func(_ context.Context, req addRequest) (addResponse, error) {
			if req.Name == "boom" {
				panic("counter store corrupted")
			}
			return addResponse{Total: counterTotal{Name: req.Name, Total: 1}}, nil
		}))
	})
	client := newTestClient(t)

	_, err := Call(context.Background(), client, addr, addProc, addRequest{Name: "boom"})
	var problem *Problem
	require.ErrorAs(t, err, &problem)
	require.Equal(t, 500, problem.Status)
	require.NotContains(t, problem.Detail, "corrupted")
	require.NotEmpty(t, problem.Instance)

	// The connection and the server survive the panic.
	out, err := Call(context.Background(), client, addr, addProc, addRequest{Name: "fine"})
	require.NoError(t, err)
	require.Equal(t, int64(1), out.Total.Total)
	require.Equal(t, 1, client.Pool().Stats().Idle)
}

func TestServer_EncodeFailureDropsHeaders(t *testing.T) {
	type versioned struct {
		Status  Status
		Version int64
	}
	versionProc := MustProcedure(
		"GET",
		MustEntryPoint("/version"),
		MustSchema[struct{}](),
		MustSchema(
			Header("X-Version", func(r *versioned) *int64 { return &r.Version }),
			StatusField(func(r *versioned) *Status { return &r.Status }),
		),
	)

	addr, _ := startServer(t, func(b *ServerBuilder) {
		require.NoError(t, Register(b, versionProc, func(context.Context, struct{}) (versioned, error) {
			// The header is written before the unknown status is refused.
			return versioned{Status: Status(299), Version: 7}, nil
		}))
	})

	conn := dialRaw(t, addr)
	resp := conn.exchange("GET /version HTTP/1.1\r\nHost: test\r\n\r\n", false)
	require.Equal(t, 500, resp.StatusCode())
	require.Equal(t, content.MimeProblemJSON, string(resp.Header.ContentType()))
	require.Empty(t, resp.Header.Peek("X-Version"))
}

func TestServer_ShutdownWhileAccepting(t *testing.T) {
	b, err := NewServerBuilder(testOptions("server")...)
	require.NoError(t, err)
	registerCounter(t)(b)
	srv := b.Build()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() {
		served <- srv.Serve(ln)
	}()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				nc, err := net.Dial("tcp", ln.Addr().String())
				if err != nil {
					continue
				}
				nc.Close()
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	require.ErrorIs(t, <-served, ErrServerClosed)

	close(stop)
	wg.Wait()
}
