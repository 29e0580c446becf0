package htrpc

import (
	"github.com/valyala/fasthttp"
	"golang.org/x/net/http/httpguts"
)

// Procedure binds an HTTP method and an `EntryPoint` to the schemas of
// its request and response.
type Procedure[Req, Resp any] struct {
	method string
	ep     EntryPoint
	req    *Schema[Req]
	resp   *Schema[Resp]
}

// NewProcedure checks that both schemas fit the method and entry point:
// the request has one path field per variable and no status, the response
// only uses headers, body and status, and GET or HEAD requests carry no
// body.
func NewProcedure[Req, Resp any](method string, ep EntryPoint, req *Schema[Req], resp *Schema[Resp]) (*Procedure[Req, Resp], error) {
	if method == "" || !httpguts.ValidHeaderFieldName(method) {
		return nil, invalidf("procedure: invalid method %q", method)
	}
	if req == nil || resp == nil {
		return nil, invalidf("procedure: %s %s needs both schemas", method, ep)
	}
	if req.paths != ep.Vars() {
		return nil, invalidf("procedure: %s %s has %d variables but request has %d path fields", method, ep, ep.Vars(), req.paths)
	}
	if req.hasStatus {
		return nil, invalidf("procedure: %s %s request cannot carry a status", method, ep)
	}
	if req.hasBody && (method == fasthttp.MethodGet || method == fasthttp.MethodHead) {
		return nil, invalidf("procedure: %s requests cannot carry a body", method)
	}
	if resp.paths > 0 || resp.queries > 0 {
		return nil, invalidf("procedure: %s %s response cannot carry path or query fields", method, ep)
	}

	return &Procedure[Req, Resp]{
		method: method,
		ep:     ep,
		req:    req,
		resp:   resp,
	}, nil
}

// MustProcedure is like `NewProcedure` but panics on error.
func MustProcedure[Req, Resp any](method string, ep EntryPoint, req *Schema[Req], resp *Schema[Resp]) *Procedure[Req, Resp] {
	p, err := NewProcedure(method, ep, req, resp)
	if err != nil {
		panic(err)
	}
	return p
}

func (p *Procedure[Req, Resp]) Method() string {
	return p.method
}

func (p *Procedure[Req, Resp]) EntryPoint() EntryPoint {
	return p.ep
}

func (p *Procedure[Req, Resp]) String() string {
	return p.method + " " + p.ep.String()
}
