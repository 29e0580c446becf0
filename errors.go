package htrpc

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalid is wrapped by every error caused by non-conforming wire
	// data or by a locally-built value which cannot be represented.
	ErrInvalid = errors.New("invalid")

	ErrInvalidCfg = errors.New("htrpc: invalid options")

	ErrRouteConflict    = fmt.Errorf("router: %w: route already registered", ErrInvalid)
	ErrRouteNotFound    = errors.New("router: no route matches path")
	ErrMethodNotAllowed = errors.New("router: method not allowed")

	ErrPoolClosed = errors.New("pool: closed")

	ErrServerClosed = errors.New("server: closed")

	ErrNoTLSConfig     = errors.New("transport: TLS config is required")
	ErrTransportClosed = errors.New("transport: closed")
	ErrBufferSize      = errors.New("transport: could not allocate udp buffer")
	ErrInvalidAddr     = errors.New("transport: invalid address")

	ErrNoSuchMember = errors.New("membership: no such member")
	ErrJoinCluster  = errors.New("membership: could not join cluster")
)

// ErrorKind classifies errors produced by htrpc.
type ErrorKind uint8

const (
	KindOther ErrorKind = iota
	KindInvalid
)

func (k ErrorKind) String() string {
	if k == KindInvalid {
		return "invalid"
	}
	return "other"
}

// KindOf returns `KindInvalid` if err wraps `ErrInvalid`, `KindOther`
// otherwise.
func KindOf(err error) ErrorKind {
	if errors.Is(err, ErrInvalid) {
		return KindInvalid
	}
	return KindOther
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...)
}

// Phase of a client call.
type Phase uint8

const (
	PhaseConnect Phase = iota
	PhaseEncode
	PhaseWrite
	PhaseReadHead
	PhaseReadBody
	PhaseDecode
)

func (p Phase) String() string {
	switch p {
	case PhaseConnect:
		return "connect"
	case PhaseEncode:
		return "encode"
	case PhaseWrite:
		return "write"
	case PhaseReadHead:
		return "read head"
	case PhaseReadBody:
		return "read body"
	case PhaseDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// CallError is returned when a client call fails, it records in which
// phase the failure happened.
type CallError struct {
	Phase Phase
	Addr  string
	Err   error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("client: %s %s: %v", e.Phase, e.Addr, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// SuspendedError is returned by the `Pool` when the address recently
// failed to connect and is still blacklisted.
type SuspendedError struct {
	Addr  string
	Until time.Time
}

func (e *SuspendedError) Error() string {
	return fmt.Sprintf("pool: %s is suspended until %s", e.Addr, e.Until.Format(time.RFC3339Nano))
}

// MethodNotAllowedError is returned by `Router.Lookup` when the path
// resolves but no handler is registered for the method.
type MethodNotAllowedError struct {
	Method  string
	Allowed []string
}

func (e *MethodNotAllowedError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMethodNotAllowed, e.Method)
}

func (e *MethodNotAllowedError) Unwrap() error {
	return ErrMethodNotAllowed
}
