package htrpc

import (
	"strings"

	"github.com/raskyld/htrpc/pkg/content"
	"github.com/valyala/fasthttp"
	"golang.org/x/net/http/httpguts"
)

// Role is the part of an HTTP message a `Field` maps to.
type Role uint8

const (
	RolePath Role = iota
	RoleQuery
	RoleHeader
	RoleBody
	RoleStatus
)

func (r Role) String() string {
	switch r {
	case RolePath:
		return "path"
	case RoleQuery:
		return "query"
	case RoleHeader:
		return "header"
	case RoleBody:
		return "body"
	case RoleStatus:
		return "status"
	default:
		return "unknown"
	}
}

// Headers managed by the transport itself.
var reservedHeaders = []string{
	fasthttp.HeaderContentLength,
	fasthttp.HeaderContentType,
	fasthttp.HeaderTransferEncoding,
	fasthttp.HeaderConnection,
	fasthttp.HeaderHost,
}

// headers is the common subset of `fasthttp.RequestHeader` and
// `fasthttp.ResponseHeader` a `Schema` uses.
type headers interface {
	Set(key, value string)
	PeekAll(key string) [][]byte
	SetContentType(contentType string)
}

// message is the wire view of a value, before it is framed or after it
// has been parsed.
type message struct {
	vars     []string
	query    *fasthttp.Args
	header   headers
	body     []byte
	mime     string
	status   Status
	skipBody bool
}

// Field describes how one field of T is carried on the wire.
type Field[T any] struct {
	role   Role
	name   string
	pos    int
	encode func(v *T, m *message, pos int) error
	decode func(v *T, m *message, pos int) error
}

func (f Field[T]) Role() Role {
	return f.role
}

func (f Field[T]) Name() string {
	return f.name
}

// PathVar binds the field to the next variable of the `EntryPoint`, path
// fields are bound in declaration order.
func PathVar[T any, V Scalar](get func(*T) *V) Field[T] {
	return Field[T]{
		role: RolePath,
		encode: func(v *T, m *message, pos int) error {
			m.vars[pos] = formatScalar(*get(v))
			return nil
		},
		decode: func(v *T, m *message, pos int) error {
			parsed, err := parseScalar[V](m.vars[pos])
			if err != nil {
				return err
			}
			*get(v) = parsed
			return nil
		},
	}
}

// Query binds the field to a required query parameter.
func Query[T any, V Scalar](name string, get func(*T) *V) Field[T] {
	return Field[T]{
		role: RoleQuery,
		name: name,
		encode: func(v *T, m *message, _ int) error {
			m.query.Add(name, formatScalar(*get(v)))
			return nil
		},
		decode: func(v *T, m *message, _ int) error {
			raw, found, err := peekQuery(m.query, name)
			if err != nil {
				return err
			}
			if !found {
				return invalidf("codec: missing query parameter %q", name)
			}
			parsed, err := parseScalar[V](raw)
			if err != nil {
				return invalidf("codec: query parameter %q: %w", name, err)
			}
			*get(v) = parsed
			return nil
		},
	}
}

// OptionalQuery binds the field to a query parameter which may be
// omitted, nil values are not sent and absent parameters decode to nil.
func OptionalQuery[T any, V Scalar](name string, get func(*T) **V) Field[T] {
	return Field[T]{
		role: RoleQuery,
		name: name,
		encode: func(v *T, m *message, _ int) error {
			if val := *get(v); val != nil {
				m.query.Add(name, formatScalar(*val))
			}
			return nil
		},
		decode: func(v *T, m *message, _ int) error {
			raw, found, err := peekQuery(m.query, name)
			if err != nil {
				return err
			}
			if !found {
				*get(v) = nil
				return nil
			}
			parsed, err := parseScalar[V](raw)
			if err != nil {
				return invalidf("codec: query parameter %q: %w", name, err)
			}
			*get(v) = &parsed
			return nil
		},
	}
}

// Header binds the field to a required header.
func Header[T any, V Scalar](name string, get func(*T) *V) Field[T] {
	return Field[T]{
		role: RoleHeader,
		name: name,
		encode: func(v *T, m *message, _ int) error {
			return setHeader(m.header, name, formatScalar(*get(v)))
		},
		decode: func(v *T, m *message, _ int) error {
			raw, found, err := peekHeader(m.header, name)
			if err != nil {
				return err
			}
			if !found {
				return invalidf("codec: missing header %q", name)
			}
			parsed, err := parseScalar[V](raw)
			if err != nil {
				return invalidf("codec: header %q: %w", name, err)
			}
			*get(v) = parsed
			return nil
		},
	}
}

// OptionalHeader binds the field to a header which may be omitted.
func OptionalHeader[T any, V Scalar](name string, get func(*T) **V) Field[T] {
	return Field[T]{
		role: RoleHeader,
		name: name,
		encode: func(v *T, m *message, _ int) error {
			if val := *get(v); val != nil {
				return setHeader(m.header, name, formatScalar(*val))
			}
			return nil
		},
		decode: func(v *T, m *message, _ int) error {
			raw, found, err := peekHeader(m.header, name)
			if err != nil {
				return err
			}
			if !found {
				*get(v) = nil
				return nil
			}
			parsed, err := parseScalar[V](raw)
			if err != nil {
				return invalidf("codec: header %q: %w", name, err)
			}
			*get(v) = &parsed
			return nil
		},
	}
}

// Body binds the field to the message body, serialized by codec. An
// empty body decodes to the zero value.
func Body[T any, B any](codec content.Codec[B], get func(*T) *B) Field[T] {
	return Field[T]{
		role: RoleBody,
		name: codec.ContentType(),
		encode: func(v *T, m *message, _ int) error {
			buf, err := codec.Marshal(*get(v))
			if err != nil {
				return invalidf("codec: body: %w", err)
			}
			m.body = buf
			m.mime = codec.ContentType()
			return nil
		},
		decode: func(v *T, m *message, _ int) error {
			if m.skipBody {
				return nil
			}
			if len(m.body) == 0 {
				var zero B
				*get(v) = zero
				return nil
			}
			decoded, err := codec.Unmarshal(m.body)
			if err != nil {
				return invalidf("codec: body: %w", err)
			}
			*get(v) = decoded
			return nil
		},
	}
}

// RawBody binds the field to the message body as is, without any
// `Content-Type`.
func RawBody[T any](get func(*T) *[]byte) Field[T] {
	return Body(content.NewRaw(""), get)
}

// StatusField binds the field to the response status.
func StatusField[T any](get func(*T) *Status) Field[T] {
	return Field[T]{
		role: RoleStatus,
		encode: func(v *T, m *message, _ int) error {
			m.status = *get(v)
			return nil
		},
		decode: func(v *T, m *message, _ int) error {
			*get(v) = m.status
			return nil
		},
	}
}

// Schema is the explicit wire description of T, shared by both ends of a
// `Procedure`.
type Schema[T any] struct {
	fields    []Field[T]
	paths     int
	queries   int
	hasBody   bool
	hasStatus bool
}

// NewSchema validates fields, any role can appear at most once per name,
// body and status at most once.
func NewSchema[T any](fields ...Field[T]) (*Schema[T], error) {
	s := &Schema[T]{
		fields: make([]Field[T], len(fields)),
	}
	copy(s.fields, fields)

	seen := make(map[string]struct{})
	for i := range s.fields {
		f := &s.fields[i]
		if f.encode == nil || f.decode == nil {
			return nil, invalidf("codec: field %d has no role", i)
		}

		switch f.role {
		case RolePath:
			f.pos = s.paths
			s.paths++
		case RoleQuery, RoleHeader:
			if f.name == "" {
				return nil, invalidf("codec: %s field %d has no name", f.role, i)
			}
			key := f.role.String() + ":" + f.name
			if f.role == RoleHeader {
				if !httpguts.ValidHeaderFieldName(f.name) {
					return nil, invalidf("codec: %q is not a valid header name", f.name)
				}
				for _, reserved := range reservedHeaders {
					if strings.EqualFold(reserved, f.name) {
						return nil, invalidf("codec: header %q is managed by the transport", f.name)
					}
				}
				key = strings.ToLower(key)
			} else {
				s.queries++
			}
			if _, dup := seen[key]; dup {
				return nil, invalidf("codec: %s %q declared twice", f.role, f.name)
			}
			seen[key] = struct{}{}
		case RoleBody:
			if s.hasBody {
				return nil, invalidf("codec: more than one body field")
			}
			s.hasBody = true
		case RoleStatus:
			if s.hasStatus {
				return nil, invalidf("codec: more than one status field")
			}
			s.hasStatus = true
		default:
			return nil, invalidf("codec: unknown field role %d", f.role)
		}
	}
	return s, nil
}

// MustSchema is like `NewSchema` but panics on error.
func MustSchema[T any](fields ...Field[T]) *Schema[T] {
	s, err := NewSchema(fields...)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Schema[T]) encode(v *T, m *message) error {
	if s.paths > 0 {
		m.vars = make([]string, s.paths)
	}
	for i := range s.fields {
		f := &s.fields[i]
		if err := f.encode(v, m, f.pos); err != nil {
			return err
		}
	}
	return nil
}

func (s *Schema[T]) decode(v *T, m *message) error {
	if len(m.vars) != s.paths {
		return invalidf("codec: expected %d path values, got %d", s.paths, len(m.vars))
	}
	for i := range s.fields {
		f := &s.fields[i]
		if err := f.decode(v, m, f.pos); err != nil {
			return err
		}
	}
	return nil
}

// encodeRequest writes v into req, the caller sets the method and host.
func (s *Schema[T]) encodeRequest(v *T, ep EntryPoint, req *fasthttp.Request) error {
	args := fasthttp.AcquireArgs()
	defer fasthttp.ReleaseArgs(args)

	m := message{query: args, header: &req.Header}
	if err := s.encode(v, &m); err != nil {
		return err
	}

	path, err := ep.Fill(m.vars)
	if err != nil {
		return err
	}
	if args.Len() > 0 {
		path = path + "?" + string(args.QueryString())
	}
	req.Header.SetRequestURI(path)

	if m.mime != "" {
		req.Header.SetContentType(m.mime)
	}
	if len(m.body) > 0 {
		req.SetBody(m.body)
	}
	return nil
}

// decodeRequest reads v from req, vars are the path values bound by the
// `EntryPoint` and rawQuery is the undecoded query string.
func (s *Schema[T]) decodeRequest(v *T, vars []string, rawQuery []byte, req *fasthttp.Request) error {
	args := fasthttp.AcquireArgs()
	defer fasthttp.ReleaseArgs(args)
	args.ParseBytes(rawQuery)

	m := message{
		vars:   vars,
		query:  args,
		header: &req.Header,
		body:   req.Body(),
	}
	return s.decode(v, &m)
}

// encodeResponse writes v into resp, responses without a status field
// are sent as `StatusOk`.
func (s *Schema[T]) encodeResponse(v *T, resp *fasthttp.Response) error {
	m := message{header: &resp.Header, status: StatusOk}
	if err := s.encode(v, &m); err != nil {
		return err
	}
	if !m.status.Valid() {
		return invalidf("codec: unknown status %d", m.status)
	}

	resp.SetStatusCode(m.status.Code())
	resp.Header.SetStatusMessage([]byte(m.status.Reason()))
	if m.mime != "" {
		resp.Header.SetContentType(m.mime)
	}
	resp.SetBody(m.body)
	return nil
}

// decodeResponse reads v from resp, the body is left untouched when
// skipBody is set, e.g. for HEAD calls.
func (s *Schema[T]) decodeResponse(v *T, resp *fasthttp.Response, skipBody bool) error {
	status, err := StatusFromCode(resp.StatusCode())
	if err != nil {
		return err
	}

	m := message{
		header:   &resp.Header,
		status:   status,
		body:     resp.Body(),
		skipBody: skipBody,
	}
	return s.decode(v, &m)
}

func setHeader(h headers, name, value string) error {
	if !httpguts.ValidHeaderFieldValue(value) {
		return invalidf("codec: invalid value for header %q", name)
	}
	h.Set(name, value)
	return nil
}

// peekHeader rejects repeated headers instead of picking one.
func peekHeader(h headers, name string) (string, bool, error) {
	values := h.PeekAll(name)
	switch len(values) {
	case 0:
		return "", false, nil
	case 1:
		return string(values[0]), true, nil
	default:
		return "", false, invalidf("codec: header %q repeated %d times", name, len(values))
	}
}

func peekQuery(args *fasthttp.Args, name string) (string, bool, error) {
	values := args.PeekMulti(name)
	switch len(values) {
	case 0:
		return "", false, nil
	case 1:
		return string(values[0]), true, nil
	default:
		return "", false, invalidf("codec: query parameter %q repeated %d times", name, len(values))
	}
}
