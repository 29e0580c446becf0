package htrpc

import (
	"net/url"
	"strings"
)

// Segment is one element of an `EntryPoint`, either a literal text or a
// variable which binds exactly one path segment.
type Segment struct {
	literal  string
	variable bool
}

// Lit is a segment which must match text exactly.
func Lit(text string) Segment {
	return Segment{literal: text}
}

// Var is a segment which binds one value of the path tuple.
func Var() Segment {
	return Segment{variable: true}
}

func (s Segment) IsVar() bool {
	return s.variable
}

// EntryPoint is an immutable path template, e.g. `/counters/{name}` is
// `Lit("counters"), Var()`.
type EntryPoint struct {
	segments []Segment
	vars     int
}

func NewEntryPoint(segments ...Segment) EntryPoint {
	ep := EntryPoint{
		segments: make([]Segment, len(segments)),
	}
	copy(ep.segments, segments)
	for _, seg := range segments {
		if seg.variable {
			ep.vars++
		}
	}
	return ep
}

// ParseEntryPoint reads templates of the form `/users/{id}/posts`.
// Variable names only document the template, variables are bound by
// position.
func ParseEntryPoint(template string) (EntryPoint, error) {
	if !strings.HasPrefix(template, "/") {
		return EntryPoint{}, invalidf("path: template %q must start with '/'", template)
	}

	if template == "/" {
		return NewEntryPoint(), nil
	}

	parts := strings.Split(template[1:], "/")
	segments := make([]Segment, 0, len(parts))
	for _, part := range parts {
		open := strings.HasPrefix(part, "{")
		closed := strings.HasSuffix(part, "}")
		switch {
		case open && closed:
			if len(part) == 2 || strings.ContainsAny(part[1:len(part)-1], "{}") {
				return EntryPoint{}, invalidf("path: bad variable %q in template %q", part, template)
			}
			segments = append(segments, Var())
		case open || closed || strings.ContainsAny(part, "{}"):
			return EntryPoint{}, invalidf("path: unbalanced braces in template %q", template)
		default:
			segments = append(segments, Lit(part))
		}
	}
	return NewEntryPoint(segments...), nil
}

// MustEntryPoint is like `ParseEntryPoint` but panics on error, it is
// meant for package-level procedure declarations.
func MustEntryPoint(template string) EntryPoint {
	ep, err := ParseEntryPoint(template)
	if err != nil {
		panic(err)
	}
	return ep
}

// Len is the number of segments.
func (ep EntryPoint) Len() int {
	return len(ep.segments)
}

// Vars is the number of variable segments.
func (ep EntryPoint) Vars() int {
	return ep.vars
}

// Segment returns the i-th segment.
func (ep EntryPoint) Segment(i int) Segment {
	return ep.segments[i]
}

// LiteralAt returns the literal at index i, false if out of range or if
// the segment is a variable.
func (ep EntryPoint) LiteralAt(i int) (string, bool) {
	if i < 0 || i >= len(ep.segments) || ep.segments[i].variable {
		return "", false
	}
	return ep.segments[i].literal, true
}

// VarsFrom reports whether any variable remains at or after index i.
func (ep EntryPoint) VarsFrom(i int) bool {
	if i < 0 {
		i = 0
	}
	for ; i < len(ep.segments); i++ {
		if ep.segments[i].variable {
			return true
		}
	}
	return false
}

// Fill renders the path for the given variable values, each one is
// percent-encoded so it always stays within its segment.
func (ep EntryPoint) Fill(values []string) (string, error) {
	if len(values) != ep.vars {
		return "", invalidf("path: %s expects %d values, got %d", ep, ep.vars, len(values))
	}

	if len(ep.segments) == 0 {
		return "/", nil
	}

	var b strings.Builder
	next := 0
	for _, seg := range ep.segments {
		b.WriteByte('/')
		if seg.variable {
			b.WriteString(url.PathEscape(values[next]))
			next++
			continue
		}
		b.WriteString(seg.literal)
	}
	return b.String(), nil
}

// Match binds the variables of the template against path, values are
// returned percent-decoded and in declaration order.
func (ep EntryPoint) Match(path string) ([]string, error) {
	segments, err := SplitPath(path)
	if err != nil {
		return nil, err
	}
	return ep.MatchSegments(segments)
}

// MatchSegments is `Match` for a path already split by `SplitPath`.
func (ep EntryPoint) MatchSegments(segments []string) ([]string, error) {
	if len(segments) != len(ep.segments) {
		return nil, invalidf("path: %d segments do not match %s", len(segments), ep)
	}

	values := make([]string, 0, ep.vars)
	for i, seg := range ep.segments {
		if seg.variable {
			values = append(values, segments[i])
			continue
		}
		if segments[i] != seg.literal {
			return nil, invalidf("path: segment %q does not match %s", segments[i], ep)
		}
	}
	return values, nil
}

func (ep EntryPoint) String() string {
	if len(ep.segments) == 0 {
		return "/"
	}

	var b strings.Builder
	for _, seg := range ep.segments {
		b.WriteByte('/')
		if seg.variable {
			b.WriteString("{}")
			continue
		}
		b.WriteString(seg.literal)
	}
	return b.String()
}

// SplitPath splits an absolute request path into percent-decoded
// segments, the root path has none.
func SplitPath(path string) ([]string, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, invalidf("path: %q is not absolute", path)
	}
	if path == "/" {
		return nil, nil
	}

	raw := strings.Split(path[1:], "/")
	segments := make([]string, len(raw))
	for i, seg := range raw {
		decoded, err := url.PathUnescape(seg)
		if err != nil {
			return nil, invalidf("path: %w", err)
		}
		segments[i] = decoded
	}
	return segments, nil
}
