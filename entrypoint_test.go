package htrpc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEntryPoint_FillMatchRoundTrip(t *testing.T) {
	ep := NewEntryPoint(Lit("users"), Var(), Lit("posts"), Var())
	require.Equal(t, 4, ep.Len())
	require.Equal(t, 2, ep.Vars())

	cases := [][]string{
		{"42", "7"},
		{"jane doe", "100%"},
		{"?x=1&y", "#frag"},
		{"", "é"},
	}
	for _, values := range cases {
		path, err := ep.Fill(values)
		require.NoError(t, err)

		matched, err := ep.Match(path)
		require.NoError(t, err, "path %s", path)
		require.Equal(t, values, matched)
	}
}

func TestEntryPoint_FillEscapesSeparator(t *testing.T) {
	ep := MustEntryPoint("/files/{name}")
	path, err := ep.Fill([]string{"a/b"})
	require.NoError(t, err)
	require.Equal(t, "/files/a%2Fb", path)

	values, err := ep.Match(path)
	require.NoError(t, err)
	require.Equal(t, []string{"a/b"}, values)
}

func TestEntryPoint_Root(t *testing.T) {
	ep := MustEntryPoint("/")
	require.Equal(t, 0, ep.Len())

	path, err := ep.Fill(nil)
	require.NoError(t, err)
	require.Equal(t, "/", path)

	values, err := ep.Match("/")
	require.NoError(t, err)
	require.Empty(t, values)
	require.Equal(t, "/", ep.String())
}

func TestEntryPoint_FillWrongCount(t *testing.T) {
	ep := MustEntryPoint("/counters/{name}")
	_, err := ep.Fill(nil)
	require.ErrorIs(t, err, ErrInvalid)

	_, err = ep.Fill([]string{"a", "b"})
	require.ErrorIs(t, err, ErrInvalid)
}

func TestEntryPoint_MatchMismatch(t *testing.T) {
	ep := MustEntryPoint("/counters/{name}")

	for _, path := range []string{
		"/counters",
		"/counters/foo/bar",
		"/counter/foo",
		"counters/foo",
		"/counters/%zz",
	} {
		_, err := ep.Match(path)
		require.ErrorIs(t, err, ErrInvalid, "path %s", path)
		require.Equal(t, KindInvalid, KindOf(err))
	}
}

func TestParseEntryPoint(t *testing.T) {
	ep, err := ParseEntryPoint("/users/{id}/posts")
	require.NoError(t, err)
	require.Equal(t, "/users/{}/posts", ep.String())

	lit, ok := ep.LiteralAt(0)
	require.True(t, ok)
	require.Equal(t, "users", lit)
	_, ok = ep.LiteralAt(1)
	require.False(t, ok)
	_, ok = ep.LiteralAt(3)
	require.False(t, ok)

	require.True(t, ep.VarsFrom(0))
	require.True(t, ep.VarsFrom(1))
	require.False(t, ep.VarsFrom(2))

	for _, bad := range []string{"", "users", "/{}", "/{id", "/id}", "/a{b}c", "/{{id}}"} {
		_, err := ParseEntryPoint(bad)
		require.ErrorIs(t, err, ErrInvalid, "template %q", bad)
	}
}

func TestSplitPath(t *testing.T) {
	segments, err := SplitPath("/a/b%20c/")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b c", ""}, segments)

	segments, err = SplitPath("/")
	require.NoError(t, err)
	require.Nil(t, segments)

	_, err = SplitPath("http://host/a")
	require.ErrorIs(t, err, ErrInvalid)
}
