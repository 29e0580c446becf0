package htrpc

import (
	"fmt"
	"slices"
	"sort"
)

// edge is used to represent a literal edge of the trie.
type edge[T any] struct {
	label string
	node  *node[T]
}

type node[T any] struct {
	// Edges are stored in-order so lookups can binary search.
	edges edges[T]

	// wildcard is the single child shared by every `Var` segment.
	wildcard *node[T]

	// leaves is keyed by HTTP method, nil for non-terminal nodes.
	leaves map[string]T
}

type edges[T any] []edge[T]

func (n *node[T]) addEdge(e edge[T]) {
	num := len(n.edges)
	idx := sort.Search(num, func(i int) bool {
		return n.edges[i].label >= e.label
	})

	n.edges = append(n.edges, edge[T]{})
	copy(n.edges[idx+1:], n.edges[idx:])
	n.edges[idx] = e
}

func (n *node[T]) getEdge(label string) *node[T] {
	num := len(n.edges)
	idx := sort.Search(num, func(i int) bool {
		return n.edges[i].label >= label
	})
	if idx < num && n.edges[idx].label == label {
		return n.edges[idx].node
	}
	return nil
}

func (n *node[T]) child(seg Segment) *node[T] {
	if seg.variable {
		if n.wildcard == nil {
			n.wildcard = &node[T]{}
		}
		return n.wildcard
	}

	if child := n.getEdge(seg.literal); child != nil {
		return child
	}
	child := &node[T]{}
	n.addEdge(edge[T]{label: seg.literal, node: child})
	return child
}

// RouterBuilder collects routes until `Build` freezes them in a `Router`.
type RouterBuilder[T any] struct {
	root *node[T]
	size int
}

func NewRouterBuilder[T any]() *RouterBuilder[T] {
	return &RouterBuilder[T]{root: &node[T]{}}
}

// Insert registers val under method and ep. Registering the same
// (method, template) twice fails with `ErrRouteConflict`, two templates
// only differing by variable names are the same template.
func (b *RouterBuilder[T]) Insert(method string, ep EntryPoint, val T) error {
	n := b.root
	for _, seg := range ep.segments {
		n = n.child(seg)
	}

	if n.leaves == nil {
		n.leaves = make(map[string]T)
	}
	if _, exists := n.leaves[method]; exists {
		return fmt.Errorf("%w: %s %s", ErrRouteConflict, method, ep)
	}
	n.leaves[method] = val
	b.size++
	return nil
}

// Build returns the immutable `Router`, the builder must not be used
// afterwards.
func (b *RouterBuilder[T]) Build() *Router[T] {
	r := &Router[T]{root: b.root, size: b.size}
	b.root = nil
	return r
}

// Router dispatches (method, path) to the values registered in a
// `RouterBuilder`. It is read-only and safe for concurrent use.
type Router[T any] struct {
	root *node[T]
	size int
}

// Len is the number of registered routes.
func (r *Router[T]) Len() int {
	return r.size
}

// Lookup resolves segments, as returned by `SplitPath`, preferring a
// literal edge over the wildcard one at every level.
func (r *Router[T]) Lookup(method string, segments []string) (val T, err error) {
	n := r.root
	for _, seg := range segments {
		if next := n.getEdge(seg); next != nil {
			n = next
			continue
		}
		if n.wildcard == nil {
			return val, ErrRouteNotFound
		}
		n = n.wildcard
	}

	if len(n.leaves) == 0 {
		return val, ErrRouteNotFound
	}

	val, ok := n.leaves[method]
	if !ok {
		allowed := make([]string, 0, len(n.leaves))
		for m := range n.leaves {
			allowed = append(allowed, m)
		}
		slices.Sort(allowed)
		return val, &MethodNotAllowedError{Method: method, Allowed: allowed}
	}
	return val, nil
}
