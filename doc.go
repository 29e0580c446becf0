// Package htrpc exposes typed procedures over plain HTTP/1.1.
//
// A `Procedure` binds an HTTP method and an `EntryPoint` (a path template
// such as `/counters/{name}`) to a request and a response type. Each type
// is described by a `Schema` listing where its fields live on the wire:
// path variables, query parameters, headers, body or status.
//
// ## How it works
//
// On the server side, procedures are registered on a `ServerBuilder`
// together with a `Handler`. Routes are stored in an immutable trie where
// literal segments win over variables, so conflicts are detected when the
// server is built rather than when requests come in. Each accepted
// connection is served by its own goroutine which reads requests, routes
// them, decodes them, calls the handler and writes the response, as long
// as the connection is kept alive.
//
// On the client side, `Call` borrows a connection from a `Pool`, writes
// the request and reads the response. The pool keeps idle connections per
// address and closes the oldest ones once its capacity is exceeded. An
// address which cannot be connected to is suspended for a while, so
// callers fail fast instead of piling up on a dead peer.
//
// Errors travel as RFC 7807 problem details (`Problem`), so a client can
// tell a request it got wrong from a server failure.
//
// ## Transports
//
// TCP is used by default. A `QUICTransport` can serve as both the listener
// of a `Server` and the `Dialer` of a `Pool`, each exchange then runs over
// its own stream of a shared QUIC connection. Nodes of a cluster can
// advertise their RPC address through `JoinCluster` and be called by name
// using the returned `Membership` as the client `Resolver`.
//
// ## Design Principles
//
// > `htrpc` is **explicit** and **boring on the wire**.
//
// Messages are plain HTTP/1.1, anything speaking HTTP can call or serve a
// procedure. Calls are never retried behind your back: whether a
// procedure is idempotent is for you to decide.
package htrpc
