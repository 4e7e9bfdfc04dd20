// Package policy compiles a declarative route policy into an immutable
// lookup table.
//
// A Table answers four questions about a request path: which response
// headers to attach, whether the path is served from another resource
// (rewrite), whether the client is sent elsewhere (redirect), and which
// remote image sources may be optimized. Tables are built once, validated
// up front so that a destination referencing an undeclared parameter stops
// the process at startup, and are then shared freely between goroutines.
// Reloading a policy means building a new Table, never editing an old one.
package policy
