// Package domain defines the core route policy types shared by the matcher,
// the policy table, the configuration loaders, and the HTTP front.
//
// This package contains pure domain logic with ZERO external dependencies outside the
// Go standard library. All types in this package are:
//
// - Independent of infrastructure (no HTTP servers, file watchers, exporters)
// - Plain values that are safe to share once constructed
// - Testable in isolation without mocks
//
// The dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
