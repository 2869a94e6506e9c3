package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores, cache tiers, and external
// clients return these (optionally wrapped) so services can translate them into
// domain errors.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: record does not exist in the store or upstream source
// - ErrConflict: optimistic concurrency check failed, caller may retry
// - ErrUnavailable: tier or upstream source temporarily unreachable
//
// For validation errors (bad input, missing fields), use pkg/domainerr directly.
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrUnavailable = errors.New("unavailable")
)
