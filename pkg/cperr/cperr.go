// Package cperr declares the error taxonomy shared by all control plane
// components. Components return errors wrapped in one of these classes and
// the HTTP layer maps each class to a status code and a stable error code.
package cperr

import (
	"github.com/zeebo/errs"
)

var (
	// Validation covers malformed or semantically invalid input.
	Validation = errs.Class("validation")

	// NotFound covers lookups of matches, nodes, and modules that do not exist.
	NotFound = errs.Class("not found")

	// Conflict covers duplicate registrations and module version mismatches.
	Conflict = errs.Class("conflict")

	// AlreadyExists is raised by node registration when the id is taken by a
	// node with a different address.
	AlreadyExists = errs.Class("already exists")

	// NotRegistered is raised by heartbeats for unknown nodes; the caller
	// should re-register.
	NotRegistered = errs.Class("not registered")

	// NoCapacity means healthy nodes exist but none has a free slot.
	NoCapacity = errs.Class("no capacity")

	// NoHealthyNodes means the fleet has no healthy node at all.
	NoHealthyNodes = errs.Class("no healthy nodes")

	// Upstream covers store, engine, and auth service failures (timeouts, 5xx).
	Upstream = errs.Class("upstream unavailable")

	// StoreUnavailable is raised after bounded retries against the shared
	// state store are exhausted. It is a specialization of Upstream.
	StoreUnavailable = errs.Class("store unavailable")

	// Internal covers invariant violations such as an exhausted CAS loop.
	Internal = errs.Class("internal")
)

// Code returns the stable machine-readable identifier for err, suitable for
// the errorCode field of API responses.
func Code(err error) string {
	switch {
	case Validation.Has(err):
		return "VALIDATION"
	case NotFound.Has(err):
		return "NOT_FOUND"
	case AlreadyExists.Has(err):
		return "ALREADY_EXISTS"
	case NotRegistered.Has(err):
		return "NOT_REGISTERED"
	case Conflict.Has(err):
		return "CONFLICT"
	case NoCapacity.Has(err):
		return "NO_CAPACITY"
	case NoHealthyNodes.Has(err):
		return "NO_HEALTHY_NODES"
	case StoreUnavailable.Has(err):
		return "STORE_UNAVAILABLE"
	case Upstream.Has(err):
		return "UPSTREAM_UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}
