// Package errkind defines the sentinel error kinds the core coordination
// engine reasons about, per the error taxonomy in the specification.
// Components wrap underlying causes with fmt.Errorf("...: %w", ...) and
// callers classify with errors.Is, rather than type-switching on a custom
// exception hierarchy.
package errkind

import "errors"

var (
	// NotFound means the requested row or remote resource does not exist.
	// On edit/delete this is treated as success with local cleanup.
	NotFound = errors.New("not found")

	// Conflict means a unique-constraint or optimistic-concurrency collision.
	// Callers upsert or retry with fresh state.
	Conflict = errors.New("conflict")

	// Transient means the failure is expected to clear on its own (platform
	// 5xx, network blip, rate limit). Callers retry with backoff and, on
	// exhaustion, log and move on; transient errors never abort a loop.
	Transient = errors.New("transient failure")

	// InputInvalid means user-supplied input failed validation (bad email,
	// malformed code). Surfaced to the user, never retried.
	InputInvalid = errors.New("invalid input")

	// ExternalReject means a back-office system explicitly refused a write
	// (e.g. ticket update rejected). Surfaced to the user as a short alert.
	ExternalReject = errors.New("rejected by external system")
)
