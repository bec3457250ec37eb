// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

var (
	// ErrUnauthenticated indicates no local user identity could be resolved.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrTransportUnavailable indicates the realtime channel is down or the
	// send endpoint is unreachable.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrAckTimeout indicates the realtime acknowledgment deadline elapsed.
	ErrAckTimeout = errors.New("acknowledgment timeout")

	// ErrFallbackFailed indicates the degraded delivery path also failed.
	ErrFallbackFailed = errors.New("fallback delivery failed")

	// ErrMalformedEvent indicates an inbound event that could not be
	// normalized. Absorbed at the normalizer boundary, never propagated.
	ErrMalformedEvent = errors.New("malformed inbound event")
)
