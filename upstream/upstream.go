// Package upstream validates submitted Readwise API credentials against the
// upstream service before they are stored.
package upstream

import (
	"context"
	"errors"
)

// ErrCredentialRejected is returned when the upstream service recognizably
// rejects the credential. Any other validation failure (network error,
// upstream outage) is returned as a distinct error so callers can tell an
// invalid credential apart from an unreachable upstream.
var ErrCredentialRejected = errors.New("upstream: credential rejected")

// Validator checks whether an upstream credential is usable.
type Validator interface {
	// Validate returns nil if the credential is accepted,
	// ErrCredentialRejected if the upstream rejects it, and any other error
	// for transport failures.
	Validate(ctx context.Context, credential string) error
}
