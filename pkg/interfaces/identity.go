package interfaces

import (
	"context"

	"coursechat/pkg/types"
)

// IdentityResolver turns a bearer credential into a verified principal.
// It is consulted exactly once per connection, at handshake time; a
// long-lived connection keeps its principal until it disconnects.
type IdentityResolver interface {
	// Resolve verifies the credential and loads the principal behind it.
	// Fails when the credential is missing, malformed, expired, or does not
	// map to a known user.
	Resolve(ctx context.Context, credential string) (*types.Principal, error)
}
