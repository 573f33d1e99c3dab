package auth

import "errors"

// Credential resolution errors. All of them terminate the handshake; none
// of them distinguish, to the client, why the credential was rejected.
var (
	ErrMissingCredential = errors.New("missing bearer credential")
	ErrInvalidCredential = errors.New("invalid or expired credential")
	ErrUnknownPrincipal  = errors.New("credential does not map to a known user")
)
