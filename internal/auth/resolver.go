package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

// Claims carried by a chat credential. The `id` claim names the user, the
// registered claims carry expiry; everything else a token might hold is
// ignored here.
type Claims struct {
	UserID string `json:"id"`
	jwt.RegisteredClaims
}

// Resolver verifies HS256 bearer tokens and loads the principal behind
// them. Token issuance happens elsewhere; the resolver only consumes.
type Resolver struct {
	secret []byte
	users  interfaces.UserStore
}

// NewResolver creates a resolver over the shared signing secret and the
// user store that display names and roles are read from.
func NewResolver(secret string, users interfaces.UserStore) *Resolver {
	return &Resolver{
		secret: []byte(secret),
		users:  users,
	}
}

// Resolve verifies the credential and returns the principal it names.
// Called once per connection at handshake; the result stays attached to the
// connection for its entire lifetime and is never re-checked per event.
func (r *Resolver) Resolve(ctx context.Context, credential string) (*types.Principal, error) {
	if credential == "" {
		return nil, ErrMissingCredential
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(credential, claims, func(token *jwt.Token) (any, error) {
		// Reject anything but HMAC before touching the secret; an RS256
		// token must not be verifiable against the HMAC key bytes.
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return r.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidCredential
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if !types.IsValidID(userID) {
		return nil, ErrInvalidCredential
	}

	user, err := r.users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, interfaces.ErrUserNotFound) {
			return nil, ErrUnknownPrincipal
		}
		return nil, fmt.Errorf("failed to load user %s: %w", userID, err)
	}

	return &types.Principal{
		ID:          user.ID,
		DisplayName: user.Name,
		Role:        user.Role,
	}, nil
}
