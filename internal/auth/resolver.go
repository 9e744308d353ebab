package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"quillsync/api/internal/store"
)

// ErrAuthentication is returned when a credential does not resolve to a live
// user. Callers refuse the connection.
var ErrAuthentication = errors.New("authentication failed")

// Identity is the verified user behind a connection.
type Identity struct {
	UserID      string
	DisplayName string
	Email       string
	TokenID     string
	ExpiresAt   time.Time
}

type UserLookup interface {
	GetUserByID(ctx context.Context, userID string) (store.User, error)
}

type RevocationChecker interface {
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

type Resolver struct {
	secret  []byte
	users   UserLookup
	revoked RevocationChecker
}

// NewResolver builds a resolver. revoked may be nil when token revocation is
// not configured.
func NewResolver(secret string, users UserLookup, revoked RevocationChecker) *Resolver {
	return &Resolver{secret: []byte(secret), users: users, revoked: revoked}
}

// Resolve verifies credential and loads the user named by its subject claim.
// Bad, expired, revoked or orphaned credentials wrap ErrAuthentication; any
// other error is an infrastructure failure.
func (r *Resolver) Resolve(ctx context.Context, credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, fmt.Errorf("%w: missing credential", ErrAuthentication)
	}
	claims, err := ParseToken(r.secret, credential)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrAuthentication, err)
	}

	if r.revoked != nil {
		revoked, err := r.revoked.IsRevoked(ctx, claims.ID)
		if err != nil {
			return Identity{}, fmt.Errorf("check revocation: %w", err)
		}
		if revoked {
			return Identity{}, fmt.Errorf("%w: token revoked", ErrAuthentication)
		}
	}

	user, err := r.users.GetUserByID(ctx, claims.Subject)
	if errors.Is(err, store.ErrNotFound) {
		return Identity{}, fmt.Errorf("%w: user %s no longer exists", ErrAuthentication, claims.Subject)
	}
	if err != nil {
		return Identity{}, fmt.Errorf("lookup user: %w", err)
	}

	name := user.DisplayName
	if name == "" {
		name = user.Email
	}
	if name == "" {
		name = "Unknown"
	}
	return Identity{
		UserID:      user.ID,
		DisplayName: name,
		Email:       user.Email,
		TokenID:     claims.ID,
		ExpiresAt:   claims.ExpiresAt.Time,
	}, nil
}
