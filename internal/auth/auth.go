// Package auth resolves request credentials to an owner identity.
package auth

import (
	"context"

	"meshjobs/internal/apperrors"
)

// Gate turns a credential into an owner. Failures are apperrors.ErrUnauthorized.
type Gate interface {
	Authenticate(ctx context.Context, credential string) (string, error)
}

// Chain tries each gate in order and returns the first owner resolved.
type Chain []Gate

// Authenticate implements Gate.
func (c Chain) Authenticate(ctx context.Context, credential string) (string, error) {
	if credential == "" {
		return "", apperrors.Unauthorized("credential is required")
	}
	if len(c) == 0 {
		return "", apperrors.Unauthorized("no authentication configured")
	}
	var lastErr error
	for _, g := range c {
		owner, err := g.Authenticate(ctx, credential)
		if err == nil {
			return owner, nil
		}
		lastErr = err
	}
	if len(c) == 1 {
		return "", lastErr
	}
	return "", apperrors.Unauthorized("invalid credential")
}

type ownerKey struct{}

// WithOwner returns a context carrying the authenticated owner.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// OwnerFrom returns the owner stored by WithOwner.
func OwnerFrom(ctx context.Context) (string, bool) {
	owner, ok := ctx.Value(ownerKey{}).(string)
	return owner, ok && owner != ""
}
