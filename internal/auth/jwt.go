package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"meshjobs/internal/apperrors"
)

// JWTGate accepts HS256 tokens whose subject is the owner.
type JWTGate struct {
	secret []byte
	issuer string
	parser *jwt.Parser
}

// NewJWTGate creates a gate for tokens signed with secret. A non-empty
// issuer must match the iss claim.
func NewJWTGate(secret []byte, issuer string) (*JWTGate, error) {
	if len(secret) == 0 {
		return nil, errors.New("jwt secret is required")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &JWTGate{secret: secret, issuer: issuer, parser: jwt.NewParser(opts...)}, nil
}

// Authenticate implements Gate.
func (g *JWTGate) Authenticate(ctx context.Context, credential string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := g.parser.ParseWithClaims(credential, claims, func(*jwt.Token) (any, error) {
		return g.secret, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return "", apperrors.Unauthorized("token expired")
		case errors.Is(err, jwt.ErrTokenMalformed):
			return "", apperrors.Unauthorized("malformed token")
		}
		return "", apperrors.Unauthorized("invalid token")
	}
	if claims.Subject == "" {
		return "", apperrors.Unauthorized("token has no subject")
	}
	return claims.Subject, nil
}

// Issue signs a token for owner valid for ttl.
func (g *JWTGate) Issue(owner string, ttl time.Duration) (string, error) {
	if owner == "" {
		return "", errors.New("owner is required")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   owner,
		Issuer:    g.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}
