package auth

import (
	"context"

	"github.com/golang-jwt/jwt/v5"

	"github.com/platinummonkey/keel/pkg/apperr"
	"github.com/platinummonkey/keel/pkg/contextkeys"
)

// SystemSubject is the subject used for server-initiated operations such as
// schema seeding.
const SystemSubject = "system"

// Claims are the JWT claims carried by keel bearer tokens
type Claims struct {
	Groups  []string `json:"grp,omitempty"`
	IsAdmin bool     `json:"adm,omitempty"`
	Refresh bool     `json:"rfs,omitempty"`
	jwt.RegisteredClaims
}

// Principals returns the subject followed by the group ids. A grant to any
// of them applies to the caller.
func (c *Claims) Principals() []string {
	out := make([]string, 0, len(c.Groups)+1)
	out = append(out, c.Subject)
	return append(out, c.Groups...)
}

// TokenPair is returned by every successful login or refresh
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// SystemClaims returns admin claims for internal callers
func SystemClaims() *Claims {
	return &Claims{
		IsAdmin:          true,
		RegisteredClaims: jwt.RegisteredClaims{Subject: SystemSubject},
	}
}

// WithClaims stores the authenticated principal in ctx
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	ctx = contextkeys.WithPrincipal(ctx, claims)
	return contextkeys.WithUserID(ctx, claims.Subject)
}

// ClaimsFromContext returns the principal stored by WithClaims
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(contextkeys.PrincipalKey).(*Claims)
	return claims, ok && claims != nil
}

// RequireClaims is ClaimsFromContext returning an AuthError when the
// context is unauthenticated.
func RequireClaims(ctx context.Context) (*Claims, error) {
	claims, ok := ClaimsFromContext(ctx)
	if !ok {
		return nil, apperr.Auth("authentication required")
	}
	return claims, nil
}

// RequireAdmin returns PermissionDenied unless the caller is an admin
func RequireAdmin(ctx context.Context) (*Claims, error) {
	claims, err := RequireClaims(ctx)
	if err != nil {
		return nil, err
	}
	if !claims.IsAdmin {
		return nil, apperr.PermissionDenied("admin privileges required")
	}
	return claims, nil
}
