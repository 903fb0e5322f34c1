package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/platinummonkey/keel/pkg/apperr"
)

const (
	// SecretLength is the length of generated service account secrets
	SecretLength = 32

	// DefaultAccessTTL is the lifetime of access tokens
	DefaultAccessTTL = 120 * time.Second
	// DefaultRefreshTTL is the lifetime of refresh tokens
	DefaultRefreshTTL = 24 * time.Hour
)

// GenerateSecret returns SecretLength characters of base64url randomness
func GenerateSecret() (string, error) {
	randomBytes := make([]byte, SecretLength*3/4)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(randomBytes), nil
}

// TokenConfig configures a TokenIssuer
type TokenConfig struct {
	Secret     []byte
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// TokenIssuer signs and verifies bearer tokens and tracks refresh sessions
type TokenIssuer struct {
	config   TokenConfig
	sessions SessionStore
	now      func() time.Time
}

// NewTokenIssuer creates a token issuer. Zero TTLs take the defaults.
func NewTokenIssuer(config TokenConfig, sessions SessionStore) *TokenIssuer {
	if config.AccessTTL <= 0 {
		config.AccessTTL = DefaultAccessTTL
	}
	if config.RefreshTTL <= 0 {
		config.RefreshTTL = DefaultRefreshTTL
	}
	return &TokenIssuer{config: config, sessions: sessions, now: time.Now}
}

// Issue signs a new access/refresh pair for subject and records the
// refresh session.
func (ti *TokenIssuer) Issue(ctx context.Context, subject string, groups []string, isAdmin bool) (*TokenPair, error) {
	now := ti.now()

	access, _, err := ti.sign(subject, groups, isAdmin, false, now, ti.config.AccessTTL)
	if err != nil {
		return nil, err
	}
	refresh, refreshClaims, err := ti.sign(subject, groups, isAdmin, true, now, ti.config.RefreshTTL)
	if err != nil {
		return nil, err
	}

	if err := ti.sessions.Save(ctx, refreshClaims.ID, subject, refreshClaims.ExpiresAt.Time); err != nil {
		return nil, fmt.Errorf("failed to record refresh session: %w", err)
	}

	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

func (ti *TokenIssuer) sign(subject string, groups []string, isAdmin, refresh bool, now time.Time, ttl time.Duration) (string, *Claims, error) {
	claims := &Claims{
		Groups:  groups,
		IsAdmin: isAdmin,
		Refresh: refresh,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			Issuer:    ti.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.config.Secret)
	if err != nil {
		return "", nil, apperr.Internal(err, "failed to sign token")
	}
	return signed, claims, nil
}

func (ti *TokenIssuer) parse(token string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(ti.now),
		jwt.WithExpirationRequired(),
	}
	if ti.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(ti.config.Issuer))
	}

	claims := &Claims{}
	if _, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return ti.config.Secret, nil
	}, opts...); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperr.Auth("token expired")
		}
		return nil, apperr.Wrap(apperr.KindAuth, err, "invalid token")
	}
	if claims.Subject == "" {
		return nil, apperr.Auth("token has no subject")
	}
	return claims, nil
}

// VerifyAccess validates an access token. Refresh tokens are rejected.
func (ti *TokenIssuer) VerifyAccess(token string) (*Claims, error) {
	claims, err := ti.parse(token)
	if err != nil {
		return nil, err
	}
	if claims.Refresh {
		return nil, apperr.Auth("refresh token used as access token")
	}
	return claims, nil
}

// ConsumeRefresh validates a refresh token and burns its session. A token
// that was already used, or whose session was swept, fails with AuthError.
func (ti *TokenIssuer) ConsumeRefresh(ctx context.Context, token string) (*Claims, error) {
	claims, err := ti.parse(token)
	if err != nil {
		return nil, err
	}
	if !claims.Refresh {
		return nil, apperr.Auth("not a refresh token")
	}

	ok, err := ti.sessions.Consume(ctx, claims.ID, ti.now())
	if err != nil {
		return nil, fmt.Errorf("failed to consume refresh session: %w", err)
	}
	if !ok {
		return nil, apperr.Auth("refresh token revoked or already used")
	}
	return claims, nil
}
