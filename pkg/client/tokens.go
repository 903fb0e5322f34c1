package client

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/platinummonkey/keel/pkg/apperr"
	"github.com/platinummonkey/keel/pkg/auth"
	"github.com/platinummonkey/keel/pkg/identity"
	"github.com/platinummonkey/keel/pkg/rpc"
)

// TokenSource logs in once and afterwards rotates the refresh token for
// each new access token. When the refresh token is rejected it logs in
// again. Wrap it with oauth2.ReuseTokenSource to only call the server when
// the access token is about to expire.
type TokenSource struct {
	conn        *grpc.ClientConn
	credentials identity.LoginRequest

	mu      sync.Mutex
	refresh string
}

// NewTokenSource creates a token source logging in with credentials over
// conn
func NewTokenSource(conn *grpc.ClientConn, credentials identity.LoginRequest) *TokenSource {
	return &TokenSource{conn: conn, credentials: credentials}
}

// Token implements oauth2.TokenSource
func (ts *TokenSource) Token() (*oauth2.Token, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var pair auth.TokenPair
	var err error
	if ts.refresh != "" {
		err = ts.conn.Invoke(ctx, rpc.FullMethod(rpc.AuthenticationService, "Refresh"),
			&rpc.RefreshRequest{RefreshToken: ts.refresh}, &pair)
		err = rpc.FromStatus(err)
	}
	if ts.refresh == "" || apperr.KindOf(err) == apperr.KindAuth {
		login := ts.credentials
		err = rpc.FromStatus(ts.conn.Invoke(ctx, rpc.FullMethod(rpc.AuthenticationService, "Login"), &login, &pair))
	}
	if err != nil {
		return nil, err
	}
	ts.refresh = pair.RefreshToken

	return &oauth2.Token{
		AccessToken:  pair.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: pair.RefreshToken,
		Expiry:       expiry(pair.AccessToken),
	}, nil
}

// expiry reads exp from a token without verifying it; the server does
// that. A token without exp never expires locally.
func expiry(token string) time.Time {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// perRPC attaches a bearer token to every call except Login and Refresh,
// which the token source itself makes
type perRPC struct {
	mu     sync.RWMutex
	source oauth2.TokenSource
	secure bool
}

func (p *perRPC) setSource(source oauth2.TokenSource) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.source = source
}

func (p *perRPC) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	if info, ok := credentials.RequestInfoFromContext(ctx); ok && rpc.PublicMethods[info.Method] {
		return nil, nil
	}
	p.mu.RLock()
	source := p.source
	p.mu.RUnlock()
	if source == nil {
		return nil, nil
	}
	token, err := source.Token()
	if err != nil {
		return nil, err
	}
	return map[string]string{"authorization": token.Type() + " " + token.AccessToken}, nil
}

func (p *perRPC) RequireTransportSecurity() bool {
	return p.secure
}

// PerRPCCredentials exposes any token source as gRPC call credentials.
// Pass it with grpc.PerRPCCredentials to authenticate single calls.
func PerRPCCredentials(source oauth2.TokenSource, secure bool) credentials.PerRPCCredentials {
	return &perRPC{source: source, secure: secure}
}
