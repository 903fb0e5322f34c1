package auth

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/platinummonkey/keel/pkg/apperr"
)

// OIDCVerifier validates ID tokens issued by an external OpenID provider
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCVerifier discovers issuerURL and verifies tokens for clientID
func NewOIDCVerifier(ctx context.Context, issuerURL, clientID string) (*OIDCVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}
	return NewOIDCVerifierFrom(provider.Verifier(&oidc.Config{ClientID: clientID})), nil
}

// NewOIDCVerifierFrom wraps an already configured go-oidc verifier
func NewOIDCVerifierFrom(verifier *oidc.IDTokenVerifier) *OIDCVerifier {
	return &OIDCVerifier{verifier: verifier}
}

// Verify validates rawIDToken and returns its subject
func (v *OIDCVerifier) Verify(ctx context.Context, rawIDToken string) (string, error) {
	idToken, err := v.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return "", apperr.Wrap(apperr.KindAuth, err, "invalid OIDC token")
	}
	if idToken.Subject == "" {
		return "", apperr.Auth("OIDC token has no subject")
	}
	return idToken.Subject, nil
}
