package identity

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/keel/pkg/apperr"
	"github.com/platinummonkey/keel/pkg/auth"
	"github.com/platinummonkey/keel/pkg/observability"
	"github.com/platinummonkey/keel/pkg/permissions"
)

// Login methods, used as metric labels
const (
	MethodPassword       = "password"
	MethodServiceAccount = "service_account"
	MethodDID            = "did"
	MethodOIDC           = "oidc"
	MethodRefresh        = "refresh"
)

// DIDLogin is a signed "<did>|<unix-seconds>" challenge
type DIDLogin struct {
	Message   string `json:"message"`
	Signature string `json:"signature"`
}

// LoginRequest carries one set of credentials
type LoginRequest struct {
	ExternalID       string    `json:"externalId,omitempty"`
	ServiceAccountID string    `json:"serviceAccountId,omitempty"`
	Password         string    `json:"password,omitempty"`
	DIDLogin         *DIDLogin `json:"didLogin,omitempty"`
	OIDCToken        string    `json:"oidcToken,omitempty"`
}

// AuditTarget names the principal trying to log in
func (r *LoginRequest) AuditTarget() string {
	if r.ServiceAccountID != "" {
		return r.ServiceAccountID
	}
	return r.ExternalID
}

// DIDChecker verifies DID-signed challenges
type DIDChecker interface {
	Verify(ctx context.Context, did, message, signature string) error
}

// OIDCChecker verifies ID tokens from an external provider and returns the
// subject
type OIDCChecker interface {
	Verify(ctx context.Context, rawIDToken string) (string, error)
}

// Authenticator exchanges credentials for token pairs
type Authenticator struct {
	store   Store
	tokens  *auth.TokenIssuer
	did     DIDChecker
	oidc    OIDCChecker
	metrics *observability.Metrics
	logger  *observability.Logger
	now     func() time.Time
}

// NewAuthenticator creates an authenticator. did and oidc may be nil to
// disable those login methods.
func NewAuthenticator(store Store, tokens *auth.TokenIssuer, did DIDChecker, oidc OIDCChecker,
	metrics *observability.Metrics, logger *observability.Logger) *Authenticator {
	if metrics == nil {
		metrics = observability.NewNopMetrics()
	}
	return &Authenticator{
		store:   store,
		tokens:  tokens,
		did:     did,
		oidc:    oidc,
		metrics: metrics,
		logger:  logger.WithComponent("authentication"),
		now:     time.Now,
	}
}

func (a *Authenticator) record(method string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	a.metrics.LoginsTotal.WithLabelValues(method, result).Inc()
}

// Login validates the credentials in req and issues a token pair. Bad
// credentials of any kind fail with the same AuthError.
func (a *Authenticator) Login(ctx context.Context, req *LoginRequest) (*auth.TokenPair, error) {
	var (
		method string
		pair   *auth.TokenPair
		err    error
	)
	switch {
	case req.OIDCToken != "":
		method = MethodOIDC
		pair, err = a.loginOIDC(ctx, req.OIDCToken)
	case req.ServiceAccountID != "":
		method = MethodServiceAccount
		pair, err = a.loginServiceAccount(ctx, req.ServiceAccountID, req.Password)
	case req.ExternalID != "" && req.DIDLogin != nil:
		method = MethodDID
		pair, err = a.loginDID(ctx, req.ExternalID, req.DIDLogin)
	case req.ExternalID != "":
		method = MethodPassword
		pair, err = a.loginPassword(ctx, req.ExternalID, req.Password)
	default:
		return nil, apperr.Validation("externalId, serviceAccountId or oidcToken is required")
	}

	a.record(method, err)
	if err != nil {
		a.logger.ForContext(ctx).WithError(err).WithField("method", method).Debug("Login failed")
		return nil, err
	}
	return pair, nil
}

func invalidCredentials() error {
	return apperr.Auth("invalid credentials")
}

func (a *Authenticator) issueUser(ctx context.Context, u *User) (*auth.TokenPair, error) {
	groups, err := a.store.GroupsOf(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	return a.tokens.Issue(ctx, u.ID, groups, u.IsAdmin)
}

func (a *Authenticator) loginPassword(ctx context.Context, externalID, password string) (*auth.TokenPair, error) {
	u, err := a.store.GetUserByExternalID(ctx, strings.TrimSpace(externalID))
	if apperr.IsNotFound(err) {
		return nil, invalidCredentials()
	}
	if err != nil {
		return nil, err
	}
	if !auth.CheckPassword(u.PasswordHash, password) {
		return nil, invalidCredentials()
	}
	return a.issueUser(ctx, u)
}

func (a *Authenticator) loginServiceAccount(ctx context.Context, ref, secret string) (*auth.TokenPair, error) {
	sa, err := a.store.GetServiceAccount(ctx, permissions.NormalizePrincipal(ref))
	if apperr.IsNotFound(err) {
		return nil, invalidCredentials()
	}
	if err != nil {
		return nil, err
	}
	if !auth.CheckPassword(sa.SecretKeyHash, secret) {
		return nil, invalidCredentials()
	}
	return a.tokens.Issue(ctx, sa.ID, nil, sa.IsAdmin)
}

func (a *Authenticator) loginDID(ctx context.Context, did string, login *DIDLogin) (*auth.TokenPair, error) {
	if a.did == nil {
		return nil, apperr.Validation("DID login is not enabled")
	}
	did = strings.TrimSpace(did)
	if err := a.did.Verify(ctx, did, login.Message, login.Signature); err != nil {
		return nil, err
	}
	u, err := a.externalUser(ctx, did)
	if err != nil {
		return nil, err
	}
	return a.issueUser(ctx, u)
}

func (a *Authenticator) loginOIDC(ctx context.Context, token string) (*auth.TokenPair, error) {
	if a.oidc == nil {
		return nil, apperr.Validation("OIDC login is not enabled")
	}
	subject, err := a.oidc.Verify(ctx, token)
	if err != nil {
		return nil, err
	}
	u, err := a.externalUser(ctx, subject)
	if err != nil {
		return nil, err
	}
	return a.issueUser(ctx, u)
}

// externalUser returns the user registered for an externally verified
// identity, registering it on first login
func (a *Authenticator) externalUser(ctx context.Context, externalID string) (*User, error) {
	u, err := a.store.GetUserByExternalID(ctx, externalID)
	if err == nil || !apperr.IsNotFound(err) {
		return u, err
	}

	at := now(a.now)
	u = &User{
		ID:         uuid.NewString(),
		Name:       externalID,
		ExternalID: externalID,
		CreatedAt:  at,
		UpdatedAt:  at,
	}
	err = a.store.CreateUser(ctx, u)
	if apperr.IsConflict(err) {
		// a concurrent first login registered it
		return a.store.GetUserByExternalID(ctx, externalID)
	}
	if err != nil {
		return nil, err
	}
	a.logger.ForContext(ctx).WithField("user_id", u.ID).Info("Registered user on first login")
	return u, nil
}

// Refresh burns refreshToken and issues a new pair carrying the
// principal's current groups and admin flag
func (a *Authenticator) Refresh(ctx context.Context, refreshToken string) (*auth.TokenPair, error) {
	pair, err := a.refresh(ctx, refreshToken)
	a.record(MethodRefresh, err)
	return pair, err
}

func (a *Authenticator) refresh(ctx context.Context, refreshToken string) (*auth.TokenPair, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, apperr.Auth("refresh token is required")
	}
	claims, err := a.tokens.ConsumeRefresh(ctx, refreshToken)
	if err != nil {
		return nil, err
	}

	u, err := a.store.GetUser(ctx, claims.Subject)
	if err == nil {
		return a.issueUser(ctx, u)
	}
	if !apperr.IsNotFound(err) {
		return nil, err
	}

	sa, err := a.store.GetServiceAccount(ctx, claims.Subject)
	if apperr.IsNotFound(err) {
		return nil, apperr.Auth("principal %s no longer exists", claims.Subject)
	}
	if err != nil {
		return nil, err
	}
	return a.tokens.Issue(ctx, sa.ID, nil, sa.IsAdmin)
}
