// Package auth provides the credential primitives used by the identity
// provider and the RPC layer.
//
// # Overview
//
// Bearer tokens are HS256 JWTs carrying the principal (subject, group ids,
// admin flag). Every login returns an access and a refresh token; the
// refresh token's id is recorded in a SessionStore and consumed on use, so
// each refresh token works exactly once.
//
//	issuer := auth.NewTokenIssuer(auth.TokenConfig{
//		Secret:     []byte(cfg.Auth.TokenSecret),
//		Issuer:     "keel",
//		AccessTTL:  2 * time.Minute,
//		RefreshTTL: 24 * time.Hour,
//	}, auth.NewMemorySessionStore())
//
//	pair, err := issuer.Issue(ctx, userID, groupIDs, isAdmin)
//	claims, err := issuer.VerifyAccess(pair.AccessToken)
//	claims, err = issuer.ConsumeRefresh(ctx, pair.RefreshToken)
//
// # Secrets
//
// Passwords and service account secrets are stored as bcrypt hashes.
// GenerateSecret returns a 32 character URL-safe random secret.
//
// # External identities
//
// DIDVerifier checks signed login challenges for did:key identities and
// OIDCVerifier validates ID tokens from a configured issuer.
//
// # Session stores
//
//	MemorySessionStore    single instance and tests
//	PostgresSessionStore  refresh_sessions table
//	RedisSessionStore     keys with TTL, consumed with GETDEL
package auth
