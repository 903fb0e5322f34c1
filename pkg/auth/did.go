package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mr-tron/base58"

	"github.com/platinummonkey/keel/pkg/apperr"
)

const (
	didKeyPrefix = "did:key:z"

	// DefaultDIDMaxSkew bounds the age of a signed login challenge
	DefaultDIDMaxSkew = 5 * time.Minute
)

// multicodec varint for ed25519-pub
var ed25519Multicodec = []byte{0xed, 0x01}

// ChallengeRecorder remembers used login challenges until they expire.
// Claim records id and reports false when it was already recorded. Every
// SessionStore is one.
type ChallengeRecorder interface {
	Claim(ctx context.Context, id, subject string, expiresAt time.Time) (bool, error)
}

// DIDVerifier verifies signed login challenges of the form
// "<did>|<unix-seconds>" for did:key Ed25519 identities.
type DIDVerifier struct {
	maxSkew time.Duration
	used    ChallengeRecorder
	now     func() time.Time
}

// NewDIDVerifier creates a verifier accepting challenges up to maxSkew old
// or early. Each challenge is accepted once; used records it until it
// expires. A nil used accepts a challenge as often as it is presented.
func NewDIDVerifier(maxSkew time.Duration, used ChallengeRecorder) *DIDVerifier {
	if maxSkew <= 0 {
		maxSkew = DefaultDIDMaxSkew
	}
	return &DIDVerifier{maxSkew: maxSkew, used: used, now: time.Now}
}

// Verify checks that message is a fresh, unused challenge for did and that
// signature (hex, optional 0x prefix) is did's signature over it.
func (v *DIDVerifier) Verify(ctx context.Context, did, message, signature string) error {
	pub, err := ParseDIDKey(did)
	if err != nil {
		return err
	}

	subject, ts, ok := strings.Cut(message, "|")
	if !ok || subject != did {
		return apperr.Auth("challenge does not name %s", did)
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return apperr.Auth("challenge timestamp is malformed")
	}
	skew := v.now().Sub(time.Unix(unix, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.maxSkew {
		return apperr.Auth("challenge expired")
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return apperr.Auth("signature is not hex encoded")
	}
	if !ed25519.Verify(pub, []byte(message), sig) {
		return apperr.Auth("signature verification failed")
	}

	if v.used == nil {
		return nil
	}
	sum := sha256.Sum256([]byte(message))
	fresh, err := v.used.Claim(ctx, "did-challenge:"+hex.EncodeToString(sum[:]), did, time.Unix(unix, 0).Add(v.maxSkew))
	if err != nil {
		return apperr.Internal(err, "failed to record login challenge")
	}
	if !fresh {
		return apperr.Auth("challenge was already used")
	}
	return nil
}

// ParseDIDKey extracts the Ed25519 public key from a did:key identifier
func ParseDIDKey(did string) (ed25519.PublicKey, error) {
	if !strings.HasPrefix(did, didKeyPrefix) {
		return nil, apperr.Auth("unsupported DID method: %q", did)
	}
	raw, err := base58.Decode(strings.TrimPrefix(did, didKeyPrefix))
	if err != nil {
		return nil, apperr.Auth("malformed did:key: %v", err)
	}
	if len(raw) != len(ed25519Multicodec)+ed25519.PublicKeySize ||
		raw[0] != ed25519Multicodec[0] || raw[1] != ed25519Multicodec[1] {
		return nil, apperr.Auth("did:key is not an Ed25519 key")
	}
	return ed25519.PublicKey(raw[len(ed25519Multicodec):]), nil
}

// EncodeDIDKey renders pub as a did:key identifier
func EncodeDIDKey(pub ed25519.PublicKey) string {
	raw := append(append([]byte{}, ed25519Multicodec...), pub...)
	return didKeyPrefix + base58.Encode(raw)
}

// SignChallenge builds and signs a login challenge for did at time at
func SignChallenge(priv ed25519.PrivateKey, did string, at time.Time) (message, signature string) {
	message = fmt.Sprintf("%s|%d", did, at.Unix())
	return message, "0x" + hex.EncodeToString(ed25519.Sign(priv, []byte(message)))
}
