// Package auth implements the signed-token check that gates websocket
// admission. Tokens bind a peer's public key to an expiry under a shared
// secret; issuing them is someone else's job.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalidToken indicates the token failed signature checks or had malformed structure.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken signals that the token's expiry is in the past.
	ErrExpiredToken = errors.New("token expired")
)

// Verifier decides whether a presented token authorizes the given public key.
type Verifier interface {
	Verify(token, publicKey string) error
}

// HMACVerifier validates `<exp>.<signature>` tokens where the signature is
// HMAC-SHA256 over `<publicKey>.<exp>` with a shared secret.
type HMACVerifier struct {
	secret []byte
	now    func() time.Time
	leeway time.Duration
}

// NewHMACVerifier constructs a verifier for the supplied shared secret and clock skew allowance.
func NewHMACVerifier(secret string, leeway time.Duration) (*HMACVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("hmac secret must not be empty")
	}
	if leeway < 0 {
		leeway = 0
	}
	return &HMACVerifier{secret: []byte(secret), now: time.Now, leeway: leeway}, nil
}

// Verify checks the token signature against publicKey and rejects expired tokens.
func (v *HMACVerifier) Verify(token, publicKey string) error {
	if v == nil || len(v.secret) == 0 {
		return errors.New("verifier not initialised")
	}
	token = strings.TrimSpace(token)
	if token == "" || publicKey == "" {
		return ErrInvalidToken
	}

	expPart, sigPart, ok := strings.Cut(token, ".")
	if !ok {
		return ErrInvalidToken
	}
	exp, err := strconv.ParseInt(expPart, 10, 64)
	if err != nil || exp <= 0 {
		return ErrInvalidToken
	}
	signature, err := base64.RawURLEncoding.DecodeString(sigPart)
	if err != nil {
		return ErrInvalidToken
	}
	if !hmac.Equal(signature, v.sign(publicKey, expPart)) {
		return ErrInvalidToken
	}
	if time.Unix(exp, 0).Add(v.leeway).Before(v.now()) {
		return ErrExpiredToken
	}
	return nil
}

func (v *HMACVerifier) sign(publicKey, exp string) []byte {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(publicKey + "." + exp))
	return mac.Sum(nil)
}

// WithClock overrides the verifier clock, enabling deterministic unit tests.
func (v *HMACVerifier) WithClock(clock func() time.Time) {
	if clock == nil {
		return
	}
	v.now = clock
}
