// Package signature implements the two signing paths of the fiscal core:
// a keyed HMAC integrity signature for internal tamper detection, and a
// certificate-backed RSA signature for externally verifiable submissions.
// The two paths are never interchangeable.
package signature

import (
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrSigningUnavailable marks a transient signing failure: the
	// certificate or its private key could not be obtained right now.
	// Callers may retry after operator intervention.
	ErrSigningUnavailable = errors.New("signing unavailable")

	// ErrInvalidCredential marks malformed key material. Fatal for the
	// certificate in question; retrying with the same credential is useless.
	ErrInvalidCredential = errors.New("invalid credential")
)

// Engine produces and checks fiscal signatures. The HMAC secret is injected
// at construction so each deployment (and each test) carries its own.
type Engine struct {
	secret []byte
	logger *zap.Logger
}

// NewEngine creates an Engine with the given HMAC secret.
func NewEngine(secret []byte, logger *zap.Logger) (*Engine, error) {
	if len(secret) == 0 {
		return nil, errors.New("signature: empty HMAC secret")
	}
	return &Engine{secret: secret, logger: logger}, nil
}

// Sign computes the hex HMAC-SHA256 integrity signature over an entry's hash,
// timestamp, and tenant.
func (e *Engine) Sign(hash string, ts time.Time, tenantID string) string {
	mac := hmac.New(sha256.New, e.secret)
	fmt.Fprintf(mac, "%s|%s|%s", hash, ts.UTC().Format(time.RFC3339Nano), tenantID)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the integrity signature and compares it in constant time.
func (e *Engine) Verify(hash string, ts time.Time, tenantID, sig string) bool {
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, e.secret)
	fmt.Fprintf(mac, "%s|%s|%s", hash, ts.UTC().Format(time.RFC3339Nano), tenantID)
	return hmac.Equal(mac.Sum(nil), want)
}

// SignWithKey produces an RSA-SHA256 (PKCS#1 v1.5) signature over payload
// using a private key obtained transiently from the certificate store. The
// key is only referenced for the duration of this call; it is never stored
// or logged.
func (e *Engine) SignWithKey(key *rsa.PrivateKey, payload []byte) ([]byte, error) {
	if key == nil {
		return nil, fmt.Errorf("no private key: %w", ErrSigningUnavailable)
	}
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("validate key: %w", ErrInvalidCredential)
	}
	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("rsa sign: %w", err)
	}
	e.logger.Debug("certificate signature computed", zap.Int("payload_bytes", len(payload)))
	return sig, nil
}

// VerifyWithKey checks an RSA-SHA256 signature against a public key.
func VerifyWithKey(pub *rsa.PublicKey, payload, sig []byte) error {
	digest := sha256.Sum256(payload)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig)
}
