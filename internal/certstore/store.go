// Package certstore bridges to an external, OS-managed certificate store.
//
// The store is the only component ever exposed to raw private key bytes, and
// only for the lifetime of a single ExportAndUse call: key material is
// exported into a temporary encrypted container with a freshly generated
// passphrase, handed to the operation, and discarded the moment the operation
// returns. Nothing in this package persists keys.
package certstore

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"time"
)

var (
	// ErrStoreUnavailable is returned when no OS certificate store is
	// exposed on this host. Callers should check Available() first; the
	// feature degrades rather than failing hard.
	ErrStoreUnavailable = errors.New("certificate store unavailable on this host")

	// ErrKeyAccessDenied is returned when the store refuses to export a
	// private key (non-exportable key, missing permission). Fatal for that
	// certificate/operation pair; not retried automatically.
	ErrKeyAccessDenied = errors.New("private key access denied")

	// ErrCertNotFound is returned when no certificate matches a thumbprint.
	ErrCertNotFound = errors.New("certificate not found")
)

// Location identifies the scope a certificate was discovered in.
type Location string

const (
	LocationUser    Location = "user"
	LocationMachine Location = "machine"
)

// Usage declares what a certificate may sign for.
type Usage string

const (
	UsageRegimeA Usage = "regime_a"
	UsageRegimeB Usage = "regime_b"
)

// Record is metadata about a credential usable for fiscal signing. It is a
// pointer into the external store, re-resolved at signing time; it never
// carries key material.
type Record struct {
	Thumbprint   string    `json:"thumbprint"`
	SerialNumber string    `json:"serial_number"`
	Subject      string    `json:"subject"`
	Issuer       string    `json:"issuer"`
	Holder       string    `json:"holder"`
	TaxID        string    `json:"tax_id"`
	Organization string    `json:"organization"`
	NotBefore    time.Time `json:"not_before"`
	NotAfter     time.Time `json:"not_after"`
	Location     Location  `json:"location"`
	HasKey       bool      `json:"has_private_key"`
	Usages       []Usage   `json:"usages,omitempty"`
}

// ValidAt reports whether the certificate's validity window covers t.
func (r *Record) ValidAt(t time.Time) bool {
	return !t.Before(r.NotBefore) && !t.After(r.NotAfter)
}

// HasUsage reports whether the record has been registered for usage u.
func (r *Record) HasUsage(u Usage) bool {
	for _, got := range r.Usages {
		if got == u {
			return true
		}
	}
	return false
}

// Exported is the transient view of an exported credential. It is valid only
// inside the operation passed to ExportAndUse; implementations discard the
// key material when the operation returns.
type Exported struct {
	Cert *x509.Certificate
	Key  *rsa.PrivateKey
}

// Operation runs against a transiently exported credential.
type Operation func(*Exported) error

// Store enumerates and transiently exports certificates held by an external
// credential store.
type Store interface {
	// Available reports whether a certificate store is reachable on this
	// host. When false, List and ExportAndUse return ErrStoreUnavailable.
	Available() bool

	// List enumerates certificates across the user and machine scopes,
	// deduplicated by thumbprint and filtered to entries reporting an
	// available private key.
	List(ctx context.Context) ([]Record, error)

	// ExportAndUse exports the certificate plus private key identified by
	// thumbprint into a temporary encrypted container, runs op against the
	// decrypted material, and discards container and passphrase.
	ExportAndUse(ctx context.Context, thumbprint string, op Operation) error
}
