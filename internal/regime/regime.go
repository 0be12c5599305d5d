// Package regime builds and submits regime-specific signed envelopes for
// fiscal ledger entries. Adapters are stateless request/response services: no
// chain state lives here, and an envelope can only be built from an entry the
// ledger has already chained and hashed.
package regime

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/veritrail/veritrail/internal/certstore"
	"github.com/veritrail/veritrail/internal/fiscal"
	"github.com/veritrail/veritrail/internal/signature"
)

// ID identifies an external fiscal-authority protocol.
type ID string

const (
	RegimeA ID = "regime_a"
	RegimeB ID = "regime_b"
)

// Status tracks an envelope through submission.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
)

// Envelope is the regime-specific signed payload derived from a ledger entry
// plus a certificate. It references back to the originating entry and stays
// valid for resubmission across transient failures.
type Envelope struct {
	ID           uuid.UUID  `json:"id"`
	Regime       ID         `json:"regime"`
	EntryID      uuid.UUID  `json:"entry_id"`
	TenantID     string     `json:"tenant_id"`
	Thumbprint   string     `json:"thumbprint"`
	SignatureB64 string     `json:"signature_b64"`
	QRPayload    string     `json:"qr_payload"`
	XML          []byte     `json:"-"`
	Status       Status     `json:"status"`
	AuthorityRef string     `json:"authority_ref,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	SubmittedAt  *time.Time `json:"submitted_at,omitempty"`
}

// Receipt is the authority's answer to a submission.
type Receipt struct {
	Accepted     bool   `json:"accepted"`
	AuthorityRef string `json:"authority_ref"`
	Message      string `json:"message,omitempty"`
}

// SubmissionError reports a failed submission to the external authority.
// Retryable failures (network, 5xx) leave the envelope valid and
// resubmittable; non-retryable ones need operator attention.
type SubmissionError struct {
	Regime    ID
	Status    int
	Retryable bool
	Err       error
}

func (e *SubmissionError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("%s submission failed (%s, status %d): %v", e.Regime, kind, e.Status, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// Adapter builds the signed envelope for one regime.
type Adapter interface {
	Regime() ID
	// BuildEnvelope selects a certificate registered for this regime, signs
	// the regime's canonical payload, derives the QR verification code, and
	// serialises the wire-format XML.
	BuildEnvelope(ctx context.Context, entry *fiscal.LogEntry) (*Envelope, error)
}

// usageFor maps a regime to the certificate usage it requires.
func usageFor(id ID) certstore.Usage {
	if id == RegimeB {
		return certstore.UsageRegimeB
	}
	return certstore.UsageRegimeA
}

// selectCertificate picks the first store certificate registered for the
// regime's usage whose validity window covers now. A certificate may never be
// selected without a matching usage declaration.
func selectCertificate(ctx context.Context, store certstore.Store, reg certstore.Registry, id ID, now time.Time) (*certstore.Record, error) {
	if !store.Available() {
		return nil, fmt.Errorf("certificate store: %w", signature.ErrSigningUnavailable)
	}
	records, err := store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list certificates: %w", err)
	}
	if err := certstore.Annotate(ctx, reg, records); err != nil {
		return nil, fmt.Errorf("load certificate usages: %w", err)
	}

	usage := usageFor(id)
	for i := range records {
		if records[i].HasUsage(usage) && records[i].ValidAt(now) {
			return &records[i], nil
		}
	}
	return nil, fmt.Errorf("no certificate registered for %s: %w", id, signature.ErrSigningUnavailable)
}

// qrPayload derives the short verification code embedded in the printed QR:
// a regime prefix, the truncated base64 signature, and the document number.
func qrPayload(prefix string, sig []byte, number string) string {
	b64 := base64.StdEncoding.EncodeToString(sig)
	if len(b64) > 22 {
		b64 = b64[:22]
	}
	return prefix + b64 + "|" + number
}
