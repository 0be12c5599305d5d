// Package ledger maintains the hash-chained, append-only sequence of fiscal
// log entries, one chain per tenant.
//
// Appends for the same tenant are serialised: the read of the chain tail, the
// hash computation, and the insert happen under a per-tenant mutual-exclusion
// scope so two entries can never claim the same prev_hash. Cross-tenant
// appends proceed fully in parallel.
//
// Two implementations are provided:
//   - MemoryLedger: in-process, for testing and development.
//   - PostgresLedger: durable, for production use.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/veritrail/veritrail/internal/fiscal"
)

// ErrEntryNotFound is returned by Get for an unknown entry id.
var ErrEntryNotFound = errors.New("ledger entry not found")

// Signer produces the HMAC integrity signature attached to every entry.
// *signature.Engine satisfies this interface.
type Signer interface {
	Sign(hash string, ts time.Time, tenantID string) string
}

// Draft is the caller-supplied part of a fiscal log entry. Chain fields are
// computed by the ledger at append time.
type Draft struct {
	TenantID      string
	DocType       fiscal.DocType
	Number        string
	Series        string
	TaxableAmount decimal.Decimal
	TaxAmount     decimal.Decimal
	Total         decimal.Decimal
	Timestamp     time.Time // zero = now
}

func (d *Draft) validate() error {
	if d.TenantID == "" {
		return errors.New("draft: tenant id required")
	}
	if !d.DocType.Valid() {
		return fmt.Errorf("draft: unknown doc type %q", d.DocType)
	}
	if d.Number == "" {
		return errors.New("draft: document number required")
	}
	return nil
}

// entryFromDraft builds the unchained entry for a draft.
func entryFromDraft(d *Draft) *fiscal.LogEntry {
	ts := d.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	// Microsecond precision: the store keeps timestamptz, and the hash input
	// must survive a round trip through it unchanged.
	ts = ts.UTC().Truncate(time.Microsecond)
	return &fiscal.LogEntry{
		ID:            uuid.New(),
		TenantID:      d.TenantID,
		DocType:       d.DocType,
		Number:        d.Number,
		Series:        d.Series,
		TaxableAmount: d.TaxableAmount,
		TaxAmount:     d.TaxAmount,
		Total:         d.Total,
		Timestamp:     ts,
	}
}

// Ledger is the narrow append/query interface over the external ledger store.
// No update-in-place is exposed; corrections are new compensating entries.
type Ledger interface {
	// Append chains a new entry to the tenant's chain tail and persists it
	// atomically. The returned entry carries hash, prev hash, and signature.
	Append(ctx context.Context, draft Draft) (*fiscal.LogEntry, error)

	// Get returns a single entry by id.
	Get(ctx context.Context, id uuid.UUID) (*fiscal.LogEntry, error)

	// Chain returns a tenant's entries in timestamp order.
	Chain(ctx context.Context, tenantID string) ([]fiscal.LogEntry, error)

	// Tail returns the hash of the tenant's most recent entry, or the
	// genesis sentinel for an empty chain.
	Tail(ctx context.Context, tenantID string) (string, error)

	// Tenants lists every tenant with at least one entry.
	Tenants(ctx context.Context) ([]string, error)

	// Verify loads the tenant's full chain and validates it, reporting the
	// exact index of the first violation.
	Verify(ctx context.Context, tenantID string) (fiscal.ChainReport, error)

	// Archive sets the archival metadata flag on an entry. It is the only
	// permitted mutation and never touches chained fields.
	Archive(ctx context.Context, id uuid.UUID) error
}
