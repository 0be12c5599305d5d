package fiscal

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// GenesisHash is the sentinel PrevHash carried by the first entry of every
// tenant chain. All subsequent entries chain from a computed hash; only the
// genesis link uses this constant.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// DocType identifies the kind of fiscal document an entry records.
type DocType string

const (
	DocInvoice    DocType = "invoice"
	DocTicket     DocType = "ticket"
	DocCreditNote DocType = "credit_note"
	DocRefund     DocType = "refund"
)

// Valid reports whether t is one of the recognised document types.
func (t DocType) Valid() bool {
	switch t {
	case DocInvoice, DocTicket, DocCreditNote, DocRefund:
		return true
	}
	return false
}

// LogEntry is a single immutable record in a tenant's fiscal chain.
//
// Once appended the record is never updated or deleted in place; archival is
// the Archived metadata flag, and corrections are modelled as new compensating
// entries (credit notes, refunds).
type LogEntry struct {
	ID        uuid.UUID `json:"id"`
	TenantID  string    `json:"tenant_id"`
	DocType   DocType   `json:"doc_type"`
	Number    string    `json:"number"`
	Series    string    `json:"series"`

	TaxableAmount decimal.Decimal `json:"taxable_amount"`
	TaxAmount     decimal.Decimal `json:"tax_amount"`
	Total         decimal.Decimal `json:"total"`

	Timestamp time.Time `json:"timestamp"`
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
	Signature string    `json:"signature"`

	Archived bool `json:"archived"`
}

// ChainReport is the result of verifying a tenant chain.
// BrokenAt is the zero-based index of the first violation in timestamp order,
// or -1 when the chain is intact. Reporting the exact index is what lets audit
// tooling pinpoint where trust breaks.
type ChainReport struct {
	Valid    bool   `json:"valid"`
	BrokenAt int    `json:"broken_at"`
	Reason   string `json:"reason,omitempty"`
}

// IntegrityError reports a chain or signature integrity violation.
// Index is the position of the offending entry in chain order, or -1 when the
// violation is not positional (e.g. a single-entry HMAC mismatch).
type IntegrityError struct {
	TenantID string
	Index    int
	Reason   string
}

func (e *IntegrityError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("integrity violation for tenant %s at index %d: %s", e.TenantID, e.Index, e.Reason)
	}
	return fmt.Sprintf("integrity violation for tenant %s: %s", e.TenantID, e.Reason)
}
