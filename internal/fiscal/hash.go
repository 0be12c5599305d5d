package fiscal

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// Canonicalize returns the deterministic serialization of an entry used as
// hash input. The same logical record must always serialize identically, no
// matter which system produced it, so an auditor can recompute every hash
// independently:
//
//   - keys are sorted alphabetically
//   - timestamps are UTC RFC3339Nano
//   - amounts are fixed-point strings with two decimals
//   - the hash and signature fields themselves are excluded
func Canonicalize(e *LogEntry) string {
	fields := map[string]string{
		"tenant_id":      e.TenantID,
		"doc_type":       string(e.DocType),
		"number":         e.Number,
		"series":         e.Series,
		"taxable_amount": e.TaxableAmount.StringFixed(2),
		"tax_amount":     e.TaxAmount.StringFixed(2),
		"total":          e.Total.StringFixed(2),
		"timestamp":      e.Timestamp.UTC().Format(time.RFC3339Nano),
		"prev_hash":      e.PrevHash,
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		buf.Write(kb)
		buf.WriteByte(':')
		vb, _ := json.Marshal(fields[k])
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.String()
}

// HashEntry computes the hex SHA-256 digest of an entry, chained to its
// PrevHash. The "|" separator keeps the prior hash from blending into the
// canonical payload.
func HashEntry(e *LogEntry) string {
	sum := sha256.Sum256([]byte(e.PrevHash + "|" + Canonicalize(e)))
	return hex.EncodeToString(sum[:])
}

// VerifyEntry recomputes an entry's hash and compares it to the stored value.
func VerifyEntry(e *LogEntry) bool {
	return e.Hash == HashEntry(e)
}

// VerifyChain validates a tenant chain. Entries are sorted by timestamp
// (append order) before checking; the input slice is not modified.
//
// For every entry the stored hash must re-verify; for every entry after the
// first, PrevHash must equal the prior entry's Hash; the first entry's
// PrevHash must be the GenesisHash sentinel. The report carries the index of
// the first violation.
func VerifyChain(entries []LogEntry) ChainReport {
	sorted := make([]LogEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	for i := range sorted {
		e := &sorted[i]
		if i == 0 {
			if e.PrevHash != GenesisHash {
				return ChainReport{Valid: false, BrokenAt: 0, Reason: "genesis entry does not carry the sentinel prev_hash"}
			}
		} else if e.PrevHash != sorted[i-1].Hash {
			return ChainReport{Valid: false, BrokenAt: i, Reason: "prev_hash does not match preceding entry"}
		}
		if !VerifyEntry(e) {
			return ChainReport{Valid: false, BrokenAt: i, Reason: "stored hash does not match recomputed hash"}
		}
	}
	return ChainReport{Valid: true, BrokenAt: -1}
}
