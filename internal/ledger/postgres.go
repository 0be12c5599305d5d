package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/veritrail/veritrail/internal/fiscal"
)

// PostgresLedger persists fiscal chains to PostgreSQL. It implements Ledger.
//
// Amounts are stored as fixed-point text so the exact canonical representation
// that went into the hash is what comes back out.
type PostgresLedger struct {
	pool   *pgxpool.Pool
	signer Signer
	logger *zap.Logger
}

// NewPostgresLedger creates a PostgresLedger backed by the given pool.
func NewPostgresLedger(pool *pgxpool.Pool, signer Signer, logger *zap.Logger) *PostgresLedger {
	return &PostgresLedger{pool: pool, signer: signer, logger: logger}
}

// tenantLockKey derives a stable PostgreSQL advisory lock key from a tenant
// id, so appends are serialised per tenant rather than globally.
func tenantLockKey(tenantID string) int64 {
	sum := sha256.Sum256([]byte("fiscal_ledger|" + tenantID))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

// Append implements Ledger. It acquires a per-tenant advisory lock, reads the
// chain tail, computes hash and signature, and inserts the entry, all within
// a single transaction, so no partial entry is ever visible.
func (l *PostgresLedger) Append(ctx context.Context, draft Draft) (*fiscal.LogEntry, error) {
	if err := draft.validate(); err != nil {
		return nil, err
	}

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Transaction-scoped advisory lock keyed by tenant; released on commit
	// or rollback. Other tenants' appends are unaffected.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", tenantLockKey(draft.TenantID)); err != nil {
		return nil, fmt.Errorf("acquire tenant lock: %w", err)
	}

	prevHash := fiscal.GenesisHash
	var prevTS time.Time
	err = tx.QueryRow(ctx,
		"SELECT hash, ts FROM fiscal_ledger WHERE tenant_id = $1 ORDER BY ts DESC, id DESC LIMIT 1",
		draft.TenantID,
	).Scan(&prevHash, &prevTS)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("read chain tail: %w", err)
	}

	entry := entryFromDraft(&draft)
	entry.PrevHash = prevHash
	// Chain order is timestamp order; keep timestamps strictly increasing.
	if !prevTS.IsZero() && !entry.Timestamp.After(prevTS) {
		entry.Timestamp = prevTS.Add(time.Microsecond)
	}
	entry.Hash = fiscal.HashEntry(entry)
	entry.Signature = l.signer.Sign(entry.Hash, entry.Timestamp, entry.TenantID)

	if _, err := tx.Exec(ctx,
		`INSERT INTO fiscal_ledger
		   (id, tenant_id, doc_type, number, series, taxable_amount, tax_amount, total,
		    ts, prev_hash, hash, signature, archived)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, false)`,
		entry.ID, entry.TenantID, string(entry.DocType), entry.Number, entry.Series,
		entry.TaxableAmount.StringFixed(2), entry.TaxAmount.StringFixed(2), entry.Total.StringFixed(2),
		entry.Timestamp, entry.PrevHash, entry.Hash, entry.Signature,
	); err != nil {
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit ledger tx: %w", err)
	}

	l.logger.Debug("fiscal entry appended",
		zap.String("tenant", entry.TenantID),
		zap.String("doc_type", string(entry.DocType)),
		zap.String("number", entry.Number),
	)
	return entry, nil
}

const entryColumns = `id, tenant_id, doc_type, number, series, taxable_amount, tax_amount, total,
	ts, prev_hash, hash, signature, archived`

func scanEntry(row pgx.Row) (*fiscal.LogEntry, error) {
	var e fiscal.LogEntry
	var docType, taxable, tax, total string
	if err := row.Scan(
		&e.ID, &e.TenantID, &docType, &e.Number, &e.Series,
		&taxable, &tax, &total,
		&e.Timestamp, &e.PrevHash, &e.Hash, &e.Signature, &e.Archived,
	); err != nil {
		return nil, err
	}
	e.DocType = fiscal.DocType(docType)

	var err error
	if e.TaxableAmount, err = decimal.NewFromString(taxable); err != nil {
		return nil, fmt.Errorf("parse taxable_amount: %w", err)
	}
	if e.TaxAmount, err = decimal.NewFromString(tax); err != nil {
		return nil, fmt.Errorf("parse tax_amount: %w", err)
	}
	if e.Total, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("parse total: %w", err)
	}
	return &e, nil
}

// Get implements Ledger.
func (l *PostgresLedger) Get(ctx context.Context, id uuid.UUID) (*fiscal.LogEntry, error) {
	entry, err := scanEntry(l.pool.QueryRow(ctx,
		"SELECT "+entryColumns+" FROM fiscal_ledger WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger entry %s: %w", id, err)
	}
	return entry, nil
}

// Chain implements Ledger.
func (l *PostgresLedger) Chain(ctx context.Context, tenantID string) ([]fiscal.LogEntry, error) {
	rows, err := l.pool.Query(ctx,
		"SELECT "+entryColumns+" FROM fiscal_ledger WHERE tenant_id = $1 ORDER BY ts ASC, id ASC",
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("query chain: %w", err)
	}
	defer rows.Close()

	var entries []fiscal.LogEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// Tail implements Ledger.
func (l *PostgresLedger) Tail(ctx context.Context, tenantID string) (string, error) {
	hash := fiscal.GenesisHash
	err := l.pool.QueryRow(ctx,
		"SELECT hash FROM fiscal_ledger WHERE tenant_id = $1 ORDER BY ts DESC, id DESC LIMIT 1",
		tenantID,
	).Scan(&hash)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("get chain tail: %w", err)
	}
	return hash, nil
}

// Tenants implements Ledger.
func (l *PostgresLedger) Tenants(ctx context.Context) ([]string, error) {
	rows, err := l.pool.Query(ctx,
		"SELECT DISTINCT tenant_id FROM fiscal_ledger ORDER BY tenant_id")
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// Verify implements Ledger. O(n) in chain length.
func (l *PostgresLedger) Verify(ctx context.Context, tenantID string) (fiscal.ChainReport, error) {
	chain, err := l.Chain(ctx, tenantID)
	if err != nil {
		return fiscal.ChainReport{}, err
	}
	report := fiscal.VerifyChain(chain)
	if !report.Valid {
		l.logger.Warn("fiscal chain integrity check failed",
			zap.String("tenant", tenantID),
			zap.Int("broken_at", report.BrokenAt),
			zap.String("reason", report.Reason),
		)
	}
	return report, nil
}

// Archive implements Ledger. Only the archival metadata flag changes; chained
// fields are immutable at the store level.
func (l *PostgresLedger) Archive(ctx context.Context, id uuid.UUID) error {
	tag, err := l.pool.Exec(ctx, "UPDATE fiscal_ledger SET archived = true WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("archive entry %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotFound
	}
	return nil
}
