package certstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Registry tracks which usages an administrator has assigned to a
// certificate. Discovery stays with the external store; the registry only
// holds the usage declaration required before a certificate may be selected
// for a regime.
type Registry interface {
	Assign(ctx context.Context, thumbprint string, usage Usage) error
	Revoke(ctx context.Context, thumbprint string, usage Usage) error
	Usages(ctx context.Context, thumbprint string) ([]Usage, error)
}

// MemoryRegistry is an in-memory, thread-safe Registry for tests and
// single-process deployments.
type MemoryRegistry struct {
	mu     sync.RWMutex
	usages map[string]map[Usage]bool
}

// NewMemoryRegistry creates an empty MemoryRegistry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{usages: make(map[string]map[Usage]bool)}
}

// Assign implements Registry.
func (r *MemoryRegistry) Assign(_ context.Context, thumbprint string, usage Usage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.usages[thumbprint] == nil {
		r.usages[thumbprint] = make(map[Usage]bool)
	}
	r.usages[thumbprint][usage] = true
	return nil
}

// Revoke implements Registry.
func (r *MemoryRegistry) Revoke(_ context.Context, thumbprint string, usage Usage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.usages[thumbprint], usage)
	return nil
}

// Usages implements Registry.
func (r *MemoryRegistry) Usages(_ context.Context, thumbprint string) ([]Usage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Usage
	for u := range r.usages[thumbprint] {
		out = append(out, u)
	}
	return out, nil
}

// PostgresRegistry persists usage assignments.
type PostgresRegistry struct {
	pool *pgxpool.Pool
}

// NewPostgresRegistry creates a PostgresRegistry backed by pool.
func NewPostgresRegistry(pool *pgxpool.Pool) *PostgresRegistry {
	return &PostgresRegistry{pool: pool}
}

// Assign implements Registry.
func (r *PostgresRegistry) Assign(ctx context.Context, thumbprint string, usage Usage) error {
	if _, err := r.pool.Exec(ctx,
		`INSERT INTO certificate_usages (thumbprint, usage)
		 VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		thumbprint, string(usage),
	); err != nil {
		return fmt.Errorf("assign usage: %w", err)
	}
	return nil
}

// Revoke implements Registry.
func (r *PostgresRegistry) Revoke(ctx context.Context, thumbprint string, usage Usage) error {
	if _, err := r.pool.Exec(ctx,
		"DELETE FROM certificate_usages WHERE thumbprint = $1 AND usage = $2",
		thumbprint, string(usage),
	); err != nil {
		return fmt.Errorf("revoke usage: %w", err)
	}
	return nil
}

// Usages implements Registry.
func (r *PostgresRegistry) Usages(ctx context.Context, thumbprint string) ([]Usage, error) {
	rows, err := r.pool.Query(ctx,
		"SELECT usage FROM certificate_usages WHERE thumbprint = $1", thumbprint)
	if err != nil {
		return nil, fmt.Errorf("query usages: %w", err)
	}
	defer rows.Close()

	var out []Usage
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		out = append(out, Usage(u))
	}
	return out, rows.Err()
}

// Annotate copies registered usages onto the given records.
func Annotate(ctx context.Context, reg Registry, records []Record) error {
	for i := range records {
		usages, err := reg.Usages(ctx, records[i].Thumbprint)
		if err != nil {
			return err
		}
		records[i].Usages = usages
	}
	return nil
}
