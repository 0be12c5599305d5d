package regime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrEnvelopeNotFound is returned for an unknown envelope id.
var ErrEnvelopeNotFound = errors.New("envelope not found")

// EnvelopeStore persists envelopes so that a failed submission can always be
// retried from durable state. The envelope is written before the first
// submission attempt.
type EnvelopeStore interface {
	Save(ctx context.Context, env *Envelope) error
	Update(ctx context.Context, env *Envelope) error
	Get(ctx context.Context, id uuid.UUID) (*Envelope, error)
	ListPending(ctx context.Context, limit int) ([]Envelope, error)
}

// MemoryEnvelopeStore is an in-memory EnvelopeStore for tests and
// development.
type MemoryEnvelopeStore struct {
	mu   sync.RWMutex
	envs map[uuid.UUID]Envelope
}

// NewMemoryEnvelopeStore creates an empty MemoryEnvelopeStore.
func NewMemoryEnvelopeStore() *MemoryEnvelopeStore {
	return &MemoryEnvelopeStore{envs: make(map[uuid.UUID]Envelope)}
}

// Save implements EnvelopeStore.
func (s *MemoryEnvelopeStore) Save(_ context.Context, env *Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envs[env.ID] = *env
	return nil
}

// Update implements EnvelopeStore.
func (s *MemoryEnvelopeStore) Update(_ context.Context, env *Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.envs[env.ID]; !ok {
		return ErrEnvelopeNotFound
	}
	s.envs[env.ID] = *env
	return nil
}

// Get implements EnvelopeStore.
func (s *MemoryEnvelopeStore) Get(_ context.Context, id uuid.UUID) (*Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	env, ok := s.envs[id]
	if !ok {
		return nil, ErrEnvelopeNotFound
	}
	return &env, nil
}

// ListPending implements EnvelopeStore.
func (s *MemoryEnvelopeStore) ListPending(_ context.Context, limit int) ([]Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Envelope
	for _, env := range s.envs {
		if env.Status == StatusPending {
			out = append(out, env)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// PostgresEnvelopeStore persists envelopes to PostgreSQL.
type PostgresEnvelopeStore struct {
	pool *pgxpool.Pool
}

// NewPostgresEnvelopeStore creates a PostgresEnvelopeStore backed by pool.
func NewPostgresEnvelopeStore(pool *pgxpool.Pool) *PostgresEnvelopeStore {
	return &PostgresEnvelopeStore{pool: pool}
}

// Save implements EnvelopeStore.
func (s *PostgresEnvelopeStore) Save(ctx context.Context, env *Envelope) error {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO regime_envelopes
		   (id, regime, entry_id, tenant_id, thumbprint, signature_b64, qr_payload,
		    xml, status, authority_ref, created_at, submitted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		env.ID, string(env.Regime), env.EntryID, env.TenantID, env.Thumbprint,
		env.SignatureB64, env.QRPayload, env.XML, string(env.Status),
		env.AuthorityRef, env.CreatedAt, env.SubmittedAt,
	); err != nil {
		return fmt.Errorf("save envelope: %w", err)
	}
	return nil
}

// Update implements EnvelopeStore.
func (s *PostgresEnvelopeStore) Update(ctx context.Context, env *Envelope) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE regime_envelopes
		 SET status = $2, authority_ref = $3, submitted_at = $4
		 WHERE id = $1`,
		env.ID, string(env.Status), env.AuthorityRef, env.SubmittedAt,
	)
	if err != nil {
		return fmt.Errorf("update envelope: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEnvelopeNotFound
	}
	return nil
}

const envelopeColumns = `id, regime, entry_id, tenant_id, thumbprint, signature_b64, qr_payload,
	xml, status, authority_ref, created_at, submitted_at`

func scanEnvelope(row pgx.Row) (*Envelope, error) {
	var env Envelope
	var regimeID, status string
	if err := row.Scan(
		&env.ID, &regimeID, &env.EntryID, &env.TenantID, &env.Thumbprint,
		&env.SignatureB64, &env.QRPayload, &env.XML, &status,
		&env.AuthorityRef, &env.CreatedAt, &env.SubmittedAt,
	); err != nil {
		return nil, err
	}
	env.Regime = ID(regimeID)
	env.Status = Status(status)
	return &env, nil
}

// Get implements EnvelopeStore.
func (s *PostgresEnvelopeStore) Get(ctx context.Context, id uuid.UUID) (*Envelope, error) {
	env, err := scanEnvelope(s.pool.QueryRow(ctx,
		"SELECT "+envelopeColumns+" FROM regime_envelopes WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEnvelopeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get envelope %s: %w", id, err)
	}
	return env, nil
}

// ListPending implements EnvelopeStore.
func (s *PostgresEnvelopeStore) ListPending(ctx context.Context, limit int) ([]Envelope, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+envelopeColumns+" FROM regime_envelopes WHERE status = 'pending' ORDER BY created_at ASC LIMIT $1",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending envelopes: %w", err)
	}
	defer rows.Close()

	var out []Envelope
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, fmt.Errorf("scan envelope: %w", err)
		}
		out = append(out, *env)
	}
	return out, rows.Err()
}
