package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veritrail/veritrail/internal/fiscal"
)

// MemoryLedger is an in-memory, thread-safe Ledger implementation with one
// chain and one append lock per tenant.
type MemoryLedger struct {
	signer Signer

	mu     sync.RWMutex
	chains map[string][]fiscal.LogEntry
	locks  map[string]*sync.Mutex
}

// NewMemoryLedger creates an empty MemoryLedger signing with signer.
func NewMemoryLedger(signer Signer) *MemoryLedger {
	return &MemoryLedger{
		signer: signer,
		chains: make(map[string][]fiscal.LogEntry),
		locks:  make(map[string]*sync.Mutex),
	}
}

// tenantLock returns the append lock for a tenant, creating it on first use.
func (l *MemoryLedger) tenantLock(tenantID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.locks[tenantID] == nil {
		l.locks[tenantID] = &sync.Mutex{}
	}
	return l.locks[tenantID]
}

// Append implements Ledger.
func (l *MemoryLedger) Append(_ context.Context, draft Draft) (*fiscal.LogEntry, error) {
	if err := draft.validate(); err != nil {
		return nil, err
	}

	lock := l.tenantLock(draft.TenantID)
	lock.Lock()
	defer lock.Unlock()

	entry := entryFromDraft(&draft)

	l.mu.RLock()
	chain := l.chains[draft.TenantID]
	l.mu.RUnlock()

	entry.PrevHash = fiscal.GenesisHash
	if n := len(chain); n > 0 {
		tail := chain[n-1]
		entry.PrevHash = tail.Hash
		// Chain order is timestamp order; keep timestamps strictly
		// increasing even when the clock is coarse.
		if !entry.Timestamp.After(tail.Timestamp) {
			entry.Timestamp = tail.Timestamp.Add(time.Microsecond)
		}
	}
	entry.Hash = fiscal.HashEntry(entry)
	entry.Signature = l.signer.Sign(entry.Hash, entry.Timestamp, entry.TenantID)

	l.mu.Lock()
	l.chains[draft.TenantID] = append(l.chains[draft.TenantID], *entry)
	l.mu.Unlock()

	return entry, nil
}

// Get implements Ledger.
func (l *MemoryLedger) Get(_ context.Context, id uuid.UUID) (*fiscal.LogEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, chain := range l.chains {
		for i := range chain {
			if chain[i].ID == id {
				e := chain[i]
				return &e, nil
			}
		}
	}
	return nil, ErrEntryNotFound
}

// Chain implements Ledger.
func (l *MemoryLedger) Chain(_ context.Context, tenantID string) ([]fiscal.LogEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]fiscal.LogEntry, len(l.chains[tenantID]))
	copy(out, l.chains[tenantID])
	return out, nil
}

// Tail implements Ledger.
func (l *MemoryLedger) Tail(_ context.Context, tenantID string) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	chain := l.chains[tenantID]
	if len(chain) == 0 {
		return fiscal.GenesisHash, nil
	}
	return chain[len(chain)-1].Hash, nil
}

// Tenants implements Ledger.
func (l *MemoryLedger) Tenants(_ context.Context) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.chains))
	for tenant, chain := range l.chains {
		if len(chain) > 0 {
			out = append(out, tenant)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Verify implements Ledger.
func (l *MemoryLedger) Verify(ctx context.Context, tenantID string) (fiscal.ChainReport, error) {
	chain, err := l.Chain(ctx, tenantID)
	if err != nil {
		return fiscal.ChainReport{}, err
	}
	return fiscal.VerifyChain(chain), nil
}

// Archive implements Ledger.
func (l *MemoryLedger) Archive(_ context.Context, id uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for tenant, chain := range l.chains {
		for i := range chain {
			if chain[i].ID == id {
				l.chains[tenant][i].Archived = true
				return nil
			}
		}
	}
	return ErrEntryNotFound
}

// Tamper overwrites a stored entry without recomputing chain fields. Test
// hook for integrity verification scenarios; not part of the Ledger interface.
func (l *MemoryLedger) Tamper(id uuid.UUID, mutate func(*fiscal.LogEntry)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for tenant, chain := range l.chains {
		for i := range chain {
			if chain[i].ID == id {
				mutate(&l.chains[tenant][i])
				return true
			}
		}
	}
	return false
}
