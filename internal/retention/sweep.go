package retention

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/veritrail/veritrail/internal/ledger"
)

// Report is the outcome of a read-only sweep: every decision that is due, but
// nothing applied yet.
type Report struct {
	GeneratedAt time.Time  `json:"generated_at"`
	Evaluated   int        `json:"evaluated"`
	Archivable  []Decision `json:"archivable"`
}

// Sweeper runs retention evaluation over tenant chains.
type Sweeper struct {
	ledger ledger.Ledger
	logger *zap.Logger
}

// NewSweeper creates a Sweeper over the given ledger.
func NewSweeper(l ledger.Ledger, logger *zap.Logger) *Sweeper {
	return &Sweeper{ledger: l, logger: logger}
}

// Sweep evaluates every entry of the given tenants against the policy set and
// returns a report. State is not mutated; Apply performs the archival.
func (s *Sweeper) Sweep(ctx context.Context, set *PolicySet, tenants []string, now time.Time) (*Report, error) {
	report := &Report{GeneratedAt: now.UTC()}
	for _, tenant := range tenants {
		chain, err := s.ledger.Chain(ctx, tenant)
		if err != nil {
			return nil, fmt.Errorf("load chain for %s: %w", tenant, err)
		}
		for i := range chain {
			e := &chain[i]
			report.Evaluated++
			policy, ok := set.ForEntry(e)
			if !ok {
				continue
			}
			if d := Decide(e, policy, now); d.Action == ActionArchive {
				report.Archivable = append(report.Archivable, d)
			}
		}
	}
	s.logger.Info("retention sweep complete",
		zap.Int("evaluated", report.Evaluated),
		zap.Int("archivable", len(report.Archivable)),
	)
	return report, nil
}

// Apply executes a sweep report: entries flagged archivable get their
// archival metadata flag set. Returns the number of entries archived.
// Nothing is ever deleted here; fiscal history is append-only by law.
func (s *Sweeper) Apply(ctx context.Context, report *Report) (int, error) {
	applied := 0
	for _, d := range report.Archivable {
		if err := s.ledger.Archive(ctx, d.EntryID); err != nil {
			return applied, fmt.Errorf("archive %s: %w", d.EntryID, err)
		}
		applied++
	}
	s.logger.Info("retention report applied", zap.Int("archived", applied))
	return applied, nil
}
