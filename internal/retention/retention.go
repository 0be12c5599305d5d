// Package retention evaluates how long ledger records and operational logs
// must be kept and when they become eligible for archival.
//
// Deciding and applying are split: Sweep produces a report of what should
// happen, and Apply performs it, so "intended" and "done" stay independently
// auditable.
package retention

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/veritrail/veritrail/internal/fiscal"
)

// Action is what a policy prescribes once the retention period has passed.
type Action string

const (
	ActionRetain  Action = "retain"
	ActionArchive Action = "archive"
	// ActionDelete is legal only for operational log categories. Fiscal
	// records are never deletable; LoadPolicies rejects such configurations
	// outright.
	ActionDelete Action = "delete"
)

// Category classifies what a policy governs.
type Category string

const (
	CategoryFiscal      Category = "fiscal"
	CategoryOperational Category = "operational"
)

// Policy is one row of the retention policy table.
type Policy struct {
	Category Category `json:"category" mapstructure:"category"`
	DocType  string   `json:"doc_type,omitempty" mapstructure:"doc_type"`
	MinDays  int      `json:"min_days" mapstructure:"min_days"`
	Action   Action   `json:"action" mapstructure:"action"`
}

// PolicyViolationError reports an illegal policy configuration. It is raised
// at load time, never at sweep time.
type PolicyViolationError struct {
	Policy Policy
	Reason string
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("retention policy violation (%s/%s): %s", e.Policy.Category, e.Policy.DocType, e.Reason)
}

// PolicySet is a validated collection of policies, looked up by doc type with
// a category-wide fallback.
type PolicySet struct {
	fiscal      map[string]Policy
	fiscalAll   *Policy
	operational map[string]Policy
}

// LoadPolicies validates a policy table. Any configuration that requests
// deletion of fiscal records is rejected here: a sweep must never be the
// first place an illegal policy surfaces.
func LoadPolicies(policies []Policy) (*PolicySet, error) {
	set := &PolicySet{
		fiscal:      make(map[string]Policy),
		operational: make(map[string]Policy),
	}
	for _, p := range policies {
		switch p.Action {
		case ActionRetain, ActionArchive, ActionDelete:
		default:
			return nil, &PolicyViolationError{Policy: p, Reason: fmt.Sprintf("unknown action %q", p.Action)}
		}
		if p.MinDays < 0 {
			return nil, &PolicyViolationError{Policy: p, Reason: "negative retention period"}
		}

		switch p.Category {
		case CategoryFiscal:
			if p.Action == ActionDelete {
				return nil, &PolicyViolationError{Policy: p, Reason: "hard delete of fiscal records is never permitted"}
			}
			if p.DocType == "" {
				q := p
				set.fiscalAll = &q
			} else {
				set.fiscal[p.DocType] = p
			}
		case CategoryOperational:
			set.operational[p.DocType] = p
		default:
			return nil, &PolicyViolationError{Policy: p, Reason: fmt.Sprintf("unknown category %q", p.Category)}
		}
	}
	return set, nil
}

// ForEntry returns the policy governing a fiscal entry, or false when none is
// configured (the default is then retain-forever).
func (s *PolicySet) ForEntry(e *fiscal.LogEntry) (Policy, bool) {
	if p, ok := s.fiscal[string(e.DocType)]; ok {
		return p, true
	}
	if s.fiscalAll != nil {
		return *s.fiscalAll, true
	}
	return Policy{}, false
}

// Decision is the computed outcome for a single entry. It is not a persistent
// entity, just a pure function of entry age and policy.
type Decision struct {
	EntryID    uuid.UUID `json:"entry_id"`
	TenantID   string    `json:"tenant_id"`
	Action     Action    `json:"action"`
	EligibleAt time.Time `json:"eligible_at"`
}

// Decide computes the retention decision for an entry under a policy at the
// given reference time. Until the minimum period has elapsed the action is
// always retain.
func Decide(e *fiscal.LogEntry, p Policy, now time.Time) Decision {
	eligibleAt := e.Timestamp.Add(time.Duration(p.MinDays) * 24 * time.Hour)
	d := Decision{
		EntryID:    e.ID,
		TenantID:   e.TenantID,
		Action:     ActionRetain,
		EligibleAt: eligibleAt,
	}
	if !now.Before(eligibleAt) && p.Action == ActionArchive && !e.Archived {
		d.Action = ActionArchive
	}
	return d
}
