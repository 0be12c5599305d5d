package regime

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veritrail/veritrail/internal/fiscal"
)

// Dispatcher routes ledger entries to the enabled regime adapters, persists
// the resulting envelopes, and drives submission. An envelope is saved
// before the first submission attempt so a crash mid-submit never loses it.
type Dispatcher struct {
	adapters  map[ID]Adapter
	store     EnvelopeStore
	submitter *Submitter
	logger    *zap.Logger
}

// NewDispatcher creates a Dispatcher over the given adapters. Only regimes
// with an adapter present are reachable.
func NewDispatcher(adapters []Adapter, store EnvelopeStore, submitter *Submitter, logger *zap.Logger) *Dispatcher {
	byID := make(map[ID]Adapter, len(adapters))
	for _, a := range adapters {
		byID[a.Regime()] = a
	}
	return &Dispatcher{adapters: byID, store: store, submitter: submitter, logger: logger}
}

// Enabled reports whether an adapter is registered for the regime.
func (d *Dispatcher) Enabled(id ID) bool {
	_, ok := d.adapters[id]
	return ok
}

// Dispatch builds, persists, and submits an envelope for the entry under the
// given regime. The entry must already be appended to the ledger. A
// retryable submission failure still returns the persisted envelope so the
// caller can resubmit later.
func (d *Dispatcher) Dispatch(ctx context.Context, id ID, entry *fiscal.LogEntry) (*Envelope, error) {
	adapter, ok := d.adapters[id]
	if !ok {
		return nil, fmt.Errorf("regime %s is not enabled", id)
	}

	env, err := adapter.BuildEnvelope(ctx, entry)
	if err != nil {
		return nil, err
	}
	if err := d.store.Save(ctx, env); err != nil {
		return nil, err
	}

	if err := d.submit(ctx, env); err != nil {
		var subErr *SubmissionError
		if errors.As(err, &subErr) && subErr.Retryable {
			d.logger.Warn("submission failed, envelope kept for resubmission",
				zap.String("regime", string(id)),
				zap.String("envelope_id", env.ID.String()),
				zap.Error(err))
			return env, err
		}
		return env, err
	}
	return env, nil
}

// Resubmit retries a previously persisted envelope.
func (d *Dispatcher) Resubmit(ctx context.Context, envelopeID uuid.UUID) (*Envelope, error) {
	env, err := d.store.Get(ctx, envelopeID)
	if err != nil {
		return nil, err
	}
	if env.Status == StatusAccepted {
		return env, nil
	}
	if err := d.submit(ctx, env); err != nil {
		return env, err
	}
	return env, nil
}

// SubmitPending retries every pending envelope, up to limit. It returns the
// number of envelopes accepted by the authority.
func (d *Dispatcher) SubmitPending(ctx context.Context, limit int) (int, error) {
	pending, err := d.store.ListPending(ctx, limit)
	if err != nil {
		return 0, err
	}
	accepted := 0
	for i := range pending {
		env := &pending[i]
		if err := d.submit(ctx, env); err != nil {
			d.logger.Warn("pending envelope submission failed",
				zap.String("envelope_id", env.ID.String()),
				zap.Error(err))
			continue
		}
		if env.Status == StatusAccepted {
			accepted++
		}
	}
	return accepted, nil
}

func (d *Dispatcher) submit(ctx context.Context, env *Envelope) error {
	receipt, err := d.submitter.Submit(ctx, env)
	if err != nil {
		var subErr *SubmissionError
		if errors.As(err, &subErr) && !subErr.Retryable {
			env.Status = StatusRejected
			if uerr := d.store.Update(ctx, env); uerr != nil {
				d.logger.Error("envelope status update failed",
					zap.String("envelope_id", env.ID.String()),
					zap.Error(uerr))
			}
		}
		return err
	}
	if err := d.store.Update(ctx, env); err != nil {
		return err
	}
	d.logger.Info("submission processed",
		zap.String("regime", string(env.Regime)),
		zap.String("envelope_id", env.ID.String()),
		zap.Bool("accepted", receipt.Accepted),
		zap.String("authority_ref", receipt.AuthorityRef))
	return nil
}
