package regime

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// authorityResponse is the accept/reject answer both regime endpoints return.
type authorityResponse struct {
	XMLName   xml.Name `xml:"SubmissionResponse"`
	Accepted  bool     `xml:"Accepted"`
	Reference string   `xml:"Reference"`
	Message   string   `xml:"Message"`
}

// Submitter posts signed envelopes to the external fiscal authority endpoints
// over an authenticated HTTP channel. Submission is idempotent at the
// envelope level: resubmitting the same signed envelope is safe.
type Submitter struct {
	endpoints map[ID]string
	apiKey    string
	http      *http.Client
	limiter   *rate.Limiter
	retries   int
	backoff   time.Duration
	logger    *zap.Logger
}

// NewSubmitter creates a Submitter. endpoints maps each regime to its
// authority URL; regimes without an endpoint are rejected at submit time.
func NewSubmitter(endpoints map[ID]string, apiKey string, timeout time.Duration, logger *zap.Logger) *Submitter {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Submitter{
		endpoints: endpoints,
		apiKey:    apiKey,
		http:      &http.Client{Timeout: timeout},
		limiter:   rate.NewLimiter(rate.Limit(5), 10),
		retries:   3,
		backoff:   500 * time.Millisecond,
		logger:    logger,
	}
}

// WithRetryPolicy overrides the transient-failure retry count and the
// initial backoff.
func (s *Submitter) WithRetryPolicy(retries int, backoff time.Duration) *Submitter {
	s.retries = retries
	s.backoff = backoff
	return s
}

// Submit sends an envelope to its regime's authority endpoint, retrying
// transient failures with backoff. On acceptance the envelope status and
// authority reference are updated in place.
func (s *Submitter) Submit(ctx context.Context, env *Envelope) (*Receipt, error) {
	endpoint, ok := s.endpoints[env.Regime]
	if !ok || endpoint == "" {
		return nil, &SubmissionError{
			Regime:    env.Regime,
			Retryable: false,
			Err:       fmt.Errorf("no endpoint configured for %s", env.Regime),
		}
	}

	var lastErr error
	for attempt := 0; attempt <= s.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.backoff << (attempt - 1)):
			}
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		receipt, err := s.post(ctx, endpoint, env)
		if err == nil {
			now := time.Now().UTC()
			env.SubmittedAt = &now
			env.AuthorityRef = receipt.AuthorityRef
			if receipt.Accepted {
				env.Status = StatusAccepted
			} else {
				env.Status = StatusRejected
			}
			return receipt, nil
		}

		lastErr = err
		var subErr *SubmissionError
		if !isRetryable(err, &subErr) {
			return nil, err
		}
		s.logger.Warn("submission attempt failed, will retry",
			zap.String("regime", string(env.Regime)),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return nil, lastErr
}

func isRetryable(err error, target **SubmissionError) bool {
	if se, ok := err.(*SubmissionError); ok {
		*target = se
		return se.Retryable
	}
	return false
}

func (s *Submitter) post(ctx context.Context, endpoint string, env *Envelope) (*Receipt, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(env.XML))
	if err != nil {
		return nil, fmt.Errorf("build submission request: %w", err)
	}
	req.Header.Set("Content-Type", "application/xml")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, &SubmissionError{Regime: env.Regime, Retryable: true, Err: err}
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &SubmissionError{Regime: env.Regime, Retryable: true, Err: err}
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, &SubmissionError{
			Regime: env.Regime, Status: resp.StatusCode, Retryable: true,
			Err: fmt.Errorf("authority endpoint error: %s", bytes.TrimSpace(body)),
		}
	case resp.StatusCode >= 400:
		return nil, &SubmissionError{
			Regime: env.Regime, Status: resp.StatusCode, Retryable: false,
			Err: fmt.Errorf("authority rejected request: %s", bytes.TrimSpace(body)),
		}
	}

	var ar authorityResponse
	if err := xml.Unmarshal(body, &ar); err != nil {
		return nil, &SubmissionError{Regime: env.Regime, Status: resp.StatusCode, Retryable: false,
			Err: fmt.Errorf("decode authority response: %w", err)}
	}

	return &Receipt{Accepted: ar.Accepted, AuthorityRef: ar.Reference, Message: ar.Message}, nil
}
