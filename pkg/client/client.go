// Package client provides the Go SDK for the veritrail HTTP API: appending
// fiscal events, querying and verifying tenant chains, and managing
// certificate usages and retention.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Entry is a fiscal ledger entry as returned by the API.
type Entry struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	DocType       string    `json:"doc_type"`
	Number        string    `json:"number"`
	Series        string    `json:"series"`
	TaxableAmount string    `json:"taxable_amount"`
	TaxAmount     string    `json:"tax_amount"`
	Total         string    `json:"total"`
	Timestamp     time.Time `json:"timestamp"`
	PrevHash      string    `json:"prev_hash"`
	Hash          string    `json:"hash"`
	Signature     string    `json:"signature"`
	Archived      bool      `json:"archived"`
}

// ChainReport is the outcome of a chain verification.
type ChainReport struct {
	Valid    bool   `json:"valid"`
	BrokenAt int    `json:"broken_at"`
	Reason   string `json:"reason,omitempty"`
}

// Certificate is a store certificate record. It never carries key material.
type Certificate struct {
	Thumbprint   string    `json:"thumbprint"`
	SerialNumber string    `json:"serial_number"`
	Subject      string    `json:"subject"`
	Issuer       string    `json:"issuer"`
	Holder       string    `json:"holder"`
	TaxID        string    `json:"tax_id"`
	Organization string    `json:"organization"`
	NotBefore    time.Time `json:"not_before"`
	NotAfter     time.Time `json:"not_after"`
	Location     string    `json:"location"`
	HasKey       bool      `json:"has_private_key"`
	Usages       []string  `json:"usages,omitempty"`
}

// AppendRequest is the payload for AppendEvent. Amounts are decimal strings.
type AppendRequest struct {
	TenantID      string `json:"tenant_id"`
	DocType       string `json:"doc_type"`
	Number        string `json:"number"`
	Series        string `json:"series,omitempty"`
	TaxableAmount string `json:"taxable_amount,omitempty"`
	TaxAmount     string `json:"tax_amount,omitempty"`
	Total         string `json:"total,omitempty"`
	Timestamp     string `json:"timestamp,omitempty"`
	Regime        string `json:"regime,omitempty"`
}

// Envelope is a regime submission envelope as returned by the API.
type Envelope struct {
	ID           string     `json:"id"`
	Regime       string     `json:"regime"`
	EntryID      string     `json:"entry_id"`
	TenantID     string     `json:"tenant_id"`
	Thumbprint   string     `json:"thumbprint"`
	SignatureB64 string     `json:"signature_b64"`
	QRPayload    string     `json:"qr_payload"`
	Status       string     `json:"status"`
	AuthorityRef string     `json:"authority_ref,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	SubmittedAt  *time.Time `json:"submitted_at,omitempty"`
}

// AppendResult is the response to AppendEvent. SubmissionError is set when
// the entry was appended but the regime submission failed.
type AppendResult struct {
	Entry           Entry     `json:"entry"`
	Envelope        *Envelope `json:"envelope,omitempty"`
	SubmissionError string    `json:"submission_error,omitempty"`
	Retryable       bool      `json:"retryable,omitempty"`
}

// SweepReport is the response to a retention sweep.
type SweepReport struct {
	GeneratedAt time.Time `json:"generated_at"`
	Evaluated   int       `json:"evaluated"`
	Archivable  []struct {
		EntryID    string    `json:"entry_id"`
		TenantID   string    `json:"tenant_id"`
		Action     string    `json:"action"`
		EligibleAt time.Time `json:"eligible_at"`
	} `json:"archivable"`
}

// ApplyResult is the response to a retention apply.
type ApplyResult struct {
	Evaluated int `json:"evaluated"`
	Archived  int `json:"archived"`
}

// Client is the veritrail SDK entry point.
type Client struct {
	base        string
	httpClient  *http.Client
	bearerToken string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches an operator token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// WithInsecureSkipVerify disables TLS certificate verification.
// Only use this in development.
func WithInsecureSkipVerify() Option {
	return func(c *Client) error {
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			},
			Timeout: 10 * time.Second,
		}
		return nil
	}
}

// New creates a Client connected to the service at base.
func New(base string, opts ...Option) (*Client, error) {
	c := &Client{
		base:       base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// AppendEvent appends a fiscal event and, when req.Regime is set, submits
// the signed envelope to that regime's authority.
func (c *Client) AppendEvent(ctx context.Context, req AppendRequest) (*AppendResult, error) {
	var result AppendResult
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/events", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Chain returns a tenant's full chain in timestamp order.
func (c *Client) Chain(ctx context.Context, tenantID string) ([]Entry, error) {
	var resp struct {
		Entries []Entry `json:"entries"`
	}
	path := "/api/v1/ledger/" + tenantID
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// VerifyChain verifies a tenant's chain and reports the first violation.
func (c *Client) VerifyChain(ctx context.Context, tenantID string) (*ChainReport, error) {
	var report ChainReport
	path := "/api/v1/ledger/" + tenantID + "/verify"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// GetEntry returns a single ledger entry.
func (c *Client) GetEntry(ctx context.Context, tenantID, entryID string) (*Entry, error) {
	var entry Entry
	path := "/api/v1/ledger/" + tenantID + "/entries/" + entryID
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// ListCertificates returns the signing certificates known to the service.
func (c *Client) ListCertificates(ctx context.Context) ([]Certificate, error) {
	var resp struct {
		Certificates []Certificate `json:"certificates"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/certificates", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Certificates, nil
}

// AssignUsage registers a certificate for a regime usage.
func (c *Client) AssignUsage(ctx context.Context, thumbprint, usage string) error {
	path := "/api/v1/certificates/" + thumbprint + "/usages"
	return c.doJSON(ctx, http.MethodPost, path, map[string]string{"usage": usage}, nil)
}

// RevokeUsage removes a certificate's regime usage.
func (c *Client) RevokeUsage(ctx context.Context, thumbprint, usage string) error {
	path := "/api/v1/certificates/" + thumbprint + "/usages/" + usage
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

// Sweep runs a read-only retention sweep over the given tenants.
func (c *Client) Sweep(ctx context.Context, tenants []string) (*SweepReport, error) {
	var report SweepReport
	body := map[string][]string{"tenants": tenants}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/retention/sweep", body, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// ApplyRetention sweeps and archives the eligible entries.
func (c *Client) ApplyRetention(ctx context.Context, tenants []string) (*ApplyResult, error) {
	var result ApplyResult
	body := map[string][]string{"tenants": tenants}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/retention/apply", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Resubmit retries submission of a persisted envelope.
func (c *Client) Resubmit(ctx context.Context, envelopeID string) (*Envelope, error) {
	var resp struct {
		Envelope *Envelope `json:"envelope"`
	}
	path := "/api/v1/envelopes/" + envelopeID + "/resubmit"
	if err := c.doJSON(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Envelope, nil
}

// doJSON executes a request with an optional JSON body, decoding the JSON
// response into out when out is non-nil.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("not found: %s", path)
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("unauthorized: %s", string(raw))
	case resp.StatusCode >= 300:
		return fmt.Errorf("server error %d: %s", resp.StatusCode, string(raw))
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
