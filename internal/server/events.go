package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/veritrail/veritrail/internal/fiscal"
	"github.com/veritrail/veritrail/internal/ledger"
	"github.com/veritrail/veritrail/internal/regime"
	"github.com/veritrail/veritrail/internal/signature"
)

// EventsHandler exposes the fiscal ledger append and query endpoints.
type EventsHandler struct {
	ledger     ledger.Ledger
	dispatcher *regime.Dispatcher
	logger     *zap.Logger
}

// NewEventsHandler creates an EventsHandler. dispatcher may be nil when no
// regime is enabled.
func NewEventsHandler(l ledger.Ledger, d *regime.Dispatcher, logger *zap.Logger) *EventsHandler {
	return &EventsHandler{ledger: l, dispatcher: d, logger: logger}
}

// Register mounts the event and ledger routes on the given router group.
func (h *EventsHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/events", h.Append)
	l := rg.Group("/ledger")
	{
		l.GET("/:tenant", h.Chain)
		l.GET("/:tenant/verify", h.Verify)
		l.GET("/:tenant/entries/:id", h.GetEntry)
	}
	e := rg.Group("/envelopes")
	{
		e.POST("/:id/resubmit", h.Resubmit)
	}
}

type appendRequest struct {
	TenantID      string `json:"tenant_id" binding:"required"`
	DocType       string `json:"doc_type" binding:"required"`
	Number        string `json:"number" binding:"required"`
	Series        string `json:"series"`
	TaxableAmount string `json:"taxable_amount"`
	TaxAmount     string `json:"tax_amount"`
	Total         string `json:"total"`
	Timestamp     string `json:"timestamp"` // RFC3339, empty = now
	Regime        string `json:"regime"`    // empty = no submission
}

func (r *appendRequest) toDraft() (ledger.Draft, error) {
	var d ledger.Draft
	var err error
	parse := func(s string) (decimal.Decimal, error) {
		if s == "" {
			return decimal.Zero, nil
		}
		return decimal.NewFromString(s)
	}
	if d.TaxableAmount, err = parse(r.TaxableAmount); err != nil {
		return d, errors.New("taxable_amount is not a decimal")
	}
	if d.TaxAmount, err = parse(r.TaxAmount); err != nil {
		return d, errors.New("tax_amount is not a decimal")
	}
	if d.Total, err = parse(r.Total); err != nil {
		return d, errors.New("total is not a decimal")
	}
	if r.Timestamp != "" {
		if d.Timestamp, err = time.Parse(time.RFC3339Nano, r.Timestamp); err != nil {
			return d, errors.New("timestamp is not RFC3339")
		}
	}
	d.TenantID = r.TenantID
	d.DocType = fiscal.DocType(r.DocType)
	d.Number = r.Number
	d.Series = r.Series
	return d, nil
}

// Append handles POST /events. The entry is appended and durable before any
// regime submission is attempted; a submission failure never rolls back the
// ledger write.
func (h *EventsHandler) Append(c *gin.Context) {
	var req appendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !requireTenant(c, req.TenantID) {
		return
	}

	draft, err := req.toDraft()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	entry, err := h.ledger.Append(ctx, draft)
	if err != nil {
		h.logger.Error("ledger append failed", zap.String("tenant", req.TenantID), zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	recordAppend(string(entry.DocType))

	resp := gin.H{"entry": entry}
	status := http.StatusCreated

	if req.Regime != "" {
		env, subErr := h.dispatch(c, regime.ID(req.Regime), entry)
		if env != nil {
			resp["envelope"] = env
		}
		if subErr != nil {
			// The append already succeeded; report the submission problem
			// alongside the entry instead of failing the request.
			resp["submission_error"] = subErr.Error()
			resp["retryable"] = isRetryableSubmission(subErr)
		}
	}

	c.JSON(status, resp)
}

func (h *EventsHandler) dispatch(c *gin.Context, id regime.ID, entry *fiscal.LogEntry) (*regime.Envelope, error) {
	if h.dispatcher == nil || !h.dispatcher.Enabled(id) {
		return nil, errors.New("regime " + string(id) + " is not enabled")
	}
	env, err := h.dispatcher.Dispatch(c.Request.Context(), id, entry)
	if err != nil {
		if errors.Is(err, signature.ErrSigningUnavailable) {
			h.logger.Warn("signing unavailable for submission",
				zap.String("regime", string(id)), zap.Error(err))
		}
		return env, err
	}
	recordSubmission(string(id), env.Status == regime.StatusAccepted)
	return env, nil
}

func isRetryableSubmission(err error) bool {
	var subErr *regime.SubmissionError
	if errors.As(err, &subErr) {
		return subErr.Retryable
	}
	return errors.Is(err, signature.ErrSigningUnavailable)
}

// Chain handles GET /ledger/:tenant.
func (h *EventsHandler) Chain(c *gin.Context) {
	tenant := c.Param("tenant")
	if !requireTenant(c, tenant) {
		return
	}

	entries, err := h.ledger.Chain(c.Request.Context(), tenant)
	if err != nil {
		h.logger.Error("chain query failed", zap.String("tenant", tenant), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant_id": tenant, "entries": entries})
}

// Verify handles GET /ledger/:tenant/verify. An invalid chain is a 200 with
// the violation report, not an error status.
func (h *EventsHandler) Verify(c *gin.Context) {
	tenant := c.Param("tenant")
	if !requireTenant(c, tenant) {
		return
	}

	report, err := h.ledger.Verify(c.Request.Context(), tenant)
	if err != nil {
		h.logger.Error("chain verification failed", zap.String("tenant", tenant), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify ledger"})
		return
	}
	recordVerification(report.Valid)
	c.JSON(http.StatusOK, report)
}

// GetEntry handles GET /ledger/:tenant/entries/:id.
func (h *EventsHandler) GetEntry(c *gin.Context) {
	tenant := c.Param("tenant")
	if !requireTenant(c, tenant) {
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a UUID"})
		return
	}

	entry, err := h.ledger.Get(c.Request.Context(), id)
	if errors.Is(err, ledger.ErrEntryNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query ledger"})
		return
	}
	if entry.TenantID != tenant {
		c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
		return
	}
	c.JSON(http.StatusOK, entry)
}

// Resubmit handles POST /envelopes/:id/resubmit.
func (h *EventsHandler) Resubmit(c *gin.Context) {
	if h.dispatcher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no regime enabled"})
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a UUID"})
		return
	}

	env, err := h.dispatcher.Resubmit(c.Request.Context(), id)
	if errors.Is(err, regime.ErrEnvelopeNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "envelope not found"})
		return
	}
	if env != nil && !requireTenant(c, env.TenantID) {
		return
	}
	if err != nil {
		status := http.StatusBadGateway
		if !isRetryableSubmission(err) {
			status = http.StatusUnprocessableEntity
		}
		c.JSON(status, gin.H{"error": err.Error(), "envelope": env})
		return
	}
	recordSubmission(string(env.Regime), env.Status == regime.StatusAccepted)
	c.JSON(http.StatusOK, gin.H{"envelope": env})
}
