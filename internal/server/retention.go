package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/veritrail/veritrail/internal/retention"
)

// RetentionHandler exposes read-only sweep reports and their application.
type RetentionHandler struct {
	sweeper  *retention.Sweeper
	policies *retention.PolicySet
	logger   *zap.Logger
}

// NewRetentionHandler creates a RetentionHandler with the policy set compiled
// at startup.
func NewRetentionHandler(sweeper *retention.Sweeper, policies *retention.PolicySet, logger *zap.Logger) *RetentionHandler {
	return &RetentionHandler{sweeper: sweeper, policies: policies, logger: logger}
}

// Register mounts the retention routes on the given router group.
func (h *RetentionHandler) Register(rg *gin.RouterGroup) {
	ret := rg.Group("/retention")
	{
		ret.POST("/sweep", h.Sweep)
		ret.POST("/apply", h.Apply)
	}
}

type sweepRequest struct {
	Tenants []string `json:"tenants" binding:"required"`
}

func (h *RetentionHandler) readTenants(c *gin.Context) ([]string, bool) {
	var req sweepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	for _, tenant := range req.Tenants {
		if !requireTenant(c, tenant) {
			return nil, false
		}
	}
	return req.Tenants, true
}

// Sweep handles POST /retention/sweep. The sweep is read-only: it reports
// what would be archived without touching the ledger.
func (h *RetentionHandler) Sweep(c *gin.Context) {
	tenants, ok := h.readTenants(c)
	if !ok {
		return
	}

	report, err := h.sweeper.Sweep(c.Request.Context(), h.policies, tenants, time.Now().UTC())
	if err != nil {
		h.logger.Error("retention sweep failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sweep failed"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// Apply handles POST /retention/apply: it runs a fresh sweep and archives the
// eligible entries.
func (h *RetentionHandler) Apply(c *gin.Context) {
	tenants, ok := h.readTenants(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	report, err := h.sweeper.Sweep(ctx, h.policies, tenants, time.Now().UTC())
	if err != nil {
		h.logger.Error("retention sweep failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sweep failed"})
		return
	}

	archived, err := h.sweeper.Apply(ctx, report)
	if err != nil {
		h.logger.Error("retention apply failed", zap.Int("archived", archived), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "apply failed", "archived": archived})
		return
	}
	recordArchived(archived)
	c.JSON(http.StatusOK, gin.H{"evaluated": report.Evaluated, "archived": archived})
}
