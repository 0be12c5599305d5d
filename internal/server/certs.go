package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/veritrail/veritrail/internal/certstore"
)

// CertHandler exposes the certificate inventory and usage registry.
type CertHandler struct {
	store    certstore.Store
	registry certstore.Registry
	logger   *zap.Logger
}

// NewCertHandler creates a CertHandler.
func NewCertHandler(store certstore.Store, registry certstore.Registry, logger *zap.Logger) *CertHandler {
	return &CertHandler{store: store, registry: registry, logger: logger}
}

// Register mounts the certificate routes on the given router group.
func (h *CertHandler) Register(rg *gin.RouterGroup) {
	certs := rg.Group("/certificates")
	{
		certs.GET("", h.List)
		certs.POST("/:thumbprint/usages", h.Assign)
		certs.DELETE("/:thumbprint/usages/:usage", h.Revoke)
	}
}

// List handles GET /certificates. Records carry metadata only; private keys
// never leave the store.
func (h *CertHandler) List(c *gin.Context) {
	if !h.store.Available() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "certificate store unavailable"})
		return
	}

	ctx := c.Request.Context()
	records, err := h.store.List(ctx)
	if err != nil {
		h.logger.Error("certificate listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list certificates"})
		return
	}
	if err := certstore.Annotate(ctx, h.registry, records); err != nil {
		h.logger.Error("usage annotation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load certificate usages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"certificates": records})
}

type usageRequest struct {
	Usage string `json:"usage" binding:"required"`
}

func parseUsage(s string) (certstore.Usage, bool) {
	u := certstore.Usage(s)
	return u, u == certstore.UsageRegimeA || u == certstore.UsageRegimeB
}

// Assign handles POST /certificates/:thumbprint/usages.
func (h *CertHandler) Assign(c *gin.Context) {
	var req usageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	usage, ok := parseUsage(req.Usage)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown usage " + req.Usage})
		return
	}

	thumbprint := c.Param("thumbprint")
	if err := h.registry.Assign(c.Request.Context(), thumbprint, usage); err != nil {
		h.logger.Error("usage assignment failed", zap.String("thumbprint", thumbprint), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to assign usage"})
		return
	}
	h.logger.Info("certificate usage assigned",
		zap.String("thumbprint", thumbprint),
		zap.String("usage", string(usage)))
	c.JSON(http.StatusOK, gin.H{"thumbprint": thumbprint, "usage": usage})
}

// Revoke handles DELETE /certificates/:thumbprint/usages/:usage.
func (h *CertHandler) Revoke(c *gin.Context) {
	usage, ok := parseUsage(c.Param("usage"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown usage " + c.Param("usage")})
		return
	}

	thumbprint := c.Param("thumbprint")
	if err := h.registry.Revoke(c.Request.Context(), thumbprint, usage); err != nil {
		h.logger.Error("usage revocation failed", zap.String("thumbprint", thumbprint), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to revoke usage"})
		return
	}
	c.Status(http.StatusNoContent)
}
