package reconciliation

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/doseal/agentwallet/internal/ledger"
)

// Handler serves account audits.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterAdminRoutes mounts the agent and treasury audit endpoints.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/businesses/:biz/agents/:agent/reconciliation", h.Reconcile)
	r.GET("/businesses/:biz/treasury/reconciliation", h.ReconcileTreasury)
}

// Reconcile returns the audit report. A report with mismatches is still 200.
func (h *Handler) Reconcile(c *gin.Context) {
	rep, err := h.svc.Account(c.Request.Context(), c.Param("biz"), c.Param("agent"))
	h.respond(c, rep, err)
}

func (h *Handler) ReconcileTreasury(c *gin.Context) {
	rep, err := h.svc.Treasury(c.Request.Context(), c.Param("biz"))
	h.respond(c, rep, err)
}

func (h *Handler) respond(c *gin.Context, rep *Report, err error) {
	if errors.Is(err, ledger.ErrInvalidRequest) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if err != nil {
		h.logger.ErrorContext(c.Request.Context(), "reconciliation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Reconciliation failed"})
		return
	}
	if !rep.Healthy {
		h.logger.WarnContext(c.Request.Context(), "reconciliation mismatch",
			"businessId", rep.BusinessID, "agentId", rep.AgentID, "mismatches", len(rep.Mismatches))
	}
	c.JSON(http.StatusOK, gin.H{"report": rep})
}
