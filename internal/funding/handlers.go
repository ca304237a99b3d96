package funding

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/doseal/agentwallet/internal/money"
	"github.com/doseal/agentwallet/internal/wallet"
)

// Handler provides HTTP endpoints for funding requests
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandler creates a new funding handler
func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterAdminRoutes sets up funding routes on an admin-authenticated group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	g := r.Group("/businesses/:biz/agents/:agent/funding")
	g.POST("", h.Start)
	g.GET("", h.List)
	g.GET("/:id", h.Get)
	g.POST("/:id/execute", h.Execute)
}

type requestView struct {
	*Request
	Amount string `json:"amount"`
}

func view(r *Request) requestView {
	return requestView{Request: r, Amount: money.Format(r.Amount)}
}

// StartRequest is the body of POST .../funding.
type StartRequest struct {
	Amount    string `json:"amount" binding:"required"`
	CreatedBy string `json:"createdBy"`
	Note      string `json:"note"`
}

// Start handles POST /businesses/:biz/agents/:agent/funding
func (h *Handler) Start(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "amount is required"})
		return
	}
	amount, ok := money.Parse(req.Amount)
	if !ok || !money.Positive(amount) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "amount must be a positive decimal"})
		return
	}
	r, err := h.svc.Start(c.Request.Context(), StartInput{
		BusinessID: c.Param("biz"),
		AgentID:    c.Param("agent"),
		Amount:     amount,
		CreatedBy:  req.CreatedBy,
		Note:       req.Note,
	})
	h.respond(c, r, err, http.StatusCreated)
}

// Execute handles POST /businesses/:biz/agents/:agent/funding/:id/execute
func (h *Handler) Execute(c *gin.Context) {
	if !h.ownedByAgent(c) {
		return
	}
	r, err := h.svc.Execute(c.Request.Context(), c.Param("biz"), c.Param("id"))
	h.respond(c, r, err, http.StatusOK)
}

// Get handles GET /businesses/:biz/agents/:agent/funding/:id
func (h *Handler) Get(c *gin.Context) {
	if !h.ownedByAgent(c) {
		return
	}
	r, err := h.svc.Get(c.Request.Context(), c.Param("biz"), c.Param("id"))
	h.respond(c, r, err, http.StatusOK)
}

// List handles GET /businesses/:biz/agents/:agent/funding?limit=
func (h *Handler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	reqs, err := h.svc.List(c.Request.Context(), c.Param("biz"), c.Param("agent"), limit)
	if err != nil {
		h.logger.Error("failed to list funding requests", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list funding requests"})
		return
	}
	out := make([]requestView, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, view(r))
	}
	c.JSON(http.StatusOK, gin.H{"requests": out, "count": len(out)})
}

func (h *Handler) ownedByAgent(c *gin.Context) bool {
	r, err := h.svc.Get(c.Request.Context(), c.Param("biz"), c.Param("id"))
	if err == nil && r.AgentID != c.Param("agent") {
		err = ErrRequestNotFound
	}
	if err != nil {
		h.respond(c, nil, err, http.StatusOK)
		return false
	}
	return true
}

func (h *Handler) respond(c *gin.Context, r *Request, err error, okStatus int) {
	switch {
	case err == nil:
		c.JSON(okStatus, gin.H{"request": view(r)})
	case errors.Is(err, ErrRequestNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Funding request not found"})
	case errors.Is(err, ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, ErrFundingFailed) && r != nil:
		status, code := wallet.StatusFor(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadGateway
		}
		c.JSON(status, gin.H{"error": code, "message": r.LastError, "request": view(r)})
	default:
		h.logger.Error("funding request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Funding request failed"})
	}
}
