package callback

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/doseal/agentwallet/internal/money"
	"github.com/doseal/agentwallet/internal/pagination"
	"github.com/doseal/agentwallet/internal/wallet"
)

// Handler exposes the gateway callbacks and the admin transaction endpoints.
type Handler struct {
	proc   *Processor
	logger *slog.Logger
}

// NewHandler creates a callback handler.
func NewHandler(proc *Processor, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{proc: proc, logger: logger}
}

// RegisterCallbackRoutes mounts the gateway callbacks. The group is expected
// to carry the IP allowlist and rate limit.
func (h *Handler) RegisterCallbackRoutes(r *gin.RouterGroup) {
	r.POST("/callbacks/debit", h.DebitCallback)
	r.POST("/callbacks/credit", h.CreditCallback)
}

// RegisterAdminRoutes mounts the transaction endpoints on an admin group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	biz := r.Group("/businesses/:biz/transactions")
	biz.POST("", h.InitiateDebit)
	biz.GET("", h.ListTransactions)
	biz.GET("/:ref", h.GetTransaction)
}

func (h *Handler) bind(c *gin.Context) (Callback, bool) {
	var cb Callback
	if err := c.ShouldBindJSON(&cb); err != nil {
		h.logger.InfoContext(c.Request.Context(), "malformed callback body",
			"client_ip", c.ClientIP(), "error", err)
		resp := respond(false, http.StatusBadRequest, msgInvalidCallback)
		c.JSON(resp.HTTPStatus(), resp)
		return cb, false
	}
	h.logger.InfoContext(c.Request.Context(), "callback received",
		"client_ip", c.ClientIP(), "path", c.FullPath(), "reference", cb.Reference, "code", cb.Code)
	return cb, true
}

// DebitCallback handles POST /v1/callbacks/debit
func (h *Handler) DebitCallback(c *gin.Context) {
	cb, ok := h.bind(c)
	if !ok {
		return
	}
	resp := h.proc.ProcessDebit(c.Request.Context(), cb)
	c.JSON(resp.HTTPStatus(), resp)
}

// CreditCallback handles POST /v1/callbacks/credit
func (h *Handler) CreditCallback(c *gin.Context) {
	cb, ok := h.bind(c)
	if !ok {
		return
	}
	resp := h.proc.ProcessCredit(c.Request.Context(), cb)
	c.JSON(resp.HTTPStatus(), resp)
}

type transactionView struct {
	*Transaction
	Amount string `json:"amount"`
}

func viewTransaction(t *Transaction) transactionView {
	return transactionView{Transaction: t, Amount: money.Format(t.Amount)}
}

// InitiateDebit handles POST /v1/admin/businesses/:biz/transactions
func (h *Handler) InitiateDebit(c *gin.Context) {
	var req DebitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	dr, created, err := h.proc.InitiateDebit(c.Request.Context(), c.Param("biz"), req)
	switch {
	case err == nil:
	case errors.Is(err, ErrAgentNotDebited):
		status, code := wallet.StatusFor(err)
		if status == http.StatusInternalServerError {
			h.logger.ErrorContext(c.Request.Context(), "debit hold failed", "error", err)
			c.JSON(status, gin.H{"error": code, "message": "Internal error"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": code, "message": "Agent's position couldn't been debited"})
		return
	case errors.Is(err, ErrInvalidDebit), errors.Is(err, ErrInvalidReference):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	case errors.Is(err, ErrReferenceInUse):
		c.JSON(http.StatusConflict, gin.H{"error": "reference_in_use", "message": err.Error()})
		return
	default:
		h.logger.ErrorContext(c.Request.Context(), "initiate debit failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
		return
	}

	status := http.StatusOK
	message := "Transaction already exists"
	if created {
		status = http.StatusCreated
		message = dr.StatusMessage
	}
	c.JSON(status, gin.H{
		"transaction": viewTransaction(dr),
		"created":     created,
		"message":     message,
	})
}

// GetTransaction handles GET /v1/admin/businesses/:biz/transactions/:ref
// ?leg=Cr selects the credit leg; the debit leg is the default.
func (h *Handler) GetTransaction(c *gin.Context) {
	leg := Leg(c.DefaultQuery("leg", string(LegDebit)))
	if leg != LegDebit && leg != LegCredit {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "leg must be Dr or Cr"})
		return
	}
	t, err := h.proc.Transaction(c.Request.Context(), c.Param("biz"), c.Param("ref"), leg)
	if errors.Is(err, ErrTransactionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": msgNotFound})
		return
	}
	if err != nil {
		h.logger.ErrorContext(c.Request.Context(), "get transaction failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": viewTransaction(t)})
}

// ListTransactions handles GET /v1/admin/businesses/:biz/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	txns, next, err := h.proc.Transactions(c.Request.Context(), c.Param("biz"), limit, c.Query("cursor"))
	if errors.Is(err, pagination.ErrInvalidCursor) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": err.Error()})
		return
	}
	if err != nil {
		h.logger.ErrorContext(c.Request.Context(), "list transactions failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
		return
	}
	views := make([]transactionView, 0, len(txns))
	for _, t := range txns {
		views = append(views, viewTransaction(t))
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": views,
		"count":        len(views),
		"next_cursor":  next,
		"has_more":     next != "",
	})
}
