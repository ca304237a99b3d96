package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/doseal/agentwallet/internal/ledger"
	"github.com/doseal/agentwallet/internal/money"
	"github.com/doseal/agentwallet/internal/pagination"
	"github.com/doseal/agentwallet/internal/walletkeys"
)

// Reader is the read side of the ledger used by the admin endpoints.
type Reader interface {
	GetHold(ctx context.Context, businessID, holdID string) (*ledger.Hold, error)
	ListHolds(ctx context.Context, f ledger.HoldFilter) ([]*ledger.Hold, error)
	History(ctx context.Context, f ledger.EntryFilter) ([]*ledger.Entry, error)
	ListAccounts(ctx context.Context, f ledger.AccountFilter) ([]*ledger.Balance, error)
}

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// Handler provides HTTP endpoints for wallet operations
type Handler struct {
	svc    *Service
	reader Reader
	logger *slog.Logger
}

// NewHandler creates a new wallet handler
func NewHandler(svc *Service, reader Reader, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, reader: reader, logger: logger}
}

// RegisterAdminRoutes sets up wallet routes on an admin-authenticated group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	agent := r.Group("/businesses/:biz/agents/:agent")
	agent.POST("/accounts", h.OpenAccount)
	agent.GET("/balance", h.GetBalance)
	agent.POST("/holds", h.PlaceHold)

	biz := r.Group("/businesses/:biz")
	biz.GET("/holds", h.ListHolds)
	biz.GET("/holds/:hold", h.GetHold)
	biz.POST("/holds/:hold/capture", h.CaptureHold)
	biz.POST("/holds/:hold/release", h.ReleaseHold)
	biz.POST("/holds/:hold/refund", h.RefundCapture)
	biz.GET("/ledger", h.GetHistory)
	biz.GET("/accounts", h.ListAccounts)

	biz.POST("/treasury/seed", h.SeedTreasury)
	biz.POST("/treasury/topups", h.TopUpTreasury)
	biz.GET("/treasury", h.GetTreasury)
}

// StatusFor maps a ledger error to an HTTP status and error code.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusPaymentRequired, "insufficient_funds"
	case errors.Is(err, ledger.ErrHoldNotFound):
		return http.StatusNotFound, "hold_not_found"
	case errors.Is(err, ledger.ErrInvalidHoldState):
		return http.StatusConflict, "invalid_hold_state"
	case errors.Is(err, ledger.ErrAlreadySeeded):
		return http.StatusConflict, "already_seeded"
	case errors.Is(err, ledger.ErrKeyConflict):
		return http.StatusConflict, "idempotency_conflict"
	case errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, ledger.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, pagination.ErrInvalidCursor):
		return http.StatusBadRequest, "invalid_cursor"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// WriteError renders err as {"error", "message"}. Internal errors are not
// echoed to the client.
func WriteError(c *gin.Context, err error) {
	status, code := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "Internal error"
	}
	c.JSON(status, gin.H{"error": code, "message": msg})
}

func (h *Handler) fail(c *gin.Context, err error) {
	if status, _ := StatusFor(err); status == http.StatusInternalServerError {
		h.logger.Error("wallet request failed", "path", c.FullPath(), "error", err)
	}
	WriteError(c, err)
}

func (h *Handler) writeResult(c *gin.Context, res Result, created int) {
	if !res.Succeeded() {
		WriteError(c, res.Err)
		return
	}
	status := created
	if res.Outcome == OutcomeReplayed {
		status = http.StatusOK
	}
	body := gin.H{
		"outcome": res.Outcome,
		"hold":    ViewHold(res.Hold),
		"entry":   ViewEntry(res.Entry),
		"balance": ViewBalance(res.Balance),
	}
	if res.Treasury != nil {
		body["treasury"] = ViewBalance(res.Treasury)
	}
	c.JSON(status, body)
}

// OpenAccount handles POST /businesses/:biz/agents/:agent/accounts
func (h *Handler) OpenAccount(c *gin.Context) {
	res := h.svc.OpenAccount(c.Request.Context(), c.Param("biz"), c.Param("agent"))
	h.writeResult(c, res, http.StatusCreated)
}

// GetBalance handles GET /businesses/:biz/agents/:agent/balance
func (h *Handler) GetBalance(c *gin.Context) {
	bal, err := h.svc.Balance(c.Request.Context(), c.Param("biz"), c.Param("agent"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": ViewBalance(bal)})
}

// PlaceHoldRequest is the body of POST .../holds. Reference is the caller's
// transaction reference and anchors the idempotency key.
type PlaceHoldRequest struct {
	Amount    string `json:"amount" binding:"required"`
	Reference string `json:"reference" binding:"required"`
	Purpose   string `json:"purpose"`
}

// PlaceHold handles POST /businesses/:biz/agents/:agent/holds
func (h *Handler) PlaceHold(c *gin.Context) {
	var req PlaceHoldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "amount and reference are required"})
		return
	}
	amount, ok := money.Parse(req.Amount)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "amount must be a decimal number"})
		return
	}
	biz, agent := c.Param("biz"), c.Param("agent")
	keys := walletkeys.ForHold(biz, agent, req.Reference, req.Amount)
	res := h.svc.PlaceHold(c.Request.Context(), biz, agent, amount, keys, req.Purpose)
	h.writeResult(c, res, http.StatusCreated)
}

// CaptureHold handles POST /businesses/:biz/holds/:hold/capture
func (h *Handler) CaptureHold(c *gin.Context) {
	biz, holdID := c.Param("biz"), c.Param("hold")
	res := h.svc.CaptureHold(c.Request.Context(), biz, holdID, walletkeys.ForCapture(biz, holdID))
	h.writeResult(c, res, http.StatusOK)
}

// ReleaseHold handles POST /businesses/:biz/holds/:hold/release
func (h *Handler) ReleaseHold(c *gin.Context) {
	biz, holdID := c.Param("biz"), c.Param("hold")
	res := h.svc.ReleaseHold(c.Request.Context(), biz, holdID, walletkeys.ForRelease(biz, holdID))
	h.writeResult(c, res, http.StatusOK)
}

// RefundRequest is the optional body of POST .../refund.
type RefundRequest struct {
	Reason string `json:"reason"`
}

// RefundCapture handles POST /businesses/:biz/holds/:hold/refund
func (h *Handler) RefundCapture(c *gin.Context) {
	var req RefundRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
			return
		}
	}
	biz, holdID := c.Param("biz"), c.Param("hold")
	res := h.svc.RefundCapture(c.Request.Context(), biz, holdID, walletkeys.ForRefund(biz, holdID, req.Reason))
	h.writeResult(c, res, http.StatusOK)
}

// GetHold handles GET /businesses/:biz/holds/:hold
func (h *Handler) GetHold(c *gin.Context) {
	hold, err := h.reader.GetHold(c.Request.Context(), c.Param("biz"), c.Param("hold"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hold": ViewHold(hold)})
}

// ListHolds handles GET /businesses/:biz/holds?agent=&state=&from=&to=&cursor=&limit=
func (h *Handler) ListHolds(c *gin.Context) {
	q, err := parseListQuery(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	holds, err := h.reader.ListHolds(c.Request.Context(), ledger.HoldFilter{
		BusinessID: c.Param("biz"),
		AgentID:    c.Query("agent"),
		State:      ledger.HoldState(c.Query("state")),
		From:       q.from,
		To:         q.to,
		After:      q.after,
		Limit:      q.limit + 1,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	page, next := pagination.Page(holds, q.limit, func(hd *ledger.Hold) (time.Time, string) { return hd.CreatedAt, hd.ID })
	c.JSON(http.StatusOK, gin.H{
		"holds":       viewHolds(page),
		"count":       len(page),
		"next_cursor": next,
		"has_more":    next != "",
	})
}

// GetHistory handles GET /businesses/:biz/ledger?agent=&hold=&type=&from=&to=&cursor=&limit=
func (h *Handler) GetHistory(c *gin.Context) {
	q, err := parseListQuery(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	entries, err := h.reader.History(c.Request.Context(), ledger.EntryFilter{
		BusinessID: c.Param("biz"),
		AgentID:    c.Query("agent"),
		HoldID:     c.Query("hold"),
		Type:       ledger.EntryType(strings.ToUpper(c.Query("type"))),
		From:       q.from,
		To:         q.to,
		After:      q.after,
		Limit:      q.limit + 1,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	page, next := pagination.Page(entries, q.limit, func(e *ledger.Entry) (time.Time, string) { return e.CreatedAt, e.ID })
	c.JSON(http.StatusOK, gin.H{
		"entries":     viewEntries(page),
		"count":       len(page),
		"next_cursor": next,
		"has_more":    next != "",
	})
}

// ListAccounts handles GET /businesses/:biz/accounts?type=&owner=&cursor=&limit=
func (h *Handler) ListAccounts(c *gin.Context) {
	after, err := pagination.DecodeKey(c.Query("cursor"))
	if err != nil {
		h.fail(c, err)
		return
	}
	limit := pageSize(c)
	accounts, err := h.reader.ListAccounts(c.Request.Context(), ledger.AccountFilter{
		BusinessID: c.Param("biz"),
		AgentID:    c.Query("owner"),
		Type:       ledger.AccountType(c.Query("type")),
		After:      after,
		Limit:      limit + 1,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	page, next := pagination.PageByKey(accounts, limit, func(b *ledger.Balance) string { return b.ID })
	c.JSON(http.StatusOK, gin.H{
		"accounts":    viewBalances(page),
		"count":       len(page),
		"next_cursor": next,
		"has_more":    next != "",
	})
}

// TreasuryRequest is the body of the treasury seed and top-up endpoints.
// TopupID is required for top-ups and keys them.
type TreasuryRequest struct {
	Amount   string `json:"amount" binding:"required"`
	TopupID  string `json:"topupId"`
	SeededBy string `json:"seededBy"`
}

func bindTreasury(c *gin.Context) (TreasuryRequest, decimal.Decimal, bool) {
	var req TreasuryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "amount is required"})
		return req, decimal.Zero, false
	}
	amount, ok := money.Parse(req.Amount)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "amount must be a decimal number"})
		return req, decimal.Zero, false
	}
	return req, amount, true
}

// SeedTreasury handles POST /businesses/:biz/treasury/seed
func (h *Handler) SeedTreasury(c *gin.Context) {
	req, amount, ok := bindTreasury(c)
	if !ok {
		return
	}
	res := h.svc.SeedTreasury(c.Request.Context(), c.Param("biz"), amount)
	if res.Succeeded() {
		h.logger.Info("treasury seeded", "businessId", c.Param("biz"),
			"amount", money.Format(res.Entry.Amount), "seededBy", req.SeededBy)
	}
	h.writeResult(c, res, http.StatusCreated)
}

// TopUpTreasury handles POST /businesses/:biz/treasury/topups
func (h *Handler) TopUpTreasury(c *gin.Context) {
	req, amount, ok := bindTreasury(c)
	if !ok {
		return
	}
	if req.TopupID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "topupId is required"})
		return
	}
	res := h.svc.TopUpTreasury(c.Request.Context(), c.Param("biz"), req.TopupID, amount)
	h.writeResult(c, res, http.StatusCreated)
}

// GetTreasury handles GET /businesses/:biz/treasury
func (h *Handler) GetTreasury(c *gin.Context) {
	bal, err := h.svc.Treasury(c.Request.Context(), c.Param("biz"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"treasury": ViewBalance(bal)})
}

type listQuery struct {
	from, to time.Time
	after    *pagination.Cursor
	limit    int
}

// parseListQuery reads the paging and date-range parameters shared by the
// newest-first listings. from and to are RFC 3339.
func parseListQuery(c *gin.Context) (listQuery, error) {
	q := listQuery{limit: pageSize(c)}
	var err error
	if q.after, err = pagination.Decode(c.Query("cursor")); err != nil {
		return q, err
	}
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"from", &q.from}, {"to", &q.to}} {
		raw := c.Query(p.name)
		if raw == "" {
			continue
		}
		if *p.dst, err = time.Parse(time.RFC3339Nano, raw); err != nil {
			return q, fmt.Errorf("%w: %s must be RFC 3339", ledger.ErrInvalidRequest, p.name)
		}
	}
	return q, nil
}

func pageSize(c *gin.Context) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n <= 0 {
		return defaultPageSize
	}
	return min(n, maxPageSize)
}
