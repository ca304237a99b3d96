package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/doseal/agentwallet/internal/ledger"
	"github.com/doseal/agentwallet/internal/money"
	"github.com/doseal/agentwallet/internal/walletkeys"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *ledger.Ledger) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := ledger.New(ledger.NewMemoryStore()).WithLogger(logger)
	h := NewHandler(NewService(l).WithLogger(logger), l, logger)

	r := gin.New()
	h.RegisterAdminRoutes(r.Group("/v1/admin"))

	if _, err := l.SeedTreasury(context.Background(), "biz", money.MustParse("1000")); err != nil {
		t.Fatalf("seed treasury: %v", err)
	}
	_, err := l.Fund(context.Background(), ledger.FundRequest{
		Account: ledger.AccountFor("biz", "ag"),
		Amount:  money.MustParse("500"),
		Keys:    walletkeys.ForFunding("biz", "ag", "seed", "500"),
	})
	if err != nil {
		t.Fatalf("seed fund: %v", err)
	}
	return r, l
}

func do(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type holdResponse struct {
	Outcome string    `json:"outcome"`
	Hold    *HoldView `json:"hold"`
}

func TestHandler_PlaceCaptureFlow(t *testing.T) {
	r, _ := setupTestRouter(t)

	w := do(r, "POST", "/v1/admin/businesses/biz/agents/ag/holds", PlaceHoldRequest{Amount: "120", Reference: "DR_1"})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var placed holdResponse
	_ = json.Unmarshal(w.Body.Bytes(), &placed)
	if placed.Hold.Amount != "120.00" {
		t.Errorf("Expected amount 120.00, got %s", placed.Hold.Amount)
	}
	if placed.Hold.State != "OPEN" {
		t.Errorf("Expected OPEN, got %s", placed.Hold.State)
	}

	// Same reference and amount replays.
	w = do(r, "POST", "/v1/admin/businesses/biz/agents/ag/holds", PlaceHoldRequest{Amount: "120.00", Reference: "DR_1"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 on replay, got %d: %s", w.Code, w.Body.String())
	}
	var replayed holdResponse
	_ = json.Unmarshal(w.Body.Bytes(), &replayed)
	if replayed.Outcome != string(OutcomeReplayed) || replayed.Hold.ID != placed.Hold.ID {
		t.Errorf("Expected replay of %s, got %+v", placed.Hold.ID, replayed)
	}

	w = do(r, "POST", "/v1/admin/businesses/biz/holds/"+placed.Hold.ID+"/capture", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = do(r, "POST", "/v1/admin/businesses/biz/holds/"+placed.Hold.ID+"/release", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("Expected 409 releasing a captured hold, got %d: %s", w.Code, w.Body.String())
	}

	w = do(r, "GET", "/v1/admin/businesses/biz/agents/ag/balance", nil)
	var bal struct {
		Balance BalanceView `json:"balance"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &bal)
	if bal.Balance.Available != "380.00" || bal.Balance.Held != "0.00" || bal.Balance.Captured != "120.00" {
		t.Errorf("Unexpected balance %+v", bal.Balance)
	}

	w = do(r, "POST", "/v1/admin/businesses/biz/holds/"+placed.Hold.ID+"/refund", RefundRequest{Reason: "customer"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_ErrorMapping(t *testing.T) {
	r, _ := setupTestRouter(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"insufficient", "POST", "/v1/admin/businesses/biz/agents/ag/holds", PlaceHoldRequest{Amount: "500.01", Reference: "DR_big"}, http.StatusPaymentRequired, "insufficient_funds"},
		{"bad amount", "POST", "/v1/admin/businesses/biz/agents/ag/holds", PlaceHoldRequest{Amount: "abc", Reference: "DR_x"}, http.StatusBadRequest, "invalid_amount"},
		{"zero amount", "POST", "/v1/admin/businesses/biz/agents/ag/holds", PlaceHoldRequest{Amount: "0", Reference: "DR_z"}, http.StatusBadRequest, "invalid_amount"},
		{"missing reference", "POST", "/v1/admin/businesses/biz/agents/ag/holds", map[string]string{"amount": "1"}, http.StatusBadRequest, "invalid_request"},
		{"unknown hold", "POST", "/v1/admin/businesses/biz/holds/hold-nope/capture", nil, http.StatusNotFound, "hold_not_found"},
		{"unknown hold get", "GET", "/v1/admin/businesses/biz/holds/hold-nope", nil, http.StatusNotFound, "hold_not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, tt.method, tt.path, tt.body)
			if w.Code != tt.status {
				t.Fatalf("Expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			var resp map[string]string
			_ = json.Unmarshal(w.Body.Bytes(), &resp)
			if resp["error"] != tt.code {
				t.Errorf("Expected error %s, got %s", tt.code, resp["error"])
			}
		})
	}
}

func TestHandler_CrossTenantHoldIsNotFound(t *testing.T) {
	r, _ := setupTestRouter(t)

	w := do(r, "POST", "/v1/admin/businesses/biz/agents/ag/holds", PlaceHoldRequest{Amount: "10", Reference: "DR_1"})
	var placed holdResponse
	_ = json.Unmarshal(w.Body.Bytes(), &placed)

	for _, path := range []string{
		"/v1/admin/businesses/other/holds/" + placed.Hold.ID + "/capture",
		"/v1/admin/businesses/other/holds/" + placed.Hold.ID + "/release",
	} {
		w = do(r, "POST", path, nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, w.Code)
		}
	}
}

func TestHandler_ListHoldsAndHistory(t *testing.T) {
	r, _ := setupTestRouter(t)
	do(r, "POST", "/v1/admin/businesses/biz/agents/ag/holds", PlaceHoldRequest{Amount: "10", Reference: "DR_1"})
	do(r, "POST", "/v1/admin/businesses/biz/agents/ag/holds", PlaceHoldRequest{Amount: "20", Reference: "DR_2"})

	w := do(r, "GET", "/v1/admin/businesses/biz/holds?state=OPEN", nil)
	var holds struct {
		Holds []HoldView `json:"holds"`
		Count int        `json:"count"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &holds)
	if holds.Count != 2 {
		t.Fatalf("Expected 2 holds, got %d: %s", holds.Count, w.Body.String())
	}

	w = do(r, "GET", "/v1/admin/businesses/biz/ledger?agent=ag&limit=2", nil)
	var hist struct {
		Entries []EntryView `json:"entries"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &hist)
	if len(hist.Entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(hist.Entries))
	}
	if hist.Entries[0].Type != "HOLD" || hist.Entries[0].Amount != "20.00" {
		t.Errorf("Expected newest HOLD 20.00, got %+v", hist.Entries[0])
	}
}

func TestHandler_OpenAccount(t *testing.T) {
	r, _ := setupTestRouter(t)
	w := do(r, "POST", "/v1/admin/businesses/biz/agents/new-agent/accounts", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	w = do(r, "POST", "/v1/admin/businesses/biz/agents/new-agent/accounts", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 on second open, got %d", w.Code)
	}
}

func TestStatusFor(t *testing.T) {
	status, code := StatusFor(errors.New("db down"))
	if status != http.StatusInternalServerError || code != "internal_error" {
		t.Errorf("got %d %s", status, code)
	}
	status, _ = StatusFor(ledger.ErrKeyConflict)
	if status != http.StatusConflict {
		t.Errorf("key conflict: got %d", status)
	}
	status, code = StatusFor(fmt.Errorf("%w: biz", ledger.ErrAlreadySeeded))
	if status != http.StatusConflict || code != "already_seeded" {
		t.Errorf("already seeded: got %d %s", status, code)
	}
	status, code = StatusFor(ledger.ErrTreasuryShortfall)
	if status != http.StatusPaymentRequired || code != "insufficient_funds" {
		t.Errorf("treasury shortfall: got %d %s", status, code)
	}
}

type treasuryResponse struct {
	Treasury BalanceView `json:"treasury"`
}

func TestHandler_TreasuryFlow(t *testing.T) {
	r, _ := setupTestRouter(t)

	w := do(r, "POST", "/v1/admin/businesses/biz2/treasury/seed", TreasuryRequest{Amount: "250", SeededBy: "ops"})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = do(r, "POST", "/v1/admin/businesses/biz2/treasury/seed", TreasuryRequest{Amount: "250"})
	if w.Code != http.StatusConflict {
		t.Fatalf("Expected 409 on reseed, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["error"] != "already_seeded" {
		t.Errorf("Expected already_seeded, got %v", resp["error"])
	}

	if w := do(r, "POST", "/v1/admin/businesses/biz2/treasury/topups", TreasuryRequest{Amount: "50"}); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without topupId, got %d", w.Code)
	}
	if w := do(r, "POST", "/v1/admin/businesses/biz2/treasury/topups", TreasuryRequest{Amount: "x", TopupID: "tp-1"}); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad amount, got %d", w.Code)
	}
	for i, want := range []int{http.StatusCreated, http.StatusOK} {
		w := do(r, "POST", "/v1/admin/businesses/biz2/treasury/topups", TreasuryRequest{Amount: "50", TopupID: "tp-1"})
		if w.Code != want {
			t.Fatalf("top-up %d: expected %d, got %d: %s", i, want, w.Code, w.Body.String())
		}
	}

	w = do(r, "GET", "/v1/admin/businesses/biz2/treasury", nil)
	var tr treasuryResponse
	_ = json.Unmarshal(w.Body.Bytes(), &tr)
	if tr.Treasury.Available != "300.00" || tr.Treasury.Type != "treasury" || tr.Treasury.AccountID != "BUSINESS_TREASURY:biz2" {
		t.Errorf("Unexpected treasury %+v", tr.Treasury)
	}

	// The setup credit of 500 was drawn from biz's treasury.
	w = do(r, "GET", "/v1/admin/businesses/biz/treasury", nil)
	_ = json.Unmarshal(w.Body.Bytes(), &tr)
	if tr.Treasury.Available != "500.00" || tr.Treasury.Disbursed != "500.00" {
		t.Errorf("Unexpected biz treasury %+v", tr.Treasury)
	}
}

type pageResponse struct {
	Holds      []HoldView    `json:"holds"`
	Accounts   []BalanceView `json:"accounts"`
	Count      int           `json:"count"`
	NextCursor string        `json:"next_cursor"`
	HasMore    bool          `json:"has_more"`
}

func TestHandler_ListHoldsPaging(t *testing.T) {
	r, _ := setupTestRouter(t)
	for _, ref := range []string{"DR_1", "DR_2", "DR_3"} {
		do(r, "POST", "/v1/admin/businesses/biz/agents/ag/holds", PlaceHoldRequest{Amount: "1", Reference: ref})
	}

	seen := map[string]bool{}
	path := "/v1/admin/businesses/biz/holds?limit=2"
	for pages := 0; pages < 3; pages++ {
		w := do(r, "GET", path, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
		}
		var page pageResponse
		_ = json.Unmarshal(w.Body.Bytes(), &page)
		for _, h := range page.Holds {
			if seen[h.ID] {
				t.Fatalf("hold %s returned twice", h.ID)
			}
			seen[h.ID] = true
		}
		if page.HasMore != (page.NextCursor != "") {
			t.Fatalf("has_more %v with cursor %q", page.HasMore, page.NextCursor)
		}
		if !page.HasMore {
			break
		}
		path = "/v1/admin/businesses/biz/holds?limit=2&cursor=" + page.NextCursor
	}
	if len(seen) != 3 {
		t.Fatalf("Expected 3 holds across pages, got %d", len(seen))
	}

	future := url.QueryEscape(time.Now().Add(time.Hour).UTC().Format(time.RFC3339))
	w := do(r, "GET", "/v1/admin/businesses/biz/holds?from="+future, nil)
	var none pageResponse
	_ = json.Unmarshal(w.Body.Bytes(), &none)
	if w.Code != http.StatusOK || none.Count != 0 {
		t.Errorf("Expected no holds from the future, got %d %d", w.Code, none.Count)
	}

	for path, code := range map[string]string{
		"/v1/admin/businesses/biz/holds?cursor=%21%21":  "invalid_cursor",
		"/v1/admin/businesses/biz/ledger?from=yesterday": "invalid_request",
		"/v1/admin/businesses/biz/accounts?cursor=abc":   "invalid_cursor",
	} {
		w := do(r, "GET", path, nil)
		var resp map[string]string
		_ = json.Unmarshal(w.Body.Bytes(), &resp)
		if w.Code != http.StatusBadRequest || resp["error"] != code {
			t.Errorf("%s: expected 400 %s, got %d %s", path, code, w.Code, resp["error"])
		}
	}
}

func TestHandler_ListAccounts(t *testing.T) {
	r, _ := setupTestRouter(t)
	do(r, "POST", "/v1/admin/businesses/biz/agents/ag2/accounts", nil)

	w := do(r, "GET", "/v1/admin/businesses/biz/accounts?type=agent&limit=1", nil)
	var page pageResponse
	_ = json.Unmarshal(w.Body.Bytes(), &page)
	if w.Code != http.StatusOK || len(page.Accounts) != 1 || !page.HasMore {
		t.Fatalf("Unexpected first page %d: %s", w.Code, w.Body.String())
	}
	if page.Accounts[0].AccountID != "AGENT_FLOAT:biz:ag" {
		t.Errorf("Expected ag first, got %s", page.Accounts[0].AccountID)
	}

	w = do(r, "GET", "/v1/admin/businesses/biz/accounts?type=agent&limit=1&cursor="+page.NextCursor, nil)
	page = pageResponse{}
	_ = json.Unmarshal(w.Body.Bytes(), &page)
	if len(page.Accounts) != 1 || page.Accounts[0].AgentID != "ag2" || page.HasMore {
		t.Errorf("Unexpected second page: %s", w.Body.String())
	}

	w = do(r, "GET", "/v1/admin/businesses/biz/accounts?type=treasury", nil)
	page = pageResponse{}
	_ = json.Unmarshal(w.Body.Bytes(), &page)
	if len(page.Accounts) != 1 || page.Accounts[0].Type != "treasury" {
		t.Errorf("Unexpected treasury listing: %s", w.Body.String())
	}

	w = do(r, "GET", "/v1/admin/businesses/biz/accounts?owner=ag2", nil)
	page = pageResponse{}
	_ = json.Unmarshal(w.Body.Bytes(), &page)
	if page.Count != 1 || page.Accounts[0].AgentID != "ag2" {
		t.Errorf("Unexpected owner listing: %s", w.Body.String())
	}

	if w := do(r, "GET", "/v1/admin/businesses/biz/accounts?type=savings", nil); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown type, got %d", w.Code)
	}
}
