package wallet

import (
	"time"

	"github.com/doseal/agentwallet/internal/ledger"
	"github.com/doseal/agentwallet/internal/money"
)

// Views render amounts as fixed two-place strings so clients never see
// "120" for 120.00.

// BalanceView is the JSON form of a balance.
type BalanceView struct {
	AccountID  string    `json:"accountId"`
	BusinessID string    `json:"businessId"`
	AgentID    string    `json:"agentId,omitempty"`
	Type       string    `json:"type"`
	Available  string    `json:"available"`
	Held       string    `json:"held"`
	Funded     string    `json:"funded"`
	Captured   string    `json:"captured"`
	Refunded   string    `json:"refunded"`
	Disbursed  string    `json:"disbursed"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// HoldView is the JSON form of a hold.
type HoldView struct {
	ID             string    `json:"id"`
	BusinessID     string    `json:"businessId"`
	AgentID        string    `json:"agentId"`
	AccountID      string    `json:"accountId"`
	Amount         string    `json:"amount"`
	State          string    `json:"state"`
	IdempotencyKey string    `json:"idempotencyKey"`
	Reference      string    `json:"reference"`
	Purpose        string    `json:"purpose,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// EntryView is the JSON form of a ledger entry.
type EntryView struct {
	ID             string    `json:"id"`
	BusinessID     string    `json:"businessId"`
	AgentID        string    `json:"agentId"`
	AccountID      string    `json:"accountId"`
	HoldID         string    `json:"holdId,omitempty"`
	Type           string    `json:"type"`
	Amount         string    `json:"amount"`
	IdempotencyKey string    `json:"idempotencyKey"`
	Reference      string    `json:"reference"`
	CreatedAt      time.Time `json:"createdAt"`
}

func ViewBalance(b *ledger.Balance) *BalanceView {
	if b == nil {
		return nil
	}
	return &BalanceView{
		AccountID:  b.ID,
		BusinessID: b.BusinessID,
		AgentID:    b.AgentID,
		Type:       string(b.Type()),
		Available:  money.Format(b.Available),
		Held:       money.Format(b.Held),
		Funded:     money.Format(b.Funded),
		Captured:   money.Format(b.Captured),
		Refunded:   money.Format(b.Refunded),
		Disbursed:  money.Format(b.Disbursed),
		UpdatedAt:  b.UpdatedAt,
	}
}

func ViewHold(h *ledger.Hold) *HoldView {
	if h == nil {
		return nil
	}
	return &HoldView{
		ID:             h.ID,
		BusinessID:     h.BusinessID,
		AgentID:        h.AgentID,
		AccountID:      h.AccountID,
		Amount:         money.Format(h.Amount),
		State:          string(h.State),
		IdempotencyKey: h.IdempotencyKey,
		Reference:      h.Reference,
		Purpose:        h.Purpose,
		CreatedAt:      h.CreatedAt,
		UpdatedAt:      h.UpdatedAt,
	}
}

func ViewEntry(e *ledger.Entry) *EntryView {
	if e == nil {
		return nil
	}
	return &EntryView{
		ID:             e.ID,
		BusinessID:     e.BusinessID,
		AgentID:        e.AgentID,
		AccountID:      e.AccountID,
		HoldID:         e.HoldID,
		Type:           string(e.Type),
		Amount:         money.Format(e.Amount),
		IdempotencyKey: e.IdempotencyKey,
		Reference:      e.Reference,
		CreatedAt:      e.CreatedAt,
	}
}

func viewHolds(hs []*ledger.Hold) []*HoldView {
	out := make([]*HoldView, 0, len(hs))
	for _, h := range hs {
		out = append(out, ViewHold(h))
	}
	return out
}

func viewEntries(es []*ledger.Entry) []*EntryView {
	out := make([]*EntryView, 0, len(es))
	for _, e := range es {
		out = append(out, ViewEntry(e))
	}
	return out
}

func viewBalances(bs []*ledger.Balance) []*BalanceView {
	out := make([]*BalanceView, 0, len(bs))
	for _, b := range bs {
		out = append(out, ViewBalance(b))
	}
	return out
}
