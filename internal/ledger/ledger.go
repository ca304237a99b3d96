// Package ledger keeps agent float balances and the holds placed against them.
//
// Flow:
//  0. A business seeds its treasury once and tops it up later (FUND on the
//     treasury account)
//  1. The business funds an agent's float from its treasury (FUND)
//  2. A transaction debit places a hold (HOLD): available -> held
//  3. The credit leg settles and the hold is captured (CAPTURE), or
//     fails and the hold is released (RELEASE)
//  4. A captured hold may later be refunded once (REFUND)
//
// Every balance change is a Posting appended through a Store. The Store
// deduplicates on the entry's idempotency key and applies the hold, the
// balance and the entry in one atomic step.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/doseal/agentwallet/internal/pagination"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrHoldNotFound      = errors.New("hold not found")
	ErrInvalidHoldState  = errors.New("invalid hold state")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrKeyConflict       = errors.New("idempotency key already used for a different operation")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrAlreadySeeded     = errors.New("treasury already seeded")

	// ErrTreasuryShortfall is returned when an agent credit would take the
	// business treasury below zero.
	ErrTreasuryShortfall = fmt.Errorf("treasury: %w", ErrInsufficientFunds)
)

const (
	// OwnerPrefix prefixes every agent float account id.
	OwnerPrefix = "AGENT_FLOAT"
	// TreasuryPrefix prefixes the per-business treasury account id.
	TreasuryPrefix = "BUSINESS_TREASURY"
)

// AccountType distinguishes agent floats from business treasuries.
type AccountType string

const (
	AccountAgent    AccountType = "agent"
	AccountTreasury AccountType = "treasury"
)

// HoldState is the lifecycle state of a hold.
type HoldState string

const (
	HoldOpen     HoldState = "OPEN"
	HoldCaptured HoldState = "CAPTURED"
	HoldReleased HoldState = "RELEASED"
	HoldRefunded HoldState = "REFUNDED"
)

// CanTransition reports whether a hold may move from s to next.
func (s HoldState) CanTransition(next HoldState) bool {
	switch s {
	case HoldOpen:
		return next == HoldCaptured || next == HoldReleased
	case HoldCaptured:
		return next == HoldRefunded
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s HoldState) Terminal() bool {
	return s == HoldReleased || s == HoldRefunded
}

// EntryType classifies a ledger entry.
type EntryType string

const (
	EntryFund    EntryType = "FUND"
	EntryHold    EntryType = "HOLD"
	EntryCapture EntryType = "CAPTURE"
	EntryRelease EntryType = "RELEASE"
	EntryRefund  EntryType = "REFUND"
)

// Account identifies one agent float, or the treasury, within a business.
// A treasury has no agent id.
type Account struct {
	ID         string `json:"accountId"`
	BusinessID string `json:"businessId"`
	AgentID    string `json:"agentId"`
}

// AccountFor builds the owner account for (businessID, agentID).
func AccountFor(businessID, agentID string) Account {
	return Account{
		ID:         OwnerPrefix + ":" + businessID + ":" + agentID,
		BusinessID: businessID,
		AgentID:    agentID,
	}
}

// TreasuryFor builds the treasury account of businessID.
func TreasuryFor(businessID string) Account {
	return Account{ID: TreasuryPrefix + ":" + businessID, BusinessID: businessID}
}

// Type reports whether a is an agent float or a treasury.
func (a Account) Type() AccountType {
	if a.AgentID == "" {
		return AccountTreasury
	}
	return AccountAgent
}

// Balance is the snapshot of one account.
//
// Available + Held always equals Funded - Captured + Refunded - Disbursed.
// Disbursed is only ever non-zero on a treasury: it is the total paid out
// to the business's agents.
type Balance struct {
	Account
	Available decimal.Decimal `json:"available"`
	Held      decimal.Decimal `json:"held"`
	Funded    decimal.Decimal `json:"funded"`
	Captured  decimal.Decimal `json:"captured"`
	Refunded  decimal.Decimal `json:"refunded"`
	Disbursed decimal.Decimal `json:"disbursed"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

func zeroBalance(acct Account, at time.Time) *Balance {
	return &Balance{
		Account:   acct,
		Available: decimal.Zero,
		Held:      decimal.Zero,
		Funded:    decimal.Zero,
		Captured:  decimal.Zero,
		Refunded:  decimal.Zero,
		Disbursed: decimal.Zero,
		UpdatedAt: at,
	}
}

// Hold is a reservation of funds for one transaction leg.
type Hold struct {
	ID             string          `json:"holdId"`
	BusinessID     string          `json:"businessId"`
	AgentID        string          `json:"agentId"`
	AccountID      string          `json:"accountId"`
	Amount         decimal.Decimal `json:"amount"`
	State          HoldState       `json:"state"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Reference      string          `json:"reference,omitempty"`
	Purpose        string          `json:"purpose,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Entry is an immutable balance-affecting record.
type Entry struct {
	ID             string          `json:"entryId"`
	BusinessID     string          `json:"businessId"`
	AgentID        string          `json:"agentId"`
	AccountID      string          `json:"accountId"`
	HoldID         string          `json:"holdId,omitempty"`
	Type           EntryType       `json:"type"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Reference      string          `json:"reference,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Transition is a compare-and-swap on a hold's state.
type Transition struct {
	From HoldState
	To   HoldState
}

// Posting is one atomic ledger write: an entry plus the hold change that
// produced it. NewHold is set for HOLD entries, Transition for CAPTURE,
// RELEASE and REFUND. For transitions the store fills the entry's account
// and amount from the hold.
//
// Source is the treasury a non-zero agent FUND is drawn from. It is locked
// and debited in the same atomic step as the credit.
type Posting struct {
	Entry      *Entry
	NewHold    *Hold
	Transition *Transition
	Source     *Account
}

// AppendResult is what Append returns. On replay Entry is the entry first
// recorded under the key and nothing was mutated. Source is the treasury
// balance after a sourced FUND.
type AppendResult struct {
	Entry    *Entry
	Hold     *Hold
	Balance  *Balance
	Source   *Balance
	Replayed bool
}

// HoldFilter narrows ListHolds. BusinessID is required. From and To bound
// created_at, inclusive and exclusive; After resumes a previous page.
type HoldFilter struct {
	BusinessID string
	AgentID    string
	State      HoldState
	From       time.Time
	To         time.Time
	After      *pagination.Cursor
	Limit      int
}

// EntryFilter narrows ListEntries. BusinessID is required.
type EntryFilter struct {
	BusinessID string
	AgentID    string
	HoldID     string
	Type       EntryType
	From       time.Time
	To         time.Time
	After      *pagination.Cursor
	Limit      int
}

// AccountFilter narrows ListBalances. Accounts are ordered by id; After is
// the last account id of the previous page.
type AccountFilter struct {
	BusinessID string
	AgentID    string
	Type       AccountType
	After      string
	Limit      int
}

func (f *AccountFilter) match(b *Balance) bool {
	if b.BusinessID != f.BusinessID {
		return false
	}
	if f.AgentID != "" && b.AgentID != f.AgentID {
		return false
	}
	if f.Type != "" && b.Type() != f.Type {
		return false
	}
	return f.After == "" || b.ID > f.After
}

// inWindow reports whether at falls in [from, to), either bound optional.
func inWindow(at, from, to time.Time) bool {
	if !from.IsZero() && at.Before(from) {
		return false
	}
	return to.IsZero() || at.Before(to)
}

// Store persists balances, holds and entries.
type Store interface {
	GetBalance(ctx context.Context, acct Account) (*Balance, error)
	Append(ctx context.Context, p *Posting) (*AppendResult, error)
	GetHold(ctx context.Context, businessID, holdID string) (*Hold, error)
	EntryByKey(ctx context.Context, key string) (*Entry, error)
	ListHolds(ctx context.Context, f HoldFilter) ([]*Hold, error)
	ListEntries(ctx context.Context, f EntryFilter) ([]*Entry, error)
	ListBalances(ctx context.Context, f AccountFilter) ([]*Balance, error)
	ListStaleHolds(ctx context.Context, before time.Time, limit int) ([]*Hold, error)
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func clampLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}
