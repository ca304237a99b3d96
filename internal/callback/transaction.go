// Package callback drives the two legs of a remittance from payment gateway
// callbacks. The debit (Dr) leg collects from the sender; once it succeeds a
// credit (Cr) leg pays the beneficiary. When an agent fronts the money, a hold
// on the agent's float is placed at initiation and resolved by the credit
// callback.
package callback

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/doseal/agentwallet/internal/gateway"
	"github.com/doseal/agentwallet/internal/pagination"
)

var (
	ErrTransactionNotFound  = errors.New("callback: transaction not found")
	ErrDuplicateTransaction = errors.New("callback: transaction already exists")
	ErrInvalidReference     = errors.New("callback: invalid internal reference")
)

// Leg is the side of a remittance.
type Leg string

const (
	LegDebit  Leg = "Dr"
	LegCredit Leg = "Cr"
)

// Agent channel values that short-circuit the credit failure path.
const (
	MediumAgentChannel = "agent-channel"
	PaymentModeCash    = "cash"
)

// PayoutDetails holds what the gateway needs to pay the beneficiary.
type PayoutDetails struct {
	SendAmount        string `json:"sendAmount"`
	SendCurrency      string `json:"sendCurrency"`
	ReceiveAmount     string `json:"receiveAmount"`
	ReceiverFirstName string `json:"receiverFirstName"`
	ReceiverLastName  string `json:"receiverLastName"`
	ReceiverMSISDN    string `json:"receiverMsisdn"`
	AccountNumber     string `json:"accountNumber"`
	RoutingNumber     string `json:"routingNumber,omitempty"`
	ReceiverCountry   string `json:"receiverCountry"`
	ReceiverCurrency  string `json:"receiverCurrency"`
	ServiceType       string `json:"serviceType"`
	MNO               string `json:"mno,omitempty"`
}

// Transaction is one leg of a remittance.
type Transaction struct {
	ID                string          `json:"id"`
	BusinessID        string          `json:"businessId"`
	TenantID          string          `json:"tenantId,omitempty"`
	AgentID           string          `json:"agentId,omitempty"`
	InternalReference string          `json:"internalReference"`
	CommonIdentifier  string          `json:"commonIdentifier,omitempty"`
	Leg               Leg             `json:"leg"`
	Status            gateway.Code    `json:"status"`
	StatusMessage     string          `json:"statusMessage"`
	Amount            decimal.Decimal `json:"-"`
	LedgerHoldID      string          `json:"ledgerHoldId,omitempty"`
	Description       string          `json:"description,omitempty"`
	Medium            string          `json:"medium,omitempty"`
	PaymentMode       string          `json:"paymentMode,omitempty"`
	SenderCountry     string          `json:"senderCountry,omitempty"`
	SenderName        string          `json:"senderName,omitempty"`
	SenderPhone       string          `json:"senderPhone,omitempty"`
	GatewayRef        string          `json:"gatewayRef,omitempty"`
	GatewayID         string          `json:"gatewayId,omitempty"`
	CRCreated         bool            `json:"crCreated"`
	Reversed          bool            `json:"reversed"`
	LedgerMismatch    bool            `json:"ledgerMismatch"`
	Payout            *PayoutDetails  `json:"payout,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// Segment returns the part of the internal reference that pairs the two
// legs: "DR_abc123" and "CR_abc123" share "abc123".
func (t *Transaction) Segment() (string, error) {
	parts := strings.Split(t.InternalReference, "_")
	if len(parts) < 2 || parts[1] == "" {
		return "", ErrInvalidReference
	}
	return parts[1], nil
}

// IsAgentCash reports whether this leg was paid out in cash by an agent.
func (t *Transaction) IsAgentCash() bool {
	return strings.EqualFold(t.Medium, MediumAgentChannel) && strings.EqualFold(t.PaymentMode, PaymentModeCash)
}

// Update is a partial update recorded from a callback. Nil fields are left
// unchanged.
type Update struct {
	Status         *gateway.Code
	StatusMessage  *string
	GatewayRef     *string
	GatewayID      *string
	CRCreated      *bool
	Reversed       *bool
	LedgerMismatch *bool
}

func (u Update) apply(t *Transaction, at time.Time) {
	if u.Status != nil {
		t.Status = *u.Status
	}
	if u.StatusMessage != nil {
		t.StatusMessage = *u.StatusMessage
	}
	if u.GatewayRef != nil {
		t.GatewayRef = *u.GatewayRef
	}
	if u.GatewayID != nil {
		t.GatewayID = *u.GatewayID
	}
	if u.CRCreated != nil {
		t.CRCreated = *u.CRCreated
	}
	if u.Reversed != nil {
		t.Reversed = *u.Reversed
	}
	if u.LedgerMismatch != nil {
		t.LedgerMismatch = *u.LedgerMismatch
	}
	t.UpdatedAt = at
}

// StatusUpdate is the common status + message update.
func StatusUpdate(code gateway.Code, message string) Update {
	return Update{Status: &code, StatusMessage: &message}
}

// TransactionStore persists transaction legs. (internal_reference, leg) is
// unique.
type TransactionStore interface {
	Create(ctx context.Context, t *Transaction) error
	GetByReference(ctx context.Context, reference string, leg Leg) (*Transaction, error)
	Update(ctx context.Context, businessID, id string, u Update) error
	// ListByBusiness returns up to limit legs newest first, ordered by
	// (created_at, id) descending and starting after the cursor if set.
	ListByBusiness(ctx context.Context, businessID string, limit int, after *pagination.Cursor) ([]*Transaction, error)
}
