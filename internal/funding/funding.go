// Package funding tracks business-to-agent float top-ups. A request is
// persisted before the ledger is touched so an interrupted top-up can be
// re-executed under the same idempotency key.
package funding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/doseal/agentwallet/internal/idgen"
	"github.com/doseal/agentwallet/internal/metrics"
	"github.com/doseal/agentwallet/internal/money"
	"github.com/doseal/agentwallet/internal/syncutil"
	"github.com/doseal/agentwallet/internal/wallet"
	"github.com/doseal/agentwallet/internal/walletkeys"
)

var (
	ErrRequestNotFound = errors.New("funding: request not found")
	ErrInvalidRequest  = errors.New("funding: invalid request")
	ErrFundingFailed   = errors.New("funding: ledger credit failed")
)

// Status is the lifecycle state of a funding request.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// IDPrefix prefixes generated request ids.
const IDPrefix = "fr-"

// Request is one top-up of an agent float.
type Request struct {
	ID             string          `json:"id"`
	BusinessID     string          `json:"businessId"`
	AgentID        string          `json:"agentId"`
	Amount         decimal.Decimal `json:"-"`
	Status         Status          `json:"status"`
	Attempts       int             `json:"attempts"`
	CreatedBy      string          `json:"createdBy,omitempty"`
	Note           string          `json:"note,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	Reference      string          `json:"reference,omitempty"`
	EntryID        string          `json:"entryId,omitempty"`
	LastError      string          `json:"lastError,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Store persists funding requests.
type Store interface {
	Create(ctx context.Context, r *Request) error
	Get(ctx context.Context, businessID, id string) (*Request, error)
	Update(ctx context.Context, r *Request) error
	List(ctx context.Context, businessID, agentID string, limit int) ([]*Request, error)
}

// Wallet is the part of the wallet service funding needs.
type Wallet interface {
	OpenAccount(ctx context.Context, businessID, agentID string) wallet.Result
	Fund(ctx context.Context, businessID, agentID string, amount decimal.Decimal, keys walletkeys.KeyPair) wallet.Result
}

// Service creates and executes funding requests.
type Service struct {
	store  Store
	wallet Wallet
	locks  syncutil.ShardedMutex // per request id
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a funding service.
func NewService(store Store, w Wallet) *Service {
	return &Service{
		store:  store,
		wallet: w,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(logger *slog.Logger) *Service {
	s.logger = logger
	return s
}

// StartInput describes a new top-up.
type StartInput struct {
	BusinessID string
	AgentID    string
	Amount     decimal.Decimal
	CreatedBy  string
	Note       string
}

// Start records a PENDING request and credits the agent. The returned request
// is COMPLETED on success or FAILED with the error recorded; a FAILED request
// is returned together with an error wrapping ErrFundingFailed.
func (s *Service) Start(ctx context.Context, in StartInput) (*Request, error) {
	if in.BusinessID == "" || in.AgentID == "" {
		return nil, fmt.Errorf("%w: business and agent required", ErrInvalidRequest)
	}
	amount := money.Quantize(in.Amount)
	if !money.Positive(amount) {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}

	now := s.now()
	r := &Request{
		ID:         idgen.WithPrefix(IDPrefix),
		BusinessID: in.BusinessID,
		AgentID:    in.AgentID,
		Amount:     amount,
		Status:     StatusPending,
		CreatedBy:  in.CreatedBy,
		Note:       in.Note,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	keys := walletkeys.ForFunding(r.BusinessID, r.AgentID, r.ID, money.Format(amount))
	r.IdempotencyKey, r.Reference = keys.Idem, keys.Ref

	if err := s.store.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("funding: create request: %w", err)
	}
	return s.run(ctx, r)
}

// Execute runs an existing request. COMPLETED requests are returned unchanged;
// PENDING and FAILED ones are attempted again under the same keys.
func (s *Service) Execute(ctx context.Context, businessID, id string) (*Request, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	r, err := s.store.Get(ctx, businessID, id)
	if err != nil {
		return nil, err
	}
	switch r.Status {
	case StatusCompleted:
		return r, nil
	case StatusPending, StatusFailed:
		return s.run(ctx, r)
	default:
		return nil, fmt.Errorf("%w: unsupported status %q", ErrInvalidRequest, r.Status)
	}
}

// Get returns a request scoped to businessID.
func (s *Service) Get(ctx context.Context, businessID, id string) (*Request, error) {
	return s.store.Get(ctx, businessID, id)
}

// List returns requests for a business, optionally one agent, newest first.
func (s *Service) List(ctx context.Context, businessID, agentID string, limit int) ([]*Request, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.store.List(ctx, businessID, agentID, limit)
}

func (s *Service) run(ctx context.Context, r *Request) (*Request, error) {
	if open := s.wallet.OpenAccount(ctx, r.BusinessID, r.AgentID); !open.Succeeded() {
		return s.fail(ctx, r, open.Err)
	}

	r.Attempts++
	r.Status = StatusPending
	r.UpdatedAt = s.now()
	if err := s.store.Update(ctx, r); err != nil {
		return nil, fmt.Errorf("funding: mark attempt: %w", err)
	}

	keys := walletkeys.KeyPair{Idem: r.IdempotencyKey, Ref: r.Reference}
	res := s.wallet.Fund(ctx, r.BusinessID, r.AgentID, r.Amount, keys)
	if !res.Succeeded() {
		return s.fail(ctx, r, res.Err)
	}

	r.Status = StatusCompleted
	r.EntryID = res.ID
	r.LastError = ""
	r.UpdatedAt = s.now()
	if err := s.store.Update(ctx, r); err != nil {
		// The credit is applied; Execute will replay it and retry this write.
		return nil, fmt.Errorf("funding: mark completed: %w", err)
	}
	metrics.FundingRequestsTotal.WithLabelValues(string(StatusCompleted)).Inc()
	s.logger.InfoContext(ctx, "agent float funded",
		"requestId", r.ID, "businessId", r.BusinessID, "agentId", r.AgentID,
		"amount", money.Format(r.Amount), "attempts", r.Attempts)
	return r, nil
}

func (s *Service) fail(ctx context.Context, r *Request, cause error) (*Request, error) {
	r.Status = StatusFailed
	r.LastError = cause.Error()
	r.UpdatedAt = s.now()
	if err := s.store.Update(ctx, r); err != nil {
		s.logger.ErrorContext(ctx, "failed to record funding failure", "requestId", r.ID, "error", err)
	}
	metrics.FundingRequestsTotal.WithLabelValues(string(StatusFailed)).Inc()
	s.logger.WarnContext(ctx, "agent funding failed",
		"requestId", r.ID, "businessId", r.BusinessID, "agentId", r.AgentID, "error", cause)
	return r, fmt.Errorf("%w: %w", ErrFundingFailed, cause)
}
