// Package wallet is the business-facing facade over the hold manager. It maps
// a (business, agent) pair to its float account and reports every operation
// as a tagged Result instead of a bare error.
package wallet

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/doseal/agentwallet/internal/ledger"
	"github.com/doseal/agentwallet/internal/walletkeys"
)

// Outcome classifies a wallet operation.
type Outcome string

const (
	// OutcomeOK means the operation was applied now.
	OutcomeOK Outcome = "ok"
	// OutcomeReplayed means the idempotency key had already been applied and
	// the original result was returned.
	OutcomeReplayed Outcome = "replayed"
	// OutcomeRejected is a logical refusal: insufficient funds, unknown hold,
	// illegal transition, bad amount.
	OutcomeRejected Outcome = "rejected"
	// OutcomeFailed is a storage or transient failure. The caller may retry
	// with the same keys.
	OutcomeFailed Outcome = "failed"
)

// Result is the outcome of one wallet call. Treasury is set when an agent
// credit drew on the business treasury.
type Result struct {
	Outcome  Outcome
	ID       string
	Hold     *ledger.Hold
	Entry    *ledger.Entry
	Balance  *ledger.Balance
	Treasury *ledger.Balance
	Err      error
}

// Succeeded reports whether the operation took effect, now or earlier.
func (r Result) Succeeded() bool {
	return r.Outcome == OutcomeOK || r.Outcome == OutcomeReplayed
}

// Triple returns the (success, id, error) view of the result.
func (r Result) Triple() (bool, string, error) {
	return r.Succeeded(), r.ID, r.Err
}

// HoldManager is the subset of *ledger.Ledger the service uses.
type HoldManager interface {
	Fund(ctx context.Context, req ledger.FundRequest) (*ledger.OpResult, error)
	OpenAccount(ctx context.Context, acct ledger.Account) (*ledger.OpResult, error)
	PlaceHold(ctx context.Context, req ledger.HoldRequest) (*ledger.OpResult, error)
	CaptureHold(ctx context.Context, businessID, holdID string, keys walletkeys.KeyPair) (*ledger.OpResult, error)
	ReleaseHold(ctx context.Context, businessID, holdID string, keys walletkeys.KeyPair) (*ledger.OpResult, error)
	RefundCapture(ctx context.Context, businessID, holdID string, keys walletkeys.KeyPair) (*ledger.OpResult, error)
	GetBalance(ctx context.Context, acct ledger.Account) (*ledger.Balance, error)
	SeedTreasury(ctx context.Context, businessID string, amount decimal.Decimal) (*ledger.OpResult, error)
	TopUpTreasury(ctx context.Context, businessID, topupID string, amount decimal.Decimal) (*ledger.OpResult, error)
	GetTreasury(ctx context.Context, businessID string) (*ledger.Balance, error)
}

// Service wraps a HoldManager.
type Service struct {
	holds  HoldManager
	logger *slog.Logger
}

// NewService creates a wallet service.
func NewService(holds HoldManager) *Service {
	return &Service{holds: holds, logger: slog.Default()}
}

// WithLogger sets the logger used for storage failures.
func (s *Service) WithLogger(logger *slog.Logger) *Service {
	s.logger = logger
	return s
}

// OpenAccount creates the agent's float account with a zero balance.
func (s *Service) OpenAccount(ctx context.Context, businessID, agentID string) Result {
	res, err := s.holds.OpenAccount(ctx, ledger.AccountFor(businessID, agentID))
	return s.result(ctx, "open_account", res, err)
}

// Fund moves amount from the business treasury to the agent's float. A
// treasury that cannot cover it is a rejection.
func (s *Service) Fund(ctx context.Context, businessID, agentID string, amount decimal.Decimal, keys walletkeys.KeyPair) Result {
	res, err := s.holds.Fund(ctx, ledger.FundRequest{
		Account: ledger.AccountFor(businessID, agentID),
		Amount:  amount,
		Keys:    keys,
	})
	return s.result(ctx, "fund", res, err)
}

// PlaceHold reserves amount from the agent's float. The Result ID is the
// hold id.
func (s *Service) PlaceHold(ctx context.Context, businessID, agentID string, amount decimal.Decimal,
	keys walletkeys.KeyPair, purpose string) Result {
	res, err := s.holds.PlaceHold(ctx, ledger.HoldRequest{
		Account: ledger.AccountFor(businessID, agentID),
		Amount:  amount,
		Keys:    keys,
		Purpose: purpose,
	})
	return s.result(ctx, "hold", res, err)
}

// CaptureHold finalizes an open hold.
func (s *Service) CaptureHold(ctx context.Context, businessID, holdID string, keys walletkeys.KeyPair) Result {
	res, err := s.holds.CaptureHold(ctx, businessID, holdID, keys)
	return s.result(ctx, "capture", res, err)
}

// ReleaseHold returns an open hold to the agent.
func (s *Service) ReleaseHold(ctx context.Context, businessID, holdID string, keys walletkeys.KeyPair) Result {
	res, err := s.holds.ReleaseHold(ctx, businessID, holdID, keys)
	return s.result(ctx, "release", res, err)
}

// RefundCapture credits a captured hold back to the agent.
func (s *Service) RefundCapture(ctx context.Context, businessID, holdID string, keys walletkeys.KeyPair) Result {
	res, err := s.holds.RefundCapture(ctx, businessID, holdID, keys)
	return s.result(ctx, "refund", res, err)
}

// Balance returns the agent's current balance.
func (s *Service) Balance(ctx context.Context, businessID, agentID string) (*ledger.Balance, error) {
	return s.holds.GetBalance(ctx, ledger.AccountFor(businessID, agentID))
}

// SeedTreasury sets the business treasury's opening balance. A second seed
// is rejected with ledger.ErrAlreadySeeded.
func (s *Service) SeedTreasury(ctx context.Context, businessID string, amount decimal.Decimal) Result {
	res, err := s.holds.SeedTreasury(ctx, businessID, amount)
	return s.result(ctx, "treasury_seed", res, err)
}

// TopUpTreasury credits the business treasury under topupID.
func (s *Service) TopUpTreasury(ctx context.Context, businessID, topupID string, amount decimal.Decimal) Result {
	res, err := s.holds.TopUpTreasury(ctx, businessID, topupID, amount)
	return s.result(ctx, "treasury_topup", res, err)
}

// Treasury returns the business treasury balance.
func (s *Service) Treasury(ctx context.Context, businessID string) (*ledger.Balance, error) {
	return s.holds.GetTreasury(ctx, businessID)
}

func (s *Service) result(ctx context.Context, op string, res *ledger.OpResult, err error) Result {
	if err != nil {
		if ledger.IsRejection(err) {
			return Result{Outcome: OutcomeRejected, Err: err}
		}
		s.logger.ErrorContext(ctx, "wallet operation failed", "op", op, "error", err)
		return Result{Outcome: OutcomeFailed, Err: err}
	}
	out := Result{
		Outcome:  OutcomeOK,
		ID:       res.ID(),
		Hold:     res.Hold,
		Entry:    res.Entry,
		Balance:  res.Balance,
		Treasury: res.Treasury,
	}
	if res.Replayed {
		out.Outcome = OutcomeReplayed
	}
	return out
}
