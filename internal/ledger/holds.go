package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/doseal/agentwallet/internal/idgen"
	"github.com/doseal/agentwallet/internal/money"
	"github.com/doseal/agentwallet/internal/traces"
	"github.com/doseal/agentwallet/internal/walletkeys"
)

// HoldIDPrefix prefixes generated hold ids.
const HoldIDPrefix = "hold-"

// Ledger is the hold manager. It is the only writer of ledger entries.
type Ledger struct {
	store  Store
	logger *slog.Logger
}

// New creates a new ledger over store.
func New(store Store) *Ledger {
	return &Ledger{store: store, logger: slog.Default()}
}

// WithLogger sets the logger used for state violations.
func (l *Ledger) WithLogger(logger *slog.Logger) *Ledger {
	l.logger = logger
	return l
}

// Store returns the underlying store.
func (l *Ledger) Store() Store {
	return l.store
}

// OpResult is the outcome of one ledger operation. Replayed is set when the
// idempotency key had already been recorded; Entry is then the original entry.
// Treasury is the business treasury after an agent credit drew on it.
type OpResult struct {
	Hold     *Hold    `json:"hold,omitempty"`
	Entry    *Entry   `json:"entry"`
	Balance  *Balance `json:"balance,omitempty"`
	Treasury *Balance `json:"treasury,omitempty"`
	Replayed bool     `json:"replayed"`
}

// ID is the identifier callers track: the hold id for hold operations, the
// entry id for funding.
func (r *OpResult) ID() string {
	if r.Hold != nil {
		return r.Hold.ID
	}
	if r.Entry != nil {
		return r.Entry.ID
	}
	return ""
}

// HoldRequest places a hold.
type HoldRequest struct {
	Account Account
	Amount  decimal.Decimal
	Keys    walletkeys.KeyPair
	Purpose string
}

// FundRequest credits an agent float from its business treasury.
type FundRequest struct {
	Account Account
	Amount  decimal.Decimal
	Keys    walletkeys.KeyPair
}

func validateAccount(acct Account) error {
	if acct.BusinessID == "" || acct.AgentID == "" || acct.ID == "" {
		return fmt.Errorf("%w: business and agent required", ErrInvalidRequest)
	}
	return nil
}

// Fund moves amount from the business treasury to the agent's available
// balance. It fails with ErrTreasuryShortfall when the treasury cannot cover
// it; nothing is written in that case.
func (l *Ledger) Fund(ctx context.Context, req FundRequest) (res *OpResult, err error) {
	done := observeOp("fund")
	defer func() { done(res, err) }()

	ctx, span := traces.StartSpan(ctx, "ledger.Fund",
		traces.BusinessID(req.Account.BusinessID), traces.AgentID(req.Account.AgentID),
		traces.Amount(money.Format(req.Amount)), traces.IdempotencyKey(req.Keys.Idem))
	defer span.End()

	if err := validateAccount(req.Account); err != nil {
		return nil, err
	}
	amount := money.Quantize(req.Amount)
	if !money.Positive(amount) {
		return nil, ErrInvalidAmount
	}
	src := TreasuryFor(req.Account.BusinessID)
	res, err = l.append(ctx, &Posting{
		Entry:  l.newEntry(req.Account, EntryFund, amount, req.Keys),
		Source: &src,
	})
	if errors.Is(err, ErrTreasuryShortfall) {
		l.logger.WarnContext(ctx, "treasury cannot cover agent credit",
			"businessId", req.Account.BusinessID, "agentId", req.Account.AgentID,
			"amount", money.Format(amount), "error", err)
	}
	traces.RecordError(span, err)
	return res, err
}

// SeedTreasury records the opening balance of a business treasury. It
// succeeds once per business; every later call, whatever the amount, fails
// with ErrAlreadySeeded.
func (l *Ledger) SeedTreasury(ctx context.Context, businessID string, amount decimal.Decimal) (res *OpResult, err error) {
	done := observeOp("treasury_seed")
	defer func() { done(res, err) }()

	ctx, span := traces.StartSpan(ctx, "ledger.SeedTreasury",
		traces.BusinessID(businessID), traces.Amount(money.Format(amount)))
	defer span.End()

	keys := walletkeys.ForTreasurySeed(businessID)
	res, err = l.creditTreasury(ctx, businessID, amount, keys)
	switch {
	case errors.Is(err, ErrKeyConflict), err == nil && res.Replayed:
		res, err = nil, fmt.Errorf("%w: %s", ErrAlreadySeeded, businessID)
	}
	traces.RecordError(span, err)
	return res, err
}

// TopUpTreasury credits a business treasury. topupID identifies the top-up;
// repeating it replays the first credit.
func (l *Ledger) TopUpTreasury(ctx context.Context, businessID, topupID string, amount decimal.Decimal) (res *OpResult, err error) {
	done := observeOp("treasury_topup")
	defer func() { done(res, err) }()

	ctx, span := traces.StartSpan(ctx, "ledger.TopUpTreasury",
		traces.BusinessID(businessID), traces.Amount(money.Format(amount)))
	defer span.End()

	if topupID == "" {
		return nil, fmt.Errorf("%w: top-up id required", ErrInvalidRequest)
	}
	res, err = l.creditTreasury(ctx, businessID, amount, walletkeys.ForTreasuryTopup(businessID, topupID))
	traces.RecordError(span, err)
	return res, err
}

func (l *Ledger) creditTreasury(ctx context.Context, businessID string, amount decimal.Decimal, keys walletkeys.KeyPair) (*OpResult, error) {
	if businessID == "" {
		return nil, fmt.Errorf("%w: business required", ErrInvalidRequest)
	}
	amount = money.Quantize(amount)
	if !money.Positive(amount) {
		return nil, ErrInvalidAmount
	}
	return l.append(ctx, &Posting{Entry: l.newEntry(TreasuryFor(businessID), EntryFund, amount, keys)})
}

// OpenAccount materializes an agent's balance row with a zero-amount FUND
// entry. Safe to call repeatedly.
func (l *Ledger) OpenAccount(ctx context.Context, acct Account) (res *OpResult, err error) {
	done := observeOp("open_account")
	defer func() { done(res, err) }()

	if err := validateAccount(acct); err != nil {
		return nil, err
	}
	keys := walletkeys.ForAccountInit(acct.BusinessID, acct.AgentID)
	return l.append(ctx, &Posting{Entry: l.newEntry(acct, EntryFund, decimal.Zero, keys)})
}

// PlaceHold reserves amount from the agent's available balance.
func (l *Ledger) PlaceHold(ctx context.Context, req HoldRequest) (res *OpResult, err error) {
	done := observeOp("hold")
	defer func() { done(res, err) }()

	ctx, span := traces.StartSpan(ctx, "ledger.PlaceHold",
		traces.BusinessID(req.Account.BusinessID), traces.AgentID(req.Account.AgentID),
		traces.Amount(money.Format(req.Amount)), traces.IdempotencyKey(req.Keys.Idem))
	defer span.End()

	if err := validateAccount(req.Account); err != nil {
		return nil, err
	}
	amount := money.Quantize(req.Amount)
	if !money.Positive(amount) {
		return nil, ErrInvalidAmount
	}

	h := &Hold{
		ID:             idgen.WithPrefix(HoldIDPrefix),
		BusinessID:     req.Account.BusinessID,
		AgentID:        req.Account.AgentID,
		AccountID:      req.Account.ID,
		Amount:         amount,
		IdempotencyKey: req.Keys.Idem,
		Reference:      req.Keys.Ref,
		Purpose:        req.Purpose,
	}
	res, err = l.append(ctx, &Posting{
		Entry:   l.newEntry(req.Account, EntryHold, amount, req.Keys),
		NewHold: h,
	})
	traces.RecordError(span, err)
	return res, err
}

// CaptureHold finalizes an OPEN hold as spent.
func (l *Ledger) CaptureHold(ctx context.Context, businessID, holdID string, keys walletkeys.KeyPair) (*OpResult, error) {
	return l.transition(ctx, "capture", businessID, holdID, keys, EntryCapture, Transition{HoldOpen, HoldCaptured}, true)
}

// ReleaseHold returns an OPEN hold's funds to available.
func (l *Ledger) ReleaseHold(ctx context.Context, businessID, holdID string, keys walletkeys.KeyPair) (*OpResult, error) {
	return l.transition(ctx, "release", businessID, holdID, keys, EntryRelease, Transition{HoldOpen, HoldReleased}, true)
}

// RefundCapture reverses a CAPTURED hold, crediting its amount back.
func (l *Ledger) RefundCapture(ctx context.Context, businessID, holdID string, keys walletkeys.KeyPair) (*OpResult, error) {
	return l.transition(ctx, "refund", businessID, holdID, keys, EntryRefund, Transition{HoldCaptured, HoldRefunded}, true)
}

// ExpireHold releases an OPEN hold under its expiry key. A hold that was
// resolved in the meantime yields ErrInvalidHoldState without the error log.
func (l *Ledger) ExpireHold(ctx context.Context, businessID, holdID string) (*OpResult, error) {
	keys := walletkeys.ForExpiry(businessID, holdID)
	return l.transition(ctx, "expire", businessID, holdID, keys, EntryRelease, Transition{HoldOpen, HoldReleased}, false)
}

func (l *Ledger) transition(ctx context.Context, op, businessID, holdID string, keys walletkeys.KeyPair,
	typ EntryType, tr Transition, loud bool) (res *OpResult, err error) {
	done := observeOp(op)
	defer func() { done(res, err) }()

	ctx, span := traces.StartSpan(ctx, "ledger."+op,
		traces.BusinessID(businessID), traces.HoldID(holdID), traces.IdempotencyKey(keys.Idem))
	defer span.End()

	if businessID == "" || holdID == "" {
		return nil, fmt.Errorf("%w: business and hold required", ErrInvalidRequest)
	}

	e := &Entry{
		ID:             uuid.NewString(),
		BusinessID:     businessID,
		HoldID:         holdID,
		Type:           typ,
		IdempotencyKey: keys.Idem,
		Reference:      keys.Ref,
	}
	res, err = l.append(ctx, &Posting{Entry: e, Transition: &tr})
	if err != nil && loud && errors.Is(err, ErrInvalidHoldState) {
		l.logger.ErrorContext(ctx, "rejected hold transition",
			"op", op, "businessId", businessID, "holdId", holdID,
			"idempotencyKey", keys.Idem, "error", err)
	}
	traces.RecordError(span, err)
	return res, err
}

func (l *Ledger) append(ctx context.Context, p *Posting) (*OpResult, error) {
	if p.Entry.IdempotencyKey == "" {
		return nil, fmt.Errorf("%w: idempotency key required", ErrInvalidRequest)
	}
	r, err := l.store.Append(ctx, p)
	if err != nil {
		return nil, err
	}
	if r.Replayed {
		l.logger.DebugContext(ctx, "idempotent replay",
			"type", r.Entry.Type, "idempotencyKey", r.Entry.IdempotencyKey, "entryId", r.Entry.ID)
	}
	return &OpResult{Hold: r.Hold, Entry: r.Entry, Balance: r.Balance, Treasury: r.Source, Replayed: r.Replayed}, nil
}

func (l *Ledger) newEntry(acct Account, typ EntryType, amount decimal.Decimal, keys walletkeys.KeyPair) *Entry {
	return &Entry{
		ID:             uuid.NewString(),
		BusinessID:     acct.BusinessID,
		AgentID:        acct.AgentID,
		AccountID:      acct.ID,
		Type:           typ,
		Amount:         amount,
		IdempotencyKey: keys.Idem,
		Reference:      keys.Ref,
	}
}

// GetBalance returns the agent's balance, zero if never funded.
func (l *Ledger) GetBalance(ctx context.Context, acct Account) (*Balance, error) {
	if err := validateAccount(acct); err != nil {
		return nil, err
	}
	return l.store.GetBalance(ctx, acct)
}

// GetTreasury returns the business treasury, zero if never seeded.
func (l *Ledger) GetTreasury(ctx context.Context, businessID string) (*Balance, error) {
	if businessID == "" {
		return nil, fmt.Errorf("%w: business required", ErrInvalidRequest)
	}
	return l.store.GetBalance(ctx, TreasuryFor(businessID))
}

// ListAccounts returns the balances of a business ordered by account id.
func (l *Ledger) ListAccounts(ctx context.Context, f AccountFilter) ([]*Balance, error) {
	if f.BusinessID == "" {
		return nil, fmt.Errorf("%w: business required", ErrInvalidRequest)
	}
	switch f.Type {
	case "", AccountAgent, AccountTreasury:
	default:
		return nil, fmt.Errorf("%w: unknown account type %q", ErrInvalidRequest, f.Type)
	}
	return l.store.ListBalances(ctx, f)
}

// GetHold returns a hold scoped to businessID.
func (l *Ledger) GetHold(ctx context.Context, businessID, holdID string) (*Hold, error) {
	return l.store.GetHold(ctx, businessID, holdID)
}

// ListHolds returns holds for a business, newest first.
func (l *Ledger) ListHolds(ctx context.Context, f HoldFilter) ([]*Hold, error) {
	if err := validateRange(f.BusinessID, f.From, f.To); err != nil {
		return nil, err
	}
	return l.store.ListHolds(ctx, f)
}

// History returns ledger entries for a business, newest first.
func (l *Ledger) History(ctx context.Context, f EntryFilter) ([]*Entry, error) {
	if err := validateRange(f.BusinessID, f.From, f.To); err != nil {
		return nil, err
	}
	return l.store.ListEntries(ctx, f)
}

func validateRange(businessID string, from, to time.Time) error {
	if businessID == "" {
		return fmt.Errorf("%w: business required", ErrInvalidRequest)
	}
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		return fmt.Errorf("%w: from must be before to", ErrInvalidRequest)
	}
	return nil
}

// IsRejection reports whether err is a logical rejection rather than a
// storage failure.
func IsRejection(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrHoldNotFound) ||
		errors.Is(err, ErrInvalidHoldState) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrKeyConflict) ||
		errors.Is(err, ErrAlreadySeeded) ||
		errors.Is(err, ErrInvalidRequest)
}

