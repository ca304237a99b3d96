package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// txn is the set of reads and writes one posting needs. Both stores run the
// same post algorithm; they differ only in how these steps are made atomic.
type txn interface {
	entryByKey(ctx context.Context, key string) (*Entry, error)
	hold(ctx context.Context, businessID, holdID string) (*Hold, error)
	// lockBalance returns the balance row for acct, creating a zero row if
	// needed, and holds it exclusively until the txn ends.
	lockBalance(ctx context.Context, acct Account, at time.Time) (*Balance, error)
	insertHold(ctx context.Context, h *Hold) error
	// casHold moves a hold from one state to another and reports whether the
	// hold was still in the expected state.
	casHold(ctx context.Context, businessID, holdID string, t Transition, at time.Time) (bool, error)
	saveBalance(ctx context.Context, b *Balance) error
	insertEntry(ctx context.Context, e *Entry) error
}

func validatePosting(p *Posting) error {
	if p == nil || p.Entry == nil {
		return fmt.Errorf("%w: empty posting", ErrInvalidRequest)
	}
	e := p.Entry
	if e.IdempotencyKey == "" {
		return fmt.Errorf("%w: idempotency key required", ErrInvalidRequest)
	}
	if e.BusinessID == "" {
		return fmt.Errorf("%w: business id required", ErrInvalidRequest)
	}
	if p.Source != nil && e.Type != EntryFund {
		return fmt.Errorf("%w: only FUND postings draw from a source", ErrInvalidRequest)
	}
	switch e.Type {
	case EntryFund:
		if e.AccountID == "" || p.NewHold != nil || p.Transition != nil {
			return fmt.Errorf("%w: malformed FUND posting", ErrInvalidRequest)
		}
		if e.Amount.Sign() < 0 {
			return ErrInvalidAmount
		}
		if err := validateSource(p); err != nil {
			return err
		}
	case EntryHold:
		if p.NewHold == nil || p.Transition != nil || e.AccountID == "" {
			return fmt.Errorf("%w: malformed HOLD posting", ErrInvalidRequest)
		}
		if e.Amount.Sign() <= 0 || !e.Amount.Equal(p.NewHold.Amount) {
			return ErrInvalidAmount
		}
	case EntryCapture, EntryRelease, EntryRefund:
		if p.Transition == nil || p.NewHold != nil || e.HoldID == "" {
			return fmt.Errorf("%w: malformed %s posting", ErrInvalidRequest, e.Type)
		}
		if !p.Transition.From.CanTransition(p.Transition.To) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidHoldState, p.Transition.From, p.Transition.To)
		}
	default:
		return fmt.Errorf("%w: unknown entry type %q", ErrInvalidRequest, e.Type)
	}
	return nil
}

// validateSource checks a FUND's source: agent credits are drawn from their
// own business's treasury, treasury credits and zero-amount opens from none.
func validateSource(p *Posting) error {
	e := p.Entry
	treasury := e.AgentID == ""
	switch {
	case treasury && p.Source != nil:
		return fmt.Errorf("%w: treasury credit cannot have a source", ErrInvalidRequest)
	case treasury, e.Amount.IsZero():
		return nil
	case p.Source == nil:
		return fmt.Errorf("%w: agent credit requires a treasury source", ErrInvalidRequest)
	case p.Source.Type() != AccountTreasury || p.Source.BusinessID != e.BusinessID || p.Source.ID == e.AccountID:
		return fmt.Errorf("%w: source %s is not the business treasury", ErrInvalidRequest, p.Source.ID)
	}
	return nil
}

// post runs one posting inside tx. The idempotency key is checked after the
// balance rows are locked, so every operation on the same account sees the
// keys committed before it. A source treasury is always locked before the
// agent float.
func post(ctx context.Context, tx txn, p *Posting, now time.Time) (*AppendResult, error) {
	e := p.Entry

	var h *Hold
	if p.Transition != nil {
		var err error
		h, err = tx.hold(ctx, e.BusinessID, e.HoldID)
		if err != nil {
			return nil, err
		}
		e.AccountID = h.AccountID
		e.AgentID = h.AgentID
		e.Amount = h.Amount
	}

	var src *Balance
	if p.Source != nil {
		var err error
		if src, err = tx.lockBalance(ctx, *p.Source, now); err != nil {
			return nil, err
		}
	}

	acct := Account{ID: e.AccountID, BusinessID: e.BusinessID, AgentID: e.AgentID}
	bal, err := tx.lockBalance(ctx, acct, now)
	if err != nil {
		return nil, err
	}

	prior, err := tx.entryByKey(ctx, e.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		res, err := replay(ctx, tx, p, prior, bal)
		if res != nil {
			res.Source = src
		}
		return res, err
	}

	if src != nil {
		if err := disburse(src, e.Amount); err != nil {
			return nil, err
		}
		src.UpdatedAt = now
	}

	if p.Transition != nil {
		if h.State != p.Transition.From {
			return nil, fmt.Errorf("%w: hold %s is %s, want %s", ErrInvalidHoldState, h.ID, h.State, p.Transition.From)
		}
		ok, err := tx.casHold(ctx, e.BusinessID, h.ID, *p.Transition, now)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: hold %s changed concurrently", ErrInvalidHoldState, h.ID)
		}
		h.State = p.Transition.To
		h.UpdatedAt = now
	}

	if err := applyEffect(bal, e.Type, e.Amount); err != nil {
		return nil, err
	}
	bal.UpdatedAt = now

	if p.NewHold != nil {
		h = p.NewHold
		h.State = HoldOpen
		h.CreatedAt = now
		h.UpdatedAt = now
		e.HoldID = h.ID
		if err := tx.insertHold(ctx, h); err != nil {
			return nil, err
		}
	}
	if src != nil {
		if err := tx.saveBalance(ctx, src); err != nil {
			return nil, err
		}
	}
	if err := tx.saveBalance(ctx, bal); err != nil {
		return nil, err
	}
	e.CreatedAt = now
	if err := tx.insertEntry(ctx, e); err != nil {
		return nil, err
	}

	return &AppendResult{Entry: e, Hold: h, Balance: bal, Source: src}, nil
}

// replay resolves a posting whose key was already recorded. The prior entry must
// describe the same operation; otherwise the key was reused.
func replay(ctx context.Context, tx txn, p *Posting, prior *Entry, bal *Balance) (*AppendResult, error) {
	if err := sameOperation(p, prior); err != nil {
		return nil, err
	}
	res := &AppendResult{Entry: prior, Balance: bal, Replayed: true}
	if prior.HoldID != "" {
		h, err := tx.hold(ctx, prior.BusinessID, prior.HoldID)
		if err != nil {
			return nil, err
		}
		res.Hold = h
	}
	return res, nil
}

func sameOperation(p *Posting, prior *Entry) error {
	e := p.Entry
	mismatch := prior.Type != e.Type ||
		prior.BusinessID != e.BusinessID ||
		prior.AccountID != e.AccountID
	if p.Transition != nil {
		mismatch = mismatch || prior.HoldID != e.HoldID
	} else {
		mismatch = mismatch || !prior.Amount.Equal(e.Amount)
	}
	if mismatch {
		return fmt.Errorf("%w: %s", ErrKeyConflict, e.IdempotencyKey)
	}
	return nil
}

var errBalanceInvariant = errors.New("ledger: balance invariant violated")

// disburse moves a out of a treasury: available -= a, disbursed += a.
func disburse(b *Balance, a decimal.Decimal) error {
	if b.Available.LessThan(a) {
		return fmt.Errorf("%w: available %s, requested %s",
			ErrTreasuryShortfall, b.Available.StringFixed(2), a.StringFixed(2))
	}
	b.Available = b.Available.Sub(a)
	b.Disbursed = b.Disbursed.Add(a)
	return nil
}

// applyEffect folds an entry into a balance.
//
//	FUND     available += a, funded += a
//	HOLD     available -= a, held += a
//	CAPTURE  held -= a, captured += a
//	RELEASE  held -= a, available += a
//	REFUND   available += a, refunded += a
func applyEffect(b *Balance, t EntryType, a decimal.Decimal) error {
	switch t {
	case EntryFund:
		b.Available = b.Available.Add(a)
		b.Funded = b.Funded.Add(a)
	case EntryHold:
		if b.Available.LessThan(a) {
			return fmt.Errorf("%w: available %s, requested %s",
				ErrInsufficientFunds, b.Available.StringFixed(2), a.StringFixed(2))
		}
		b.Available = b.Available.Sub(a)
		b.Held = b.Held.Add(a)
	case EntryCapture:
		if b.Held.LessThan(a) {
			return errBalanceInvariant
		}
		b.Held = b.Held.Sub(a)
		b.Captured = b.Captured.Add(a)
	case EntryRelease:
		if b.Held.LessThan(a) {
			return errBalanceInvariant
		}
		b.Held = b.Held.Sub(a)
		b.Available = b.Available.Add(a)
	case EntryRefund:
		b.Available = b.Available.Add(a)
		b.Refunded = b.Refunded.Add(a)
	default:
		return fmt.Errorf("%w: unknown entry type %q", ErrInvalidRequest, t)
	}
	return nil
}
