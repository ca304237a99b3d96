// Package reconciliation audits one agent float against its own history:
// the stored balance must satisfy the ledger identity, its held amount must
// equal the sum of OPEN holds, and replaying the entries must reproduce it.
// A business treasury is audited against its own credits and the agent
// credits drawn from it.
package reconciliation

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/doseal/agentwallet/internal/ledger"
	"github.com/doseal/agentwallet/internal/money"
)

// Check names used in reports and metrics.
const (
	CheckIdentity  = "identity"
	CheckOpenHolds = "open_holds"
	CheckReplay    = "replay"
)

// listLimit is the most rows one listing returns. An account with more
// entries or open holds than this is reported incomplete.
const listLimit = 500

// Ledger is the read side of the ledger the audit needs.
type Ledger interface {
	GetBalance(ctx context.Context, acct ledger.Account) (*ledger.Balance, error)
	GetTreasury(ctx context.Context, businessID string) (*ledger.Balance, error)
	ListHolds(ctx context.Context, f ledger.HoldFilter) ([]*ledger.Hold, error)
	History(ctx context.Context, f ledger.EntryFilter) ([]*ledger.Entry, error)
}

// Mismatch is one failed check.
type Mismatch struct {
	Check    string `json:"check"`
	Field    string `json:"field,omitempty"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// Report is the outcome of auditing one account.
type Report struct {
	BusinessID string     `json:"businessId"`
	AgentID    string     `json:"agentId,omitempty"`
	Healthy    bool       `json:"healthy"`
	Complete   bool       `json:"complete"`
	Mismatches []Mismatch `json:"mismatches"`
	OpenHolds  int        `json:"openHolds"`
	StaleHolds []string   `json:"staleHolds"`
	CheckedAt  time.Time  `json:"checkedAt"`
	DurationMs int64      `json:"durationMs"`
}

// Service runs account audits.
type Service struct {
	ledger     Ledger
	staleAfter time.Duration
	now        func() time.Time
}

// NewService creates a reconciliation service. OPEN holds older than a day
// are reported stale unless WithStaleAfter says otherwise.
func NewService(l Ledger) *Service {
	return &Service{
		ledger:     l,
		staleAfter: 24 * time.Hour,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WithStaleAfter sets the age past which an OPEN hold is listed as stale.
func (s *Service) WithStaleAfter(d time.Duration) *Service {
	if d > 0 {
		s.staleAfter = d
	}
	return s
}

// Account audits the float of agentID within businessID.
func (s *Service) Account(ctx context.Context, businessID, agentID string) (*Report, error) {
	return s.run(func() (*Report, error) { return s.audit(ctx, businessID, agentID) })
}

// Treasury audits the treasury of businessID: its credits must add up to
// Funded and the agent credits drawn from it to Disbursed.
func (s *Service) Treasury(ctx context.Context, businessID string) (*Report, error) {
	return s.run(func() (*Report, error) { return s.auditTreasury(ctx, businessID) })
}

func (s *Service) run(audit func() (*Report, error)) (*Report, error) {
	start := s.now()
	rep, err := audit()
	runDuration.Observe(s.now().Sub(start).Seconds())
	switch {
	case err != nil:
		runsTotal.WithLabelValues("error").Inc()
		return nil, err
	case rep.Healthy:
		runsTotal.WithLabelValues("healthy").Inc()
	default:
		runsTotal.WithLabelValues("mismatch").Inc()
		for _, m := range rep.Mismatches {
			mismatchesTotal.WithLabelValues(m.Check).Inc()
		}
	}
	rep.DurationMs = s.now().Sub(start).Milliseconds()
	return rep, nil
}

func (s *Service) audit(ctx context.Context, businessID, agentID string) (*Report, error) {
	acct := ledger.AccountFor(businessID, agentID)
	bal, err := s.ledger.GetBalance(ctx, acct)
	if err != nil {
		return nil, fmt.Errorf("reconciliation: balance: %w", err)
	}
	open, err := s.ledger.ListHolds(ctx, ledger.HoldFilter{
		BusinessID: businessID, AgentID: agentID, State: ledger.HoldOpen, Limit: listLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("reconciliation: open holds: %w", err)
	}
	entries, err := s.ledger.History(ctx, ledger.EntryFilter{
		BusinessID: businessID, AgentID: agentID, Limit: listLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("reconciliation: entries: %w", err)
	}

	now := s.now()
	rep := &Report{
		BusinessID: businessID,
		AgentID:    agentID,
		Complete:   len(open) < listLimit && len(entries) < listLimit,
		Mismatches: []Mismatch{},
		OpenHolds:  len(open),
		StaleHolds: []string{},
		CheckedAt:  now,
	}

	rep.Mismatches = append(rep.Mismatches, checkIdentity(bal)...)

	openSum := decimal.Zero
	for _, h := range open {
		openSum = openSum.Add(h.Amount)
		if now.Sub(h.CreatedAt) > s.staleAfter {
			rep.StaleHolds = append(rep.StaleHolds, h.ID)
		}
	}
	if rep.Complete && !openSum.Equal(bal.Held) {
		rep.Mismatches = append(rep.Mismatches, Mismatch{
			Check: CheckOpenHolds, Field: "held",
			Expected: money.Format(openSum), Actual: money.Format(bal.Held),
		})
	}

	if rep.Complete {
		rep.Mismatches = append(rep.Mismatches, compareReplay(replay(entries), bal)...)
	}

	rep.Healthy = len(rep.Mismatches) == 0
	return rep, nil
}

func (s *Service) auditTreasury(ctx context.Context, businessID string) (*Report, error) {
	bal, err := s.ledger.GetTreasury(ctx, businessID)
	if err != nil {
		return nil, fmt.Errorf("reconciliation: treasury: %w", err)
	}
	credits, err := s.ledger.History(ctx, ledger.EntryFilter{
		BusinessID: businessID, Type: ledger.EntryFund, Limit: listLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("reconciliation: entries: %w", err)
	}

	rep := &Report{
		BusinessID: businessID,
		Complete:   len(credits) < listLimit,
		Mismatches: checkIdentity(bal),
		StaleHolds: []string{},
		CheckedAt:  s.now(),
	}
	if rep.Complete {
		var t totals
		for _, e := range credits {
			if e.AgentID == "" {
				t.funded = t.funded.Add(e.Amount)
			} else {
				t.disbursed = t.disbursed.Add(e.Amount)
			}
		}
		t.available = t.funded.Sub(t.disbursed)
		rep.Mismatches = append(rep.Mismatches, compareReplay(t, bal)...)
	}
	rep.Healthy = len(rep.Mismatches) == 0
	return rep, nil
}

func checkIdentity(bal *ledger.Balance) []Mismatch {
	lhs := bal.Available.Add(bal.Held)
	rhs := bal.Funded.Sub(bal.Captured).Add(bal.Refunded).Sub(bal.Disbursed)
	if lhs.Equal(rhs) {
		return []Mismatch{}
	}
	return []Mismatch{{
		Check: CheckIdentity, Field: "available+held",
		Expected: money.Format(rhs), Actual: money.Format(lhs),
	}}
}

type totals struct {
	available, held, funded, captured, refunded, disbursed decimal.Decimal
}

// replay folds entries, in any order, into balance totals.
func replay(entries []*ledger.Entry) totals {
	var t totals
	for _, e := range entries {
		switch e.Type {
		case ledger.EntryFund:
			t.available = t.available.Add(e.Amount)
			t.funded = t.funded.Add(e.Amount)
		case ledger.EntryHold:
			t.available = t.available.Sub(e.Amount)
			t.held = t.held.Add(e.Amount)
		case ledger.EntryCapture:
			t.held = t.held.Sub(e.Amount)
			t.captured = t.captured.Add(e.Amount)
		case ledger.EntryRelease:
			t.held = t.held.Sub(e.Amount)
			t.available = t.available.Add(e.Amount)
		case ledger.EntryRefund:
			t.available = t.available.Add(e.Amount)
			t.refunded = t.refunded.Add(e.Amount)
		}
	}
	return t
}

func compareReplay(t totals, b *ledger.Balance) []Mismatch {
	var out []Mismatch
	for _, f := range []struct {
		name         string
		want, stored decimal.Decimal
	}{
		{"available", t.available, b.Available},
		{"held", t.held, b.Held},
		{"funded", t.funded, b.Funded},
		{"captured", t.captured, b.Captured},
		{"refunded", t.refunded, b.Refunded},
		{"disbursed", t.disbursed, b.Disbursed},
	} {
		if !f.want.Equal(f.stored) {
			out = append(out, Mismatch{
				Check: CheckReplay, Field: f.name,
				Expected: money.Format(f.want), Actual: money.Format(f.stored),
			})
		}
	}
	return out
}
