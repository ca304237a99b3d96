package funding

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doseal/agentwallet/internal/ledger"
	"github.com/doseal/agentwallet/internal/money"
	"github.com/doseal/agentwallet/internal/testutil"
	"github.com/doseal/agentwallet/internal/wallet"
	"github.com/doseal/agentwallet/internal/walletkeys"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// lossyWallet applies the credit but reports failure for the first n calls,
// like a response lost after commit.
type lossyWallet struct {
	Wallet
	lose int
}

func (w *lossyWallet) Fund(ctx context.Context, biz, agent string, amount decimal.Decimal, keys walletkeys.KeyPair) wallet.Result {
	res := w.Wallet.Fund(ctx, biz, agent, amount, keys)
	if w.lose > 0 {
		w.lose--
		return wallet.Result{Outcome: wallet.OutcomeFailed, Err: errors.New("connection reset")}
	}
	return res
}

func stores(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": NewSQLStore(testutil.SQLiteTest(t)),
	}
}

// treasuryFloat is the opening balance of the "biz" treasury in every harness.
const treasuryFloat = "10000"

func newHarness(store Store) (*Service, *wallet.Service) {
	w := wallet.NewService(ledger.New(ledger.NewMemoryStore())).WithLogger(discard)
	if res := w.SeedTreasury(context.Background(), "biz", money.MustParse(treasuryFloat)); !res.Succeeded() {
		panic(res.Err)
	}
	return NewService(store, w).WithLogger(discard), w
}

func available(t *testing.T, w *wallet.Service, biz, agent string) string {
	t.Helper()
	bal, err := w.Balance(context.Background(), biz, agent)
	require.NoError(t, err)
	return money.Format(bal.Available)
}

func TestService_StartCompletes(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			svc, w := newHarness(store)

			r, err := svc.Start(ctx, StartInput{
				BusinessID: "biz", AgentID: "ag", Amount: money.MustParse("250"),
				CreatedBy: "admin@biz", Note: "opening float",
			})
			require.NoError(t, err)
			assert.Equal(t, StatusCompleted, r.Status)
			assert.Equal(t, 1, r.Attempts)
			assert.NotEmpty(t, r.EntryID)
			assert.Contains(t, r.ID, IDPrefix)
			assert.Equal(t, walletkeys.ForFunding("biz", "ag", r.ID, "250.00").Idem, r.IdempotencyKey)
			assert.Equal(t, "250.00", available(t, w, "biz", "ag"))

			stored, err := svc.Get(ctx, "biz", r.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusCompleted, stored.Status)
			assert.Equal(t, "250.00", money.Format(stored.Amount))
			assert.Equal(t, "opening float", stored.Note)

			again, err := svc.Execute(ctx, "biz", r.ID)
			require.NoError(t, err)
			assert.Equal(t, 1, again.Attempts, "completed requests are not re-run")
			assert.Equal(t, "250.00", available(t, w, "biz", "ag"))
		})
	}
}

func TestService_ExecuteAfterLostResponse(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, w := newHarness(store)
			svc := NewService(store, &lossyWallet{Wallet: w, lose: 1}).WithLogger(discard)

			r, err := svc.Start(ctx, StartInput{BusinessID: "biz", AgentID: "ag", Amount: money.MustParse("100")})
			require.ErrorIs(t, err, ErrFundingFailed)
			require.NotNil(t, r)
			assert.Equal(t, StatusFailed, r.Status)
			assert.Equal(t, "connection reset", r.LastError)

			done, err := svc.Execute(ctx, "biz", r.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusCompleted, done.Status)
			assert.Equal(t, 2, done.Attempts)
			assert.Empty(t, done.LastError)

			// The first attempt had already credited; the retry replayed it.
			assert.Equal(t, "100.00", available(t, w, "biz", "ag"))
		})
	}
}

func TestService_TreasuryShortfallFailsThenRetries(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			svc, w := newHarness(store)

			r, err := svc.Start(ctx, StartInput{BusinessID: "biz", AgentID: "ag", Amount: money.MustParse("10000.01")})
			require.ErrorIs(t, err, ErrFundingFailed)
			assert.ErrorIs(t, err, ledger.ErrTreasuryShortfall)
			require.NotNil(t, r)
			assert.Equal(t, StatusFailed, r.Status)
			assert.Contains(t, r.LastError, "insufficient funds")
			assert.Equal(t, "0.00", available(t, w, "biz", "ag"))

			top := w.TopUpTreasury(ctx, "biz", "tp-1", money.MustParse("1"))
			require.True(t, top.Succeeded(), top.Err)

			done, err := svc.Execute(ctx, "biz", r.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusCompleted, done.Status)
			assert.Equal(t, "10000.01", available(t, w, "biz", "ag"))

			tr, err := w.Treasury(ctx, "biz")
			require.NoError(t, err)
			assert.Equal(t, "0.99", money.Format(tr.Available))
		})
	}
}

func TestService_Validation(t *testing.T) {
	svc, _ := newHarness(NewMemoryStore())
	ctx := context.Background()

	_, err := svc.Start(ctx, StartInput{BusinessID: "biz", AgentID: "ag", Amount: decimal.Zero})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = svc.Start(ctx, StartInput{BusinessID: "", AgentID: "ag", Amount: money.MustParse("1")})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = svc.Execute(ctx, "biz", "fr-missing")
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

func TestStore_TenantScoping(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			svc, _ := newHarness(store)
			r, err := svc.Start(ctx, StartInput{BusinessID: "biz", AgentID: "ag", Amount: money.MustParse("5")})
			require.NoError(t, err)

			_, err = svc.Get(ctx, "other", r.ID)
			assert.ErrorIs(t, err, ErrRequestNotFound)
			_, err = svc.Execute(ctx, "other", r.ID)
			assert.ErrorIs(t, err, ErrRequestNotFound)
		})
	}
}

func TestStore_List(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			svc, _ := newHarness(store)
			for _, ag := range []string{"a1", "a1", "a2"} {
				_, err := svc.Start(ctx, StartInput{BusinessID: "biz", AgentID: ag, Amount: money.MustParse("1")})
				require.NoError(t, err)
			}

			all, err := svc.List(ctx, "biz", "", 0)
			require.NoError(t, err)
			assert.Len(t, all, 3)

			a1, err := svc.List(ctx, "biz", "a1", 1)
			require.NoError(t, err)
			assert.Len(t, a1, 1)

			none, err := svc.List(ctx, "other", "", 10)
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}
