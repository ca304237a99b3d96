package wallet

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doseal/agentwallet/internal/ledger"
	"github.com/doseal/agentwallet/internal/money"
	"github.com/doseal/agentwallet/internal/walletkeys"
)

func newTestService() (*Service, *ledger.Ledger) {
	l := ledger.New(ledger.NewMemoryStore())
	return NewService(l).WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))), l
}

func TestService_Treasury(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()

	short := svc.Fund(ctx, "biz", "ag", money.MustParse("1"), walletkeys.ForFunding("biz", "ag", "fr-0", "1"))
	assert.Equal(t, OutcomeRejected, short.Outcome)
	assert.ErrorIs(t, short.Err, ledger.ErrTreasuryShortfall)

	seed := svc.SeedTreasury(ctx, "biz", money.MustParse("100"))
	require.Equal(t, OutcomeOK, seed.Outcome, seed.Err)
	reseed := svc.SeedTreasury(ctx, "biz", money.MustParse("100"))
	assert.Equal(t, OutcomeRejected, reseed.Outcome)
	assert.ErrorIs(t, reseed.Err, ledger.ErrAlreadySeeded)

	top := svc.TopUpTreasury(ctx, "biz", "tp-1", money.MustParse("20"))
	require.Equal(t, OutcomeOK, top.Outcome, top.Err)
	assert.Equal(t, "120.00", money.Format(top.Balance.Available))

	fund := svc.Fund(ctx, "biz", "ag", money.MustParse("70"), walletkeys.ForFunding("biz", "ag", "fr-1", "70"))
	require.Equal(t, OutcomeOK, fund.Outcome, fund.Err)
	require.NotNil(t, fund.Treasury)
	assert.Equal(t, "50.00", money.Format(fund.Treasury.Available))
	assert.Equal(t, "70.00", money.Format(fund.Balance.Available))

	tr, err := svc.Treasury(ctx, "biz")
	require.NoError(t, err)
	assert.Equal(t, "70.00", money.Format(tr.Disbursed))
}

func TestService_HoldLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()
	require.True(t, svc.SeedTreasury(ctx, "biz", money.MustParse("1000")).Succeeded())

	fund := svc.Fund(ctx, "biz", "ag", money.MustParse("500"), walletkeys.ForFunding("biz", "ag", "fr-1", "500"))
	require.Equal(t, OutcomeOK, fund.Outcome, fund.Err)
	assert.NotEmpty(t, fund.ID)

	hold := svc.PlaceHold(ctx, "biz", "ag", money.MustParse("120"), walletkeys.ForHold("biz", "ag", "DR_1", "120"), "payout")
	ok, id, err := hold.Triple()
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, hold.Hold.ID, id)
	assert.Equal(t, "payout", hold.Hold.Purpose)

	again := svc.PlaceHold(ctx, "biz", "ag", money.MustParse("120"), walletkeys.ForHold("biz", "ag", "DR_1", "120"), "payout")
	assert.Equal(t, OutcomeReplayed, again.Outcome)
	assert.Equal(t, id, again.ID)
	ok, _, _ = again.Triple()
	assert.True(t, ok, "replay counts as success")

	capture := svc.CaptureHold(ctx, "biz", id, walletkeys.ForCapture("biz", id))
	assert.Equal(t, OutcomeOK, capture.Outcome)

	bal, err := svc.Balance(ctx, "biz", "ag")
	require.NoError(t, err)
	assert.Equal(t, "380.00", money.Format(bal.Available))
	assert.Equal(t, "120.00", money.Format(bal.Captured))

	refund := svc.RefundCapture(ctx, "biz", id, walletkeys.ForRefund("biz", id, ""))
	assert.Equal(t, OutcomeOK, refund.Outcome)
	assert.Equal(t, ledger.HoldRefunded, refund.Hold.State)
}

func TestService_Rejections(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()

	res := svc.PlaceHold(ctx, "biz", "ag", money.MustParse("1"), walletkeys.ForHold("biz", "ag", "DR_1", "1"), "")
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.ErrorIs(t, res.Err, ledger.ErrInsufficientFunds)
	ok, id, err := res.Triple()
	assert.False(t, ok)
	assert.Empty(t, id)
	assert.Error(t, err)

	rel := svc.ReleaseHold(ctx, "biz", "hold-nope", walletkeys.ForRelease("biz", "hold-nope"))
	assert.Equal(t, OutcomeRejected, rel.Outcome)
	assert.ErrorIs(t, rel.Err, ledger.ErrHoldNotFound)
}

func TestService_OpenAccount(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()

	first := svc.OpenAccount(ctx, "biz", "ag")
	assert.Equal(t, OutcomeOK, first.Outcome)
	second := svc.OpenAccount(ctx, "biz", "ag")
	assert.Equal(t, OutcomeReplayed, second.Outcome)
	assert.Equal(t, first.ID, second.ID)
}

type failingHolds struct {
	HoldManager
	err error
}

func (f failingHolds) PlaceHold(context.Context, ledger.HoldRequest) (*ledger.OpResult, error) {
	return nil, f.err
}

func TestService_StorageFailure(t *testing.T) {
	boom := errors.New("connection reset")
	svc := NewService(failingHolds{err: boom}).WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))

	res := svc.PlaceHold(context.Background(), "biz", "ag", money.MustParse("1"), walletkeys.KeyPair{Idem: "k"}, "")
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, boom)
	assert.False(t, res.Succeeded())
}
