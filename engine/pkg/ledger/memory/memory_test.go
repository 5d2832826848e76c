package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/malbeclabs/walletfanout/engine/pkg/ledger"
	"github.com/malbeclabs/walletfanout/engine/pkg/ledger/ledgertest"
	fanouttesting "github.com/malbeclabs/walletfanout/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) ledger.Ledger {
	l, err := New(Config{Logger: fanouttesting.NewLogger()})
	require.NoError(t, err)
	return l
}

func TestMemory_New(t *testing.T) {
	t.Parallel()

	t.Run("missing logger", func(t *testing.T) {
		t.Parallel()
		l, err := New(Config{})
		require.Error(t, err)
		require.Nil(t, l)
		require.Contains(t, err.Error(), "logger is required")
	})
}

func TestMemory_Conformance(t *testing.T) {
	t.Parallel()
	ledgertest.Run(t, newTestLedger)
}

func TestMemory_Intercept(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	fail := false
	l, err := New(Config{
		Logger: fanouttesting.NewLogger(),
		Intercept: func(ctx context.Context, ops []ledger.Op) error {
			if fail {
				return boom
			}
			return nil
		},
	})
	require.NoError(t, err)

	f := ledgertest.NewFixture(t, l, 4)
	require.Equal(t, 1, l.Units())

	fail = true
	op, err := f.Ops.UpsertWalletShare(f.Fanout, 0, f.Authority, 1, f.Authority)
	require.NoError(t, err)
	require.ErrorIs(t, f.TrySubmit(op), boom)
	require.Equal(t, 1, l.Units())
	require.False(t, f.Exists(op.WalletShare))
}

func TestMemory_SubmitHonoursCancelledContext(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, l.Submit(ctx, nil), context.Canceled)
}

func TestMemory_ReadsAreCopies(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)
	f := ledgertest.NewFixture(t, l, 4)

	rec, err := l.Get(context.Background(), f.Fanout)
	require.NoError(t, err)
	rec.Account.(*ledger.Fanout).TotalShares = 1000

	require.Equal(t, uint32(4), f.FanoutAccount().TotalShares)
}
