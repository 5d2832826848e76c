package ledger

import (
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

func sampleAccounts() map[Kind]Account {
	key := func() solana.PublicKey { return solana.NewWallet().PublicKey() }
	return map[Kind]Account{
		KindFanout: &Fanout{
			Authority:         key(),
			CronJob:           key(),
			TotalShares:       100,
			TotalSharesIssued: 40,
			NextShareIndex:    3,
			NextSlot:          9,
			Name:              "payroll",
			Schedule:          "0 0 * * *",
			AvailableSlots:    []uint32{2, 5},
			NumInflows:        2,
		},
		KindWalletShare:  &WalletShare{Fanout: key(), Index: 7, Wallet: key(), Shares: 12, RentRefund: key()},
		KindTokenInflow:  &TokenInflow{Fanout: key(), Mint: key(), TotalInflow: 1 << 40, LastSnapshot: 77, RentRefund: key(), NumVouchers: 3},
		KindVoucher:      &Voucher{WalletShare: key(), Wallet: key(), Slot: 4, Fanout: key(), Mint: key(), LastClaimed: 500, TotalDust: 999, Shares: 12, RentRefund: key()},
		KindTokenAccount: &TokenAccount{Owner: key(), Mint: key(), Amount: 1234},
	}
}

func TestLedger_AllKindsAreHandled(t *testing.T) {
	t.Parallel()
	samples := sampleAccounts()
	require.Len(t, samples, len(AllKinds))

	seen := map[string]bool{}
	discs := map[[DiscriminatorSize]byte]bool{}
	for _, k := range AllKinds {
		require.True(t, k.Valid())
		name := k.String()
		require.False(t, seen[name])
		seen[name] = true

		parsed, err := ParseKind(name)
		require.NoError(t, err)
		require.Equal(t, k, parsed)

		d := Discriminator(k)
		require.False(t, discs[d])
		discs[d] = true

		acct, ok := samples[k]
		require.True(t, ok, "no sample for %s", k)
		require.Equal(t, k, acct.Kind())

		rec := &Record{Address: solana.NewWallet().PublicKey(), Account: acct}
		require.False(t, rec.FanoutKey().IsZero())
	}

	require.False(t, Kind(0).Valid())
	require.Panics(t, func() { _ = Kind(99).String() })
	_, err := ParseKind("mint")
	require.Error(t, err)
}

func TestLedger_CodecRoundTrip(t *testing.T) {
	t.Parallel()
	for kind, acct := range sampleAccounts() {
		data, err := Encode(acct)
		require.NoError(t, err, kind.String())
		d := Discriminator(kind)
		require.Equal(t, d[:], data[:DiscriminatorSize])

		decoded, err := Decode(data)
		require.NoError(t, err, kind.String())
		require.Equal(t, acct, decoded)
	}
}

func TestLedger_DecodeRejectsGarbage(t *testing.T) {
	t.Parallel()
	_, err := Decode([]byte{1, 2, 3})
	require.Error(t, err)
	_, err = Decode(make([]byte, 40))
	require.ErrorContains(t, err, "unknown account discriminator")

	_, err = Encode(nil)
	require.Error(t, err)
}

func TestLedger_RecordFanoutKey(t *testing.T) {
	t.Parallel()
	fanout := solana.NewWallet().PublicKey()
	owner := solana.NewWallet().PublicKey()

	require.Equal(t, fanout, (&Record{Address: fanout, Account: &Fanout{}}).FanoutKey())
	require.Equal(t, fanout, (&Record{Account: &Voucher{Fanout: fanout}}).FanoutKey())
	require.Equal(t, owner, (&Record{Account: &TokenAccount{Owner: owner}}).FanoutKey())

	v, ok := As[*Voucher](&Record{Account: &Voucher{Fanout: fanout}})
	require.True(t, ok)
	require.Equal(t, fanout, v.Fanout)
	_, ok = As[*Fanout](&Record{Account: &Voucher{}})
	require.False(t, ok)
	_, ok = As[*Fanout](nil)
	require.False(t, ok)
}

func TestLedger_RecordClone(t *testing.T) {
	t.Parallel()
	rec := &Record{Address: solana.NewWallet().PublicKey(), Version: 3, Account: sampleAccounts()[KindFanout]}
	clone, err := rec.Clone()
	require.NoError(t, err)
	require.Equal(t, rec, clone)

	clone.Account.(*Fanout).AvailableSlots[0] = 42
	require.Equal(t, uint32(2), rec.Account.(*Fanout).AvailableSlots[0])
}

func TestLedger_FanoutSlots(t *testing.T) {
	t.Parallel()
	f := &Fanout{AvailableSlots: []uint32{1}, NextSlot: 3}
	s := f.Slots()
	require.Equal(t, uint32(1), s.Allocate())
	require.Equal(t, []uint32{1}, f.AvailableSlots)

	f.SetSlots(s)
	require.Empty(t, f.AvailableSlots)
	require.Equal(t, uint32(3), f.NextSlot)
}

func TestLedger_SplitPayout(t *testing.T) {
	t.Parallel()
	whole, dust, err := splitPayout(1000, 1, 4)
	require.NoError(t, err)
	require.Equal(t, uint64(250), whole)
	require.Equal(t, uint64(0), dust)

	whole, dust, err = splitPayout(100, 1, 3)
	require.NoError(t, err)
	require.Equal(t, uint64(33), whole)
	require.Equal(t, uint64(333333333333), dust)

	// Products beyond 64 bits still divide exactly.
	whole, _, err = splitPayout(^uint64(0), 3, 4)
	require.NoError(t, err)
	require.Equal(t, ^uint64(0)/4*3+2, whole)

	_, _, err = splitPayout(10, 1, 0)
	require.ErrorIs(t, err, ErrInvariantViolation)
}

func TestLedger_UpdateTotalInflow(t *testing.T) {
	t.Parallel()
	t.Run("fully issued", func(t *testing.T) {
		t.Parallel()
		in := &TokenInflow{TotalInflow: 10, LastSnapshot: 5}
		require.NoError(t, updateTotalInflow(in, 105, &Fanout{TotalShares: 4, TotalSharesIssued: 4}))
		require.Equal(t, uint64(110), in.TotalInflow)
		require.Equal(t, uint64(105), in.LastSnapshot)
	})

	t.Run("half issued doubles the fresh inflow", func(t *testing.T) {
		t.Parallel()
		in := &TokenInflow{}
		require.NoError(t, updateTotalInflow(in, 100, &Fanout{TotalShares: 4, TotalSharesIssued: 2}))
		require.Equal(t, uint64(200), in.TotalInflow)
	})

	t.Run("nothing issued skips the correction", func(t *testing.T) {
		t.Parallel()
		in := &TokenInflow{}
		require.NoError(t, updateTotalInflow(in, 100, &Fanout{TotalShares: 4}))
		require.Equal(t, uint64(100), in.TotalInflow)
	})

	t.Run("balance below snapshot only moves the snapshot", func(t *testing.T) {
		t.Parallel()
		in := &TokenInflow{TotalInflow: 50, LastSnapshot: 50}
		require.NoError(t, updateTotalInflow(in, 20, &Fanout{TotalShares: 1, TotalSharesIssued: 1}))
		require.Equal(t, uint64(50), in.TotalInflow)
		require.Equal(t, uint64(20), in.LastSnapshot)
	})
}

func TestLedger_OpStrings(t *testing.T) {
	t.Parallel()
	key := solana.NewWallet().PublicKey()

	require.Equal(t, "init_fanout("+key.String()+")", InitFanout{Fanout: key}.String())
	require.Equal(t, "upsert_wallet_share("+key.String()+"#7)", UpsertWalletShare{WalletShare: key, Index: 7}.String())
	require.Equal(t, "init_voucher("+key.String()+" slot=3)", InitVoucher{Voucher: key, Slot: 3}.String())
	require.Equal(t, "claim("+key.String()+")", Claim{Voucher: key}.String())
	require.Equal(t, "deposit("+key.String()+", 50)", Deposit{Account: key, Amount: 50}.String())

	err := &OpError{Op: CloseFanout{Fanout: key}, Err: ErrConflict}
	require.Equal(t, "close_fanout("+key.String()+"): conflict", err.Error())
	require.True(t, errors.Is(err, ErrConflict))
}
