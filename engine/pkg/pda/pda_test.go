package pda

import (
	"strings"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

func TestPDA_FanoutIsDeterministic(t *testing.T) {
	t.Parallel()
	a, err := Default.Fanout("team-payroll")
	require.NoError(t, err)
	b, err := Default.Fanout("team-payroll")
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, err := Default.Fanout("team-payroll-2")
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func TestPDA_FanoutMatchesSeeds(t *testing.T) {
	t.Parallel()
	h := HashName("alpha")
	want, _, err := solana.FindProgramAddress([][]byte{[]byte("fanout"), h[:]}, ProgramID)
	require.NoError(t, err)

	got, err := Default.Fanout("alpha")
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestPDA_WalletShareEncodesIndexLittleEndian(t *testing.T) {
	t.Parallel()
	fanout := solana.NewWallet().PublicKey()
	want, _, err := solana.FindProgramAddress([][]byte{[]byte("wallet_share"), fanout.Bytes(), {1, 0, 0, 0}}, ProgramID)
	require.NoError(t, err)

	got, err := Default.WalletShare(fanout, 1)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestPDA_AddressesAreDistinctAcrossKinds(t *testing.T) {
	t.Parallel()
	fanout, err := Default.Fanout("distinct")
	require.NoError(t, err)
	mint := solana.NewWallet().PublicKey()

	seen := map[solana.PublicKey]string{fanout: "fanout"}
	add := func(name string, key solana.PublicKey, err error) {
		require.NoError(t, err)
		prev, dup := seen[key]
		require.False(t, dup, "%s collides with %s", name, prev)
		seen[key] = name
	}

	for i := uint32(0); i < 8; i++ {
		share, err := Default.WalletShare(fanout, i)
		add("share", share, err)
		voucher, err := Default.Voucher(fanout, mint, share)
		add("voucher", voucher, err)
	}
	inflow, err := Default.TokenInflow(fanout, mint)
	add("inflow", inflow, err)
	qa, err := Default.QueueAuthority()
	add("queue authority", qa, err)
	gs, err := Default.GlobalState()
	add("global state", gs, err)
	ata, err := TokenAccount(fanout, mint)
	add("token account", ata, err)
}

func TestPDA_RejectsInvalidInput(t *testing.T) {
	t.Parallel()
	var zero solana.PublicKey
	key := solana.NewWallet().PublicKey()

	_, err := Default.Fanout("")
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = Default.Fanout(strings.Repeat("x", MaxNameLength+1))
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = Default.WalletShare(zero, 0)
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = Default.TokenInflow(key, zero)
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = Default.Voucher(key, key, zero)
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = TokenAccount(zero, key)
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = CronTransaction(zero, 3)
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = New(zero)
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestPDA_CronTransactionPerSlot(t *testing.T) {
	t.Parallel()
	job := solana.NewWallet().PublicKey()
	a, err := CronTransaction(job, 0)
	require.NoError(t, err)
	b, err := CronTransaction(job, 1)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestPDA_CustomProgram(t *testing.T) {
	t.Parallel()
	d, err := New(solana.NewWallet().PublicKey())
	require.NoError(t, err)
	a, err := d.Fanout("same")
	require.NoError(t, err)
	b, err := Default.Fanout("same")
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}
