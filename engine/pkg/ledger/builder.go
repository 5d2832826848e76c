package ledger

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/walletfanout/engine/pkg/pda"
)

// Builder constructs ops with their addresses derived under one program.
type Builder struct {
	PDA *pda.Deriver
}

// NewBuilder returns a Builder for d, or for pda.Default if d is nil.
func NewBuilder(d *pda.Deriver) *Builder {
	if d == nil {
		d = pda.Default
	}
	return &Builder{PDA: d}
}

func (b *Builder) InitFanout(name string, authority, cronJob solana.PublicKey, schedule string, totalShares uint32) (InitFanout, error) {
	addr, err := b.PDA.Fanout(name)
	if err != nil {
		return InitFanout{}, err
	}
	if authority.IsZero() {
		return InitFanout{}, fmt.Errorf("%w: authority is the zero key", pda.ErrInvalidInput)
	}
	return InitFanout{
		Fanout:      addr,
		Authority:   authority,
		CronJob:     cronJob,
		Name:        name,
		Schedule:    schedule,
		TotalShares: totalShares,
	}, nil
}

func (b *Builder) UpsertWalletShare(fanout solana.PublicKey, index uint32, wallet solana.PublicKey, shares uint32, rentRefund solana.PublicKey) (UpsertWalletShare, error) {
	addr, err := b.PDA.WalletShare(fanout, index)
	if err != nil {
		return UpsertWalletShare{}, err
	}
	return UpsertWalletShare{
		Fanout:      fanout,
		WalletShare: addr,
		Index:       index,
		Wallet:      wallet,
		Shares:      shares,
		RentRefund:  rentRefund,
	}, nil
}

func (b *Builder) CloseWalletShare(fanout solana.PublicKey, index uint32) (CloseWalletShare, error) {
	addr, err := b.PDA.WalletShare(fanout, index)
	if err != nil {
		return CloseWalletShare{}, err
	}
	return CloseWalletShare{Fanout: fanout, WalletShare: addr}, nil
}

func (b *Builder) InitTokenInflow(fanout, mint, rentRefund solana.PublicKey) (InitTokenInflow, error) {
	addr, err := b.PDA.TokenInflow(fanout, mint)
	if err != nil {
		return InitTokenInflow{}, err
	}
	return InitTokenInflow{Fanout: fanout, TokenInflow: addr, Mint: mint, RentRefund: rentRefund}, nil
}

func (b *Builder) SyncInflow(fanout, mint solana.PublicKey) (SyncInflow, error) {
	addr, err := b.PDA.TokenInflow(fanout, mint)
	if err != nil {
		return SyncInflow{}, err
	}
	return SyncInflow{Fanout: fanout, TokenInflow: addr}, nil
}

func (b *Builder) CloseTokenInflow(fanout, mint solana.PublicKey) (CloseTokenInflow, error) {
	addr, err := b.PDA.TokenInflow(fanout, mint)
	if err != nil {
		return CloseTokenInflow{}, err
	}
	return CloseTokenInflow{Fanout: fanout, TokenInflow: addr}, nil
}

func (b *Builder) InitVoucher(fanout, mint, walletShare solana.PublicKey, slot uint32, rentRefund solana.PublicKey) (InitVoucher, error) {
	voucher, err := b.PDA.Voucher(fanout, mint, walletShare)
	if err != nil {
		return InitVoucher{}, err
	}
	inflow, err := b.PDA.TokenInflow(fanout, mint)
	if err != nil {
		return InitVoucher{}, err
	}
	return InitVoucher{
		Fanout:      fanout,
		Voucher:     voucher,
		WalletShare: walletShare,
		TokenInflow: inflow,
		Slot:        slot,
		RentRefund:  rentRefund,
	}, nil
}

func (b *Builder) Claim(fanout, mint, voucher solana.PublicKey) (Claim, error) {
	inflow, err := b.PDA.TokenInflow(fanout, mint)
	if err != nil {
		return Claim{}, err
	}
	return Claim{Fanout: fanout, TokenInflow: inflow, Voucher: voucher}, nil
}

func (b *Builder) CloseVoucher(fanout, mint, voucher solana.PublicKey) (CloseVoucher, error) {
	inflow, err := b.PDA.TokenInflow(fanout, mint)
	if err != nil {
		return CloseVoucher{}, err
	}
	return CloseVoucher{Fanout: fanout, TokenInflow: inflow, Voucher: voucher}, nil
}

func (b *Builder) CloseFanout(fanout solana.PublicKey) CloseFanout {
	return CloseFanout{Fanout: fanout}
}

func (b *Builder) CreateTokenAccount(owner, mint solana.PublicKey) (CreateTokenAccount, error) {
	addr, err := pda.TokenAccount(owner, mint)
	if err != nil {
		return CreateTokenAccount{}, err
	}
	return CreateTokenAccount{Account: addr, Owner: owner, Mint: mint}, nil
}

func (b *Builder) Deposit(owner, mint solana.PublicKey, amount uint64) (Deposit, error) {
	addr, err := pda.TokenAccount(owner, mint)
	if err != nil {
		return Deposit{}, err
	}
	return Deposit{Account: addr, Owner: owner, Mint: mint, Amount: amount}, nil
}
