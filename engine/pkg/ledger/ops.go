package ledger

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Op is a single state transition submitted to a ledger. The set of
// implementations is closed.
type Op interface {
	// Target is the address of the record the op creates, mutates or closes.
	Target() solana.PublicKey
	TargetKind() Kind
	String() string
	isOp()
}

type InitFanout struct {
	Fanout      solana.PublicKey
	Authority   solana.PublicKey
	CronJob     solana.PublicKey
	Name        string
	Schedule    string
	TotalShares uint32
}

// UpsertWalletShare creates or replaces the share at Index.
type UpsertWalletShare struct {
	Fanout      solana.PublicKey
	WalletShare solana.PublicKey
	Index       uint32
	Wallet      solana.PublicKey
	Shares      uint32
	RentRefund  solana.PublicKey
}

type CloseWalletShare struct {
	Fanout      solana.PublicKey
	WalletShare solana.PublicKey
}

// InitTokenInflow enables a mint on a fanout.
type InitTokenInflow struct {
	Fanout      solana.PublicKey
	TokenInflow solana.PublicKey
	Mint        solana.PublicKey
	RentRefund  solana.PublicKey
}

// SyncInflow folds any unaccounted balance of the fanout's token account into
// the inflow total.
type SyncInflow struct {
	Fanout      solana.PublicKey
	TokenInflow solana.PublicKey
}

// CloseTokenInflow disables a mint and sweeps the fanout's remaining balance
// of it to the authority.
type CloseTokenInflow struct {
	Fanout      solana.PublicKey
	TokenInflow solana.PublicKey
}

type InitVoucher struct {
	Fanout      solana.PublicKey
	Voucher     solana.PublicKey
	WalletShare solana.PublicKey
	TokenInflow solana.PublicKey
	Slot        uint32
	RentRefund  solana.PublicKey
}

// Claim pays a voucher everything accrued since its watermark.
type Claim struct {
	Fanout      solana.PublicKey
	TokenInflow solana.PublicKey
	Voucher     solana.PublicKey
}

type CloseVoucher struct {
	Fanout      solana.PublicKey
	TokenInflow solana.PublicKey
	Voucher     solana.PublicKey
}

type CloseFanout struct {
	Fanout solana.PublicKey
}

// CreateTokenAccount creates the associated token account at Account.
type CreateTokenAccount struct {
	Account solana.PublicKey
	Owner   solana.PublicKey
	Mint    solana.PublicKey
}

// Deposit credits Amount to a token account, creating it if needed. It stands
// in for transfers made outside the engine.
type Deposit struct {
	Account solana.PublicKey
	Owner   solana.PublicKey
	Mint    solana.PublicKey
	Amount  uint64
}

func (o InitFanout) Target() solana.PublicKey         { return o.Fanout }
func (o UpsertWalletShare) Target() solana.PublicKey  { return o.WalletShare }
func (o CloseWalletShare) Target() solana.PublicKey   { return o.WalletShare }
func (o InitTokenInflow) Target() solana.PublicKey    { return o.TokenInflow }
func (o SyncInflow) Target() solana.PublicKey         { return o.TokenInflow }
func (o CloseTokenInflow) Target() solana.PublicKey   { return o.TokenInflow }
func (o InitVoucher) Target() solana.PublicKey        { return o.Voucher }
func (o Claim) Target() solana.PublicKey              { return o.Voucher }
func (o CloseVoucher) Target() solana.PublicKey       { return o.Voucher }
func (o CloseFanout) Target() solana.PublicKey        { return o.Fanout }
func (o CreateTokenAccount) Target() solana.PublicKey { return o.Account }
func (o Deposit) Target() solana.PublicKey            { return o.Account }

func (InitFanout) TargetKind() Kind         { return KindFanout }
func (UpsertWalletShare) TargetKind() Kind  { return KindWalletShare }
func (CloseWalletShare) TargetKind() Kind   { return KindWalletShare }
func (InitTokenInflow) TargetKind() Kind    { return KindTokenInflow }
func (SyncInflow) TargetKind() Kind         { return KindTokenInflow }
func (CloseTokenInflow) TargetKind() Kind   { return KindTokenInflow }
func (InitVoucher) TargetKind() Kind        { return KindVoucher }
func (Claim) TargetKind() Kind              { return KindVoucher }
func (CloseVoucher) TargetKind() Kind       { return KindVoucher }
func (CloseFanout) TargetKind() Kind        { return KindFanout }
func (CreateTokenAccount) TargetKind() Kind { return KindTokenAccount }
func (Deposit) TargetKind() Kind            { return KindTokenAccount }

func (o InitFanout) String() string {
	return fmt.Sprintf("init_fanout(%s)", o.Fanout)
}

func (o UpsertWalletShare) String() string {
	return fmt.Sprintf("upsert_wallet_share(%s#%d)", o.WalletShare, o.Index)
}

func (o CloseWalletShare) String() string {
	return fmt.Sprintf("close_wallet_share(%s)", o.WalletShare)
}

func (o InitTokenInflow) String() string {
	return fmt.Sprintf("init_token_inflow(%s)", o.TokenInflow)
}

func (o SyncInflow) String() string {
	return fmt.Sprintf("sync_inflow(%s)", o.TokenInflow)
}

func (o CloseTokenInflow) String() string {
	return fmt.Sprintf("close_token_inflow(%s)", o.TokenInflow)
}

func (o InitVoucher) String() string {
	return fmt.Sprintf("init_voucher(%s slot=%d)", o.Voucher, o.Slot)
}

func (o Claim) String() string {
	return fmt.Sprintf("claim(%s)", o.Voucher)
}

func (o CloseVoucher) String() string {
	return fmt.Sprintf("close_voucher(%s)", o.Voucher)
}

func (o CloseFanout) String() string {
	return fmt.Sprintf("close_fanout(%s)", o.Fanout)
}

func (o CreateTokenAccount) String() string {
	return fmt.Sprintf("create_token_account(%s)", o.Account)
}

func (o Deposit) String() string {
	return fmt.Sprintf("deposit(%s, %d)", o.Account, o.Amount)
}

func (InitFanout) isOp()         {}
func (UpsertWalletShare) isOp()  {}
func (CloseWalletShare) isOp()   {}
func (InitTokenInflow) isOp()    {}
func (SyncInflow) isOp()         {}
func (CloseTokenInflow) isOp()   {}
func (InitVoucher) isOp()        {}
func (Claim) isOp()              {}
func (CloseVoucher) isOp()       {}
func (CloseFanout) isOp()        {}
func (CreateTokenAccount) isOp() {}
func (Deposit) isOp()            {}
