// Package pda derives the program addresses of every record owned by a fanout.
//
// All derivations are pure and offline. Inputs that would alias another
// record (empty names, zero keys) are rejected with ErrInvalidInput.
package pda

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

var (
	// ProgramID is the wallet fanout program.
	ProgramID = solana.MustPublicKeyFromBase58("fanqeMu3fw8R4LwKNbahPtYXJsyLL6NXyfe2BqzhfB6")

	// CronProgramID is the cron program that executes scheduled claims.
	CronProgramID = solana.MustPublicKeyFromBase58("cronAjRZnJn3MTP3B9kE62NWDrjSuAPVXf9c4hu4grM")
)

// MaxNameLength bounds fanout names.
const MaxNameLength = 32

var ErrInvalidInput = errors.New("invalid input")

var (
	seedFanout          = []byte("fanout")
	seedWalletShare     = []byte("wallet_share")
	seedTokenInflow     = []byte("token_inflow")
	seedVoucher         = []byte("voucher")
	seedQueueAuthority  = []byte("queue_authority")
	seedGlobalState     = []byte("global_state")
	seedCronTransaction = []byte("cron_job_transaction")
)

// Deriver derives addresses under a program id.
type Deriver struct {
	programID solana.PublicKey
}

// New returns a Deriver for programID.
func New(programID solana.PublicKey) (*Deriver, error) {
	if programID.IsZero() {
		return nil, fmt.Errorf("%w: program id is zero", ErrInvalidInput)
	}
	return &Deriver{programID: programID}, nil
}

// Default derives under ProgramID.
var Default = &Deriver{programID: ProgramID}

func (d *Deriver) ProgramID() solana.PublicKey {
	return d.programID
}

// HashName returns sha256(name), the seed used for fanout addresses.
func HashName(name string) [32]byte {
	return sha256.Sum256([]byte(name))
}

// Fanout derives the fanout address for name.
func (d *Deriver) Fanout(name string) (solana.PublicKey, error) {
	if name == "" {
		return solana.PublicKey{}, fmt.Errorf("%w: fanout name is empty", ErrInvalidInput)
	}
	if len(name) > MaxNameLength {
		return solana.PublicKey{}, fmt.Errorf("%w: fanout name exceeds %d bytes", ErrInvalidInput, MaxNameLength)
	}
	h := HashName(name)
	return d.find(seedFanout, h[:])
}

// WalletShare derives the share address for index under fanout.
func (d *Deriver) WalletShare(fanout solana.PublicKey, index uint32) (solana.PublicKey, error) {
	if err := nonZero("fanout", fanout); err != nil {
		return solana.PublicKey{}, err
	}
	return d.find(seedWalletShare, fanout.Bytes(), u32le(index))
}

// TokenInflow derives the inflow accumulator address for (fanout, mint).
func (d *Deriver) TokenInflow(fanout, mint solana.PublicKey) (solana.PublicKey, error) {
	if err := nonZero("fanout", fanout); err != nil {
		return solana.PublicKey{}, err
	}
	if err := nonZero("mint", mint); err != nil {
		return solana.PublicKey{}, err
	}
	return d.find(seedTokenInflow, fanout.Bytes(), mint.Bytes())
}

// Voucher derives the voucher address for (fanout, mint, walletShare).
func (d *Deriver) Voucher(fanout, mint, walletShare solana.PublicKey) (solana.PublicKey, error) {
	if err := nonZero("fanout", fanout); err != nil {
		return solana.PublicKey{}, err
	}
	if err := nonZero("mint", mint); err != nil {
		return solana.PublicKey{}, err
	}
	if err := nonZero("wallet share", walletShare); err != nil {
		return solana.PublicKey{}, err
	}
	return d.find(seedVoucher, fanout.Bytes(), mint.Bytes(), walletShare.Bytes())
}

// QueueAuthority derives the program's queue authority.
func (d *Deriver) QueueAuthority() (solana.PublicKey, error) {
	return d.find(seedQueueAuthority)
}

// GlobalState derives the program's global state record.
func (d *Deriver) GlobalState() (solana.PublicKey, error) {
	return d.find(seedGlobalState)
}

// CronTransaction derives the cron job transaction that executes slot under
// cronJob. It is derived under CronProgramID, not the fanout program.
func CronTransaction(cronJob solana.PublicKey, slot uint32) (solana.PublicKey, error) {
	if err := nonZero("cron job", cronJob); err != nil {
		return solana.PublicKey{}, err
	}
	addr, _, err := solana.FindProgramAddress([][]byte{seedCronTransaction, cronJob.Bytes(), u32le(slot)}, CronProgramID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive cron transaction: %w", err)
	}
	return addr, nil
}

// TokenAccount derives the associated token account of owner for mint.
func TokenAccount(owner, mint solana.PublicKey) (solana.PublicKey, error) {
	if err := nonZero("owner", owner); err != nil {
		return solana.PublicKey{}, err
	}
	if err := nonZero("mint", mint); err != nil {
		return solana.PublicKey{}, err
	}
	addr, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive token account: %w", err)
	}
	return addr, nil
}

func (d *Deriver) find(seeds ...[]byte) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress(seeds, d.programID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive %s address: %w", seeds[0], err)
	}
	return addr, nil
}

func nonZero(name string, key solana.PublicKey) error {
	if key.IsZero() {
		return fmt.Errorf("%w: %s is the zero key", ErrInvalidInput, name)
	}
	return nil
}

func u32le(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}
