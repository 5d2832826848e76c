package ledger

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
)

// DiscriminatorSize is the length of the account-type prefix on encoded data.
const DiscriminatorSize = 8

var discriminators = map[Kind][DiscriminatorSize]byte{
	KindFanout:       accountDiscriminator("FanoutV0"),
	KindWalletShare:  accountDiscriminator("WalletShareV0"),
	KindTokenInflow:  accountDiscriminator("TokenInflowV0"),
	KindVoucher:      accountDiscriminator("VoucherV0"),
	KindTokenAccount: accountDiscriminator("TokenAccountV0"),
}

func accountDiscriminator(name string) [DiscriminatorSize]byte {
	h := sha256.Sum256([]byte("account:" + name))
	var d [DiscriminatorSize]byte
	copy(d[:], h[:DiscriminatorSize])
	return d
}

// Discriminator returns the 8-byte prefix identifying kind k.
func Discriminator(k Kind) [DiscriminatorSize]byte {
	d, ok := discriminators[k]
	if !ok {
		panic(fmt.Sprintf("ledger: unknown kind %d", uint8(k)))
	}
	return d
}

// Encode serializes an account as discriminator || borsh(body).
func Encode(a Account) ([]byte, error) {
	if a == nil {
		return nil, errors.New("account is nil")
	}
	var body any
	switch v := a.(type) {
	case *Fanout:
		body = *v
	case *WalletShare:
		body = *v
	case *TokenInflow:
		body = *v
	case *Voucher:
		body = *v
	case *TokenAccount:
		body = *v
	default:
		panic(fmt.Sprintf("ledger: unknown account type %T", a))
	}
	data, err := bin.MarshalBorsh(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", a.Kind(), err)
	}
	d := Discriminator(a.Kind())
	return append(d[:], data...), nil
}

// Decode parses data produced by Encode.
func Decode(data []byte) (Account, error) {
	if len(data) < DiscriminatorSize {
		return nil, fmt.Errorf("account data too short: %d bytes", len(data))
	}
	kind, err := kindOf(data[:DiscriminatorSize])
	if err != nil {
		return nil, err
	}

	var a Account
	switch kind {
	case KindFanout:
		a = &Fanout{}
	case KindWalletShare:
		a = &WalletShare{}
	case KindTokenInflow:
		a = &TokenInflow{}
	case KindVoucher:
		a = &Voucher{}
	case KindTokenAccount:
		a = &TokenAccount{}
	default:
		panic(fmt.Sprintf("ledger: unknown kind %d", uint8(kind)))
	}
	if err := bin.UnmarshalBorsh(a, data[DiscriminatorSize:]); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", kind, err)
	}
	return a, nil
}

func kindOf(prefix []byte) (Kind, error) {
	for _, k := range AllKinds {
		d := discriminators[k]
		if bytes.Equal(prefix, d[:]) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown account discriminator %x", prefix)
}
