package ledger

import "fmt"

// Kind is the closed set of record kinds a fanout owns or touches.
type Kind uint8

const (
	KindFanout Kind = iota + 1
	KindWalletShare
	KindTokenInflow
	KindVoucher
	KindTokenAccount
)

// AllKinds lists every kind in teardown-independent declaration order.
var AllKinds = []Kind{KindFanout, KindWalletShare, KindTokenInflow, KindVoucher, KindTokenAccount}

func (k Kind) String() string {
	switch k {
	case KindFanout:
		return "fanout"
	case KindWalletShare:
		return "wallet_share"
	case KindTokenInflow:
		return "token_inflow"
	case KindVoucher:
		return "voucher"
	case KindTokenAccount:
		return "token_account"
	default:
		panic(fmt.Sprintf("ledger: unknown kind %d", uint8(k)))
	}
}

// Valid reports whether k is one of AllKinds.
func (k Kind) Valid() bool {
	return k >= KindFanout && k <= KindTokenAccount
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for _, k := range AllKinds {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown kind %q", s)
}
