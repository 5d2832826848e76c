package ledger

// SnapshotView is the JSON form of a Snapshot. Keys and mints are base58,
// amounts are decimal strings so they survive JSON number precision.
type SnapshotView struct {
	Address  string        `json:"address"`
	Fanout   FanoutView    `json:"fanout"`
	Shares   []ShareView   `json:"shares"`
	Inflows  []InflowView  `json:"inflows"`
	Vouchers []VoucherView `json:"vouchers"`
}

type FanoutView struct {
	Name              string   `json:"name"`
	Authority         string   `json:"authority"`
	CronJob           string   `json:"cron_job"`
	Schedule          string   `json:"schedule"`
	TotalShares       uint32   `json:"total_shares"`
	TotalSharesIssued uint32   `json:"total_shares_issued"`
	NextShareIndex    uint32   `json:"next_share_index"`
	NextSlot          uint32   `json:"next_slot"`
	AvailableSlots    []uint32 `json:"available_slots"`
	NumInflows        uint32   `json:"num_inflows"`
	Version           uint64   `json:"version"`
}

type ShareView struct {
	Address string `json:"address"`
	Index   uint32 `json:"index"`
	Wallet  string `json:"wallet"`
	Shares  uint32 `json:"shares"`
}

type InflowView struct {
	Address      string `json:"address"`
	Mint         string `json:"mint"`
	TotalInflow  uint64 `json:"total_inflow,string"`
	LastSnapshot uint64 `json:"last_snapshot,string"`
	NumVouchers  uint32 `json:"num_vouchers"`
}

type VoucherView struct {
	Address     string `json:"address"`
	WalletShare string `json:"wallet_share"`
	Wallet      string `json:"wallet"`
	Mint        string `json:"mint"`
	Slot        uint32 `json:"slot"`
	Shares      uint32 `json:"shares"`
	LastClaimed uint64 `json:"last_claimed,string"`
}

// View converts s to its JSON form.
func (s *Snapshot) View() SnapshotView {
	f := s.FanoutAccount()
	available := f.AvailableSlots
	if available == nil {
		available = []uint32{}
	}
	v := SnapshotView{
		Address: s.Address.String(),
		Fanout: FanoutView{
			Name:              f.Name,
			Authority:         f.Authority.String(),
			CronJob:           f.CronJob.String(),
			Schedule:          f.Schedule,
			TotalShares:       f.TotalShares,
			TotalSharesIssued: f.TotalSharesIssued,
			NextShareIndex:    f.NextShareIndex,
			NextSlot:          f.NextSlot,
			AvailableSlots:    available,
			NumInflows:        f.NumInflows,
			Version:           s.Fanout.Version,
		},
		Shares:   make([]ShareView, 0, len(s.Shares)),
		Inflows:  make([]InflowView, 0, len(s.Inflows)),
		Vouchers: make([]VoucherView, 0, len(s.Vouchers)),
	}
	for _, rec := range s.Shares {
		share := rec.Account.(*WalletShare)
		v.Shares = append(v.Shares, ShareView{
			Address: rec.Address.String(),
			Index:   share.Index,
			Wallet:  share.Wallet.String(),
			Shares:  share.Shares,
		})
	}
	for _, rec := range s.Inflows {
		in := rec.Account.(*TokenInflow)
		v.Inflows = append(v.Inflows, InflowView{
			Address:      rec.Address.String(),
			Mint:         in.Mint.String(),
			TotalInflow:  in.TotalInflow,
			LastSnapshot: in.LastSnapshot,
			NumVouchers:  in.NumVouchers,
		})
	}
	for _, rec := range s.Vouchers {
		vo := rec.Account.(*Voucher)
		v.Vouchers = append(v.Vouchers, VoucherView{
			Address:     rec.Address.String(),
			WalletShare: vo.WalletShare.String(),
			Wallet:      vo.Wallet.String(),
			Mint:        vo.Mint.String(),
			Slot:        vo.Slot,
			Shares:      vo.Shares,
			LastClaimed: vo.LastClaimed,
		})
	}
	return v
}
