package account

import (
	"maps"
	"slices"
	"time"

	"spotlink/pkg/core"
)

// Snapshot is one consistent view of the account. A Snapshot handed out by
// the Reconciler is a private copy the caller may keep.
type Snapshot struct {
	Balances    map[string]core.Balance
	AccountType string
	CanTrade    bool
	CanWithdraw bool
	CanDeposit  bool
	// UpdateTime is the watermark in milliseconds. Deltas at or before it
	// are already reflected in Balances.
	UpdateTime int64
}

// Clone returns a deep copy of s.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.Balances = make(map[string]core.Balance, len(s.Balances))
	for asset, b := range s.Balances {
		out.Balances[asset] = b.Clone()
	}
	return &out
}

// Balance returns the holdings of asset.
func (s *Snapshot) Balance(asset string) (core.Balance, bool) {
	b, ok := s.Balances[asset]
	if !ok {
		return core.Balance{}, false
	}
	return b.Clone(), true
}

// Assets returns the asset names in sorted order.
func (s *Snapshot) Assets() []string {
	return slices.Sorted(maps.Keys(s.Balances))
}

func (s *Snapshot) Updated() time.Time {
	return time.UnixMilli(s.UpdateTime)
}
