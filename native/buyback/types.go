package buyback

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Params describes a new buyback configuration.
type Params struct {
	SellToken         common.Address
	BuyToken          common.Address
	BurnAddress       common.Address
	BurnEnabled       bool
	Rounds            []uint64
	Amounts           []*big.Int
	Tip               *big.Int
	AllowExternalPoke bool
	IntervalSeconds   uint64
}

// PendingOrder is the single in-flight commitment handed to the exchange.
type PendingOrder struct {
	Round    uint64
	Amount   *big.Int
	PostedAt int64
}

// Clone returns a deep copy of the pending order.
func (p *PendingOrder) Clone() *PendingOrder {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Amount = cloneBigInt(p.Amount)
	return &clone
}

// Buyback is the configuration owned by a single account.
type Buyback struct {
	Owner             common.Address
	SellToken         common.Address
	BuyToken          common.Address
	BurnAddress       common.Address
	BurnEnabled       bool
	AllowExternalPoke bool
	Tip               *big.Int
	IntervalSeconds   uint64
	LastPostedAt      int64
	CreatedAt         int64
	Schedule          *Schedule
	Pending           *PendingOrder

	// Claimed and ClaimedRound record the last settled order until the next
	// one is posted.
	Claimed      bool
	ClaimedRound uint64
}

// Clone returns a deep copy so callers can safely mutate the result.
func (b *Buyback) Clone() *Buyback {
	if b == nil {
		return nil
	}
	clone := *b
	clone.Tip = cloneBigInt(b.Tip)
	clone.Schedule = b.Schedule.Clone()
	clone.Pending = b.Pending.Clone()
	return &clone
}

// PendingAmount returns the amount held by the pending order, or zero.
func (b *Buyback) PendingAmount() *big.Int {
	if b == nil || b.Pending == nil {
		return big.NewInt(0)
	}
	return cloneBigInt(b.Pending.Amount)
}

// Committed is the sell-token amount that cannot be withdrawn: every scheduled
// tranche plus the pending order.
func (b *Buyback) Committed() *big.Int {
	if b == nil {
		return big.NewInt(0)
	}
	total := b.Schedule.Total()
	return total.Add(total, b.PendingAmount())
}

// SellTokenBalance breaks the owner's sell-token ledger balance down by
// commitment.
type SellTokenBalance struct {
	Token     common.Address
	Total     *big.Int
	Scheduled *big.Int
	Pending   *big.Int
	Available *big.Int
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// checkAmount rejects negative values and anything that does not fit an
// unsigned 256-bit word. Zero is allowed when allowZero is set.
func checkAmount(v *big.Int, allowZero bool) error {
	if v == nil {
		if allowZero {
			return nil
		}
		return ErrInvalidAmount
	}
	if v.Sign() < 0 || (!allowZero && v.Sign() == 0) {
		return ErrInvalidAmount
	}
	if _, overflow := uint256.FromBig(v); overflow {
		return ErrInvalidAmount
	}
	return nil
}

// subFloor returns a-b clamped at zero.
func subFloor(a, b *big.Int) *big.Int {
	out := new(big.Int).Sub(cloneBigInt(a), cloneBigInt(b))
	if out.Sign() < 0 {
		return out.SetInt64(0)
	}
	return out
}
