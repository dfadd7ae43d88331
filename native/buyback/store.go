package buyback

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"buyback/core/state"
)

// engineState is the subset of the state manager used by the engine.
type engineState interface {
	Begin() *state.Tx
	KVGet(key []byte, out interface{}) (bool, error)
	KVGetList(key []byte, out interface{}) error
}

// kvReader is satisfied by both committed state and an open transaction.
type kvReader interface {
	KVGet(key []byte, out interface{}) (bool, error)
}

type storedBuyback struct {
	Owner             common.Address
	SellToken         common.Address
	BuyToken          common.Address
	BurnAddress       common.Address
	BurnEnabled       bool
	AllowExternalPoke bool
	Tip               *big.Int
	IntervalSeconds   uint64
	LastPostedAt      uint64
	CreatedAt         uint64
	Rounds            []uint64
	Amounts           []*big.Int
	HasPending        bool
	PendingRound      uint64
	PendingAmount     *big.Int
	PendingPostedAt   uint64
	Claimed           bool   `rlp:"optional"`
	ClaimedRound      uint64 `rlp:"optional"`
}

func newStoredBuyback(b *Buyback) *storedBuyback {
	entries := b.Schedule.Entries()
	stored := &storedBuyback{
		Owner:             b.Owner,
		SellToken:         b.SellToken,
		BuyToken:          b.BuyToken,
		BurnAddress:       b.BurnAddress,
		BurnEnabled:       b.BurnEnabled,
		AllowExternalPoke: b.AllowExternalPoke,
		Tip:               cloneBigInt(b.Tip),
		IntervalSeconds:   b.IntervalSeconds,
		LastPostedAt:      unixToStored(b.LastPostedAt),
		CreatedAt:         unixToStored(b.CreatedAt),
		Rounds:            make([]uint64, len(entries)),
		Amounts:           make([]*big.Int, len(entries)),
		PendingAmount:     big.NewInt(0),
		Claimed:           b.Claimed,
		ClaimedRound:      b.ClaimedRound,
	}
	for i, e := range entries {
		stored.Rounds[i] = e.Round
		stored.Amounts[i] = e.Amount
	}
	if b.Pending != nil {
		stored.HasPending = true
		stored.PendingRound = b.Pending.Round
		stored.PendingAmount = cloneBigInt(b.Pending.Amount)
		stored.PendingPostedAt = unixToStored(b.Pending.PostedAt)
	}
	return stored
}

func (s *storedBuyback) toBuyback() *Buyback {
	schedule := NewSchedule()
	for i, round := range s.Rounds {
		var amount *big.Int
		if i < len(s.Amounts) {
			amount = s.Amounts[i]
		}
		schedule.Append(round, amount)
	}
	b := &Buyback{
		Owner:             s.Owner,
		SellToken:         s.SellToken,
		BuyToken:          s.BuyToken,
		BurnAddress:       s.BurnAddress,
		BurnEnabled:       s.BurnEnabled,
		AllowExternalPoke: s.AllowExternalPoke,
		Tip:               cloneBigInt(s.Tip),
		IntervalSeconds:   s.IntervalSeconds,
		LastPostedAt:      int64(s.LastPostedAt),
		CreatedAt:         int64(s.CreatedAt),
		Schedule:          schedule,
		Claimed:           s.Claimed,
		ClaimedRound:      s.ClaimedRound,
	}
	if s.HasPending {
		b.Pending = &PendingOrder{
			Round:    s.PendingRound,
			Amount:   cloneBigInt(s.PendingAmount),
			PostedAt: int64(s.PendingPostedAt),
		}
	}
	return b
}

func unixToStored(ts int64) uint64 {
	if ts < 0 {
		return 0
	}
	return uint64(ts)
}

// roundPool aggregates every account's order in one exchange round. The
// exchange only knows the custody address as seller, so proceeds are
// retrieved once and split pro-rata.
type roundPool struct {
	TotalPosted *big.Int
	Retrieved   bool
	Proceeds    *big.Int
	Distributed *big.Int
	Withdrawn   bool
}

func (p *roundPool) normalize() {
	if p.TotalPosted == nil {
		p.TotalPosted = big.NewInt(0)
	}
	if p.Proceeds == nil {
		p.Proceeds = big.NewInt(0)
	}
	if p.Distributed == nil {
		p.Distributed = big.NewInt(0)
	}
}

// share returns the proceeds owed for sold units, capped at what has not
// been distributed yet.
func (p *roundPool) share(sold *big.Int) *big.Int {
	if p.TotalPosted.Sign() == 0 || sold.Sign() == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(p.Proceeds, sold)
	out.Quo(out, p.TotalPosted)
	remaining := subFloor(p.Proceeds, p.Distributed)
	if out.Cmp(remaining) > 0 {
		out.Set(remaining)
	}
	return out
}

func getBuyback(r kvReader, owner common.Address) (*Buyback, bool, error) {
	var stored storedBuyback
	ok, err := r.KVGet(configKey(owner), &stored)
	if err != nil || !ok {
		return nil, ok, err
	}
	return stored.toBuyback(), true, nil
}

func putBuyback(tx *state.Tx, b *Buyback) error {
	return tx.KVPut(configKey(b.Owner), newStoredBuyback(b))
}

func getAmount(r kvReader, key []byte) (*big.Int, error) {
	amount := new(big.Int)
	ok, err := r.KVGet(key, amount)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return amount, nil
}

func putAmount(tx *state.Tx, key []byte, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return tx.KVDelete(key)
	}
	return tx.KVPut(key, amount)
}

func getRoundPool(r kvReader, sell, buy common.Address, round uint64) (*roundPool, error) {
	pool := new(roundPool)
	if _, err := r.KVGet(roundKey(sell, buy, round), pool); err != nil {
		return nil, err
	}
	pool.normalize()
	return pool, nil
}

func putRoundPool(tx *state.Tx, sell, buy common.Address, round uint64, pool *roundPool) error {
	pool.normalize()
	return tx.KVPut(roundKey(sell, buy, round), pool)
}
