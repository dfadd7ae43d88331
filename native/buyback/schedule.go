package buyback

import (
	"context"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"buyback/core/events"
)

// Entry is one scheduled tranche.
type Entry struct {
	Round  uint64
	Amount *big.Int
}

// Schedule is an arena of entries with a round-id index. Lookup, append and
// removal are O(1); removal swaps the last entry into the freed slot, so the
// arena order is not the insertion order once anything has been removed.
type Schedule struct {
	entries []Entry
	index   map[uint64]int
}

// NewSchedule returns an empty schedule.
func NewSchedule() *Schedule {
	return &Schedule{index: make(map[uint64]int)}
}

// Len reports the number of scheduled rounds.
func (s *Schedule) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

// Has reports whether round is scheduled.
func (s *Schedule) Has(round uint64) bool {
	if s == nil {
		return false
	}
	_, ok := s.index[round]
	return ok
}

// Amount returns a copy of the amount committed to round.
func (s *Schedule) Amount(round uint64) (*big.Int, bool) {
	if s == nil {
		return nil, false
	}
	pos, ok := s.index[round]
	if !ok {
		return nil, false
	}
	return cloneBigInt(s.entries[pos].Amount), true
}

// Append adds a new round. It returns false when the round already exists.
func (s *Schedule) Append(round uint64, amount *big.Int) bool {
	if _, ok := s.index[round]; ok {
		return false
	}
	s.index[round] = len(s.entries)
	s.entries = append(s.entries, Entry{Round: round, Amount: cloneBigInt(amount)})
	return true
}

// Set replaces the amount of an existing round. It returns false when the
// round is unknown.
func (s *Schedule) Set(round uint64, amount *big.Int) bool {
	pos, ok := s.index[round]
	if !ok {
		return false
	}
	s.entries[pos].Amount = cloneBigInt(amount)
	return true
}

// Remove deletes round and returns its amount.
func (s *Schedule) Remove(round uint64) (*big.Int, bool) {
	pos, ok := s.index[round]
	if !ok {
		return nil, false
	}
	removed := s.entries[pos].Amount
	last := len(s.entries) - 1
	if pos != last {
		s.entries[pos] = s.entries[last]
		s.index[s.entries[pos].Round] = pos
	}
	s.entries = s.entries[:last]
	delete(s.index, round)
	return removed, true
}

// Rounds returns the round ids in arena order.
func (s *Schedule) Rounds() []uint64 {
	if s == nil {
		return []uint64{}
	}
	out := make([]uint64, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.Round
	}
	return out
}

// Entries returns copies of the entries in arena order.
func (s *Schedule) Entries() []Entry {
	if s == nil {
		return []Entry{}
	}
	out := make([]Entry, len(s.entries))
	for i, e := range s.entries {
		out[i] = Entry{Round: e.Round, Amount: cloneBigInt(e.Amount)}
	}
	return out
}

// Total sums every scheduled amount.
func (s *Schedule) Total() *big.Int {
	total := big.NewInt(0)
	if s == nil {
		return total
	}
	for _, e := range s.entries {
		if e.Amount != nil {
			total.Add(total, e.Amount)
		}
	}
	return total
}

// Next returns the entry with the smallest round id that is >= from.
func (s *Schedule) Next(from uint64) (Entry, bool) {
	best := -1
	if s == nil {
		return Entry{}, false
	}
	for i, e := range s.entries {
		if e.Round < from {
			continue
		}
		if best < 0 || e.Round < s.entries[best].Round {
			best = i
		}
	}
	if best < 0 {
		return Entry{}, false
	}
	e := s.entries[best]
	return Entry{Round: e.Round, Amount: cloneBigInt(e.Amount)}, true
}

// Clone returns a deep copy.
func (s *Schedule) Clone() *Schedule {
	out := NewSchedule()
	if s == nil {
		return out
	}
	for _, e := range s.entries {
		out.Append(e.Round, e.Amount)
	}
	return out
}

func scheduleFrom(rounds []uint64, amounts []*big.Int) (*Schedule, error) {
	if len(rounds) != len(amounts) {
		return nil, ErrLengthMismatch
	}
	s := NewSchedule()
	for i, round := range rounds {
		if err := checkAmount(amounts[i], false); err != nil {
			return nil, err
		}
		if !s.Append(round, amounts[i]) {
			return nil, ErrDuplicateRound
		}
	}
	return s, nil
}

func sortedRounds(rounds []uint64) []uint64 {
	out := append([]uint64(nil), rounds...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ModifyAuctionAmount changes the amount committed to an already scheduled
// round.
func (e *Engine) ModifyAuctionAmount(ctx context.Context, caller, owner common.Address, round uint64, amount *big.Int) error {
	return e.ModifyAuctionAmountMulti(ctx, caller, owner, []uint64{round}, []*big.Int{amount})
}

// ModifyAuctionAmountMulti changes several scheduled amounts at once. Either
// every change applies or none does.
func (e *Engine) ModifyAuctionAmountMulti(ctx context.Context, caller, owner common.Address, rounds []uint64, amounts []*big.Int) error {
	return e.mutateSchedule(ctx, "modify_auction_amount", caller, owner, rounds, amounts, events.ScheduleActionModify,
		func(b *Buyback, round uint64, amount *big.Int) error {
			if !b.Schedule.Set(round, amount) {
				return ErrUnknownRound
			}
			return nil
		})
}

// ModifyAuctionIndex schedules a new round.
func (e *Engine) ModifyAuctionIndex(ctx context.Context, caller, owner common.Address, round uint64, amount *big.Int) error {
	return e.ModifyAuctionIndexMulti(ctx, caller, owner, []uint64{round}, []*big.Int{amount})
}

// ModifyAuctionIndexMulti schedules several new rounds at once.
func (e *Engine) ModifyAuctionIndexMulti(ctx context.Context, caller, owner common.Address, rounds []uint64, amounts []*big.Int) error {
	return e.mutateSchedule(ctx, "modify_auction_index", caller, owner, rounds, amounts, events.ScheduleActionAdd,
		func(b *Buyback, round uint64, amount *big.Int) error {
			if b.Pending != nil && b.Pending.Round == round {
				return ErrDuplicateRound
			}
			if !b.Schedule.Append(round, amount) {
				return ErrDuplicateRound
			}
			return nil
		})
}

// RemoveAuctionIndex drops a scheduled round.
func (e *Engine) RemoveAuctionIndex(ctx context.Context, caller, owner common.Address, round uint64) error {
	return e.RemoveAuctionIndexMulti(ctx, caller, owner, []uint64{round})
}

// RemoveAuctionIndexMulti drops several scheduled rounds at once.
func (e *Engine) RemoveAuctionIndexMulti(ctx context.Context, caller, owner common.Address, rounds []uint64) error {
	if len(rounds) == 0 {
		return ErrEmptySchedule
	}
	return e.execute(ctx, "remove_auction_index", func(op *operation) error {
		b, err := e.loadOwned(op.tx, caller, owner)
		if err != nil {
			return err
		}
		for _, round := range rounds {
			if _, ok := b.Schedule.Remove(round); !ok {
				return ErrUnknownRound
			}
		}
		if err := putBuyback(op.tx, b); err != nil {
			return err
		}
		op.emit(events.BuybackScheduleUpdated{Owner: owner, Action: events.ScheduleActionRemove, Rounds: append([]uint64(nil), rounds...)})
		return nil
	})
}

func (e *Engine) mutateSchedule(ctx context.Context, name string, caller, owner common.Address, rounds []uint64, amounts []*big.Int, action string, apply func(*Buyback, uint64, *big.Int) error) error {
	if len(rounds) == 0 {
		return ErrEmptySchedule
	}
	if len(rounds) != len(amounts) {
		return ErrLengthMismatch
	}
	for _, amount := range amounts {
		if err := checkAmount(amount, false); err != nil {
			return err
		}
	}
	return e.execute(ctx, name, func(op *operation) error {
		b, err := e.loadOwned(op.tx, caller, owner)
		if err != nil {
			return err
		}
		for i, round := range rounds {
			if err := apply(b, round, amounts[i]); err != nil {
				return err
			}
		}
		if err := e.ensureCovered(op.tx, b, b.SellToken); err != nil {
			return err
		}
		if err := putBuyback(op.tx, b); err != nil {
			return err
		}
		copied := make([]*big.Int, len(amounts))
		for i, amount := range amounts {
			copied[i] = cloneBigInt(amount)
		}
		op.emit(events.BuybackScheduleUpdated{Owner: owner, Action: action, Rounds: append([]uint64(nil), rounds...), Amounts: copied})
		return nil
	})
}

// GetAuctionAmount returns the amount scheduled for round.
func (e *Engine) GetAuctionAmount(owner common.Address, round uint64) (*big.Int, error) {
	b, err := e.GetBuyBack(owner)
	if err != nil {
		return nil, err
	}
	amount, ok := b.Schedule.Amount(round)
	if !ok {
		return nil, ErrUnknownRound
	}
	return amount, nil
}

// GetAuctionIndexes returns the scheduled round ids in ascending order.
func (e *Engine) GetAuctionIndexes(owner common.Address) ([]uint64, error) {
	b, err := e.GetBuyBack(owner)
	if err != nil {
		return nil, err
	}
	return sortedRounds(b.Schedule.Rounds()), nil
}
