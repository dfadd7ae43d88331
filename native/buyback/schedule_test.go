package buyback

import (
	"math/big"
	"testing"
)

func TestScheduleSwapRemoveKeepsIndex(t *testing.T) {
	s := NewSchedule()
	for _, round := range []uint64{10, 20, 30, 40} {
		if !s.Append(round, big.NewInt(int64(round))) {
			t.Fatalf("append %d failed", round)
		}
	}
	if s.Append(20, big.NewInt(1)) {
		t.Fatalf("expected duplicate append to fail")
	}
	if _, ok := s.Remove(20); !ok {
		t.Fatalf("remove 20 failed")
	}
	if s.Len() != 3 || s.Has(20) {
		t.Fatalf("unexpected schedule after remove: %v", s.Rounds())
	}
	amount, ok := s.Amount(40)
	if !ok || amount.Int64() != 40 {
		t.Fatalf("moved entry lost its amount: %v %v", amount, ok)
	}
	if !s.Set(40, big.NewInt(41)) {
		t.Fatalf("set on moved entry failed")
	}
	if _, ok := s.Remove(99); ok {
		t.Fatalf("expected remove of unknown round to fail")
	}
	if got := s.Total().Int64(); got != 10+30+41 {
		t.Fatalf("unexpected total %d", got)
	}
}

func TestScheduleNextPicksSmallestEligible(t *testing.T) {
	s := NewSchedule()
	s.Append(7, big.NewInt(1))
	s.Append(3, big.NewInt(1))
	s.Append(5, big.NewInt(1))

	e, ok := s.Next(4)
	if !ok || e.Round != 5 {
		t.Fatalf("expected round 5, got %+v %v", e, ok)
	}
	e, ok = s.Next(0)
	if !ok || e.Round != 3 {
		t.Fatalf("expected round 3, got %+v %v", e, ok)
	}
	if _, ok := s.Next(8); ok {
		t.Fatalf("expected no eligible round")
	}
}

func TestScheduleCloneIsIndependent(t *testing.T) {
	s := NewSchedule()
	s.Append(1, big.NewInt(5))
	clone := s.Clone()
	clone.Set(1, big.NewInt(9))
	clone.Append(2, big.NewInt(1))
	if amount, _ := s.Amount(1); amount.Int64() != 5 {
		t.Fatalf("clone mutated original amount")
	}
	if s.Len() != 1 {
		t.Fatalf("clone mutated original length")
	}
	var nilSchedule *Schedule
	if nilSchedule.Len() != 0 || nilSchedule.Total().Sign() != 0 || len(nilSchedule.Rounds()) != 0 {
		t.Fatalf("nil schedule should behave as empty")
	}
}

func TestStoredBuybackRoundTrip(t *testing.T) {
	b := &Buyback{
		Owner:        ownerAddr,
		SellToken:    sellToken,
		BuyToken:     buyToken,
		Tip:          big.NewInt(3),
		LastPostedAt: 1234,
		Schedule:     NewSchedule(),
		Pending:      &PendingOrder{Round: 4, Amount: big.NewInt(8), PostedAt: 1200},
		Claimed:      true,
		ClaimedRound: 3,
	}
	b.Schedule.Append(6, big.NewInt(2))
	got := newStoredBuyback(b).toBuyback()
	if got.Pending == nil || got.Pending.Round != 4 || got.Pending.Amount.Int64() != 8 {
		t.Fatalf("pending not preserved: %+v", got.Pending)
	}
	if got.Committed().Int64() != 10 {
		t.Fatalf("unexpected committed %s", got.Committed())
	}
	if got.LastPostedAt != 1234 {
		t.Fatalf("unexpected last posted %d", got.LastPostedAt)
	}
	if !got.Claimed || got.ClaimedRound != 3 {
		t.Fatalf("claimed round not preserved: %v %d", got.Claimed, got.ClaimedRound)
	}
}
