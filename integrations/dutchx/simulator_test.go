package dutchx

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestSimulatorRoundLifecycle(t *testing.T) {
	ctx := context.Background()
	custody := common.HexToAddress("0x00000000000000000000000000000000000c0de0")
	sell := common.HexToAddress("0x0000000000000000000000000000000000000051")
	buy := common.HexToAddress("0x0000000000000000000000000000000000000052")
	sim := NewSimulator(custody)
	sim.Mint(sell, custody, big.NewInt(100))
	sim.SetPrice(sell, buy, big.NewInt(2), big.NewInt(1))

	if err := sim.Deposit(ctx, sell, big.NewInt(60)); err == nil {
		t.Fatalf("expected deposit without approval to fail")
	}
	if err := sim.Approve(ctx, sell, sim.Address(), big.NewInt(60)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := sim.Deposit(ctx, sell, big.NewInt(60)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	balance, err := sim.PostSellOrder(ctx, sell, buy, 0, big.NewInt(60))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if balance.Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("unexpected seller balance %s", balance)
	}
	if _, err := sim.ClaimSellerFunds(ctx, sell, buy, custody, 0); err == nil {
		t.Fatalf("expected claim before clearing to fail")
	}

	sim.ClearRound(sell, buy)
	index, _ := sim.GetAuctionIndex(ctx, sell, buy)
	if index != 1 {
		t.Fatalf("expected round 1, got %d", index)
	}
	proceeds, err := sim.ClaimSellerFunds(ctx, sell, buy, custody, 0)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if proceeds.Cmp(big.NewInt(120)) != 0 {
		t.Fatalf("unexpected proceeds %s", proceeds)
	}
	if err := sim.Withdraw(ctx, buy, proceeds); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got := sim.TokenBalance(buy, custody); got.Cmp(big.NewInt(120)) != 0 {
		t.Fatalf("unexpected custody buy balance %s", got)
	}
	num, den, _ := sim.GetCurrentAuctionPrice(ctx, sell, buy, 0)
	if num.Int64() != 2 || den.Int64() != 1 {
		t.Fatalf("unexpected clearing price %s/%s", num, den)
	}
}

func TestSimulatorFailureInjection(t *testing.T) {
	custody := common.HexToAddress("0x00000000000000000000000000000000000c0de0")
	sim := NewSimulator(custody)
	sim.FundNative(custody, big.NewInt(5))
	sim.Fail("Send", ErrInsufficientFunds)
	if err := sim.Send(context.Background(), common.HexToAddress("0x01"), big.NewInt(1)); err == nil {
		t.Fatalf("expected injected failure")
	}
	sim.Fail("Send", nil)
	if err := sim.Send(context.Background(), common.HexToAddress("0x01"), big.NewInt(1)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if sim.NativeBalance(custody).Int64() != 4 {
		t.Fatalf("unexpected custody balance %s", sim.NativeBalance(custody))
	}
}
