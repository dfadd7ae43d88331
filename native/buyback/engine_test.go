package buyback

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"buyback/core/events"
	"buyback/core/state"
	"buyback/integrations/dutchx"
	"buyback/storage"
)

var (
	custodyAddr = common.HexToAddress("0x00000000000000000000000000000000000c0de0")
	ownerAddr   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	otherAddr   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	keeperAddr  = common.HexToAddress("0x00000000000000000000000000000000000000c3")
	sellToken   = common.HexToAddress("0x0000000000000000000000000000000000005e11")
	buyToken    = common.HexToAddress("0x0000000000000000000000000000000000000b07")
	altToken    = common.HexToAddress("0x000000000000000000000000000000000000a170")
	burnAddr    = common.HexToAddress("0x000000000000000000000000000000000000dead")
)

func units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000_000_000_000))
}

type testEnv struct {
	t        *testing.T
	ctx      context.Context
	engine   *Engine
	sim      *dutchx.Simulator
	recorder *events.Recorder
	now      int64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	sim := dutchx.NewSimulator(custodyAddr)
	env := &testEnv{t: t, ctx: context.Background(), sim: sim, recorder: &events.Recorder{}, now: 1_700_000_000}
	env.engine = NewEngine(Config{Exchange: sim, Token: sim, Coin: sim, Custody: custodyAddr})
	env.engine.SetState(state.NewManager(storage.NewMemDB()))
	env.engine.SetEmitter(env.recorder)
	env.engine.SetNowFunc(func() int64 { return env.now })
	return env
}

func (env *testEnv) deposit(owner, token common.Address, amount *big.Int) {
	env.t.Helper()
	env.sim.Mint(token, owner, amount)
	env.sim.Allow(token, owner, custodyAddr, amount)
	require.NoError(env.t, env.engine.Deposit(env.ctx, owner, token, amount))
}

func (env *testEnv) addDefault(owner common.Address, mutate func(*Params)) {
	env.t.Helper()
	p := Params{
		SellToken:       sellToken,
		BuyToken:        buyToken,
		BurnAddress:     burnAddr,
		Rounds:          []uint64{0, 1},
		Amounts:         []*big.Int{units(1), units(1)},
		Tip:             big.NewInt(0),
		IntervalSeconds: 3600,
	}
	if mutate != nil {
		mutate(&p)
	}
	require.NoError(env.t, env.engine.AddBuyBack(env.ctx, owner, owner, p))
}

func (env *testEnv) balance(owner, token common.Address) *big.Int {
	env.t.Helper()
	b, err := env.engine.GetBalance(owner, token)
	require.NoError(env.t, err)
	return b
}

func requireAmount(t *testing.T, want, got *big.Int) {
	t.Helper()
	require.Zerof(t, want.Cmp(got), "want %s got %s", want, got)
}

func TestDepositAndAddBuyBack(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(ownerAddr, sellToken, units(40))
	env.addDefault(ownerAddr, nil)

	requireAmount(t, units(40), env.balance(ownerAddr, sellToken))
	requireAmount(t, units(40), env.sim.TokenBalance(sellToken, custodyAddr))
	created := env.recorder.OfType(events.TypeBuybackCreated)
	require.Len(t, created, 1)
	require.Equal(t, ownerAddr.Hex(), created[0].Attr("owner"))

	sb, err := env.engine.GetSellTokenBalance(ownerAddr)
	require.NoError(t, err)
	requireAmount(t, units(2), sb.Scheduled)
	requireAmount(t, units(38), sb.Available)

	indexes, err := env.engine.GetAuctionIndexes(ownerAddr)
	require.NoError(t, err)
	require.Equal(t, []uint64{0, 1}, indexes)

	owners, err := env.engine.ListOwners()
	require.NoError(t, err)
	require.Equal(t, []common.Address{ownerAddr}, owners)

	err = env.engine.AddBuyBack(env.ctx, ownerAddr, ownerAddr, Params{
		SellToken: sellToken, BuyToken: buyToken, Rounds: []uint64{5}, Amounts: []*big.Int{units(1)},
	})
	require.ErrorIs(t, err, ErrExists)
}

func TestAddBuyBackValidation(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(ownerAddr, sellToken, units(3))
	base := Params{SellToken: sellToken, BuyToken: buyToken, Rounds: []uint64{0}, Amounts: []*big.Int{units(1)}}

	cases := []struct {
		name   string
		mutate func(*Params)
		want   error
	}{
		{"empty", func(p *Params) { p.Rounds, p.Amounts = nil, nil }, ErrEmptySchedule},
		{"mismatch", func(p *Params) { p.Rounds = []uint64{0, 1} }, ErrLengthMismatch},
		{"duplicate", func(p *Params) { p.Rounds, p.Amounts = []uint64{2, 2}, []*big.Int{units(1), units(1)} }, ErrDuplicateRound},
		{"same token", func(p *Params) { p.BuyToken = sellToken }, ErrInvalidToken},
		{"burn without address", func(p *Params) { p.BurnEnabled = true }, ErrBurnAddress},
		{"negative amount", func(p *Params) { p.Amounts = []*big.Int{big.NewInt(-1)} }, ErrInvalidAmount},
		{"zero amount", func(p *Params) { p.Amounts = []*big.Int{big.NewInt(0)} }, ErrInvalidAmount},
		{"exceeds deposit", func(p *Params) { p.Amounts = []*big.Int{units(4)} }, ErrScheduleExceedsDeposit},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := base
			tc.mutate(&p)
			err := env.engine.AddBuyBack(env.ctx, ownerAddr, ownerAddr, p)
			require.ErrorIs(t, err, tc.want)
		})
	}
	require.ErrorIs(t, env.engine.AddBuyBack(env.ctx, otherAddr, ownerAddr, base), ErrUnauthorized)
	_, err := env.engine.GetBuyBack(ownerAddr)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPostSellOrderCommitsNextRound(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(ownerAddr, sellToken, units(40))
	env.addDefault(ownerAddr, nil)

	require.NoError(t, env.engine.PostSellOrder(env.ctx, ownerAddr, ownerAddr))

	b, err := env.engine.GetBuyBack(ownerAddr)
	require.NoError(t, err)
	require.NotNil(t, b.Pending)
	require.Equal(t, uint64(0), b.Pending.Round)
	require.False(t, b.Schedule.Has(0))
	requireAmount(t, units(2), b.Committed())
	requireAmount(t, units(1), env.sim.SellVolume(sellToken, buyToken, 0))

	posted := env.recorder.OfType(events.TypeOrderPosted)
	require.Len(t, posted, 1)
	require.Equal(t, "0", posted[0].Attr("round"))
	require.Equal(t, units(1).String(), posted[0].Attr("sellerBalance"))
	require.Equal(t, units(2).String(), posted[0].Attr("committedBalance"))

	err = env.engine.PostSellOrder(env.ctx, ownerAddr, ownerAddr)
	require.ErrorIs(t, err, ErrOrderPending)
	require.ErrorIs(t, err, ErrState)
}

func TestPostSkipsPastRounds(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(ownerAddr, sellToken, units(40))
	env.addDefault(ownerAddr, func(p *Params) {
		p.Rounds = []uint64{9, 2, 5}
		p.Amounts = []*big.Int{units(1), units(1), units(1)}
	})
	env.sim.SetAuctionIndex(sellToken, buyToken, 3)

	require.NoError(t, env.engine.PostSellOrder(env.ctx, ownerAddr, ownerAddr))
	b, err := env.engine.GetBuyBack(ownerAddr)
	require.NoError(t, err)
	require.Equal(t, uint64(5), b.Pending.Round)

	env.sim.SetAuctionIndex(sellToken, buyToken, 20)
	require.ErrorIs(t, env.engine.ReleaseBuyBackFund(env.ctx, ownerAddr, ownerAddr), ErrRoundClosed)
	require.ErrorIs(t, env.engine.PostSellOrder(env.ctx, ownerAddr, ownerAddr), ErrOrderPending)
}

func TestClaimWithBurnForwardsProceeds(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(ownerAddr, sellToken, units(40))
	env.addDefault(ownerAddr, func(p *Params) { p.BurnEnabled = true })
	env.sim.SetPrice(sellToken, buyToken, big.NewInt(2), big.NewInt(1))

	require.NoError(t, env.engine.PostSellOrder(env.ctx, ownerAddr, ownerAddr))
	require.ErrorIs(t, env.engine.Claim(env.ctx, ownerAddr, ownerAddr), ErrRoundOpen)

	env.sim.ClearRound(sellToken, buyToken)
	env.now += 60
	require.NoError(t, env.engine.Claim(env.ctx, ownerAddr, ownerAddr))

	requireAmount(t, units(2), env.sim.TokenBalance(buyToken, burnAddr))
	requireAmount(t, units(39), env.balance(ownerAddr, sellToken))
	requireAmount(t, big.NewInt(0), env.balance(ownerAddr, buyToken))

	claimed := env.recorder.OfType(events.TypeOrderClaimed)
	require.Len(t, claimed, 1)
	require.Equal(t, units(2).String(), claimed[0].Attr("amount"))
	require.Equal(t, "true", claimed[0].Attr("burned"))
	require.Equal(t, "2", claimed[0].Attr("priceNum"))

	b, err := env.engine.GetBuyBack(ownerAddr)
	require.NoError(t, err)
	require.Nil(t, b.Pending)
	require.Equal(t, env.now, b.LastPostedAt)
	require.True(t, b.Claimed)
	require.Equal(t, uint64(0), b.ClaimedRound)

	err = env.engine.ReleaseBuyBackFund(env.ctx, ownerAddr, ownerAddr)
	require.ErrorIs(t, err, ErrRoundClosed)
	require.ErrorIs(t, err, ErrState)
}

func TestClaimWithoutBurnCreditsOwner(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(ownerAddr, sellToken, units(40))
	env.addDefault(ownerAddr, nil)
	env.sim.SetPrice(sellToken, buyToken, big.NewInt(3), big.NewInt(2))

	require.NoError(t, env.engine.PostSellOrder(env.ctx, ownerAddr, ownerAddr))
	env.sim.ClearRound(sellToken, buyToken)
	require.NoError(t, env.engine.Claim(env.ctx, ownerAddr, ownerAddr))

	want := new(big.Int).Div(new(big.Int).Mul(units(1), big.NewInt(3)), big.NewInt(2))
	requireAmount(t, want, env.balance(ownerAddr, buyToken))
	requireAmount(t, want, env.sim.TokenBalance(buyToken, custodyAddr))

	require.NoError(t, env.engine.Withdraw(env.ctx, ownerAddr, buyToken, ownerAddr, want))
	requireAmount(t, want, env.sim.TokenBalance(buyToken, ownerAddr))
}

func TestCooldownBlocksRepost(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(ownerAddr, sellToken, units(40))
	env.addDefault(ownerAddr, nil)

	require.NoError(t, env.engine.PostSellOrder(env.ctx, ownerAddr, ownerAddr))
	env.sim.ClearRound(sellToken, buyToken)
	require.NoError(t, env.engine.Claim(env.ctx, ownerAddr, ownerAddr))

	env.now += 10
	err := env.engine.PostSellOrder(env.ctx, ownerAddr, ownerAddr)
	require.ErrorIs(t, err, ErrCooldown)
	require.ErrorIs(t, err, ErrState)

	env.now += 3600
	require.NoError(t, env.engine.PostSellOrder(env.ctx, ownerAddr, ownerAddr))
	b, err := env.engine.GetBuyBack(ownerAddr)
	require.NoError(t, err)
	require.Equal(t, uint64(1), b.Pending.Round)
	require.Equal(t, 0, b.Schedule.Len())
}

func TestReleaseOpenRound(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(ownerAddr, sellToken, units(40))
	env.addDefault(ownerAddr, nil)
	require.NoError(t, env.engine.PostSellOrder(env.ctx, ownerAddr, ownerAddr))

	require.ErrorIs(t, env.engine.ReleaseBuyBackFund(env.ctx, otherAddr, ownerAddr), ErrUnauthorized)
	require.NoError(t, env.engine.ReleaseBuyBackFund(env.ctx, ownerAddr, ownerAddr))

	released := env.recorder.OfType(events.TypeOrderReleased)
	require.Len(t, released, 1)
	require.Equal(t, units(1).String(), released[0].Attr("totalAmountReleased"))

	sb, err := env.engine.GetSellTokenBalance(ownerAddr)
	require.NoError(t, err)
	requireAmount(t, units(39), sb.Available)
	requireAmount(t, big.NewInt(0), sb.Pending)

	indexes, err := env.engine.GetAuctionIndexes(ownerAddr)
	require.NoError(t, err)
	require.Equal(t, []uint64{1}, indexes)

	require.ErrorIs(t, env.engine.ReleaseBuyBackFund(env.ctx, ownerAddr, ownerAddr), ErrNoPendingOrder)
}

func TestReleaseClosedRoundFails(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(ownerAddr, sellToken, units(40))
	env.addDefault(ownerAddr, nil)
	require.NoError(t, env.engine.PostSellOrder(env.ctx, ownerAddr, ownerAddr))
	env.sim.ClearRound(sellToken, buyToken)

	err := env.engine.ReleaseBuyBackFund(env.ctx, ownerAddr, ownerAddr)
	require.ErrorIs(t, err, ErrRoundClosed)
}

func TestExternalPokePaysTip(t *testing.T) {
	env := newTestEnv(t)
	tip := big.NewInt(1_000_000_000_000_000)
	env.deposit(ownerAddr, sellToken, units(40))
	env.addDefault(ownerAddr, func(p *Params) { p.Tip = tip })

	require.ErrorIs(t, env.engine.PostSellOrder(env.ctx, keeperAddr, ownerAddr), ErrPokeBlocked)
	require.NoError(t, env.engine.ModifyExternalPoke(env.ctx, ownerAddr, ownerAddr, true))
	require.ErrorIs(t, env.engine.PostSellOrder(env.ctx, keeperAddr, ownerAddr), ErrTipPoolShort)

	pool := new(big.Int).Mul(tip, big.NewInt(10))
	env.sim.FundNative(ownerAddr, pool)
	require.NoError(t, env.engine.DepositEther(env.ctx, ownerAddr, pool))
	require.NoError(t, env.engine.PostSellOrder(env.ctx, keeperAddr, ownerAddr))

	requireAmount(t, tip, env.sim.NativeBalance(keeperAddr))
	etherLeft, err := env.engine.GetEtherBalance(ownerAddr)
	require.NoError(t, err)
	requireAmount(t, new(big.Int).Sub(pool, tip), etherLeft)

	posted := env.recorder.OfType(events.TypeOrderPosted)
	require.Len(t, posted, 1)
	require.Equal(t, keeperAddr.Hex(), posted[0].Attr("caller"))
	require.Equal(t, tip.String(), posted[0].Attr("tip"))

	require.ErrorIs(t, env.engine.WithdrawEther(env.ctx, ownerAddr, ownerAddr, pool), ErrInsufficientBalance)
	require.NoError(t, env.engine.WithdrawEther(env.ctx, ownerAddr, ownerAddr, etherLeft))
	requireAmount(t, etherLeft, env.sim.NativeBalance(ownerAddr))
}

func TestWithdrawRespectsCommitments(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(ownerAddr, sellToken, units(40))
	env.addDefault(ownerAddr, nil)

	err := env.engine.Withdraw(env.ctx, ownerAddr, sellToken, ownerAddr, units(39))
	require.ErrorIs(t, err, ErrInsufficientBalance)
	require.NoError(t, env.engine.Withdraw(env.ctx, ownerAddr, sellToken, ownerAddr, units(38)))
	requireAmount(t, units(2), env.balance(ownerAddr, sellToken))
	requireAmount(t, units(38), env.sim.TokenBalance(sellToken, ownerAddr))

	require.ErrorIs(t, env.engine.Withdraw(env.ctx, ownerAddr, sellToken, ownerAddr, big.NewInt(1)), ErrInsufficientBalance)
	require.ErrorIs(t, env.engine.Withdraw(env.ctx, ownerAddr, sellToken, common.Address{}, big.NewInt(1)), ErrValidation)
	require.ErrorIs(t, env.engine.Withdraw(env.ctx, ownerAddr, sellToken, ownerAddr, big.NewInt(0)), ErrValidation)
}

func TestMultiScheduleUpdatesAreAtomic(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(ownerAddr, sellToken, units(40))
	env.addDefault(ownerAddr, nil)

	err := env.engine.ModifyAuctionAmountMulti(env.ctx, ownerAddr, ownerAddr, []uint64{0, 1}, []*big.Int{units(2)})
	require.ErrorIs(t, err, ErrLengthMismatch)
	err = env.engine.ModifyAuctionAmountMulti(env.ctx, ownerAddr, ownerAddr, []uint64{0, 7}, []*big.Int{units(2), units(2)})
	require.ErrorIs(t, err, ErrUnknownRound)
	err = env.engine.ModifyAuctionIndexMulti(env.ctx, ownerAddr, ownerAddr, []uint64{4, 1}, []*big.Int{units(1), units(1)})
	require.ErrorIs(t, err, ErrDuplicateRound)
	err = env.engine.ModifyAuctionIndexMulti(env.ctx, ownerAddr, ownerAddr, []uint64{4, 5}, []*big.Int{units(20), units(20)})
	require.ErrorIs(t, err, ErrScheduleExceedsDeposit)
	err = env.engine.ModifyAuctionAmount(env.ctx, ownerAddr, ownerAddr, 0, big.NewInt(0))
	require.ErrorIs(t, err, ErrInvalidAmount)
	err = env.engine.ModifyAuctionIndex(env.ctx, ownerAddr, ownerAddr, 6, big.NewInt(0))
	require.ErrorIs(t, err, ErrInvalidAmount)

	for _, round := range []uint64{0, 1} {
		amount, err := env.engine.GetAuctionAmount(ownerAddr, round)
		require.NoError(t, err)
		requireAmount(t, units(1), amount)
	}
	indexes, err := env.engine.GetAuctionIndexes(ownerAddr)
	require.NoError(t, err)
	require.Equal(t, []uint64{0, 1}, indexes)
	require.Empty(t, env.recorder.OfType(events.TypeScheduleUpdated))

	require.NoError(t, env.engine.ModifyAuctionAmountMulti(env.ctx, ownerAddr, ownerAddr, []uint64{0, 1}, []*big.Int{units(3), units(4)}))
	require.NoError(t, env.engine.ModifyAuctionIndex(env.ctx, ownerAddr, ownerAddr, 8, units(5)))
	amount, err := env.engine.GetAuctionAmount(ownerAddr, 8)
	require.NoError(t, err)
	requireAmount(t, units(5), amount)
	require.Len(t, env.recorder.OfType(events.TypeScheduleUpdated), 2)
}

func TestAddRemoveRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(ownerAddr, sellToken, units(40))
	env.addDefault(ownerAddr, nil)

	require.ErrorIs(t, env.engine.RemoveBuyBack(env.ctx, ownerAddr, ownerAddr), ErrBalanceNotZero)
	require.ErrorIs(t, env.engine.RemoveAuctionIndexMulti(env.ctx, ownerAddr, ownerAddr, nil), ErrValidation)
	require.ErrorIs(t, env.engine.RemoveAuctionIndexMulti(env.ctx, ownerAddr, ownerAddr, []uint64{0, 3}), ErrUnknownRound)
	require.NoError(t, env.engine.RemoveAuctionIndexMulti(env.ctx, ownerAddr, ownerAddr, []uint64{0, 1}))
	require.NoError(t, env.engine.RemoveBuyBack(env.ctx, ownerAddr, ownerAddr))

	_, err := env.engine.GetBuyBack(ownerAddr)
	require.ErrorIs(t, err, ErrNotFound)
	owners, err := env.engine.ListOwners()
	require.NoError(t, err)
	require.Empty(t, owners)
	require.Len(t, env.recorder.OfType(events.TypeBuybackRemoved), 1)

	env.addDefault(ownerAddr, nil)
	require.NoError(t, env.engine.RemoveAuctionIndex(env.ctx, ownerAddr, ownerAddr, 1))
	indexes, err := env.engine.GetAuctionIndexes(ownerAddr)
	require.NoError(t, err)
	require.Equal(t, []uint64{0}, indexes)
}

func TestModifyFields(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(ownerAddr, sellToken, units(40))
	env.deposit(ownerAddr, altToken, units(1))
	env.addDefault(ownerAddr, func(p *Params) { p.BurnAddress = common.Address{} })
	ctx := env.ctx

	require.ErrorIs(t, env.engine.ModifyBurn(ctx, ownerAddr, ownerAddr, true), ErrBurnAddress)
	require.NoError(t, env.engine.ModifyBurnAddress(ctx, ownerAddr, ownerAddr, burnAddr))
	require.NoError(t, env.engine.ModifyBurn(ctx, ownerAddr, ownerAddr, true))
	require.ErrorIs(t, env.engine.ModifyBurnAddress(ctx, ownerAddr, ownerAddr, common.Address{}), ErrBurnAddress)
	require.NoError(t, env.engine.ModifyTip(ctx, ownerAddr, ownerAddr, big.NewInt(7)))
	require.NoError(t, env.engine.ModifyTimeInterval(ctx, ownerAddr, ownerAddr, 60))
	require.ErrorIs(t, env.engine.ModifyTip(ctx, otherAddr, ownerAddr, big.NewInt(1)), ErrNotOwner)

	require.ErrorIs(t, env.engine.ModifySellToken(ctx, ownerAddr, ownerAddr, altToken), ErrScheduleExceedsDeposit)
	require.ErrorIs(t, env.engine.ModifyBuyToken(ctx, ownerAddr, ownerAddr, sellToken), ErrInvalidToken)
	require.NoError(t, env.engine.ModifyBuyToken(ctx, ownerAddr, ownerAddr, altToken))

	b, err := env.engine.GetBuyBack(ownerAddr)
	require.NoError(t, err)
	require.True(t, b.BurnEnabled)
	require.Equal(t, burnAddr, b.BurnAddress)
	require.Equal(t, uint64(60), b.IntervalSeconds)
	requireAmount(t, big.NewInt(7), b.Tip)
	require.Equal(t, altToken, b.BuyToken)

	burn, err := env.engine.GetBurnAddress(ownerAddr)
	require.NoError(t, err)
	require.Equal(t, burnAddr, burn)

	updates := env.recorder.OfType(events.TypeBuybackUpdated)
	require.Len(t, updates, 5)
	require.Equal(t, FieldBuyToken, updates[4].Attr("field"))
	require.Equal(t, altToken.Hex(), updates[4].Attr("value"))

	require.NoError(t, env.engine.PostSellOrder(ctx, ownerAddr, ownerAddr))
	require.ErrorIs(t, env.engine.ModifyBuyToken(ctx, ownerAddr, ownerAddr, buyToken), ErrTokenChangeDenied)
	require.ErrorIs(t, env.engine.ModifySellToken(ctx, ownerAddr, ownerAddr, altToken), ErrTokenChangeDenied)
	require.ErrorIs(t, env.engine.ModifyAuctionIndex(ctx, ownerAddr, ownerAddr, 0, units(1)), ErrDuplicateRound)
}

func TestInteractionFailureRevertsState(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(ownerAddr, sellToken, units(40))
	env.addDefault(ownerAddr, nil)
	env.recorder.Reset()

	boom := errors.New("exchange offline")
	env.sim.Fail("PostSellOrder", boom)
	err := env.engine.PostSellOrder(env.ctx, ownerAddr, ownerAddr)
	require.ErrorIs(t, err, ErrTransfer)
	require.ErrorIs(t, err, boom)

	b, err := env.engine.GetBuyBack(ownerAddr)
	require.NoError(t, err)
	require.Nil(t, b.Pending)
	require.True(t, b.Schedule.Has(0))
	require.Zero(t, b.LastPostedAt)
	require.Empty(t, env.recorder.Events())
	requireAmount(t, units(40), env.sim.TokenBalance(sellToken, custodyAddr))
	requireAmount(t, big.NewInt(0), env.sim.ExchangeBalance(sellToken))
	requireAmount(t, big.NewInt(0), env.sim.SellVolume(sellToken, buyToken, 0))

	env.sim.Fail("PostSellOrder", nil)
	env.sim.Fail("TransferFrom", boom)
	env.sim.Mint(sellToken, ownerAddr, units(1))
	err = env.engine.Deposit(env.ctx, ownerAddr, sellToken, units(1))
	require.ErrorIs(t, err, ErrTransfer)
	requireAmount(t, units(40), env.balance(ownerAddr, sellToken))
	requireAmount(t, units(40), env.sim.TokenBalance(sellToken, custodyAddr))
	requireAmount(t, units(1), env.sim.TokenBalance(sellToken, ownerAddr))

	env.sim.Fail("TransferFrom", nil)
	env.sim.Fail("GetCurrentAuctionPrice", boom)
	require.NoError(t, env.engine.PostSellOrder(env.ctx, ownerAddr, ownerAddr))
	env.sim.ClearRound(sellToken, buyToken)
	require.ErrorIs(t, env.engine.Claim(env.ctx, ownerAddr, ownerAddr), ErrTransfer)
	b, err = env.engine.GetBuyBack(ownerAddr)
	require.NoError(t, err)
	require.NotNil(t, b.Pending)

	env.sim.Fail("GetCurrentAuctionPrice", nil)
	require.NoError(t, env.engine.Claim(env.ctx, ownerAddr, ownerAddr))
	requireAmount(t, units(1), env.balance(ownerAddr, buyToken))
	requireAmount(t, units(1), env.sim.TokenBalance(buyToken, custodyAddr))
	requireAmount(t, units(39), env.sim.TokenBalance(sellToken, custodyAddr))
}

func TestPostFailureRestoresCustody(t *testing.T) {
	for _, method := range []string{"Approve", "Deposit", "PostSellOrder"} {
		t.Run(method, func(t *testing.T) {
			env := newTestEnv(t)
			env.deposit(ownerAddr, sellToken, units(40))
			env.addDefault(ownerAddr, nil)

			boom := errors.New("collaborator offline")
			env.sim.Fail(method, boom)
			err := env.engine.PostSellOrder(env.ctx, ownerAddr, ownerAddr)
			require.ErrorIs(t, err, ErrTransfer)
			require.ErrorIs(t, err, boom)

			b, err := env.engine.GetBuyBack(ownerAddr)
			require.NoError(t, err)
			require.Nil(t, b.Pending)
			require.True(t, b.Schedule.Has(0))
			requireAmount(t, units(40), env.balance(ownerAddr, sellToken))
			requireAmount(t, units(40), env.sim.TokenBalance(sellToken, custodyAddr))
			requireAmount(t, big.NewInt(0), env.sim.ExchangeBalance(sellToken))
			requireAmount(t, big.NewInt(0), env.sim.SellVolume(sellToken, buyToken, 0))

			env.sim.Fail(method, nil)
			require.NoError(t, env.engine.PostSellOrder(env.ctx, ownerAddr, ownerAddr))
			requireAmount(t, units(1), env.sim.SellVolume(sellToken, buyToken, 0))
			requireAmount(t, big.NewInt(0), env.sim.ExchangeBalance(sellToken))

			require.NoError(t, env.engine.Withdraw(env.ctx, ownerAddr, sellToken, ownerAddr, units(38)))
			requireAmount(t, units(1), env.sim.TokenBalance(sellToken, custodyAddr))
		})
	}
}

func TestTipFailureKeepsPostedOrder(t *testing.T) {
	env := newTestEnv(t)
	tip := big.NewInt(1_000_000_000_000_000)
	pool := new(big.Int).Mul(tip, big.NewInt(10))
	env.deposit(ownerAddr, sellToken, units(40))
	env.addDefault(ownerAddr, func(p *Params) {
		p.Tip = tip
		p.AllowExternalPoke = true
	})
	env.sim.FundNative(ownerAddr, pool)
	require.NoError(t, env.engine.DepositEther(env.ctx, ownerAddr, pool))

	env.sim.Fail("Send", errors.New("coin transfer rejected"))
	require.NoError(t, env.engine.PostSellOrder(env.ctx, keeperAddr, ownerAddr))

	b, err := env.engine.GetBuyBack(ownerAddr)
	require.NoError(t, err)
	require.NotNil(t, b.Pending)
	require.Equal(t, uint64(0), b.Pending.Round)
	require.False(t, b.Schedule.Has(0))
	requireAmount(t, units(1), env.sim.SellVolume(sellToken, buyToken, 0))

	etherLeft, err := env.engine.GetEtherBalance(ownerAddr)
	require.NoError(t, err)
	requireAmount(t, pool, etherLeft)
	requireAmount(t, big.NewInt(0), env.sim.NativeBalance(keeperAddr))

	posted := env.recorder.OfType(events.TypeOrderPosted)
	require.Len(t, posted, 1)
	require.Equal(t, "0", posted[0].Attr("tip"))

	env.sim.Fail("Send", nil)
	require.ErrorIs(t, env.engine.PostSellOrder(env.ctx, ownerAddr, ownerAddr), ErrOrderPending)
	requireAmount(t, units(1), env.sim.SellVolume(sellToken, buyToken, 0))
}

type gatedToken struct {
	*dutchx.Simulator
	onApprove func()
}

func (g *gatedToken) Approve(ctx context.Context, token, spender common.Address, amount *big.Int) error {
	if g.onApprove != nil {
		g.onApprove()
	}
	return g.Simulator.Approve(ctx, token, spender, amount)
}

func TestReadsWaitForInteractions(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(ownerAddr, sellToken, units(40))
	env.addDefault(ownerAddr, nil)

	token := &gatedToken{Simulator: env.sim}
	engine := NewEngine(Config{Exchange: env.sim, Token: token, Coin: env.sim, Custody: custodyAddr})
	engine.SetState(env.engine.state)
	engine.SetNowFunc(func() int64 { return env.now })

	seen := make(chan *Buyback, 1)
	token.onApprove = func() {
		token.onApprove = nil
		go func() {
			b, err := engine.GetBuyBack(ownerAddr)
			if err != nil {
				seen <- nil
				return
			}
			seen <- b
		}()
		select {
		case <-seen:
			t.Errorf("read completed while the post was in flight")
		case <-time.After(50 * time.Millisecond):
		}
	}
	env.sim.Fail("PostSellOrder", errors.New("exchange offline"))
	require.ErrorIs(t, engine.PostSellOrder(env.ctx, ownerAddr, ownerAddr), ErrTransfer)

	select {
	case b := <-seen:
		require.NotNil(t, b)
		require.Nil(t, b.Pending, "read observed a reverted commit")
		require.True(t, b.Schedule.Has(0))
	case <-time.After(time.Second):
		t.Fatalf("read did not complete")
	}
}

func TestSharedRoundSplitsProceedsProRata(t *testing.T) {
	env := newTestEnv(t)
	env.sim.SetPrice(sellToken, buyToken, big.NewInt(2), big.NewInt(1))
	env.deposit(ownerAddr, sellToken, units(10))
	env.deposit(otherAddr, sellToken, units(10))
	env.addDefault(ownerAddr, func(p *Params) { p.Rounds, p.Amounts = []uint64{0}, []*big.Int{units(1)} })
	env.addDefault(otherAddr, func(p *Params) { p.Rounds, p.Amounts = []uint64{0}, []*big.Int{units(3)} })

	require.NoError(t, env.engine.PostSellOrder(env.ctx, ownerAddr, ownerAddr))
	require.NoError(t, env.engine.PostSellOrder(env.ctx, otherAddr, otherAddr))
	requireAmount(t, units(4), env.sim.SellVolume(sellToken, buyToken, 0))
	env.sim.ClearRound(sellToken, buyToken)

	require.NoError(t, env.engine.Claim(env.ctx, otherAddr, otherAddr))
	require.NoError(t, env.engine.Claim(env.ctx, ownerAddr, ownerAddr))
	requireAmount(t, units(2), env.balance(ownerAddr, buyToken))
	requireAmount(t, units(6), env.balance(otherAddr, buyToken))
	requireAmount(t, units(8), env.sim.TokenBalance(buyToken, custodyAddr))
}

func TestEngineRequiresState(t *testing.T) {
	engine := NewEngine(Config{})
	require.ErrorIs(t, engine.Deposit(context.Background(), ownerAddr, sellToken, big.NewInt(1)), ErrNilState)
	engine.SetState(state.NewManager(storage.NewMemDB()))
	require.ErrorIs(t, engine.Deposit(context.Background(), ownerAddr, sellToken, big.NewInt(1)), ErrNilCollaborator)
}
