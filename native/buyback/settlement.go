package buyback

import (
	"context"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"buyback/core/events"
)

// Claim settles the pending order once its round has closed. The owner's
// share of the round proceeds is forwarded to the burn address or credited
// to the owner's buy-token balance.
func (e *Engine) Claim(ctx context.Context, caller, owner common.Address) error {
	return e.execute(ctx, "claim", func(op *operation) error {
		b, err := e.load(op.tx, owner)
		if err != nil {
			return err
		}
		if caller != owner && !b.AllowExternalPoke {
			return ErrPokeBlocked
		}
		if b.Pending == nil {
			return ErrNoPendingOrder
		}
		pending := b.Pending
		current, err := e.exchange.GetAuctionIndex(ctx, b.SellToken, b.BuyToken)
		if err != nil {
			return transferError("exchange_auction_index", err)
		}
		if current <= pending.Round {
			return ErrRoundOpen
		}
		if err := e.retrieveProceeds(ctx, b.SellToken, b.BuyToken, pending.Round); err != nil {
			return err
		}
		num, den, err := e.exchange.GetCurrentAuctionPrice(ctx, b.SellToken, b.BuyToken, pending.Round)
		if err != nil {
			return transferError("exchange_auction_price", err)
		}

		pool, err := getRoundPool(op.tx, b.SellToken, b.BuyToken, pending.Round)
		if err != nil {
			return err
		}
		sold := cloneBigInt(pending.Amount)
		share := pool.share(sold)
		pool.Distributed.Add(pool.Distributed, share)
		if err := putRoundPool(op.tx, b.SellToken, b.BuyToken, pending.Round, pool); err != nil {
			return err
		}

		sellKey := balanceKey(owner, b.SellToken)
		sellBalance, err := getAmount(op.tx, sellKey)
		if err != nil {
			return err
		}
		if sellBalance.Cmp(sold) < 0 {
			return ErrScheduleExceedsDeposit
		}
		if err := putAmount(op.tx, sellKey, sellBalance.Sub(sellBalance, sold)); err != nil {
			return err
		}

		recipient := owner
		if b.BurnEnabled {
			recipient = b.BurnAddress
			if share.Sign() > 0 {
				buy, burn, amount := b.BuyToken, b.BurnAddress, cloneBigInt(share)
				op.interact("token_transfer_burn", func(ctx context.Context) error {
					return e.token.Transfer(ctx, buy, burn, amount)
				})
			}
		} else {
			buyKey := balanceKey(owner, b.BuyToken)
			buyBalance, err := getAmount(op.tx, buyKey)
			if err != nil {
				return err
			}
			if err := putAmount(op.tx, buyKey, buyBalance.Add(buyBalance, share)); err != nil {
				return err
			}
		}

		b.Pending = nil
		b.Claimed, b.ClaimedRound = true, pending.Round
		b.LastPostedAt = op.now
		if err := putBuyback(op.tx, b); err != nil {
			return err
		}
		op.pendingDelta = -1
		op.emit(events.BuybackOrderClaimed{
			Owner:     owner,
			Round:     pending.Round,
			Sold:      sold,
			Amount:    share,
			Burned:    b.BurnEnabled,
			Recipient: recipient,
			PriceNum:  cloneBigInt(num),
			PriceDen:  cloneBigInt(den),
		})
		return nil
	})
}

// retrieveProceeds pulls the custody's proceeds for a closed round out of the
// exchange. It runs at most once per round; each completed step is committed
// on its own because the exchange side cannot be rolled back.
func (e *Engine) retrieveProceeds(ctx context.Context, sell, buy common.Address, round uint64) error {
	pool, err := getRoundPool(e.state, sell, buy, round)
	if err != nil {
		return err
	}
	if !pool.Retrieved {
		proceeds, err := e.exchange.ClaimSellerFunds(ctx, sell, buy, e.custody, round)
		if err != nil {
			return transferError("exchange_claim_seller_funds", err)
		}
		pool.Retrieved = true
		pool.Proceeds = cloneBigInt(proceeds)
		if err := e.commitRoundPool(sell, buy, round, pool); err != nil {
			return err
		}
		e.logger.Info("buyback round proceeds retrieved",
			slog.String("sell", sell.Hex()),
			slog.String("buy", buy.Hex()),
			slog.Uint64("round", round),
			slog.String("proceeds", pool.Proceeds.String()))
	}
	if !pool.Withdrawn {
		if pool.Proceeds.Sign() > 0 {
			if err := e.exchange.Withdraw(ctx, buy, pool.Proceeds); err != nil {
				return transferError("exchange_withdraw", err)
			}
		}
		pool.Withdrawn = true
		if err := e.commitRoundPool(sell, buy, round, pool); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) commitRoundPool(sell, buy common.Address, round uint64, pool *roundPool) error {
	tx := e.state.Begin()
	if err := putRoundPool(tx, sell, buy, round, pool); err != nil {
		tx.Discard()
		return err
	}
	_, err := tx.Commit()
	return err
}

// ReleaseBuyBackFund cancels the pending order while its round is still open.
// The amount becomes available again and the round id is dropped.
func (e *Engine) ReleaseBuyBackFund(ctx context.Context, caller, owner common.Address) error {
	return e.execute(ctx, "release", func(op *operation) error {
		b, err := e.loadOwned(op.tx, caller, owner)
		if err != nil {
			return err
		}
		if b.Pending == nil {
			if b.Claimed {
				return ErrRoundClosed
			}
			return ErrNoPendingOrder
		}
		current, err := e.exchange.GetAuctionIndex(ctx, b.SellToken, b.BuyToken)
		if err != nil {
			return transferError("exchange_auction_index", err)
		}
		if current > b.Pending.Round {
			return ErrRoundClosed
		}
		released := b.Pending
		b.Pending = nil
		if err := putBuyback(op.tx, b); err != nil {
			return err
		}
		op.pendingDelta = -1
		op.emit(events.BuybackOrderReleased{
			Owner:               owner,
			Round:               released.Round,
			TotalAmountReleased: cloneBigInt(released.Amount),
		})
		return nil
	})
}
