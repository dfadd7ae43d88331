package buyback

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"buyback/core/events"
)

// PostSellOrder commits the next scheduled tranche to the exchange. The
// owner may always post; anyone else may post when the configuration allows
// external pokes and is paid the configured tip out of the owner's ether
// pool.
func (e *Engine) PostSellOrder(ctx context.Context, caller, owner common.Address) error {
	return e.execute(ctx, "post_sell_order", func(op *operation) error {
		b, err := e.load(op.tx, owner)
		if err != nil {
			return err
		}
		external := caller != owner
		if external && !b.AllowExternalPoke {
			return ErrPokeBlocked
		}
		if b.Pending != nil {
			return ErrOrderPending
		}
		if b.LastPostedAt != 0 && op.now < b.LastPostedAt+int64(b.IntervalSeconds) {
			return ErrCooldown
		}
		if b.Schedule.Len() == 0 {
			return ErrNothingScheduled
		}
		current, err := e.exchange.GetAuctionIndex(ctx, b.SellToken, b.BuyToken)
		if err != nil {
			return transferError("exchange_auction_index", err)
		}
		entry, ok := b.Schedule.Next(current)
		if !ok {
			return ErrNothingScheduled
		}
		if err := e.ensureCovered(op.tx, b, b.SellToken); err != nil {
			return err
		}

		b.Schedule.Remove(entry.Round)
		b.Pending = &PendingOrder{Round: entry.Round, Amount: entry.Amount, PostedAt: op.now}
		b.LastPostedAt = op.now
		b.Claimed, b.ClaimedRound = false, 0

		tip := big.NewInt(0)
		if external && b.Tip.Sign() > 0 {
			key := etherKey(owner)
			pool, err := getAmount(op.tx, key)
			if err != nil {
				return err
			}
			if pool.Cmp(b.Tip) < 0 {
				return ErrTipPoolShort
			}
			tip.Set(b.Tip)
			if err := putAmount(op.tx, key, pool.Sub(pool, tip)); err != nil {
				return err
			}
		}

		round, err := getRoundPool(op.tx, b.SellToken, b.BuyToken, entry.Round)
		if err != nil {
			return err
		}
		round.TotalPosted.Add(round.TotalPosted, entry.Amount)
		if err := putRoundPool(op.tx, b.SellToken, b.BuyToken, entry.Round, round); err != nil {
			return err
		}
		if err := putBuyback(op.tx, b); err != nil {
			return err
		}

		sell, buy, amount := b.SellToken, b.BuyToken, cloneBigInt(entry.Amount)
		committed := b.Committed()
		op.reversible("token_approve", func(ctx context.Context) error {
			return e.token.Approve(ctx, sell, e.exchange.Address(), amount)
		}, func(ctx context.Context) error {
			return e.token.Approve(ctx, sell, e.exchange.Address(), big.NewInt(0))
		})
		op.reversible("exchange_deposit", func(ctx context.Context) error {
			return e.exchange.Deposit(ctx, sell, amount)
		}, func(ctx context.Context) error {
			return e.exchange.Withdraw(ctx, sell, amount)
		})
		op.irreversible("exchange_post_sell_order", func(ctx context.Context) error {
			sellerBalance, err := e.exchange.PostSellOrder(ctx, sell, buy, entry.Round, amount)
			if err != nil {
				return err
			}
			op.emit(events.BuybackOrderPosted{
				Owner:            owner,
				Caller:           caller,
				Round:            entry.Round,
				Amount:           amount,
				CommittedBalance: committed,
				SellerBalance:    cloneBigInt(sellerBalance),
				Tip:              tip,
			})
			return nil
		})
		if tip.Sign() > 0 {
			op.afterSettled("coin_send_tip", func(ctx context.Context) error {
				return e.coin.Send(ctx, caller, tip)
			}, func(error) {
				if err := e.refundTip(owner, tip); err != nil {
					e.logger.Error("buyback tip refund failed",
						slog.String("owner", owner.Hex()),
						slog.String("tip", tip.String()),
						slog.Any("error", err))
				}
				// The posted event reports the tip actually paid.
				tip.SetInt64(0)
			})
		}
		op.pendingDelta = 1
		e.logger.Debug("buyback order staged",
			"owner", owner.Hex(),
			"round", entry.Round,
			"amount", amount.String())
		return nil
	})
}

// refundTip credits an unpaid tip back to the owner's ether pool in its own
// commit.
func (e *Engine) refundTip(owner common.Address, tip *big.Int) error {
	tx := e.state.Begin()
	key := etherKey(owner)
	pool, err := getAmount(tx, key)
	if err != nil {
		tx.Discard()
		return err
	}
	if err := putAmount(tx, key, pool.Add(pool, tip)); err != nil {
		tx.Discard()
		return err
	}
	_, err = tx.Commit()
	return err
}
