package buyback

import (
	"context"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"buyback/core/events"
)

// Field names reported by BuybackUpdated.
const (
	FieldBurn         = "burn"
	FieldBurnAddress  = "burnAddress"
	FieldExternalPoke = "allowExternalPoke"
	FieldTip          = "tip"
	FieldTimeInterval = "intervalSeconds"
	FieldSellToken    = "sellToken"
	FieldBuyToken     = "buyToken"
)

func validateParams(p Params) error {
	if len(p.Rounds) == 0 || len(p.Amounts) == 0 {
		return ErrEmptySchedule
	}
	if len(p.Rounds) != len(p.Amounts) {
		return ErrLengthMismatch
	}
	if p.SellToken == (common.Address{}) || p.BuyToken == (common.Address{}) || p.SellToken == p.BuyToken {
		return ErrInvalidToken
	}
	if p.BurnEnabled && p.BurnAddress == (common.Address{}) {
		return ErrBurnAddress
	}
	return checkAmount(p.Tip, true)
}

// AddBuyBack creates the owner's configuration. The schedule must be fully
// covered by the owner's available sell-token balance.
func (e *Engine) AddBuyBack(ctx context.Context, caller, owner common.Address, p Params) error {
	if caller != owner {
		return ErrNotOwner
	}
	if err := validateParams(p); err != nil {
		return err
	}
	schedule, err := scheduleFrom(p.Rounds, p.Amounts)
	if err != nil {
		return err
	}
	return e.execute(ctx, "add_buyback", func(op *operation) error {
		if _, exists, err := getBuyback(op.tx, owner); err != nil {
			return err
		} else if exists {
			return ErrExists
		}
		b := &Buyback{
			Owner:             owner,
			SellToken:         p.SellToken,
			BuyToken:          p.BuyToken,
			BurnAddress:       p.BurnAddress,
			BurnEnabled:       p.BurnEnabled,
			AllowExternalPoke: p.AllowExternalPoke,
			Tip:               cloneBigInt(p.Tip),
			IntervalSeconds:   p.IntervalSeconds,
			CreatedAt:         op.now,
			Schedule:          schedule,
		}
		if err := e.ensureCovered(op.tx, b, b.SellToken); err != nil {
			return err
		}
		if err := putBuyback(op.tx, b); err != nil {
			return err
		}
		if err := op.tx.KVAppend(ownersIndexKey, owner.Bytes()); err != nil {
			return err
		}
		entries := schedule.Entries()
		rounds := make([]uint64, len(entries))
		amounts := make([]*big.Int, len(entries))
		for i, entry := range entries {
			rounds[i] = entry.Round
			amounts[i] = entry.Amount
		}
		op.emit(events.BuybackCreated{
			Owner:             owner,
			SellToken:         b.SellToken,
			BuyToken:          b.BuyToken,
			BurnAddress:       b.BurnAddress,
			BurnEnabled:       b.BurnEnabled,
			AllowExternalPoke: b.AllowExternalPoke,
			Tip:               cloneBigInt(b.Tip),
			IntervalSeconds:   b.IntervalSeconds,
			Rounds:            rounds,
			Amounts:           amounts,
		})
		return nil
	})
}

// modify loads the owner's configuration, applies fn and stores the result.
// fn returns the field value reported in the update event.
func (e *Engine) modify(ctx context.Context, name, field string, caller, owner common.Address, fn func(op *operation, b *Buyback) (string, error)) error {
	return e.execute(ctx, name, func(op *operation) error {
		b, err := e.loadOwned(op.tx, caller, owner)
		if err != nil {
			return err
		}
		value, err := fn(op, b)
		if err != nil {
			return err
		}
		if err := putBuyback(op.tx, b); err != nil {
			return err
		}
		op.emit(events.BuybackUpdated{Owner: owner, Field: field, Value: value})
		return nil
	})
}

// ModifyBurn toggles whether proceeds are forwarded to the burn address.
func (e *Engine) ModifyBurn(ctx context.Context, caller, owner common.Address, enabled bool) error {
	return e.modify(ctx, "modify_burn", FieldBurn, caller, owner, func(_ *operation, b *Buyback) (string, error) {
		if enabled && b.BurnAddress == (common.Address{}) {
			return "", ErrBurnAddress
		}
		b.BurnEnabled = enabled
		return strconv.FormatBool(enabled), nil
	})
}

// ModifyBurnAddress changes the burn sink.
func (e *Engine) ModifyBurnAddress(ctx context.Context, caller, owner, burnAddress common.Address) error {
	return e.modify(ctx, "modify_burn_address", FieldBurnAddress, caller, owner, func(_ *operation, b *Buyback) (string, error) {
		if b.BurnEnabled && burnAddress == (common.Address{}) {
			return "", ErrBurnAddress
		}
		b.BurnAddress = burnAddress
		return burnAddress.Hex(), nil
	})
}

// ModifyExternalPoke allows or forbids third parties to post orders.
func (e *Engine) ModifyExternalPoke(ctx context.Context, caller, owner common.Address, allow bool) error {
	return e.modify(ctx, "modify_external_poke", FieldExternalPoke, caller, owner, func(_ *operation, b *Buyback) (string, error) {
		b.AllowExternalPoke = allow
		return strconv.FormatBool(allow), nil
	})
}

// ModifyTip changes the ether tip paid to external callers.
func (e *Engine) ModifyTip(ctx context.Context, caller, owner common.Address, tip *big.Int) error {
	if err := checkAmount(tip, true); err != nil {
		return err
	}
	return e.modify(ctx, "modify_tip", FieldTip, caller, owner, func(_ *operation, b *Buyback) (string, error) {
		b.Tip = cloneBigInt(tip)
		return b.Tip.String(), nil
	})
}

// ModifyTimeInterval changes the minimum delay between posts.
func (e *Engine) ModifyTimeInterval(ctx context.Context, caller, owner common.Address, seconds uint64) error {
	return e.modify(ctx, "modify_time_interval", FieldTimeInterval, caller, owner, func(_ *operation, b *Buyback) (string, error) {
		b.IntervalSeconds = seconds
		return strconv.FormatUint(seconds, 10), nil
	})
}

// ModifySellToken switches the sell token. The commitments must be covered by
// the owner's balance of the new token.
func (e *Engine) ModifySellToken(ctx context.Context, caller, owner, token common.Address) error {
	if token == (common.Address{}) {
		return ErrInvalidToken
	}
	return e.modify(ctx, "modify_sell_token", FieldSellToken, caller, owner, func(op *operation, b *Buyback) (string, error) {
		if b.Pending != nil {
			return "", ErrTokenChangeDenied
		}
		if token == b.BuyToken {
			return "", ErrInvalidToken
		}
		b.SellToken = token
		if err := e.ensureCovered(op.tx, b, token); err != nil {
			return "", err
		}
		return token.Hex(), nil
	})
}

// ModifyBuyToken switches the token bought with the proceeds.
func (e *Engine) ModifyBuyToken(ctx context.Context, caller, owner, token common.Address) error {
	if token == (common.Address{}) {
		return ErrInvalidToken
	}
	return e.modify(ctx, "modify_buy_token", FieldBuyToken, caller, owner, func(op *operation, b *Buyback) (string, error) {
		if b.Pending != nil {
			return "", ErrTokenChangeDenied
		}
		if token == b.SellToken {
			return "", ErrInvalidToken
		}
		b.BuyToken = token
		if err := e.ensureCovered(op.tx, b, b.SellToken); err != nil {
			return "", err
		}
		return token.Hex(), nil
	})
}

// RemoveBuyBack deletes the owner's configuration once nothing is committed.
func (e *Engine) RemoveBuyBack(ctx context.Context, caller, owner common.Address) error {
	return e.execute(ctx, "remove_buyback", func(op *operation) error {
		b, err := e.loadOwned(op.tx, caller, owner)
		if err != nil {
			return err
		}
		if b.Committed().Sign() != 0 {
			return ErrBalanceNotZero
		}
		if err := op.tx.KVDelete(configKey(owner)); err != nil {
			return err
		}
		if err := op.tx.KVRemove(ownersIndexKey, owner.Bytes()); err != nil {
			return err
		}
		op.emit(events.BuybackRemoved{Owner: owner, Rounds: sortedRounds(b.Schedule.Rounds())})
		return nil
	})
}

// GetBuyBack returns a copy of the owner's configuration.
func (e *Engine) GetBuyBack(owner common.Address) (*Buyback, error) {
	if e.state == nil {
		return nil, ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.load(e.state, owner)
}

// GetBurnAddress returns the configured burn sink.
func (e *Engine) GetBurnAddress(owner common.Address) (common.Address, error) {
	b, err := e.GetBuyBack(owner)
	if err != nil {
		return common.Address{}, err
	}
	return b.BurnAddress, nil
}

// ListOwners returns every owner with a configuration, in creation order.
func (e *Engine) ListOwners() ([]common.Address, error) {
	if e.state == nil {
		return nil, ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	var raw [][]byte
	if err := e.state.KVGetList(ownersIndexKey, &raw); err != nil {
		return nil, err
	}
	owners := make([]common.Address, len(raw))
	for i, b := range raw {
		owners[i] = common.BytesToAddress(b)
	}
	return owners, nil
}
