package buyback

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"buyback/core/events"
)

// Deposit pulls amount of token from caller into custody and credits the
// caller's ledger balance.
func (e *Engine) Deposit(ctx context.Context, caller, token common.Address, amount *big.Int) error {
	if token == (common.Address{}) {
		return ErrInvalidToken
	}
	if err := checkAmount(amount, false); err != nil {
		return err
	}
	return e.execute(ctx, "deposit", func(op *operation) error {
		return e.stageDeposit(op, caller, token, amount)
	})
}

// DepositSellToken deposits the sell token of the caller's configuration.
func (e *Engine) DepositSellToken(ctx context.Context, caller common.Address, amount *big.Int) error {
	if err := checkAmount(amount, false); err != nil {
		return err
	}
	return e.execute(ctx, "deposit_sell_token", func(op *operation) error {
		b, err := e.load(op.tx, caller)
		if err != nil {
			return err
		}
		return e.stageDeposit(op, caller, b.SellToken, amount)
	})
}

func (e *Engine) stageDeposit(op *operation, caller, token common.Address, amount *big.Int) error {
	key := balanceKey(caller, token)
	balance, err := getAmount(op.tx, key)
	if err != nil {
		return err
	}
	balance.Add(balance, amount)
	if err := checkAmount(balance, true); err != nil {
		return err
	}
	if err := putAmount(op.tx, key, balance); err != nil {
		return err
	}
	amt := cloneBigInt(amount)
	op.interact("token_transfer_from", func(ctx context.Context) error {
		return e.token.TransferFrom(ctx, token, caller, e.custody, amt)
	})
	op.emit(events.TokenDeposited{Account: caller, Token: token, Amount: amt, Balance: cloneBigInt(balance)})
	return nil
}

// Withdraw returns up to the available balance of token to the recipient.
// Sell-token amounts committed to the schedule or a pending order cannot be
// withdrawn.
func (e *Engine) Withdraw(ctx context.Context, caller, token, to common.Address, amount *big.Int) error {
	if token == (common.Address{}) {
		return ErrInvalidToken
	}
	if to == (common.Address{}) {
		return ErrInvalidRecipient
	}
	if err := checkAmount(amount, false); err != nil {
		return err
	}
	return e.execute(ctx, "withdraw", func(op *operation) error {
		key := balanceKey(caller, token)
		balance, err := getAmount(op.tx, key)
		if err != nil {
			return err
		}
		available, err := e.available(op.tx, caller, token, balance)
		if err != nil {
			return err
		}
		if amount.Cmp(available) > 0 {
			return ErrAmountExceedsAvailable
		}
		balance.Sub(balance, amount)
		if err := putAmount(op.tx, key, balance); err != nil {
			return err
		}
		amt := cloneBigInt(amount)
		op.interact("token_transfer", func(ctx context.Context) error {
			return e.token.Transfer(ctx, token, to, amt)
		})
		op.emit(events.TokenWithdrawn{Account: caller, Token: token, To: to, Amount: amt, Balance: cloneBigInt(balance)})
		return nil
	})
}

// DepositEther funds the caller's tip pool.
func (e *Engine) DepositEther(ctx context.Context, caller common.Address, amount *big.Int) error {
	if err := checkAmount(amount, false); err != nil {
		return err
	}
	return e.execute(ctx, "deposit_ether", func(op *operation) error {
		key := etherKey(caller)
		balance, err := getAmount(op.tx, key)
		if err != nil {
			return err
		}
		balance.Add(balance, amount)
		if err := checkAmount(balance, true); err != nil {
			return err
		}
		if err := putAmount(op.tx, key, balance); err != nil {
			return err
		}
		amt := cloneBigInt(amount)
		op.interact("coin_collect", func(ctx context.Context) error {
			return e.coin.Collect(ctx, caller, amt)
		})
		op.emit(events.EtherDeposited{Account: caller, Amount: amt, Balance: cloneBigInt(balance)})
		return nil
	})
}

// WithdrawEther pays out of the caller's tip pool.
func (e *Engine) WithdrawEther(ctx context.Context, caller, to common.Address, amount *big.Int) error {
	if to == (common.Address{}) {
		return ErrInvalidRecipient
	}
	if err := checkAmount(amount, false); err != nil {
		return err
	}
	return e.execute(ctx, "withdraw_ether", func(op *operation) error {
		key := etherKey(caller)
		balance, err := getAmount(op.tx, key)
		if err != nil {
			return err
		}
		if amount.Cmp(balance) > 0 {
			return ErrAmountExceedsAvailable
		}
		balance.Sub(balance, amount)
		if err := putAmount(op.tx, key, balance); err != nil {
			return err
		}
		amt := cloneBigInt(amount)
		op.interact("coin_send", func(ctx context.Context) error {
			return e.coin.Send(ctx, to, amt)
		})
		op.emit(events.EtherWithdrawn{Account: caller, To: to, Amount: amt, Balance: cloneBigInt(balance)})
		return nil
	})
}

// available is the part of balance that is not committed. Only the sell
// token of the owner's configuration carries commitments.
func (e *Engine) available(r kvReader, owner, token common.Address, balance *big.Int) (*big.Int, error) {
	b, ok, err := getBuyback(r, owner)
	if err != nil {
		return nil, err
	}
	if !ok || b.SellToken != token {
		return cloneBigInt(balance), nil
	}
	return subFloor(balance, b.Committed()), nil
}

// GetBalance returns the owner's ledger balance of token.
func (e *Engine) GetBalance(owner, token common.Address) (*big.Int, error) {
	if e.state == nil {
		return nil, ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return getAmount(e.state, balanceKey(owner, token))
}

// GetEtherBalance returns the owner's tip pool.
func (e *Engine) GetEtherBalance(owner common.Address) (*big.Int, error) {
	if e.state == nil {
		return nil, ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return getAmount(e.state, etherKey(owner))
}

// GetSellTokenBalance splits the owner's sell-token balance into its
// scheduled, pending and available parts.
func (e *Engine) GetSellTokenBalance(owner common.Address) (*SellTokenBalance, error) {
	if e.state == nil {
		return nil, ErrNilState
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	b, err := e.load(e.state, owner)
	if err != nil {
		return nil, err
	}
	total, err := getAmount(e.state, balanceKey(owner, b.SellToken))
	if err != nil {
		return nil, err
	}
	return &SellTokenBalance{
		Token:     b.SellToken,
		Total:     total,
		Scheduled: b.Schedule.Total(),
		Pending:   b.PendingAmount(),
		Available: subFloor(total, b.Committed()),
	}, nil
}

// GetTokenBalance queries the token contract directly.
func (e *Engine) GetTokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	if e.token == nil {
		return nil, ErrNilCollaborator
	}
	balance, err := e.token.BalanceOf(ctx, token, holder)
	if err != nil {
		return nil, transferError("token_balance_of", err)
	}
	return balance, nil
}
