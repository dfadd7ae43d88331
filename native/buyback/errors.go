package buyback

import (
	"errors"
	"fmt"
)

// Error categories. Every error returned by the engine wraps exactly one of
// them so callers can branch with errors.Is.
var (
	ErrValidation          = errors.New("buyback: validation failed")
	ErrUnauthorized        = errors.New("buyback: unauthorized")
	ErrInsufficientBalance = errors.New("buyback: insufficient balance")
	ErrState               = errors.New("buyback: invalid state")
	ErrTransfer            = errors.New("buyback: transfer failed")
)

var (
	ErrNilState        = errors.New("buyback engine: state not configured")
	ErrNilCollaborator = errors.New("buyback engine: exchange, token and coin must be configured")
	ErrNotFound        = fmt.Errorf("%w: buyback not found", ErrState)
	ErrExists          = fmt.Errorf("%w: buyback already exists", ErrState)
	ErrNotOwner        = fmt.Errorf("%w: caller is not the buyback owner", ErrUnauthorized)
	ErrPokeBlocked     = fmt.Errorf("%w: external poke disabled", ErrUnauthorized)

	ErrLengthMismatch   = fmt.Errorf("%w: round and amount arrays differ in length", ErrValidation)
	ErrEmptySchedule    = fmt.Errorf("%w: round list must not be empty", ErrValidation)
	ErrDuplicateRound   = fmt.Errorf("%w: duplicate round id", ErrValidation)
	ErrUnknownRound     = fmt.Errorf("%w: round id not scheduled", ErrValidation)
	ErrInvalidAmount    = fmt.Errorf("%w: amount must be positive and fit in 256 bits", ErrValidation)
	ErrInvalidToken     = fmt.Errorf("%w: invalid token address", ErrValidation)
	ErrBurnAddress      = fmt.Errorf("%w: burn enabled without burn address", ErrValidation)
	ErrInvalidRecipient = fmt.Errorf("%w: recipient must not be the zero address", ErrValidation)

	ErrAmountExceedsAvailable = fmt.Errorf("%w: amount exceeds available balance", ErrInsufficientBalance)
	ErrScheduleExceedsDeposit = fmt.Errorf("%w: user does not have enough deposit to cover the schedule", ErrInsufficientBalance)
	ErrTipPoolShort           = fmt.Errorf("%w: ether balance does not cover the tip", ErrInsufficientBalance)

	ErrOrderPending      = fmt.Errorf("%w: previous order not claimed", ErrState)
	ErrCooldown          = fmt.Errorf("%w: cooldown not elapsed", ErrState)
	ErrNothingScheduled  = fmt.Errorf("%w: no scheduled round available", ErrState)
	ErrNoPendingOrder    = fmt.Errorf("%w: no pending order", ErrState)
	ErrRoundOpen         = fmt.Errorf("%w: cannot claim unexecuted order", ErrState)
	ErrRoundClosed       = fmt.Errorf("%w: can only release funds of an unexecuted buyback", ErrState)
	ErrBalanceNotZero    = fmt.Errorf("%w: balance not zero", ErrState)
	ErrTokenChangeDenied = fmt.Errorf("%w: token cannot change while an order is pending", ErrState)
)

func transferError(step string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrTransfer, step, err)
}
