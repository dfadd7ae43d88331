package buyback

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Exchange is the round-based auction the engine sells into. Every order is
// placed on behalf of the custody address configured on the engine.
type Exchange interface {
	// Address is the account token approvals are granted to.
	Address() common.Address
	Deposit(ctx context.Context, token common.Address, amount *big.Int) error
	// PostSellOrder returns the custody's new seller balance for the round.
	PostSellOrder(ctx context.Context, sell, buy common.Address, round uint64, amount *big.Int) (*big.Int, error)
	ClaimSellerFunds(ctx context.Context, sell, buy, seller common.Address, round uint64) (*big.Int, error)
	Withdraw(ctx context.Context, token common.Address, amount *big.Int) error
	GetAuctionIndex(ctx context.Context, sell, buy common.Address) (uint64, error)
	GetCurrentAuctionPrice(ctx context.Context, sell, buy common.Address, round uint64) (num, den *big.Int, err error)
}

// Token moves ERC20-style balances held by the custody address.
type Token interface {
	Transfer(ctx context.Context, token, to common.Address, amount *big.Int) error
	TransferFrom(ctx context.Context, token, from, to common.Address, amount *big.Int) error
	Approve(ctx context.Context, token, spender common.Address, amount *big.Int) error
	BalanceOf(ctx context.Context, token, holder common.Address) (*big.Int, error)
}

// Coin moves the native currency used for tips.
type Coin interface {
	Collect(ctx context.Context, from common.Address, amount *big.Int) error
	Send(ctx context.Context, to common.Address, amount *big.Int) error
}

// Config wires the engine to its collaborators.
type Config struct {
	Exchange Exchange
	Token    Token
	Coin     Coin
	// Custody is the address that holds pooled funds and acts as seller on
	// the exchange.
	Custody common.Address
}
