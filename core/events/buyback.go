package events

import (
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"buyback/core/types"
)

const (
	TypeBuybackCreated  = "buyback.created"
	TypeBuybackUpdated  = "buyback.updated"
	TypeBuybackRemoved  = "buyback.removed"
	TypeScheduleUpdated = "buyback.schedule_updated"
	TypeTokenDeposited  = "buyback.token_deposited"
	TypeTokenWithdrawn  = "buyback.token_withdrawn"
	TypeEtherDeposited  = "buyback.ether_deposited"
	TypeEtherWithdrawn  = "buyback.ether_withdrawn"
	TypeOrderPosted     = "buyback.order_posted"
	TypeOrderClaimed    = "buyback.order_claimed"
	TypeOrderReleased   = "buyback.order_released"
)

// Schedule actions carried by BuybackScheduleUpdated.
const (
	ScheduleActionAdd    = "add"
	ScheduleActionModify = "modify"
	ScheduleActionRemove = "remove"
)

type BuybackCreated struct {
	Owner             common.Address
	SellToken         common.Address
	BuyToken          common.Address
	BurnAddress       common.Address
	BurnEnabled       bool
	AllowExternalPoke bool
	Tip               *big.Int
	IntervalSeconds   uint64
	Rounds            []uint64
	Amounts           []*big.Int
}

func (BuybackCreated) EventType() string { return TypeBuybackCreated }

func (e BuybackCreated) Event() *types.Event {
	return &types.Event{
		Type: TypeBuybackCreated,
		Attributes: map[string]string{
			"owner":             e.Owner.Hex(),
			"sellToken":         e.SellToken.Hex(),
			"buyToken":          e.BuyToken.Hex(),
			"burnAddress":       e.BurnAddress.Hex(),
			"burnEnabled":       strconv.FormatBool(e.BurnEnabled),
			"allowExternalPoke": strconv.FormatBool(e.AllowExternalPoke),
			"tip":               formatAmount(e.Tip),
			"intervalSeconds":   strconv.FormatUint(e.IntervalSeconds, 10),
			"rounds":            joinRounds(e.Rounds),
			"amounts":           joinAmounts(e.Amounts),
		},
	}
}

// BuybackUpdated reports a single field change made through one of the
// owner-only modify operations.
type BuybackUpdated struct {
	Owner common.Address
	Field string
	Value string
}

func (BuybackUpdated) EventType() string { return TypeBuybackUpdated }

func (e BuybackUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeBuybackUpdated,
		Attributes: map[string]string{
			"owner": e.Owner.Hex(),
			"field": e.Field,
			"value": e.Value,
		},
	}
}

// BuybackRemoved carries the round ids that were still scheduled when the
// configuration was deleted.
type BuybackRemoved struct {
	Owner  common.Address
	Rounds []uint64
}

func (BuybackRemoved) EventType() string { return TypeBuybackRemoved }

func (e BuybackRemoved) Event() *types.Event {
	return &types.Event{
		Type: TypeBuybackRemoved,
		Attributes: map[string]string{
			"owner":  e.Owner.Hex(),
			"rounds": joinRounds(e.Rounds),
		},
	}
}

type BuybackScheduleUpdated struct {
	Owner   common.Address
	Action  string
	Rounds  []uint64
	Amounts []*big.Int
}

func (BuybackScheduleUpdated) EventType() string { return TypeScheduleUpdated }

func (e BuybackScheduleUpdated) Event() *types.Event {
	attrs := map[string]string{
		"owner":  e.Owner.Hex(),
		"action": e.Action,
		"rounds": joinRounds(e.Rounds),
	}
	if len(e.Amounts) > 0 {
		attrs["amounts"] = joinAmounts(e.Amounts)
	}
	return &types.Event{Type: TypeScheduleUpdated, Attributes: attrs}
}

type TokenDeposited struct {
	Account common.Address
	Token   common.Address
	Amount  *big.Int
	Balance *big.Int
}

func (TokenDeposited) EventType() string { return TypeTokenDeposited }

func (e TokenDeposited) Event() *types.Event {
	return &types.Event{
		Type: TypeTokenDeposited,
		Attributes: map[string]string{
			"owner":   e.Account.Hex(),
			"token":   e.Token.Hex(),
			"amount":  formatAmount(e.Amount),
			"balance": formatAmount(e.Balance),
		},
	}
}

type TokenWithdrawn struct {
	Account common.Address
	Token   common.Address
	To      common.Address
	Amount  *big.Int
	Balance *big.Int
}

func (TokenWithdrawn) EventType() string { return TypeTokenWithdrawn }

func (e TokenWithdrawn) Event() *types.Event {
	return &types.Event{
		Type: TypeTokenWithdrawn,
		Attributes: map[string]string{
			"owner":   e.Account.Hex(),
			"token":   e.Token.Hex(),
			"to":      e.To.Hex(),
			"amount":  formatAmount(e.Amount),
			"balance": formatAmount(e.Balance),
		},
	}
}

type EtherDeposited struct {
	Account common.Address
	Amount  *big.Int
	Balance *big.Int
}

func (EtherDeposited) EventType() string { return TypeEtherDeposited }

func (e EtherDeposited) Event() *types.Event {
	return &types.Event{
		Type: TypeEtherDeposited,
		Attributes: map[string]string{
			"owner":   e.Account.Hex(),
			"amount":  formatAmount(e.Amount),
			"balance": formatAmount(e.Balance),
		},
	}
}

type EtherWithdrawn struct {
	Account common.Address
	To      common.Address
	Amount  *big.Int
	Balance *big.Int
}

func (EtherWithdrawn) EventType() string { return TypeEtherWithdrawn }

func (e EtherWithdrawn) Event() *types.Event {
	return &types.Event{
		Type: TypeEtherWithdrawn,
		Attributes: map[string]string{
			"owner":   e.Account.Hex(),
			"to":      e.To.Hex(),
			"amount":  formatAmount(e.Amount),
			"balance": formatAmount(e.Balance),
		},
	}
}

// BuybackOrderPosted is emitted once the exchange accepted a sell order.
type BuybackOrderPosted struct {
	Owner            common.Address
	Caller           common.Address
	Round            uint64
	Amount           *big.Int
	CommittedBalance *big.Int
	SellerBalance    *big.Int
	Tip              *big.Int
}

func (BuybackOrderPosted) EventType() string { return TypeOrderPosted }

func (e BuybackOrderPosted) Event() *types.Event {
	return &types.Event{
		Type: TypeOrderPosted,
		Attributes: map[string]string{
			"owner":            e.Owner.Hex(),
			"caller":           e.Caller.Hex(),
			"round":            strconv.FormatUint(e.Round, 10),
			"amount":           formatAmount(e.Amount),
			"committedBalance": formatAmount(e.CommittedBalance),
			"sellerBalance":    formatAmount(e.SellerBalance),
			"tip":              formatAmount(e.Tip),
		},
	}
}

type BuybackOrderClaimed struct {
	Owner     common.Address
	Round     uint64
	Sold      *big.Int
	Amount    *big.Int
	Burned    bool
	Recipient common.Address
	PriceNum  *big.Int
	PriceDen  *big.Int
}

func (BuybackOrderClaimed) EventType() string { return TypeOrderClaimed }

func (e BuybackOrderClaimed) Event() *types.Event {
	return &types.Event{
		Type: TypeOrderClaimed,
		Attributes: map[string]string{
			"owner":     e.Owner.Hex(),
			"round":     strconv.FormatUint(e.Round, 10),
			"sold":      formatAmount(e.Sold),
			"amount":    formatAmount(e.Amount),
			"burned":    strconv.FormatBool(e.Burned),
			"recipient": e.Recipient.Hex(),
			"priceNum":  formatAmount(e.PriceNum),
			"priceDen":  formatAmount(e.PriceDen),
		},
	}
}

type BuybackOrderReleased struct {
	Owner               common.Address
	Round               uint64
	TotalAmountReleased *big.Int
}

func (BuybackOrderReleased) EventType() string { return TypeOrderReleased }

func (e BuybackOrderReleased) Event() *types.Event {
	return &types.Event{
		Type: TypeOrderReleased,
		Attributes: map[string]string{
			"owner":               e.Owner.Hex(),
			"round":               strconv.FormatUint(e.Round, 10),
			"totalAmountReleased": formatAmount(e.TotalAmountReleased),
		},
	}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func joinRounds(rounds []uint64) string {
	parts := make([]string, len(rounds))
	for i, r := range rounds {
		parts[i] = strconv.FormatUint(r, 10)
	}
	return strings.Join(parts, ",")
}

func joinAmounts(amounts []*big.Int) string {
	parts := make([]string, len(amounts))
	for i, a := range amounts {
		parts[i] = formatAmount(a)
	}
	return strings.Join(parts, ",")
}
