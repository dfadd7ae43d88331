package dutchx

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrInsufficientFunds     = errors.New("dutchx: insufficient funds")
	ErrInsufficientAllowance = errors.New("dutchx: insufficient allowance")
	ErrRoundNotOpen          = errors.New("dutchx: round does not accept orders")
	ErrRoundNotClosed        = errors.New("dutchx: round has not cleared")
)

// Simulator is an in-memory round-based auction together with the ERC20
// ledger and native coin it settles in. Orders are always placed on behalf of
// the custody address. It is safe for concurrent use.
type Simulator struct {
	mu       sync.Mutex
	address  common.Address
	custody  common.Address
	tokens   map[common.Address]map[common.Address]*big.Int
	allow    map[common.Address]map[common.Address]map[common.Address]*big.Int
	native   map[common.Address]*big.Int
	deposits map[common.Address]map[common.Address]*big.Int
	auctions map[pair]*auction
	failures map[string]error
}

type pair struct {
	sell common.Address
	buy  common.Address
}

type auction struct {
	index    uint64
	priceNum *big.Int
	priceDen *big.Int
	orders   map[uint64]map[common.Address]*big.Int
	cleared  map[uint64][2]*big.Int
	owed     map[uint64]map[common.Address]*big.Int
}

// NewSimulator creates an empty market acting for custody. The exchange
// address is derived from the custody address.
func NewSimulator(custody common.Address) *Simulator {
	return &Simulator{
		address:  crypto.CreateAddress(custody, 0),
		custody:  custody,
		tokens:   make(map[common.Address]map[common.Address]*big.Int),
		allow:    make(map[common.Address]map[common.Address]map[common.Address]*big.Int),
		native:   make(map[common.Address]*big.Int),
		deposits: make(map[common.Address]map[common.Address]*big.Int),
		auctions: make(map[pair]*auction),
		failures: make(map[string]error),
	}
}

// Address implements buyback.Exchange.
func (s *Simulator) Address() common.Address { return s.address }

// Fail makes every subsequent call to method return err. Passing a nil error
// clears the failure.
func (s *Simulator) Fail(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, method)
		return
	}
	s.failures[method] = err
}

func (s *Simulator) failure(method string) error {
	return s.failures[method]
}

// Mint credits amount of token to holder.
func (s *Simulator) Mint(token, holder common.Address, amount *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	credit(s.tokenLedger(token), holder, amount)
}

// Allow records an allowance granted by owner to spender.
func (s *Simulator) Allow(token, owner, spender common.Address, amount *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowances(token, owner)[spender] = new(big.Int).Set(amount)
}

// FundNative credits native coin to holder.
func (s *Simulator) FundNative(holder common.Address, amount *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	credit(s.native, holder, amount)
}

// NativeBalance returns holder's native coin balance.
func (s *Simulator) NativeBalance(holder common.Address) *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return balance(s.native, holder)
}

// TokenBalance returns holder's token balance.
func (s *Simulator) TokenBalance(token, holder common.Address) *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return balance(s.tokenLedger(token), holder)
}

// SetAuctionIndex moves the pair's current round without clearing anything.
func (s *Simulator) SetAuctionIndex(sell, buy common.Address, index uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auction(sell, buy).index = index
}

// SetPrice sets the price the current round will clear at, expressed as buy
// tokens per sell token.
func (s *Simulator) SetPrice(sell, buy common.Address, num, den *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.auction(sell, buy)
	a.priceNum = new(big.Int).Set(num)
	a.priceDen = new(big.Int).Set(den)
}

// ClearRound clears the current round at the configured price and opens the
// next one. Proceeds are minted to the exchange and owed to each seller.
func (s *Simulator) ClearRound(sell, buy common.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.auction(sell, buy)
	round := a.index
	owed := make(map[common.Address]*big.Int)
	for seller, amount := range a.orders[round] {
		proceeds := new(big.Int).Mul(amount, a.priceNum)
		proceeds.Quo(proceeds, a.priceDen)
		owed[seller] = proceeds
		credit(s.tokenLedger(buy), s.address, proceeds)
	}
	a.owed[round] = owed
	a.cleared[round] = [2]*big.Int{new(big.Int).Set(a.priceNum), new(big.Int).Set(a.priceDen)}
	a.index++
}

// SellVolume returns the amount the custody has posted into round.
func (s *Simulator) SellVolume(sell, buy common.Address, round uint64) *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return balance(s.auction(sell, buy).orders[round], s.custody)
}

// ExchangeBalance returns the custody's balance held inside the exchange.
func (s *Simulator) ExchangeBalance(token common.Address) *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return balance(s.deposits[token], s.custody)
}

// Deposit implements buyback.Exchange.
func (s *Simulator) Deposit(_ context.Context, token common.Address, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("Deposit"); err != nil {
		return err
	}
	if err := s.spend(token, s.custody, s.address, amount); err != nil {
		return err
	}
	if err := move(s.tokenLedger(token), s.custody, s.address, amount); err != nil {
		return err
	}
	if s.deposits[token] == nil {
		s.deposits[token] = make(map[common.Address]*big.Int)
	}
	credit(s.deposits[token], s.custody, amount)
	return nil
}

// PostSellOrder implements buyback.Exchange.
func (s *Simulator) PostSellOrder(_ context.Context, sell, buy common.Address, round uint64, amount *big.Int) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("PostSellOrder"); err != nil {
		return nil, err
	}
	a := s.auction(sell, buy)
	if round < a.index {
		return nil, fmt.Errorf("%w: round %d, current %d", ErrRoundNotOpen, round, a.index)
	}
	if err := debit(s.deposits[sell], s.custody, amount); err != nil {
		return nil, err
	}
	if a.orders[round] == nil {
		a.orders[round] = make(map[common.Address]*big.Int)
	}
	credit(a.orders[round], s.custody, amount)
	return balance(a.orders[round], s.custody), nil
}

// ClaimSellerFunds implements buyback.Exchange.
func (s *Simulator) ClaimSellerFunds(_ context.Context, sell, buy, seller common.Address, round uint64) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("ClaimSellerFunds"); err != nil {
		return nil, err
	}
	a := s.auction(sell, buy)
	owed, ok := a.owed[round]
	if !ok {
		return nil, fmt.Errorf("%w: round %d", ErrRoundNotClosed, round)
	}
	amount := balance(owed, seller)
	delete(owed, seller)
	if s.deposits[buy] == nil {
		s.deposits[buy] = make(map[common.Address]*big.Int)
	}
	credit(s.deposits[buy], seller, amount)
	return amount, nil
}

// Withdraw implements buyback.Exchange.
func (s *Simulator) Withdraw(_ context.Context, token common.Address, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("Withdraw"); err != nil {
		return err
	}
	if err := debit(s.deposits[token], s.custody, amount); err != nil {
		return err
	}
	return move(s.tokenLedger(token), s.address, s.custody, amount)
}

// GetAuctionIndex implements buyback.Exchange.
func (s *Simulator) GetAuctionIndex(_ context.Context, sell, buy common.Address) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("GetAuctionIndex"); err != nil {
		return 0, err
	}
	return s.auction(sell, buy).index, nil
}

// GetCurrentAuctionPrice implements buyback.Exchange. Cleared rounds report
// their clearing price; open rounds report the configured price.
func (s *Simulator) GetCurrentAuctionPrice(_ context.Context, sell, buy common.Address, round uint64) (*big.Int, *big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("GetCurrentAuctionPrice"); err != nil {
		return nil, nil, err
	}
	a := s.auction(sell, buy)
	if price, ok := a.cleared[round]; ok {
		return new(big.Int).Set(price[0]), new(big.Int).Set(price[1]), nil
	}
	return new(big.Int).Set(a.priceNum), new(big.Int).Set(a.priceDen), nil
}

// Transfer implements buyback.Token for transfers out of custody.
func (s *Simulator) Transfer(_ context.Context, token, to common.Address, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("Transfer"); err != nil {
		return err
	}
	return move(s.tokenLedger(token), s.custody, to, amount)
}

// TransferFrom implements buyback.Token. The custody address is the spender.
func (s *Simulator) TransferFrom(_ context.Context, token, from, to common.Address, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("TransferFrom"); err != nil {
		return err
	}
	if err := s.spend(token, from, s.custody, amount); err != nil {
		return err
	}
	return move(s.tokenLedger(token), from, to, amount)
}

// Approve implements buyback.Token for allowances granted by custody.
func (s *Simulator) Approve(_ context.Context, token, spender common.Address, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("Approve"); err != nil {
		return err
	}
	s.allowances(token, s.custody)[spender] = new(big.Int).Set(amount)
	return nil
}

// BalanceOf implements buyback.Token.
func (s *Simulator) BalanceOf(_ context.Context, token, holder common.Address) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("BalanceOf"); err != nil {
		return nil, err
	}
	return balance(s.tokenLedger(token), holder), nil
}

// Collect implements buyback.Coin.
func (s *Simulator) Collect(_ context.Context, from common.Address, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("Collect"); err != nil {
		return err
	}
	return move(s.native, from, s.custody, amount)
}

// Send implements buyback.Coin.
func (s *Simulator) Send(_ context.Context, to common.Address, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("Send"); err != nil {
		return err
	}
	return move(s.native, s.custody, to, amount)
}

func (s *Simulator) tokenLedger(token common.Address) map[common.Address]*big.Int {
	ledger, ok := s.tokens[token]
	if !ok {
		ledger = make(map[common.Address]*big.Int)
		s.tokens[token] = ledger
	}
	return ledger
}

func (s *Simulator) allowances(token, owner common.Address) map[common.Address]*big.Int {
	byOwner, ok := s.allow[token]
	if !ok {
		byOwner = make(map[common.Address]map[common.Address]*big.Int)
		s.allow[token] = byOwner
	}
	spenders, ok := byOwner[owner]
	if !ok {
		spenders = make(map[common.Address]*big.Int)
		byOwner[owner] = spenders
	}
	return spenders
}

func (s *Simulator) spend(token, owner, spender common.Address, amount *big.Int) error {
	allowed := s.allowances(token, owner)
	if balance(allowed, spender).Cmp(amount) < 0 {
		return ErrInsufficientAllowance
	}
	return debit(allowed, spender, amount)
}

func (s *Simulator) auction(sell, buy common.Address) *auction {
	key := pair{sell: sell, buy: buy}
	a, ok := s.auctions[key]
	if !ok {
		a = &auction{
			priceNum: big.NewInt(1),
			priceDen: big.NewInt(1),
			orders:   make(map[uint64]map[common.Address]*big.Int),
			cleared:  make(map[uint64][2]*big.Int),
			owed:     make(map[uint64]map[common.Address]*big.Int),
		}
		s.auctions[key] = a
	}
	return a
}

func balance(ledger map[common.Address]*big.Int, holder common.Address) *big.Int {
	if v, ok := ledger[holder]; ok {
		return new(big.Int).Set(v)
	}
	return big.NewInt(0)
}

func credit(ledger map[common.Address]*big.Int, holder common.Address, amount *big.Int) {
	current := balance(ledger, holder)
	ledger[holder] = current.Add(current, amount)
}

func debit(ledger map[common.Address]*big.Int, holder common.Address, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	current := balance(ledger, holder)
	if current.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	ledger[holder] = current.Sub(current, amount)
	return nil
}

func move(ledger map[common.Address]*big.Int, from, to common.Address, amount *big.Int) error {
	if err := debit(ledger, from, amount); err != nil {
		return err
	}
	credit(ledger, to, amount)
	return nil
}
