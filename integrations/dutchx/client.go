package dutchx

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrReverted       = errors.New("dutchx: transaction reverted")
	ErrCallRejected   = errors.New("dutchx: token call returned false")
	ErrReceiptTimeout = errors.New("dutchx: no receipt before timeout, transaction may still be mined")
	errMissingKey     = errors.New("dutchx: signing key required")
	errMissingChainID = errors.New("dutchx: chain id required")
)

// Backend is the JSON-RPC surface used by EVMClient. *ethclient.Client
// satisfies it.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
}

// ClientConfig configures an EVMClient.
type ClientConfig struct {
	Exchange common.Address
	// WrappedNative is the WETH-style token used for tips.
	WrappedNative common.Address
	ChainID       *big.Int
	Key           *ecdsa.PrivateKey
	PollInterval  time.Duration

	// ReceiptTimeout bounds the wait for a broadcast transaction. The wait
	// ignores cancellation of the caller's context.
	ReceiptTimeout time.Duration
}

// EVMClient talks to a deployed DutchX exchange and ERC20 tokens. Every
// write is signed by the custody key.
type EVMClient struct {
	backend      Backend
	exchange     common.Address
	weth         common.Address
	chainID      *big.Int
	key          *ecdsa.PrivateKey
	from         common.Address
	pollInterval time.Duration
	receiptWait  time.Duration
	exchangeABI  abi.ABI
	erc20ABI     abi.ABI
}

// NewEVMClient parses the contract ABIs and derives the custody address from
// the signing key.
func NewEVMClient(backend Backend, cfg ClientConfig) (*EVMClient, error) {
	if cfg.Key == nil {
		return nil, errMissingKey
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, errMissingChainID
	}
	exchange, err := abi.JSON(strings.NewReader(exchangeABI))
	if err != nil {
		return nil, fmt.Errorf("parse exchange abi: %w", err)
	}
	erc20, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	wait := cfg.ReceiptTimeout
	if wait <= 0 {
		wait = 2 * time.Minute
	}
	return &EVMClient{
		backend:      backend,
		exchange:     cfg.Exchange,
		weth:         cfg.WrappedNative,
		chainID:      new(big.Int).Set(cfg.ChainID),
		key:          cfg.Key,
		from:         crypto.PubkeyToAddress(cfg.Key.PublicKey),
		pollInterval: poll,
		receiptWait:  wait,
		exchangeABI:  exchange,
		erc20ABI:     erc20,
	}, nil
}

// Custody returns the address derived from the signing key.
func (c *EVMClient) Custody() common.Address { return c.from }

// Address implements buyback.Exchange.
func (c *EVMClient) Address() common.Address { return c.exchange }

// Deposit implements buyback.Exchange.
func (c *EVMClient) Deposit(ctx context.Context, token common.Address, amount *big.Int) error {
	_, err := c.transact(ctx, c.exchange, &c.exchangeABI, "deposit", token, amount)
	return err
}

// Withdraw implements buyback.Exchange.
func (c *EVMClient) Withdraw(ctx context.Context, token common.Address, amount *big.Int) error {
	_, err := c.transact(ctx, c.exchange, &c.exchangeABI, "withdraw", token, amount)
	return err
}

// PostSellOrder implements buyback.Exchange. The returned seller balance is
// the value the exchange reported when the call was simulated.
func (c *EVMClient) PostSellOrder(ctx context.Context, sell, buy common.Address, round uint64, amount *big.Int) (*big.Int, error) {
	out, err := c.transact(ctx, c.exchange, &c.exchangeABI, "postSellOrder", sell, buy, new(big.Int).SetUint64(round), amount)
	if err != nil {
		return nil, err
	}
	return uintAt(out, 1)
}

// ClaimSellerFunds implements buyback.Exchange.
func (c *EVMClient) ClaimSellerFunds(ctx context.Context, sell, buy, seller common.Address, round uint64) (*big.Int, error) {
	out, err := c.transact(ctx, c.exchange, &c.exchangeABI, "claimSellerFunds", sell, buy, seller, new(big.Int).SetUint64(round))
	if err != nil {
		return nil, err
	}
	return uintAt(out, 0)
}

// GetAuctionIndex implements buyback.Exchange.
func (c *EVMClient) GetAuctionIndex(ctx context.Context, sell, buy common.Address) (uint64, error) {
	out, err := c.call(ctx, c.exchange, &c.exchangeABI, "getAuctionIndex", sell, buy)
	if err != nil {
		return 0, err
	}
	index, err := uintAt(out, 0)
	if err != nil {
		return 0, err
	}
	if !index.IsUint64() {
		return 0, fmt.Errorf("dutchx: auction index %s overflows uint64", index)
	}
	return index.Uint64(), nil
}

// GetCurrentAuctionPrice implements buyback.Exchange.
func (c *EVMClient) GetCurrentAuctionPrice(ctx context.Context, sell, buy common.Address, round uint64) (*big.Int, *big.Int, error) {
	out, err := c.call(ctx, c.exchange, &c.exchangeABI, "getCurrentAuctionPrice", sell, buy, new(big.Int).SetUint64(round))
	if err != nil {
		return nil, nil, err
	}
	num, err := uintAt(out, 0)
	if err != nil {
		return nil, nil, err
	}
	den, err := uintAt(out, 1)
	if err != nil {
		return nil, nil, err
	}
	return num, den, nil
}

// Transfer implements buyback.Token.
func (c *EVMClient) Transfer(ctx context.Context, token, to common.Address, amount *big.Int) error {
	return c.tokenWrite(ctx, token, "transfer", to, amount)
}

// TransferFrom implements buyback.Token.
func (c *EVMClient) TransferFrom(ctx context.Context, token, from, to common.Address, amount *big.Int) error {
	return c.tokenWrite(ctx, token, "transferFrom", from, to, amount)
}

// Approve implements buyback.Token.
func (c *EVMClient) Approve(ctx context.Context, token, spender common.Address, amount *big.Int) error {
	return c.tokenWrite(ctx, token, "approve", spender, amount)
}

// BalanceOf implements buyback.Token.
func (c *EVMClient) BalanceOf(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	out, err := c.call(ctx, token, &c.erc20ABI, "balanceOf", holder)
	if err != nil {
		return nil, err
	}
	return uintAt(out, 0)
}

// Collect implements buyback.Coin by pulling wrapped native coin.
func (c *EVMClient) Collect(ctx context.Context, from common.Address, amount *big.Int) error {
	return c.tokenWrite(ctx, c.weth, "transferFrom", from, c.from, amount)
}

// Send implements buyback.Coin by paying out wrapped native coin.
func (c *EVMClient) Send(ctx context.Context, to common.Address, amount *big.Int) error {
	return c.tokenWrite(ctx, c.weth, "transfer", to, amount)
}

func (c *EVMClient) tokenWrite(ctx context.Context, token common.Address, method string, args ...interface{}) error {
	out, err := c.call(ctx, token, &c.erc20ABI, method, args...)
	if err != nil {
		return err
	}
	// Tokens that return nothing are treated as successful.
	if len(out) > 0 {
		if ok, isBool := out[0].(bool); isBool && !ok {
			return fmt.Errorf("%w: %s on %s", ErrCallRejected, method, token.Hex())
		}
	}
	return c.send(ctx, token, &c.erc20ABI, method, args...)
}

func (c *EVMClient) call(ctx context.Context, to common.Address, contract *abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	raw, err := c.backend.CallContract(ctx, ethereum.CallMsg{From: c.from, To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	out, err := contract.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return out, nil
}

// transact simulates the call to capture its return values, then signs and
// broadcasts it and waits for a successful receipt.
func (c *EVMClient) transact(ctx context.Context, to common.Address, contract *abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	out, err := c.call(ctx, to, contract, method, args...)
	if err != nil {
		return nil, err
	}
	if err := c.send(ctx, to, contract, method, args...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *EVMClient) send(ctx context.Context, to common.Address, contract *abi.ABI, method string, args ...interface{}) error {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("pack %s: %w", method, err)
	}
	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return fmt.Errorf("nonce: %w", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("gas price: %w", err)
	}
	gasLimit, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &to, Data: data, Value: big.NewInt(0)})
	if err != nil {
		return fmt.Errorf("estimate gas %s: %w", method, err)
	}
	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return fmt.Errorf("sign %s: %w", method, err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}
	// Once broadcast the transaction can still be mined, so the outcome is
	// awaited even if the caller has gone away.
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.receiptWait)
	defer cancel()
	receipt, err := c.waitReceipt(waitCtx, signed.Hash())
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return fmt.Errorf("%w: %s tx %s", ErrReverted, method, signed.Hash().Hex())
	}
	return nil
}

func (c *EVMClient) waitReceipt(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("receipt %s: %w", hash.Hex(), err)
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s", ErrReceiptTimeout, hash.Hex())
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func uintAt(out []interface{}, i int) (*big.Int, error) {
	if i >= len(out) {
		return nil, fmt.Errorf("dutchx: missing return value %d", i)
	}
	v, ok := out[i].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("dutchx: return value %d has type %T", i, out[i])
	}
	return new(big.Int).Set(v), nil
}
