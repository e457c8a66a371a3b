package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

const (
	DefaultGasLimit       uint64 = 10_000_000
	DefaultReceiptTimeout        = 2 * time.Minute
)

// DefaultGasPrice is 100 gwei.
var DefaultGasPrice = big.NewInt(100_000_000_000)

// EthClient is the JSON-RPC surface the backend needs. *ethclient.Client
// satisfies it.
type EthClient interface {
	bind.ContractBackend
	bind.DeployBackend
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Dial connects to a JSON-RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", rpcURL, err)
	}
	return client, nil
}

// EthBackend implements Backend against deployed gateway and game contracts.
// Every state-changing call blocks until its receipt is available.
type EthBackend struct {
	client         EthClient
	gateway        common.Address
	gatewayCtr     *bind.BoundContract
	auth           *bind.TransactOpts
	gasLimit       uint64
	gasPrice       *big.Int
	receiptTimeout time.Duration
	logger         zerolog.Logger
}

// BackendOption configures an EthBackend
type BackendOption func(*EthBackend)

// WithGasLimit overrides the fixed gas limit.
func WithGasLimit(limit uint64) BackendOption {
	return func(b *EthBackend) {
		b.gasLimit = limit
	}
}

// WithGasPrice overrides the fixed legacy gas price.
func WithGasPrice(price *big.Int) BackendOption {
	return func(b *EthBackend) {
		b.gasPrice = new(big.Int).Set(price)
	}
}

// WithReceiptTimeout bounds how long a call waits to be mined.
func WithReceiptTimeout(d time.Duration) BackendOption {
	return func(b *EthBackend) {
		b.receiptTimeout = d
	}
}

// WithBackendLogger sets a custom logger
func WithBackendLogger(logger zerolog.Logger) BackendOption {
	return func(b *EthBackend) {
		b.logger = logger
	}
}

// NewEthBackend binds the gateway at address gateway and signs with auth.
func NewEthBackend(client EthClient, gateway common.Address, auth *bind.TransactOpts, opts ...BackendOption) *EthBackend {
	b := &EthBackend{
		client:         client,
		gateway:        gateway,
		gatewayCtr:     bind.NewBoundContract(gateway, gatewayABI, client, client, client),
		auth:           auth,
		gasLimit:       DefaultGasLimit,
		gasPrice:       new(big.Int).Set(DefaultGasPrice),
		receiptTimeout: DefaultReceiptTimeout,
		logger:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BlockNumber returns the number of the latest block.
func (b *EthBackend) BlockNumber(ctx context.Context) (uint64, error) {
	head, err := b.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to read chain head: %w", err)
	}
	return head.Number.Uint64(), nil
}

// Play sends bid to the gateway and decodes which matchmaking event fired.
func (b *EthBackend) Play(ctx context.Context, params PlayParams) (PlayResult, error) {
	if params.Bid == nil || params.RangeFrom == nil || params.RangeTo == nil {
		return nil, errors.New("play requires bid and range")
	}

	balance, err := b.client.BalanceAt(ctx, b.auth.From, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read balance: %w", err)
	}
	need := new(big.Int).Mul(new(big.Int).SetUint64(b.gasLimit), b.gasPrice)
	need.Add(need, params.Bid)
	if balance.Cmp(need) < 0 {
		return nil, fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, balance, need)
	}

	tx, err := b.gatewayCtr.Transact(b.transactOpts(ctx, params.Bid), "play", params.RangeFrom, params.RangeTo)
	if err != nil {
		return nil, classify("play", err)
	}
	b.logger.Info().
		Str("tx", tx.Hash().Hex()).
		Str("bid", params.Bid.String()).
		Msg("Sent play transaction")

	receipt, err := b.waitMined(ctx, tx)
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("play %s: %w", tx.Hash().Hex(), ErrReverted)
	}
	return DecodePlayReceipt(receipt.Logs, b.gateway, b.auth.From)
}

// MakeMove claims (x, y). A reverted claim is reported through Receipt.Status.
func (b *EthBackend) MakeMove(ctx context.Context, game common.Address, x, y int) (*Receipt, error) {
	return b.transact(ctx, game, "makeMove", big.NewInt(int64(x)), big.NewInt(int64(y)))
}

// Cancel withdraws a game that has not started yet.
func (b *EthBackend) Cancel(ctx context.Context, game common.Address) (*Receipt, error) {
	return b.transact(ctx, game, "cancel")
}

// LockedValue reads the amount escrowed by game.
func (b *EthBackend) LockedValue(ctx context.Context, game common.Address) (*big.Int, error) {
	var out []interface{}
	if err := b.gameContract(game).Call(b.callOpts(ctx), &out, "getLockedValue"); err != nil {
		return nil, fmt.Errorf("getLockedValue: %w", err)
	}
	value, ok := abi.ConvertType(out[0], new(big.Int)).(*big.Int)
	if !ok {
		return nil, fmt.Errorf("getLockedValue: unexpected result %T", out[0])
	}
	return value, nil
}

// CurrentTurn reads whose move the game contract expects next.
func (b *EthBackend) CurrentTurn(ctx context.Context, game common.Address) (common.Address, error) {
	var out []interface{}
	if err := b.gameContract(game).Call(b.callOpts(ctx), &out, "getCurrentTurn"); err != nil {
		return common.Address{}, fmt.Errorf("getCurrentTurn: %w", err)
	}
	addr, ok := abi.ConvertType(out[0], new(common.Address)).(*common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("getCurrentTurn: unexpected result %T", out[0])
	}
	return *addr, nil
}

func (b *EthBackend) transact(ctx context.Context, game common.Address, method string, params ...interface{}) (*Receipt, error) {
	tx, err := b.gameContract(game).Transact(b.transactOpts(ctx, nil), method, params...)
	if err != nil {
		return nil, classify(method, err)
	}
	b.logger.Debug().
		Str("tx", tx.Hash().Hex()).
		Str("game", ShortenAddress(game)).
		Str("method", method).
		Msg("Sent game transaction")

	receipt, err := b.waitMined(ctx, tx)
	if err != nil {
		return nil, err
	}
	return &Receipt{
		TxHash:      receipt.TxHash,
		Status:      receipt.Status == types.ReceiptStatusSuccessful,
		BlockNumber: receipt.BlockNumber.Uint64(),
	}, nil
}

func (b *EthBackend) waitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, b.receiptTimeout)
	defer cancel()

	receipt, err := bind.WaitMined(ctx, b.client, tx)
	if err != nil {
		return nil, fmt.Errorf("waiting for %s: %w", tx.Hash().Hex(), err)
	}
	return receipt, nil
}

func (b *EthBackend) gameContract(game common.Address) *bind.BoundContract {
	return bind.NewBoundContract(game, gameABI, b.client, b.client, b.client)
}

func (b *EthBackend) transactOpts(ctx context.Context, value *big.Int) *bind.TransactOpts {
	return &bind.TransactOpts{
		From:     b.auth.From,
		Signer:   b.auth.Signer,
		Value:    value,
		GasPrice: b.gasPrice,
		GasLimit: b.gasLimit,
		Context:  ctx,
	}
}

func (b *EthBackend) callOpts(ctx context.Context) *bind.CallOpts {
	return &bind.CallOpts{From: b.auth.From, Context: ctx}
}

// classify maps node errors that mean "cannot afford this" to ErrInsufficientFunds.
func classify(method string, err error) error {
	if strings.Contains(strings.ToLower(err.Error()), "insufficient funds") {
		return fmt.Errorf("%s: %w: %v", method, ErrInsufficientFunds, err)
	}
	return fmt.Errorf("%s: %w", method, err)
}
