package chain

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrInsufficientFunds is returned when the account cannot cover value plus gas.
	ErrInsufficientFunds = errors.New("insufficient funds for gas * price + value")
	// ErrReverted is returned when a transaction was mined with a failed status.
	ErrReverted = errors.New("transaction reverted")
	// ErrUnexpectedReceipt is returned when a play receipt carries neither
	// GameCreated nor GameStarted.
	ErrUnexpectedReceipt = errors.New("play receipt has no matchmaking event")
)

// Receipt is the confirmed outcome of a state-changing call.
type Receipt struct {
	TxHash      common.Hash `json:"txHash"`
	Status      bool        `json:"status"`
	BlockNumber uint64      `json:"blockNumber"`
}

// PlayParams are the arguments of the gateway's play call. Bid is sent as value.
type PlayParams struct {
	Bid       *big.Int
	RangeFrom *big.Int
	RangeTo   *big.Int
}

// PlayResult is the decoded outcome of a play transaction: either GameCreated
// or GameStarted.
type PlayResult interface {
	GameAddress() common.Address
	isPlayResult()
}

// GameCreated means no compatible game was waiting and a new one was opened.
type GameCreated struct {
	Game  common.Address
	Block uint64
}

// GameStarted means a game has both players. Opponent is relative to the
// local account.
type GameStarted struct {
	Game     common.Address
	Opponent common.Address
	Block    uint64
}

func (r GameCreated) GameAddress() common.Address { return r.Game }
func (r GameStarted) GameAddress() common.Address { return r.Game }
func (GameCreated) isPlayResult()                 {}
func (GameStarted) isPlayResult()                 {}

// MoveEvent is a Move log emitted by a game instance.
type MoveEvent struct {
	Game     common.Address
	Player   common.Address
	X        int
	Y        int
	Block    uint64
	LogIndex uint
}

// GameFinished is emitted by the gateway when a game ends.
type GameFinished struct {
	Game   common.Address
	Winner common.Address
	Block  uint64
}

// Subscription is a cancellable event stream.
type Subscription = ethereum.Subscription

// Backend is the fixed call surface of the gateway and game contracts.
type Backend interface {
	Play(ctx context.Context, params PlayParams) (PlayResult, error)
	MakeMove(ctx context.Context, game common.Address, x, y int) (*Receipt, error)
	Cancel(ctx context.Context, game common.Address) (*Receipt, error)
	LockedValue(ctx context.Context, game common.Address) (*big.Int, error)
	CurrentTurn(ctx context.Context, game common.Address) (common.Address, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// EventSource delivers contract events for one game starting at block from.
// Streams stop when ctx is done or the subscription is unsubscribed.
type EventSource interface {
	SubscribeMoves(ctx context.Context, game common.Address, from uint64, sink chan<- MoveEvent) (Subscription, error)
	SubscribeGameStarted(ctx context.Context, game common.Address, from uint64, sink chan<- GameStarted) (Subscription, error)
	SubscribeGameFinished(ctx context.Context, game common.Address, from uint64, sink chan<- GameFinished) (Subscription, error)
}

// ShortenAddress renders 0x1234...abcd.
func ShortenAddress(addr common.Address) string {
	s := addr.Hex()
	return s[:6] + "..." + s[len(s)-4:]
}
