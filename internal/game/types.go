package game

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/dmnk-game/dmnk/internal/board"
	"github.com/dmnk-game/dmnk/internal/chain"
)

type State string

const (
	StateMain                   State = "main"
	StateWaitingForPlayResponse State = "waiting_for_play_response"
	StateGamePending            State = "game_pending"
	StateGamePlaying            State = "game_playing"
)

type Turn string

const (
	TurnUnknown Turn = "unknown"
	TurnMine    Turn = "mine"
	TurnNotMine Turn = "not_mine"
)

var (
	ErrNoActiveGame   = errors.New("no game is being played")
	ErrOutOfBounds    = errors.New("position is outside the board")
	ErrNotYourTurn    = errors.New("not your turn")
	ErrCellOccupied   = errors.New("cell is already taken")
	ErrClaimInFlight  = errors.New("another claim is still pending")
	ErrSessionClosed  = errors.New("game session ended")
	ErrBusy           = errors.New("a game is already in progress")
	ErrNotPending     = errors.New("no pending game to cancel")
	ErrClosed         = errors.New("controller is closed")
	ErrInvalidSetting = errors.New("invalid game settings")
)

// Settings is what the player submits from the main menu: the bid to escrow and
// the range of opponent bids they accept, all in wei. The bid itself need not
// fall inside the range.
type Settings struct {
	Bid       *big.Int
	RangeFrom *big.Int
	RangeTo   *big.Int
}

func (s Settings) Validate() error {
	if s.Bid == nil || s.RangeFrom == nil || s.RangeTo == nil {
		return fmt.Errorf("%w: bid and range are required", ErrInvalidSetting)
	}
	if s.Bid.Sign() <= 0 {
		return fmt.Errorf("%w: bid must be positive", ErrInvalidSetting)
	}
	if s.RangeFrom.Sign() < 0 || s.RangeFrom.Cmp(s.RangeTo) > 0 {
		return fmt.Errorf("%w: range [%s, %s] is empty", ErrInvalidSetting, s.RangeFrom, s.RangeTo)
	}
	return nil
}

func (s Settings) params() chain.PlayParams {
	return chain.PlayParams{Bid: s.Bid, RangeFrom: s.RangeFrom, RangeTo: s.RangeTo}
}

// ClaimOutcome is the result of ClaimCell: Claimed or Rejected.
type ClaimOutcome interface {
	OK() bool
	Cell() board.Position
}

// Claimed means the move was mined successfully and the cell is ours.
type Claimed struct {
	Position board.Position
	Receipt  chain.Receipt
}

// Rejected means nothing changed. Reason is one of the precondition errors of
// this package, chain.ErrReverted, or the error of the failed call.
type Rejected struct {
	Position board.Position
	Reason   error
}

func (Claimed) OK() bool                { return true }
func (c Claimed) Cell() board.Position  { return c.Position }
func (Rejected) OK() bool               { return false }
func (r Rejected) Cell() board.Position { return r.Position }

// Account is the unlocked local player.
type Account interface {
	Address() common.Address
}

// AddressBook persists the games an account takes part in. Add is called again
// with the opponent and start block once a pending game starts.
type AddressBook interface {
	Add(ctx context.Context, account, game, opponent common.Address, block uint64) error
	Remove(ctx context.Context, account, game common.Address) error
}

type session struct {
	game     common.Address
	opponent common.Address
	locked   *big.Int
	board    *board.Board
	turn     Turn
	cursor   uint64
	// listening is set while an opponent listener is armed.
	listening bool
}

// Result describes the last finished game.
type Result struct {
	Game   string `json:"game"`
	Winner string `json:"winner"`
	Won    bool   `json:"won"`
}

// Snapshot is a copy of the controller state safe to hand to other goroutines.
type Snapshot struct {
	State         State           `json:"state"`
	Account       string          `json:"account"`
	Game          string          `json:"game,omitempty"`
	Opponent      string          `json:"opponent,omitempty"`
	OpponentShort string          `json:"opponentShort,omitempty"`
	LockedValue   string          `json:"lockedValue,omitempty"`
	Turn          Turn            `json:"turn,omitempty"`
	Width         int             `json:"width,omitempty"`
	Height        int             `json:"height,omitempty"`
	Cells         []board.Cell    `json:"cells,omitempty"`
	Pending       *board.Position `json:"pending,omitempty"`
	LastResult    *Result         `json:"lastResult,omitempty"`
	Error         string          `json:"error,omitempty"`
}
