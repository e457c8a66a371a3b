// Package chaintest provides deterministic in-memory doubles for the chain
// boundary.
package chaintest

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/dmnk-game/dmnk/internal/chain"
)

// Move records one MakeMove call.
type Move struct {
	Game common.Address
	X, Y int
}

// Backend is a scripted chain.Backend. Zero values answer every call
// successfully; set the exported fields to change that.
type Backend struct {
	mu sync.Mutex

	PlayResult chain.PlayResult
	PlayErr    error
	// PlayGate, when set, holds Play until it receives a value or ctx ends.
	PlayGate chan struct{}

	// MoveFunc decides the outcome of MakeMove. When nil every move is mined
	// with status true in an increasing block.
	MoveFunc func(game common.Address, x, y int) (*chain.Receipt, error)
	// MoveGate, when set, holds MakeMove until it receives a value or ctx ends.
	MoveGate chan struct{}

	CancelStatus bool
	CancelErr    error

	Locked    *big.Int
	LockedErr error

	Turn    common.Address
	TurnErr error

	BlockErr error

	block       uint64
	playCalls   int
	moves       []Move
	cancelCalls int
	turnCalls   int
}

var _ chain.Backend = (*Backend)(nil)

// NewBackend returns a backend whose cancel succeeds and whose turn belongs to turn.
func NewBackend(turn common.Address) *Backend {
	return &Backend{
		CancelStatus: true,
		Locked:       big.NewInt(0),
		Turn:         turn,
		block:        100,
	}
}

func (b *Backend) Play(ctx context.Context, params chain.PlayParams) (chain.PlayResult, error) {
	b.mu.Lock()
	b.playCalls++
	gate := b.PlayGate
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.PlayResult, b.PlayErr
}

func (b *Backend) MakeMove(ctx context.Context, game common.Address, x, y int) (*chain.Receipt, error) {
	b.mu.Lock()
	b.moves = append(b.moves, Move{Game: game, X: x, Y: y})
	gate := b.MoveGate
	fn := b.MoveFunc
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fn != nil {
		return fn(game, x, y)
	}
	return &chain.Receipt{Status: true, BlockNumber: b.nextBlock()}, nil
}

func (b *Backend) Cancel(ctx context.Context, game common.Address) (*chain.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelCalls++
	if b.CancelErr != nil {
		return nil, b.CancelErr
	}
	b.block++
	return &chain.Receipt{Status: b.CancelStatus, BlockNumber: b.block}, nil
}

func (b *Backend) LockedValue(ctx context.Context, game common.Address) (*big.Int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.LockedErr != nil {
		return nil, b.LockedErr
	}
	return new(big.Int).Set(b.Locked), nil
}

func (b *Backend) CurrentTurn(ctx context.Context, game common.Address) (common.Address, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.turnCalls++
	return b.Turn, b.TurnErr
}

// BlockNumber reports the block of the last mined transaction.
func (b *Backend) BlockNumber(ctx context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.BlockErr != nil {
		return 0, b.BlockErr
	}
	return b.block, nil
}

// SetBlock moves the chain head.
func (b *Backend) SetBlock(block uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.block = block
}

// SetTurn changes the address CurrentTurn reports.
func (b *Backend) SetTurn(addr common.Address, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Turn = addr
	b.TurnErr = err
}

// SetMoveFunc replaces the MakeMove outcome.
func (b *Backend) SetMoveFunc(fn func(game common.Address, x, y int) (*chain.Receipt, error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.MoveFunc = fn
}

func (b *Backend) nextBlock() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.block++
	return b.block
}

func (b *Backend) PlayCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.playCalls
}

func (b *Backend) Moves() []Move {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Move(nil), b.moves...)
}

func (b *Backend) CancelCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancelCalls
}

func (b *Backend) TurnCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.turnCalls
}
