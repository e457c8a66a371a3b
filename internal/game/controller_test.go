package game

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmnk-game/dmnk/internal/board"
	"github.com/dmnk-game/dmnk/internal/chain"
	"github.com/dmnk-game/dmnk/internal/chain/chaintest"
)

var (
	addrA = common.HexToAddress("0xA")
	addrB = common.HexToAddress("0xB")
	addrC = common.HexToAddress("0xC")

	self = common.HexToAddress("0x5e1f")
)

const waitFor = 2 * time.Second

type testAccount common.Address

func (a testAccount) Address() common.Address { return common.Address(a) }

type bookEntry struct {
	opponent common.Address
	block    uint64
}

type memBook struct {
	mu    sync.Mutex
	games map[common.Address]bookEntry
}

func newMemBook() *memBook {
	return &memBook{games: make(map[common.Address]bookEntry)}
}

func (b *memBook) Add(_ context.Context, _, game, opponent common.Address, block uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if opponent == (common.Address{}) {
		if _, ok := b.games[game]; ok {
			return nil
		}
	}
	b.games[game] = bookEntry{opponent: opponent, block: block}
	return nil
}

func (b *memBook) Remove(_ context.Context, _, game common.Address) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.games, game)
	return nil
}

func (b *memBook) Has(game common.Address) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.games[game]
	return ok
}

func (b *memBook) Opponent(game common.Address) common.Address {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.games[game].opponent
}

func (b *memBook) Block(game common.Address) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.games[game].block
}

type fixture struct {
	backend *chaintest.Backend
	events  *chaintest.Events
	book    *memBook
	ctrl    *Controller
}

func newFixture(t *testing.T, turn common.Address) *fixture {
	t.Helper()
	f := &fixture{
		backend: chaintest.NewBackend(turn),
		events:  chaintest.NewEvents(),
		book:    newMemBook(),
	}
	ctrl, err := NewController(f.backend, f.events, testAccount(self),
		WithLogger(zerolog.New(zerolog.NewTestWriter(t))),
		WithAddressBook(f.book),
		WithBoardSize(10, 10),
		WithResubscribeDelay(10*time.Millisecond),
	)
	require.NoError(t, err)
	t.Cleanup(ctrl.Close)
	f.ctrl = ctrl
	return f
}

// playing starts a game against addrC in contract addrB at block 10.
func (f *fixture) playing(t *testing.T) {
	t.Helper()
	f.backend.PlayResult = chain.GameStarted{Game: addrB, Opponent: addrC, Block: 10}
	_, err := f.ctrl.Play(context.Background(), validSettings())
	require.NoError(t, err)
	require.Equal(t, StateGamePlaying, f.ctrl.State())
}

func validSettings() Settings {
	return Settings{Bid: big.NewInt(10), RangeFrom: big.NewInt(9), RangeTo: big.NewInt(11)}
}

func ownerAt(snap Snapshot, p board.Position) board.Ownership {
	for _, cell := range snap.Cells {
		if cell.Position == p {
			return cell.Owner
		}
	}
	return board.Free
}

func TestNewControllerRejectsBadBoard(t *testing.T) {
	_, err := NewController(chaintest.NewBackend(self), chaintest.NewEvents(), testAccount(self), WithBoardSize(0, 5))
	assert.Error(t, err)
}

func TestSettingsValidate(t *testing.T) {
	tests := []struct {
		name     string
		settings Settings
		valid    bool
	}{
		{"ok", validSettings(), true},
		{"bid at bounds", Settings{Bid: big.NewInt(9), RangeFrom: big.NewInt(9), RangeTo: big.NewInt(9)}, true},
		{"missing bid", Settings{RangeFrom: big.NewInt(1), RangeTo: big.NewInt(2)}, false},
		{"zero bid", Settings{Bid: big.NewInt(0), RangeFrom: big.NewInt(0), RangeTo: big.NewInt(2)}, false},
		{"empty range", Settings{Bid: big.NewInt(5), RangeFrom: big.NewInt(6), RangeTo: big.NewInt(4)}, false},
		{"bid outside range", Settings{Bid: big.NewInt(12), RangeFrom: big.NewInt(9), RangeTo: big.NewInt(11)}, true},
		{"negative range", Settings{Bid: big.NewInt(5), RangeFrom: big.NewInt(-1), RangeTo: big.NewInt(4)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.settings.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidSetting)
			}
		})
	}
}

func TestPlayRejectsInvalidSettings(t *testing.T) {
	f := newFixture(t, self)

	_, err := f.ctrl.Play(context.Background(), Settings{Bid: big.NewInt(1), RangeFrom: big.NewInt(6), RangeTo: big.NewInt(5)})
	assert.ErrorIs(t, err, ErrInvalidSetting)
	assert.Equal(t, 0, f.backend.PlayCalls())
	assert.Equal(t, StateMain, f.ctrl.State())
}

func TestPlayGameCreatedEntersPending(t *testing.T) {
	f := newFixture(t, self)
	f.backend.PlayResult = chain.GameCreated{Game: addrA, Block: 5}

	var mu sync.Mutex
	var states []State
	f.ctrl.OnChange(func(s Snapshot) {
		mu.Lock()
		states = append(states, s.State)
		mu.Unlock()
	})

	res, err := f.ctrl.Play(context.Background(), validSettings())
	require.NoError(t, err)
	assert.Equal(t, addrA, res.GameAddress())

	snap := f.ctrl.Snapshot()
	assert.Equal(t, StateGamePending, snap.State)
	assert.Equal(t, addrA.Hex(), snap.Game)
	assert.True(t, f.book.Has(addrA))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateWaitingForPlayResponse, StateGamePending}, states)
}

func TestPlayGameStartedEntersPlaying(t *testing.T) {
	f := newFixture(t, self)
	f.backend.Locked = big.NewInt(20)
	f.playing(t)

	snap := f.ctrl.Snapshot()
	assert.Equal(t, addrB.Hex(), snap.Game)
	assert.Equal(t, addrC.Hex(), snap.Opponent)
	assert.Equal(t, "20", snap.LockedValue)
	assert.Equal(t, TurnMine, snap.Turn)
	assert.Equal(t, 10, snap.Width)
	assert.Empty(t, snap.Cells)
	assert.True(t, f.book.Has(addrB))
}

func TestPlayInsufficientFundsReturnsToMain(t *testing.T) {
	f := newFixture(t, self)
	f.backend.PlayErr = fmt.Errorf("play: %w", chain.ErrInsufficientFunds)

	_, err := f.ctrl.Play(context.Background(), validSettings())
	assert.ErrorIs(t, err, chain.ErrInsufficientFunds)

	snap := f.ctrl.Snapshot()
	assert.Equal(t, StateMain, snap.State)
	assert.Contains(t, snap.Error, "insufficient funds")
}

func TestPlayOtherFailureReturnsToMain(t *testing.T) {
	f := newFixture(t, self)
	f.backend.PlayErr = errors.New("connection refused")

	_, err := f.ctrl.Play(context.Background(), validSettings())
	assert.Error(t, err)
	assert.Equal(t, StateMain, f.ctrl.State())
}

func TestPlayWhileBusy(t *testing.T) {
	f := newFixture(t, self)
	f.playing(t)

	_, err := f.ctrl.Play(context.Background(), validSettings())
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, 1, f.backend.PlayCalls())
}

func TestClaimCellNotMyTurnMakesNoCall(t *testing.T) {
	f := newFixture(t, addrC)
	f.playing(t)
	require.Equal(t, TurnNotMine, f.ctrl.Snapshot().Turn)

	for _, p := range []board.Position{{X: 0, Y: 0}, {X: 3, Y: 4}, {X: 9, Y: 9}} {
		out := f.ctrl.ClaimCell(context.Background(), p)
		assert.False(t, out.OK())
		assert.ErrorIs(t, out.(Rejected).Reason, ErrNotYourTurn)
	}
	assert.Empty(t, f.backend.Moves())
}

func TestClaimCellUnknownTurnMakesNoCall(t *testing.T) {
	f := newFixture(t, self)
	f.backend.TurnErr = errors.New("rpc unavailable")
	f.playing(t)
	require.Equal(t, TurnUnknown, f.ctrl.Snapshot().Turn)

	out := f.ctrl.ClaimCell(context.Background(), board.Position{X: 1, Y: 1})
	assert.False(t, out.OK())
	assert.Empty(t, f.backend.Moves())
}

func TestClaimCellSuccess(t *testing.T) {
	f := newFixture(t, self)
	f.playing(t)

	p := board.Position{X: 3, Y: 4}
	out := f.ctrl.ClaimCell(context.Background(), p)
	require.True(t, out.OK())
	assert.Equal(t, p, out.Cell())

	snap := f.ctrl.Snapshot()
	assert.Equal(t, board.Mine, ownerAt(snap, p))
	assert.Equal(t, TurnNotMine, snap.Turn)
	assert.Nil(t, snap.Pending)
	assert.Equal(t, []chaintest.Move{{Game: addrB, X: 3, Y: 4}}, f.backend.Moves())
}

func TestClaimCellFailureRollsBack(t *testing.T) {
	tests := []struct {
		name    string
		outcome func(common.Address, int, int) (*chain.Receipt, error)
		reason  error
	}{
		{
			name: "reverted",
			outcome: func(common.Address, int, int) (*chain.Receipt, error) {
				return &chain.Receipt{Status: false, BlockNumber: 11}, nil
			},
			reason: chain.ErrReverted,
		},
		{
			name: "out of gas",
			outcome: func(common.Address, int, int) (*chain.Receipt, error) {
				return nil, fmt.Errorf("makeMove: %w", chain.ErrInsufficientFunds)
			},
			reason: chain.ErrInsufficientFunds,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, self)
			f.playing(t)
			f.backend.SetMoveFunc(tt.outcome)

			p := board.Position{X: 2, Y: 2}
			out := f.ctrl.ClaimCell(context.Background(), p)
			require.False(t, out.OK())
			assert.ErrorIs(t, out.(Rejected).Reason, tt.reason)

			snap := f.ctrl.Snapshot()
			assert.Equal(t, board.Free, ownerAt(snap, p))
			assert.Equal(t, TurnMine, snap.Turn)
			assert.Nil(t, snap.Pending)
		})
	}
}

func TestClaimCellOnOwnedCellIsNoop(t *testing.T) {
	f := newFixture(t, self)
	f.playing(t)

	mine := board.Position{X: 0, Y: 0}
	require.True(t, f.ctrl.ClaimCell(context.Background(), mine).OK())

	theirs := board.Position{X: 1, Y: 1}
	f.events.EmitMove(chain.MoveEvent{Game: addrB, Player: addrC, X: 1, Y: 1, Block: 200})
	require.Eventually(t, func() bool { return f.ctrl.Snapshot().Turn == TurnMine }, waitFor, 5*time.Millisecond)

	for _, p := range []board.Position{mine, theirs} {
		out := f.ctrl.ClaimCell(context.Background(), p)
		assert.False(t, out.OK())
		assert.ErrorIs(t, out.(Rejected).Reason, ErrCellOccupied)
	}
	assert.Len(t, f.backend.Moves(), 1)

	snap := f.ctrl.Snapshot()
	assert.Equal(t, board.Mine, ownerAt(snap, mine))
	assert.Equal(t, board.NotMine, ownerAt(snap, theirs))
}

func TestClaimCellOutOfBoundsAndNoGame(t *testing.T) {
	f := newFixture(t, self)

	out := f.ctrl.ClaimCell(context.Background(), board.Position{X: 0, Y: 0})
	assert.ErrorIs(t, out.(Rejected).Reason, ErrNoActiveGame)

	f.playing(t)
	out = f.ctrl.ClaimCell(context.Background(), board.Position{X: 10, Y: 0})
	assert.ErrorIs(t, out.(Rejected).Reason, ErrOutOfBounds)
	assert.Empty(t, f.backend.Moves())
}

func TestClaimCellSingleInFlight(t *testing.T) {
	f := newFixture(t, self)
	f.playing(t)
	gate := make(chan struct{})
	f.backend.MoveGate = gate

	first := board.Position{X: 4, Y: 4}
	done := make(chan ClaimOutcome, 1)
	go func() { done <- f.ctrl.ClaimCell(context.Background(), first) }()

	require.Eventually(t, func() bool { return f.ctrl.Snapshot().Pending != nil }, waitFor, 5*time.Millisecond)
	assert.Equal(t, board.Pending, ownerAt(f.ctrl.Snapshot(), first))

	out := f.ctrl.ClaimCell(context.Background(), board.Position{X: 5, Y: 5})
	assert.ErrorIs(t, out.(Rejected).Reason, ErrClaimInFlight)

	close(gate)
	select {
	case out := <-done:
		assert.True(t, out.OK())
	case <-time.After(waitFor):
		t.Fatal("Timeout waiting for claim")
	}
	assert.Len(t, f.backend.Moves(), 1)
	assert.Equal(t, board.Mine, ownerAt(f.ctrl.Snapshot(), first))
}

func TestClaimCellSessionEndsInFlight(t *testing.T) {
	f := newFixture(t, self)
	f.playing(t)
	gate := make(chan struct{})
	f.backend.MoveGate = gate

	done := make(chan ClaimOutcome, 1)
	go func() { done <- f.ctrl.ClaimCell(context.Background(), board.Position{X: 1, Y: 2}) }()
	require.Eventually(t, func() bool { return f.ctrl.Snapshot().Pending != nil }, waitFor, 5*time.Millisecond)

	f.events.EmitFinished(chain.GameFinished{Game: addrB, Winner: addrC, Block: 11})
	require.Eventually(t, func() bool { return f.ctrl.State() == StateMain }, waitFor, 5*time.Millisecond)

	close(gate)
	out := <-done
	assert.ErrorIs(t, out.(Rejected).Reason, ErrSessionClosed)
	assert.Empty(t, f.ctrl.Snapshot().Cells)
}

func TestOpponentMoveApplied(t *testing.T) {
	f := newFixture(t, addrC)
	f.playing(t)

	f.events.EmitMove(chain.MoveEvent{Game: addrB, Player: addrC, X: 3, Y: 4, Block: 11})

	require.Eventually(t, func() bool { return f.ctrl.Snapshot().Turn == TurnMine }, waitFor, 5*time.Millisecond)
	assert.Equal(t, board.NotMine, ownerAt(f.ctrl.Snapshot(), board.Position{X: 3, Y: 4}))
}

func TestOpponentListenerSkipsOwnAndInvalidMoves(t *testing.T) {
	f := newFixture(t, addrC)
	f.playing(t)

	f.events.EmitMove(chain.MoveEvent{Game: addrB, Player: self, X: 0, Y: 0, Block: 11})
	f.events.EmitMove(chain.MoveEvent{Game: addrB, Player: addrC, X: 42, Y: 0, Block: 11})
	f.events.EmitMove(chain.MoveEvent{Game: addrB, Player: addrC, X: 5, Y: 6, Block: 12})

	require.Eventually(t, func() bool { return f.ctrl.Snapshot().Turn == TurnMine }, waitFor, 5*time.Millisecond)

	snap := f.ctrl.Snapshot()
	require.Len(t, snap.Cells, 1)
	assert.Equal(t, board.Position{X: 5, Y: 6}, snap.Cells[0].Position)
	assert.Equal(t, board.NotMine, snap.Cells[0].Owner)
}

func TestTurnAlternatesOverMoves(t *testing.T) {
	f := newFixture(t, self)
	f.playing(t)
	ctx := context.Background()

	require.True(t, f.ctrl.ClaimCell(ctx, board.Position{X: 0, Y: 0}).OK())
	assert.Equal(t, TurnNotMine, f.ctrl.Snapshot().Turn)

	f.events.EmitMove(chain.MoveEvent{Game: addrB, Player: addrC, X: 1, Y: 0, Block: 200})
	require.Eventually(t, func() bool { return f.ctrl.Snapshot().Turn == TurnMine }, waitFor, 5*time.Millisecond)

	require.True(t, f.ctrl.ClaimCell(ctx, board.Position{X: 2, Y: 0}).OK())
	assert.Equal(t, TurnNotMine, f.ctrl.Snapshot().Turn)

	f.events.EmitMove(chain.MoveEvent{Game: addrB, Player: addrC, X: 3, Y: 0, Block: 300})
	require.Eventually(t, func() bool { return f.ctrl.Snapshot().Turn == TurnMine }, waitFor, 5*time.Millisecond)

	snap := f.ctrl.Snapshot()
	assert.Equal(t, 2, countOwner(snap, board.Mine))
	assert.Equal(t, 2, countOwner(snap, board.NotMine))
}

func countOwner(snap Snapshot, o board.Ownership) int {
	n := 0
	for _, cell := range snap.Cells {
		if cell.Owner == o {
			n++
		}
	}
	return n
}

func TestResolveTurnRetryAfterFailure(t *testing.T) {
	f := newFixture(t, self)
	f.backend.TurnErr = errors.New("timeout")
	f.playing(t)
	require.Equal(t, TurnUnknown, f.ctrl.Snapshot().Turn)

	turn, err := f.ctrl.ResolveTurn(context.Background())
	assert.Error(t, err)
	assert.Equal(t, TurnUnknown, turn)

	f.backend.SetTurn(self, nil)
	turn, err = f.ctrl.ResolveTurn(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TurnMine, turn)
}

func TestResolveTurnKeepsConfirmedTurn(t *testing.T) {
	f := newFixture(t, self)
	f.playing(t)
	require.True(t, f.ctrl.ClaimCell(context.Background(), board.Position{X: 0, Y: 0}).OK())

	// The chain still reports our turn, e.g. a lagging node.
	turn, err := f.ctrl.ResolveTurn(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TurnNotMine, turn)
}

func TestResolveTurnWithoutGame(t *testing.T) {
	f := newFixture(t, self)
	_, err := f.ctrl.ResolveTurn(context.Background())
	assert.ErrorIs(t, err, ErrNoActiveGame)
}

func TestCancelPending(t *testing.T) {
	f := newFixture(t, self)
	f.backend.PlayResult = chain.GameCreated{Game: addrA, Block: 5}
	_, err := f.ctrl.Play(context.Background(), validSettings())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.events.Active(chaintest.KindStarted) == 1 }, waitFor, 5*time.Millisecond)

	ok, err := f.ctrl.Cancel(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	snap := f.ctrl.Snapshot()
	assert.Equal(t, StateMain, snap.State)
	assert.Empty(t, snap.Game)
	assert.False(t, f.book.Has(addrA))
	assert.Eventually(t, func() bool { return f.events.Active(chaintest.KindStarted) == 0 }, waitFor, 5*time.Millisecond)
}

func TestCancelRejectedStaysPending(t *testing.T) {
	f := newFixture(t, self)
	f.backend.PlayResult = chain.GameCreated{Game: addrA, Block: 5}
	f.backend.CancelStatus = false
	_, err := f.ctrl.Play(context.Background(), validSettings())
	require.NoError(t, err)

	ok, err := f.ctrl.Cancel(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, StateGamePending, f.ctrl.State())
	assert.True(t, f.book.Has(addrA))
}

func TestCancelOutsidePending(t *testing.T) {
	f := newFixture(t, self)
	_, err := f.ctrl.Cancel(context.Background())
	assert.ErrorIs(t, err, ErrNotPending)
	assert.Equal(t, 0, f.backend.CancelCalls())
}

func TestPendingToPlayingOnGameStarted(t *testing.T) {
	f := newFixture(t, self)
	f.backend.PlayResult = chain.GameCreated{Game: addrA, Block: 5}
	_, err := f.ctrl.Play(context.Background(), validSettings())
	require.NoError(t, err)

	f.events.EmitStarted(chain.GameStarted{Game: addrA, Opponent: addrC, Block: 6})

	require.Eventually(t, func() bool { return f.ctrl.State() == StateGamePlaying }, waitFor, 5*time.Millisecond)
	snap := f.ctrl.Snapshot()
	assert.Equal(t, addrA.Hex(), snap.Game)
	assert.Equal(t, addrC.Hex(), snap.Opponent)
	assert.Equal(t, addrC, f.book.Opponent(addrA))
}

func TestGameFinishedReturnsToMain(t *testing.T) {
	for _, winner := range []common.Address{self, addrC} {
		t.Run(chain.ShortenAddress(winner), func(t *testing.T) {
			f := newFixture(t, addrC)
			f.playing(t)
			require.Eventually(t, func() bool {
				return f.events.Active(chaintest.KindFinished) == 1 && f.events.Active(chaintest.KindMove) == 1
			}, waitFor, 5*time.Millisecond)

			f.events.EmitFinished(chain.GameFinished{Game: addrB, Winner: winner, Block: 20})

			require.Eventually(t, func() bool { return f.ctrl.State() == StateMain }, waitFor, 5*time.Millisecond)
			snap := f.ctrl.Snapshot()
			require.NotNil(t, snap.LastResult)
			assert.Equal(t, winner.Hex(), snap.LastResult.Winner)
			assert.Equal(t, winner == self, snap.LastResult.Won)
			assert.False(t, f.book.Has(addrB))

			assert.Eventually(t, func() bool {
				return f.events.Active(chaintest.KindFinished) == 0 && f.events.Active(chaintest.KindMove) == 0
			}, waitFor, 5*time.Millisecond)
		})
	}
}

func TestRestoreResumesGame(t *testing.T) {
	f := newFixture(t, addrC)

	require.NoError(t, f.ctrl.Restore(context.Background(), addrB, addrC, 10))
	snap := f.ctrl.Snapshot()
	assert.Equal(t, StateGamePlaying, snap.State)
	assert.Equal(t, TurnNotMine, snap.Turn)

	require.Eventually(t, func() bool { return f.events.Active(chaintest.KindMove) == 1 }, waitFor, 5*time.Millisecond)
	f.events.EmitMove(chain.MoveEvent{Game: addrB, Player: addrC, X: 7, Y: 7, Block: 140})
	require.Eventually(t, func() bool { return f.ctrl.Snapshot().Turn == TurnMine }, waitFor, 5*time.Millisecond)
}

func TestRestoreFinishedGameReturnsToMain(t *testing.T) {
	f := newFixture(t, addrC)
	require.NoError(t, f.book.Add(context.Background(), self, addrB, addrC, 10))
	f.events.EmitFinished(chain.GameFinished{Game: addrB, Winner: addrC, Block: 30})

	require.NoError(t, f.ctrl.Restore(context.Background(), addrB, addrC, 10))

	require.Eventually(t, func() bool { return f.ctrl.State() == StateMain }, waitFor, 5*time.Millisecond)
	snap := f.ctrl.Snapshot()
	require.NotNil(t, snap.LastResult)
	assert.Equal(t, addrC.Hex(), snap.LastResult.Winner)
	assert.False(t, snap.LastResult.Won)
	assert.False(t, f.book.Has(addrB))
}

func TestRestoreSkipsMovesBeforeHead(t *testing.T) {
	f := newFixture(t, addrC)
	f.backend.SetBlock(50)
	f.events.EmitMove(chain.MoveEvent{Game: addrB, Player: addrC, X: 1, Y: 1, Block: 20})

	require.NoError(t, f.ctrl.Restore(context.Background(), addrB, addrC, 10))
	require.Eventually(t, func() bool { return f.events.Active(chaintest.KindMove) == 1 }, waitFor, 5*time.Millisecond)

	snap := f.ctrl.Snapshot()
	assert.Equal(t, board.Free, ownerAt(snap, board.Position{X: 1, Y: 1}))
	assert.Equal(t, TurnNotMine, snap.Turn)
}

func TestRestoreWithoutHeadStillPlays(t *testing.T) {
	f := newFixture(t, self)
	f.backend.BlockErr = errors.New("rpc down")

	require.NoError(t, f.ctrl.Restore(context.Background(), addrB, addrC, 10))
	assert.Equal(t, StateGamePlaying, f.ctrl.State())
	assert.Equal(t, TurnMine, f.ctrl.Snapshot().Turn)
}

func TestRestorePendingCanCancel(t *testing.T) {
	f := newFixture(t, self)
	require.NoError(t, f.book.Add(context.Background(), self, addrA, common.Address{}, 5))

	require.NoError(t, f.ctrl.RestorePending(context.Background(), addrA, 5))
	snap := f.ctrl.Snapshot()
	assert.Equal(t, StateGamePending, snap.State)
	assert.Equal(t, addrA.Hex(), snap.Game)
	require.Eventually(t, func() bool { return f.events.Active(chaintest.KindStarted) == 1 }, waitFor, 5*time.Millisecond)

	ok, err := f.ctrl.Cancel(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, StateMain, f.ctrl.State())
	assert.False(t, f.book.Has(addrA))
}

func TestRestorePendingCatchesUpOnStart(t *testing.T) {
	f := newFixture(t, self)
	require.NoError(t, f.book.Add(context.Background(), self, addrA, common.Address{}, 5))
	f.events.EmitStarted(chain.GameStarted{Game: addrA, Opponent: addrC, Block: 8})

	require.NoError(t, f.ctrl.RestorePending(context.Background(), addrA, 5))

	require.Eventually(t, func() bool { return f.ctrl.State() == StateGamePlaying }, waitFor, 5*time.Millisecond)
	snap := f.ctrl.Snapshot()
	assert.Equal(t, addrA.Hex(), snap.Game)
	assert.Equal(t, addrC.Hex(), snap.Opponent)
	assert.Equal(t, addrC, f.book.Opponent(addrA))
	assert.Equal(t, uint64(8), f.book.Block(addrA))
}

func TestRestoreWhileBusy(t *testing.T) {
	f := newFixture(t, self)
	f.playing(t)

	assert.ErrorIs(t, f.ctrl.Restore(context.Background(), addrA, addrC, 5), ErrBusy)
	assert.ErrorIs(t, f.ctrl.RestorePending(context.Background(), addrA, 5), ErrBusy)
	assert.Equal(t, addrB.Hex(), f.ctrl.Snapshot().Game)

	f.ctrl.Close()
	assert.ErrorIs(t, f.ctrl.Restore(context.Background(), addrA, addrC, 5), ErrClosed)
}

func TestRestoreWhilePlayInFlightIsBusy(t *testing.T) {
	f := newFixture(t, self)
	f.backend.PlayGate = make(chan struct{})
	f.backend.PlayResult = chain.GameCreated{Game: addrA, Block: 5}

	done := make(chan error, 1)
	go func() {
		_, err := f.ctrl.Play(context.Background(), validSettings())
		done <- err
	}()
	require.Eventually(t, func() bool { return f.backend.PlayCalls() == 1 }, waitFor, 5*time.Millisecond)

	assert.ErrorIs(t, f.ctrl.Restore(context.Background(), addrB, addrC, 10), ErrBusy)

	close(f.backend.PlayGate)
	require.NoError(t, <-done)
	assert.Equal(t, StateGamePending, f.ctrl.State())
	assert.Equal(t, addrA.Hex(), f.ctrl.Snapshot().Game)
}

func TestPlayRecordedWhenClosedDuringPlay(t *testing.T) {
	tests := []struct {
		name     string
		result   chain.PlayResult
		opponent common.Address
	}{
		{"created", chain.GameCreated{Game: addrA, Block: 5}, common.Address{}},
		{"started", chain.GameStarted{Game: addrA, Opponent: addrC, Block: 5}, addrC},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, self)
			f.backend.PlayGate = make(chan struct{})
			f.backend.PlayResult = tt.result

			done := make(chan error, 1)
			go func() {
				_, err := f.ctrl.Play(context.Background(), validSettings())
				done <- err
			}()
			require.Eventually(t, func() bool { return f.backend.PlayCalls() == 1 }, waitFor, 5*time.Millisecond)

			f.ctrl.Close()
			close(f.backend.PlayGate)

			assert.ErrorIs(t, <-done, ErrSessionClosed)
			assert.Equal(t, StateMain, f.ctrl.State())
			assert.True(t, f.book.Has(addrA), "a game mined after close must stay in the book")
			assert.Equal(t, tt.opponent, f.book.Opponent(addrA))
			assert.Equal(t, uint64(5), f.book.Block(addrA))
			assert.Equal(t, 0, f.events.Subscribes(chaintest.KindStarted))
			assert.Equal(t, 0, f.events.Subscribes(chaintest.KindFinished))
		})
	}
}

func TestStaleStartAfterCancelIsDropped(t *testing.T) {
	f := newFixture(t, self)
	f.backend.PlayResult = chain.GameCreated{Game: addrA, Block: 5}
	_, err := f.ctrl.Play(context.Background(), validSettings())
	require.NoError(t, err)

	f.ctrl.mu.Lock()
	gen := f.ctrl.gen
	f.ctrl.mu.Unlock()

	ok, err := f.ctrl.Cancel(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	// a GameStarted listener waking up after the cancel
	_, _, started := f.ctrl.beginSession(gen, StateGamePending, addrA, addrC, 6)
	assert.False(t, started)
	assert.Equal(t, StateMain, f.ctrl.State())
	assert.False(t, f.book.Has(addrA))
}

func TestCloseStopsListeners(t *testing.T) {
	f := newFixture(t, addrC)
	f.playing(t)
	require.Eventually(t, func() bool { return f.events.Active(chaintest.KindMove) == 1 }, waitFor, 5*time.Millisecond)

	f.ctrl.Close()

	assert.Equal(t, StateMain, f.ctrl.State())
	assert.Eventually(t, func() bool {
		return f.events.Active(chaintest.KindMove) == 0 && f.events.Active(chaintest.KindFinished) == 0
	}, waitFor, 5*time.Millisecond)
	assert.True(t, f.book.Has(addrB))

	_, err := f.ctrl.Play(context.Background(), validSettings())
	assert.ErrorIs(t, err, ErrClosed)
}
