package game

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/dmnk-game/dmnk/internal/board"
	"github.com/dmnk-game/dmnk/internal/chain"
)

const (
	DefaultWidth  = 20
	DefaultHeight = 20

	defaultResubscribeDelay = time.Second
)

// Controller runs one game at a time for one account. It sequences
// Main -> WaitingForPlayResponse -> GamePending -> GamePlaying -> Main and owns
// the board and turn of the current session.
//
// The mutex is never held across a chain call. Every session gets its own
// context and generation number; listeners and in-flight calls that finish
// after their session ended see a different generation and drop their result.
type Controller struct {
	backend chain.Backend
	events  chain.EventSource
	self    common.Address
	book    AddressBook
	logger  zerolog.Logger

	width, height    int
	resubscribeDelay time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	state         State
	gen           uint64
	session       *session
	pendingGame   common.Address
	sessionCtx    context.Context
	cancelSession context.CancelFunc
	claim         *board.Position
	lastResult    *Result
	lastErr       error
	closed        bool

	notifyMu  sync.Mutex
	observers []func(Snapshot)
}

// Option configures the controller
type Option func(*Controller)

// WithLogger sets a custom logger
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithAddressBook records created and joined games in book.
func WithAddressBook(book AddressBook) Option {
	return func(c *Controller) {
		c.book = book
	}
}

// WithBoardSize sets the board dimensions used for new sessions.
func WithBoardSize(width, height int) Option {
	return func(c *Controller) {
		c.width = width
		c.height = height
	}
}

// WithResubscribeDelay sets the pause before a failed listener subscribes again.
func WithResubscribeDelay(d time.Duration) Option {
	return func(c *Controller) {
		c.resubscribeDelay = d
	}
}

func NewController(backend chain.Backend, events chain.EventSource, account Account, opts ...Option) (*Controller, error) {
	if backend == nil || events == nil || account == nil {
		return nil, errors.New("game: backend, events and account are required")
	}
	ctx, cancel := context.WithCancel(context.Background())

	c := &Controller{
		backend:          backend,
		events:           events,
		self:             account.Address(),
		book:             nopBook{},
		logger:           zerolog.Nop(),
		width:            DefaultWidth,
		height:           DefaultHeight,
		resubscribeDelay: defaultResubscribeDelay,
		ctx:              ctx,
		cancel:           cancel,
		state:            StateMain,
	}
	for _, opt := range opts {
		opt(c)
	}
	if _, err := board.New(c.width, c.height); err != nil {
		cancel()
		return nil, err
	}
	return c, nil
}

// Play submits settings to the gateway and moves to GamePending or GamePlaying
// depending on the receipt. Any failure, insufficient funds included, returns
// the controller to Main.
func (c *Controller) Play(ctx context.Context, settings Settings) (chain.PlayResult, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.state != StateMain {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	c.state = StateWaitingForPlayResponse
	c.lastErr = nil
	gen := c.gen
	c.mu.Unlock()
	c.notify()

	c.logger.Info().
		Str("bid", settings.Bid.String()).
		Str("range_from", settings.RangeFrom.String()).
		Str("range_to", settings.RangeTo.String()).
		Msg("Looking for a game")

	result, err := c.backend.Play(ctx, settings.params())
	if err != nil {
		if errors.Is(err, chain.ErrInsufficientFunds) {
			c.logger.Warn().Err(err).Msg("Not enough funds to play")
		} else {
			c.logger.Error().Err(err).Msg("Play failed")
		}
		c.mu.Lock()
		if c.gen == gen && c.state == StateWaitingForPlayResponse {
			c.state = StateMain
			c.lastErr = err
		}
		c.mu.Unlock()
		c.notify()
		return nil, err
	}

	// Recorded whether or not the session survived the call.
	switch r := result.(type) {
	case chain.GameCreated:
		c.record(ctx, r.Game, common.Address{}, r.Block)
		if !c.enterPending(gen, StateWaitingForPlayResponse, r) {
			return nil, ErrSessionClosed
		}
	case chain.GameStarted:
		c.record(ctx, r.Game, r.Opponent, r.Block)
		if !c.startSession(gen, StateWaitingForPlayResponse, r.Game, r.Opponent, r.Block, r.Block) {
			return nil, ErrSessionClosed
		}
	default:
		c.mu.Lock()
		if c.gen == gen && c.state == StateWaitingForPlayResponse {
			c.state = StateMain
		}
		c.mu.Unlock()
		c.notify()
		return nil, fmt.Errorf("unexpected play result %T", result)
	}
	return result, nil
}

// Cancel withdraws the pending game. A receipt with status false leaves the
// game pending and returns false so the caller can retry.
func (c *Controller) Cancel(ctx context.Context) (bool, error) {
	c.mu.Lock()
	if c.state != StateGamePending {
		c.mu.Unlock()
		return false, ErrNotPending
	}
	game, gen := c.pendingGame, c.gen
	c.mu.Unlock()

	receipt, err := c.backend.Cancel(ctx, game)
	if err != nil {
		c.logger.Error().Err(err).Str("game", game.Hex()).Msg("Cancel failed")
		return false, err
	}
	if !receipt.Status {
		c.logger.Warn().Str("game", game.Hex()).Str("tx", receipt.TxHash.Hex()).Msg("Cancel was rejected")
		return false, nil
	}

	c.mu.Lock()
	if c.gen != gen || c.state != StateGamePending {
		c.mu.Unlock()
		return false, ErrSessionClosed
	}
	c.teardownLocked()
	c.mu.Unlock()

	if err := c.book.Remove(ctx, c.self, game); err != nil {
		c.logger.Error().Err(err).Str("game", game.Hex()).Msg("Failed to forget game")
	}
	c.logger.Info().Str("game", game.Hex()).Msg("Game cancelled")
	c.notify()
	return true, nil
}

// Restore resumes a started game found in the address book. The game end is
// followed from block from, where the game started, so a game that finished
// while the client was away ends right away. The board starts empty and only
// opponent moves after the current chain head are applied.
func (c *Controller) Restore(ctx context.Context, game, opponent common.Address, from uint64) error {
	gen, err := c.idleGen()
	if err != nil {
		return err
	}

	cursor := from
	if head, err := c.backend.BlockNumber(ctx); err != nil {
		c.logger.Warn().Err(err).Str("game", game.Hex()).Msg("Failed to read chain head, following moves from the start block")
	} else {
		cursor = head + 1
	}

	c.logger.Info().Str("game", game.Hex()).Uint64("from", from).Msg("Restoring game")
	if !c.startSession(gen, StateMain, game, opponent, from, cursor) {
		return ErrBusy
	}
	return nil
}

// RestorePending resumes a game that was still waiting for an opponent. The
// opponent is looked for from block, where the game was created, so a game that
// started while the client was away moves on to GamePlaying.
func (c *Controller) RestorePending(ctx context.Context, game common.Address, block uint64) error {
	gen, err := c.idleGen()
	if err != nil {
		return err
	}
	c.logger.Info().Str("game", game.Hex()).Uint64("from", block).Msg("Restoring pending game")
	if !c.enterPending(gen, StateMain, chain.GameCreated{Game: game, Block: block}) {
		return ErrBusy
	}
	return nil
}

// idleGen returns the current generation if the controller sits in Main.
func (c *Controller) idleGen() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}
	if c.state != StateMain {
		return 0, ErrBusy
	}
	return c.gen, nil
}

// Close cancels every listener. Games stay in the address book.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.teardownLocked()
	c.mu.Unlock()
	c.cancel()
}

// OnChange registers fn to receive a snapshot after every state change. fn runs
// synchronously and must not call back into the controller.
func (c *Controller) OnChange(fn func(Snapshot)) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.observers = append(c.observers, fn)
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:      c.state,
		Account:    c.self.Hex(),
		LastResult: c.lastResult,
	}
	if c.lastErr != nil {
		snap.Error = c.lastErr.Error()
	}
	if c.state == StateGamePending {
		snap.Game = c.pendingGame.Hex()
	}
	if s := c.session; s != nil {
		snap.Game = s.game.Hex()
		snap.Opponent = s.opponent.Hex()
		snap.OpponentShort = chain.ShortenAddress(s.opponent)
		if s.locked != nil {
			snap.LockedValue = s.locked.String()
		}
		snap.Turn = s.turn
		snap.Width = s.board.Width()
		snap.Height = s.board.Height()
		snap.Cells = s.board.Cells()
	}
	if c.claim != nil {
		p := *c.claim
		snap.Pending = &p
	}
	return snap
}

// notify must be called without c.mu held. Snapshots are taken under notifyMu
// so observers see them in order.
func (c *Controller) notify() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	if len(c.observers) == 0 {
		return
	}
	snap := c.Snapshot()
	for _, fn := range c.observers {
		fn(snap)
	}
}

// enterPending moves to GamePending if the controller is still at generation
// gen in state from. It reports whether the transition happened.
func (c *Controller) enterPending(gen uint64, from State, created chain.GameCreated) bool {
	c.mu.Lock()
	if !c.expectLocked(gen, from) {
		c.mu.Unlock()
		return false
	}
	c.teardownLocked()
	c.state = StateGamePending
	c.pendingGame = created.Game
	ctx := c.newSessionLocked()
	next := c.gen
	c.mu.Unlock()

	c.logger.Info().Str("game", created.Game.Hex()).Msg("Game created, waiting for opponent")
	c.notify()

	go c.watchStarted(ctx, next, created.Game, created.Block)
	return true
}

// startSession enters GamePlaying under the same conditions as enterPending,
// then reads the locked value, resolves the turn and arms the finished listener.
// The game end is followed from block since, opponent moves from cursor.
func (c *Controller) startSession(gen uint64, from State, game, opponent common.Address, since, cursor uint64) bool {
	ctx, next, ok := c.beginSession(gen, from, game, opponent, cursor)
	if !ok {
		return false
	}
	c.runSession(ctx, next, game, opponent, since)
	return true
}

func (c *Controller) beginSession(gen uint64, from State, game, opponent common.Address, cursor uint64) (context.Context, uint64, bool) {
	b, _ := board.New(c.width, c.height)

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.expectLocked(gen, from) {
		return nil, 0, false
	}
	if from == StateGamePending && c.pendingGame != game {
		return nil, 0, false
	}
	c.teardownLocked()
	c.state = StateGamePlaying
	c.session = &session{
		game:     game,
		opponent: opponent,
		board:    b,
		turn:     TurnUnknown,
		cursor:   cursor,
	}
	ctx := c.newSessionLocked()
	return ctx, c.gen, true
}

func (c *Controller) runSession(ctx context.Context, gen uint64, game, opponent common.Address, since uint64) {
	c.logger.Info().
		Str("game", game.Hex()).
		Str("opponent", chain.ShortenAddress(opponent)).
		Msg("Game started")
	c.notify()

	go c.watchFinished(ctx, gen, game, since)

	if locked, err := c.backend.LockedValue(ctx, game); err != nil {
		c.logger.Warn().Err(err).Str("game", game.Hex()).Msg("Failed to read locked value")
	} else {
		c.mu.Lock()
		if c.gen == gen && c.session != nil {
			c.session.locked = locked
		}
		c.mu.Unlock()
		c.notify()
	}

	if _, err := c.ResolveTurn(ctx); err != nil {
		c.logger.Warn().Err(err).Str("game", game.Hex()).Msg("Failed to resolve turn")
	}
}

func (c *Controller) expectLocked(gen uint64, state State) bool {
	return !c.closed && c.gen == gen && c.state == state
}

// newSessionLocked bumps the generation and returns the context of the new
// session.
func (c *Controller) newSessionLocked() context.Context {
	c.gen++
	ctx, cancel := context.WithCancel(c.ctx)
	c.sessionCtx = ctx
	c.cancelSession = cancel
	return ctx
}

func (c *Controller) sessionCtxLocked() context.Context {
	return c.sessionCtx
}

// teardownLocked cancels the current session's listeners and returns to Main.
func (c *Controller) teardownLocked() {
	c.gen++
	if c.cancelSession != nil {
		c.cancelSession()
		c.cancelSession = nil
	}
	c.sessionCtx = nil
	c.session = nil
	c.pendingGame = common.Address{}
	c.claim = nil
	c.state = StateMain
}

func (c *Controller) finish(gen uint64, ev chain.GameFinished) {
	c.mu.Lock()
	if c.gen != gen || c.session == nil || c.session.game != ev.Game {
		c.mu.Unlock()
		return
	}
	c.lastResult = &Result{
		Game:   ev.Game.Hex(),
		Winner: ev.Winner.Hex(),
		Won:    ev.Winner == c.self,
	}
	c.teardownLocked()
	c.mu.Unlock()

	if err := c.book.Remove(c.ctx, c.self, ev.Game); err != nil {
		c.logger.Error().Err(err).Str("game", ev.Game.Hex()).Msg("Failed to forget game")
	}
	c.logger.Info().
		Str("game", ev.Game.Hex()).
		Str("winner", ev.Winner.Hex()).
		Bool("won", ev.Winner == c.self).
		Msg("Game finished")
	c.notify()
}

func (c *Controller) record(ctx context.Context, game, opponent common.Address, block uint64) {
	if err := c.book.Add(ctx, c.self, game, opponent, block); err != nil {
		c.logger.Error().Err(err).Str("game", game.Hex()).Msg("Failed to record game")
	}
}

type nopBook struct{}

func (nopBook) Add(context.Context, common.Address, common.Address, common.Address, uint64) error {
	return nil
}
func (nopBook) Remove(context.Context, common.Address, common.Address) error { return nil }
