package game

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/dmnk-game/dmnk/internal/board"
	"github.com/dmnk-game/dmnk/internal/chain"
)

var errSubscriptionClosed = errors.New("subscription closed")

// armOpponentLocked starts the opponent listener for the current turn unless
// one is already waiting.
func (c *Controller) armOpponentLocked() {
	s := c.session
	if s == nil || s.listening || c.cancelSession == nil {
		return
	}
	s.listening = true
	go c.watchOpponent(c.sessionCtxLocked(), c.gen, s.game, s.cursor)
}

// watchOpponent waits for one opponent move, applies it and hands the turn back.
func (c *Controller) watchOpponent(ctx context.Context, gen uint64, game common.Address, from uint64) {
	for {
		ev, err := c.awaitOpponentMove(ctx, gen, game, from)
		if err == nil {
			c.applyOpponentMove(ctx, gen, ev)
			return
		}
		if ctx.Err() != nil || errors.Is(err, ErrSessionClosed) {
			return
		}
		c.logger.Error().Err(err).Str("game", game.Hex()).Msg("Opponent listener failed")
		if !c.sleep(ctx) {
			return
		}
	}
}

// awaitOpponentMove resolves with the first Move of game at or after from that
// was made by someone else and lands on a free cell of the board.
func (c *Controller) awaitOpponentMove(ctx context.Context, gen uint64, game common.Address, from uint64) (chain.MoveEvent, error) {
	sink := make(chan chain.MoveEvent, 16)
	sub, err := c.events.SubscribeMoves(ctx, game, from, sink)
	if err != nil {
		return chain.MoveEvent{}, err
	}
	defer sub.Unsubscribe()

	for {
		select {
		case ev := <-sink:
			if ev.Player == c.self || ev.Game != game {
				continue
			}
			ok, err := c.acceptsMove(gen, ev)
			if err != nil {
				return chain.MoveEvent{}, err
			}
			if ok {
				return ev, nil
			}
		case err, ok := <-sub.Err():
			if !ok || err == nil {
				return chain.MoveEvent{}, errSubscriptionClosed
			}
			return chain.MoveEvent{}, err
		case <-ctx.Done():
			return chain.MoveEvent{}, ctx.Err()
		}
	}
}

func (c *Controller) acceptsMove(gen uint64, ev chain.MoveEvent) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.session == nil {
		return false, ErrSessionClosed
	}
	p := board.Position{X: ev.X, Y: ev.Y}
	if !c.session.board.Contains(p) {
		c.logger.Warn().Str("cell", p.String()).Uint64("block", ev.Block).Msg("Ignoring move outside the board")
		return false, nil
	}
	if owner := c.session.board.Get(p); owner != board.Free {
		c.logger.Debug().Str("cell", p.String()).Str("owner", owner.String()).Msg("Ignoring move on a taken cell")
		return false, nil
	}
	return true, nil
}

func (c *Controller) applyOpponentMove(ctx context.Context, gen uint64, ev chain.MoveEvent) {
	p := board.Position{X: ev.X, Y: ev.Y}

	c.mu.Lock()
	s := c.session
	if c.gen != gen || s == nil {
		c.mu.Unlock()
		return
	}
	s.listening = false
	if s.board.Get(p) != board.Free {
		// our own claim raced the event; wait again
		c.armOpponentLocked()
		c.mu.Unlock()
		return
	}
	_ = s.board.Set(p, board.NotMine)
	s.turn = TurnMine
	if ev.Block > s.cursor {
		s.cursor = ev.Block
	}
	c.mu.Unlock()

	c.logger.Info().
		Str("game", ev.Game.Hex()).
		Str("cell", p.String()).
		Str("player", chain.ShortenAddress(ev.Player)).
		Msg("Opponent moved")
	c.notify()
	c.reconcileTurn(ctx)
}

// watchFinished lives as long as the session and ends it on GameFinished.
func (c *Controller) watchFinished(ctx context.Context, gen uint64, game common.Address, from uint64) {
	for {
		sink := make(chan chain.GameFinished, 1)
		sub, err := c.events.SubscribeGameFinished(ctx, game, from, sink)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error().Err(err).Str("game", game.Hex()).Msg("Failed to watch for game end")
			if !c.sleep(ctx) {
				return
			}
			continue
		}

		select {
		case ev := <-sink:
			sub.Unsubscribe()
			c.finish(gen, ev)
			return
		case err := <-sub.Err():
			sub.Unsubscribe()
			if ctx.Err() != nil {
				return
			}
			c.logger.Error().Err(err).Str("game", game.Hex()).Msg("Game end subscription failed")
			if !c.sleep(ctx) {
				return
			}
		case <-ctx.Done():
			sub.Unsubscribe()
			return
		}
	}
}

// watchStarted waits for someone to join our pending game.
func (c *Controller) watchStarted(ctx context.Context, gen uint64, game common.Address, from uint64) {
	for {
		sink := make(chan chain.GameStarted, 1)
		sub, err := c.events.SubscribeGameStarted(ctx, game, from, sink)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error().Err(err).Str("game", game.Hex()).Msg("Failed to watch for opponent")
			if !c.sleep(ctx) {
				return
			}
			continue
		}

		select {
		case ev := <-sink:
			sub.Unsubscribe()
			next, nextGen, ok := c.beginSession(gen, StateGamePending, ev.Game, ev.Opponent, ev.Block)
			if ok {
				c.record(c.ctx, ev.Game, ev.Opponent, ev.Block)
				c.runSession(next, nextGen, ev.Game, ev.Opponent, ev.Block)
			}
			return
		case err := <-sub.Err():
			sub.Unsubscribe()
			if ctx.Err() != nil {
				return
			}
			c.logger.Error().Err(err).Str("game", game.Hex()).Msg("Opponent subscription failed")
			if !c.sleep(ctx) {
				return
			}
		case <-ctx.Done():
			sub.Unsubscribe()
			return
		}
	}
}

func (c *Controller) sleep(ctx context.Context) bool {
	select {
	case <-time.After(c.resubscribeDelay):
		return true
	case <-ctx.Done():
		return false
	}
}
