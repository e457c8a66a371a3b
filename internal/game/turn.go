package game

import (
	"context"
	"fmt"
)

// ResolveTurn asks the game contract whose turn it is. The answer is adopted
// while the local turn is still Unknown; after that the turn only moves with
// confirmed moves and a differing answer is logged. On error the turn is left
// as it was and the caller may try again.
func (c *Controller) ResolveTurn(ctx context.Context) (Turn, error) {
	c.mu.Lock()
	s := c.session
	if s == nil || c.state != StateGamePlaying {
		c.mu.Unlock()
		return TurnUnknown, ErrNoActiveGame
	}
	game, gen := s.game, c.gen
	c.mu.Unlock()

	addr, err := c.backend.CurrentTurn(ctx, game)

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return TurnUnknown, ErrSessionClosed
	}
	if err != nil {
		turn := s.turn
		c.mu.Unlock()
		return turn, fmt.Errorf("resolve turn: %w", err)
	}

	resolved := TurnNotMine
	if addr == c.self {
		resolved = TurnMine
	}

	changed := false
	switch {
	case s.turn == TurnUnknown:
		s.turn = resolved
		changed = true
		if resolved == TurnNotMine {
			c.armOpponentLocked()
		}
	case s.turn != resolved:
		c.logger.Warn().
			Str("game", game.Hex()).
			Str("local", string(s.turn)).
			Str("chain", string(resolved)).
			Msg("Chain reports a different turn")
	}
	turn := s.turn
	c.mu.Unlock()

	if changed {
		c.logger.Debug().Str("game", game.Hex()).Str("turn", string(turn)).Msg("Turn resolved")
		c.notify()
	}
	return turn, nil
}

// reconcileTurn runs the resolver after a confirmed move.
func (c *Controller) reconcileTurn(ctx context.Context) {
	if _, err := c.ResolveTurn(ctx); err != nil && ctx.Err() == nil {
		c.logger.Debug().Err(err).Msg("Turn reconciliation failed")
	}
}
