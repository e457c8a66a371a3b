package game

import (
	"context"
	"fmt"

	"github.com/dmnk-game/dmnk/internal/board"
	"github.com/dmnk-game/dmnk/internal/chain"
)

// ClaimCell tries to take p. The cell shows Pending while the move is in
// flight and ends up Mine on a successful receipt or back to its previous
// ownership otherwise. Precondition failures make no chain call.
func (c *Controller) ClaimCell(ctx context.Context, p board.Position) ClaimOutcome {
	c.mu.Lock()
	s := c.session
	if err := c.checkClaimLocked(p); err != nil {
		c.mu.Unlock()
		return Rejected{Position: p, Reason: err}
	}
	prev := s.board.Get(p)
	_ = s.board.Set(p, board.Pending)
	c.claim = &p
	game, gen := s.game, c.gen
	c.mu.Unlock()
	c.notify()

	receipt, err := c.backend.MakeMove(ctx, game, p.X, p.Y)
	if err == nil && !receipt.Status {
		err = fmt.Errorf("move %s in tx %s: %w", p, receipt.TxHash.Hex(), chain.ErrReverted)
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return Rejected{Position: p, Reason: ErrSessionClosed}
	}
	c.claim = nil

	if err != nil {
		_ = s.board.Set(p, prev)
		c.mu.Unlock()
		c.logger.Warn().Err(err).Str("game", game.Hex()).Str("cell", p.String()).Msg("Claim rejected")
		c.notify()
		return Rejected{Position: p, Reason: err}
	}

	_ = s.board.Set(p, board.Mine)
	s.turn = TurnNotMine
	if receipt.BlockNumber > s.cursor {
		s.cursor = receipt.BlockNumber
	}
	c.armOpponentLocked()
	c.mu.Unlock()

	c.logger.Info().
		Str("game", game.Hex()).
		Str("cell", p.String()).
		Str("tx", receipt.TxHash.Hex()).
		Msg("Cell claimed")
	c.notify()
	c.reconcileTurn(ctx)

	return Claimed{Position: p, Receipt: *receipt}
}

func (c *Controller) checkClaimLocked(p board.Position) error {
	s := c.session
	switch {
	case s == nil || c.state != StateGamePlaying:
		return ErrNoActiveGame
	case !s.board.Contains(p):
		return ErrOutOfBounds
	case c.claim != nil:
		return ErrClaimInFlight
	case s.turn != TurnMine:
		return ErrNotYourTurn
	case s.board.Get(p) != board.Free:
		return ErrCellOccupied
	}
	return nil
}
