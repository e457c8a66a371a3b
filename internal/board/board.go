package board

import (
	"fmt"
	"sort"
)

// Board holds the ownership of every claimed cell of a width x height grid.
// Cells that are absent from the map are Free. A Board is not safe for
// concurrent use; its owner serializes access.
type Board struct {
	width  int
	height int
	cells  map[Position]Ownership
}

func New(width, height int) (*Board, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid board dimensions %dx%d", width, height)
	}
	return &Board{
		width:  width,
		height: height,
		cells:  make(map[Position]Ownership),
	}, nil
}

func (b *Board) Width() int  { return b.width }
func (b *Board) Height() int { return b.height }

// Contains reports whether p lies on the board.
func (b *Board) Contains(p Position) bool {
	return p.X >= 0 && p.X < b.width && p.Y >= 0 && p.Y < b.height
}

// Get returns the ownership of p, Free when p has never been set.
func (b *Board) Get(p Position) Ownership {
	if o, ok := b.cells[p]; ok {
		return o
	}
	return Free
}

// Set records the ownership of p. Setting a cell back to Free removes it.
func (b *Board) Set(p Position, o Ownership) error {
	if !b.Contains(p) {
		return fmt.Errorf("position %s outside %dx%d board", p, b.width, b.height)
	}
	if o == Free {
		delete(b.cells, p)
		return nil
	}
	b.cells[p] = o
	return nil
}

// Cells returns the non-free cells ordered by row, then column.
func (b *Board) Cells() []Cell {
	out := make([]Cell, 0, len(b.cells))
	for p, o := range b.cells {
		out = append(out, Cell{Position: p, Owner: o})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Y != out[j].Y {
			return out[i].Y < out[j].Y
		}
		return out[i].X < out[j].X
	})
	return out
}
