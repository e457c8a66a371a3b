package board

import "fmt"

// Ownership is the local view of who holds a cell.
type Ownership int

const (
	Free Ownership = iota
	Mine
	NotMine
	// Pending marks a cell claimed locally while the move transaction is in flight.
	Pending
)

func (o Ownership) String() string {
	switch o {
	case Free:
		return "free"
	case Mine:
		return "mine"
	case NotMine:
		return "not_mine"
	case Pending:
		return "pending"
	default:
		return fmt.Sprintf("ownership(%d)", int(o))
	}
}

// MarshalText lets ownership values appear as strings in JSON snapshots.
func (o Ownership) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Ownership) UnmarshalText(text []byte) error {
	for _, v := range []Ownership{Free, Mine, NotMine, Pending} {
		if v.String() == string(text) {
			*o = v
			return nil
		}
	}
	return fmt.Errorf("unknown ownership %q", text)
}

// Position identifies a cell. X is the column, Y is the row.
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (p Position) String() string {
	return fmt.Sprintf("(%d,%d)", p.X, p.Y)
}

// Cell is a position together with its ownership, used for serialization.
type Cell struct {
	Position
	Owner Ownership `json:"owner"`
}
