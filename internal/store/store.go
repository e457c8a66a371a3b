package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Entry is one game contract the account is involved in. Opponent is the zero
// address while the game waits for a second player. Block is where the game
// was created, or where it started once Opponent is known; its events are
// followed from there on restore.
type Entry struct {
	Game      common.Address `json:"game"`
	Opponent  common.Address `json:"opponent"`
	Block     uint64         `json:"block"`
	CreatedAt time.Time      `json:"createdAt"`
}

func (e Entry) Started() bool {
	return e.Opponent != (common.Address{})
}

// Store is the local address book of active games, keyed by account.
type Store struct {
	db *sql.DB
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS games (
		account TEXT NOT NULL,
		game TEXT NOT NULL,
		opponent TEXT NOT NULL DEFAULT '',
		block INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (account, game)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_games_account ON games(account);`,
}

// Open opens or creates the sqlite database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		log.Warn().Err(err).Msg("Couldn't enable WAL mode")
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		log.Warn().Err(err).Msg("Couldn't set busy timeout")
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Add records game for account. Adding an existing game updates its opponent
// and block when an opponent is given.
func (s *Store) Add(ctx context.Context, account, game, opponent common.Address, block uint64) error {
	opp := ""
	if opponent != (common.Address{}) {
		opp = opponent.Hex()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO games (account, game, opponent, block, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(account, game) DO UPDATE SET
		   block = CASE WHEN excluded.opponent != '' THEN excluded.block ELSE games.block END,
		   opponent = CASE WHEN excluded.opponent != '' THEN excluded.opponent ELSE games.opponent END`,
		key(account), key(game), opp, int64(block), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to add game %s: %w", game.Hex(), err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, account, game common.Address) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM games WHERE account = ? AND game = ?`, key(account), key(game))
	if err != nil {
		return fmt.Errorf("failed to remove game %s: %w", game.Hex(), err)
	}
	return nil
}

// List returns the games of account, oldest first.
func (s *Store) List(ctx context.Context, account common.Address) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT game, opponent, block, created_at FROM games WHERE account = ? ORDER BY created_at, rowid`,
		key(account))
	if err != nil {
		return nil, fmt.Errorf("failed to list games: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var game, opponent string
		var block, created int64
		if err := rows.Scan(&game, &opponent, &block, &created); err != nil {
			return nil, fmt.Errorf("failed to scan game: %w", err)
		}
		e := Entry{Game: common.HexToAddress(game), Block: uint64(block), CreatedAt: time.Unix(created, 0)}
		if opponent != "" {
			e.Opponent = common.HexToAddress(opponent)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// addresses are stored lowercase so lookups don't depend on checksum casing
func key(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}
