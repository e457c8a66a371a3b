package chain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type gameCreatedLog struct {
	GameAddress common.Address
	Alice       common.Address
}

type gameStartedLog struct {
	GameAddress common.Address
	Alice       common.Address
	Bob         common.Address
}

type gameFinishedLog struct {
	GameAddress   common.Address
	WinnerAddress common.Address
}

type moveLog struct {
	Player common.Address
	X      *big.Int
	Y      *big.Int
}

func unpackLog(parsed abi.ABI, out interface{}, event string, l types.Log) error {
	return bind.NewBoundContract(l.Address, parsed, nil, nil, nil).UnpackLog(out, event, l)
}

// DecodePlayReceipt turns the logs of a play transaction into a PlayResult.
// GameStarted wins over GameCreated when both are present, since a receipt
// that starts a game is authoritative about the opponent.
func DecodePlayReceipt(logs []*types.Log, gateway, self common.Address) (PlayResult, error) {
	var created *GameCreated
	for _, l := range logs {
		if l == nil || l.Address != gateway || len(l.Topics) == 0 {
			continue
		}
		switch l.Topics[0] {
		case gatewayABI.Events["GameStarted"].ID:
			ev, err := DecodeGameStarted(*l, self)
			if err != nil {
				return nil, err
			}
			return ev, nil
		case gatewayABI.Events["GameCreated"].ID:
			var raw gameCreatedLog
			if err := unpackLog(gatewayABI, &raw, "GameCreated", *l); err != nil {
				return nil, fmt.Errorf("failed to decode GameCreated: %w", err)
			}
			created = &GameCreated{Game: raw.GameAddress, Block: l.BlockNumber}
		}
	}
	if created != nil {
		return *created, nil
	}
	return nil, ErrUnexpectedReceipt
}

// DecodeGameStarted decodes a GameStarted log and picks the opponent of self.
func DecodeGameStarted(l types.Log, self common.Address) (GameStarted, error) {
	var raw gameStartedLog
	if err := unpackLog(gatewayABI, &raw, "GameStarted", l); err != nil {
		return GameStarted{}, fmt.Errorf("failed to decode GameStarted: %w", err)
	}
	opponent := raw.Alice
	if raw.Alice == self {
		opponent = raw.Bob
	}
	return GameStarted{Game: raw.GameAddress, Opponent: opponent, Block: l.BlockNumber}, nil
}

func DecodeGameFinished(l types.Log) (GameFinished, error) {
	var raw gameFinishedLog
	if err := unpackLog(gatewayABI, &raw, "GameFinished", l); err != nil {
		return GameFinished{}, fmt.Errorf("failed to decode GameFinished: %w", err)
	}
	return GameFinished{Game: raw.GameAddress, Winner: raw.WinnerAddress, Block: l.BlockNumber}, nil
}

func DecodeMove(l types.Log) (MoveEvent, error) {
	var raw moveLog
	if err := unpackLog(gameABI, &raw, "Move", l); err != nil {
		return MoveEvent{}, fmt.Errorf("failed to decode Move: %w", err)
	}
	if !raw.X.IsInt64() || !raw.Y.IsInt64() {
		return MoveEvent{}, fmt.Errorf("move coordinates out of range: (%s,%s)", raw.X, raw.Y)
	}
	return MoveEvent{
		Game:     l.Address,
		Player:   raw.Player,
		X:        int(raw.X.Int64()),
		Y:        int(raw.Y.Int64()),
		Block:    l.BlockNumber,
		LogIndex: l.Index,
	}, nil
}

// event signature hashes used as topic[0] filters
func gatewayTopic(event string) common.Hash { return gatewayABI.Events[event].ID }
func gameTopic(event string) common.Hash    { return gameABI.Events[event].ID }
