package chain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/rs/zerolog"

	"github.com/dmnk-game/dmnk/internal/events"
)

// EthEvents implements EventSource by following contract logs.
type EthEvents struct {
	source         ethereum.LogFilterer
	gateway        common.Address
	self           common.Address
	logger         zerolog.Logger
	reconnectDelay time.Duration
}

// NewEthEvents follows gateway logs on behalf of self, the local account.
func NewEthEvents(source ethereum.LogFilterer, gateway, self common.Address, logger zerolog.Logger) *EthEvents {
	return &EthEvents{
		source:         source,
		gateway:        gateway,
		self:           self,
		logger:         logger,
		reconnectDelay: time.Second,
	}
}

func (e *EthEvents) SubscribeMoves(ctx context.Context, game common.Address, from uint64, sink chan<- MoveEvent) (Subscription, error) {
	q := ethereum.FilterQuery{
		Addresses: []common.Address{game},
		Topics:    [][]common.Hash{{gameTopic("Move")}},
	}
	return e.follow(ctx, q, from, func(ctx context.Context, l types.Log) error {
		ev, err := DecodeMove(l)
		if err != nil {
			return err
		}
		select {
		case sink <- ev:
		case <-ctx.Done():
		}
		return nil
	})
}

func (e *EthEvents) SubscribeGameStarted(ctx context.Context, game common.Address, from uint64, sink chan<- GameStarted) (Subscription, error) {
	return e.follow(ctx, e.gatewayQuery("GameStarted", game), from, func(ctx context.Context, l types.Log) error {
		ev, err := DecodeGameStarted(l, e.self)
		if err != nil {
			return err
		}
		select {
		case sink <- ev:
		case <-ctx.Done():
		}
		return nil
	})
}

func (e *EthEvents) SubscribeGameFinished(ctx context.Context, game common.Address, from uint64, sink chan<- GameFinished) (Subscription, error) {
	return e.follow(ctx, e.gatewayQuery("GameFinished", game), from, func(ctx context.Context, l types.Log) error {
		ev, err := DecodeGameFinished(l)
		if err != nil {
			return err
		}
		select {
		case sink <- ev:
		case <-ctx.Done():
		}
		return nil
	})
}

// gameAddress is the first indexed argument of every gateway event.
func (e *EthEvents) gatewayQuery(name string, game common.Address) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		Addresses: []common.Address{e.gateway},
		Topics:    [][]common.Hash{{gatewayTopic(name)}, {common.BytesToHash(game.Bytes())}},
	}
}

func (e *EthEvents) follow(ctx context.Context, q ethereum.FilterQuery, from uint64, deliver func(context.Context, types.Log) error) (Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	client := events.NewClient(e.source, q,
		func(l types.Log) error { return deliver(subCtx, l) },
		events.WithContext(subCtx),
		events.WithFromBlock(from),
		events.WithLogger(e.logger),
		events.WithInitialReconnectDelay(e.reconnectDelay),
	)
	if err := client.Start(); err != nil {
		cancel()
		return nil, err
	}

	return event.NewSubscription(func(quit <-chan struct{}) error {
		select {
		case <-quit:
		case <-subCtx.Done():
		}
		cancel()
		return client.Stop()
	}), nil
}
