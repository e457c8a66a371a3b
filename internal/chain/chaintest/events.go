package chaintest

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"

	"github.com/dmnk-game/dmnk/internal/chain"
)

// Kind names a stream of the EventSource.
type Kind string

const (
	KindMove     Kind = "move"
	KindStarted  Kind = "started"
	KindFinished Kind = "finished"
)

type feed struct {
	kind Kind
	game common.Address
	ch   chan interface{}
}

// Events is an in-memory chain.EventSource. Emitted events are kept so that a
// subscription with a non-zero from block replays the ones at or after it.
type Events struct {
	mu      sync.Mutex
	history []record
	feeds   map[*feed]struct{}
	counts  map[Kind]int

	// SubscribeErr, when set, fails every new subscription.
	SubscribeErr error
}

type record struct {
	kind  Kind
	game  common.Address
	block uint64
	ev    interface{}
}

var _ chain.EventSource = (*Events)(nil)

func NewEvents() *Events {
	return &Events{
		feeds:  make(map[*feed]struct{}),
		counts: make(map[Kind]int),
	}
}

func (e *Events) SubscribeMoves(ctx context.Context, game common.Address, from uint64, sink chan<- chain.MoveEvent) (chain.Subscription, error) {
	return e.subscribe(ctx, KindMove, game, from, func(ev interface{}, quit <-chan struct{}) {
		select {
		case sink <- ev.(chain.MoveEvent):
		case <-quit:
		}
	})
}

func (e *Events) SubscribeGameStarted(ctx context.Context, game common.Address, from uint64, sink chan<- chain.GameStarted) (chain.Subscription, error) {
	return e.subscribe(ctx, KindStarted, game, from, func(ev interface{}, quit <-chan struct{}) {
		select {
		case sink <- ev.(chain.GameStarted):
		case <-quit:
		}
	})
}

func (e *Events) SubscribeGameFinished(ctx context.Context, game common.Address, from uint64, sink chan<- chain.GameFinished) (chain.Subscription, error) {
	return e.subscribe(ctx, KindFinished, game, from, func(ev interface{}, quit <-chan struct{}) {
		select {
		case sink <- ev.(chain.GameFinished):
		case <-quit:
		}
	})
}

// EmitMove delivers ev to every Move subscriber of ev.Game.
func (e *Events) EmitMove(ev chain.MoveEvent) {
	e.emit(KindMove, ev.Game, ev.Block, ev)
}

// EmitStarted delivers ev to every GameStarted subscriber of ev.Game.
func (e *Events) EmitStarted(ev chain.GameStarted) {
	e.emit(KindStarted, ev.Game, ev.Block, ev)
}

// EmitFinished delivers ev to every GameFinished subscriber of ev.Game.
func (e *Events) EmitFinished(ev chain.GameFinished) {
	e.emit(KindFinished, ev.Game, ev.Block, ev)
}

// Active returns how many subscriptions of kind are still open.
func (e *Events) Active(kind Kind) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for f := range e.feeds {
		if f.kind == kind {
			n++
		}
	}
	return n
}

// Subscribes returns how many subscriptions of kind were ever opened.
func (e *Events) Subscribes(kind Kind) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counts[kind]
}

func (e *Events) emit(kind Kind, game common.Address, block uint64, ev interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, record{kind: kind, game: game, block: block, ev: ev})
	for f := range e.feeds {
		if f.kind == kind && f.game == game {
			f.ch <- ev
		}
	}
}

func (e *Events) subscribe(ctx context.Context, kind Kind, game common.Address, from uint64, forward func(interface{}, <-chan struct{})) (chain.Subscription, error) {
	e.mu.Lock()
	if e.SubscribeErr != nil {
		err := e.SubscribeErr
		e.mu.Unlock()
		return nil, err
	}
	f := &feed{kind: kind, game: game, ch: make(chan interface{}, 256)}
	if from > 0 {
		for _, r := range e.history {
			if r.kind == kind && r.game == game && r.block >= from {
				f.ch <- r.ev
			}
		}
	}
	e.feeds[f] = struct{}{}
	e.counts[kind]++
	e.mu.Unlock()

	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer func() {
			e.mu.Lock()
			delete(e.feeds, f)
			e.mu.Unlock()
		}()
		for {
			select {
			case <-quit:
				return nil
			case <-ctx.Done():
				return nil
			case ev := <-f.ch:
				forward(ev, quit)
			}
		}
	}), nil
}
