package events

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
)

const (
	// Reconnection parameters
	initialReconnectDelay  = 1 * time.Second
	maxReconnectDelay      = 5 * time.Minute
	reconnectBackoffFactor = 2

	subscribeTimeout = 30 * time.Second
	logBufferSize    = 128
)

// Handler is called for each log, in chain order, at most once per log.
type Handler func(log types.Log) error

// Client follows the logs matching a filter query. It backfills from its
// cursor with FilterLogs and then streams new logs with SubscribeFilterLogs,
// re-subscribing with exponential backoff whenever the stream fails.
type Client struct {
	source  ethereum.LogFilterer
	query   ethereum.FilterQuery
	handler Handler
	logger  zerolog.Logger

	parent         context.Context
	ctx            context.Context
	cancel         context.CancelFunc
	done           chan struct{}
	reconnectDelay time.Duration
	startDelay     time.Duration

	mu        sync.RWMutex
	sub       ethereum.Subscription
	connected bool
	fromBlock uint64
	last      *cursor
}

// cursor is the position of the last log handed to the handler.
type cursor struct {
	block uint64
	index uint
}

func (c *cursor) covers(l types.Log) bool {
	if l.BlockNumber != c.block {
		return l.BlockNumber < c.block
	}
	return l.Index <= c.index
}

// Option configures the client
type Option func(*Client)

// WithLogger sets a custom logger
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithFromBlock makes the first connection backfill logs starting at block.
func WithFromBlock(block uint64) Option {
	return func(c *Client) {
		c.fromBlock = block
	}
}

// WithInitialReconnectDelay sets the initial reconnect delay
func WithInitialReconnectDelay(delay time.Duration) Option {
	return func(c *Client) {
		c.reconnectDelay = delay
		c.startDelay = delay
	}
}

// WithContext ties the client's lifetime to ctx in addition to Stop.
func WithContext(ctx context.Context) Option {
	return func(c *Client) {
		c.parent = ctx
	}
}

// NewClient creates a log follower for query. Addresses and Topics of query are
// used as-is; block bounds are managed by the client.
func NewClient(source ethereum.LogFilterer, query ethereum.FilterQuery, handler Handler, opts ...Option) *Client {
	client := &Client{
		source:         source,
		query:          query,
		handler:        handler,
		logger:         zerolog.Nop(),
		parent:         context.Background(),
		done:           make(chan struct{}),
		reconnectDelay: initialReconnectDelay,
		startDelay:     initialReconnectDelay,
	}

	for _, opt := range opts {
		opt(client)
	}
	client.ctx, client.cancel = context.WithCancel(client.parent)
	client.query.FromBlock = nil
	client.query.ToBlock = nil
	client.query.BlockHash = nil

	return client
}

// Start begins following logs in the background.
func (c *Client) Start() error {
	if c.source == nil {
		return errors.New("events: nil log source")
	}
	go c.run()
	return nil
}

// Stop shuts the client down. It is safe to call more than once and from
// inside the handler.
func (c *Client) Stop() error {
	c.cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub != nil {
		c.sub.Unsubscribe()
		c.sub = nil
	}
	c.connected = false
	return nil
}

// Done is closed once the background loop has exited.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// IsConnected returns whether a live subscription is active.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// LastBlock returns the block of the last handled log, or 0.
func (c *Client) LastBlock() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.last == nil {
		return 0
	}
	return c.last.block
}

func (c *Client) run() {
	defer close(c.done)
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
			logs, err := c.connect()
			if err != nil {
				if c.ctx.Err() != nil {
					return
				}
				c.logger.Error().Err(err).Msg("Failed to subscribe to logs")
				c.handleReconnect()
				continue
			}

			if err := c.listen(logs); err != nil {
				c.logger.Error().Err(err).Msg("Log subscription failed")
				c.handleReconnect()
				continue
			}
		}
	}
}

// connect subscribes before backfilling so that no log falls between the two.
// Anything the live stream repeats is skipped by the cursor.
func (c *Client) connect() (chan types.Log, error) {
	ctx, cancel := context.WithTimeout(c.ctx, subscribeTimeout)
	defer cancel()

	logs := make(chan types.Log, logBufferSize)
	sub, err := c.source.SubscribeFilterLogs(c.ctx, c.query, logs)
	if err != nil {
		return nil, fmt.Errorf("subscribe failed: %w", err)
	}

	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		sub.Unsubscribe()
		return nil, c.ctx.Err()
	}
	c.sub = sub
	c.connected = true
	c.reconnectDelay = c.startDelay
	from := c.backfillFrom()
	c.mu.Unlock()

	c.logger.Debug().Uint64("from", from).Msg("Subscribed to logs")

	if from == 0 {
		return logs, nil
	}
	q := c.query
	q.FromBlock = new(big.Int).SetUint64(from)
	past, err := c.source.FilterLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("backfill from block %d failed: %w", from, err)
	}
	for _, l := range past {
		c.deliver(l)
	}
	return logs, nil
}

func (c *Client) backfillFrom() uint64 {
	if c.last != nil {
		return c.last.block
	}
	return c.fromBlock
}

func (c *Client) listen(logs chan types.Log) error {
	c.mu.RLock()
	sub := c.sub
	c.mu.RUnlock()
	if sub == nil {
		return nil
	}

	for {
		select {
		case <-c.ctx.Done():
			return nil
		case err, ok := <-sub.Err():
			if !ok || err == nil {
				if c.ctx.Err() != nil {
					return nil
				}
				return errors.New("subscription closed")
			}
			return fmt.Errorf("subscription error: %w", err)
		case l := <-logs:
			c.deliver(l)
		}
	}
}

func (c *Client) deliver(l types.Log) {
	if l.Removed {
		c.logger.Debug().Uint64("block", l.BlockNumber).Msg("Skipping removed log")
		return
	}

	c.mu.Lock()
	if c.ctx.Err() != nil || (c.last != nil && c.last.covers(l)) {
		c.mu.Unlock()
		return
	}
	c.last = &cursor{block: l.BlockNumber, index: l.Index}
	c.mu.Unlock()

	if err := c.handler(l); err != nil {
		c.logger.Error().Err(err).
			Uint64("block", l.BlockNumber).
			Uint("index", l.Index).
			Msg("Log handler error")
	}
}

func (c *Client) handleReconnect() {
	c.mu.Lock()
	c.connected = false
	if c.sub != nil {
		c.sub.Unsubscribe()
		c.sub = nil
	}

	// Get current delay before updating
	delay := c.reconnectDelay

	// Exponential backoff
	c.reconnectDelay = time.Duration(float64(c.reconnectDelay) * reconnectBackoffFactor)
	if c.reconnectDelay > maxReconnectDelay {
		c.reconnectDelay = maxReconnectDelay
	}
	c.mu.Unlock()

	c.logger.Info().Str("delay", delay.String()).Msg("Waiting before resubscribe")

	select {
	case <-time.After(delay):
	case <-c.ctx.Done():
	}
}
