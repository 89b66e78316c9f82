// Package stream consumes executed-trade events from a Redis Stream and
// feeds them into the breaker.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trade-halt-breaker/internal/storage"
)

// TradeHandler processes one executed trade. A handler error does not stop
// consumption: the breaker check is subordinate to trade settlement, so the
// message is acknowledged and the error only logged.
type TradeHandler func(ctx context.Context, trade storage.ExecutedTrade) error

// Options tune the consumer group.
type Options struct {
	Stream    string
	Group     string
	Consumer  string
	BatchSize int64
	Block     time.Duration
}

// Consumer reads trades through a consumer group so multiple daemon
// replicas share the stream.
type Consumer struct {
	client  *redis.Client
	opts    Options
	handler TradeHandler
	logger  zerolog.Logger
}

// New constructs a Consumer.
func New(client *redis.Client, opts Options, handler TradeHandler, logger zerolog.Logger) *Consumer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 64
	}
	if opts.Block <= 0 {
		opts.Block = 5 * time.Second
	}
	return &Consumer{
		client:  client,
		opts:    opts,
		handler: handler,
		logger:  logger.With().Str("component", "trade_consumer").Logger(),
	}
}

// Run blocks, consuming trades until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.opts.Stream, c.opts.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}

	c.logger.Info().
		Str("stream", c.opts.Stream).
		Str("group", c.opts.Group).
		Msg("trade consumer started")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		streams, readErr := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.opts.Group,
			Consumer: c.opts.Consumer,
			Streams:  []string{c.opts.Stream, ">"},
			Count:    c.opts.BatchSize,
			Block:    c.opts.Block,
		}).Result()
		if readErr != nil {
			if errors.Is(readErr, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error().Err(readErr).Msg("read trade stream failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, str := range streams {
			for _, msg := range str.Messages {
				c.handleMessage(ctx, msg)
			}
		}
	}
}

func (c *Consumer) handleMessage(ctx context.Context, msg redis.XMessage) {
	trade, err := decodeTrade(msg)
	if err != nil {
		// Malformed messages are acked and dropped; redelivery cannot fix them.
		c.logger.Error().Err(err).Str("message_id", msg.ID).Msg("drop malformed trade message")
	} else if handleErr := c.handler(ctx, trade); handleErr != nil {
		c.logger.Error().Err(handleErr).
			Str("pair", trade.Pair.String()).
			Int64("trade_id", trade.TradeID).
			Msg("trade handling failed; acking anyway")
	}

	if ackErr := c.client.XAck(ctx, c.opts.Stream, c.opts.Group, msg.ID).Err(); ackErr != nil {
		c.logger.Error().Err(ackErr).Str("message_id", msg.ID).Msg("ack failed")
	}
}

// tradeMessage is the wire form produced by the matching engine.
type tradeMessage struct {
	Coin         string `json:"coin"`
	Currency     string `json:"currency"`
	Price        string `json:"price"`
	ExecutedAtMs int64  `json:"executed_at_ms"`
	TradeID      int64  `json:"trade_id"`
}

func decodeTrade(msg redis.XMessage) (storage.ExecutedTrade, error) {
	raw, ok := msg.Values["data"]
	if !ok {
		return storage.ExecutedTrade{}, errors.New("missing data field")
	}
	data, ok := raw.(string)
	if !ok {
		return storage.ExecutedTrade{}, errors.New("data field is not a string")
	}

	var wire tradeMessage
	if err := json.Unmarshal([]byte(data), &wire); err != nil {
		return storage.ExecutedTrade{}, fmt.Errorf("decode trade: %w", err)
	}
	if wire.Coin == "" || wire.Currency == "" {
		return storage.ExecutedTrade{}, errors.New("trade missing pair")
	}

	price, err := decimal.NewFromString(wire.Price)
	if err != nil {
		return storage.ExecutedTrade{}, fmt.Errorf("parse trade price: %w", err)
	}

	return storage.ExecutedTrade{
		Pair:         storage.Pair{Coin: wire.Coin, Currency: wire.Currency},
		Price:        price,
		ExecutedAtMs: wire.ExecutedAtMs,
		TradeID:      wire.TradeID,
	}, nil
}
