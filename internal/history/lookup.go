// Package history answers "price at or before T" over the recorded trade
// stream.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trade-halt-breaker/internal/numeric"
	"trade-halt-breaker/internal/storage"
)

// Store is the persistence surface the lookup needs.
type Store interface {
	InsertTradePrice(ctx context.Context, price storage.TradePrice) error
	LatestPriceInWindow(ctx context.Context, pair storage.Pair, fromMs, toMs, excludeTradeID int64) (decimal.Decimal, bool, error)
}

// Lookup wraps the price store with a bounded query timeout. A timeout is
// reported as "no data", not as an error, per the fail-open policy.
type Lookup struct {
	store   Store
	timeout time.Duration
	logger  zerolog.Logger
}

// New constructs a Lookup.
func New(store Store, timeout time.Duration, logger zerolog.Logger) *Lookup {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Lookup{
		store:   store,
		timeout: timeout,
		logger:  logger.With().Str("component", "price_history").Logger(),
	}
}

// ReferencePrice returns the latest price for the pair with trade time in
// [atOrBefore-window, atOrBefore], excluding the trade under evaluation.
// The bool reports whether any price was found.
func (l *Lookup) ReferencePrice(ctx context.Context, pair storage.Pair, windowSeconds int, atOrBeforeMs, excludeTradeID int64) (decimal.Decimal, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	fromMs := atOrBeforeMs - numeric.SecondsToMillis(windowSeconds)
	price, found, err := l.store.LatestPriceInWindow(ctx, pair, fromMs, atOrBeforeMs, excludeTradeID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			l.logger.Warn().Str("pair", pair.String()).Msg("reference price lookup timed out; treating as no data")
			return decimal.Decimal{}, false, nil
		}
		return decimal.Decimal{}, false, err
	}
	return price, found, nil
}

// Record appends one executed trade to the history. Duplicate trade ids are
// ignored so redelivered stream messages stay idempotent.
func (l *Lookup) Record(ctx context.Context, trade storage.ExecutedTrade) error {
	return l.store.InsertTradePrice(ctx, storage.TradePrice{
		Pair:       trade.Pair,
		TradeID:    trade.TradeID,
		Price:      trade.Price,
		TradedAtMs: trade.ExecutedAtMs,
	})
}
