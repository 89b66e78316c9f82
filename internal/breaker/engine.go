// Package breaker implements the circuit-breaker state machine. Every
// executed trade is evaluated against the pair's settings and recent price
// history; fluctuation at or above the configured threshold locks the pair,
// and an elapsed block window unlocks it, either on the next trade or via
// the periodic sweep.
//
// The engine is advisory-protective but subordinate to trade settlement:
// missing configuration, missing history, and read failures all fail open.
package breaker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trade-halt-breaker/internal/alerting"
	"trade-halt-breaker/internal/numeric"
	"trade-halt-breaker/internal/storage"
)

// SettingsProvider is the cache-first settings surface the engine reads.
type SettingsProvider interface {
	Global(ctx context.Context) (storage.GlobalSetting, error)
	Pair(ctx context.Context, pair storage.Pair) (*storage.PairSetting, error)
	RefreshPair(ctx context.Context, setting storage.PairSetting)
}

// ReferencePricer resolves the "before" price for fluctuation comparison.
type ReferencePricer interface {
	ReferencePrice(ctx context.Context, pair storage.Pair, windowSeconds int, atOrBeforeMs, excludeTradeID int64) (decimal.Decimal, bool, error)
}

// Transition labels the state change an evaluation produced.
type Transition string

const (
	TransitionNone     Transition = "none"
	TransitionLocked   Transition = "locked"
	TransitionUnlocked Transition = "unlocked"
)

// Result reports the outcome of one evaluation. Allowed is false only while
// the pair is in the locked state after this call.
type Result struct {
	Allowed     bool
	Transition  Transition
	Fluctuation *decimal.Decimal
}

// Engine is the per-trade evaluator plus the auto-unlock sweep.
type Engine struct {
	settings    SettingsProvider
	transitions storage.TransitionStore
	prices      ReferencePricer
	alerter     alerting.Alerter
	logger      zerolog.Logger

	sweepBatch int
	nowMs      func() int64
}

// Option tunes engine construction.
type Option func(*Engine)

// WithAlerter wires the operator alert channel for failed transitions.
func WithAlerter(alerter alerting.Alerter) Option {
	return func(e *Engine) { e.alerter = alerter }
}

// WithSweepBatch bounds how many due pairs one sweep pass unlocks.
func WithSweepBatch(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.sweepBatch = n
		}
	}
}

// WithClock overrides the millisecond clock; tests use this.
func WithClock(nowMs func() int64) Option {
	return func(e *Engine) { e.nowMs = nowMs }
}

// New constructs the engine.
func New(settings SettingsProvider, transitions storage.TransitionStore, prices ReferencePricer, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		settings:    settings,
		transitions: transitions,
		prices:      prices,
		logger:      logger.With().Str("component", "breaker").Logger(),
		sweepBatch:  200,
		nowMs:       func() int64 { return time.Now().UnixMilli() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate runs the state machine for one executed trade.
//
// A non-nil error is returned only when persisting a transition failed; the
// result is still usable and settlement of the originating trade must
// proceed regardless.
func (e *Engine) Evaluate(ctx context.Context, trade storage.ExecutedTrade) (Result, error) {
	allow := Result{Allowed: true, Transition: TransitionNone}

	global, err := e.settings.Global(ctx)
	if err != nil {
		e.logger.Error().Err(err).Str("pair", trade.Pair.String()).Msg("global setting unavailable; allowing trade")
		return allow, nil
	}
	if global.Status != storage.StatusEnabled {
		return allow, nil
	}

	setting, err := e.settings.Pair(ctx, trade.Pair)
	if err != nil {
		e.logger.Error().Err(err).Str("pair", trade.Pair.String()).Msg("pair setting unavailable; allowing trade")
		return allow, nil
	}
	if setting == nil {
		// Unconfigured pairs are never blocked.
		return allow, nil
	}
	if setting.Status != storage.StatusEnabled {
		return allow, nil
	}

	if setting.BlockTrading {
		if setting.UnlockDue(trade.ExecutedAtMs) {
			// Unlock takes precedence; the trade is not re-evaluated
			// against the just-cleared lock in the same call.
			unlocked, unlockErr := e.unlock(ctx, trade.Pair, trade.ExecutedAtMs)
			if unlockErr != nil {
				return Result{Allowed: false, Transition: TransitionNone}, unlockErr
			}
			if unlocked {
				return Result{Allowed: true, Transition: TransitionUnlocked}, nil
			}
		}
		return Result{Allowed: false, Transition: TransitionNone}, nil
	}

	reference, found, err := e.prices.ReferencePrice(ctx, trade.Pair, setting.ListenWindowSeconds, trade.ExecutedAtMs, trade.TradeID)
	if err != nil {
		e.logger.Error().Err(err).Str("pair", trade.Pair.String()).Msg("reference price unavailable; allowing trade")
		return allow, nil
	}
	if !found || !reference.IsPositive() {
		// Insufficient history is not a trigger condition, and a zero
		// reference would divide by zero on a newly listed pair.
		return allow, nil
	}

	fluctuation, err := numeric.FluctuationPercent(trade.Price, reference)
	if err != nil {
		e.logger.Error().Err(err).Str("pair", trade.Pair.String()).Msg("fluctuation computation failed; allowing trade")
		return allow, nil
	}
	allow.Fluctuation = &fluctuation

	// The trigger condition is inclusive.
	if fluctuation.Cmp(setting.BreakerPercent) < 0 {
		return allow, nil
	}

	return e.lock(ctx, trade, fluctuation)
}

// lock applies the lock transition under the row lock. A loser of a
// concurrent race observes the winner's state and does not re-trigger.
func (e *Engine) lock(ctx context.Context, trade storage.ExecutedTrade, fluctuation decimal.Decimal) (Result, error) {
	final, changed, err := e.transitions.WithPairLock(ctx, trade.Pair, func(setting *storage.PairSetting) (bool, error) {
		if setting.BlockTrading || setting.Status != storage.StatusEnabled {
			return false, nil
		}
		now := e.nowMs()
		unlockAt := now + numeric.HoursToMillis(setting.BlockDurationHours)
		price := trade.Price
		tradeID := trade.TradeID

		setting.BlockTrading = true
		setting.LockedAtMs = &now
		setting.UnlockedAtMs = &unlockAt
		setting.LastPrice = &price
		setting.LastTriggerTradeID = &tradeID
		return true, nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrPairSettingMissing) {
			return Result{Allowed: true, Transition: TransitionNone, Fluctuation: &fluctuation}, nil
		}
		e.alert(ctx, trade.Pair, "lock", trade.TradeID, err)
		return Result{Allowed: true, Transition: TransitionNone, Fluctuation: &fluctuation}, err
	}

	result := Result{Allowed: false, Transition: TransitionNone, Fluctuation: &fluctuation}
	if changed {
		result.Transition = TransitionLocked
		e.settings.RefreshPair(ctx, *final)
		e.logger.Warn().
			Str("pair", trade.Pair.String()).
			Str("fluctuation_pct", fluctuation.String()).
			Str("threshold_pct", final.BreakerPercent.String()).
			Int64("trade_id", trade.TradeID).
			Int64("unlocked_at_ms", *final.UnlockedAtMs).
			Msg("pair locked by circuit breaker")
	} else if !final.BlockTrading {
		// Setting was toggled between read and lock; nothing to enforce.
		result.Allowed = true
	}
	return result, nil
}

// unlock reverses an expired lock under the row lock. It re-checks
// eligibility after acquiring the lock to avoid racing a concurrent
// transition.
func (e *Engine) unlock(ctx context.Context, pair storage.Pair, nowMs int64) (bool, error) {
	final, changed, err := e.transitions.WithPairLock(ctx, pair, func(setting *storage.PairSetting) (bool, error) {
		if !setting.UnlockDue(nowMs) {
			return false, nil
		}
		setting.BlockTrading = false
		setting.LockedAtMs = nil
		setting.UnlockedAtMs = nil
		return true, nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrPairSettingMissing) {
			return false, nil
		}
		e.alert(ctx, pair, "unlock", 0, err)
		return false, err
	}

	if changed {
		e.settings.RefreshPair(ctx, *final)
		e.logger.Info().Str("pair", pair.String()).Msg("pair auto-unlocked")
	}
	return changed, nil
}

// UnlockDue unlocks every pair whose block window has elapsed. The periodic
// sweep guarantees unlock even for pairs with no further trade activity.
func (e *Engine) UnlockDue(ctx context.Context) (int, error) {
	now := e.nowMs()
	pairs, err := e.transitions.ListLockedDue(ctx, now, e.sweepBatch)
	if err != nil {
		return 0, err
	}

	unlocked := 0
	var firstErr error
	for _, pair := range pairs {
		changed, unlockErr := e.unlock(ctx, pair, now)
		if unlockErr != nil {
			if firstErr == nil {
				firstErr = unlockErr
			}
			e.logger.Error().Err(unlockErr).Str("pair", pair.String()).Msg("sweep unlock failed")
			continue
		}
		if changed {
			unlocked++
		}
	}
	return unlocked, firstErr
}

func (e *Engine) alert(ctx context.Context, pair storage.Pair, operation string, tradeID int64, cause error) {
	e.logger.Error().Err(cause).
		Str("pair", pair.String()).
		Str("operation", operation).
		Msg("transition persistence failed")

	if e.alerter == nil {
		return
	}
	alert := alerting.Alert{
		Pair:      pair,
		Operation: operation,
		TradeID:   tradeID,
		Reason:    cause.Error(),
		At:        time.Now().UTC(),
	}
	if err := e.alerter.Alert(ctx, alert); err != nil {
		e.logger.Error().Err(err).Str("pair", pair.String()).Msg("operator alert dispatch failed")
	}
}
