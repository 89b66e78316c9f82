package app

import (
	"context"
	"fmt"
	"os"

	"github.com/shopspring/decimal"

	"trade-halt-breaker/internal/settings"
	"trade-halt-breaker/internal/storage"
)

// SetPair creates or updates a pair setting. Unset options fall back to the
// configured template on first creation and stay untouched on update.
func (a *App) SetPair(ctx context.Context, opts SetPairOptions) error {
	update, err := buildPairUpdate(opts)
	if err != nil {
		return err
	}

	svc, closer, err := a.openAdmin(ctx)
	if err != nil {
		return err
	}
	defer closer()

	pair := storage.Pair{Coin: opts.Coin, Currency: opts.Currency}
	setting, err := svc.UpdatePair(ctx, pair, update)
	if err != nil {
		return err
	}

	fmt.Fprintf(
		os.Stdout,
		"%s\tmonitor=%s\twindow=%ds\tthreshold=%s%%\tduration=%sh\tlocked=%t\n",
		setting.Pair.String(),
		setting.Status,
		setting.ListenWindowSeconds,
		setting.BreakerPercent.String(),
		setting.BlockDurationHours.String(),
		setting.BlockTrading,
	)
	return nil
}

// SetGlobal flips the master switch.
func (a *App) SetGlobal(ctx context.Context, status storage.Status) error {
	svc, closer, err := a.openAdmin(ctx)
	if err != nil {
		return err
	}
	defer closer()

	global, err := svc.UpdateGlobal(ctx, status)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "global breaker: %s\n", global.Status)
	return nil
}

func buildPairUpdate(opts SetPairOptions) (settings.PairUpdate, error) {
	var update settings.PairUpdate

	if opts.ListenWindowSeconds > 0 {
		window := opts.ListenWindowSeconds
		update.ListenWindowSeconds = &window
	}

	if opts.BreakerPercent != "" {
		percent, err := decimal.NewFromString(opts.BreakerPercent)
		if err != nil {
			return settings.PairUpdate{}, fmt.Errorf("parse --percent: %w", err)
		}
		if !percent.IsPositive() {
			return settings.PairUpdate{}, fmt.Errorf("--percent must be positive")
		}
		update.BreakerPercent = &percent
	}

	if opts.BlockDurationHours != "" {
		duration, err := decimal.NewFromString(opts.BlockDurationHours)
		if err != nil {
			return settings.PairUpdate{}, fmt.Errorf("parse --duration: %w", err)
		}
		if !duration.IsPositive() {
			return settings.PairUpdate{}, fmt.Errorf("--duration must be positive")
		}
		update.BlockDurationHours = &duration
	}

	if opts.Status != "" {
		status, err := storage.ParseStatus(opts.Status)
		if err != nil {
			return settings.PairUpdate{}, err
		}
		update.Status = &status
	}

	return update, nil
}
