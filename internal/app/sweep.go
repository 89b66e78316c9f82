package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"trade-halt-breaker/internal/breaker"
	"trade-halt-breaker/internal/history"
)

// SweepOnce runs a single auto-unlock pass and exits. Useful for cron-style
// deployments that do not run the daemon.
func (a *App) SweepOnce(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot sweep")
	}
	defer closeStore()

	client, err := a.openRedis()
	if err != nil {
		return err
	}
	defer client.Close()

	settingsSvc, err := a.newSettings(store, client)
	if err != nil {
		return err
	}

	hist := history.New(store, a.Config.Breaker.HistoryTimeout, a.Logger)
	engine := breaker.New(settingsSvc, store, hist, a.Logger,
		breaker.WithSweepBatch(a.Config.Sweep.BatchSize))

	unlocked, err := engine.UnlockDue(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "released %d expired locks\n", unlocked)
	return nil
}
