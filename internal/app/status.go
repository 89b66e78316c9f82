package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/redis/go-redis/v9"

	"trade-halt-breaker/internal/admin"
	"trade-halt-breaker/internal/storage"
)

func (a *App) openAdmin(ctx context.Context) (*admin.Service, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, errors.New("database not configured; set database.dsn first")
	}

	// 管理命令允许在 Redis 不可用时直接读写主库。
	var client *redis.Client
	if c, redisErr := a.openRedis(); redisErr == nil {
		client = c
	} else {
		a.Logger.Warn().Err(redisErr).Msg("redis unavailable; admin command runs without cache")
	}

	settingsSvc, err := a.newSettings(store, client)
	if err != nil {
		if client != nil {
			client.Close()
		}
		closeStore()
		return nil, nil, err
	}

	closer := func() {
		if client != nil {
			client.Close()
		}
		closeStore()
	}
	return admin.New(settingsSvc, a.Logger), closer, nil
}

// Status prints whether the pair currently accepts new orders.
func (a *App) Status(ctx context.Context, opts StatusOptions) error {
	svc, closer, err := a.openAdmin(ctx)
	if err != nil {
		return err
	}
	defer closer()

	pair := storage.Pair{Coin: opts.Coin, Currency: opts.Currency}
	status, err := svc.Status(ctx, pair)
	if err != nil {
		return err
	}

	verdict := "BLOCKED"
	if status.AllowTrading {
		verdict = "ALLOWED"
	}
	fmt.Fprintf(os.Stdout, "%s\ttrading=%s\tlocked=%t\treason=%s\n", pair.String(), verdict, status.Locked, status.Reason)
	return nil
}

// Pairs prints the pair catalog with breaker state.
func (a *App) Pairs(ctx context.Context, opts PairsOptions) error {
	svc, closer, err := a.openAdmin(ctx)
	if err != nil {
		return err
	}
	defer closer()

	if opts.Limit <= 0 {
		opts.Limit = 50
	}

	filter := storage.ListFilter{
		Coin:       opts.Coin,
		Currency:   opts.Currency,
		OnlyLocked: opts.OnlyLocked,
		SortBy:     opts.SortBy,
		SortDesc:   opts.SortDesc,
	}
	items, total, err := svc.ListPairs(ctx, filter, opts.Limit, opts.Offset)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Fprintln(os.Stdout, "no pairs found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Pair\tMonitor\tWindow(s)\tThreshold%\tDuration(h)\tLocked\tLockedAt (UTC)\tUnlockAt (UTC)")

	for _, item := range items {
		if item.Setting == nil {
			fmt.Fprintf(writer, "%s\tunconfigured\t-\t-\t-\t-\t-\t-\n", item.Pair.String())
			continue
		}
		s := item.Setting
		fmt.Fprintf(
			writer,
			"%s\t%s\t%d\t%s\t%s\t%t\t%s\t%s\n",
			item.Pair.String(),
			s.Status,
			s.ListenWindowSeconds,
			s.BreakerPercent.String(),
			s.BlockDurationHours.String(),
			s.BlockTrading,
			formatMillis(s.LockedAtMs),
			formatMillis(s.UnlockedAtMs),
		)
	}

	writer.Flush()
	fmt.Fprintf(os.Stdout, "total: %d\n", total)
	return nil
}

func formatMillis(ms *int64) string {
	if ms == nil {
		return "-"
	}
	return time.UnixMilli(*ms).UTC().Format(time.RFC3339)
}
