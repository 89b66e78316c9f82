package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"trade-halt-breaker/internal/alerting"
	"trade-halt-breaker/internal/breaker"
	"trade-halt-breaker/internal/cache"
	"trade-halt-breaker/internal/config"
	"trade-halt-breaker/internal/history"
	"trade-halt-breaker/internal/notify"
	"trade-halt-breaker/internal/scheduler"
	"trade-halt-breaker/internal/service"
	"trade-halt-breaker/internal/settings"
	"trade-halt-breaker/internal/storage"
	"trade-halt-breaker/internal/stream"
	"trade-halt-breaker/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	primary, replica, err := storage.NewPools(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(primary, replica)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) openRedis() (*redis.Client, error) {
	return cache.NewClient(a.Config.Redis)
}

func (a *App) newSettings(store settings.Store, client *redis.Client) (*settings.Service, error) {
	percent, err := a.Config.TemplatePercent()
	if err != nil {
		return nil, err
	}
	duration, err := a.Config.TemplateDuration()
	if err != nil {
		return nil, err
	}

	template := settings.Template{
		ListenWindowSeconds: a.Config.Breaker.Template.ListenWindowSeconds,
		BreakerPercent:      percent,
		BlockDurationHours:  duration,
		Status:              storage.StatusDisabled,
	}
	if a.Config.Breaker.Template.Enabled {
		template.Status = storage.StatusEnabled
	}

	var settingsCache *cache.Cache
	var emitter notify.Emitter = notify.NopEmitter{}
	if client != nil {
		settingsCache = cache.New(client, a.Config.Cache.Prefix, a.Config.Cache.TTL, a.Logger)
		emitter = notify.NewRedisEmitter(client, a.Logger)
	}

	return settings.New(store, settingsCache, emitter, template, a.Logger), nil
}

func (a *App) newAlerter() alerting.Alerter {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramAlerter(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

// Run executes the long-running breaker daemon: the executed-trade consumer
// plus the periodic auto-unlock sweep.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn is required to run the breaker daemon")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if err := storage.ApplyMigrations(ctx, store.Pool(), a.Config.Database.MigrationsPath); err != nil {
		return err
	}

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

	engineOpts := []breaker.Option{
		breaker.WithSweepBatch(a.Config.Sweep.BatchSize),
	}
	if alerter := a.newAlerter(); alerter != nil {
		engineOpts = append(engineOpts, breaker.WithAlerter(alerter))
	}
	engine := breaker.New(settingsSvc, store, hist, a.Logger, engineOpts...)

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Sweep.Interval,
		AlignToStart: a.Config.Sweep.AlignToBucket,
		StartupDelay: a.Config.Sweep.StartupDelay,
	}, a.Logger)

	svc := service.New(engine, hist, sched, store, a.Config.Sweep.AdvisoryLockKey, a.Logger)

	consumer := stream.New(client, stream.Options{
		Stream:    a.Config.Stream.Key,
		Group:     a.Config.Stream.Group,
		Consumer:  a.Config.Stream.Consumer,
		BatchSize: a.Config.Stream.BatchSize,
		Block:     a.Config.Stream.Block,
	}, svc.HandleTrade, a.Logger)
	svc.SetConsumer(consumer)

	a.Logger.Info().Str("build", version.String()).Msg("starting circuit breaker daemon")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("daemon terminated with error")
		return err
	}

	a.Logger.Info().Msg("circuit breaker daemon stopped")
	return nil
}

// StatusOptions identify the pair to query.
type StatusOptions struct {
	Coin     string
	Currency string
}

// PairsOptions configure the pairs listing.
type PairsOptions struct {
	Coin       string
	Currency   string
	OnlyLocked bool
	SortBy     string
	SortDesc   bool
	Limit      int
	Offset     int
}

// SetPairOptions carry admin updates; empty strings leave fields unchanged.
type SetPairOptions struct {
	Coin                string
	Currency            string
	ListenWindowSeconds int
	BreakerPercent      string
	BlockDurationHours  string
	Status              string
}

// ExportOptions hold parameters for exporting a pair's price history.
type ExportOptions struct {
	Coin      string
	Currency  string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}
