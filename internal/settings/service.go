// Package settings is the cache-first store for breaker configuration.
package settings

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trade-halt-breaker/internal/cache"
	"trade-halt-breaker/internal/notify"
	"trade-halt-breaker/internal/numeric"
	"trade-halt-breaker/internal/storage"
)

// Store is the persistence surface the service needs. Pair-setting updates
// go through WithPairLock so an admin edit can never overwrite a lock
// transition committed by the engine between read and write.
type Store interface {
	GetGlobalSetting(ctx context.Context) (*storage.GlobalSetting, error)
	SaveGlobalSetting(ctx context.Context, setting storage.GlobalSetting) (storage.GlobalSetting, error)
	GetPairSetting(ctx context.Context, pair storage.Pair) (*storage.PairSetting, error)
	UpsertPairSetting(ctx context.Context, setting storage.PairSetting) (storage.PairSetting, error)
	WithPairLock(ctx context.Context, pair storage.Pair, fn func(*storage.PairSetting) (bool, error)) (*storage.PairSetting, bool, error)
	ListPairSettings(ctx context.Context, filter storage.ListFilter, limit, offset int) ([]storage.PairListItem, int64, error)
}

// Template seeds a pair setting created without explicit fields.
type Template struct {
	ListenWindowSeconds int
	BreakerPercent      decimal.Decimal
	BlockDurationHours  decimal.Decimal
	Status              storage.Status
}

// PairUpdate carries the mutable admin fields; nil means "leave unchanged".
type PairUpdate struct {
	ListenWindowSeconds *int
	BreakerPercent      *decimal.Decimal
	BlockDurationHours  *decimal.Decimal
	Status              *storage.Status
}

// Service fronts the persistent store with a bounded-TTL cache and emits
// change events on every write path.
type Service struct {
	store    Store
	cache    *cache.Cache
	emitter  notify.Emitter
	template Template
	logger   zerolog.Logger
}

// New constructs the settings service. The cache may be nil, in which case
// every read goes to the store.
func New(store Store, c *cache.Cache, emitter notify.Emitter, template Template, logger zerolog.Logger) *Service {
	if emitter == nil {
		emitter = notify.NopEmitter{}
	}
	return &Service{
		store:    store,
		cache:    c,
		emitter:  emitter,
		template: template,
		logger:   logger.With().Str("component", "settings").Logger(),
	}
}

// Global returns the master switch, creating it disabled on first use.
func (s *Service) Global(ctx context.Context) (storage.GlobalSetting, error) {
	if s.cache != nil {
		var cached storage.GlobalSetting
		hit, err := s.cache.Get(ctx, cache.GlobalSettingKey(), &cached)
		if err != nil {
			s.logger.Error().Err(err).Msg("global setting cache read failed")
		} else if hit {
			return cached, nil
		}
	}

	setting, err := s.store.GetGlobalSetting(ctx)
	if err != nil {
		return storage.GlobalSetting{}, err
	}
	if setting == nil {
		created, saveErr := s.store.SaveGlobalSetting(ctx, storage.GlobalSetting{Status: storage.StatusDisabled})
		if saveErr != nil {
			return storage.GlobalSetting{}, fmt.Errorf("create default global setting: %w", saveErr)
		}
		setting = &created
	}

	s.cacheGlobal(ctx, *setting)
	return *setting, nil
}

// UpdateGlobal persists a new master status and refreshes the cache.
func (s *Service) UpdateGlobal(ctx context.Context, status storage.Status) (storage.GlobalSetting, error) {
	saved, err := s.store.SaveGlobalSetting(ctx, storage.GlobalSetting{Status: status})
	if err != nil {
		return storage.GlobalSetting{}, err
	}

	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, cache.GlobalSettingKey()); err != nil {
			s.logger.Error().Err(err).Msg("global setting cache invalidation failed")
		}
	}
	s.cacheGlobal(ctx, saved)
	s.emitter.GlobalSettingChanged(ctx, saved)

	s.logger.Info().Str("status", string(saved.Status)).Msg("global breaker setting updated")
	return saved, nil
}

// Pair returns the pair setting, cache-first; nil when no row exists.
// Cache misses read the primary store directly, never a replica.
func (s *Service) Pair(ctx context.Context, pair storage.Pair) (*storage.PairSetting, error) {
	if s.cache != nil {
		var cached storage.PairSetting
		hit, err := s.cache.Get(ctx, cache.PairSettingKey(pair), &cached)
		if err != nil {
			s.logger.Error().Err(err).Str("pair", pair.String()).Msg("pair setting cache read failed")
		} else if hit {
			return &cached, nil
		}
	}

	setting, err := s.store.GetPairSetting(ctx, pair)
	if err != nil {
		return nil, err
	}
	if setting == nil {
		return nil, nil
	}

	s.cachePair(ctx, *setting)
	return setting, nil
}

// UpsertPair merges fields into the pair row, creating it from the template
// when missing. The merge runs under the row lock, so an engine transition
// committed between the admin's read and write is merged into, not erased.
// Changing the block duration while locked recomputes unlocked_at from the
// preserved locked_at, never from "now".
func (s *Service) UpsertPair(ctx context.Context, pair storage.Pair, update PairUpdate) (storage.PairSetting, error) {
	locked, _, err := s.store.WithPairLock(ctx, pair, func(setting *storage.PairSetting) (bool, error) {
		applyPairUpdate(setting, update)
		return true, nil
	})
	if err != nil && !errors.Is(err, storage.ErrPairSettingMissing) {
		return storage.PairSetting{}, err
	}

	var saved storage.PairSetting
	if err == nil {
		saved = *locked
	} else {
		// 行不存在时没有可被覆盖的锁定状态，按模板插入即可。
		fresh := s.fromTemplate(pair)
		applyPairUpdate(&fresh, update)
		saved, err = s.store.UpsertPairSetting(ctx, fresh)
		if err != nil {
			return storage.PairSetting{}, err
		}
	}

	s.RefreshPair(ctx, saved)
	s.logger.Info().Str("pair", pair.String()).Msg("pair breaker setting updated")
	return saved, nil
}

func applyPairUpdate(setting *storage.PairSetting, update PairUpdate) {
	if update.ListenWindowSeconds != nil {
		setting.ListenWindowSeconds = *update.ListenWindowSeconds
	}
	if update.BreakerPercent != nil {
		setting.BreakerPercent = *update.BreakerPercent
	}
	if update.Status != nil {
		setting.Status = *update.Status
	}
	if update.BlockDurationHours != nil {
		setting.BlockDurationHours = *update.BlockDurationHours
		if setting.LockedAtMs != nil {
			unlockAt := *setting.LockedAtMs + numeric.HoursToMillis(*update.BlockDurationHours)
			setting.UnlockedAtMs = &unlockAt
		}
	}
}

// RefreshPair invalidates and re-populates the cache after any write to the
// pair row, then emits both change events. Aggregate views depend on the
// global event, so pair writes raise it too.
func (s *Service) RefreshPair(ctx context.Context, setting storage.PairSetting) {
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, cache.PairSettingKey(setting.Pair)); err != nil {
			s.logger.Error().Err(err).Str("pair", setting.Pair.String()).Msg("pair setting cache invalidation failed")
		}
	}
	s.cachePair(ctx, setting)

	s.emitter.PairSettingChanged(ctx, setting)
	if global, err := s.Global(ctx); err == nil {
		s.emitter.GlobalSettingChanged(ctx, global)
	} else {
		s.logger.Error().Err(err).Msg("skip global event: setting unavailable")
	}
}

// List pages through the catalog join.
func (s *Service) List(ctx context.Context, filter storage.ListFilter, limit, offset int) ([]storage.PairListItem, int64, error) {
	return s.store.ListPairSettings(ctx, filter, limit, offset)
}

func (s *Service) fromTemplate(pair storage.Pair) storage.PairSetting {
	return storage.PairSetting{
		Pair:                pair,
		ListenWindowSeconds: s.template.ListenWindowSeconds,
		BreakerPercent:      s.template.BreakerPercent,
		BlockDurationHours:  s.template.BlockDurationHours,
		Status:              s.template.Status,
	}
}

func (s *Service) cacheGlobal(ctx context.Context, setting storage.GlobalSetting) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, cache.GlobalSettingKey(), setting); err != nil {
		s.logger.Error().Err(err).Msg("global setting cache write failed")
	}
}

func (s *Service) cachePair(ctx context.Context, setting storage.PairSetting) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, cache.PairSettingKey(setting.Pair), setting); err != nil {
		s.logger.Error().Err(err).Str("pair", setting.Pair.String()).Msg("pair setting cache write failed")
	}
}
