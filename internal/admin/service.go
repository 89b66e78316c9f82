// Package admin is the operator-facing query/update surface. Status reads
// are computed purely from current settings and never trigger evaluation.
package admin

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"trade-halt-breaker/internal/settings"
	"trade-halt-breaker/internal/storage"
)

// Status answers the order-placement path: block_trading=true means new
// orders for the pair are rejected; settlement of matched trades is not
// affected.
type Status struct {
	AllowTrading bool
	Locked       bool
	Reason       string
}

// Service wraps the settings store for operators.
type Service struct {
	settings *settings.Service
	logger   zerolog.Logger
}

// New constructs the admin service.
func New(svc *settings.Service, logger zerolog.Logger) *Service {
	return &Service{
		settings: svc,
		logger:   logger.With().Str("component", "admin").Logger(),
	}
}

// Status reports whether the pair currently accepts new orders.
func (s *Service) Status(ctx context.Context, pair storage.Pair) (Status, error) {
	global, err := s.settings.Global(ctx)
	if err != nil {
		return Status{}, err
	}

	setting, err := s.settings.Pair(ctx, pair)
	if err != nil {
		return Status{}, err
	}

	locked := setting != nil && setting.BlockTrading

	if global.Status != storage.StatusEnabled {
		return Status{AllowTrading: true, Locked: locked, Reason: "breaker disabled globally"}, nil
	}
	if setting == nil {
		return Status{AllowTrading: true, Locked: false, Reason: "pair not configured"}, nil
	}
	if locked {
		reason := "locked"
		if setting.UnlockedAtMs != nil {
			until := time.UnixMilli(*setting.UnlockedAtMs).UTC()
			reason = fmt.Sprintf("locked until %s", until.Format(time.RFC3339))
		}
		return Status{AllowTrading: false, Locked: true, Reason: reason}, nil
	}
	if setting.Status != storage.StatusEnabled {
		return Status{AllowTrading: true, Locked: false, Reason: "monitoring disabled"}, nil
	}
	return Status{AllowTrading: true, Locked: false, Reason: "ok"}, nil
}

// ListPairs pages through the catalog join.
func (s *Service) ListPairs(ctx context.Context, filter storage.ListFilter, limit, offset int) ([]storage.PairListItem, int64, error) {
	return s.settings.List(ctx, filter, limit, offset)
}

// UpdatePair merges admin fields into a pair setting.
func (s *Service) UpdatePair(ctx context.Context, pair storage.Pair, update settings.PairUpdate) (storage.PairSetting, error) {
	return s.settings.UpsertPair(ctx, pair, update)
}

// UpdateGlobal sets the master switch.
func (s *Service) UpdateGlobal(ctx context.Context, status storage.Status) (storage.GlobalSetting, error) {
	return s.settings.UpdateGlobal(ctx, status)
}

// Enable turns the global breaker on.
func (s *Service) Enable(ctx context.Context) (storage.GlobalSetting, error) {
	return s.settings.UpdateGlobal(ctx, storage.StatusEnabled)
}

// Disable turns the global breaker off.
func (s *Service) Disable(ctx context.Context) (storage.GlobalSetting, error) {
	return s.settings.UpdateGlobal(ctx, storage.StatusDisabled)
}
