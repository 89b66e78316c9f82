// Package notify publishes breaker change events for downstream consumers
// (matching engine, UI panels). Delivery is best-effort; subscribers
// reconcile through the query API on reconnect.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"trade-halt-breaker/internal/storage"
)

// Pub/sub channel names.
const (
	ChannelPairSettingChanged   = "breaker.pair_setting_changed"
	ChannelGlobalSettingChanged = "breaker.global_setting_changed"
)

// PairSettingEvent is the payload published on pair changes.
type PairSettingEvent struct {
	Setting   storage.PairSetting `json:"setting"`
	EmittedAt time.Time           `json:"emitted_at"`
}

// GlobalSettingEvent is the payload published on global changes.
type GlobalSettingEvent struct {
	Setting   storage.GlobalSetting `json:"setting"`
	EmittedAt time.Time             `json:"emitted_at"`
}

// Emitter 定义变更事件的发布接口，fire-and-forget。
type Emitter interface {
	PairSettingChanged(ctx context.Context, setting storage.PairSetting)
	GlobalSettingChanged(ctx context.Context, setting storage.GlobalSetting)
}

// RedisEmitter publishes JSON events on Redis pub/sub channels.
type RedisEmitter struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisEmitter constructs an emitter over an existing client.
func NewRedisEmitter(client *redis.Client, logger zerolog.Logger) *RedisEmitter {
	return &RedisEmitter{
		client: client,
		logger: logger.With().Str("component", "notify").Logger(),
	}
}

// PairSettingChanged publishes a pair-setting event; failures are logged only.
func (e *RedisEmitter) PairSettingChanged(ctx context.Context, setting storage.PairSetting) {
	e.publish(ctx, ChannelPairSettingChanged, PairSettingEvent{
		Setting:   setting,
		EmittedAt: time.Now().UTC(),
	})
}

// GlobalSettingChanged publishes a global-setting event; failures are logged only.
func (e *RedisEmitter) GlobalSettingChanged(ctx context.Context, setting storage.GlobalSetting) {
	e.publish(ctx, ChannelGlobalSettingChanged, GlobalSettingEvent{
		Setting:   setting,
		EmittedAt: time.Now().UTC(),
	})
}

func (e *RedisEmitter) publish(ctx context.Context, channel string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error().Err(err).Str("channel", channel).Msg("marshal event")
		return
	}
	if err := e.client.Publish(ctx, channel, data).Err(); err != nil {
		e.logger.Error().Err(err).Str("channel", channel).Msg("publish event")
	}
}

// NopEmitter drops all events; used when Redis is not configured and in tests.
type NopEmitter struct{}

func (NopEmitter) PairSettingChanged(context.Context, storage.PairSetting)     {}
func (NopEmitter) GlobalSettingChanged(context.Context, storage.GlobalSetting) {}

var (
	_ Emitter = (*RedisEmitter)(nil)
	_ Emitter = NopEmitter{}
)
