package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"trade-halt-breaker/internal/breaker"
	"trade-halt-breaker/internal/history"
	"trade-halt-breaker/internal/scheduler"
	"trade-halt-breaker/internal/storage"
	"trade-halt-breaker/internal/stream"
)

// Service orchestrates the trade consumer and the periodic unlock sweep.
type Service struct {
	engine    *breaker.Engine
	history   *history.Lookup
	consumer  *stream.Consumer
	scheduler *scheduler.Scheduler
	locker    storage.AdvisoryLocker
	lockKey   int64
	logger    zerolog.Logger
}

// New constructs the daemon service. The consumer is built by the caller
// with HandleTrade as its handler.
func New(engine *breaker.Engine, hist *history.Lookup, sched *scheduler.Scheduler, locker storage.AdvisoryLocker, lockKey int64, logger zerolog.Logger) *Service {
	return &Service{
		engine:    engine,
		history:   hist,
		scheduler: sched,
		locker:    locker,
		lockKey:   lockKey,
		logger:    logger.With().Str("component", "service").Logger(),
	}
}

// SetConsumer attaches the trade stream consumer.
func (s *Service) SetConsumer(c *stream.Consumer) {
	s.consumer = c
}

// Run blocks until ctx is cancelled or either loop fails.
func (s *Service) Run(ctx context.Context) error {
	if s.consumer == nil {
		return fmt.Errorf("trade consumer not configured")
	}
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)

	go func() {
		errCh <- s.scheduler.Run(ctx, s.SweepTick)
	}()
	go func() {
		errCh <- s.consumer.Run(ctx)
	}()

	err := <-errCh
	cancel()
	<-errCh
	return err
}

// HandleTrade records the trade into price history and evaluates it. It
// never returns an error for evaluation failures: the breaker is advisory
// and the stream message is acknowledged regardless.
func (s *Service) HandleTrade(ctx context.Context, trade storage.ExecutedTrade) error {
	if err := s.history.Record(ctx, trade); err != nil {
		s.logger.Error().Err(err).
			Str("pair", trade.Pair.String()).
			Int64("trade_id", trade.TradeID).
			Msg("failed to record trade price")
	}

	result, err := s.engine.Evaluate(ctx, trade)
	if err != nil {
		s.logger.Error().Err(err).
			Str("pair", trade.Pair.String()).
			Int64("trade_id", trade.TradeID).
			Msg("transition persistence failed during evaluation")
	}

	if result.Transition != breaker.TransitionNone {
		s.logger.Info().
			Str("pair", trade.Pair.String()).
			Str("transition", string(result.Transition)).
			Bool("allowed", result.Allowed).
			Int64("trade_id", trade.TradeID).
			Msg("breaker transition applied")
	}
	return nil
}

// SweepTick 执行单次自动解锁扫描。多副本部署时通过 advisory lock
// 保证同一时刻只有一个实例在扫描。
func (s *Service) SweepTick(ctx context.Context, tick time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("tick", tick).Msg("skip sweep because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	unlocked, sweepErr := s.engine.UnlockDue(ctx)
	if unlocked > 0 {
		s.logger.Info().Int("unlocked", unlocked).Time("tick", tick).Msg("sweep released expired locks")
	}
	return sweepErr
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
