package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSchedulerTicksUntilCanceled(t *testing.T) {
	sched := New(Options{Interval: 20 * time.Millisecond}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	ticks := make(chan time.Time, 8)

	done := make(chan error, 1)
	go func() {
		done <- sched.Run(ctx, func(ctx context.Context, bucket time.Time) error {
			ticks <- bucket
			return nil
		})
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-ticks:
		case <-time.After(2 * time.Second):
			t.Fatal("等待调度 tick 超时")
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("取消后应返回 context.Canceled: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("调度循环未退出")
	}
}

func TestSchedulerTickErrorDoesNotStopLoop(t *testing.T) {
	sched := New(Options{Interval: 20 * time.Millisecond}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ticks := make(chan struct{}, 8)

	go func() {
		_ = sched.Run(ctx, func(ctx context.Context, bucket time.Time) error {
			ticks <- struct{}{}
			return errors.New("sweep failed")
		})
	}()

	// 单次 tick 报错后循环应继续。
	for i := 0; i < 2; i++ {
		select {
		case <-ticks:
		case <-time.After(2 * time.Second):
			t.Fatal("报错后调度应继续")
		}
	}
}

func TestSchedulerAlignedBuckets(t *testing.T) {
	interval := 50 * time.Millisecond
	sched := New(Options{Interval: interval, AlignToStart: true}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	buckets := make(chan time.Time, 4)

	go func() {
		_ = sched.Run(ctx, func(ctx context.Context, bucket time.Time) error {
			buckets <- bucket
			return nil
		})
	}()

	select {
	case bucket := <-buckets:
		if !bucket.Equal(bucket.Truncate(interval)) {
			t.Fatalf("bucket 应对齐到整数倍: %v", bucket)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("等待对齐 tick 超时")
	}
}

func TestSchedulerRejectsNonPositiveInterval(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("非正间隔应 panic")
		}
	}()
	New(Options{Interval: 0}, zerolog.Nop())
}
