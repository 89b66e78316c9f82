package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trade-halt-breaker/internal/storage"
)

var btcUsdt = storage.Pair{Coin: "BTC", Currency: "USDT"}

type fakeSettings struct {
	mu        sync.Mutex
	global    storage.GlobalSetting
	globalErr error
	pairs     map[string]*storage.PairSetting
	pairErr   error
	refreshed []storage.PairSetting
}

func newFakeSettings() *fakeSettings {
	return &fakeSettings{
		global: storage.GlobalSetting{Status: storage.StatusEnabled},
		pairs:  make(map[string]*storage.PairSetting),
	}
}

func (f *fakeSettings) Global(ctx context.Context) (storage.GlobalSetting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.globalErr != nil {
		return storage.GlobalSetting{}, f.globalErr
	}
	return f.global, nil
}

func (f *fakeSettings) Pair(ctx context.Context, pair storage.Pair) (*storage.PairSetting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pairErr != nil {
		return nil, f.pairErr
	}
	setting, ok := f.pairs[pair.Key()]
	if !ok {
		return nil, nil
	}
	copied := *setting
	return &copied, nil
}

func (f *fakeSettings) RefreshPair(ctx context.Context, setting storage.PairSetting) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed = append(f.refreshed, setting)
}

func (f *fakeSettings) put(setting storage.PairSetting) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := setting
	f.pairs[setting.Pair.Key()] = &copied
}

// fakeTransitions mimics the row-lock semantics of the real store with a
// process-wide mutex: callbacks run strictly one at a time against the
// current row state.
type fakeTransitions struct {
	mu         sync.Mutex
	settings   *fakeSettings
	persistErr error
	lockCalls  int
}

func (f *fakeTransitions) WithPairLock(ctx context.Context, pair storage.Pair, fn func(*storage.PairSetting) (bool, error)) (*storage.PairSetting, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lockCalls++

	f.settings.mu.Lock()
	current, ok := f.settings.pairs[pair.Key()]
	f.settings.mu.Unlock()
	if !ok {
		return nil, false, storage.ErrPairSettingMissing
	}

	working := *current
	changed, err := fn(&working)
	if err != nil {
		return nil, false, err
	}
	if changed {
		if f.persistErr != nil {
			return nil, false, f.persistErr
		}
		f.settings.mu.Lock()
		f.settings.pairs[pair.Key()] = &working
		f.settings.mu.Unlock()
	}
	final := working
	return &final, changed, nil
}

func (f *fakeTransitions) ListLockedDue(ctx context.Context, nowMs int64, limit int) ([]storage.Pair, error) {
	f.settings.mu.Lock()
	defer f.settings.mu.Unlock()

	var due []storage.Pair
	for _, setting := range f.settings.pairs {
		if setting.UnlockDue(nowMs) {
			due = append(due, setting.Pair)
		}
		if len(due) >= limit {
			break
		}
	}
	return due, nil
}

type fakePrices struct {
	price decimal.Decimal
	found bool
	err   error
}

func (f *fakePrices) ReferencePrice(ctx context.Context, pair storage.Pair, windowSeconds int, atOrBeforeMs, excludeTradeID int64) (decimal.Decimal, bool, error) {
	return f.price, f.found, f.err
}

func enabledSetting() storage.PairSetting {
	return storage.PairSetting{
		Pair:                btcUsdt,
		ListenWindowSeconds: 300,
		BreakerPercent:      decimal.NewFromInt(10),
		BlockDurationHours:  decimal.NewFromInt(1),
		Status:              storage.StatusEnabled,
	}
}

func trade(price string, atMs, tradeID int64) storage.ExecutedTrade {
	return storage.ExecutedTrade{
		Pair:         btcUsdt,
		Price:        decimal.RequireFromString(price),
		ExecutedAtMs: atMs,
		TradeID:      tradeID,
	}
}

func newTestEngine(settings *fakeSettings, transitions *fakeTransitions, prices *fakePrices, nowMs int64) *Engine {
	return New(settings, transitions, prices, zerolog.Nop(), WithClock(func() int64 { return nowMs }))
}

func TestEvaluateLocksAtThreshold(t *testing.T) {
	settings := newFakeSettings()
	settings.put(enabledSetting())
	transitions := &fakeTransitions{settings: settings}
	// 参考价 50000，阈值 10%，55000 恰好触发（含等于）。
	prices := &fakePrices{price: decimal.NewFromInt(50_000), found: true}
	engine := newTestEngine(settings, transitions, prices, 1_000_000)

	result, err := engine.Evaluate(context.Background(), trade("55000", 1_000_000, 7))
	if err != nil {
		t.Fatalf("评估不应报错: %v", err)
	}
	if result.Allowed {
		t.Fatal("触发熔断后应阻止交易")
	}
	if result.Transition != TransitionLocked {
		t.Fatalf("应产生 locked 转换, 实际 %s", result.Transition)
	}
	if result.Fluctuation == nil || result.Fluctuation.String() != "10" {
		t.Fatalf("波动率应为 10: %#v", result.Fluctuation)
	}

	locked, _ := settings.Pair(context.Background(), btcUsdt)
	if !locked.BlockTrading {
		t.Fatal("配置行应进入锁定状态")
	}
	if locked.LockedAtMs == nil || locked.UnlockedAtMs == nil {
		t.Fatal("锁定时间戳应同时有值")
	}
	if *locked.UnlockedAtMs != *locked.LockedAtMs+3_600_000 {
		t.Fatalf("解锁时间应为锁定时间加 1 小时: %d %d", *locked.LockedAtMs, *locked.UnlockedAtMs)
	}
	if locked.LastTriggerTradeID == nil || *locked.LastTriggerTradeID != 7 {
		t.Fatalf("触发成交号不正确: %#v", locked.LastTriggerTradeID)
	}
}

func TestEvaluateBelowThresholdAllows(t *testing.T) {
	settings := newFakeSettings()
	settings.put(enabledSetting())
	transitions := &fakeTransitions{settings: settings}
	prices := &fakePrices{price: decimal.NewFromInt(50_000), found: true}
	engine := newTestEngine(settings, transitions, prices, 1_000_000)

	result, err := engine.Evaluate(context.Background(), trade("54999.99", 1_000_000, 8))
	if err != nil {
		t.Fatalf("评估不应报错: %v", err)
	}
	if !result.Allowed || result.Transition != TransitionNone {
		t.Fatalf("低于阈值应放行: %#v", result)
	}
	if transitions.lockCalls != 0 {
		t.Fatal("低于阈值不应触发行锁")
	}
}

func TestEvaluateFailsOpen(t *testing.T) {
	cases := []struct {
		name  string
		setup func(*fakeSettings, *fakePrices)
	}{
		{"全局开关关闭", func(s *fakeSettings, p *fakePrices) {
			s.global = storage.GlobalSetting{Status: storage.StatusDisabled}
		}},
		{"全局配置读取失败", func(s *fakeSettings, p *fakePrices) {
			s.globalErr = errors.New("db down")
		}},
		{"交易对未配置", func(s *fakeSettings, p *fakePrices) {
			s.mu.Lock()
			delete(s.pairs, btcUsdt.Key())
			s.mu.Unlock()
		}},
		{"交易对配置读取失败", func(s *fakeSettings, p *fakePrices) {
			s.pairErr = errors.New("db down")
		}},
		{"交易对监控关闭", func(s *fakeSettings, p *fakePrices) {
			setting := enabledSetting()
			setting.Status = storage.StatusDisabled
			s.put(setting)
		}},
		{"历史查询失败", func(s *fakeSettings, p *fakePrices) {
			p.err = errors.New("timeout")
		}},
		{"窗口内无历史", func(s *fakeSettings, p *fakePrices) {
			p.found = false
		}},
		{"参考价为零", func(s *fakeSettings, p *fakePrices) {
			p.price = decimal.Zero
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			settings := newFakeSettings()
			settings.put(enabledSetting())
			transitions := &fakeTransitions{settings: settings}
			prices := &fakePrices{price: decimal.NewFromInt(50_000), found: true}
			tc.setup(settings, prices)
			engine := newTestEngine(settings, transitions, prices, 1_000_000)

			result, err := engine.Evaluate(context.Background(), trade("100000", 1_000_000, 9))
			if err != nil {
				t.Fatalf("失败放行不应返回错误: %v", err)
			}
			if !result.Allowed {
				t.Fatal("该场景应放行交易")
			}
			if result.Transition != TransitionNone {
				t.Fatalf("不应产生状态转换: %s", result.Transition)
			}
		})
	}
}

func TestEvaluateWhileLockedBlocksWithoutRetrigger(t *testing.T) {
	settings := newFakeSettings()
	setting := enabledSetting()
	lockedAt := int64(500_000)
	unlockAt := lockedAt + 3_600_000
	setting.BlockTrading = true
	setting.LockedAtMs = &lockedAt
	setting.UnlockedAtMs = &unlockAt
	settings.put(setting)
	transitions := &fakeTransitions{settings: settings}
	prices := &fakePrices{price: decimal.NewFromInt(50_000), found: true}
	engine := newTestEngine(settings, transitions, prices, 600_000)

	// 解锁期未到，任何价格都只拒绝，不重复触发。
	result, err := engine.Evaluate(context.Background(), trade("100000", 600_000, 10))
	if err != nil {
		t.Fatalf("评估不应报错: %v", err)
	}
	if result.Allowed {
		t.Fatal("锁定期间应阻止交易")
	}
	if result.Transition != TransitionNone {
		t.Fatalf("锁定期间不应有状态转换: %s", result.Transition)
	}
	if transitions.lockCalls != 0 {
		t.Fatal("锁定期间不应触发行锁")
	}
}

func TestEvaluateUnlockTakesPrecedence(t *testing.T) {
	// 规格示例：10% 阈值、300 秒窗口、1 小时封禁。锁定到期后的第一笔
	// 成交应放行并解锁，即便其波动率再次超阈值也不在同一次调用内重锁。
	settings := newFakeSettings()
	setting := enabledSetting()
	lockedAt := int64(500_000)
	unlockAt := lockedAt + 3_600_000
	setting.BlockTrading = true
	setting.LockedAtMs = &lockedAt
	setting.UnlockedAtMs = &unlockAt
	settings.put(setting)
	transitions := &fakeTransitions{settings: settings}
	prices := &fakePrices{price: decimal.NewFromInt(50_000), found: true}
	engine := newTestEngine(settings, transitions, prices, unlockAt+1)

	result, err := engine.Evaluate(context.Background(), trade("100000", unlockAt+1, 11))
	if err != nil {
		t.Fatalf("评估不应报错: %v", err)
	}
	if !result.Allowed {
		t.Fatal("到期后的首笔成交应放行")
	}
	if result.Transition != TransitionUnlocked {
		t.Fatalf("应产生 unlocked 转换, 实际 %s", result.Transition)
	}

	final, _ := settings.Pair(context.Background(), btcUsdt)
	if final.BlockTrading {
		t.Fatal("解锁后 block_trading 应为 false")
	}
	if final.LockedAtMs != nil || final.UnlockedAtMs != nil {
		t.Fatal("解锁后锁定时间戳应同时清空")
	}
}

func TestEvaluateUnlockPersistFailureKeepsBlocking(t *testing.T) {
	settings := newFakeSettings()
	setting := enabledSetting()
	lockedAt := int64(500_000)
	unlockAt := lockedAt + 3_600_000
	setting.BlockTrading = true
	setting.LockedAtMs = &lockedAt
	setting.UnlockedAtMs = &unlockAt
	settings.put(setting)
	transitions := &fakeTransitions{settings: settings, persistErr: errors.New("write failed")}
	prices := &fakePrices{price: decimal.NewFromInt(50_000), found: true}
	engine := newTestEngine(settings, transitions, prices, unlockAt+1)

	result, err := engine.Evaluate(context.Background(), trade("50000", unlockAt+1, 12))
	if err == nil {
		t.Fatal("解锁落库失败应返回错误")
	}
	if result.Allowed {
		t.Fatal("解锁未落库时应继续阻止交易")
	}
}

func TestEvaluateLockPersistFailureAllows(t *testing.T) {
	settings := newFakeSettings()
	settings.put(enabledSetting())
	transitions := &fakeTransitions{settings: settings, persistErr: errors.New("write failed")}
	prices := &fakePrices{price: decimal.NewFromInt(50_000), found: true}
	engine := newTestEngine(settings, transitions, prices, 1_000_000)

	result, err := engine.Evaluate(context.Background(), trade("60000", 1_000_000, 13))
	if err == nil {
		t.Fatal("锁定落库失败应返回错误")
	}
	if !result.Allowed {
		t.Fatal("锁未生效时本笔交易应放行")
	}

	final, _ := settings.Pair(context.Background(), btcUsdt)
	if final.BlockTrading {
		t.Fatal("落库失败后不应残留锁定状态")
	}
}

func TestEvaluateConcurrentTriggersLockOnce(t *testing.T) {
	settings := newFakeSettings()
	settings.put(enabledSetting())
	transitions := &fakeTransitions{settings: settings}
	prices := &fakePrices{price: decimal.NewFromInt(50_000), found: true}
	engine := newTestEngine(settings, transitions, prices, 1_000_000)

	const n = 16
	results := make([]Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := engine.Evaluate(context.Background(), trade("60000", 1_000_000, int64(100+i)))
			if err != nil {
				t.Errorf("并发评估报错: %v", err)
			}
			results[i] = result
		}(i)
	}
	wg.Wait()

	lockedCount := 0
	for _, result := range results {
		if result.Allowed {
			t.Fatal("并发触发下所有交易都应被阻止")
		}
		if result.Transition == TransitionLocked {
			lockedCount++
		}
	}
	if lockedCount != 1 {
		t.Fatalf("应恰好一次 locked 转换, 实际 %d", lockedCount)
	}

	final, _ := settings.Pair(context.Background(), btcUsdt)
	if final.LastTriggerTradeID == nil {
		t.Fatal("应记录触发成交号")
	}
}

func TestUnlockDueSweep(t *testing.T) {
	settings := newFakeSettings()

	expired := enabledSetting()
	lockedAt := int64(100_000)
	unlockAt := lockedAt + 3_600_000
	expired.BlockTrading = true
	expired.LockedAtMs = &lockedAt
	expired.UnlockedAtMs = &unlockAt
	settings.put(expired)

	pending := enabledSetting()
	pending.Pair = storage.Pair{Coin: "ETH", Currency: "USDT"}
	pendingLocked := int64(3_600_000)
	pendingUnlock := pendingLocked + 3_600_000
	pending.BlockTrading = true
	pending.LockedAtMs = &pendingLocked
	pending.UnlockedAtMs = &pendingUnlock
	settings.put(pending)

	transitions := &fakeTransitions{settings: settings}
	prices := &fakePrices{}
	engine := newTestEngine(settings, transitions, prices, unlockAt+1)

	unlocked, err := engine.UnlockDue(context.Background())
	if err != nil {
		t.Fatalf("扫描不应报错: %v", err)
	}
	if unlocked != 1 {
		t.Fatalf("应恰好解锁一个交易对, 实际 %d", unlocked)
	}

	first, _ := settings.Pair(context.Background(), btcUsdt)
	if first.BlockTrading {
		t.Fatal("到期交易对应已解锁")
	}
	second, _ := settings.Pair(context.Background(), pending.Pair)
	if !second.BlockTrading {
		t.Fatal("未到期交易对应保持锁定")
	}
}

func TestUnlockDueIdempotent(t *testing.T) {
	settings := newFakeSettings()
	expired := enabledSetting()
	lockedAt := int64(100_000)
	unlockAt := lockedAt + 3_600_000
	expired.BlockTrading = true
	expired.LockedAtMs = &lockedAt
	expired.UnlockedAtMs = &unlockAt
	settings.put(expired)

	transitions := &fakeTransitions{settings: settings}
	engine := newTestEngine(settings, transitions, &fakePrices{}, unlockAt+1)

	if unlocked, _ := engine.UnlockDue(context.Background()); unlocked != 1 {
		t.Fatalf("首次扫描应解锁一个: %d", unlocked)
	}
	if unlocked, _ := engine.UnlockDue(context.Background()); unlocked != 0 {
		t.Fatalf("重复扫描不应再解锁: %d", unlocked)
	}
}
