package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrPairSettingMissing indicates no breaker row exists for the pair.
	ErrPairSettingMissing = errors.New("storage: pair setting missing")
)

const (
	getGlobalSettingSQL = `SELECT status, updated_at
    FROM global_breaker_settings
    WHERE id = 1;`

	saveGlobalSettingSQL = `INSERT INTO global_breaker_settings (id, status, updated_at)
    VALUES (1, $1, now())
    ON CONFLICT (id) DO UPDATE
    SET status = EXCLUDED.status,
        updated_at = now()
    RETURNING updated_at;`

	pairSettingColumns = `coin,
        currency,
        listen_window_seconds,
        breaker_percent,
        block_duration_hours,
        status,
        block_trading,
        locked_at_ms,
        unlocked_at_ms,
        last_price,
        last_trigger_trade_id,
        updated_at`

	getPairSettingSQL = `SELECT ` + pairSettingColumns + `
    FROM pair_breaker_settings
    WHERE coin = $1
      AND currency = $2;`

	getPairSettingForUpdateSQL = `SELECT ` + pairSettingColumns + `
    FROM pair_breaker_settings
    WHERE coin = $1
      AND currency = $2
    FOR UPDATE;`

	upsertPairSettingSQL = `INSERT INTO pair_breaker_settings (
        coin,
        currency,
        listen_window_seconds,
        breaker_percent,
        block_duration_hours,
        status,
        block_trading,
        locked_at_ms,
        unlocked_at_ms,
        last_price,
        last_trigger_trade_id,
        updated_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,now()
    )
    ON CONFLICT (coin, currency) DO UPDATE
    SET
        listen_window_seconds = EXCLUDED.listen_window_seconds,
        breaker_percent       = EXCLUDED.breaker_percent,
        block_duration_hours  = EXCLUDED.block_duration_hours,
        status                = EXCLUDED.status,
        block_trading         = EXCLUDED.block_trading,
        locked_at_ms          = EXCLUDED.locked_at_ms,
        unlocked_at_ms        = EXCLUDED.unlocked_at_ms,
        last_price            = EXCLUDED.last_price,
        last_trigger_trade_id = EXCLUDED.last_trigger_trade_id,
        updated_at            = now()
    RETURNING updated_at;`

	updateLockedPairSettingSQL = `UPDATE pair_breaker_settings
    SET listen_window_seconds = $3,
        breaker_percent       = $4,
        block_duration_hours  = $5,
        status                = $6,
        block_trading         = $7,
        locked_at_ms          = $8,
        unlocked_at_ms        = $9,
        last_price            = $10,
        last_trigger_trade_id = $11,
        updated_at            = now()
    WHERE coin = $1
      AND currency = $2
    RETURNING updated_at;`

	listLockedDueSQL = `SELECT coin, currency
    FROM pair_breaker_settings
    WHERE block_trading
      AND unlocked_at_ms IS NOT NULL
      AND unlocked_at_ms <= $1
    ORDER BY unlocked_at_ms
    LIMIT $2;`

	insertTradePriceSQL = `INSERT INTO trade_prices (
        coin,
        currency,
        trade_id,
        price,
        traded_at_ms
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    ON CONFLICT (coin, currency, trade_id) DO NOTHING;`

	latestPriceInWindowSQL = `SELECT price
    FROM trade_prices
    WHERE coin = $1
      AND currency = $2
      AND traded_at_ms >= $3
      AND traded_at_ms <= $4
      AND trade_id <> $5
    ORDER BY traded_at_ms DESC, trade_id DESC
    LIMIT 1;`

	listTradePricesSQL = `SELECT trade_id, price, traded_at_ms
    FROM trade_prices
    WHERE coin = $1
      AND currency = $2
      AND traded_at_ms >= $3
      AND traded_at_ms < $4
    ORDER BY traded_at_ms
    LIMIT $5;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// SettingsStore defines persistence for breaker configuration.
type SettingsStore interface {
	GetGlobalSetting(ctx context.Context) (*GlobalSetting, error)
	SaveGlobalSetting(ctx context.Context, setting GlobalSetting) (GlobalSetting, error)
	GetPairSetting(ctx context.Context, pair Pair) (*PairSetting, error)
	UpsertPairSetting(ctx context.Context, setting PairSetting) (PairSetting, error)
	ListPairSettings(ctx context.Context, filter ListFilter, limit, offset int) ([]PairListItem, int64, error)
}

// TransitionStore serialises lock/unlock transitions per pair row.
type TransitionStore interface {
	WithPairLock(ctx context.Context, pair Pair, fn func(*PairSetting) (bool, error)) (*PairSetting, bool, error)
	ListLockedDue(ctx context.Context, nowMs int64, limit int) ([]Pair, error)
}

// PriceStore defines the time-indexed trade price history.
type PriceStore interface {
	InsertTradePrice(ctx context.Context, price TradePrice) error
	LatestPriceInWindow(ctx context.Context, pair Pair, fromMs, toMs, excludeTradeID int64) (decimal.Decimal, bool, error)
	ListTradePrices(ctx context.Context, pair Pair, fromMs, toMs int64, limit int) ([]TradePrice, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to breaker settings and price history.
type Store struct {
	pool    *pgxpool.Pool
	replica *pgxpool.Pool
}

// NewStore wires the primary pool, and optionally a replica for listings.
func NewStore(pool, replica *pgxpool.Pool) *Store {
	return &Store{pool: pool, replica: replica}
}

// Pool exposes the primary pool for migrations.
func (s *Store) Pool() *pgxpool.Pool {
	if s == nil {
		return nil
	}
	return s.pool
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil {
		return
	}
	if s.pool != nil {
		s.pool.Close()
	}
	if s.replica != nil {
		s.replica.Close()
	}
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// readPool prefers the replica for reads that tolerate replication lag.
func (s *Store) readPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	if s.replica != nil {
		return s.replica, nil
	}
	return s.pool, nil
}

// GetGlobalSetting reads the singleton master switch; nil when absent.
func (s *Store) GetGlobalSetting(ctx context.Context) (*GlobalSetting, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var setting GlobalSetting
	scanErr := pool.QueryRow(ctx, getGlobalSettingSQL).Scan(&setting.Status, &setting.UpdatedAt)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get global setting: %w", scanErr)
	}
	return &setting, nil
}

// SaveGlobalSetting upserts the singleton row.
func (s *Store) SaveGlobalSetting(ctx context.Context, setting GlobalSetting) (GlobalSetting, error) {
	pool, err := s.getPool()
	if err != nil {
		return GlobalSetting{}, err
	}

	var updatedAt time.Time
	if scanErr := pool.QueryRow(ctx, saveGlobalSettingSQL, setting.Status).Scan(&updatedAt); scanErr != nil {
		return GlobalSetting{}, fmt.Errorf("save global setting: %w", scanErr)
	}
	setting.UpdatedAt = updatedAt
	return setting, nil
}

// GetPairSetting reads a pair row from the primary pool; nil when absent.
// 交易对配置不能读副本：锁状态的正确性依赖最新数据。
func (s *Store) GetPairSetting(ctx context.Context, pair Pair) (*PairSetting, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	row := pool.QueryRow(ctx, getPairSettingSQL, pair.Coin, pair.Currency)
	setting, scanErr := scanPairSetting(row)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get pair setting: %w", scanErr)
	}
	return &setting, nil
}

// UpsertPairSetting persists the full pair row.
func (s *Store) UpsertPairSetting(ctx context.Context, setting PairSetting) (PairSetting, error) {
	pool, err := s.getPool()
	if err != nil {
		return PairSetting{}, err
	}

	var lastPrice interface{}
	if setting.LastPrice != nil {
		lastPrice = setting.LastPrice.String()
	}

	var updatedAt time.Time
	scanErr := pool.QueryRow(ctx, upsertPairSettingSQL,
		setting.Pair.Coin,
		setting.Pair.Currency,
		setting.ListenWindowSeconds,
		setting.BreakerPercent.String(),
		setting.BlockDurationHours.String(),
		setting.Status,
		setting.BlockTrading,
		setting.LockedAtMs,
		setting.UnlockedAtMs,
		lastPrice,
		setting.LastTriggerTradeID,
	).Scan(&updatedAt)
	if scanErr != nil {
		return PairSetting{}, fmt.Errorf("upsert pair setting: %w", scanErr)
	}
	setting.UpdatedAt = updatedAt
	return setting, nil
}

// WithPairLock runs fn against the pair row held under SELECT ... FOR UPDATE.
// fn may mutate the setting; returning true persists the full row in the
// same transaction. Both engine transitions and admin edits go through
// here, so neither can overwrite state the other committed concurrently.
// The final row state is returned either way; a caller that lost a
// concurrent race simply observes the winner's state.
func (s *Store) WithPairLock(ctx context.Context, pair Pair, fn func(*PairSetting) (bool, error)) (*PairSetting, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin transition tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, getPairSettingForUpdateSQL, pair.Coin, pair.Currency)
	setting, scanErr := scanPairSetting(row)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, false, ErrPairSettingMissing
		}
		return nil, false, fmt.Errorf("lock pair row: %w", scanErr)
	}

	save, fnErr := fn(&setting)
	if fnErr != nil {
		return nil, false, fnErr
	}
	if !save {
		return &setting, false, nil
	}

	var lastPrice interface{}
	if setting.LastPrice != nil {
		lastPrice = setting.LastPrice.String()
	}

	var updatedAt time.Time
	scanErr = tx.QueryRow(ctx, updateLockedPairSettingSQL,
		pair.Coin,
		pair.Currency,
		setting.ListenWindowSeconds,
		setting.BreakerPercent.String(),
		setting.BlockDurationHours.String(),
		setting.Status,
		setting.BlockTrading,
		setting.LockedAtMs,
		setting.UnlockedAtMs,
		lastPrice,
		setting.LastTriggerTradeID,
	).Scan(&updatedAt)
	if scanErr != nil {
		return nil, false, fmt.Errorf("persist transition: %w", scanErr)
	}
	setting.UpdatedAt = updatedAt

	if commitErr := tx.Commit(ctx); commitErr != nil {
		return nil, false, fmt.Errorf("commit transition: %w", commitErr)
	}
	return &setting, true, nil
}

// ListLockedDue returns pairs whose lock window elapsed, for the sweep.
func (s *Store) ListLockedDue(ctx context.Context, nowMs int64, limit int) ([]Pair, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listLockedDueSQL, nowMs, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list locked due: %w", queryErr)
	}
	defer rows.Close()

	pairs := make([]Pair, 0)
	for rows.Next() {
		var pair Pair
		if err := rows.Scan(&pair.Coin, &pair.Currency); err != nil {
			return nil, err
		}
		pairs = append(pairs, pair)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return pairs, nil
}

// InsertTradePrice records one executed trade in the price history.
func (s *Store) InsertTradePrice(ctx context.Context, price TradePrice) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, insertTradePriceSQL,
		price.Pair.Coin,
		price.Pair.Currency,
		price.TradeID,
		price.Price.String(),
		price.TradedAtMs,
	)
	if execErr != nil {
		return fmt.Errorf("insert trade price: %w", execErr)
	}
	return nil
}

// LatestPriceInWindow returns the most recent price in [fromMs, toMs],
// skipping the trade under evaluation itself.
func (s *Store) LatestPriceInWindow(ctx context.Context, pair Pair, fromMs, toMs, excludeTradeID int64) (decimal.Decimal, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return decimal.Decimal{}, false, err
	}

	var priceStr string
	scanErr := pool.QueryRow(ctx, latestPriceInWindowSQL,
		pair.Coin, pair.Currency, fromMs, toMs, excludeTradeID,
	).Scan(&priceStr)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return decimal.Decimal{}, false, nil
		}
		return decimal.Decimal{}, false, fmt.Errorf("latest price in window: %w", scanErr)
	}

	price, convErr := decimal.NewFromString(priceStr)
	if convErr != nil {
		return decimal.Decimal{}, false, fmt.Errorf("parse price: %w", convErr)
	}
	return price, true, nil
}

// ListTradePrices lists history rows in [fromMs, toMs) for export.
func (s *Store) ListTradePrices(ctx context.Context, pair Pair, fromMs, toMs int64, limit int) ([]TradePrice, error) {
	pool, err := s.readPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listTradePricesSQL, pair.Coin, pair.Currency, fromMs, toMs, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list trade prices: %w", queryErr)
	}
	defer rows.Close()

	prices := make([]TradePrice, 0)
	for rows.Next() {
		var (
			rec      TradePrice
			priceStr string
		)
		if err := rows.Scan(&rec.TradeID, &priceStr, &rec.TradedAtMs); err != nil {
			return nil, err
		}
		price, convErr := decimal.NewFromString(priceStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse price: %w", convErr)
		}
		rec.Pair = pair
		rec.Price = price
		prices = append(prices, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return prices, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; log omitted in storage package
		}
		conn.Release()
	}
	return unlock, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPairSetting(row rowScanner) (PairSetting, error) {
	var (
		setting      PairSetting
		percentStr   string
		durationStr  string
		lockedAt     sql.NullInt64
		unlockedAt   sql.NullInt64
		lastPriceStr sql.NullString
		lastTradeID  sql.NullInt64
	)

	if err := row.Scan(
		&setting.Pair.Coin,
		&setting.Pair.Currency,
		&setting.ListenWindowSeconds,
		&percentStr,
		&durationStr,
		&setting.Status,
		&setting.BlockTrading,
		&lockedAt,
		&unlockedAt,
		&lastPriceStr,
		&lastTradeID,
		&setting.UpdatedAt,
	); err != nil {
		return PairSetting{}, err
	}

	percent, err := decimal.NewFromString(percentStr)
	if err != nil {
		return PairSetting{}, fmt.Errorf("parse breaker percent: %w", err)
	}
	duration, err := decimal.NewFromString(durationStr)
	if err != nil {
		return PairSetting{}, fmt.Errorf("parse block duration: %w", err)
	}
	setting.BreakerPercent = percent
	setting.BlockDurationHours = duration

	if lockedAt.Valid {
		value := lockedAt.Int64
		setting.LockedAtMs = &value
	}
	if unlockedAt.Valid {
		value := unlockedAt.Int64
		setting.UnlockedAtMs = &value
	}
	if lastPriceStr.Valid {
		price, convErr := decimal.NewFromString(lastPriceStr.String)
		if convErr != nil {
			return PairSetting{}, fmt.Errorf("parse last price: %w", convErr)
		}
		setting.LastPrice = &price
	}
	if lastTradeID.Valid {
		value := lastTradeID.Int64
		setting.LastTriggerTradeID = &value
	}

	return setting, nil
}
