package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	listPairSettingsSQL = `SELECT
        tp.coin,
        tp.currency,
        tp.active,
        ps.listen_window_seconds,
        ps.breaker_percent,
        ps.block_duration_hours,
        ps.status,
        ps.block_trading,
        ps.locked_at_ms,
        ps.unlocked_at_ms,
        ps.last_price,
        ps.last_trigger_trade_id,
        ps.updated_at
    FROM trading_pairs tp
    LEFT JOIN pair_breaker_settings ps
      ON ps.coin = tp.coin
     AND ps.currency = tp.currency
    WHERE ($1 = '' OR tp.coin = $1)
      AND ($2 = '' OR tp.currency = $2)
      AND (NOT $3 OR COALESCE(ps.block_trading, false))
    ORDER BY %s
    LIMIT $4 OFFSET $5;`

	countPairSettingsSQL = `SELECT COUNT(*)
    FROM trading_pairs tp
    LEFT JOIN pair_breaker_settings ps
      ON ps.coin = tp.coin
     AND ps.currency = tp.currency
    WHERE ($1 = '' OR tp.coin = $1)
      AND ($2 = '' OR tp.currency = $2)
      AND (NOT $3 OR COALESCE(ps.block_trading, false));`
)

// sortColumns whitelists the breaker fields a listing may order by. The
// sort expression is interpolated, never user input directly.
var sortColumns = map[string]string{
	"coin":                  "tp.coin",
	"currency":              "tp.currency",
	"listen_window_seconds": "ps.listen_window_seconds",
	"breaker_percent":       "ps.breaker_percent",
	"block_duration_hours":  "ps.block_duration_hours",
	"status":                "ps.status",
	"block_trading":         "ps.block_trading",
	"locked_at_ms":          "ps.locked_at_ms",
	"unlocked_at_ms":        "ps.unlocked_at_ms",
	"updated_at":            "ps.updated_at",
}

func orderClause(filter ListFilter) (string, error) {
	if filter.SortBy == "" {
		return "tp.coin, tp.currency", nil
	}
	column, ok := sortColumns[filter.SortBy]
	if !ok {
		return "", fmt.Errorf("unsupported sort field %q", filter.SortBy)
	}
	direction := "ASC"
	if filter.SortDesc {
		direction = "DESC"
	}
	return fmt.Sprintf("%s %s NULLS LAST, tp.coin, tp.currency", column, direction), nil
}

// ListPairSettings joins the tradable-pair catalog against breaker rows so
// every catalog pair appears even before its first configuration. Tolerates
// replica lag, so the read pool is acceptable here.
func (s *Store) ListPairSettings(ctx context.Context, filter ListFilter, limit, offset int) ([]PairListItem, int64, error) {
	pool, err := s.readPool()
	if err != nil {
		return nil, 0, err
	}

	order, err := orderClause(filter)
	if err != nil {
		return nil, 0, err
	}

	var total int64
	if scanErr := pool.QueryRow(ctx, countPairSettingsSQL,
		filter.Coin, filter.Currency, filter.OnlyLocked,
	).Scan(&total); scanErr != nil {
		return nil, 0, fmt.Errorf("count pair settings: %w", scanErr)
	}

	rows, queryErr := pool.Query(ctx, fmt.Sprintf(listPairSettingsSQL, order),
		filter.Coin, filter.Currency, filter.OnlyLocked, limit, offset)
	if queryErr != nil {
		return nil, 0, fmt.Errorf("list pair settings: %w", queryErr)
	}
	defer rows.Close()

	items := make([]PairListItem, 0, limit)
	for rows.Next() {
		item, scanErr := scanPairListItem(rows)
		if scanErr != nil {
			return nil, 0, scanErr
		}
		items = append(items, item)
	}
	if rows.Err() != nil {
		return nil, 0, rows.Err()
	}
	return items, total, nil
}

func scanPairListItem(row rowScanner) (PairListItem, error) {
	var (
		item         PairListItem
		windowSecs   sql.NullInt64
		percentStr   sql.NullString
		durationStr  sql.NullString
		status       sql.NullString
		blockTrading sql.NullBool
		lockedAt     sql.NullInt64
		unlockedAt   sql.NullInt64
		lastPriceStr sql.NullString
		lastTradeID  sql.NullInt64
		updatedAt    sql.NullTime
	)

	if err := row.Scan(
		&item.Pair.Coin,
		&item.Pair.Currency,
		&item.Active,
		&windowSecs,
		&percentStr,
		&durationStr,
		&status,
		&blockTrading,
		&lockedAt,
		&unlockedAt,
		&lastPriceStr,
		&lastTradeID,
		&updatedAt,
	); err != nil {
		return PairListItem{}, err
	}

	// No breaker row yet for this catalog pair.
	if !status.Valid {
		return item, nil
	}

	setting := PairSetting{
		Pair:                item.Pair,
		ListenWindowSeconds: int(windowSecs.Int64),
		Status:              Status(status.String),
		BlockTrading:        blockTrading.Bool,
		UpdatedAt:           updatedAt.Time,
	}

	percent, err := decimal.NewFromString(percentStr.String)
	if err != nil {
		return PairListItem{}, fmt.Errorf("parse breaker percent: %w", err)
	}
	duration, err := decimal.NewFromString(durationStr.String)
	if err != nil {
		return PairListItem{}, fmt.Errorf("parse block duration: %w", err)
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
			return PairListItem{}, fmt.Errorf("parse last price: %w", convErr)
		}
		setting.LastPrice = &price
	}
	if lastTradeID.Valid {
		value := lastTradeID.Int64
		setting.LastTriggerTradeID = &value
	}

	item.Setting = &setting
	return item, nil
}
