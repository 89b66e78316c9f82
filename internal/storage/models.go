package storage

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status toggles breaker monitoring, globally or per pair.
type Status string

const (
	StatusEnabled  Status = "enabled"
	StatusDisabled Status = "disabled"
)

// ParseStatus validates an operator-supplied status string.
func ParseStatus(v string) (Status, error) {
	switch Status(v) {
	case StatusEnabled, StatusDisabled:
		return Status(v), nil
	default:
		return "", fmt.Errorf("invalid status %q, want enabled or disabled", v)
	}
}

// Pair identifies a tradable market, e.g. (BTC, USDT).
type Pair struct {
	Coin     string `json:"coin"`
	Currency string `json:"currency"`
}

// String renders the conventional COIN/CURRENCY form.
func (p Pair) String() string {
	return p.Coin + "/" + p.Currency
}

// Key returns a stable cache/map key including both legs.
func (p Pair) Key() string {
	return fmt.Sprintf("%s:%s", p.Coin, p.Currency)
}

// GlobalSetting is the singleton master switch.
type GlobalSetting struct {
	Status    Status    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PairSetting 保存单个交易对的熔断配置与当前锁状态。
// LockedAtMs 与 UnlockedAtMs 要么同时为空，要么同时有值。
type PairSetting struct {
	Pair                Pair             `json:"pair"`
	ListenWindowSeconds int              `json:"listen_window_seconds"`
	BreakerPercent      decimal.Decimal  `json:"breaker_percent"`
	BlockDurationHours  decimal.Decimal  `json:"block_duration_hours"`
	Status              Status           `json:"status"`
	BlockTrading        bool             `json:"block_trading"`
	LockedAtMs          *int64           `json:"locked_at_ms"`
	UnlockedAtMs        *int64           `json:"unlocked_at_ms"`
	LastPrice           *decimal.Decimal `json:"last_price"`
	LastTriggerTradeID  *int64           `json:"last_trigger_trade_id"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// UnlockDue reports whether an active lock has expired at the given instant.
func (s *PairSetting) UnlockDue(nowMs int64) bool {
	return s.BlockTrading && s.UnlockedAtMs != nil && nowMs >= *s.UnlockedAtMs
}

// ExecutedTrade is the immutable input delivered after each fill.
type ExecutedTrade struct {
	Pair         Pair            `json:"pair"`
	Price        decimal.Decimal `json:"price"`
	ExecutedAtMs int64           `json:"executed_at_ms"`
	TradeID      int64           `json:"trade_id"`
}

// TradePrice is one row of the time-indexed price history.
type TradePrice struct {
	Pair       Pair
	TradeID    int64
	Price      decimal.Decimal
	TradedAtMs int64
}

// PairListItem joins the tradable-pair catalog with its breaker row, if any.
type PairListItem struct {
	Pair    Pair
	Active  bool
	Setting *PairSetting
}

// ListFilter narrows and orders ListPairSettings results. SortBy must be
// one of the whitelisted breaker fields; empty means pair order.
type ListFilter struct {
	Coin       string
	Currency   string
	OnlyLocked bool
	SortBy     string
	SortDesc   bool
}
