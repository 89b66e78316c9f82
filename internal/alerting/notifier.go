package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"trade-halt-breaker/internal/storage"
)

// Alert 封装一次熔断持久化失败的上下文。未落库的锁意味着熔断器
// 实际没有生效，必须让运维立刻看到。
type Alert struct {
	Pair      storage.Pair
	Operation string // "lock" or "unlock"
	TradeID   int64
	Reason    string
	At        time.Time
}

// Alerter 定义运维告警输送接口。
type Alerter interface {
	Alert(ctx context.Context, alert Alert) error
}

// TelegramAlerter 通过 Telegram Bot API 推送消息。
type TelegramAlerter struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramAlerter 构造 Telegram 告警器。
func NewTelegramAlerter(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramAlerter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramAlerter{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Alert 调用 sendMessage API 推送文本。
func (n *TelegramAlerter) Alert(ctx context.Context, alert Alert) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(alert),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Str("pair", alert.Pair.String()).
		Str("operation", alert.Operation).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(alert Alert) string {
	builder := strings.Builder{}
	builder.WriteString("[Circuit Breaker Alert]\n")
	builder.WriteString(fmt.Sprintf("Pair: %s\n", alert.Pair.String()))
	builder.WriteString(fmt.Sprintf("Operation: %s transition FAILED to persist\n", alert.Operation))
	if alert.TradeID != 0 {
		builder.WriteString(fmt.Sprintf("Trigger trade: %d\n", alert.TradeID))
	}
	builder.WriteString(fmt.Sprintf("Reason: %s\n", alert.Reason))
	builder.WriteString(fmt.Sprintf("At: %s UTC\n", alert.At.UTC().Format(time.RFC3339)))
	builder.WriteString("Trading state may be inconsistent; verify the pair manually.")
	return builder.String()
}

var _ Alerter = (*TelegramAlerter)(nil)
