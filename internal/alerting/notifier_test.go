package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"trade-halt-breaker/internal/storage"
)

func testAlert() Alert {
	return Alert{
		Pair:      storage.Pair{Coin: "BTC", Currency: "USDT"},
		Operation: "lock",
		TradeID:   7,
		Reason:    "write failed",
		At:        time.Now(),
	}
}

func TestTelegramAlerterSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	alerter := NewTelegramAlerter("token", "chat", srv.URL, time.Second, testLogger())
	if err := alerter.Alert(context.Background(), testAlert()); err != nil {
		t.Fatalf("Telegram Alert 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	text := received["text"]
	if !strings.Contains(text, "BTC/USDT") {
		t.Fatalf("消息应包含交易对: %q", text)
	}
	if !strings.Contains(text, "lock") {
		t.Fatalf("消息应包含操作类型: %q", text)
	}
}

func TestTelegramAlerterNotOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	alerter := NewTelegramAlerter("token", "chat", srv.URL, time.Second, testLogger())
	if err := alerter.Alert(context.Background(), testAlert()); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestTelegramAlerterHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	alerter := NewTelegramAlerter("token", "chat", srv.URL, time.Second, testLogger())
	if err := alerter.Alert(context.Background(), testAlert()); err == nil {
		t.Fatal("非 2xx 响应应报错")
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
