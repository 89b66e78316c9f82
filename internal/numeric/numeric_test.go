package numeric

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestFluctuationPercent(t *testing.T) {
	cases := []struct {
		name      string
		price     string
		reference string
		want      string
	}{
		{"上涨10%", "110", "100", "10"},
		{"下跌10%", "90", "100", "10"},
		{"持平", "100", "100", "0"},
		{"循环小数截断", "100", "3", "3233.333333333333"},
		{"小数价格", "0.00000123", "0.000001", "23"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			price := decimal.RequireFromString(tc.price)
			reference := decimal.RequireFromString(tc.reference)

			got, err := FluctuationPercent(price, reference)
			if err != nil {
				t.Fatalf("计算波动率失败: %v", err)
			}
			if got.String() != tc.want {
				t.Fatalf("波动率不正确: got %s want %s", got.String(), tc.want)
			}
		})
	}
}

func TestFluctuationPercentZeroReference(t *testing.T) {
	_, err := FluctuationPercent(decimal.NewFromInt(100), decimal.Zero)
	if !errors.Is(err, ErrDivisionByZero) {
		t.Fatalf("参考价为零应返回 ErrDivisionByZero, 实际 %v", err)
	}

	_, err = FluctuationPercent(decimal.NewFromInt(100), decimal.NewFromInt(-1))
	if !errors.Is(err, ErrDivisionByZero) {
		t.Fatalf("参考价为负应返回 ErrDivisionByZero, 实际 %v", err)
	}
}

func TestFluctuationPercentTruncatesNotRounds(t *testing.T) {
	// 2/3*100 = 66.666..., 截断到 12 位而不是四舍五入。
	got, err := FluctuationPercent(decimal.NewFromInt(5), decimal.NewFromInt(3))
	if err != nil {
		t.Fatalf("计算波动率失败: %v", err)
	}
	if got.String() != "66.666666666666" {
		t.Fatalf("截断结果不正确: %s", got.String())
	}
}

func TestHoursToMillis(t *testing.T) {
	if got := HoursToMillis(decimal.NewFromInt(24)); got != 24*3_600_000 {
		t.Fatalf("24 小时换算错误: %d", got)
	}
	if got := HoursToMillis(decimal.RequireFromString("0.5")); got != 1_800_000 {
		t.Fatalf("0.5 小时换算错误: %d", got)
	}
	// 亚毫秒部分截断。
	if got := HoursToMillis(decimal.RequireFromString("0.0000000001")); got != 0 {
		t.Fatalf("亚毫秒应截断为零: %d", got)
	}
}

func TestSecondsToMillis(t *testing.T) {
	if got := SecondsToMillis(300); got != 300_000 {
		t.Fatalf("秒换算错误: %d", got)
	}
}
