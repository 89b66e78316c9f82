package cli

import (
	"github.com/spf13/cobra"

	"trade-halt-breaker/internal/app"
)

var (
	setPairCoin     string
	setPairCurrency string
	setPairWindow   int
	setPairPercent  string
	setPairDuration string
	setPairStatus   string
)

var setPairCmd = &cobra.Command{
	Use:   "set-pair",
	Short: "Create or update a pair's breaker settings",
	Long: "Create or update a pair's breaker settings. Missing fields fall back " +
		"to the configured template when the pair is first created and stay " +
		"unchanged on later updates.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SetPair(cmd.Context(), app.SetPairOptions{
			Coin:                setPairCoin,
			Currency:            setPairCurrency,
			ListenWindowSeconds: setPairWindow,
			BreakerPercent:      setPairPercent,
			BlockDurationHours:  setPairDuration,
			Status:              setPairStatus,
		})
	},
}

func init() {
	setPairCmd.Flags().StringVar(&setPairCoin, "coin", "", "Base asset, e.g. BTC")
	setPairCmd.Flags().StringVar(&setPairCurrency, "currency", "", "Quote asset, e.g. USDT")
	setPairCmd.Flags().IntVar(&setPairWindow, "window", 0, "Listen window in seconds")
	setPairCmd.Flags().StringVar(&setPairPercent, "percent", "", "Fluctuation threshold in percent, e.g. 10 or 7.5")
	setPairCmd.Flags().StringVar(&setPairDuration, "duration", "", "Block duration in hours, e.g. 24 or 0.5")
	setPairCmd.Flags().StringVar(&setPairStatus, "status", "", "Monitoring status: enabled or disabled")
	_ = setPairCmd.MarkFlagRequired("coin")
	_ = setPairCmd.MarkFlagRequired("currency")
}
