package cli

import (
	"github.com/spf13/cobra"

	"trade-halt-breaker/internal/app"
)

var (
	statusCoin     string
	statusCurrency string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether a pair currently accepts new orders",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Status(cmd.Context(), app.StatusOptions{
			Coin:     statusCoin,
			Currency: statusCurrency,
		})
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusCoin, "coin", "", "Base asset, e.g. BTC")
	statusCmd.Flags().StringVar(&statusCurrency, "currency", "", "Quote asset, e.g. USDT")
	_ = statusCmd.MarkFlagRequired("coin")
	_ = statusCmd.MarkFlagRequired("currency")
}
