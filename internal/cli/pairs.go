package cli

import (
	"github.com/spf13/cobra"

	"trade-halt-breaker/internal/app"
)

var (
	pairsCoin       string
	pairsCurrency   string
	pairsOnlyLocked bool
	pairsSortBy     string
	pairsSortDesc   bool
	pairsLimit      int
	pairsOffset     int
)

var pairsCmd = &cobra.Command{
	Use:   "pairs",
	Short: "List tradable pairs with their breaker settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Pairs(cmd.Context(), app.PairsOptions{
			Coin:       pairsCoin,
			Currency:   pairsCurrency,
			OnlyLocked: pairsOnlyLocked,
			SortBy:     pairsSortBy,
			SortDesc:   pairsSortDesc,
			Limit:      pairsLimit,
			Offset:     pairsOffset,
		})
	},
}

func init() {
	pairsCmd.Flags().StringVar(&pairsCoin, "coin", "", "Filter by base asset")
	pairsCmd.Flags().StringVar(&pairsCurrency, "currency", "", "Filter by quote asset")
	pairsCmd.Flags().BoolVar(&pairsOnlyLocked, "locked", false, "Show only pairs with trading blocked")
	pairsCmd.Flags().StringVar(&pairsSortBy, "sort", "", "Sort by a breaker field, e.g. unlocked_at_ms or breaker_percent")
	pairsCmd.Flags().BoolVar(&pairsSortDesc, "desc", false, "Sort descending")
	pairsCmd.Flags().IntVar(&pairsLimit, "limit", 50, "Maximum rows to print")
	pairsCmd.Flags().IntVar(&pairsOffset, "offset", 0, "Rows to skip")
}
