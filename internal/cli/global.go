package cli

import (
	"github.com/spf13/cobra"

	"trade-halt-breaker/internal/storage"
)

var globalCmd = &cobra.Command{
	Use:   "global",
	Short: "Control the global breaker switch",
}

var globalEnableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Enable the breaker globally",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SetGlobal(cmd.Context(), storage.StatusEnabled)
	},
}

var globalDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Disable the breaker globally; all pairs trade freely",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SetGlobal(cmd.Context(), storage.StatusDisabled)
	},
}

func init() {
	globalCmd.AddCommand(globalEnableCmd)
	globalCmd.AddCommand(globalDisableCmd)
}
