package cli

import (
	"github.com/spf13/cobra"
)

// NewRootCommand builds the modguard command tree
func NewRootCommand() *cobra.Command {
	var limitsFile string

	rootCmd := &cobra.Command{
		Use:           "modguard",
		Short:         "modguard - distributed rate limiting and abuse blocking",
		Long:          `modguard gates how often an identifier may trigger a named operation, backed by a shared Redis store so every bot process sees the same usage.`,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVar(&limitsFile, "limits", "", "YAML file with extra limit configs (overrides RATELIMIT_LIMITS_FILE)")

	rootCmd.AddCommand(
		newServeCommand(&limitsFile),
		newCheckCommand(&limitsFile),
		newUsageCommand(&limitsFile),
		newResetCommand(&limitsFile),
		newConfigsCommand(&limitsFile),
	)

	return rootCmd
}
