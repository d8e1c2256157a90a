package cli

import (
	"github.com/spf13/cobra"

	"github.com/mohammadhprp/modguard/internal/handler"
	"github.com/mohammadhprp/modguard/internal/service"
)

func newCheckCommand(limitsFile *string) *cobra.Command {
	var privileged bool

	cmd := &cobra.Command{
		Use:   "check <config> <identifier>",
		Short: "Count one request and print the decision",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(*limitsFile)
			if err != nil {
				return err
			}
			defer a.close()

			decision, err := a.rateLimit.CheckEvent(cmd.Context(), service.Event{
				ConfigName: args[0],
				Identifier: args[1],
				Privileged: privileged,
			})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), handler.NewCheckResponse(decision))
		},
	}

	cmd.Flags().BoolVar(&privileged, "privileged", false, "Use the privileged (admin) namespace")
	return cmd
}

func newUsageCommand(limitsFile *string) *cobra.Command {
	var privileged bool

	cmd := &cobra.Command{
		Use:   "usage <config> <identifier>",
		Short: "Print usage without counting a request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(*limitsFile)
			if err != nil {
				return err
			}
			defer a.close()

			snapshot, err := a.rateLimit.GetUsageInfo(cmd.Context(), args[0], service.Identifier(args[1], privileged))
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), snapshot)
		},
	}

	cmd.Flags().BoolVar(&privileged, "privileged", false, "Use the privileged (admin) namespace")
	return cmd
}

func newResetCommand(limitsFile *string) *cobra.Command {
	var privileged bool

	cmd := &cobra.Command{
		Use:   "reset <config> <identifier>",
		Short: "Clear the counter and any block for an identifier",
		Long: `Clear the counter and any block for an identifier in the shared store.

Running servers drop their cached copy of the block within
RATELIMIT_CACHE_MAX_AGE (5s by default). With a max age of 0 they keep
denying until the block would have expired.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(*limitsFile)
			if err != nil {
				return err
			}
			defer a.close()

			identifier := service.Identifier(args[1], privileged)
			ok, err := a.rateLimit.ResetLimit(cmd.Context(), args[0], identifier)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"reset":      ok,
				"config":     args[0],
				"identifier": identifier,
			})
		},
	}

	cmd.Flags().BoolVar(&privileged, "privileged", false, "Use the privileged (admin) namespace")
	return cmd
}

func newConfigsCommand(limitsFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "configs",
		Short: "List registered limit configs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(*limitsFile)
			if err != nil {
				return err
			}
			defer a.close()

			return writeJSON(cmd.OutOrStdout(), a.rateLimit.ListConfigs())
		},
	}
}
