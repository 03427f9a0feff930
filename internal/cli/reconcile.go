package cli

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/seantiz/opstrack/internal/config"
)

// NewReconcileCommand creates the reconcile command.
func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass and print its report",
		Long: `Run a single reconciliation pass against the configured record store and
execution history, then print the pass report as JSON.

Executions are only inspected, never resumed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts, cmd, map[string]string{})
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			logger := config.NewLogger(os.Stderr, cfg.Level())
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(ctx))

			report, err := a.reconciler.Run(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	return cmd
}
