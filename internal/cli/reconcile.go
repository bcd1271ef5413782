package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"quiz-engine/internal/config"
	"quiz-engine/internal/logging"
)

// NewReconcileCmd runs a single reconciliation pass against the configured backend.
// It is only useful with a shared store; the in-memory backend starts empty.
func NewReconcileCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Heal due dates and re-register pending triggers once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger := logging.NewLogger(logging.ParseLevel(cfg.Log.Level), cfg.Log.Format)
			b, err := openBackend(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer b.Close()
			engine, _, _ := buildEngine(b, cfg, logger)
			report, err := engine.Reconciler.Reconcile(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "exercises=%d healed=%d armed=%d\n", report.Exercises, report.Healed, report.Armed)
			return err
		},
	}
}
