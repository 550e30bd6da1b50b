package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/xaenox/mailmate/internal/optimizer"
	"go.uber.org/zap"
)

var userEmail string

var optimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Run one optimization pass",
	Long: `Promote every (user, task) pair scoring below the threshold to the
alternate prompt strategy. Changes are recorded with the scheduled
optimization reason, as a cron-driven run would.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context(), false, false)
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.svc.Optimize(cmd.Context(), userEmail, optimizer.TriggerScheduled)
		if err != nil {
			return err
		}
		a.logger.Info("Optimization complete",
			zap.Int("changes", len(report.Changes)),
			zap.Int("failures", len(report.Failures)))
		return printJSON(report)
	},
}

var performanceCmd = &cobra.Command{
	Use:   "performance",
	Short: "Print feedback metrics per task",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context(), false, false)
		if err != nil {
			return err
		}
		defer a.Close()

		report, err := a.svc.Performance(cmd.Context(), userEmail)
		if err != nil {
			return err
		}
		return printJSON(report)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print strategy changes, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context(), false, false)
		if err != nil {
			return err
		}
		defer a.Close()

		changes, err := a.svc.History(cmd.Context(), userEmail)
		if err != nil {
			return err
		}
		return printJSON(changes)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()

		if cfg.Database.UseInMemory {
			return fmt.Errorf("migrate needs a PostgreSQL database, use_in_memory is set")
		}
		store, err := openStorage(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		return store.Close()
	},
}

func init() {
	for _, c := range []*cobra.Command{optimizeCmd, performanceCmd, historyCmd} {
		c.Flags().StringVarP(&userEmail, "user", "u", "", "restrict to one user email")
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
