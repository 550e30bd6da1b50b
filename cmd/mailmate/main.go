package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "mailmate",
	Short: "Email assistant with feedback-driven prompt optimization",
	Long: `mailmate summarises email threads, extracts action items and drafts
replies, learning from user ratings which prompt strategy works best.

Available subcommands:
  serve       - Run the HTTP API, scheduler and operator bot
  optimize    - Run one optimization pass
  performance - Print feedback metrics
  history     - Print strategy changes
  migrate     - Apply database migrations`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to config file (empty for defaults and env only)")

	rootCmd.AddCommand(serveCmd, optimizeCmd, performanceCmd, historyCmd, migrateCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
