package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quantmill/marketsync/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "marketsync",
	Short: "Periodic market data ingestion pipeline",
	Long:  "Fetches time-series market data from an HTTP provider, cleans and deduplicates it against the business key, and loads it into market_data.* Postgres tables.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

// exitCodeError carries a process exit code out of a RunE. Anything else
// that escapes Execute counts as a startup error and exits 2.
type exitCodeError struct {
	code int
	msg  string
}

func (e *exitCodeError) Error() string { return e.msg }

func main() {
	if err := rootCmd.Execute(); err != nil {
		var coded *exitCodeError
		if errors.As(err, &coded) {
			os.Exit(coded.code)
		}
		os.Exit(2)
	}
}
