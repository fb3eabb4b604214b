// Command sarswarm runs search-and-rescue gossip experiments and analyses
// their traces.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"sarswarm.ai/internal/logging"
)

var (
	logLevel string
	devLog   bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "sarswarm",
	Short:         "Scoped gossip search-and-rescue simulator",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.New(logging.Options{Level: logLevel, Development: devLog})
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&devLog, "dev-log", false, "human-readable console logging")
	rootCmd.AddCommand(newRunCmd(), newAnalyzeCmd(), newInspectCmd())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "sarswarm:", err)
		os.Exit(1)
	}
}
