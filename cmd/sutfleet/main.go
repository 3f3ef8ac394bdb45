package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"sutfleet/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "sutfleet",
	Short: "Coordinates UI automation sessions across a fleet of SUTs",
	Long: `sutfleet runs one automation session per system under test and serializes
their screen-parsing requests through a single inference broker.`,
	SilenceUsage: true,
}

func main() {
	rootCmd.AddCommand(newBrokerCmd(), newFleetCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) slog.Handler {
	return slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Logging.Level,
	})
}
