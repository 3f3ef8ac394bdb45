package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"sutfleet/internal/config"
	"sutfleet/internal/logchan"
	"sutfleet/internal/server"
)

func newFleetCmd() *cobra.Command {
	var (
		fleetFile string
		addr      string
		startAll  bool
	)

	cmd := &cobra.Command{
		Use:   "fleet",
		Short: "Run the session fleet and its control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if cmd.Flags().Changed("fleet-file") {
				cfg.Control.FleetFile = fleetFile
			}
			if cmd.Flags().Changed("addr") {
				cfg.Control.Addr = addr
			}

			// Every module logs through the channel so sessions can capture
			// what runs during their batch.
			channel := logchan.New(newLogger(cfg))
			logger := slog.New(channel.Handler())
			slog.SetDefault(logger)

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			deps, err := server.InitDeps(ctx, cfg, logger)
			if err != nil {
				logger.Error("Failed to initialise dependencies", "error", err)
				return err
			}
			defer deps.Close()

			srv, err := server.NewFleetServer(cfg, deps, channel)
			if err != nil {
				logger.Error("Failed to build fleet", "error", err)
				return err
			}
			if err := srv.Start(ctx, startAll); err != nil {
				logger.Error("Server error", "error", err)
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&fleetFile, "fleet-file", "multi_sut_config.json", "fleet file to load at start")
	cmd.Flags().StringVar(&addr, "addr", ":8080", "control API listen address")
	cmd.Flags().BoolVar(&startAll, "start-all", false, "start every session once the fleet is loaded")
	return cmd
}
