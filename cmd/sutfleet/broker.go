package main

import (
	"context"
	"log/slog"
	"net"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"sutfleet/internal/config"
	"sutfleet/internal/server"
)

func newBrokerCmd() *cobra.Command {
	var (
		host          string
		port          int
		omniparserURL string
		timeout       int
		capacity      int
	)

	cmd := &cobra.Command{
		Use:   "broker",
		Short: "Run the inference request broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			flags := cmd.Flags()
			if flags.Changed("host") || flags.Changed("port") {
				h, p, err := net.SplitHostPort(cfg.Broker.Addr)
				if err != nil {
					h, p = "", "9000"
				}
				if flags.Changed("host") {
					h = host
				}
				if flags.Changed("port") {
					p = strconv.Itoa(port)
				}
				cfg.Broker.Addr = net.JoinHostPort(h, p)
			}
			if flags.Changed("omniparser-url") {
				cfg.Broker.TargetURL = omniparserURL
			}
			if flags.Changed("timeout") {
				cfg.Broker.RequestTimeout = time.Duration(timeout) * time.Second
			}
			if flags.Changed("capacity") {
				cfg.Broker.QueueCapacity = capacity
			}

			logger := slog.New(newLogger(cfg))
			slog.SetDefault(logger)

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			srv := server.NewBrokerServer(cfg, logger)
			if err := srv.Start(ctx); err != nil {
				logger.Error("Server error", "error", err)
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "host to bind to")
	cmd.Flags().IntVar(&port, "port", 9000, "port to run the broker on")
	cmd.Flags().StringVar(&omniparserURL, "omniparser-url", "http://localhost:8000", "vision backend URL")
	cmd.Flags().IntVar(&timeout, "timeout", 120, "per-request timeout in seconds")
	cmd.Flags().IntVar(&capacity, "capacity", 100, "maximum outstanding requests")
	return cmd
}
