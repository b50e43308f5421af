package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hyp3rd/ewrap"
	"github.com/spf13/cobra"

	"github.com/hyp3rd/distcache"
	"github.com/hyp3rd/distcache/internal/logging"
	"github.com/hyp3rd/distcache/pkg/config"
)

const shutdownTimeout = 10 * time.Second

func loadConfig() (config.Config, error) {
	if configFile == "" {
		cfg := config.Defaults()

		return cfg, cfg.Validate()
	}

	return config.Load(configFile)
}

func serveCmd() *cobra.Command {
	var (
		logLevel string
		mgmtAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the node and serve until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return ewrap.Wrap(err, "load config")
			}

			if cmd.Flags().Changed("log-level") {
				cfg.Logging.Level = logLevel
			}

			if cmd.Flags().Changed("mgmt-addr") {
				cfg.Management.Addr = mgmtAddr
			}

			log, err := logging.New(cfg.Logging)
			if err != nil {
				return ewrap.Wrap(err, "init logging")
			}

			node, err := distcache.New(cfg, distcache.WithLogger(log))
			if err != nil {
				return ewrap.Wrap(err, "create node")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			err = node.Start(ctx)
			if err != nil {
				return ewrap.Wrap(err, "start node")
			}

			var mgmt *distcache.ManagementHTTPServer
			if cfg.Management.Addr != "" {
				mgmt = distcache.NewManagementHTTPServer(cfg.Management.Addr, distcache.WithMgmtLogger(log))

				err = mgmt.Start(ctx, node)
				if err != nil {
					if stopErr := node.Stop(context.Background()); stopErr != nil {
						log.Error().Err(stopErr).Msg("node stop")
					}

					return ewrap.Wrap(err, "start management server")
				}
			}

			<-ctx.Done()
			log.Info().Msg("shutdown signal received")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if mgmt != nil {
				if err := mgmt.Shutdown(shutdownCtx); err != nil {
					log.Error().Err(err).Msg("management server shutdown")
				}
			}

			return node.Stop(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&mgmtAddr, "mgmt-addr", "", "Management HTTP listen address, empty to disable")

	return cmd
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the config file and print the effective settings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return ewrap.Wrap(err, "load config")
			}

			fmt.Fprintf(cmd.OutOrStdout(), "node %s:%d, %d peers, replication factor %d, default level %s, transport %s/%s\n",
				cfg.Node.Host, cfg.Node.Port, len(cfg.Cluster.Peers), cfg.Cluster.ReplicationFactor,
				cfg.Consistency.DefaultLevel, cfg.Transport.Kind, cfg.Transport.Serializer)

			return nil
		},
	}
}
