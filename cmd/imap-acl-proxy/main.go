package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"imap-acl-proxy/internal/config"
	"imap-acl-proxy/internal/metrics"
	"imap-acl-proxy/internal/proxy"
)

const version = "0.1.0"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	var listen string
	var verbose bool

	root := &cobra.Command{
		Use:           "imap-acl-proxy",
		Short:         "IMAP proxy enforcing per-folder, per-action access control",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.toml", "path to configuration file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, listen, verbose)
		},
	}
	serve.Flags().StringVarP(&listen, "listen", "l", "", "listen address (overrides config)")

	checkConfig := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Printf("config ok: %d upstreams, %d users\n", len(cfg.Upstreams), len(cfg.Users))
			return nil
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("imap-acl-proxy " + version)
		},
	}

	root.AddCommand(serve, checkConfig, versionCmd)
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())
	return root
}

func runServe(configPath, listen string, verbose bool) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", "err", err)
		return err
	}
	if listen != "" {
		cfg.Server.Listen = listen
	}

	logger.Info("starting imap-acl-proxy",
		"listen", cfg.Server.Listen,
		"upstreams", len(cfg.Upstreams),
		"users", len(cfg.Users))

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	srv := proxy.NewServer(cfg, logger, m)

	var metricsSrv *http.Server
	if cfg.Server.MetricsListen != "" {
		metricsSrv = &http.Server{
			Addr:    cfg.Server.MetricsListen,
			Handler: metrics.Handler(registry),
		}
	}

	// Handle signals for graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		srv.Close()
		if metricsSrv != nil {
			metricsSrv.Close()
		}
	}()

	var g errgroup.Group
	g.Go(srv.ListenAndServe)
	if metricsSrv != nil {
		g.Go(func() error {
			logger.Info("metrics listening", "addr", cfg.Server.MetricsListen)
			if err := metricsSrv.ListenAndServe(); err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
		return err
	}
	return nil
}
