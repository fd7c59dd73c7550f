package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pairwave/pairwave/internal/config"
	"github.com/pairwave/pairwave/internal/httpserver"
	"github.com/pairwave/pairwave/internal/metrics"
	"github.com/pairwave/pairwave/internal/token"
)

var tokendCmd = &cobra.Command{
	Use:   "tokend [flags]",
	Short: "Run the token issuance service",
	// Flags are parsed by the config layer so env, .env and flags share
	// one code path.
	DisableFlagParsing: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTokend(args)
	},
}

func init() {
	rootCmd.AddCommand(tokendCmd)
}

func runTokend(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	logger.Info("starting pairwave tokend",
		"listen_addr", cfg.ListenAddr,
		"mode", string(cfg.Mode),
		"token_ttl", cfg.TokenTTL,
		"rate_limit_max", cfg.TokenMaxRequests,
		"rate_limit_window", cfg.TokenRateWindow,
	)
	if cfg.Mode != config.ModeProd {
		logger.Warn("dev mode: using the built-in token secret")
	}

	regs := metrics.New()
	svc := token.NewService(token.ServiceConfig{
		Secret:      cfg.TokenSecret,
		TTL:         cfg.TokenTTL,
		MaxRequests: cfg.TokenMaxRequests,
		Window:      cfg.TokenRateWindow,
	})

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})
	token.NewHandler(svc, logger, regs).RegisterRoutes(srv.Mux())
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(regs))

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed, forcing close", "err", err)
		return srv.Close()
	}
	return nil
}
