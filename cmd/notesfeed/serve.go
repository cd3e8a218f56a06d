package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/rxledger/notesfeed/internal/backend"
	"github.com/rxledger/notesfeed/internal/httpapi"
	"github.com/rxledger/notesfeed/internal/metrics"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dev notes server",
		Long:  `Serve the configured backend over HTTP with JWT auth, a WebSocket insert stream and /metrics.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, firstNonEmpty(addr, a.cfg.Server.Addr))
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config, :8080)")
	return cmd
}

func (a *app) newServer() (*httpapi.Server, backend.Backend, error) {
	b, err := backend.Open(a.cfg.Backend.DSN, backend.Options{
		AutoMigrate: a.cfg.Backend.AutoMigrate,
		Logger:      a.logger.With().Str("component", "backend").Logger(),
	})
	if err != nil {
		return nil, nil, err
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	server := httpapi.NewServerWithConfig(b, httpapi.ServerConfig{
		JWTSecret:       a.cfg.Server.JWTSecret,
		RateLimitMax:    a.cfg.Server.RateLimitMax,
		RateLimitWindow: a.cfg.Server.RateLimitWindow,
		MaxBodyBytes:    a.cfg.Server.MaxBodyBytes,
		Logger:          a.logger.With().Str("component", "httpapi").Logger(),
		Metrics:         metrics.New(reg),
		Gatherer:        reg,
	})
	return server, b, nil
}

func (a *app) serve(ctx context.Context, addr string) error {
	server, b, err := a.newServer()
	if err != nil {
		return err
	}
	defer b.Close()
	if a.cfg.Server.JWTSecret == "" {
		a.logger.Warn().Msg("no jwt secret configured, using the development secret")
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	a.logger.Info().Str("addr", addr).Str("backend", redactDSN(a.cfg.Backend.DSN)).Msg("notesfeed listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.logger.Info().Msg("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
