package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rxledger/notesfeed/internal/backend"
	"github.com/rxledger/notesfeed/internal/feed"
	"github.com/rxledger/notesfeed/internal/metrics"
	"github.com/rxledger/notesfeed/internal/notify"
	"github.com/rxledger/notesfeed/internal/session"
)

func newFollowCmd(a *app) *cobra.Command {
	var (
		tokenFile   string
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "follow",
		Short: "Follow the shared notes of the signed-in scope",
		Long: `Run the feed engine headless, printing the feed every time it changes.
The session token file is watched: switching organization reloads the feed and
signing out stops it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := firstNonEmpty(tokenFile, a.cfg.Session.TokenFile)
			if path == "" {
				return errors.New("a session token file is required (--token-file or NOTESFEED_TOKEN_FILE)")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.follow(ctx, path, metricsAddr)
		},
	}
	cmd.Flags().StringVar(&tokenFile, "token-file", "", "session token file (default from config)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve engine metrics on this address (off when empty)")
	return cmd
}

// engineParts is everything an engine run owns and must release.
type engineParts struct {
	engine  *feed.Engine
	backend backend.Backend
	sink    notify.Sink
	probe   *session.Probe
}

func (p *engineParts) Close() {
	p.engine.Close()
	_ = p.sink.Close()
	_ = p.backend.Close()
}

func (a *app) newEngine(sess feed.SessionProvider, token func() string, renderer feed.Renderer, m *metrics.Metrics) (*engineParts, error) {
	b, err := backend.Open(a.cfg.Backend.DSN, backend.Options{
		AutoMigrate: a.cfg.Backend.AutoMigrate,
		Logger:      a.logger.With().Str("component", "backend").Logger(),
		Token:       token,
	})
	if err != nil {
		return nil, err
	}
	sink, err := notify.Open(a.cfg.Notify.DSN, a.logger.With().Str("component", "notify").Logger())
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	probe := session.NewProbe(b, a.cfg.Session.ProbeInterval, a.logger.With().Str("component", "probe").Logger())
	engine, err := feed.NewEngine(feed.Options{
		Backend:             b,
		Session:             sess,
		Connectivity:        probe,
		Publisher:           sink,
		Renderer:            renderer,
		Logger:              a.logger.With().Str("component", "feed").Logger(),
		Metrics:             m,
		PollInterval:        a.cfg.Sync.PollInterval,
		SchemaRetryInterval: a.cfg.Sync.SchemaRetryInterval,
		PollJitter:          a.cfg.Sync.PollJitter,
		PageLimit:           a.cfg.Sync.PageLimit,
		ResyncEvery:         a.cfg.Sync.ResyncEvery,
		NameCooldown:        a.cfg.Names.Cooldown,
	})
	if err != nil {
		_ = sink.Close()
		_ = b.Close()
		return nil, err
	}
	return &engineParts{engine: engine, backend: b, sink: sink, probe: probe}, nil
}

func (a *app) follow(ctx context.Context, tokenPath, metricsAddr string) error {
	sess := session.NewFileSession(tokenPath, a.logger.With().Str("component", "session").Logger())
	var m *metrics.Metrics
	var metricsServer *http.Server
	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		m = metrics.New(reg)
		metricsServer = &http.Server{
			Addr:              metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	parts, err := a.newEngine(sess, sess.Token, newTerminalRenderer(a.stdout), m)
	if err != nil {
		return err
	}
	defer parts.Close()
	engine := parts.engine

	// followScope loads whatever scope the session currently points at.
	followScope := func() {
		scope, ok := sess.CurrentScopeID()
		if !ok {
			a.logger.Info().Msg("signed out, feed stopped")
			if err := engine.Unload(ctx); err != nil && !errors.Is(err, feed.ErrClosed) {
				a.logger.Warn().Err(err).Msg("unloading feed failed")
			}
			return
		}
		if _, err := engine.Load(ctx, scope); err != nil && !errors.Is(err, feed.ErrClosed) && ctx.Err() == nil {
			a.logger.Warn().Err(err).Str("scope", scope).Msg("loading feed failed")
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := engine.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		parts.probe.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return sess.Watch(gctx, followScope)
	})
	if metricsServer != nil {
		g.Go(func() error {
			err := metricsServer.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return metricsServer.Shutdown(shutdownCtx)
		})
		a.logger.Info().Str("addr", metricsAddr).Msg("serving engine metrics")
	}
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case notice := <-engine.Notices():
				fmt.Fprintf(a.stderr, "! %s\n", notice.Message)
			}
		}
	})

	followScope()
	return g.Wait()
}

func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "<unparseable dsn>"
	}
	return u.Redacted()
}
