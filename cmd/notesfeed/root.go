package main

import (
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rxledger/notesfeed/internal/config"
)

// app carries what every subcommand needs once the root pre-run has loaded
// configuration.
type app struct {
	configPath string
	verbose    bool

	cfg    config.Config
	logger zerolog.Logger
	stdout io.Writer
	stderr io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}
	root := &cobra.Command{
		Use:   "notesfeed",
		Short: "Shared notes feed: dev server, headless follower and helpers",
		Long: `notesfeed keeps a scope's shared notes in sync between a backend and
its readers. Configuration comes from an optional YAML file and NOTESFEED_*
environment variables.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "YAML config file (default $NOTESFEED_CONFIG)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(
		newServeCmd(a),
		newFollowCmd(a),
		newPostCmd(a),
		newTokenCmd(a),
	)
	return root
}

func (a *app) load() error {
	bootstrap := newLogger(a.stderr, zerolog.InfoLevel)
	cfg, err := config.Load(a.configPath, bootstrap)
	if err != nil {
		return err
	}
	level := cfg.Level()
	if a.verbose {
		level = zerolog.DebugLevel
	}
	a.cfg = cfg
	a.logger = newLogger(a.stderr, level)
	return nil
}

func newLogger(w io.Writer, level zerolog.Level) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}).
		Level(level).
		With().
		Timestamp().
		Logger()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
