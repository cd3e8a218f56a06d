package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/rxledger/notesfeed/internal/session"
)

func newTokenCmd(a *app) *cobra.Command {
	var (
		scope  string
		author string
		secret string
		ttl    time.Duration
		out    string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development session token",
		Long: `Sign a token for an author in a scope with the server's JWT secret. With
--out the token is written to a file that follow and post can watch.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key := firstNonEmpty(secret, a.cfg.Server.JWTSecret, "dev-secret")
			token, err := session.IssueToken(key, scope, author, ttl, time.Now())
			if err != nil {
				return err
			}
			if out == "" {
				fmt.Fprintln(a.stdout, token)
				return nil
			}
			return writeTokenFile(out, token)
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "scope (organization) id")
	cmd.Flags().StringVar(&author, "author", "", "author id")
	cmd.Flags().StringVar(&secret, "secret", "", "signing secret (default from config, then dev-secret)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the token to this file instead of stdout")
	_ = cmd.MarkFlagRequired("scope")
	_ = cmd.MarkFlagRequired("author")
	return cmd
}

// writeTokenFile replaces path atomically so watchers never see a partial
// token.
func writeTokenFile(path, token string) error {
	if path == "" {
		return errors.New("token file path is empty")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".token-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(token + "\n"); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
