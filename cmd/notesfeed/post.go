package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rxledger/notesfeed/internal/feed"
	"github.com/rxledger/notesfeed/internal/notes"
	"github.com/rxledger/notesfeed/internal/session"
)

const postTimeout = 30 * time.Second

func newPostCmd(a *app) *cobra.Command {
	var (
		tokenFile string
		scope     string
		author    string
	)
	cmd := &cobra.Command{
		Use:   "post BODY...",
		Short: "Add a shared note",
		Long: `Add a note to the signed-in scope and print it. Without a session token
file, --scope and --author name the poster directly (useful against memory://
and sqlite:// backends).`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, token, err := a.postSession(firstNonEmpty(tokenFile, a.cfg.Session.TokenFile), scope, author)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), postTimeout)
			defer cancel()
			note, err := a.post(ctx, sess, token, strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "%s\t%s\t%s\n", note.ID, note.CreatedAt.Format(time.RFC3339), note.Body)
			return nil
		},
	}
	cmd.Flags().StringVar(&tokenFile, "token-file", "", "session token file (default from config)")
	cmd.Flags().StringVar(&scope, "scope", "", "scope to post to when no token file is used")
	cmd.Flags().StringVar(&author, "author", "", "author id when no token file is used")
	return cmd
}

func (a *app) postSession(tokenFile, scope, author string) (feed.SessionProvider, func() string, error) {
	if tokenFile != "" {
		sess := session.NewFileSession(tokenFile, a.logger.With().Str("component", "session").Logger())
		return sess, sess.Token, nil
	}
	if strings.TrimSpace(scope) == "" || strings.TrimSpace(author) == "" {
		return nil, nil, errors.New("either a session token file or both --scope and --author are required")
	}
	static := session.Static{Authenticated: true, ScopeID: strings.TrimSpace(scope), AuthorID: strings.TrimSpace(author)}
	return static, static.Token, nil
}

// post loads the session's scope into a short-lived engine and adds the note
// through the facade, so the same checks and notifications apply as in a
// long-running reader.
func (a *app) post(ctx context.Context, sess feed.SessionProvider, token func() string, body string) (notes.Note, error) {
	scope, ok := sess.CurrentScopeID()
	if !sess.IsAuthenticated() {
		return notes.Note{}, notes.Errorf(notes.KindNotAuthenticated, "post", "not signed in")
	}
	if !ok {
		return notes.Note{}, notes.Errorf(notes.KindMissingContext, "post", "no active scope")
	}
	parts, err := a.newEngine(sess, token, nil, nil)
	if err != nil {
		return notes.Note{}, err
	}
	defer parts.Close()

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() { _ = parts.engine.Run(runCtx) }()

	if _, err := parts.engine.Load(ctx, scope); err != nil {
		return notes.Note{}, err
	}
	return parts.engine.Facade().Add(ctx, body)
}
