package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/rxledger/notesfeed/internal/notes"
)

// NotifyChannel is the LISTEN/NOTIFY channel carrying inserted note rows.
const NotifyChannel = "notes_inserted"

var postgresDialect = dialect{
	name:    "postgres",
	driver:  "postgres",
	rebind:  rebindDollar,
	timeArg: func(t time.Time) any { return t.UTC() },
	schema: func(notesTable, namesTable string) []string {
		nt, dt := quoteIdentifier(notesTable), quoteIdentifier(namesTable)
		return []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id TEXT PRIMARY KEY,
					scope_id TEXT NOT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					author_id TEXT NOT NULL,
					body TEXT NOT NULL,
					is_pinned BOOLEAN NOT NULL DEFAULT FALSE,
					is_done BOOLEAN NOT NULL DEFAULT FALSE
				)`, nt),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (scope_id, created_at)`,
				quoteIdentifier(notesTable+"_scope_created_idx"), nt),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					scope_id TEXT NOT NULL,
					author_id TEXT NOT NULL,
					display_name TEXT NOT NULL,
					PRIMARY KEY (scope_id, author_id)
				)`, dt),
			fmt.Sprintf(`
				CREATE OR REPLACE FUNCTION %s() RETURNS trigger AS $$
				BEGIN
					PERFORM pg_notify('%s', row_to_json(NEW)::text);
					RETURN NEW;
				END;
				$$ LANGUAGE plpgsql`, quoteIdentifier(notesTable+"_notify_insert"), NotifyChannel),
			fmt.Sprintf(`DROP TRIGGER IF EXISTS %s ON %s`, quoteIdentifier(notesTable+"_notify_insert"), nt),
			fmt.Sprintf(`CREATE TRIGGER %s AFTER INSERT ON %s FOR EACH ROW EXECUTE FUNCTION %s()`,
				quoteIdentifier(notesTable+"_notify_insert"), nt, quoteIdentifier(notesTable+"_notify_insert")),
		}
	},
	classify: classifyPostgres,
}

func classifyPostgres(err error) notes.Kind {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return notes.KindUnknown
	}
	switch pqErr.Code {
	case "42P01":
		return notes.KindConfigurationMissing
	case "42501":
		return notes.KindPermissionDenied
	case "23505", "22P02", "23502":
		return notes.KindValidation
	}
	if pqErr.Code.Class() == "08" {
		return notes.KindTransient
	}
	return notes.KindUnknown
}

// NewPostgres returns a Postgres backend. Push subscriptions use
// LISTEN/NOTIFY, so inserts made by other processes are delivered too.
func NewPostgres(dsn string, opts Options) (*SQL, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, notes.Errorf(notes.KindConfigurationMissing, "open postgres", "dsn is required")
	}
	b := newSQL(dsn, postgresDialect, opts)
	b.subscribe = b.listen
	return b, nil
}

func (b *SQL) listen(ctx context.Context, scope string, onInsert func(notes.Note)) (Subscription, error) {
	logger := b.opts.Logger
	listener := pq.NewListener(b.dsn, 250*time.Millisecond, 10*time.Second, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn().Err(err).Int("event", int(ev)).Msg("postgres listener event")
		}
	})
	if err := listener.Listen(NotifyChannel); err != nil {
		_ = listener.Close()
		return nil, b.translate("subscribe", err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case n, ok := <-listener.Notify:
				if !ok {
					return
				}
				// nil after a reconnect; rows inserted meanwhile are caught
				// by the next poll.
				if n == nil {
					continue
				}
				note, err := notes.DecodeRecord([]byte(n.Extra))
				if err != nil {
					logger.Warn().Err(err).Msg("dropping undecodable notification payload")
					continue
				}
				if note.ScopeID != scope {
					continue
				}
				onInsert(note)
			}
		}
	}()
	return &funcSubscription{stop: func() {
		close(done)
		_ = listener.Close()
	}}, nil
}
