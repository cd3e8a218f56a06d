package backend

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rxledger/notesfeed/internal/notes"
)

const (
	notesTableName        = "notes"
	displayNamesTableName = "display_names"
	sqlOperationTimeout   = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type dialect struct {
	name     string
	driver   string
	rebind   func(query string) string
	timeArg  func(t time.Time) any
	schema   func(notesTable, namesTable string) []string
	classify func(err error) notes.Kind
	// maxOpenConns of zero leaves the database/sql default.
	maxOpenConns int
}

// SQL stores notes in a relational database. Statements are written with ?
// placeholders and rebound for the dialect.
type SQL struct {
	dsn        string
	dialect    dialect
	notesTable string
	namesTable string
	openDB     sqlOpenFunc
	opts       Options

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	hub     *hub
	// subscribe overrides the in-process hub, e.g. with LISTEN/NOTIFY.
	subscribe func(ctx context.Context, scope string, onInsert func(notes.Note)) (Subscription, error)
}

func newSQL(dsn string, d dialect, opts Options) *SQL {
	return &SQL{
		dsn:        dsn,
		dialect:    d,
		notesTable: notesTableName,
		namesTable: displayNamesTableName,
		openDB:     sql.Open,
		opts:       opts,
		entropy:    ulid.Monotonic(rand.Reader, 0),
		hub:        newHub(),
	}
}

func (b *SQL) ensureReady() error {
	b.initOnce.Do(func() {
		db, err := b.openDB(b.dialect.driver, b.dsn)
		if err != nil {
			b.initErr = notes.E(notes.KindTransient, "open "+b.dialect.name, err)
			return
		}
		if b.dialect.maxOpenConns > 0 {
			db.SetMaxOpenConns(b.dialect.maxOpenConns)
		}
		if b.opts.AutoMigrate {
			ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
			defer cancel()
			for _, stmt := range b.dialect.schema(b.notesTable, b.namesTable) {
				if _, err := db.ExecContext(ctx, stmt); err != nil {
					_ = db.Close()
					b.initErr = b.translate("migrate", err)
					return
				}
			}
		}
		b.db = db
	})
	return b.initErr
}

func (b *SQL) translate(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return notes.E(notes.KindNotFound, op, err)
	}
	if kind := notes.KindOf(err); kind != notes.KindUnknown {
		return notes.Wrap(op, err)
	}
	kind := notes.KindTransient
	if b.dialect.classify != nil {
		if classified := b.dialect.classify(err); classified != notes.KindUnknown {
			kind = classified
		}
	}
	return notes.E(kind, op, err)
}

const noteColumns = "id, scope_id, created_at, author_id, body, is_pinned, is_done"

func (b *SQL) ListNotes(ctx context.Context, scope string, since *time.Time, limit int) ([]notes.Note, error) {
	const op = "list notes"
	if err := requireScope(op, scope); err != nil {
		return nil, err
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	var query string
	var args []any
	if since == nil {
		query = fmt.Sprintf(
			"SELECT %s FROM %s WHERE scope_id = ? ORDER BY created_at DESC, id DESC LIMIT ?",
			noteColumns, quoteIdentifier(b.notesTable))
		args = []any{scope, limit}
	} else {
		query = fmt.Sprintf(
			"SELECT %s FROM %s WHERE scope_id = ? AND created_at > ? ORDER BY created_at ASC, id ASC LIMIT ?",
			noteColumns, quoteIdentifier(b.notesTable))
		args = []any{scope, b.dialect.timeArg(*since), limit}
	}
	rows, err := b.db.QueryContext(ctx, b.dialect.rebind(query), args...)
	if err != nil {
		return nil, b.translate(op, err)
	}
	defer rows.Close()
	out := make([]notes.Note, 0, limit)
	for rows.Next() {
		note, err := scanNote(rows)
		if err != nil {
			return nil, b.translate(op, err)
		}
		out = append(out, note)
	}
	if err := rows.Err(); err != nil {
		return nil, b.translate(op, err)
	}
	sortAscending(out)
	return out, nil
}

func (b *SQL) CreateNote(ctx context.Context, scope, authorID, body string) (notes.Note, error) {
	const op = "create note"
	if err := requireScope(op, scope); err != nil {
		return notes.Note{}, err
	}
	if strings.TrimSpace(authorID) == "" {
		return notes.Note{}, notes.Errorf(notes.KindMissingContext, op, "author is required")
	}
	if notes.IsBlank(body) {
		return notes.Note{}, notes.Errorf(notes.KindValidation, op, "body is blank")
	}
	if err := b.ensureReady(); err != nil {
		return notes.Note{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	// Postgres keeps microseconds; truncating keeps the returned note equal
	// to the stored row.
	now := b.opts.now().Truncate(time.Microsecond)
	b.mu.Lock()
	id := ulid.MustNew(ulid.Timestamp(now), b.entropy).String()
	b.mu.Unlock()
	note := notes.Note{ID: id, ScopeID: scope, CreatedAt: now, AuthorID: authorID, Body: body}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?)",
		quoteIdentifier(b.notesTable), noteColumns)
	_, err := b.db.ExecContext(ctx, b.dialect.rebind(query),
		note.ID, note.ScopeID, b.dialect.timeArg(note.CreatedAt), note.AuthorID, note.Body, note.Pinned, note.Done)
	if err != nil {
		return notes.Note{}, b.translate(op, err)
	}
	if b.subscribe == nil {
		b.hub.publish(note)
	}
	return note, nil
}

func (b *SQL) UpdateNote(ctx context.Context, id string, fields notes.Fields) (notes.Note, error) {
	const op = "update note"
	if err := b.ensureReady(); err != nil {
		return notes.Note{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return notes.Note{}, b.translate(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	if !fields.Empty() {
		var sets []string
		var args []any
		if fields.Body != nil {
			sets = append(sets, "body = ?")
			args = append(args, *fields.Body)
		}
		if fields.Pinned != nil {
			sets = append(sets, "is_pinned = ?")
			args = append(args, *fields.Pinned)
		}
		if fields.Done != nil {
			sets = append(sets, "is_done = ?")
			args = append(args, *fields.Done)
		}
		args = append(args, id)
		query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", quoteIdentifier(b.notesTable), strings.Join(sets, ", "))
		if _, err := tx.ExecContext(ctx, b.dialect.rebind(query), args...); err != nil {
			return notes.Note{}, b.translate(op, err)
		}
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", noteColumns, quoteIdentifier(b.notesTable))
	note, err := scanNote(tx.QueryRowContext(ctx, b.dialect.rebind(query), id))
	if err != nil {
		return notes.Note{}, b.translate(op, err)
	}
	if err := tx.Commit(); err != nil {
		return notes.Note{}, b.translate(op, err)
	}
	return note, nil
}

func (b *SQL) Subscribe(ctx context.Context, scope string, onInsert func(notes.Note)) (Subscription, error) {
	if err := requireScope("subscribe", scope); err != nil {
		return nil, err
	}
	if b.subscribe != nil {
		return b.subscribe(ctx, scope, onInsert)
	}
	return b.hub.subscribe(scope, onInsert), nil
}

func (b *SQL) BulkDisplayNames(ctx context.Context, scope string) (map[string]string, error) {
	const op = "bulk display names"
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT author_id, display_name FROM %s WHERE scope_id = ?", quoteIdentifier(b.namesTable))
	rows, err := b.db.QueryContext(ctx, b.dialect.rebind(query), scope)
	if err != nil {
		return nil, b.translate(op, err)
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var author, name string
		if err := rows.Scan(&author, &name); err != nil {
			return nil, b.translate(op, err)
		}
		out[author] = name
	}
	if err := rows.Err(); err != nil {
		return nil, b.translate(op, err)
	}
	return out, nil
}

func (b *SQL) DisplayName(ctx context.Context, scope, authorID string) (string, bool, error) {
	const op = "display name"
	if err := b.ensureReady(); err != nil {
		return "", false, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT display_name FROM %s WHERE scope_id = ? AND author_id = ?", quoteIdentifier(b.namesTable))
	var name string
	err := b.db.QueryRowContext(ctx, b.dialect.rebind(query), scope, authorID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, b.translate(op, err)
	}
	return name, true, nil
}

func (b *SQL) SetDisplayName(ctx context.Context, scope, authorID, name string) error {
	const op = "set display name"
	if err := requireScope(op, scope); err != nil {
		return err
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		INSERT INTO %s (scope_id, author_id, display_name)
		VALUES (?, ?, ?)
		ON CONFLICT (scope_id, author_id)
		DO UPDATE SET display_name = excluded.display_name`, quoteIdentifier(b.namesTable))
	_, err := b.db.ExecContext(ctx, b.dialect.rebind(query), scope, authorID, strings.TrimSpace(name))
	return b.translate(op, err)
}

func (b *SQL) Ping(ctx context.Context) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	return b.translate("ping", b.db.PingContext(ctx))
}

func (b *SQL) Close() error {
	b.hub.close()
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNote(row rowScanner) (notes.Note, error) {
	var note notes.Note
	var created sqlTime
	if err := row.Scan(&note.ID, &note.ScopeID, &created, &note.AuthorID, &note.Body, &note.Pinned, &note.Done); err != nil {
		return notes.Note{}, err
	}
	note.CreatedAt = created.Time
	return note, nil
}

// sqlTime scans timestamps stored natively or as text.
type sqlTime struct {
	time.Time
}

func (t *sqlTime) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		t.Time = v.UTC()
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	case nil:
		return fmt.Errorf("created_at is null")
	default:
		parsed, err := notes.ParseTimestamp(v)
		if err != nil {
			return err
		}
		t.Time = parsed
		return nil
	}
}

func (t *sqlTime) parse(s string) error {
	parsed, err := notes.ParseTimestamp(s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func rebindDollar(query string) string {
	var out strings.Builder
	out.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(n))
			continue
		}
		out.WriteRune(r)
	}
	return out.String()
}

func rebindQuestion(query string) string {
	return query
}
