package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// FileSession reads the signed-in user from a token file written by the
// login flow. An absent, unreadable or expired token means signed out.
type FileSession struct {
	path   string
	now    func() time.Time
	logger zerolog.Logger

	mu     sync.RWMutex
	raw    string
	claims Claims
	err    error
}

func NewFileSession(path string, logger zerolog.Logger) *FileSession {
	s := &FileSession{
		path:   filepath.Clean(path),
		now:    time.Now,
		logger: logger,
	}
	s.Reload()
	return s
}

// Reload rereads the token file and reports whether the visible state
// (signed in, scope, author) changed.
func (s *FileSession) Reload() bool {
	raw, claims, err := s.read()

	s.mu.Lock()
	defer s.mu.Unlock()
	before := s.stateLocked()
	s.raw, s.claims, s.err = raw, claims, err
	return before != s.stateLocked()
}

func (s *FileSession) read() (string, Claims, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn().Err(err).Str("path", s.path).Msg("reading session token failed")
		}
		return "", Claims{}, err
	}
	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return "", Claims{}, errNoToken
	}
	claims, err := ReadClaims(raw)
	if err != nil {
		s.logger.Warn().Err(err).Str("path", s.path).Msg("session token is malformed")
		return "", Claims{}, err
	}
	return raw, claims, nil
}

type sessionState struct {
	authenticated bool
	scope         string
	author        string
}

func (s *FileSession) stateLocked() sessionState {
	return sessionState{
		authenticated: s.authenticatedLocked(),
		scope:         s.claims.ScopeID,
		author:        s.claims.Subject,
	}
}

func (s *FileSession) authenticatedLocked() bool {
	return s.err == nil && s.raw != "" && !expired(s.claims, s.now())
}

func (s *FileSession) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticatedLocked()
}

func (s *FileSession) CurrentScopeID() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	scope := strings.TrimSpace(s.claims.ScopeID)
	return scope, s.authenticatedLocked() && scope != ""
}

func (s *FileSession) CurrentAuthorID() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	author := strings.TrimSpace(s.claims.Subject)
	return author, s.authenticatedLocked() && author != ""
}

// Token returns the raw bearer token, or "" when signed out.
func (s *FileSession) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.authenticatedLocked() {
		return ""
	}
	return s.raw
}

// Watch reloads the token whenever its file changes and calls onChange when
// the visible state changed. It blocks until ctx is done.
func (s *FileSession) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Editors and login flows replace the file, so the directory is watched.
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			if s.Reload() && onChange != nil {
				s.logger.Debug().Str("path", s.path).Str("op", event.Op.String()).Msg("session changed")
				onChange()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Error().Err(err).Msg("fsnotify error")
		}
	}
}

// Static is a fixed session, used by one-shot commands and tests.
type Static struct {
	Authenticated bool
	ScopeID       string
	AuthorID      string
	RawToken      string
}

func (s Static) IsAuthenticated() bool {
	return s.Authenticated
}

func (s Static) CurrentScopeID() (string, bool) {
	return s.ScopeID, s.Authenticated && strings.TrimSpace(s.ScopeID) != ""
}

func (s Static) CurrentAuthorID() (string, bool) {
	return s.AuthorID, s.Authenticated && strings.TrimSpace(s.AuthorID) != ""
}

func (s Static) Token() string {
	return s.RawToken
}
