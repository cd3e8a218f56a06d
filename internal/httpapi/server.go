// Package httpapi serves a notes backend over HTTP and WebSocket for local
// development. It speaks the protocol of backend.HTTPClient.
package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/rxledger/notesfeed/internal/backend"
	"github.com/rxledger/notesfeed/internal/metrics"
	"github.com/rxledger/notesfeed/internal/notes"
	"github.com/rxledger/notesfeed/internal/session"
)

const (
	maxPageLimit       = 1000
	streamBuffer       = 64
	streamWriteTimeout = 5 * time.Second
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Logger          zerolog.Logger
	Metrics         *metrics.Metrics
	// Gatherer backs GET /metrics. Without it the route is not served.
	Gatherer prometheus.Gatherer
	Now      func() time.Time
}

type Server struct {
	backend     backend.Backend
	cfg         ServerConfig
	rateLimiter *rateLimiter
	metrics     http.Handler
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(b backend.Backend) *Server {
	return NewServerWithConfig(b, ServerConfig{Logger: zerolog.Nop()})
}

func NewServerWithConfig(b backend.Backend, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s := &Server{
		backend:     b,
		cfg:         cfg,
		rateLimiter: limiter,
	}
	if cfg.Gatherer != nil {
		s.metrics = promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	route := s.route(rec, r)
	s.cfg.Metrics.HTTPRequest(route, statusClass(rec.status))
	s.cfg.Logger.Debug().
		Str("method", r.Method).
		Str("route", route).
		Int("status", rec.status).
		Str("correlation_id", getCorrelationID(r)).
		Msg("request served")
}

// route dispatches r and returns the route label used for metrics.
func (s *Server) route(w http.ResponseWriter, r *http.Request) string {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		s.handleHealth(w, r)
		return "health"
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet && s.metrics != nil {
		s.metrics.ServeHTTP(w, r)
		return "metrics"
	}

	parts, ok := splitPath(r.URL.EscapedPath())
	if !ok || len(parts) < 3 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return "unknown"
	}

	var scope string
	var route string
	switch {
	case len(parts) == 3 && parts[1] == "notes" && r.Method == http.MethodPatch:
		route = "update_note"
	case len(parts) == 4 && parts[1] == "scopes" && parts[3] == "notes" && r.Method == http.MethodGet:
		scope, route = parts[2], "list_notes"
	case len(parts) == 4 && parts[1] == "scopes" && parts[3] == "notes" && r.Method == http.MethodPost:
		scope, route = parts[2], "create_note"
	case len(parts) == 5 && parts[1] == "scopes" && parts[3] == "notes" && parts[4] == "stream" && r.Method == http.MethodGet:
		scope, route = parts[2], "stream"
	case len(parts) == 4 && parts[1] == "scopes" && parts[3] == "display-names" && r.Method == http.MethodGet:
		scope, route = parts[2], "display_names"
	case len(parts) == 5 && parts[1] == "scopes" && parts[3] == "display-names" && r.Method == http.MethodGet:
		scope, route = parts[2], "display_name"
	case len(parts) == 5 && parts[1] == "scopes" && parts[3] == "display-names" && r.Method == http.MethodPut:
		scope, route = parts[2], "set_display_name"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return "unknown"
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, scope, s.cfg.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return route
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "missing X-Correlation-Id header", "")
		return route
	}
	if s.rateLimiter != nil {
		key := claims.ScopeID + "|" + claims.AuthorID()
		if !s.rateLimiter.allow(key, s.cfg.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return route
		}
	}

	switch route {
	case "update_note":
		s.handleUpdateNote(w, r, claims, parts[2], correlationID)
	case "list_notes":
		s.handleListNotes(w, r, scope, correlationID)
	case "create_note":
		s.handleCreateNote(w, r, claims, correlationID)
	case "stream":
		s.handleStream(w, r, scope)
	case "display_names":
		s.handleDisplayNames(w, r, scope, correlationID)
	case "display_name":
		s.handleDisplayName(w, r, scope, parts[4], correlationID)
	case "set_display_name":
		s.handleSetDisplayName(w, r, claims, parts[4], correlationID)
	}
	return route
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error(), getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListNotes(w http.ResponseWriter, r *http.Request, scope, correlationID string) {
	var since *time.Time
	if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "invalid since", correlationID)
			return
		}
		since = &parsed
	}
	limit := parseBoundedInt(r.URL.Query().Get("limit"), backend.DefaultPageLimit, 1, maxPageLimit)
	list, err := s.backend.ListNotes(r.Context(), scope, since, limit)
	if err != nil {
		s.writeNotesError(w, err, correlationID)
		return
	}
	if list == nil {
		list = []notes.Note{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notes": list})
}

func (s *Server) handleCreateNote(w http.ResponseWriter, r *http.Request, claims session.Claims, correlationID string) {
	var req struct {
		AuthorID string `json:"authorId"`
		Body     string `json:"body"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	author := strings.TrimSpace(req.AuthorID)
	if author == "" {
		author = claims.AuthorID()
	}
	if !mayWrite(claims, author) {
		writeError(w, http.StatusForbidden, "forbidden", "cannot post as another author", correlationID)
		return
	}
	note, err := s.backend.CreateNote(r.Context(), claims.ScopeID, author, req.Body)
	if err != nil {
		s.writeNotesError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, note)
}

func (s *Server) handleUpdateNote(w http.ResponseWriter, r *http.Request, claims session.Claims, id, correlationID string) {
	var fields notes.Fields
	if !s.decodeJSONBody(w, r, correlationID, &fields) {
		return
	}
	if fields.Empty() {
		writeError(w, http.StatusBadRequest, "invalid_input", "no fields to update", correlationID)
		return
	}
	if fields.Body != nil && notes.IsBlank(*fields.Body) {
		writeError(w, http.StatusBadRequest, "invalid_input", "body is blank", correlationID)
		return
	}
	// An empty update reads the current record.
	current, err := s.backend.UpdateNote(r.Context(), id, notes.Fields{})
	if err != nil {
		s.writeNotesError(w, err, correlationID)
		return
	}
	if current.ScopeID != claims.ScopeID {
		writeError(w, http.StatusNotFound, "not_found", "note not found", correlationID)
		return
	}
	if fields.Body != nil && *fields.Body == notes.DeletedBody && !mayWrite(claims, current.AuthorID) {
		writeError(w, http.StatusForbidden, "forbidden", "only the author can delete a note", correlationID)
		return
	}
	updated, err := s.backend.UpdateNote(r.Context(), id, fields)
	if err != nil {
		s.writeNotesError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDisplayNames(w http.ResponseWriter, r *http.Request, scope, correlationID string) {
	names, err := s.backend.BulkDisplayNames(r.Context(), scope)
	if err != nil {
		s.writeNotesError(w, err, correlationID)
		return
	}
	if names == nil {
		names = map[string]string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"names": names})
}

func (s *Server) handleDisplayName(w http.ResponseWriter, r *http.Request, scope, author, correlationID string) {
	name, ok, err := s.backend.DisplayName(r.Context(), scope, author)
	if err != nil {
		s.writeNotesError(w, err, correlationID)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "display name not set", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"authorId": author, "displayName": name})
}

func (s *Server) handleSetDisplayName(w http.ResponseWriter, r *http.Request, claims session.Claims, author, correlationID string) {
	if !mayWrite(claims, author) {
		writeError(w, http.StatusForbidden, "forbidden", "cannot rename another author", correlationID)
		return
	}
	var req struct {
		DisplayName string `json:"displayName"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if err := s.backend.SetDisplayName(r.Context(), claims.ScopeID, author, req.DisplayName); err != nil {
		s.writeNotesError(w, err, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStream relays inserts of scope as JSON frames. The subscription is
// taken before the upgrade so nothing inserted after the handshake is lost.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, scope string) {
	frames := make(chan notes.Note, streamBuffer)
	sub, err := s.backend.Subscribe(r.Context(), scope, func(note notes.Note) {
		select {
		case frames <- note:
		default:
			s.cfg.Logger.Warn().Str("scope", scope).Str("note_id", note.ID).Msg("stream client is behind, dropping note")
		}
	})
	if err != nil {
		s.writeNotesError(w, err, getCorrelationID(r))
		return
	}
	defer sub.Unsubscribe()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.cfg.Logger.Debug().Err(err).Str("scope", scope).Msg("stream upgrade failed")
		return
	}
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case note := <-frames:
			writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(writeCtx, conn, note)
			cancel()
			if err != nil {
				s.cfg.Logger.Debug().Err(err).Str("scope", scope).Msg("stream write failed")
				_ = conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

func (s *Server) writeNotesError(w http.ResponseWriter, err error, correlationID string) {
	switch notes.KindOf(err) {
	case notes.KindConfigurationMissing:
		writeError(w, http.StatusServiceUnavailable, "feed_storage_missing", err.Error(), correlationID)
	case notes.KindNotFound:
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case notes.KindValidation, notes.KindMissingContext:
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error(), correlationID)
	case notes.KindPermissionDenied:
		writeError(w, http.StatusForbidden, "forbidden", err.Error(), correlationID)
	case notes.KindNotAuthenticated:
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error(), correlationID)
	default:
		s.cfg.Logger.Error().Err(err).Str("correlation_id", correlationID).Msg("backend request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "invalid_input", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

// splitPath splits an escaped request path into unescaped segments.
func splitPath(escaped string) ([]string, bool) {
	raw := strings.Split(strings.Trim(escaped, "/"), "/")
	parts := make([]string, 0, len(raw))
	for _, segment := range raw {
		part, err := url.PathUnescape(segment)
		if err != nil || strings.TrimSpace(part) == "" {
			return nil, false
		}
		parts = append(parts, part)
	}
	return parts, true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(p)
}

// Hijack lets the WebSocket upgrade take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	r.wroteHeader = true
	return hj.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func statusClass(status int) string {
	if status == http.StatusSwitchingProtocols {
		return "101"
	}
	return strconv.Itoa(status/100) + "xx"
}
