package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/rxledger/notesfeed/internal/notes"
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Kind maps the response status onto the error taxonomy.
func (e *HTTPError) Kind() notes.Kind {
	switch {
	case e.Code == "feed_storage_missing":
		return notes.KindConfigurationMissing
	case e.StatusCode == http.StatusUnauthorized:
		return notes.KindNotAuthenticated
	case e.StatusCode == http.StatusForbidden:
		return notes.KindPermissionDenied
	case e.StatusCode == http.StatusNotFound:
		return notes.KindNotFound
	case e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusUnprocessableEntity:
		return notes.KindValidation
	default:
		return notes.KindTransient
	}
}

type noteList struct {
	Notes []json.RawMessage `json:"notes"`
}

type nameMap struct {
	Names map[string]string `json:"names"`
}

type nameEntry struct {
	AuthorID    string `json:"authorId"`
	DisplayName string `json:"displayName"`
}

// HTTPClient talks to the notes server. Requests are retried on network
// errors, 429 and 5xx with Retry-After honoured.
type HTTPClient struct {
	baseURL    string
	token      func() string
	httpClient *http.Client
	logger     zerolog.Logger
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL string, opts Options) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	token := opts.Token
	if token == nil {
		token = func() string { return "" }
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      token,
		httpClient: httpClient,
		logger:     opts.Logger,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *HTTPClient) ListNotes(ctx context.Context, scope string, since *time.Time, limit int) ([]notes.Note, error) {
	const op = "list notes"
	if err := requireScope(op, scope); err != nil {
		return nil, err
	}
	q := url.Values{}
	if since != nil {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out noteList
	path := fmt.Sprintf("/v1/scopes/%s/notes", url.PathEscape(scope))
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}
	if err := c.doJSON(ctx, op, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	list := make([]notes.Note, 0, len(out.Notes))
	for _, raw := range out.Notes {
		note, err := notes.DecodeRecord(raw)
		if err != nil {
			c.logger.Warn().Err(err).Str("scope", scope).Msg("dropping undecodable note record")
			continue
		}
		list = append(list, note)
	}
	sortAscending(list)
	return list, nil
}

func (c *HTTPClient) CreateNote(ctx context.Context, scope, authorID, body string) (notes.Note, error) {
	const op = "create note"
	if err := requireScope(op, scope); err != nil {
		return notes.Note{}, err
	}
	payload := map[string]string{"authorId": authorID, "body": body}
	var raw json.RawMessage
	if err := c.doJSON(ctx, op, http.MethodPost, fmt.Sprintf("/v1/scopes/%s/notes", url.PathEscape(scope)), payload, &raw); err != nil {
		return notes.Note{}, err
	}
	return c.decodeOne(op, raw)
}

func (c *HTTPClient) UpdateNote(ctx context.Context, id string, fields notes.Fields) (notes.Note, error) {
	const op = "update note"
	var raw json.RawMessage
	if err := c.doJSON(ctx, op, http.MethodPatch, fmt.Sprintf("/v1/notes/%s", url.PathEscape(id)), fields, &raw); err != nil {
		return notes.Note{}, err
	}
	return c.decodeOne(op, raw)
}

func (c *HTTPClient) decodeOne(op string, raw json.RawMessage) (notes.Note, error) {
	note, err := notes.DecodeRecord(raw)
	if err != nil {
		return notes.Note{}, notes.Wrap(op, err)
	}
	return note, nil
}

func (c *HTTPClient) BulkDisplayNames(ctx context.Context, scope string) (map[string]string, error) {
	var out nameMap
	if err := c.doJSON(ctx, "bulk display names", http.MethodGet, fmt.Sprintf("/v1/scopes/%s/display-names", url.PathEscape(scope)), nil, &out); err != nil {
		return nil, err
	}
	if out.Names == nil {
		out.Names = map[string]string{}
	}
	return out.Names, nil
}

func (c *HTTPClient) DisplayName(ctx context.Context, scope, authorID string) (string, bool, error) {
	var out nameEntry
	err := c.doJSON(ctx, "display name", http.MethodGet,
		fmt.Sprintf("/v1/scopes/%s/display-names/%s", url.PathEscape(scope), url.PathEscape(authorID)), nil, &out)
	if errors.Is(err, notes.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return out.DisplayName, strings.TrimSpace(out.DisplayName) != "", nil
}

func (c *HTTPClient) SetDisplayName(ctx context.Context, scope, authorID, name string) error {
	return c.doJSON(ctx, "set display name", http.MethodPut,
		fmt.Sprintf("/v1/scopes/%s/display-names/%s", url.PathEscape(scope), url.PathEscape(authorID)),
		map[string]string{"displayName": name}, nil)
}

func (c *HTTPClient) Ping(ctx context.Context) error {
	return c.doJSON(ctx, "ping", http.MethodGet, "/health", nil, nil)
}

func (c *HTTPClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// Subscribe opens the note stream of scope. The first dial is synchronous so
// callers learn whether push is available; later drops are redialled until
// Unsubscribe.
func (c *HTTPClient) Subscribe(ctx context.Context, scope string, onInsert func(notes.Note)) (Subscription, error) {
	const op = "subscribe"
	if err := requireScope(op, scope); err != nil {
		return nil, err
	}
	conn, err := c.dialStream(ctx, scope)
	if err != nil {
		return nil, err
	}
	streamCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for attempt := 0; ; {
			c.readStream(streamCtx, conn, scope, onInsert)
			if streamCtx.Err() != nil {
				return
			}
			for {
				attempt++
				if waitWithContext(streamCtx, c.retryDelay(attempt, "")) != nil {
					return
				}
				conn, err = c.dialStream(streamCtx, scope)
				if err == nil {
					attempt = 0
					break
				}
				c.logger.Debug().Err(err).Str("scope", scope).Msg("note stream redial failed")
			}
		}
	}()
	return &funcSubscription{stop: func() {
		cancel()
		<-done
	}}, nil
}

func (c *HTTPClient) dialStream(ctx context.Context, scope string) (*websocket.Conn, error) {
	streamURL := c.baseURL + fmt.Sprintf("/v1/scopes/%s/notes/stream", url.PathEscape(scope))
	switch {
	case strings.HasPrefix(streamURL, "https://"):
		streamURL = "wss://" + strings.TrimPrefix(streamURL, "https://")
	case strings.HasPrefix(streamURL, "http://"):
		streamURL = "ws://" + strings.TrimPrefix(streamURL, "http://")
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token())
	header.Set("X-Correlation-Id", correlationID())
	// The stream outlives any request timeout; cancellation comes from ctx.
	streamClient := *c.httpClient
	streamClient.Timeout = 0
	conn, resp, err := websocket.Dial(ctx, streamURL, &websocket.DialOptions{
		HTTPClient: &streamClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			httpErr := &HTTPError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
			return nil, notes.E(httpErr.Kind(), "subscribe", httpErr)
		}
		return nil, notes.E(notes.KindTransient, "subscribe", err)
	}
	return conn, nil
}

func (c *HTTPClient) readStream(ctx context.Context, conn *websocket.Conn, scope string, onInsert func(notes.Note)) {
	defer conn.Close(websocket.StatusNormalClosure, "")
	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, conn, &raw); err != nil {
			if ctx.Err() == nil {
				c.logger.Debug().Err(err).Str("scope", scope).Msg("note stream closed")
			}
			return
		}
		note, err := notes.DecodeRecord(raw)
		if err != nil {
			c.logger.Warn().Err(err).Str("scope", scope).Msg("dropping undecodable stream frame")
			continue
		}
		if note.ScopeID != "" && note.ScopeID != scope {
			continue
		}
		onInsert(note)
	}
}

func (c *HTTPClient) doJSON(ctx context.Context, op, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return notes.E(notes.KindValidation, op, err)
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return notes.E(notes.KindValidation, op, err)
		}
		if token := c.token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		req.Header.Set("X-Correlation-Id", correlationID())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return notes.E(notes.KindTransient, op, waitErr)
				}
				continue
			}
			return notes.E(notes.KindTransient, op, err)
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return notes.E(notes.KindTransient, op, readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			if err := json.Unmarshal(payloadBytes, out); err != nil {
				return notes.E(notes.KindValidation, op, err)
			}
			return nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			var errPayload struct {
				Code string `json:"code"`
			}
			_ = json.Unmarshal(payloadBytes, &errPayload)
			// A missing notes table will not fix itself between retries.
			if errPayload.Code != "feed_storage_missing" {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
					return notes.E(notes.KindTransient, op, waitErr)
				}
				continue
			}
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		httpErr := &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
		return notes.E(httpErr.Kind(), op, httpErr)
	}
}

func correlationID() string {
	return "notesfeed_" + uuid.NewString()
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
