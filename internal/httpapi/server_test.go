package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/rxledger/notesfeed/internal/backend"
	"github.com/rxledger/notesfeed/internal/metrics"
	"github.com/rxledger/notesfeed/internal/notes"
	"github.com/rxledger/notesfeed/internal/session"
)

type request struct {
	method  string
	path    string
	headers map[string]string
	body    any
	raw     []byte
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	bodyBytes := r.raw
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(bodyBytes))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func mustToken(t *testing.T, scope, author string) string {
	t.Helper()
	token, err := session.IssueToken("dev-secret", scope, author, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func authHeaders(token, correlationID string) map[string]string {
	return map[string]string{
		"Authorization":    "Bearer " + token,
		"X-Correlation-Id": correlationID,
	}
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var payload struct {
		Code string `json:"code"`
	}
	decodeInto(t, rec, &payload)
	return payload.Code
}

func TestAuthRequired(t *testing.T) {
	server := NewServer(backend.NewMemory(backend.Options{}))
	rec := doRequest(t, server, request{method: http.MethodGet, path: "/v1/scopes/org-1/notes"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %q", code)
	}
}

func TestTokenScopeMustMatchPath(t *testing.T) {
	server := NewServer(backend.NewMemory(backend.Options{}))
	token := mustToken(t, "org-2", "ana@x.com")
	rec := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/scopes/org-1/notes",
		headers: authHeaders(token, "corr_1"),
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestExpiredAndForeignTokensRejected(t *testing.T) {
	server := NewServer(backend.NewMemory(backend.Options{}))
	expired, err := session.IssueToken("dev-secret", "org-1", "ana@x.com", time.Minute, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	foreign, err := session.IssueToken("other-secret", "org-1", "ana@x.com", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	for _, token := range []string{expired, foreign, "not-a-jwt"} {
		rec := doRequest(t, server, request{
			method:  http.MethodGet,
			path:    "/v1/scopes/org-1/notes",
			headers: authHeaders(token, "corr_1"),
		})
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401 for %q, got %d", token, rec.Code)
		}
	}
}

func TestCorrelationIDRequired(t *testing.T) {
	server := NewServer(backend.NewMemory(backend.Options{}))
	rec := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/scopes/org-1/notes",
		headers: map[string]string{"Authorization": "Bearer " + mustToken(t, "org-1", "ana@x.com")},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "invalid_input" {
		t.Fatalf("expected invalid_input, got %q", code)
	}
}

func TestUnknownRoute(t *testing.T) {
	server := NewServer(backend.NewMemory(backend.Options{}))
	rec := doRequest(t, server, request{method: http.MethodDelete, path: "/v1/scopes/org-1/notes"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	rec = doRequest(t, server, request{method: http.MethodGet, path: "/metrics"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected /metrics to be off without a gatherer, got %d", rec.Code)
	}
}

func TestNotesLifecycle(t *testing.T) {
	server := NewServer(backend.NewMemory(backend.Options{}))
	ana := mustToken(t, "org-1", "ana@x.com")
	bia := mustToken(t, "org-1", "bia@x.com")

	createResp := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/scopes/org-1/notes",
		headers: authHeaders(ana, "corr_1"),
		body:    map[string]string{"body": "Fridge temperature logged"},
	})
	if createResp.Code != http.StatusCreated {
		t.Fatalf("expected 201 on create, got %d (%s)", createResp.Code, createResp.Body.String())
	}
	var created notes.Note
	decodeInto(t, createResp, &created)
	if created.ID == "" || created.AuthorID != "ana@x.com" || created.ScopeID != "org-1" {
		t.Fatalf("unexpected created note: %+v", created)
	}

	impersonate := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/scopes/org-1/notes",
		headers: authHeaders(bia, "corr_2"),
		body:    map[string]string{"authorId": "ana@x.com", "body": "not really ana"},
	})
	if impersonate.Code != http.StatusForbidden {
		t.Fatalf("expected 403 when posting as someone else, got %d", impersonate.Code)
	}

	blank := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/scopes/org-1/notes",
		headers: authHeaders(ana, "corr_3"),
		body:    map[string]string{"body": "   "},
	})
	if blank.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 on blank body, got %d", blank.Code)
	}

	listResp := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/scopes/org-1/notes?limit=10",
		headers: authHeaders(bia, "corr_4"),
	})
	if listResp.Code != http.StatusOK {
		t.Fatalf("expected 200 on list, got %d", listResp.Code)
	}
	var listed struct {
		Notes []notes.Note `json:"notes"`
	}
	decodeInto(t, listResp, &listed)
	if len(listed.Notes) != 1 || listed.Notes[0].ID != created.ID {
		t.Fatalf("unexpected list: %+v", listed.Notes)
	}

	sinceResp := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/scopes/org-1/notes?since=" + created.CreatedAt.Format(time.RFC3339Nano),
		headers: authHeaders(bia, "corr_5"),
	})
	decodeInto(t, sinceResp, &listed)
	if len(listed.Notes) != 0 {
		t.Fatalf("expected nothing strictly after the watermark, got %+v", listed.Notes)
	}

	pinResp := doRequest(t, server, request{
		method:  http.MethodPatch,
		path:    "/v1/notes/" + created.ID,
		headers: authHeaders(bia, "corr_6"),
		body:    map[string]bool{"isPinned": true},
	})
	if pinResp.Code != http.StatusOK {
		t.Fatalf("expected 200 on pin, got %d (%s)", pinResp.Code, pinResp.Body.String())
	}
	var pinned notes.Note
	decodeInto(t, pinResp, &pinned)
	if !pinned.Pinned || pinned.Body != created.Body {
		t.Fatalf("expected pin to leave the body alone: %+v", pinned)
	}

	foreignDelete := doRequest(t, server, request{
		method:  http.MethodPatch,
		path:    "/v1/notes/" + created.ID,
		headers: authHeaders(bia, "corr_7"),
		body:    map[string]string{"body": notes.DeletedBody},
	})
	if foreignDelete.Code != http.StatusForbidden {
		t.Fatalf("expected 403 when deleting another author's note, got %d", foreignDelete.Code)
	}

	deleteResp := doRequest(t, server, request{
		method:  http.MethodPatch,
		path:    "/v1/notes/" + created.ID,
		headers: authHeaders(ana, "corr_8"),
		body:    map[string]string{"body": notes.DeletedBody},
	})
	if deleteResp.Code != http.StatusOK {
		t.Fatalf("expected 200 on soft delete, got %d", deleteResp.Code)
	}
	var deleted notes.Note
	decodeInto(t, deleteResp, &deleted)
	if !deleted.Deleted() || !deleted.CreatedAt.Equal(created.CreatedAt) {
		t.Fatalf("expected soft delete to keep identity: %+v", deleted)
	}
}

func TestUpdateNoteValidation(t *testing.T) {
	mem := backend.NewMemory(backend.Options{})
	mem.Import(notes.Note{ID: "n1", ScopeID: "org-2", CreatedAt: time.Now(), AuthorID: "ana@x.com", Body: "x"})
	server := NewServer(mem)
	token := mustToken(t, "org-1", "ana@x.com")

	cases := []struct {
		name   string
		path   string
		body   any
		raw    []byte
		status int
	}{
		{name: "empty fields", path: "/v1/notes/n1", body: map[string]any{}, status: http.StatusBadRequest},
		{name: "blank body", path: "/v1/notes/n1", body: map[string]string{"body": " "}, status: http.StatusBadRequest},
		{name: "bad json", path: "/v1/notes/n1", raw: []byte("{"), status: http.StatusBadRequest},
		{name: "unknown note", path: "/v1/notes/missing", body: map[string]bool{"isDone": true}, status: http.StatusNotFound},
		{name: "other scope", path: "/v1/notes/n1", body: map[string]bool{"isDone": true}, status: http.StatusNotFound},
	}
	for _, tc := range cases {
		rec := doRequest(t, server, request{
			method:  http.MethodPatch,
			path:    tc.path,
			headers: authHeaders(token, "corr_"+tc.name),
			body:    tc.body,
			raw:     tc.raw,
		})
		if rec.Code != tc.status {
			t.Fatalf("%s: expected %d, got %d (%s)", tc.name, tc.status, rec.Code, rec.Body.String())
		}
	}
}

func TestDisplayNames(t *testing.T) {
	server := NewServer(backend.NewMemory(backend.Options{}))
	ana := mustToken(t, "org-1", "ana@x.com")

	setResp := doRequest(t, server, request{
		method:  http.MethodPut,
		path:    "/v1/scopes/org-1/display-names/ana@x.com",
		headers: authHeaders(ana, "corr_1"),
		body:    map[string]string{"displayName": "Ana Souza"},
	})
	if setResp.Code != http.StatusNoContent {
		t.Fatalf("expected 204 on set, got %d (%s)", setResp.Code, setResp.Body.String())
	}

	otherResp := doRequest(t, server, request{
		method:  http.MethodPut,
		path:    "/v1/scopes/org-1/display-names/bia@x.com",
		headers: authHeaders(ana, "corr_2"),
		body:    map[string]string{"displayName": "Not Bia"},
	})
	if otherResp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 renaming another author, got %d", otherResp.Code)
	}

	bulkResp := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/scopes/org-1/display-names",
		headers: authHeaders(ana, "corr_3"),
	})
	var bulk struct {
		Names map[string]string `json:"names"`
	}
	decodeInto(t, bulkResp, &bulk)
	if len(bulk.Names) != 1 || bulk.Names["ana@x.com"] != "Ana Souza" {
		t.Fatalf("unexpected names: %v", bulk.Names)
	}

	oneResp := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/scopes/org-1/display-names/ana%40x.com",
		headers: authHeaders(ana, "corr_4"),
	})
	var one struct {
		AuthorID    string `json:"authorId"`
		DisplayName string `json:"displayName"`
	}
	decodeInto(t, oneResp, &one)
	if one.AuthorID != "ana@x.com" || one.DisplayName != "Ana Souza" {
		t.Fatalf("unexpected single name: %+v", one)
	}

	missingResp := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/scopes/org-1/display-names/bia@x.com",
		headers: authHeaders(ana, "corr_5"),
	})
	if missingResp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unset name, got %d", missingResp.Code)
	}
}

func TestRateLimit(t *testing.T) {
	server := NewServerWithConfig(backend.NewMemory(backend.Options{}), ServerConfig{
		RateLimitMax:    1,
		RateLimitWindow: time.Minute,
		Logger:          zerolog.Nop(),
	})
	token := mustToken(t, "org-1", "ana@x.com")
	first := doRequest(t, server, request{method: http.MethodGet, path: "/v1/scopes/org-1/notes", headers: authHeaders(token, "corr_1")})
	if first.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", first.Code)
	}
	second := doRequest(t, server, request{method: http.MethodGet, path: "/v1/scopes/org-1/notes", headers: authHeaders(token, "corr_2")})
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
	if second.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After 60, got %q", second.Header().Get("Retry-After"))
	}
}

func TestBodyLimit(t *testing.T) {
	server := NewServerWithConfig(backend.NewMemory(backend.Options{}), ServerConfig{MaxBodyBytes: 16, Logger: zerolog.Nop()})
	rec := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/scopes/org-1/notes",
		headers: authHeaders(mustToken(t, "org-1", "ana@x.com"), "corr_1"),
		body:    map[string]string{"body": strings.Repeat("x", 64)},
	})
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

type missingStorage struct {
	*backend.Memory
}

func (missingStorage) ListNotes(context.Context, string, *time.Time, int) ([]notes.Note, error) {
	return nil, notes.Errorf(notes.KindConfigurationMissing, "list notes", "relation \"notes\" does not exist")
}

func TestStorageMissingIsReported(t *testing.T) {
	server := NewServer(missingStorage{backend.NewMemory(backend.Options{})})
	rec := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/scopes/org-1/notes",
		headers: authHeaders(mustToken(t, "org-1", "ana@x.com"), "corr_1"),
	})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "feed_storage_missing" {
		t.Fatalf("expected feed_storage_missing, got %q", code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	mem := backend.NewMemory(backend.Options{})
	server := NewServerWithConfig(mem, ServerConfig{Logger: zerolog.Nop(), Metrics: metrics.New(reg), Gatherer: reg})

	health := doRequest(t, server, request{method: http.MethodGet, path: "/health"})
	if health.Code != http.StatusOK {
		t.Fatalf("expected 200 on health, got %d", health.Code)
	}
	doRequest(t, server, request{method: http.MethodGet, path: "/v1/scopes/org-1/notes"})

	rec := doRequest(t, server, request{method: http.MethodGet, path: "/metrics"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on metrics, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`notesfeed_http_requests_total{route="health",status="2xx"} 1`,
		`notesfeed_http_requests_total{route="list_notes",status="4xx"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in metrics output:\n%s", want, body)
		}
	}

	_ = mem.Close()
	if rec := doRequest(t, server, request{method: http.MethodGet, path: "/health"}); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after close, got %d", rec.Code)
	}
}

func TestHTTPClientRoundTrip(t *testing.T) {
	server := httptest.NewServer(NewServer(backend.NewMemory(backend.Options{})))
	defer server.Close()
	token := mustToken(t, "org-1", "ana@x.com")
	client := backend.NewHTTPClient(server.URL, backend.Options{
		HTTPClient: server.Client(),
		Token:      func() string { return token },
		Logger:     zerolog.Nop(),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pushed := make(chan notes.Note, 4)
	sub, err := client.Subscribe(ctx, "org-1", func(n notes.Note) { pushed <- n })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	created, err := client.CreateNote(ctx, "org-1", "ana@x.com", "Order more gloves")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	select {
	case n := <-pushed:
		if n.ID != created.ID || n.Body != "Order more gloves" {
			t.Fatalf("unexpected pushed note: %+v", n)
		}
	case <-ctx.Done():
		t.Fatalf("expected the insert over the stream")
	}

	list, err := client.ListNotes(ctx, "org-1", nil, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != created.ID || !list[0].CreatedAt.Equal(created.CreatedAt) {
		t.Fatalf("unexpected list: %+v", list)
	}

	done, err := client.UpdateNote(ctx, created.ID, notes.DoneField(true))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !done.Done {
		t.Fatalf("expected done note, got %+v", done)
	}

	if err := client.SetDisplayName(ctx, "org-1", "ana@x.com", "Ana Souza"); err != nil {
		t.Fatalf("set display name: %v", err)
	}
	names, err := client.BulkDisplayNames(ctx, "org-1")
	if err != nil || names["ana@x.com"] != "Ana Souza" {
		t.Fatalf("bulk names: %v %v", names, err)
	}
	if _, ok, err := client.DisplayName(ctx, "org-1", "bia@x.com"); ok || err != nil {
		t.Fatalf("expected unset name without error, got ok=%v err=%v", ok, err)
	}

	_, err = client.UpdateNote(ctx, "missing", notes.DoneField(true))
	if !errors.Is(err, notes.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := client.ListNotes(ctx, "org-2", nil, 10); notes.KindOf(err) != notes.KindPermissionDenied {
		t.Fatalf("expected permission denied for foreign scope, got %v", err)
	}
}
