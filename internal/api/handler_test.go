package api

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

	"afterglow/internal/correlation"
	"afterglow/internal/gateway"
	"afterglow/internal/gateway/gatewaytest"
	"afterglow/internal/health"
	"afterglow/internal/job"
	"afterglow/internal/lifecycle"
	"afterglow/internal/registry"

	"github.com/gorilla/websocket"
)

const pixelSpecJSON = `{"type":"pixelops","fileIds":["f1"],"op":"*","scalarValue":2}`

type testBridge struct {
	srv  *httptest.Server
	fake *gatewaytest.Fake
	ctl  *lifecycle.Controller
}

func newTestBridge(t *testing.T, apiKey string) *testBridge {
	t.Helper()

	fake := gatewaytest.New()
	ctl := lifecycle.New(fake, registry.New(), lifecycle.Config{})
	checker := health.NewChecker().Require("gateway", health.ReadinessFunc(func(context.Context) error { return nil }))

	h, handler := NewRouter(RouterConfig{
		Controller:          ctl,
		HealthChecker:       checker,
		DefaultPollInterval: time.Millisecond,
		APIKey:              apiKey,
	})
	srv := httptest.NewServer(h)

	t.Cleanup(srv.Close)
	t.Cleanup(handler.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ctl.Close(ctx)
	})
	return &testBridge{srv: srv, fake: fake, ctl: ctl}
}

func (b *testBridge) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, b.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (b *testBridge) submit(t *testing.T, body string) SubmitResponse {
	t.Helper()
	resp := b.do(t, http.MethodPost, "/v1/submissions", body)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status = %d, want 202", resp.StatusCode)
	}
	var out SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func (b *testBridge) dial(t *testing.T, path string, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(b.srv.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial %s: %v (status %d)", path, err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readKinds reads stream messages until the server closes the connection.
func readKinds(t *testing.T, conn *websocket.Conn) []string {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var kinds []string
	for {
		var msg map[string]any
		err := conn.ReadJSON(&msg)
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Fatalf("stream ended with %v after %v", err, kinds)
			}
			return kinds
		}
		kind, _ := msg["kind"].(string)
		kinds = append(kinds, kind)
	}
}

func TestHandler_Probes(t *testing.T) {
	t.Parallel()

	down := health.ReadinessFunc(func(context.Context) error { return errors.New("connection refused") })
	tests := []struct {
		name    string
		checker *health.Checker
		path    string
		want    int
	}{
		{"livez ignores dependencies", health.NewChecker().Require("gateway", down), "/livez", http.StatusOK},
		{"readyz without dependencies", health.NewChecker(), "/readyz", http.StatusOK},
		{"readyz gateway down", health.NewChecker().Require("gateway", down), "/readyz", http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := &Handler{health: tt.checker}
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.path == "/livez" {
				h.Livez(w, req)
			} else {
				h.Readyz(w, req)
			}

			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestHandler_SubmitRejects(t *testing.T) {
	t.Parallel()

	b := newTestBridge(t, "")
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", "not json"},
		{"missing spec", `{"token":"t1"}`},
		{"unknown type", `{"spec":{"type":"teleport"}}`},
		{"invalid spec", `{"spec":{"type":"pixelops","fileIds":["f1"],"op":"^"}}`},
		{"negative interval", `{"pollIntervalMs":-5,"spec":` + pixelSpecJSON + `}`},
		{"interval over a day", `{"pollIntervalMs":86400001,"spec":` + pixelSpecJSON + `}`},
		{"interval overflow", `{"pollIntervalMs":9223372036854775807,"spec":` + pixelSpecJSON + `}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := b.do(t, http.MethodPost, "/v1/submissions", tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}

	if calls := b.fake.Calls(gateway.OpCreateJob, ""); calls != 0 {
		t.Errorf("gateway called %d times for rejected submissions", calls)
	}
}

func TestHandler_SubmitAndStream(t *testing.T) {
	t.Parallel()

	b := newTestBridge(t, "")
	b.fake.SetStates("1", gatewaytest.InProgress(0.5), gatewaytest.Completed())

	sub := b.submit(t, `{"token":"ui-7","pollIntervalMs":1,"spec":`+pixelSpecJSON+`}`)
	if sub.Token != "ui-7" || sub.StreamURL != "/v1/streams/ui-7" {
		t.Fatalf("unexpected response %+v", sub)
	}

	kinds := readKinds(t, b.dial(t, sub.StreamURL, nil))
	if len(kinds) < 2 || kinds[0] != "created" || kinds[len(kinds)-1] != "completed" {
		t.Errorf("kinds = %v, want created ... completed", kinds)
	}

	resp := b.do(t, http.MethodGet, "/v1/jobs/1", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET job status = %d", resp.StatusCode)
	}
	var entity job.Entity
	if err := json.NewDecoder(resp.Body).Decode(&entity); err != nil {
		t.Fatal(err)
	}
	if entity.Job.Status() != job.StatusCompleted || entity.Result == nil {
		t.Errorf("entity = %+v, want completed with result", entity)
	}
}

func TestHandler_SubmitWithoutPolling(t *testing.T) {
	t.Parallel()

	b := newTestBridge(t, "")
	sub := b.submit(t, `{"pollIntervalMs":0,"spec":`+pixelSpecJSON+`}`)
	if sub.Token == "" {
		t.Fatal("expected a generated token")
	}

	kinds := readKinds(t, b.dial(t, sub.StreamURL, nil))
	if len(kinds) != 1 || kinds[0] != "created" {
		t.Errorf("kinds = %v, want [created]", kinds)
	}
}

func TestHandler_ListAndGet(t *testing.T) {
	t.Parallel()

	b := newTestBridge(t, "")
	if resp := b.do(t, http.MethodGet, "/v1/jobs/404", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown job status = %d, want 404", resp.StatusCode)
	}

	for range 2 {
		sub := b.submit(t, `{"pollIntervalMs":0,"spec":`+pixelSpecJSON+`}`)
		readKinds(t, b.dial(t, sub.StreamURL, nil))
	}

	var out struct {
		Jobs []job.Entity `json:"jobs"`
	}
	resp := b.do(t, http.MethodGet, "/v1/jobs", "")
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Jobs) != 2 || out.Jobs[0].Job.ID != "1" || out.Jobs[1].Job.ID != "2" {
		t.Errorf("jobs = %+v, want ids 1, 2 in order", out.Jobs)
	}
}

func TestHandler_StopAndCancel(t *testing.T) {
	t.Parallel()

	b := newTestBridge(t, "")
	sub := b.submit(t, `{"spec":`+pixelSpecJSON+`}`)
	conn := b.dial(t, sub.StreamURL, nil)

	if resp := b.do(t, http.MethodPost, "/v1/jobs/99/cancel", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("cancel unknown = %d, want 404", resp.StatusCode)
	}

	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil || msg["kind"] != "created" {
		t.Fatalf("first message = %v, %v", msg, err)
	}

	resp := b.do(t, http.MethodPost, "/v1/jobs/1/cancel", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("cancel status = %d, want 202", resp.StatusCode)
	}
	var snapshot job.Job
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		t.Fatal(err)
	}
	if snapshot.Status() != job.StatusCanceled {
		t.Errorf("cancel snapshot status = %q", snapshot.Status())
	}

	if resp := b.do(t, http.MethodDelete, "/v1/jobs/1", ""); resp.StatusCode != http.StatusNoContent {
		t.Errorf("stop status = %d, want 204", resp.StatusCode)
	}
	kinds := readKinds(t, conn)
	if len(kinds) == 0 || kinds[len(kinds)-1] != "stopped" {
		t.Errorf("kinds after stop = %v, want ... stopped", kinds)
	}
	if resp := b.do(t, http.MethodDelete, "/v1/jobs/1", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("second stop = %d, want 404", resp.StatusCode)
	}
}

func TestRouter_Auth(t *testing.T) {
	t.Parallel()

	b := newTestBridge(t, "secret")

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic secret", http.StatusUnauthorized},
		{"wrong key", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer secret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, b.srv.URL+"/v1/jobs", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}

	if resp := b.do(t, http.MethodGet, "/livez", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("livez requires no auth, got %d", resp.StatusCode)
	}

	// Browsers cannot set headers on websocket upgrades.
	conn := b.dial(t, "/v1/streams/late?access_token=secret", nil)
	_ = conn.Close()
}

func TestParkedStreams_Expire(t *testing.T) {
	t.Parallel()

	b := newTestBridge(t, "")
	p := newParkedStreams(10 * time.Millisecond)
	p.park(watchToken(b.ctl, "t1"))

	time.Sleep(50 * time.Millisecond)
	if _, ok := p.claim("t1"); ok {
		t.Error("expired stream was claimed")
	}

	p.window = time.Hour
	p.park(watchToken(b.ctl, "t2"))
	s := watchToken(b.ctl, "t3")
	p.park(s)
	if got, ok := p.claim("t3"); !ok || got != s {
		t.Error("parked stream not claimed")
	}
	s.Close()

	p.closeAll()
	if _, ok := p.claim("t2"); ok {
		t.Error("closeAll left a stream parked")
	}
}

func TestMiddleware_Recovery(t *testing.T) {
	t.Parallel()

	h := RecoveryMiddleware()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/jobs", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestMiddleware_ContentType(t *testing.T) {
	t.Parallel()

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	h := ContentTypeMiddleware()(inner)

	tests := []struct {
		contentType string
		want        int
	}{
		{"application/json", http.StatusOK},
		{"application/json; charset=utf-8", http.StatusOK},
		{"", http.StatusOK},
		{"text/plain", http.StatusUnsupportedMediaType},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodPost, "/v1/submissions", bytes.NewBufferString("{}"))
		if tt.contentType != "" {
			req.Header.Set("Content-Type", tt.contentType)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != tt.want {
			t.Errorf("Content-Type %q: status = %d, want %d", tt.contentType, w.Code, tt.want)
		}
	}
}

func TestMiddleware_RequestID(t *testing.T) {
	t.Parallel()

	var seen string
	h := RequestIDMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if seen == "" || w.Header().Get(RequestIDHeader) != seen {
		t.Errorf("generated id %q, header %q", seen, w.Header().Get(RequestIDHeader))
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "abc" {
		t.Errorf("propagated id = %q, want abc", seen)
	}
}

func watchToken(ctl *lifecycle.Controller, token string) *correlation.Stream {
	return correlation.Watch(ctl, token)
}
