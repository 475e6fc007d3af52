//go:build e2e

package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"afterglow/internal/api"
	"afterglow/internal/dispatcher"
	"afterglow/internal/gateway"
	"afterglow/internal/health"
	"afterglow/internal/job"
	"afterglow/internal/lifecycle"
	"afterglow/internal/registry"
)

// computeService plays the remote computation service: each job reports
// in_progress for a fixed number of probes and then completes.
type computeService struct {
	steps int

	mu     sync.Mutex
	nextID int
	jobs   map[string]*remoteJob
}

type remoteJob struct {
	typ      job.Type
	created  time.Time
	probes   int
	canceled bool
}

func newComputeService(tb testing.TB, steps int) (*computeService, *httptest.Server) {
	tb.Helper()
	cs := &computeService{steps: steps, jobs: make(map[string]*remoteJob)}

	mux := http.NewServeMux()
	mux.HandleFunc("HEAD /jobs", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("POST /jobs", cs.create)
	mux.HandleFunc("GET /jobs/{id}/state", cs.state)
	mux.HandleFunc("GET /jobs/{id}/result", cs.result)
	mux.HandleFunc("PUT /jobs/{id}", cs.cancel)

	srv := httptest.NewServer(mux)
	tb.Cleanup(srv.Close)
	return cs, srv
}

func (cs *computeService) create(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type job.Type `json:"type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Type == "" {
		http.Error(w, "bad spec", http.StatusBadRequest)
		return
	}

	cs.mu.Lock()
	cs.nextID++
	id := strconv.Itoa(cs.nextID)
	rj := &remoteJob{typ: body.Type, created: time.Now().UTC()}
	cs.jobs[id] = rj
	cs.mu.Unlock()

	writeJSON(w, map[string]any{
		"id":    id,
		"type":  body.Type,
		"state": job.State{Status: job.StatusPending, CreatedOn: rj.created},
	})
}

func (cs *computeService) lookup(w http.ResponseWriter, r *http.Request) (*remoteJob, bool) {
	rj, ok := cs.jobs[r.PathValue("id")]
	if !ok {
		http.NotFound(w, r)
	}
	return rj, ok
}

func (cs *computeService) state(w http.ResponseWriter, r *http.Request) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	rj, ok := cs.lookup(w, r)
	if !ok {
		return
	}
	rj.probes++
	writeJSON(w, cs.snapshot(rj))
}

func (cs *computeService) snapshot(rj *remoteJob) job.State {
	st := job.State{Status: job.StatusInProgress, CreatedOn: rj.created}
	switch {
	case rj.canceled:
		st.Status = job.StatusCanceled
	case rj.probes >= cs.steps:
		done := time.Now().UTC()
		st.Status, st.Progress, st.CompletedOn = job.StatusCompleted, 1, &done
	default:
		st.Progress = float64(rj.probes) / float64(cs.steps)
	}
	return st
}

func (cs *computeService) result(w http.ResponseWriter, r *http.Request) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	rj, ok := cs.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, map[string]any{
		"errors":   []any{},
		"warnings": []string{"synthetic result"},
		"type":     rj.typ,
	})
}

func (cs *computeService) cancel(w http.ResponseWriter, r *http.Request) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	rj, ok := cs.lookup(w, r)
	if !ok {
		return
	}
	rj.canceled = true
	writeJSON(w, map[string]any{"id": r.PathValue("id"), "type": rj.typ, "state": cs.snapshot(rj)})
}

func (cs *computeService) probes(id string) int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if rj, ok := cs.jobs[id]; ok {
		return rj.probes
	}
	return 0
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

type bridge struct {
	url        string
	ctl        *lifecycle.Controller
	dispatcher *dispatcher.MemoryDispatcher
}

type bridgeOptions struct {
	relayURL  string
	rateLimit float64
}

// startBridge wires the HTTP gateway, controller, API and optional relay the
// way jobs-bridge does. E2E_GATEWAY_URL points it at a real service instead
// of gatewayURL.
func startBridge(tb testing.TB, gatewayURL string, opts bridgeOptions) *bridge {
	tb.Helper()
	if url := os.Getenv("E2E_GATEWAY_URL"); url != "" {
		gatewayURL = url
	}

	gw, err := gateway.NewHTTP(gateway.HTTPConfig{BaseURL: gatewayURL, Timeout: 5 * time.Second, RateLimit: opts.rateLimit, Burst: 10})
	if err != nil {
		tb.Fatalf("gateway: %v", err)
	}
	ctl := lifecycle.New(gw, registry.New(), lifecycle.Config{MaxPollDuration: time.Minute})
	b := &bridge{ctl: ctl}

	if opts.relayURL != "" {
		b.dispatcher = dispatcher.NewMemory(dispatcher.MemoryConfig{BufferSize: 1000, Workers: 4}, nil)
		dispatcher.NewRelay(ctl, b.dispatcher, dispatcher.RelayConfig{URL: opts.relayURL, Source: "afterglow/e2e"})
	}

	router, handler := api.NewRouter(api.RouterConfig{
		Controller:          ctl,
		HealthChecker:       health.NewChecker().Require("gateway", gw),
		DefaultPollInterval: 5 * time.Millisecond,
	})
	srv := httptest.NewServer(router)
	b.url = srv.URL

	tb.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = ctl.Close(ctx)
		handler.Close()
		srv.Close()
		if b.dispatcher != nil {
			_ = b.dispatcher.Close(ctx)
		}
	})
	return b
}

func wsURL(httpURL, path string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + path
}
