package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"afterglow/internal/apperrors"
	"afterglow/internal/job"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

// maxResponseBodySize bounds how much of a response is read.
const maxResponseBodySize = 32 << 20 // 32 MB

// HTTPError represents a non-2xx response from the computation service.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// IsClientError returns true for 4xx responses.
func IsClientError(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode >= 400 && he.StatusCode < 500
	}
	return false
}

// HTTPConfig configures the HTTP gateway.
type HTTPConfig struct {
	BaseURL   string        // e.g. http://localhost:5000/api/v1
	Token     string        // bearer token, empty = no auth header
	Timeout   time.Duration // per-request timeout (default: 30s)
	RateLimit float64       // requests per second across all jobs, 0 = unlimited
	Burst     int           // limiter burst (default: 1)
	Metrics   MetricsRecorder
}

func (c HTTPConfig) withDefaults() HTTPConfig {
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	return c
}

// HTTP implements Gateway against the JSON job API:
//
//	POST /jobs                -> {id, type, state}
//	GET  /jobs/{id}/state     -> {status, createdOn, completedOn, progress}
//	GET  /jobs/{id}/result    -> {errors, warnings, ...}
//	PUT  /jobs/{id}           {status: "canceled"} -> {id, type, state}
type HTTP struct {
	baseURL string
	token   string
	client  *http.Client
	limiter *rate.Limiter
	metrics MetricsRecorder
}

// NewHTTP creates an HTTP gateway with an instrumented transport.
func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	cfg = cfg.withDefaults()
	if cfg.BaseURL == "" {
		return nil, apperrors.Validation("baseURL", "gateway base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, apperrors.Validation("baseURL", fmt.Sprintf("invalid gateway base URL: %v", err))
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst)
	}

	return &HTTP{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: otelhttp.NewTransport(&http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			}),
		},
		limiter: limiter,
		metrics: cfg.Metrics,
	}, nil
}

type createResponse struct {
	ID    string     `json:"id"`
	Type  job.Type   `json:"type"`
	State *job.State `json:"state"`
}

// CreateJob sends POST /jobs.
func (g *HTTP) CreateJob(ctx context.Context, spec job.Spec) (job.Job, error) {
	body, err := job.MarshalSpec(spec)
	if err != nil {
		return job.Job{}, apperrors.Internal(OpCreateJob, err)
	}

	var resp createResponse
	if err := g.do(ctx, OpCreateJob, http.MethodPost, "/jobs", body, &resp); err != nil {
		return job.Job{}, err
	}
	return g.toJob(OpCreateJob, resp, spec.JobType())
}

// GetJobState sends GET /jobs/{id}/state.
func (g *HTTP) GetJobState(ctx context.Context, id string) (job.State, error) {
	var state job.State
	if err := g.do(ctx, OpGetJobState, http.MethodGet, "/jobs/"+url.PathEscape(id)+"/state", nil, &state); err != nil {
		return job.State{}, err
	}
	if !state.Status.Valid() {
		return job.State{}, apperrors.Transport(OpGetJobState, fmt.Errorf("unknown status %q", state.Status))
	}
	return state, nil
}

// GetJobResult sends GET /jobs/{id}/result.
func (g *HTTP) GetJobResult(ctx context.Context, id string) (job.Result, error) {
	var result job.Result
	if err := g.do(ctx, OpGetJobResult, http.MethodGet, "/jobs/"+url.PathEscape(id)+"/result", nil, &result); err != nil {
		return job.Result{}, err
	}
	return result, nil
}

// CancelJob sends PUT /jobs/{id} with {"status": "canceled"}.
func (g *HTTP) CancelJob(ctx context.Context, id string) (job.Job, error) {
	body, _ := json.Marshal(map[string]job.Status{"status": job.StatusCanceled})

	var resp createResponse
	if err := g.do(ctx, OpCancelJob, http.MethodPut, "/jobs/"+url.PathEscape(id), body, &resp); err != nil {
		return job.Job{}, err
	}
	if resp.ID == "" {
		resp.ID = id
	}
	return g.toJob(OpCancelJob, resp, resp.Type)
}

// Ready checks that the computation service answers at all. Any response below
// 500 counts as reachable.
func (g *HTTP) Ready(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, g.baseURL+"/jobs", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	g.authorize(req)

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("computation service unreachable: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return &HTTPError{StatusCode: resp.StatusCode}
	}
	return nil
}

func (g *HTTP) toJob(op string, resp createResponse, fallback job.Type) (job.Job, error) {
	if resp.ID == "" {
		return job.Job{}, apperrors.Transport(op, fmt.Errorf("response has no job id"))
	}
	if resp.Type == "" {
		resp.Type = fallback
	}
	if resp.State == nil {
		resp.State = &job.State{Status: job.StatusPending, CreatedOn: time.Now().UTC()}
	}
	return job.Job{ID: resp.ID, Type: resp.Type, State: resp.State}, nil
}

func (g *HTTP) authorize(req *http.Request) {
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
}

// do performs one request and decodes a 2xx body into out. Every failure is
// wrapped as a transport error for op.
func (g *HTTP) do(ctx context.Context, op, method, path string, body []byte, out any) (err error) {
	start := time.Now()
	if g.metrics != nil {
		defer func() {
			g.metrics.RecordGatewayRequest(ctx, op, err == nil, time.Since(start).Seconds())
		}()
	}

	if g.limiter != nil {
		if werr := g.limiter.Wait(ctx); werr != nil {
			return apperrors.Transport(op, werr)
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, rerr := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if rerr != nil {
		return apperrors.Transport(op, fmt.Errorf("failed to create request: %w", rerr))
	}
	g.authorize(req)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, derr := g.client.Do(req)
	if derr != nil {
		return apperrors.Transport(op, fmt.Errorf("request failed: %w", derr))
	}
	defer resp.Body.Close()

	respBody, rerr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if rerr != nil {
		return apperrors.Transport(op, fmt.Errorf("failed to read response: %w", rerr))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperrors.Transport(op, &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))})
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return apperrors.Transport(op, fmt.Errorf("failed to parse response: %w", err))
	}
	return nil
}

// Verify HTTP implements Gateway
var _ Gateway = (*HTTP)(nil)
