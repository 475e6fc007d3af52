package cloudevent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCloudEvent_Validate(t *testing.T) {
	t.Parallel()

	if err := New("afterglow.job.created", "bridge", "1", "abc", nil).Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
	if err := (&CloudEvent{SpecVersion: "0.3"}).Validate(); err == nil {
		t.Error("Validate() error = nil for empty event")
	}
}

func TestIsClientError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"400", &HTTPError{StatusCode: 400}, true},
		{"404", &HTTPError{StatusCode: 404}, true},
		{"408 retryable", &HTTPError{StatusCode: 408}, false},
		{"429 retryable", &HTTPError{StatusCode: 429}, false},
		{"500", &HTTPError{StatusCode: 500}, false},
		{"wrapped 401", errors.Join(errors.New("send"), &HTTPError{StatusCode: 401}), true},
		{"non-HTTP", context.DeadlineExceeded, false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := IsClientError(tt.err); got != tt.want {
				t.Errorf("IsClientError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestSignatureAndVerify(t *testing.T) {
	t.Parallel()
	payload := []byte(`{"test":"data"}`)

	sig := Signature(payload, "secret-key")
	if len(sig) != len("sha256=")+64 || sig[:7] != "sha256=" {
		t.Fatalf("Signature() = %q", sig)
	}
	if !Verify(payload, "secret-key", sig) {
		t.Error("Verify() = false for matching key")
	}
	if Verify(payload, "other-key", sig) {
		t.Error("Verify() = true for a different key")
	}
}

func TestSender_Send(t *testing.T) {
	t.Parallel()

	type received struct {
		header http.Header
		body   []byte
	}
	got := make(chan received, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- received{header: r.Header.Clone(), body: body}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewSender(time.Second, WithUserAgent("afterglow-test"))
	ev := New("afterglow.job.completed", "bridge", "42", "id-1", map[string]any{"status": "completed"})
	if err := s.Send(context.Background(), srv.URL, ev, SendOptions{SigningKey: "k"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	r := <-got
	if ct := r.header.Get("Content-Type"); ct != "application/cloudevents+json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if ua := r.header.Get("User-Agent"); ua != "afterglow-test" {
		t.Errorf("User-Agent = %q", ua)
	}
	if !Verify(r.body, "k", r.header.Get(SignatureHeader)) {
		t.Error("signature header does not verify against body")
	}
	var decoded CloudEvent
	if err := json.Unmarshal(r.body, &decoded); err != nil {
		t.Fatalf("body decode error = %v", err)
	}
	if decoded.Type != ev.Type || decoded.Subject != "42" || decoded.Data["status"] != "completed" {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestSender_SendErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s := NewSender(time.Second, WithHTTPClient(srv.Client()))
	err := s.Send(context.Background(), srv.URL, New("t", "s", "", "id", nil), SendOptions{})

	var he *HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("Send() error = %v, want *HTTPError", err)
	}
	if he.StatusCode != http.StatusTooManyRequests || he.RetryAfter != 7*time.Second {
		t.Errorf("HTTPError = %+v", he)
	}

	if err := s.Send(context.Background(), srv.URL, &CloudEvent{}, SendOptions{}); err == nil {
		t.Error("Send() accepted an invalid event")
	}
}
