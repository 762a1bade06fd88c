package webservice

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/dnscache"
	"go.uber.org/zap/zaptest"
)

func TestNewClientValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewClient(Config{}, zaptest.NewLogger(t)); err == nil {
		t.Fatalf("expected validation error, got nil")
	}
	if _, err := NewClient(Config{BaseURL: "ftp://example.com"}, zaptest.NewLogger(t)); err == nil {
		t.Fatalf("expected scheme validation error, got nil")
	}
}

func TestPostSendsJSONAndHeaders(t *testing.T) {
	t.Parallel()

	var gotBody map[string]any
	var gotToken, gotContentType string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/views" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotToken = r.Header.Get("x-token")
		gotContentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true,"view":{"id":9}}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{
		BaseURL: srv.URL + "/",
		Headers: func() map[string]string { return map[string]string{"x-token": "secret"} },
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer client.Close()

	resp, err := client.Post(context.Background(), "/v1/views", map[string]any{"itemId": 3})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if !resp.OK() || resp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if resp.Get("view.id").Int() != 9 {
		t.Fatalf("unexpected body %s", resp.Body)
	}
	if gotToken != "secret" || gotContentType != "application/json" {
		t.Fatalf("headers not sent: token=%q content-type=%q", gotToken, gotContentType)
	}
	if gotBody["itemId"] != float64(3) {
		t.Fatalf("unexpected request body %#v", gotBody)
	}

	var decoded struct {
		OK   bool `json:"ok"`
		View struct {
			ID int `json:"id"`
		} `json:"view"`
	}
	if err := resp.Decode(&decoded); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !decoded.OK || decoded.View.ID != 9 {
		t.Fatalf("unexpected decoded body %+v", decoded)
	}
}

func TestRetriesOnServerError(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{
		BaseURL:     srv.URL,
		MaxRetries:  3,
		BaseBackoff: time.Millisecond,
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	resp, err := client.Get(context.Background(), "/ping")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if resp.StatusCode != http.StatusOK || calls.Load() != 3 {
		t.Fatalf("expected success on third attempt, got status %d after %d calls", resp.StatusCode, calls.Load())
	}
}

func TestClientErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client, _ := NewClient(Config{BaseURL: srv.URL, BaseBackoff: time.Millisecond}, zaptest.NewLogger(t))

	resp, err := client.Delete(context.Background(), "/v1/items/1")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound || calls.Load() != 1 {
		t.Fatalf("expected single 404, got %d after %d calls", resp.StatusCode, calls.Load())
	}
}

func TestLastRetryableResponseIsReturned(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"upstream"}`))
	}))
	defer srv.Close()

	client, _ := NewClient(Config{BaseURL: srv.URL, MaxRetries: 1, BaseBackoff: time.Millisecond}, zaptest.NewLogger(t))

	resp, err := client.Put(context.Background(), "/v1/items/1", map[string]string{"name": "x"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if resp.StatusCode != http.StatusBadGateway || calls.Load() != 2 {
		t.Fatalf("expected 502 after 2 calls, got %d after %d", resp.StatusCode, calls.Load())
	}
	if resp.Get("error").String() != "upstream" {
		t.Fatalf("unexpected body %s", resp.Body)
	}
}

func TestTimeoutIsNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	client, _ := NewClient(Config{BaseURL: srv.URL, Timeout: 20 * time.Millisecond}, zaptest.NewLogger(t))

	if _, err := client.Get(context.Background(), "/slow"); err == nil {
		t.Fatalf("expected timeout error")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one attempt, got %d", calls.Load())
	}
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	resp := &http.Response{Header: http.Header{}}
	resp.Header.Set("Retry-After", "2")
	if got := parseRetryAfter(resp); got != 2*time.Second {
		t.Fatalf("expected 2s, got %v", got)
	}
	resp.Header.Set("Retry-After", "100000")
	if got := parseRetryAfter(resp); got != maxRetryAfter {
		t.Fatalf("expected cap, got %v", got)
	}
	resp.Header.Set("Retry-After", "soon")
	if got := parseRetryAfter(resp); got != 0 {
		t.Fatalf("expected 0 for garbage, got %v", got)
	}
}

func TestComputeBackoffBounds(t *testing.T) {
	t.Parallel()

	for attempt := 0; attempt < 20; attempt++ {
		d := computeBackoff(10*time.Millisecond, attempt)
		if d < 0 || d >= 30*time.Second {
			t.Fatalf("backoff out of range for attempt %d: %v", attempt, d)
		}
	}
}

func TestCachedResolverTransport(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	resolver := &dnscache.Resolver{}
	client, err := NewClient(Config{BaseURL: srv.URL, Resolver: resolver}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer client.Close()

	for i := 0; i < 2; i++ {
		resp, err := client.Get(context.Background(), "/")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !resp.Get("ok").Bool() {
			t.Fatalf("unexpected body %s", resp.Body)
		}
	}
}
