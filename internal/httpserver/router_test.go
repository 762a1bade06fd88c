package httpserver

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap/zaptest"

	"github.com/ErickCReis/glim-node/internal/handlers"
	"github.com/ErickCReis/glim-node/internal/middleware"
	"github.com/ErickCReis/glim-node/internal/respcache"
	"github.com/ErickCReis/glim-node/internal/store"
	"github.com/ErickCReis/glim-node/internal/webservice"
)

func newTestServer(t *testing.T, enabled bool) *chi.Mux {
	t.Helper()
	return newTestServerWithStats(t, enabled, nil)
}

func newTestServerWithStats(t *testing.T, enabled bool, stats handlers.ViewReporter) *chi.Mux {
	t.Helper()
	mem := store.NewMemoryStore(time.Minute)
	t.Cleanup(func() { _ = mem.Close() })

	cache := respcache.New(mem)
	items := handlers.NewItemsHandler(handlers.NewItemRepository(), cache, stats)
	cacheMW := middleware.NewCacheMiddleware(cache, middleware.CacheSettings{Enabled: enabled})

	r := chi.NewRouter()
	SetupRouter(r, zaptest.NewLogger(t), items, cacheMW)
	return r
}

type recordingStats struct {
	mu    sync.Mutex
	items []int64
}

func (s *recordingStats) Post(_ context.Context, path string, body any) (*webservice.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := body.(map[string]any); ok && path == "/v1/views" {
		if id, ok := m["itemId"].(int64); ok {
			s.items = append(s.items, id)
		}
	}
	return &webservice.Response{StatusCode: http.StatusAccepted}, nil
}

func authHeader(id int) string {
	return base64.StdEncoding.EncodeToString([]byte(`{"id":` + strconv.Itoa(id) + `,"name":"tester"}`))
}

func send(t *testing.T, h http.Handler, method, target, body string, user int) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if user > 0 {
		req.Header.Set(middleware.HeaderAuth, authHeader(user))
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestRouter_CachedListIsInvalidatedByCreate(t *testing.T) {
	srv := newTestServer(t, true)

	if rr := send(t, srv, http.MethodPost, "/v1/items", `{"name":"a"}`, 4); rr.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d", rr.Code)
	}

	rr := send(t, srv, http.MethodGet, "/v1/items?sort=asc", "", 4)
	if rr.Header().Get(middleware.HeaderCache) != "false" {
		t.Fatalf("first list should be a stored miss, got %q", rr.Header().Get(middleware.HeaderCache))
	}
	rr = send(t, srv, http.MethodGet, "/v1/items?sort=asc", "", 4)
	if rr.Header().Get(middleware.HeaderCache) != "true" {
		t.Fatalf("second list should be a hit, got %q", rr.Header().Get(middleware.HeaderCache))
	}
	if !strings.Contains(rr.Body.String(), `"name":"a"`) {
		t.Fatalf("unexpected cached body %s", rr.Body.String())
	}

	// A different user never sees user 4's cached list.
	rr = send(t, srv, http.MethodGet, "/v1/items?sort=asc", "", 5)
	if rr.Header().Get(middleware.HeaderCache) != "false" || strings.Contains(rr.Body.String(), `"name":"a"`) {
		t.Fatalf("user 5 observed user 4's data: %s", rr.Body.String())
	}

	if rr := send(t, srv, http.MethodPost, "/v1/items", `{"name":"b"}`, 4); rr.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d", rr.Code)
	}

	rr = send(t, srv, http.MethodGet, "/v1/items?sort=asc", "", 4)
	if rr.Header().Get(middleware.HeaderCache) != "false" {
		t.Fatalf("list after create must miss, got %q", rr.Header().Get(middleware.HeaderCache))
	}
	if !strings.Contains(rr.Body.String(), `"name":"b"`) {
		t.Fatalf("stale list served after create: %s", rr.Body.String())
	}
}

func TestRouter_SharedListing(t *testing.T) {
	srv := newTestServer(t, true)

	send(t, srv, http.MethodPost, "/v1/items", `{"name":"a"}`, 1)

	rr := send(t, srv, http.MethodGet, "/private/items", "", 0)
	if rr.Header().Get(middleware.HeaderCache) != "false" {
		t.Fatalf("expected stored miss, got %q", rr.Header().Get(middleware.HeaderCache))
	}
	rr = send(t, srv, http.MethodGet, "/private/items", "", 2)
	if rr.Header().Get(middleware.HeaderCache) != "true" {
		t.Fatalf("shared scope must serve any caller, got %q", rr.Header().Get(middleware.HeaderCache))
	}

	send(t, srv, http.MethodPost, "/v1/items", `{"name":"b"}`, 1)
	rr = send(t, srv, http.MethodGet, "/private/items", "", 0)
	if rr.Header().Get(middleware.HeaderCache) != "false" || !strings.Contains(rr.Body.String(), `"total":2`) {
		t.Fatalf("shared listing not invalidated: %q %s", rr.Header().Get(middleware.HeaderCache), rr.Body.String())
	}
}

func TestRouter_RequiresIdentity(t *testing.T) {
	srv := newTestServer(t, true)

	if rr := send(t, srv, http.MethodGet, "/v1/items", "", 0); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestRouter_CacheDisabled(t *testing.T) {
	srv := newTestServer(t, false)

	for i := 0; i < 2; i++ {
		rr := send(t, srv, http.MethodGet, "/v1/items", "", 3)
		if rr.Code != http.StatusOK || rr.Header().Get(middleware.HeaderCache) != "" {
			t.Fatalf("disabled cache must be invisible, got %d %q", rr.Code, rr.Header().Get(middleware.HeaderCache))
		}
	}
}

func TestRouter_Healthz(t *testing.T) {
	srv := newTestServer(t, false)

	rr := send(t, srv, http.MethodGet, "/healthz", "", 0)
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Fatalf("unexpected healthz response %d %q", rr.Code, rr.Body.String())
	}
}

func TestRouter_CachedItemViewsAreReported(t *testing.T) {
	stats := &recordingStats{}
	srv := newTestServerWithStats(t, true, stats)

	if rr := send(t, srv, http.MethodPost, "/v1/items", `{"name":"a"}`, 6); rr.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d", rr.Code)
	}

	for i, want := range []string{"false", "true"} {
		rr := send(t, srv, http.MethodGet, "/v1/items/1", "", 6)
		if rr.Code != http.StatusOK || rr.Header().Get(middleware.HeaderCache) != want {
			t.Fatalf("view %d: status %d cache %q", i, rr.Code, rr.Header().Get(middleware.HeaderCache))
		}
	}
	if rr := send(t, srv, http.MethodGet, "/v1/items/99", "", 6); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}

	stats.mu.Lock()
	defer stats.mu.Unlock()
	if len(stats.items) != 2 || stats.items[0] != 1 || stats.items[1] != 1 {
		t.Fatalf("expected two reported views of item 1, got %v", stats.items)
	}
}
