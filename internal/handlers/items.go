package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ErickCReis/glim-node/internal/auth"
	"github.com/ErickCReis/glim-node/internal/webservice"
	"github.com/ErickCReis/glim-node/pkg/logging/logging"
)

type Item struct {
	ID        int64     `json:"id"`
	OwnerID   int64     `json:"ownerId"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

var ErrItemNotFound = errors.New("item not found")

// ItemRepository is an in-memory item table.
type ItemRepository struct {
	mu     sync.RWMutex
	nextID int64
	items  map[int64]Item
	now    func() time.Time
}

func NewItemRepository() *ItemRepository {
	return &ItemRepository{items: make(map[int64]Item), now: time.Now}
}

// List returns the owner's items ordered by id; ownerID 0 returns every item.
func (r *ItemRepository) List(ownerID int64, desc bool) []Item {
	r.mu.RLock()
	out := make([]Item, 0, len(r.items))
	for _, it := range r.items {
		if ownerID == 0 || it.OwnerID == ownerID {
			out = append(out, it)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].ID > out[j].ID
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *ItemRepository) Get(ownerID, id int64) (Item, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	it, ok := r.items[id]
	if !ok || it.OwnerID != ownerID {
		return Item{}, ErrItemNotFound
	}
	return it, nil
}

func (r *ItemRepository) Create(ownerID int64, name string) Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	it := Item{ID: r.nextID, OwnerID: ownerID, Name: name, CreatedAt: r.now().UTC()}
	r.items[it.ID] = it
	return it
}

func (r *ItemRepository) Delete(ownerID, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.items[id]
	if !ok || it.OwnerID != ownerID {
		return ErrItemNotFound
	}
	delete(r.items, id)
	return nil
}

// Invalidator drops cached responses after a mutation.
type Invalidator interface {
	Invalidate(ctx context.Context, patterns ...string) error
	InvalidateByUser(ctx context.Context, userID int64, patterns ...string) error
}

// ViewReporter receives item view events; the statistics web service in
// production.
type ViewReporter interface {
	Post(ctx context.Context, path string, body any) (*webservice.Response, error)
}

// ItemsHandler serves /v1/items and /private/items.
type ItemsHandler struct {
	Repo  *ItemRepository
	Cache Invalidator
	Stats ViewReporter // optional
}

func NewItemsHandler(repo *ItemRepository, cache Invalidator, stats ViewReporter) *ItemsHandler {
	return &ItemsHandler{Repo: repo, Cache: cache, Stats: stats}
}

type createItemRequest struct {
	Name string `json:"name"`
}

// List handles GET /v1/items?sort=asc|desc.
func (h *ItemsHandler) List(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.FromContext(r.Context())

	order := strings.ToLower(r.URL.Query().Get("sort"))
	if order == "" {
		order = "asc"
	}
	if order != "asc" && order != "desc" {
		writeError(w, http.StatusBadRequest, "invalid_sort")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items": h.Repo.List(user.ID, order == "desc"),
		"sort":  order,
	})
}

// Get handles GET /v1/items/{id}.
func (h *ItemsHandler) Get(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.FromContext(r.Context())

	id, ok := itemID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_id")
		return
	}

	it, err := h.Repo.Get(user.ID, id)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}

	writeJSON(w, http.StatusOK, it)
}

// Create handles POST /v1/items.
func (h *ItemsHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.L(ctx)
	user, _ := auth.FromContext(ctx)

	var req createItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "body_too_large")
			return
		}
		logger.Warn("invalid request", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, http.StatusUnprocessableEntity, "name_required")
		return
	}

	it := h.Repo.Create(user.ID, req.Name)
	h.invalidate(ctx, user.ID)

	logger.Info("item_created", zap.Int64("item_id", it.ID))
	writeJSON(w, http.StatusCreated, it)
}

// Delete handles DELETE /v1/items/{id}.
func (h *ItemsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	user, _ := auth.FromContext(ctx)

	id, ok := itemID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_id")
		return
	}
	if err := h.Repo.Delete(user.ID, id); err != nil {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	h.invalidate(ctx, user.ID)

	w.WriteHeader(http.StatusNoContent)
}

// PrivateList handles GET /private/items: every item, for internal callers.
func (h *ItemsHandler) PrivateList(w http.ResponseWriter, r *http.Request) {
	items := h.Repo.List(0, false)
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"total": len(items),
	})
}

// invalidate drops the caller's cached item views and the shared listing.
// Failures are logged; the mutation already happened.
func (h *ItemsHandler) invalidate(ctx context.Context, userID int64) {
	if h.Cache == nil {
		return
	}
	logger := logging.L(ctx)
	if err := h.Cache.InvalidateByUser(ctx, userID, "/v1/items/*"); err != nil {
		logger.Warn("cache_invalidate_error", zap.Int64("user_id", userID), zap.Error(err))
	}
	if err := h.Cache.Invalidate(ctx, "/private/items"); err != nil {
		logger.Warn("cache_invalidate_error", zap.Error(err))
	}
}

// ReportViews reports every successful item view to the statistics service,
// including views answered from the response cache. Mount it outside the
// cache middleware.
func (h *ItemsHandler) ReportViews(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.Stats == nil {
			next.ServeHTTP(w, r)
			return
		}

		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		if ww.Status() != http.StatusOK {
			return
		}
		id, ok := itemID(r)
		if !ok {
			return
		}
		user, _ := auth.FromContext(r.Context())
		h.reportView(r.Context(), user.ID, id)
	})
}

func (h *ItemsHandler) reportView(ctx context.Context, userID, itemID int64) {
	resp, err := h.Stats.Post(ctx, "/v1/views", map[string]any{
		"userId": userID,
		"itemId": itemID,
		"at":     time.Now().UTC().Unix(),
	})
	if err != nil {
		logging.L(ctx).Warn("statistic_report_error", zap.Error(err))
		return
	}
	if !resp.OK() {
		logging.L(ctx).Warn("statistic_report_rejected", zap.Int("status", resp.StatusCode))
	}
}

func itemID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
