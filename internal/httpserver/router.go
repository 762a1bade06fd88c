package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ErickCReis/glim-node/internal/handlers"
	"github.com/ErickCReis/glim-node/internal/metrics"
	"github.com/ErickCReis/glim-node/internal/middleware"
)

const (
	requestTimeout = 15 * time.Second
	maxBodyBytes   = 512 * 1024

	// sharedListTTL bounds the shared listing; private views live until
	// the end of the day or the next mutation.
	sharedListTTL = time.Hour
)

func SetupRouter(r *chi.Mux, baseLogger *zap.Logger, items *handlers.ItemsHandler, cache *middleware.CacheMiddleware) {

	r.Use(metrics.Middleware)

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)

	r.Use(middleware.LoggingContext(baseLogger))
	r.Use(middleware.Recoverer())
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(middleware.MaxBodySize(maxBodyBytes))
	r.Use(middleware.Identity())

	// per-user resources; the cache only acts on GET
	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.RequireIdentity())
		byUser := cache.ByUser(0)

		r.With(byUser).Get("/items", items.List)
		r.With(byUser).Post("/items", items.Create)
		// views are reported on cache hits too
		r.With(items.ReportViews, byUser).Get("/items/{id}", items.Get)
		r.With(byUser).Delete("/items/{id}", items.Delete)
	})

	// internal listing shared by every caller
	r.With(cache.Shared(sharedListTTL)).Get("/private/items", items.PrivateList)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", metrics.Handler())
}
