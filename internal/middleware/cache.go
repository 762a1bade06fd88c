package middleware

import (
	"bytes"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/ErickCReis/glim-node/internal/auth"
	"github.com/ErickCReis/glim-node/internal/metrics"
	"github.com/ErickCReis/glim-node/internal/respcache"
	"github.com/ErickCReis/glim-node/pkg/logging/logging"
)

// HeaderCache is "true" on a cache hit and "false" on a miss that was stored.
const HeaderCache = "x-cache-middleware"

// AnonymousPolicy decides what a per-user cache does with a request that
// carries no identity.
type AnonymousPolicy string

const (
	AnonymousBypass AnonymousPolicy = "bypass"
	AnonymousReject AnonymousPolicy = "reject"
)

type CacheSettings struct {
	// Enabled is the process-wide feature flag. When false the middleware
	// is a pass-through and never touches the store.
	Enabled   bool
	Anonymous AnonymousPolicy
}

// CacheMiddleware caches JSON GET responses in a respcache.Cache.
type CacheMiddleware struct {
	cache    *respcache.Cache
	settings CacheSettings
}

func NewCacheMiddleware(cache *respcache.Cache, settings CacheSettings) *CacheMiddleware {
	if settings.Anonymous == "" {
		settings.Anonymous = AnonymousBypass
	}
	return &CacheMiddleware{cache: cache, settings: settings}
}

// Shared caches responses in the global scope, visible to every caller.
// A zero ttl means "until the end of the current UTC day".
func (m *CacheMiddleware) Shared(ttl time.Duration) func(http.Handler) http.Handler {
	return m.handler(ttl, false)
}

// ByUser caches responses in the authenticated caller's own scope.
func (m *CacheMiddleware) ByUser(ttl time.Duration) func(http.Handler) http.Handler {
	return m.handler(ttl, true)
}

func (m *CacheMiddleware) handler(ttl time.Duration, byUser bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !m.settings.Enabled || r.Method != http.MethodGet {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			logger := logging.L(ctx)

			var userID int64
			if byUser {
				id, ok := auth.FromContext(ctx)
				if !ok {
					if m.settings.Anonymous == AnonymousReject {
						decision(logger, "reject")
						writeJSONError(w, http.StatusUnauthorized, "unauthorized")
						return
					}
					decision(logger, "bypass")
					next.ServeHTTP(w, r)
					return
				}
				userID = id.ID
			}

			body, err := readAndRestoreBody(r)
			if err != nil {
				decision(logger, "bypass", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			fingerprint := respcache.Fingerprint(flattenQuery(r.URL.Query()), respcache.CanonicalBody(body))
			key := respcache.BuildKey(userID, r.URL.Path, fingerprint).String()

			if payload, ok := m.cache.Read(ctx, key); ok {
				decision(logger, "hit")
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set(HeaderCache, "true")
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write(payload)
				return
			}

			bw := &bufferedWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(bw, r)

			if !bw.cacheable() {
				decision(logger, "skip", zap.Int("status", bw.status))
				bw.flush()
				return
			}

			now := m.cache.Now()
			d := ttl
			if d <= 0 {
				d = respcache.UntilEndOfDay(now)
			}
			expiration := now.Add(d).Unix()

			if m.cache.Write(ctx, key, expiration, bw.buf.Bytes()) {
				w.Header().Set(HeaderCache, "false")
				decision(logger, "store")
			} else {
				decision(logger, "miss")
			}
			bw.flush()
		})
	}
}

func decision(logger *zap.Logger, result string, fields ...zap.Field) {
	metrics.CacheRequestsTotal.WithLabelValues(result).Inc()
	logger.Debug("cache_decision", append([]zap.Field{zap.String("result", result)}, fields...)...)
}

// readAndRestoreBody drains the request body and puts an identical reader
// back so downstream handlers still see it.
func readAndRestoreBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(data), r.Body))
		return nil, err
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

// flattenQuery joins repeated parameters with "," in the order received.
func flattenQuery(values map[string][]string) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = strings.Join(v, ",")
	}
	return out
}

// bufferedWriter holds the downstream response until the cache decided
// whether to store it, so the cache header can still be added.
type bufferedWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	buf         bytes.Buffer
}

func (w *bufferedWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.status = code
	w.wroteHeader = true
}

func (w *bufferedWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.buf.Write(b)
}

func (w *bufferedWriter) cacheable() bool {
	if w.status != http.StatusOK || w.buf.Len() == 0 {
		return false
	}
	if !isJSON(w.Header().Get("Content-Type")) {
		return false
	}
	return gjson.ValidBytes(w.buf.Bytes())
}

// flush forwards the buffered response. A handler that wrote nothing stays
// silent so outer middleware (Timeout) can still answer.
func (w *bufferedWriter) flush() {
	if !w.wroteHeader {
		return
	}
	w.ResponseWriter.WriteHeader(w.status)
	if w.buf.Len() > 0 {
		_, _ = w.ResponseWriter.Write(w.buf.Bytes())
	}
}

func isJSON(contentType string) bool {
	if contentType == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "application/json"
}
