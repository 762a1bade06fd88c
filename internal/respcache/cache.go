// Package respcache implements the per-user response cache: key derivation,
// read/write of hash entries, and invalidation by path pattern.
//
// Entries live in one hash bucket per scope, named CACHE_MIDDLEWARE:<userID>.
// Each field is <path>:<fingerprint> and each value is <expiration>|<payload>,
// where expiration is an absolute unix time in seconds.
package respcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ErickCReis/glim-node/internal/metrics"
	"github.com/ErickCReis/glim-node/internal/store"
	"github.com/ErickCReis/glim-node/internal/telemetry"
	"github.com/ErickCReis/glim-node/pkg/logging/logging"
)

const (
	Namespace = "CACHE_MIDDLEWARE"

	// DefaultKeyExpire is the rolling expiry of private buckets.
	DefaultKeyExpire = 86400 * time.Second

	// sharedBucketTTL bounds the shared bucket even if it is never read again.
	sharedBucketTTL = 24 * time.Hour
)

var tracer = telemetry.Tracer("github.com/ErickCReis/glim-node/internal/respcache")

// Cache reads, writes and invalidates cached responses in a store.
type Cache struct {
	store     store.Store
	keyExpire time.Duration
	now       func() time.Time
}

type Option func(*Cache)

// WithKeyExpire sets the rolling expiry applied to private buckets on write.
func WithKeyExpire(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.keyExpire = d
		}
	}
}

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func New(s store.Store, opts ...Option) *Cache {
	c := &Cache{
		store:     s,
		keyExpire: DefaultKeyExpire,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Now returns the cache clock's current time.
func (c *Cache) Now() time.Time {
	return c.now()
}

// Read returns the cached payload for key. Malformed keys, malformed values,
// expired entries and store failures all read as absent; expired entries are
// deleted on the way out.
func (c *Cache) Read(ctx context.Context, key string) (json.RawMessage, bool) {
	k, ok := ParseKey(key)
	if !ok {
		return nil, false
	}
	bucket, field := k.bucket(), k.field()

	ctx, span := tracer.Start(ctx, "respcache.read", trace.WithAttributes(
		attribute.String("cache.bucket", bucket),
		attribute.String("cache.path", k.Path),
	))
	defer span.End()

	var payload json.RawMessage
	err := c.store.InSlot(ctx, k.UserID, func(h store.Hash) error {
		value, found, err := h.HGet(ctx, bucket, field)
		if err != nil || !found {
			return err
		}

		expiration, data, ok := splitValue(value)
		if !ok {
			return nil
		}

		if expiration < c.now().Unix() {
			return h.HDel(ctx, bucket, field)
		}

		if !gjson.Valid(data) {
			return nil
		}
		payload = json.RawMessage(data)
		return nil
	})
	if err != nil {
		recordError(span, err)
		logging.L(ctx).Warn("response_cache_read_error",
			zap.String("bucket", bucket),
			zap.String("field", field),
			zap.Error(err),
		)
		return nil, false
	}
	span.SetAttributes(attribute.Bool("cache.hit", payload != nil))
	return payload, payload != nil
}

// Write stores payload under key until expiration (unix seconds) and
// maintains the bucket expiry: the shared bucket gets a fixed 24h expiry on
// first write only, private buckets roll forward to now + key expire.
func (c *Cache) Write(ctx context.Context, key string, expiration int64, payload []byte) bool {
	k, ok := ParseKey(key)
	if !ok || len(payload) == 0 {
		return false
	}
	bucket, field := k.bucket(), k.field()
	value := strconv.FormatInt(expiration, 10) + "|" + string(payload)

	ctx, span := tracer.Start(ctx, "respcache.write", trace.WithAttributes(
		attribute.String("cache.bucket", bucket),
		attribute.String("cache.path", k.Path),
		attribute.Int("cache.payload_bytes", len(payload)),
	))
	defer span.End()

	err := c.store.InSlot(ctx, k.UserID, func(h store.Hash) error {
		if err := h.HSet(ctx, bucket, field, value); err != nil {
			return err
		}

		if k.UserID == 0 {
			current, err := h.ExpireTime(ctx, bucket)
			if err != nil {
				return err
			}
			if current <= 0 {
				return h.Expire(ctx, bucket, sharedBucketTTL)
			}
			return nil
		}

		return h.ExpireAt(ctx, bucket, c.now().Add(c.keyExpire))
	})
	if err != nil {
		recordError(span, err)
		logging.L(ctx).Warn("response_cache_write_error",
			zap.String("bucket", bucket),
			zap.String("field", field),
			zap.Error(err),
		)
		return false
	}
	return true
}

// Invalidate removes shared-scope entries whose path matches any pattern.
func (c *Cache) Invalidate(ctx context.Context, patterns ...string) error {
	return c.invalidate(ctx, 0, patterns)
}

// InvalidateByUser removes userID's entries whose path matches any pattern.
func (c *Cache) InvalidateByUser(ctx context.Context, userID int64, patterns ...string) error {
	return c.invalidate(ctx, userID, patterns)
}

func (c *Cache) invalidate(ctx context.Context, userID int64, patterns []string) error {
	if len(patterns) == 0 {
		return nil
	}
	if userID < 0 {
		return fmt.Errorf("respcache: invalid user id %d", userID)
	}

	matchers := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := compilePattern(p)
		if err != nil {
			return err
		}
		matchers = append(matchers, re)
	}

	bucket := bucketName(userID)
	ctx, span := tracer.Start(ctx, "respcache.invalidate", trace.WithAttributes(
		attribute.String("cache.bucket", bucket),
		attribute.StringSlice("cache.patterns", patterns),
	))
	defer span.End()

	removed := 0
	err := c.store.InSlot(ctx, userID, func(h store.Hash) error {
		fields, err := h.HKeys(ctx, bucket)
		if err != nil {
			return err
		}

		var toDelete []string
		for _, f := range fields {
			for _, re := range matchers {
				if re.MatchString(f) {
					toDelete = append(toDelete, f)
					break
				}
			}
		}
		if len(toDelete) == 0 {
			return nil
		}
		if err := h.HDel(ctx, bucket, toDelete...); err != nil {
			return err
		}
		removed = len(toDelete)
		return nil
	})
	if err != nil {
		recordError(span, err)
		return fmt.Errorf("respcache: invalidate %s: %w", bucket, err)
	}
	span.SetAttributes(attribute.Int("cache.removed", removed))

	if removed > 0 {
		metrics.CacheInvalidatedFieldsTotal.Add(float64(removed))
	}
	logging.L(ctx).Debug("response_cache_invalidate",
		zap.String("bucket", bucket),
		zap.Strings("patterns", patterns),
		zap.Int("removed", removed),
	)
	return nil
}

var errEmptyPattern = errors.New("respcache: empty invalidation pattern")

// compilePattern turns a path pattern (or a full URL) into a matcher for
// field names. "*" matches any run of characters; a trailing "/*" also
// matches the parent path itself, so "/v1/items/*" covers "/v1/items".
func compilePattern(pattern string) (*regexp.Regexp, error) {
	path := patternPath(pattern)
	if path == "" {
		return nil, errEmptyPattern
	}

	tail := ""
	if strings.HasSuffix(path, "/*") {
		path = strings.TrimSuffix(path, "/*")
		tail = "(?:/.*)?"
	}

	parts := strings.Split(path, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}

	return regexp.Compile("^" + strings.Join(parts, ".*") + tail + ":[^:]+$")
}

// patternPath extracts the path of a pattern, dropping scheme, host and query.
func patternPath(pattern string) string {
	if i := strings.Index(pattern, "://"); i >= 0 {
		rest := pattern[i+3:]
		slash := strings.IndexByte(rest, '/')
		if slash < 0 {
			return "/"
		}
		pattern = rest[slash:]
	}
	if i := strings.IndexAny(pattern, "?#"); i >= 0 {
		pattern = pattern[:i]
	}
	return pattern
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// splitValue splits "<expiration>|<payload>" on the first '|'.
func splitValue(v string) (int64, string, bool) {
	exp, data, found := strings.Cut(v, "|")
	if !found || exp == "" || data == "" {
		return 0, "", false
	}
	expiration, err := strconv.ParseInt(exp, 10, 64)
	if err != nil {
		return 0, "", false
	}
	return expiration, data, true
}

// UntilEndOfDay returns the time left until the next UTC midnight.
func UntilEndOfDay(now time.Time) time.Duration {
	next := now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	return next.Sub(now)
}
