package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ErickCReis/glim-node/internal/metrics"
	"github.com/ErickCReis/glim-node/pkg/logging/logging"
)

// LoggingStore wraps a Store with logging + metrics on every hash operation.
type LoggingStore struct {
	inner Store
}

// NewLoggingStore returns a store that logs and records op latency.
func NewLoggingStore(inner Store) Store {
	return &LoggingStore{inner: inner}
}

func (s *LoggingStore) InSlot(ctx context.Context, tenantID int64, fn func(h Hash) error) error {
	return s.inner.InSlot(ctx, tenantID, func(h Hash) error {
		return fn(&loggingHash{inner: h, tenantID: tenantID, slot: Slot(tenantID)})
	})
}

func (s *LoggingStore) Ping(ctx context.Context) error {
	start := time.Now()
	err := s.inner.Ping(ctx)
	observe(ctx, "ping", "", start, err)
	return err
}

func (s *LoggingStore) Close() error {
	return s.inner.Close()
}

type loggingHash struct {
	inner    Hash
	tenantID int64
	slot     int
}

func (h *loggingHash) HGet(ctx context.Context, bucket, field string) (string, bool, error) {
	start := time.Now()
	v, ok, err := h.inner.HGet(ctx, bucket, field)
	h.observe(ctx, "hget", bucket, start, err, zap.String("field", field), zap.Bool("found", ok))
	return v, ok, err
}

func (h *loggingHash) HSet(ctx context.Context, bucket, field, value string) error {
	start := time.Now()
	err := h.inner.HSet(ctx, bucket, field, value)
	h.observe(ctx, "hset", bucket, start, err, zap.String("field", field), zap.Int("value_bytes", len(value)))
	return err
}

func (h *loggingHash) HDel(ctx context.Context, bucket string, fields ...string) error {
	start := time.Now()
	err := h.inner.HDel(ctx, bucket, fields...)
	h.observe(ctx, "hdel", bucket, start, err, zap.Int("fields", len(fields)))
	return err
}

func (h *loggingHash) HKeys(ctx context.Context, bucket string) ([]string, error) {
	start := time.Now()
	keys, err := h.inner.HKeys(ctx, bucket)
	h.observe(ctx, "hkeys", bucket, start, err, zap.Int("fields", len(keys)))
	return keys, err
}

func (h *loggingHash) Expire(ctx context.Context, bucket string, ttl time.Duration) error {
	start := time.Now()
	err := h.inner.Expire(ctx, bucket, ttl)
	h.observe(ctx, "expire", bucket, start, err, zap.Duration("ttl", ttl))
	return err
}

func (h *loggingHash) ExpireAt(ctx context.Context, bucket string, at time.Time) error {
	start := time.Now()
	err := h.inner.ExpireAt(ctx, bucket, at)
	h.observe(ctx, "expireat", bucket, start, err, zap.Int64("at", at.Unix()))
	return err
}

func (h *loggingHash) ExpireTime(ctx context.Context, bucket string) (int64, error) {
	start := time.Now()
	at, err := h.inner.ExpireTime(ctx, bucket)
	h.observe(ctx, "expiretime", bucket, start, err, zap.Int64("at", at))
	return at, err
}

func (h *loggingHash) observe(ctx context.Context, op, bucket string, start time.Time, err error, extra ...zap.Field) {
	fields := append([]zap.Field{
		zap.Int64("tenant_id", h.tenantID),
		zap.Int("slot", h.slot),
	}, extra...)
	observe(ctx, op, bucket, start, err, fields...)
}

func observe(ctx context.Context, op, bucket string, start time.Time, err error, extra ...zap.Field) {
	elapsed := time.Since(start)

	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.StoreOpDurationSeconds.WithLabelValues(op, result).Observe(elapsed.Seconds())

	fields := []zap.Field{
		zap.String("store_op", op),
		zap.Float64("latency_ms", float64(elapsed.Microseconds())/1000.0),
	}
	if bucket != "" {
		fields = append(fields, zap.String("bucket", bucket))
	}
	fields = append(fields, extra...)

	logger := logging.L(ctx)
	if err != nil {
		logger.Warn("cache_store_op", append(fields, zap.Error(err))...)
		return
	}
	logger.Debug("cache_store_op", fields...)
}
