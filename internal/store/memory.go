package store

import (
	"context"
	"sync"
	"time"
)

type memoryBucket struct {
	fields    map[string]string
	expiresAt time.Time // zero means no expiry
}

func (b *memoryBucket) expired(now time.Time) bool {
	return !b.expiresAt.IsZero() && !now.Before(b.expiresAt)
}

// MemoryStore keeps hash buckets in process memory, one map per slot.
type MemoryStore struct {
	mu              sync.RWMutex
	slots           [slotCount]map[string]*memoryBucket
	now             func() time.Time
	closed          bool
	stopCleanup     chan struct{}
	cleanupOnce     sync.Once
	cleanupInterval time.Duration
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock overrides the clock used for bucket expiry.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates an in-memory store.
// If cleanupInterval <= 0, expired buckets are swept every 5 minutes.
func NewMemoryStore(cleanupInterval time.Duration, opts ...MemoryOption) *MemoryStore {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}

	s := &MemoryStore{
		now:             time.Now,
		stopCleanup:     make(chan struct{}),
		cleanupInterval: cleanupInterval,
	}
	for i := range s.slots {
		s.slots[i] = make(map[string]*memoryBucket)
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupExpired()

	return s
}

// InSlot runs fn against the slot for tenantID. The slot is fixed per call,
// so there is no shared selection state to race on.
func (s *MemoryStore) InSlot(ctx context.Context, tenantID int64, fn func(h Hash) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	return fn(&memoryHash{store: s, slot: Slot(tenantID)})
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Close stops the cleanup goroutine. Call this on shutdown or in tests.
func (s *MemoryStore) Close() error {
	s.cleanupOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.stopCleanup)
	})
	return nil
}

// Len returns the number of live buckets in the slot for tenantID.
func (s *MemoryStore) Len(tenantID int64) int {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, b := range s.slots[Slot(tenantID)] {
		if !b.expired(now) {
			n++
		}
	}
	return n
}

// Clear removes every bucket from every slot.
func (s *MemoryStore) Clear() {
	s.mu.Lock()
	for i := range s.slots {
		s.slots[i] = make(map[string]*memoryBucket)
	}
	s.mu.Unlock()
}

// cleanupExpired runs periodically to remove expired buckets.
func (s *MemoryStore) cleanupExpired() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := s.now()
			s.mu.Lock()
			for _, buckets := range s.slots {
				for name, b := range buckets {
					if b.expired(now) {
						delete(buckets, name)
					}
				}
			}
			s.mu.Unlock()
		case <-s.stopCleanup:
			return
		}
	}
}

// liveBucket returns the bucket if present and not expired, dropping it
// when expired. Caller must hold s.mu for writing.
func (s *MemoryStore) liveBucket(slot int, name string) *memoryBucket {
	b, ok := s.slots[slot][name]
	if !ok {
		return nil
	}
	if b.expired(s.now()) {
		delete(s.slots[slot], name)
		return nil
	}
	return b
}

type memoryHash struct {
	store *MemoryStore
	slot  int
}

func (h *memoryHash) HGet(ctx context.Context, bucket, field string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	h.store.mu.Lock()
	defer h.store.mu.Unlock()

	b := h.store.liveBucket(h.slot, bucket)
	if b == nil {
		return "", false, nil
	}
	v, ok := b.fields[field]
	return v, ok, nil
}

func (h *memoryHash) HSet(ctx context.Context, bucket, field, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.store.mu.Lock()
	defer h.store.mu.Unlock()

	b := h.store.liveBucket(h.slot, bucket)
	if b == nil {
		b = &memoryBucket{fields: make(map[string]string)}
		h.store.slots[h.slot][bucket] = b
	}
	b.fields[field] = value
	return nil
}

func (h *memoryHash) HDel(ctx context.Context, bucket string, fields ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.store.mu.Lock()
	defer h.store.mu.Unlock()

	b := h.store.liveBucket(h.slot, bucket)
	if b == nil {
		return nil
	}
	for _, f := range fields {
		delete(b.fields, f)
	}
	// Redis drops a hash once its last field is gone.
	if len(b.fields) == 0 {
		delete(h.store.slots[h.slot], bucket)
	}
	return nil
}

func (h *memoryHash) HKeys(ctx context.Context, bucket string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.store.mu.Lock()
	defer h.store.mu.Unlock()

	b := h.store.liveBucket(h.slot, bucket)
	if b == nil {
		return nil, nil
	}
	keys := make([]string, 0, len(b.fields))
	for k := range b.fields {
		keys = append(keys, k)
	}
	return keys, nil
}

func (h *memoryHash) Expire(ctx context.Context, bucket string, ttl time.Duration) error {
	return h.ExpireAt(ctx, bucket, h.store.now().Add(ttl))
}

func (h *memoryHash) ExpireAt(ctx context.Context, bucket string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.store.mu.Lock()
	defer h.store.mu.Unlock()

	b := h.store.liveBucket(h.slot, bucket)
	if b == nil {
		return nil
	}
	b.expiresAt = at
	if b.expired(h.store.now()) {
		delete(h.store.slots[h.slot], bucket)
	}
	return nil
}

func (h *memoryHash) ExpireTime(ctx context.Context, bucket string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	h.store.mu.Lock()
	defer h.store.mu.Unlock()

	b := h.store.liveBucket(h.slot, bucket)
	if b == nil {
		return -2, nil
	}
	if b.expiresAt.IsZero() {
		return -1, nil
	}
	return b.expiresAt.Unix(), nil
}
