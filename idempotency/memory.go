package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryKV is an in-process KV for tests and single-instance deployments.
// Keys expire lazily on read plus a periodic sweep.
type MemoryKV struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	done    chan struct{}
	closed  bool
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewMemoryKV creates an in-memory KV with a background sweep every
// minute. Call Close when done.
func NewMemoryKV() *MemoryKV {
	kv := &MemoryKV{
		entries: make(map[string]memoryEntry),
		done:    make(chan struct{}),
	}
	go kv.sweep(time.Minute)
	return kv
}

func (kv *MemoryKV) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-kv.done:
			return
		case <-ticker.C:
			now := time.Now()
			kv.mu.Lock()
			for k, e := range kv.entries {
				if e.expired(now) {
					delete(kv.entries, k)
				}
			}
			kv.mu.Unlock()
		}
	}
}

// SetIfAbsent writes the value only if the key is missing or expired.
func (kv *MemoryKV) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	if e, ok := kv.entries[key]; ok && !e.expired(time.Now()) {
		return false, nil
	}
	kv.entries[key] = newEntry(value, ttl)
	return true, nil
}

// Get returns the value, or (nil, nil) if missing or expired.
func (kv *MemoryKV) Get(ctx context.Context, key string) ([]byte, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	e, ok := kv.entries[key]
	if !ok || e.expired(time.Now()) {
		return nil, nil
	}
	return e.value, nil
}

// Set writes the value unconditionally.
func (kv *MemoryKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.entries[key] = newEntry(value, ttl)
	return nil
}

// Delete removes the key.
func (kv *MemoryKV) Delete(ctx context.Context, key string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	delete(kv.entries, key)
	return nil
}

// Close stops the background sweep.
func (kv *MemoryKV) Close() error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if !kv.closed {
		kv.closed = true
		close(kv.done)
	}
	return nil
}

// Len returns the number of live entries. Test helper.
func (kv *MemoryKV) Len() int {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	n := 0
	now := time.Now()
	for _, e := range kv.entries {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

func newEntry(value []byte, ttl time.Duration) memoryEntry {
	e := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	return e
}

var _ KV = (*MemoryKV)(nil)
