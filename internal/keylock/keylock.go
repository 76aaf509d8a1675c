// Package keylock serializes critical sections by arbitrary string keys.
//
// Every entry point of the reconciliation engine runs under a key set such as
// "tx-42", "voucher-ABCDEFGHJKLMN", or a raw identity handle. Holders of
// overlapping key sets never run concurrently; holders of disjoint sets do.
package keylock

import (
	"context"
	"sort"
	"strconv"
	"sync"
)

// Manager hands out per-key mutual exclusion with FIFO arrival order.
// The zero value is not usable; construct with New.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	held  bool
	queue []chan struct{}
	refs  int
}

// New constructs an empty lock manager.
func New() *Manager {
	return &Manager{locks: make(map[string]*keyLock)}
}

// WithLock runs fn while holding every key in keys. The keys are released on
// every exit path, including a panic or an error from fn; the error is
// propagated unchanged. Returns the context error if acquisition is
// interrupted before fn starts.
func (m *Manager) WithLock(ctx context.Context, keys []string, fn func() error) error {
	acquired, err := m.Acquire(ctx, keys)
	if err != nil {
		return err
	}
	defer m.release(acquired)
	return fn()
}

// Acquire blocks until all keys are held, acquiring in sorted order so that
// two callers sharing several keys cannot deadlock. The returned slice must
// be passed to release exactly once; WithLock does this for callers.
func (m *Manager) Acquire(ctx context.Context, keys []string) ([]string, error) {
	ordered := dedupeSorted(keys)
	held := make([]string, 0, len(ordered))
	for _, key := range ordered {
		if err := m.acquireOne(ctx, key); err != nil {
			m.release(held)
			return nil, err
		}
		held = append(held, key)
	}
	return held, nil
}

func (m *Manager) acquireOne(ctx context.Context, key string) error {
	m.mu.Lock()
	kl := m.locks[key]
	if kl == nil {
		kl = &keyLock{}
		m.locks[key] = kl
	}
	kl.refs++
	if !kl.held {
		kl.held = true
		m.mu.Unlock()
		return nil
	}
	wait := make(chan struct{})
	kl.queue = append(kl.queue, wait)
	m.mu.Unlock()

	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		m.abandon(key, wait)
		return ctx.Err()
	}
}

// abandon removes a cancelled waiter. If the release path handed the lock to
// the waiter before the cancellation was observed, the lock is released again
// so the next waiter is not starved.
func (m *Manager) abandon(key string, wait chan struct{}) {
	m.mu.Lock()
	kl := m.locks[key]
	if kl == nil {
		m.mu.Unlock()
		return
	}
	for i, w := range kl.queue {
		if w == wait {
			kl.queue = append(kl.queue[:i], kl.queue[i+1:]...)
			kl.refs--
			m.cleanup(key, kl)
			m.mu.Unlock()
			return
		}
	}
	m.mu.Unlock()
	// Not queued anymore: ownership was transferred concurrently.
	m.release([]string{key})
}

func (m *Manager) release(keys []string) {
	for i := len(keys) - 1; i >= 0; i-- {
		m.releaseOne(keys[i])
	}
}

func (m *Manager) releaseOne(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kl := m.locks[key]
	if kl == nil || !kl.held {
		return
	}
	kl.refs--
	if len(kl.queue) > 0 {
		next := kl.queue[0]
		kl.queue = kl.queue[1:]
		close(next)
	} else {
		kl.held = false
	}
	m.cleanup(key, kl)
}

// cleanup drops the map entry once nothing references the key. Callers hold m.mu.
func (m *Manager) cleanup(key string, kl *keyLock) {
	if kl.refs <= 0 && !kl.held && len(kl.queue) == 0 {
		delete(m.locks, key)
	}
}

func dedupeSorted(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// TransactionKey returns the lock key guarding one attestation transaction.
func TransactionKey(id uint64) string {
	return "tx-" + strconv.FormatUint(id, 10)
}

// VoucherKey returns the lock key guarding one voucher code.
func VoucherKey(code string) string {
	return "voucher-" + code
}
