package lock

import (
	"context"
	"sync"
	"time"

	"commerce-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryManager is a single-process Manager with the same lease semantics as
// the Redis one. Used in tests and local runs without Redis.
type MemoryManager struct {
	mu       sync.Mutex
	entries  map[string]memoryEntry
	lease    time.Duration
	interval time.Duration
	now      func() time.Time
}

func NewMemoryManager(lease time.Duration) *MemoryManager {
	return &MemoryManager{
		entries:  make(map[string]memoryEntry),
		lease:    lease,
		interval: 2 * time.Millisecond,
		now:      time.Now,
	}
}

func (m *MemoryManager) TryAcquire(ctx context.Context, key string, timeout time.Duration) (Lease, error) {
	token := uuid.New().String()

	err := Poll(ctx, key, timeout, m.interval, func() (bool, error) {
		m.mu.Lock()
		defer m.mu.Unlock()

		now := m.now()
		if cur, held := m.entries[key]; held && now.Before(cur.expiresAt) {
			return false, nil
		}
		m.entries[key] = memoryEntry{token: token, expiresAt: now.Add(m.lease)}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return &memoryLease{m: m, key: key, token: token}, nil
}

// Held reports whether key is currently locked.
func (m *MemoryManager) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.entries[key]
	return ok && m.now().Before(cur.expiresAt)
}

type memoryLease struct {
	m     *MemoryManager
	key   string
	token string
}

func (l *memoryLease) Key() string { return l.key }

func (l *memoryLease) Release(context.Context) error {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()

	cur, ok := l.m.entries[l.key]
	if !ok || cur.token != l.token {
		util.GetLogger().Warn("Lock release by non-holder ignored", zap.String("key", l.key))
		return nil
	}
	delete(l.m.entries, l.key)
	return nil
}
