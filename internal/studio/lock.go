package studio

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/gemstudio/internal/cache"
)

// Locker enforces one in-flight operation per session. Lock returns ErrBusy
// when the session is already held.
type Locker interface {
	Lock(ctx context.Context, sessionID uuid.UUID) (unlock func(), err error)
}

// localLocker holds locks in process memory.
type localLocker struct {
	mu   sync.Mutex
	held map[uuid.UUID]struct{}
}

// NewLocalLocker returns a Locker for a single process.
func NewLocalLocker() Locker {
	return &localLocker{held: make(map[uuid.UUID]struct{})}
}

func (l *localLocker) Lock(_ context.Context, sessionID uuid.UUID) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[sessionID]; ok {
		return nil, ErrBusy
	}
	l.held[sessionID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, sessionID)
			l.mu.Unlock()
		})
	}, nil
}

// cacheLocker shares locks across replicas through the cache. The TTL bounds
// how long a crashed holder can keep a session busy.
type cacheLocker struct {
	cache cache.Cache
	ttl   time.Duration
}

// NewCacheLocker returns a Locker backed by c.
func NewCacheLocker(c cache.Cache, ttl time.Duration) Locker {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &cacheLocker{cache: c, ttl: ttl}
}

func (l *cacheLocker) Lock(ctx context.Context, sessionID uuid.UUID) (func(), error) {
	key := cache.SessionLockKey(sessionID)
	token := uuid.NewString()

	ok, err := l.cache.AcquireLock(ctx, key, token, l.ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrBusy
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := l.cache.ReleaseLock(ctx, key, token); err != nil {
				slog.Warn("failed to release session lock", "session_id", sessionID, "error", err)
			}
		})
	}, nil
}
