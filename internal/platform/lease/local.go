package lease

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LocalLocker is an in-process Locker for single-instance deployments and
// tests. Expired entries are reclaimed lazily on the next Obtain.
type LocalLocker struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]localEntry
}

type localEntry struct {
	token   string
	expires time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{now: time.Now, entries: map[string]localEntry{}}
}

func (l *LocalLocker) Obtain(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if e, ok := l.entries[key]; ok && now.Before(e.expires) {
		return nil, ErrNotObtained
	}
	token := uuid.NewString()
	l.entries[key] = localEntry{token: token, expires: now.Add(ttl)}
	return &localLease{owner: l, key: key, token: token}, nil
}

type localLease struct {
	owner *LocalLocker
	key   string
	token string
}

func (l *localLease) Key() string { return l.key }

func (l *localLease) Refresh(_ context.Context, ttl time.Duration) error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()
	e, ok := l.owner.entries[l.key]
	if !ok || e.token != l.token {
		return ErrNotObtained
	}
	e.expires = l.owner.now().Add(ttl)
	l.owner.entries[l.key] = e
	return nil
}

func (l *localLease) Release(_ context.Context) error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()
	if e, ok := l.owner.entries[l.key]; ok && e.token == l.token {
		delete(l.owner.entries, l.key)
	}
	return nil
}
