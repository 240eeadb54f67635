// Package sessions owns the session lifecycle: persistence of session
// records and their histories, per-session write serialization, and the
// Manager that exclusively owns each session's Agent.
package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/edgemind/edgemind/pkg/models"
)

// Store persists sessions and their message histories.
type Store interface {
	Create(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)
	Update(ctx context.Context, session *models.Session) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, limit, offset int) ([]*models.Session, error)

	// SaveHistory replaces a session's serialised history.
	SaveHistory(ctx context.Context, sessionID string, history []models.AgentMessage) error
	GetHistory(ctx context.Context, sessionID string, limit int) ([]models.AgentMessage, error)
}

// Locker serialises writes per session id. The lock is held only for
// in-memory mutation, never across a network call.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// NewLocker creates a Locker.
func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*sessionLock)}
}

// Lock acquires the session's lock and returns its release func.
func (l *Locker) Lock(sessionID string) func() {
	l.mu.Lock()
	lock := l.locks[sessionID]
	if lock == nil {
		lock = &sessionLock{}
		l.locks[sessionID] = lock
	}
	lock.refs++
	l.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		l.mu.Lock()
		lock.refs--
		if lock.refs <= 0 {
			delete(l.locks, sessionID)
		}
		l.mu.Unlock()
	}
}

// EvictionPolicy decides when an idle session's agent is dropped from
// the in-memory cache.
type EvictionPolicy struct {
	// IdleTimeout evicts sessions inactive longer than this.
	IdleTimeout time.Duration
	// MaxSessions caps the cached agent count; the least recently
	// active session is evicted first.
	MaxSessions int
}

// DefaultEvictionPolicy returns the manager defaults.
func DefaultEvictionPolicy() EvictionPolicy {
	return EvictionPolicy{
		IdleTimeout: 30 * time.Minute,
		MaxSessions: 100,
	}
}
