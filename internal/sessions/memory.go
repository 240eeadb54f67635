package sessions

import (
	"context"
	"sort"
	"sync"

	"github.com/edgemind/edgemind/internal/errs"
	"github.com/edgemind/edgemind/pkg/models"
)

// MemoryStore keeps sessions and histories in memory.
type MemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]*models.Session
	histories map[string][]models.AgentMessage
}

// NewMemoryStore returns an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  make(map[string]*models.Session),
		histories: make(map[string][]models.AgentMessage),
	}
}

func cloneSession(s *models.Session) *models.Session {
	out := *s
	if s.Metadata != nil {
		out.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

func (s *MemoryStore) Create(_ context.Context, session *models.Session) error {
	if session == nil || session.ID == "" {
		return errs.InvalidArguments("id", "must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = cloneSession(session)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, errs.NotFound("session", id)
	}
	return cloneSession(session), nil
}

func (s *MemoryStore) Update(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.ID]; !ok {
		return errs.NotFound("session", session.ID)
	}
	s.sessions[session.ID] = cloneSession(session)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return errs.NotFound("session", id)
	}
	delete(s.sessions, id)
	delete(s.histories, id)
	return nil
}

func (s *MemoryStore) List(_ context.Context, limit, offset int) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, cloneSession(session))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity.After(out[j].LastActivity) })
	if offset > 0 {
		if offset >= len(out) {
			return nil, nil
		}
		out = out[offset:]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) SaveHistory(_ context.Context, sessionID string, history []models.AgentMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]models.AgentMessage, len(history))
	copy(stored, history)
	s.histories[sessionID] = stored
	return nil
}

func (s *MemoryStore) GetHistory(_ context.Context, sessionID string, limit int) ([]models.AgentMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.histories[sessionID]
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	out := make([]models.AgentMessage, len(history))
	copy(out, history)
	return out, nil
}
