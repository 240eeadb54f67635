package sessions

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/edgemind/edgemind/internal/agent"
	"github.com/edgemind/edgemind/internal/llm"
	"github.com/edgemind/edgemind/internal/memory"
	"github.com/edgemind/edgemind/internal/tools"
	"github.com/edgemind/edgemind/pkg/models"
)

// Manager owns every session's Agent exclusively. Agents share (never
// own) the tool registry, executor, LLM interface, and memory tiers,
// which the manager passes into each Agent it constructs.
type Manager struct {
	store  Store
	locker *Locker
	policy EvictionPolicy
	logger *slog.Logger

	agentConfig agent.Config
	registry    *tools.Registry
	executor    *tools.Executor
	llm         *llm.Interface
	shortCfg    memory.ShortTermConfig

	mu     sync.Mutex
	agents map[string]*cachedAgent
}

type cachedAgent struct {
	agent        *agent.Agent
	lastActivity time.Time
}

// ManagerConfig bundles the manager's construction parameters.
type ManagerConfig struct {
	Store       Store
	Policy      EvictionPolicy
	AgentConfig agent.Config
	Registry    *tools.Registry
	Executor    *tools.Executor
	LLM         *llm.Interface
	ShortTerm   memory.ShortTermConfig
	Logger      *slog.Logger
}

// NewManager creates a session manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Policy.IdleTimeout <= 0 {
		cfg.Policy.IdleTimeout = DefaultEvictionPolicy().IdleTimeout
	}
	if cfg.Policy.MaxSessions <= 0 {
		cfg.Policy.MaxSessions = DefaultEvictionPolicy().MaxSessions
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		store:       cfg.Store,
		locker:      NewLocker(),
		policy:      cfg.Policy,
		logger:      cfg.Logger,
		agentConfig: cfg.AgentConfig,
		registry:    cfg.Registry,
		executor:    cfg.Executor,
		llm:         cfg.LLM,
		shortCfg:    cfg.ShortTerm,
		agents:      make(map[string]*cachedAgent),
	}
}

// GetOrCreate returns the session's agent, creating the session on first
// request and rehydrating short-term memory from persisted history when
// the agent is not cached.
func (m *Manager) GetOrCreate(ctx context.Context, sessionID string) (*agent.Agent, *models.Session, error) {
	unlock := m.locker.Lock(sessionID)
	defer unlock()

	session, err := m.store.Get(ctx, sessionID)
	if err != nil {
		now := time.Now()
		session = &models.Session{
			ID:           sessionID,
			StartedAt:    now,
			LastActivity: now,
			Metadata:     map[string]any{},
		}
		if err := m.store.Create(ctx, session); err != nil {
			return nil, nil, err
		}
	}

	m.mu.Lock()
	cached, ok := m.agents[sessionID]
	if ok {
		cached.lastActivity = time.Now()
		m.mu.Unlock()
		return cached.agent, session, nil
	}
	m.mu.Unlock()

	short := memory.NewShortTerm(m.shortCfg)
	history, err := m.store.GetHistory(ctx, sessionID, 0)
	if err == nil {
		for _, msg := range history {
			short.Add(msg)
		}
	}

	a := agent.New(sessionID, m.agentConfig, m.registry, m.executor, m.llm, short,
		m.logger, agent.WithPersister(m))

	m.mu.Lock()
	m.agents[sessionID] = &cachedAgent{agent: a, lastActivity: time.Now()}
	m.evictLocked()
	m.mu.Unlock()
	return a, session, nil
}

// Touch records a completed turn against the session record.
func (m *Manager) Touch(ctx context.Context, sessionID string, newMessages int) error {
	unlock := m.locker.Lock(sessionID)
	defer unlock()

	session, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	session.MessageCount += newMessages
	session.Touch(time.Now())
	return m.store.Update(ctx, session)
}

// Get returns the session record.
func (m *Manager) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	return m.store.Get(ctx, sessionID)
}

// List returns sessions ordered by recency.
func (m *Manager) List(ctx context.Context, limit, offset int) ([]*models.Session, error) {
	return m.store.List(ctx, limit, offset)
}

// Remove destroys a session: its agent, record, and history.
func (m *Manager) Remove(ctx context.Context, sessionID string) error {
	unlock := m.locker.Lock(sessionID)
	defer unlock()

	m.mu.Lock()
	delete(m.agents, sessionID)
	m.mu.Unlock()
	return m.store.Delete(ctx, sessionID)
}

// PersistHistory implements agent.Persister: agents call it after each
// turn, off the request path.
func (m *Manager) PersistHistory(ctx context.Context, sessionID string, history []models.AgentMessage) error {
	return m.store.SaveHistory(ctx, sessionID, history)
}

// CachedAgents reports how many agents are resident, for introspection.
func (m *Manager) CachedAgents() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.agents)
}

// EvictIdle drops agents idle past the policy timeout. The session
// records persist; only the in-memory agent goes.
func (m *Manager) EvictIdle() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-m.policy.IdleTimeout)
	evicted := 0
	for id, cached := range m.agents {
		if cached.lastActivity.Before(cutoff) {
			delete(m.agents, id)
			evicted++
		}
	}
	return evicted
}

// evictLocked enforces MaxSessions, dropping least-recently-active
// agents first.
func (m *Manager) evictLocked() {
	if len(m.agents) <= m.policy.MaxSessions {
		return
	}
	type entry struct {
		id   string
		last time.Time
	}
	entries := make([]entry, 0, len(m.agents))
	for id, cached := range m.agents {
		entries = append(entries, entry{id: id, last: cached.lastActivity})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].last.Before(entries[j].last) })
	for _, e := range entries[:len(m.agents)-m.policy.MaxSessions] {
		delete(m.agents, e.id)
	}
}
