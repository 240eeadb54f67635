package mqtt

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/edgemind/edgemind/internal/errs"
)

// BrokerStore persists external broker configurations across restarts.
type BrokerStore interface {
	SaveBroker(ctx context.Context, config BrokerConfig) error
	GetBroker(ctx context.Context, id string) (*BrokerConfig, error)
	ListBrokers(ctx context.Context) ([]BrokerConfig, error)
	DeleteBroker(ctx context.Context, id string) error
}

// MemoryBrokerStore keeps broker configs in memory.
type MemoryBrokerStore struct {
	mu      sync.RWMutex
	brokers map[string]BrokerConfig
}

// NewMemoryBrokerStore returns an empty in-memory broker store.
func NewMemoryBrokerStore() *MemoryBrokerStore {
	return &MemoryBrokerStore{brokers: make(map[string]BrokerConfig)}
}

func (s *MemoryBrokerStore) SaveBroker(_ context.Context, config BrokerConfig) error {
	if config.ID == "" {
		return errs.InvalidArguments("id", "must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.brokers[config.ID] = config
	return nil
}

func (s *MemoryBrokerStore) GetBroker(_ context.Context, id string) (*BrokerConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	config, ok := s.brokers[id]
	if !ok {
		return nil, errs.NotFound("broker", id)
	}
	return &config, nil
}

func (s *MemoryBrokerStore) ListBrokers(_ context.Context) ([]BrokerConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]BrokerConfig, 0, len(s.brokers))
	for _, config := range s.brokers {
		out = append(out, config)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryBrokerStore) DeleteBroker(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.brokers[id]; !ok {
		return errs.NotFound("broker", id)
	}
	delete(s.brokers, id)
	return nil
}

// CockroachBrokerStore persists broker configs in SQL.
type CockroachBrokerStore struct {
	db *sql.DB
}

// NewCockroachBrokerStore wraps an existing connection pool.
func NewCockroachBrokerStore(db *sql.DB) *CockroachBrokerStore {
	return &CockroachBrokerStore{db: db}
}

// EnsureSchema creates the broker table if missing.
func (s *CockroachBrokerStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS mqtt_brokers (
			id     TEXT PRIMARY KEY,
			config JSONB NOT NULL
		)
	`)
	if err != nil {
		return errs.Storage("ensure broker schema", err)
	}
	return nil
}

func (s *CockroachBrokerStore) SaveBroker(ctx context.Context, config BrokerConfig) error {
	if config.ID == "" {
		return errs.InvalidArguments("id", "must not be empty")
	}
	encoded, err := json.Marshal(config)
	if err != nil {
		return errs.Serialization("encode broker config", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO mqtt_brokers (id, config) VALUES ($1,$2)
		ON CONFLICT (id) DO UPDATE SET config = EXCLUDED.config
	`, config.ID, encoded)
	if err != nil {
		return errs.Storage("save broker config", err)
	}
	return nil
}

func (s *CockroachBrokerStore) GetBroker(ctx context.Context, id string) (*BrokerConfig, error) {
	var encoded []byte
	err := s.db.QueryRowContext(ctx, `SELECT config FROM mqtt_brokers WHERE id = $1`, id).Scan(&encoded)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("broker", id)
	}
	if err != nil {
		return nil, errs.Storage("get broker config", err)
	}
	var config BrokerConfig
	if err := json.Unmarshal(encoded, &config); err != nil {
		return nil, errs.Serialization("decode broker config", err)
	}
	return &config, nil
}

func (s *CockroachBrokerStore) ListBrokers(ctx context.Context) ([]BrokerConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT config FROM mqtt_brokers ORDER BY id`)
	if err != nil {
		return nil, errs.Storage("list broker configs", err)
	}
	defer rows.Close()
	var out []BrokerConfig
	for rows.Next() {
		var encoded []byte
		if err := rows.Scan(&encoded); err != nil {
			return nil, errs.Storage("scan broker config", err)
		}
		var config BrokerConfig
		if err := json.Unmarshal(encoded, &config); err != nil {
			return nil, errs.Serialization("decode broker config", err)
		}
		out = append(out, config)
	}
	return out, rows.Err()
}

func (s *CockroachBrokerStore) DeleteBroker(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM mqtt_brokers WHERE id = $1`, id)
	if err != nil {
		return errs.Storage("delete broker config", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("broker", id)
	}
	return nil
}

// Redacted returns a copy safe for API responses: secrets blanked.
func (c BrokerConfig) Redacted() BrokerConfig {
	out := c
	if out.Password != "" {
		out.Password = "••••••"
	}
	return out
}

// Manager runs one Adapter per enabled external broker and keeps the
// persisted configuration in sync with the running set.
type Manager struct {
	store  BrokerStore
	logger *slog.Logger

	mu       sync.Mutex
	adapters map[string]*Adapter
}

// NewManager creates a broker manager over a config store.
func NewManager(store BrokerStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    store,
		logger:   logger,
		adapters: make(map[string]*Adapter),
	}
}

// StartAll reconnects every enabled persisted broker; called on startup.
func (m *Manager) StartAll(ctx context.Context) error {
	configs, err := m.store.ListBrokers(ctx)
	if err != nil {
		return err
	}
	for _, config := range configs {
		if !config.Enabled {
			continue
		}
		if err := m.startBroker(ctx, config); err != nil {
			// One bad broker never blocks the rest.
			m.logger.Warn("broker start failed", "broker", config.ID, "error", err)
		}
	}
	return nil
}

// Create persists a broker config and starts it when enabled.
func (m *Manager) Create(ctx context.Context, config BrokerConfig) error {
	if err := m.store.SaveBroker(ctx, config); err != nil {
		return err
	}
	if config.Enabled {
		return m.startBroker(ctx, config)
	}
	return nil
}

// Update replaces a broker's config, restarting its adapter.
func (m *Manager) Update(ctx context.Context, config BrokerConfig) error {
	if _, err := m.store.GetBroker(ctx, config.ID); err != nil {
		return err
	}
	if err := m.store.SaveBroker(ctx, config); err != nil {
		return err
	}
	m.stopBroker(ctx, config.ID)
	if config.Enabled {
		return m.startBroker(ctx, config)
	}
	return nil
}

// Delete stops and removes a broker.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.stopBroker(ctx, id)
	return m.store.DeleteBroker(ctx, id)
}

// Get returns one broker's redacted config.
func (m *Manager) Get(ctx context.Context, id string) (*BrokerConfig, error) {
	config, err := m.store.GetBroker(ctx, id)
	if err != nil {
		return nil, err
	}
	redacted := config.Redacted()
	return &redacted, nil
}

// List returns every broker's redacted config.
func (m *Manager) List(ctx context.Context) ([]BrokerConfig, error) {
	configs, err := m.store.ListBrokers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]BrokerConfig, len(configs))
	for i, config := range configs {
		out[i] = config.Redacted()
	}
	return out, nil
}

// Test dials the broker once and disconnects, verifying reachability and
// credentials without keeping a connection.
func (m *Manager) Test(ctx context.Context, config BrokerConfig) error {
	cfg := config.withDefaults()
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.URL).
		SetClientID(cfg.ClientID + "-test").
		SetConnectTimeout(cfg.ConnectTimeout)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout + time.Second) {
		return errs.Transient("broker connect timeout", nil)
	}
	if err := token.Error(); err != nil {
		return errs.Transient("broker connect", err)
	}
	client.Disconnect(100)
	return nil
}

// Adapters returns the running adapters, keyed by broker id.
func (m *Manager) Adapters() map[string]*Adapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*Adapter, len(m.adapters))
	for id, adapter := range m.adapters {
		out[id] = adapter
	}
	return out
}

// StopAll stops every running broker adapter.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.adapters))
	for id := range m.adapters {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.stopBroker(ctx, id)
	}
}

func (m *Manager) startBroker(ctx context.Context, config BrokerConfig) error {
	adapter := New(config, m.logger)
	if err := adapter.Start(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	m.adapters[config.ID] = adapter
	m.mu.Unlock()
	return nil
}

func (m *Manager) stopBroker(ctx context.Context, id string) {
	m.mu.Lock()
	adapter, ok := m.adapters[id]
	if ok {
		delete(m.adapters, id)
	}
	m.mu.Unlock()
	if ok {
		_ = adapter.Stop(ctx)
	}
}
