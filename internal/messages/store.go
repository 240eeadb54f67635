// Package messages is the persistent alert/message subsystem: a status-
// tracked store with bulk operations plus delivery-channel fan-out and
// event-bus publication on create.
package messages

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/edgemind/edgemind/internal/errs"
	"github.com/edgemind/edgemind/pkg/models"
)

// Filter selects messages in List. Zero fields match everything.
type Filter struct {
	Category string
	Status   models.MessageStatus
	Severity models.Severity
	Limit    int
}

func (f Filter) matches(msg *models.StoredMessage) bool {
	if f.Category != "" && msg.Category != f.Category {
		return false
	}
	if f.Status != "" && msg.Status != f.Status {
		return false
	}
	if f.Severity != "" && msg.Severity != f.Severity {
		return false
	}
	return true
}

// Stats summarises the store by status and severity.
type Stats struct {
	Total      int                          `json:"total"`
	ByStatus   map[models.MessageStatus]int `json:"by_status"`
	BySeverity map[models.Severity]int      `json:"by_severity"`
}

// Store persists messages.
type Store interface {
	Insert(ctx context.Context, msg *models.StoredMessage) error
	Get(ctx context.Context, id string) (*models.StoredMessage, error)
	List(ctx context.Context, filter Filter) ([]*models.StoredMessage, error)
	SetStatus(ctx context.Context, id string, status models.MessageStatus) error
	Delete(ctx context.Context, id string) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// MemoryStore keeps messages in memory, newest first on list.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string]*models.StoredMessage
}

// NewMemoryStore returns an empty in-memory message store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{messages: make(map[string]*models.StoredMessage)}
}

func (s *MemoryStore) Insert(_ context.Context, msg *models.StoredMessage) error {
	if msg == nil || msg.ID == "" {
		return errs.InvalidArguments("id", "must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *msg
	s.messages[msg.ID] = &stored
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.StoredMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, errs.NotFound("message", id)
	}
	out := *msg
	return &out, nil
}

func (s *MemoryStore) List(_ context.Context, filter Filter) ([]*models.StoredMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.StoredMessage
	for _, msg := range s.messages {
		if filter.matches(msg) {
			copy := *msg
			out = append(out, &copy)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) SetStatus(_ context.Context, id string, status models.MessageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return errs.NotFound("message", id)
	}
	msg.Status = status
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[id]; !ok {
		return errs.NotFound("message", id)
	}
	delete(s.messages, id)
	return nil
}

func (s *MemoryStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for id, msg := range s.messages {
		if msg.Timestamp.Before(cutoff) {
			delete(s.messages, id)
			removed++
		}
	}
	return removed, nil
}

// CockroachStore persists messages in SQL with status/timestamp indexes.
type CockroachStore struct {
	db *sql.DB
}

// NewCockroachStore wraps an existing connection pool.
func NewCockroachStore(db *sql.DB) *CockroachStore {
	return &CockroachStore{db: db}
}

// EnsureSchema creates the messages table if missing.
func (s *CockroachStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS stored_messages (
			id          TEXT PRIMARY KEY,
			category    TEXT NOT NULL,
			severity    TEXT NOT NULL,
			title       TEXT NOT NULL,
			message     TEXT NOT NULL,
			source      TEXT,
			source_type TEXT,
			ts          TIMESTAMPTZ NOT NULL,
			status      TEXT NOT NULL,
			metadata    JSONB,
			tags        JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS stored_messages_status_idx ON stored_messages (status)`,
		`CREATE INDEX IF NOT EXISTS stored_messages_ts_idx ON stored_messages (ts)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errs.Storage("ensure messages schema", err)
		}
	}
	return nil
}

func (s *CockroachStore) Insert(ctx context.Context, msg *models.StoredMessage) error {
	if msg == nil || msg.ID == "" {
		return errs.InvalidArguments("id", "must not be empty")
	}
	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		return errs.Serialization("encode metadata", err)
	}
	tags, err := json.Marshal(msg.Tags)
	if err != nil {
		return errs.Serialization("encode tags", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO stored_messages (id, category, severity, title, message, source, source_type, ts, status, metadata, tags)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, msg.ID, msg.Category, string(msg.Severity), msg.Title, msg.Message,
		msg.Source, msg.SourceType, msg.Timestamp, string(msg.Status), metadata, tags)
	if err != nil {
		return errs.Storage("insert message", err)
	}
	return nil
}

func (s *CockroachStore) Get(ctx context.Context, id string) (*models.StoredMessage, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, category, severity, title, message, source, source_type, ts, status, metadata, tags
		FROM stored_messages WHERE id = $1
	`, id)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("message", id)
	}
	return msg, err
}

func (s *CockroachStore) List(ctx context.Context, filter Filter) ([]*models.StoredMessage, error) {
	query := `
		SELECT id, category, severity, title, message, source, source_type, ts, status, metadata, tags
		FROM stored_messages WHERE 1=1
	`
	var args []any
	add := func(clause, value string) {
		args = append(args, value)
		query += clause
	}
	if filter.Category != "" {
		add(" AND category = $"+itoa(len(args)+1), filter.Category)
	}
	if filter.Status != "" {
		add(" AND status = $"+itoa(len(args)+1), string(filter.Status))
	}
	if filter.Severity != "" {
		add(" AND severity = $"+itoa(len(args)+1), string(filter.Severity))
	}
	query += " ORDER BY ts DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += " LIMIT $" + itoa(len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Storage("list messages", err)
	}
	defer rows.Close()
	var out []*models.StoredMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *CockroachStore) SetStatus(ctx context.Context, id string, status models.MessageStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE stored_messages SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return errs.Storage("set message status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("message", id)
	}
	return nil
}

func (s *CockroachStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM stored_messages WHERE id = $1`, id)
	if err != nil {
		return errs.Storage("delete message", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("message", id)
	}
	return nil
}

func (s *CockroachStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM stored_messages WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, errs.Storage("cleanup messages", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*models.StoredMessage, error) {
	var msg models.StoredMessage
	var severity, status string
	var metadata, tags []byte
	err := row.Scan(&msg.ID, &msg.Category, &severity, &msg.Title, &msg.Message,
		&msg.Source, &msg.SourceType, &msg.Timestamp, &status, &metadata, &tags)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, errs.Storage("scan message", err)
	}
	msg.Severity = models.Severity(severity)
	msg.Status = models.MessageStatus(status)
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &msg.Metadata)
	}
	if len(tags) > 0 {
		_ = json.Unmarshal(tags, &msg.Tags)
	}
	return &msg, nil
}

func itoa(n int) string { return strconv.Itoa(n) }
