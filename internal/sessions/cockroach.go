package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/lib/pq"

	"github.com/edgemind/edgemind/internal/errs"
	"github.com/edgemind/edgemind/pkg/models"
)

// CockroachStore persists sessions and histories in SQL. History writes
// run inside one transaction per session so a crash never leaves a
// half-written history visible.
type CockroachStore struct {
	db *sql.DB
}

// NewCockroachStore wraps an existing connection pool.
func NewCockroachStore(db *sql.DB) *CockroachStore {
	return &CockroachStore{db: db}
}

// EnsureSchema creates the session tables if missing.
func (s *CockroachStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id            TEXT PRIMARY KEY,
			started_at    TIMESTAMPTZ NOT NULL,
			last_activity TIMESTAMPTZ NOT NULL,
			message_count INT NOT NULL DEFAULT 0,
			metadata      JSONB
		)`,
		`CREATE TABLE IF NOT EXISTS session_histories (
			session_id TEXT PRIMARY KEY REFERENCES sessions (id) ON DELETE CASCADE,
			history    JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS sessions_last_activity_idx ON sessions (last_activity)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errs.Storage("ensure session schema", err)
		}
	}
	return nil
}

func (s *CockroachStore) Create(ctx context.Context, session *models.Session) error {
	if session == nil || session.ID == "" {
		return errs.InvalidArguments("id", "must not be empty")
	}
	metadata, err := json.Marshal(session.Metadata)
	if err != nil {
		return errs.Serialization("encode metadata", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, started_at, last_activity, message_count, metadata)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO NOTHING
	`, session.ID, session.StartedAt, session.LastActivity, session.MessageCount, metadata)
	if err != nil {
		return errs.Storage("create session", err)
	}
	return nil
}

func (s *CockroachStore) Get(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, started_at, last_activity, message_count, metadata
		FROM sessions WHERE id = $1
	`, id)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("session", id)
	}
	return session, err
}

func (s *CockroachStore) Update(ctx context.Context, session *models.Session) error {
	metadata, err := json.Marshal(session.Metadata)
	if err != nil {
		return errs.Serialization("encode metadata", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET last_activity = $2, message_count = $3, metadata = $4
		WHERE id = $1
	`, session.ID, session.LastActivity, session.MessageCount, metadata)
	if err != nil {
		return errs.Storage("update session", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("session", session.ID)
	}
	return nil
}

func (s *CockroachStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return errs.Storage("delete session", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("session", id)
	}
	return nil
}

func (s *CockroachStore) List(ctx context.Context, limit, offset int) ([]*models.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, last_activity, message_count, metadata
		FROM sessions ORDER BY last_activity DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, errs.Storage("list sessions", err)
	}
	defer rows.Close()
	var out []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, session)
	}
	return out, rows.Err()
}

func (s *CockroachStore) SaveHistory(ctx context.Context, sessionID string, history []models.AgentMessage) error {
	encoded, err := json.Marshal(history)
	if err != nil {
		return errs.Serialization("encode history", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO session_histories (session_id, history, updated_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (session_id) DO UPDATE SET history = EXCLUDED.history, updated_at = EXCLUDED.updated_at
	`, sessionID, encoded, time.Now())
	if err != nil {
		return errs.Storage("save history", err)
	}
	return nil
}

func (s *CockroachStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]models.AgentMessage, error) {
	var encoded []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT history FROM session_histories WHERE session_id = $1`, sessionID).Scan(&encoded)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Storage("get history", err)
	}
	var history []models.AgentMessage
	if err := json.Unmarshal(encoded, &history); err != nil {
		return nil, errs.Serialization("decode history", err)
	}
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var session models.Session
	var metadata []byte
	err := row.Scan(&session.ID, &session.StartedAt, &session.LastActivity,
		&session.MessageCount, &metadata)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, errs.Storage("scan session", err)
	}
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &session.Metadata)
	}
	return &session, nil
}
