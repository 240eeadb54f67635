package devicestate

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/lib/pq"

	"github.com/edgemind/edgemind/internal/errs"
	"github.com/edgemind/edgemind/pkg/models"
)

// CockroachStore implements Store on CockroachDB/Postgres. The type/online
// secondary indexes are real SQL indexes, so the consistency invariant the
// in-memory store maintains by hand holds by construction here.
type CockroachStore struct {
	db *sql.DB
}

// NewCockroachStore wraps an existing connection pool.
func NewCockroachStore(db *sql.DB) *CockroachStore {
	return &CockroachStore{db: db}
}

// EnsureSchema creates the device tables if missing.
func (s *CockroachStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS device_states (
			device_id    TEXT PRIMARY KEY,
			device_type  TEXT NOT NULL,
			online       BOOL NOT NULL DEFAULT false,
			last_seen    TIMESTAMPTZ NOT NULL,
			last_updated TIMESTAMPTZ NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL,
			metrics      JSONB NOT NULL DEFAULT '{}',
			capabilities JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS device_states_type_idx ON device_states (device_type)`,
		`CREATE INDEX IF NOT EXISTS device_states_online_idx ON device_states (online)`,
		`CREATE TABLE IF NOT EXISTS device_templates (
			device_type TEXT PRIMARY KEY,
			template    JSONB NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errs.Storage("ensure device schema", err)
		}
	}
	return nil
}

// Save upserts a full device state.
func (s *CockroachStore) Save(ctx context.Context, state *models.DeviceState) error {
	if state == nil || state.DeviceID == "" {
		return errs.InvalidArguments("device_id", "must not be empty")
	}
	now := time.Now()
	created := state.CreatedAt
	if created.IsZero() {
		created = now
	}
	metrics, err := json.Marshal(state.Metrics)
	if err != nil {
		return errs.Serialization("encode metrics", err)
	}
	var capabilities any
	if state.Capabilities != nil {
		encoded, err := json.Marshal(state.Capabilities)
		if err != nil {
			return errs.Serialization("encode capabilities", err)
		}
		capabilities = encoded
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO device_states (device_id, device_type, online, last_seen, last_updated, created_at, metrics, capabilities)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (device_id) DO UPDATE SET
			device_type = EXCLUDED.device_type,
			online = EXCLUDED.online,
			last_seen = EXCLUDED.last_seen,
			last_updated = EXCLUDED.last_updated,
			metrics = EXCLUDED.metrics,
			capabilities = EXCLUDED.capabilities
	`, state.DeviceID, state.DeviceType, state.Online, orNow(state.LastSeen, now), now, created, metrics, capabilities)
	if err != nil {
		return errs.Storage("save device state", err)
	}
	return nil
}

// Get loads one device state.
func (s *CockroachStore) Get(ctx context.Context, deviceID string) (*models.DeviceState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT device_id, device_type, online, last_seen, last_updated, created_at, metrics, capabilities
		FROM device_states WHERE device_id = $1
	`, deviceID)
	state, err := scanState(row)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("device", deviceID)
	}
	return state, err
}

// UpdateOnline flips the online flag.
func (s *CockroachStore) UpdateOnline(ctx context.Context, deviceID string, online bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE device_states
		SET online = $2,
		    last_updated = now(),
		    last_seen = CASE WHEN $2 THEN now() ELSE last_seen END
		WHERE device_id = $1
	`, deviceID, online)
	if err != nil {
		return errs.Storage("update online", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("device", deviceID)
	}
	return nil
}

// UpdateMetric writes one metric point.
func (s *CockroachStore) UpdateMetric(ctx context.Context, deviceID, name string, point models.MetricPoint) error {
	return s.UpdateMetrics(ctx, deviceID, map[string]models.MetricPoint{name: point})
}

// UpdateMetrics merges metric points into the stored map atomically.
func (s *CockroachStore) UpdateMetrics(ctx context.Context, deviceID string, metrics map[string]models.MetricPoint) error {
	if len(metrics) == 0 {
		return nil
	}
	now := time.Now()
	for name, point := range metrics {
		if point.Timestamp.IsZero() {
			point.Timestamp = now
			metrics[name] = point
		}
	}
	patch, err := json.Marshal(metrics)
	if err != nil {
		return errs.Serialization("encode metrics", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE device_states
		SET metrics = metrics || $2::JSONB,
		    last_seen = now(),
		    last_updated = now()
		WHERE device_id = $1
	`, deviceID, patch)
	if err != nil {
		return errs.Storage("update metrics", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("device", deviceID)
	}
	return nil
}

// ListAll returns every device state.
func (s *CockroachStore) ListAll(ctx context.Context) ([]*models.DeviceState, error) {
	return s.list(ctx, `SELECT device_id, device_type, online, last_seen, last_updated, created_at, metrics, capabilities
		FROM device_states ORDER BY device_id`)
}

// ListByType returns devices of one type.
func (s *CockroachStore) ListByType(ctx context.Context, deviceType string) ([]*models.DeviceState, error) {
	return s.list(ctx, `SELECT device_id, device_type, online, last_seen, last_updated, created_at, metrics, capabilities
		FROM device_states WHERE device_type = $1 ORDER BY device_id`, deviceType)
}

// ListOnline returns currently online devices.
func (s *CockroachStore) ListOnline(ctx context.Context) ([]*models.DeviceState, error) {
	return s.list(ctx, `SELECT device_id, device_type, online, last_seen, last_updated, created_at, metrics, capabilities
		FROM device_states WHERE online ORDER BY device_id`)
}

// ListOffline returns currently offline devices.
func (s *CockroachStore) ListOffline(ctx context.Context) ([]*models.DeviceState, error) {
	return s.list(ctx, `SELECT device_id, device_type, online, last_seen, last_updated, created_at, metrics, capabilities
		FROM device_states WHERE NOT online ORDER BY device_id`)
}

// Query filters in SQL where possible and finishes in memory.
func (s *CockroachStore) Query(ctx context.Context, filter Filter) ([]*models.DeviceState, error) {
	states, err := s.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	out := states[:0]
	for _, state := range states {
		if filter.Matches(state) {
			out = append(out, state)
		}
	}
	return out, nil
}

// Delete removes a device.
func (s *CockroachStore) Delete(ctx context.Context, deviceID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM device_states WHERE device_id = $1`, deviceID)
	if err != nil {
		return errs.Storage("delete device", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.NotFound("device", deviceID)
	}
	return nil
}

// SaveTemplate upserts a device-type template.
func (s *CockroachStore) SaveTemplate(ctx context.Context, deviceType string, template *models.DeviceTemplate) error {
	if template == nil {
		return errs.InvalidArguments("template", "must not be nil")
	}
	encoded, err := json.Marshal(template)
	if err != nil {
		return errs.Serialization("encode template", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO device_templates (device_type, template) VALUES ($1,$2)
		ON CONFLICT (device_type) DO UPDATE SET template = EXCLUDED.template
	`, deviceType, encoded)
	if err != nil {
		return errs.Storage("save template", err)
	}
	return nil
}

// GetTemplate loads a device-type template.
func (s *CockroachStore) GetTemplate(ctx context.Context, deviceType string) (*models.DeviceTemplate, error) {
	var encoded []byte
	err := s.db.QueryRowContext(ctx, `SELECT template FROM device_templates WHERE device_type = $1`, deviceType).Scan(&encoded)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("template", deviceType)
	}
	if err != nil {
		return nil, errs.Storage("get template", err)
	}
	var tmpl models.DeviceTemplate
	if err := json.Unmarshal(encoded, &tmpl); err != nil {
		return nil, errs.Serialization("decode template", err)
	}
	return &tmpl, nil
}

func (s *CockroachStore) list(ctx context.Context, query string, args ...any) ([]*models.DeviceState, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Storage("list device states", err)
	}
	defer rows.Close()
	var out []*models.DeviceState
	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, state)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Storage("iterate device states", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner) (*models.DeviceState, error) {
	var state models.DeviceState
	var metrics []byte
	var capabilities []byte
	err := row.Scan(&state.DeviceID, &state.DeviceType, &state.Online,
		&state.LastSeen, &state.LastUpdated, &state.CreatedAt, &metrics, &capabilities)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, errs.Storage("scan device state", err)
	}
	if err := json.Unmarshal(metrics, &state.Metrics); err != nil {
		return nil, errs.Serialization("decode metrics", err)
	}
	if len(capabilities) > 0 {
		state.Capabilities = &models.DeviceTemplate{}
		if err := json.Unmarshal(capabilities, state.Capabilities); err != nil {
			return nil, errs.Serialization("decode capabilities", err)
		}
	}
	return &state, nil
}

func orNow(t, now time.Time) time.Time {
	if t.IsZero() {
		return now
	}
	return t
}
