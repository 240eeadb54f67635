package timeseries

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"time"

	_ "github.com/lib/pq"

	"github.com/edgemind/edgemind/internal/errs"
	"github.com/edgemind/edgemind/pkg/models"
)

// CockroachStore implements Store on CockroachDB/Postgres. The primary key
// (device_id, metric, ts) makes the append-only invariant a constraint
// rather than a convention.
type CockroachStore struct {
	db *sql.DB
}

// NewCockroachStore wraps an existing connection pool.
func NewCockroachStore(db *sql.DB) *CockroachStore {
	return &CockroachStore{db: db}
}

// EnsureSchema creates the samples table if missing.
func (s *CockroachStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS timeseries_samples (
			device_id  TEXT NOT NULL,
			metric     TEXT NOT NULL,
			ts         TIMESTAMPTZ NOT NULL,
			value      JSONB NOT NULL,
			quality    TEXT,
			PRIMARY KEY (device_id, metric, ts)
		)
	`)
	if err != nil {
		return errs.Storage("ensure timeseries schema", err)
	}
	return nil
}

// Append records one sample.
func (s *CockroachStore) Append(ctx context.Context, point models.TimeSeriesPoint) error {
	return s.AppendBatch(ctx, []models.TimeSeriesPoint{point})
}

// AppendBatch records samples inside one transaction so a crash never
// leaves a partial batch visible.
func (s *CockroachStore) AppendBatch(ctx context.Context, points []models.TimeSeriesPoint) error {
	if len(points) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Storage("begin append batch", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, p := range points {
		if p.Timestamp.IsZero() {
			p.Timestamp = time.Now()
		}
		value, err := json.Marshal(p.Value)
		if err != nil {
			return errs.Serialization("encode metric value", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO timeseries_samples (device_id, metric, ts, value, quality)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (device_id, metric, ts) DO NOTHING
		`, p.DeviceID, p.Metric, p.Timestamp, value, nullableString(string(p.Quality)))
		if err != nil {
			return errs.Storage("insert sample", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errs.Storage("commit append batch", err)
	}
	return nil
}

// Query returns samples for one series within the options' bounds.
func (s *CockroachStore) Query(ctx context.Context, deviceID, metric string, opts QueryOptions) ([]models.TimeSeriesPoint, error) {
	query := `
		SELECT device_id, metric, ts, value, quality
		FROM timeseries_samples
		WHERE device_id = $1 AND metric = $2
	`
	args := []any{deviceID, metric}
	if !opts.From.IsZero() {
		args = append(args, opts.From)
		query += " AND ts >= $" + itoa(len(args))
	}
	if !opts.To.IsZero() {
		args = append(args, opts.To)
		query += " AND ts <= $" + itoa(len(args))
	}
	query += " ORDER BY ts DESC"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += " LIMIT $" + itoa(len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Storage("query samples", err)
	}
	defer rows.Close()

	var out []models.TimeSeriesPoint
	for rows.Next() {
		p, err := scanPoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Storage("iterate samples", err)
	}
	// Newest-first from the index; callers expect oldest-first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Latest returns the newest sample for a series.
func (s *CockroachStore) Latest(ctx context.Context, deviceID, metric string) (*models.TimeSeriesPoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT device_id, metric, ts, value, quality
		FROM timeseries_samples
		WHERE device_id = $1 AND metric = $2
		ORDER BY ts DESC
		LIMIT 1
	`, deviceID, metric)
	p, err := scanPoint(row)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("series", deviceID+"/"+metric)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Prune deletes samples older than the cutoff.
func (s *CockroachStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM timeseries_samples WHERE ts < $1`, olderThan)
	if err != nil {
		return 0, errs.Storage("prune samples", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPoint(row rowScanner) (models.TimeSeriesPoint, error) {
	var p models.TimeSeriesPoint
	var value []byte
	var quality sql.NullString
	if err := row.Scan(&p.DeviceID, &p.Metric, &p.Timestamp, &value, &quality); err != nil {
		if err == sql.ErrNoRows {
			return p, err
		}
		return p, errs.Storage("scan sample", err)
	}
	if err := json.Unmarshal(value, &p.Value); err != nil {
		return p, errs.Serialization("decode metric value", err)
	}
	if quality.Valid {
		p.Quality = models.Quality(quality.String)
	}
	return p, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func itoa(n int) string { return strconv.Itoa(n) }
