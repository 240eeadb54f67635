package devicestate

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/edgemind/edgemind/pkg/models"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *CockroachStore) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	return db, mock, NewCockroachStore(db)
}

func TestCockroachStore_Save(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectExec("INSERT INTO device_states").
		WithArgs("dev-1", "dht22", true,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Save(context.Background(), &models.DeviceState{
		DeviceID:   "dev-1",
		DeviceType: "dht22",
		Online:     true,
		Metrics:    map[string]models.MetricPoint{},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCockroachStore_GetNotFound(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM device_states WHERE device_id").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	if _, err := store.Get(context.Background(), "missing"); err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestCockroachStore_Get(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	now := time.Now()
	metrics, _ := json.Marshal(map[string]models.MetricPoint{
		"temp": {Value: models.NewFloatMetric(21.5), Timestamp: now, Quality: models.QualityGood},
	})
	rows := sqlmock.NewRows([]string{
		"device_id", "device_type", "online", "last_seen", "last_updated", "created_at", "metrics", "capabilities",
	}).AddRow("dev-1", "dht22", true, now, now, now, metrics, nil)

	mock.ExpectQuery("SELECT (.+) FROM device_states WHERE device_id").
		WithArgs("dev-1").
		WillReturnRows(rows)

	state, err := store.Get(context.Background(), "dev-1")
	if err != nil {
		t.Fatal(err)
	}
	if state.DeviceID != "dev-1" || !state.Online {
		t.Errorf("unexpected state: %+v", state)
	}
	if point, ok := state.Metrics["temp"]; !ok || point.Value.Float != 21.5 {
		t.Errorf("metrics not decoded: %+v", state.Metrics)
	}
}

func TestCockroachStore_UpdateOnlineNotFound(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectExec("UPDATE device_states").
		WithArgs("missing", true).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.UpdateOnline(context.Background(), "missing", true); err == nil {
		t.Fatal("expected not-found error for zero rows affected")
	}
}
