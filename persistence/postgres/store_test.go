package postgres_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jgilcrest/tradingagent/persistence/postgres"
)

type fixture struct {
	db   *sql.DB
	mock sqlmock.Sqlmock
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return fixture{db: db, mock: mock}
}

func TestMigrateExecutesSchema(t *testing.T) {
	f := newFixture(t)
	store := postgres.New(f.db)

	f.mock.ExpectExec("CREATE TABLE IF NOT EXISTS workflow_snapshots").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.Migrate(context.Background()))
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestSaveWorkflowSnapshotUpserts(t *testing.T) {
	f := newFixture(t)
	store := postgres.New(f.db)

	f.mock.ExpectExec("INSERT INTO workflow_snapshots").
		WithArgs("wf-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.SaveWorkflowSnapshot(context.Background(), "wf-1", map[string]string{"status": "running"})
	require.NoError(t, err)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestLoadWorkflowSnapshotDecodesRow(t *testing.T) {
	f := newFixture(t)
	store := postgres.New(f.db)

	f.mock.ExpectQuery("SELECT snapshot FROM workflow_snapshots").
		WithArgs("wf-1").
		WillReturnRows(sqlmock.NewRows([]string{"snapshot"}).AddRow([]byte(`{"status":"completed"}`)))

	var out map[string]string
	err := store.LoadWorkflowSnapshot(context.Background(), "wf-1", &out)
	require.NoError(t, err)
	assert.Equal(t, "completed", out["status"])
}

func TestLoadWorkflowSnapshotPropagatesNoRows(t *testing.T) {
	f := newFixture(t)
	store := postgres.New(f.db)

	f.mock.ExpectQuery("SELECT snapshot FROM workflow_snapshots").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	var out map[string]string
	err := store.LoadWorkflowSnapshot(context.Background(), "missing", &out)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestListRecentWorkflowSnapshotsScansRows(t *testing.T) {
	f := newFixture(t)
	store := postgres.New(f.db)

	updated := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	f.mock.ExpectQuery("SELECT workflow_id, snapshot, updated_at FROM workflow_snapshots").
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows([]string{"workflow_id", "snapshot", "updated_at"}).
			AddRow("wf-1", []byte(`{"status":"completed"}`), updated))

	rows, err := store.ListRecentWorkflowSnapshots(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "wf-1", rows[0].WorkflowID)
	assert.Equal(t, updated, rows[0].UpdatedAt)
}

func TestSaveAndLoadKeyCountersRoundTrip(t *testing.T) {
	f := newFixture(t)
	store := postgres.New(f.db)

	f.mock.ExpectExec("INSERT INTO key_counters").
		WithArgs("key-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, store.SaveKeyCounters(context.Background(), "key-1", map[string]int{"rpm_used": 5}))

	f.mock.ExpectQuery("SELECT counters FROM key_counters").
		WithArgs("key-1").
		WillReturnRows(sqlmock.NewRows([]string{"counters"}).AddRow([]byte(`{"rpm_used":5}`)))

	var counters map[string]int
	require.NoError(t, store.LoadKeyCounters(context.Background(), "key-1", &counters))
	assert.Equal(t, 5, counters["rpm_used"])
}
