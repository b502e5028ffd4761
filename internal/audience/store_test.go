package audience

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/corredorhq/decision-engine/internal/condition"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return db, mock, func() { db.Close() }
}

func testFilter(t *testing.T) *condition.Node {
	t.Helper()
	n, err := condition.Parse([]byte(`{"field":"telefono","op":"exists","value":null}`))
	if err != nil {
		t.Fatalf("parse filter: %v", err)
	}
	return n
}

func TestUpsertAssignsNextVersion(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	tenantID := uuid.New()
	store := NewStore(db)

	mock.ExpectQuery("INSERT INTO engine_audiences").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(1))

	def, err := store.Upsert(context.Background(), tenantID, "renewals", "Renewals", "", testFilter(t))
	if err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}
	if def.Version != 1 {
		t.Errorf("Version = %d, want 1", def.Version)
	}

	mock.ExpectQuery("INSERT INTO engine_audiences").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(2))

	def2, err := store.Upsert(context.Background(), tenantID, "renewals", "Renewals v2", "", testFilter(t))
	if err != nil {
		t.Fatalf("second Upsert() error: %v", err)
	}
	if def2.Version != 2 {
		t.Errorf("Version = %d, want 2", def2.Version)
	}
	if def2.ID == def.ID {
		t.Error("second version should get a fresh id")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestUpsertRetriesOnUniqueViolation(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewStore(db)

	// A concurrent writer wins the version slot once; the retry succeeds.
	mock.ExpectQuery("INSERT INTO engine_audiences").
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectQuery("INSERT INTO engine_audiences").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(3))

	def, err := store.Upsert(context.Background(), uuid.New(), "renewals", "Renewals", "", testFilter(t))
	if err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}
	if def.Version != 3 {
		t.Errorf("Version = %d, want 3", def.Version)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestUpsertGivesUpAfterRepeatedConflicts(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewStore(db)
	for i := 0; i < versionInsertRetries; i++ {
		mock.ExpectQuery("INSERT INTO engine_audiences").
			WillReturnError(&pq.Error{Code: "23505"})
	}

	if _, err := store.Upsert(context.Background(), uuid.New(), "renewals", "Renewals", "", testFilter(t)); err == nil {
		t.Error("Upsert() should fail after exhausting retries")
	}
}

func TestUpsertValidation(t *testing.T) {
	db, _, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewStore(db)
	ctx := context.Background()
	tenantID := uuid.New()

	if _, err := store.Upsert(ctx, tenantID, "", "Name", "", testFilter(t)); err == nil {
		t.Error("missing key should fail")
	}
	if _, err := store.Upsert(ctx, tenantID, "key", "", "", testFilter(t)); err == nil {
		t.Error("missing name should fail")
	}
	if _, err := store.Upsert(ctx, tenantID, "key", "Name", "", nil); err == nil {
		t.Error("missing filter should fail")
	}
}

func TestGetLatestNotFound(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewStore(db)
	mock.ExpectQuery("SELECT (.+) FROM engine_audiences").
		WillReturnError(sql.ErrNoRows)

	def, err := store.GetLatest(context.Background(), uuid.New(), "nope")
	if err != nil {
		t.Fatalf("GetLatest() error: %v", err)
	}
	if def != nil {
		t.Error("GetLatest() on missing key should return nil, nil")
	}
}

func TestCreateRunRollsBackOnMemberFailure(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewStore(db)
	tenantID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO engine_audience_runs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO engine_audience_run_members").
		WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	run := &Run{
		TenantID:       tenantID,
		AsOfDate:       "2026-08-31",
		FilterSnapshot: []byte(`{"all":[]}`),
		FilterHash:     "abc",
		MemberCount:    1,
	}
	members := []Member{{ClientID: uuid.New(), Features: map[string]interface{}{"telefono": "099123456"}}}

	if err := store.CreateRun(context.Background(), run, members); err == nil {
		t.Error("CreateRun() should propagate the member insert failure")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestCreateRunCommitsHeaderAndMembers(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewStore(db)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO engine_audience_runs").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO engine_audience_run_members").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO engine_audience_run_members").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	run := &Run{
		TenantID:       uuid.New(),
		AsOfDate:       "2026-08-31",
		FilterSnapshot: []byte(`{"all":[]}`),
		FilterHash:     "abc",
		MemberCount:    2,
	}
	members := []Member{
		{ClientID: uuid.New(), Features: map[string]interface{}{}},
		{ClientID: uuid.New(), Features: map[string]interface{}{}},
	}

	if err := store.CreateRun(context.Background(), run, members); err != nil {
		t.Fatalf("CreateRun() error: %v", err)
	}
	if run.ID == uuid.Nil {
		t.Error("CreateRun() should assign a run id")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
