package scoring

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"

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

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()}), mr
}

func testRuleInput(t *testing.T, priority int, points float64) RuleInput {
	t.Helper()
	cond, err := condition.Parse([]byte(`{"field":"telefono","op":"exists","value":null}`))
	if err != nil {
		t.Fatalf("parse condition: %v", err)
	}
	return RuleInput{Priority: priority, Points: points, Condition: cond, Active: true}
}

func TestUpsertVersionsOneThenTwo(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewStore(db, nil)
	tenantID := uuid.New()
	bands := []Band{{Min: 50, Label: "WARM"}, {Min: 80, Label: "HOT"}}

	for want := 1; want <= 2; want++ {
		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO engine_rule_sets").
			WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(want))
		mock.ExpectExec("INSERT INTO engine_rules").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		rs, err := store.Upsert(context.Background(), tenantID, "default", "Default",
			bands, []RuleInput{testRuleInput(t, 1, 10)})
		if err != nil {
			t.Fatalf("Upsert() #%d error: %v", want, err)
		}
		if rs.Version != want {
			t.Errorf("Version = %d, want %d", rs.Version, want)
		}
		if len(rs.Rules) != 1 {
			t.Errorf("len(Rules) = %d, want 1", len(rs.Rules))
		}
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestUpsertRetriesOnVersionConflict(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewStore(db, nil)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO engine_rule_sets").
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO engine_rule_sets").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(2))
	mock.ExpectCommit()

	rs, err := store.Upsert(context.Background(), uuid.New(), "default", "Default", nil, nil)
	if err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}
	if rs.Version != 2 {
		t.Errorf("Version = %d, want 2", rs.Version)
	}
}

func TestUpsertRejectsRuleWithoutCondition(t *testing.T) {
	db, _, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewStore(db, nil)
	_, err := store.Upsert(context.Background(), uuid.New(), "default", "Default",
		nil, []RuleInput{{Priority: 1, Points: 10, Active: true}})
	if err == nil {
		t.Error("Upsert() with nil rule condition should fail")
	}
}

func TestActivateSwapsPointerRow(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewStore(db, nil)
	tenantID := uuid.New()
	ruleSetID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT tenant_id FROM engine_rule_sets").
		WithArgs(ruleSetID).
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}).AddRow(tenantID))
	mock.ExpectExec("INSERT INTO engine_active_rule_set").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.Activate(context.Background(), tenantID, ruleSetID); err != nil {
		t.Fatalf("Activate() error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestActivateRejectsForeignRuleSet(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewStore(db, nil)
	ruleSetID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT tenant_id FROM engine_rule_sets").
		WithArgs(ruleSetID).
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}).AddRow(uuid.New()))
	mock.ExpectRollback()

	if err := store.Activate(context.Background(), uuid.New(), ruleSetID); err == nil {
		t.Error("Activate() for another tenant's rule set should fail")
	}
}

func ruleSetRows(t *testing.T, id, tenantID uuid.UUID, key string, version int, bands []Band, active bool) *sqlmock.Rows {
	t.Helper()
	bandsJSON, err := json.Marshal(bands)
	if err != nil {
		t.Fatalf("marshal bands: %v", err)
	}
	return sqlmock.NewRows([]string{"id", "tenant_id", "key", "version", "name", "bands", "created_at", "active"}).
		AddRow(id, tenantID, key, version, "Default", bandsJSON, time.Now(), active)
}

func TestGetActiveCachesInRedis(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	cache, mr := setupTestRedis(t)

	store := NewStore(db, cache)
	tenantID := uuid.New()
	ruleSetID := uuid.New()
	bands := []Band{{Min: 0, Label: "COLD"}}

	// First call misses the cache and hits the database.
	mock.ExpectQuery("SELECT (.+) FROM engine_active_rule_set").
		WillReturnRows(ruleSetRows(t, ruleSetID, tenantID, "default", 1, bands, true))
	mock.ExpectQuery("SELECT (.+) FROM engine_rules").
		WillReturnRows(sqlmock.NewRows([]string{"id", "rule_set_id", "priority", "points", "condition", "active", "created_at"}))

	rs, err := store.GetActive(context.Background(), tenantID)
	if err != nil {
		t.Fatalf("GetActive() error: %v", err)
	}
	if rs == nil || rs.ID != ruleSetID {
		t.Fatal("GetActive() returned wrong rule set")
	}
	if !mr.Exists("engine:active_rule_set:" + tenantID.String()) {
		t.Error("active rule set should be cached after a miss")
	}

	// Second call is served from the cache; no db expectations queued.
	rs2, err := store.GetActive(context.Background(), tenantID)
	if err != nil {
		t.Fatalf("cached GetActive() error: %v", err)
	}
	if rs2 == nil || rs2.ID != ruleSetID {
		t.Error("cached GetActive() returned wrong rule set")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestActivateInvalidatesCache(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	cache, mr := setupTestRedis(t)

	store := NewStore(db, cache)
	tenantID := uuid.New()
	ruleSetID := uuid.New()

	key := "engine:active_rule_set:" + tenantID.String()
	mr.Set(key, `{"id":"stale"}`)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT tenant_id FROM engine_rule_sets").
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}).AddRow(tenantID))
	mock.ExpectExec("INSERT INTO engine_active_rule_set").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.Activate(context.Background(), tenantID, ruleSetID); err != nil {
		t.Fatalf("Activate() error: %v", err)
	}
	if mr.Exists(key) {
		t.Error("Activate() should invalidate the cached active rule set")
	}
}

func TestGetActiveWithoutRedis(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewStore(db, nil)
	tenantID := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM engine_active_rule_set").
		WillReturnError(sql.ErrNoRows)

	rs, err := store.GetActive(context.Background(), tenantID)
	if err != nil {
		t.Fatalf("GetActive() error: %v", err)
	}
	if rs != nil {
		t.Error("GetActive() with no active set should return nil, nil")
	}
}
