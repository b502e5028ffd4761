package client

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return db, mock, func() { db.Close() }
}

func TestCreateAssignsIDAndTimestamps(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewStore(db)
	mock.ExpectExec("INSERT INTO engine_clients").
		WillReturnResult(sqlmock.NewResult(0, 1))

	c := &Client{
		TenantID: uuid.New(),
		Data:     map[string]interface{}{"nombre": "Ana Pérez", "telefono": "099123456"},
	}
	if err := store.Create(context.Background(), c); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if c.ID == uuid.Nil {
		t.Error("Create() should assign an id")
	}
	if c.CreatedAt.IsZero() || c.UpdatedAt.IsZero() {
		t.Error("Create() should stamp created_at and updated_at")
	}
}

func TestCreateRequiresTenant(t *testing.T) {
	db, _, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewStore(db)
	if err := store.Create(context.Background(), &Client{}); err == nil {
		t.Error("Create() without tenant should fail")
	}
}

func TestUpdateUnknownClient(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewStore(db)
	mock.ExpectExec("UPDATE engine_clients").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Update(context.Background(), uuid.New(), uuid.New(), map[string]interface{}{"nombre": "X"})
	if err == nil {
		t.Error("Update() on unknown client should fail")
	}
}

func TestGetNotFound(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewStore(db)
	mock.ExpectQuery("SELECT (.+) FROM engine_clients").
		WillReturnError(sql.ErrNoRows)

	c, err := store.Get(context.Background(), uuid.New(), uuid.New())
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if c != nil {
		t.Error("Get() on missing client should return nil, nil")
	}
}

func TestGetUnmarshalsData(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewStore(db)
	tenantID := uuid.New()
	clientID := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM engine_clients").
		WithArgs(clientID, tenantID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "data", "created_at", "updated_at"}).
			AddRow(clientID, tenantID, []byte(`{"nombre":"Ana","premio":"1200,50"}`), time.Now(), time.Now()))

	c, err := store.Get(context.Background(), tenantID, clientID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if c == nil {
		t.Fatal("Get() returned nil client")
	}
	if c.Data["nombre"] != "Ana" {
		t.Errorf("Data[nombre] = %v, want Ana", c.Data["nombre"])
	}
}

func TestListAllStableOrder(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewStore(db)
	tenantID := uuid.New()

	rows := sqlmock.NewRows([]string{"id", "tenant_id", "data", "created_at", "updated_at"})
	for i := 0; i < 3; i++ {
		rows.AddRow(uuid.New(), tenantID, []byte(`{}`), time.Now(), time.Now())
	}
	mock.ExpectQuery("SELECT (.+) FROM engine_clients").
		WithArgs(tenantID).
		WillReturnRows(rows)

	clients, err := store.ListAll(context.Background(), tenantID)
	if err != nil {
		t.Fatalf("ListAll() error: %v", err)
	}
	if len(clients) != 3 {
		t.Errorf("len(clients) = %d, want 3", len(clients))
	}
}
