package client

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store provides database operations for client records.
type Store struct {
	db *sql.DB
}

// NewStore creates a new client store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new client record.
func (s *Store) Create(ctx context.Context, c *Client) error {
	if c.TenantID == uuid.Nil {
		return fmt.Errorf("tenant id is required")
	}
	c.ID = uuid.New()
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt

	dataJSON, err := json.Marshal(c.Data)
	if err != nil {
		return fmt.Errorf("marshal client data: %w", err)
	}

	query := `
		INSERT INTO engine_clients (id, tenant_id, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := s.db.ExecContext(ctx, query, c.ID, c.TenantID, dataJSON, c.CreatedAt, c.UpdatedAt); err != nil {
		return fmt.Errorf("insert client: %w", err)
	}
	return nil
}

// Update replaces a client's data object.
func (s *Store) Update(ctx context.Context, tenantID, clientID uuid.UUID, data map[string]interface{}) error {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal client data: %w", err)
	}

	query := `
		UPDATE engine_clients
		SET data = $1, updated_at = NOW()
		WHERE id = $2 AND tenant_id = $3
	`
	res, err := s.db.ExecContext(ctx, query, dataJSON, clientID, tenantID)
	if err != nil {
		return fmt.Errorf("update client: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("client not found")
	}
	return nil
}

// Get retrieves one client. Returns (nil, nil) when not found.
func (s *Store) Get(ctx context.Context, tenantID, clientID uuid.UUID) (*Client, error) {
	query := `
		SELECT id, tenant_id, data, created_at, updated_at
		FROM engine_clients
		WHERE id = $1 AND tenant_id = $2
	`
	c := &Client{}
	var dataJSON []byte
	err := s.db.QueryRowContext(ctx, query, clientID, tenantID).Scan(
		&c.ID, &c.TenantID, &dataJSON, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(dataJSON) > 0 {
		if err := json.Unmarshal(dataJSON, &c.Data); err != nil {
			return nil, fmt.Errorf("unmarshal client data: %w", err)
		}
	}
	return c, nil
}

// ListAll returns every client for a tenant in stable id order. The bulk
// runners iterate this set; tenants are small enough (thousands, not
// millions) that a full scan per run is the simple, correct choice.
func (s *Store) ListAll(ctx context.Context, tenantID uuid.UUID) ([]*Client, error) {
	query := `
		SELECT id, tenant_id, data, created_at, updated_at
		FROM engine_clients
		WHERE tenant_id = $1
		ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clients []*Client
	for rows.Next() {
		c := &Client{}
		var dataJSON []byte
		if err := rows.Scan(&c.ID, &c.TenantID, &dataJSON, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		if len(dataJSON) > 0 {
			if err := json.Unmarshal(dataJSON, &c.Data); err != nil {
				return nil, fmt.Errorf("unmarshal client %s data: %w", c.ID, err)
			}
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

// List returns a page of clients for a tenant.
func (s *Store) List(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*Client, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT id, tenant_id, data, created_at, updated_at
		FROM engine_clients
		WHERE tenant_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3
	`
	rows, err := s.db.QueryContext(ctx, query, tenantID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clients []*Client
	for rows.Next() {
		c := &Client{}
		var dataJSON []byte
		if err := rows.Scan(&c.ID, &c.TenantID, &dataJSON, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		if len(dataJSON) > 0 {
			json.Unmarshal(dataJSON, &c.Data)
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

// Count returns the number of clients for a tenant.
func (s *Store) Count(ctx context.Context, tenantID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM engine_clients WHERE tenant_id = $1`, tenantID).Scan(&n)
	return n, err
}
