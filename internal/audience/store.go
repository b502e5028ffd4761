package audience

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/corredorhq/decision-engine/internal/condition"
)

// pq unique_violation; the versioning upsert retries on it instead of
// serializing writers.
const uniqueViolation = "23505"

const versionInsertRetries = 3

// Store provides database operations for audience definitions and runs.
type Store struct {
	db *sql.DB
}

// NewStore creates a new audience store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Upsert inserts a new immutable version of the named audience. Existing
// versions are never edited; the new row gets max(version)+1, with a bounded
// retry when a concurrent upsert wins the same version slot.
func (s *Store) Upsert(ctx context.Context, tenantID uuid.UUID, key, name, description string, filter *condition.Node) (*Definition, error) {
	if key == "" {
		return nil, fmt.Errorf("audience key is required")
	}
	if name == "" {
		return nil, fmt.Errorf("audience name is required")
	}
	if filter == nil {
		return nil, fmt.Errorf("audience filter is required")
	}
	filterJSON, err := json.Marshal(filter)
	if err != nil {
		return nil, fmt.Errorf("marshal filter: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < versionInsertRetries; attempt++ {
		def := &Definition{
			ID:          uuid.New(),
			TenantID:    tenantID,
			Key:         key,
			Name:        name,
			Description: description,
			Filter:      filter,
			CreatedAt:   time.Now(),
		}

		query := `
			INSERT INTO engine_audiences (id, tenant_id, key, version, name, description, filter, created_at)
			SELECT $1, $2, $3, COALESCE(MAX(version), 0) + 1, $4, $5, $6, $7
			FROM engine_audiences
			WHERE tenant_id = $2 AND key = $3
			RETURNING version
		`
		err := s.db.QueryRowContext(ctx, query,
			def.ID, tenantID, key, name, description, filterJSON, def.CreatedAt).Scan(&def.Version)
		if err == nil {
			return def, nil
		}
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == uniqueViolation {
			lastErr = err
			continue
		}
		return nil, fmt.Errorf("insert audience version: %w", err)
	}
	return nil, fmt.Errorf("insert audience version: %w", lastErr)
}

// Get retrieves a definition by id. Returns (nil, nil) when not found.
func (s *Store) Get(ctx context.Context, tenantID, id uuid.UUID) (*Definition, error) {
	query := `
		SELECT id, tenant_id, key, version, name, description, filter, created_at
		FROM engine_audiences
		WHERE id = $1 AND tenant_id = $2
	`
	return s.scanDefinition(s.db.QueryRowContext(ctx, query, id, tenantID))
}

// GetVersion retrieves a specific (key, version) pair.
func (s *Store) GetVersion(ctx context.Context, tenantID uuid.UUID, key string, version int) (*Definition, error) {
	query := `
		SELECT id, tenant_id, key, version, name, description, filter, created_at
		FROM engine_audiences
		WHERE tenant_id = $1 AND key = $2 AND version = $3
	`
	return s.scanDefinition(s.db.QueryRowContext(ctx, query, tenantID, key, version))
}

// GetLatest retrieves the highest version for a key.
func (s *Store) GetLatest(ctx context.Context, tenantID uuid.UUID, key string) (*Definition, error) {
	query := `
		SELECT id, tenant_id, key, version, name, description, filter, created_at
		FROM engine_audiences
		WHERE tenant_id = $1 AND key = $2
		ORDER BY version DESC
		LIMIT 1
	`
	return s.scanDefinition(s.db.QueryRowContext(ctx, query, tenantID, key))
}

// List returns the latest version of every audience key for a tenant.
func (s *Store) List(ctx context.Context, tenantID uuid.UUID) ([]*Definition, error) {
	query := `
		SELECT DISTINCT ON (key) id, tenant_id, key, version, name, description, filter, created_at
		FROM engine_audiences
		WHERE tenant_id = $1
		ORDER BY key, version DESC
	`
	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*Definition
	for rows.Next() {
		def, err := s.scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanDefinition(row rowScanner) (*Definition, error) {
	def := &Definition{}
	var filterJSON []byte
	var description sql.NullString
	err := row.Scan(&def.ID, &def.TenantID, &def.Key, &def.Version, &def.Name,
		&description, &filterJSON, &def.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	def.Description = description.String
	if len(filterJSON) > 0 {
		filter, err := condition.Parse(filterJSON)
		if err != nil {
			return nil, fmt.Errorf("stored filter for %s: %w", def.Key, err)
		}
		def.Filter = filter
	}
	return def, nil
}

// ==========================================
// RUNS
// ==========================================

// CreateRun persists a run header and all member rows inside one
// transaction. A run is either fully recorded or not recorded at all.
func (s *Store) CreateRun(ctx context.Context, run *Run, members []Member) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	run.ID = uuid.New()
	run.CreatedAt = time.Now()

	query := `
		INSERT INTO engine_audience_runs (
			id, tenant_id, definition_id, as_of_date, filter_snapshot,
			filter_hash, member_count, estimated_impact, computed_ms, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err = tx.ExecContext(ctx, query,
		run.ID, run.TenantID, run.DefinitionID, run.AsOfDate, run.FilterSnapshot,
		run.FilterHash, run.MemberCount, run.EstimatedImpact, run.ComputedMs, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audience run: %w", err)
	}

	memberQuery := `
		INSERT INTO engine_audience_run_members (run_id, client_id, features)
		VALUES ($1, $2, $3)
	`
	for _, m := range members {
		featJSON, err := json.Marshal(m.Features)
		if err != nil {
			return fmt.Errorf("marshal member features: %w", err)
		}
		if _, err := tx.ExecContext(ctx, memberQuery, run.ID, m.ClientID, featJSON); err != nil {
			return fmt.Errorf("insert run member: %w", err)
		}
	}

	return tx.Commit()
}

// GetRun retrieves a run header. Returns (nil, nil) when not found.
func (s *Store) GetRun(ctx context.Context, tenantID, runID uuid.UUID) (*Run, error) {
	query := `
		SELECT id, tenant_id, definition_id, as_of_date, filter_snapshot,
			filter_hash, member_count, estimated_impact, computed_ms, created_at
		FROM engine_audience_runs
		WHERE id = $1 AND tenant_id = $2
	`
	run := &Run{}
	err := s.db.QueryRowContext(ctx, query, runID, tenantID).Scan(
		&run.ID, &run.TenantID, &run.DefinitionID, &run.AsOfDate, &run.FilterSnapshot,
		&run.FilterHash, &run.MemberCount, &run.EstimatedImpact, &run.ComputedMs, &run.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns a page of run headers, newest first.
func (s *Store) ListRuns(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*Run, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := `
		SELECT id, tenant_id, definition_id, as_of_date, filter_snapshot,
			filter_hash, member_count, estimated_impact, computed_ms, created_at
		FROM engine_audience_runs
		WHERE tenant_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3
	`
	rows, err := s.db.QueryContext(ctx, query, tenantID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run := &Run{}
		if err := rows.Scan(&run.ID, &run.TenantID, &run.DefinitionID, &run.AsOfDate,
			&run.FilterSnapshot, &run.FilterHash, &run.MemberCount, &run.EstimatedImpact,
			&run.ComputedMs, &run.CreatedAt); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListRunMembers returns a page of a run's member snapshot.
func (s *Store) ListRunMembers(ctx context.Context, runID uuid.UUID, limit, offset int) ([]*Member, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	query := `
		SELECT run_id, client_id, features
		FROM engine_audience_run_members
		WHERE run_id = $1
		ORDER BY client_id
		LIMIT $2 OFFSET $3
	`
	rows, err := s.db.QueryContext(ctx, query, runID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []*Member
	for rows.Next() {
		m := &Member{}
		var featJSON []byte
		if err := rows.Scan(&m.RunID, &m.ClientID, &featJSON); err != nil {
			return nil, err
		}
		if len(featJSON) > 0 {
			json.Unmarshal(featJSON, &m.Features)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}
