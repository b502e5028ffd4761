package scoring

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/corredorhq/decision-engine/internal/condition"
	"github.com/corredorhq/decision-engine/internal/pkg/logger"
)

const uniqueViolation = "23505"

const versionInsertRetries = 3

// activeCacheTTL bounds staleness of the active rule set cache; Activate
// also invalidates eagerly.
const activeCacheTTL = 60 * time.Second

// Store provides database operations for rule sets and scoring runs, with
// an optional redis read-through cache for the active rule set.
type Store struct {
	db    *sql.DB
	cache *redis.Client
}

// NewStore creates a new scoring store. cache may be nil; everything works
// without redis, just without the active-set cache.
func NewStore(db *sql.DB, cache *redis.Client) *Store {
	return &Store{db: db, cache: cache}
}

// RuleInput is one rule of an upsert request.
type RuleInput struct {
	Priority  int             `json:"priority"`
	Points    float64         `json:"points"`
	Condition *condition.Node `json:"condition"`
	Active    bool            `json:"active"`
}

// Upsert inserts a new immutable version of the named rule set with its
// rules, in one transaction. Existing versions are never edited.
func (s *Store) Upsert(ctx context.Context, tenantID uuid.UUID, key, name string, bands []Band, rules []RuleInput) (*RuleSet, error) {
	if key == "" {
		return nil, fmt.Errorf("rule set key is required")
	}
	if name == "" {
		return nil, fmt.Errorf("rule set name is required")
	}
	for i, r := range rules {
		if r.Condition == nil {
			return nil, fmt.Errorf("rule %d: condition is required", i)
		}
	}

	bandsJSON, err := json.Marshal(bands)
	if err != nil {
		return nil, fmt.Errorf("marshal bands: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < versionInsertRetries; attempt++ {
		rs, err := s.insertVersion(ctx, tenantID, key, name, bandsJSON, bands, rules)
		if err == nil {
			return rs, nil
		}
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == uniqueViolation {
			lastErr = err
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("insert rule set version: %w", lastErr)
}

func (s *Store) insertVersion(ctx context.Context, tenantID uuid.UUID, key, name string, bandsJSON []byte, bands []Band, rules []RuleInput) (*RuleSet, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	rs := &RuleSet{
		ID:        uuid.New(),
		TenantID:  tenantID,
		Key:       key,
		Name:      name,
		Bands:     bands,
		CreatedAt: time.Now(),
	}

	query := `
		INSERT INTO engine_rule_sets (id, tenant_id, key, version, name, bands, created_at)
		SELECT $1, $2, $3, COALESCE(MAX(version), 0) + 1, $4, $5, $6
		FROM engine_rule_sets
		WHERE tenant_id = $2 AND key = $3
		RETURNING version
	`
	if err := tx.QueryRowContext(ctx, query,
		rs.ID, tenantID, key, name, bandsJSON, rs.CreatedAt).Scan(&rs.Version); err != nil {
		return nil, err
	}

	ruleQuery := `
		INSERT INTO engine_rules (id, rule_set_id, priority, points, condition, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	for _, in := range rules {
		condJSON, err := json.Marshal(in.Condition)
		if err != nil {
			return nil, fmt.Errorf("marshal rule condition: %w", err)
		}
		rule := Rule{
			ID:        uuid.New(),
			RuleSetID: rs.ID,
			Priority:  in.Priority,
			Points:    in.Points,
			Condition: in.Condition,
			Active:    in.Active,
			CreatedAt: rs.CreatedAt,
		}
		if _, err := tx.ExecContext(ctx, ruleQuery,
			rule.ID, rs.ID, rule.Priority, rule.Points, condJSON, rule.Active, rule.CreatedAt); err != nil {
			return nil, fmt.Errorf("insert rule: %w", err)
		}
		rs.Rules = append(rs.Rules, rule)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return rs, nil
}

// Activate makes the target rule set the tenant's single active one by
// swapping the per-tenant pointer row inside one transaction. The previous
// active set is implicitly deactivated, whatever key it belonged to.
func (s *Store) Activate(ctx context.Context, tenantID, ruleSetID uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var owner uuid.UUID
	err = tx.QueryRowContext(ctx,
		`SELECT tenant_id FROM engine_rule_sets WHERE id = $1`, ruleSetID).Scan(&owner)
	if err == sql.ErrNoRows {
		return fmt.Errorf("rule set not found")
	}
	if err != nil {
		return fmt.Errorf("load rule set: %w", err)
	}
	if owner != tenantID {
		return fmt.Errorf("rule set not found")
	}

	query := `
		INSERT INTO engine_active_rule_set (tenant_id, rule_set_id, activated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (tenant_id) DO UPDATE SET
			rule_set_id = EXCLUDED.rule_set_id,
			activated_at = EXCLUDED.activated_at
	`
	if _, err := tx.ExecContext(ctx, query, tenantID, ruleSetID); err != nil {
		return fmt.Errorf("set active rule set: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	s.invalidateActiveCache(ctx, tenantID)
	return nil
}

// Get retrieves a rule set with its rules ordered by priority. Returns
// (nil, nil) when not found.
func (s *Store) Get(ctx context.Context, tenantID, ruleSetID uuid.UUID) (*RuleSet, error) {
	query := `
		SELECT rs.id, rs.tenant_id, rs.key, rs.version, rs.name, rs.bands, rs.created_at,
			(a.rule_set_id IS NOT NULL) AS active
		FROM engine_rule_sets rs
		LEFT JOIN engine_active_rule_set a
			ON a.tenant_id = rs.tenant_id AND a.rule_set_id = rs.id
		WHERE rs.id = $1 AND rs.tenant_id = $2
	`
	rs, err := s.scanRuleSet(s.db.QueryRowContext(ctx, query, ruleSetID, tenantID))
	if err != nil || rs == nil {
		return rs, err
	}
	if err := s.loadRules(ctx, rs); err != nil {
		return nil, err
	}
	return rs, nil
}

// GetActive retrieves the tenant's active rule set, going through the redis
// cache when available. Returns (nil, nil) when no rule set is active.
func (s *Store) GetActive(ctx context.Context, tenantID uuid.UUID) (*RuleSet, error) {
	if rs := s.cachedActive(ctx, tenantID); rs != nil {
		return rs, nil
	}

	query := `
		SELECT rs.id, rs.tenant_id, rs.key, rs.version, rs.name, rs.bands, rs.created_at, TRUE
		FROM engine_active_rule_set a
		JOIN engine_rule_sets rs ON rs.id = a.rule_set_id
		WHERE a.tenant_id = $1
	`
	rs, err := s.scanRuleSet(s.db.QueryRowContext(ctx, query, tenantID))
	if err != nil || rs == nil {
		return rs, err
	}
	if err := s.loadRules(ctx, rs); err != nil {
		return nil, err
	}

	s.storeActiveCache(ctx, tenantID, rs)
	return rs, nil
}

// List returns every rule set version for a tenant, newest first, without
// rules loaded.
func (s *Store) List(ctx context.Context, tenantID uuid.UUID) ([]*RuleSet, error) {
	query := `
		SELECT rs.id, rs.tenant_id, rs.key, rs.version, rs.name, rs.bands, rs.created_at,
			(a.rule_set_id IS NOT NULL) AS active
		FROM engine_rule_sets rs
		LEFT JOIN engine_active_rule_set a
			ON a.tenant_id = rs.tenant_id AND a.rule_set_id = rs.id
		WHERE rs.tenant_id = $1
		ORDER BY rs.key, rs.version DESC
	`
	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sets []*RuleSet
	for rows.Next() {
		rs, err := s.scanRuleSet(rows)
		if err != nil {
			return nil, err
		}
		sets = append(sets, rs)
	}
	return sets, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanRuleSet(row rowScanner) (*RuleSet, error) {
	rs := &RuleSet{}
	var bandsJSON []byte
	err := row.Scan(&rs.ID, &rs.TenantID, &rs.Key, &rs.Version, &rs.Name,
		&bandsJSON, &rs.CreatedAt, &rs.Active)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(bandsJSON) > 0 {
		if err := json.Unmarshal(bandsJSON, &rs.Bands); err != nil {
			return nil, fmt.Errorf("unmarshal bands: %w", err)
		}
	}
	return rs, nil
}

func (s *Store) loadRules(ctx context.Context, rs *RuleSet) error {
	query := `
		SELECT id, rule_set_id, priority, points, condition, active, created_at
		FROM engine_rules
		WHERE rule_set_id = $1
		ORDER BY priority, id
	`
	rows, err := s.db.QueryContext(ctx, query, rs.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		rule := Rule{}
		var condJSON []byte
		if err := rows.Scan(&rule.ID, &rule.RuleSetID, &rule.Priority, &rule.Points,
			&condJSON, &rule.Active, &rule.CreatedAt); err != nil {
			return err
		}
		cond, err := condition.Parse(condJSON)
		if err != nil {
			return fmt.Errorf("stored condition for rule %s: %w", rule.ID, err)
		}
		rule.Condition = cond
		rs.Rules = append(rs.Rules, rule)
	}
	// Priority order is the evaluation contract; make it hold even when a
	// caller bypasses the query ordering.
	sort.SliceStable(rs.Rules, func(i, j int) bool { return rs.Rules[i].Priority < rs.Rules[j].Priority })
	return rows.Err()
}

// ==========================================
// ACTIVE RULE SET CACHE
// ==========================================

func activeCacheKey(tenantID uuid.UUID) string {
	return "engine:active_rule_set:" + tenantID.String()
}

func (s *Store) cachedActive(ctx context.Context, tenantID uuid.UUID) *RuleSet {
	if s.cache == nil {
		return nil
	}
	data, err := s.cache.Get(ctx, activeCacheKey(tenantID)).Bytes()
	if err != nil {
		return nil
	}
	rs := &RuleSet{}
	if err := json.Unmarshal(data, rs); err != nil {
		return nil
	}
	return rs
}

func (s *Store) storeActiveCache(ctx context.Context, tenantID uuid.UUID, rs *RuleSet) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(rs)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, activeCacheKey(tenantID), data, activeCacheTTL).Err(); err != nil {
		logger.Warn("active rule set cache write failed", "tenant_id", tenantID.String(), "error", err.Error())
	}
}

func (s *Store) invalidateActiveCache(ctx context.Context, tenantID uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, activeCacheKey(tenantID)).Err(); err != nil {
		logger.Warn("active rule set cache invalidation failed", "tenant_id", tenantID.String(), "error", err.Error())
	}
}

// ==========================================
// RUNS
// ==========================================

// CreateRun persists a run header and its per-rule items inside one
// transaction.
func (s *Store) CreateRun(ctx context.Context, run *Run, items []RunItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	run.ID = uuid.New()
	run.CreatedAt = time.Now()

	query := `
		INSERT INTO engine_scoring_runs (
			id, tenant_id, client_id, rule_set_id, as_of_date, score, band, snapshot, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = tx.ExecContext(ctx, query,
		run.ID, run.TenantID, run.ClientID, run.RuleSetID, run.AsOfDate,
		run.Score, run.Band, run.Snapshot, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert scoring run: %w", err)
	}

	itemQuery := `
		INSERT INTO engine_scoring_run_items (run_id, rule_id, priority, matched, points, detail)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	for _, item := range items {
		if _, err := tx.ExecContext(ctx, itemQuery,
			run.ID, item.RuleID, item.Priority, item.Matched, item.Points, item.Detail); err != nil {
			return fmt.Errorf("insert run item: %w", err)
		}
	}

	return tx.Commit()
}

// GetRun retrieves a run header. Returns (nil, nil) when not found.
func (s *Store) GetRun(ctx context.Context, tenantID, runID uuid.UUID) (*Run, error) {
	query := `
		SELECT id, tenant_id, client_id, rule_set_id, as_of_date, score, band, snapshot, created_at
		FROM engine_scoring_runs
		WHERE id = $1 AND tenant_id = $2
	`
	run := &Run{}
	err := s.db.QueryRowContext(ctx, query, runID, tenantID).Scan(
		&run.ID, &run.TenantID, &run.ClientID, &run.RuleSetID, &run.AsOfDate,
		&run.Score, &run.Band, &run.Snapshot, &run.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns returns a page of scoring run headers, newest first.
func (s *Store) ListRuns(ctx context.Context, tenantID uuid.UUID, limit, offset int) ([]*Run, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := `
		SELECT id, tenant_id, client_id, rule_set_id, as_of_date, score, band, snapshot, created_at
		FROM engine_scoring_runs
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
		if err := rows.Scan(&run.ID, &run.TenantID, &run.ClientID, &run.RuleSetID,
			&run.AsOfDate, &run.Score, &run.Band, &run.Snapshot, &run.CreatedAt); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListRunItems returns a run's per-rule explanation rows in priority order.
func (s *Store) ListRunItems(ctx context.Context, runID uuid.UUID) ([]*RunItem, error) {
	query := `
		SELECT run_id, rule_id, priority, matched, points, detail
		FROM engine_scoring_run_items
		WHERE run_id = $1
		ORDER BY priority, rule_id
	`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*RunItem
	for rows.Next() {
		item := &RunItem{}
		if err := rows.Scan(&item.RunID, &item.RuleID, &item.Priority,
			&item.Matched, &item.Points, &item.Detail); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}
