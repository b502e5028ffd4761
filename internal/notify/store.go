package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/corredorhq/decision-engine/internal/condition"
)

// Store provides database operations for templates, triggers, throttles,
// jobs and deliveries.
type Store struct {
	db *sql.DB
}

// NewStore creates a new notification store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ==========================================
// TEMPLATES
// ==========================================

// UpsertTemplate creates or replaces the key-unique template body.
func (s *Store) UpsertTemplate(ctx context.Context, tenantID uuid.UUID, key, body string) (*Template, error) {
	if key == "" {
		return nil, fmt.Errorf("template key is required")
	}
	if body == "" {
		return nil, fmt.Errorf("template body is required")
	}

	t := &Template{ID: uuid.New(), TenantID: tenantID, Key: key, Body: body}
	query := `
		INSERT INTO engine_templates (id, tenant_id, key, body, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (tenant_id, key) DO UPDATE SET
			body = EXCLUDED.body,
			updated_at = NOW()
		RETURNING id, created_at, updated_at
	`
	err := s.db.QueryRowContext(ctx, query, t.ID, tenantID, key, body).Scan(
		&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert template: %w", err)
	}
	return t, nil
}

// GetTemplate retrieves a template by key. Returns (nil, nil) when not
// found.
func (s *Store) GetTemplate(ctx context.Context, tenantID uuid.UUID, key string) (*Template, error) {
	query := `
		SELECT id, tenant_id, key, body, created_at, updated_at
		FROM engine_templates
		WHERE tenant_id = $1 AND key = $2
	`
	t := &Template{}
	err := s.db.QueryRowContext(ctx, query, tenantID, key).Scan(
		&t.ID, &t.TenantID, &t.Key, &t.Body, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ListTemplates returns all templates for a tenant ordered by key.
func (s *Store) ListTemplates(ctx context.Context, tenantID uuid.UUID) ([]*Template, error) {
	query := `
		SELECT id, tenant_id, key, body, created_at, updated_at
		FROM engine_templates
		WHERE tenant_id = $1
		ORDER BY key
	`
	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var templates []*Template
	for rows.Next() {
		t := &Template{}
		if err := rows.Scan(&t.ID, &t.TenantID, &t.Key, &t.Body, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

// ==========================================
// TRIGGERS
// ==========================================

// UpsertTrigger creates or replaces the key-unique trigger.
func (s *Store) UpsertTrigger(ctx context.Context, t *Trigger) (*Trigger, error) {
	if t.Key == "" {
		return nil, fmt.Errorf("trigger key is required")
	}
	if !KnownChannel(t.Channel) {
		return nil, fmt.Errorf("unknown channel %q", t.Channel)
	}
	if t.TemplateKey == "" {
		return nil, fmt.Errorf("trigger template key is required")
	}
	if t.Filter == nil {
		return nil, fmt.Errorf("trigger filter is required")
	}
	filterJSON, err := json.Marshal(t.Filter)
	if err != nil {
		return nil, fmt.Errorf("marshal filter: %w", err)
	}

	t.ID = uuid.New()
	query := `
		INSERT INTO engine_triggers (
			id, tenant_id, key, channel, template_key, filter,
			cooldown_sec, max_retries, retry_backoff_sec, active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
		ON CONFLICT (tenant_id, key) DO UPDATE SET
			channel = EXCLUDED.channel,
			template_key = EXCLUDED.template_key,
			filter = EXCLUDED.filter,
			cooldown_sec = EXCLUDED.cooldown_sec,
			max_retries = EXCLUDED.max_retries,
			retry_backoff_sec = EXCLUDED.retry_backoff_sec,
			active = EXCLUDED.active,
			updated_at = NOW()
		RETURNING id, created_at, updated_at
	`
	err = s.db.QueryRowContext(ctx, query,
		t.ID, t.TenantID, t.Key, t.Channel, t.TemplateKey, filterJSON,
		t.CooldownSec, t.MaxRetries, t.RetryBackoffSec, t.Active).Scan(
		&t.ID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert trigger: %w", err)
	}
	return t, nil
}

// GetTrigger retrieves a trigger by key. Returns (nil, nil) when not found.
func (s *Store) GetTrigger(ctx context.Context, tenantID uuid.UUID, key string) (*Trigger, error) {
	query := triggerSelect + ` WHERE tenant_id = $1 AND key = $2`
	return s.scanTrigger(s.db.QueryRowContext(ctx, query, tenantID, key))
}

// ListTriggers returns triggers for a tenant, optionally only active ones.
func (s *Store) ListTriggers(ctx context.Context, tenantID uuid.UUID, activeOnly bool) ([]*Trigger, error) {
	query := triggerSelect + ` WHERE tenant_id = $1`
	if activeOnly {
		query += ` AND active`
	}
	query += ` ORDER BY key`

	rows, err := s.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var triggers []*Trigger
	for rows.Next() {
		t, err := s.scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		triggers = append(triggers, t)
	}
	return triggers, rows.Err()
}

const triggerSelect = `
	SELECT id, tenant_id, key, channel, template_key, filter,
		cooldown_sec, max_retries, retry_backoff_sec, active, created_at, updated_at
	FROM engine_triggers`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanTrigger(row rowScanner) (*Trigger, error) {
	t := &Trigger{}
	var filterJSON []byte
	err := row.Scan(&t.ID, &t.TenantID, &t.Key, &t.Channel, &t.TemplateKey, &filterJSON,
		&t.CooldownSec, &t.MaxRetries, &t.RetryBackoffSec, &t.Active, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(filterJSON) > 0 {
		filter, err := condition.Parse(filterJSON)
		if err != nil {
			return nil, fmt.Errorf("stored filter for trigger %s: %w", t.Key, err)
		}
		t.Filter = filter
	}
	return t, nil
}

// ==========================================
// ELIGIBILITY GATES
// ==========================================

// HasInFlightJob reports whether a QUEUED or SENDING job already exists for
// the (trigger, client) pair.
func (s *Store) HasInFlightJob(ctx context.Context, triggerID, clientID uuid.UUID) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM engine_jobs
			WHERE trigger_id = $1 AND client_id = $2 AND status IN ('QUEUED', 'SENDING')
		)
	`
	var exists bool
	err := s.db.QueryRowContext(ctx, query, triggerID, clientID).Scan(&exists)
	return exists, err
}

// GetThrottle retrieves the throttle ledger row for a (trigger, client)
// pair. Returns (nil, nil) when the pair has never been enqueued.
func (s *Store) GetThrottle(ctx context.Context, triggerID, clientID uuid.UUID) (*Throttle, error) {
	query := `
		SELECT trigger_id, client_id, last_enqueued_at, last_sent_at
		FROM engine_throttles
		WHERE trigger_id = $1 AND client_id = $2
	`
	th := &Throttle{}
	var enq, sent sql.NullTime
	err := s.db.QueryRowContext(ctx, query, triggerID, clientID).Scan(
		&th.TriggerID, &th.ClientID, &enq, &sent)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if enq.Valid {
		th.LastEnqueuedAt = &enq.Time
	}
	if sent.Valid {
		th.LastSentAt = &sent.Time
	}
	return th, nil
}

// ==========================================
// JOBS
// ==========================================

// EnqueueBatch inserts the jobs and stamps each pair's last_enqueued_at in
// one transaction. Partial batches are never visible.
func (s *Store) EnqueueBatch(ctx context.Context, jobs []*Job) error {
	if len(jobs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	jobQuery := `
		INSERT INTO engine_jobs (
			id, tenant_id, trigger_id, client_id, channel, recipient, payload,
			status, attempts, max_retries, retry_backoff_sec, next_attempt_at,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	throttleQuery := `
		INSERT INTO engine_throttles (trigger_id, client_id, last_enqueued_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (trigger_id, client_id) DO UPDATE SET last_enqueued_at = EXCLUDED.last_enqueued_at
	`
	for _, job := range jobs {
		job.ID = uuid.New()
		job.Status = StatusQueued
		job.NextAttemptAt = now
		job.CreatedAt = now
		job.UpdatedAt = now
		if _, err := tx.ExecContext(ctx, jobQuery,
			job.ID, job.TenantID, job.TriggerID, job.ClientID, job.Channel,
			job.To, job.Payload, job.Status, job.Attempts, job.MaxRetries,
			job.RetryBackoffSec, job.NextAttemptAt, job.CreatedAt, job.UpdatedAt); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		if _, err := tx.ExecContext(ctx, throttleQuery, job.TriggerID, job.ClientID, now); err != nil {
			return fmt.Errorf("stamp throttle: %w", err)
		}
	}

	return tx.Commit()
}

// DueJobIDs returns up to limit jobs ready for processing, ordered by
// (next_attempt_at, id) ascending.
func (s *Store) DueJobIDs(ctx context.Context, limit int) ([]uuid.UUID, error) {
	query := `
		SELECT id FROM engine_jobs
		WHERE status IN ('QUEUED', 'RETRY') AND next_attempt_at <= NOW()
		ORDER BY next_attempt_at, id
		LIMIT $1
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ClaimJob attempts the conditional QUEUED/RETRY → SENDING transition,
// incrementing attempts. Returns (nil, nil) when another worker already
// claimed the job. The claim commits on its own so no transaction ever
// spans the outbound network call.
func (s *Store) ClaimJob(ctx context.Context, jobID uuid.UUID) (*Job, error) {
	query := `
		UPDATE engine_jobs
		SET status = 'SENDING', attempts = attempts + 1, updated_at = NOW()
		WHERE id = $1 AND status IN ('QUEUED', 'RETRY')
		RETURNING id, tenant_id, trigger_id, client_id, channel, recipient, payload,
			status, attempts, max_retries, retry_backoff_sec, next_attempt_at,
			COALESCE(last_error, ''), created_at, updated_at
	`
	job := &Job{}
	err := s.db.QueryRowContext(ctx, query, jobID).Scan(
		&job.ID, &job.TenantID, &job.TriggerID, &job.ClientID, &job.Channel,
		&job.To, &job.Payload, &job.Status, &job.Attempts, &job.MaxRetries,
		&job.RetryBackoffSec, &job.NextAttemptAt, &job.LastError,
		&job.CreatedAt, &job.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// RecordSent marks the job SENT, appends the delivery audit row and
// refreshes the throttle's last_sent_at, atomically.
func (s *Store) RecordSent(ctx context.Context, job *Job, providerResponse string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertDelivery(ctx, tx, job, StatusSent, providerResponse, ""); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE engine_jobs SET status = 'SENT', last_error = NULL, updated_at = NOW()
		WHERE id = $1
	`, job.ID); err != nil {
		return fmt.Errorf("mark job sent: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO engine_throttles (trigger_id, client_id, last_sent_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (trigger_id, client_id) DO UPDATE SET last_sent_at = NOW()
	`, job.TriggerID, job.ClientID); err != nil {
		return fmt.Errorf("stamp last_sent_at: %w", err)
	}

	return tx.Commit()
}

// RecordFailure appends the FAILED delivery row and either schedules a
// retry or marks the job terminally FAILED, atomically. Returns the job's
// resulting status.
func (s *Store) RecordFailure(ctx context.Context, job *Job, sendErr string, now time.Time) (JobStatus, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertDelivery(ctx, tx, job, StatusFailed, "", sendErr); err != nil {
		return "", err
	}

	maxRetries := job.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}
	status := StatusFailed
	if job.Attempts < maxRetries {
		status = StatusRetry
		next := now.Add(time.Duration(job.RetryBackoffSec) * time.Second)
		if _, err := tx.ExecContext(ctx, `
			UPDATE engine_jobs
			SET status = 'RETRY', next_attempt_at = $1, last_error = $2, updated_at = NOW()
			WHERE id = $3
		`, next, sendErr, job.ID); err != nil {
			return "", fmt.Errorf("schedule retry: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `
			UPDATE engine_jobs SET status = 'FAILED', last_error = $1, updated_at = NOW()
			WHERE id = $2
		`, sendErr, job.ID); err != nil {
			return "", fmt.Errorf("mark job failed: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return status, nil
}

func insertDelivery(ctx context.Context, tx *sql.Tx, job *Job, status JobStatus, providerResponse, sendErr string) error {
	query := `
		INSERT INTO engine_deliveries (id, job_id, attempt, status, provider_response, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`
	if _, err := tx.ExecContext(ctx, query,
		uuid.New(), job.ID, job.Attempts, status, providerResponse, sendErr); err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

// GetJob retrieves one job. Returns (nil, nil) when not found.
func (s *Store) GetJob(ctx context.Context, tenantID, jobID uuid.UUID) (*Job, error) {
	query := `
		SELECT id, tenant_id, trigger_id, client_id, channel, recipient, payload,
			status, attempts, max_retries, retry_backoff_sec, next_attempt_at,
			COALESCE(last_error, ''), created_at, updated_at
		FROM engine_jobs
		WHERE id = $1 AND tenant_id = $2
	`
	job := &Job{}
	err := s.db.QueryRowContext(ctx, query, jobID, tenantID).Scan(
		&job.ID, &job.TenantID, &job.TriggerID, &job.ClientID, &job.Channel,
		&job.To, &job.Payload, &job.Status, &job.Attempts, &job.MaxRetries,
		&job.RetryBackoffSec, &job.NextAttemptAt, &job.LastError,
		&job.CreatedAt, &job.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ListJobs returns a page of jobs for a tenant, newest first, optionally
// filtered by status.
func (s *Store) ListJobs(ctx context.Context, tenantID uuid.UUID, status JobStatus, limit, offset int) ([]*Job, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT id, tenant_id, trigger_id, client_id, channel, recipient, payload,
			status, attempts, max_retries, retry_backoff_sec, next_attempt_at,
			COALESCE(last_error, ''), created_at, updated_at
		FROM engine_jobs
		WHERE tenant_id = $1
	`
	args := []interface{}{tenantID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT %d OFFSET %d`, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job := &Job{}
		if err := rows.Scan(&job.ID, &job.TenantID, &job.TriggerID, &job.ClientID,
			&job.Channel, &job.To, &job.Payload, &job.Status, &job.Attempts,
			&job.MaxRetries, &job.RetryBackoffSec, &job.NextAttemptAt,
			&job.LastError, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ListDeliveries returns a job's audit trail, oldest first.
func (s *Store) ListDeliveries(ctx context.Context, jobID uuid.UUID) ([]*Delivery, error) {
	query := `
		SELECT id, job_id, attempt, status, COALESCE(provider_response, ''), COALESCE(error, ''), created_at
		FROM engine_deliveries
		WHERE job_id = $1
		ORDER BY created_at, id
	`
	rows, err := s.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deliveries []*Delivery
	for rows.Next() {
		d := &Delivery{}
		if err := rows.Scan(&d.ID, &d.JobID, &d.Attempt, &d.Status,
			&d.ProviderResponse, &d.Error, &d.CreatedAt); err != nil {
			return nil, err
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}
