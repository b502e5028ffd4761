// Package notify implements trigger-driven outbound notifications: matching
// clients against active triggers, dedupe/cooldown gating, template
// rendering, and the at-least-once delivery queue.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/corredorhq/decision-engine/internal/condition"
)

// Channel is an outbound delivery channel.
type Channel string

const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelEmail    Channel = "email"
)

// KnownChannel reports whether ch is a supported channel.
func KnownChannel(ch Channel) bool {
	return ch == ChannelWhatsApp || ch == ChannelEmail
}

// Template is a key-unique message body with {{path.to.value}} placeholders
// resolved against {client, features}.
type Template struct {
	ID        uuid.UUID `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	Key       string    `json:"key"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Trigger is a key-unique rule that schedules an outbound notification for
// every matching client, subject to dedupe and cooldown.
type Trigger struct {
	ID              uuid.UUID       `json:"id"`
	TenantID        uuid.UUID       `json:"tenant_id"`
	Key             string          `json:"key"`
	Channel         Channel         `json:"channel"`
	TemplateKey     string          `json:"template_key"`
	Filter          *condition.Node `json:"filter"`
	CooldownSec     int             `json:"cooldown_sec"`
	MaxRetries      int             `json:"max_retries"`
	RetryBackoffSec int             `json:"retry_backoff_sec"`
	Active          bool            `json:"active"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Throttle is the dedupe/cooldown ledger row for one (trigger, client)
// pair.
type Throttle struct {
	TriggerID      uuid.UUID  `json:"trigger_id"`
	ClientID       uuid.UUID  `json:"client_id"`
	LastEnqueuedAt *time.Time `json:"last_enqueued_at,omitempty"`
	LastSentAt     *time.Time `json:"last_sent_at,omitempty"`
}

// JobStatus is the queue state machine:
// QUEUED → SENDING → {SENT | RETRY | FAILED}, RETRY → SENDING on the next
// pull. SENT and FAILED are terminal.
type JobStatus string

const (
	StatusQueued  JobStatus = "QUEUED"
	StatusSending JobStatus = "SENDING"
	StatusSent    JobStatus = "SENT"
	StatusRetry   JobStatus = "RETRY"
	StatusFailed  JobStatus = "FAILED"
)

// Job is one enqueued send-attempt series. Retry policy is snapshotted from
// the trigger at enqueue time so later trigger edits do not change in-flight
// jobs.
type Job struct {
	ID              uuid.UUID `json:"id"`
	TenantID        uuid.UUID `json:"tenant_id"`
	TriggerID       uuid.UUID `json:"trigger_id"`
	ClientID        uuid.UUID `json:"client_id"`
	Channel         Channel   `json:"channel"`
	To              string    `json:"to"`
	Payload         string    `json:"payload"`
	Status          JobStatus `json:"status"`
	Attempts        int       `json:"attempts"`
	MaxRetries      int       `json:"max_retries"`
	RetryBackoffSec int       `json:"retry_backoff_sec"`
	NextAttemptAt   time.Time `json:"next_attempt_at"`
	LastError       string    `json:"last_error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Delivery is the append-only audit row for one send attempt.
type Delivery struct {
	ID               uuid.UUID `json:"id"`
	JobID            uuid.UUID `json:"job_id"`
	Attempt          int       `json:"attempt"`
	Status           JobStatus `json:"status"`
	ProviderResponse string    `json:"provider_response,omitempty"`
	Error            string    `json:"error,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// SendRequest is what the engine hands the external sender.
type SendRequest struct {
	Channel Channel
	To      string
	Payload string
}

// Sender is the outbound transport contract. Implementations live outside
// the core (see internal/sender); errors are treated as retryable per the
// trigger's policy.
type Sender interface {
	Send(ctx context.Context, req SendRequest) (providerResponse string, err error)
}

// PreviewEntry is one row of a detect pass result: a matched client and
// whether it survived the eligibility gates.
type PreviewEntry struct {
	TriggerKey string    `json:"trigger_key"`
	ClientID   uuid.UUID `json:"client_id"`
	To         string    `json:"to,omitempty"`
	Eligible   bool      `json:"eligible"`
	Reason     string    `json:"reason,omitempty"`
	Body       string    `json:"body,omitempty"`
}

// DetectParams controls a matcher pass. TriggerKey empty means "all active
// triggers"; Max caps enqueues per pass; DryRun previews with no writes.
type DetectParams struct {
	TriggerKey string
	AsOf       time.Time
	DryRun     bool
	Max        int
}

// DetectResult is what detect-and-enqueue returns.
type DetectResult struct {
	Matched  int            `json:"matched"`
	Enqueued int            `json:"enqueued"`
	Preview  []PreviewEntry `json:"preview"`
	Errors   []string       `json:"errors,omitempty"`
}

// ProcessedJob is one entry of a queue-processor pass result.
type ProcessedJob struct {
	JobID   uuid.UUID `json:"job_id"`
	Status  JobStatus `json:"status"`
	Attempt int       `json:"attempt"`
	Error   string    `json:"error,omitempty"`
}

// ProcessResult is what a queue-processor pass returns.
type ProcessResult struct {
	Claimed   int            `json:"claimed"`
	Sent      int            `json:"sent"`
	Retried   int            `json:"retried"`
	Failed    int            `json:"failed"`
	Processed []ProcessedJob `json:"processed"`
}

// Ineligibility reasons recorded on preview entries.
const (
	ReasonNoContact = "no_contact_address"
	ReasonInFlight  = "job_in_flight"
	ReasonCooldown  = "cooldown"
	ReasonMaxBatch  = "batch_limit_reached"
)
