// Package audience implements named audience definitions and the bulk
// audience runner that snapshots which clients match a filter at a point in
// time.
package audience

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/corredorhq/decision-engine/internal/condition"
	"github.com/corredorhq/decision-engine/internal/feature"
)

// Definition is one immutable version of a named audience filter.
// (key, version) is unique per tenant; upserts insert a new version row.
type Definition struct {
	ID          uuid.UUID       `json:"id"`
	TenantID    uuid.UUID       `json:"tenant_id"`
	Key         string          `json:"key"`
	Version     int             `json:"version"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Filter      *condition.Node `json:"filter"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Run is a write-once audience run snapshot.
type Run struct {
	ID              uuid.UUID       `json:"id"`
	TenantID        uuid.UUID       `json:"tenant_id"`
	DefinitionID    *uuid.UUID      `json:"definition_id,omitempty"`
	AsOfDate        string          `json:"as_of_date"`
	FilterSnapshot  json.RawMessage `json:"filter_snapshot"`
	FilterHash      string          `json:"filter_hash"`
	MemberCount     int             `json:"member_count"`
	EstimatedImpact float64         `json:"estimated_impact"`
	ComputedMs      int64           `json:"computed_ms"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Member is one matched client with its feature snapshot at run time.
type Member struct {
	RunID    uuid.UUID   `json:"run_id"`
	ClientID uuid.UUID   `json:"client_id"`
	Features feature.Map `json:"features"`
}

// RunParams selects what to run. Exactly one of DefinitionID or Filter must
// be set; AsOf defaults to today (UTC) when zero.
type RunParams struct {
	DefinitionID *uuid.UUID
	Filter       *condition.Node
	AsOf         time.Time
	Persist      bool
}

// RunResult is what the runner returns to callers.
type RunResult struct {
	AsOfDate        string     `json:"as_of_date"`
	TotalMembers    int        `json:"total_members"`
	EstimatedImpact float64    `json:"estimated_impact"`
	ComputedMs      int64      `json:"computed_ms"`
	RunID           *uuid.UUID `json:"run_id,omitempty"`
}
