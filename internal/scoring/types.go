// Package scoring implements versioned rule sets and the scoring runner
// that resolves a client's score and band against them.
package scoring

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/corredorhq/decision-engine/internal/condition"
)

// Band is one labeled score range. Bands are resolved in their configured
// order: the first entry whose Min is ≤ the score wins, regardless of how
// the list is sorted.
type Band struct {
	Min   float64 `json:"min"`
	Label string  `json:"label"`
}

// Rule is one weighted condition inside a rule set. Rules evaluate in
// ascending Priority order; Points accumulate for every match.
type Rule struct {
	ID        uuid.UUID       `json:"id"`
	RuleSetID uuid.UUID       `json:"rule_set_id"`
	Priority  int             `json:"priority"`
	Points    float64         `json:"points"`
	Condition *condition.Node `json:"condition"`
	Active    bool            `json:"active"`
	CreatedAt time.Time       `json:"created_at"`
}

// RuleSet is one immutable version of a named rule set. (key, version) is
// unique per tenant; upserts insert a new version. At most one rule set per
// tenant is active at a time, tracked by a singleton pointer row rather
// than per-row boolean flags.
type RuleSet struct {
	ID        uuid.UUID `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	Key       string    `json:"key"`
	Version   int       `json:"version"`
	Name      string    `json:"name"`
	Bands     []Band    `json:"bands"`
	Rules     []Rule    `json:"rules,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Run is a write-once scoring run snapshot.
type Run struct {
	ID        uuid.UUID       `json:"id"`
	TenantID  uuid.UUID       `json:"tenant_id"`
	ClientID  uuid.UUID       `json:"client_id"`
	RuleSetID uuid.UUID       `json:"rule_set_id"`
	AsOfDate  string          `json:"as_of_date"`
	Score     float64         `json:"score"`
	Band      string          `json:"band"`
	Snapshot  json.RawMessage `json:"snapshot,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// RunItem is the per-rule explanation recorded for every rule, matched or
// not.
type RunItem struct {
	RunID    uuid.UUID       `json:"run_id"`
	RuleID   uuid.UUID       `json:"rule_id"`
	Priority int             `json:"priority"`
	Matched  bool            `json:"matched"`
	Points   float64         `json:"points"`
	Detail   json.RawMessage `json:"detail,omitempty"`
}

// ScoreParams selects what to score. RuleSetID nil means "use the tenant's
// active rule set"; AsOf defaults to today (UTC).
type ScoreParams struct {
	ClientID  uuid.UUID
	RuleSetID *uuid.UUID
	AsOf      time.Time
	Persist   bool
}

// ExplainEntry is one row of the caller-facing explanation.
type ExplainEntry struct {
	RuleID   uuid.UUID              `json:"rule_id"`
	Priority int                    `json:"priority"`
	Matched  bool                   `json:"matched"`
	OK       bool                   `json:"ok"`
	Points   float64                `json:"points"`
	Details  []condition.LeafDetail `json:"details,omitempty"`
}

// ScoreResult is what the runner returns to callers.
type ScoreResult struct {
	Score   float64        `json:"score"`
	Band    string         `json:"band"`
	Explain []ExplainEntry `json:"explain"`
	RunID   *uuid.UUID     `json:"run_id,omitempty"`
}

// ResolveBand scans bands in configured order and returns the label of the
// first entry whose Min is ≤ score; empty when none qualify.
func ResolveBand(bands []Band, score float64) string {
	for _, b := range bands {
		if score >= b.Min {
			return b.Label
		}
	}
	return ""
}
