package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/corredorhq/decision-engine/internal/client"
	"github.com/corredorhq/decision-engine/internal/condition"
	"github.com/corredorhq/decision-engine/internal/feature"
	"github.com/corredorhq/decision-engine/internal/pkg/logger"
)

// Runner scores a single client against a rule set.
type Runner struct {
	store   *Store
	clients *client.Store
}

// NewRunner creates a new scoring runner.
func NewRunner(store *Store, clients *client.Store) *Runner {
	return &Runner{store: store, clients: clients}
}

// Score loads the rule set (the tenant's active one unless params names an
// explicit id), extracts the client's features once, evaluates every rule
// in priority order and resolves the band. A per-rule explain entry is
// recorded whether or not the rule matched; inactive rules are skipped
// without an entry.
func (r *Runner) Score(ctx context.Context, tenantID uuid.UUID, params ScoreParams) (*ScoreResult, error) {
	if params.ClientID == uuid.Nil {
		return nil, fmt.Errorf("client id is required")
	}

	var rs *RuleSet
	var err error
	if params.RuleSetID != nil {
		rs, err = r.store.Get(ctx, tenantID, *params.RuleSetID)
	} else {
		rs, err = r.store.GetActive(ctx, tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("load rule set: %w", err)
	}
	if rs == nil {
		return nil, fmt.Errorf("no rule set available")
	}

	cl, err := r.clients.Get(ctx, tenantID, params.ClientID)
	if err != nil {
		return nil, fmt.Errorf("load client: %w", err)
	}
	if cl == nil {
		return nil, fmt.Errorf("client not found")
	}

	asOf := params.AsOf
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}
	features := feature.Extract(cl.Data, asOf)

	var score float64
	var explain []ExplainEntry
	var items []RunItem
	for _, rule := range rs.Rules {
		if !rule.Active {
			continue
		}
		res := condition.Evaluate(rule.Condition, features)
		awarded := 0.0
		if res.Matched {
			awarded = rule.Points
			score += rule.Points
		}
		explain = append(explain, ExplainEntry{
			RuleID:   rule.ID,
			Priority: rule.Priority,
			Matched:  res.Matched,
			OK:       res.OK,
			Points:   awarded,
			Details:  res.Details,
		})
		detailJSON, _ := json.Marshal(res)
		items = append(items, RunItem{
			RuleID:   rule.ID,
			Priority: rule.Priority,
			Matched:  res.Matched,
			Points:   awarded,
			Detail:   detailJSON,
		})
	}

	band := ResolveBand(rs.Bands, score)
	result := &ScoreResult{Score: score, Band: band, Explain: explain}

	if params.Persist {
		snapshot, err := json.Marshal(map[string]interface{}{
			"client":   cl.Data,
			"features": features,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal run snapshot: %w", err)
		}
		run := &Run{
			TenantID:  tenantID,
			ClientID:  cl.ID,
			RuleSetID: rs.ID,
			AsOfDate:  asOf.Format("2006-01-02"),
			Score:     score,
			Band:      band,
			Snapshot:  snapshot,
		}
		if err := r.store.CreateRun(ctx, run, items); err != nil {
			return nil, fmt.Errorf("persist scoring run: %w", err)
		}
		result.RunID = &run.ID
		logger.Info("scoring run persisted",
			"tenant_id", tenantID.String(),
			"run_id", run.ID.String(),
			"score", score,
			"band", band)
	}

	return result, nil
}
