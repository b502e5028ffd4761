package audience

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

// Runner bulk-matches a tenant's clients against an audience filter and
// optionally persists the run snapshot.
type Runner struct {
	store   *Store
	clients *client.Store
}

// NewRunner creates a new audience runner.
func NewRunner(store *Store, clients *client.Store) *Runner {
	return &Runner{store: store, clients: clients}
}

// Run evaluates the filter over every client of the tenant. The filter
// comes either from a stored definition (params.DefinitionID) or an ad-hoc
// override (params.Filter). Persistence is all-or-nothing: if the snapshot
// cannot be fully written the run is not recorded at all.
func (r *Runner) Run(ctx context.Context, tenantID uuid.UUID, params RunParams) (*RunResult, error) {
	start := time.Now()

	if params.DefinitionID == nil && params.Filter == nil {
		return nil, fmt.Errorf("either a definition id or an ad-hoc filter is required")
	}

	filter := params.Filter
	var defID *uuid.UUID
	if params.DefinitionID != nil {
		def, err := r.store.Get(ctx, tenantID, *params.DefinitionID)
		if err != nil {
			return nil, fmt.Errorf("get audience definition: %w", err)
		}
		if def == nil {
			return nil, fmt.Errorf("audience definition not found")
		}
		filter = def.Filter
		defID = &def.ID
	}

	asOf := params.AsOf
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}
	asOfDate := asOf.Format("2006-01-02")

	clients, err := r.clients.ListAll(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}

	var members []Member
	var impact float64
	for _, c := range clients {
		features := feature.Extract(c.Data, asOf)
		res := condition.Evaluate(filter, features)
		if !res.Matched {
			continue
		}
		members = append(members, Member{ClientID: c.ID, Features: features})
		if premio, ok := condition.Numeric(features[feature.ImpactField]); ok {
			impact += premio
		}
	}

	result := &RunResult{
		AsOfDate:        asOfDate,
		TotalMembers:    len(members),
		EstimatedImpact: impact,
		ComputedMs:      time.Since(start).Milliseconds(),
	}

	if params.Persist {
		filterJSON, err := json.Marshal(filter)
		if err != nil {
			return nil, fmt.Errorf("marshal filter snapshot: %w", err)
		}
		run := &Run{
			TenantID:        tenantID,
			DefinitionID:    defID,
			AsOfDate:        asOfDate,
			FilterSnapshot:  filterJSON,
			FilterHash:      condition.Hash(filter),
			MemberCount:     len(members),
			EstimatedImpact: impact,
			ComputedMs:      result.ComputedMs,
		}
		if err := r.store.CreateRun(ctx, run, members); err != nil {
			return nil, fmt.Errorf("persist audience run: %w", err)
		}
		result.RunID = &run.ID
		logger.Info("audience run persisted",
			"tenant_id", tenantID.String(),
			"run_id", run.ID.String(),
			"members", len(members))
	}

	return result, nil
}
