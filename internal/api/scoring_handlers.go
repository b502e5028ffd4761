package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/corredorhq/decision-engine/internal/scoring"
)

type upsertRuleSetRequest struct {
	Key   string              `json:"key"`
	Name  string              `json:"name"`
	Bands []scoring.Band      `json:"bands"`
	Rules []scoring.RuleInput `json:"rules"`
}

// HandleUpsertRuleSet stores a new immutable version of the rule set.
func (h *Handlers) HandleUpsertRuleSet(w http.ResponseWriter, r *http.Request) {
	var req upsertRuleSetRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Key == "" || req.Name == "" {
		respondError(w, http.StatusBadRequest, "key and name are required")
		return
	}
	for _, rule := range req.Rules {
		if rule.Condition == nil {
			respondError(w, http.StatusBadRequest, "every rule needs a condition")
			return
		}
	}

	rs, err := h.ruleSets.Upsert(r.Context(), tenantFrom(r), req.Key, req.Name, req.Bands, req.Rules)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "upsert rule set: "+err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, rs)
}

// HandleListRuleSets returns every stored rule-set version.
func (h *Handlers) HandleListRuleSets(w http.ResponseWriter, r *http.Request) {
	sets, err := h.ruleSets.List(r.Context(), tenantFrom(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "list rule sets: "+err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"rule_sets": sets})
}

// HandleGetRuleSet returns one rule-set version with its rules.
func (h *Handlers) HandleGetRuleSet(w http.ResponseWriter, r *http.Request) {
	ruleSetID, ok := pathUUID(r, "id")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid rule set id")
		return
	}

	rs, err := h.ruleSets.Get(r.Context(), tenantFrom(r), ruleSetID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "get rule set: "+err.Error())
		return
	}
	if rs == nil {
		respondError(w, http.StatusNotFound, "rule set not found")
		return
	}
	respondJSON(w, http.StatusOK, rs)
}

// HandleGetActiveRuleSet returns the tenant's currently active rule set.
func (h *Handlers) HandleGetActiveRuleSet(w http.ResponseWriter, r *http.Request) {
	rs, err := h.ruleSets.GetActive(r.Context(), tenantFrom(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "get active rule set: "+err.Error())
		return
	}
	if rs == nil {
		respondError(w, http.StatusNotFound, "no active rule set")
		return
	}
	respondJSON(w, http.StatusOK, rs)
}

// HandleActivateRuleSet points the tenant's active-rule-set reference at the
// given version.
func (h *Handlers) HandleActivateRuleSet(w http.ResponseWriter, r *http.Request) {
	ruleSetID, ok := pathUUID(r, "id")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid rule set id")
		return
	}

	if err := h.ruleSets.Activate(r.Context(), tenantFrom(r), ruleSetID); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"activated":   true,
		"rule_set_id": ruleSetID,
	})
}

type scoreClientRequest struct {
	ClientID  uuid.UUID  `json:"client_id"`
	RuleSetID *uuid.UUID `json:"rule_set_id,omitempty"`
	AsOfDate  string     `json:"as_of_date,omitempty"`
	Persist   bool       `json:"persist"`
}

// HandleScoreClient evaluates the rule set against one client and returns
// the score, band and explain trace.
func (h *Handlers) HandleScoreClient(w http.ResponseWriter, r *http.Request) {
	var req scoreClientRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ClientID == uuid.Nil {
		respondError(w, http.StatusBadRequest, "client_id is required")
		return
	}

	asOf, err := parseAsOf(req.AsOfDate)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid as_of_date")
		return
	}

	result, err := h.scorer.Score(r.Context(), tenantFrom(r), scoring.ScoreParams{
		ClientID:  req.ClientID,
		RuleSetID: req.RuleSetID,
		AsOf:      asOf,
		Persist:   req.Persist,
	})
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// HandleListScoringRuns returns persisted scoring runs, newest first.
func (h *Handlers) HandleListScoringRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r, 20, 100)
	runs, err := h.ruleSets.ListRuns(r.Context(), tenantFrom(r), limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "list runs: "+err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"runs":   runs,
		"limit":  limit,
		"offset": offset,
	})
}

// HandleGetScoringRun returns one persisted run with its per-rule items.
func (h *Handlers) HandleGetScoringRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathUUID(r, "id")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid run id")
		return
	}

	run, err := h.ruleSets.GetRun(r.Context(), tenantFrom(r), runID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "get run: "+err.Error())
		return
	}
	if run == nil {
		respondError(w, http.StatusNotFound, "run not found")
		return
	}

	items, err := h.ruleSets.ListRunItems(r.Context(), runID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "list run items: "+err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"run":   run,
		"items": items,
	})
}
