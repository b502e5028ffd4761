package api

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/corredorhq/decision-engine/internal/audience"
	"github.com/corredorhq/decision-engine/internal/condition"
)

type upsertAudienceRequest struct {
	Key         string          `json:"key"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Filter      *condition.Node `json:"filter"`
}

// HandleUpsertAudience stores a new immutable version of the audience.
func (h *Handlers) HandleUpsertAudience(w http.ResponseWriter, r *http.Request) {
	var req upsertAudienceRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Key == "" || req.Name == "" {
		respondError(w, http.StatusBadRequest, "key and name are required")
		return
	}
	if req.Filter == nil {
		respondError(w, http.StatusBadRequest, "filter is required")
		return
	}

	def, err := h.audiences.Upsert(r.Context(), tenantFrom(r), req.Key, req.Name, req.Description, req.Filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "upsert audience: "+err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, def)
}

// HandleListAudiences returns the latest version of every audience.
func (h *Handlers) HandleListAudiences(w http.ResponseWriter, r *http.Request) {
	defs, err := h.audiences.List(r.Context(), tenantFrom(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "list audiences: "+err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"audiences": defs})
}

// HandleGetAudience returns the latest version of one audience by key, or a
// specific version with ?version=N.
func (h *Handlers) HandleGetAudience(w http.ResponseWriter, r *http.Request) {
	key := chiURLParam(r, "key")
	tenantID := tenantFrom(r)

	var (
		def *audience.Definition
		err error
	)
	if raw := r.URL.Query().Get("version"); raw != "" {
		version, convErr := strconv.Atoi(raw)
		if convErr != nil || version < 1 {
			respondError(w, http.StatusBadRequest, "invalid version")
			return
		}
		def, err = h.audiences.GetVersion(r.Context(), tenantID, key, version)
	} else {
		def, err = h.audiences.GetLatest(r.Context(), tenantID, key)
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "get audience: "+err.Error())
		return
	}
	if def == nil {
		respondError(w, http.StatusNotFound, "audience not found")
		return
	}
	respondJSON(w, http.StatusOK, def)
}

type runAudienceRequest struct {
	DefinitionID *uuid.UUID      `json:"definition_id,omitempty"`
	Filter       *condition.Node `json:"filter,omitempty"`
	AsOfDate     string          `json:"as_of_date,omitempty"`
	Persist      bool            `json:"persist"`
}

// HandleRunAudience evaluates a stored definition or an ad-hoc filter
// against the tenant's clients.
func (h *Handlers) HandleRunAudience(w http.ResponseWriter, r *http.Request) {
	var req runAudienceRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	asOf, err := parseAsOf(req.AsOfDate)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid as_of_date")
		return
	}

	result, err := h.audienceRunner.Run(r.Context(), tenantFrom(r), audience.RunParams{
		DefinitionID: req.DefinitionID,
		Filter:       req.Filter,
		AsOf:         asOf,
		Persist:      req.Persist,
	})
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// HandleListAudienceRuns returns persisted runs, newest first.
func (h *Handlers) HandleListAudienceRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r, 20, 100)
	runs, err := h.audiences.ListRuns(r.Context(), tenantFrom(r), limit, offset)
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

// HandleGetAudienceRun returns one persisted run header.
func (h *Handlers) HandleGetAudienceRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathUUID(r, "id")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid run id")
		return
	}

	run, err := h.audiences.GetRun(r.Context(), tenantFrom(r), runID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "get run: "+err.Error())
		return
	}
	if run == nil {
		respondError(w, http.StatusNotFound, "run not found")
		return
	}
	respondJSON(w, http.StatusOK, run)
}

// HandleListAudienceRunMembers returns the member snapshot of a run.
func (h *Handlers) HandleListAudienceRunMembers(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathUUID(r, "id")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid run id")
		return
	}

	run, err := h.audiences.GetRun(r.Context(), tenantFrom(r), runID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "get run: "+err.Error())
		return
	}
	if run == nil {
		respondError(w, http.StatusNotFound, "run not found")
		return
	}

	limit, offset := parsePagination(r, 100, 1000)
	members, err := h.audiences.ListRunMembers(r.Context(), runID, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "list members: "+err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"members": members,
		"limit":   limit,
		"offset":  offset,
	})
}
