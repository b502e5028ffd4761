package api

import (
	"net/http"

	"github.com/corredorhq/decision-engine/internal/condition"
	"github.com/corredorhq/decision-engine/internal/notify"
)

type upsertTemplateRequest struct {
	Key  string `json:"key"`
	Body string `json:"body"`
}

// HandleUpsertTemplate creates or replaces a message template by key.
func (h *Handlers) HandleUpsertTemplate(w http.ResponseWriter, r *http.Request) {
	var req upsertTemplateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Key == "" || req.Body == "" {
		respondError(w, http.StatusBadRequest, "key and body are required")
		return
	}
	if err := notify.ValidateTemplate(req.Body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid template: "+err.Error())
		return
	}

	tmpl, err := h.notifications.UpsertTemplate(r.Context(), tenantFrom(r), req.Key, req.Body)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "upsert template: "+err.Error())
		return
	}
	respondJSON(w, http.StatusOK, tmpl)
}

// HandleListTemplates returns every template for the tenant.
func (h *Handlers) HandleListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := h.notifications.ListTemplates(r.Context(), tenantFrom(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "list templates: "+err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"templates": templates})
}

type upsertTriggerRequest struct {
	Key             string          `json:"key"`
	Channel         notify.Channel  `json:"channel"`
	TemplateKey     string          `json:"template_key"`
	Filter          *condition.Node `json:"filter"`
	CooldownSec     int             `json:"cooldown_sec"`
	MaxRetries      int             `json:"max_retries"`
	RetryBackoffSec int             `json:"retry_backoff_sec"`
	Active          bool            `json:"active"`
}

// HandleUpsertTrigger creates or replaces a trigger by key.
func (h *Handlers) HandleUpsertTrigger(w http.ResponseWriter, r *http.Request) {
	var req upsertTriggerRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Key == "" || req.TemplateKey == "" {
		respondError(w, http.StatusBadRequest, "key and template_key are required")
		return
	}
	if !notify.KnownChannel(req.Channel) {
		respondError(w, http.StatusBadRequest, "unknown channel")
		return
	}
	if req.Filter == nil {
		respondError(w, http.StatusBadRequest, "filter is required")
		return
	}

	trig, err := h.notifications.UpsertTrigger(r.Context(), &notify.Trigger{
		TenantID:        tenantFrom(r),
		Key:             req.Key,
		Channel:         req.Channel,
		TemplateKey:     req.TemplateKey,
		Filter:          req.Filter,
		CooldownSec:     req.CooldownSec,
		MaxRetries:      req.MaxRetries,
		RetryBackoffSec: req.RetryBackoffSec,
		Active:          req.Active,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "upsert trigger: "+err.Error())
		return
	}
	respondJSON(w, http.StatusOK, trig)
}

// HandleListTriggers returns the tenant's triggers; ?active=true filters to
// active ones.
func (h *Handlers) HandleListTriggers(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	triggers, err := h.notifications.ListTriggers(r.Context(), tenantFrom(r), activeOnly)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "list triggers: "+err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"triggers": triggers})
}

type detectRequest struct {
	TriggerKey string `json:"trigger_key,omitempty"`
	AsOfDate   string `json:"as_of_date,omitempty"`
	DryRun     bool   `json:"dry_run"`
	Max        int    `json:"max"`
}

// HandleDetect runs the notification matcher: detect-and-enqueue, or a pure
// preview with dry_run.
func (h *Handlers) HandleDetect(w http.ResponseWriter, r *http.Request) {
	var req detectRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	asOf, err := parseAsOf(req.AsOfDate)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid as_of_date")
		return
	}

	result, err := h.matcher.Detect(r.Context(), tenantFrom(r), notify.DetectParams{
		TriggerKey: req.TriggerKey,
		AsOf:       asOf,
		DryRun:     req.DryRun,
		Max:        req.Max,
	})
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

type processRequest struct {
	MaxJobs int `json:"max_jobs"`
}

// HandleProcessQueue drains due jobs through the configured senders.
func (h *Handlers) HandleProcessQueue(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	result, err := h.processor.ProcessQueue(r.Context(), req.MaxJobs)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// HandleListJobs returns jobs, newest first; ?status= filters by state.
func (h *Handlers) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r, 50, 200)
	status := notify.JobStatus(r.URL.Query().Get("status"))

	jobs, err := h.notifications.ListJobs(r.Context(), tenantFrom(r), status, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "list jobs: "+err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":   jobs,
		"limit":  limit,
		"offset": offset,
	})
}

// HandleGetJob returns one job with its delivery attempts.
func (h *Handlers) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := pathUUID(r, "id")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	job, err := h.notifications.GetJob(r.Context(), tenantFrom(r), jobID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "get job: "+err.Error())
		return
	}
	if job == nil {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}

	deliveries, err := h.notifications.ListDeliveries(r.Context(), jobID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "list deliveries: "+err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"job":        job,
		"deliveries": deliveries,
	})
}
