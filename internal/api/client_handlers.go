package api

import (
	"net/http"

	"github.com/corredorhq/decision-engine/internal/client"
)

type clientRequest struct {
	Data map[string]interface{} `json:"data"`
}

// HandleCreateClient inserts a client record.
func (h *Handlers) HandleCreateClient(w http.ResponseWriter, r *http.Request) {
	var req clientRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Data) == 0 {
		respondError(w, http.StatusBadRequest, "data is required")
		return
	}

	c := &client.Client{TenantID: tenantFrom(r), Data: req.Data}
	if err := h.clients.Create(r.Context(), c); err != nil {
		respondError(w, http.StatusInternalServerError, "create client: "+err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, c)
}

// HandleUpdateClient replaces a client's data document.
func (h *Handlers) HandleUpdateClient(w http.ResponseWriter, r *http.Request) {
	clientID, ok := pathUUID(r, "id")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid client id")
		return
	}

	var req clientRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Data) == 0 {
		respondError(w, http.StatusBadRequest, "data is required")
		return
	}

	if err := h.clients.Update(r.Context(), tenantFrom(r), clientID, req.Data); err != nil {
		respondError(w, http.StatusInternalServerError, "update client: "+err.Error())
		return
	}

	c, err := h.clients.Get(r.Context(), tenantFrom(r), clientID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "get client: "+err.Error())
		return
	}
	if c == nil {
		respondError(w, http.StatusNotFound, "client not found")
		return
	}
	respondJSON(w, http.StatusOK, c)
}

// HandleGetClient returns one client record.
func (h *Handlers) HandleGetClient(w http.ResponseWriter, r *http.Request) {
	clientID, ok := pathUUID(r, "id")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid client id")
		return
	}

	c, err := h.clients.Get(r.Context(), tenantFrom(r), clientID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "get client: "+err.Error())
		return
	}
	if c == nil {
		respondError(w, http.StatusNotFound, "client not found")
		return
	}
	respondJSON(w, http.StatusOK, c)
}

// HandleListClients returns a paginated client listing.
func (h *Handlers) HandleListClients(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r, 50, 500)
	tenantID := tenantFrom(r)

	clients, err := h.clients.List(r.Context(), tenantID, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "list clients: "+err.Error())
		return
	}
	total, err := h.clients.Count(r.Context(), tenantID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "count clients: "+err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"clients": clients,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}
