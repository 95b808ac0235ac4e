package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/prudhvinik1/fieldsync/internal/models"
	"github.com/prudhvinik1/fieldsync/internal/realtime"
	"github.com/prudhvinik1/fieldsync/internal/services"
)

// SyncHandler exposes pull/push over point-to-point HTTP. The same
// operations are also reachable as RPCs over the realtime channel; applied
// pushes fan out change notifications either way.
type SyncHandler struct {
	sync *services.SyncService
	hub  *realtime.Hub
}

func NewSyncHandler(sync *services.SyncService, hub *realtime.Hub) *SyncHandler {
	return &SyncHandler{sync: sync, hub: hub}
}

func (h *SyncHandler) Pull(w http.ResponseWriter, r *http.Request) {
	claims, ok := identityFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}

	var req models.PullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := h.sync.Pull(r.Context(), claims.AccountID, req)
	if errors.Is(err, services.ErrNoEntities) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "pull failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// History serves the account's sync journal for audit and debugging.
func (h *SyncHandler) History(w http.ResponseWriter, r *http.Request) {
	claims, ok := identityFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.sync.History(r.Context(), claims.AccountID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load sync history")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *SyncHandler) Push(w http.ResponseWriter, r *http.Request) {
	claims, ok := identityFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}

	var changes []models.ChangeRecord
	if err := json.NewDecoder(r.Body).Decode(&changes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, applied, err := h.sync.Push(r.Context(), claims.AccountID, claims.DeviceID, changes)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "push failed")
		return
	}

	if h.hub != nil {
		h.hub.BroadcastChanges(realtime.Identity{
			AccountID: claims.AccountID,
			DeviceID:  claims.DeviceID,
		}, applied)
	}
	writeJSON(w, http.StatusOK, resp)
}
