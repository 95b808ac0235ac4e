package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/prudhvinik1/fieldsync/internal/models"
	"github.com/prudhvinik1/fieldsync/internal/repositories"
)

// DeviceHandler exposes the account's device fleet with live presence
// attached.
type DeviceHandler struct {
	devices  repositories.DeviceRepository
	presence repositories.PresenceRepository
}

func NewDeviceHandler(devices repositories.DeviceRepository, presence repositories.PresenceRepository) *DeviceHandler {
	return &DeviceHandler{devices: devices, presence: presence}
}

type deviceView struct {
	models.Device
	Presence models.Presence `json:"presence"`
}

func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	claims, ok := identityFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}

	devices, err := h.devices.GetDevicesByAccountID(r.Context(), claims.AccountID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}

	ids := make([]uuid.UUID, len(devices))
	for i, device := range devices {
		ids[i] = device.ID
	}
	presenceMap, err := h.presence.GetBulkPresence(r.Context(), ids)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load presence")
		return
	}

	views := make([]deviceView, len(devices))
	for i, device := range devices {
		views[i] = deviceView{Device: *device, Presence: presenceMap[device.ID]}
	}
	writeJSON(w, http.StatusOK, views)
}

// Revoke permanently bars a device from logging in again. Live connections
// drop when their session expires.
func (h *DeviceHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	claims, ok := identityFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return
	}

	deviceID, err := uuid.Parse(chi.URLParam(r, "deviceID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid device id")
		return
	}

	device, err := h.devices.GetByID(r.Context(), deviceID)
	if errors.Is(err, repositories.ErrNotFound) {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get device")
		return
	}
	if device.AccountID != claims.AccountID {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}

	if err := h.devices.Revoke(r.Context(), deviceID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to revoke device")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
