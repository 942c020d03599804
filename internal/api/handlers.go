// Package api serves the tracker state over HTTP.
package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/martinsuchenak/usbtrackd/internal/log"
	"github.com/martinsuchenak/usbtrackd/internal/model"
	"github.com/martinsuchenak/usbtrackd/internal/monitor"
)

// Archive is the read side of the durable event archive.
type Archive interface {
	Recent(limit int) ([]model.DeviceEvent, error)
}

// Handler handles HTTP requests.
type Handler struct {
	state   *monitor.State
	archive Archive
}

// NewHandler creates a new API handler. archive may be nil.
func NewHandler(state *monitor.State, archive Archive) *Handler {
	return &Handler{state: state, archive: archive}
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/snapshot", h.getSnapshot)
	mux.HandleFunc("GET /api/devices", h.listConnected)
	mux.HandleFunc("GET /api/known", h.listKnown)
	mux.HandleFunc("GET /api/known/{id}", h.getKnown)
	mux.HandleFunc("PUT /api/known/{id}/nickname", h.setNickname)
	mux.HandleFunc("DELETE /api/known/{id}", h.forgetDevice)
	mux.HandleFunc("GET /api/events", h.listEvents)
	mux.HandleFunc("DELETE /api/events", h.clearEvents)
	mux.HandleFunc("GET /api/events/archive", h.listArchive)
	mux.HandleFunc("GET /api/storage", h.listStorage)
	mux.HandleFunc("GET /api/update", h.getUpdate)
	mux.HandleFunc("GET /api/ws", h.serveWS)
}

// getSnapshot handles GET /api/snapshot
func (h *Handler) getSnapshot(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.state.Snapshot())
}

// listConnected handles GET /api/devices
func (h *Handler) listConnected(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.state.Snapshot().Devices)
}

// listKnown handles GET /api/known
func (h *Handler) listKnown(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.state.Snapshot().KnownDevices)
}

// getKnown handles GET /api/known/{id}
func (h *Handler) getKnown(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	device, ok := h.state.Snapshot().KnownDevices[id]
	if !ok {
		h.writeError(w, http.StatusNotFound, "device not found")
		return
	}
	h.writeJSON(w, http.StatusOK, device)
}

// setNickname handles PUT /api/known/{id}/nickname. The body is the
// nickname as plain text; an empty or blank body clears it.
func (h *Handler) setNickname(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	body, err := io.ReadAll(io.LimitReader(r.Body, 1024))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "reading body failed")
		return
	}

	nickname := strings.TrimSpace(string(body))
	if !h.state.SetNickname(id, nickname) {
		h.writeError(w, http.StatusNotFound, "device not found")
		return
	}

	log.Info("Nickname set", "device_id", id, "nickname", nickname)
	w.WriteHeader(http.StatusNoContent)
}

// forgetDevice handles DELETE /api/known/{id}
func (h *Handler) forgetDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	h.state.Forget(id)
	log.Info("Device forget requested", "device_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// listEvents handles GET /api/events
func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	events := h.state.Snapshot().Events
	if events == nil {
		events = []model.DeviceEvent{}
	}
	h.writeJSON(w, http.StatusOK, events)
}

// clearEvents handles DELETE /api/events
func (h *Handler) clearEvents(w http.ResponseWriter, r *http.Request) {
	h.state.ClearEvents()
	w.WriteHeader(http.StatusNoContent)
}

// listArchive handles GET /api/events/archive?limit=N
func (h *Handler) listArchive(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		h.writeError(w, http.StatusNotFound, "event archive not enabled")
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	events, err := h.archive.Recent(limit)
	if err != nil {
		h.internalError(w, err)
		return
	}
	if events == nil {
		events = []model.DeviceEvent{}
	}
	h.writeJSON(w, http.StatusOK, events)
}

// listStorage handles GET /api/storage
func (h *Handler) listStorage(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.state.Snapshot().StorageInfo)
}

// getUpdate handles GET /api/update
func (h *Handler) getUpdate(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{
		"update_available": h.state.UpdateAvailable(),
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error("Encoding response failed", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

func (h *Handler) internalError(w http.ResponseWriter, err error) {
	log.Error("Internal server error", "error", err)
	h.writeError(w, http.StatusInternalServerError, "internal server error")
}
