// Package api is the thin HTTP surface over the admin adapter: lifecycle,
// discovery, enrollment, configuration and the MJPEG preview streams. It
// carries no authentication; the deployment fronts it with the platform's
// gateway.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/technosupport/ts-fas/internal/config"
	"github.com/technosupport/ts-fas/internal/fts"
	"github.com/technosupport/ts-fas/internal/identity"
	"github.com/technosupport/ts-fas/internal/live"
	"github.com/technosupport/ts-fas/internal/metrics"
)

const (
	maxEnrollImageBytes = 8 << 20
	discoverTimeout     = 30 * time.Second
)

// Handler serves the admin API.
type Handler struct {
	admin fts.Admin
	cache *live.Cache
}

func NewHandler(admin fts.Admin, cache *live.Cache) *Handler {
	return &Handler{admin: admin, cache: cache}
}

// Router builds the chi route tree.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()

	r.Post("/api/v1/fts/start", h.start)
	r.Post("/api/v1/fts/stop", h.stop)
	r.Post("/api/v1/fts/restart", h.restart)
	r.Get("/api/v1/fts/status", h.status)

	r.Post("/api/v1/discovery/scan", h.discover)

	r.Get("/api/v1/identities", h.listIdentities)
	r.Post("/api/v1/identities", h.enroll)
	r.Delete("/api/v1/identities/{id}", h.removeIdentity)
	r.Get("/api/v1/identities/{id}/attendance", h.recentAttendance)

	r.Get("/api/v1/config", h.getConfig)
	r.Put("/api/v1/config", h.putConfig)

	r.Get("/api/v1/cameras/{id}/detections/latest", h.latestDetections)
	r.Get("/streams/{id}", h.stream)

	r.Get("/healthz", h.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	return r
}

func (h *Handler) start(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.admin.Start())
}

func (h *Handler) stop(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.admin.Stop())
}

func (h *Handler) restart(w http.ResponseWriter, r *http.Request) {
	res := h.admin.Restart()
	code := http.StatusOK
	if !res.Success {
		code = http.StatusInternalServerError
	}
	writeJSON(w, code, res)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.admin.Status())
}

func (h *Handler) discover(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), discoverTimeout)
	defer cancel()

	found, err := h.admin.Discover(ctx)
	if err != nil {
		// Partial results with the deadline error are still worth returning.
		log.Printf("[API] discovery: %v", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": found,
		"partial": err != nil,
	})
}

func (h *Handler) enroll(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxEnrollImageBytes); err != nil {
		writeError(w, http.StatusBadRequest, "bad multipart form")
		return
	}
	employeeID := r.FormValue("employee_id")
	name := r.FormValue("name")
	if employeeID == "" {
		writeError(w, http.StatusBadRequest, "employee_id is required")
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "image file is required")
		return
	}
	defer file.Close()

	imageBytes, err := io.ReadAll(io.LimitReader(file, maxEnrollImageBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable image")
		return
	}

	switch err := h.admin.Enroll(employeeID, name, imageBytes); {
	case err == nil:
		writeJSON(w, http.StatusCreated, fts.OpResult{Success: true, Message: "enrolled"})
	case errors.Is(err, fts.ErrNoFace), errors.Is(err, fts.ErrMultipleFaces):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, identity.ErrDuplicate):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, fts.ErrNotRunning):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) removeIdentity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	switch err := h.admin.RemoveIdentity(id); {
	case err == nil:
		writeJSON(w, http.StatusOK, fts.OpResult{Success: true, Message: "removed"})
	case errors.Is(err, identity.ErrUnknownIdentity):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, fts.ErrNotRunning):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) listIdentities(w http.ResponseWriter, r *http.Request) {
	ids, err := h.admin.Identities()
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, ids)
}

func (h *Handler) recentAttendance(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	events, err := h.admin.RecentAttendance(r.Context(), chi.URLParam(r, "id"), window)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) getConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.admin.Snapshot())
}

func (h *Handler) putConfig(w http.ResponseWriter, r *http.Request) {
	var cfg config.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "bad config payload")
		return
	}
	if err := h.admin.ApplyConfig(cfg); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, fts.OpResult{Success: true, Message: "applied"})
}

func (h *Handler) latestDetections(w http.ResponseWriter, r *http.Request) {
	cameraID := chi.URLParam(r, "id")
	h.cache.RefreshDemand(r.Context(), cameraID)

	snap, err := h.cache.Latest(r.Context(), cameraID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if snap == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) stream(w http.ResponseWriter, r *http.Request) {
	cameraID := chi.URLParam(r, "id")
	pub, err := h.admin.Publisher(cameraID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	h.cache.RefreshDemand(r.Context(), cameraID)
	pub.ServeHTTP(w, r)
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	st := h.admin.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"running": st.Running,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
