package api

import (
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/starford/anylist/internal/refresher"
)

// Handler holds API route handlers.
type Handler struct {
	d Deps
}

// NewHandler creates a new Handler.
func NewHandler(d Deps) *Handler {
	return &Handler{d: d}
}

// Live handles GET /health/live.
func (h *Handler) Live(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles GET /health/ready. It fails while no list service address
// can be resolved.
func (h *Handler) Ready(w http.ResponseWriter, _ *http.Request) {
	addr, err := h.d.Resolver.ResolveAddress()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "address": addr})
}

type serverStatus struct {
	Running bool   `json:"running"`
	Address string `json:"address,omitempty"`
	PID     int    `json:"pid,omitempty"`
}

type statusResponse struct {
	Server  *serverStatus    `json:"server,omitempty"`
	Refresh refresher.Status `json:"refresh"`
}

// Status handles GET /api/status.
func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{Refresh: h.d.Refresher.Status()}
	if s := h.d.Server; s != nil {
		resp.Server = &serverStatus{Running: s.Available()}
		if resp.Server.Running {
			resp.Server.Address = s.Address()
			resp.Server.PID = s.PID()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Lists handles GET /api/lists.
func (h *Handler) Lists(w http.ResponseWriter, _ *http.Request) {
	lists, err := h.d.Cache.Lists()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lists": lists})
}

// Items handles GET /api/lists/{list}/items.
func (h *Handler) Items(w http.ResponseWriter, r *http.Request) {
	list := chi.URLParam(r, "list")
	if decoded, err := url.PathUnescape(list); err == nil {
		list = decoded
	}

	snap, err := h.d.Cache.Snapshot(list)
	if err != nil {
		writeError(w, err)
		return
	}
	if snap == nil {
		writeJSON(w, http.StatusNotFound, errorBody("list not cached"))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Refresh handles POST /api/refresh.
func (h *Handler) Refresh(w http.ResponseWriter, _ *http.Request) {
	h.d.Refresher.Trigger()
	slog.Info("api: refresh requested")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
