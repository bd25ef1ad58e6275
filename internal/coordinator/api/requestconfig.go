package api

import (
	"net/http"

	"github.com/hopmesh/hopmesh/internal/coordinator/config"
)

// ConfigHandler serves /api/config/request: the stored request template
// that GET /api/execute replays.
type ConfigHandler struct {
	store *config.Store
}

// NewConfigHandler builds a ConfigHandler.
func NewConfigHandler(store *config.Store) *ConfigHandler {
	return &ConfigHandler{store: store}
}

// Set serves POST /api/config/request.
func (h *ConfigHandler) Set(w http.ResponseWriter, r *http.Request) {
	var cfg config.RequestConfig
	if !decodeJSON(w, r, &cfg) {
		return
	}
	if cfg.URL == "" {
		ErrBadRequest(w, "url is required")
		return
	}
	h.store.Set(cfg)
	JSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// Get serves GET /api/config/request. Returns JSON null when no config
// has been stored yet.
func (h *ConfigHandler) Get(w http.ResponseWriter, r *http.Request) {
	cfg, ok := h.store.Get()
	if !ok {
		JSON(w, http.StatusOK, nil)
		return
	}
	JSON(w, http.StatusOK, cfg)
}
