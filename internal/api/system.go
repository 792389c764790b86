package api

import (
	"net/http"
	"time"
)

// CacheReloadResponse describes the snapshot that is current after a
// reload.
type CacheReloadResponse struct {
	Key        string   `json:"key"`
	LoadedAt   string   `json:"loaded_at"`
	Presets    int      `json:"presets"`
	Provisions []string `json:"provisions"`
}

// handleReloadCache re-reads the configuration directory. Sessions
// already running keep the snapshot they started with.
func (s *Server) handleReloadCache(w http.ResponseWriter, r *http.Request) {
	snap, err := s.cache.Reload(r.Context())
	if err != nil {
		s.logger.Error("configuration reload failed", "error", err)
		writeError(w, http.StatusUnprocessableEntity, ErrCodeValidation, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, CacheReloadResponse{
		Key:        snap.Key(),
		LoadedAt:   snap.LoadedAt().UTC().Format(time.RFC3339),
		Presets:    len(snap.Presets()),
		Provisions: snap.ProvisionNames(),
	})
}
