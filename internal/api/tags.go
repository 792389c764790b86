package api

import (
	"net/http"
)

// handleListAllTags returns all unique tags across all devices.
//
// GET /tags
// Response: {"tags": ["lab", "residential"], "count": 2}
func (s *Server) handleListAllTags(w http.ResponseWriter, r *http.Request) {
	tags, err := s.tagRepo.ListAllTags(r.Context())
	if err != nil {
		s.logger.Error("failed to list tags", "error", err)
		writeInternalError(w, "failed to list tags")
		return
	}
	if tags == nil {
		tags = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tags": tags, "count": len(tags)})
}

// handleListTagDevices returns the IDs of devices carrying a tag. Tags
// change through addTag and removeTag tasks.
//
// GET /tags/{tag}/devices
// Response: {"tag": "lab", "device_ids": ["001122-Router-SN1"], "count": 1}
func (s *Server) handleListTagDevices(w http.ResponseWriter, r *http.Request) {
	tag := urlParam(r, "tag")
	ids, err := s.tagRepo.ListDevicesByTag(r.Context(), tag)
	if err != nil {
		s.logger.Error("failed to list devices by tag", "error", err, "tag", tag)
		writeInternalError(w, "failed to list devices")
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tag": tag, "device_ids": ids, "count": len(ids)})
}
