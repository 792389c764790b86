package api

import (
	"errors"
	"net/http"

	"github.com/nerrad567/gray-logic-acs/internal/device"
)

// handleListFaults returns stored session faults, oldest first.
//
// Query parameters:
//   - device_id: only faults of this device
func (s *Server) handleListFaults(w http.ResponseWriter, r *http.Request) {
	faults, err := s.faults.List(r.Context(), r.URL.Query().Get("device_id"))
	if err != nil {
		s.logger.Error("listing faults", "error", err)
		writeInternalError(w, "failed to list faults")
		return
	}
	if faults == nil {
		faults = []device.Fault{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"faults": faults, "count": len(faults)})
}

// handleDeleteFault clears a fault so its channel runs again at the next
// session, with the retry count reset.
func (s *Server) handleDeleteFault(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if err := s.faults.Delete(r.Context(), id); err != nil {
		if errors.Is(err, device.ErrFaultNotFound) {
			writeNotFound(w, "fault not found")
			return
		}
		writeInternalError(w, "failed to delete fault")
		return
	}
	s.logger.Info("fault cleared", "fault_id", id)
	w.WriteHeader(http.StatusNoContent)
}
