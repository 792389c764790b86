package api

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-acs/internal/device"
)

// DeviceDetail is the response of GET /devices/{id}.
type DeviceDetail struct {
	*device.Device
	Parameters []device.Parameter `json:"parameters,omitempty"`
}

// handleListDevices returns all devices, most recent Inform first.
//
// Query parameters:
//   - tag: only devices carrying this tag
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	var (
		devices []device.Device
		err     error
	)
	if tag := r.URL.Query().Get("tag"); tag != "" {
		devices, err = s.registry.GetDevicesByTag(r.Context(), tag)
	} else {
		devices, err = s.registry.ListDevices(r.Context())
	}
	if err != nil {
		s.logger.Error("listing devices", "error", err)
		writeInternalError(w, "failed to list devices")
		return
	}
	if devices == nil {
		devices = []device.Device{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleGetDevice returns a single device by ID.
//
// Query parameters:
//   - parameters: include the stored parameters under this path prefix;
//     "*" includes the whole tree
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")

	dev, err := s.registry.GetDevice(r.Context(), id)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to get device")
		return
	}

	detail := DeviceDetail{Device: dev}
	if prefix, ok := r.URL.Query()["parameters"]; ok && s.parameters != nil {
		p := prefix[0]
		if p == "*" {
			p = ""
		}
		params, err := s.parameters.Parameters(r.Context(), id, p)
		if err != nil {
			s.logger.Error("listing parameters", "device_id", id, "error", err)
			writeInternalError(w, "failed to list parameters")
			return
		}
		detail.Parameters = params
	}

	writeJSON(w, http.StatusOK, detail)
}

// handleDeviceStats returns device registry statistics.
func (s *Server) handleDeviceStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.GetStats())
}

// urlParam returns a decoded path parameter. Device IDs escape reserved
// characters as %XX, so clients send them percent-encoded again and chi
// matches on the raw path.
func urlParam(r *http.Request, name string) string {
	v := chi.URLParam(r, name)
	if decoded, err := url.PathUnescape(v); err == nil {
		return decoded
	}
	return v
}
