package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/nerrad567/gray-logic-acs/internal/device"
)

// handleListTasks returns the tasks queued for a device.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")

	if _, err := s.registry.GetDevice(r.Context(), id); err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		writeInternalError(w, "failed to get device")
		return
	}

	tasks, err := s.tasks.ListByDevice(r.Context(), id, time.Now().UnixMilli())
	if err != nil {
		s.logger.Error("listing tasks", "device_id", id, "error", err)
		writeInternalError(w, "failed to list tasks")
		return
	}
	if tasks == nil {
		tasks = []device.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

// handleCreateTask queues a task for the device's next session. The task
// runs when the device next informs; a connection request is not sent.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var t device.Task
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	t.ID = ""
	t.DeviceID = urlParam(r, "id")

	if err := s.sessions.SubmitTask(r.Context(), &t); err != nil {
		switch {
		case errors.Is(err, device.ErrDeviceNotFound):
			writeNotFound(w, "device not found")
		case errors.Is(err, device.ErrInvalidTask):
			writeBadRequest(w, err.Error())
		default:
			s.logger.Error("queueing task", "device_id", t.DeviceID, "error", err)
			writeInternalError(w, "failed to queue task")
		}
		return
	}

	writeJSON(w, http.StatusCreated, t)
}

// handleDeleteTask removes a queued task before it runs.
func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.tasks.Delete(r.Context(), urlParam(r, "id")); err != nil {
		if errors.Is(err, device.ErrTaskNotFound) {
			writeNotFound(w, "task not found")
			return
		}
		writeInternalError(w, "failed to delete task")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
