package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/nerrad567/gray-logic-acs/internal/acs"
	"github.com/nerrad567/gray-logic-acs/internal/cwmp/rpc"
)

// sessionHeader carries the session ID across CWMP exchanges.
const sessionHeader = "X-Session-ID"

// handleCWMP runs one exchange of a device session.
//
// The body is a single rpc.Envelope, or empty when the device has nothing
// more to send. The reply carries the ACS message in the same envelope
// form; 204 No Content means the session is over.
func (s *Server) handleCWMP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, "message too large")
			return
		}
		writeBadRequest(w, "failed to read body")
		return
	}

	var env *rpc.Envelope
	if len(bytes.TrimSpace(body)) > 0 {
		env = &rpc.Envelope{}
		if err := json.Unmarshal(body, env); err != nil {
			writeBadRequest(w, "invalid JSON envelope")
			return
		}
	}

	reply, err := s.sessions.Handle(r.Context(), r.Header.Get(sessionHeader), env)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}

	w.Header().Set(sessionHeader, reply.SessionID)
	if reply.Done {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, reply.Envelope)
}

// writeSessionError maps session errors onto HTTP responses.
func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, acs.ErrSessionExpired):
		writeError(w, http.StatusGone, ErrCodeGone, "session expired; start again with an Inform")
	case errors.Is(err, acs.ErrNoSession),
		errors.Is(err, acs.ErrBadMessage),
		errors.Is(err, acs.ErrUnexpectedMessage):
		writeBadRequest(w, err.Error())
	default:
		s.logger.Error("cwmp exchange failed", "error", err)
		writeInternalError(w, "session failed")
	}
}
