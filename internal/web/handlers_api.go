package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"devices-manager/internal/automation"
	"devices-manager/internal/device"
	"devices-manager/internal/group"
	"devices-manager/internal/store"
)

const maxBodyBytes = 1 << 20

// errorStatus maps service errors onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, device.ErrInvalid), errors.Is(err, group.ErrInvalid), errors.Is(err, automation.ErrInvalidScript):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError reports err with its mapped status. Internal errors are
// logged and not echoed to the client.
func (s *Server) writeServiceError(w http.ResponseWriter, op string, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error(op, "err", err)
		s.writeError(w, status, "internal server error")
		return
	}
	s.writeError(w, status, err.Error())
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}

// decodeJSON reads a size-limited JSON body into v, answering 400 on failure.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// pinParam parses the {pin} path segment, answering 400 when it is not a
// number.
func (s *Server) pinParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	pin, err := strconv.Atoi(r.PathValue("pin"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid gpio pin")
		return 0, false
	}
	return pin, true
}

func (s *Server) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	recs, err := s.deps.Recordings.List()
	if err != nil {
		s.writeServiceError(w, "list recordings", err)
		return
	}
	s.writeJSON(w, http.StatusOK, nonNil(recs))
}

func (s *Server) handleDeleteRecording(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Recordings.Delete(r.PathValue("id")); err != nil {
		s.writeServiceError(w, "delete recording", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAlarmState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Alarm.State())
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// nonNil makes empty lists encode as [] rather than null.
func nonNil[T any](list []T) []T {
	if list == nil {
		return []T{}
	}
	return list
}
