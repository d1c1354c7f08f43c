package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"devices-manager/internal/store"
)

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.deps.Groups.List()
	if err != nil {
		s.writeServiceError(w, "list groups", err)
		return
	}
	s.writeJSON(w, http.StatusOK, nonNil(groups))
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	g, err := s.deps.Groups.Get(r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, "get group", err)
		return
	}
	s.writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var g store.DeviceGroup
	if !s.decodeJSON(w, r, &g) {
		return
	}
	if err := s.deps.Groups.Create(&g); err != nil {
		s.writeServiceError(w, "create group", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, &g)
}

func (s *Server) handleUpdateGroup(w http.ResponseWriter, r *http.Request) {
	var g store.DeviceGroup
	if !s.decodeJSON(w, r, &g) {
		return
	}
	g.ID = r.PathValue("id")
	if err := s.deps.Groups.Update(&g); err != nil {
		s.writeServiceError(w, "update group", err)
		return
	}
	s.writeJSON(w, http.StatusOK, &g)
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Groups.Delete(r.PathValue("id")); err != nil {
		s.writeServiceError(w, "delete group", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type listeningRequest struct {
	PIN   string `json:"pin"`
	Force bool   `json:"force"`
}

// readListeningRequest decodes an optional body and checks the PIN. It
// writes the error response itself and reports whether to proceed.
func (s *Server) readListeningRequest(w http.ResponseWriter, r *http.Request) (listeningRequest, bool) {
	var req listeningRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	if s.pins == nil {
		return req, true
	}

	ok, err := s.pins.CheckPIN(r.Context(), r.Header.Get("Authorization"), req.PIN)
	if err != nil {
		s.logger.Error("check pin", "err", err)
		s.writeError(w, http.StatusBadGateway, "auth service unavailable")
		return req, false
	}
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "invalid pin")
		return req, false
	}
	return req, true
}

func (s *Server) handleStartListening(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readListeningRequest(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if err := s.deps.Groups.StartListening(id, req.Force); err != nil {
		s.writeServiceError(w, "start listening", err)
		return
	}
	s.logger.Info("group arming requested", "group", id, "force", req.Force)
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "ok"})
}

func (s *Server) handleStopListening(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.readListeningRequest(w, r); !ok {
		return
	}
	id := r.PathValue("id")
	if err := s.deps.Groups.StopListening(id); err != nil {
		s.writeServiceError(w, "stop listening", err)
		return
	}
	s.logger.Info("group disarmed", "group", id)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
