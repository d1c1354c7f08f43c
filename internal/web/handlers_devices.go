package web

import (
	"net/http"

	"devices-manager/internal/monitor"
	"devices-manager/internal/store"
)

// statusResponse is the live status of one device.
type statusResponse struct {
	Device string         `json:"device"`
	Status monitor.Status `json:"status"`
}

func (s *Server) handleListCameras(w http.ResponseWriter, r *http.Request) {
	cams, err := s.deps.Devices.ListCameras()
	if err != nil {
		s.writeServiceError(w, "list cameras", err)
		return
	}
	s.writeJSON(w, http.StatusOK, nonNil(cams))
}

func (s *Server) handleGetCamera(w http.ResponseWriter, r *http.Request) {
	cam, err := s.deps.Devices.GetCamera(r.PathValue("ip"))
	if err != nil {
		s.writeServiceError(w, "get camera", err)
		return
	}
	s.writeJSON(w, http.StatusOK, cam)
}

func (s *Server) handleCreateCamera(w http.ResponseWriter, r *http.Request) {
	var cam store.Camera
	if !s.decodeJSON(w, r, &cam) {
		return
	}
	if err := s.deps.Devices.CreateCamera(&cam); err != nil {
		s.writeServiceError(w, "create camera", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, &cam)
}

func (s *Server) handleUpdateCamera(w http.ResponseWriter, r *http.Request) {
	var cam store.Camera
	if !s.decodeJSON(w, r, &cam) {
		return
	}
	cam.IP = r.PathValue("ip")
	if err := s.deps.Devices.UpdateCamera(&cam); err != nil {
		s.writeServiceError(w, "update camera", err)
		return
	}
	s.writeJSON(w, http.StatusOK, &cam)
}

func (s *Server) handleDeleteCamera(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Devices.DeleteCamera(r.PathValue("ip")); err != nil {
		s.writeServiceError(w, "delete camera", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCameraStatus(w http.ResponseWriter, r *http.Request) {
	ip := r.PathValue("ip")
	status, err := s.deps.Cameras.Status(ip)
	if err != nil {
		s.writeServiceError(w, "camera status", err)
		return
	}
	s.writeJSON(w, http.StatusOK, statusResponse{Device: store.CameraRef(ip).String(), Status: status})
}

// handleCameraFrame serves the latest JPEG preview, 503 until the first frame
// has been decoded.
func (s *Server) handleCameraFrame(w http.ResponseWriter, r *http.Request) {
	frame, err := s.deps.Cameras.Frame(r.PathValue("ip"))
	if err != nil {
		s.writeServiceError(w, "camera frame", err)
		return
	}
	if len(frame) == 0 {
		s.writeError(w, http.StatusServiceUnavailable, "no frame yet")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	if _, err := w.Write(frame); err != nil {
		s.logger.Debug("write frame", "err", err)
	}
}

func (s *Server) handleListReeds(w http.ResponseWriter, r *http.Request) {
	reeds, err := s.deps.Devices.ListReeds()
	if err != nil {
		s.writeServiceError(w, "list reeds", err)
		return
	}
	s.writeJSON(w, http.StatusOK, nonNil(reeds))
}

func (s *Server) handleGetReed(w http.ResponseWriter, r *http.Request) {
	pin, ok := s.pinParam(w, r)
	if !ok {
		return
	}
	reed, err := s.deps.Devices.GetReed(pin)
	if err != nil {
		s.writeServiceError(w, "get reed", err)
		return
	}
	s.writeJSON(w, http.StatusOK, reed)
}

func (s *Server) handleCreateReed(w http.ResponseWriter, r *http.Request) {
	var reed store.Reed
	if !s.decodeJSON(w, r, &reed) {
		return
	}
	if err := s.deps.Devices.CreateReed(&reed); err != nil {
		s.writeServiceError(w, "create reed", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, &reed)
}

func (s *Server) handleUpdateReed(w http.ResponseWriter, r *http.Request) {
	pin, ok := s.pinParam(w, r)
	if !ok {
		return
	}
	var reed store.Reed
	if !s.decodeJSON(w, r, &reed) {
		return
	}
	reed.Pin = pin
	if err := s.deps.Devices.UpdateReed(&reed); err != nil {
		s.writeServiceError(w, "update reed", err)
		return
	}
	s.writeJSON(w, http.StatusOK, &reed)
}

func (s *Server) handleDeleteReed(w http.ResponseWriter, r *http.Request) {
	pin, ok := s.pinParam(w, r)
	if !ok {
		return
	}
	if err := s.deps.Devices.DeleteReed(pin); err != nil {
		s.writeServiceError(w, "delete reed", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReedStatus(w http.ResponseWriter, r *http.Request) {
	pin, ok := s.pinParam(w, r)
	if !ok {
		return
	}
	status, err := s.deps.Reeds.Status(pin)
	if err != nil {
		s.writeServiceError(w, "reed status", err)
		return
	}
	s.writeJSON(w, http.StatusOK, statusResponse{Device: store.ReedRef(pin).String(), Status: status})
}

func (s *Server) handleListPirs(w http.ResponseWriter, r *http.Request) {
	pirs, err := s.deps.Devices.ListPirs()
	if err != nil {
		s.writeServiceError(w, "list pirs", err)
		return
	}
	s.writeJSON(w, http.StatusOK, nonNil(pirs))
}

func (s *Server) handleGetPir(w http.ResponseWriter, r *http.Request) {
	pin, ok := s.pinParam(w, r)
	if !ok {
		return
	}
	pir, err := s.deps.Devices.GetPir(pin)
	if err != nil {
		s.writeServiceError(w, "get pir", err)
		return
	}
	s.writeJSON(w, http.StatusOK, pir)
}

func (s *Server) handleCreatePir(w http.ResponseWriter, r *http.Request) {
	var pir store.Pir
	if !s.decodeJSON(w, r, &pir) {
		return
	}
	if err := s.deps.Devices.CreatePir(&pir); err != nil {
		s.writeServiceError(w, "create pir", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, &pir)
}

func (s *Server) handleUpdatePir(w http.ResponseWriter, r *http.Request) {
	pin, ok := s.pinParam(w, r)
	if !ok {
		return
	}
	var pir store.Pir
	if !s.decodeJSON(w, r, &pir) {
		return
	}
	pir.Pin = pin
	if err := s.deps.Devices.UpdatePir(&pir); err != nil {
		s.writeServiceError(w, "update pir", err)
		return
	}
	s.writeJSON(w, http.StatusOK, &pir)
}

func (s *Server) handleDeletePir(w http.ResponseWriter, r *http.Request) {
	pin, ok := s.pinParam(w, r)
	if !ok {
		return
	}
	if err := s.deps.Devices.DeletePir(pin); err != nil {
		s.writeServiceError(w, "delete pir", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePirStatus(w http.ResponseWriter, r *http.Request) {
	pin, ok := s.pinParam(w, r)
	if !ok {
		return
	}
	status, err := s.deps.Pirs.Status(pin)
	if err != nil {
		s.writeServiceError(w, "pir status", err)
		return
	}
	s.writeJSON(w, http.StatusOK, statusResponse{Device: store.PirRef(pin).String(), Status: status})
}
