// Package web serves the JSON API and the WebSocket live feed.
package web

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"devices-manager/internal/alarm"
	"devices-manager/internal/automation"
	"devices-manager/internal/events"
	"devices-manager/internal/monitor"
	"devices-manager/internal/store"
)

// Devices is the device CRUD service.
type Devices interface {
	GetCamera(ip string) (*store.Camera, error)
	ListCameras() ([]*store.Camera, error)
	CreateCamera(c *store.Camera) error
	UpdateCamera(c *store.Camera) error
	DeleteCamera(ip string) error

	GetReed(pin int) (*store.Reed, error)
	ListReeds() ([]*store.Reed, error)
	CreateReed(r *store.Reed) error
	UpdateReed(r *store.Reed) error
	DeleteReed(pin int) error

	GetPir(pin int) (*store.Pir, error)
	ListPirs() ([]*store.Pir, error)
	CreatePir(p *store.Pir) error
	UpdatePir(p *store.Pir) error
	DeletePir(pin int) error
}

// Groups is the group CRUD and lifecycle service.
type Groups interface {
	List() ([]*store.DeviceGroup, error)
	Get(id string) (*store.DeviceGroup, error)
	Create(g *store.DeviceGroup) error
	Update(g *store.DeviceGroup) error
	Delete(id string) error
	StartListening(id string, force bool) error
	StopListening(id string) error
}

// PinStatuses reports live reed or PIR status by GPIO pin.
type PinStatuses interface {
	Status(pin int) (monitor.Status, error)
}

// CameraFeed reports live camera status and preview frames.
type CameraFeed interface {
	Status(ip string) (monitor.Status, error)
	Frame(ip string) ([]byte, error)
}

// Recordings lists and deletes camera recordings.
type Recordings interface {
	List() ([]*store.Recording, error)
	Delete(id string) error
}

// AlarmState reports the running alarm session.
type AlarmState interface {
	State() alarm.State
}

// PINChecker validates a user PIN against the auth service.
type PINChecker interface {
	CheckPIN(ctx context.Context, token, pin string) (bool, error)
}

// Deps are the services behind the API.
type Deps struct {
	Devices    Devices
	Groups     Groups
	Reeds      PinStatuses
	Pirs       PinStatuses
	Cameras    CameraFeed
	Recordings Recordings
	Alarm      AlarmState
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey requires the X-API-Key header on /api/ requests.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) { s.apiKey = key }
}

// WithAllowedOrigins sets allowed cross-origin and WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) { s.allowedOrigins = origins }
}

// WithPINChecker protects group start/stop with a PIN check. Without it the
// endpoints accept any request that passes the API key.
func WithPINChecker(c PINChecker) ServerOption {
	return func(s *Server) { s.pins = c }
}

// WithAutomation sets the automation engine and script manager.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

// WithVersion sets the version reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) { s.version = v }
}

// Server is the HTTP server.
type Server struct {
	deps           Deps
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	pins           PINChecker
	scriptMgr      *automation.Manager
	autoEngine     *automation.Engine
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates the server and starts feeding bus messages to WebSocket
// clients.
func NewServer(deps Deps, bus *events.Bus, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		deps:   deps,
		logger: logger.With("component", "web"),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	if bus != nil {
		s.unsubEvents = bus.OnAll(func(msg events.Message) {
			s.wsHub.Broadcast(wsMessage(msg))
		})
	}

	s.routes()
	return s
}

// Stop shuts down the WebSocket hub and waits for its goroutine.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/cameras", s.handleListCameras)
	s.mux.HandleFunc("POST /api/cameras", s.handleCreateCamera)
	s.mux.HandleFunc("GET /api/cameras/{ip}", s.handleGetCamera)
	s.mux.HandleFunc("PUT /api/cameras/{ip}", s.handleUpdateCamera)
	s.mux.HandleFunc("DELETE /api/cameras/{ip}", s.handleDeleteCamera)
	s.mux.HandleFunc("GET /api/cameras/{ip}/status", s.handleCameraStatus)
	s.mux.HandleFunc("GET /api/cameras/{ip}/frame", s.handleCameraFrame)

	s.mux.HandleFunc("GET /api/reeds", s.handleListReeds)
	s.mux.HandleFunc("POST /api/reeds", s.handleCreateReed)
	s.mux.HandleFunc("GET /api/reeds/{pin}", s.handleGetReed)
	s.mux.HandleFunc("PUT /api/reeds/{pin}", s.handleUpdateReed)
	s.mux.HandleFunc("DELETE /api/reeds/{pin}", s.handleDeleteReed)
	s.mux.HandleFunc("GET /api/reeds/{pin}/status", s.handleReedStatus)

	s.mux.HandleFunc("GET /api/pirs", s.handleListPirs)
	s.mux.HandleFunc("POST /api/pirs", s.handleCreatePir)
	s.mux.HandleFunc("GET /api/pirs/{pin}", s.handleGetPir)
	s.mux.HandleFunc("PUT /api/pirs/{pin}", s.handleUpdatePir)
	s.mux.HandleFunc("DELETE /api/pirs/{pin}", s.handleDeletePir)
	s.mux.HandleFunc("GET /api/pirs/{pin}/status", s.handlePirStatus)

	s.mux.HandleFunc("GET /api/groups", s.handleListGroups)
	s.mux.HandleFunc("POST /api/groups", s.handleCreateGroup)
	s.mux.HandleFunc("GET /api/groups/{id}", s.handleGetGroup)
	s.mux.HandleFunc("PUT /api/groups/{id}", s.handleUpdateGroup)
	s.mux.HandleFunc("DELETE /api/groups/{id}", s.handleDeleteGroup)
	s.mux.HandleFunc("POST /api/groups/{id}/start", s.handleStartListening)
	s.mux.HandleFunc("POST /api/groups/{id}/stop", s.handleStopListening)

	s.mux.HandleFunc("GET /api/recordings", s.handleListRecordings)
	s.mux.HandleFunc("DELETE /api/recordings/{id}", s.handleDeleteRecording)

	s.mux.HandleFunc("GET /api/alarm", s.handleAlarmState)
	s.mux.HandleFunc("GET /api/version", s.handleVersion)

	s.mux.HandleFunc("GET /api/automations", s.handleListAutomations)
	s.mux.HandleFunc("GET /api/automations/{id}", s.handleGetAutomation)
	s.mux.HandleFunc("POST /api/automations", s.handleCreateAutomation)
	s.mux.HandleFunc("PUT /api/automations/{id}", s.handleUpdateAutomation)
	s.mux.HandleFunc("DELETE /api/automations/{id}", s.handleDeleteAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/toggle", s.handleToggleAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/run", s.handleRunAutomation)

	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying origin and API key checks.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if origin := r.Header.Get("Origin"); origin != "" && len(s.allowedOrigins) > 0 {
		if r.Method == http.MethodOptions {
			if !s.isOriginAllowed(origin) {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
			w.Header().Set("Access-Control-Max-Age", "3600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodGet {
			if !s.isOriginAllowed(origin) {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
	}

	// The WebSocket upgrade cannot carry custom headers from a browser.
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
