// Package device implements camera, reed and PIR CRUD. Writes are refused
// while a device is armed, and every write keeps the monitors in sync with
// the store.
package device

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"devices-manager/internal/store"
)

var (
	// ErrListening is returned when changing a device that is armed.
	ErrListening = fmt.Errorf("device is listening: %w", store.ErrConflict)
	// ErrInvalid marks a request that fails validation.
	ErrInvalid = errors.New("invalid device")
)

type CameraMonitor interface {
	Add(cam *store.Camera) error
	Update(cam *store.Camera) error
	Remove(ip string) error
}

type ReedMonitor interface {
	Add(r *store.Reed) error
	Update(r *store.Reed) error
	Remove(pin int) error
}

type PirMonitor interface {
	Add(p *store.Pir) error
	Update(p *store.Pir) error
	Remove(pin int) error
}

// ContinuousRecorder keeps a capture running for always-recording cameras.
type ContinuousRecorder interface {
	SetContinuous(cam *store.Camera)
	StopContinuous(ip string)
}

// Service is the device CRUD service.
type Service struct {
	store    store.Store
	cameras  CameraMonitor
	reeds    ReedMonitor
	pirs     PirMonitor
	recorder ContinuousRecorder
	logger   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithRecorder starts continuous recording for cameras flagged always
// recording as they are registered, created or updated.
func WithRecorder(r ContinuousRecorder) Option { return func(s *Service) { s.recorder = r } }

// NewService creates the device service.
func NewService(st store.Store, cameras CameraMonitor, reeds ReedMonitor, pirs PirMonitor, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{store: st, cameras: cameras, reeds: reeds, pirs: pirs, logger: logger.With("component", "devices")}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) syncContinuous(c *store.Camera) {
	if s.recorder != nil {
		s.recorder.SetContinuous(c)
	}
}

// RegisterAll adds every stored device to its monitor. Failures are logged
// per device so one bad pin does not keep the rest offline.
func (s *Service) RegisterAll() error {
	cams, err := s.store.ListCameras()
	if err != nil {
		return fmt.Errorf("list cameras: %w", err)
	}
	for _, c := range cams {
		if err := s.cameras.Add(c); err != nil {
			s.logger.Error("monitor camera", "ip", c.IP, "err", err)
		}
		s.syncContinuous(c)
	}
	reeds, err := s.store.ListReeds()
	if err != nil {
		return fmt.Errorf("list reeds: %w", err)
	}
	for _, r := range reeds {
		if err := s.reeds.Add(r); err != nil {
			s.logger.Error("monitor reed", "pin", r.Pin, "err", err)
		}
	}
	pirs, err := s.store.ListPirs()
	if err != nil {
		return fmt.Errorf("list pirs: %w", err)
	}
	for _, p := range pirs {
		if err := s.pirs.Add(p); err != nil {
			s.logger.Error("monitor pir", "pin", p.Pin, "err", err)
		}
	}
	s.logger.Info("devices registered", "cameras", len(cams), "reeds", len(reeds), "pirs", len(pirs))
	return nil
}

// idle refuses writes to an armed device or one whose group is arming. It
// runs inside the store transaction that performs the write, so arming
// cannot slip in between the check and the write.
func idle(dev *store.Device, g *store.DeviceGroup) error {
	if dev.Listening() {
		return fmt.Errorf("%s: %w", dev.Ref, ErrListening)
	}
	if g != nil && g.Status != store.GroupIdle {
		return fmt.Errorf("%s: group %s is %s: %w", dev.Ref, g.ID, g.Status, ErrListening)
	}
	return nil
}

func validPin(pin int) error {
	if pin < 0 || pin > 1023 {
		return fmt.Errorf("%w: gpio pin %d out of range", ErrInvalid, pin)
	}
	return nil
}

func validateCamera(c *store.Camera) error {
	if net.ParseIP(c.IP) == nil {
		return fmt.Errorf("%w: %q is not an IP address", ErrInvalid, c.IP)
	}
	if c.Sensibility < 0 || c.Sensibility > 100 {
		return fmt.Errorf("%w: sensibility must be 0-100", ErrInvalid)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port out of range", ErrInvalid)
	}
	c.Path = strings.TrimPrefix(c.Path, "/")
	return nil
}

// Cameras

func (s *Service) GetCamera(ip string) (*store.Camera, error) { return s.store.GetCamera(ip) }
func (s *Service) ListCameras() ([]*store.Camera, error)      { return s.store.ListCameras() }

// CreateCamera stores a camera and starts monitoring it. New devices are
// never listening and belong to no group.
func (s *Service) CreateCamera(c *store.Camera) error {
	if err := validateCamera(c); err != nil {
		return err
	}
	c.Listening, c.GroupID = false, ""
	if err := s.store.CreateCamera(c); err != nil {
		return err
	}
	if err := s.cameras.Add(c); err != nil {
		s.logger.Error("monitor camera", "ip", c.IP, "err", err)
	}
	s.syncContinuous(c)
	return nil
}

// UpdateCamera replaces a camera's settings. Listening and group membership
// are not writable here.
func (s *Service) UpdateCamera(c *store.Camera) error {
	if err := validateCamera(c); err != nil {
		return err
	}
	err := s.store.UpdateDevice(store.CameraRef(c.IP), func(dev *store.Device, g *store.DeviceGroup) error {
		if err := idle(dev, g); err != nil {
			return err
		}
		dev.Camera = c
		return nil
	})
	if err != nil {
		return err
	}
	if err := s.cameras.Update(c); err != nil {
		s.logger.Error("update camera monitor", "ip", c.IP, "err", err)
	}
	s.syncContinuous(c)
	return nil
}

func (s *Service) DeleteCamera(ip string) error {
	if err := s.store.DeleteDevice(store.CameraRef(ip), idle); err != nil {
		return err
	}
	if err := s.cameras.Remove(ip); err != nil {
		s.logger.Warn("remove camera monitor", "ip", ip, "err", err)
	}
	if s.recorder != nil {
		s.recorder.StopContinuous(ip)
	}
	return nil
}

// Reeds

func (s *Service) GetReed(pin int) (*store.Reed, error) { return s.store.GetReed(pin) }
func (s *Service) ListReeds() ([]*store.Reed, error)    { return s.store.ListReeds() }

func (s *Service) CreateReed(r *store.Reed) error {
	if err := validPin(r.Pin); err != nil {
		return err
	}
	if _, err := s.store.GetPir(r.Pin); err == nil {
		return fmt.Errorf("gpio %d is used by a pir: %w", r.Pin, store.ErrConflict)
	}
	r.Listening, r.GroupID = false, ""
	if err := s.store.CreateReed(r); err != nil {
		return err
	}
	if err := s.reeds.Add(r); err != nil {
		s.logger.Error("monitor reed", "pin", r.Pin, "err", err)
	}
	return nil
}

func (s *Service) UpdateReed(r *store.Reed) error {
	err := s.store.UpdateDevice(store.ReedRef(r.Pin), func(dev *store.Device, g *store.DeviceGroup) error {
		if err := idle(dev, g); err != nil {
			return err
		}
		dev.Reed = r
		return nil
	})
	if err != nil {
		return err
	}
	if err := s.reeds.Update(r); err != nil {
		s.logger.Error("update reed monitor", "pin", r.Pin, "err", err)
	}
	return nil
}

func (s *Service) DeleteReed(pin int) error {
	if err := s.store.DeleteDevice(store.ReedRef(pin), idle); err != nil {
		return err
	}
	if err := s.reeds.Remove(pin); err != nil {
		s.logger.Warn("remove reed monitor", "pin", pin, "err", err)
	}
	return nil
}

// PIR sensors

func (s *Service) GetPir(pin int) (*store.Pir, error) { return s.store.GetPir(pin) }
func (s *Service) ListPirs() ([]*store.Pir, error)    { return s.store.ListPirs() }

func (s *Service) CreatePir(p *store.Pir) error {
	if err := validPin(p.Pin); err != nil {
		return err
	}
	if _, err := s.store.GetReed(p.Pin); err == nil {
		return fmt.Errorf("gpio %d is used by a reed: %w", p.Pin, store.ErrConflict)
	}
	p.Listening, p.GroupID = false, ""
	if err := s.store.CreatePir(p); err != nil {
		return err
	}
	if err := s.pirs.Add(p); err != nil {
		s.logger.Error("monitor pir", "pin", p.Pin, "err", err)
	}
	return nil
}

func (s *Service) UpdatePir(p *store.Pir) error {
	err := s.store.UpdateDevice(store.PirRef(p.Pin), func(dev *store.Device, g *store.DeviceGroup) error {
		if err := idle(dev, g); err != nil {
			return err
		}
		dev.Pir = p
		return nil
	})
	if err != nil {
		return err
	}
	if err := s.pirs.Update(p); err != nil {
		s.logger.Error("update pir monitor", "pin", p.Pin, "err", err)
	}
	return nil
}

func (s *Service) DeletePir(pin int) error {
	if err := s.store.DeleteDevice(store.PirRef(pin), idle); err != nil {
		return err
	}
	if err := s.pirs.Remove(pin); err != nil {
		s.logger.Warn("remove pir monitor", "pin", pin, "err", err)
	}
	return nil
}
