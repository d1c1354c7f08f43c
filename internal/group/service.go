// Package group owns the device group state machine:
//
//	IDLE -> WAITING_TO_START_LISTENING -> LISTENING <-> ALARM -> IDLE
//
// At most one group is outside IDLE at any time. ALARM is entered and left
// only by the alarm controller.
package group

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"devices-manager/internal/events"
	"devices-manager/internal/monitor"
	"devices-manager/internal/store"
)

var (
	ErrNotIdle         = fmt.Errorf("group is not idle: %w", store.ErrConflict)
	ErrOtherGroupArmed = fmt.Errorf("another group is armed: %w", store.ErrConflict)
	ErrReedOpen        = fmt.Errorf("reed is open: %w", store.ErrConflict)
	ErrNotListening    = fmt.Errorf("group is not listening: %w", store.ErrConflict)
	// ErrInvalid marks a request that fails validation.
	ErrInvalid = errors.New("invalid group")
)

// AlarmStopper ends the current alarm session.
type AlarmStopper interface {
	StopAlarm()
}

// ReedStatuses exposes the sensed state of reeds.
type ReedStatuses interface {
	Status(pin int) (monitor.Status, error)
}

type pendingStart struct {
	ctx    context.Context
	cancel context.CancelFunc
	timer  *time.Timer
}

// Service is the group lifecycle service.
type Service struct {
	store  store.Store
	alarm  AlarmStopper
	pub    events.Publisher
	reeds  ReedStatuses
	bus    *events.Bus
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[string]*pendingStart
}

// NewService creates the lifecycle service. pub must block until an event is
// accepted. bus may be nil.
func NewService(st store.Store, alarm AlarmStopper, pub events.Publisher, reeds ReedStatuses, bus *events.Bus, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:   st,
		alarm:   alarm,
		pub:     pub,
		reeds:   reeds,
		bus:     bus,
		logger:  logger.With("component", "groups"),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]*pendingStart),
	}
}

// Recover repairs group states left by an unclean shutdown: an interrupted
// arming goes back to IDLE and an interrupted alarm back to LISTENING.
func (s *Service) Recover() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	groups, err := s.store.ListGroups()
	if err != nil {
		return fmt.Errorf("list groups: %w", err)
	}
	for _, g := range groups {
		var next store.GroupStatus
		switch g.Status {
		case store.GroupWaitingToListen:
			next = store.GroupIdle
			if err := s.store.UpdateListening(false, g.Devices()...); err != nil {
				return fmt.Errorf("recover group %s: %w", g.ID, err)
			}
		case store.GroupAlarm:
			next = store.GroupListening
		default:
			continue
		}
		if err := s.setStatus(g.ID, next); err != nil {
			return fmt.Errorf("recover group %s: %w", g.ID, err)
		}
		s.logger.Info("group recovered", "group", g.ID, "from", g.Status, "to", next)
	}
	return nil
}

// StartListening arms a group after its grace period. It fails with a
// conflict if the group is not IDLE, if another group is armed, or, unless
// force is set, if a member reed is open.
func (s *Service) StartListening(id string, force bool) error {
	s.mu.Lock()
	g, err := s.store.GetGroup(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.checkCanArm(g, force); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.setStatus(id, store.GroupWaitingToListen); err != nil {
		s.mu.Unlock()
		return err
	}
	ctx, cancel := context.WithCancel(s.ctx)
	p := &pendingStart{ctx: ctx, cancel: cancel}
	s.pending[id] = p
	s.mu.Unlock()

	s.logger.Info("group arming", "group", id, "wait", g.WaitToStartAlarm, "force", force)

	if err := s.pub.Publish(p.ctx, events.Waiting(id, true)); err != nil {
		// Cancelled by StopListening or shutdown; nothing left to schedule.
		s.logger.Info("arming abandoned", "group", id, "err", err)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[id] != p {
		return nil
	}
	delay := time.Duration(g.WaitToStartAlarm) * time.Second
	p.timer = time.AfterFunc(delay, func() { s.doStartListening(id, p) })
	return nil
}

// checkCanArm validates the arming preconditions. Caller holds s.mu.
func (s *Service) checkCanArm(g *store.DeviceGroup, force bool) error {
	if g.Status != store.GroupIdle {
		return fmt.Errorf("group %s is %s: %w", g.ID, g.Status, ErrNotIdle)
	}
	all, err := s.store.ListGroups()
	if err != nil {
		return fmt.Errorf("list groups: %w", err)
	}
	for _, other := range all {
		if other.ID != g.ID && other.Status != store.GroupIdle {
			return fmt.Errorf("group %s is %s: %w", other.ID, other.Status, ErrOtherGroupArmed)
		}
	}
	if force || s.reeds == nil {
		return nil
	}
	var open []string
	for _, pin := range g.Reeds {
		if status, err := s.reeds.Status(pin); err == nil && status == monitor.StatusOpen {
			open = append(open, store.ReedRef(pin).String())
		}
	}
	if len(open) > 0 {
		return fmt.Errorf("%s: %w", strings.Join(open, ", "), ErrReedOpen)
	}
	return nil
}

// doStartListening ends the grace period: member devices are armed and the
// group becomes LISTENING.
func (s *Service) doStartListening(id string, p *pendingStart) {
	s.mu.Lock()
	if s.pending[id] != p {
		s.mu.Unlock()
		return
	}
	delete(s.pending, id)
	p.cancel()

	g, err := s.store.GetGroup(id)
	if err != nil || g.Status != store.GroupWaitingToListen {
		s.mu.Unlock()
		s.logger.Warn("grace period ended on a group that is not arming", "group", id, "err", err)
		return
	}
	if err := s.store.UpdateListening(true, g.Devices()...); err != nil {
		s.mu.Unlock()
		s.logger.Error("arm devices", "group", id, "err", err)
		return
	}
	if err := s.setStatus(id, store.GroupListening); err != nil {
		s.mu.Unlock()
		s.logger.Error("set group listening", "group", id, "err", err)
		return
	}
	s.mu.Unlock()

	s.logger.Info("group listening", "group", id, "devices", len(g.Devices()))
	if err := s.pub.Publish(s.ctx, events.Waiting(id, false)); err != nil {
		s.logger.Info("waiting-over event not published", "group", id, "err", err)
	}
}

// StopListening disarms a group that is arming, listening, or in alarm.
// Devices are disarmed, any alarm is stopped, and the group returns to IDLE.
func (s *Service) StopListening(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, err := s.store.GetGroup(id)
	if err != nil {
		return err
	}
	switch g.Status {
	case store.GroupWaitingToListen, store.GroupListening, store.GroupAlarm:
	default:
		return fmt.Errorf("group %s is %s: %w", id, g.Status, ErrNotListening)
	}

	if p, ok := s.pending[id]; ok {
		delete(s.pending, id)
		p.cancel()
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	if err := s.store.UpdateListening(false, g.Devices()...); err != nil {
		return fmt.Errorf("disarm devices: %w", err)
	}
	s.alarm.StopAlarm()
	if err := s.setStatus(id, store.GroupIdle); err != nil {
		return err
	}
	s.logger.Info("group disarmed", "group", id, "was", g.Status)
	return nil
}

// Armed reports whether a group is LISTENING or in ALARM. It takes the
// lifecycle lock, so the answer cannot interleave with StopListening.
func (s *Service) Armed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, err := s.store.GetGroup(id)
	return err == nil && (g.Status == store.GroupListening || g.Status == store.GroupAlarm)
}

// MarkAlarm moves a LISTENING group to ALARM.
func (s *Service) MarkAlarm(id string) error {
	return s.transition(id, store.GroupListening, store.GroupAlarm)
}

// ClearAlarm returns an ALARM group to LISTENING.
func (s *Service) ClearAlarm(id string) error {
	return s.transition(id, store.GroupAlarm, store.GroupListening)
}

func (s *Service) transition(id string, from, to store.GroupStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.store.UpdateGroup(id, func(g *store.DeviceGroup) error {
		if g.Status != from {
			return fmt.Errorf("group %s is %s, want %s: %w", id, g.Status, from, store.ErrConflict)
		}
		g.Status = to
		return nil
	})
	if err != nil {
		return err
	}
	s.notify(id, to)
	return nil
}

// setStatus writes a status unconditionally. Caller holds s.mu.
func (s *Service) setStatus(id string, status store.GroupStatus) error {
	err := s.store.UpdateGroup(id, func(g *store.DeviceGroup) error {
		g.Status = status
		return nil
	})
	if err != nil {
		return fmt.Errorf("set group %s %s: %w", id, status, err)
	}
	s.notify(id, status)
	return nil
}

func (s *Service) notify(id string, status store.GroupStatus) {
	if s.bus == nil {
		return
	}
	s.bus.Emit(events.Message{Type: events.TypeGroupStatus, Data: map[string]any{
		"id":     id,
		"status": string(status),
	}})
}

// Status returns the status of a group.
func (s *Service) Status(id string) (store.GroupStatus, error) {
	g, err := s.store.GetGroup(id)
	if err != nil {
		return "", err
	}
	return g.Status, nil
}

// Get returns a group.
func (s *Service) Get(id string) (*store.DeviceGroup, error) { return s.store.GetGroup(id) }

// List returns every group.
func (s *Service) List() ([]*store.DeviceGroup, error) { return s.store.ListGroups() }

func validate(g *store.DeviceGroup) error {
	if strings.TrimSpace(g.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if g.WaitToStartAlarm < 0 || g.WaitToFireAlarm < 0 {
		return fmt.Errorf("%w: wait times must not be negative", ErrInvalid)
	}
	return nil
}

// Create stores a new IDLE group with a generated ID.
func (s *Service) Create(g *store.DeviceGroup) error {
	if err := validate(g); err != nil {
		return err
	}
	g.ID = uuid.NewString()
	g.Status = store.GroupIdle

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.CreateGroup(g)
}

// Update replaces a group's fields and membership. Only IDLE groups can be
// updated; the status is not writable.
func (s *Service) Update(g *store.DeviceGroup) error {
	if err := validate(g); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.store.GetGroup(g.ID)
	if err != nil {
		return err
	}
	if cur.Status != store.GroupIdle {
		return fmt.Errorf("update group %s while %s: %w", g.ID, cur.Status, ErrNotIdle)
	}
	g.Status = store.GroupIdle
	return s.store.SaveGroup(g)
}

// Delete removes an IDLE group, releasing its devices.
func (s *Service) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.store.GetGroup(id)
	if err != nil {
		return err
	}
	if cur.Status != store.GroupIdle {
		return fmt.Errorf("delete group %s while %s: %w", id, cur.Status, ErrNotIdle)
	}
	return s.store.DeleteGroup(id)
}

// Close cancels pending arming timers and in-flight publishes.
func (s *Service) Close() {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(s.pending, id)
	}
}
