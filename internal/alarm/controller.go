// Package alarm decides when a sensed condition becomes an alarm. The
// Controller owns the single alarm session; the Dispatcher feeds it monitor
// transitions of armed devices.
package alarm

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"devices-manager/internal/events"
	"devices-manager/internal/monitor"
	"devices-manager/internal/store"
)

// DefaultStandDown is how long an escalated alarm runs before it stands down
// on its own. Devices stay armed afterwards.
const DefaultStandDown = 120 * time.Second

// Recorder is the subset of the recording manager the controller drives.
type Recorder interface {
	Start(cameraIP string) (*store.Recording, error)
	Stop(id string) (*store.Recording, error)
	Active() []*store.Recording
}

// Groups moves a group in and out of ALARM. Armed must be answered under
// the same lock that serializes disarming.
type Groups interface {
	Armed(groupID string) bool
	MarkAlarm(groupID string) error
	ClearAlarm(groupID string) error
}

// CameraLookup resolves camera settings.
type CameraLookup interface {
	GetCamera(ip string) (*store.Camera, error)
}

// State is a snapshot of the alarm session.
type State struct {
	Active    bool      `json:"active"`
	GroupID   string    `json:"group_id,omitempty"`
	Escalated bool      `json:"escalated"`
	Device    string    `json:"device,omitempty"`
	Since     time.Time `json:"since,omitzero"`
}

type session struct {
	gen     uint64
	groupID string
	device  string
	since   time.Time

	ctx    context.Context
	cancel context.CancelFunc

	escalation *time.Timer
	standDown  *time.Timer
	escalated  bool
}

func (s *session) stopTimers() {
	if s.escalation != nil {
		s.escalation.Stop()
	}
	if s.standDown != nil {
		s.standDown.Stop()
	}
}

// Controller is the single arbiter of whether an alarm is in effect.
type Controller struct {
	pub       events.Publisher
	rec       Recorder
	cameras   CameraLookup
	standDown time.Duration
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	groups  Groups
	session *session
	gen     uint64
	// disarms counts StopAlarm calls. A transition that saw the group armed
	// is dropped if a disarm happened while it was being checked.
	disarms uint64
}

// NewController creates a controller. pub must block until an event is
// accepted (see events.Retrying). Groups are attached later with SetGroups.
func NewController(pub events.Publisher, rec Recorder, cameras CameraLookup, standDown time.Duration, logger *slog.Logger) *Controller {
	if standDown <= 0 {
		standDown = DefaultStandDown
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		pub:       pub,
		rec:       rec,
		cameras:   cameras,
		standDown: standDown,
		logger:    logger.With("component", "alarm"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetGroups attaches the group lifecycle. The lifecycle itself depends on the
// controller, so it cannot be passed to NewController.
func (c *Controller) SetGroups(g Groups) {
	c.mu.Lock()
	c.groups = g
	c.mu.Unlock()
}

// State returns the current session snapshot.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return State{}
	}
	s := c.session
	return State{Active: true, GroupID: s.groupID, Escalated: s.escalated, Device: s.device, Since: s.since}
}

// OnDeviceStatusChanged handles a transition of a device whose group is
// armed. Every camera movement is recorded; the first qualifying transition
// of a session starts the escalation countdown. It blocks while the waiting
// event is being published.
func (c *Controller) OnDeviceStatusChanged(change monitor.Change, group *store.DeviceGroup) {
	if change.Device.Kind == store.KindCamera && change.Status == monitor.StatusMovementDetected {
		c.record(change.Device.Key)
	}
	if !change.Qualifying() {
		return
	}

	c.mu.Lock()
	if c.session != nil {
		c.mu.Unlock()
		c.logger.Debug("alarm already active", "device", change.Device, "status", change.Status)
		return
	}
	disarms, groups := c.disarms, c.groups
	c.mu.Unlock()

	if groups != nil && !groups.Armed(group.ID) {
		c.logger.Debug("transition after disarm dropped", "group", group.ID, "device", change.Device)
		return
	}

	c.mu.Lock()
	if c.session != nil || c.disarms != disarms {
		c.mu.Unlock()
		c.logger.Debug("transition raced an alarm change", "group", group.ID, "device", change.Device)
		return
	}
	c.gen++
	ctx, cancel := context.WithCancel(c.ctx)
	s := &session{
		gen:     c.gen,
		groupID: group.ID,
		device:  change.Device.String(),
		since:   change.At,
		ctx:     ctx,
		cancel:  cancel,
	}
	c.session = s
	c.mu.Unlock()

	// The payload describes the device as it was at detection time.
	ev := alarmEvent(change, group.ID)
	c.logger.Warn("alarm triggered", "session", s.gen, "group", group.ID, "device", change.Device,
		"name", change.Name, "fire_in", group.WaitToFireAlarm)

	if err := c.pub.Publish(s.ctx, events.Waiting(group.ID, true)); err != nil {
		c.logger.Info("alarm waiting not published", "group", group.ID, "err", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != s {
		return
	}
	delay := time.Duration(group.WaitToFireAlarm) * time.Second
	s.escalation = time.AfterFunc(delay, func() { c.escalate(s, ev) })
}

func (c *Controller) record(ip string) {
	rec, err := c.rec.Start(ip)
	switch {
	case err == nil:
		c.logger.Info("movement recording started", "camera", ip, "recording", rec.ID)
	case errors.Is(err, store.ErrConflict):
		c.logger.Debug("movement while already recording", "camera", ip)
	default:
		c.logger.Error("start movement recording", "camera", ip, "err", err)
	}
}

func alarmEvent(change monitor.Change, groupID string) events.Event {
	var kind events.Kind
	switch change.Device.Kind {
	case store.KindCamera:
		kind = events.KindCameraAlarm
	case store.KindReed:
		kind = events.KindReedAlarm
	default:
		kind = events.KindPirAlarm
	}
	ev := events.New(kind, groupID, change.Name)
	ev.Evidence = change.Evidence
	if !change.At.IsZero() {
		ev.Timestamp = change.At.Unix()
	}
	return ev
}

// escalate publishes the alarm and moves the group to ALARM. The event is
// accepted by the publisher before the status flips.
func (c *Controller) escalate(s *session, ev events.Event) {
	if !c.current(s) {
		return
	}
	c.mu.Lock()
	groups := c.groups
	c.mu.Unlock()
	if groups != nil && !groups.Armed(s.groupID) {
		c.logger.Info("group disarmed before escalation", "group", s.groupID)
		c.end(s)
		return
	}
	if err := c.pub.Publish(s.ctx, ev); err != nil {
		c.logger.Info("alarm not published", "group", s.groupID, "err", err)
		return
	}

	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		return
	}
	s.escalated = true
	c.mu.Unlock()

	c.logger.Warn("alarm fired", "group", s.groupID, "kind", ev.Kind, "device", ev.DeviceName)
	if groups != nil {
		if err := groups.MarkAlarm(s.groupID); err != nil {
			c.logger.Warn("mark group alarm", "group", s.groupID, "err", err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == s {
		s.standDown = time.AfterFunc(c.standDown, func() { c.standDownTimeout(s) })
	}
}

// standDownTimeout ends an alarm that ran its course. The group goes back to
// LISTENING, so a new transition can raise a new alarm.
func (c *Controller) standDownTimeout(s *session) {
	if !c.end(s) {
		return
	}
	c.logger.Info("alarm stood down after timeout", "group", s.groupID)

	c.mu.Lock()
	groups := c.groups
	c.mu.Unlock()
	if groups != nil {
		if err := groups.ClearAlarm(s.groupID); err != nil {
			c.logger.Warn("clear group alarm", "group", s.groupID, "err", err)
		}
	}
}

// StopAlarm ends the current session, if any: pending timers and in-flight
// publishes are cancelled, AlarmStopped is published and recordings of
// cameras that do not record continuously are stopped. It is a no-op without
// an active session and never calls back into the group lifecycle. A
// transition admitted concurrently with it does not start a session.
func (c *Controller) StopAlarm() {
	c.mu.Lock()
	c.disarms++
	s := c.session
	c.mu.Unlock()
	if s == nil {
		return
	}
	if c.end(s) {
		c.logger.Info("alarm stopped", "group", s.groupID)
	}
}

func (c *Controller) current(s *session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session == s
}

// end tears down s if it is still the current session. Reports whether it did.
func (c *Controller) end(s *session) bool {
	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		return false
	}
	c.session = nil
	s.cancel()
	s.stopTimers()
	c.mu.Unlock()

	ev := events.New(events.KindAlarmStopped, s.groupID, "")
	if err := c.pub.Publish(c.ctx, ev); err != nil {
		c.logger.Warn("alarm stopped not published", "err", err)
	}
	c.stopRecordings()
	return true
}

func (c *Controller) stopRecordings() {
	for _, rec := range c.rec.Active() {
		if cam, err := c.cameras.GetCamera(rec.CameraIP); err == nil && cam.AlwaysRecording {
			continue
		}
		if _, err := c.rec.Stop(rec.ID); err != nil {
			c.logger.Warn("stop recording", "recording", rec.ID, "err", err)
		}
	}
}

// Close cancels pending timers and abandons in-flight publishes.
func (c *Controller) Close() {
	c.cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		c.session.stopTimers()
		c.session.cancel()
	}
}
