package alarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"devices-manager/internal/events"
	"devices-manager/internal/monitor"
	"devices-manager/internal/store"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakePublisher records accepted events. failKind events are rejected
// failures times before being accepted.
type fakePublisher struct {
	mu       sync.Mutex
	events   []events.Event
	failKind events.Kind
	failures int
}

func (p *fakePublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ev.Kind == p.failKind && p.failures != 0 {
		if p.failures > 0 {
			p.failures--
		}
		return errors.New("broker unavailable")
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *fakePublisher) kinds() []events.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Kind, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Kind
	}
	return out
}

func (p *fakePublisher) count(kind events.Kind) int {
	n := 0
	for _, k := range p.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

func (p *fakePublisher) find(kind events.Kind) (events.Event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ev := range p.events {
		if ev.Kind == kind {
			return ev, true
		}
	}
	return events.Event{}, false
}

type fakeRecorder struct {
	mu      sync.Mutex
	starts  int
	stopped []string
	active  map[string]*store.Recording
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{active: make(map[string]*store.Recording)}
}

func (r *fakeRecorder) Start(ip string) (*store.Recording, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts++
	if _, ok := r.active[ip]; ok {
		return nil, fmt.Errorf("%s: %w", ip, store.ErrConflict)
	}
	rec := &store.Recording{ID: "rec-" + ip, CameraIP: ip}
	r.active[ip] = rec
	return rec, nil
}

func (r *fakeRecorder) Stop(id string) (*store.Recording, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ip, rec := range r.active {
		if rec.ID == id {
			delete(r.active, ip)
			r.stopped = append(r.stopped, id)
			return rec, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *fakeRecorder) Active() []*store.Recording {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*store.Recording
	for _, rec := range r.active {
		out = append(out, rec)
	}
	return out
}

func (r *fakeRecorder) startCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

func (r *fakeRecorder) stops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.stopped...)
}

type fakeGroups struct {
	mu       sync.Mutex
	marked   []string
	cleared  []string
	disarmed map[string]bool
	// onArmed runs after each Armed answer, outside the fake's lock.
	onArmed func()
}

func (g *fakeGroups) Armed(id string) bool {
	g.mu.Lock()
	armed := !g.disarmed[id]
	hook := g.onArmed
	g.mu.Unlock()
	if hook != nil {
		hook()
	}
	return armed
}

func (g *fakeGroups) disarm(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.disarmed == nil {
		g.disarmed = make(map[string]bool)
	}
	g.disarmed[id] = true
}

func (g *fakeGroups) MarkAlarm(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.marked = append(g.marked, id)
	return nil
}

func (g *fakeGroups) ClearAlarm(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cleared = append(g.cleared, id)
	return nil
}

func (g *fakeGroups) counts() (marked, cleared int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.marked), len(g.cleared)
}

type cameraMap map[string]*store.Camera

func (m cameraMap) GetCamera(ip string) (*store.Camera, error) {
	if c, ok := m[ip]; ok {
		return c, nil
	}
	return nil, store.ErrNotFound
}

type harness struct {
	pub    *fakePublisher
	rec    *fakeRecorder
	groups *fakeGroups
	ctrl   *Controller
}

func newHarness(t *testing.T, standDown time.Duration, cams cameraMap) *harness {
	t.Helper()
	h := &harness{pub: &fakePublisher{}, rec: newFakeRecorder(), groups: &fakeGroups{}}
	pub := events.NewRetrying(h.pub, 5*time.Millisecond, newTestLogger())
	h.ctrl = NewController(pub, h.rec, cams, standDown, newTestLogger())
	h.ctrl.SetGroups(h.groups)
	t.Cleanup(h.ctrl.Close)
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func reedOpen(pin int, name string) monitor.Change {
	return monitor.Change{
		Device: store.ReedRef(pin), Name: name,
		Status: monitor.StatusOpen, Previous: monitor.StatusClosed, At: time.Now(),
	}
}

func TestReedAlarmAfterDelay(t *testing.T) {
	h := newHarness(t, time.Hour, cameraMap{})
	group := &store.DeviceGroup{ID: "g1", WaitToFireAlarm: 1, Status: store.GroupListening}

	start := time.Now()
	h.ctrl.OnDeviceStatusChanged(reedOpen(17, "Front door"), group)

	if got := h.pub.kinds(); len(got) != 1 || got[0] != events.KindAlarmWaiting {
		t.Fatalf("events = %v, want [alarm_waiting]", got)
	}
	if w, _ := h.pub.find(events.KindAlarmWaiting); !w.Waiting || w.GroupID != "g1" {
		t.Errorf("waiting event = %+v", w)
	}
	if st := h.ctrl.State(); !st.Active || st.Escalated || st.GroupID != "g1" {
		t.Errorf("state = %+v, want active, not escalated", st)
	}

	time.Sleep(300 * time.Millisecond)
	if n := h.pub.count(events.KindReedAlarm); n != 0 {
		t.Fatal("alarm fired before wait_to_fire_alarm")
	}

	waitFor(t, "reed alarm", func() bool { m, _ := h.groups.counts(); return m == 1 })
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("escalated after %v, want >= 1s", elapsed)
	}
	ev, ok := h.pub.find(events.KindReedAlarm)
	if !ok {
		t.Fatal("group marked ALARM before the alarm event was published")
	}
	if ev.DeviceName != "Front door" || ev.GroupID != "g1" {
		t.Errorf("alarm event = %+v", ev)
	}
	if n := h.pub.count(events.KindReedAlarm); n != 1 {
		t.Errorf("reed alarms = %d, want 1", n)
	}
	if st := h.ctrl.State(); !st.Escalated {
		t.Errorf("state = %+v, want escalated", st)
	}
}

func TestAlarmFiresOncePerSession(t *testing.T) {
	h := newHarness(t, time.Hour, cameraMap{})
	group := &store.DeviceGroup{ID: "g1", Status: store.GroupListening}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(pin int) {
			defer wg.Done()
			if pin%2 == 0 {
				h.ctrl.OnDeviceStatusChanged(reedOpen(pin, "reed"), group)
			} else {
				h.ctrl.OnDeviceStatusChanged(monitor.Change{
					Device: store.PirRef(pin), Status: monitor.StatusMovement, At: time.Now(),
				}, group)
			}
		}(i)
	}
	wg.Wait()

	waitFor(t, "escalation", func() bool { m, _ := h.groups.counts(); return m == 1 })
	time.Sleep(20 * time.Millisecond)

	if n := h.pub.count(events.KindAlarmWaiting); n != 1 {
		t.Errorf("waiting events = %d, want 1", n)
	}
	if n := h.pub.count(events.KindReedAlarm) + h.pub.count(events.KindPirAlarm); n != 1 {
		t.Errorf("alarm events = %d, want 1", n)
	}
	if m, _ := h.groups.counts(); m != 1 {
		t.Errorf("MarkAlarm calls = %d, want 1", m)
	}
}

func TestNonQualifyingIgnored(t *testing.T) {
	h := newHarness(t, time.Hour, cameraMap{})
	group := &store.DeviceGroup{ID: "g1", Status: store.GroupListening}

	h.ctrl.OnDeviceStatusChanged(monitor.Change{Device: store.ReedRef(17), Status: monitor.StatusClosed}, group)
	h.ctrl.OnDeviceStatusChanged(monitor.Change{Device: store.PirRef(4), Status: monitor.StatusIdle}, group)
	h.ctrl.OnDeviceStatusChanged(monitor.Change{Device: store.CameraRef("10.0.0.2"), Status: monitor.StatusUnreachable}, group)

	if got := h.pub.kinds(); len(got) != 0 {
		t.Errorf("events = %v, want none", got)
	}
	if h.ctrl.State().Active {
		t.Error("alarm active after non-qualifying transitions")
	}
	if n := h.rec.startCount(); n != 0 {
		t.Errorf("recordings started = %d, want 0", n)
	}
}

func TestCameraMovementRecordsEveryTime(t *testing.T) {
	h := newHarness(t, time.Hour, cameraMap{})
	group := &store.DeviceGroup{ID: "g1", Status: store.GroupListening}
	move := monitor.Change{
		Device: store.CameraRef("10.0.0.2"), Name: "Garden",
		Status: monitor.StatusMovementDetected, Evidence: []byte{0xff, 0xd8}, At: time.Now(),
	}

	h.ctrl.OnDeviceStatusChanged(move, group)
	h.ctrl.OnDeviceStatusChanged(move, group)

	waitFor(t, "camera alarm", func() bool { return h.pub.count(events.KindCameraAlarm) == 1 })
	if n := h.rec.startCount(); n != 2 {
		t.Errorf("recording starts = %d, want 2", n)
	}
	if n := len(h.rec.Active()); n != 1 {
		t.Errorf("active recordings = %d, want 1", n)
	}
	ev, _ := h.pub.find(events.KindCameraAlarm)
	if string(ev.Evidence) != string(move.Evidence) || ev.DeviceName != "Garden" {
		t.Errorf("camera alarm = %+v", ev)
	}
	if ev.Timestamp != move.At.Unix() {
		t.Errorf("timestamp = %d, want detection time %d", ev.Timestamp, move.At.Unix())
	}
}

func TestStopAlarmIdempotent(t *testing.T) {
	h := newHarness(t, time.Hour, cameraMap{})
	h.rec.Start("10.0.0.2")

	h.ctrl.StopAlarm()
	h.ctrl.StopAlarm()

	if got := h.pub.kinds(); len(got) != 0 {
		t.Errorf("events = %v, want none", got)
	}
	if got := h.rec.stops(); len(got) != 0 {
		t.Errorf("stopped recordings = %v, want none", got)
	}
}

func TestStopAlarmCancelsEscalation(t *testing.T) {
	h := newHarness(t, time.Hour, cameraMap{})
	group := &store.DeviceGroup{ID: "g1", WaitToFireAlarm: 1, Status: store.GroupListening}

	h.ctrl.OnDeviceStatusChanged(reedOpen(17, "Front door"), group)
	h.ctrl.StopAlarm()
	time.Sleep(1200 * time.Millisecond)

	if got := h.pub.kinds(); len(got) != 2 || got[1] != events.KindAlarmStopped {
		t.Errorf("events = %v, want [alarm_waiting alarm_stopped]", got)
	}
	if m, _ := h.groups.counts(); m != 0 {
		t.Error("stale escalation marked the group")
	}
	if h.ctrl.State().Active {
		t.Error("alarm still active")
	}

	// A new session can start.
	group.WaitToFireAlarm = 0
	h.ctrl.OnDeviceStatusChanged(reedOpen(17, "Front door"), group)
	waitFor(t, "second alarm", func() bool { return h.pub.count(events.KindReedAlarm) == 1 })
}

func TestStandDownTimeout(t *testing.T) {
	cams := cameraMap{
		"10.0.0.2": {IP: "10.0.0.2"},
		"10.0.0.3": {IP: "10.0.0.3", AlwaysRecording: true},
	}
	h := newHarness(t, 50*time.Millisecond, cams)
	group := &store.DeviceGroup{ID: "g1", Status: store.GroupListening}

	h.rec.Start("10.0.0.3")
	h.ctrl.OnDeviceStatusChanged(monitor.Change{
		Device: store.CameraRef("10.0.0.2"), Status: monitor.StatusMovementDetected, At: time.Now(),
	}, group)

	waitFor(t, "stand-down", func() bool { _, c := h.groups.counts(); return c == 1 })

	want := []events.Kind{events.KindAlarmWaiting, events.KindCameraAlarm, events.KindAlarmStopped}
	got := h.pub.kinds()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	if stops := h.rec.stops(); len(stops) != 1 || stops[0] != "rec-10.0.0.2" {
		t.Errorf("stopped = %v, want only the alarm recording", stops)
	}
	if h.ctrl.State().Active {
		t.Error("alarm still active after stand-down")
	}
}

func TestPublishRetriedInOrder(t *testing.T) {
	h := newHarness(t, time.Hour, cameraMap{})
	h.pub.failKind = events.KindAlarmWaiting
	h.pub.failures = 3
	group := &store.DeviceGroup{ID: "g1", Status: store.GroupListening}

	h.ctrl.OnDeviceStatusChanged(reedOpen(17, "Front door"), group)
	waitFor(t, "escalation", func() bool { m, _ := h.groups.counts(); return m == 1 })

	got := h.pub.kinds()
	if len(got) != 2 || got[0] != events.KindAlarmWaiting || got[1] != events.KindReedAlarm {
		t.Errorf("events = %v, want waiting before alarm", got)
	}
}

func TestStopAlarmAbandonsBlockedPublish(t *testing.T) {
	h := newHarness(t, time.Hour, cameraMap{})
	h.pub.failKind = events.KindAlarmWaiting
	h.pub.failures = -1 // forever
	group := &store.DeviceGroup{ID: "g1", Status: store.GroupListening}

	done := make(chan struct{})
	go func() {
		h.ctrl.OnDeviceStatusChanged(reedOpen(17, "Front door"), group)
		close(done)
	}()
	waitFor(t, "session", func() bool { return h.ctrl.State().Active })
	h.ctrl.StopAlarm()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("status callback still blocked after StopAlarm")
	}
	if n := h.pub.count(events.KindReedAlarm); n != 0 {
		t.Errorf("reed alarms = %d, want 0", n)
	}
}

func TestTransitionOfDisarmedGroupIgnored(t *testing.T) {
	h := newHarness(t, time.Hour, cameraMap{})
	group := &store.DeviceGroup{ID: "g1", WaitToFireAlarm: 0, Status: store.GroupListening}
	h.groups.disarm("g1")

	h.ctrl.OnDeviceStatusChanged(reedOpen(17, "Front door"), group)

	if got := h.pub.kinds(); len(got) != 0 {
		t.Errorf("events = %v, want none", got)
	}
	if h.ctrl.State().Active {
		t.Error("session opened for a disarmed group")
	}
}

// A disarm that lands between the armed check and the session start must win.
func TestDisarmDuringAdmissionWins(t *testing.T) {
	h := newHarness(t, time.Hour, cameraMap{})
	group := &store.DeviceGroup{ID: "g1", WaitToFireAlarm: 0, Status: store.GroupListening}
	h.groups.onArmed = h.ctrl.StopAlarm

	h.ctrl.OnDeviceStatusChanged(reedOpen(17, "Front door"), group)

	if got := h.pub.kinds(); len(got) != 0 {
		t.Errorf("events = %v, want none", got)
	}
	if h.ctrl.State().Active {
		t.Error("session opened after a concurrent disarm")
	}

	// The next transition after the disarm is admitted normally.
	h.groups.mu.Lock()
	h.groups.onArmed = nil
	h.groups.mu.Unlock()
	h.ctrl.OnDeviceStatusChanged(reedOpen(17, "Front door"), group)
	waitFor(t, "reed alarm", func() bool { m, _ := h.groups.counts(); return m == 1 })
}

func TestEscalationAfterDisarmDropped(t *testing.T) {
	h := newHarness(t, time.Hour, cameraMap{})
	group := &store.DeviceGroup{ID: "g1", WaitToFireAlarm: 1, Status: store.GroupListening}

	h.ctrl.OnDeviceStatusChanged(reedOpen(17, "Front door"), group)
	if !h.ctrl.State().Active {
		t.Fatal("no session after qualifying transition")
	}
	// The group leaves LISTENING without going through StopAlarm.
	h.groups.disarm("g1")

	waitFor(t, "session end", func() bool { return !h.ctrl.State().Active })
	if n := h.pub.count(events.KindReedAlarm); n != 0 {
		t.Errorf("reed alarms = %d, want 0", n)
	}
	if m, _ := h.groups.counts(); m != 0 {
		t.Errorf("MarkAlarm calls = %d, want 0", m)
	}
}
