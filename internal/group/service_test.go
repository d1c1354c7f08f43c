package group

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"devices-manager/internal/alarm"
	"devices-manager/internal/events"
	"devices-manager/internal/gpio"
	"devices-manager/internal/monitor"
	"devices-manager/internal/store"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(t *testing.T) *store.BoltStore {
	t.Helper()
	s, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) all() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.events...)
}

func (p *recordingPublisher) count(kind events.Kind) int {
	n := 0
	for _, ev := range p.all() {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

type countingStopper struct{ calls atomic.Int32 }

func (c *countingStopper) StopAlarm() { c.calls.Add(1) }

type reedMap map[int]monitor.Status

func (m reedMap) Status(pin int) (monitor.Status, error) {
	if s, ok := m[pin]; ok {
		return s, nil
	}
	return "", monitor.ErrNotMonitored
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

func waitStatus(t *testing.T, svc *Service, id string, want store.GroupStatus) {
	t.Helper()
	waitFor(t, fmt.Sprintf("group %s %s", id, want), func() bool {
		st, err := svc.Status(id)
		return err == nil && st == want
	})
}

// seed stores a reed, a PIR and a camera as members of a new IDLE group.
func seed(t *testing.T, svc *Service, st *store.BoltStore, name string, waitStart int, reed, pir int, cam string) string {
	t.Helper()
	if err := st.CreateReed(&store.Reed{Pin: reed, Name: name + " door", VCC: true, NormallyClosed: true}); err != nil {
		t.Fatal(err)
	}
	if err := st.CreatePir(&store.Pir{Pin: pir, Name: name + " hall"}); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateCamera(&store.Camera{IP: cam, Name: name + " camera"}); err != nil {
		t.Fatal(err)
	}
	g := &store.DeviceGroup{
		Name: name, WaitToStartAlarm: waitStart,
		Reeds: []int{reed}, Pirs: []int{pir}, Cameras: []string{cam},
	}
	if err := svc.Create(g); err != nil {
		t.Fatal(err)
	}
	return g.ID
}

func assertListening(t *testing.T, st *store.BoltStore, g *store.DeviceGroup, want bool) {
	t.Helper()
	for _, ref := range g.Devices() {
		dev, err := st.GetDevice(ref)
		if err != nil {
			t.Fatal(err)
		}
		if dev.Listening() != want {
			t.Errorf("%s listening = %v, want %v", ref, dev.Listening(), want)
		}
	}
}

type fixture struct {
	st      *store.BoltStore
	pub     *recordingPublisher
	stopper *countingStopper
	reeds   reedMap
	svc     *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		st:      newTestStore(t),
		pub:     &recordingPublisher{},
		stopper: &countingStopper{},
		reeds:   reedMap{},
	}
	f.svc = NewService(f.st, f.stopper, f.pub, f.reeds, nil, newTestLogger())
	t.Cleanup(f.svc.Close)
	return f
}

func TestStartListening(t *testing.T) {
	f := newFixture(t)
	id := seed(t, f.svc, f.st, "Ground floor", 0, 17, 4, "10.0.0.2")
	f.reeds[17] = monitor.StatusClosed

	if err := f.svc.StartListening(id, false); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, f.svc, id, store.GroupListening)

	g, _ := f.svc.Get(id)
	assertListening(t, f.st, g, true)

	waitFor(t, "waiting events", func() bool { return len(f.pub.all()) == 2 })
	evs := f.pub.all()
	if !evs[0].Waiting || evs[1].Waiting || evs[0].GroupID != id {
		t.Errorf("events = %+v, want waiting true then false", evs)
	}
}

func TestStartListeningGracePeriod(t *testing.T) {
	f := newFixture(t)
	id := seed(t, f.svc, f.st, "Ground floor", 1, 17, 4, "10.0.0.2")

	if err := f.svc.StartListening(id, false); err != nil {
		t.Fatal(err)
	}
	if st, _ := f.svc.Status(id); st != store.GroupWaitingToListen {
		t.Fatalf("status = %s, want %s", st, store.GroupWaitingToListen)
	}
	g, _ := f.svc.Get(id)
	assertListening(t, f.st, g, false)

	waitStatus(t, f.svc, id, store.GroupListening)
	assertListening(t, f.st, g, true)
}

func TestOnlyOneGroupArmed(t *testing.T) {
	f := newFixture(t)
	a := seed(t, f.svc, f.st, "group_a", 1, 17, 4, "10.0.0.2")
	b := seed(t, f.svc, f.st, "group_b", 0, 18, 5, "10.0.0.3")

	if err := f.svc.StartListening(a, false); err != nil {
		t.Fatal(err)
	}
	err := f.svc.StartListening(b, false)
	if !errors.Is(err, ErrOtherGroupArmed) || !errors.Is(err, store.ErrConflict) {
		t.Fatalf("start group_b: err = %v, want ErrOtherGroupArmed", err)
	}

	waitStatus(t, f.svc, a, store.GroupListening)
	if st, _ := f.svc.Status(b); st != store.GroupIdle {
		t.Errorf("group_b = %s, want IDLE", st)
	}
	gb, _ := f.svc.Get(b)
	assertListening(t, f.st, gb, false)

	if err := f.svc.StartListening(b, false); !errors.Is(err, ErrOtherGroupArmed) {
		t.Errorf("start group_b while group_a listening: err = %v", err)
	}
}

func TestStartListeningRejectsNonIdle(t *testing.T) {
	f := newFixture(t)
	id := seed(t, f.svc, f.st, "Ground floor", 1, 17, 4, "10.0.0.2")

	if err := f.svc.StartListening(id, false); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.StartListening(id, false); !errors.Is(err, ErrNotIdle) {
		t.Errorf("second start: err = %v, want ErrNotIdle", err)
	}
	if err := f.svc.StartListening("missing", false); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unknown group: err = %v, want ErrNotFound", err)
	}
}

func TestStartListeningOpenReed(t *testing.T) {
	f := newFixture(t)
	id := seed(t, f.svc, f.st, "Ground floor", 0, 17, 4, "10.0.0.2")
	f.reeds[17] = monitor.StatusOpen

	err := f.svc.StartListening(id, false)
	if !errors.Is(err, ErrReedOpen) {
		t.Fatalf("err = %v, want ErrReedOpen", err)
	}
	if st, _ := f.svc.Status(id); st != store.GroupIdle {
		t.Errorf("status = %s, want IDLE", st)
	}

	if err := f.svc.StartListening(id, true); err != nil {
		t.Fatalf("forced start: %v", err)
	}
	waitStatus(t, f.svc, id, store.GroupListening)
}

func TestStopListeningDuringGracePeriod(t *testing.T) {
	f := newFixture(t)
	id := seed(t, f.svc, f.st, "Ground floor", 1, 17, 4, "10.0.0.2")

	if err := f.svc.StartListening(id, false); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.StopListening(id); err != nil {
		t.Fatal(err)
	}
	if st, _ := f.svc.Status(id); st != store.GroupIdle {
		t.Fatalf("status = %s, want IDLE", st)
	}

	time.Sleep(1200 * time.Millisecond)
	if st, _ := f.svc.Status(id); st != store.GroupIdle {
		t.Errorf("stale timer armed the group: status = %s", st)
	}
	g, _ := f.svc.Get(id)
	assertListening(t, f.st, g, false)
	if n := f.stopper.calls.Load(); n != 1 {
		t.Errorf("StopAlarm calls = %d, want 1", n)
	}
}

func TestStopListeningRequiresArmedGroup(t *testing.T) {
	f := newFixture(t)
	id := seed(t, f.svc, f.st, "Ground floor", 0, 17, 4, "10.0.0.2")

	if err := f.svc.StopListening(id); !errors.Is(err, ErrNotListening) {
		t.Errorf("stop idle group: err = %v, want ErrNotListening", err)
	}
	if err := f.svc.StopListening("missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("stop unknown group: err = %v, want ErrNotFound", err)
	}
	if n := f.stopper.calls.Load(); n != 0 {
		t.Errorf("StopAlarm calls = %d, want 0", n)
	}
}

func TestAlarmTransitions(t *testing.T) {
	f := newFixture(t)
	bus := events.NewBus(newTestLogger())
	f.svc.bus = bus
	var got []string
	var mu sync.Mutex
	bus.On(events.TypeGroupStatus, func(m events.Message) {
		mu.Lock()
		got = append(got, m.Data.(map[string]any)["status"].(string))
		mu.Unlock()
	})

	id := seed(t, f.svc, f.st, "Ground floor", 0, 17, 4, "10.0.0.2")
	if err := f.svc.MarkAlarm(id); !errors.Is(err, store.ErrConflict) {
		t.Errorf("mark idle group: err = %v, want conflict", err)
	}

	if err := f.svc.StartListening(id, false); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, f.svc, id, store.GroupListening)
	if err := f.svc.MarkAlarm(id); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.ClearAlarm(id); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.ClearAlarm(id); !errors.Is(err, store.ErrConflict) {
		t.Errorf("clear listening group: err = %v, want conflict", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := "[WAITING_TO_START_LISTENING LISTENING ALARM LISTENING]"
	if fmt.Sprint(got) != want {
		t.Errorf("status notifications = %v, want %s", got, want)
	}
}

func TestRecover(t *testing.T) {
	f := newFixture(t)
	a := seed(t, f.svc, f.st, "arming", 0, 17, 4, "10.0.0.2")
	b := seed(t, f.svc, f.st, "alarm", 0, 18, 5, "10.0.0.3")

	ga, _ := f.svc.Get(a)
	if err := f.st.UpdateListening(true, ga.Devices()...); err != nil {
		t.Fatal(err)
	}
	set := func(id string, s store.GroupStatus) {
		if err := f.st.UpdateGroup(id, func(g *store.DeviceGroup) error { g.Status = s; return nil }); err != nil {
			t.Fatal(err)
		}
	}
	set(a, store.GroupWaitingToListen)
	set(b, store.GroupAlarm)

	if err := f.svc.Recover(); err != nil {
		t.Fatal(err)
	}
	if st, _ := f.svc.Status(a); st != store.GroupIdle {
		t.Errorf("arming group recovered to %s, want IDLE", st)
	}
	assertListening(t, f.st, ga, false)
	if st, _ := f.svc.Status(b); st != store.GroupListening {
		t.Errorf("alarm group recovered to %s, want LISTENING", st)
	}
}

func TestCRUD(t *testing.T) {
	f := newFixture(t)

	if err := f.svc.Create(&store.DeviceGroup{Name: "  "}); !errors.Is(err, ErrInvalid) {
		t.Errorf("blank name: err = %v, want ErrInvalid", err)
	}
	if err := f.svc.Create(&store.DeviceGroup{Name: "x", WaitToFireAlarm: -1}); !errors.Is(err, ErrInvalid) {
		t.Errorf("negative wait: err = %v, want ErrInvalid", err)
	}

	g := &store.DeviceGroup{Name: "Garage", Status: store.GroupAlarm}
	if err := f.svc.Create(g); err != nil {
		t.Fatal(err)
	}
	if g.ID == "" || g.Status != store.GroupIdle {
		t.Errorf("created group = %+v, want generated ID and IDLE", g)
	}

	g.Name = "Garage and shed"
	g.Status = store.GroupListening
	if err := f.svc.Update(g); err != nil {
		t.Fatal(err)
	}
	got, _ := f.svc.Get(g.ID)
	if got.Name != "Garage and shed" || got.Status != store.GroupIdle {
		t.Errorf("updated group = %+v", got)
	}

	if err := f.svc.StartListening(g.ID, false); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, f.svc, g.ID, store.GroupListening)
	if err := f.svc.Update(got); !errors.Is(err, ErrNotIdle) {
		t.Errorf("update listening group: err = %v, want ErrNotIdle", err)
	}
	if err := f.svc.Delete(g.ID); !errors.Is(err, ErrNotIdle) {
		t.Errorf("delete listening group: err = %v, want ErrNotIdle", err)
	}

	if err := f.svc.StopListening(g.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.Delete(g.ID); err != nil {
		t.Fatal(err)
	}
	if list, _ := f.svc.List(); len(list) != 0 {
		t.Errorf("groups after delete = %d, want 0", len(list))
	}
}

type memRecorder struct {
	mu     sync.Mutex
	active map[string]*store.Recording
}

func (r *memRecorder) Start(ip string) (*store.Recording, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[ip]; ok {
		return nil, fmt.Errorf("%s: %w", ip, store.ErrConflict)
	}
	rec := &store.Recording{ID: "rec-" + ip, CameraIP: ip}
	r.active[ip] = rec
	return rec, nil
}

func (r *memRecorder) Stop(id string) (*store.Recording, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ip, rec := range r.active {
		if rec.ID == id {
			delete(r.active, ip)
			return rec, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *memRecorder) Active() []*store.Recording {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*store.Recording
	for _, rec := range r.active {
		out = append(out, rec)
	}
	return out
}

func (r *memRecorder) recording(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[ip]
	return ok
}

// TestReedAlarmEndToEnd arms a group, opens its reed through the GPIO mock
// and disarms it while the alarm is in effect.
func TestReedAlarmEndToEnd(t *testing.T) {
	st := newTestStore(t)
	logger := newTestLogger()
	pub := &recordingPublisher{}
	rec := &memRecorder{active: make(map[string]*store.Recording)}
	io := gpio.NewMock()
	io.Set(17, gpio.Low)

	ctrl := alarm.NewController(pub, rec, st, time.Hour, logger)
	t.Cleanup(ctrl.Close)
	dispatch := alarm.NewDispatcher(st, ctrl, nil, logger)
	reeds := monitor.NewReedMonitor(io, 5*time.Millisecond, dispatch.Handle, logger)
	svc := NewService(st, ctrl, pub, reeds, nil, logger)
	t.Cleanup(svc.Close)
	ctrl.SetGroups(svc)

	id := seed(t, svc, st, "Ground floor", 0, 17, 4, "10.0.0.2")
	if err := st.CreateCamera(&store.Camera{IP: "10.0.0.9", Name: "Drive", AlwaysRecording: true}); err != nil {
		t.Fatal(err)
	}
	reed, _ := st.GetReed(17)
	if err := reeds.Add(reed); err != nil {
		t.Fatal(err)
	}
	if s, _ := reeds.Status(17); s != monitor.StatusClosed {
		t.Fatalf("reed status = %s, want CLOSED", s)
	}
	reeds.Start()
	t.Cleanup(reeds.Stop)

	if err := svc.StartListening(id, false); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, svc, id, store.GroupListening)

	rec.Start("10.0.0.2")
	rec.Start("10.0.0.9")
	io.Set(17, gpio.High)

	waitStatus(t, svc, id, store.GroupAlarm)
	if n := pub.count(events.KindReedAlarm); n != 1 {
		t.Errorf("reed alarms = %d, want 1", n)
	}
	if s, _ := reeds.Status(17); s != monitor.StatusOpen {
		t.Errorf("reed status = %s, want OPEN", s)
	}

	if err := svc.StopListening(id); err != nil {
		t.Fatal(err)
	}
	if status, _ := svc.Status(id); status != store.GroupIdle {
		t.Errorf("status = %s, want IDLE", status)
	}
	if n := pub.count(events.KindAlarmStopped); n != 1 {
		t.Errorf("alarm stopped events = %d, want 1", n)
	}
	if rec.recording("10.0.0.2") {
		t.Error("alarm recording still running")
	}
	if !rec.recording("10.0.0.9") {
		t.Error("always-recording camera was stopped")
	}
	if ctrl.State().Active {
		t.Error("alarm session still active")
	}
	g, _ := svc.Get(id)
	assertListening(t, st, g, false)
}

// TestTransitionAfterStopListening delivers a reed transition that was
// routed while the group was armed but arrives after it was disarmed.
func TestTransitionAfterStopListening(t *testing.T) {
	st := newTestStore(t)
	logger := newTestLogger()
	pub := &recordingPublisher{}
	rec := &memRecorder{active: make(map[string]*store.Recording)}

	ctrl := alarm.NewController(pub, rec, st, time.Hour, logger)
	t.Cleanup(ctrl.Close)
	svc := NewService(st, ctrl, pub, reedMap{17: monitor.StatusClosed}, nil, logger)
	t.Cleanup(svc.Close)
	ctrl.SetGroups(svc)

	id := seed(t, svc, st, "Ground floor", 0, 17, 4, "10.0.0.2")
	if err := svc.StartListening(id, false); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, svc, id, store.GroupListening)
	armed, err := svc.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if !svc.Armed(id) {
		t.Fatal("Armed = false for a LISTENING group")
	}

	if err := svc.StopListening(id); err != nil {
		t.Fatal(err)
	}
	if svc.Armed(id) {
		t.Error("Armed = true after StopListening")
	}
	ctrl.OnDeviceStatusChanged(monitor.Change{
		Device: store.ReedRef(17), Name: "Ground floor door",
		Status: monitor.StatusOpen, Previous: monitor.StatusClosed, At: time.Now(),
	}, armed)

	time.Sleep(50 * time.Millisecond)
	if n := pub.count(events.KindReedAlarm); n != 0 {
		t.Errorf("reed alarms = %d, want 0", n)
	}
	if ctrl.State().Active {
		t.Error("alarm session opened on a disarmed group")
	}
	if status, _ := svc.Status(id); status != store.GroupIdle {
		t.Errorf("status = %s, want IDLE", status)
	}

	// Re-arming still raises real alarms.
	if err := svc.StartListening(id, false); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, svc, id, store.GroupListening)
	armed, _ = svc.Get(id)
	ctrl.OnDeviceStatusChanged(monitor.Change{
		Device: store.ReedRef(17), Name: "Ground floor door",
		Status: monitor.StatusOpen, Previous: monitor.StatusClosed, At: time.Now(),
	}, armed)
	waitStatus(t, svc, id, store.GroupAlarm)
	if n := pub.count(events.KindReedAlarm); n != 1 {
		t.Errorf("reed alarms after re-arm = %d, want 1", n)
	}
}
