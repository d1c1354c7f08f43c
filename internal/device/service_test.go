package device

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"devices-manager/internal/store"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeMonitor records registry calls for any device kind.
type fakeMonitor struct {
	calls   []string
	failAdd bool
}

func (m *fakeMonitor) log(op string, key any) error {
	m.calls = append(m.calls, fmt.Sprintf("%s %v", op, key))
	if op == "add" && m.failAdd {
		return errors.New("gpio busy")
	}
	return nil
}

type cameraMonitor struct{ fakeMonitor }

func (m *cameraMonitor) Add(c *store.Camera) error    { return m.log("add", c.IP) }
func (m *cameraMonitor) Update(c *store.Camera) error { return m.log("update", c.IP) }
func (m *cameraMonitor) Remove(ip string) error       { return m.log("remove", ip) }

type reedMonitor struct{ fakeMonitor }

func (m *reedMonitor) Add(r *store.Reed) error    { return m.log("add", r.Pin) }
func (m *reedMonitor) Update(r *store.Reed) error { return m.log("update", r.Pin) }
func (m *reedMonitor) Remove(pin int) error       { return m.log("remove", pin) }

type pirMonitor struct{ fakeMonitor }

func (m *pirMonitor) Add(p *store.Pir) error    { return m.log("add", p.Pin) }
func (m *pirMonitor) Update(p *store.Pir) error { return m.log("update", p.Pin) }
func (m *pirMonitor) Remove(pin int) error      { return m.log("remove", pin) }

type fixture struct {
	st   *store.BoltStore
	cams *cameraMonitor
	reed *reedMonitor
	pir  *pirMonitor
	svc  *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	f := &fixture{st: st, cams: &cameraMonitor{}, reed: &reedMonitor{}, pir: &pirMonitor{}}
	f.svc = NewService(st, f.cams, f.reed, f.pir, newTestLogger())
	return f
}

func TestCameraLifecycle(t *testing.T) {
	f := newFixture(t)

	cam := &store.Camera{
		IP: "10.0.0.2", Name: "Garden", Port: 554, Path: "/stream1", Sensibility: 20,
		Listening: true, GroupID: "smuggled",
	}
	if err := f.svc.CreateCamera(cam); err != nil {
		t.Fatal(err)
	}
	got, _ := f.svc.GetCamera("10.0.0.2")
	if got.Listening || got.GroupID != "" {
		t.Errorf("created camera = %+v, want not listening and no group", got)
	}
	if got.Path != "stream1" {
		t.Errorf("path = %q, want leading slash trimmed", got.Path)
	}

	got.Name = "Backyard"
	if err := f.svc.UpdateCamera(got); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.DeleteCamera("10.0.0.2"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.GetCamera("10.0.0.2"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("get deleted camera: err = %v", err)
	}

	want := "[add 10.0.0.2 update 10.0.0.2 remove 10.0.0.2]"
	if got := fmt.Sprint(f.cams.calls); got != want {
		t.Errorf("monitor calls = %s, want %s", got, want)
	}
}

func TestCameraValidation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		cam  store.Camera
	}{
		{"bad ip", store.Camera{IP: "camera.local"}},
		{"sensibility above 100", store.Camera{IP: "10.0.0.2", Sensibility: 101}},
		{"negative sensibility", store.Camera{IP: "10.0.0.2", Sensibility: -1}},
		{"port out of range", store.Camera{IP: "10.0.0.2", Port: 70000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := f.svc.CreateCamera(&tt.cam); !errors.Is(err, ErrInvalid) {
				t.Errorf("err = %v, want ErrInvalid", err)
			}
		})
	}
	if len(f.cams.calls) != 0 {
		t.Errorf("monitor touched by invalid cameras: %v", f.cams.calls)
	}
}

func TestCreateDuplicate(t *testing.T) {
	f := newFixture(t)
	if err := f.svc.CreateReed(&store.Reed{Pin: 17}); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.CreateReed(&store.Reed{Pin: 17}); !errors.Is(err, store.ErrConflict) {
		t.Errorf("duplicate reed: err = %v, want conflict", err)
	}
	if err := f.svc.CreatePir(&store.Pir{Pin: 17}); !errors.Is(err, store.ErrConflict) {
		t.Errorf("pir on a reed pin: err = %v, want conflict", err)
	}
	if err := f.svc.CreatePir(&store.Pir{Pin: 4}); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.CreateReed(&store.Reed{Pin: 4}); !errors.Is(err, store.ErrConflict) {
		t.Errorf("reed on a pir pin: err = %v, want conflict", err)
	}
	if err := f.svc.CreateReed(&store.Reed{Pin: -1}); !errors.Is(err, ErrInvalid) {
		t.Errorf("negative pin: err = %v, want ErrInvalid", err)
	}
}

func TestWritesRefusedWhileArmed(t *testing.T) {
	f := newFixture(t)
	if err := f.svc.CreateReed(&store.Reed{Pin: 17, Name: "Front door"}); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.CreatePir(&store.Pir{Pin: 4, Name: "Hall"}); err != nil {
		t.Fatal(err)
	}
	g := &store.DeviceGroup{ID: "g1", Name: "Ground floor", Status: store.GroupIdle, Reeds: []int{17}, Pirs: []int{4}}
	if err := f.st.CreateGroup(g); err != nil {
		t.Fatal(err)
	}

	// Arming: group left IDLE but devices not listening yet.
	if err := f.st.UpdateGroup("g1", func(g *store.DeviceGroup) error {
		g.Status = store.GroupWaitingToListen
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.DeletePir(4); !errors.Is(err, ErrListening) {
		t.Errorf("delete pir of arming group: err = %v, want ErrListening", err)
	}

	if err := f.st.UpdateListening(true, store.ReedRef(17)); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.UpdateReed(&store.Reed{Pin: 17, Name: "Back door"}); !errors.Is(err, ErrListening) {
		t.Errorf("update listening reed: err = %v, want ErrListening", err)
	}
	if err := f.svc.DeleteReed(17); !errors.Is(err, store.ErrConflict) {
		t.Errorf("delete listening reed: err = %v, want conflict", err)
	}

	if err := f.st.UpdateListening(false, store.ReedRef(17)); err != nil {
		t.Fatal(err)
	}
	if err := f.st.UpdateGroup("g1", func(g *store.DeviceGroup) error {
		g.Status = store.GroupIdle
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.UpdateReed(&store.Reed{Pin: 17, Name: "Back door", VCC: true}); err != nil {
		t.Fatal(err)
	}
	r, _ := f.svc.GetReed(17)
	if r.Name != "Back door" || !r.VCC || r.GroupID != "g1" {
		t.Errorf("updated reed = %+v, want new fields and group kept", r)
	}
	if fmt.Sprint(f.reed.calls) != "[add 17 update 17]" {
		t.Errorf("reed monitor calls = %v", f.reed.calls)
	}
}

func TestUpdateUnknown(t *testing.T) {
	f := newFixture(t)
	if err := f.svc.UpdatePir(&store.Pir{Pin: 9}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("update unknown pir: err = %v, want ErrNotFound", err)
	}
	if err := f.svc.DeleteCamera("10.0.0.9"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("delete unknown camera: err = %v, want ErrNotFound", err)
	}
}

func TestRegisterAll(t *testing.T) {
	f := newFixture(t)
	f.st.CreateCamera(&store.Camera{IP: "10.0.0.2"})
	f.st.CreateReed(&store.Reed{Pin: 17})
	f.st.CreateReed(&store.Reed{Pin: 18})
	f.st.CreatePir(&store.Pir{Pin: 4})
	f.reed.failAdd = true

	if err := f.svc.RegisterAll(); err != nil {
		t.Fatal(err)
	}
	if len(f.cams.calls) != 1 || len(f.reed.calls) != 2 || len(f.pir.calls) != 1 {
		t.Errorf("calls = %v %v %v, want every device registered despite failures",
			f.cams.calls, f.reed.calls, f.pir.calls)
	}
}

// armingStore arms the group right before each device write reaches the
// store, as a grace period ending between a request's check and its write.
type armingStore struct {
	*store.BoltStore
	group string
	refs  []store.DeviceRef
}

func (s *armingStore) arm() error {
	if err := s.UpdateGroup(s.group, func(g *store.DeviceGroup) error {
		g.Status = store.GroupListening
		return nil
	}); err != nil {
		return err
	}
	return s.UpdateListening(true, s.refs...)
}

func (s *armingStore) UpdateDevice(ref store.DeviceRef, fn func(*store.Device, *store.DeviceGroup) error) error {
	if err := s.arm(); err != nil {
		return err
	}
	return s.BoltStore.UpdateDevice(ref, fn)
}

func (s *armingStore) DeleteDevice(ref store.DeviceRef, check func(*store.Device, *store.DeviceGroup) error) error {
	if err := s.arm(); err != nil {
		return err
	}
	return s.BoltStore.DeleteDevice(ref, check)
}

func TestWritesRacingArming(t *testing.T) {
	f := newFixture(t)
	if err := f.svc.CreateReed(&store.Reed{Pin: 17, Name: "Front door"}); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.CreatePir(&store.Pir{Pin: 4, Name: "Hall"}); err != nil {
		t.Fatal(err)
	}
	if err := f.st.CreateGroup(&store.DeviceGroup{ID: "g1", Name: "Ground floor", Status: store.GroupIdle, Reeds: []int{17}, Pirs: []int{4}}); err != nil {
		t.Fatal(err)
	}
	racing := &armingStore{BoltStore: f.st, group: "g1", refs: []store.DeviceRef{store.ReedRef(17), store.PirRef(4)}}
	svc := NewService(racing, f.cams, f.reed, f.pir, newTestLogger())

	if err := svc.UpdateReed(&store.Reed{Pin: 17, Name: "Back door"}); !errors.Is(err, ErrListening) {
		t.Errorf("update: err = %v, want ErrListening", err)
	}
	r, _ := f.st.GetReed(17)
	if !r.Listening || r.Name != "Front door" {
		t.Errorf("reed = %+v, want untouched and still listening", r)
	}

	if err := svc.DeletePir(4); !errors.Is(err, ErrListening) {
		t.Errorf("delete: err = %v, want ErrListening", err)
	}
	if p, err := f.st.GetPir(4); err != nil || !p.Listening {
		t.Errorf("pir = %+v, %v, want kept and listening", p, err)
	}
}

// fakeRecorder records continuous recording requests.
type fakeRecorder struct{ calls []string }

func (r *fakeRecorder) SetContinuous(c *store.Camera) {
	r.calls = append(r.calls, fmt.Sprintf("set %s %v", c.IP, c.AlwaysRecording))
}

func (r *fakeRecorder) StopContinuous(ip string) { r.calls = append(r.calls, "stop "+ip) }

func TestAlwaysRecordingCameraKeptRecording(t *testing.T) {
	f := newFixture(t)
	f.st.CreateCamera(&store.Camera{IP: "10.0.0.9", AlwaysRecording: true})
	rec := &fakeRecorder{}
	svc := NewService(f.st, f.cams, f.reed, f.pir, newTestLogger(), WithRecorder(rec))

	if err := svc.RegisterAll(); err != nil {
		t.Fatal(err)
	}
	if err := svc.CreateCamera(&store.Camera{IP: "10.0.0.2"}); err != nil {
		t.Fatal(err)
	}
	if err := svc.UpdateCamera(&store.Camera{IP: "10.0.0.2", AlwaysRecording: true}); err != nil {
		t.Fatal(err)
	}
	if err := svc.DeleteCamera("10.0.0.9"); err != nil {
		t.Fatal(err)
	}

	want := []string{"set 10.0.0.9 true", "set 10.0.0.2 false", "set 10.0.0.2 true", "stop 10.0.0.9"}
	if fmt.Sprint(rec.calls) != fmt.Sprint(want) {
		t.Errorf("recorder calls = %v, want %v", rec.calls, want)
	}
}
