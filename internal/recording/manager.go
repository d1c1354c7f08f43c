// Package recording manages evidence captures: one capture process per
// camera, disk-pressure eviction and the boot-time orphan sweep.
package recording

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"devices-manager/internal/events"
	"devices-manager/internal/store"
)

// DefaultDir is where recordings are written unless configured otherwise.
const DefaultDir = "/var/lib/devices-manager/recordings"

// ErrAlreadyRecording is returned by Start when the camera already has an
// active capture.
var ErrAlreadyRecording = fmt.Errorf("camera already recording: %w", store.ErrConflict)

// Config holds recording manager settings.
type Config struct {
	Dir string
	// MinFreePercent is the free-space floor; the oldest completed recordings
	// are evicted before a new capture starts below it.
	MinFreePercent float64
	// Segment bounds a single file of an always-recording camera; the
	// capture is rotated once it is older.
	Segment time.Duration
}

type active struct {
	rec     *store.Recording
	capture Capture
	// stopping is set once Stop owns finalization.
	stopping bool
}

// Manager starts and stops captures and keeps the store in sync with them.
type Manager struct {
	store    store.Store
	capturer Capturer
	usage    DiskUsage
	bus      *events.Bus
	cfg      Config
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[string]*active // by camera IP

	checkEvery time.Duration
	loops      sync.WaitGroup
	continuous map[string]context.CancelFunc // by camera IP
}

// Option configures a Manager.
type Option func(*Manager)

// WithDiskUsage overrides the filesystem usage probe.
func WithDiskUsage(u DiskUsage) Option { return func(m *Manager) { m.usage = u } }

// WithBus publishes recording start/stop notifications on the local bus.
func WithBus(b *events.Bus) Option { return func(m *Manager) { m.bus = b } }

// WithCheckInterval sets how often always-recording cameras are checked for a
// running capture.
func WithCheckInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.checkEvery = d
		}
	}
}

// NewManager creates a recording manager.
func NewManager(st store.Store, capturer Capturer, cfg Config, logger *slog.Logger, opts ...Option) *Manager {
	if cfg.Dir == "" {
		cfg.Dir = DefaultDir
	}
	if cfg.MinFreePercent == 0 {
		cfg.MinFreePercent = 10
	}
	if cfg.Segment <= 0 {
		cfg.Segment = time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:    st,
		capturer: capturer,
		usage:    StatfsUsage,
		cfg:      cfg,
		logger:   logger.With("component", "recording"),
		ctx:      ctx,
		cancel:   cancel,
		active:   make(map[string]*active),

		checkEvery: 5 * time.Second,
		continuous: make(map[string]context.CancelFunc),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SweepOrphans marks recordings left incomplete by an unclean shutdown as
// completed. Call once on boot, before any capture starts.
func (m *Manager) SweepOrphans() error {
	recs, err := m.store.ListRecordings()
	if err != nil {
		return fmt.Errorf("list recordings: %w", err)
	}
	now := time.Now()
	for _, rec := range recs {
		if rec.IsCompleted {
			continue
		}
		rec.IsCompleted = true
		rec.StoppedAt = now
		if err := m.store.SaveRecording(rec); err != nil {
			return fmt.Errorf("sweep recording %s: %w", rec.ID, err)
		}
		m.logger.Info("orphan recording completed", "id", rec.ID, "camera", rec.CameraIP)
	}
	return nil
}

// IsRecording reports whether the camera has an active capture.
func (m *Manager) IsRecording(cameraIP string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[cameraIP]
	return ok
}

// CurrentByCamera returns the active recording of a camera.
func (m *Manager) CurrentByCamera(cameraIP string) (*store.Recording, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.active[cameraIP]
	if !ok {
		return nil, false
	}
	rec := *a.rec
	return &rec, true
}

// Active returns every active recording.
func (m *Manager) Active() []*store.Recording {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*store.Recording, 0, len(m.active))
	for _, a := range m.active {
		rec := *a.rec
		out = append(out, &rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// List returns every stored recording, newest first.
func (m *Manager) List() ([]*store.Recording, error) {
	recs, err := m.store.ListRecordings()
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].StartedAt.After(recs[j].StartedAt) })
	return recs, nil
}

// Start begins a capture for the camera. Returns ErrAlreadyRecording if one is
// running.
func (m *Manager) Start(cameraIP string) (*store.Recording, error) {
	rec, err := m.start(cameraIP)
	if err != nil {
		return nil, err
	}
	m.notify("started", rec)
	return rec, nil
}

func (m *Manager) start(cameraIP string) (*store.Recording, error) {
	cam, err := m.store.GetCamera(cameraIP)
	if err != nil {
		return nil, fmt.Errorf("recording camera %s: %w", cameraIP, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[cameraIP]; ok {
		return nil, fmt.Errorf("%s: %w", cameraIP, ErrAlreadyRecording)
	}
	if err := m.ctx.Err(); err != nil {
		return nil, fmt.Errorf("recording manager closed: %w", err)
	}

	if err := os.MkdirAll(m.cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recordings dir: %w", err)
	}
	m.ensureSpace()

	now := time.Now()
	rec := &store.Recording{
		ID:        uuid.NewString(),
		CameraIP:  cameraIP,
		Name:      fileName(cameraIP, now),
		Path:      m.cfg.Dir,
		StartedAt: now,
	}
	if err := m.store.CreateRecording(rec); err != nil {
		return nil, fmt.Errorf("create recording: %w", err)
	}

	capture, err := m.capturer.Start(m.ctx, cam, rec.FilePath())
	if err != nil {
		rec.IsCompleted = true
		rec.StoppedAt = time.Now()
		if serr := m.store.SaveRecording(rec); serr != nil {
			m.logger.Warn("mark failed recording completed", "id", rec.ID, "err", serr)
		}
		return nil, err
	}

	a := &active{rec: rec, capture: capture}
	m.active[cameraIP] = a
	m.wg.Add(1)
	go m.watch(a)

	m.logger.Info("recording started", "id", rec.ID, "camera", cameraIP, "file", rec.FilePath())
	out := *rec
	return &out, nil
}

// watch finalizes a capture that exits on its own (stream loss, ffmpeg crash).
func (m *Manager) watch(a *active) {
	defer m.wg.Done()
	<-a.capture.Done()

	m.mu.Lock()
	if a.stopping || m.active[a.rec.CameraIP] != a {
		m.mu.Unlock()
		return
	}
	delete(m.active, a.rec.CameraIP)
	m.mu.Unlock()

	m.logger.Warn("capture exited unexpectedly", "id", a.rec.ID, "camera", a.rec.CameraIP)
	m.complete(a.rec)
}

// Stop ends a recording. Stopping a recording that is not active only marks it
// completed.
func (m *Manager) Stop(id string) (*store.Recording, error) {
	m.mu.Lock()
	var a *active
	for _, cand := range m.active {
		if cand.rec.ID == id {
			a = cand
			break
		}
	}
	if a != nil {
		a.stopping = true
		delete(m.active, a.rec.CameraIP)
	}
	m.mu.Unlock()

	if a == nil {
		rec, err := m.store.GetRecording(id)
		if err != nil {
			return nil, err
		}
		if !rec.IsCompleted {
			m.complete(rec)
		}
		return rec, nil
	}

	if err := a.capture.Stop(); err != nil {
		m.logger.Warn("stop capture", "id", id, "err", err)
	}
	m.complete(a.rec)
	m.logger.Info("recording stopped", "id", id, "camera", a.rec.CameraIP)
	out := *a.rec
	return &out, nil
}

func (m *Manager) complete(rec *store.Recording) {
	rec.IsCompleted = true
	rec.StoppedAt = time.Now()
	if err := m.store.SaveRecording(rec); err != nil {
		m.logger.Error("save completed recording", "id", rec.ID, "err", err)
	}
	m.notify("stopped", rec)
}

// Delete removes a recording and its file. An active recording is stopped
// first.
func (m *Manager) Delete(id string) error {
	rec, err := m.store.GetRecording(id)
	if err != nil {
		return err
	}
	if !rec.IsCompleted {
		if _, err := m.Stop(id); err != nil {
			return err
		}
	}
	if err := m.store.DeleteRecording(id); err != nil {
		return err
	}
	return m.DeleteFile(rec)
}

// DeleteFile removes the file behind a recording. A missing file is not an error.
func (m *Manager) DeleteFile(rec *store.Recording) error {
	if err := os.Remove(rec.FilePath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete recording file: %w", err)
	}
	return nil
}

// ensureSpace evicts the oldest completed recordings while free space is under
// the configured floor. Caller holds m.mu.
func (m *Manager) ensureSpace() {
	for {
		free, total, err := m.usage(m.cfg.Dir)
		if err != nil {
			m.logger.Warn("disk usage probe failed", "err", err)
			return
		}
		if total == 0 || float64(free)/float64(total)*100 >= m.cfg.MinFreePercent {
			return
		}

		oldest, err := m.oldestCompleted()
		if err != nil {
			m.logger.Warn("find recording to evict", "err", err)
			return
		}
		if oldest == nil {
			m.logger.Warn("disk almost full and nothing left to evict", "free", free, "total", total)
			return
		}
		if err := m.DeleteFile(oldest); err != nil {
			m.logger.Warn("evict recording file", "id", oldest.ID, "err", err)
		}
		if err := m.store.DeleteRecording(oldest.ID); err != nil {
			m.logger.Warn("evict recording", "id", oldest.ID, "err", err)
			return
		}
		m.logger.Info("recording evicted for disk space", "id", oldest.ID, "file", oldest.FilePath())
	}
}

func (m *Manager) oldestCompleted() (*store.Recording, error) {
	recs, err := m.store.ListRecordings()
	if err != nil {
		return nil, err
	}
	var oldest *store.Recording
	for _, rec := range recs {
		if !rec.IsCompleted {
			continue
		}
		if oldest == nil || rec.StartedAt.Before(oldest.StartedAt) {
			oldest = rec
		}
	}
	return oldest, nil
}

func (m *Manager) notify(action string, rec *store.Recording) {
	if m.bus == nil {
		return
	}
	m.bus.Emit(events.Message{Type: events.TypeRecording, Data: map[string]any{
		"action":    action,
		"id":        rec.ID,
		"camera_ip": rec.CameraIP,
		"name":      rec.Name,
	}})
}

// Close stops continuous recording and every active capture.
func (m *Manager) Close() {
	m.mu.Lock()
	for ip, cancel := range m.continuous {
		cancel()
		delete(m.continuous, ip)
	}
	m.mu.Unlock()
	m.loops.Wait()

	for _, rec := range m.Active() {
		if _, err := m.Stop(rec.ID); err != nil {
			m.logger.Warn("stop recording on close", "id", rec.ID, "err", err)
		}
	}
	m.cancel()
	m.wg.Wait()
}

func fileName(cameraIP string, t time.Time) string {
	safe := strings.NewReplacer(".", "-", ":", "-").Replace(cameraIP)
	return fmt.Sprintf("%s_%s.mp4", safe, t.Format("20060102T150405.000"))
}
