package monitor

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"devices-manager/internal/store"
)

const (
	DefaultReconnectDelay = 2 * time.Second
	// DefaultMotionFrames is how many consecutive frames must show motion
	// before MOVEMENT_DETECTED.
	DefaultMotionFrames = 2
)

// ListeningFunc reports whether the camera at ip is currently armed.
type ListeningFunc func(ip string) bool

// CameraOption configures a CameraMonitor.
type CameraOption func(*CameraMonitor)

// WithReconnectDelay sets the back-off between stream reconnects.
func WithReconnectDelay(d time.Duration) CameraOption {
	return func(m *CameraMonitor) {
		if d > 0 {
			m.reconnect = d
		}
	}
}

// WithMotionFrames sets the consecutive-frame debounce.
func WithMotionFrames(n int) CameraOption {
	return func(m *CameraMonitor) {
		if n > 0 {
			m.motionFrames = n
		}
	}
}

// CameraMonitor runs one analysis goroutine per camera.
type CameraMonitor struct {
	source       FrameSource
	listening    ListeningFunc
	onChange     Callback
	logger       *slog.Logger
	reconnect    time.Duration
	motionFrames int

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	workers map[string]*cameraWorker
}

// NewCameraMonitor creates a camera monitor. Cameras start streaming as soon
// as they are added.
func NewCameraMonitor(source FrameSource, listening ListeningFunc, onChange Callback, logger *slog.Logger, opts ...CameraOption) *CameraMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	m := &CameraMonitor{
		source:       source,
		listening:    listening,
		onChange:     onChange,
		logger:       logger.With("component", "camera-monitor"),
		reconnect:    DefaultReconnectDelay,
		motionFrames: DefaultMotionFrames,
		ctx:          ctx,
		cancel:       cancel,
		workers:      make(map[string]*cameraWorker),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Add starts monitoring a camera.
func (m *CameraMonitor) Add(cam *store.Camera) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workers[cam.IP]; ok {
		return fmt.Errorf("%s: %w", store.CameraRef(cam.IP), ErrAlreadyMonitored)
	}
	if m.ctx.Err() != nil {
		return fmt.Errorf("camera monitor stopped")
	}
	w := m.newWorker(cam)
	m.workers[cam.IP] = w
	go w.run()
	return nil
}

// Update restarts the stream of a camera with new settings.
func (m *CameraMonitor) Update(cam *store.Camera) error {
	m.mu.Lock()
	old, ok := m.workers[cam.IP]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", store.CameraRef(cam.IP), ErrNotMonitored)
	}
	delete(m.workers, cam.IP)
	m.mu.Unlock()

	old.stop()
	return m.Add(cam)
}

// Remove stops monitoring a camera.
func (m *CameraMonitor) Remove(ip string) error {
	m.mu.Lock()
	w, ok := m.workers[ip]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", store.CameraRef(ip), ErrNotMonitored)
	}
	delete(m.workers, ip)
	m.mu.Unlock()

	w.stop()
	return nil
}

// Status returns the last sensed status of a camera.
func (m *CameraMonitor) Status(ip string) (Status, error) {
	w, err := m.worker(ip)
	if err != nil {
		return "", err
	}
	status, _ := w.snapshot()
	return status, nil
}

// Frame returns the latest JPEG preview of a camera. It is available whether
// or not the camera is listening; nil until the first frame arrives.
func (m *CameraMonitor) Frame(ip string) ([]byte, error) {
	w, err := m.worker(ip)
	if err != nil {
		return nil, err
	}
	_, frame := w.snapshot()
	return frame, nil
}

// Statuses returns the last sensed status of every camera, by IP.
func (m *CameraMonitor) Statuses() map[string]Status {
	m.mu.Lock()
	workers := make(map[string]*cameraWorker, len(m.workers))
	for ip, w := range m.workers {
		workers[ip] = w
	}
	m.mu.Unlock()

	out := make(map[string]Status, len(workers))
	for ip, w := range workers {
		out[ip], _ = w.snapshot()
	}
	return out
}

// Stop terminates every camera goroutine and waits for them.
func (m *CameraMonitor) Stop() {
	m.cancel()
	m.mu.Lock()
	workers := make([]*cameraWorker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	clear(m.workers)
	m.mu.Unlock()

	for _, w := range workers {
		w.stop()
	}
}

func (m *CameraMonitor) worker(ip string) (*cameraWorker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[ip]
	if !ok {
		return nil, fmt.Errorf("%s: %w", store.CameraRef(ip), ErrNotMonitored)
	}
	return w, nil
}

func (m *CameraMonitor) newWorker(cam *store.Camera) *cameraWorker {
	ctx, cancel := context.WithCancel(m.ctx)
	cfg := *cam
	return &cameraWorker{
		m:        m,
		cam:      &cfg,
		ref:      store.CameraRef(cam.IP),
		logger:   m.logger.With("camera", cam.IP),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		detector: newMotionDetector(),
		// Until a stream is up the camera counts as unreachable, so the
		// first successful connect reports IDLE.
		status: StatusUnreachable,
	}
}

type cameraWorker struct {
	m      *CameraMonitor
	cam    *store.Camera
	ref    store.DeviceRef
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// Owned by the worker goroutine.
	detector *motionDetector
	hits     int

	mu      sync.Mutex
	status  Status
	preview []byte
}

func (w *cameraWorker) stop() {
	w.cancel()
	<-w.done
}

func (w *cameraWorker) snapshot() (Status, []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status, w.preview
}

func (w *cameraWorker) run() {
	defer close(w.done)
	for w.ctx.Err() == nil {
		w.session()
		if w.ctx.Err() != nil {
			return
		}
		w.setStatus(StatusUnreachable, nil)
		select {
		case <-w.ctx.Done():
			return
		case <-time.After(w.m.reconnect):
		}
	}
}

// session streams until the source fails. Panics end the session.
func (w *cameraWorker) session() {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("camera session panic", "panic", r)
		}
	}()

	stream, err := w.m.source.Open(w.ctx, w.cam)
	if err != nil {
		w.logger.Warn("open stream failed", "err", err)
		return
	}
	defer stream.Close()

	w.detector.reset()
	w.hits = 0
	connected := false

	for w.ctx.Err() == nil {
		frame, err := stream.Next()
		if err != nil {
			if w.ctx.Err() == nil {
				w.logger.Warn("stream ended", "err", err)
			}
			return
		}
		if !connected {
			connected = true
			w.logger.Info("stream connected")
			w.setStatus(StatusIdle, nil)
		}
		w.process(frame)
	}
}

func (w *cameraWorker) process(frame *image.RGBA) {
	preview, err := encodeJPEG(frame, image.Rectangle{})
	if err != nil {
		w.logger.Warn("encode preview failed", "err", err)
	} else {
		w.mu.Lock()
		w.preview = preview
		w.mu.Unlock()
	}

	if !w.m.listening(w.cam.IP) {
		w.detector.reset()
		w.hits = 0
		w.setStatus(StatusIdle, nil)
		return
	}

	rect, moving := w.detector.detect(frame, w.cam.Sensibility)
	if !moving {
		w.hits = 0
		w.setStatus(StatusIdle, nil)
		return
	}
	w.hits++
	if w.hits < w.m.motionFrames {
		return
	}

	w.mu.Lock()
	already := w.status == StatusMovementDetected
	w.mu.Unlock()
	if already {
		return
	}
	evidence, err := encodeJPEG(frame, rect)
	if err != nil {
		w.logger.Warn("encode evidence failed", "err", err)
	}
	w.logger.Info("movement detected", "rect", rect.String())
	w.setStatus(StatusMovementDetected, evidence)
}

// setStatus records status and reports it if it differs from the last one.
func (w *cameraWorker) setStatus(status Status, evidence []byte) {
	w.mu.Lock()
	prev := w.status
	if prev == status {
		w.mu.Unlock()
		return
	}
	w.status = status
	w.mu.Unlock()

	if w.m.onChange == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("status callback panic", "panic", r)
		}
	}()
	w.m.onChange(Change{
		Device:   w.ref,
		Name:     w.cam.Name,
		Status:   status,
		Previous: prev,
		Evidence: evidence,
		At:       time.Now(),
	})
}
