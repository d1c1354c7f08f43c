package recording

import (
	"context"
	"errors"
	"time"

	"devices-manager/internal/store"
)

// SetContinuous starts or stops continuous recording for a camera according
// to its AlwaysRecording flag. A running loop is left alone when the flag is
// unchanged.
func (m *Manager) SetContinuous(cam *store.Camera) {
	if !cam.AlwaysRecording {
		m.StopContinuous(cam.IP)
		return
	}

	m.mu.Lock()
	if _, ok := m.continuous[cam.IP]; ok || m.ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	m.continuous[cam.IP] = cancel
	m.loops.Add(1)
	m.mu.Unlock()

	m.logger.Info("continuous recording enabled", "camera", cam.IP)
	go m.keepRecording(ctx, cam.IP)
}

// StopContinuous ends continuous recording for a camera and stops its
// current capture. It is a no-op for cameras that are not recording
// continuously.
func (m *Manager) StopContinuous(cameraIP string) {
	m.mu.Lock()
	cancel, ok := m.continuous[cameraIP]
	delete(m.continuous, cameraIP)
	m.mu.Unlock()
	if !ok {
		return
	}
	cancel()
	m.logger.Info("continuous recording disabled", "camera", cameraIP)
}

// IsContinuous reports whether a camera is recording continuously.
func (m *Manager) IsContinuous(cameraIP string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.continuous[cameraIP]
	return ok
}

// keepRecording restarts the camera's capture whenever it exits and rotates
// it once it outlives a segment. An alarm recording on the camera is adopted
// and rotated the same way, since alarm stop leaves it running.
func (m *Manager) keepRecording(ctx context.Context, cameraIP string) {
	defer m.loops.Done()
	tick := time.NewTicker(m.checkEvery)
	defer tick.Stop()

	for {
		m.ensureSegment(cameraIP)
		select {
		case <-ctx.Done():
			if cur, ok := m.CurrentByCamera(cameraIP); ok {
				if _, err := m.Stop(cur.ID); err != nil {
					m.logger.Warn("stop continuous recording", "camera", cameraIP, "err", err)
				}
			}
			return
		case <-tick.C:
		}
	}
}

func (m *Manager) ensureSegment(cameraIP string) {
	if cur, ok := m.CurrentByCamera(cameraIP); ok {
		if time.Since(cur.StartedAt) < m.cfg.Segment {
			return
		}
		if _, err := m.Stop(cur.ID); err != nil {
			m.logger.Warn("rotate continuous recording", "camera", cameraIP, "err", err)
		}
	}
	if _, err := m.Start(cameraIP); err != nil && !errors.Is(err, ErrAlreadyRecording) {
		m.logger.Warn("continuous recording start failed", "camera", cameraIP, "err", err)
	}
}
