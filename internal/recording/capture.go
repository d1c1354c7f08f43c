package recording

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"devices-manager/internal/store"
)

// Capturer starts a capture process writing a camera stream to a file.
type Capturer interface {
	Start(ctx context.Context, cam *store.Camera, file string) (Capture, error)
}

// Capture is a running capture.
type Capture interface {
	// Stop ends the capture and waits for the file to be finalized.
	Stop() error
	// Done is closed when the capture exits, requested or not.
	Done() <-chan struct{}
}

// FFmpegCapturer records RTSP to H.264 MP4 with ffmpeg.
type FFmpegCapturer struct {
	Binary string // defaults to "ffmpeg"
	FPS    int    // defaults to 4
	// StopTimeout bounds the graceful shutdown before the process is killed.
	StopTimeout time.Duration
}

func (c *FFmpegCapturer) args(cam *store.Camera, file string) []string {
	fps := c.FPS
	if fps <= 0 {
		fps = 4
	}
	return []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-rtsp_transport", "tcp",
		"-i", cam.RTSPURL(),
		"-an",
		"-vcodec", "libx264", "-preset", "fast",
		"-vf", fmt.Sprintf("fps=%d", fps),
		file,
	}
}

func (c *FFmpegCapturer) Start(ctx context.Context, cam *store.Camera, file string) (Capture, error) {
	bin := c.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	cmd := exec.CommandContext(ctx, bin, c.args(cam, file)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg capture for %s: %w", cam.IP, err)
	}

	return newFFmpegCapture(cmd, stdin, c.StopTimeout), nil
}

func newFFmpegCapture(cmd *exec.Cmd, stdin io.WriteCloser, timeout time.Duration) *ffmpegCapture {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	p := &ffmpegCapture{cmd: cmd, stdin: stdin, timeout: timeout, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p
}

type ffmpegCapture struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	timeout time.Duration

	stopOnce sync.Once
	stopErr  error
	done     chan struct{}
	err      error // from Wait, valid once done is closed
}

func (p *ffmpegCapture) Done() <-chan struct{} { return p.done }

// Stop asks ffmpeg to quit with "q" so the MP4 trailer is written, then
// kills it if it does not exit in time. A capture that already exited
// reports how it ended.
func (p *ffmpegCapture) Stop() error {
	p.stopOnce.Do(func() { p.stopErr = p.stop() })
	return p.stopErr
}

func (p *ffmpegCapture) stop() error {
	select {
	case <-p.done:
		if p.err != nil {
			return fmt.Errorf("ffmpeg exited before stop: %w", p.err)
		}
		return nil
	default:
	}

	var errs []error
	if _, err := io.WriteString(p.stdin, "q"); err != nil {
		errs = append(errs, fmt.Errorf("send quit to ffmpeg: %w", err))
	}
	if err := p.stdin.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close ffmpeg stdin: %w", err))
	}
	select {
	case <-p.done:
		if p.err != nil {
			errs = append(errs, fmt.Errorf("ffmpeg exit: %w", p.err))
		}
	case <-time.After(p.timeout):
		if err := p.cmd.Process.Kill(); err != nil {
			errs = append(errs, fmt.Errorf("kill ffmpeg: %w", err))
		}
		<-p.done
		errs = append(errs, fmt.Errorf("ffmpeg did not exit within %s, killed", p.timeout))
	}
	return errors.Join(errs...)
}
