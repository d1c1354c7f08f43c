package monitor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"devices-manager/internal/store"
)

const (
	FrameWidth  = 640
	FrameHeight = 480
)

// FrameSource opens a decoded frame stream for a camera.
type FrameSource interface {
	Open(ctx context.Context, cam *store.Camera) (FrameStream, error)
}

// FrameStream yields frames until the stream fails.
type FrameStream interface {
	Next() (*image.RGBA, error)
	Close() error
}

// FFmpegSource decodes RTSP streams with an ffmpeg subprocess emitting raw
// rgb24 frames at 1 fps, scaled to FrameWidth x FrameHeight.
type FFmpegSource struct {
	Binary string // defaults to "ffmpeg"
	FPS    int    // defaults to 1
}

func (s *FFmpegSource) args(cam *store.Camera) []string {
	fps := s.FPS
	if fps <= 0 {
		fps = 1
	}
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-rtsp_transport", "tcp",
		"-i", cam.RTSPURL(),
		"-vf", "fps=" + strconv.Itoa(fps) + ",scale=" + strconv.Itoa(FrameWidth) + ":" + strconv.Itoa(FrameHeight),
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-",
	}
}

func (s *FFmpegSource) Open(ctx context.Context, cam *store.Camera) (FrameStream, error) {
	bin := s.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	cmd := exec.CommandContext(ctx, bin, s.args(cam)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg for %s: %w", cam.IP, err)
	}
	return &ffmpegStream{
		cmd: cmd,
		r:   bufio.NewReaderSize(stdout, FrameWidth*FrameHeight*3),
		buf: make([]byte, FrameWidth*FrameHeight*3),
	}, nil
}

type ffmpegStream struct {
	cmd *exec.Cmd
	r   io.Reader
	buf []byte

	closeOnce sync.Once
}

func (s *ffmpegStream) Next() (*image.RGBA, error) {
	if _, err := io.ReadFull(s.r, s.buf); err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}
	return rgb24ToRGBA(s.buf, FrameWidth, FrameHeight), nil
}

func (s *ffmpegStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		err = s.cmd.Wait()
	})
	// Killed on purpose; the exit status carries no information.
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

// rgb24ToRGBA converts packed RGB bytes to an opaque RGBA image.
func rgb24ToRGBA(pix []byte, w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i, j := 0, 0; i+2 < len(pix) && j+3 < len(img.Pix); i, j = i+3, j+4 {
		img.Pix[j] = pix[i]
		img.Pix[j+1] = pix[i+1]
		img.Pix[j+2] = pix[i+2]
		img.Pix[j+3] = 0xff
	}
	return img
}
