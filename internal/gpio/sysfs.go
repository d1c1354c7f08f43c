package gpio

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// DefaultSysfsRoot is the kernel's legacy GPIO class directory.
const DefaultSysfsRoot = "/sys/class/gpio"

// Sysfs reads pins through the legacy /sys/class/gpio interface.
// The interface cannot select bias resistors; wiring must provide them
// (or the board's device tree), so Setup only exports and sets direction.
type Sysfs struct {
	root string

	mu       sync.Mutex
	exported map[int]bool
}

// NewSysfs creates a sysfs backend rooted at root.
func NewSysfs(root string) *Sysfs {
	return &Sysfs{root: root, exported: make(map[int]bool)}
}

func (s *Sysfs) pinDir(pin int) string {
	return filepath.Join(s.root, "gpio"+strconv.Itoa(pin))
}

func (s *Sysfs) Setup(pin int, _ Pull) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exported[pin] {
		return nil
	}

	if _, err := os.Stat(s.pinDir(pin)); errors.Is(err, fs.ErrNotExist) {
		if err := os.WriteFile(filepath.Join(s.root, "export"), []byte(strconv.Itoa(pin)), 0o200); err != nil {
			return fmt.Errorf("export gpio %d: %w", pin, err)
		}
	}
	if err := os.WriteFile(filepath.Join(s.pinDir(pin), "direction"), []byte("in"), 0o200); err != nil {
		return fmt.Errorf("set gpio %d direction: %w", pin, err)
	}
	s.exported[pin] = true
	return nil
}

func (s *Sysfs) Read(pin int) (Level, error) {
	data, err := os.ReadFile(filepath.Join(s.pinDir(pin), "value"))
	if err != nil {
		return Low, fmt.Errorf("read gpio %d: %w", pin, err)
	}
	switch string(bytes.TrimSpace(data)) {
	case "1":
		return High, nil
	case "0":
		return Low, nil
	default:
		return Low, fmt.Errorf("read gpio %d: unexpected value %q", pin, data)
	}
}

func (s *Sysfs) Cleanup(pin int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.exported[pin] {
		return nil
	}
	delete(s.exported, pin)
	if err := os.WriteFile(filepath.Join(s.root, "unexport"), []byte(strconv.Itoa(pin)), 0o200); err != nil {
		return fmt.Errorf("unexport gpio %d: %w", pin, err)
	}
	return nil
}

func (s *Sysfs) Close() error {
	s.mu.Lock()
	pins := make([]int, 0, len(s.exported))
	for pin := range s.exported {
		pins = append(pins, pin)
	}
	s.mu.Unlock()

	var errs []error
	for _, pin := range pins {
		if err := s.Cleanup(pin); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
