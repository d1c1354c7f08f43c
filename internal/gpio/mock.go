package gpio

import (
	"fmt"
	"sync"
)

// Mock is an in-memory backend. Pins read Low until Set.
type Mock struct {
	mu      sync.Mutex
	levels  map[int]Level
	pulls   map[int]Pull
	failing map[int]error
}

// NewMock creates an empty mock backend.
func NewMock() *Mock {
	return &Mock{
		levels:  make(map[int]Level),
		pulls:   make(map[int]Pull),
		failing: make(map[int]error),
	}
}

// Set drives pin to level.
func (m *Mock) Set(pin int, level Level) {
	m.mu.Lock()
	m.levels[pin] = level
	m.mu.Unlock()
}

// Fail makes reads of pin return err until Fail(pin, nil).
func (m *Mock) Fail(pin int, err error) {
	m.mu.Lock()
	if err == nil {
		delete(m.failing, pin)
	} else {
		m.failing[pin] = err
	}
	m.mu.Unlock()
}

// PullOf returns the bias configured for pin.
func (m *Mock) PullOf(pin int) (Pull, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pulls[pin]
	return p, ok
}

func (m *Mock) Setup(pin int, pull Pull) error {
	m.mu.Lock()
	m.pulls[pin] = pull
	m.mu.Unlock()
	return nil
}

func (m *Mock) Read(pin int) (Level, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing[pin]; err != nil {
		return Low, fmt.Errorf("read gpio %d: %w", pin, err)
	}
	return m.levels[pin], nil
}

func (m *Mock) Cleanup(pin int) error {
	m.mu.Lock()
	delete(m.pulls, pin)
	m.mu.Unlock()
	return nil
}

func (m *Mock) Close() error {
	m.mu.Lock()
	clear(m.pulls)
	m.mu.Unlock()
	return nil
}
