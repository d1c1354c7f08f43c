// Package gpio reads digital input pins for the reed and PIR monitors.
// Backends: Linux sysfs, a serial GPIO bridge (microcontroller over UART),
// and an in-memory mock for development hosts without GPIO.
package gpio

import "fmt"

// Level is a digital pin level.
type Level uint8

const (
	Low  Level = 0
	High Level = 1
)

func (l Level) String() string {
	if l == High {
		return "HIGH"
	}
	return "LOW"
}

// Pull selects the pin's internal bias resistor.
type Pull uint8

const (
	PullNone Pull = iota
	PullUp
	PullDown
)

func (p Pull) String() string {
	switch p {
	case PullUp:
		return "up"
	case PullDown:
		return "down"
	default:
		return "none"
	}
}

// Reader is the abstract interface for a GPIO backend.
type Reader interface {
	// Setup configures pin as an input with the given bias.
	Setup(pin int, pull Pull) error
	// Read samples the current level of an input pin.
	Read(pin int) (Level, error)
	// Cleanup releases a single pin.
	Cleanup(pin int) error
	// Close releases every pin and the backend itself.
	Close() error
}

// New creates the backend named by kind ("sysfs", "serial", "mock").
func New(kind, port string, baud int) (Reader, error) {
	switch kind {
	case "sysfs", "":
		return NewSysfs(DefaultSysfsRoot), nil
	case "serial":
		return OpenSerialBridge(port, baud)
	case "mock":
		return NewMock(), nil
	default:
		return nil, fmt.Errorf("unknown gpio backend: %q (supported: sysfs, serial, mock)", kind)
	}
}
