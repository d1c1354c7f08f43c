package gpio

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// SerialBridge talks to a microcontroller that exposes its pins over a
// line-oriented UART protocol:
//
//	M <pin> <U|D|N>  -> OK      configure input with pull up/down/none
//	R <pin>          -> 0 | 1   read level
//	C <pin>          -> OK      release pin
//
// Errors are reported as "ERR <message>".
type SerialBridge struct {
	mu     sync.Mutex
	port   io.ReadWriteCloser
	reader *bufio.Reader
}

const serialReadTimeout = 500 * time.Millisecond

// OpenSerialBridge opens portName and returns a bridge backend.
func OpenSerialBridge(portName string, baudRate int) (*SerialBridge, error) {
	if baudRate == 0 {
		baudRate = 115200
	}
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("gpio bridge: open %s: %w", portName, err)
	}
	if err := port.SetReadTimeout(serialReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("gpio bridge: set read timeout: %w", err)
	}
	// USB CDC ACM boards wait for DTR before talking.
	_ = port.SetDTR(true)
	return newSerialBridge(port), nil
}

func newSerialBridge(rw io.ReadWriteCloser) *SerialBridge {
	return &SerialBridge{port: rw, reader: bufio.NewReader(rw)}
}

// request writes one command line and returns the trimmed response line.
func (b *SerialBridge) request(cmd string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := io.WriteString(b.port, cmd+"\n"); err != nil {
		return "", fmt.Errorf("gpio bridge: write %q: %w", cmd, err)
	}
	line, err := b.reader.ReadString('\n')
	if err != nil {
		// A read timeout surfaces as io.EOF with a partial line; drop it so the
		// next request starts aligned.
		b.reader.Reset(b.port)
		return "", fmt.Errorf("gpio bridge: read response to %q: %w", cmd, err)
	}
	line = strings.TrimSpace(line)
	if msg, ok := strings.CutPrefix(line, "ERR"); ok {
		return "", fmt.Errorf("gpio bridge: %q: %s", cmd, strings.TrimSpace(msg))
	}
	return line, nil
}

func (b *SerialBridge) Setup(pin int, pull Pull) error {
	mode := "N"
	switch pull {
	case PullUp:
		mode = "U"
	case PullDown:
		mode = "D"
	}
	resp, err := b.request("M " + strconv.Itoa(pin) + " " + mode)
	if err != nil {
		return err
	}
	if resp != "OK" {
		return fmt.Errorf("gpio bridge: setup pin %d: unexpected response %q", pin, resp)
	}
	return nil
}

func (b *SerialBridge) Read(pin int) (Level, error) {
	resp, err := b.request("R " + strconv.Itoa(pin))
	if err != nil {
		return Low, err
	}
	switch resp {
	case "1":
		return High, nil
	case "0":
		return Low, nil
	default:
		return Low, fmt.Errorf("gpio bridge: read pin %d: unexpected response %q", pin, resp)
	}
}

func (b *SerialBridge) Cleanup(pin int) error {
	_, err := b.request("C " + strconv.Itoa(pin))
	return err
}

func (b *SerialBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.port.Close()
}
