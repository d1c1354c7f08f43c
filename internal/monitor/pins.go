package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"devices-manager/internal/gpio"
	"devices-manager/internal/store"
)

const (
	DefaultReedInterval = time.Second
	DefaultPirInterval  = 500 * time.Millisecond
)

// pinEntry is one registered pin.
type pinEntry struct {
	ref    store.DeviceRef
	name   string
	pull   gpio.Pull
	decode func(gpio.Level) Status
	status Status
}

// pinPoller polls every registered pin on a fixed tick and reports changes.
// Reeds and PIR sensors each get their own poller, so one goroutine serves
// all devices of a kind.
type pinPoller struct {
	io       gpio.Reader
	interval time.Duration
	onChange Callback
	logger   *slog.Logger

	mu   sync.Mutex
	pins map[int]*pinEntry

	cancel context.CancelFunc
	done   chan struct{}
}

func newPinPoller(io gpio.Reader, interval time.Duration, onChange Callback, logger *slog.Logger) *pinPoller {
	return &pinPoller{
		io:       io,
		interval: interval,
		onChange: onChange,
		logger:   logger,
		pins:     make(map[int]*pinEntry),
	}
}

// add configures the pin and records its current status without emitting.
func (p *pinPoller) add(pin int, e *pinEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pins[pin]; ok {
		return fmt.Errorf("%s: %w", e.ref, ErrAlreadyMonitored)
	}
	status, err := p.sample(pin, e)
	if err != nil {
		return err
	}
	e.status = status
	p.pins[pin] = e
	return nil
}

// replace swaps the configuration of a registered pin, keeping its last
// status so the next poll only emits on a real change.
func (p *pinPoller) replace(pin int, e *pinEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	old, ok := p.pins[pin]
	if !ok {
		return fmt.Errorf("%s: %w", e.ref, ErrNotMonitored)
	}
	e.status = old.status
	if e.pull != old.pull {
		status, err := p.sample(pin, e)
		if err != nil {
			return err
		}
		e.status = status
	}
	p.pins[pin] = e
	return nil
}

func (p *pinPoller) remove(ref store.DeviceRef, pin int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pins[pin]; !ok {
		return fmt.Errorf("%s: %w", ref, ErrNotMonitored)
	}
	delete(p.pins, pin)
	if err := p.io.Cleanup(pin); err != nil {
		p.logger.Warn("gpio cleanup failed", "pin", pin, "err", err)
	}
	return nil
}

func (p *pinPoller) status(ref store.DeviceRef, pin int) (Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.pins[pin]
	if !ok {
		return "", fmt.Errorf("%s: %w", ref, ErrNotMonitored)
	}
	return e.status, nil
}

func (p *pinPoller) statuses() map[int]Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[int]Status, len(p.pins))
	for pin, e := range p.pins {
		out[pin] = e.status
	}
	return out
}

// sample configures and reads pin. Caller holds p.mu.
func (p *pinPoller) sample(pin int, e *pinEntry) (Status, error) {
	if err := p.io.Setup(pin, e.pull); err != nil {
		return "", fmt.Errorf("setup %s: %w", e.ref, err)
	}
	lvl, err := p.io.Read(pin)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", e.ref, err)
	}
	return e.decode(lvl), nil
}

func (p *pinPoller) start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(ctx)
}

func (p *pinPoller) stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done

	p.mu.Lock()
	defer p.mu.Unlock()
	for pin := range p.pins {
		if err := p.io.Cleanup(pin); err != nil {
			p.logger.Warn("gpio cleanup failed", "pin", pin, "err", err)
		}
	}
}

func (p *pinPoller) loop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll()
		}
	}
}

// poll reads every pin once. Callbacks run after the lock is released.
func (p *pinPoller) poll() {
	p.mu.Lock()
	pins := make([]int, 0, len(p.pins))
	for pin := range p.pins {
		pins = append(pins, pin)
	}
	sort.Ints(pins)

	var changes []Change
	for _, pin := range pins {
		if c, ok := p.pollPin(pin, p.pins[pin]); ok {
			changes = append(changes, c)
		}
	}
	p.mu.Unlock()

	for _, c := range changes {
		p.emit(c)
	}
}

// pollPin reads one pin. A read error or panic keeps the last status.
func (p *pinPoller) pollPin(pin int, e *pinEntry) (c Change, changed bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("pin poll panic", "device", e.ref, "panic", r)
			changed = false
		}
	}()

	lvl, err := p.io.Read(pin)
	if err != nil {
		p.logger.Warn("gpio read failed", "device", e.ref, "err", err)
		return Change{}, false
	}
	status := e.decode(lvl)
	if status == e.status {
		return Change{}, false
	}
	c = Change{Device: e.ref, Name: e.name, Status: status, Previous: e.status, At: time.Now()}
	e.status = status
	p.logger.Info("status changed", "device", e.ref, "from", c.Previous, "to", status)
	return c, true
}

func (p *pinPoller) emit(c Change) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("status callback panic", "device", c.Device, "panic", r)
		}
	}()
	if p.onChange != nil {
		p.onChange(c)
	}
}

// ReedStatus maps a raw pin level to OPEN or CLOSED.
//
// A vcc-wired reed drives the pin HIGH while its contact conducts (pull-down
// bias); a ground-wired one drives it LOW (pull-up bias). A normally-closed
// contact conducts while the door is open, a normally-open one while the door
// is shut.
func ReedStatus(r *store.Reed, lvl gpio.Level) Status {
	conducting := (lvl == gpio.High) == r.VCC
	if conducting == r.NormallyClosed {
		return StatusOpen
	}
	return StatusClosed
}

// ReedPull returns the bias a reed needs for its wiring.
func ReedPull(r *store.Reed) gpio.Pull {
	if r.VCC {
		return gpio.PullDown
	}
	return gpio.PullUp
}

// ReedMonitor polls magnetic contacts.
type ReedMonitor struct {
	p *pinPoller
}

// NewReedMonitor creates a reed monitor. Call Start to begin polling.
func NewReedMonitor(io gpio.Reader, interval time.Duration, onChange Callback, logger *slog.Logger) *ReedMonitor {
	if interval <= 0 {
		interval = DefaultReedInterval
	}
	return &ReedMonitor{p: newPinPoller(io, interval, onChange, logger.With("component", "reed-monitor"))}
}

func reedEntry(r *store.Reed) *pinEntry {
	cfg := *r
	return &pinEntry{
		ref:    store.ReedRef(r.Pin),
		name:   r.Name,
		pull:   ReedPull(&cfg),
		decode: func(lvl gpio.Level) Status { return ReedStatus(&cfg, lvl) },
	}
}

// Add registers a reed. Its current status is sampled but not reported.
func (m *ReedMonitor) Add(r *store.Reed) error { return m.p.add(r.Pin, reedEntry(r)) }

// Update replaces the wiring configuration of a registered reed.
func (m *ReedMonitor) Update(r *store.Reed) error { return m.p.replace(r.Pin, reedEntry(r)) }

// Remove unregisters a reed and releases its pin.
func (m *ReedMonitor) Remove(pin int) error { return m.p.remove(store.ReedRef(pin), pin) }

// Status returns the last sensed status of a reed.
func (m *ReedMonitor) Status(pin int) (Status, error) { return m.p.status(store.ReedRef(pin), pin) }

// Statuses returns the last sensed status of every reed, by pin.
func (m *ReedMonitor) Statuses() map[int]Status { return m.p.statuses() }

func (m *ReedMonitor) Start() { m.p.start() }
func (m *ReedMonitor) Stop()  { m.p.stop() }

// PirMonitor polls PIR motion sensors. HIGH means movement.
type PirMonitor struct {
	p *pinPoller
}

// NewPirMonitor creates a PIR monitor. Call Start to begin polling.
func NewPirMonitor(io gpio.Reader, interval time.Duration, onChange Callback, logger *slog.Logger) *PirMonitor {
	if interval <= 0 {
		interval = DefaultPirInterval
	}
	return &PirMonitor{p: newPinPoller(io, interval, onChange, logger.With("component", "pir-monitor"))}
}

func pirStatus(lvl gpio.Level) Status {
	if lvl == gpio.High {
		return StatusMovement
	}
	return StatusIdle
}

func pirEntry(p *store.Pir) *pinEntry {
	return &pinEntry{ref: store.PirRef(p.Pin), name: p.Name, pull: gpio.PullNone, decode: pirStatus}
}

func (m *PirMonitor) Add(p *store.Pir) error    { return m.p.add(p.Pin, pirEntry(p)) }
func (m *PirMonitor) Update(p *store.Pir) error { return m.p.replace(p.Pin, pirEntry(p)) }
func (m *PirMonitor) Remove(pin int) error      { return m.p.remove(store.PirRef(pin), pin) }

func (m *PirMonitor) Status(pin int) (Status, error) { return m.p.status(store.PirRef(pin), pin) }
func (m *PirMonitor) Statuses() map[int]Status       { return m.p.statuses() }

func (m *PirMonitor) Start() { m.p.start() }
func (m *PirMonitor) Stop()  { m.p.stop() }
