package alarm

import (
	"log/slog"

	"devices-manager/internal/events"
	"devices-manager/internal/monitor"
	"devices-manager/internal/store"
)

// Dispatcher routes monitor transitions. Every transition goes to the local
// bus; only transitions of listening devices in an armed group reach the
// controller.
type Dispatcher struct {
	store  store.Store
	ctrl   *Controller
	bus    *events.Bus
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher. bus may be nil.
func NewDispatcher(st store.Store, ctrl *Controller, bus *events.Bus, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{store: st, ctrl: ctrl, bus: bus, logger: logger.With("component", "dispatcher")}
}

// Handle is a monitor.Callback.
func (d *Dispatcher) Handle(c monitor.Change) {
	if d.bus != nil {
		d.bus.Emit(events.Message{Type: events.TypeDeviceStatus, Data: map[string]any{
			"device":   c.Device.String(),
			"kind":     string(c.Device.Kind),
			"key":      c.Device.Key,
			"name":     c.Name,
			"status":   string(c.Status),
			"previous": string(c.Previous),
			"at":       c.At.Unix(),
		}})
	}

	dev, err := d.store.GetDevice(c.Device)
	if err != nil {
		d.logger.Debug("transition of unknown device", "device", c.Device, "err", err)
		return
	}
	if !dev.Listening() {
		return
	}
	groupID := dev.GroupID()
	if groupID == "" {
		return
	}
	group, err := d.store.GetGroup(groupID)
	if err != nil {
		d.logger.Warn("load group of listening device", "device", c.Device, "group", groupID, "err", err)
		return
	}
	if group.Status != store.GroupListening && group.Status != store.GroupAlarm {
		return
	}

	// Use the stored name; the monitor's copy may predate a rename.
	c.Name = dev.Name()
	d.ctrl.OnDeviceStatusChanged(c, group)
}
