// Package monitor runs the background loops that sense device state: GPIO
// polling for reeds and PIR sensors and frame analysis for cameras. Monitors
// report boundary-crossing transitions through a Callback and never return
// sensing errors to callers; failures surface only as a status.
package monitor

import (
	"fmt"
	"time"

	"devices-manager/internal/store"
)

// Status is the sensed state of a device.
type Status string

const (
	// Reed
	StatusOpen   Status = "OPEN"
	StatusClosed Status = "CLOSED"

	// PIR
	StatusMovement Status = "MOVEMENT"

	// PIR and camera
	StatusIdle Status = "IDLE"

	// Camera
	StatusMovementDetected Status = "MOVEMENT_DETECTED"
	StatusUnreachable      Status = "UNREACHABLE"
)

// Change is a single status transition.
type Change struct {
	Device   store.DeviceRef `json:"device"`
	Name     string          `json:"name"`
	Status   Status          `json:"status"`
	Previous Status          `json:"previous"`
	// Evidence is a JPEG snapshot, set only on entry into MOVEMENT_DETECTED.
	Evidence []byte    `json:"-"`
	At       time.Time `json:"at"`
}

// Qualifying reports whether the transition can raise an alarm.
func (c Change) Qualifying() bool {
	switch c.Device.Kind {
	case store.KindReed:
		return c.Status == StatusOpen
	case store.KindPir:
		return c.Status == StatusMovement
	case store.KindCamera:
		return c.Status == StatusMovementDetected
	}
	return false
}

// Callback receives transitions. It is invoked from the monitor goroutine
// and must not block for long.
type Callback func(Change)

var (
	// ErrAlreadyMonitored is returned by Add for a device that is already registered.
	ErrAlreadyMonitored = fmt.Errorf("already monitored: %w", store.ErrConflict)
	// ErrNotMonitored is returned for a device that is not registered.
	ErrNotMonitored = fmt.Errorf("not monitored: %w", store.ErrNotFound)
)
