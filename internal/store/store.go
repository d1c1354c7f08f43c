package store

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist in the store.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write would violate a uniqueness or
	// ownership constraint.
	ErrConflict = errors.New("conflict")
)

// Store defines the persistence interface.
type Store interface {
	// Cameras, keyed by IP.
	GetCamera(ip string) (*Camera, error)
	ListCameras() ([]*Camera, error)
	CreateCamera(c *Camera) error
	SaveCamera(c *Camera) error
	DeleteCamera(ip string) error

	// Reeds, keyed by GPIO pin.
	GetReed(pin int) (*Reed, error)
	ListReeds() ([]*Reed, error)
	CreateReed(r *Reed) error
	SaveReed(r *Reed) error
	DeleteReed(pin int) error

	// PIR sensors, keyed by GPIO pin.
	GetPir(pin int) (*Pir, error)
	ListPirs() ([]*Pir, error)
	CreatePir(p *Pir) error
	SavePir(p *Pir) error
	DeletePir(pin int) error

	// GetDevice loads any device variant by reference.
	GetDevice(ref DeviceRef) (*Device, error)

	// UpdateListening sets the listening flag of every referenced device in a
	// single transaction. Returns ErrNotFound if any device is missing.
	UpdateListening(listening bool, refs ...DeviceRef) error

	// UpdateDevice atomically loads a device with its owning group (nil when
	// it has none) and saves whatever fn leaves in dev. The stored listening
	// flag and group membership are kept. An error from fn aborts the write.
	UpdateDevice(ref DeviceRef, fn func(dev *Device, g *DeviceGroup) error) error
	// DeleteDevice removes a device in the same transaction that check
	// accepts it.
	DeleteDevice(ref DeviceRef, check func(dev *Device, g *DeviceGroup) error) error

	// Device groups. SaveGroup and CreateGroup keep member devices' GroupID in
	// sync; a device owned by another group yields ErrConflict.
	GetGroup(id string) (*DeviceGroup, error)
	ListGroups() ([]*DeviceGroup, error)
	CreateGroup(g *DeviceGroup) error
	SaveGroup(g *DeviceGroup) error
	DeleteGroup(id string) error

	// UpdateGroup atomically reads, modifies, and saves a group's scalar fields
	// in a single transaction. Membership changes go through SaveGroup.
	UpdateGroup(id string, fn func(g *DeviceGroup) error) error

	// Recordings, keyed by ID.
	GetRecording(id string) (*Recording, error)
	ListRecordings() ([]*Recording, error)
	CreateRecording(r *Recording) error
	SaveRecording(r *Recording) error
	DeleteRecording(id string) error

	// Close the store
	Close() error
}
