package store

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"time"
)

// DeviceKind tags the variant of a Device.
type DeviceKind string

const (
	KindCamera DeviceKind = "camera"
	KindReed   DeviceKind = "reed"
	KindPir    DeviceKind = "pir"
)

// DeviceRef identifies a device by kind and stable key (camera IP or GPIO pin).
type DeviceRef struct {
	Kind DeviceKind `json:"kind"`
	Key  string     `json:"key"`
}

// CameraRef returns the reference of the camera at ip.
func CameraRef(ip string) DeviceRef { return DeviceRef{Kind: KindCamera, Key: ip} }

// ReedRef returns the reference of the reed on pin.
func ReedRef(pin int) DeviceRef { return DeviceRef{Kind: KindReed, Key: strconv.Itoa(pin)} }

// PirRef returns the reference of the PIR sensor on pin.
func PirRef(pin int) DeviceRef { return DeviceRef{Kind: KindPir, Key: strconv.Itoa(pin)} }

func (r DeviceRef) String() string { return string(r.Kind) + ":" + r.Key }

// Pin returns the GPIO pin of a reed or PIR reference.
func (r DeviceRef) Pin() (int, error) {
	if r.Kind != KindReed && r.Kind != KindPir {
		return 0, fmt.Errorf("%s has no gpio pin", r)
	}
	return strconv.Atoi(r.Key)
}

// Camera is an RTSP camera.
type Camera struct {
	IP              string `json:"ip"`
	Name            string `json:"name"`
	Username        string `json:"username,omitempty"`
	Password        string `json:"password,omitempty"`
	Port            int    `json:"port"`
	Path            string `json:"path"`
	Sensibility     int    `json:"sensibility"` // minimum motion area, percent of frame
	AlwaysRecording bool   `json:"always_recording"`
	Listening       bool   `json:"listening"`
	GroupID         string `json:"group_id,omitempty"`
}

// RTSPURL builds the stream URL from the camera fields.
func (c *Camera) RTSPURL() string {
	u := url.URL{
		Scheme: "rtsp",
		Host:   c.IP,
		Path:   "/" + c.Path,
	}
	if c.Port != 0 {
		u.Host = c.IP + ":" + strconv.Itoa(c.Port)
	}
	if c.Username != "" {
		u.User = url.UserPassword(c.Username, c.Password)
	}
	return u.String()
}

// Reed is a magnetic door/window contact wired to a GPIO pin.
//
// VCC reports whether the common lead is wired to VCC (pin pulled down) or to
// ground (pin pulled up). NormallyClosed reports whether the contact conducts
// when the magnet is away.
type Reed struct {
	Pin            int    `json:"gpio_pin_number"`
	Name           string `json:"name"`
	VCC            bool   `json:"vcc"`
	NormallyClosed bool   `json:"normally_closed"`
	Listening      bool   `json:"listening"`
	GroupID        string `json:"group_id,omitempty"`
}

// Pir is a passive infrared motion sensor wired to a GPIO pin.
type Pir struct {
	Pin       int    `json:"gpio_pin_number"`
	Name      string `json:"name"`
	Listening bool   `json:"listening"`
	GroupID   string `json:"group_id,omitempty"`
}

// Device is the kind-tagged view over Camera, Reed and Pir.
// Exactly one of Camera, Reed, Pir is set, matching Ref.Kind.
type Device struct {
	Ref    DeviceRef
	Camera *Camera
	Reed   *Reed
	Pir    *Pir
}

func (d *Device) Name() string {
	switch d.Ref.Kind {
	case KindCamera:
		return d.Camera.Name
	case KindReed:
		return d.Reed.Name
	case KindPir:
		return d.Pir.Name
	}
	return d.Ref.String()
}

func (d *Device) Listening() bool {
	switch d.Ref.Kind {
	case KindCamera:
		return d.Camera.Listening
	case KindReed:
		return d.Reed.Listening
	case KindPir:
		return d.Pir.Listening
	}
	return false
}

func (d *Device) GroupID() string {
	switch d.Ref.Kind {
	case KindCamera:
		return d.Camera.GroupID
	case KindReed:
		return d.Reed.GroupID
	case KindPir:
		return d.Pir.GroupID
	}
	return ""
}

// GroupStatus is the arming state of a device group.
type GroupStatus string

const (
	GroupIdle            GroupStatus = "IDLE"
	GroupWaitingToListen GroupStatus = "WAITING_TO_START_LISTENING"
	GroupListening       GroupStatus = "LISTENING"
	GroupAlarm           GroupStatus = "ALARM"
)

// DeviceGroup is an alarm zone.
type DeviceGroup struct {
	ID               string      `json:"id"`
	Name             string      `json:"name"`
	WaitToStartAlarm int         `json:"wait_to_start_alarm"` // seconds
	WaitToFireAlarm  int         `json:"wait_to_fire_alarm"`  // seconds
	Status           GroupStatus `json:"status"`
	Cameras          []string    `json:"cameras"`
	Reeds            []int       `json:"reeds"`
	Pirs             []int       `json:"pirs"`
}

// Devices returns references to every member device.
func (g *DeviceGroup) Devices() []DeviceRef {
	refs := make([]DeviceRef, 0, len(g.Cameras)+len(g.Reeds)+len(g.Pirs))
	for _, ip := range g.Cameras {
		refs = append(refs, CameraRef(ip))
	}
	for _, pin := range g.Reeds {
		refs = append(refs, ReedRef(pin))
	}
	for _, pin := range g.Pirs {
		refs = append(refs, PirRef(pin))
	}
	return refs
}

// Recording is a video capture made by a camera. CameraIP is a soft link:
// deleting the camera keeps its recordings.
type Recording struct {
	ID          string    `json:"id"`
	CameraIP    string    `json:"camera_ip"`
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	IsCompleted bool      `json:"is_completed"`
	StartedAt   time.Time `json:"started_at"`
	StoppedAt   time.Time `json:"stopped_at,omitzero"`
}

// FilePath is the absolute location of the recording file.
func (r *Recording) FilePath() string {
	return filepath.Join(r.Path, r.Name)
}
