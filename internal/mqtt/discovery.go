//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"devices-manager/internal/store"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/binary_sensor/devices_manager_reed_17/contact/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	PayloadArmAway    string   `json:"payload_arm_away,omitempty"`
	PayloadDisarm     string   `json:"payload_disarm,omitempty"`
	CodeArmRequired   *bool    `json:"code_arm_required,omitempty"`
	SupportedFeatures []string `json:"supported_features,omitempty"`
	Device            haDevice `json:"device"`
}

// Command payloads accepted on a group's /set topic.
const (
	cmdArmAway   = "ARM_AWAY"
	cmdArmForce  = "ARM_FORCE"
	cmdDisarm    = "DISARM"
	manufacturer = "devices-manager"
)

// sanitize lowercases s and keeps only characters that are safe in MQTT
// topics and HA object IDs.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, strings.ToLower(s))
}

// deviceIdentifier returns the unique identifier for HA device registry.
func deviceIdentifier(ref store.DeviceRef) string {
	return "devices_manager_" + string(ref.Kind) + "_" + sanitize(ref.Key)
}

func groupIdentifier(id string) string {
	return "devices_manager_group_" + sanitize(id)
}

// deviceTopic returns the state topic of a device.
func deviceTopic(prefix string, ref store.DeviceRef) string {
	return prefix + "/" + string(ref.Kind) + "/" + sanitize(ref.Key)
}

func groupTopic(prefix, id string) string {
	return prefix + "/group/" + sanitize(id)
}

func displayName(name string, ref store.DeviceRef) string {
	if name != "" {
		return name
	}
	return ref.String()
}

// haAlarmState maps a group status onto the HA alarm_control_panel states.
func haAlarmState(status store.GroupStatus) string {
	switch status {
	case store.GroupWaitingToListen:
		return "arming"
	case store.GroupListening:
		return "armed_away"
	case store.GroupAlarm:
		return "triggered"
	default:
		return "disarmed"
	}
}

// buildGroupDiscovery announces a group as an alarm control panel that can be
// armed and disarmed through its /set topic.
func buildGroupDiscovery(g *store.DeviceGroup, prefix string) discoveryMsg {
	nodeID := groupIdentifier(g.ID)
	stateTopic := groupTopic(prefix, g.ID)
	noCode := false
	payload := haDiscovery{
		Name:              g.Name,
		UniqueID:          nodeID + "_alarm",
		StateTopic:        stateTopic,
		CommandTopic:      stateTopic + "/set",
		AvailabilityTopic: prefix + "/bridge/state",
		ValueTemplate:     "{{ value_json.state }}",
		PayloadArmAway:    cmdArmAway,
		PayloadDisarm:     cmdDisarm,
		CodeArmRequired:   &noCode,
		SupportedFeatures: []string{"arm_away"},
		Device: haDevice{
			Identifiers:  []string{nodeID},
			Manufacturer: manufacturer,
			Model:        "Device group",
			Name:         g.Name,
		},
	}
	return discoveryMsg{
		Topic:   fmt.Sprintf("homeassistant/alarm_control_panel/%s/alarm/config", nodeID),
		Payload: mustJSON(payload),
	}
}

// buildDeviceDiscovery announces a sensor as binary sensors fed by the
// device's state topic.
func buildDeviceDiscovery(ref store.DeviceRef, name, prefix string) []discoveryMsg {
	nodeID := deviceIdentifier(ref)
	stateTopic := deviceTopic(prefix, ref)
	avail := prefix + "/bridge/state"
	display := displayName(name, ref)

	haDev := haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: manufacturer,
		Name:         display,
	}

	var msgs []discoveryMsg
	switch ref.Kind {
	case store.KindReed:
		haDev.Model = "Reed switch"
		msgs = append(msgs, buildBinarySensor(nodeID, display, stateTopic, avail, haDev,
			"contact", "Contact", "door", "OPEN"))
	case store.KindPir:
		haDev.Model = "PIR sensor"
		msgs = append(msgs, buildBinarySensor(nodeID, display, stateTopic, avail, haDev,
			"motion", "Motion", "motion", "MOVEMENT"))
	case store.KindCamera:
		haDev.Model = "RTSP camera"
		msgs = append(msgs, buildBinarySensor(nodeID, display, stateTopic, avail, haDev,
			"motion", "Motion", "motion", "MOVEMENT_DETECTED"))
		connectivity := buildBinarySensor(nodeID, display, stateTopic, avail, haDev,
			"connectivity", "Connectivity", "connectivity", "")
		msgs = append(msgs, connectivity)
	}
	return msgs
}

// buildBinarySensor maps the device's status onto ON when it equals onStatus.
// An empty onStatus means ON unless the device is unreachable.
func buildBinarySensor(nodeID, display, stateTopic, avail string, haDev haDevice,
	objectID, suffix, deviceClass, onStatus string) discoveryMsg {

	tmpl := fmt.Sprintf("{{ 'ON' if value_json.status == '%s' else 'OFF' }}", onStatus)
	if onStatus == "" {
		tmpl = "{{ 'OFF' if value_json.status == 'UNREACHABLE' else 'ON' }}"
	}
	topic := fmt.Sprintf("homeassistant/binary_sensor/%s/%s/config", nodeID, objectID)
	payload := haDiscovery{
		Name:              display + " " + suffix,
		UniqueID:          nodeID + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     tmpl,
		DeviceClass:       deviceClass,
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

// buildRemoveDiscovery generates empty retained messages that remove every
// entity published for nodeID.
func buildRemoveDiscovery(nodeID string) []discoveryMsg {
	components := []struct{ comp, obj string }{
		{"alarm_control_panel", "alarm"},
		{"binary_sensor", "contact"},
		{"binary_sensor", "motion"},
		{"binary_sensor", "connectivity"},
	}

	var msgs []discoveryMsg
	for _, c := range components {
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/%s/%s/%s/config", c.comp, nodeID, c.obj),
			Payload: nil, // empty retained = delete
		})
	}
	return msgs
}
