//go:build !no_mqtt

package main

import (
	"log/slog"

	"devices-manager/internal/events"
	mqttbridge "devices-manager/internal/mqtt"
)

type mqttStopper struct {
	bridge *mqttbridge.Bridge
}

func (m *mqttStopper) Start() {
	if m.bridge != nil {
		m.bridge.Start()
	}
}

func (m *mqttStopper) Stop() {
	if m.bridge != nil {
		m.bridge.Stop()
	}
}

// initMQTT connects the bridge. The returned publisher is nil when MQTT is
// disabled or the broker could not be reached at boot.
func initMQTT(inv mqttbridge.Inventory, arming mqttbridge.Arming, bus *events.Bus, cfg *Config, logger *slog.Logger) (*mqttStopper, events.Publisher) {
	if !cfg.MQTT.Enabled {
		return &mqttStopper{}, nil
	}
	bridge, err := mqttbridge.NewBridge(inv, arming, bus, mqttbridge.Config{
		Broker:            cfg.MQTT.Broker,
		Username:          cfg.MQTT.Username,
		Password:          cfg.MQTT.Password,
		ClientID:          cfg.MQTT.ClientID,
		TopicPrefix:       cfg.MQTT.TopicPrefix,
		DiscoveryInterval: cfg.MQTT.DiscoveryInterval,
	}, logger)
	if err != nil {
		logger.Error("mqtt bridge", "err", err)
		return &mqttStopper{}, nil
	}
	return &mqttStopper{bridge: bridge}, bridge
}
