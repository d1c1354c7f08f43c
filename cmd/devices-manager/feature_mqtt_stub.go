//go:build no_mqtt

package main

import (
	"log/slog"

	"devices-manager/internal/events"
	"devices-manager/internal/store"
)

type mqttStopper struct{}

func (m *mqttStopper) Start() {}
func (m *mqttStopper) Stop()  {}

func initMQTT(_ store.Store, _ *armingRef, _ *events.Bus, cfg *Config, logger *slog.Logger) (*mqttStopper, events.Publisher) {
	if cfg.MQTT.Enabled {
		logger.Warn("mqtt enabled in config but not compiled in")
	}
	return &mqttStopper{}, nil
}
