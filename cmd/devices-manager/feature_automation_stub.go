//go:build no_automation

package main

import (
	"log/slog"

	"devices-manager/internal/events"
	"devices-manager/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *events.Bus, _, _ any, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
