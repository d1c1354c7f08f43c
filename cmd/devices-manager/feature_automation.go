//go:build !no_automation

package main

import (
	"log/slog"
	"time"

	"devices-manager/internal/automation"
	"devices-manager/internal/events"
	"devices-manager/internal/web"
)

type autoStopper struct {
	engine *automation.Engine
}

func (a *autoStopper) Stop() {
	if a.engine != nil {
		a.engine.Stop()
	}
}

func initAutomation(bus *events.Bus, groups automation.Groups, alarm automation.AlarmStopper, cfg *Config, logger *slog.Logger) (*autoStopper, []web.ServerOption) {
	scriptMgr, err := automation.NewManager(cfg.Automation.ScriptsDir, logger)
	if err != nil {
		logger.Error("create script manager", "err", err)
		return &autoStopper{}, nil
	}

	execTimeout := 10 * time.Second
	if cfg.Automation.Exec.Timeout != "" {
		if d, err := time.ParseDuration(cfg.Automation.Exec.Timeout); err == nil {
			execTimeout = d
		} else {
			logger.Warn("invalid automation.exec.timeout, using default", "value", cfg.Automation.Exec.Timeout, "default", execTimeout)
		}
	}

	engine := automation.NewEngine(bus, groups, alarm, scriptMgr, logger,
		automation.SystemConfig{
			ExecAllowlist: cfg.Automation.Exec.Allowlist,
			ExecTimeout:   execTimeout,
		},
		automation.TelegramConfig{
			BotToken: cfg.Automation.Telegram.BotToken,
			ChatIDs:  cfg.Automation.Telegram.ChatIDs,
		},
	)
	engine.Start()

	opts := []web.ServerOption{
		web.WithAutomation(engine, scriptMgr),
	}
	return &autoStopper{engine: engine}, opts
}
