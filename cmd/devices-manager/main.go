package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"devices-manager/internal/alarm"
	"devices-manager/internal/auth"
	"devices-manager/internal/device"
	"devices-manager/internal/events"
	"devices-manager/internal/gpio"
	"devices-manager/internal/group"
	"devices-manager/internal/monitor"
	"devices-manager/internal/recording"
	"devices-manager/internal/store"
	"devices-manager/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	GPIO struct {
		Backend string `yaml:"backend"` // "sysfs", "serial", "mock"
		Port    string `yaml:"port"`
		Baud    int    `yaml:"baud"`
	} `yaml:"gpio"`
	Cameras struct {
		FFmpeg         string        `yaml:"ffmpeg"`
		AnalysisFPS    int           `yaml:"analysis_fps"`
		RecordFPS      int           `yaml:"record_fps"`
		MotionFrames   int           `yaml:"motion_frames"`
		ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	} `yaml:"cameras"`
	Pins struct {
		ReedInterval time.Duration `yaml:"reed_interval"`
		PirInterval  time.Duration `yaml:"pir_interval"`
	} `yaml:"pins"`
	Recording struct {
		Dir            string        `yaml:"dir"`
		MinFreePercent float64       `yaml:"min_free_percent"`
		Segment        time.Duration `yaml:"segment"`
	} `yaml:"recording"`
	Alarm struct {
		StandDown     time.Duration `yaml:"stand_down"`
		RetryInterval time.Duration `yaml:"retry_interval"`
	} `yaml:"alarm"`
	MQTT struct {
		Enabled           bool          `yaml:"enabled"`
		Broker            string        `yaml:"broker"`
		Username          string        `yaml:"username"`
		Password          string        `yaml:"password"`
		ClientID          string        `yaml:"client_id"`
		TopicPrefix       string        `yaml:"topic_prefix"`
		DiscoveryInterval time.Duration `yaml:"discovery_interval"`
	} `yaml:"mqtt"`
	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Stream   string `yaml:"stream"`
		MaxLen   int64  `yaml:"max_len"`
	} `yaml:"redis"`
	Auth struct {
		URL     string        `yaml:"url"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"auth"`
	Automation struct {
		ScriptsDir string `yaml:"scripts_dir"`
		Exec       struct {
			Allowlist []string `yaml:"allowlist"`
			Timeout   string   `yaml:"timeout"`
		} `yaml:"exec"`
		Telegram struct {
			BotToken string   `yaml:"bot_token"`
			ChatIDs  []string `yaml:"chat_ids"`
		} `yaml:"telegram"`
	} `yaml:"automation"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	switch c.GPIO.Backend {
	case "sysfs", "mock":
	case "serial":
		if c.GPIO.Port == "" {
			return fmt.Errorf("gpio.port is required for the serial backend")
		}
	default:
		return fmt.Errorf("gpio.backend must be sysfs, serial or mock, got %q", c.GPIO.Backend)
	}
	if c.Alarm.StandDown <= 0 {
		return fmt.Errorf("alarm.stand_down must be positive")
	}
	if c.Recording.MinFreePercent < 0 || c.Recording.MinFreePercent >= 100 {
		return fmt.Errorf("recording.min_free_percent must be 0-99, got %v", c.Recording.MinFreePercent)
	}
	if c.Recording.Segment < time.Minute {
		return fmt.Errorf("recording.segment must be at least 1m, got %s", c.Recording.Segment)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "devices-manager",
		Short:         "Home security devices manager",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			// Temporary logger for config loading errors.
			bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

			cfg, err := loadConfig(cfgPath)
			if err != nil {
				bootLogger.Error("load config", "err", err)
				return err
			}
			if err := cfg.validate(); err != nil {
				bootLogger.Error("invalid config", "err", err)
				return err
			}
			logger := newLogger(cfg)
			slog.SetDefault(logger)
			if err := run(cfg, logger); err != nil {
				logger.Error("devices-manager failed", "err", err)
				return err
			}
			return nil
		},
	}
	root.Flags().StringVarP(&cfgPath, "config", "c", "config.yaml", "path to configuration file")
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})
	return root
}

// armingRef lets the MQTT bridge be built before the group service it
// forwards commands to.
type armingRef struct {
	svc *group.Service
}

func (a *armingRef) StartListening(id string, force bool) error {
	if a.svc == nil {
		return fmt.Errorf("group service not ready")
	}
	return a.svc.StartListening(id, force)
}

func (a *armingRef) StopListening(id string) error {
	if a.svc == nil {
		return fmt.Errorf("group service not ready")
	}
	return a.svc.StopListening(id)
}

func run(cfg *Config, logger *slog.Logger) error {
	logger.Info("devices-manager starting", "version", version)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	pins, err := gpio.New(cfg.GPIO.Backend, cfg.GPIO.Port, cfg.GPIO.Baud)
	if err != nil {
		return fmt.Errorf("open gpio: %w", err)
	}
	defer pins.Close()
	logger.Info("gpio backend ready", "backend", cfg.GPIO.Backend)

	bus := events.NewBus(logger)

	recorder := recording.NewManager(db, &recording.FFmpegCapturer{
		Binary: cfg.Cameras.FFmpeg,
		FPS:    cfg.Cameras.RecordFPS,
	}, recording.Config{
		Dir:            cfg.Recording.Dir,
		MinFreePercent: cfg.Recording.MinFreePercent,
		Segment:        cfg.Recording.Segment,
	}, logger, recording.WithBus(bus))
	if err := recorder.SweepOrphans(); err != nil {
		return fmt.Errorf("sweep recordings: %w", err)
	}

	// Outbound publishers. An alarm event blocks until every backend has
	// accepted it; the local bus always receives it for the live feed and
	// scripts.
	arming := &armingRef{}
	mqtt, mqttPub := initMQTT(db, arming, bus, cfg, logger)
	var outbound []events.Publisher
	if mqttPub != nil {
		outbound = append(outbound, mqttPub)
	}
	redisPub, err := initRedis(cfg, logger)
	if err != nil {
		mqtt.Stop()
		return err
	}
	if redisPub != nil {
		defer redisPub.Close()
		outbound = append(outbound, redisPub)
	}
	if len(outbound) == 0 {
		outbound = append(outbound, events.LogPublisher{Logger: logger.With("component", "events")})
	}
	// Each backend retries on its own so one outage does not redeliver to
	// the others.
	var pub events.Fanout
	for _, p := range outbound {
		pub = append(pub, events.NewRetrying(p, cfg.Alarm.RetryInterval, logger))
	}
	pub = append(pub, bus)

	ctrl := alarm.NewController(pub, recorder, db, cfg.Alarm.StandDown, logger)
	dispatcher := alarm.NewDispatcher(db, ctrl, bus, logger)

	camMon := monitor.NewCameraMonitor(
		&monitor.FFmpegSource{Binary: cfg.Cameras.FFmpeg, FPS: cfg.Cameras.AnalysisFPS},
		func(ip string) bool {
			cam, err := db.GetCamera(ip)
			return err == nil && cam.Listening
		},
		dispatcher.Handle, logger,
		monitor.WithMotionFrames(cfg.Cameras.MotionFrames),
		monitor.WithReconnectDelay(cfg.Cameras.ReconnectDelay),
	)
	reedMon := monitor.NewReedMonitor(pins, cfg.Pins.ReedInterval, dispatcher.Handle, logger)
	pirMon := monitor.NewPirMonitor(pins, cfg.Pins.PirInterval, dispatcher.Handle, logger)

	groups := group.NewService(db, ctrl, pub, reedMon, bus, logger)
	ctrl.SetGroups(groups)
	arming.svc = groups
	if err := groups.Recover(); err != nil {
		return fmt.Errorf("recover groups: %w", err)
	}

	devices := device.NewService(db, camMon, reedMon, pirMon, logger, device.WithRecorder(recorder))
	if err := devices.RegisterAll(); err != nil {
		return fmt.Errorf("register devices: %w", err)
	}
	reedMon.Start()
	pirMon.Start()
	mqtt.Start()

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(bus, groups, ctrl, cfg, logger)

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	if cfg.Auth.URL != "" {
		webOpts = append(webOpts, web.WithPINChecker(auth.NewClient(cfg.Auth.URL, cfg.Auth.Timeout, logger)))
	} else {
		logger.Warn("auth.url not set, start/stop listening is not PIN protected")
	}
	webOpts = append(webOpts, web.WithVersion(version))
	webOpts = append(webOpts, autoWebOpts...)

	webServer := web.NewServer(web.Deps{
		Devices:    devices,
		Groups:     groups,
		Reeds:      reedMon,
		Pirs:       pirMon,
		Cameras:    camMon,
		Recordings: recorder,
		Alarm:      ctrl,
	}, bus, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig)
	case err := <-serveErr:
		runErr = fmt.Errorf("http server: %w", err)
		logger.Error("shutting down", "err", err)
	}
	signal.Stop(sigCh)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	auto.Stop()
	reedMon.Stop()
	pirMon.Stop()
	camMon.Stop()
	groups.Close()
	ctrl.Close()
	recorder.Close()
	mqtt.Stop()

	logger.Info("goodbye")
	return runErr
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "devices-manager.db"
	}
	if cfg.GPIO.Backend == "" {
		cfg.GPIO.Backend = "sysfs"
	}
	if cfg.GPIO.Baud == 0 {
		cfg.GPIO.Baud = 115200
	}
	if cfg.Cameras.FFmpeg == "" {
		cfg.Cameras.FFmpeg = "ffmpeg"
	}
	if cfg.Recording.Dir == "" {
		cfg.Recording.Dir = recording.DefaultDir
	}
	if cfg.Recording.MinFreePercent == 0 {
		cfg.Recording.MinFreePercent = 10
	}
	if cfg.Recording.Segment == 0 {
		cfg.Recording.Segment = time.Hour
	}
	if cfg.Alarm.StandDown == 0 {
		cfg.Alarm.StandDown = alarm.DefaultStandDown
	}
	if cfg.Alarm.RetryInterval == 0 {
		cfg.Alarm.RetryInterval = time.Second
	}
	if cfg.Auth.Timeout == 0 {
		cfg.Auth.Timeout = 5 * time.Second
	}
	if cfg.Automation.ScriptsDir == "" {
		cfg.Automation.ScriptsDir = "scripts"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
