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

	"gopkg.in/yaml.v3"

	"airzone-ha-bridge/internal/airzone"
	"airzone-ha-bridge/internal/bridge"
	"airzone-ha-bridge/internal/hass"
	"airzone-ha-bridge/internal/model"
	"airzone-ha-bridge/internal/mqtt"
	"airzone-ha-bridge/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	MQTT struct {
		Broker   string `yaml:"broker"`
		ClientID string `yaml:"client_id"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
	} `yaml:"mqtt"`
	Airzone struct {
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"airzone"`
	HomeAssistant struct {
		DiscoveryPrefix string `yaml:"discovery_prefix"`
		RetainState     *bool  `yaml:"retain_state"`
	} `yaml:"homeassistant"`
	Bridge struct {
		AvailabilityTopic string `yaml:"availability_topic"`
		CommandTimeout    string `yaml:"command_timeout"`
		PollInterval      string `yaml:"poll_interval"`
	} `yaml:"bridge"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	FamiliesDir string `yaml:"families_dir"`
}

func (c *Config) validate() error {
	if c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required")
	}
	if strings.HasSuffix(c.Airzone.TopicPrefix, "/") {
		return fmt.Errorf("airzone.topic_prefix must not end with /")
	}
	if _, err := time.ParseDuration(c.Bridge.CommandTimeout); err != nil {
		return fmt.Errorf("bridge.command_timeout: %w", err)
	}
	if _, err := time.ParseDuration(c.Bridge.PollInterval); err != nil {
		return fmt.Errorf("bridge.poll_interval: %w", err)
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("airzone-ha-bridge starting", "version", version)

	// Load device family definitions (mode vocabularies, setpoint ranges).
	families, err := airzone.LoadFamilyDir(cfg.FamiliesDir, logger)
	if err != nil {
		logger.Error("load device families", "err", err)
		os.Exit(1)
	}
	logger.Info("device families loaded", "count", families.Len())

	commandTimeout, _ := time.ParseDuration(cfg.Bridge.CommandTimeout)
	pollInterval, _ := time.ParseDuration(cfg.Bridge.PollInterval)

	client := mqtt.NewClient(mqtt.Config{
		Broker:            cfg.MQTT.Broker,
		ClientID:          cfg.MQTT.ClientID,
		Username:          cfg.MQTT.Username,
		Password:          cfg.MQTT.Password,
		AvailabilityTopic: cfg.Bridge.AvailabilityTopic,
	}, logger)

	events := bridge.NewEventBus(logger.With("component", "events"))
	engine := bridge.New(bridge.Config{
		AirzonePrefix:   cfg.Airzone.TopicPrefix,
		DiscoveryPrefix: cfg.HomeAssistant.DiscoveryPrefix,
		CommandTimeout:  commandTimeout,
		PollInterval:    pollInterval,
		RetainState:     *cfg.HomeAssistant.RetainState,
	}, client, model.NewRegistry(), families, events, logger.With("component", "bridge"))

	// Register subscriptions before connecting so the first OnConnect
	// restores them all.
	if err := engine.Start(); err != nil {
		logger.Error("start engine", "err", err)
		os.Exit(1)
	}

	if err := client.Connect(); err != nil {
		logger.Error("connect broker", "err", err)
		engine.Stop()
		os.Exit(1)
	}

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))

	webServer := web.NewServer(engine, events, logger.With("component", "web"), webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	engine.Stop()
	client.Close()

	logger.Info("goodbye")
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
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "airzone-ha-bridge"
	}
	if cfg.Airzone.TopicPrefix == "" {
		cfg.Airzone.TopicPrefix = "airzone/az"
	}
	if cfg.HomeAssistant.DiscoveryPrefix == "" {
		cfg.HomeAssistant.DiscoveryPrefix = hass.DefaultPrefix
	}
	if cfg.HomeAssistant.RetainState == nil {
		retain := true
		cfg.HomeAssistant.RetainState = &retain
	}
	if cfg.Bridge.AvailabilityTopic == "" {
		cfg.Bridge.AvailabilityTopic = "airzone-ha-bridge/bridge/state"
	}
	if cfg.Bridge.CommandTimeout == "" {
		cfg.Bridge.CommandTimeout = "10s"
	}
	if cfg.Bridge.PollInterval == "" {
		cfg.Bridge.PollInterval = "5m"
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.FamiliesDir == "" {
		cfg.FamiliesDir = "families"
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
