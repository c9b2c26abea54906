// Package config provides configuration management for Ottobot.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Mode selects the process role.
const (
	ModeAPI    = "api"
	ModeWorker = "worker"
)

// Config holds all configuration sections for Ottobot.
type Config struct {
	Mode      string          `mapstructure:"mode"`
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Session   SessionConfig   `mapstructure:"session"`
	Ports     PortsConfig     `mapstructure:"ports"`
	Container ContainerConfig `mapstructure:"container"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	PublicHost   string `mapstructure:"publicHost"` // host advertised in desktop/chat URLs
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// StoreConfig holds coordination store connection configuration.
type StoreConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// WorkerConfig holds worker runtime configuration.
type WorkerConfig struct {
	Concurrency          int `mapstructure:"concurrency"`
	MaxSessionsPerWorker int `mapstructure:"maxSessionsPerWorker"`
	HeartbeatInterval    int `mapstructure:"heartbeatInterval"` // in seconds
	RegistrationTTL      int `mapstructure:"registrationTtl"`   // in seconds
	DrainTimeout         int `mapstructure:"drainTimeout"`      // in seconds
}

// SessionConfig holds session lifecycle configuration.
type SessionConfig struct {
	Timeout    int `mapstructure:"timeout"`    // session TTL in seconds
	PurgeDelay int `mapstructure:"purgeDelay"` // grace window after Terminated, in seconds
}

// PortsConfig holds the two exclusive allocator ranges.
type PortsConfig struct {
	DesktopStart    int `mapstructure:"desktopStart"`
	DesktopEnd      int `mapstructure:"desktopEnd"`
	ToolStart       int `mapstructure:"toolStart"`
	ToolEnd         int `mapstructure:"toolEnd"`
	Lease           int `mapstructure:"lease"`           // safety TTL in seconds
	ReclaimInterval int `mapstructure:"reclaimInterval"` // reaper period in seconds
}

// ContainerConfig holds sandbox runtime configuration.
type ContainerConfig struct {
	Host        string `mapstructure:"host"` // docker daemon address
	AgentImage  string `mapstructure:"agentImage"`
	Network     string `mapstructure:"network"`
	MemoryLimit string `mapstructure:"memoryLimit"` // e.g. "2g"
	CPULimit    float64 `mapstructure:"cpuLimit"`   // CPUs, e.g. 1.5
	DataDir     string `mapstructure:"dataDir"`     // host dir for workspace bind mounts
	StaleAge    int    `mapstructure:"staleAge"`    // reap containers older than this, in seconds
}

// GatewayConfig holds frontend gateway configuration.
type GatewayConfig struct {
	CORSOrigins []string `mapstructure:"corsOrigins"`
	RateLimit   int      `mapstructure:"rateLimit"`  // requests per minute per client, 0 = off
	RateBurst   int      `mapstructure:"rateBurst"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Addr returns the store address in host:port form.
func (s *StoreConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// TimeoutDuration returns the session TTL as a time.Duration.
func (s *SessionConfig) TimeoutDuration() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}

// PurgeDelayDuration returns the post-terminate grace window as a time.Duration.
func (s *SessionConfig) PurgeDelayDuration() time.Duration {
	return time.Duration(s.PurgeDelay) * time.Second
}

// LeaseDuration returns the port safety TTL as a time.Duration.
func (p *PortsConfig) LeaseDuration() time.Duration {
	return time.Duration(p.Lease) * time.Second
}

// ReclaimIntervalDuration returns the reaper period as a time.Duration.
func (p *PortsConfig) ReclaimIntervalDuration() time.Duration {
	return time.Duration(p.ReclaimInterval) * time.Second
}

// StaleAgeDuration returns the stale-container age as a time.Duration.
func (c *ContainerConfig) StaleAgeDuration() time.Duration {
	return time.Duration(c.StaleAge) * time.Second
}

// HeartbeatIntervalDuration returns the heartbeat period as a time.Duration.
func (w *WorkerConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(w.HeartbeatInterval) * time.Second
}

// RegistrationTTLDuration returns the worker registration TTL as a time.Duration.
func (w *WorkerConfig) RegistrationTTLDuration() time.Duration {
	return time.Duration(w.RegistrationTTL) * time.Second
}

// DrainTimeoutDuration returns the graceful drain bound as a time.Duration.
func (w *WorkerConfig) DrainTimeoutDuration() time.Duration {
	return time.Duration(w.DrainTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("OTTOBOT_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", ModeAPI)

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.publicHost", "localhost")
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Store defaults
	v.SetDefault("store.host", "localhost")
	v.SetDefault("store.port", 6379)
	v.SetDefault("store.password", "")
	v.SetDefault("store.db", 0)

	// Worker defaults
	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.maxSessionsPerWorker", 10)
	v.SetDefault("worker.heartbeatInterval", 60)
	v.SetDefault("worker.registrationTtl", 300)
	v.SetDefault("worker.drainTimeout", 30)

	// Session defaults
	v.SetDefault("session.timeout", 3600)
	v.SetDefault("session.purgeDelay", 300)

	// Port allocator defaults
	v.SetDefault("ports.desktopStart", 6080)
	v.SetDefault("ports.desktopEnd", 6200)
	v.SetDefault("ports.toolStart", 8080)
	v.SetDefault("ports.toolEnd", 8200)
	v.SetDefault("ports.lease", 7200)
	v.SetDefault("ports.reclaimInterval", 60)

	// Container defaults
	v.SetDefault("container.host", "unix:///var/run/docker.sock")
	v.SetDefault("container.agentImage", "ottobot/agent-sandbox:latest")
	v.SetDefault("container.network", "bridge")
	v.SetDefault("container.memoryLimit", "2g")
	v.SetDefault("container.cpuLimit", 1.0)
	v.SetDefault("container.dataDir", "/var/lib/ottobot")
	v.SetDefault("container.staleAge", 7200)

	// Gateway defaults
	v.SetDefault("gateway.corsOrigins", []string{"*"})
	v.SetDefault("gateway.rateLimit", 0)
	v.SetDefault("gateway.rateBurst", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix OTTOBOT_ with snake_case naming; the
// documented bare deployment variables (API_PORT, STORE_HOST, ...) are bound
// explicitly as aliases.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("OTTOBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bare env names are the documented deployment surface; OTTOBOT_* variants
	// exist for the prefix-only convention.
	_ = v.BindEnv("mode", "MODE", "OTTOBOT_MODE")
	_ = v.BindEnv("server.host", "API_HOST", "OTTOBOT_SERVER_HOST")
	_ = v.BindEnv("server.port", "API_PORT", "OTTOBOT_SERVER_PORT")
	_ = v.BindEnv("server.publicHost", "PUBLIC_HOST", "OTTOBOT_SERVER_PUBLIC_HOST")
	_ = v.BindEnv("store.host", "STORE_HOST", "OTTOBOT_STORE_HOST")
	_ = v.BindEnv("store.port", "STORE_PORT", "OTTOBOT_STORE_PORT")
	_ = v.BindEnv("store.password", "STORE_PASSWORD", "OTTOBOT_STORE_PASSWORD")
	_ = v.BindEnv("worker.concurrency", "WORKER_CONCURRENCY", "OTTOBOT_WORKER_CONCURRENCY")
	_ = v.BindEnv("worker.maxSessionsPerWorker", "MAX_SESSIONS_PER_WORKER", "OTTOBOT_WORKER_MAX_SESSIONS_PER_WORKER")
	_ = v.BindEnv("session.timeout", "SESSION_TIMEOUT", "OTTOBOT_SESSION_TIMEOUT")
	_ = v.BindEnv("ports.desktopStart", "DESKTOP_PORT_RANGE_START", "OTTOBOT_PORTS_DESKTOP_START")
	_ = v.BindEnv("ports.desktopEnd", "DESKTOP_PORT_RANGE_END", "OTTOBOT_PORTS_DESKTOP_END")
	_ = v.BindEnv("ports.toolStart", "TOOL_PORT_RANGE_START", "OTTOBOT_PORTS_TOOL_START")
	_ = v.BindEnv("ports.toolEnd", "TOOL_PORT_RANGE_END", "OTTOBOT_PORTS_TOOL_END")
	_ = v.BindEnv("container.memoryLimit", "CONTAINER_MEMORY_LIMIT", "OTTOBOT_CONTAINER_MEMORY_LIMIT")
	_ = v.BindEnv("container.cpuLimit", "CONTAINER_CPU_LIMIT", "OTTOBOT_CONTAINER_CPU_LIMIT")
	_ = v.BindEnv("container.network", "CONTAINER_NETWORK", "OTTOBOT_CONTAINER_NETWORK")
	_ = v.BindEnv("container.agentImage", "AGENT_IMAGE", "OTTOBOT_CONTAINER_AGENT_IMAGE")
	_ = v.BindEnv("gateway.corsOrigins", "CORS_ORIGINS", "OTTOBOT_GATEWAY_CORS_ORIGINS")
	_ = v.BindEnv("logging.level", "LOG_LEVEL", "OTTOBOT_LOGGING_LEVEL")
	_ = v.BindEnv("logging.format", "LOG_FORMAT", "OTTOBOT_LOGGING_FORMAT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/ottobot/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Mode != ModeAPI && cfg.Mode != ModeWorker {
		errs = append(errs, "mode must be one of: api, worker")
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Store.Port <= 0 || cfg.Store.Port > 65535 {
		errs = append(errs, "store.port must be between 1 and 65535")
	}

	if cfg.Worker.Concurrency <= 0 {
		errs = append(errs, "worker.concurrency must be positive")
	}

	if cfg.Session.Timeout <= 0 {
		errs = append(errs, "session.timeout must be positive")
	}

	if err := validateRange("ports.desktop", cfg.Ports.DesktopStart, cfg.Ports.DesktopEnd); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateRange("ports.tool", cfg.Ports.ToolStart, cfg.Ports.ToolEnd); err != nil {
		errs = append(errs, err.Error())
	}
	// The two ranges back disjoint allocators; overlap would let one session's
	// desktop port collide with another's tool port.
	if cfg.Ports.DesktopStart <= cfg.Ports.ToolEnd && cfg.Ports.ToolStart <= cfg.Ports.DesktopEnd {
		errs = append(errs, "desktop and tool port ranges must not overlap")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

func validateRange(name string, lo, hi int) error {
	if lo <= 0 || hi > 65535 || lo > hi {
		return fmt.Errorf("%s range [%d, %d] is invalid", name, lo, hi)
	}
	return nil
}
