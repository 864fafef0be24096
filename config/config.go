// Package config loads the orchestrator daemon configuration. Values come
// from three layers: built-in defaults, an optional YAML file, and the
// environment, with the environment taking precedence.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/weftworks/weft/runtime/workflow/api"
)

// Engine kinds.
const (
	EngineTemporal = "temporal"
	EngineInMem    = "inmem"
)

// State store drivers.
const (
	StateDriverRedis = "redis"
	StateDriverMongo = "mongo"
)

type (
	// Config holds all daemon settings.
	Config struct {
		Service ServiceConfig `yaml:"service"`
		Engine  EngineConfig  `yaml:"engine"`
		Redis   RedisConfig   `yaml:"redis"`
		Streams StreamsConfig `yaml:"streams"`
		State   StateConfig   `yaml:"state"`
		Audit   AuditConfig   `yaml:"audit"`
		Clients ClientsConfig `yaml:"clients"`
	}

	// ServiceConfig holds the HTTP listener settings.
	ServiceConfig struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		LogLevel string `yaml:"log_level"`
	}

	// EngineConfig selects and configures the durable engine.
	EngineConfig struct {
		Kind     string         `yaml:"kind"`
		Temporal TemporalConfig `yaml:"temporal"`
	}

	// TemporalConfig holds Temporal connection settings.
	TemporalConfig struct {
		HostPort  string `yaml:"host_port"`
		Namespace string `yaml:"namespace"`
		TaskQueue string `yaml:"task_queue"`
	}

	// RedisConfig holds the connection shared by the stream transport and
	// the default state store.
	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
	}

	// StreamsConfig overrides the Redis stream names backing the pub/sub
	// topics. Empty values fall back to the sanitized topic names.
	StreamsConfig struct {
		StreamName string `yaml:"stream_name"`
		EventsName string `yaml:"events_name"`
	}

	// StateConfig selects and configures the state store backend.
	StateConfig struct {
		Driver        string `yaml:"driver"`
		MongoURI      string `yaml:"mongo_uri"`
		MongoDatabase string `yaml:"mongo_database"`
	}

	// AuditConfig configures the Postgres audit sink.
	AuditConfig struct {
		Enabled     bool   `yaml:"enabled"`
		PostgresURL string `yaml:"postgres_url"`
	}

	// ClientsConfig holds the downstream service base URLs. Agent and
	// planner URLs are optional; leaving one empty disables the
	// corresponding activities.
	ClientsConfig struct {
		FunctionRouterURL string `yaml:"function_router_url"`
		AgentServiceURL   string `yaml:"agent_service_url"`
		PlannerServiceURL string `yaml:"planner_service_url"`
	}
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Host:     "0.0.0.0",
			Port:     8080,
			LogLevel: "info",
		},
		Engine: EngineConfig{
			Kind: EngineTemporal,
			Temporal: TemporalConfig{
				HostPort:  "localhost:7233",
				Namespace: "default",
				TaskQueue: "weft-workflows",
			},
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		State: StateConfig{
			Driver:        StateDriverRedis,
			MongoURI:      "mongodb://localhost:27017",
			MongoDatabase: "weft",
		},
		Clients: ClientsConfig{
			FunctionRouterURL: "http://localhost:3000",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (or
// $CONFIG_FILE when path is empty), and finally the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Service.Host = getEnv("HOST", c.Service.Host)
	c.Service.Port = getEnvInt("PORT", c.Service.Port)
	c.Service.LogLevel = getEnv("LOG_LEVEL", c.Service.LogLevel)

	c.Engine.Kind = getEnv("ENGINE", c.Engine.Kind)
	c.Engine.Temporal.HostPort = getEnv("TEMPORAL_HOST_PORT", c.Engine.Temporal.HostPort)
	c.Engine.Temporal.Namespace = getEnv("TEMPORAL_NAMESPACE", c.Engine.Temporal.Namespace)
	c.Engine.Temporal.TaskQueue = getEnv("TEMPORAL_TASK_QUEUE", c.Engine.Temporal.TaskQueue)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)

	c.Streams.StreamName = getEnv("STREAM_STREAM_NAME", c.Streams.StreamName)
	c.Streams.EventsName = getEnv("EVENTS_STREAM_NAME", c.Streams.EventsName)

	c.State.Driver = getEnv("STATE_STORE_DRIVER", c.State.Driver)
	c.State.MongoURI = getEnv("MONGO_URI", c.State.MongoURI)
	c.State.MongoDatabase = getEnv("MONGO_DATABASE", c.State.MongoDatabase)

	c.Audit.Enabled = getEnvBool("AUDIT_ENABLED", c.Audit.Enabled)
	c.Audit.PostgresURL = getEnv("POSTGRES_URL", c.Audit.PostgresURL)

	c.Clients.FunctionRouterURL = getEnv("FUNCTION_ROUTER_URL", c.Clients.FunctionRouterURL)
	c.Clients.AgentServiceURL = getEnv("AGENT_SERVICE_URL", c.Clients.AgentServiceURL)
	c.Clients.PlannerServiceURL = getEnv("PLANNER_SERVICE_URL", c.Clients.PlannerServiceURL)
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}
	switch c.Engine.Kind {
	case EngineTemporal, EngineInMem:
	default:
		return fmt.Errorf("unknown engine %q (want %s or %s)", c.Engine.Kind, EngineTemporal, EngineInMem)
	}
	switch c.State.Driver {
	case StateDriverRedis, StateDriverMongo:
	default:
		return fmt.Errorf("unknown state store driver %q (want %s or %s)", c.State.Driver, StateDriverRedis, StateDriverMongo)
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required")
	}
	if c.State.Driver == StateDriverMongo && c.State.MongoURI == "" {
		return fmt.Errorf("mongo uri is required for the mongo state store")
	}
	if c.Audit.Enabled && c.Audit.PostgresURL == "" {
		return fmt.Errorf("postgres url is required when audit is enabled")
	}
	if c.Clients.FunctionRouterURL == "" {
		return fmt.Errorf("function router url is required")
	}
	return nil
}

// ListenAddr returns the HTTP bind address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Service.Host, c.Service.Port)
}

// StreamNames returns the per-topic stream overrides for the pulse
// transport. Topics without an override are absent from the map.
func (c *Config) StreamNames() map[string]string {
	names := make(map[string]string)
	if c.Streams.StreamName != "" {
		names[api.TopicStream] = c.Streams.StreamName
	}
	if c.Streams.EventsName != "" {
		names[api.TopicEvents] = c.Streams.EventsName
	}
	return names
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}
