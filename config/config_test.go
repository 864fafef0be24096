package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/weftworks/weft/runtime/workflow/api"
)

var configKeys = []string{
	"HOST", "PORT", "LOG_LEVEL", "ENGINE",
	"TEMPORAL_HOST_PORT", "TEMPORAL_NAMESPACE", "TEMPORAL_TASK_QUEUE",
	"REDIS_ADDR", "REDIS_PASSWORD",
	"STREAM_STREAM_NAME", "EVENTS_STREAM_NAME",
	"STATE_STORE_DRIVER", "MONGO_URI", "MONGO_DATABASE",
	"AUDIT_ENABLED", "POSTGRES_URL",
	"FUNCTION_ROUTER_URL", "AGENT_SERVICE_URL", "PLANNER_SERVICE_URL",
	"CONFIG_FILE",
}

// clearEnv isolates a test from the ambient environment.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range configKeys {
		t.Setenv(k, "")
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0", cfg.Service.Host)
	require.Equal(t, 8080, cfg.Service.Port)
	require.Equal(t, "info", cfg.Service.LogLevel)
	require.Equal(t, EngineTemporal, cfg.Engine.Kind)
	require.Equal(t, "localhost:7233", cfg.Engine.Temporal.HostPort)
	require.Equal(t, "default", cfg.Engine.Temporal.Namespace)
	require.Equal(t, "weft-workflows", cfg.Engine.Temporal.TaskQueue)
	require.Equal(t, "localhost:6379", cfg.Redis.Addr)
	require.Equal(t, StateDriverRedis, cfg.State.Driver)
	require.Equal(t, "http://localhost:3000", cfg.Clients.FunctionRouterURL)
	require.False(t, cfg.Audit.Enabled)
	require.Equal(t, "0.0.0.0:8080", cfg.ListenAddr())
	require.Empty(t, cfg.StreamNames())
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("HOST", "127.0.0.1")
	t.Setenv("PORT", "9200")
	t.Setenv("ENGINE", "inmem")
	t.Setenv("TEMPORAL_TASK_QUEUE", "orchestrator")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("REDIS_PASSWORD", "hunter2")
	t.Setenv("STATE_STORE_DRIVER", "mongo")
	t.Setenv("MONGO_URI", "mongodb://mongo:27017")
	t.Setenv("MONGO_DATABASE", "orchestrator")
	t.Setenv("AUDIT_ENABLED", "true")
	t.Setenv("POSTGRES_URL", "postgres://weft@pg/audit")
	t.Setenv("FUNCTION_ROUTER_URL", "http://router:3000")
	t.Setenv("AGENT_SERVICE_URL", "http://agents:8100")
	t.Setenv("PLANNER_SERVICE_URL", "http://planner:8200")

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1:9200", cfg.ListenAddr())
	require.Equal(t, EngineInMem, cfg.Engine.Kind)
	require.Equal(t, "orchestrator", cfg.Engine.Temporal.TaskQueue)
	require.Equal(t, "redis:6379", cfg.Redis.Addr)
	require.Equal(t, "hunter2", cfg.Redis.Password)
	require.Equal(t, StateDriverMongo, cfg.State.Driver)
	require.Equal(t, "mongodb://mongo:27017", cfg.State.MongoURI)
	require.Equal(t, "orchestrator", cfg.State.MongoDatabase)
	require.True(t, cfg.Audit.Enabled)
	require.Equal(t, "postgres://weft@pg/audit", cfg.Audit.PostgresURL)
	require.Equal(t, "http://router:3000", cfg.Clients.FunctionRouterURL)
	require.Equal(t, "http://agents:8100", cfg.Clients.AgentServiceURL)
	require.Equal(t, "http://planner:8200", cfg.Clients.PlannerServiceURL)
}

func TestYAMLFileMergedBeneathEnv(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "weft.yaml")
	doc := `
service:
  port: 9300
  log_level: debug
engine:
  kind: inmem
streams:
  events_name: wf-events
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	t.Setenv("PORT", "9400")

	cfg, err := Load(path)
	require.NoError(t, err)

	// Env wins over the file; file wins over defaults.
	require.Equal(t, 9400, cfg.Service.Port)
	require.Equal(t, "debug", cfg.Service.LogLevel)
	require.Equal(t, EngineInMem, cfg.Engine.Kind)
	require.Equal(t, "wf-events", cfg.Streams.EventsName)
	// Untouched fields keep their defaults.
	require.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestConfigFileFromEnv(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "weft.yaml")
	require.NoError(t, os.WriteFile(path, []byte("service:\n  port: 9500\n"), 0o600))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 9500, cfg.Service.Port)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("service: [\n"), 0o600))
	_, err := Load(path)
	require.ErrorContains(t, err, "parse config file")
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad port", func(c *Config) { c.Service.Port = 0 }, "invalid port"},
		{"bad engine", func(c *Config) { c.Engine.Kind = "dapr" }, "unknown engine"},
		{"bad driver", func(c *Config) { c.State.Driver = "dynamo" }, "unknown state store driver"},
		{"no redis", func(c *Config) { c.Redis.Addr = "" }, "redis address is required"},
		{"audit without postgres", func(c *Config) { c.Audit.Enabled = true }, "postgres url is required"},
		{"no router", func(c *Config) { c.Clients.FunctionRouterURL = "" }, "function router url is required"},
		{"mongo without uri", func(c *Config) {
			c.State.Driver = StateDriverMongo
			c.State.MongoURI = ""
		}, "mongo uri is required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestStreamNames(t *testing.T) {
	cfg := Default()
	cfg.Streams.StreamName = "ui-stream"

	names := cfg.StreamNames()
	require.Equal(t, map[string]string{api.TopicStream: "ui-stream"}, names)

	cfg.Streams.EventsName = "bridge-events"
	require.Equal(t, "bridge-events", cfg.StreamNames()[api.TopicEvents])
}
