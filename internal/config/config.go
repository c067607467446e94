package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Store     StoreConfig     `yaml:"store"`
	NATS      NATSConfig      `yaml:"nats"`
	Engine    EngineConfig    `yaml:"engine"`
	Web       WebConfig       `yaml:"web"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Agents    AgentsConfig    `yaml:"agents"`
	Log       LogConfig       `yaml:"log"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type EngineConfig struct {
	InvokeTimeout time.Duration `yaml:"invoke_timeout"`
	MaxParallel   int           `yaml:"max_parallel"`
	// MaxTransitions caps step transitions of every run; 0 leaves them
	// unbounded.
	MaxTransitions       int `yaml:"max_transitions"`
	DryRunLoopLimit      int `yaml:"dry_run_loop_limit"`
	DryRunMaxTransitions int `yaml:"dry_run_max_transitions"`
}

// TransitionLimit returns the step transition cap for a run, 0 meaning
// none. Dry runs echo their input, so a condition cycle cannot exit on its
// own; they take the tighter of the two caps.
func (e EngineConfig) TransitionLimit(dryRun bool) int {
	limit := e.MaxTransitions
	if dryRun && e.DryRunMaxTransitions > 0 && (limit <= 0 || e.DryRunMaxTransitions < limit) {
		limit = e.DryRunMaxTransitions
	}
	return limit
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"` // basic auth password for /api, empty disables auth
}

type SchedulerConfig struct {
	// Retry is how long an event dispatcher waits before re-arming after a
	// schedule error.
	Retry time.Duration `yaml:"retry"`
}

type AgentsConfig struct {
	MCPEndpoints  []string      `yaml:"mcp_endpoints"`
	RemoteTimeout time.Duration `yaml:"remote_timeout"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func defaults() Config {
	return Config{
		Store: StoreConfig{
			Path: "data/maestro.db",
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Engine: EngineConfig{
			InvokeTimeout:        5 * time.Minute,
			DryRunLoopLimit:      3,
			DryRunMaxTransitions: 1000,
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Scheduler: SchedulerConfig{
			Retry: 30 * time.Second,
		},
		Agents: AgentsConfig{
			RemoteTimeout: 2 * time.Minute,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load resolves the configuration: defaults, then the YAML file named by
// MAESTRO_CONFIG (config/maestro.yaml when unset), then environment
// overrides. .env.local and .env are loaded first when present.
func Load() (*Config, error) {
	if err := LoadEnvFiles(); err != nil {
		return nil, err
	}

	path := os.Getenv("MAESTRO_CONFIG")
	if path == "" {
		path = "config/maestro.yaml"
	}
	return LoadFile(path)
}

// LoadFile resolves the configuration from path. A missing file yields
// defaults plus environment overrides.
func LoadFile(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	return &cfg, nil
}

// LoadEnvFiles loads .env.local then .env into the process environment.
// Variables already set are never overwritten.
func LoadEnvFiles() error {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", file, err)
		}
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("MAESTRO_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("MAESTRO_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("MAESTRO_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("MAESTRO_WEB_AUTH"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("MAESTRO_MCP_ENDPOINTS"); v != "" {
		var endpoints []string
		for _, e := range strings.Split(v, ",") {
			if e = strings.TrimSpace(e); e != "" {
				endpoints = append(endpoints, e)
			}
		}
		cfg.Agents.MCPEndpoints = endpoints
	}
	if v := os.Getenv("MAESTRO_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("MAESTRO_INVOKE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.InvokeTimeout = d
		}
	}
}
