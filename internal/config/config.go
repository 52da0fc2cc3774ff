// Package config loads workerhub settings from an optional YAML file and
// WORKERHUB_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverEtcd     = "etcd"
)

// Dispatch modes.
const (
	ModeQueue = "queue"
	ModeRPC   = "rpc"
)

// Worker runtimes.
const (
	RuntimeExec   = "exec"
	RuntimeDocker = "docker"
)

type ServerConfig struct {
	Port           int     `mapstructure:"port"`
	APIToken       string  `mapstructure:"api_token"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

type StoreConfig struct {
	Driver        string   `mapstructure:"driver"`
	DatabaseURL   string   `mapstructure:"database_url"`
	EtcdEndpoints []string `mapstructure:"etcd_endpoints"`
	Migrate       bool     `mapstructure:"migrate"`
}

type HubConfig struct {
	StrictAuth       bool          `mapstructure:"strict_auth"`
	DispatchMode     string        `mapstructure:"dispatch_mode"`
	RPCTimeout       time.Duration `mapstructure:"rpc_timeout"`
	FailOrphanedJobs bool          `mapstructure:"fail_orphaned_jobs"`
	SendBuffer       int           `mapstructure:"send_buffer"`
	PongWait         time.Duration `mapstructure:"pong_wait"`
	LogicFile        string        `mapstructure:"logic_file"`
}

type WorkerConfig struct {
	ControllerURL     string        `mapstructure:"controller_url"`
	MachineID         string        `mapstructure:"machine_id"`
	SecretKey         string        `mapstructure:"secret_key"`
	Name              string        `mapstructure:"name"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ReconnectBackoff  time.Duration `mapstructure:"reconnect_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	Runtime           string        `mapstructure:"runtime"`
	Command           []string      `mapstructure:"command"`
	Image             string        `mapstructure:"image"`
	LogicPath         string        `mapstructure:"logic_path"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type OTELConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// Config holds all configuration values for the controller and the worker.
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Store  StoreConfig  `mapstructure:"store"`
	Hub    HubConfig    `mapstructure:"hub"`
	Worker WorkerConfig `mapstructure:"worker"`
	Log    LogConfig    `mapstructure:"log"`
	OTEL   OTELConfig   `mapstructure:"otel"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 6161)
	v.SetDefault("server.api_token", "")
	v.SetDefault("server.rate_limit", 0)
	v.SetDefault("server.rate_limit_burst", 20)

	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.etcd_endpoints", []string{})
	v.SetDefault("store.migrate", true)

	v.SetDefault("hub.strict_auth", false)
	v.SetDefault("hub.dispatch_mode", ModeQueue)
	v.SetDefault("hub.rpc_timeout", 10*time.Minute)
	v.SetDefault("hub.fail_orphaned_jobs", true)
	v.SetDefault("hub.send_buffer", 16)
	v.SetDefault("hub.pong_wait", 60*time.Second)
	v.SetDefault("hub.logic_file", "")

	v.SetDefault("worker.controller_url", "ws://localhost:6161/ws")
	v.SetDefault("worker.machine_id", "")
	v.SetDefault("worker.secret_key", "")
	v.SetDefault("worker.name", "")
	v.SetDefault("worker.heartbeat_interval", 30*time.Second)
	v.SetDefault("worker.reconnect_backoff", time.Second)
	v.SetDefault("worker.max_backoff", 30*time.Second)
	v.SetDefault("worker.runtime", RuntimeExec)
	v.SetDefault("worker.command", []string{})
	v.SetDefault("worker.image", "")
	v.SetDefault("worker.logic_path", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("otel.enabled", false)
	v.SetDefault("otel.endpoint", "localhost:4317")
}

// DefaultFile is read when Load is given no path and the file exists.
const DefaultFile = "workerhub.yaml"

// Load reads configuration. With an empty path, DefaultFile in the working
// directory is used if present; otherwise only defaults and environment
// variables apply. WORKERHUB_HUB_STRICT_AUTH maps to hub.strict_auth.
func Load(path string) (*Config, error) {
	if path == "" {
		if _, err := os.Stat(DefaultFile); err == nil {
			path = DefaultFile
		}
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("WORKERHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			return errors.New("store.database_url is required for the postgres driver (env: WORKERHUB_STORE_DATABASE_URL)")
		}
	case DriverEtcd:
		if len(c.Store.EtcdEndpoints) == 0 {
			return errors.New("store.etcd_endpoints is required for the etcd driver (env: WORKERHUB_STORE_ETCD_ENDPOINTS)")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}

	if c.Hub.DispatchMode != ModeQueue && c.Hub.DispatchMode != ModeRPC {
		return fmt.Errorf("unknown hub.dispatch_mode %q", c.Hub.DispatchMode)
	}

	if c.Worker.Runtime != RuntimeExec && c.Worker.Runtime != RuntimeDocker {
		return fmt.Errorf("unknown worker.runtime %q", c.Worker.Runtime)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	return nil
}

// ValidateWorker checks the settings a worker agent cannot run without.
func (c *Config) ValidateWorker() error {
	if c.Worker.MachineID == "" || c.Worker.SecretKey == "" {
		return errors.New("worker.machine_id and worker.secret_key are required")
	}
	if c.Worker.Runtime == RuntimeDocker && c.Worker.Image == "" {
		return errors.New("worker.image is required for the docker runtime")
	}
	if c.Worker.Runtime == RuntimeExec && len(c.Worker.Command) == 0 && c.Worker.LogicPath == "" {
		return errors.New("worker.command or worker.logic_path is required for the exec runtime")
	}
	return nil
}
