package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/taskshard/internal/hashring"
	"github.com/ChuLiYu/taskshard/pkg/types"
)

// Config represents the complete node configuration
// Maps config file fields through YAML tags; missing keys keep their defaults
type Config struct {
	Node struct {
		ID     string `yaml:"id" validate:"required"`
		Weight int    `yaml:"weight" validate:"gte=1,lte=1000"`
	} `yaml:"node"`

	Sharding struct {
		SettleDelay time.Duration `yaml:"settle_delay" validate:"gt=0"`
		MaxDelay    time.Duration `yaml:"max_delay" validate:"gtefield=SettleDelay"`
		Replicas    int           `yaml:"replicas" validate:"gte=1,lte=1000"`
	} `yaml:"sharding"`

	Membership struct {
		Mode  string             `yaml:"mode" validate:"oneof=static etcd"`
		Nodes []types.NodeWeight `yaml:"nodes"`
	} `yaml:"membership"`

	Etcd struct {
		Endpoints   []string      `yaml:"endpoints"`
		Prefix      string        `yaml:"prefix" validate:"required,startswith=/"`
		TTLSeconds  int           `yaml:"ttl_seconds" validate:"gte=1"`
		DialTimeout time.Duration `yaml:"dial_timeout" validate:"gt=0"`
	} `yaml:"etcd"`

	Tasks struct {
		File           string        `yaml:"file"`
		ReloadInterval time.Duration `yaml:"reload_interval" validate:"gte=0"`
		EtcdWatch      bool          `yaml:"etcd_watch"`
	} `yaml:"tasks"`

	Snapshot struct {
		Path     string        `yaml:"path" validate:"required"`
		Interval time.Duration `yaml:"interval" validate:"gt=0"`
	} `yaml:"snapshot"`

	Journal struct {
		Path string `yaml:"path"`
		Sync bool   `yaml:"sync"`
	} `yaml:"journal"`

	Server struct {
		GRPCPort int `yaml:"grpc_port" validate:"gte=1,lte=65535"`
	} `yaml:"server"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port" validate:"gte=1,lte=65535"`
	} `yaml:"metrics"`

	Log struct {
		Level  string `yaml:"level" validate:"oneof=debug info warn error"`
		Format string `yaml:"format" validate:"oneof=text json"`
	} `yaml:"log"`
}

var (
	ErrInvalidConfig = errors.New("invalid config")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// defaultConfig returns the configuration used for every key the file omits
func defaultConfig() *Config {
	var cfg Config
	cfg.Node.Weight = 1
	cfg.Sharding.SettleDelay = 3 * time.Second
	cfg.Sharding.MaxDelay = 60 * time.Second
	cfg.Sharding.Replicas = 100
	cfg.Membership.Mode = "static"
	cfg.Etcd.Prefix = "/taskshard"
	cfg.Etcd.TTLSeconds = 10
	cfg.Etcd.DialTimeout = 5 * time.Second
	cfg.Snapshot.Path = "data/snapshot.json"
	cfg.Snapshot.Interval = 30 * time.Second
	cfg.Journal.Path = "data/ownership.journal"
	cfg.Server.GRPCPort = 50051
	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 9090
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return &cfg
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	for i, n := range c.Membership.Nodes {
		if strings.TrimSpace(string(n.ID)) == "" {
			return fmt.Errorf("%w: membership.nodes[%d] has no id", ErrInvalidConfig, i)
		}
		if n.Weight < 1 || n.Weight > hashring.MaxWeight {
			return fmt.Errorf("%w: membership.nodes[%d] (%s) weight must be in 1..%d", ErrInvalidConfig, i, n.ID, hashring.MaxWeight)
		}
	}

	switch c.Membership.Mode {
	case "etcd":
		if len(c.Etcd.Endpoints) == 0 {
			return fmt.Errorf("%w: etcd.endpoints is required in etcd membership mode", ErrInvalidConfig)
		}
	case "static":
		if c.Tasks.EtcdWatch {
			return fmt.Errorf("%w: tasks.etcd_watch needs etcd membership mode", ErrInvalidConfig)
		}
	}
	return nil
}

// self returns this node as a NodeWeight
func (c *Config) self() types.NodeWeight {
	return types.NodeWeight{ID: types.NodeID(c.Node.ID), Weight: c.Node.Weight}
}

// staticNodes returns the static node list, defaulting to this node alone
func (c *Config) staticNodes() []types.NodeWeight {
	if len(c.Membership.Nodes) == 0 {
		return []types.NodeWeight{c.self()}
	}
	return c.Membership.Nodes
}

// newLogger builds the process logger from the log section
func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
