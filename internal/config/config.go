// Package config provides configuration management for rdma-app.
//
// Configuration is loaded from multiple sources with the following precedence:
//  1. Command-line flags (highest priority)
//  2. Environment variables (RDMA_APP_* prefix)
//  3. Configuration file (rdma-app.yaml)
//  4. Default values (lowest priority)
//
// Example usage:
//
//	cfg, err := config.Load("/etc/rdma-app/rdma-app.yaml", config.Options{})
//	if err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sama18-meet/rdma-app/internal/transport/rdma"
)

// Config holds all configuration for rdma-app
type Config struct {
	// RDMA device and provider selection
	RDMA RDMAConfig `mapstructure:"rdma"`

	// Out-of-band control channel
	Control ControlConfig `mapstructure:"control"`

	// Completion polling
	Poller PollerConfig `mapstructure:"poller"`

	// Transfer behaviour
	Transfer TransferConfig `mapstructure:"transfer"`

	// MetricsAddr enables the metrics endpoint when set (e.g. ":9464")
	MetricsAddr string `mapstructure:"metrics_addr"`

	// Logging
	LogLevel string `mapstructure:"log_level"`
}

// RDMAConfig selects the verbs provider and the local port.
type RDMAConfig struct {
	// Backend is "simulated" or "hardware"
	Backend string `mapstructure:"backend"`

	// DeviceName is the RDMA device name (e.g., "mlx5_0"). The first device
	// is used when it is not present.
	DeviceName string `mapstructure:"device_name"`

	// Port is the physical port on the device
	Port int `mapstructure:"ib_port"`

	// GIDIndex is the GID table index used for RoCE addressing
	GIDIndex int `mapstructure:"gid_index"`
}

// ControlConfig holds the out-of-band channel settings.
type ControlConfig struct {
	// Host is the address the server binds and the client dials
	Host string `mapstructure:"host"`

	// Port is the TCP port. 0 lets the server pick one at random.
	Port int `mapstructure:"port"`
}

// PollerConfig holds completion polling settings.
type PollerConfig struct {
	// Strategy is "spin", "backoff" or "notify"
	Strategy string `mapstructure:"strategy"`

	// Budget bounds the backoff strategy
	Budget time.Duration `mapstructure:"budget"`
}

// TransferConfig holds transfer protocol settings.
type TransferConfig struct {
	// Ack makes the server acknowledge with a write-with-immediate.
	// Both sides must agree.
	Ack bool `mapstructure:"ack"`

	// Linger is how long the client keeps its buffer registered after
	// sending the request when Ack is off
	Linger time.Duration `mapstructure:"linger"`

	// Output is where the server writes the received bytes. Empty keeps
	// them in memory only.
	Output string `mapstructure:"output"`

	// Report is where a YAML transfer report is written
	Report string `mapstructure:"report"`
}

// Options are command line overrides
type Options struct {
	Backend     string
	DeviceName  string
	MetricsAddr string
	Strategy    string
	Output      string
	Report      string
	LogLevel    string
	Port        int
	Linger      time.Duration
	Ack         bool
}

// Validation errors.
var (
	ErrInvalidPort     = errors.New("invalid port")
	ErrInvalidBackend  = errors.New("invalid backend")
	ErrInvalidStrategy = errors.New("invalid poller strategy")
	ErrInvalidLogLevel = errors.New("invalid log level")
)

var logLevels = []string{"trace", "debug", "info", "warn", "error", "fatal", "panic", "disabled"}

// Load loads configuration from file and applies command line options
func Load(configPath string, opts Options) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("rdma-app")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/rdma-app")
		v.AddConfigPath("$HOME/.rdma-app")

		// Ignore error if config file not found
		_ = v.ReadInConfig()
	}

	v.SetEnvPrefix("RDMA_APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	applyOptions(v, opts)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyOptions(v *viper.Viper, opts Options) {
	if opts.Backend != "" {
		v.Set("rdma.backend", opts.Backend)
	}
	if opts.DeviceName != "" {
		v.Set("rdma.device_name", opts.DeviceName)
	}
	if opts.Port != 0 {
		v.Set("control.port", opts.Port)
	}
	if opts.Strategy != "" {
		v.Set("poller.strategy", opts.Strategy)
	}
	if opts.MetricsAddr != "" {
		v.Set("metrics_addr", opts.MetricsAddr)
	}
	if opts.Ack {
		v.Set("transfer.ack", true)
	}
	if opts.Linger != 0 {
		v.Set("transfer.linger", opts.Linger)
	}
	if opts.Output != "" {
		v.Set("transfer.output", opts.Output)
	}
	if opts.Report != "" {
		v.Set("transfer.report", opts.Report)
	}
	if opts.LogLevel != "" {
		v.Set("log_level", opts.LogLevel)
	}
}

func setDefaults(v *viper.Viper) {
	// RDMA defaults
	v.SetDefault("rdma.backend", rdma.BackendSimulated)
	v.SetDefault("rdma.device_name", rdma.DefaultDeviceName)
	v.SetDefault("rdma.ib_port", rdma.DefaultIBPort)
	v.SetDefault("rdma.gid_index", rdma.DefaultGIDIndex)

	// Control channel defaults
	v.SetDefault("control.host", "127.0.0.1")
	v.SetDefault("control.port", 0)

	// Poller defaults
	v.SetDefault("poller.strategy", rdma.WaitSpin)
	v.SetDefault("poller.budget", 30*time.Second)

	// Transfer defaults
	v.SetDefault("transfer.ack", false)
	v.SetDefault("transfer.linger", time.Second)

	// Logging
	v.SetDefault("log_level", "info")
}

func (c *Config) validate() error {
	if c.Control.Port < 0 || c.Control.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Control.Port)
	}

	if c.RDMA.Port < 1 {
		return fmt.Errorf("%w: ib_port %d", ErrInvalidPort, c.RDMA.Port)
	}

	c.RDMA.Backend = strings.ToLower(c.RDMA.Backend)
	if c.RDMA.Backend != rdma.BackendSimulated && c.RDMA.Backend != rdma.BackendHardware {
		return fmt.Errorf("%w: %q", ErrInvalidBackend, c.RDMA.Backend)
	}

	if _, ok := rdma.ParseWaitStrategy(c.Poller.Strategy, c.Poller.Budget); !ok {
		return fmt.Errorf("%w: %q", ErrInvalidStrategy, c.Poller.Strategy)
	}

	c.LogLevel = strings.ToLower(c.LogLevel)
	if !slices.Contains(logLevels, c.LogLevel) {
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.LogLevel)
	}

	if c.Transfer.Linger < 0 {
		c.Transfer.Linger = 0
	}

	return nil
}

// EndpointConfig converts the RDMA and poller settings for rdma.NewEndpoint.
func (c *Config) EndpointConfig() rdma.EndpointConfig {
	cfg := rdma.DefaultEndpointConfig()
	cfg.DeviceName = c.RDMA.DeviceName
	cfg.Port = c.RDMA.Port
	cfg.GIDIndex = c.RDMA.GIDIndex

	if wait, ok := rdma.ParseWaitStrategy(c.Poller.Strategy, c.Poller.Budget); ok {
		cfg.Wait = wait
	}

	return cfg
}
