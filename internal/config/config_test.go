package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sama18-meet/rdma-app/internal/transport/rdma"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "rdma-app.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""), Options{})
	require.NoError(t, err)

	assert.Equal(t, rdma.BackendSimulated, cfg.RDMA.Backend)
	assert.Equal(t, rdma.DefaultDeviceName, cfg.RDMA.DeviceName)
	assert.Equal(t, rdma.DefaultIBPort, cfg.RDMA.Port)
	assert.Equal(t, rdma.DefaultGIDIndex, cfg.RDMA.GIDIndex)
	assert.Equal(t, "127.0.0.1", cfg.Control.Host)
	assert.Equal(t, 0, cfg.Control.Port)
	assert.Equal(t, rdma.WaitSpin, cfg.Poller.Strategy)
	assert.Equal(t, 30*time.Second, cfg.Poller.Budget)
	assert.False(t, cfg.Transfer.Ack)
	assert.Equal(t, time.Second, cfg.Transfer.Linger)
	assert.Empty(t, cfg.MetricsAddr)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
rdma:
  device_name: mlx5_1
  ib_port: 2
  gid_index: 3
control:
  host: 10.0.0.7
  port: 23500
poller:
  strategy: backoff
  budget: 5s
transfer:
  ack: true
  linger: 250ms
metrics_addr: ":9464"
log_level: DEBUG
`)

	cfg, err := Load(path, Options{})
	require.NoError(t, err)

	assert.Equal(t, "mlx5_1", cfg.RDMA.DeviceName)
	assert.Equal(t, 2, cfg.RDMA.Port)
	assert.Equal(t, 3, cfg.RDMA.GIDIndex)
	assert.Equal(t, "10.0.0.7", cfg.Control.Host)
	assert.Equal(t, 23500, cfg.Control.Port)
	assert.Equal(t, rdma.WaitBackoff, cfg.Poller.Strategy)
	assert.Equal(t, 5*time.Second, cfg.Poller.Budget)
	assert.True(t, cfg.Transfer.Ack)
	assert.Equal(t, 250*time.Millisecond, cfg.Transfer.Linger)
	assert.Equal(t, ":9464", cfg.MetricsAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), Options{})
	assert.Error(t, err)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("RDMA_APP_RDMA_DEVICE_NAME", "rxe0")
	t.Setenv("RDMA_APP_CONTROL_PORT", "24000")

	cfg, err := Load(writeConfig(t, "rdma:\n  device_name: mlx5_0\n"), Options{})
	require.NoError(t, err)

	assert.Equal(t, "rxe0", cfg.RDMA.DeviceName)
	assert.Equal(t, 24000, cfg.Control.Port)
}

func TestLoadOptionsOverride(t *testing.T) {
	t.Setenv("RDMA_APP_CONTROL_PORT", "24000")

	cfg, err := Load(writeConfig(t, ""), Options{
		Port:        23999,
		DeviceName:  "mlx5_2",
		Strategy:    rdma.WaitNotify,
		MetricsAddr: "127.0.0.1:0",
		Ack:         true,
		Linger:      3 * time.Second,
		Output:      "/tmp/out.bin",
		Report:      "/tmp/report.yaml",
	})
	require.NoError(t, err)

	assert.Equal(t, 23999, cfg.Control.Port)
	assert.Equal(t, "mlx5_2", cfg.RDMA.DeviceName)
	assert.Equal(t, rdma.WaitNotify, cfg.Poller.Strategy)
	assert.Equal(t, "127.0.0.1:0", cfg.MetricsAddr)
	assert.True(t, cfg.Transfer.Ack)
	assert.Equal(t, 3*time.Second, cfg.Transfer.Linger)
	assert.Equal(t, "/tmp/out.bin", cfg.Transfer.Output)
	assert.Equal(t, "/tmp/report.yaml", cfg.Transfer.Report)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			RDMA:     RDMAConfig{Backend: rdma.BackendSimulated, Port: 1},
			Control:  ControlConfig{Port: 23456},
			Poller:   PollerConfig{Strategy: rdma.WaitSpin},
			LogLevel: "info",
		}
	}

	tests := []struct {
		mutate  func(c *Config)
		wantErr error
		name    string
	}{
		{name: "valid", mutate: func(_ *Config) {}},
		{name: "hardware backend", mutate: func(c *Config) { c.RDMA.Backend = "Hardware" }},
		{name: "negative port", mutate: func(c *Config) { c.Control.Port = -1 }, wantErr: ErrInvalidPort},
		{name: "port too large", mutate: func(c *Config) { c.Control.Port = 70000 }, wantErr: ErrInvalidPort},
		{name: "zero ib port", mutate: func(c *Config) { c.RDMA.Port = 0 }, wantErr: ErrInvalidPort},
		{name: "unknown backend", mutate: func(c *Config) { c.RDMA.Backend = "dpdk" }, wantErr: ErrInvalidBackend},
		{name: "unknown strategy", mutate: func(c *Config) { c.Poller.Strategy = "sleepy" }, wantErr: ErrInvalidStrategy},
		{name: "unknown log level", mutate: func(c *Config) { c.LogLevel = "chatty" }, wantErr: ErrInvalidLogLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)

			err := cfg.validate()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEndpointConfig(t *testing.T) {
	cfg := Config{
		RDMA:   RDMAConfig{DeviceName: "mlx5_3", Port: 2, GIDIndex: 1},
		Poller: PollerConfig{Strategy: rdma.WaitBackoff, Budget: time.Second},
	}

	ep := cfg.EndpointConfig()

	assert.Equal(t, "mlx5_3", ep.DeviceName)
	assert.Equal(t, 2, ep.Port)
	assert.Equal(t, 1, ep.GIDIndex)

	backoff, ok := ep.Wait.(rdma.BackoffWait)
	require.True(t, ok)
	assert.Equal(t, time.Second, backoff.Budget)
}
