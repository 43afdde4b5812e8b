// Package commands implements the rdma-app command line.
package commands

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sama18-meet/rdma-app/internal/config"
)

// MaxFilenameLen bounds the file argument of send.
const MaxFilenameLen = 255

// globals holds the persistent flags and the configuration they produce.
type globals struct {
	cfg         *config.Config
	configPath  string
	backend     string
	device      string
	metricsAddr string
	strategy    string
	output      string
	report      string
	linger      time.Duration
	debug       bool
	ack         bool
}

// NewRootCmd creates the rdma-app root command with all sub-commands.
func NewRootCmd(version string) *cobra.Command {
	g := &globals{}

	cmd := &cobra.Command{
		Use:   "rdma-app",
		Short: "Single-file transfer over one-sided RDMA Read",
		Long: `rdma-app moves one file between two hosts. The client registers the file
and sends its address and key over a TCP control channel; the server pulls
the bytes with a single RDMA Read.

  rdma-app serve [port]
  rdma-app send <port> <file>
  rdma-app selftest <file>
  rdma-app devices

Settings are read from rdma-app.yaml (., /etc/rdma-app, ~/.rdma-app) and
RDMA_APP_* environment variables, overridden by flags.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return g.load()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&g.configPath, "config", "", "Path to configuration file")
	flags.BoolVar(&g.debug, "debug", false, "Enable debug logging")
	flags.StringVar(&g.backend, "backend", "", "Verbs provider: simulated or hardware")
	flags.StringVar(&g.device, "device", "", "RDMA device name (default mlx5_0)")
	flags.StringVar(&g.metricsAddr, "metrics-addr", "", "Serve /metrics and /health endpoints on this address")
	flags.StringVar(&g.strategy, "poller", "", "Completion wait strategy: spin, backoff or notify")
	flags.BoolVar(&g.ack, "ack", false, "Acknowledge the transfer with a write with immediate (both sides)")
	flags.DurationVar(&g.linger, "linger", 0, "How long the client keeps its buffer registered without --ack")
	flags.StringVar(&g.output, "output", "", "Write the received file to this path")
	flags.StringVar(&g.report, "report", "", "Write a YAML transfer report to this path")

	cmd.AddCommand(newServeCmd(g))
	cmd.AddCommand(newSendCmd(g))
	cmd.AddCommand(newSelftestCmd(g))
	cmd.AddCommand(newDevicesCmd())

	return cmd
}

func (g *globals) load() error {
	opts := config.Options{
		Backend:     g.backend,
		DeviceName:  g.device,
		MetricsAddr: g.metricsAddr,
		Strategy:    g.strategy,
		Output:      g.output,
		Report:      g.report,
		Linger:      g.linger,
		Ack:         g.ack,
	}
	if g.debug {
		opts.LogLevel = zerolog.LevelDebugValue
	}

	cfg, err := config.Load(g.configPath, opts)
	if err != nil {
		return err
	}

	g.cfg = cfg
	setupLogging(cfg.LogLevel, g.debug)

	return nil
}

func setupLogging(level string, debug bool) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

		return
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(lvl)
}
