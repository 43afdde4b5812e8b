package commands

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sama18-meet/rdma-app/internal/hardware"
	"github.com/sama18-meet/rdma-app/internal/transfer"
	"github.com/sama18-meet/rdma-app/internal/transport/oob"
	"github.com/sama18-meet/rdma-app/internal/transport/rdma"
)

func newServeCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "serve [port]",
		Short: "Wait for one client and pull its file",
		Long: `Listen for one client on the control port, connect the queue pairs and
read the file the client exposes. Without a port one is picked from
[23456, 24456) and logged.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			cfg := g.cfg

			port := cfg.Control.Port
			if len(args) == 1 {
				if port, err = parsePort(args[0]); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s := &session{}
			defer func() {
				if cerr := s.close(ctx); cerr != nil {
					log.Warn().Err(cerr).Msg("Teardown finished with errors")
				}
			}()

			if err := s.startMetrics(ctx, cfg); err != nil {
				return err
			}

			if err := s.openBackend(cfg, hardware.DefaultSysfsRoot); err != nil {
				return err
			}

			ln, err := oob.Listen(ctx, cfg.Control.Host, port)
			if err != nil {
				return err
			}
			defer ln.Close()

			log.Info().Int("port", ln.Port()).Msg("Waiting for client")

			if s.channel, err = ln.Accept(ctx); err != nil {
				return err
			}

			if err := s.connect(ctx, cfg, rdma.Responder{}); err != nil {
				return err
			}

			server := transfer.NewServer(s.endpoint, s.channel, s.options(cfg))
			s.transfer = server

			res, err := server.ReceiveFile(ctx)
			if err != nil {
				if dataPathFailure(err) {
					return nil
				}

				return err
			}

			if err := writeOutput(cfg.Transfer.Output, res); err != nil {
				return err
			}

			return writeReport(cfg.Transfer.Report,
				newReport(res, cfg.RDMA.Backend, s.endpoint.Device(), s.channel.RemoteAddr()))
		},
	}
}

func parsePort(arg string) (int, error) {
	port, err := strconv.Atoi(arg)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", arg)
	}

	return port, nil
}
