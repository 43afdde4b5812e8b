package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sama18-meet/rdma-app/internal/hardware"
	"github.com/sama18-meet/rdma-app/internal/transfer"
	"github.com/sama18-meet/rdma-app/internal/transport/oob"
	"github.com/sama18-meet/rdma-app/internal/transport/rdma"
)

func newSendCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "send <port> <file>",
		Short: "Expose a file for the server to read",
		Long: `Connect to a waiting server on the control host and port, then register
the file and send the server its address and key.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			cfg := g.cfg

			port, err := parsePort(args[0])
			if err != nil {
				return err
			}

			path := args[1]
			if len(path) > MaxFilenameLen {
				return fmt.Errorf("file name longer than %d bytes", MaxFilenameLen)
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

			if s.channel, err = oob.Dial(ctx, cfg.Control.Host, port); err != nil {
				return err
			}

			if err := s.connect(ctx, cfg, rdma.Initiator{}); err != nil {
				return err
			}

			client := transfer.NewClient(s.endpoint, s.channel, s.options(cfg))
			s.transfer = client

			res, err := client.SendFile(ctx, path)
			if err != nil {
				if dataPathFailure(err) {
					return nil
				}

				return err
			}

			log.Info().
				Str("session", res.Session.String()).
				Int("length", res.Length).
				Str("digest", res.DigestString()).
				Bool("acked", res.Acked).
				Msg("File sent")

			return writeReport(cfg.Transfer.Report,
				newReport(res, cfg.RDMA.Backend, s.endpoint.Device(), s.channel.RemoteAddr()))
		},
	}
}
