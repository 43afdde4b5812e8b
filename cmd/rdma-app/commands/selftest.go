package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sama18-meet/rdma-app/internal/config"
	"github.com/sama18-meet/rdma-app/internal/transfer"
	"github.com/sama18-meet/rdma-app/internal/transport/oob"
	"github.com/sama18-meet/rdma-app/internal/transport/rdma"
)

// ErrDigestMismatch is returned when the bytes read differ from the bytes sent.
var ErrDigestMismatch = errors.New("received file differs from sent file")

func newSelftestCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "selftest <file>",
		Short: "Transfer a file between two endpoints in this process",
		Long: `Run a server and a client in one process on a simulated fabric, connected
by a loopback control channel, and check the file arrives intact.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sent, got, err := runSelftest(ctx, g.cfg, args[0])
			if err != nil {
				if dataPathFailure(err) {
					return nil
				}

				return err
			}

			if err := writeOutput(g.cfg.Transfer.Output, got); err != nil {
				return err
			}

			device := g.cfg.RDMA.DeviceName

			return writeReport(g.cfg.Transfer.Report,
				newReport(sent, rdma.BackendSimulated, device, ""),
				newReport(got, rdma.BackendSimulated, device, ""))
		},
	}
}

// runSelftest moves path from a client session to a server session over one
// simulated fabric and compares digests.
func runSelftest(ctx context.Context, cfg *config.Config, path string) (sent, got *transfer.Result, err error) {
	fabric := rdma.NewSimulatedFabric()

	serverSide := &session{backend: rdma.NewSimulatedVerbsBackendOn(fabric)}
	clientSide := &session{backend: rdma.NewSimulatedVerbsBackendOn(fabric)}

	defer func() {
		err = errors.Join(err, clientSide.close(ctx), serverSide.close(ctx))
	}()

	if err := serverSide.startMetrics(ctx, cfg); err != nil {
		return nil, nil, err
	}

	ln, err := oob.Listen(ctx, "127.0.0.1", 0)
	if err != nil {
		return nil, nil, err
	}
	defer ln.Close()

	opts := serverSide.options(cfg)

	grp, gctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		var err error

		if serverSide.channel, err = ln.Accept(gctx); err != nil {
			return err
		}

		if err := serverSide.connect(gctx, cfg, rdma.Responder{}); err != nil {
			return fmt.Errorf("server: %w", err)
		}

		server := transfer.NewServer(serverSide.endpoint, serverSide.channel, opts)
		serverSide.transfer = server

		got, err = server.ReceiveFile(gctx)

		return err
	})

	grp.Go(func() error {
		var err error

		if clientSide.channel, err = oob.Dial(gctx, "127.0.0.1", ln.Port()); err != nil {
			return err
		}

		if err := clientSide.connect(gctx, cfg, rdma.Initiator{}); err != nil {
			return fmt.Errorf("client: %w", err)
		}

		client := transfer.NewClient(clientSide.endpoint, clientSide.channel, opts)
		clientSide.transfer = client

		sent, err = client.SendFile(gctx, path)

		return err
	})

	if err := grp.Wait(); err != nil {
		return nil, nil, err
	}

	if sent.Digest != got.Digest || sent.Length != got.Length {
		return nil, nil, fmt.Errorf("%w: sent %d bytes (%s), got %d bytes (%s)",
			ErrDigestMismatch, sent.Length, sent.DigestString(), got.Length, got.DigestString())
	}

	log.Info().
		Int("length", got.Length).
		Str("digest", got.DigestString()).
		Dur("duration", got.Duration).
		Msg("Selftest passed")

	return sent, got, nil
}
