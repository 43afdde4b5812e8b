package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/sama18-meet/rdma-app/internal/config"
	"github.com/sama18-meet/rdma-app/internal/hardware"
	"github.com/sama18-meet/rdma-app/internal/health"
	"github.com/sama18-meet/rdma-app/internal/metrics"
	"github.com/sama18-meet/rdma-app/internal/shutdown"
	"github.com/sama18-meet/rdma-app/internal/transfer"
	"github.com/sama18-meet/rdma-app/internal/transport/oob"
	"github.com/sama18-meet/rdma-app/internal/transport/rdma"
)

// session owns the resources of one side of a transfer and releases them in
// ownership order.
type session struct {
	backend  rdma.VerbsBackend
	endpoint *rdma.Endpoint
	channel  *oob.Channel
	metrics  *metrics.Server
	health   *health.Checker
	transfer shutdown.TransferCanceler
}

// closerFunc adapts a function to io.Closer.
type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func (s *session) startMetrics(ctx context.Context, cfg *config.Config) error {
	if cfg.MetricsAddr == "" {
		return nil
	}

	s.health = health.NewChecker()

	srv, err := metrics.Serve(ctx, cfg.MetricsAddr, s.health)
	if err != nil {
		return err
	}

	s.metrics = srv

	return nil
}

// openBackend creates the verbs provider. For the hardware backend a device
// must be listed under sysfsRoot with the configured port.
func (s *session) openBackend(cfg *config.Config, sysfsRoot string) error {
	if cfg.RDMA.Backend == rdma.BackendHardware {
		devices, err := hardware.Scan(sysfsRoot)
		if err != nil {
			return err
		}

		// The endpoint falls back to the first device the same way.
		dev, err := hardware.Find(devices, cfg.RDMA.DeviceName)
		if errors.Is(err, hardware.ErrDeviceNotFound) {
			dev, err = hardware.Find(devices, "")
		}

		if err != nil {
			return err
		}

		port, ok := dev.Port(cfg.RDMA.Port)
		if !ok {
			return fmt.Errorf("device %s has no port %d", dev.Name, cfg.RDMA.Port)
		}

		if !port.Active() {
			log.Warn().
				Str("device", dev.Name).
				Int("port", port.Number).
				Str("state", port.State).
				Msg("RDMA port is not active")
		}
	}

	backend, err := rdma.NewBackend(cfg.RDMA.Backend)
	if err != nil {
		return err
	}

	s.backend = backend

	return nil
}

// connect creates the endpoint and drives it to RTS through the handshake.
func (s *session) connect(ctx context.Context, cfg *config.Config, strategy rdma.HandshakeStrategy) error {
	ep, err := rdma.NewEndpoint(s.backend, cfg.EndpointConfig())
	if err != nil {
		return err
	}

	s.endpoint = ep

	if s.health != nil {
		s.health.Register("endpoint", endpointCheck(ep))
	}

	remote, err := rdma.Establish(ctx, s.channel, ep, strategy)
	if err != nil {
		return err
	}

	log.Info().
		Str("role", strategy.Name()).
		Uint32("remote_qpn", remote.QPN).
		Str("remote_gid", remote.GIDString()).
		Msg("Connection established")

	return nil
}

func (s *session) options(cfg *config.Config) transfer.Options {
	return transfer.Options{Ack: cfg.Transfer.Ack, Linger: cfg.Transfer.Linger}
}

// close tears everything down through the shutdown coordinator.
func (s *session) close(ctx context.Context) error {
	coord := shutdown.NewCoordinator(shutdown.DefaultConfig())

	var components shutdown.ShutdownComponents

	if s.transfer != nil {
		components.Transfer = s.transfer
	}

	if s.endpoint != nil {
		components.Registrations = s.endpoint.Registrar()
	}

	ep, backend := s.endpoint, s.backend
	components.Endpoint = closerFunc(func() error {
		var errs []error

		if ep != nil {
			errs = append(errs, ep.Close())
		}

		if backend != nil {
			errs = append(errs, backend.Close())
		}

		return errors.Join(errs...)
	})

	if s.channel != nil {
		components.Channel = s.channel
	}

	if s.metrics != nil {
		components.MetricsServer = s.metrics
	}

	if err := coord.Shutdown(context.WithoutCancel(ctx), components); err != nil {
		return err
	}

	return errors.Join(coord.Errors()...)
}

// endpointCheck reports an endpoint's queue pair state: RTS is healthy, ERR
// unhealthy, and the states on the way to RTS degraded.
func endpointCheck(ep *rdma.Endpoint) health.CheckFunc {
	return func(_ context.Context) health.Check {
		state := ep.State()
		msg := "queue pair " + state.String()

		switch state {
		case rdma.QPStateRTS:
			return health.Check{Status: health.StatusHealthy, Message: msg}
		case rdma.QPStateErr:
			return health.Check{Status: health.StatusUnhealthy, Message: msg}
		default:
			return health.Check{Status: health.StatusDegraded, Message: msg}
		}
	}
}

// dataPathFailure reports whether err is a failed work completion, which is
// logged rather than treated as fatal.
func dataPathFailure(err error) bool {
	var compErr *rdma.CompletionError

	if !errors.As(err, &compErr) {
		return false
	}

	log.Error().
		Err(err).
		Int("status", int(compErr.Status)).
		Uint64("wr_id", compErr.WRID).
		Str("opcode", compErr.Opcode.String()).
		Msg("Transfer failed")

	return true
}
