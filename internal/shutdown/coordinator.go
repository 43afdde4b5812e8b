// Package shutdown sequences the teardown of a transfer process.
//
// RDMA resources have a strict ownership order: a registration must be
// released before its protection domain, and the queue pair and completion
// queue before that. The coordinator runs a phased sequence that follows it:
//
//  1. Transfer - Cancel the in-flight transfer and wait for it to return
//  2. Registrations - Release registered buffers and unmap them
//  3. Endpoint - Destroy QP, CQ, slot registration, PD, device context
//  4. Channel - Close the out-of-band control connection
//  5. Metrics - Shut down the metrics HTTP endpoint
//
// Each phase runs under its own timeout and the whole sequence under a total
// timeout, so a wedged provider cannot hang the process.
package shutdown

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Phase represents a shutdown phase.
type Phase string

// Shutdown phases in order of execution.
const (
	PhaseNone           Phase = "none"
	PhaseTransfer       Phase = "transfer"
	PhaseRegistrations  Phase = "registrations"
	PhaseEndpoint       Phase = "endpoint"
	PhaseChannel        Phase = "channel"
	PhaseMetrics        Phase = "metrics"
	PhaseComplete       Phase = "complete"
	PhaseForcedShutdown Phase = "forced_shutdown"
)

// Config holds shutdown configuration.
type Config struct {
	// TotalTimeout is the maximum time allowed for the entire shutdown sequence.
	// Default: 10 seconds
	TotalTimeout time.Duration

	// TransferTimeout is the time to wait for the in-flight transfer to return.
	// Default: 5 seconds
	TransferTimeout time.Duration

	// ResourceTimeout bounds each of the registration, endpoint and channel phases.
	// Default: 2 seconds
	ResourceTimeout time.Duration

	// MetricsTimeout is the time to wait for the metrics endpoint to stop.
	// Default: 2 seconds
	MetricsTimeout time.Duration

	// ForceTimeout is the time after which shutdown is forced.
	// Default: 2 seconds after TotalTimeout
	ForceTimeout time.Duration
}

// DefaultConfig returns the default shutdown configuration.
func DefaultConfig() Config {
	return Config{
		TotalTimeout:    10 * time.Second,
		TransferTimeout: 5 * time.Second,
		ResourceTimeout: 2 * time.Second,
		MetricsTimeout:  2 * time.Second,
		ForceTimeout:    2 * time.Second,
	}
}

// ShutdownHook is a function called during shutdown.
type ShutdownHook func(ctx context.Context) error

// TransferCanceler stops an in-flight transfer and waits for it to return.
type TransferCanceler interface {
	Cancel(ctx context.Context) error
}

// HTTPServerShutdown wraps an HTTP server for shutdown.
type HTTPServerShutdown interface {
	Shutdown(ctx context.Context) error
}

// ShutdownComponents holds the resources torn down by the coordinator. Nil
// fields are skipped.
type ShutdownComponents struct {
	// Transfer is the in-flight client or server transfer
	Transfer TransferCanceler

	// Registrations releases registered buffers (usually the endpoint's registrar)
	Registrations io.Closer

	// Endpoint owns the verbs resources
	Endpoint io.Closer

	// Channel is the out-of-band control connection
	Channel io.Closer

	// MetricsServer is the metrics HTTP endpoint
	MetricsServer HTTPServerShutdown
}

// Coordinator runs the shutdown sequence once.
type Coordinator struct {
	started  time.Time
	hooks    map[Phase][]ShutdownHook
	doneCh   chan struct{}
	phase    Phase
	errors   []error
	config   Config
	mu       sync.RWMutex
	shutdown atomic.Bool
}

// NewCoordinator creates a new shutdown coordinator with the given configuration.
func NewCoordinator(cfg Config) *Coordinator {
	return &Coordinator{
		config: cfg,
		phase:  PhaseNone,
		hooks:  make(map[Phase][]ShutdownHook),
		doneCh: make(chan struct{}),
	}
}

// RegisterHook registers a shutdown hook for a specific phase. Hooks run
// before the phase's component.
func (c *Coordinator) RegisterHook(phase Phase, hook ShutdownHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks[phase] = append(c.hooks[phase], hook)
}

// Phase returns the current shutdown phase.
func (c *Coordinator) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.phase
}

// IsShuttingDown returns true if shutdown has been initiated.
func (c *Coordinator) IsShuttingDown() bool {
	return c.shutdown.Load()
}

// Done returns a channel that is closed when shutdown is complete.
func (c *Coordinator) Done() <-chan struct{} {
	return c.doneCh
}

// Errors returns any errors that occurred during shutdown.
func (c *Coordinator) Errors() []error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return append([]error{}, c.errors...)
}

func (c *Coordinator) setPhase(phase Phase) {
	c.mu.Lock()
	oldPhase := c.phase
	c.phase = phase
	c.mu.Unlock()

	log.Debug().
		Str("from_phase", string(oldPhase)).
		Str("to_phase", string(phase)).
		Dur("elapsed", time.Since(c.started)).
		Msg("Shutdown phase transition")

	SetShutdownPhase(phase)
}

func (c *Coordinator) addError(err error) {
	c.mu.Lock()
	c.errors = append(c.errors, err)
	c.mu.Unlock()

	IncrementShutdownErrors()
}

func (c *Coordinator) runHooks(ctx context.Context, phase Phase) {
	c.mu.RLock()
	hooks := c.hooks[phase]
	c.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx); err != nil {
			log.Error().Err(err).Str("phase", string(phase)).Msg("Shutdown hook failed")
			c.addError(err)
		}
	}
}

// Shutdown runs every phase in order. Only the first call does anything.
func (c *Coordinator) Shutdown(ctx context.Context, components ShutdownComponents) error {
	if !c.shutdown.CompareAndSwap(false, true) {
		log.Warn().Msg("Shutdown already in progress")

		return nil
	}

	c.started = time.Now()
	log.Debug().Msg("Releasing RDMA resources")

	shutdownCtx, cancel := context.WithTimeout(ctx, c.config.TotalTimeout)
	defer cancel()

	go c.watchForceTimeout(shutdownCtx)

	c.executeShutdownSequence(shutdownCtx, components)

	c.setPhase(PhaseComplete)
	close(c.doneCh)

	duration := time.Since(c.started)
	SetShutdownDuration(duration)

	if errs := c.Errors(); len(errs) > 0 {
		log.Warn().
			Int("error_count", len(errs)).
			Dur("duration", duration).
			Msg("Shutdown completed with errors")
	} else {
		log.Debug().
			Dur("duration", duration).
			Msg("Shutdown completed successfully")
	}

	return nil
}

func (c *Coordinator) watchForceTimeout(ctx context.Context) {
	forceDeadline := c.config.TotalTimeout + c.config.ForceTimeout
	timer := time.NewTimer(forceDeadline)

	defer timer.Stop()

	select {
	case <-timer.C:
		c.setPhase(PhaseForcedShutdown)
		log.Warn().
			Dur("timeout", forceDeadline).
			Msg("Force timeout reached, forcing shutdown")
	case <-c.doneCh:
	case <-ctx.Done():
	}
}

func (c *Coordinator) executeShutdownSequence(ctx context.Context, components ShutdownComponents) {
	c.executeTransferPhase(ctx, components)

	c.executeCloserPhase(ctx, PhaseRegistrations, "registrations", components.Registrations)
	c.executeCloserPhase(ctx, PhaseEndpoint, "endpoint", components.Endpoint)
	c.executeCloserPhase(ctx, PhaseChannel, "control_channel", components.Channel)

	c.executeMetricsPhase(ctx, components)
}

func (c *Coordinator) executeTransferPhase(ctx context.Context, components ShutdownComponents) {
	c.setPhase(PhaseTransfer)
	c.runHooks(ctx, PhaseTransfer)

	if components.Transfer == nil {
		return
	}

	transferCtx, cancel := context.WithTimeout(ctx, c.config.TransferTimeout)
	defer cancel()

	c.await(transferCtx, "transfer", func() error { return components.Transfer.Cancel(transferCtx) })
}

func (c *Coordinator) executeCloserPhase(ctx context.Context, phase Phase, name string, closer io.Closer) {
	c.setPhase(phase)
	c.runHooks(ctx, phase)

	if closer == nil {
		return
	}

	phaseCtx, cancel := context.WithTimeout(ctx, c.config.ResourceTimeout)
	defer cancel()

	c.await(phaseCtx, name, closer.Close)
	IncrementResourcesReleased()
}

func (c *Coordinator) executeMetricsPhase(ctx context.Context, components ShutdownComponents) {
	c.setPhase(PhaseMetrics)
	c.runHooks(ctx, PhaseMetrics)

	if components.MetricsServer == nil {
		return
	}

	metricsCtx, cancel := context.WithTimeout(ctx, c.config.MetricsTimeout)
	defer cancel()

	c.await(metricsCtx, "metrics_server", func() error { return components.MetricsServer.Shutdown(metricsCtx) })
}

// await runs fn in a goroutine and gives up when ctx expires.
func (c *Coordinator) await(ctx context.Context, name string, fn func() error) {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		if err != nil {
			log.Error().Err(err).Str("component", name).Msg("Error releasing component")
			c.addError(err)
		} else {
			log.Debug().Str("component", name).Msg("Component released")
		}
	case <-ctx.Done():
		log.Warn().Str("component", name).Msg("Timeout releasing component")
		c.addError(ctx.Err())
	}
}
