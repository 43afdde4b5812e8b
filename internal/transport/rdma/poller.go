package rdma

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sama18-meet/rdma-app/internal/metrics"
)

// CompletionSource yields work completions, usually a completion queue.
type CompletionSource interface {
	PollCQ(numEntries int) ([]VerbsWorkCompletion, error)
}

// eventSource is implemented by sources that can signal new completions.
type eventSource interface {
	CompletionEvents() (<-chan struct{}, error)
}

// WaitStrategy decides what happens after an empty poll. attempt counts the
// empty polls so far and since is the time spent polling. A non-nil error
// ends the poll.
type WaitStrategy interface {
	Wait(ctx context.Context, src CompletionSource, attempt int, since time.Duration) error
}

// SpinWait busy-polls until a completion arrives or ctx is done.
type SpinWait struct{}

func (SpinWait) Wait(ctx context.Context, _ CompletionSource, _ int, _ time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// BackoffWait spins for Spins empty polls, then sleeps with exponential
// backoff between Initial and Max. With a positive Budget the poll gives up
// with ErrPollTimeout once that much time has passed.
type BackoffWait struct {
	Initial time.Duration
	Max     time.Duration
	Budget  time.Duration
	Spins   int
}

// DefaultBackoffWait returns the backoff used when none is configured.
func DefaultBackoffWait() BackoffWait {
	return BackoffWait{
		Spins:   1024,
		Initial: 10 * time.Microsecond,
		Max:     10 * time.Millisecond,
		Budget:  30 * time.Second,
	}
}

func (b BackoffWait) Wait(ctx context.Context, _ CompletionSource, attempt int, since time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if b.Budget > 0 && since >= b.Budget {
		return ErrPollTimeout
	}

	if attempt < b.Spins {
		return nil
	}

	delay := b.Initial
	if delay <= 0 {
		delay = time.Microsecond
	}

	for i := b.Spins; i < attempt && delay < b.Max; i++ {
		delay *= 2
	}

	if b.Max > 0 && delay > b.Max {
		delay = b.Max
	}

	if b.Budget > 0 && since+delay > b.Budget {
		delay = b.Budget - since
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// NotifyWait blocks on the source's completion events. Sources without
// events, or whose backend cannot deliver them, are busy-polled.
type NotifyWait struct{}

func (NotifyWait) Wait(ctx context.Context, src CompletionSource, attempt int, since time.Duration) error {
	es, ok := src.(eventSource)
	if !ok {
		return SpinWait{}.Wait(ctx, src, attempt, since)
	}

	events, err := es.CompletionEvents()
	if err != nil {
		return &TransportError{Op: "completion events", Err: err}
	}

	if events == nil {
		return SpinWait{}.Wait(ctx, src, attempt, since)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-events:
		return nil
	}
}

// Wait strategy names accepted by ParseWaitStrategy.
const (
	WaitSpin    = "spin"
	WaitBackoff = "backoff"
	WaitNotify  = "notify"
)

// ParseWaitStrategy maps a configured name to a strategy. budget only
// applies to backoff.
func ParseWaitStrategy(name string, budget time.Duration) (WaitStrategy, bool) {
	switch name {
	case "", WaitSpin:
		return SpinWait{}, true
	case WaitBackoff:
		b := DefaultBackoffWait()
		b.Budget = budget

		return b, true
	case WaitNotify:
		return NotifyWait{}, true
	default:
		return nil, false
	}
}

// Poller reaps one completion at a time from a source.
type Poller struct {
	source CompletionSource
	wait   WaitStrategy
}

// NewPoller returns a poller over source. A nil wait means SpinWait.
func NewPoller(source CompletionSource, wait WaitStrategy) *Poller {
	if wait == nil {
		wait = SpinWait{}
	}

	return &Poller{source: source, wait: wait}
}

// Poll blocks until one completion is available and returns it whatever its
// status. Provider failures are returned as *TransportError.
func (p *Poller) Poll(ctx context.Context) (VerbsWorkCompletion, error) {
	start := time.Now()

	for attempt := 0; ; attempt++ {
		wcs, err := p.source.PollCQ(1)
		if err != nil {
			return VerbsWorkCompletion{}, &TransportError{Op: "poll completion queue", Err: err}
		}

		if len(wcs) > 0 {
			wc := wcs[0]

			metrics.RecordCompletion(wc.Opcode.String(), wc.Status.String(), attempt)

			log.Debug().
				Uint64("wr_id", wc.WRID).
				Str("opcode", wc.Opcode.String()).
				Int("status", int(wc.Status)).
				Uint32("byte_len", wc.ByteLen).
				Int("empty_polls", attempt).
				Msg("Reaped work completion")

			return wc, nil
		}

		if err := p.wait.Wait(ctx, p.source, attempt, time.Since(start)); err != nil {
			return VerbsWorkCompletion{}, err
		}
	}
}

// PollSuccess is Poll followed by ExpectSuccess.
func (p *Poller) PollSuccess(ctx context.Context) (VerbsWorkCompletion, error) {
	wc, err := p.Poll(ctx)
	if err != nil {
		return wc, err
	}

	return wc, ExpectSuccess(wc)
}

// ExpectSuccess converts a failed completion into a *CompletionError.
func ExpectSuccess(wc VerbsWorkCompletion) error {
	if wc.Status == WCSuccess {
		return nil
	}

	return &CompletionError{WRID: wc.WRID, Status: wc.Status, Opcode: wc.Opcode}
}

// cqSource adapts one CQ of a backend to CompletionSource.
type cqSource struct {
	backend VerbsBackend
	cq      VerbsCQ
}

func (s cqSource) PollCQ(numEntries int) ([]VerbsWorkCompletion, error) {
	return s.backend.PollCQ(s.cq, numEntries)
}

func (s cqSource) CompletionEvents() (<-chan struct{}, error) {
	n, ok := s.backend.(CompletionNotifier)
	if !ok {
		return nil, nil
	}

	return n.CompletionEvents(s.cq)
}
