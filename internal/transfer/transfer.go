// Package transfer moves one file from a client to a server. The client
// registers the file's bytes for remote read and sends a FileRequest over the
// control channel; the server pulls the bytes with a single RDMA Read.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/sama18-meet/rdma-app/internal/transport/rdma"
)

// Protocol constants.
const (
	// RequestID is the id of the single request a client sends.
	RequestID uint32 = 1

	// ReadWRID is the work request id of the server's RDMA Read.
	ReadWRID uint64 = 1

	// AckWRID is the work request id of the server's acknowledgement.
	AckWRID uint64 = 2

	// MaxTransferSize is the largest file a FileRequest can describe.
	MaxTransferSize = math.MaxUint32
)

// Roles used in results and metrics.
const (
	RoleClient = "client"
	RoleServer = "server"
)

// Transfer errors.
var (
	ErrTooLarge      = errors.New("file exceeds maximum transfer size")
	ErrRemoteFailed  = errors.New("server reported a failed transfer")
	ErrUnexpectedAck = errors.New("unexpected acknowledgement")
	ErrUnexpectedWC  = errors.New("unexpected work completion")
	ErrBusy          = errors.New("transfer already in progress")
)

// Options controls the optional parts of the protocol. Both sides must agree
// on Ack.
type Options struct {
	// Ack makes the server answer with a zero-length RDMA Write with
	// immediate, and the client wait for it before releasing its buffer.
	Ack bool

	// Linger is how long the client keeps its buffer registered after
	// sending the request when Ack is off. The server reads at its own pace,
	// so releasing immediately can race the read.
	Linger time.Duration
}

// Result describes one completed transfer. Data is only kept by the server;
// the client's bytes belong to its caller.
type Result struct {
	Session   uuid.UUID
	Role      string
	Data      []byte
	Length    int
	Digest    uint64
	Duration  time.Duration
	RequestID uint32
	Acked     bool
}

func newResult(role string, session uuid.UUID, requestID uint32, data []byte, started time.Time) *Result {
	return &Result{
		Session:   session,
		Role:      role,
		Data:      data,
		Length:    len(data),
		Digest:    xxhash.Sum64(data),
		Duration:  time.Since(started),
		RequestID: requestID,
	}
}

// DigestString returns the digest as fixed-width hex.
func (r *Result) DigestString() string {
	return fmt.Sprintf("%016x", r.Digest)
}

// expectCompletion checks that wc completes the work request wrID posted
// with opcode.
func expectCompletion(wc rdma.VerbsWorkCompletion, wrID uint64, opcode rdma.WCOpcode) error {
	if wc.WRID != wrID || wc.Opcode != opcode {
		return fmt.Errorf("%w: work request %d (%s), expected %d (%s)", ErrUnexpectedWC, wc.WRID, wc.Opcode, wrID, opcode)
	}

	return nil
}

// inflight tracks the running transfer so it can be cancelled from another
// goroutine.
type inflight struct {
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
}

func (f *inflight) begin(ctx context.Context) (context.Context, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.done != nil {
		return nil, ErrBusy
	}

	ctx, f.cancel = context.WithCancel(ctx)
	f.done = make(chan struct{})

	return ctx, nil
}

func (f *inflight) end() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cancel()
	close(f.done)
	f.cancel = nil
	f.done = nil
}

// Cancel stops the running transfer, if any, and waits for it to return.
func (f *inflight) Cancel(ctx context.Context) error {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.mu.Unlock()

	if done == nil {
		return nil
	}

	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
