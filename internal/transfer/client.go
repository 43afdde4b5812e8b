package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sama18-meet/rdma-app/internal/metrics"
	"github.com/sama18-meet/rdma-app/internal/transport/rdma"
)

// Client exposes a file for the server to read.
type Client struct {
	ep   *rdma.Endpoint
	ch   rdma.ControlChannel
	opts Options
	inflight
}

// NewClient returns a client over a connected endpoint and its control
// channel.
func NewClient(ep *rdma.Endpoint, ch rdma.ControlChannel, opts Options) *Client {
	return &Client{ep: ep, ch: ch, opts: opts}
}

// SendFile loads path into registered memory and hands the server a request
// to read it.
func (c *Client) SendFile(ctx context.Context, path string) (*Result, error) {
	f, err := os.Open(path) //nolint:gosec // G304: path is the file the user asked to send
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	size := info.Size()
	if size > MaxTransferSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, size)
	}

	if size == 0 {
		return c.Send(ctx, nil)
	}

	buf, err := rdma.AllocBuffer(int(size))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rdma.FreeBuffer(buf) }()

	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	return c.Send(ctx, buf)
}

// Send registers data and sends the request describing it. data should be
// page aligned (see rdma.AllocBuffer); an empty data sends a zero-length
// request without registering anything.
func (c *Client) Send(ctx context.Context, data []byte) (*Result, error) {
	if uint64(len(data)) > MaxTransferSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}

	ctx, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer c.end()

	started := time.Now()
	session := uuid.New()

	req := rdma.FileRequest{RequestID: RequestID}

	if len(data) > 0 {
		reg, err := c.ep.Registrar().Register(data, rdma.AccessSource)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := reg.Release(); err != nil {
				log.Warn().Err(err).Msg("Failed to release source buffer")
			}
		}()

		req.RemoteKey = reg.RemoteKey
		req.Length = uint32(len(data)) //nolint:gosec // G115: checked against MaxTransferSize
		req.RemoteAddr = reg.Addr
	}

	wire, err := req.MarshalBinary()
	if err != nil {
		return nil, err
	}

	if err := c.ch.SendBlocking(ctx, wire); err != nil {
		return nil, fmt.Errorf("failed to send file request: %w", err)
	}

	log.Info().
		Str("session", session.String()).
		Uint32("request_id", req.RequestID).
		Uint32("length", req.Length).
		Uint64("remote_addr", req.RemoteAddr).
		Uint32("rkey", req.RemoteKey).
		Msg("File request sent")

	result := newResult(RoleClient, session, req.RequestID, data, started)
	result.Data = nil

	if c.opts.Ack {
		if err := c.awaitAck(ctx, req.RequestID); err != nil {
			return nil, err
		}

		result.Acked = true
	} else if err := c.linger(ctx); err != nil {
		return nil, err
	}

	result.Duration = time.Since(started)
	metrics.RecordTransfer(RoleClient, result.Length, result.Duration.Seconds())

	return result, nil
}

// awaitAck waits for the server's write with immediate on one of the armed
// control slots. A failed read leaves both queue pairs in ERR, so the server
// cannot answer; the client sees its receives flushed instead.
func (c *Client) awaitAck(ctx context.Context, requestID uint32) error {
	wc, err := c.ep.PollSuccess(ctx)
	if err != nil {
		var compErr *rdma.CompletionError
		if errors.As(err, &compErr) && compErr.Status == rdma.WCWRFlushErr {
			return fmt.Errorf("%w: connection failed before acknowledgement: %w", ErrRemoteFailed, err)
		}

		return err
	}

	if _, ok := rdma.SlotIndex(wc.WRID); !ok || wc.Opcode != rdma.WCOpRecvRDMAWithImm || !wc.HasImm() {
		return fmt.Errorf("%w: completion %s", ErrUnexpectedAck, wc.Opcode)
	}

	if _, err := c.ep.ConsumeSlot(wc); err != nil {
		return err
	}

	if wc.ImmData != requestID {
		return fmt.Errorf("%w: request %d, expected %d", ErrUnexpectedAck, wc.ImmData, requestID)
	}

	log.Debug().Uint32("request_id", requestID).Msg("Transfer acknowledged")

	return nil
}

func (c *Client) linger(ctx context.Context) error {
	if c.opts.Linger <= 0 {
		return nil
	}

	timer := time.NewTimer(c.opts.Linger)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
