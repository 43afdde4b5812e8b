package transfer

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sama18-meet/rdma-app/internal/metrics"
	"github.com/sama18-meet/rdma-app/internal/transport/rdma"
)

// Server pulls one file from a client.
type Server struct {
	ep   *rdma.Endpoint
	ch   rdma.ControlChannel
	opts Options
	inflight
}

// NewServer returns a server over a connected endpoint and its control
// channel.
func NewServer(ep *rdma.Endpoint, ch rdma.ControlChannel, opts Options) *Server {
	return &Server{ep: ep, ch: ch, opts: opts}
}

// ReceiveFile waits for the client's request and reads the file it describes.
// A failed read is returned as *rdma.CompletionError.
func (s *Server) ReceiveFile(ctx context.Context) (*Result, error) {
	ctx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer s.end()

	wire, err := s.ch.RecvBlocking(ctx, rdma.FileRequestSize)
	if err != nil {
		return nil, fmt.Errorf("failed to receive file request: %w", err)
	}

	var req rdma.FileRequest
	if err := req.UnmarshalBinary(wire); err != nil {
		return nil, err
	}

	started := time.Now()
	session := uuid.New()

	log.Info().
		Str("session", session.String()).
		Uint32("request_id", req.RequestID).
		Uint32("length", req.Length).
		Uint64("remote_addr", req.RemoteAddr).
		Uint32("rkey", req.RemoteKey).
		Msg("File request received")

	data, err := s.read(ctx, req)
	if err != nil {
		return nil, err
	}

	result := newResult(RoleServer, session, req.RequestID, data, started)

	if s.opts.Ack {
		if err := s.acknowledge(ctx, req.RequestID); err != nil {
			return nil, err
		}

		result.Acked = true
	}

	result.Duration = time.Since(started)
	metrics.RecordTransfer(RoleServer, result.Length, result.Duration.Seconds())

	log.Info().
		Str("session", session.String()).
		Int("length", result.Length).
		Str("digest", result.DigestString()).
		Dur("duration", result.Duration).
		Msg("File received")

	return result, nil
}

// read pulls req.Length bytes and returns a copy that outlives the
// registration.
func (s *Server) read(ctx context.Context, req rdma.FileRequest) ([]byte, error) {
	if req.Length == 0 {
		return []byte{}, nil
	}

	buf, err := rdma.AllocBuffer(int(req.Length))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rdma.FreeBuffer(buf) }()

	reg, err := s.ep.Registrar().Register(buf, rdma.AccessDestination)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := reg.Release(); err != nil {
			log.Warn().Err(err).Msg("Failed to release destination buffer")
		}
	}()

	if err := s.ep.PostRDMARead(reg, 0, int(req.Length), req.RemoteAddr, req.RemoteKey, ReadWRID); err != nil {
		return nil, err
	}

	wc, err := s.ep.PollSuccess(ctx)
	if err != nil {
		return nil, err
	}

	if err := expectCompletion(wc, ReadWRID, rdma.WCOpRDMARead); err != nil {
		return nil, err
	}

	return bytes.Clone(reg.Bytes()), nil
}

// acknowledge answers with a zero-length write carrying the request id.
func (s *Server) acknowledge(ctx context.Context, requestID uint32) error {
	imm := requestID

	if err := s.ep.PostRDMAWrite(nil, 0, 0, 0, 0, &imm, AckWRID); err != nil {
		return fmt.Errorf("failed to acknowledge: %w", err)
	}

	wc, err := s.ep.PollSuccess(ctx)
	if err != nil {
		return fmt.Errorf("failed to acknowledge: %w", err)
	}

	if err := expectCompletion(wc, AckWRID, rdma.WCOpRDMAWrite); err != nil {
		return fmt.Errorf("failed to acknowledge: %w", err)
	}

	return nil
}
