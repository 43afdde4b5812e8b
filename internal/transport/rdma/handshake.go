package rdma

import (
	"context"

	"github.com/rs/zerolog/log"
)

// ControlChannel is the reliable out-of-band byte stream used to exchange
// connection parameters and the file request.
type ControlChannel interface {
	SendBlocking(ctx context.Context, data []byte) error
	RecvBlocking(ctx context.Context, n int) ([]byte, error)
}

// HandshakeStrategy orders the ConnectionInfo exchange. Exactly one side of a
// connection must send first.
type HandshakeStrategy interface {
	Exchange(ctx context.Context, ch ControlChannel, local ConnectionInfo) (ConnectionInfo, error)
	Name() string
}

// Initiator sends its ConnectionInfo first, then receives the peer's.
// Clients use it.
type Initiator struct{}

func (Initiator) Name() string { return "initiator" }

func (Initiator) Exchange(ctx context.Context, ch ControlChannel, local ConnectionInfo) (ConnectionInfo, error) {
	if err := sendInfo(ctx, ch, local); err != nil {
		return ConnectionInfo{}, err
	}

	return recvInfo(ctx, ch)
}

// Responder receives the peer's ConnectionInfo first, then sends its own.
// Servers use it.
type Responder struct{}

func (Responder) Name() string { return "responder" }

func (Responder) Exchange(ctx context.Context, ch ControlChannel, local ConnectionInfo) (ConnectionInfo, error) {
	remote, err := recvInfo(ctx, ch)
	if err != nil {
		return ConnectionInfo{}, err
	}

	if err := sendInfo(ctx, ch, local); err != nil {
		return ConnectionInfo{}, err
	}

	return remote, nil
}

func sendInfo(ctx context.Context, ch ControlChannel, info ConnectionInfo) error {
	data, err := info.MarshalBinary()
	if err != nil {
		return err
	}

	return ch.SendBlocking(ctx, data)
}

func recvInfo(ctx context.Context, ch ControlChannel) (ConnectionInfo, error) {
	data, err := ch.RecvBlocking(ctx, ConnectionInfoSize)
	if err != nil {
		return ConnectionInfo{}, err
	}

	var info ConnectionInfo
	if err := info.UnmarshalBinary(data); err != nil {
		return ConnectionInfo{}, err
	}

	return info, nil
}

// Establish exchanges ConnectionInfo over ch and connects ep to the peer. It
// returns the peer's ConnectionInfo. Failures are *ConnectionError and are
// not retried.
func Establish(ctx context.Context, ch ControlChannel, ep *Endpoint, strategy HandshakeStrategy) (ConnectionInfo, error) {
	local, err := ep.LocalInfo()
	if err != nil {
		return ConnectionInfo{}, err
	}

	log.Debug().
		Str("role", strategy.Name()).
		Uint32("qpn", local.QPN).
		Str("gid", local.GIDString()).
		Msg("Exchanging connection info")

	remote, err := strategy.Exchange(ctx, ch, local)
	if err != nil {
		return ConnectionInfo{}, &ConnectionError{Step: StepExchange, Err: err}
	}

	if err := ep.Connect(remote); err != nil {
		return ConnectionInfo{}, err
	}

	return remote, nil
}
