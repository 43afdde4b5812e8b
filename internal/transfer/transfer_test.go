package transfer

import (
	"context"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/sama18-meet/rdma-app/internal/transport/oob"
	"github.com/sama18-meet/rdma-app/internal/transport/rdma"
)

type side struct {
	ep *rdma.Endpoint
	ch *oob.Channel
}

func testContext(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	return ctx
}

// loopback connects a client and a server endpoint on one simulated fabric
// over a real TCP control channel.
func loopback(t *testing.T) (client, server side) {
	t.Helper()

	ctx := testContext(t)
	fabric := rdma.NewSimulatedFabric()

	newEndpoint := func() *rdma.Endpoint {
		ep, err := rdma.NewEndpoint(rdma.NewSimulatedVerbsBackendOn(fabric), rdma.DefaultEndpointConfig())
		require.NoError(t, err)
		t.Cleanup(func() { _ = ep.Close() })

		return ep
	}

	client.ep = newEndpoint()
	server.ep = newEndpoint()

	var (
		ln  *oob.Listener
		err error
	)

	for range 10 {
		if ln, err = oob.Listen(ctx, "127.0.0.1", 0); err == nil {
			break
		}
	}
	require.NoError(t, err)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ch, err := ln.Accept(gctx)
		if err != nil {
			return err
		}

		server.ch = ch
		_, err = rdma.Establish(gctx, ch, server.ep, rdma.Responder{})

		return err
	})
	g.Go(func() error {
		ch, err := oob.Dial(gctx, "127.0.0.1", ln.Port())
		if err != nil {
			return err
		}

		client.ch = ch
		_, err = rdma.Establish(gctx, ch, client.ep, rdma.Initiator{})

		return err
	})
	require.NoError(t, g.Wait())

	t.Cleanup(func() {
		_ = client.ch.Close()
		_ = server.ch.Close()
	})

	return client, server
}

func writeFile(t *testing.T, data []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	return path
}

// run sends path from the client while the server receives it.
func run(t *testing.T, opts Options, path string) (sent, got *Result, sendErr, recvErr error) {
	t.Helper()

	clientSide, serverSide := loopback(t)
	ctx := testContext(t)

	client := NewClient(clientSide.ep, clientSide.ch, opts)
	server := NewServer(serverSide.ep, serverSide.ch, opts)

	done := make(chan struct{})
	go func() {
		defer close(done)
		sent, sendErr = client.SendFile(ctx, path)
	}()

	got, recvErr = server.ReceiveFile(ctx)
	<-done

	return sent, got, sendErr, recvErr
}

func TestRoundTrip(t *testing.T) {
	payload := make([]byte, 3*rdma.PageSize()+123)
	_, _ = rand.Read(payload)

	sent, got, sendErr, recvErr := run(t, Options{Ack: true}, writeFile(t, payload))
	require.NoError(t, sendErr)
	require.NoError(t, recvErr)

	assert.Equal(t, payload, got.Data)
	assert.Equal(t, len(payload), got.Length)
	assert.Equal(t, RequestID, got.RequestID)
	assert.Equal(t, xxhash.Sum64(payload), got.Digest)
	assert.Equal(t, RoleServer, got.Role)
	assert.True(t, got.Acked)

	assert.Equal(t, got.Digest, sent.Digest)
	assert.Equal(t, RoleClient, sent.Role)
	assert.Nil(t, sent.Data)
	assert.True(t, sent.Acked)
	assert.NotEqual(t, sent.Session, got.Session)
}

func TestRoundTripLinger(t *testing.T) {
	payload := []byte("a small file read while the client lingers")

	sent, got, sendErr, recvErr := run(t, Options{Linger: 200 * time.Millisecond}, writeFile(t, payload))
	require.NoError(t, sendErr)
	require.NoError(t, recvErr)

	assert.Equal(t, payload, got.Data)
	assert.False(t, got.Acked)
	assert.False(t, sent.Acked)
}

func TestZeroByteFile(t *testing.T) {
	sent, got, sendErr, recvErr := run(t, Options{Ack: true}, writeFile(t, nil))
	require.NoError(t, sendErr)
	require.NoError(t, recvErr)

	assert.Equal(t, 0, got.Length)
	assert.Empty(t, got.Data)
	assert.Equal(t, xxhash.Sum64(nil), got.Digest)
	assert.Equal(t, 0, sent.Length)
}

func TestZeroByteRequestOnWire(t *testing.T) {
	clientSide, serverSide := loopback(t)
	ctx := testContext(t)

	client := NewClient(clientSide.ep, clientSide.ch, Options{})

	_, err := client.Send(ctx, nil)
	require.NoError(t, err)

	wire, err := serverSide.ch.RecvBlocking(ctx, rdma.FileRequestSize)
	require.NoError(t, err)

	var req rdma.FileRequest
	require.NoError(t, req.UnmarshalBinary(wire))
	assert.Equal(t, rdma.FileRequest{RequestID: 1}, req)
	assert.Equal(t, 1, clientSide.ep.Registrar().Live(), "only the control slots are registered")
}

func TestReadWithoutRemoteAccess(t *testing.T) {
	clientSide, serverSide := loopback(t)
	ctx := testContext(t)

	// Advertise a buffer registered for local access only.
	buf := make([]byte, 512)
	reg, err := clientSide.ep.Registrar().Register(buf, rdma.AccessLocal)
	require.NoError(t, err)

	req := rdma.FileRequest{RequestID: RequestID, RemoteKey: reg.RemoteKey, Length: 512, RemoteAddr: reg.Addr}
	wire, err := req.MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, clientSide.ch.SendBlocking(ctx, wire))

	server := NewServer(serverSide.ep, serverSide.ch, Options{})

	_, err = server.ReceiveFile(ctx)

	var compErr *rdma.CompletionError
	require.ErrorAs(t, err, &compErr)
	assert.Equal(t, rdma.WCRemoteAccessErr, compErr.Status)
	assert.Equal(t, ReadWRID, compErr.WRID)
	assert.True(t, errors.Is(err, rdma.ErrAccessDenied))

	assert.Equal(t, 1, serverSide.ep.Registrar().Live(), "destination released after failure")
}

func TestAckAfterFailedRead(t *testing.T) {
	clientSide, serverSide := loopback(t)
	ctx := testContext(t)

	// Advertise a key the client never handed out.
	data := []byte("never read")
	reg, err := clientSide.ep.Registrar().Register(data, rdma.AccessSource)
	require.NoError(t, err)

	req := rdma.FileRequest{RequestID: RequestID, RemoteKey: reg.RemoteKey + 1000, Length: 10, RemoteAddr: reg.Addr}
	wire, err := req.MarshalBinary()
	require.NoError(t, err)

	server := NewServer(serverSide.ep, serverSide.ch, Options{Ack: true})
	client := NewClient(clientSide.ep, clientSide.ch, Options{Ack: true})

	require.NoError(t, clientSide.ch.SendBlocking(ctx, wire))

	_, err = server.ReceiveFile(ctx)
	assert.ErrorIs(t, err, rdma.ErrAccessDenied)

	err = client.awaitAck(ctx, RequestID)
	assert.ErrorIs(t, err, ErrRemoteFailed)
}

func TestReadRejectsStrayCompletion(t *testing.T) {
	clientSide, serverSide := loopback(t)
	ctx := testContext(t)

	// A write with immediate lands on the server's receive slots before the
	// request does, so the first completion the server reaps is not its read.
	imm := uint32(7)
	require.NoError(t, clientSide.ep.PostRDMAWrite(nil, 0, 0, 0, 0, &imm, 9))
	_, err := clientSide.ep.PollSuccess(ctx)
	require.NoError(t, err)

	data := []byte("payload")
	reg, err := clientSide.ep.Registrar().Register(data, rdma.AccessSource)
	require.NoError(t, err)

	req := rdma.FileRequest{RequestID: RequestID, RemoteKey: reg.RemoteKey, Length: uint32(len(data)), RemoteAddr: reg.Addr}
	wire, err := req.MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, clientSide.ch.SendBlocking(ctx, wire))

	_, err = NewServer(serverSide.ep, serverSide.ch, Options{}).ReceiveFile(ctx)
	assert.ErrorIs(t, err, ErrUnexpectedWC)
}

func TestAckRejectsSendCompletion(t *testing.T) {
	clientSide, _ := loopback(t)
	ctx := testContext(t)

	// An unpolled completion of the client's own write is not an ack.
	require.NoError(t, clientSide.ep.PostRDMAWrite(nil, 0, 0, 0, 0, nil, 9))

	client := NewClient(clientSide.ep, clientSide.ch, Options{Ack: true})
	err := client.awaitAck(ctx, RequestID)
	assert.ErrorIs(t, err, ErrUnexpectedAck)
}

func TestExpectCompletion(t *testing.T) {
	wc := rdma.VerbsWorkCompletion{WRID: ReadWRID, Opcode: rdma.WCOpRDMARead}
	assert.NoError(t, expectCompletion(wc, ReadWRID, rdma.WCOpRDMARead))
	assert.ErrorIs(t, expectCompletion(wc, AckWRID, rdma.WCOpRDMAWrite), ErrUnexpectedWC)

	wc.Opcode = rdma.WCOpRecv
	assert.ErrorIs(t, expectCompletion(wc, ReadWRID, rdma.WCOpRDMARead), ErrUnexpectedWC)
}

func TestSendMissingFile(t *testing.T) {
	client := NewClient(nil, nil, Options{})

	_, err := client.SendFile(testContext(t), filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestCancel(t *testing.T) {
	_, serverSide := loopback(t)
	ctx := testContext(t)

	server := NewServer(serverSide.ep, serverSide.ch, Options{})

	// Nothing in flight.
	require.NoError(t, server.Cancel(ctx))

	errCh := make(chan error, 1)
	go func() {
		_, err := server.ReceiveFile(ctx)
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		server.mu.Lock()
		defer server.mu.Unlock()

		return server.done != nil
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, server.Cancel(ctx))
	assert.ErrorIs(t, <-errCh, context.Canceled)
}

func TestBusy(t *testing.T) {
	var f inflight

	_, err := f.begin(context.Background())
	require.NoError(t, err)

	_, err = f.begin(context.Background())
	assert.ErrorIs(t, err, ErrBusy)

	f.end()

	_, err = f.begin(context.Background())
	assert.NoError(t, err)
	f.end()
}
