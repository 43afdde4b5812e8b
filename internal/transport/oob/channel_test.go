package oob

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func testContext(t *testing.T) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	return ctx
}

// listenAny listens on a default-range port, retrying if one is taken.
func listenAny(t *testing.T) *Listener {
	t.Helper()

	var lastErr error

	for range 10 {
		ln, err := Listen(testContext(t), "127.0.0.1", 0)
		if err == nil {
			t.Cleanup(func() { _ = ln.Close() })
			return ln
		}

		lastErr = err
	}

	require.NoError(t, lastErr)

	return nil
}

// connectedPair returns the accepted and dialled ends of one channel.
func connectedPair(t *testing.T) (*Channel, *Channel) {
	t.Helper()

	ctx := testContext(t)
	ln := listenAny(t)

	var server, client *Channel

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		server, err = ln.Accept(gctx)

		return err
	})
	g.Go(func() error {
		var err error
		client, err = Dial(gctx, "127.0.0.1", ln.Port())

		return err
	})
	require.NoError(t, g.Wait())

	t.Cleanup(func() {
		server.Close()
		client.Close()
	})

	return server, client
}

func TestRandomPortRange(t *testing.T) {
	for range 1000 {
		p := RandomPort()
		assert.GreaterOrEqual(t, p, DefaultPortBase)
		assert.Less(t, p, DefaultPortBase+DefaultPortRange)
	}
}

func TestListenDefaultPort(t *testing.T) {
	ln := listenAny(t)

	assert.GreaterOrEqual(t, ln.Port(), DefaultPortBase)
	assert.Less(t, ln.Port(), DefaultPortBase+DefaultPortRange)
}

func TestListenSecondBindFails(t *testing.T) {
	first := listenAny(t)

	_, err := Listen(testContext(t), "127.0.0.1", first.Port())
	require.Error(t, err)

	var oobErr *Error
	require.ErrorAs(t, err, &oobErr)
	assert.Equal(t, "listen", oobErr.Op)
	assert.ErrorIs(t, err, ErrBind)
}

func TestSendRecv(t *testing.T) {
	server, client := connectedPair(t)
	ctx := testContext(t)

	record := []byte("0123456789abcdefghij")

	errCh := make(chan error, 1)
	go func() { errCh <- client.SendBlocking(ctx, record) }()

	got, err := server.RecvBlocking(ctx, len(record))
	require.NoError(t, err)
	require.NoError(t, <-errCh)

	assert.Equal(t, record, got)
}

func TestRecvAssemblesSplitWrites(t *testing.T) {
	server, client := connectedPair(t)
	ctx := testContext(t)

	go func() {
		_ = client.SendBlocking(ctx, []byte("0123"))
		time.Sleep(10 * time.Millisecond)
		_ = client.SendBlocking(ctx, []byte("4567"))
	}()

	got, err := server.RecvBlocking(ctx, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte("01234567"), got)
}

func TestRecvShortTransfer(t *testing.T) {
	server, client := connectedPair(t)
	ctx := testContext(t)

	require.NoError(t, client.SendBlocking(ctx, []byte("half")))
	require.NoError(t, client.Close())

	_, err := server.RecvBlocking(ctx, 20)
	assert.ErrorIs(t, err, ErrShortTransfer)
}

func TestRecvCancelled(t *testing.T) {
	server, _ := connectedPair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := server.RecvBlocking(ctx, 4)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAcceptCancelled(t *testing.T) {
	ln := listenAny(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ln.Accept(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestAcceptStopsListening(t *testing.T) {
	ctx := testContext(t)
	ln := listenAny(t)

	done := make(chan *Channel, 1)
	go func() {
		ch, _ := ln.Accept(ctx)
		done <- ch
	}()

	client, err := Dial(ctx, "127.0.0.1", ln.Port())
	require.NoError(t, err)

	defer client.Close()

	server := <-done
	require.NotNil(t, server)

	defer server.Close()

	_, err = Dial(ctx, "127.0.0.1", ln.Port())
	assert.Error(t, err, "listener accepts a single peer")
}
