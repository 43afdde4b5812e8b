package rdma

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistrar(t *testing.T) (*Registrar, *SimulatedVerbsBackend, VerbsPD) {
	t.Helper()

	backend := NewSimulatedVerbsBackendOn(NewSimulatedFabric())
	require.NoError(t, backend.Init())

	t.Cleanup(func() { _ = backend.Close() })

	ctx, err := backend.OpenDevice("mlx5_0")
	require.NoError(t, err)

	pd, err := backend.AllocPD(ctx)
	require.NoError(t, err)

	return NewRegistrar(backend, pd), backend, pd
}

func TestRegistrarRegister(t *testing.T) {
	g, _, _ := newTestRegistrar(t)

	buf := make([]byte, 4096)

	reg, err := g.Register(buf, MRAccessRemoteRead)
	require.NoError(t, err)

	assert.Equal(t, 4096, reg.Length)
	assert.True(t, reg.Access.Has(MRAccessLocalWrite), "local write is always added")
	assert.True(t, reg.Access.Has(MRAccessRemoteRead))
	assert.NotZero(t, reg.RemoteKey)
	assert.Equal(t, &buf[0], &reg.Bytes()[0])
	assert.Equal(t, 1, g.Live())
}

func TestRegistrationReleaseOnce(t *testing.T) {
	g, _, _ := newTestRegistrar(t)

	reg, err := g.Register(make([]byte, 64), AccessSource)
	require.NoError(t, err)

	require.NoError(t, reg.Release())
	assert.ErrorIs(t, reg.Release(), ErrReleased)
	assert.True(t, reg.Released())
	assert.Equal(t, 0, g.Live())
}

func TestRegistrationContains(t *testing.T) {
	g, _, _ := newTestRegistrar(t)

	reg, err := g.Register(make([]byte, 100), AccessSource)
	require.NoError(t, err)

	assert.True(t, reg.Contains(reg.Addr, 100))
	assert.True(t, reg.Contains(reg.Addr+40, 60))
	assert.True(t, reg.Contains(reg.Addr+100, 0))
	assert.False(t, reg.Contains(reg.Addr+40, 61))
	assert.False(t, reg.Contains(reg.Addr-1, 1))
}

func TestRegistrarEmptyBuffer(t *testing.T) {
	g, _, _ := newTestRegistrar(t)

	_, err := g.Register(nil, AccessSource)

	var regErr *RegistrationError
	require.ErrorAs(t, err, &regErr)
	assert.ErrorIs(t, err, ErrMRCreation)
}

func TestRegistrarCloseReleasesLeftovers(t *testing.T) {
	g, backend, pd := newTestRegistrar(t)

	_, err := g.Register(make([]byte, 64), AccessSource)
	require.NoError(t, err)
	_, err = g.Register(make([]byte, 64), AccessDestination)
	require.NoError(t, err)

	// The protection domain cannot go while registrations are live.
	assert.ErrorIs(t, backend.DeallocPD(pd), ErrPDCreation)

	require.NoError(t, g.Close())
	assert.Equal(t, 0, g.Live())
	require.NoError(t, backend.DeallocPD(pd))

	_, err = g.Register(make([]byte, 64), AccessSource)
	assert.ErrorIs(t, err, ErrEndpointClosed)
}

func TestAllocBuffer(t *testing.T) {
	buf, err := AllocBuffer(PageSize() + 1)
	require.NoError(t, err)

	assert.Len(t, buf, PageSize()+1)
	assert.Zero(t, buf[0])

	buf[len(buf)-1] = 0xff

	require.NoError(t, FreeBuffer(buf))
	require.NoError(t, FreeBuffer(nil))

	_, err = AllocBuffer(0)
	assert.Error(t, err)
}
