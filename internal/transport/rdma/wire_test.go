package rdma

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionInfoLayout(t *testing.T) {
	info := ConnectionInfo{QPN: 0x00abcdef}
	info.GID[0], info.GID[1], info.GID[15] = 0xfe, 0x80, 0x07

	data, err := info.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, data, ConnectionInfoSize)
	assert.Equal(t, 20, ConnectionInfoSize)

	assert.Equal(t, info.GID[:], data[:16])
	assert.Equal(t, uint32(0x00abcdef), binary.NativeEndian.Uint32(data[16:]))

	var decoded ConnectionInfo
	require.NoError(t, decoded.UnmarshalBinary(data))
	assert.Equal(t, info, decoded)
	assert.Equal(t, "fe80::7", decoded.GIDString())
}

func TestFileRequestLayout(t *testing.T) {
	req := FileRequest{RequestID: 1, RemoteKey: 0x1001, Length: 4096, RemoteAddr: 0x7f0000001000}

	data, err := req.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, data, FileRequestSize)
	assert.Equal(t, 20, FileRequestSize)

	assert.Equal(t, uint32(1), binary.NativeEndian.Uint32(data[0:]))
	assert.Equal(t, uint32(0x1001), binary.NativeEndian.Uint32(data[4:]))
	assert.Equal(t, uint32(4096), binary.NativeEndian.Uint32(data[8:]))
	assert.Equal(t, uint64(0x7f0000001000), binary.NativeEndian.Uint64(data[12:]))

	var decoded FileRequest
	require.NoError(t, decoded.UnmarshalBinary(data))
	assert.Equal(t, req, decoded)
}

func TestUnmarshalShortBuffer(t *testing.T) {
	var info ConnectionInfo
	assert.ErrorIs(t, info.UnmarshalBinary(make([]byte, 19)), ErrShortBuffer)

	var req FileRequest
	assert.ErrorIs(t, req.UnmarshalBinary(make([]byte, 12)), ErrShortBuffer)
}
