package rdma

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Wire record sizes. Records are packed and encoded in host byte order; both
// peers are assumed to share endianness.
const (
	ConnectionInfoSize = 16 + 4
	FileRequestSize    = 4 + 4 + 4 + 8
)

var hostOrder = binary.NativeEndian

// ConnectionInfo is what each side sends the other during the handshake.
type ConnectionInfo struct {
	GID [16]byte
	QPN uint32
}

// MarshalBinary encodes the record as GID[16] followed by QPN.
func (c ConnectionInfo) MarshalBinary() ([]byte, error) {
	buf := make([]byte, ConnectionInfoSize)
	copy(buf[:16], c.GID[:])
	hostOrder.PutUint32(buf[16:], c.QPN)

	return buf, nil
}

// UnmarshalBinary decodes a record produced by MarshalBinary.
func (c *ConnectionInfo) UnmarshalBinary(data []byte) error {
	if len(data) < ConnectionInfoSize {
		return fmt.Errorf("%w: connection info needs %d bytes, got %d", ErrShortBuffer, ConnectionInfoSize, len(data))
	}

	copy(c.GID[:], data[:16])
	c.QPN = hostOrder.Uint32(data[16:20])

	return nil
}

// GIDString renders the GID in IPv6 notation.
func (c ConnectionInfo) GIDString() string {
	return net.IP(c.GID[:]).String()
}

// FileRequest describes the client buffer the server should read.
type FileRequest struct {
	RequestID  uint32
	RemoteKey  uint32
	Length     uint32
	RemoteAddr uint64
}

// MarshalBinary encodes RequestID, RemoteKey, Length then RemoteAddr.
func (r FileRequest) MarshalBinary() ([]byte, error) {
	buf := make([]byte, FileRequestSize)
	hostOrder.PutUint32(buf[0:], r.RequestID)
	hostOrder.PutUint32(buf[4:], r.RemoteKey)
	hostOrder.PutUint32(buf[8:], r.Length)
	hostOrder.PutUint64(buf[12:], r.RemoteAddr)

	return buf, nil
}

// UnmarshalBinary decodes a record produced by MarshalBinary.
func (r *FileRequest) UnmarshalBinary(data []byte) error {
	if len(data) < FileRequestSize {
		return fmt.Errorf("%w: file request needs %d bytes, got %d", ErrShortBuffer, FileRequestSize, len(data))
	}

	r.RequestID = hostOrder.Uint32(data[0:])
	r.RemoteKey = hostOrder.Uint32(data[4:])
	r.Length = hostOrder.Uint32(data[8:])
	r.RemoteAddr = hostOrder.Uint64(data[12:])

	return nil
}
