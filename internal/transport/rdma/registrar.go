package rdma

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/sama18-meet/rdma-app/internal/metrics"
)

// Access masks used by the transfer protocol.
const (
	// AccessSource exposes a buffer for the peer to read. Remote write and
	// local write come along so the same registration can also be a target.
	AccessSource = MRAccessLocalWrite | MRAccessRemoteWrite | MRAccessRemoteRead

	// AccessDestination is the mask for buffers filled by an RDMA Read.
	AccessDestination = MRAccessLocalWrite | MRAccessRemoteWrite | MRAccessRemoteRead

	// AccessLocal covers receive buffers that only the local NIC writes.
	AccessLocal = MRAccessLocalWrite
)

// Registration is a buffer the device may access directly. The buffer must
// stay valid until Release returns.
type Registration struct {
	registrar *Registrar
	buf       []byte
	Addr      uint64
	Length    int
	LocalKey  uint32
	RemoteKey uint32
	Access    Access
	handle    VerbsMR
	released  bool
}

// Bytes returns the registered buffer.
func (r *Registration) Bytes() []byte {
	return r.buf
}

// Contains reports whether [addr, addr+length) lies inside the registration.
func (r *Registration) Contains(addr uint64, length int) bool {
	if length < 0 || addr < r.Addr {
		return false
	}

	off := addr - r.Addr

	return off <= uint64(r.Length) && uint64(length) <= uint64(r.Length)-off
}

// Released reports whether Release (or the registrar's Close) has run.
func (r *Registration) Released() bool {
	r.registrar.mu.Lock()
	defer r.registrar.mu.Unlock()

	return r.released
}

// Release deregisters the buffer. The first call deregisters; later calls
// return ErrReleased.
func (r *Registration) Release() error {
	return r.registrar.release(r)
}

// Registrar registers buffers against one protection domain and tracks them
// so none outlives it.
type Registrar struct {
	backend VerbsBackend
	live    map[*Registration]struct{}
	pd      VerbsPD
	mu      sync.Mutex
	closed  bool
}

// NewRegistrar returns a registrar for pd.
func NewRegistrar(backend VerbsBackend, pd VerbsPD) *Registrar {
	return &Registrar{
		backend: backend,
		pd:      pd,
		live:    make(map[*Registration]struct{}),
	}
}

// Register pins buf with the requested access. Local write is always added.
func (g *Registrar) Register(buf []byte, access Access) (*Registration, error) {
	access |= MRAccessLocalWrite

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil, &RegistrationError{Err: ErrEndpointClosed, Length: len(buf), Access: access}
	}

	info, err := g.backend.RegMR(g.pd, buf, access)
	if err != nil {
		return nil, &RegistrationError{Err: err, Length: len(buf), Access: access}
	}

	reg := &Registration{
		registrar: g,
		buf:       buf,
		Addr:      info.Addr,
		Length:    info.Length,
		LocalKey:  info.LKey,
		RemoteKey: info.RKey,
		Access:    access,
		handle:    info.Handle,
	}
	g.live[reg] = struct{}{}

	metrics.RecordRegistration(reg.Length)

	log.Debug().
		Uint64("addr", reg.Addr).
		Int("length", reg.Length).
		Uint32("lkey", reg.LocalKey).
		Uint32("rkey", reg.RemoteKey).
		Int("access", int(access)).
		Msg("Registered memory region")

	return reg, nil
}

func (g *Registrar) release(r *Registration) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if r.released {
		return ErrReleased
	}

	return g.releaseLocked(r)
}

func (g *Registrar) releaseLocked(r *Registration) error {
	r.released = true
	delete(g.live, r)

	metrics.RecordDeregistration(r.Length)

	if err := g.backend.DeregMR(r.handle); err != nil {
		return &RegistrationError{Err: err, Length: r.Length, Access: r.Access}
	}

	log.Debug().Uint32("rkey", r.RemoteKey).Msg("Deregistered memory region")

	return nil
}

// Live returns the number of registrations not yet released.
func (g *Registrar) Live() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.live)
}

// Close releases every live registration. Further Register calls fail.
func (g *Registrar) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.closed = true

	var firstErr error

	for r := range g.live {
		if err := g.releaseLocked(r); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
