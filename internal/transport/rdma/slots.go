package rdma

import "fmt"

// Control slot geometry.
const (
	// ControlSlots is the number of receive slots per endpoint (N). The
	// completion queue holds 2*N entries and the QP N work requests each way.
	ControlSlots = 16

	// ControlSlotSize is the size of one receive slot in bytes.
	ControlSlotSize = 64
)

// recvWRIDTag marks the work request id of a control slot receive. Flushed
// completions carry no reliable opcode, so the id alone tells receives apart
// from sends.
const recvWRIDTag uint64 = 1 << 63

func recvWRID(slot int) uint64 {
	return recvWRIDTag | uint64(slot) //nolint:gosec // G115: slot index is non-negative
}

// SlotIndex returns the control slot named by a receive work request id.
func SlotIndex(wrID uint64) (int, bool) {
	if wrID&recvWRIDTag == 0 {
		return -1, false
	}

	return int(wrID &^ recvWRIDTag), true //nolint:gosec // G115: slot indices are small
}

// SlotPool is the array of fixed-size receive buffers backing an endpoint's
// receive queue. All slots share one registration.
type SlotPool struct {
	reg   *Registration
	armed []bool
	count int
	size  int
}

func newSlotPool(reg *Registration, count, size int) *SlotPool {
	return &SlotPool{
		reg:   reg,
		armed: make([]bool, count),
		count: count,
		size:  size,
	}
}

// Len returns the number of slots.
func (p *SlotPool) Len() int {
	return p.count
}

// Armed returns how many slots currently have a receive posted.
func (p *SlotPool) Armed() int {
	n := 0

	for _, a := range p.armed {
		if a {
			n++
		}
	}

	return n
}

// Slot returns the buffer of slot i.
func (p *SlotPool) Slot(i int) ([]byte, error) {
	if i < 0 || i >= p.count {
		return nil, fmt.Errorf("%w: %d", ErrSlotIndex, i)
	}

	off := i * p.size

	return p.reg.Bytes()[off : off+p.size], nil
}

// NextFree returns the lowest unarmed slot index.
func (p *SlotPool) NextFree() (int, error) {
	for i, a := range p.armed {
		if !a {
			return i, nil
		}
	}

	return -1, ErrSlotsExhausted
}

func (p *SlotPool) sge(i int) VerbsSGE {
	return VerbsSGE{
		Addr:   p.reg.Addr + uint64(i*p.size), //nolint:gosec // G115: slot offsets are small and non-negative
		Length: uint32(p.size),                //nolint:gosec // G115: slot size is a small constant
		LKey:   p.reg.LocalKey,
	}
}

func (p *SlotPool) markArmed(i int) error {
	if i < 0 || i >= p.count {
		return fmt.Errorf("%w: %d", ErrSlotIndex, i)
	}

	if p.armed[i] {
		return fmt.Errorf("%w: %d", ErrSlotArmed, i)
	}

	p.armed[i] = true

	return nil
}

// release marks slot i as no longer having a receive posted.
func (p *SlotPool) release(i int) {
	if i >= 0 && i < p.count {
		p.armed[i] = false
	}
}

// Received returns the first n bytes a receive completion wrote into slot i.
func (p *SlotPool) Received(i int, n uint32) ([]byte, error) {
	buf, err := p.Slot(i)
	if err != nil {
		return nil, err
	}

	if int(n) > len(buf) {
		n = uint32(len(buf)) //nolint:gosec // G115: slot size is a small constant
	}

	return buf[:n], nil
}
