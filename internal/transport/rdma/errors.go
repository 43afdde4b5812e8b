package rdma

import (
	"errors"
	"fmt"
)

// Endpoint and protocol errors.
var (
	ErrRDMANotAvailable = errors.New("RDMA hardware not available")
	ErrQPState          = errors.New("operation not permitted in current queue pair state")
	ErrSlotsExhausted   = errors.New("all control slots are armed")
	ErrSlotArmed        = errors.New("control slot already armed")
	ErrSlotIndex        = errors.New("control slot index out of range")
	ErrPollTimeout      = errors.New("completion poll budget exhausted")
	ErrAccessDenied     = errors.New("remote access denied")
	ErrReleased         = errors.New("registration already released")
	ErrEndpointClosed   = errors.New("endpoint closed")
	ErrShortBuffer      = errors.New("buffer too short for wire record")
	ErrOutOfRange       = errors.New("range outside registration")
)

// Connection setup steps reported by ConnectionError.
const (
	StepOpenDevice = "open device"
	StepAllocPD    = "alloc protection domain"
	StepSlots      = "register control slots"
	StepCreateCQ   = "create completion queue"
	StepCreateQP   = "create queue pair"
	StepQueryGID   = "query gid"
	StepExchange   = "exchange connection info"
	StepInit       = "modify to INIT"
	StepRTR        = "modify to RTR"
	StepArm        = "arm control slots"
	StepRTS        = "modify to RTS"
)

// ConnectionError reports a failed connection setup step. Setup failures are
// not retried.
type ConnectionError struct {
	Err  error
	Step string
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("rdma connection setup failed at %s: %v", e.Step, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RegistrationError reports a failed memory registration.
type RegistrationError struct {
	Err    error
	Length int
	Access Access
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("memory registration of %d bytes (access 0x%x) failed: %v", e.Length, int(e.Access), e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// TransportError reports a failure of the verbs provider itself, such as a
// failed post or poll. It is fatal to the transfer.
type TransportError struct {
	Err error
	Op  string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("rdma %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// CompletionError reports a work completion with a non-success status.
type CompletionError struct {
	WRID   uint64
	Status WCStatus
	Opcode WCOpcode
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("work request %d (%s) completed with status %d (%s)", e.WRID, e.Opcode, int(e.Status), e.Status)
}

// Is lets errors.Is(err, ErrAccessDenied) match remote access failures.
func (e *CompletionError) Is(target error) bool {
	return target == ErrAccessDenied && e.Status == WCRemoteAccessErr
}
