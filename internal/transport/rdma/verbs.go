// Package rdma provides the libibverbs abstraction layer and the point-to-point
// RDMA transport used to move a single file with a one-sided RDMA Read.
//
// This file defines the interface between the transport and the underlying
// RDMA provider. It provides:
// - Hardware abstraction for different RDMA implementations
// - CGo bindings for libibverbs (when built with hardware support)
// - A simulated fabric for development and testing
//
// Build Tags:
// - Default: only the simulated backend is available
// - rdma_hw: adds the libibverbs backend (requires rdma-core and a device)
//
// To build with hardware support:
//
//	go build -tags rdma_hw ./...
//
// Enumerations below use the numeric values of <infiniband/verbs.h> so that
// the hardware backend can pass them through unchanged.
package rdma

import (
	"errors"
	"fmt"
)

// Verbs errors.
var (
	ErrVerbsNotInitialized = errors.New("verbs not initialized")
	ErrDeviceNotFound      = errors.New("RDMA device not found")
	ErrContextCreation     = errors.New("failed to create device context")
	ErrPDCreation          = errors.New("failed to create protection domain")
	ErrCQCreation          = errors.New("failed to create completion queue")
	ErrQPCreation          = errors.New("failed to create queue pair")
	ErrMRCreation          = errors.New("failed to create memory region")
	ErrPostSend            = errors.New("failed to post send request")
	ErrPostRecv            = errors.New("failed to post receive request")
	ErrPollCQ              = errors.New("failed to poll completion queue")
	ErrModifyQP            = errors.New("failed to modify queue pair state")
	ErrQueryGID            = errors.New("failed to query port GID")
	ErrCQOverrun           = errors.New("completion queue overrun")
)

// VerbsBackend defines the interface for RDMA verbs operations.
// This abstraction allows switching between simulated and hardware backends.
type VerbsBackend interface {
	// Initialization
	Init() error
	Close() error

	// Device Management
	GetDeviceList() ([]VerbsDeviceInfo, error)
	OpenDevice(name string) (VerbsContext, error)
	CloseDevice(ctx VerbsContext) error
	QueryGID(ctx VerbsContext, port, index int) ([16]byte, error)

	// Protection Domain
	AllocPD(ctx VerbsContext) (VerbsPD, error)
	DeallocPD(pd VerbsPD) error

	// Completion Queue
	CreateCQ(ctx VerbsContext, cqe int) (VerbsCQ, error)
	DestroyCQ(cq VerbsCQ) error
	PollCQ(cq VerbsCQ, numEntries int) ([]VerbsWorkCompletion, error)

	// Queue Pair
	CreateQP(pd VerbsPD, sendCQ, recvCQ VerbsCQ, qpType QPType, caps VerbsQPCap) (VerbsQP, error)
	DestroyQP(qp VerbsQP) error
	ModifyQPToInit(qp VerbsQP, attr QPInitAttr) error
	ModifyQPToRTR(qp VerbsQP, attr QPRTRAttr) error
	ModifyQPToRTS(qp VerbsQP, attr QPRTSAttr) error
	QueryQP(qp VerbsQP) (*VerbsQPAttr, error)

	// Memory Registration
	RegMR(pd VerbsPD, buf []byte, access Access) (VerbsMRInfo, error)
	DeregMR(mr VerbsMR) error

	// Work Requests
	PostSend(qp VerbsQP, wr *VerbsSendWR) error
	PostRecv(qp VerbsQP, wr *VerbsRecvWR) error

	// Metrics
	GetMetrics() map[string]interface{}
}

// CompletionNotifier is implemented by backends that can signal new
// completions on a CQ instead of being polled in a loop.
type CompletionNotifier interface {
	CompletionEvents(cq VerbsCQ) (<-chan struct{}, error)
}

// Handle types for verbs objects.
type VerbsContext uintptr
type VerbsPD uintptr
type VerbsCQ uintptr
type VerbsQP uintptr
type VerbsMR uintptr

// QPType represents queue pair types.
type QPType int

const (
	QPTypeRC  QPType = 2 // Reliable Connection
	QPTypeUC  QPType = 3 // Unreliable Connection
	QPTypeUD  QPType = 4 // Unreliable Datagram
	QPTypeXRC QPType = 9 // Extended Reliable Connection
)

// QPState is the state of a queue pair.
type QPState int

const (
	QPStateReset QPState = iota
	QPStateInit
	QPStateRTR
	QPStateRTS
	QPStateSQD
	QPStateSQE
	QPStateErr
)

func (s QPState) String() string {
	switch s {
	case QPStateReset:
		return "RESET"
	case QPStateInit:
		return "INIT"
	case QPStateRTR:
		return "RTR"
	case QPStateRTS:
		return "RTS"
	case QPStateSQD:
		return "SQD"
	case QPStateSQE:
		return "SQE"
	case QPStateErr:
		return "ERR"
	default:
		return fmt.Sprintf("QPState(%d)", int(s))
	}
}

// MTU is a path MTU enumeration value.
type MTU int

const (
	MTU256 MTU = iota + 1
	MTU512
	MTU1024
	MTU2048
	MTU4096
)

// Bytes returns the MTU size in bytes.
func (m MTU) Bytes() int {
	if m < MTU256 || m > MTU4096 {
		return 0
	}

	return 128 << int(m)
}

// Access is a memory region / queue pair access mask.
type Access int

// Memory region access flags.
const (
	MRAccessLocalWrite   Access = 1 << 0
	MRAccessRemoteWrite  Access = 1 << 1
	MRAccessRemoteRead   Access = 1 << 2
	MRAccessRemoteAtomic Access = 1 << 3
)

// Has reports whether every bit of want is granted.
func (a Access) Has(want Access) bool {
	return a&want == want
}

// Work completion status.
type WCStatus int

const (
	WCSuccess WCStatus = iota
	WCLocalLenErr
	WCLocalQPOpErr
	WCLocalEECOpErr
	WCLocalProtErr
	WCWRFlushErr
	WCMWBindErr
	WCBadRespErr
	WCLocalAccessErr
	WCRemoteInvalidReqErr
	WCRemoteAccessErr
	WCRemoteOpErr
	WCRetryExcErr
	WCRnrRetryExcErr
	WCLocalRddViolErr
	WCRemoteInvalidRdReqErr
	WCRemoteAbortedErr
	WCInvEECNErr
	WCInvEECStateErr
	WCFatalErr
	WCRespTimeoutErr
	WCGeneralErr
)

var wcStatusNames = map[WCStatus]string{
	WCSuccess:               "success",
	WCLocalLenErr:           "local length error",
	WCLocalQPOpErr:          "local QP operation error",
	WCLocalEECOpErr:         "local EE context operation error",
	WCLocalProtErr:          "local protection error",
	WCWRFlushErr:            "work request flushed error",
	WCMWBindErr:             "memory window bind error",
	WCBadRespErr:            "bad response error",
	WCLocalAccessErr:        "local access error",
	WCRemoteInvalidReqErr:   "remote invalid request error",
	WCRemoteAccessErr:       "remote access error",
	WCRemoteOpErr:           "remote operation error",
	WCRetryExcErr:           "transport retry counter exceeded",
	WCRnrRetryExcErr:        "RNR retry counter exceeded",
	WCLocalRddViolErr:       "local RDD violation error",
	WCRemoteInvalidRdReqErr: "remote invalid RD request",
	WCRemoteAbortedErr:      "operation aborted",
	WCInvEECNErr:            "invalid EE context number",
	WCInvEECStateErr:        "invalid EE context state",
	WCFatalErr:              "fatal error",
	WCRespTimeoutErr:        "response timeout error",
	WCGeneralErr:            "general error",
}

func (s WCStatus) String() string {
	if name, ok := wcStatusNames[s]; ok {
		return name
	}

	return fmt.Sprintf("unknown status %d", int(s))
}

// Work completion opcode.
type WCOpcode int

const (
	WCOpSend            WCOpcode = 0
	WCOpRDMAWrite       WCOpcode = 1
	WCOpRDMARead        WCOpcode = 2
	WCOpCompSwap        WCOpcode = 3
	WCOpFetchAdd        WCOpcode = 4
	WCOpBindMW          WCOpcode = 5
	WCOpLocalInv        WCOpcode = 6
	WCOpRecv            WCOpcode = 128
	WCOpRecvRDMAWithImm WCOpcode = 129
)

func (o WCOpcode) String() string {
	switch o {
	case WCOpSend:
		return "send"
	case WCOpRDMAWrite:
		return "rdma_write"
	case WCOpRDMARead:
		return "rdma_read"
	case WCOpCompSwap:
		return "comp_swap"
	case WCOpFetchAdd:
		return "fetch_add"
	case WCOpBindMW:
		return "bind_mw"
	case WCOpLocalInv:
		return "local_inv"
	case WCOpRecv:
		return "recv"
	case WCOpRecvRDMAWithImm:
		return "recv_rdma_with_imm"
	default:
		return fmt.Sprintf("opcode_%d", int(o))
	}
}

// Work completion flags.
const (
	WCFlagGRH     = 1 << 0
	WCFlagWithImm = 1 << 1
)

// WROpcode is a send work request opcode.
type WROpcode int

const (
	WROpRDMAWrite        WROpcode = 0
	WROpRDMAWriteWithImm WROpcode = 1
	WROpSend             WROpcode = 2
	WROpSendWithImm      WROpcode = 3
	WROpRDMARead         WROpcode = 4
)

func (o WROpcode) String() string {
	switch o {
	case WROpRDMAWrite:
		return "rdma_write"
	case WROpRDMAWriteWithImm:
		return "rdma_write_with_imm"
	case WROpSend:
		return "send"
	case WROpSendWithImm:
		return "send_with_imm"
	case WROpRDMARead:
		return "rdma_read"
	default:
		return fmt.Sprintf("wr_opcode_%d", int(o))
	}
}

// Send flags.
const (
	SendFlagFence     = 1 << 0
	SendFlagSignaled  = 1 << 1
	SendFlagSolicited = 1 << 2
	SendFlagInline    = 1 << 3
)

// Transport constants used when driving a QP to RTS.
const (
	// RetryInfinite is the retry_cnt / rnr_retry sentinel meaning "retry forever".
	RetryInfinite = 7
)

// VerbsDeviceInfo contains RDMA device information.
type VerbsDeviceInfo struct {
	Name         string
	FWVer        string
	GUID         uint64
	NodeType     int
	Transport    int
	PhysPortCnt  int
	VendorID     uint32
	VendorPartID uint32
	HWVer        uint32
}

// VerbsWorkCompletion represents a work completion entry.
type VerbsWorkCompletion struct {
	WRID      uint64
	Status    WCStatus
	Opcode    WCOpcode
	VendorErr uint32
	ByteLen   uint32
	ImmData   uint32
	QPN       uint32
	SrcQP     uint32
	WCFlags   int
}

// HasImm reports whether the completion carries immediate data.
func (wc VerbsWorkCompletion) HasImm() bool {
	return wc.WCFlags&WCFlagWithImm != 0
}

// VerbsQPAttr contains queue pair attributes.
type VerbsQPAttr struct {
	State           QPState
	Path            VerbsAHAttr
	QPN             uint32
	DestQPN         uint32
	RQPsn           uint32
	SQPsn           uint32
	QPAccessFlags   Access
	Cap             VerbsQPCap
	PathMTU         MTU
	MaxRdAtomic     uint8
	MaxDestRdAtomic uint8
	MinRnrTimer     uint8
	PortNum         uint8
	Timeout         uint8
	RetryCnt        uint8
	RnrRetry        uint8
}

// VerbsAHAttr contains address handle attributes.
type VerbsAHAttr struct {
	GRH         VerbsGlobalRoute
	DLID        uint16
	SL          uint8
	SrcPathBits uint8
	StaticRate  uint8
	IsGlobal    uint8
	PortNum     uint8
}

// VerbsGlobalRoute contains global routing info.
type VerbsGlobalRoute struct {
	DGID         [16]byte
	FlowLabel    uint32
	SGIDIndex    uint8
	HopLimit     uint8
	TrafficClass uint8
}

// VerbsQPCap contains queue pair capabilities.
type VerbsQPCap struct {
	MaxSendWR     uint32
	MaxRecvWR     uint32
	MaxSendSge    uint32
	MaxRecvSge    uint32
	MaxInlineData uint32
}

// QPInitAttr holds the RESET->INIT transition attributes.
type QPInitAttr struct {
	PKeyIndex   uint16
	PortNum     uint8
	AccessFlags Access
}

// QPRTRAttr holds the INIT->RTR transition attributes.
type QPRTRAttr struct {
	AH              VerbsAHAttr
	PathMTU         MTU
	DestQPN         uint32
	RQPsn           uint32
	MaxDestRdAtomic uint8
	MinRnrTimer     uint8
}

// QPRTSAttr holds the RTR->RTS transition attributes.
type QPRTSAttr struct {
	SQPsn       uint32
	Timeout     uint8
	RetryCnt    uint8
	RnrRetry    uint8
	MaxRdAtomic uint8
}

// VerbsMRInfo describes a registered memory region.
type VerbsMRInfo struct {
	Handle VerbsMR
	Addr   uint64
	Length int
	LKey   uint32
	RKey   uint32
	Access Access
}

// VerbsSendWR represents a send work request.
type VerbsSendWR struct {
	SGList     []VerbsSGE
	WRID       uint64
	Opcode     WROpcode
	SendFlags  int
	RemoteAddr uint64
	ImmData    uint32
	RKey       uint32
}

// VerbsRecvWR represents a receive work request.
type VerbsRecvWR struct {
	SGList []VerbsSGE
	WRID   uint64
}

// VerbsSGE represents a scatter/gather entry.
type VerbsSGE struct {
	Addr   uint64
	Length uint32
	LKey   uint32
}

// totalLength sums the SGE lengths of a work request.
func totalLength(sgl []VerbsSGE) uint64 {
	var n uint64
	for _, sge := range sgl {
		n += uint64(sge.Length)
	}

	return n
}

// NewBackend returns the verbs backend registered under name.
// "simulated" (or "") selects the in-process fabric, "hardware" selects
// libibverbs and only succeeds in binaries built with the rdma_hw tag.
func NewBackend(name string) (VerbsBackend, error) {
	switch name {
	case "", BackendSimulated:
		return NewSimulatedVerbsBackend(), nil
	case BackendHardware:
		return NewHardwareVerbsBackend()
	default:
		return nil, fmt.Errorf("unknown verbs backend %q", name)
	}
}

// Backend names accepted by NewBackend.
const (
	BackendSimulated = "simulated"
	BackendHardware  = "hardware"
)
