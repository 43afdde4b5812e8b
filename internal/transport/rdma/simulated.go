package rdma

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

// SimulatedFabric connects simulated verbs backends living in the same
// process. Queue pairs are addressed by (GID, QPN) exactly like on a real
// RoCE fabric and remote keys are resolved against the target's protection
// domain, so access violations surface as error completions.
type SimulatedFabric struct {
	qps        map[uint32]*simulatedQP
	mrs        map[uint32]*simulatedMR
	nextHandle uintptr
	nextQPN    uint32
	nextKey    uint32
	nextNode   uint16
	mu         sync.Mutex
}

// NewSimulatedFabric creates an empty fabric.
func NewSimulatedFabric() *SimulatedFabric {
	return &SimulatedFabric{
		qps:     make(map[uint32]*simulatedQP),
		mrs:     make(map[uint32]*simulatedMR),
		nextQPN: 0x000100,
		nextKey: 0x1000,
	}
}

var defaultFabric = NewSimulatedFabric()

// DefaultFabric returns the process-wide fabric used by NewSimulatedVerbsBackend.
func DefaultFabric() *SimulatedFabric {
	return defaultFabric
}

func (f *SimulatedFabric) handle() uintptr {
	f.nextHandle++
	return f.nextHandle
}

// SimulatedVerbsBackend provides a simulated libibverbs implementation for testing.
// Each backend is one "node" on its fabric with its own GID.
type SimulatedVerbsBackend struct {
	fabric      *SimulatedFabric
	contexts    map[VerbsContext]*simulatedContext
	pds         map[VerbsPD]*simulatedPD
	cqs         map[VerbsCQ]*simulatedCQ
	qps         map[VerbsQP]*simulatedQP
	mrs         map[VerbsMR]*simulatedMR
	metrics     *verbsMetrics
	devices     []VerbsDeviceInfo
	gid         [16]byte
	initialized bool
}

type simulatedContext struct {
	device *VerbsDeviceInfo
}

type simulatedPD struct {
	ctx VerbsContext
}

type simulatedCQ struct {
	notify      chan struct{}
	completions []VerbsWorkCompletion
	ctx         VerbsContext
	size        int
	overrun     bool
}

type simulatedQP struct {
	backend *SimulatedVerbsBackend
	recvQ   []VerbsRecvWR
	pd      VerbsPD
	sendCQ  VerbsCQ
	recvCQ  VerbsCQ
	qpType  QPType
	qpNum   uint32
	state   QPState
	caps    VerbsQPCap
	access  Access
	port    uint8
	rtr     QPRTRAttr
	rts     QPRTSAttr
}

type simulatedMR struct {
	backend *SimulatedVerbsBackend
	buf     []byte
	pd      VerbsPD
	addr    uint64
	access  Access
	lkey    uint32
	rkey    uint32
}

type verbsMetrics struct {
	DevicesOpened int64
	PDsCreated    int64
	CQsCreated    int64
	QPsCreated    int64
	MRsRegistered int64
	SendsPosted   int64
	RecvsPosted   int64
	RDMAReads     int64
	RDMAWrites    int64
	Completions   int64
	Errors        int64
}

// NewSimulatedVerbsBackend creates a new simulated verbs backend attached to
// the process-wide fabric.
func NewSimulatedVerbsBackend() *SimulatedVerbsBackend {
	return NewSimulatedVerbsBackendOn(defaultFabric)
}

// NewSimulatedVerbsBackendOn creates a simulated backend attached to fabric.
func NewSimulatedVerbsBackendOn(fabric *SimulatedFabric) *SimulatedVerbsBackend {
	return &SimulatedVerbsBackend{
		fabric:   fabric,
		contexts: make(map[VerbsContext]*simulatedContext),
		pds:      make(map[VerbsPD]*simulatedPD),
		cqs:      make(map[VerbsCQ]*simulatedCQ),
		qps:      make(map[VerbsQP]*simulatedQP),
		mrs:      make(map[VerbsMR]*simulatedMR),
		metrics:  &verbsMetrics{},
	}
}

func (b *SimulatedVerbsBackend) Init() error {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	if b.initialized {
		return nil
	}

	b.fabric.nextNode++
	node := b.fabric.nextNode

	// Link-local GID fe80::<node>, the shape a RoCE port reports at index 0.
	b.gid = [16]byte{0xfe, 0x80}
	b.gid[14] = byte(node >> 8)
	b.gid[15] = byte(node)

	// Create simulated RDMA devices
	b.devices = []VerbsDeviceInfo{
		{
			Name:         "mlx5_0",
			GUID:         0xDEADBEEF00000000 | uint64(node)<<8 | 1,
			NodeType:     1,      // CA
			Transport:    1,      // InfiniBand
			VendorID:     0x15b3, // Mellanox
			VendorPartID: 0x1017, // ConnectX-5
			FWVer:        "16.35.1012",
			PhysPortCnt:  1,
		},
		{
			Name:         "mlx5_1",
			GUID:         0xDEADBEEF00000000 | uint64(node)<<8 | 2,
			NodeType:     1,
			Transport:    1,
			VendorID:     0x15b3,
			VendorPartID: 0x1017,
			FWVer:        "16.35.1012",
			PhysPortCnt:  1,
		},
	}

	b.initialized = true

	return nil
}

func (b *SimulatedVerbsBackend) Close() error {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	for _, qp := range b.qps {
		delete(b.fabric.qps, qp.qpNum)
	}

	for _, mr := range b.mrs {
		delete(b.fabric.mrs, mr.rkey)
	}

	b.contexts = make(map[VerbsContext]*simulatedContext)
	b.pds = make(map[VerbsPD]*simulatedPD)
	b.cqs = make(map[VerbsCQ]*simulatedCQ)
	b.qps = make(map[VerbsQP]*simulatedQP)
	b.mrs = make(map[VerbsMR]*simulatedMR)
	b.initialized = false

	return nil
}

func (b *SimulatedVerbsBackend) GetDeviceList() ([]VerbsDeviceInfo, error) {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	if !b.initialized {
		return nil, ErrVerbsNotInitialized
	}

	result := make([]VerbsDeviceInfo, len(b.devices))
	copy(result, b.devices)

	return result, nil
}

func (b *SimulatedVerbsBackend) OpenDevice(name string) (VerbsContext, error) {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	if !b.initialized {
		return 0, ErrVerbsNotInitialized
	}

	var device *VerbsDeviceInfo

	for i := range b.devices {
		if b.devices[i].Name == name {
			device = &b.devices[i]
			break
		}
	}

	if device == nil {
		return 0, ErrDeviceNotFound
	}

	ctx := VerbsContext(b.fabric.handle())
	b.contexts[ctx] = &simulatedContext{device: device}
	atomic.AddInt64(&b.metrics.DevicesOpened, 1)

	return ctx, nil
}

func (b *SimulatedVerbsBackend) CloseDevice(ctx VerbsContext) error {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	delete(b.contexts, ctx)

	return nil
}

func (b *SimulatedVerbsBackend) QueryGID(ctx VerbsContext, port, index int) ([16]byte, error) {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	sc, ok := b.contexts[ctx]
	if !ok {
		return [16]byte{}, ErrContextCreation
	}

	if port < 1 || port > sc.device.PhysPortCnt || index != 0 {
		return [16]byte{}, fmt.Errorf("%w: port %d index %d", ErrQueryGID, port, index)
	}

	return b.gid, nil
}

func (b *SimulatedVerbsBackend) AllocPD(ctx VerbsContext) (VerbsPD, error) {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	if _, ok := b.contexts[ctx]; !ok {
		return 0, ErrContextCreation
	}

	pd := VerbsPD(b.fabric.handle())
	b.pds[pd] = &simulatedPD{ctx: ctx}
	atomic.AddInt64(&b.metrics.PDsCreated, 1)

	return pd, nil
}

func (b *SimulatedVerbsBackend) DeallocPD(pd VerbsPD) error {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	for _, mr := range b.mrs {
		if mr.pd == pd {
			return fmt.Errorf("%w: protection domain still has registered memory", ErrPDCreation)
		}
	}

	for _, qp := range b.qps {
		if qp.pd == pd {
			return fmt.Errorf("%w: protection domain still has queue pairs", ErrPDCreation)
		}
	}

	delete(b.pds, pd)

	return nil
}

func (b *SimulatedVerbsBackend) CreateCQ(ctx VerbsContext, cqe int) (VerbsCQ, error) {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	if _, ok := b.contexts[ctx]; !ok {
		return 0, ErrContextCreation
	}

	if cqe <= 0 {
		return 0, fmt.Errorf("%w: invalid size %d", ErrCQCreation, cqe)
	}

	cq := VerbsCQ(b.fabric.handle())
	b.cqs[cq] = &simulatedCQ{
		ctx:         ctx,
		size:        cqe,
		completions: make([]VerbsWorkCompletion, 0, cqe),
		notify:      make(chan struct{}, 1),
	}
	atomic.AddInt64(&b.metrics.CQsCreated, 1)

	return cq, nil
}

func (b *SimulatedVerbsBackend) DestroyCQ(cq VerbsCQ) error {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	for _, qp := range b.qps {
		if qp.sendCQ == cq || qp.recvCQ == cq {
			return fmt.Errorf("%w: completion queue still attached to a queue pair", ErrCQCreation)
		}
	}

	delete(b.cqs, cq)

	return nil
}

func (b *SimulatedVerbsBackend) PollCQ(cq VerbsCQ, numEntries int) ([]VerbsWorkCompletion, error) {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	simCQ, ok := b.cqs[cq]
	if !ok {
		return nil, ErrPollCQ
	}

	if simCQ.overrun {
		return nil, ErrCQOverrun
	}

	// Return any queued completions
	count := numEntries
	if len(simCQ.completions) < count {
		count = len(simCQ.completions)
	}

	result := make([]VerbsWorkCompletion, count)
	copy(result, simCQ.completions[:count])
	simCQ.completions = simCQ.completions[count:]

	atomic.AddInt64(&b.metrics.Completions, int64(len(result)))

	return result, nil
}

// CompletionEvents returns a channel that receives a value whenever a
// completion is queued on cq.
func (b *SimulatedVerbsBackend) CompletionEvents(cq VerbsCQ) (<-chan struct{}, error) {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	simCQ, ok := b.cqs[cq]
	if !ok {
		return nil, ErrPollCQ
	}

	return simCQ.notify, nil
}

func (b *SimulatedVerbsBackend) CreateQP(pd VerbsPD, sendCQ, recvCQ VerbsCQ, qpType QPType, caps VerbsQPCap) (VerbsQP, error) {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	if _, ok := b.pds[pd]; !ok {
		return 0, ErrPDCreation
	}

	if _, ok := b.cqs[sendCQ]; !ok {
		return 0, fmt.Errorf("%w: unknown send CQ", ErrQPCreation)
	}

	if _, ok := b.cqs[recvCQ]; !ok {
		return 0, fmt.Errorf("%w: unknown recv CQ", ErrQPCreation)
	}

	if qpType != QPTypeRC {
		return 0, fmt.Errorf("%w: simulated fabric only supports RC queue pairs", ErrQPCreation)
	}

	if caps.MaxSendWR == 0 || caps.MaxRecvWR == 0 {
		return 0, fmt.Errorf("%w: zero queue depth", ErrQPCreation)
	}

	qp := VerbsQP(b.fabric.handle())
	b.fabric.nextQPN++
	simQP := &simulatedQP{
		backend: b,
		pd:      pd,
		sendCQ:  sendCQ,
		recvCQ:  recvCQ,
		qpType:  qpType,
		qpNum:   b.fabric.nextQPN,
		state:   QPStateReset,
		caps:    caps,
	}
	b.qps[qp] = simQP
	b.fabric.qps[simQP.qpNum] = simQP
	atomic.AddInt64(&b.metrics.QPsCreated, 1)

	return qp, nil
}

func (b *SimulatedVerbsBackend) DestroyQP(qp VerbsQP) error {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	if simQP, ok := b.qps[qp]; ok {
		delete(b.fabric.qps, simQP.qpNum)
	}

	delete(b.qps, qp)

	return nil
}

func (b *SimulatedVerbsBackend) ModifyQPToInit(qp VerbsQP, attr QPInitAttr) error {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	simQP, ok := b.qps[qp]
	if !ok {
		return ErrQPCreation
	}

	if simQP.state != QPStateReset {
		return fmt.Errorf("%w: %s -> INIT", ErrModifyQP, simQP.state)
	}

	if attr.PortNum == 0 {
		return fmt.Errorf("%w: port number required", ErrModifyQP)
	}

	simQP.port = attr.PortNum
	simQP.access = attr.AccessFlags
	simQP.state = QPStateInit

	return nil
}

func (b *SimulatedVerbsBackend) ModifyQPToRTR(qp VerbsQP, attr QPRTRAttr) error {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	simQP, ok := b.qps[qp]
	if !ok {
		return ErrQPCreation
	}

	if simQP.state != QPStateInit {
		return fmt.Errorf("%w: %s -> RTR", ErrModifyQP, simQP.state)
	}

	if attr.PathMTU.Bytes() == 0 {
		return fmt.Errorf("%w: invalid path MTU %d", ErrModifyQP, attr.PathMTU)
	}

	if attr.AH.IsGlobal == 0 {
		return fmt.Errorf("%w: RoCE requires a global route header", ErrModifyQP)
	}

	// The address vector must name a QP that exists behind the given GID.
	peer, ok := b.fabric.qps[attr.DestQPN]
	if !ok || peer.backend.gid != attr.AH.GRH.DGID {
		return fmt.Errorf("%w: destination QP 0x%06x unreachable", ErrModifyQP, attr.DestQPN)
	}

	simQP.rtr = attr
	simQP.state = QPStateRTR

	return nil
}

func (b *SimulatedVerbsBackend) ModifyQPToRTS(qp VerbsQP, attr QPRTSAttr) error {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	simQP, ok := b.qps[qp]
	if !ok {
		return ErrQPCreation
	}

	if simQP.state != QPStateRTR {
		return fmt.Errorf("%w: %s -> RTS", ErrModifyQP, simQP.state)
	}

	if attr.RetryCnt > RetryInfinite || attr.RnrRetry > RetryInfinite {
		return fmt.Errorf("%w: retry counts must be <= %d", ErrModifyQP, RetryInfinite)
	}

	simQP.rts = attr
	simQP.state = QPStateRTS

	return nil
}

func (b *SimulatedVerbsBackend) QueryQP(qp VerbsQP) (*VerbsQPAttr, error) {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	simQP, ok := b.qps[qp]
	if !ok {
		return nil, ErrQPCreation
	}

	return &VerbsQPAttr{
		State:           simQP.state,
		QPN:             simQP.qpNum,
		DestQPN:         simQP.rtr.DestQPN,
		RQPsn:           simQP.rtr.RQPsn,
		SQPsn:           simQP.rts.SQPsn,
		QPAccessFlags:   simQP.access,
		Cap:             simQP.caps,
		Path:            simQP.rtr.AH,
		PathMTU:         simQP.rtr.PathMTU,
		MaxRdAtomic:     simQP.rts.MaxRdAtomic,
		MaxDestRdAtomic: simQP.rtr.MaxDestRdAtomic,
		MinRnrTimer:     simQP.rtr.MinRnrTimer,
		PortNum:         simQP.port,
		Timeout:         simQP.rts.Timeout,
		RetryCnt:        simQP.rts.RetryCnt,
		RnrRetry:        simQP.rts.RnrRetry,
	}, nil
}

func (b *SimulatedVerbsBackend) RegMR(pd VerbsPD, buf []byte, access Access) (VerbsMRInfo, error) {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	if _, ok := b.pds[pd]; !ok {
		return VerbsMRInfo{}, ErrPDCreation
	}

	if len(buf) == 0 {
		return VerbsMRInfo{}, fmt.Errorf("%w: empty buffer", ErrMRCreation)
	}

	// Remote write and remote atomic require local write, as in rdma-core.
	if (access.Has(MRAccessRemoteWrite) || access.Has(MRAccessRemoteAtomic)) && !access.Has(MRAccessLocalWrite) {
		return VerbsMRInfo{}, fmt.Errorf("%w: remote write requires local write", ErrMRCreation)
	}

	mr := VerbsMR(b.fabric.handle())
	b.fabric.nextKey++
	simMR := &simulatedMR{
		backend: b,
		buf:     buf,
		pd:      pd,
		addr:    uint64(uintptr(unsafe.Pointer(&buf[0]))),
		access:  access,
		lkey:    b.fabric.nextKey,
		rkey:    b.fabric.nextKey,
	}
	b.mrs[mr] = simMR
	b.fabric.mrs[simMR.rkey] = simMR
	atomic.AddInt64(&b.metrics.MRsRegistered, 1)

	return VerbsMRInfo{
		Handle: mr,
		Addr:   simMR.addr,
		Length: len(buf),
		LKey:   simMR.lkey,
		RKey:   simMR.rkey,
		Access: access,
	}, nil
}

func (b *SimulatedVerbsBackend) DeregMR(mr VerbsMR) error {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	simMR, ok := b.mrs[mr]
	if !ok {
		return fmt.Errorf("%w: unknown memory region", ErrMRCreation)
	}

	delete(b.fabric.mrs, simMR.rkey)
	delete(b.mrs, mr)

	return nil
}

func (b *SimulatedVerbsBackend) PostSend(qp VerbsQP, wr *VerbsSendWR) error {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	simQP, ok := b.qps[qp]
	if !ok {
		return ErrQPCreation
	}

	if simQP.state != QPStateRTS {
		atomic.AddInt64(&b.metrics.Errors, 1)
		return fmt.Errorf("%w: queue pair in %s", ErrPostSend, simQP.state)
	}

	if len(wr.SGList) > int(simQP.caps.MaxSendSge) {
		atomic.AddInt64(&b.metrics.Errors, 1)
		return fmt.Errorf("%w: %d SGEs exceeds max_send_sge %d", ErrPostSend, len(wr.SGList), simQP.caps.MaxSendSge)
	}

	var (
		status WCStatus
		opcode WCOpcode
	)

	switch wr.Opcode {
	case WROpRDMARead:
		opcode = WCOpRDMARead
		status = b.executeRead(simQP, wr)

		atomic.AddInt64(&b.metrics.RDMAReads, 1)
	case WROpRDMAWrite, WROpRDMAWriteWithImm:
		opcode = WCOpRDMAWrite
		status = b.executeWrite(simQP, wr)

		atomic.AddInt64(&b.metrics.RDMAWrites, 1)
	case WROpSend, WROpSendWithImm:
		opcode = WCOpSend
		status = b.executeSend(simQP, wr)

		atomic.AddInt64(&b.metrics.SendsPosted, 1)
	default:
		atomic.AddInt64(&b.metrics.Errors, 1)
		return fmt.Errorf("%w: unsupported opcode %s", ErrPostSend, wr.Opcode)
	}

	if status != WCSuccess {
		// A failed work request moves the QP to the error state.
		simQP.state = QPStateErr
		atomic.AddInt64(&b.metrics.Errors, 1)
	}

	// Errors always generate a completion; successes only when signaled.
	if status != WCSuccess || wr.SendFlags&SendFlagSignaled != 0 {
		wc := VerbsWorkCompletion{
			WRID:   wr.WRID,
			Status: status,
			Opcode: opcode,
			QPN:    simQP.qpNum,
		}
		if status == WCSuccess {
			wc.ByteLen = uint32(totalLength(wr.SGList)) //nolint:gosec // G115: bounded by SGE lengths
		}

		b.complete(simQP.sendCQ, wc)
	}

	return nil
}

// peer resolves the connected remote QP. Caller holds fabric.mu.
func (b *SimulatedVerbsBackend) peer(simQP *simulatedQP) (*simulatedQP, WCStatus) {
	peer, ok := b.fabric.qps[simQP.rtr.DestQPN]
	if !ok || peer.backend.gid != simQP.rtr.AH.GRH.DGID {
		return nil, WCRetryExcErr
	}

	// The responder must at least be ready to receive.
	if peer.state != QPStateRTR && peer.state != QPStateRTS {
		return nil, WCRetryExcErr
	}

	return peer, WCSuccess
}

// localSegment resolves one local SGE against this backend's registrations.
func (b *SimulatedVerbsBackend) localSegment(simQP *simulatedQP, sge VerbsSGE, needWrite bool) ([]byte, WCStatus) {
	for _, mr := range b.mrs {
		if mr.lkey != sge.LKey {
			continue
		}

		if mr.pd != simQP.pd {
			return nil, WCLocalProtErr
		}

		if needWrite && !mr.access.Has(MRAccessLocalWrite) {
			return nil, WCLocalProtErr
		}

		seg, ok := mr.slice(sge.Addr, uint64(sge.Length))
		if !ok {
			return nil, WCLocalProtErr
		}

		return seg, WCSuccess
	}

	return nil, WCLocalProtErr
}

// remoteSegment resolves (addr, rkey, length) on the peer.
func (b *SimulatedVerbsBackend) remoteSegment(peer *simulatedQP, addr uint64, rkey uint32, length uint64, want Access) ([]byte, WCStatus) {
	if !peer.access.Has(want) {
		return nil, WCRemoteAccessErr
	}

	mr, ok := b.fabric.mrs[rkey]
	if !ok || mr.backend != peer.backend || mr.pd != peer.pd {
		return nil, WCRemoteAccessErr
	}

	if !mr.access.Has(want) {
		return nil, WCRemoteAccessErr
	}

	seg, ok := mr.slice(addr, length)
	if !ok {
		return nil, WCRemoteAccessErr
	}

	return seg, WCSuccess
}

func (b *SimulatedVerbsBackend) executeRead(simQP *simulatedQP, wr *VerbsSendWR) WCStatus {
	peer, status := b.peer(simQP)
	if status != WCSuccess {
		return status
	}

	length := totalLength(wr.SGList)
	if length == 0 {
		return WCSuccess
	}

	src, status := b.remoteSegment(peer, wr.RemoteAddr, wr.RKey, length, MRAccessRemoteRead)
	if status != WCSuccess {
		b.failResponder(peer)
		return status
	}

	for _, sge := range wr.SGList {
		dst, status := b.localSegment(simQP, sge, true)
		if status != WCSuccess {
			return status
		}

		n := copy(dst, src)
		src = src[n:]
	}

	return WCSuccess
}

func (b *SimulatedVerbsBackend) executeWrite(simQP *simulatedQP, wr *VerbsSendWR) WCStatus {
	peer, status := b.peer(simQP)
	if status != WCSuccess {
		return status
	}

	length := totalLength(wr.SGList)

	// Write-with-immediate consumes a receive on the responder up front.
	var recv *VerbsRecvWR
	if wr.Opcode == WROpRDMAWriteWithImm {
		if len(peer.recvQ) == 0 {
			return WCRnrRetryExcErr
		}

		recv = &peer.recvQ[0]
	}

	if length > 0 {
		dst, status := b.remoteSegment(peer, wr.RemoteAddr, wr.RKey, length, MRAccessRemoteWrite)
		if status != WCSuccess {
			b.failResponder(peer)
			return status
		}

		for _, sge := range wr.SGList {
			src, status := b.localSegment(simQP, sge, false)
			if status != WCSuccess {
				return status
			}

			n := copy(dst, src)
			dst = dst[n:]
		}
	}

	if recv != nil {
		wrID := recv.WRID
		peer.recvQ = peer.recvQ[1:]
		peer.backend.complete(peer.recvCQ, VerbsWorkCompletion{
			WRID:    wrID,
			Status:  WCSuccess,
			Opcode:  WCOpRecvRDMAWithImm,
			ByteLen: uint32(length), //nolint:gosec // G115: bounded by SGE lengths
			ImmData: wr.ImmData,
			QPN:     peer.qpNum,
			SrcQP:   simQP.qpNum,
			WCFlags: WCFlagWithImm,
		})
	}

	return WCSuccess
}

func (b *SimulatedVerbsBackend) executeSend(simQP *simulatedQP, wr *VerbsSendWR) WCStatus {
	peer, status := b.peer(simQP)
	if status != WCSuccess {
		return status
	}

	if len(peer.recvQ) == 0 {
		return WCRnrRetryExcErr
	}

	recv := peer.recvQ[0]
	peer.recvQ = peer.recvQ[1:]

	var payload []byte

	for _, sge := range wr.SGList {
		src, status := b.localSegment(simQP, sge, false)
		if status != WCSuccess {
			return status
		}

		payload = append(payload, src...)
	}

	if uint64(len(payload)) > totalLength(recv.SGList) {
		peer.backend.complete(peer.recvCQ, VerbsWorkCompletion{
			WRID:   recv.WRID,
			Status: WCLocalLenErr,
			Opcode: WCOpRecv,
			QPN:    peer.qpNum,
		})
		peer.state = QPStateErr

		return WCRemoteInvalidReqErr
	}

	rest := payload
	for _, sge := range recv.SGList {
		dst, status := peer.backend.localSegment(peer, sge, true)
		if status != WCSuccess {
			return WCRemoteOpErr
		}

		n := copy(dst, rest)
		rest = rest[n:]
	}

	wc := VerbsWorkCompletion{
		WRID:    recv.WRID,
		Status:  WCSuccess,
		Opcode:  WCOpRecv,
		ByteLen: uint32(len(payload)), //nolint:gosec // G115: bounded by SGE lengths
		QPN:     peer.qpNum,
		SrcQP:   simQP.qpNum,
	}
	if wr.Opcode == WROpSendWithImm {
		wc.ImmData = wr.ImmData
		wc.WCFlags = WCFlagWithImm
	}

	peer.backend.complete(peer.recvCQ, wc)

	return WCSuccess
}

// failResponder moves the responder of a remote access violation to ERR and
// flushes its posted receives. Caller holds fabric.mu.
func (b *SimulatedVerbsBackend) failResponder(peer *simulatedQP) {
	peer.state = QPStateErr

	for _, recv := range peer.recvQ {
		peer.backend.complete(peer.recvCQ, VerbsWorkCompletion{
			WRID:   recv.WRID,
			Status: WCWRFlushErr,
			Opcode: WCOpRecv,
			QPN:    peer.qpNum,
		})
	}

	peer.recvQ = nil
}

// complete queues wc on cq. Caller holds fabric.mu.
func (b *SimulatedVerbsBackend) complete(cq VerbsCQ, wc VerbsWorkCompletion) {
	simCQ, ok := b.cqs[cq]
	if !ok {
		return
	}

	if len(simCQ.completions) >= simCQ.size {
		simCQ.overrun = true
		return
	}

	simCQ.completions = append(simCQ.completions, wc)

	select {
	case simCQ.notify <- struct{}{}:
	default:
	}
}

func (b *SimulatedVerbsBackend) PostRecv(qp VerbsQP, wr *VerbsRecvWR) error {
	b.fabric.mu.Lock()
	defer b.fabric.mu.Unlock()

	simQP, ok := b.qps[qp]
	if !ok {
		return ErrQPCreation
	}

	if simQP.state == QPStateReset || simQP.state == QPStateErr {
		atomic.AddInt64(&b.metrics.Errors, 1)
		return fmt.Errorf("%w: queue pair in %s", ErrPostRecv, simQP.state)
	}

	if len(simQP.recvQ) >= int(simQP.caps.MaxRecvWR) {
		atomic.AddInt64(&b.metrics.Errors, 1)
		return fmt.Errorf("%w: receive queue full (%d)", ErrPostRecv, simQP.caps.MaxRecvWR)
	}

	for _, sge := range wr.SGList {
		if _, status := b.localSegment(simQP, sge, true); status != WCSuccess {
			atomic.AddInt64(&b.metrics.Errors, 1)
			return fmt.Errorf("%w: invalid scatter entry lkey 0x%x", ErrPostRecv, sge.LKey)
		}
	}

	posted := VerbsRecvWR{WRID: wr.WRID, SGList: append([]VerbsSGE(nil), wr.SGList...)}
	simQP.recvQ = append(simQP.recvQ, posted)
	atomic.AddInt64(&b.metrics.RecvsPosted, 1)

	return nil
}

// slice returns the registered bytes covering [addr, addr+length).
func (mr *simulatedMR) slice(addr, length uint64) ([]byte, bool) {
	if addr < mr.addr {
		return nil, false
	}

	off := addr - mr.addr
	if off > uint64(len(mr.buf)) || length > uint64(len(mr.buf))-off {
		return nil, false
	}

	return mr.buf[off : off+length], true
}

func (b *SimulatedVerbsBackend) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"simulated":      true,
		"devices_opened": atomic.LoadInt64(&b.metrics.DevicesOpened),
		"pds_created":    atomic.LoadInt64(&b.metrics.PDsCreated),
		"cqs_created":    atomic.LoadInt64(&b.metrics.CQsCreated),
		"qps_created":    atomic.LoadInt64(&b.metrics.QPsCreated),
		"mrs_registered": atomic.LoadInt64(&b.metrics.MRsRegistered),
		"sends_posted":   atomic.LoadInt64(&b.metrics.SendsPosted),
		"recvs_posted":   atomic.LoadInt64(&b.metrics.RecvsPosted),
		"rdma_reads":     atomic.LoadInt64(&b.metrics.RDMAReads),
		"rdma_writes":    atomic.LoadInt64(&b.metrics.RDMAWrites),
		"completions":    atomic.LoadInt64(&b.metrics.Completions),
		"errors":         atomic.LoadInt64(&b.metrics.Errors),
	}
}
