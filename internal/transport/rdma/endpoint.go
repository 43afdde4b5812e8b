package rdma

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/sama18-meet/rdma-app/internal/metrics"
)

// Device selection defaults.
const (
	DefaultDeviceName = "mlx5_0"
	DefaultIBPort     = 1
	DefaultGIDIndex   = 0
)

// Queue pair transition parameters.
const (
	defaultPathMTU         = MTU1024
	defaultMinRnrTimer     = 12
	defaultTimeout         = 14
	defaultMaxDestRdAtomic = 1
	defaultMaxRdAtomic     = 16
	defaultHopLimit        = 1
)

// EndpointConfig holds the device selection and polling policy of an endpoint.
type EndpointConfig struct {
	Wait       WaitStrategy
	DeviceName string
	Port       int
	GIDIndex   int
	PathMTU    MTU
}

// DefaultEndpointConfig returns the default endpoint configuration.
func DefaultEndpointConfig() EndpointConfig {
	return EndpointConfig{
		DeviceName: DefaultDeviceName,
		Port:       DefaultIBPort,
		GIDIndex:   DefaultGIDIndex,
		PathMTU:    defaultPathMTU,
		Wait:       SpinWait{},
	}
}

// Endpoint owns the verbs resources of one side of a connection: device
// context, protection domain, one completion queue shared by send and
// receive, one RC queue pair and the control slot pool. The queue pair state
// is tracked locally and posts that the state does not allow are rejected
// before they reach the provider.
type Endpoint struct {
	backend   VerbsBackend
	registrar *Registrar
	slots     *SlotPool
	poller    *Poller
	slotBuf   []byte
	config    EndpointConfig
	device    string
	devCtx    VerbsContext
	pd        VerbsPD
	cq        VerbsCQ
	qp        VerbsQP
	state     QPState
	mu        sync.Mutex
	closed    bool
}

// NewEndpoint opens the configured device (or the first one present if it
// is missing) and creates the endpoint's resources in order: protection
// domain, control slot registration, completion queue of 2*ControlSlots
// entries, then an RC queue pair in RESET.
func NewEndpoint(backend VerbsBackend, config EndpointConfig) (*Endpoint, error) {
	if config.Port <= 0 {
		config.Port = DefaultIBPort
	}

	if config.PathMTU == 0 {
		config.PathMTU = defaultPathMTU
	}

	if config.Wait == nil {
		config.Wait = SpinWait{}
	}

	if err := backend.Init(); err != nil {
		return nil, &ConnectionError{Step: StepOpenDevice, Err: err}
	}

	e := &Endpoint{
		backend: backend,
		config:  config,
		state:   QPStateReset,
	}

	if err := e.setup(); err != nil {
		_ = e.teardown()
		return nil, err
	}

	e.poller = NewPoller(cqSource{backend: backend, cq: e.cq}, config.Wait)

	log.Info().
		Str("device", e.device).
		Int("port", config.Port).
		Int("gid_index", config.GIDIndex).
		Int("slots", ControlSlots).
		Msg("RDMA endpoint created")

	return e, nil
}

func (e *Endpoint) setup() error {
	devCtx, name, err := e.openDevice()
	if err != nil {
		return &ConnectionError{Step: StepOpenDevice, Err: err}
	}

	e.devCtx = devCtx
	e.device = name

	e.pd, err = e.backend.AllocPD(e.devCtx)
	if err != nil {
		return &ConnectionError{Step: StepAllocPD, Err: err}
	}

	e.registrar = NewRegistrar(e.backend, e.pd)

	e.slotBuf, err = AllocBuffer(ControlSlots * ControlSlotSize)
	if err != nil {
		return &ConnectionError{Step: StepSlots, Err: err}
	}

	slotReg, err := e.registrar.Register(e.slotBuf, AccessLocal)
	if err != nil {
		return &ConnectionError{Step: StepSlots, Err: err}
	}

	e.slots = newSlotPool(slotReg, ControlSlots, ControlSlotSize)

	e.cq, err = e.backend.CreateCQ(e.devCtx, 2*ControlSlots)
	if err != nil {
		return &ConnectionError{Step: StepCreateCQ, Err: err}
	}

	e.qp, err = e.backend.CreateQP(e.pd, e.cq, e.cq, QPTypeRC, VerbsQPCap{
		MaxSendWR:  ControlSlots,
		MaxRecvWR:  ControlSlots,
		MaxSendSge: 1,
		MaxRecvSge: 1,
	})
	if err != nil {
		return &ConnectionError{Step: StepCreateQP, Err: err}
	}

	return nil
}

func (e *Endpoint) openDevice() (VerbsContext, string, error) {
	devCtx, err := e.backend.OpenDevice(e.config.DeviceName)
	if err == nil {
		return devCtx, e.config.DeviceName, nil
	}

	if !errors.Is(err, ErrDeviceNotFound) {
		return 0, "", err
	}

	devices, listErr := e.backend.GetDeviceList()
	if listErr != nil {
		return 0, "", listErr
	}

	if len(devices) == 0 {
		return 0, "", ErrDeviceNotFound
	}

	log.Warn().
		Str("requested", e.config.DeviceName).
		Str("using", devices[0].Name).
		Msg("RDMA device not found, falling back to first available device")

	devCtx, err = e.backend.OpenDevice(devices[0].Name)
	if err != nil {
		return 0, "", err
	}

	return devCtx, devices[0].Name, nil
}

// Device returns the name of the opened device.
func (e *Endpoint) Device() string {
	return e.device
}

// Registrar returns the registrar bound to the endpoint's protection domain.
func (e *Endpoint) Registrar() *Registrar {
	return e.registrar
}

// Slots returns the control slot pool.
func (e *Endpoint) Slots() *SlotPool {
	return e.slots
}

// State returns the locally tracked queue pair state.
func (e *Endpoint) State() QPState {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.state
}

// LocalInfo returns the GID at the configured port and GID index together
// with the queue pair number.
func (e *Endpoint) LocalInfo() (ConnectionInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ConnectionInfo{}, ErrEndpointClosed
	}

	gid, err := e.backend.QueryGID(e.devCtx, e.config.Port, e.config.GIDIndex)
	if err != nil {
		return ConnectionInfo{}, &ConnectionError{Step: StepQueryGID, Err: err}
	}

	attr, err := e.backend.QueryQP(e.qp)
	if err != nil {
		return ConnectionInfo{}, &ConnectionError{Step: StepQueryGID, Err: err}
	}

	return ConnectionInfo{GID: gid, QPN: attr.QPN}, nil
}

func (e *Endpoint) requireState(op string, allowed ...QPState) error {
	if e.closed {
		return ErrEndpointClosed
	}

	for _, s := range allowed {
		if e.state == s {
			return nil
		}
	}

	return fmt.Errorf("%w: %s in %s", ErrQPState, op, e.state)
}

// ModifyToInit moves the queue pair RESET->INIT with remote read and remote
// write enabled.
func (e *Endpoint) ModifyToInit() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireState("modify to INIT", QPStateReset); err != nil {
		return err
	}

	err := e.backend.ModifyQPToInit(e.qp, QPInitAttr{
		PKeyIndex:   0,
		PortNum:     uint8(e.config.Port), //nolint:gosec // G115: port numbers fit in a byte
		AccessFlags: MRAccessRemoteRead | MRAccessRemoteWrite,
	})
	metrics.RecordTransition(QPStateInit.String(), err)

	if err != nil {
		return err
	}

	e.state = QPStateInit

	return nil
}

// ModifyToRTR moves the queue pair INIT->RTR towards remote.
func (e *Endpoint) ModifyToRTR(remote ConnectionInfo) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireState("modify to RTR", QPStateInit); err != nil {
		return err
	}

	err := e.backend.ModifyQPToRTR(e.qp, QPRTRAttr{
		PathMTU:         e.config.PathMTU,
		DestQPN:         remote.QPN,
		RQPsn:           0,
		MaxDestRdAtomic: defaultMaxDestRdAtomic,
		MinRnrTimer:     defaultMinRnrTimer,
		AH: VerbsAHAttr{
			IsGlobal: 1,
			SL:       0,
			PortNum:  uint8(e.config.Port), //nolint:gosec // G115: port numbers fit in a byte
			GRH: VerbsGlobalRoute{
				DGID:      remote.GID,
				SGIDIndex: uint8(e.config.GIDIndex), //nolint:gosec // G115: GID table indices fit in a byte
				HopLimit:  defaultHopLimit,
			},
		},
	})
	metrics.RecordTransition(QPStateRTR.String(), err)

	if err != nil {
		return err
	}

	e.state = QPStateRTR

	return nil
}

// ModifyToRTS moves the queue pair RTR->RTS. Every control slot must be
// armed first.
func (e *Endpoint) ModifyToRTS() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireState("modify to RTS", QPStateRTR); err != nil {
		return err
	}

	if armed := e.slots.Armed(); armed != e.slots.Len() {
		return fmt.Errorf("%w: %d of %d control slots armed", ErrQPState, armed, e.slots.Len())
	}

	err := e.backend.ModifyQPToRTS(e.qp, QPRTSAttr{
		SQPsn:       0,
		Timeout:     defaultTimeout,
		RetryCnt:    RetryInfinite,
		RnrRetry:    RetryInfinite,
		MaxRdAtomic: defaultMaxRdAtomic,
	})
	metrics.RecordTransition(QPStateRTS.String(), err)

	if err != nil {
		return err
	}

	e.state = QPStateRTS

	return nil
}

// ArmSlots posts a receive on every unarmed control slot.
func (e *Endpoint) ArmSlots() error {
	for {
		e.mu.Lock()
		i, err := e.slots.NextFree()
		e.mu.Unlock()

		if errors.Is(err, ErrSlotsExhausted) {
			return nil
		}

		if err := e.PostRecv(i); err != nil {
			return err
		}
	}
}

// Connect drives the queue pair RESET->INIT->RTR, arms the control slots
// while in RTR, then moves it to RTS.
func (e *Endpoint) Connect(remote ConnectionInfo) error {
	if err := e.ModifyToInit(); err != nil {
		return &ConnectionError{Step: StepInit, Err: err}
	}

	if err := e.ModifyToRTR(remote); err != nil {
		return &ConnectionError{Step: StepRTR, Err: err}
	}

	if err := e.ArmSlots(); err != nil {
		return &ConnectionError{Step: StepArm, Err: err}
	}

	if err := e.ModifyToRTS(); err != nil {
		return &ConnectionError{Step: StepRTS, Err: err}
	}

	log.Info().
		Uint32("remote_qpn", remote.QPN).
		Str("remote_gid", remote.GIDString()).
		Msg("Queue pair ready to send")

	return nil
}

// PostRecv arms control slot i. The work request id is the slot index
// tagged as a receive (see SlotIndex).
func (e *Endpoint) PostRecv(slot int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireState("post receive", QPStateInit, QPStateRTR, QPStateRTS); err != nil {
		return err
	}

	if e.slots.Armed() == e.slots.Len() {
		return ErrSlotsExhausted
	}

	if err := e.slots.markArmed(slot); err != nil {
		return err
	}

	err := e.backend.PostRecv(e.qp, &VerbsRecvWR{
		WRID:   recvWRID(slot),
		SGList: []VerbsSGE{e.slots.sge(slot)},
	})
	if err != nil {
		e.slots.release(slot)
		return &TransportError{Op: "post receive", Err: err}
	}

	metrics.RecordWorkRequest("recv")

	return nil
}

// ConsumeSlot returns the bytes a receive completion wrote into its control
// slot. The slot was already freed by Poll and may be re-armed.
func (e *Endpoint) ConsumeSlot(wc VerbsWorkCompletion) ([]byte, error) {
	slot, ok := SlotIndex(wc.WRID)
	if !ok {
		return nil, fmt.Errorf("%w: work request %d is not a receive", ErrSlotIndex, wc.WRID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.slots.Received(slot, wc.ByteLen)
}

func (e *Endpoint) localSGE(local *Registration, offset, length int) ([]VerbsSGE, error) {
	if length == 0 {
		return nil, nil
	}

	if local == nil || local.Released() {
		return nil, ErrReleased
	}

	addr := local.Addr + uint64(offset) //nolint:gosec // G115: checked below
	if offset < 0 || !local.Contains(addr, length) {
		return nil, fmt.Errorf("%w: offset %d length %d in %d bytes", ErrOutOfRange, offset, length, local.Length)
	}

	return []VerbsSGE{{
		Addr:   addr,
		Length: uint32(length), //nolint:gosec // G115: bounded by the registration length
		LKey:   local.LocalKey,
	}}, nil
}

// PostRDMARead posts a signalled RDMA Read of length bytes from
// (remoteAddr, rkey) into local at offset.
func (e *Endpoint) PostRDMARead(local *Registration, offset, length int, remoteAddr uint64, rkey uint32, wrID uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireState("post rdma read", QPStateRTS); err != nil {
		return err
	}

	sgl, err := e.localSGE(local, offset, length)
	if err != nil {
		return err
	}

	if err := e.backend.PostSend(e.qp, &VerbsSendWR{
		WRID:       wrID,
		Opcode:     WROpRDMARead,
		SendFlags:  SendFlagSignaled,
		SGList:     sgl,
		RemoteAddr: remoteAddr,
		RKey:       rkey,
	}); err != nil {
		return &TransportError{Op: "post rdma read", Err: err}
	}

	metrics.RecordWorkRequest(WROpRDMARead.String())

	log.Debug().
		Uint64("wr_id", wrID).
		Int("length", length).
		Uint64("remote_addr", remoteAddr).
		Uint32("rkey", rkey).
		Msg("Posted RDMA read")

	return nil
}

// PostRDMAWrite posts a signalled RDMA Write of length bytes from local at
// offset to (remoteAddr, rkey). With imm set the write carries immediate
// data and consumes a receive on the peer; local may then be nil and length
// zero.
func (e *Endpoint) PostRDMAWrite(local *Registration, offset, length int, remoteAddr uint64, rkey uint32, imm *uint32, wrID uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireState("post rdma write", QPStateRTS); err != nil {
		return err
	}

	sgl, err := e.localSGE(local, offset, length)
	if err != nil {
		return err
	}

	wr := &VerbsSendWR{
		WRID:       wrID,
		Opcode:     WROpRDMAWrite,
		SendFlags:  SendFlagSignaled,
		SGList:     sgl,
		RemoteAddr: remoteAddr,
		RKey:       rkey,
	}
	if imm != nil {
		wr.Opcode = WROpRDMAWriteWithImm
		wr.ImmData = *imm
	}

	if err := e.backend.PostSend(e.qp, wr); err != nil {
		return &TransportError{Op: "post rdma write", Err: err}
	}

	metrics.RecordWorkRequest(wr.Opcode.String())

	return nil
}

// Poller returns the poller over the endpoint's completion queue.
func (e *Endpoint) Poller() *Poller {
	return e.poller
}

// Poll waits for the next completion. A receive completion, flushed or not,
// frees its control slot. A failed completion moves the locally tracked state
// to ERR, as the provider does with the queue pair.
func (e *Endpoint) Poll(ctx context.Context) (VerbsWorkCompletion, error) {
	wc, err := e.poller.Poll(ctx)
	if err != nil {
		return wc, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if slot, ok := SlotIndex(wc.WRID); ok {
		e.slots.release(slot)
	}

	if wc.Status != WCSuccess {
		e.state = QPStateErr
	}

	return wc, nil
}

// PollSuccess is Poll followed by ExpectSuccess.
func (e *Endpoint) PollSuccess(ctx context.Context) (VerbsWorkCompletion, error) {
	wc, err := e.Poll(ctx)
	if err != nil {
		return wc, err
	}

	return wc, ExpectSuccess(wc)
}

// Close destroys the queue pair, the completion queue, every registration
// (control slots included), the protection domain and the device context, in
// that order. It is safe to call more than once.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}

	e.closed = true

	err := e.teardown()

	log.Debug().Str("device", e.device).Msg("RDMA endpoint closed")

	return err
}

func (e *Endpoint) teardown() error {
	var errs []error

	if e.qp != 0 {
		errs = append(errs, e.backend.DestroyQP(e.qp))
		e.qp = 0
	}

	if e.cq != 0 {
		errs = append(errs, e.backend.DestroyCQ(e.cq))
		e.cq = 0
	}

	if e.registrar != nil {
		errs = append(errs, e.registrar.Close())
	}

	if e.slotBuf != nil {
		errs = append(errs, FreeBuffer(e.slotBuf))
		e.slotBuf = nil
	}

	if e.pd != 0 {
		errs = append(errs, e.backend.DeallocPD(e.pd))
		e.pd = 0
	}

	if e.devCtx != 0 {
		errs = append(errs, e.backend.CloseDevice(e.devCtx))
		e.devCtx = 0
	}

	return errors.Join(errs...)
}
