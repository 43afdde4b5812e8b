//go:build rdma_hw && linux && cgo

package rdma

/*
#cgo LDFLAGS: -libverbs
#include <stdlib.h>
#include <string.h>
#include <stdint.h>
#include <arpa/inet.h>
#include <infiniband/verbs.h>

typedef struct {
	uint64_t wr_id;
	int      status;
	int      opcode;
	uint32_t vendor_err;
	uint32_t byte_len;
	uint32_t imm_data;
	uint32_t qp_num;
	uint32_t src_qp;
	int      wc_flags;
} flat_wc;

static int poll_cq_flat(struct ibv_cq *cq, int n, flat_wc *out) {
	struct ibv_wc wc[16];
	if (n > 16) {
		n = 16;
	}
	int got = ibv_poll_cq(cq, n, wc);
	for (int i = 0; i < got; i++) {
		out[i].wr_id = wc[i].wr_id;
		out[i].status = wc[i].status;
		out[i].opcode = wc[i].opcode;
		out[i].vendor_err = wc[i].vendor_err;
		out[i].byte_len = wc[i].byte_len;
		out[i].imm_data = (wc[i].wc_flags & IBV_WC_WITH_IMM) ? ntohl(wc[i].imm_data) : 0;
		out[i].qp_num = wc[i].qp_num;
		out[i].src_qp = wc[i].src_qp;
		out[i].wc_flags = wc[i].wc_flags;
	}
	return got;
}

static struct ibv_qp *create_qp(struct ibv_pd *pd, struct ibv_cq *scq, struct ibv_cq *rcq, int type,
                                uint32_t max_send, uint32_t max_recv, uint32_t send_sge, uint32_t recv_sge,
                                uint32_t max_inline) {
	struct ibv_qp_init_attr attr;
	memset(&attr, 0, sizeof(attr));
	attr.send_cq = scq;
	attr.recv_cq = rcq;
	attr.qp_type = type;
	attr.cap.max_send_wr = max_send;
	attr.cap.max_recv_wr = max_recv;
	attr.cap.max_send_sge = send_sge;
	attr.cap.max_recv_sge = recv_sge;
	attr.cap.max_inline_data = max_inline;
	return ibv_create_qp(pd, &attr);
}

static int modify_to_init(struct ibv_qp *qp, uint16_t pkey_index, uint8_t port, int access) {
	struct ibv_qp_attr attr;
	memset(&attr, 0, sizeof(attr));
	attr.qp_state = IBV_QPS_INIT;
	attr.pkey_index = pkey_index;
	attr.port_num = port;
	attr.qp_access_flags = access;
	return ibv_modify_qp(qp, &attr, IBV_QP_STATE | IBV_QP_PKEY_INDEX | IBV_QP_PORT | IBV_QP_ACCESS_FLAGS);
}

static int modify_to_rtr(struct ibv_qp *qp, int mtu, uint32_t dest_qpn, uint32_t rq_psn,
                         uint8_t max_dest_rd_atomic, uint8_t min_rnr_timer,
                         const uint8_t *dgid, uint8_t sgid_index, uint8_t hop_limit, uint8_t traffic_class,
                         uint32_t flow_label, uint8_t is_global, uint16_t dlid, uint8_t sl,
                         uint8_t src_path_bits, uint8_t port) {
	struct ibv_qp_attr attr;
	memset(&attr, 0, sizeof(attr));
	attr.qp_state = IBV_QPS_RTR;
	attr.path_mtu = mtu;
	attr.dest_qp_num = dest_qpn;
	attr.rq_psn = rq_psn;
	attr.max_dest_rd_atomic = max_dest_rd_atomic;
	attr.min_rnr_timer = min_rnr_timer;
	memcpy(attr.ah_attr.grh.dgid.raw, dgid, 16);
	attr.ah_attr.grh.sgid_index = sgid_index;
	attr.ah_attr.grh.hop_limit = hop_limit;
	attr.ah_attr.grh.traffic_class = traffic_class;
	attr.ah_attr.grh.flow_label = flow_label;
	attr.ah_attr.is_global = is_global;
	attr.ah_attr.dlid = dlid;
	attr.ah_attr.sl = sl;
	attr.ah_attr.src_path_bits = src_path_bits;
	attr.ah_attr.port_num = port;
	return ibv_modify_qp(qp, &attr, IBV_QP_STATE | IBV_QP_AV | IBV_QP_PATH_MTU | IBV_QP_DEST_QPN |
	                                IBV_QP_RQ_PSN | IBV_QP_MAX_DEST_RD_ATOMIC | IBV_QP_MIN_RNR_TIMER);
}

static int modify_to_rts(struct ibv_qp *qp, uint32_t sq_psn, uint8_t timeout, uint8_t retry_cnt,
                         uint8_t rnr_retry, uint8_t max_rd_atomic) {
	struct ibv_qp_attr attr;
	memset(&attr, 0, sizeof(attr));
	attr.qp_state = IBV_QPS_RTS;
	attr.sq_psn = sq_psn;
	attr.timeout = timeout;
	attr.retry_cnt = retry_cnt;
	attr.rnr_retry = rnr_retry;
	attr.max_rd_atomic = max_rd_atomic;
	return ibv_modify_qp(qp, &attr, IBV_QP_STATE | IBV_QP_TIMEOUT | IBV_QP_RETRY_CNT |
	                                IBV_QP_RNR_RETRY | IBV_QP_SQ_PSN | IBV_QP_MAX_QP_RD_ATOMIC);
}

static int query_qp_state(struct ibv_qp *qp, int *state, int *access, uint32_t *dest_qpn) {
	struct ibv_qp_attr attr;
	struct ibv_qp_init_attr init;
	int ret = ibv_query_qp(qp, &attr, IBV_QP_STATE | IBV_QP_ACCESS_FLAGS | IBV_QP_DEST_QPN, &init);
	if (ret == 0) {
		*state = attr.qp_state;
		*access = attr.qp_access_flags;
		*dest_qpn = attr.dest_qp_num;
	}
	return ret;
}

static int post_send_one(struct ibv_qp *qp, uint64_t wr_id, int opcode, int flags,
                         uint64_t laddr, uint32_t length, uint32_t lkey, int num_sge,
                         uint64_t raddr, uint32_t rkey, uint32_t imm) {
	struct ibv_sge sge;
	struct ibv_send_wr wr, *bad_wr = NULL;
	memset(&sge, 0, sizeof(sge));
	memset(&wr, 0, sizeof(wr));
	sge.addr = laddr;
	sge.length = length;
	sge.lkey = lkey;
	wr.wr_id = wr_id;
	wr.opcode = opcode;
	wr.send_flags = flags;
	wr.sg_list = num_sge ? &sge : NULL;
	wr.num_sge = num_sge;
	wr.wr.rdma.remote_addr = raddr;
	wr.wr.rdma.rkey = rkey;
	wr.imm_data = htonl(imm);
	return ibv_post_send(qp, &wr, &bad_wr);
}

static int post_recv_one(struct ibv_qp *qp, uint64_t wr_id, uint64_t addr, uint32_t length, uint32_t lkey, int num_sge) {
	struct ibv_sge sge;
	struct ibv_recv_wr wr, *bad_wr = NULL;
	memset(&sge, 0, sizeof(sge));
	memset(&wr, 0, sizeof(wr));
	sge.addr = addr;
	sge.length = length;
	sge.lkey = lkey;
	wr.wr_id = wr_id;
	wr.sg_list = num_sge ? &sge : NULL;
	wr.num_sge = num_sge;
	return ibv_post_recv(qp, &wr, &bad_wr);
}

// ibv_reg_mr is a macro in current rdma-core headers.
static struct ibv_mr *reg_mr(struct ibv_pd *pd, void *addr, size_t length, int access) {
	return ibv_reg_mr(pd, addr, length, access);
}

static int query_phys_port_cnt(struct ibv_context *ctx, int *cnt, uint64_t *guid, uint32_t *vendor,
                               uint32_t *part, uint32_t *hw, char *fw, int fwlen) {
	struct ibv_device_attr attr;
	int ret = ibv_query_device(ctx, &attr);
	if (ret == 0) {
		*cnt = attr.phys_port_cnt;
		*guid = attr.node_guid;
		*vendor = attr.vendor_id;
		*part = attr.vendor_part_id;
		*hw = attr.hw_ver;
		strncpy(fw, attr.fw_ver, fwlen - 1);
		fw[fwlen - 1] = 0;
	}
	return ret;
}
*/
import "C"

import (
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"
)

// HardwareVerbsBackend drives a real RDMA device through libibverbs.
// Buffers handed to RegMR must not live on the Go heap; use AllocBuffer.
type HardwareVerbsBackend struct {
	contexts    map[VerbsContext]*C.struct_ibv_context
	pds         map[VerbsPD]*C.struct_ibv_pd
	cqs         map[VerbsCQ]*C.struct_ibv_cq
	qps         map[VerbsQP]*C.struct_ibv_qp
	mrs         map[VerbsMR]*C.struct_ibv_mr
	metrics     *verbsMetrics
	nextHandle  uintptr
	mu          sync.Mutex
	initialized bool
}

// NewHardwareVerbsBackend returns the libibverbs backend.
func NewHardwareVerbsBackend() (VerbsBackend, error) {
	return &HardwareVerbsBackend{
		contexts: make(map[VerbsContext]*C.struct_ibv_context),
		pds:      make(map[VerbsPD]*C.struct_ibv_pd),
		cqs:      make(map[VerbsCQ]*C.struct_ibv_cq),
		qps:      make(map[VerbsQP]*C.struct_ibv_qp),
		mrs:      make(map[VerbsMR]*C.struct_ibv_mr),
		metrics:  &verbsMetrics{},
	}, nil
}

func errnoErr(base error, op string, ret C.int, errno error) error {
	if errno == nil && ret > 0 {
		errno = syscall.Errno(ret)
	}

	if errno == nil {
		return fmt.Errorf("%w: %s", base, op)
	}

	return fmt.Errorf("%w: %s: %v", base, op, errno)
}

func (b *HardwareVerbsBackend) handle() uintptr {
	b.nextHandle++
	return b.nextHandle
}

func (b *HardwareVerbsBackend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.initialized = true

	return nil
}

func (b *HardwareVerbsBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for h, qp := range b.qps {
		C.ibv_destroy_qp(qp)
		delete(b.qps, h)
	}

	for h, cq := range b.cqs {
		C.ibv_destroy_cq(cq)
		delete(b.cqs, h)
	}

	for h, mr := range b.mrs {
		C.ibv_dereg_mr(mr)
		delete(b.mrs, h)
	}

	for h, pd := range b.pds {
		C.ibv_dealloc_pd(pd)
		delete(b.pds, h)
	}

	for h, ctx := range b.contexts {
		C.ibv_close_device(ctx)
		delete(b.contexts, h)
	}

	b.initialized = false

	return nil
}

func (b *HardwareVerbsBackend) deviceList() ([]*C.struct_ibv_device, func(), error) {
	var num C.int

	list, err := C.ibv_get_device_list(&num)
	if list == nil {
		return nil, func() {}, errnoErr(ErrDeviceNotFound, "ibv_get_device_list", 0, err)
	}

	devices := unsafe.Slice(list, int(num))

	return devices, func() { C.ibv_free_device_list(list) }, nil
}

func (b *HardwareVerbsBackend) GetDeviceList() ([]VerbsDeviceInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		return nil, ErrVerbsNotInitialized
	}

	devices, free, err := b.deviceList()
	defer free()

	if err != nil {
		return nil, err
	}

	result := make([]VerbsDeviceInfo, 0, len(devices))

	for _, dev := range devices {
		info := VerbsDeviceInfo{
			Name:     C.GoString(C.ibv_get_device_name(dev)),
			NodeType: int(dev.node_type),
		}

		if ctx := C.ibv_open_device(dev); ctx != nil {
			var (
				ports               C.int
				guid                C.uint64_t
				vendor, part, hwVer C.uint32_t
				fw                  [64]C.char
			)

			if C.query_phys_port_cnt(ctx, &ports, &guid, &vendor, &part, &hwVer, &fw[0], C.int(len(fw))) == 0 {
				info.PhysPortCnt = int(ports)
				info.GUID = uint64(guid)
				info.VendorID = uint32(vendor)
				info.VendorPartID = uint32(part)
				info.HWVer = uint32(hwVer)
				info.FWVer = C.GoString(&fw[0])
			}

			C.ibv_close_device(ctx)
		}

		result = append(result, info)
	}

	return result, nil
}

func (b *HardwareVerbsBackend) OpenDevice(name string) (VerbsContext, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		return 0, ErrVerbsNotInitialized
	}

	devices, free, err := b.deviceList()
	defer free()

	if err != nil {
		return 0, err
	}

	for _, dev := range devices {
		if C.GoString(C.ibv_get_device_name(dev)) != name {
			continue
		}

		ctx, err := C.ibv_open_device(dev)
		if ctx == nil {
			return 0, errnoErr(ErrContextCreation, "ibv_open_device", 0, err)
		}

		h := VerbsContext(b.handle())
		b.contexts[h] = ctx
		atomic.AddInt64(&b.metrics.DevicesOpened, 1)

		return h, nil
	}

	return 0, ErrDeviceNotFound
}

func (b *HardwareVerbsBackend) CloseDevice(ctx VerbsContext) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.contexts[ctx]
	if !ok {
		return nil
	}

	delete(b.contexts, ctx)

	if ret, err := C.ibv_close_device(c); ret != 0 {
		return errnoErr(ErrContextCreation, "ibv_close_device", ret, err)
	}

	return nil
}

func (b *HardwareVerbsBackend) QueryGID(ctx VerbsContext, port, index int) ([16]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var gid [16]byte

	c, ok := b.contexts[ctx]
	if !ok {
		return gid, ErrContextCreation
	}

	var raw C.union_ibv_gid
	if ret, err := C.ibv_query_gid(c, C.uint8_t(port), C.int(index), &raw); ret != 0 {
		return gid, errnoErr(ErrQueryGID, "ibv_query_gid", ret, err)
	}

	copy(gid[:], C.GoBytes(unsafe.Pointer(&raw), 16))

	return gid, nil
}

func (b *HardwareVerbsBackend) AllocPD(ctx VerbsContext) (VerbsPD, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.contexts[ctx]
	if !ok {
		return 0, ErrContextCreation
	}

	pd, err := C.ibv_alloc_pd(c)
	if pd == nil {
		return 0, errnoErr(ErrPDCreation, "ibv_alloc_pd", 0, err)
	}

	h := VerbsPD(b.handle())
	b.pds[h] = pd
	atomic.AddInt64(&b.metrics.PDsCreated, 1)

	return h, nil
}

func (b *HardwareVerbsBackend) DeallocPD(pd VerbsPD) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pds[pd]
	if !ok {
		return nil
	}

	if ret, err := C.ibv_dealloc_pd(p); ret != 0 {
		return errnoErr(ErrPDCreation, "ibv_dealloc_pd", ret, err)
	}

	delete(b.pds, pd)

	return nil
}

func (b *HardwareVerbsBackend) CreateCQ(ctx VerbsContext, cqe int) (VerbsCQ, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.contexts[ctx]
	if !ok {
		return 0, ErrContextCreation
	}

	cq, err := C.ibv_create_cq(c, C.int(cqe), nil, nil, 0)
	if cq == nil {
		return 0, errnoErr(ErrCQCreation, "ibv_create_cq", 0, err)
	}

	h := VerbsCQ(b.handle())
	b.cqs[h] = cq
	atomic.AddInt64(&b.metrics.CQsCreated, 1)

	return h, nil
}

func (b *HardwareVerbsBackend) DestroyCQ(cq VerbsCQ) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.cqs[cq]
	if !ok {
		return nil
	}

	if ret, err := C.ibv_destroy_cq(c); ret != 0 {
		return errnoErr(ErrCQCreation, "ibv_destroy_cq", ret, err)
	}

	delete(b.cqs, cq)

	return nil
}

func (b *HardwareVerbsBackend) PollCQ(cq VerbsCQ, numEntries int) ([]VerbsWorkCompletion, error) {
	b.mu.Lock()
	c, ok := b.cqs[cq]
	b.mu.Unlock()

	if !ok {
		return nil, ErrPollCQ
	}

	if numEntries > 16 {
		numEntries = 16
	}

	var out [16]C.flat_wc

	got := C.poll_cq_flat(c, C.int(numEntries), &out[0])
	if got < 0 {
		atomic.AddInt64(&b.metrics.Errors, 1)
		return nil, fmt.Errorf("%w: ibv_poll_cq returned %d", ErrPollCQ, int(got))
	}

	result := make([]VerbsWorkCompletion, int(got))
	for i := range result {
		result[i] = VerbsWorkCompletion{
			WRID:      uint64(out[i].wr_id),
			Status:    WCStatus(out[i].status),
			Opcode:    WCOpcode(out[i].opcode),
			VendorErr: uint32(out[i].vendor_err),
			ByteLen:   uint32(out[i].byte_len),
			ImmData:   uint32(out[i].imm_data),
			QPN:       uint32(out[i].qp_num),
			SrcQP:     uint32(out[i].src_qp),
			WCFlags:   int(out[i].wc_flags),
		}
	}

	atomic.AddInt64(&b.metrics.Completions, int64(got))

	return result, nil
}

func (b *HardwareVerbsBackend) CreateQP(pd VerbsPD, sendCQ, recvCQ VerbsCQ, qpType QPType, caps VerbsQPCap) (VerbsQP, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pds[pd]
	if !ok {
		return 0, ErrPDCreation
	}

	scq, sok := b.cqs[sendCQ]
	rcq, rok := b.cqs[recvCQ]

	if !sok || !rok {
		return 0, fmt.Errorf("%w: unknown completion queue", ErrQPCreation)
	}

	qp, err := C.create_qp(p, scq, rcq, C.int(qpType),
		C.uint32_t(caps.MaxSendWR), C.uint32_t(caps.MaxRecvWR),
		C.uint32_t(caps.MaxSendSge), C.uint32_t(caps.MaxRecvSge),
		C.uint32_t(caps.MaxInlineData))
	if qp == nil {
		return 0, errnoErr(ErrQPCreation, "ibv_create_qp", 0, err)
	}

	h := VerbsQP(b.handle())
	b.qps[h] = qp
	atomic.AddInt64(&b.metrics.QPsCreated, 1)

	return h, nil
}

func (b *HardwareVerbsBackend) DestroyQP(qp VerbsQP) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.qps[qp]
	if !ok {
		return nil
	}

	if ret, err := C.ibv_destroy_qp(q); ret != 0 {
		return errnoErr(ErrQPCreation, "ibv_destroy_qp", ret, err)
	}

	delete(b.qps, qp)

	return nil
}

func (b *HardwareVerbsBackend) lookupQP(qp VerbsQP) (*C.struct_ibv_qp, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.qps[qp]
	if !ok {
		return nil, ErrQPCreation
	}

	return q, nil
}

func (b *HardwareVerbsBackend) ModifyQPToInit(qp VerbsQP, attr QPInitAttr) error {
	q, err := b.lookupQP(qp)
	if err != nil {
		return err
	}

	if ret := C.modify_to_init(q, C.uint16_t(attr.PKeyIndex), C.uint8_t(attr.PortNum), C.int(attr.AccessFlags)); ret != 0 {
		return errnoErr(ErrModifyQP, "ibv_modify_qp(INIT)", ret, nil)
	}

	return nil
}

func (b *HardwareVerbsBackend) ModifyQPToRTR(qp VerbsQP, attr QPRTRAttr) error {
	q, err := b.lookupQP(qp)
	if err != nil {
		return err
	}

	dgid := attr.AH.GRH.DGID

	ret := C.modify_to_rtr(q, C.int(attr.PathMTU), C.uint32_t(attr.DestQPN), C.uint32_t(attr.RQPsn),
		C.uint8_t(attr.MaxDestRdAtomic), C.uint8_t(attr.MinRnrTimer),
		(*C.uint8_t)(unsafe.Pointer(&dgid[0])), C.uint8_t(attr.AH.GRH.SGIDIndex),
		C.uint8_t(attr.AH.GRH.HopLimit), C.uint8_t(attr.AH.GRH.TrafficClass),
		C.uint32_t(attr.AH.GRH.FlowLabel), C.uint8_t(attr.AH.IsGlobal),
		C.uint16_t(attr.AH.DLID), C.uint8_t(attr.AH.SL),
		C.uint8_t(attr.AH.SrcPathBits), C.uint8_t(attr.AH.PortNum))
	if ret != 0 {
		return errnoErr(ErrModifyQP, "ibv_modify_qp(RTR)", ret, nil)
	}

	return nil
}

func (b *HardwareVerbsBackend) ModifyQPToRTS(qp VerbsQP, attr QPRTSAttr) error {
	q, err := b.lookupQP(qp)
	if err != nil {
		return err
	}

	ret := C.modify_to_rts(q, C.uint32_t(attr.SQPsn), C.uint8_t(attr.Timeout),
		C.uint8_t(attr.RetryCnt), C.uint8_t(attr.RnrRetry), C.uint8_t(attr.MaxRdAtomic))
	if ret != 0 {
		return errnoErr(ErrModifyQP, "ibv_modify_qp(RTS)", ret, nil)
	}

	return nil
}

func (b *HardwareVerbsBackend) QueryQP(qp VerbsQP) (*VerbsQPAttr, error) {
	q, err := b.lookupQP(qp)
	if err != nil {
		return nil, err
	}

	var (
		state, access C.int
		destQPN       C.uint32_t
	)

	if ret := C.query_qp_state(q, &state, &access, &destQPN); ret != 0 {
		return nil, errnoErr(ErrQPCreation, "ibv_query_qp", ret, nil)
	}

	return &VerbsQPAttr{
		State:         QPState(state),
		QPN:           uint32(q.qp_num),
		DestQPN:       uint32(destQPN),
		QPAccessFlags: Access(access),
	}, nil
}

func (b *HardwareVerbsBackend) RegMR(pd VerbsPD, buf []byte, access Access) (VerbsMRInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pds[pd]
	if !ok {
		return VerbsMRInfo{}, ErrPDCreation
	}

	if len(buf) == 0 {
		return VerbsMRInfo{}, fmt.Errorf("%w: empty buffer", ErrMRCreation)
	}

	mr, err := C.reg_mr(p, unsafe.Pointer(&buf[0]), C.size_t(len(buf)), C.int(access))
	if mr == nil {
		return VerbsMRInfo{}, errnoErr(ErrMRCreation, "ibv_reg_mr", 0, err)
	}

	h := VerbsMR(b.handle())
	b.mrs[h] = mr
	atomic.AddInt64(&b.metrics.MRsRegistered, 1)

	return VerbsMRInfo{
		Handle: h,
		Addr:   uint64(uintptr(unsafe.Pointer(&buf[0]))),
		Length: len(buf),
		LKey:   uint32(mr.lkey),
		RKey:   uint32(mr.rkey),
		Access: access,
	}, nil
}

func (b *HardwareVerbsBackend) DeregMR(mr VerbsMR) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	m, ok := b.mrs[mr]
	if !ok {
		return fmt.Errorf("%w: unknown memory region", ErrMRCreation)
	}

	if ret, err := C.ibv_dereg_mr(m); ret != 0 {
		return errnoErr(ErrMRCreation, "ibv_dereg_mr", ret, err)
	}

	delete(b.mrs, mr)

	return nil
}

func (b *HardwareVerbsBackend) PostSend(qp VerbsQP, wr *VerbsSendWR) error {
	q, err := b.lookupQP(qp)
	if err != nil {
		return err
	}

	if len(wr.SGList) > 1 {
		return fmt.Errorf("%w: only single-entry scatter lists are supported", ErrPostSend)
	}

	var sge VerbsSGE
	if len(wr.SGList) == 1 {
		sge = wr.SGList[0]
	}

	ret := C.post_send_one(q, C.uint64_t(wr.WRID), C.int(wr.Opcode), C.int(wr.SendFlags),
		C.uint64_t(sge.Addr), C.uint32_t(sge.Length), C.uint32_t(sge.LKey), C.int(len(wr.SGList)),
		C.uint64_t(wr.RemoteAddr), C.uint32_t(wr.RKey), C.uint32_t(wr.ImmData))
	if ret != 0 {
		atomic.AddInt64(&b.metrics.Errors, 1)
		return errnoErr(ErrPostSend, "ibv_post_send", ret, nil)
	}

	switch wr.Opcode {
	case WROpRDMARead:
		atomic.AddInt64(&b.metrics.RDMAReads, 1)
	case WROpRDMAWrite, WROpRDMAWriteWithImm:
		atomic.AddInt64(&b.metrics.RDMAWrites, 1)
	default:
		atomic.AddInt64(&b.metrics.SendsPosted, 1)
	}

	return nil
}

func (b *HardwareVerbsBackend) PostRecv(qp VerbsQP, wr *VerbsRecvWR) error {
	q, err := b.lookupQP(qp)
	if err != nil {
		return err
	}

	if len(wr.SGList) > 1 {
		return fmt.Errorf("%w: only single-entry scatter lists are supported", ErrPostRecv)
	}

	var sge VerbsSGE
	if len(wr.SGList) == 1 {
		sge = wr.SGList[0]
	}

	ret := C.post_recv_one(q, C.uint64_t(wr.WRID), C.uint64_t(sge.Addr), C.uint32_t(sge.Length),
		C.uint32_t(sge.LKey), C.int(len(wr.SGList)))
	if ret != 0 {
		atomic.AddInt64(&b.metrics.Errors, 1)
		return errnoErr(ErrPostRecv, "ibv_post_recv", ret, nil)
	}

	atomic.AddInt64(&b.metrics.RecvsPosted, 1)

	return nil
}

func (b *HardwareVerbsBackend) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"simulated":      false,
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
