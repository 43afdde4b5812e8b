package rdma

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSimulatedVerbsBackend(t *testing.T) {
	backend := NewSimulatedVerbsBackendOn(NewSimulatedFabric())
	require.NotNil(t, backend)

	err := backend.Init()
	require.NoError(t, err)

	defer backend.Close()
}

func TestSimulatedVerbsBackendDoubleInit(t *testing.T) {
	backend := NewSimulatedVerbsBackendOn(NewSimulatedFabric())

	err := backend.Init()
	require.NoError(t, err)

	// Double init should be ok
	err = backend.Init()
	require.NoError(t, err)

	err = backend.Close()
	require.NoError(t, err)
}

func TestSimulatedVerbsBackendGetDeviceList(t *testing.T) {
	backend := NewSimulatedVerbsBackendOn(NewSimulatedFabric())

	require.NoError(t, backend.Init())
	defer backend.Close()

	devices, err := backend.GetDeviceList()
	require.NoError(t, err)
	require.Len(t, devices, 2)

	assert.Equal(t, "mlx5_0", devices[0].Name)
	assert.Equal(t, "mlx5_1", devices[1].Name)
	assert.Equal(t, uint32(0x15b3), devices[0].VendorID) // Mellanox
	assert.Equal(t, 1, devices[0].PhysPortCnt)
}

func TestSimulatedVerbsBackendNotInitialized(t *testing.T) {
	backend := NewSimulatedVerbsBackendOn(NewSimulatedFabric())

	_, err := backend.GetDeviceList()
	assert.ErrorIs(t, err, ErrVerbsNotInitialized)

	_, err = backend.OpenDevice("mlx5_0")
	assert.ErrorIs(t, err, ErrVerbsNotInitialized)
}

func TestSimulatedVerbsBackendOpenDevice(t *testing.T) {
	backend := NewSimulatedVerbsBackendOn(NewSimulatedFabric())
	require.NoError(t, backend.Init())

	defer backend.Close()

	ctx, err := backend.OpenDevice("mlx5_0")
	require.NoError(t, err)
	assert.NotZero(t, ctx)

	_, err = backend.OpenDevice("mlx4_9")
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	require.NoError(t, backend.CloseDevice(ctx))
}

func TestSimulatedVerbsBackendQueryGID(t *testing.T) {
	fabric := NewSimulatedFabric()
	a := NewSimulatedVerbsBackendOn(fabric)
	b := NewSimulatedVerbsBackendOn(fabric)

	require.NoError(t, a.Init())
	require.NoError(t, b.Init())

	ctxA, err := a.OpenDevice("mlx5_0")
	require.NoError(t, err)
	ctxB, err := b.OpenDevice("mlx5_0")
	require.NoError(t, err)

	gidA, err := a.QueryGID(ctxA, 1, 0)
	require.NoError(t, err)
	gidB, err := b.QueryGID(ctxB, 1, 0)
	require.NoError(t, err)

	assert.Equal(t, byte(0xfe), gidA[0])
	assert.Equal(t, byte(0x80), gidA[1])
	assert.NotEqual(t, gidA, gidB, "each node has its own GID")

	_, err = a.QueryGID(ctxA, 2, 0)
	assert.ErrorIs(t, err, ErrQueryGID)

	_, err = a.QueryGID(ctxA, 1, 3)
	assert.ErrorIs(t, err, ErrQueryGID)
}

// rawNode is one side of a hand-wired simulated connection.
type rawNode struct {
	backend *SimulatedVerbsBackend
	ctx     VerbsContext
	pd      VerbsPD
	cq      VerbsCQ
	qp      VerbsQP
	gid     [16]byte
	qpn     uint32
}

func newRawNode(t *testing.T, fabric *SimulatedFabric) *rawNode {
	t.Helper()

	n := &rawNode{backend: NewSimulatedVerbsBackendOn(fabric)}
	require.NoError(t, n.backend.Init())

	var err error

	n.ctx, err = n.backend.OpenDevice("mlx5_0")
	require.NoError(t, err)

	n.pd, err = n.backend.AllocPD(n.ctx)
	require.NoError(t, err)

	n.cq, err = n.backend.CreateCQ(n.ctx, 8)
	require.NoError(t, err)

	n.qp, err = n.backend.CreateQP(n.pd, n.cq, n.cq, QPTypeRC, VerbsQPCap{MaxSendWR: 4, MaxRecvWR: 4, MaxSendSge: 1, MaxRecvSge: 1})
	require.NoError(t, err)

	n.gid, err = n.backend.QueryGID(n.ctx, 1, 0)
	require.NoError(t, err)

	attr, err := n.backend.QueryQP(n.qp)
	require.NoError(t, err)

	n.qpn = attr.QPN

	t.Cleanup(func() { _ = n.backend.Close() })

	return n
}

func (n *rawNode) rtrAttr(peer *rawNode) QPRTRAttr {
	return QPRTRAttr{
		PathMTU:         MTU1024,
		DestQPN:         peer.qpn,
		MaxDestRdAtomic: 1,
		MinRnrTimer:     12,
		AH: VerbsAHAttr{
			IsGlobal: 1,
			PortNum:  1,
			GRH:      VerbsGlobalRoute{DGID: peer.gid, HopLimit: 1},
		},
	}
}

func (n *rawNode) connect(t *testing.T, peer *rawNode) {
	t.Helper()

	require.NoError(t, n.backend.ModifyQPToInit(n.qp, QPInitAttr{PortNum: 1, AccessFlags: MRAccessRemoteRead | MRAccessRemoteWrite}))
	require.NoError(t, n.backend.ModifyQPToRTR(n.qp, n.rtrAttr(peer)))
	require.NoError(t, n.backend.ModifyQPToRTS(n.qp, QPRTSAttr{Timeout: 14, RetryCnt: 7, RnrRetry: 7, MaxRdAtomic: 16}))
}

func TestSimulatedQPStateOrder(t *testing.T) {
	fabric := NewSimulatedFabric()
	a := newRawNode(t, fabric)
	b := newRawNode(t, fabric)

	err := a.backend.ModifyQPToRTR(a.qp, a.rtrAttr(b))
	assert.ErrorIs(t, err, ErrModifyQP, "RTR before INIT")

	err = a.backend.ModifyQPToRTS(a.qp, QPRTSAttr{})
	assert.ErrorIs(t, err, ErrModifyQP, "RTS before RTR")

	err = a.backend.ModifyQPToInit(a.qp, QPInitAttr{PortNum: 0})
	assert.ErrorIs(t, err, ErrModifyQP, "port is required")

	require.NoError(t, a.backend.ModifyQPToInit(a.qp, QPInitAttr{PortNum: 1}))

	err = a.backend.ModifyQPToInit(a.qp, QPInitAttr{PortNum: 1})
	assert.ErrorIs(t, err, ErrModifyQP, "INIT twice")

	bad := a.rtrAttr(b)
	bad.DestQPN = 0xffffff
	err = a.backend.ModifyQPToRTR(a.qp, bad)
	assert.ErrorIs(t, err, ErrModifyQP, "unknown destination")

	require.NoError(t, a.backend.ModifyQPToRTR(a.qp, a.rtrAttr(b)))

	err = a.backend.ModifyQPToRTS(a.qp, QPRTSAttr{RetryCnt: 8})
	assert.ErrorIs(t, err, ErrModifyQP, "retry count above 7")

	require.NoError(t, a.backend.ModifyQPToRTS(a.qp, QPRTSAttr{RetryCnt: 7, RnrRetry: 7}))

	attr, err := a.backend.QueryQP(a.qp)
	require.NoError(t, err)
	assert.Equal(t, QPStateRTS, attr.State)
	assert.Equal(t, b.qpn, attr.DestQPN)
}

func TestSimulatedPostBeforeRTS(t *testing.T) {
	fabric := NewSimulatedFabric()
	a := newRawNode(t, fabric)

	err := a.backend.PostSend(a.qp, &VerbsSendWR{Opcode: WROpRDMARead})
	assert.ErrorIs(t, err, ErrPostSend)

	err = a.backend.PostRecv(a.qp, &VerbsRecvWR{})
	assert.ErrorIs(t, err, ErrPostRecv, "receive in RESET")
}

func TestSimulatedRegMRAccessRules(t *testing.T) {
	fabric := NewSimulatedFabric()
	a := newRawNode(t, fabric)

	buf := make([]byte, 64)

	_, err := a.backend.RegMR(a.pd, buf, MRAccessRemoteWrite)
	assert.ErrorIs(t, err, ErrMRCreation)

	_, err = a.backend.RegMR(a.pd, nil, MRAccessLocalWrite)
	assert.ErrorIs(t, err, ErrMRCreation)

	mr, err := a.backend.RegMR(a.pd, buf, MRAccessLocalWrite|MRAccessRemoteRead)
	require.NoError(t, err)
	assert.Equal(t, 64, mr.Length)
	assert.Equal(t, mr.LKey, mr.RKey)

	err = a.backend.DeallocPD(a.pd)
	assert.ErrorIs(t, err, ErrPDCreation, "PD with live MR")

	require.NoError(t, a.backend.DeregMR(mr.Handle))
}

func TestSimulatedRDMARead(t *testing.T) {
	fabric := NewSimulatedFabric()
	client := newRawNode(t, fabric)
	server := newRawNode(t, fabric)

	client.connect(t, server)
	server.connect(t, client)

	src := []byte("one-sided read payload")
	srcMR, err := client.backend.RegMR(client.pd, src, MRAccessLocalWrite|MRAccessRemoteRead)
	require.NoError(t, err)

	dst := make([]byte, len(src))
	dstMR, err := server.backend.RegMR(server.pd, dst, MRAccessLocalWrite)
	require.NoError(t, err)

	err = server.backend.PostSend(server.qp, &VerbsSendWR{
		WRID:       7,
		Opcode:     WROpRDMARead,
		SendFlags:  SendFlagSignaled,
		SGList:     []VerbsSGE{{Addr: dstMR.Addr, Length: uint32(len(dst)), LKey: dstMR.LKey}},
		RemoteAddr: srcMR.Addr,
		RKey:       srcMR.RKey,
	})
	require.NoError(t, err)

	wcs, err := server.backend.PollCQ(server.cq, 1)
	require.NoError(t, err)
	require.Len(t, wcs, 1)

	assert.Equal(t, WCSuccess, wcs[0].Status)
	assert.Equal(t, WCOpRDMARead, wcs[0].Opcode)
	assert.Equal(t, uint64(7), wcs[0].WRID)
	assert.Equal(t, src, dst)

	// The initiator's read leaves no completion on the responder.
	wcs, err = client.backend.PollCQ(client.cq, 1)
	require.NoError(t, err)
	assert.Empty(t, wcs)
}

func TestSimulatedRDMAReadWithoutRemoteRead(t *testing.T) {
	fabric := NewSimulatedFabric()
	client := newRawNode(t, fabric)
	server := newRawNode(t, fabric)

	client.connect(t, server)
	server.connect(t, client)

	src := make([]byte, 32)
	srcMR, err := client.backend.RegMR(client.pd, src, MRAccessLocalWrite)
	require.NoError(t, err)

	dst := make([]byte, 32)
	dstMR, err := server.backend.RegMR(server.pd, dst, MRAccessLocalWrite)
	require.NoError(t, err)

	err = server.backend.PostSend(server.qp, &VerbsSendWR{
		WRID:       1,
		Opcode:     WROpRDMARead,
		SendFlags:  SendFlagSignaled,
		SGList:     []VerbsSGE{{Addr: dstMR.Addr, Length: 32, LKey: dstMR.LKey}},
		RemoteAddr: srcMR.Addr,
		RKey:       srcMR.RKey,
	})
	require.NoError(t, err)

	wcs, err := server.backend.PollCQ(server.cq, 1)
	require.NoError(t, err)
	require.Len(t, wcs, 1)
	assert.Equal(t, WCRemoteAccessErr, wcs[0].Status)

	attr, err := server.backend.QueryQP(server.qp)
	require.NoError(t, err)
	assert.Equal(t, QPStateErr, attr.State)
}

func TestSimulatedWriteWithImmNeedsReceive(t *testing.T) {
	fabric := NewSimulatedFabric()
	a := newRawNode(t, fabric)
	b := newRawNode(t, fabric)

	a.connect(t, b)
	b.connect(t, a)

	err := a.backend.PostSend(a.qp, &VerbsSendWR{WRID: 3, Opcode: WROpRDMAWriteWithImm, SendFlags: SendFlagSignaled, ImmData: 42})
	require.NoError(t, err)

	wcs, err := a.backend.PollCQ(a.cq, 1)
	require.NoError(t, err)
	require.Len(t, wcs, 1)
	assert.Equal(t, WCRnrRetryExcErr, wcs[0].Status)
}

func TestSimulatedWriteWithImm(t *testing.T) {
	fabric := NewSimulatedFabric()
	a := newRawNode(t, fabric)
	b := newRawNode(t, fabric)

	a.connect(t, b)
	b.connect(t, a)

	slot := make([]byte, 16)
	slotMR, err := b.backend.RegMR(b.pd, slot, MRAccessLocalWrite)
	require.NoError(t, err)

	require.NoError(t, b.backend.PostRecv(b.qp, &VerbsRecvWR{
		WRID:   5,
		SGList: []VerbsSGE{{Addr: slotMR.Addr, Length: 16, LKey: slotMR.LKey}},
	}))

	events, err := b.backend.CompletionEvents(b.cq)
	require.NoError(t, err)

	require.NoError(t, a.backend.PostSend(a.qp, &VerbsSendWR{WRID: 9, Opcode: WROpRDMAWriteWithImm, SendFlags: SendFlagSignaled, ImmData: 0xabcd}))

	select {
	case <-events:
	default:
		t.Fatal("expected a completion event on the receiver")
	}

	wcs, err := b.backend.PollCQ(b.cq, 4)
	require.NoError(t, err)
	require.Len(t, wcs, 1)

	assert.Equal(t, WCOpRecvRDMAWithImm, wcs[0].Opcode)
	assert.Equal(t, uint64(5), wcs[0].WRID)
	assert.True(t, wcs[0].HasImm())
	assert.Equal(t, uint32(0xabcd), wcs[0].ImmData)

	wcs, err = a.backend.PollCQ(a.cq, 4)
	require.NoError(t, err)
	require.Len(t, wcs, 1)
	assert.Equal(t, WCOpRDMAWrite, wcs[0].Opcode)
	assert.Equal(t, WCSuccess, wcs[0].Status)
}

func TestSimulatedVerbsBackendGetMetrics(t *testing.T) {
	backend := NewSimulatedVerbsBackendOn(NewSimulatedFabric())
	require.NoError(t, backend.Init())

	defer backend.Close()

	_, err := backend.OpenDevice("mlx5_0")
	require.NoError(t, err)

	m := backend.GetMetrics()
	assert.Equal(t, true, m["simulated"])
	assert.Equal(t, int64(1), m["devices_opened"])
}

func TestEnumStrings(t *testing.T) {
	assert.Equal(t, "RTS", QPStateRTS.String())
	assert.Equal(t, "remote access error", WCRemoteAccessErr.String())
	assert.Equal(t, 10, int(WCRemoteAccessErr))
	assert.Equal(t, "rdma_read", WCOpRDMARead.String())
	assert.Equal(t, 129, int(WCOpRecvRDMAWithImm))
	assert.Equal(t, 4, int(WROpRDMARead))
	assert.Equal(t, 1024, MTU1024.Bytes())
	assert.Equal(t, 4096, MTU4096.Bytes())
	assert.Equal(t, 0, MTU(0).Bytes())
}

func TestNewBackend(t *testing.T) {
	b, err := NewBackend("")
	require.NoError(t, err)
	assert.IsType(t, &SimulatedVerbsBackend{}, b)

	_, err = NewBackend("carrier-pigeon")
	assert.Error(t, err)
}
