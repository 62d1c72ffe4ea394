package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cueframe/rqd/internal/dispatch/rpcpool"
	"github.com/cueframe/rqd/internal/rqderrors"
)

var errFake = errors.New("fake failure")

func TestCanonicalizeCoresRequested(t *testing.T) {
	assert.Equal(t, 6, canonicalizeCoresRequested(-2, 8))
	assert.Equal(t, 8, canonicalizeCoresRequested(0, 8))
	assert.Equal(t, 3, canonicalizeCoresRequested(3, 8))
}

func TestReserveCoreCount_AllMode(t *testing.T) {
	host := HostView{ThreadMode: ThreadModeAll, IdleCores: 5}
	assert.Equal(t, 5, reserveCoreCount(host, LayerRequest{}, 2))
}

func TestReserveCoreCount_VariableFloor(t *testing.T) {
	host := HostView{ThreadMode: ThreadModeVariable, IdleCores: 10}
	layer := LayerRequest{Threadable: true}
	assert.Equal(t, 2, reserveCoreCount(host, layer, 1))
}

func TestReserveCoreCount_AutoBalancesByMemory(t *testing.T) {
	host := HostView{ThreadMode: ThreadModeAuto, IdleCores: 10, TotalCores: 10, TotalMemoryKiB: 100_000_000, IdleMemoryKiB: 80_000_000, StrandedThresholdKiB: 1_000}
	layer := LayerRequest{Threadable: true, MinMemoryKiB: 20_000_000}
	got := reserveCoreCount(host, layer, 8)
	assert.Equal(t, 8, got) // 10M/core, 20M requested -> 2 cores worth, clamped up to the 8 requested
}

func TestReserveCoreCount_AutoFallsBackWhenStranded(t *testing.T) {
	host := HostView{ThreadMode: ThreadModeAuto, IdleCores: 4, TotalCores: 10, TotalMemoryKiB: 100_000_000, IdleMemoryKiB: 1_000, StrandedThresholdKiB: 5_000}
	layer := LayerRequest{Threadable: true, MinMemoryKiB: 500}
	assert.Equal(t, 4, reserveCoreCount(host, layer, 8))
}

func TestReserveCoreCount_StaticUsesRequestVerbatim(t *testing.T) {
	host := HostView{ThreadMode: ThreadModeStatic, IdleCores: 10}
	assert.Equal(t, 3, reserveCoreCount(host, LayerRequest{Threadable: false}, 3))
}

func TestMemoryBalancedCoreCount_ClampsToLayerLimit(t *testing.T) {
	host := HostView{TotalCores: 10, TotalMemoryKiB: 100_000_000}
	layer := LayerRequest{MinMemoryKiB: 90_000_000, LayerCoresLimit: 3}
	assert.Equal(t, 3, memoryBalancedCoreCount(host, layer, 9))
}

func TestCheckFit_FailsOnMemory(t *testing.T) {
	err := checkFit(HostView{IdleMemoryKiB: 10, IdleCores: 4}, LayerRequest{MinMemoryKiB: 20}, 2)
	require.Error(t, err)
	var want *rqderrors.HostResourcesExtinguished
	assert.ErrorAs(t, err, &want)
}

func TestCheckFit_FailsOnCores(t *testing.T) {
	err := checkFit(HostView{IdleCores: 1}, LayerRequest{}, 2)
	require.Error(t, err)
}

func TestCheckFit_Passes(t *testing.T) {
	err := checkFit(HostView{IdleCores: 4, IdleMemoryKiB: 100, IdleGpus: 1, IdleGpuMemoryKiB: 100}, LayerRequest{MinMemoryKiB: 50, MinGpus: 1, MinGpuMemoryKiB: 50}, 2)
	assert.NoError(t, err)
}

func TestCheckAllocationBurst(t *testing.T) {
	assert.NoError(t, checkAllocationBurst(4, 2, "alloc"))
	err := checkAllocationBurst(1, 2, "alloc")
	require.Error(t, err)
	var want *rqderrors.AllocationOverBurst
	assert.ErrorAs(t, err, &want)
}

func TestSubstituteTokens(t *testing.T) {
	layer := LayerRequest{LayerName: "beauty", JobName: "shot010_lighting", ChunkSize: 5}
	frameReq := FrameRequest{FrameName: "0012-beauty", FrameNumber: 12, ChunkEnd: 16, ChunkSpec: "12-16"}
	got := substituteTokens("render -f #ZFRAME# -range #FRAMESPEC# -layer #LAYER#", layer, frameReq)
	assert.Equal(t, "render -f 0012 -range 12-16 -layer beauty", got)
}

type fakeLocker struct {
	fail    bool
	locks   []string
	unlocks int
}

func (l *fakeLocker) LockHost(hostID string) (func(), error) {
	if l.fail {
		return nil, errFake
	}
	l.locks = append(l.locks, hostID)
	return func() { l.unlocks++ }, nil
}

type fakeStore struct {
	started   []VirtualProc
	persisted []HostView
	failStart bool
}

func (s *fakeStore) UpdateFrameStarted(vp VirtualProc) error {
	if s.failStart {
		return errFake
	}
	s.started = append(s.started, vp)
	return nil
}

func (s *fakeStore) PersistHostResources(host HostView) error {
	s.persisted = append(s.persisted, host)
	return nil
}

func testHost() HostView {
	return HostView{
		ID: "host-1", Addr: "host-1:8444", ThreadMode: ThreadModeStatic,
		TotalCores: 8, IdleCores: 8, TotalMemoryKiB: 16_000_000, IdleMemoryKiB: 16_000_000,
		IdleGpus: 0, IdleGpuMemoryKiB: 0, AllocAvailableCores: 8, AllocationName: "general",
	}
}

func testLayer() LayerRequest {
	return LayerRequest{JobID: "j1", LayerID: "l1", CoresRequested: 2, Command: "render #IFRAME#"}
}

func TestDispatchLayer_DryRunCommitsWithoutRPC(t *testing.T) {
	locker := &fakeLocker{}
	store := &fakeStore{}
	d := New(nil, locker, store, true, 0)

	pending := []FrameRequest{{FrameID: "f1", FrameName: "0001", FrameNumber: 1}, {FrameID: "f2", FrameName: "0002", FrameNumber: 2}}
	summary, err := d.DispatchLayer(context.Background(), testHost(), testLayer(), pending)

	require.NoError(t, err)
	assert.Len(t, summary.Dispatched, 2)
	assert.Equal(t, 0, summary.Skipped)
	assert.Len(t, store.started, 2)
	assert.Len(t, store.persisted, 2)
	assert.Equal(t, 1, locker.unlocks)
}

func TestDispatchLayer_HostLockFailure(t *testing.T) {
	locker := &fakeLocker{fail: true}
	store := &fakeStore{}
	d := New(nil, locker, store, true, 0)

	_, err := d.DispatchLayer(context.Background(), testHost(), testLayer(), []FrameRequest{{FrameID: "f1"}})
	require.Error(t, err)
	var want *rqderrors.HostLock
	assert.ErrorAs(t, err, &want)
}

func TestDispatchLayer_StopsOnResourceExhaustion(t *testing.T) {
	locker := &fakeLocker{}
	store := &fakeStore{}
	d := New(nil, locker, store, true, 0)

	host := testHost()
	host.IdleCores = 2 // only enough for one 2-core frame
	pending := []FrameRequest{{FrameID: "f1"}, {FrameID: "f2"}, {FrameID: "f3"}}

	summary, err := d.DispatchLayer(context.Background(), host, testLayer(), pending)
	require.NoError(t, err)
	assert.Len(t, summary.Dispatched, 1)
	assert.True(t, summary.StoppedEarly)
	assert.Equal(t, 2, summary.Skipped)
}

func TestDispatchLayer_LayerLimitCaps(t *testing.T) {
	locker := &fakeLocker{}
	store := &fakeStore{}
	d := New(nil, locker, store, true, 1)

	pending := []FrameRequest{{FrameID: "f1"}, {FrameID: "f2"}, {FrameID: "f3"}}
	summary, err := d.DispatchLayer(context.Background(), testHost(), testLayer(), pending)
	require.NoError(t, err)
	assert.Len(t, summary.Dispatched, 1)
}

// TestDispatchLayer_RetryExhaustedSurfacesGrpcFailure exercises the
// end-to-end retry path: nothing is listening on the host address, so every
// launch RPC attempt fails with codes.Unavailable, the invalidate-and-retry
// runs out after its single retry, and the layer surfaces that as a
// *rqderrors.GrpcFailure rather than a DB-layer FailureAfterDispatch.
func TestDispatchLayer_RetryExhaustedSurfacesGrpcFailure(t *testing.T) {
	locker := &fakeLocker{}
	store := &fakeStore{}
	pool := rpcpool.New()
	d := New(pool, locker, store, false, 0)

	host := testHost()
	host.Addr = "127.0.0.1:1" // nothing listening: every attempt fails Unavailable

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := d.DispatchLayer(ctx, host, testLayer(), []FrameRequest{{FrameID: "f1", FrameName: "0001"}})
	require.Error(t, err)
	var want *rqderrors.GrpcFailure
	assert.ErrorAs(t, err, &want)
}

func TestDispatchLayer_DBFailureBeforeDispatch(t *testing.T) {
	locker := &fakeLocker{}
	store := &fakeStore{failStart: true}
	d := New(nil, locker, store, true, 0)

	_, err := d.DispatchLayer(context.Background(), testHost(), testLayer(), []FrameRequest{{FrameID: "f1"}})
	require.Error(t, err)
	var want *rqderrors.FailedToStartOnDB
	assert.ErrorAs(t, err, &want)
}
