package machine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cueframe/rqd/internal/frame"
	"github.com/cueframe/rqd/internal/framecache"
	"github.com/cueframe/rqd/internal/procacct"
	"github.com/cueframe/rqd/internal/reservation"
	"github.com/cueframe/rqd/internal/sysinfo"
	"github.com/cueframe/rqd/internal/topology"
)

func newTestFrame(t *testing.T) *frame.RunningFrame {
	t.Helper()
	dir := t.TempDir()
	req := frame.LaunchRequest{
		JobID: "job", JobName: "job", FrameID: "f1", FrameName: "f1",
		ResourceID: "r-idle", LogDir: dir,
	}
	f := frame.New(req, 1000, frame.RunnerConfig{SnapshotsPath: dir}, nil, nil, "host")
	f.Start(1)
	return f
}

type fakeSystem struct {
	sysinfo.SystemManager
	static    sysinfo.StaticInfo
	dynamic   sysinfo.DynamicInfo
	hwState   sysinfo.HardwareState
	attrs     map[string]string
	refreshed int
	rebooted  int
	killed    []int32
	forced    [][]int32
}

func newFakeSystem() *fakeSystem {
	return &fakeSystem{
		static:  sysinfo.StaticInfo{Hostname: "render01"},
		dynamic: sysinfo.DynamicInfo{TotalMemoryKiB: 1 << 20, AvailableMemoryKiB: 1 << 19},
		attrs:   map[string]string{},
	}
}

func (f *fakeSystem) CollectStatic() (sysinfo.StaticInfo, error) { return f.static, nil }
func (f *fakeSystem) CollectDynamic(int) (sysinfo.DynamicInfo, error) { return f.dynamic, nil }
func (f *fakeSystem) RefreshProcessTree() error                  { f.refreshed++; return nil }
func (f *fakeSystem) HardwareState() sysinfo.HardwareState       { return f.hwState }
func (f *fakeSystem) Attributes() map[string]string              { return f.attrs }
func (f *fakeSystem) Reboot() error                               { f.rebooted++; return nil }
func (f *fakeSystem) KillSession(pid int32, force bool) error {
	f.killed = append(f.killed, pid)
	return nil
}
func (f *fakeSystem) ForceKill(pids []int32) error {
	f.forced = append(f.forced, pids)
	return nil
}
func (f *fakeSystem) SessionProcesses(int32) ([]sysinfo.ProcRecord, bool) { return nil, false }

type fakeSink struct {
	reports []HostReport
}

func (s *fakeSink) SendHostReport(r HostReport) { s.reports = append(s.reports, r) }

const oneSocketTwoCores = `
processor	: 0
physical id	: 0
core id	: 0
siblings	: 2
cpu cores	: 2

processor	: 1
physical id	: 0
core id	: 1
siblings	: 2
cpu cores	: 2
`

func newMachine(t *testing.T) (*Machine, *fakeSystem, *fakeSink) {
	t.Helper()
	topo, err := topology.Parse(strings.NewReader(oneSocketTwoCores))
	require.NoError(t, err)

	res := reservation.New(topo)
	sys := newFakeSystem()
	acct := procacct.New(sys)
	cache := framecache.New(acct, res, nil, time.Hour)
	sink := &fakeSink{}

	m := New(Config{Facility: "lab", StartupReport: true}, topo, res, sys, acct, cache, sink)
	return m, sys, sink
}

func TestReserveCores_ByCount(t *testing.T) {
	m, _, _ := newMachine(t)
	threads, err := m.ReserveCores(CoreRequest{Count: 1}, reservation.ResourceID("r1"))
	require.NoError(t, err)
	assert.NotEmpty(t, threads)
}

func TestReserveCores_ByThreadIDs(t *testing.T) {
	m, _, _ := newMachine(t)
	threads, err := m.ReserveCores(CoreRequest{ThreadIDs: []topology.ThreadId{0}}, reservation.ResourceID("r2"))
	require.NoError(t, err)
	assert.Equal(t, []topology.ThreadId{0}, threads)
}

func TestReleaseCores(t *testing.T) {
	m, _, _ := newMachine(t)
	_, err := m.ReserveCores(CoreRequest{Count: 1}, reservation.ResourceID("r3"))
	require.NoError(t, err)
	cores, err := m.ReleaseCores(reservation.ResourceID("r3"))
	require.NoError(t, err)
	assert.NotEmpty(t, cores)
}

func TestLockUnlockAll(t *testing.T) {
	m, _, _ := newMachine(t)
	locked := m.LockAll()
	assert.Equal(t, 2, locked)
	unlocked := m.UnlockAll()
	assert.Equal(t, 2, unlocked)
}

func TestKillSessionAndForceKill(t *testing.T) {
	m, sys, _ := newMachine(t)
	require.NoError(t, m.KillSession(42, true))
	assert.Equal(t, []int32{42}, sys.killed)

	require.NoError(t, m.ForceKill([]int32{1, 2}))
	require.Len(t, sys.forced, 1)
	assert.Equal(t, []int32{1, 2}, sys.forced[0])
}

func TestRebootIfIdle_RebootsImmediatelyWhenDrained(t *testing.T) {
	m, sys, _ := newMachine(t)
	require.NoError(t, m.RebootIfIdle())
	assert.Equal(t, 1, sys.rebooted)
	assert.False(t, m.rebootWhenIdle)
}

func TestRebootIfIdle_LatchesWhenFramesRunning(t *testing.T) {
	m, sys, _ := newMachine(t)
	m.cache.Add("f1", newTestFrame(t))

	require.NoError(t, m.RebootIfIdle())
	assert.Equal(t, 0, sys.rebooted)
	assert.True(t, m.rebootWhenIdle)

	report := m.res.GetCoreInfoReport(1)
	assert.Equal(t, report.Total, report.Locked)
}

func TestCollectHostReport_SkipsRefreshWhenIdle(t *testing.T) {
	m, sys, _ := newMachine(t)
	report, err := m.CollectHostReport()
	require.NoError(t, err)

	assert.Equal(t, 0, sys.refreshed)
	assert.Equal(t, "render01", report.Hostname)
	assert.Equal(t, "lab", report.Facility)
	assert.Equal(t, 1, report.Sockets)
	assert.Equal(t, 2, report.CoresPerSocket)
}

func TestCollectHostReport_RefreshesWhenFramesRunning(t *testing.T) {
	m, sys, _ := newMachine(t)
	m.cache.Add("f1", newTestFrame(t))

	_, err := m.CollectHostReport()
	require.NoError(t, err)
	assert.Equal(t, 1, sys.refreshed)
}

func TestSnapshot_MemoizesUntilTTLExpires(t *testing.T) {
	m, sys, _ := newMachine(t)

	_, err := m.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 0, sys.refreshed)

	m.cache.Add("f1", newTestFrame(t))
	_, err = m.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 0, sys.refreshed, "memoized snapshot should not recollect before the TTL elapses")

	m.snapshotAt = time.Now().Add(-snapshotTTL - time.Millisecond)
	_, err = m.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 1, sys.refreshed, "expired snapshot should recollect, refreshing the process tree")
}

func TestRun_SendsStartupReportThenStops(t *testing.T) {
	m, _, sink := newMachine(t)
	m.cfg.ReportInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Run(ctx)
	time.Sleep(30 * time.Millisecond)
	m.Stop()

	require.NotEmpty(t, sink.reports)
}
