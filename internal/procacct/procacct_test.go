package procacct

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cueframe/rqd/internal/sysinfo"
)

type fakeSystem struct {
	sysinfo.SystemManager
	registered map[int32]bool
	procs      map[int32]sysinfo.ProcRecord
	sessions   map[int32][]sysinfo.ProcRecord
}

func newFakeSystem() *fakeSystem {
	return &fakeSystem{
		registered: make(map[int32]bool),
		procs:      make(map[int32]sysinfo.ProcRecord),
		sessions:   make(map[int32][]sysinfo.ProcRecord),
	}
}

func (f *fakeSystem) RegisterMonitoredSession(sessionID int32) { f.registered[sessionID] = true }

func (f *fakeSystem) Process(pid int32) (sysinfo.ProcRecord, bool) {
	rec, ok := f.procs[pid]
	return rec, ok
}

func (f *fakeSystem) SessionProcesses(sessionID int32) ([]sysinfo.ProcRecord, bool) {
	procs, ok := f.sessions[sessionID]
	return procs, ok
}

func TestCollect_LeaderDead(t *testing.T) {
	sys := newFakeSystem()
	sys.procs[100] = sysinfo.ProcRecord{Pid: 100, State: "Z"}

	a := New(sys)
	_, ok := a.Collect(100, "")
	assert.False(t, ok)
}

func TestCollect_LeaderAbsent(t *testing.T) {
	sys := newFakeSystem()
	a := New(sys)
	_, ok := a.Collect(100, "")
	assert.False(t, ok)
}

func TestCollect_AggregatesLineage(t *testing.T) {
	sys := newFakeSystem()
	sys.procs[100] = sysinfo.ProcRecord{Pid: 100, State: "S"}
	sys.sessions[100] = []sysinfo.ProcRecord{
		{Pid: 100, State: "S", RSSBytes: 1000, VSZBytes: 2000, StartTimeEpoch: 500, RunTimeSeconds: 10},
		{Pid: 101, State: "S", RSSBytes: 500, VSZBytes: 800, StartTimeEpoch: 480, RunTimeSeconds: 30},
		{Pid: 102, State: "Z", RSSBytes: 9999, VSZBytes: 9999},
	}

	a := New(sys)
	stats, ok := a.Collect(100, "")
	require.True(t, ok)
	assert.EqualValues(t, 1500, stats.RSSBytes)
	assert.EqualValues(t, 2800, stats.VSZBytes)
	assert.EqualValues(t, 480, stats.EpochStartTime)
	assert.EqualValues(t, 30, stats.RunTimeSeconds)
	assert.Len(t, stats.Children, 2)
	assert.False(t, stats.Truncated)
}

func TestCollect_TruncatesChildList(t *testing.T) {
	sys := newFakeSystem()
	sys.procs[1] = sysinfo.ProcRecord{Pid: 1, State: "S"}

	var procs []sysinfo.ProcRecord
	for i := int32(1); i <= MaxChildProcesses+10; i++ {
		procs = append(procs, sysinfo.ProcRecord{Pid: i, State: "S", RSSBytes: 1})
	}
	sys.sessions[1] = procs

	a := New(sys)
	stats, ok := a.Collect(1, "")
	require.True(t, ok)
	assert.Len(t, stats.Children, MaxChildProcesses)
	assert.True(t, stats.Truncated)
}

func TestCollect_LogLastModified(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "job.frame.rqlog")
	require.NoError(t, os.WriteFile(logPath, []byte("hi"), 0o644))

	sys := newFakeSystem()
	sys.procs[1] = sysinfo.ProcRecord{Pid: 1, State: "S"}
	sys.sessions[1] = []sysinfo.ProcRecord{{Pid: 1, State: "S"}}

	a := New(sys)
	stats, ok := a.Collect(1, logPath)
	require.True(t, ok)
	assert.Greater(t, stats.LogLastModified, int64(0))
}

func TestCollect_UnreadableLogIsZero(t *testing.T) {
	sys := newFakeSystem()
	sys.procs[1] = sysinfo.ProcRecord{Pid: 1, State: "S"}
	sys.sessions[1] = []sysinfo.ProcRecord{{Pid: 1, State: "S"}}

	a := New(sys)
	stats, ok := a.Collect(1, "/nonexistent/path")
	require.True(t, ok)
	assert.EqualValues(t, 0, stats.LogLastModified)
}
