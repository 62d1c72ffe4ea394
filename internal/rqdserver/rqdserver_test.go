package rqdserver

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cueframe/rqd/internal/frame"
	"github.com/cueframe/rqd/internal/framecache"
	"github.com/cueframe/rqd/internal/machine"
	"github.com/cueframe/rqd/internal/procacct"
	"github.com/cueframe/rqd/internal/reservation"
	"github.com/cueframe/rqd/internal/rqdapi"
	"github.com/cueframe/rqd/internal/sysinfo"
	"github.com/cueframe/rqd/internal/topology"
)

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

type fakeSystem struct {
	sysinfo.SystemManager
}

func (f *fakeSystem) CollectStatic() (sysinfo.StaticInfo, error) { return sysinfo.StaticInfo{}, nil }
func (f *fakeSystem) CollectDynamic(int) (sysinfo.DynamicInfo, error) {
	return sysinfo.DynamicInfo{}, nil
}
func (f *fakeSystem) RefreshProcessTree() error                           { return nil }
func (f *fakeSystem) HardwareState() sysinfo.HardwareState                { return sysinfo.HardwareUp }
func (f *fakeSystem) Attributes() map[string]string                       { return nil }
func (f *fakeSystem) KillSession(pid int32, force bool) error             { return nil }
func (f *fakeSystem) ForceKill(pids []int32) error                        { return nil }
func (f *fakeSystem) SessionProcesses(int32) ([]sysinfo.ProcRecord, bool) { return nil, false }

type fakeSink struct{}

func (fakeSink) SendHostReport(machine.HostReport) {}

type discardLogger struct{}

func (discardLogger) Writeln(string) {}
func (discardLogger) Close() error   { return nil }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	topo, err := topology.Parse(strings.NewReader(oneSocketTwoCores))
	require.NoError(t, err)

	res := reservation.New(topo)
	sys := &fakeSystem{}
	acct := procacct.New(sys)
	cache := framecache.New(acct, res, nopReporter{}, time.Hour)
	m := machine.New(machine.Config{}, topo, res, sys, acct, cache, fakeSink{})

	cfg := frame.RunnerConfig{ShellPath: "/bin/sh", TempPath: t.TempDir(), SnapshotsPath: t.TempDir()}
	return New(m, cfg, "render01", func(string, bool, int32, int32) (frame.Logger, error) {
		return discardLogger{}, nil
	})
}

type nopReporter struct{}

func (nopReporter) ReportFrameComplete(f *frame.RunningFrame, exitCode int, exitSignal *int) {}

func TestRunFrame_ReservesCoresAndRegistersFrame(t *testing.T) {
	s := newTestServer(t)

	resp, err := s.RunFrame(context.Background(), &rqdapi.RunFrameRequest{
		ResourceID: "r1", JobID: "j1", JobName: "job", FrameID: "f1", FrameName: "0001",
		Command: "true", NumCores: 1, LogDir: t.TempDir(),
	})
	require.NoError(t, err)
	assert.True(t, resp.Accepted)
	_, registered := s.machine.GetRunningFrame("f1")
	assert.True(t, registered)
}

func TestRunFrame_InsufficientCoresFails(t *testing.T) {
	s := newTestServer(t)

	_, err := s.RunFrame(context.Background(), &rqdapi.RunFrameRequest{
		ResourceID: "r1", FrameID: "f1", FrameName: "0001", NumCores: 99, LogDir: t.TempDir(),
	})
	require.Error(t, err)
}

func TestKillRunningFrame_UnknownFrame(t *testing.T) {
	s := newTestServer(t)
	_, err := s.KillRunningFrame(context.Background(), &rqdapi.KillRunningFrameRequest{FrameID: "missing"})
	require.Error(t, err)
}
